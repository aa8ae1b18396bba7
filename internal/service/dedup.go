package service

import (
	"sync"
	"time"
)

// Dedup suppresses repeated deliveries of the same alert within a
// time-to-live window. It is safe for concurrent use.
type Dedup struct {
	seen map[string]time.Time // fingerprint -> last seen time
	ttl  time.Duration
	now  func() time.Time
	mu   sync.Mutex
}

// NewDedup creates a Dedup. A ttl <= 0 disables de-duplication.
func NewDedup(ttl time.Duration) *Dedup {
	return &Dedup{
		seen: make(map[string]time.Time),
		ttl:  ttl,
		now:  time.Now,
	}
}

// IsDuplicate reports whether key was seen within the TTL. Otherwise it is
// recorded and false is returned. Expired entries are swept on the way.
func (d *Dedup) IsDuplicate(key string) bool {
	if d == nil || d.ttl <= 0 {
		return false
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now()
	if lastSeen, ok := d.seen[key]; ok && now.Sub(lastSeen) < d.ttl {
		return true
	}
	for k, ts := range d.seen {
		if now.Sub(ts) >= d.ttl {
			delete(d.seen, k)
		}
	}
	d.seen[key] = now
	return false
}

// Forget drops key so a retry after a failed attempt is not suppressed.
func (d *Dedup) Forget(key string) {
	if d == nil {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.seen, key)
}
