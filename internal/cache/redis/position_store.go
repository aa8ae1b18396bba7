package redis

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/alanyoungcy/alertbridge/internal/domain"
)

// PositionStore keeps the open-position set in one hash, field = position id,
// value = JSON record. Save swaps the whole hash in a MULTI block.
type PositionStore struct {
	c   *Client
	key string
}

// NewPositionStore stores positions under the hash name (prefixed).
func NewPositionStore(c *Client, name string) *PositionStore {
	if name == "" {
		name = "positions"
	}
	return &PositionStore{c: c, key: c.Key(name)}
}

// Load reads every record from the hash.
func (s *PositionStore) Load(ctx context.Context) (map[string]domain.Position, error) {
	fields, err := s.c.Underlying().HGetAll(ctx, s.key).Result()
	if err != nil {
		return nil, fmt.Errorf("redis: load positions: %w", err)
	}
	out := make(map[string]domain.Position, len(fields))
	for id, raw := range fields {
		var rec domain.PositionRecord
		if err := json.Unmarshal([]byte(raw), &rec); err != nil {
			return nil, fmt.Errorf("redis: decode position %s: %w", id, err)
		}
		if rec.PositionID == "" {
			rec.PositionID = id
		}
		p, err := rec.Position()
		if err != nil {
			return nil, fmt.Errorf("redis: %w", err)
		}
		out[id] = p
	}
	return out, nil
}

// Save replaces the hash with positions.
func (s *PositionStore) Save(ctx context.Context, positions map[string]domain.Position) error {
	values, err := encodeRecords(positions)
	if err != nil {
		return err
	}
	_, err = s.c.Underlying().TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, s.key)
		if len(values) > 0 {
			pipe.HSet(ctx, s.key, values)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis: save positions: %w", err)
	}
	return nil
}

func encodeRecords(positions map[string]domain.Position) (map[string]any, error) {
	values := make(map[string]any, len(positions))
	for id, p := range positions {
		b, err := json.Marshal(p.ToRecord())
		if err != nil {
			return nil, fmt.Errorf("redis: encode position %s: %w", id, err)
		}
		values[id] = string(b)
	}
	return values, nil
}

var _ domain.PositionStore = (*PositionStore)(nil)
