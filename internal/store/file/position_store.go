// Package file persists the open-position set as a single JSON document.
package file

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/alanyoungcy/alertbridge/internal/domain"
)

// PositionStore keeps positions in one JSON file keyed by position id.
type PositionStore struct {
	path string
	mu   sync.Mutex
}

// NewPositionStore returns a store backed by the file at path.
func NewPositionStore(path string) *PositionStore {
	return &PositionStore{path: path}
}

// Path is the backing file.
func (s *PositionStore) Path() string { return s.path }

// Load reads the snapshot. A missing file is an empty set. A file that
// cannot be decoded is renamed to <path>.corrupt-<timestamp> so the next
// Save does not overwrite the positions it still holds.
func (s *PositionStore) Load(_ context.Context) (map[string]domain.Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return map[string]domain.Position{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("file: read %s: %w", s.path, err)
	}

	var records map[string]domain.PositionRecord
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, s.quarantineLocked(fmt.Errorf("file: decode %s: %w", s.path, err))
	}

	out := make(map[string]domain.Position, len(records))
	for id, rec := range records {
		if rec.PositionID == "" {
			rec.PositionID = id
		}
		p, err := rec.Position()
		if err != nil {
			return nil, s.quarantineLocked(fmt.Errorf("file: %w", err))
		}
		out[id] = p
	}
	return out, nil
}

// quarantineLocked moves the unreadable file aside and returns cause
// annotated with where it went.
func (s *PositionStore) quarantineLocked(cause error) error {
	aside := s.path + ".corrupt-" + time.Now().UTC().Format("20060102T150405Z")
	if err := os.Rename(s.path, aside); err != nil {
		return errors.Join(cause, fmt.Errorf("file: move aside %s: %w", s.path, err))
	}
	return fmt.Errorf("%w (moved to %s)", cause, aside)
}

// Save rewrites the whole file. The new content is written to a sibling temp
// file and renamed over the old one.
func (s *PositionStore) Save(_ context.Context, positions map[string]domain.Position) error {
	records := make(map[string]domain.PositionRecord, len(positions))
	for id, p := range positions {
		records[id] = p.ToRecord()
	}
	data, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return fmt.Errorf("file: encode positions: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("file: create dir %s: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(s.path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("file: create temp: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("file: write %s: %w", tmpName, err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("file: close %s: %w", tmpName, err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("file: replace %s: %w", s.path, err)
	}
	return nil
}
