package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// FileStore is a file-backed audit store for dev and testing. Each event is
// written as a JSON file; head.hash tracks the current chain head.
type FileStore struct {
	dir string
	mu  sync.Mutex
}

// NewFileStore returns a FileStore and ensures the archive directory exists.
func NewFileStore(dir string) *FileStore {
	_ = os.MkdirAll(dir, 0o755)
	return &FileStore{dir: dir}
}

func (f *FileStore) Ping(ctx context.Context) error { return nil }

// Append chains the event onto the current head and writes it to disk.
func (f *FileStore) Append(ctx context.Context, ev *Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	prev := f.readHead()
	if err := computeChainHash(ev, prev); err != nil {
		return err
	}

	b, _ := json.MarshalIndent(ev, "", "  ")
	path := filepath.Join(f.dir, fmt.Sprintf("audit_%s.json", ev.ID))
	if err := os.WriteFile(path, b, 0o644); err != nil {
		return fmt.Errorf("write audit file: %w", err)
	}
	if err := os.WriteFile(filepath.Join(f.dir, "head.hash"), []byte(ev.Hash), 0o644); err != nil {
		return fmt.Errorf("write head.hash: %w", err)
	}
	return nil
}

// Get reads an event by id from disk.
func (f *FileStore) Get(ctx context.Context, id string) (*Event, error) {
	path := filepath.Join(f.dir, fmt.Sprintf("audit_%s.json", id))
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("read audit file: %w", err)
	}
	var ev Event
	if err := json.Unmarshal(b, &ev); err != nil {
		return nil, fmt.Errorf("unmarshal audit file: %w", err)
	}
	return &ev, nil
}

// PruneBefore removes event files older than cutoff.
func (f *FileStore) PruneBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	entries, err := os.ReadDir(f.dir)
	if err != nil {
		return 0, fmt.Errorf("read archive dir: %w", err)
	}
	var pruned int64
	for _, e := range entries {
		name := e.Name()
		if !strings.HasPrefix(name, "audit_") || !strings.HasSuffix(name, ".json") {
			continue
		}
		path := filepath.Join(f.dir, name)
		b, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		var ev Event
		if err := json.Unmarshal(b, &ev); err != nil {
			continue
		}
		if ev.At.Before(cutoff) {
			if err := os.Remove(path); err == nil {
				pruned++
			}
		}
	}
	return pruned, nil
}

func (f *FileStore) readHead() string {
	b, err := os.ReadFile(filepath.Join(f.dir, "head.hash"))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(b))
}
