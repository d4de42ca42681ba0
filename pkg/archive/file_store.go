package archive

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

// ErrInvalidPathComponent is returned when a path component contains unsafe characters.
var ErrInvalidPathComponent = errors.New("invalid path component: contains path separator or traversal sequence")

// validatePathComponent checks that a string is safe to use as a path component.
// It rejects empty strings, path separators, and traversal sequences.
func validatePathComponent(s string) error {
	if s == "" {
		return errors.New("path component cannot be empty")
	}
	if strings.ContainsAny(s, `/\`) || strings.Contains(s, "..") {
		return ErrInvalidPathComponent
	}
	return nil
}

// FileStore implements Store using JSON files.
// Storage layout:
//
//	~/.caresim/archive/
//	  ├── index.json           # record ID -> {user, completed_at}
//	  └── <record-id>.json     # full record
type FileStore struct {
	baseDir string
	mu      sync.RWMutex
	closed  bool
}

type fileIndexEntry struct {
	UserID      string    `json:"user_id"`
	CompletedAt time.Time `json:"completed_at"`
}

// NewFileStore creates a new file-based archive store.
// If baseDir is empty, uses ~/.caresim/archive.
func NewFileStore(baseDir string) (*FileStore, error) {
	if baseDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("get home directory: %w", err)
		}
		baseDir = filepath.Join(home, ".caresim", "archive")
	}

	if err := os.MkdirAll(baseDir, 0700); err != nil {
		return nil, fmt.Errorf("create archive directory: %w", err)
	}

	return &FileStore{baseDir: baseDir}, nil
}

// Save writes a record and updates the index.
func (f *FileStore) Save(ctx context.Context, record *Record) (*SaveResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return nil, ErrStoreClosed
	}
	if err := validatePathComponent(record.ID); err != nil {
		return nil, fmt.Errorf("invalid record ID: %w", err)
	}

	data, err := json.MarshalIndent(record, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal record: %w", err)
	}

	recordPath := filepath.Join(f.baseDir, record.ID+".json")
	if err := os.WriteFile(recordPath, data, 0600); err != nil {
		return nil, fmt.Errorf("write record: %w", err)
	}

	index, err := f.loadIndexUnlocked()
	if err != nil {
		return nil, err
	}
	index[record.ID] = fileIndexEntry{UserID: record.UserID, CompletedAt: record.CompletedAt}
	if err := f.writeIndexUnlocked(index); err != nil {
		return nil, err
	}

	return &SaveResult{ID: record.ID}, nil
}

// Load retrieves a record by ID.
func (f *FileStore) Load(ctx context.Context, recordID string) (*Record, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	if f.closed {
		return nil, ErrStoreClosed
	}
	if err := validatePathComponent(recordID); err != nil {
		return nil, fmt.Errorf("invalid record ID: %w", err)
	}

	data, err := os.ReadFile(filepath.Join(f.baseDir, recordID+".json")) // #nosec G304 - record ID validated to prevent traversal
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrRecordNotFound
		}
		return nil, fmt.Errorf("read record: %w", err)
	}

	var record Record
	if err := json.Unmarshal(data, &record); err != nil {
		return nil, fmt.Errorf("parse record: %w", err)
	}
	return &record, nil
}

// ListByUser returns a user's records, most recent first.
func (f *FileStore) ListByUser(ctx context.Context, userID string, opts ListOptions) ([]*Record, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	if f.closed {
		return nil, ErrStoreClosed
	}

	index, err := f.loadIndexUnlocked()
	if err != nil {
		return nil, err
	}

	var ids []string
	for id, entry := range index {
		if entry.UserID == userID {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool {
		return index[ids[i]].CompletedAt.After(index[ids[j]].CompletedAt)
	})

	if opts.Offset > 0 {
		if opts.Offset >= len(ids) {
			return []*Record{}, nil
		}
		ids = ids[opts.Offset:]
	}
	if opts.Limit > 0 && opts.Limit < len(ids) {
		ids = ids[:opts.Limit]
	}

	records := make([]*Record, 0, len(ids))
	for _, id := range ids {
		data, err := os.ReadFile(filepath.Join(f.baseDir, id+".json")) // #nosec G304 - IDs come from the index we wrote
		if err != nil {
			continue
		}
		var record Record
		if err := json.Unmarshal(data, &record); err != nil {
			continue
		}
		records = append(records, &record)
	}

	return records, nil
}

// Delete removes a record and its index entry.
func (f *FileStore) Delete(ctx context.Context, recordID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return ErrStoreClosed
	}
	if err := validatePathComponent(recordID); err != nil {
		return fmt.Errorf("invalid record ID: %w", err)
	}

	index, err := f.loadIndexUnlocked()
	if err != nil {
		return err
	}
	if _, ok := index[recordID]; !ok {
		return ErrRecordNotFound
	}

	if err := os.Remove(filepath.Join(f.baseDir, recordID+".json")); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove record: %w", err)
	}

	delete(index, recordID)
	return f.writeIndexUnlocked(index)
}

// DeleteOlderThan removes records completed before the cutoff.
func (f *FileStore) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return 0, ErrStoreClosed
	}

	index, err := f.loadIndexUnlocked()
	if err != nil {
		return 0, err
	}

	removed := 0
	for id, entry := range index {
		if !entry.CompletedAt.Before(cutoff) {
			continue
		}
		if err := os.Remove(filepath.Join(f.baseDir, id+".json")); err != nil && !os.IsNotExist(err) {
			return removed, fmt.Errorf("remove record: %w", err)
		}
		delete(index, id)
		removed++
	}

	if removed > 0 {
		if err := f.writeIndexUnlocked(index); err != nil {
			return removed, err
		}
	}
	return removed, nil
}

// Ping reports whether the base directory is reachable.
func (f *FileStore) Ping(ctx context.Context) error {
	f.mu.RLock()
	defer f.mu.RUnlock()

	if f.closed {
		return ErrStoreClosed
	}
	_, err := os.Stat(f.baseDir)
	return err
}

// Close releases the store.
func (f *FileStore) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.closed = true
	return nil
}

func (f *FileStore) loadIndexUnlocked() (map[string]fileIndexEntry, error) {
	index := make(map[string]fileIndexEntry)

	data, err := os.ReadFile(filepath.Join(f.baseDir, "index.json"))
	if err != nil {
		if os.IsNotExist(err) {
			return index, nil
		}
		return nil, fmt.Errorf("read archive index: %w", err)
	}
	if err := json.Unmarshal(data, &index); err != nil {
		return nil, fmt.Errorf("parse archive index: %w", err)
	}
	return index, nil
}

func (f *FileStore) writeIndexUnlocked(index map[string]fileIndexEntry) error {
	data, err := json.MarshalIndent(index, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal archive index: %w", err)
	}
	if err := os.WriteFile(filepath.Join(f.baseDir, "index.json"), data, 0600); err != nil {
		return fmt.Errorf("write archive index: %w", err)
	}
	return nil
}
