package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// JSONStorage implements Backend on a single JSON file mapping each key to
// its timestamp list. Reads are served from an in-memory cache that is
// revalidated against the file's modification time; writes replace the file
// atomically.
//
// The file carries no expiry metadata. An entry expires once its newest
// timestamp is older than the ttl of the write that touches the file, and
// is dropped at that point.
type JSONStorage struct {
	filePath     string
	cacheTTL     time.Duration
	mu           sync.RWMutex
	data         map[string][]int64
	lastModified time.Time
	cacheExpiry  time.Time
	now          func() time.Time
}

var _ Backend = (*JSONStorage)(nil)

// NewJSONStorage creates a new JSON-based storage instance
func NewJSONStorage(config Config) (*JSONStorage, error) {
	if config.Path == "" {
		return nil, fmt.Errorf("path is required for JSON storage")
	}

	storage := &JSONStorage{
		filePath: config.Path,
		cacheTTL: 5 * time.Second,
		now:      time.Now,
	}

	// Initialize with empty data if file doesn't exist
	if err := storage.ensureFileExists(); err != nil {
		return nil, fmt.Errorf("failed to ensure file exists: %w", err)
	}

	// Load initial data
	if err := storage.loadData(); err != nil {
		if !errors.Is(err, ErrCorrupt) {
			return nil, fmt.Errorf("failed to load initial data: %w", err)
		}
		storage.mu.Lock()
		err = storage.quarantineLocked(err)
		if err == nil {
			err = storage.saveData(storage.data)
		}
		storage.mu.Unlock()
		if err != nil {
			return nil, fmt.Errorf("failed to replace corrupt data: %w", err)
		}
	}

	return storage, nil
}

// ensureFileExists creates the JSON file with empty data if it doesn't exist
func (j *JSONStorage) ensureFileExists() error {
	if _, err := os.Stat(j.filePath); os.IsNotExist(err) {
		if err := os.MkdirAll(filepath.Dir(j.filePath), 0700); err != nil {
			return fmt.Errorf("failed to create directory: %w", err)
		}
		return j.saveData(map[string][]int64{})
	}
	return nil
}

// loadData loads data from the JSON file with caching.
// It uses double-checked locking: a fast read-lock path for cache hits,
// and a write-lock slow path with re-validation to prevent TOCTOU races.
func (j *JSONStorage) loadData() error {
	j.mu.RLock()
	if j.data != nil && j.now().Before(j.cacheExpiry) {
		j.mu.RUnlock()
		return nil
	}
	j.mu.RUnlock()

	j.mu.Lock()
	defer j.mu.Unlock()
	return j.loadDataLocked()
}

// loadDataLocked refreshes the cache; j.mu must be held for writing.
func (j *JSONStorage) loadDataLocked() error {
	if j.data != nil && j.now().Before(j.cacheExpiry) {
		return nil
	}

	info, err := os.Stat(j.filePath)
	if err != nil {
		return fmt.Errorf("failed to stat file: %w", err)
	}

	// If the file hasn't changed, extend the cache and return.
	if j.data != nil && !info.ModTime().After(j.lastModified) {
		j.cacheExpiry = j.now().Add(j.cacheTTL)
		return nil
	}

	fileData, err := os.ReadFile(j.filePath)
	if err != nil {
		return fmt.Errorf("failed to read file: %w", err)
	}

	var data map[string][]int64
	if err := json.Unmarshal(fileData, &data); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrCorrupt, j.filePath, err)
	}
	if data == nil {
		data = make(map[string][]int64)
	}

	j.data = data
	j.lastModified = info.ModTime()
	j.cacheExpiry = j.now().Add(j.cacheTTL)
	return nil
}

// saveData writes data to a temporary file in the same directory and renames
// it over the original, so readers never observe a partial file.
func (j *JSONStorage) saveData(data map[string][]int64) error {
	fileData, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to marshal JSON: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(j.filePath), filepath.Base(j.filePath)+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(fileData); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write file: %w", err)
	}
	if err := tmp.Chmod(0600); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to chmod file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close file: %w", err)
	}
	if err := os.Rename(tmpName, j.filePath); err != nil {
		return fmt.Errorf("failed to replace file: %w", err)
	}

	if info, err := os.Stat(j.filePath); err == nil {
		j.lastModified = info.ModTime()
	}
	return nil
}

// Get returns a copy of the timestamps stored under key.
func (j *JSONStorage) Get(ctx context.Context, key string) ([]int64, error) {
	if err := j.loadData(); err != nil {
		return nil, err
	}

	j.mu.RLock()
	defer j.mu.RUnlock()

	ts, ok := j.data[key]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]int64(nil), ts...), nil
}

// Put replaces key's timestamps, drops entries older than ttl and rewrites
// the file.
func (j *JSONStorage) Put(ctx context.Context, key string, timestamps []int64, ttl time.Duration) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	// Pick up writes made by other processes since the last load.
	j.cacheExpiry = time.Time{}
	if loadErr := j.loadDataLocked(); loadErr != nil {
		if !errors.Is(loadErr, ErrCorrupt) {
			return loadErr
		}
		if err := j.quarantineLocked(loadErr); err != nil {
			return err
		}
	}

	next := make(map[string][]int64, len(j.data)+1)
	cutoff := j.now().Add(-ttl).Unix()
	for k, ts := range j.data {
		if ttl > 0 && newest(ts) <= cutoff {
			continue
		}
		next[k] = ts
	}
	next[key] = append([]int64{}, timestamps...)

	if err := j.saveData(next); err != nil {
		return err
	}
	j.data = next
	j.cacheExpiry = j.now().Add(j.cacheTTL)
	return nil
}

// quarantineLocked moves an unreadable file aside and resets the cache to
// an empty map, so the write that follows starts a fresh file. j.mu must be
// held for writing.
func (j *JSONStorage) quarantineLocked(cause error) error {
	aside := fmt.Sprintf("%s.corrupt-%d", j.filePath, j.now().UnixNano())
	if err := os.Rename(j.filePath, aside); err != nil {
		return fmt.Errorf("failed to move corrupt file aside: %w", err)
	}
	slog.Warn("Discarding corrupt rate limit data file",
		"path", j.filePath,
		"moved_to", aside,
		"error", cause)

	j.data = make(map[string][]int64)
	j.lastModified = time.Time{}
	return nil
}

// Ping checks that the backing file is still readable.
func (j *JSONStorage) Ping(ctx context.Context) error {
	if _, err := os.Stat(j.filePath); err != nil {
		return fmt.Errorf("failed to stat file: %w", err)
	}
	return nil
}

// Close is a no-op; every Put is already on disk.
func (j *JSONStorage) Close() error {
	return nil
}

func newest(ts []int64) int64 {
	var n int64
	for i, t := range ts {
		if i == 0 || t > n {
			n = t
		}
	}
	return n
}
