package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Store is the file-backed database of sources, facts, themes,
// insights, dossiers and the processed-source ledger. One JSON file,
// rewritten whole on every commit; cross-process writers serialize on
// the advisory lock file beside it. Readers never take the lock: the
// store file is only ever replaced by an atomic rename, so the last
// renamed file is always internally consistent.
type Store struct {
	path string
	lock *FileLock

	// Logf receives lock reclaim warnings. Defaults to a no-op.
	Logf func(format string, args ...any)

	mu    sync.Mutex
	state *Snapshot
}

// Open loads the store at path, initializing an empty snapshot when
// the file does not exist yet. A file at an older schema version is
// refused with ErrSchemaMismatch; run the migration first.
func Open(path string) (*Store, error) {
	s := &Store{
		path: path,
		lock: NewFileLock(path+".lock", DefaultLockStaleAfter),
	}
	s.lock.Logf = func(format string, args ...any) { s.logf(format, args...) }

	snap, err := readSnapshot(path)
	if err != nil {
		return nil, err
	}
	s.state = snap
	return s, nil
}

// Path returns the store file path.
func (s *Store) Path() string {
	return s.path
}

// LockPath returns the advisory lock file path.
func (s *Store) LockPath() string {
	return s.lock.Path()
}

// LockInfo reports the current lock holder, nil when unlocked.
func (s *Store) LockInfo() (*LockInfo, error) {
	return s.lock.Info()
}

// Snapshot returns a deep copy of the last loaded state.
func (s *Store) Snapshot() *Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.Clone()
}

// Reload re-reads the store file and returns a deep copy.
func (s *Store) Reload() (*Snapshot, error) {
	snap, err := readSnapshot(s.path)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.state = snap
	s.mu.Unlock()
	return snap.Clone(), nil
}

// Commit applies mutate to a freshly loaded snapshot and atomically
// replaces the store file, under the advisory lock. The mutation runs
// against current on-disk state, not the snapshot this process last
// read, so concurrent committers never clobber each other's writes.
// If mutate returns an error nothing is written and the error is
// returned as-is.
func (s *Store) Commit(mutate func(*Snapshot) error) (*Snapshot, error) {
	if err := s.lock.Acquire(); err != nil {
		return nil, err
	}
	defer s.lock.Release()

	work, err := readSnapshot(s.path)
	if err != nil {
		return nil, err
	}

	if err := mutate(work); err != nil {
		return nil, err
	}

	work.SchemaVersion = CurrentSchemaVersion
	work.UpdatedAt = time.Now().UTC()

	if err := writeSnapshot(s.path, work); err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.state = work.Clone()
	s.mu.Unlock()
	return work, nil
}

// Reset backs up the current store file (when present) and replaces
// it with an empty snapshot. Returns the backup path, empty when there
// was nothing to back up.
func (s *Store) Reset() (string, error) {
	if err := s.lock.Acquire(); err != nil {
		return "", err
	}
	defer s.lock.Release()

	backupPath := ""
	data, err := os.ReadFile(s.path)
	if err == nil {
		backupPath = BackupPath(s.path, time.Now())
		if err := os.WriteFile(backupPath, data, 0644); err != nil {
			return "", fmt.Errorf("failed to write backup: %w", err)
		}
	} else if !os.IsNotExist(err) {
		return "", fmt.Errorf("failed to read store: %w", err)
	}

	fresh := NewSnapshot()
	fresh.UpdatedAt = time.Now().UTC()
	if err := writeSnapshot(s.path, fresh); err != nil {
		return "", err
	}

	s.mu.Lock()
	s.state = fresh.Clone()
	s.mu.Unlock()
	return backupPath, nil
}

// BackupPath names a timestamped backup beside the store file.
func BackupPath(storePath string, now time.Time) string {
	return fmt.Sprintf("%s.backup-%s.json", storePath, now.UTC().Format("20060102-150405"))
}

func readSnapshot(path string) (*Snapshot, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return NewSnapshot(), nil
		}
		return nil, fmt.Errorf("failed to read store: %w", err)
	}

	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("failed to parse store %s: %w", path, err)
	}
	if snap.SchemaVersion != CurrentSchemaVersion {
		return nil, fmt.Errorf("store %s is schema v%d, current is v%d (run migrate): %w",
			path, snap.SchemaVersion, CurrentSchemaVersion, ErrSchemaMismatch)
	}
	if snap.ProcessedSources == nil {
		snap.ProcessedSources = make(map[string]ProcessedSource)
	}
	return &snap, nil
}

// writeSnapshot writes the snapshot to a temp file in the same
// directory, fsyncs it, renames it over path, then fsyncs the
// directory so the rename itself is durable. A crash at any point
// leaves the previous file intact.
func writeSnapshot(path string, snap *Snapshot) error {
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal store: %w", err)
	}
	data = append(data, '\n')

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create store directory: %w", err)
	}

	tmp := fmt.Sprintf("%s.tmp-%d", path, os.Getpid())
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return fmt.Errorf("failed to create temp store: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("failed to write temp store: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("failed to sync temp store: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to close temp store: %w", err)
	}

	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to replace store: %w", err)
	}

	if d, err := os.Open(dir); err == nil {
		d.Sync()
		d.Close()
	}
	return nil
}

func (s *Store) logf(format string, args ...any) {
	if s.Logf != nil {
		s.Logf(format, args...)
	}
}
