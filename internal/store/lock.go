package store

import (
	"encoding/json"
	"fmt"
	"os"
	"syscall"
	"time"
)

// DefaultLockStaleAfter is how old a lock may grow before a live
// holder is presumed wedged and the lock is reclaimed anyway.
const DefaultLockStaleAfter = 10 * time.Minute

// LockInfo is the JSON content of the advisory lock file.
type LockInfo struct {
	PID        int       `json:"pid"`
	Hostname   string    `json:"hostname,omitempty"`
	AcquiredAt time.Time `json:"acquired_at"`
}

// FileLock is the advisory single-writer lock beside the store file.
// Acquire never blocks: a held lock fails fast, a stale one (holder
// dead, or older than staleAfter) is reclaimed with a warning.
type FileLock struct {
	path       string
	staleAfter time.Duration

	// Logf receives reclaim warnings. Defaults to a no-op.
	Logf func(format string, args ...any)
}

// NewFileLock creates a lock at path (conventionally <store>.lock).
func NewFileLock(path string, staleAfter time.Duration) *FileLock {
	if staleAfter <= 0 {
		staleAfter = DefaultLockStaleAfter
	}
	return &FileLock{path: path, staleAfter: staleAfter}
}

// Path returns the lock file path.
func (l *FileLock) Path() string {
	return l.path
}

// Acquire takes the lock or fails fast with ErrLockHeld. A stale lock
// is removed and acquisition retried once; losing that race surfaces
// ErrLockStale.
func (l *FileLock) Acquire() error {
	if err := l.tryCreate(); err == nil {
		return nil
	} else if !os.IsExist(err) {
		return fmt.Errorf("failed to create lock file: %w", err)
	}

	info, err := l.Info()
	if err != nil {
		return err
	}
	if info != nil {
		alive := processAlive(info.PID)
		age := time.Since(info.AcquiredAt)
		if alive && age < l.staleAfter {
			return fmt.Errorf("held by pid %d since %s: %w",
				info.PID, info.AcquiredAt.Format(time.RFC3339), ErrLockHeld)
		}
		if alive {
			l.logf("reclaiming lock from pid %d: held %s, past the %s stale timeout", info.PID, age.Round(time.Second), l.staleAfter)
		} else {
			l.logf("reclaiming lock from dead pid %d", info.PID)
		}
	} else {
		// Unreadable lock file with no parseable holder. Only reclaim
		// once it is older than the stale timeout.
		st, statErr := os.Stat(l.path)
		if statErr == nil && time.Since(st.ModTime()) < l.staleAfter {
			return fmt.Errorf("unreadable lock file %s: %w", l.path, ErrLockHeld)
		}
		l.logf("reclaiming unreadable lock file %s", l.path)
	}

	if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove stale lock: %w", err)
	}
	if err := l.tryCreate(); err != nil {
		if os.IsExist(err) {
			return fmt.Errorf("lost reclaim race for %s: %w", l.path, ErrLockStale)
		}
		return fmt.Errorf("failed to recreate lock file: %w", err)
	}
	return nil
}

// Release removes the lock file. Releasing an absent lock is not an
// error.
func (l *FileLock) Release() error {
	if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove lock file: %w", err)
	}
	return nil
}

// Info reads the current holder, nil when the lock file is absent or
// unreadable.
func (l *FileLock) Info() (*LockInfo, error) {
	data, err := os.ReadFile(l.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read lock file: %w", err)
	}
	var info LockInfo
	if err := json.Unmarshal(data, &info); err != nil {
		return nil, nil
	}
	return &info, nil
}

func (l *FileLock) tryCreate() error {
	f, err := os.OpenFile(l.path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		return err
	}
	hostname, _ := os.Hostname()
	info := LockInfo{
		PID:        os.Getpid(),
		Hostname:   hostname,
		AcquiredAt: time.Now().UTC(),
	}
	data, err := json.Marshal(info)
	if err != nil {
		f.Close()
		os.Remove(l.path)
		return fmt.Errorf("failed to marshal lock info: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(l.path)
		return fmt.Errorf("failed to write lock info: %w", err)
	}
	return f.Close()
}

func (l *FileLock) logf(format string, args ...any) {
	if l.Logf != nil {
		l.Logf(format, args...)
	}
}

// processAlive reports whether a process with the given pid exists,
// using signal 0.
func processAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}
