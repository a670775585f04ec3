// Package live keeps the derived knowledge fresh without manual runs:
// a long-lived daemon that syncs on an interval and on source changes,
// and a best-effort liveness probe that session hooks can fire.
package live

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"syscall"
	"time"
)

// DaemonState is the daemon's on-disk record, written to the PID file.
// The probe reads PID for the liveness check; stats reads the rest.
type DaemonState struct {
	PID           int       `json:"pid"`
	StartedAt     time.Time `json:"started_at"`
	HeartbeatAt   time.Time `json:"heartbeat_at"`
	LastRunAt     time.Time `json:"last_run_at,omitempty"`
	LastRunStatus string    `json:"last_run_status,omitempty"` // ok, error
	LastRunError  string    `json:"last_run_error,omitempty"`
	Runs          int       `json:"runs"`
	Failures      int       `json:"failures"`
}

// ReadState loads the daemon state file. A missing file returns
// (nil, nil); a corrupt one is an error so callers can tell "no
// daemon" from "broken state".
func ReadState(path string) (*DaemonState, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read daemon state: %w", err)
	}
	var st DaemonState
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("failed to parse daemon state %s: %w", path, err)
	}
	return &st, nil
}

// WriteState persists the daemon state file.
func WriteState(path string, st *DaemonState) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create state dir: %w", err)
	}
	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal daemon state: %w", err)
	}
	if err := os.WriteFile(path, append(data, '\n'), 0644); err != nil {
		return fmt.Errorf("failed to write daemon state: %w", err)
	}
	return nil
}

// RemoveStateIfOwner deletes the state file only when it still names
// the given pid, so a newer daemon's file survives a stale cleanup.
func RemoveStateIfOwner(path string, pid int) error {
	st, err := ReadState(path)
	if err != nil || st == nil {
		return err
	}
	if st.PID != pid {
		return nil
	}
	return os.Remove(path)
}

// ProcessAlive reports whether a process with the given pid exists,
// via the zero signal.
func ProcessAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}
