package live

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestStateRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state", "daemon.pid")

	st, err := ReadState(path)
	if err != nil {
		t.Fatalf("ReadState on missing file: %v", err)
	}
	if st != nil {
		t.Fatalf("expected nil state for missing file, got %+v", st)
	}

	want := &DaemonState{
		PID:           1234,
		StartedAt:     time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC),
		HeartbeatAt:   time.Date(2025, 3, 1, 9, 5, 0, 0, time.UTC),
		LastRunAt:     time.Date(2025, 3, 1, 9, 4, 0, 0, time.UTC),
		LastRunStatus: "ok",
		Runs:          3,
		Failures:      1,
	}
	if err := WriteState(path, want); err != nil {
		t.Fatalf("WriteState: %v", err)
	}

	got, err := ReadState(path)
	if err != nil {
		t.Fatalf("ReadState: %v", err)
	}
	if got == nil {
		t.Fatal("expected state, got nil")
	}
	if got.PID != want.PID || !got.HeartbeatAt.Equal(want.HeartbeatAt) || got.Runs != want.Runs || got.LastRunStatus != want.LastRunStatus {
		t.Errorf("state round trip mismatch: got %+v want %+v", got, want)
	}
}

func TestReadStateCorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "daemon.pid")
	if err := os.WriteFile(path, []byte("{not json"), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := ReadState(path); err == nil {
		t.Fatal("expected error for corrupt state file")
	}
}

func TestRemoveStateIfOwner(t *testing.T) {
	path := filepath.Join(t.TempDir(), "daemon.pid")
	if err := WriteState(path, &DaemonState{PID: 42}); err != nil {
		t.Fatal(err)
	}

	if err := RemoveStateIfOwner(path, 99); err != nil {
		t.Fatalf("RemoveStateIfOwner non-owner: %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatal("non-owner removal should leave the file in place")
	}

	if err := RemoveStateIfOwner(path, 42); err != nil {
		t.Fatalf("RemoveStateIfOwner owner: %v", err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatal("owner removal should delete the file")
	}
}

func TestProcessAlive(t *testing.T) {
	if !ProcessAlive(os.Getpid()) {
		t.Error("own pid should be alive")
	}
	if ProcessAlive(1 << 30) {
		t.Error("absurd pid should not be alive")
	}
	if ProcessAlive(0) {
		t.Error("pid 0 should not be alive")
	}
	if ProcessAlive(-1) {
		t.Error("negative pid should not be alive")
	}
}
