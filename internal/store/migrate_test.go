package store

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

const v1Fixture = `{
  "notes": [
    {"id": "n1", "text": "Prefers async standups", "source": "chat:standup", "created_at": "2024-11-02T09:00:00Z"},
    {"id": "n2", "text": "Standup moved to 9:30", "source": "chat:standup", "created_at": "2024-11-09T09:00:00Z"},
    {"id": "n3", "text": "Q4 planning doc shared", "source": "transcript:planning", "created_at": "2024-11-12T14:00:00Z"},
    {"id": "n4", "text": "Untracked aside"}
  ],
  "watermarks": {
    "chat:standup": "2024-11-09T09:05:00Z",
    "chat:retro": "2024-10-30T16:00:00Z"
  }
}`

func TestMigrateV1ToV3(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "dossier.json")
	if err := os.WriteFile(path, []byte(v1Fixture), 0644); err != nil {
		t.Fatalf("write v1 fixture: %v", err)
	}

	res, err := Migrate(path, nil)
	if err != nil {
		t.Fatalf("Migrate() error: %v", err)
	}
	if res.FromVersion != SchemaV1 || res.ToVersion != SchemaV3 {
		t.Errorf("migrated v%d -> v%d, want v1 -> v3", res.FromVersion, res.ToVersion)
	}

	// Backup is byte-identical to the pre-migration input.
	backup, err := os.ReadFile(res.BackupPath)
	if err != nil {
		t.Fatalf("read backup: %v", err)
	}
	if string(backup) != v1Fixture {
		t.Error("backup differs from the original v1 file")
	}

	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open() after migrate: %v", err)
	}
	snap := s.Snapshot()

	// Every note survives as a fact with synthetic provenance.
	if len(snap.Facts) != 4 {
		t.Errorf("facts = %d, want 4 (one per note)", len(snap.Facts))
	}
	for _, f := range snap.Facts {
		src, ok := snap.SourceByID(f.SourceID)
		if !ok {
			t.Errorf("fact %s references missing source %s", f.ID, f.SourceID)
			continue
		}
		if src.Type != SourceTypeLegacy {
			t.Errorf("source %s type = %q, want legacy", src.ID, src.Type)
		}
		if f.Quote == "" {
			t.Errorf("fact %s has no quote", f.ID)
		}
	}

	// Distinct source keys: chat:standup, transcript:planning, unknown,
	// plus the watermark-only chat:retro.
	if len(snap.Sources) != 4 {
		t.Errorf("sources = %d, want 4", len(snap.Sources))
	}
	if len(snap.ProcessedSources) != 2 {
		t.Errorf("processed records = %d, want 2 (one per watermark)", len(snap.ProcessedSources))
	}

	// Entity count never shrinks across the migration.
	v1Entities := 4 + 2
	v3Entities := len(snap.Sources) + len(snap.Facts) + len(snap.ProcessedSources)
	if v3Entities < v1Entities {
		t.Errorf("v3 entity count %d < v1 entity count %d", v3Entities, v1Entities)
	}
}

func TestMigrateRefusesCurrentSchema(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "dossier.json")

	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	if _, err := s.Commit(func(*Snapshot) error { return nil }); err != nil {
		t.Fatalf("seed commit error: %v", err)
	}

	if _, err := Migrate(path, nil); !errors.Is(err, ErrSchemaMismatch) {
		t.Fatalf("Migrate() on v3 store error = %v, want ErrSchemaMismatch", err)
	}

	// Refusal writes nothing: no backup appears.
	matches, err := filepath.Glob(path + ".backup-*")
	if err != nil {
		t.Fatalf("glob: %v", err)
	}
	if len(matches) != 0 {
		t.Errorf("refused migration still wrote backups: %v", matches)
	}
}

func TestMigrateMissingStore(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dossier.json")
	if _, err := Migrate(path, nil); !errors.Is(err, ErrNotFound) {
		t.Errorf("Migrate() on missing store error = %v, want ErrNotFound", err)
	}
}

func TestMigrateIsRepeatSafe(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dossier.json")
	if err := os.WriteFile(path, []byte(v1Fixture), 0644); err != nil {
		t.Fatalf("write v1 fixture: %v", err)
	}

	if _, err := Migrate(path, nil); err != nil {
		t.Fatalf("first Migrate() error: %v", err)
	}
	if _, err := Migrate(path, nil); !errors.Is(err, ErrSchemaMismatch) {
		t.Errorf("second Migrate() error = %v, want ErrSchemaMismatch", err)
	}
}
