package store

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"time"
)

// storeV1 is the legacy flat shape: undifferentiated notes plus a
// per-source watermark map. No fact/theme/insight split existed yet.
type storeV1 struct {
	Version    int               `json:"version"`
	Notes      []noteV1          `json:"notes"`
	Watermarks map[string]string `json:"watermarks"`
}

type noteV1 struct {
	ID        string    `json:"id"`
	Text      string    `json:"text"`
	Source    string    `json:"source,omitempty"`
	CreatedAt time.Time `json:"created_at,omitempty"`
}

// storeV2 introduced facts with provenance and synthetic sources but
// still carried the V1 watermark map verbatim.
type storeV2 struct {
	SchemaVersion int               `json:"schema_version"`
	Sources       []Source          `json:"sources"`
	Facts         []Fact            `json:"facts"`
	Watermarks    map[string]string `json:"watermarks"`
}

// MigrationResult summarizes one completed migration.
type MigrationResult struct {
	FromVersion      int    `json:"from_version"`
	ToVersion        int    `json:"to_version"`
	BackupPath       string `json:"backup_path"`
	Sources          int    `json:"sources"`
	Facts            int    `json:"facts"`
	ProcessedSources int    `json:"processed_sources"`
}

// Migrate upgrades the store file at path to the current schema, one
// version transition at a time. The original file is copied
// byte-for-byte to a timestamped backup before anything is written.
// An already-current store is refused with ErrSchemaMismatch; nothing
// is backed up or written in that case.
func Migrate(path string, logf func(format string, args ...any)) (*MigrationResult, error) {
	if logf == nil {
		logf = func(string, ...any) {}
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("no store at %s: %w", path, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to read store: %w", err)
	}

	version, err := detectVersion(data)
	if err != nil {
		return nil, err
	}
	if version >= CurrentSchemaVersion {
		return nil, fmt.Errorf("store already at schema v%d: %w", version, ErrSchemaMismatch)
	}

	backupPath := BackupPath(path, time.Now())
	if err := os.WriteFile(backupPath, data, 0644); err != nil {
		return nil, fmt.Errorf("failed to write backup: %w", err)
	}
	logf("backed up %s to %s", path, backupPath)

	var v2 *storeV2
	switch version {
	case SchemaV1:
		var v1 storeV1
		if err := json.Unmarshal(data, &v1); err != nil {
			return nil, fmt.Errorf("failed to parse v1 store: %w", err)
		}
		v2 = migrateV1toV2(&v1)
		logf("v1 -> v2: %d notes became %d facts across %d synthetic sources",
			len(v1.Notes), len(v2.Facts), len(v2.Sources))
	case SchemaV2:
		v2 = &storeV2{}
		if err := json.Unmarshal(data, v2); err != nil {
			return nil, fmt.Errorf("failed to parse v2 store: %w", err)
		}
	default:
		return nil, fmt.Errorf("unknown schema v%d: %w", version, ErrSchemaMismatch)
	}

	snap := migrateV2toV3(v2)
	logf("v2 -> v3: synthesized %d processed-source records from watermarks",
		len(snap.ProcessedSources))

	lock := NewFileLock(path+".lock", DefaultLockStaleAfter)
	lock.Logf = logf
	if err := lock.Acquire(); err != nil {
		return nil, err
	}
	defer lock.Release()

	snap.UpdatedAt = time.Now().UTC()
	if err := writeSnapshot(path, snap); err != nil {
		return nil, err
	}

	return &MigrationResult{
		FromVersion:      version,
		ToVersion:        CurrentSchemaVersion,
		BackupPath:       backupPath,
		Sources:          len(snap.Sources),
		Facts:            len(snap.Facts),
		ProcessedSources: len(snap.ProcessedSources),
	}, nil
}

// detectVersion reads the version tag without committing to a shape.
// V1 files predate the schema_version field; a bare "version" or no
// tag at all means V1.
func detectVersion(data []byte) (int, error) {
	var probe struct {
		SchemaVersion int `json:"schema_version"`
		Version       int `json:"version"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return 0, fmt.Errorf("failed to parse store: %w", err)
	}
	if probe.SchemaVersion != 0 {
		return probe.SchemaVersion, nil
	}
	if probe.Version != 0 {
		return probe.Version, nil
	}
	return SchemaV1, nil
}

// migrateV1toV2 synthesizes one legacy source per distinct note source
// key and turns every note into a fact with synthetic provenance.
// Nothing is dropped: notes without a source key land under a shared
// "unknown" source.
func migrateV1toV2(v1 *storeV1) *storeV2 {
	out := &storeV2{
		SchemaVersion: SchemaV2,
		Sources:       []Source{},
		Facts:         []Fact{},
		Watermarks:    v1.Watermarks,
	}
	if out.Watermarks == nil {
		out.Watermarks = map[string]string{}
	}

	// Distinct source keys from notes and watermarks, in stable order.
	keys := map[string]time.Time{}
	for _, n := range v1.Notes {
		key := n.Source
		if key == "" {
			key = "unknown"
		}
		if earliest, ok := keys[key]; !ok || (!n.CreatedAt.IsZero() && n.CreatedAt.Before(earliest)) {
			keys[key] = n.CreatedAt
		}
	}
	for key := range out.Watermarks {
		if _, ok := keys[key]; !ok {
			keys[key] = time.Time{}
		}
	}

	sorted := make([]string, 0, len(keys))
	for key := range keys {
		sorted = append(sorted, key)
	}
	sort.Strings(sorted)

	now := time.Now().UTC()
	sourceIDs := map[string]string{}
	for _, key := range sorted {
		id := SourceID(SourceTypeLegacy, key)
		sourceIDs[key] = id
		createdAt := keys[key]
		if createdAt.IsZero() {
			createdAt = now
		}
		out.Sources = append(out.Sources, Source{
			ID:         id,
			Type:       SourceTypeLegacy,
			Title:      key,
			Ref:        key,
			CreatedAt:  createdAt,
			IngestedAt: now,
		})
	}

	for _, n := range v1.Notes {
		key := n.Source
		if key == "" {
			key = "unknown"
		}
		extractedAt := n.CreatedAt
		if extractedAt.IsZero() {
			extractedAt = now
		}
		sourceID := sourceIDs[key]
		out.Facts = append(out.Facts, Fact{
			ID:          FactID(sourceID, n.Text, n.Text),
			SourceID:    sourceID,
			Text:        n.Text,
			Quote:       n.Text,
			Confidence:  0.5,
			ExtractedAt: extractedAt,
		})
	}

	return out
}

// migrateV2toV3 turns the watermark map into processed-source records
// (empty content hash, so a reappearing source is re-extracted) and
// initializes the derived sets.
func migrateV2toV3(v2 *storeV2) *Snapshot {
	snap := NewSnapshot()
	snap.Sources = v2.Sources
	snap.Facts = v2.Facts
	if snap.Sources == nil {
		snap.Sources = []Source{}
	}
	if snap.Facts == nil {
		snap.Facts = []Fact{}
	}

	now := time.Now().UTC()
	for key, raw := range v2.Watermarks {
		sourceID := SourceID(SourceTypeLegacy, key)
		updatedAt, _ := time.Parse(time.RFC3339, raw)
		snap.ProcessedSources[sourceID] = ProcessedSource{
			SourceID:     sourceID,
			UpdatedAt:    updatedAt,
			ProcessedAt:  now,
			LayerReached: 1,
		}
	}
	return snap
}
