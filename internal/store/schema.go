package store

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"
	"time"
)

// Schema versions. V1 was the flat notes ledger, V2 split notes into
// facts with provenance, V3 added the processed-source ledger and
// derivation marks.
const (
	SchemaV1 = 1
	SchemaV2 = 2
	SchemaV3 = 3

	CurrentSchemaVersion = SchemaV3
)

// Source types
const (
	SourceTypeChat       = "chat"
	SourceTypeTranscript = "transcript"
	SourceTypeLegacy     = "legacy"
)

// Insight audiences, one per rendered dossier document
const (
	AudienceProfile = "profile"
	AudienceCompany = "company"
)

// Source is one discrete unit of raw input. Content is not stored;
// the adapter that ingested it can re-fetch it via Ref.
type Source struct {
	ID         string    `json:"id"`
	Type       string    `json:"type"` // chat, transcript, legacy
	Title      string    `json:"title,omitempty"`
	Ref        string    `json:"ref"`
	CreatedAt  time.Time `json:"created_at"`
	IngestedAt time.Time `json:"ingested_at"`
}

// ProcessedSource is the idempotency ledger entry for one source.
// A source is re-extracted only when its current content hash differs
// from ContentHash, or extraction is forced.
type ProcessedSource struct {
	SourceID     string    `json:"source_id"`
	ContentHash  string    `json:"content_hash,omitempty"`
	UpdatedAt    time.Time `json:"updated_at,omitempty"`
	ProcessedAt  time.Time `json:"processed_at"`
	LayerReached int       `json:"layer_reached"`
}

// Fact is an atomic, attributable claim extracted from exactly one
// source. Facts are never mutated after creation, only superseded.
type Fact struct {
	ID          string    `json:"id"`
	SourceID    string    `json:"source_id"`
	Text        string    `json:"text"`
	Quote       string    `json:"quote,omitempty"`
	Confidence  float64   `json:"confidence"`
	ExtractedAt time.Time `json:"extracted_at"`
}

// Theme is a cluster of related facts. Its ID derives from the member
// fact set, so an unchanged cluster keeps its ID across regeneration.
type Theme struct {
	ID        string    `json:"id"`
	Label     string    `json:"label"`
	FactIDs   []string  `json:"fact_ids"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Insight is a higher-order synthesis over one or more themes.
type Insight struct {
	ID        string    `json:"id"`
	Statement string    `json:"statement"`
	ThemeIDs  []string  `json:"theme_ids"`
	Audience  string    `json:"audience"` // profile, company
	DerivedAt time.Time `json:"derived_at"`
}

// Dossier records the structure of one rendered document. Prose lives
// only in the markdown file at Path; InsightDigests (insight id ->
// statement hash) is the basis for incremental curation deltas.
type Dossier struct {
	Name           string            `json:"name"`
	Path           string            `json:"path"`
	InsightIDs     []string          `json:"insight_ids"`
	InsightDigests map[string]string `json:"insight_digests,omitempty"`
	RenderedAt     time.Time         `json:"rendered_at"`
}

// DerivationMarks record which upstream entity set each derived layer
// was last built from, so unchanged layers can be skipped.
type DerivationMarks struct {
	ThemesFactsDigest    string `json:"themes_facts_digest,omitempty"`
	InsightsThemesDigest string `json:"insights_themes_digest,omitempty"`
}

// RunFilter is the selection policy one run was invoked with.
type RunFilter struct {
	Types     []string `json:"types,omitempty"`
	Since     string   `json:"since,omitempty"`
	Limit     int      `json:"limit,omitempty"`
	Force     bool     `json:"force,omitempty"`
	FactsOnly bool     `json:"facts_only,omitempty"`
	DryRun    bool     `json:"dry_run,omitempty"`
}

// RunStats are the per-layer counters of one run.
type RunStats struct {
	SourcesSeen      int `json:"sources_seen"`
	SourcesExtracted int `json:"sources_extracted"`
	SourcesFailed    int `json:"sources_failed,omitempty"`
	FactsAdded       int `json:"facts_added"`
	ThemesTotal      int `json:"themes_total"`
	InsightsTotal    int `json:"insights_total"`
	DossiersRendered int `json:"dossiers_rendered"`
}

// RunRecord is the bookkeeping entry for one pipeline run. State is
// terminal: DONE or FAILED.
type RunRecord struct {
	ID          string    `json:"id"`
	StartedAt   time.Time `json:"started_at"`
	FinishedAt  time.Time `json:"finished_at"`
	State       string    `json:"state"`
	TargetLayer int       `json:"target_layer"`
	Filter      RunFilter `json:"filter"`
	Stats       RunStats  `json:"stats"`
	Error       string    `json:"error,omitempty"`
}

// maxRunHistory bounds the run records kept in the store.
const maxRunHistory = 50

// Snapshot is the full store state, marshalled as one JSON document.
type Snapshot struct {
	SchemaVersion    int                        `json:"schema_version"`
	UpdatedAt        time.Time                  `json:"updated_at"`
	Sources          []Source                   `json:"sources"`
	Facts            []Fact                     `json:"facts"`
	Themes           []Theme                    `json:"themes"`
	Insights         []Insight                  `json:"insights"`
	Dossiers         []Dossier                  `json:"dossiers"`
	ProcessedSources map[string]ProcessedSource `json:"processed_sources"`
	Derivations      DerivationMarks            `json:"derivations"`
	Runs             []RunRecord                `json:"runs"`
}

// NewSnapshot returns an empty store at the current schema version.
func NewSnapshot() *Snapshot {
	return &Snapshot{
		SchemaVersion:    CurrentSchemaVersion,
		Sources:          []Source{},
		Facts:            []Fact{},
		Themes:           []Theme{},
		Insights:         []Insight{},
		Dossiers:         []Dossier{},
		ProcessedSources: make(map[string]ProcessedSource),
		Runs:             []RunRecord{},
	}
}

// Clone returns a deep copy, so readers can hold a snapshot while the
// store moves on.
func (s *Snapshot) Clone() *Snapshot {
	out := &Snapshot{
		SchemaVersion:    s.SchemaVersion,
		UpdatedAt:        s.UpdatedAt,
		Sources:          append([]Source(nil), s.Sources...),
		Facts:            append([]Fact(nil), s.Facts...),
		Themes:           make([]Theme, len(s.Themes)),
		Insights:         make([]Insight, len(s.Insights)),
		Dossiers:         make([]Dossier, len(s.Dossiers)),
		ProcessedSources: make(map[string]ProcessedSource, len(s.ProcessedSources)),
		Derivations:      s.Derivations,
		Runs:             append([]RunRecord(nil), s.Runs...),
	}
	for i, t := range s.Themes {
		t.FactIDs = append([]string(nil), t.FactIDs...)
		out.Themes[i] = t
	}
	for i, in := range s.Insights {
		in.ThemeIDs = append([]string(nil), in.ThemeIDs...)
		out.Insights[i] = in
	}
	for i, d := range s.Dossiers {
		d.InsightIDs = append([]string(nil), d.InsightIDs...)
		if d.InsightDigests != nil {
			digests := make(map[string]string, len(d.InsightDigests))
			for k, v := range d.InsightDigests {
				digests[k] = v
			}
			d.InsightDigests = digests
		}
		out.Dossiers[i] = d
	}
	for k, v := range s.ProcessedSources {
		out.ProcessedSources[k] = v
	}
	return out
}

// SourceByID looks up a source
func (s *Snapshot) SourceByID(id string) (Source, bool) {
	for _, src := range s.Sources {
		if src.ID == id {
			return src, true
		}
	}
	return Source{}, false
}

// FactByID looks up a fact
func (s *Snapshot) FactByID(id string) (Fact, bool) {
	for _, f := range s.Facts {
		if f.ID == id {
			return f, true
		}
	}
	return Fact{}, false
}

// ThemeByID looks up a theme
func (s *Snapshot) ThemeByID(id string) (Theme, bool) {
	for _, t := range s.Themes {
		if t.ID == id {
			return t, true
		}
	}
	return Theme{}, false
}

// InsightByID looks up an insight
func (s *Snapshot) InsightByID(id string) (Insight, bool) {
	for _, in := range s.Insights {
		if in.ID == id {
			return in, true
		}
	}
	return Insight{}, false
}

// DossierByName looks up a dossier record
func (s *Snapshot) DossierByName(name string) (Dossier, bool) {
	for _, d := range s.Dossiers {
		if d.Name == name {
			return d, true
		}
	}
	return Dossier{}, false
}

// UpsertSource inserts or replaces a source by ID.
func (s *Snapshot) UpsertSource(src Source) {
	for i, existing := range s.Sources {
		if existing.ID == src.ID {
			s.Sources[i] = src
			return
		}
	}
	s.Sources = append(s.Sources, src)
}

// UpsertDossier inserts or replaces a dossier record by name.
func (s *Snapshot) UpsertDossier(d Dossier) {
	for i, existing := range s.Dossiers {
		if existing.Name == d.Name {
			s.Dossiers[i] = d
			return
		}
	}
	s.Dossiers = append(s.Dossiers, d)
}

// AppendRun records a finished run, keeping the newest maxRunHistory.
func (s *Snapshot) AppendRun(r RunRecord) {
	s.Runs = append(s.Runs, r)
	if len(s.Runs) > maxRunHistory {
		s.Runs = s.Runs[len(s.Runs)-maxRunHistory:]
	}
}

// LastSuccessfulRun returns the newest DONE run record, if any. Its
// FinishedAt is the staleness reference the liveness probe reads.
func (s *Snapshot) LastSuccessfulRun() (RunRecord, bool) {
	for i := len(s.Runs) - 1; i >= 0; i-- {
		if s.Runs[i].State == "DONE" {
			return s.Runs[i], true
		}
	}
	return RunRecord{}, false
}

// FactIDSet returns all fact IDs, sorted.
func (s *Snapshot) FactIDSet() []string {
	ids := make([]string, len(s.Facts))
	for i, f := range s.Facts {
		ids[i] = f.ID
	}
	sort.Strings(ids)
	return ids
}

// ThemeIDSet returns all theme IDs, sorted.
func (s *Snapshot) ThemeIDSet() []string {
	ids := make([]string, len(s.Themes))
	for i, t := range s.Themes {
		ids[i] = t.ID
	}
	sort.Strings(ids)
	return ids
}

// shortHash is the 12-hex-char content hash entity IDs are built from.
func shortHash(parts ...string) string {
	sum := sha256.Sum256([]byte(strings.Join(parts, "|")))
	return hex.EncodeToString(sum[:])[:12]
}

// SourceID derives the stable ID for a source of the given type and
// connector ref.
func SourceID(sourceType, ref string) string {
	return "src_" + sourceType + "_" + shortHash(ref)
}

// FactID derives the stable ID for a fact. Identical extraction output
// from an identical source yields the identical ID.
func FactID(sourceID, text, quote string) string {
	return "f_" + shortHash(sourceID, text, quote)
}

// ThemeID derives the stable ID for a theme from its member fact set.
func ThemeID(factIDs []string) string {
	sorted := append([]string(nil), factIDs...)
	sort.Strings(sorted)
	return "t_" + shortHash(sorted...)
}

// InsightID derives the stable ID for an insight.
func InsightID(themeIDs []string, statement string) string {
	sorted := append([]string(nil), themeIDs...)
	sort.Strings(sorted)
	return "i_" + shortHash(append(sorted, statement)...)
}

// ContentHash is the watermark hash over fetched source content.
func ContentHash(content string) string {
	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])
}

// SetDigest hashes an ID set order-independently; derivation marks use
// it to detect upstream changes.
func SetDigest(ids []string) string {
	sorted := append([]string(nil), ids...)
	sort.Strings(sorted)
	sum := sha256.Sum256([]byte(strings.Join(sorted, "\n")))
	return hex.EncodeToString(sum[:])
}

// StatementDigest hashes one insight statement for curation deltas.
func StatementDigest(statement string) string {
	sum := sha256.Sum256([]byte(statement))
	return hex.EncodeToString(sum[:])[:16]
}
