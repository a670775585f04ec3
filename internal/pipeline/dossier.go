package pipeline

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/Napageneral/dossier/internal/store"
)

// Document describes one rendered dossier.
type Document struct {
	Name     string // store key and file stem
	Title    string
	Audience string // which insights it collects
}

// Documents is the fixed set of rendered dossiers.
var Documents = []Document{
	{Name: "profile", Title: "Profile", Audience: store.AudienceProfile},
	{Name: "company", Title: "Company", Audience: store.AudienceCompany},
}

// DocumentByName looks up a dossier document definition.
func DocumentByName(name string) (Document, bool) {
	for _, d := range Documents {
		if d.Name == name {
			return d, true
		}
	}
	return Document{}, false
}

// Managed sections are fenced by begin/end comment markers carrying
// the owning insight id. Everything outside the fences is manual prose
// and is never touched by curation.
var (
	sectionBeginRe = regexp.MustCompile(`^<!-- dossier:begin (\S+) -->\s*$`)
	sectionEndRe   = regexp.MustCompile(`^<!-- dossier:end (\S+) -->\s*$`)
)

// CurationPlan is the delta one curate pass would apply to one
// document.
type CurationPlan struct {
	Name      string   `json:"name"`
	Path      string   `json:"path"`
	Added     []string `json:"added,omitempty"`
	Updated   []string `json:"updated,omitempty"`
	Removed   []string `json:"removed,omitempty"`
	Unchanged int      `json:"unchanged"`
}

// Changed reports whether applying the plan would modify the file.
func (p CurationPlan) Changed() bool {
	return len(p.Added)+len(p.Updated)+len(p.Removed) > 0
}

// CurationResult carries the plan plus everything needed to apply it.
// Content is empty when the file needs no write.
type CurationResult struct {
	Plan       CurationPlan
	Content    string
	Record     store.Dossier
	FullRender bool
}

// Curator renders and incrementally updates the dossier documents.
// It never writes; callers apply the returned content so dry runs and
// store commits stay in one place.
type Curator struct {
	dir  string
	Logf func(format string, args ...any)
}

// NewCurator creates a Curator writing documents under dir.
func NewCurator(dir string) *Curator {
	return &Curator{dir: dir}
}

func (c *Curator) logf(format string, args ...any) {
	if c.Logf != nil {
		c.Logf(format, args...)
	}
}

// PathFor returns the document file path for a dossier name.
func (c *Curator) PathFor(name string) string {
	return filepath.Join(c.dir, name+".md")
}

// RenderDoc builds one document from scratch out of the current
// insight set.
func (c *Curator) RenderDoc(doc Document, insights []store.Insight) (string, store.Dossier) {
	selected := selectInsights(doc, insights)

	var sb strings.Builder
	sb.WriteString("# " + doc.Title + "\n\n")
	sb.WriteString("Prose outside the marked sections survives curation; the sections themselves are rewritten from the store.\n")
	for _, in := range selected {
		sb.WriteString("\n")
		writeSection(&sb, in)
	}

	return sb.String(), c.record(doc, selected)
}

// CurateDoc computes the incremental delta between the on-disk
// document and the current insight set. A missing file with no prior
// record falls back to a full render; any other unreadable state
// aborts with ErrCurationConflict so manual prose is never clobbered.
func (c *Curator) CurateDoc(doc Document, prior *store.Dossier, insights []store.Insight) (CurationResult, error) {
	selected := selectInsights(doc, insights)
	path := c.PathFor(doc.Name)

	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		if prior != nil {
			return CurationResult{}, fmt.Errorf("dossier %s: %s missing since last curation: %w", doc.Name, path, ErrCurationConflict)
		}
		content, record := c.RenderDoc(doc, insights)
		plan := CurationPlan{Name: doc.Name, Path: path}
		for _, in := range selected {
			plan.Added = append(plan.Added, in.ID)
		}
		return CurationResult{Plan: plan, Content: content, Record: record, FullRender: true}, nil
	}
	if err != nil {
		return CurationResult{}, fmt.Errorf("dossier %s: %w", doc.Name, err)
	}

	segments, err := parseDocument(string(raw))
	if err != nil {
		return CurationResult{}, fmt.Errorf("dossier %s: %s: %v: %w", doc.Name, path, err, ErrCurationConflict)
	}

	// A non-empty file with no managed sections and no curation record
	// is someone else's document; refuse to take it over.
	if prior == nil && !hasManagedSections(segments) && strings.TrimSpace(string(raw)) != "" {
		return CurationResult{}, fmt.Errorf("dossier %s: %s has no managed sections and no curation record: %w", doc.Name, path, ErrCurationConflict)
	}

	current := make(map[string]store.Insight, len(selected))
	for _, in := range selected {
		current[in.ID] = in
	}

	plan := CurationPlan{Name: doc.Name, Path: path}
	var out []segment
	for _, seg := range segments {
		if seg.insightID == "" {
			out = append(out, seg)
			continue
		}
		in, ok := current[seg.insightID]
		if !ok {
			plan.Removed = append(plan.Removed, seg.insightID)
			continue
		}
		delete(current, seg.insightID)
		if seg.body == in.Statement {
			plan.Unchanged++
			out = append(out, seg)
			continue
		}
		plan.Updated = append(plan.Updated, seg.insightID)
		seg.body = in.Statement
		out = append(out, seg)
	}

	remaining := make([]store.Insight, 0, len(current))
	for _, in := range current {
		remaining = append(remaining, in)
	}
	sort.Slice(remaining, func(i, j int) bool { return remaining[i].ID < remaining[j].ID })
	for _, in := range remaining {
		plan.Added = append(plan.Added, in.ID)
		if len(out) > 0 {
			out = append(out, segment{body: "\n"})
		}
		out = append(out, segment{insightID: in.ID, body: in.Statement})
	}
	sort.Strings(plan.Added)
	sort.Strings(plan.Updated)
	sort.Strings(plan.Removed)

	result := CurationResult{Plan: plan, Record: c.record(doc, selected)}
	if plan.Changed() {
		result.Content = renderSegments(out)
	}
	return result, nil
}

// Apply writes a curation result's content to disk. No-op when the
// plan carried no changes.
func (c *Curator) Apply(result CurationResult) error {
	if result.Content == "" {
		return nil
	}
	if err := os.MkdirAll(c.dir, 0o755); err != nil {
		return fmt.Errorf("failed to create dossier dir: %w", err)
	}
	if err := os.WriteFile(result.Plan.Path, []byte(result.Content), 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", result.Plan.Path, err)
	}
	c.logf("wrote %s (+%d ~%d -%d)", result.Plan.Path, len(result.Plan.Added), len(result.Plan.Updated), len(result.Plan.Removed))
	return nil
}

func (c *Curator) record(doc Document, selected []store.Insight) store.Dossier {
	ids := make([]string, len(selected))
	digests := make(map[string]string, len(selected))
	for i, in := range selected {
		ids[i] = in.ID
		digests[in.ID] = store.StatementDigest(in.Statement)
	}
	sort.Strings(ids)
	return store.Dossier{
		Name:           doc.Name,
		Path:           c.PathFor(doc.Name),
		InsightIDs:     ids,
		InsightDigests: digests,
		RenderedAt:     time.Now().UTC(),
	}
}

// selectInsights picks and orders the insights one document collects.
func selectInsights(doc Document, insights []store.Insight) []store.Insight {
	var out []store.Insight
	for _, in := range insights {
		if in.Audience == doc.Audience {
			out = append(out, in)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func hasManagedSections(segments []segment) bool {
	for _, seg := range segments {
		if seg.insightID != "" {
			return true
		}
	}
	return false
}

// segment is one run of document lines: a managed insight section, or
// manual prose between sections.
type segment struct {
	insightID string // empty for manual prose
	body      string // section statement, or raw prose text
}

func writeSection(sb *strings.Builder, in store.Insight) {
	sb.WriteString("<!-- dossier:begin " + in.ID + " -->\n")
	sb.WriteString(in.Statement + "\n")
	sb.WriteString("<!-- dossier:end " + in.ID + " -->\n")
}

// renderSegments reassembles a document. Prose segments carry their
// own separators, so unchanged bytes come back out unchanged.
func renderSegments(segments []segment) string {
	var sb strings.Builder
	for _, seg := range segments {
		if seg.insightID == "" {
			sb.WriteString(seg.body)
			continue
		}
		sb.WriteString("<!-- dossier:begin " + seg.insightID + " -->\n")
		sb.WriteString(seg.body + "\n")
		sb.WriteString("<!-- dossier:end " + seg.insightID + " -->\n")
	}
	return sb.String()
}

// parseDocument splits a dossier file into prose and managed
// sections. Any marker irregularity is an error; curation must not
// guess at a damaged document.
func parseDocument(content string) ([]segment, error) {
	lines := strings.Split(content, "\n")
	var segments []segment
	var prose []string
	var sectionID string
	var sectionBody []string
	seen := map[string]bool{}

	flushProse := func() {
		if len(prose) > 0 {
			segments = append(segments, segment{body: strings.Join(prose, "\n") + "\n"})
			prose = nil
		}
	}

	for _, line := range lines {
		if m := sectionBeginRe.FindStringSubmatch(line); m != nil {
			if sectionID != "" {
				return nil, fmt.Errorf("begin marker for %s inside open section %s", m[1], sectionID)
			}
			if seen[m[1]] {
				return nil, fmt.Errorf("duplicate section %s", m[1])
			}
			flushProse()
			sectionID = m[1]
			sectionBody = nil
			continue
		}
		if m := sectionEndRe.FindStringSubmatch(line); m != nil {
			if sectionID == "" {
				return nil, fmt.Errorf("end marker for %s without begin", m[1])
			}
			if m[1] != sectionID {
				return nil, fmt.Errorf("end marker for %s closes section %s", m[1], sectionID)
			}
			seen[sectionID] = true
			segments = append(segments, segment{insightID: sectionID, body: strings.Join(sectionBody, "\n")})
			sectionID = ""
			continue
		}
		if sectionID != "" {
			sectionBody = append(sectionBody, line)
			continue
		}
		prose = append(prose, line)
	}
	if sectionID != "" {
		return nil, fmt.Errorf("section %s never closed", sectionID)
	}
	// The final split element after a trailing newline is an empty
	// string; dropping it keeps render/parse round-trips stable.
	if len(prose) > 0 && !(len(prose) == 1 && prose[0] == "") {
		segments = append(segments, segment{body: strings.Join(prose, "\n")})
	}
	return segments, nil
}
