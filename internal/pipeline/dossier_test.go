package pipeline

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/Napageneral/dossier/internal/store"
)

func profileInsight(id, statement string) store.Insight {
	return store.Insight{
		ID:        id,
		Statement: statement,
		ThemeIDs:  []string{"t_x"},
		Audience:  store.AudienceProfile,
		DerivedAt: time.Now().UTC(),
	}
}

func mustDoc(t *testing.T, name string) Document {
	t.Helper()
	doc, ok := DocumentByName(name)
	if !ok {
		t.Fatalf("unknown document %s", name)
	}
	return doc
}

func TestRenderDoc(t *testing.T) {
	c := NewCurator(t.TempDir())
	insights := []store.Insight{
		profileInsight("i_bbb", "Second statement."),
		profileInsight("i_aaa", "First statement."),
		{ID: "i_ccc", Statement: "Company only.", ThemeIDs: []string{"t_x"}, Audience: store.AudienceCompany},
	}

	content, record := c.RenderDoc(mustDoc(t, "profile"), insights)

	if !strings.Contains(content, "# Profile") {
		t.Errorf("missing title:\n%s", content)
	}
	if !strings.Contains(content, "<!-- dossier:begin i_aaa -->\nFirst statement.\n<!-- dossier:end i_aaa -->") {
		t.Errorf("missing managed section:\n%s", content)
	}
	if strings.Contains(content, "Company only.") {
		t.Errorf("profile document picked up a company insight")
	}
	// Sections come out in id order.
	if strings.Index(content, "i_aaa") > strings.Index(content, "i_bbb") {
		t.Errorf("sections out of order:\n%s", content)
	}

	if len(record.InsightIDs) != 2 || record.InsightIDs[0] != "i_aaa" {
		t.Errorf("record insight ids = %v", record.InsightIDs)
	}
	if record.InsightDigests["i_aaa"] != store.StatementDigest("First statement.") {
		t.Errorf("record digest mismatch")
	}
}

func TestCurateFirstTimeIsFullRender(t *testing.T) {
	c := NewCurator(t.TempDir())
	res, err := c.CurateDoc(mustDoc(t, "profile"), nil, []store.Insight{profileInsight("i_aaa", "One.")})
	if err != nil {
		t.Fatalf("CurateDoc() error: %v", err)
	}
	if !res.FullRender {
		t.Error("expected a full render with no existing file")
	}
	if len(res.Plan.Added) != 1 || res.Plan.Added[0] != "i_aaa" {
		t.Errorf("plan added = %v", res.Plan.Added)
	}
	if err := c.Apply(res); err != nil {
		t.Fatalf("Apply() error: %v", err)
	}
	if _, err := os.Stat(res.Plan.Path); err != nil {
		t.Errorf("document not written: %v", err)
	}
}

func TestCurateNoChanges(t *testing.T) {
	c := NewCurator(t.TempDir())
	insights := []store.Insight{profileInsight("i_aaa", "One."), profileInsight("i_bbb", "Two.")}
	doc := mustDoc(t, "profile")

	first, err := c.CurateDoc(doc, nil, insights)
	if err != nil {
		t.Fatal(err)
	}
	if err := c.Apply(first); err != nil {
		t.Fatal(err)
	}

	second, err := c.CurateDoc(doc, &first.Record, insights)
	if err != nil {
		t.Fatalf("CurateDoc() error: %v", err)
	}
	if second.Plan.Changed() {
		t.Errorf("unchanged insights produced a delta: %+v", second.Plan)
	}
	if second.Content != "" {
		t.Errorf("no-op curate still produced content")
	}
	if second.Plan.Unchanged != 2 {
		t.Errorf("unchanged = %d, want 2", second.Plan.Unchanged)
	}
}

func TestCuratePreservesManualProse(t *testing.T) {
	dir := t.TempDir()
	c := NewCurator(dir)
	doc := mustDoc(t, "profile")

	existing := `# Profile

My own intro notes.

<!-- dossier:begin i_old -->
Stale statement.
<!-- dossier:end i_old -->

Manual outro.
`
	if err := os.WriteFile(filepath.Join(dir, "profile.md"), []byte(existing), 0o644); err != nil {
		t.Fatal(err)
	}

	res, err := c.CurateDoc(doc, nil, []store.Insight{profileInsight("i_new", "Fresh statement.")})
	if err != nil {
		t.Fatalf("CurateDoc() error: %v", err)
	}
	if len(res.Plan.Added) != 1 || len(res.Plan.Removed) != 1 {
		t.Fatalf("plan = %+v, want one add and one remove", res.Plan)
	}
	for _, keep := range []string{"My own intro notes.", "Manual outro."} {
		if !strings.Contains(res.Content, keep) {
			t.Errorf("manual prose %q lost:\n%s", keep, res.Content)
		}
	}
	if strings.Contains(res.Content, "i_old") {
		t.Errorf("removed section survived:\n%s", res.Content)
	}
	if !strings.Contains(res.Content, "<!-- dossier:begin i_new -->\nFresh statement.") {
		t.Errorf("new section missing:\n%s", res.Content)
	}
}

func TestCurateRevertsEditedSection(t *testing.T) {
	dir := t.TempDir()
	c := NewCurator(dir)
	doc := mustDoc(t, "profile")
	in := profileInsight("i_aaa", "Store truth.")

	first, err := c.CurateDoc(doc, nil, []store.Insight{in})
	if err != nil {
		t.Fatal(err)
	}
	if err := c.Apply(first); err != nil {
		t.Fatal(err)
	}

	// Hand-edit inside the managed section.
	path := filepath.Join(dir, "profile.md")
	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	tampered := strings.Replace(string(raw), "Store truth.", "Hand edit.", 1)
	if err := os.WriteFile(path, []byte(tampered), 0o644); err != nil {
		t.Fatal(err)
	}

	res, err := c.CurateDoc(doc, &first.Record, []store.Insight{in})
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Plan.Updated) != 1 || res.Plan.Updated[0] != "i_aaa" {
		t.Fatalf("plan = %+v, want i_aaa updated", res.Plan)
	}
	if !strings.Contains(res.Content, "Store truth.") || strings.Contains(res.Content, "Hand edit.") {
		t.Errorf("managed section not restored:\n%s", res.Content)
	}
}

func TestCurateUnparseableDocumentAborts(t *testing.T) {
	dir := t.TempDir()
	c := NewCurator(dir)

	broken := "# Profile\n<!-- dossier:begin i_aaa -->\nnever closed\n"
	if err := os.WriteFile(filepath.Join(dir, "profile.md"), []byte(broken), 0o644); err != nil {
		t.Fatal(err)
	}

	_, err := c.CurateDoc(mustDoc(t, "profile"), nil, []store.Insight{profileInsight("i_aaa", "One.")})
	if !errors.Is(err, ErrCurationConflict) {
		t.Fatalf("error = %v, want ErrCurationConflict", err)
	}

	// The damaged file must survive untouched.
	raw, readErr := os.ReadFile(filepath.Join(dir, "profile.md"))
	if readErr != nil || string(raw) != broken {
		t.Errorf("document was modified on conflict")
	}
}

func TestCurateRefusesForeignDocument(t *testing.T) {
	dir := t.TempDir()
	c := NewCurator(dir)

	// A marker-free file with no curation record belongs to someone
	// else; curate must not take it over.
	foreign := "# Profile\n\nHand-written notes, never curated.\n"
	if err := os.WriteFile(filepath.Join(dir, "profile.md"), []byte(foreign), 0o644); err != nil {
		t.Fatal(err)
	}

	_, err := c.CurateDoc(mustDoc(t, "profile"), nil, []store.Insight{profileInsight("i_aaa", "One.")})
	if !errors.Is(err, ErrCurationConflict) {
		t.Fatalf("error = %v, want ErrCurationConflict", err)
	}
	raw, readErr := os.ReadFile(filepath.Join(dir, "profile.md"))
	if readErr != nil || string(raw) != foreign {
		t.Errorf("foreign document was modified")
	}
}

func TestCurateMissingFileWithPriorRecord(t *testing.T) {
	c := NewCurator(t.TempDir())
	prior := store.Dossier{Name: "profile", Path: c.PathFor("profile"), RenderedAt: time.Now().UTC()}

	_, err := c.CurateDoc(mustDoc(t, "profile"), &prior, []store.Insight{profileInsight("i_aaa", "One.")})
	if !errors.Is(err, ErrCurationConflict) {
		t.Fatalf("error = %v, want ErrCurationConflict", err)
	}
}

func TestParseDocumentErrors(t *testing.T) {
	cases := []struct {
		name    string
		content string
	}{
		{"unclosed section", "<!-- dossier:begin i_a -->\ntext\n"},
		{"end without begin", "<!-- dossier:end i_a -->\n"},
		{"mismatched end", "<!-- dossier:begin i_a -->\ntext\n<!-- dossier:end i_b -->\n"},
		{"nested begin", "<!-- dossier:begin i_a -->\n<!-- dossier:begin i_b -->\n<!-- dossier:end i_b -->\n"},
		{"duplicate section", "<!-- dossier:begin i_a -->\nx\n<!-- dossier:end i_a -->\n<!-- dossier:begin i_a -->\ny\n<!-- dossier:end i_a -->\n"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := parseDocument(tc.content); err == nil {
				t.Errorf("parseDocument accepted %s", tc.name)
			}
		})
	}
}

func TestParseDocumentRoundTrip(t *testing.T) {
	content := `# Profile

Intro prose.

<!-- dossier:begin i_a -->
Alpha.
<!-- dossier:end i_a -->

Middle prose.
<!-- dossier:begin i_b -->
Beta.
<!-- dossier:end i_b -->
Tail without trailing newline`

	segments, err := parseDocument(content)
	if err != nil {
		t.Fatalf("parseDocument() error: %v", err)
	}
	if got := renderSegments(segments); got != content {
		t.Errorf("round trip changed the document:\n--- in ---\n%q\n--- out ---\n%q", content, got)
	}
}
