package pipeline

import (
	"context"
	"errors"
	"reflect"
	"testing"
	"time"

	"github.com/Napageneral/dossier/internal/store"
)

// stubEmbedder returns fixed vectors per text.
type stubEmbedder struct {
	vectors map[string][]float64
	calls   int
	err     error
}

func (e *stubEmbedder) Embed(ctx context.Context, texts []string) ([][]float64, error) {
	e.calls++
	if e.err != nil {
		return nil, e.err
	}
	out := make([][]float64, len(texts))
	for i, text := range texts {
		out[i] = e.vectors[text]
	}
	return out, nil
}

func fact(id, text string) store.Fact {
	return store.Fact{ID: id, SourceID: "src_chat_x", Text: text, Quote: text, Confidence: 0.8, ExtractedAt: time.Now().UTC()}
}

func themeFactSets(themes []store.Theme) [][]string {
	out := make([][]string, len(themes))
	for i, t := range themes {
		out[i] = t.FactIDs
	}
	return out
}

func TestAggregateLexical(t *testing.T) {
	facts := []store.Fact{
		fact("f_a", "offsite planning budget"),
		fact("f_b", "offsite planning venue"),
		fact("f_c", "kubernetes cluster upgrade"),
	}

	themes, err := NewAggregator(nil, 0.8).AggregateThemes(context.Background(), facts)
	if err != nil {
		t.Fatalf("AggregateThemes() error: %v", err)
	}
	if len(themes) != 2 {
		t.Fatalf("got %d themes, want 2: %+v", len(themes), themeFactSets(themes))
	}

	byID := map[string]store.Theme{}
	for _, th := range themes {
		byID[th.ID] = th
	}
	merged, ok := byID[store.ThemeID([]string{"f_a", "f_b"})]
	if !ok {
		t.Fatalf("no theme holds f_a+f_b: %+v", themeFactSets(themes))
	}
	if !reflect.DeepEqual(merged.FactIDs, []string{"f_a", "f_b"}) {
		t.Errorf("merged theme facts = %v", merged.FactIDs)
	}
	if _, ok := byID[store.ThemeID([]string{"f_c"})]; !ok {
		t.Errorf("f_c should stand alone: %+v", themeFactSets(themes))
	}
}

func TestAggregateTieKeepsEarliestCluster(t *testing.T) {
	// f_3 scores 0.5 against both clusters; the earlier one wins.
	facts := []store.Fact{
		fact("f_1", "alpha beta"),
		fact("f_2", "alpha gamma"),
		fact("f_3", "alpha"),
	}

	themes, err := NewAggregator(nil, 0.8).AggregateThemes(context.Background(), facts)
	if err != nil {
		t.Fatalf("AggregateThemes() error: %v", err)
	}
	if len(themes) != 2 {
		t.Fatalf("got %d themes, want 2: %+v", len(themes), themeFactSets(themes))
	}
	byID := map[string]bool{}
	for _, th := range themes {
		byID[th.ID] = true
	}
	if !byID[store.ThemeID([]string{"f_1", "f_3"})] {
		t.Errorf("tie should join the earliest cluster, got %+v", themeFactSets(themes))
	}
	if !byID[store.ThemeID([]string{"f_2"})] {
		t.Errorf("f_2 should stand alone, got %+v", themeFactSets(themes))
	}
}

func TestAggregateInputOrderDoesNotMatter(t *testing.T) {
	forward := []store.Fact{
		fact("f_a", "offsite planning budget"),
		fact("f_b", "offsite planning venue"),
		fact("f_c", "kubernetes cluster upgrade"),
	}
	reversed := []store.Fact{forward[2], forward[0], forward[1]}

	agg := NewAggregator(nil, 0.8)
	first, err := agg.AggregateThemes(context.Background(), forward)
	if err != nil {
		t.Fatal(err)
	}
	second, err := agg.AggregateThemes(context.Background(), reversed)
	if err != nil {
		t.Fatal(err)
	}
	if len(first) != len(second) {
		t.Fatalf("theme counts differ: %d vs %d", len(first), len(second))
	}
	for i := range first {
		if first[i].ID != second[i].ID {
			t.Errorf("theme %d id differs: %s vs %s", i, first[i].ID, second[i].ID)
		}
	}
}

func TestAggregateWithEmbedder(t *testing.T) {
	facts := []store.Fact{
		fact("f_a", "offsite planning kicked off"),
		fact("f_b", "offsite budget approved"),
		fact("f_c", "new laptop ordered"),
	}
	emb := &stubEmbedder{vectors: map[string][]float64{
		"offsite planning kicked off": {1, 0},
		"offsite budget approved":     {0.96, 0.28},
		"new laptop ordered":          {0, 1},
	}}

	themes, err := NewAggregator(emb, 0.8).AggregateThemes(context.Background(), facts)
	if err != nil {
		t.Fatalf("AggregateThemes() error: %v", err)
	}
	if emb.calls != 1 {
		t.Errorf("embed calls = %d, want 1", emb.calls)
	}
	if len(themes) != 2 {
		t.Fatalf("got %d themes, want 2: %+v", len(themes), themeFactSets(themes))
	}
	byID := map[string]bool{}
	for _, th := range themes {
		byID[th.ID] = true
	}
	if !byID[store.ThemeID([]string{"f_a", "f_b"})] || !byID[store.ThemeID([]string{"f_c"})] {
		t.Errorf("unexpected clustering: %+v", themeFactSets(themes))
	}
}

func TestAggregateEmbedderFailure(t *testing.T) {
	emb := &stubEmbedder{err: errors.New("quota exhausted")}
	_, err := NewAggregator(emb, 0.8).AggregateThemes(context.Background(), []store.Fact{fact("f_a", "text")})
	if err == nil {
		t.Fatal("expected error when embedding fails")
	}
}

func TestAggregateNoFacts(t *testing.T) {
	emb := &stubEmbedder{}
	themes, err := NewAggregator(emb, 0.8).AggregateThemes(context.Background(), nil)
	if err != nil {
		t.Fatalf("AggregateThemes() error: %v", err)
	}
	if len(themes) != 0 {
		t.Errorf("got %d themes, want 0", len(themes))
	}
	if emb.calls != 0 {
		t.Errorf("embedder called %d times for zero facts", emb.calls)
	}
}

func TestThemeLabel(t *testing.T) {
	got := themeLabel([]string{"budget planning for offsite", "offsite budget approved"})
	if got != "Budget offsite approved" {
		t.Errorf("themeLabel = %q", got)
	}
	if got := themeLabel([]string{"a an to"}); got != "Misc" {
		t.Errorf("label for stopword-only text = %q, want Misc", got)
	}
}
