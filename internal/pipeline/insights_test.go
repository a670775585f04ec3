package pipeline

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/Napageneral/dossier/internal/store"
)

func theme(id, label string, factIDs ...string) store.Theme {
	return store.Theme{ID: id, Label: label, FactIDs: factIDs, UpdatedAt: time.Now().UTC()}
}

func TestSynthesizeSingleTheme(t *testing.T) {
	var prompts []string
	llm := completerFunc(func(ctx context.Context, prompt string, out any) error {
		prompts = append(prompts, prompt)
		return reply(`{"insights": [{"statement": "Ana runs planning end to end", "audience": "profile"}]}`, out)
	})

	facts := []store.Fact{
		fact("f_a", "Ana schedules the planning meetings"),
		fact("f_b", "Ana drafts the planning agenda"),
	}
	themes := []store.Theme{theme("t_plan", "Planning", "f_a", "f_b")}

	insights, err := NewSynthesizer(llm).SynthesizeInsights(context.Background(), themes, facts)
	if err != nil {
		t.Fatalf("SynthesizeInsights() error: %v", err)
	}
	// Single theme: no cross-theme call.
	if len(prompts) != 1 {
		t.Fatalf("collaborator calls = %d, want 1", len(prompts))
	}
	if !strings.Contains(prompts[0], "Ana schedules the planning meetings") {
		t.Errorf("prompt is missing member fact text")
	}
	if len(insights) != 1 {
		t.Fatalf("got %d insights, want 1", len(insights))
	}
	in := insights[0]
	if in.ID != store.InsightID([]string{"t_plan"}, "Ana runs planning end to end") {
		t.Errorf("insight id = %s, not content-derived", in.ID)
	}
	if len(in.ThemeIDs) != 1 || in.ThemeIDs[0] != "t_plan" {
		t.Errorf("theme ids = %v", in.ThemeIDs)
	}
	if in.Audience != store.AudienceProfile {
		t.Errorf("audience = %s", in.Audience)
	}
}

func TestSynthesizeOverviewSpansThemes(t *testing.T) {
	var overviewPrompt string
	llm := completerFunc(func(ctx context.Context, prompt string, out any) error {
		if strings.Contains(prompt, "<THEMES>") {
			overviewPrompt = prompt
			return reply(`{"insights": [{"statement": "The org plans in public", "audience": "company", "theme_ids": ["t_plan", "t_ship", "t_bogus"]}]}`, out)
		}
		return reply(`{"insights": [{"statement": "Theme reading", "audience": "profile"}]}`, out)
	})

	themes := []store.Theme{
		theme("t_plan", "Planning", "f_a"),
		theme("t_ship", "Shipping", "f_b"),
	}
	facts := []store.Fact{fact("f_a", "plans in the open"), fact("f_b", "ships weekly")}

	insights, err := NewSynthesizer(llm).SynthesizeInsights(context.Background(), themes, facts)
	if err != nil {
		t.Fatalf("SynthesizeInsights() error: %v", err)
	}
	if overviewPrompt == "" {
		t.Fatal("no cross-theme call with two themes")
	}

	var overview *store.Insight
	for i := range insights {
		if len(insights[i].ThemeIDs) > 1 {
			overview = &insights[i]
		}
	}
	if overview == nil {
		t.Fatalf("no cross-theme insight in %+v", insights)
	}
	// The unknown theme id is dropped, the real ones kept.
	if len(overview.ThemeIDs) != 2 || overview.ThemeIDs[0] != "t_plan" || overview.ThemeIDs[1] != "t_ship" {
		t.Errorf("overview theme ids = %v", overview.ThemeIDs)
	}
	if overview.Audience != store.AudienceCompany {
		t.Errorf("overview audience = %s", overview.Audience)
	}
}

func TestSynthesizePlaceholderWhenModelDeclines(t *testing.T) {
	llm := completerFunc(func(ctx context.Context, prompt string, out any) error {
		return reply(`{"insights": []}`, out)
	})

	themes := []store.Theme{theme("t_q", "Quarterly goals", "f_a")}
	insights, err := NewSynthesizer(llm).SynthesizeInsights(context.Background(), themes, []store.Fact{fact("f_a", "goal set")})
	if err != nil {
		t.Fatalf("SynthesizeInsights() error: %v", err)
	}
	if len(insights) != 1 {
		t.Fatalf("got %d insights, want 1 placeholder", len(insights))
	}
	if !strings.Contains(insights[0].Statement, "Quarterly goals") {
		t.Errorf("placeholder statement %q should carry the theme label", insights[0].Statement)
	}
	if insights[0].ThemeIDs[0] != "t_q" {
		t.Errorf("placeholder theme ids = %v", insights[0].ThemeIDs)
	}
}

func TestSynthesizeCapsPerTheme(t *testing.T) {
	llm := completerFunc(func(ctx context.Context, prompt string, out any) error {
		return reply(`{"insights": [
			{"statement": "one", "audience": "profile"},
			{"statement": "two", "audience": "profile"},
			{"statement": "three", "audience": "profile"}
		]}`, out)
	})

	insights, err := NewSynthesizer(llm).SynthesizeInsights(context.Background(),
		[]store.Theme{theme("t_x", "X", "f_a")}, []store.Fact{fact("f_a", "a")})
	if err != nil {
		t.Fatal(err)
	}
	if len(insights) != 2 {
		t.Errorf("got %d insights, want cap of 2 per theme", len(insights))
	}
}

func TestSynthesizeAudienceNormalization(t *testing.T) {
	cases := []struct {
		raw  string
		want string
	}{
		{"company", store.AudienceCompany},
		{" COMPANY ", store.AudienceCompany},
		{"profile", store.AudienceProfile},
		{"boss", store.AudienceProfile},
		{"", store.AudienceProfile},
	}
	for _, tc := range cases {
		if got := normalizeAudience(tc.raw); got != tc.want {
			t.Errorf("normalizeAudience(%q) = %q, want %q", tc.raw, got, tc.want)
		}
	}
}

func TestSynthesizeCollaboratorFailure(t *testing.T) {
	llm := completerFunc(func(ctx context.Context, prompt string, out any) error {
		return errors.New("model unavailable")
	})
	_, err := NewSynthesizer(llm).SynthesizeInsights(context.Background(),
		[]store.Theme{theme("t_x", "X", "f_a")}, []store.Fact{fact("f_a", "a")})
	if err == nil || !strings.Contains(err.Error(), "t_x") {
		t.Errorf("error = %v, want failure naming the theme", err)
	}
}

func TestSynthesizeNoThemes(t *testing.T) {
	calls := 0
	llm := completerFunc(func(ctx context.Context, prompt string, out any) error {
		calls++
		return nil
	})
	insights, err := NewSynthesizer(llm).SynthesizeInsights(context.Background(), nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(insights) != 0 || calls != 0 {
		t.Errorf("insights = %d, calls = %d, want 0 and 0", len(insights), calls)
	}
}
