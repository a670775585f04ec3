package pipeline

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/Napageneral/dossier/internal/store"
)

// maxFactsPerTheme bounds how many member facts go into one synthesis
// prompt.
const maxFactsPerTheme = 40

type insightDraft struct {
	Statement string   `json:"statement"`
	Audience  string   `json:"audience"`           // profile, company
	ThemeIDs  []string `json:"theme_ids,omitempty"` // overview drafts only
}

type synthesisResult struct {
	Insights []insightDraft `json:"insights"`
}

// Synthesizer derives insights from themes. Facts and themes are
// read-only inputs here; regenerate re-enters at this layer against
// whatever extraction already produced.
type Synthesizer struct {
	llm  Completer
	Logf func(format string, args ...any)
}

// NewSynthesizer creates a Synthesizer over the given collaborator.
func NewSynthesizer(llm Completer) *Synthesizer {
	return &Synthesizer{llm: llm}
}

func (s *Synthesizer) logf(format string, args ...any) {
	if s.Logf != nil {
		s.Logf(format, args...)
	}
}

// SynthesizeInsights produces the full insight set for the given
// themes. Every theme contributes at least one insight; when two or
// more themes exist, one extra collaborator call looks for
// cross-cutting insights spanning them.
func (s *Synthesizer) SynthesizeInsights(ctx context.Context, themes []store.Theme, facts []store.Fact) ([]store.Insight, error) {
	if len(themes) == 0 {
		return []store.Insight{}, nil
	}

	factByID := make(map[string]store.Fact, len(facts))
	for _, f := range facts {
		factByID[f.ID] = f
	}

	ordered := append([]store.Theme(nil), themes...)
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].ID < ordered[j].ID })

	now := time.Now().UTC()
	var insights []store.Insight
	seen := map[string]bool{}
	add := func(in store.Insight) {
		if seen[in.ID] {
			return
		}
		seen[in.ID] = true
		insights = append(insights, in)
	}

	for _, theme := range ordered {
		prompt := s.buildThemePrompt(theme, factByID)
		var result synthesisResult
		if err := s.llm.GenerateJSON(ctx, prompt, &result); err != nil {
			return nil, fmt.Errorf("theme %s: %w", theme.ID, err)
		}
		got := 0
		for _, draft := range result.Insights {
			statement := strings.TrimSpace(draft.Statement)
			if statement == "" {
				continue
			}
			themeIDs := []string{theme.ID}
			add(store.Insight{
				ID:        store.InsightID(themeIDs, statement),
				Statement: statement,
				ThemeIDs:  themeIDs,
				Audience:  normalizeAudience(draft.Audience),
				DerivedAt: now,
			})
			got++
			if got == 2 {
				break
			}
		}
		if got == 0 {
			// Keep every theme represented even when the model
			// declines to synthesize.
			s.logf("theme %s yielded no insights, recording placeholder", theme.ID)
			statement := fmt.Sprintf("Recurring theme %q backed by %d facts; no higher-level synthesis yet.", theme.Label, len(theme.FactIDs))
			themeIDs := []string{theme.ID}
			add(store.Insight{
				ID:        store.InsightID(themeIDs, statement),
				Statement: statement,
				ThemeIDs:  themeIDs,
				Audience:  AudienceProfileDefault,
				DerivedAt: now,
			})
		}
	}

	if len(ordered) >= 2 {
		prompt := s.buildOverviewPrompt(ordered, factByID)
		var result synthesisResult
		if err := s.llm.GenerateJSON(ctx, prompt, &result); err != nil {
			return nil, fmt.Errorf("cross-theme synthesis: %w", err)
		}
		known := map[string]bool{}
		allIDs := make([]string, len(ordered))
		for i, t := range ordered {
			known[t.ID] = true
			allIDs[i] = t.ID
		}
		got := 0
		for _, draft := range result.Insights {
			statement := strings.TrimSpace(draft.Statement)
			if statement == "" {
				continue
			}
			var themeIDs []string
			for _, id := range draft.ThemeIDs {
				if known[id] {
					themeIDs = append(themeIDs, id)
				}
			}
			if len(themeIDs) == 0 {
				themeIDs = allIDs
			}
			sort.Strings(themeIDs)
			add(store.Insight{
				ID:        store.InsightID(themeIDs, statement),
				Statement: statement,
				ThemeIDs:  themeIDs,
				Audience:  normalizeAudience(draft.Audience),
				DerivedAt: now,
			})
			got++
			if got == 2 {
				break
			}
		}
	}

	sort.Slice(insights, func(i, j int) bool { return insights[i].ID < insights[j].ID })
	s.logf("synthesized %d insights from %d themes", len(insights), len(ordered))
	return insights, nil
}

// AudienceProfileDefault is where an insight lands when the model
// returns an unknown audience.
const AudienceProfileDefault = store.AudienceProfile

func normalizeAudience(audience string) string {
	switch strings.ToLower(strings.TrimSpace(audience)) {
	case store.AudienceCompany:
		return store.AudienceCompany
	default:
		return store.AudienceProfile
	}
}

func (s *Synthesizer) buildThemePrompt(theme store.Theme, factByID map[string]store.Fact) string {
	var sb strings.Builder
	sb.WriteString("You write durable insights about a person and their organization from one cluster of related facts.\n\n")

	sb.WriteString(fmt.Sprintf("<THEME label=%q>\n", theme.Label))
	writeFactLines(&sb, theme.FactIDs, factByID, maxFactsPerTheme)
	sb.WriteString("</THEME>\n\n")

	sb.WriteString(`## Instructions

1. Write 1 or 2 insights that state what these facts together reveal.
2. An insight must combine evidence; never restate a single fact.
3. Set "audience" to "profile" when the insight is about the person, "company" when it is about the organization.

Respond with JSON only:
{"insights": [{"statement": "...", "audience": "profile"}]}
`)
	return sb.String()
}

func (s *Synthesizer) buildOverviewPrompt(themes []store.Theme, factByID map[string]store.Fact) string {
	var sb strings.Builder
	sb.WriteString("You look across several themes about a person and their organization and write the insights that only appear when the themes are read together.\n\n")

	sb.WriteString("<THEMES>\n")
	for _, theme := range themes {
		sb.WriteString(fmt.Sprintf("<THEME id=%q label=%q>\n", theme.ID, theme.Label))
		writeFactLines(&sb, theme.FactIDs, factByID, 5)
		sb.WriteString("</THEME>\n")
	}
	sb.WriteString("</THEMES>\n\n")

	sb.WriteString(`## Instructions

1. Write 1 or 2 insights that span more than one theme. If nothing spans themes, return an empty list.
2. List in "theme_ids" the ids of the themes each insight draws on.
3. Set "audience" to "profile" or "company" as above.

Respond with JSON only:
{"insights": [{"statement": "...", "audience": "company", "theme_ids": ["t_abc", "t_def"]}]}
`)
	return sb.String()
}

func writeFactLines(sb *strings.Builder, factIDs []string, factByID map[string]store.Fact, limit int) {
	n := 0
	for _, id := range factIDs {
		f, ok := factByID[id]
		if !ok {
			continue
		}
		sb.WriteString("- ")
		sb.WriteString(f.Text)
		sb.WriteString("\n")
		n++
		if n == limit {
			break
		}
	}
}
