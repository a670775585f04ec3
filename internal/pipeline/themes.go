package pipeline

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/Napageneral/dossier/internal/store"
)

// lexicalThreshold is the Jaccard cutoff used when no embedder is
// configured. Token overlap scores run much lower than cosine
// similarity over embeddings, so it is not the configured threshold.
const lexicalThreshold = 0.35

// Aggregator clusters the full fact set into themes. Clustering is
// deterministic for a given fact set and embedding output: facts are
// visited in ascending ID order and ties keep the earliest cluster.
type Aggregator struct {
	embed     Embedder
	threshold float64
	Logf      func(format string, args ...any)
}

// NewAggregator creates an Aggregator. A nil embedder switches
// clustering to lexical token overlap.
func NewAggregator(embed Embedder, threshold float64) *Aggregator {
	return &Aggregator{embed: embed, threshold: threshold}
}

func (a *Aggregator) logf(format string, args ...any) {
	if a.Logf != nil {
		a.Logf(format, args...)
	}
}

type cluster struct {
	factIdx  []int
	centroid []float64       // embedding mode: running mean of member vectors
	tokens   map[string]bool // lexical mode: union of member token sets
}

// AggregateThemes rebuilds the theme set from all facts. Theme IDs
// derive from member fact sets, so an unchanged clustering yields
// byte-identical themes apart from UpdatedAt.
func (a *Aggregator) AggregateThemes(ctx context.Context, facts []store.Fact) ([]store.Theme, error) {
	if len(facts) == 0 {
		return []store.Theme{}, nil
	}

	ordered := append([]store.Fact(nil), facts...)
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].ID < ordered[j].ID })

	var vectors [][]float64
	if a.embed != nil {
		texts := make([]string, len(ordered))
		for i, f := range ordered {
			texts[i] = f.Text
		}
		var err error
		vectors, err = a.embed.Embed(ctx, texts)
		if err != nil {
			return nil, fmt.Errorf("failed to embed facts: %w", err)
		}
		if len(vectors) != len(ordered) {
			return nil, fmt.Errorf("embedder returned %d vectors for %d facts", len(vectors), len(ordered))
		}
	}

	threshold := a.threshold
	if a.embed == nil {
		threshold = lexicalThreshold
		a.logf("no embedder configured, clustering on token overlap")
	}

	tokenSets := make([]map[string]bool, len(ordered))
	if a.embed == nil {
		for i, f := range ordered {
			tokenSets[i] = tokenize(f.Text)
		}
	}

	var clusters []*cluster
	for i := range ordered {
		best := -1
		bestScore := threshold
		for ci, c := range clusters {
			var score float64
			if a.embed != nil {
				score = cosine(vectors[i], c.centroid)
			} else {
				score = jaccard(tokenSets[i], c.tokens)
			}
			// Strict greater keeps the earliest cluster on ties.
			if score > bestScore {
				best = ci
				bestScore = score
			}
		}
		if best == -1 {
			c := &cluster{factIdx: []int{i}}
			if a.embed != nil {
				c.centroid = append([]float64(nil), vectors[i]...)
			} else {
				c.tokens = copyTokens(tokenSets[i])
			}
			clusters = append(clusters, c)
			continue
		}
		c := clusters[best]
		c.factIdx = append(c.factIdx, i)
		if a.embed != nil {
			n := float64(len(c.factIdx))
			for d := range c.centroid {
				c.centroid[d] += (vectors[i][d] - c.centroid[d]) / n
			}
		} else {
			for tok := range tokenSets[i] {
				c.tokens[tok] = true
			}
		}
	}

	now := time.Now().UTC()
	themes := make([]store.Theme, 0, len(clusters))
	for _, c := range clusters {
		factIDs := make([]string, len(c.factIdx))
		texts := make([]string, len(c.factIdx))
		for i, idx := range c.factIdx {
			factIDs[i] = ordered[idx].ID
			texts[i] = ordered[idx].Text
		}
		sort.Strings(factIDs)
		themes = append(themes, store.Theme{
			ID:        store.ThemeID(factIDs),
			Label:     themeLabel(texts),
			FactIDs:   factIDs,
			UpdatedAt: now,
		})
	}
	sort.Slice(themes, func(i, j int) bool { return themes[i].ID < themes[j].ID })
	a.logf("clustered %d facts into %d themes", len(ordered), len(themes))
	return themes, nil
}

// themeLabel names a cluster after its three most frequent content
// tokens. Ties break alphabetically so labels are stable.
func themeLabel(texts []string) string {
	counts := map[string]int{}
	for _, text := range texts {
		for tok := range tokenize(text) {
			counts[tok]++
		}
	}
	tokens := make([]string, 0, len(counts))
	for tok := range counts {
		tokens = append(tokens, tok)
	}
	sort.Slice(tokens, func(i, j int) bool {
		if counts[tokens[i]] != counts[tokens[j]] {
			return counts[tokens[i]] > counts[tokens[j]]
		}
		return tokens[i] < tokens[j]
	})
	if len(tokens) > 3 {
		tokens = tokens[:3]
	}
	if len(tokens) == 0 {
		return "Misc"
	}
	label := strings.Join(tokens, " ")
	return strings.ToUpper(label[:1]) + label[1:]
}

var stopwords = map[string]bool{
	"the": true, "and": true, "for": true, "that": true, "this": true,
	"with": true, "are": true, "was": true, "has": true, "have": true,
	"his": true, "her": true, "they": true, "their": true, "from": true,
	"about": true, "will": true, "would": true, "not": true, "but": true,
	"all": true, "can": true, "when": true, "who": true, "into": true,
}

// tokenize lowercases and splits on non-alphanumeric runs, dropping
// stopwords and tokens shorter than three characters.
func tokenize(text string) map[string]bool {
	out := map[string]bool{}
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !('a' <= r && r <= 'z') && !('0' <= r && r <= '9')
	})
	for _, f := range fields {
		if len(f) < 3 || stopwords[f] {
			continue
		}
		out[f] = true
	}
	return out
}

func copyTokens(in map[string]bool) map[string]bool {
	out := make(map[string]bool, len(in))
	for k := range in {
		out[k] = true
	}
	return out
}

func jaccard(a, b map[string]bool) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	inter := 0
	for k := range a {
		if b[k] {
			inter++
		}
	}
	union := len(a) + len(b) - inter
	return float64(inter) / float64(union)
}

func cosine(a, b []float64) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += a[i] * b[i]
		na += a[i] * a[i]
		nb += b[i] * b[i]
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
