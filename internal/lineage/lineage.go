// Package lineage resolves any derived entity back to the source text
// that produced it. The index is rebuilt from a store snapshot on
// every load and never persisted.
package lineage

import (
	"fmt"
	"sort"
	"strings"

	"github.com/Napageneral/dossier/internal/store"
)

// Entity kinds, by ID prefix
const (
	KindFact    = "fact"
	KindTheme   = "theme"
	KindInsight = "insight"
)

// Kind classifies an entity ID by prefix, empty for unknown shapes.
func Kind(id string) string {
	switch {
	case strings.HasPrefix(id, "f_"):
		return KindFact
	case strings.HasPrefix(id, "t_"):
		return KindTheme
	case strings.HasPrefix(id, "i_"):
		return KindInsight
	default:
		return ""
	}
}

// Chain is the ordered provenance of one entity: the entity itself,
// then every layer below it, down to the sources. Fact quotes carry
// the original source text spans.
type Chain struct {
	ID      string         `json:"id"`
	Kind    string         `json:"kind"`
	Insight *store.Insight `json:"insight,omitempty"`
	Themes  []store.Theme  `json:"themes,omitempty"`
	Facts   []store.Fact   `json:"facts,omitempty"`
	Sources []store.Source `json:"sources,omitempty"`
}

// Index holds by-ID lookups over one snapshot.
type Index struct {
	facts    map[string]store.Fact
	themes   map[string]store.Theme
	insights map[string]store.Insight
	sources  map[string]store.Source
}

// Build constructs the index from a snapshot.
func Build(snap *store.Snapshot) *Index {
	ix := &Index{
		facts:    make(map[string]store.Fact, len(snap.Facts)),
		themes:   make(map[string]store.Theme, len(snap.Themes)),
		insights: make(map[string]store.Insight, len(snap.Insights)),
		sources:  make(map[string]store.Source, len(snap.Sources)),
	}
	for _, f := range snap.Facts {
		ix.facts[f.ID] = f
	}
	for _, t := range snap.Themes {
		ix.themes[t.ID] = t
	}
	for _, i := range snap.Insights {
		ix.insights[i.ID] = i
	}
	for _, s := range snap.Sources {
		ix.sources[s.ID] = s
	}
	return ix
}

// Resolve returns the full provenance chain for a fact, theme, or
// insight ID. Unknown or malformed IDs fail with ErrNotFound; a
// dangling reference inside the store fails the same way rather than
// returning a partial chain.
func (ix *Index) Resolve(id string) (*Chain, error) {
	chain := &Chain{ID: id, Kind: Kind(id)}

	switch chain.Kind {
	case KindInsight:
		in, ok := ix.insights[id]
		if !ok {
			return nil, fmt.Errorf("insight %s: %w", id, store.ErrNotFound)
		}
		chain.Insight = &in
		if err := ix.addThemes(chain, in.ThemeIDs); err != nil {
			return nil, err
		}
	case KindTheme:
		t, ok := ix.themes[id]
		if !ok {
			return nil, fmt.Errorf("theme %s: %w", id, store.ErrNotFound)
		}
		if err := ix.addThemes(chain, []string{t.ID}); err != nil {
			return nil, err
		}
	case KindFact:
		f, ok := ix.facts[id]
		if !ok {
			return nil, fmt.Errorf("fact %s: %w", id, store.ErrNotFound)
		}
		if err := ix.addFacts(chain, []string{f.ID}); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("id %q is not a fact, theme, or insight id: %w", id, store.ErrNotFound)
	}

	sort.Slice(chain.Themes, func(a, b int) bool { return chain.Themes[a].ID < chain.Themes[b].ID })
	sort.Slice(chain.Facts, func(a, b int) bool { return chain.Facts[a].ID < chain.Facts[b].ID })
	sort.Slice(chain.Sources, func(a, b int) bool { return chain.Sources[a].ID < chain.Sources[b].ID })
	return chain, nil
}

func (ix *Index) addThemes(chain *Chain, themeIDs []string) error {
	factIDs := make([]string, 0)
	for _, tid := range themeIDs {
		t, ok := ix.themes[tid]
		if !ok {
			return fmt.Errorf("theme %s referenced by %s: %w", tid, chain.ID, store.ErrNotFound)
		}
		chain.Themes = append(chain.Themes, t)
		factIDs = append(factIDs, t.FactIDs...)
	}
	return ix.addFacts(chain, factIDs)
}

func (ix *Index) addFacts(chain *Chain, factIDs []string) error {
	seenFact := map[string]bool{}
	seenSource := map[string]bool{}
	for _, f := range chain.Facts {
		seenFact[f.ID] = true
	}
	for _, fid := range factIDs {
		if seenFact[fid] {
			continue
		}
		f, ok := ix.facts[fid]
		if !ok {
			return fmt.Errorf("fact %s referenced by %s: %w", fid, chain.ID, store.ErrNotFound)
		}
		seenFact[fid] = true
		chain.Facts = append(chain.Facts, f)

		if seenSource[f.SourceID] {
			continue
		}
		src, ok := ix.sources[f.SourceID]
		if !ok {
			return fmt.Errorf("source %s referenced by fact %s: %w", f.SourceID, fid, store.ErrNotFound)
		}
		seenSource[f.SourceID] = true
		chain.Sources = append(chain.Sources, src)
	}
	return nil
}

// Verify checks referential integrity for the whole snapshot: every
// insight resolves to at least one source. Returns the first broken
// chain's error.
func Verify(snap *store.Snapshot) error {
	ix := Build(snap)
	for _, in := range snap.Insights {
		chain, err := ix.Resolve(in.ID)
		if err != nil {
			return err
		}
		if len(chain.Sources) == 0 {
			return fmt.Errorf("insight %s has no source lineage: %w", in.ID, store.ErrNotFound)
		}
	}
	for _, t := range snap.Themes {
		if _, err := ix.Resolve(t.ID); err != nil {
			return err
		}
	}
	return nil
}
