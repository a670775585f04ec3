// Package adapters provides the source connectors that list and fetch
// raw input for the pipeline: assistant chat sessions and meeting
// transcripts. Adapters own source content; the store only ever keeps
// references and hashes.
package adapters

import (
	"context"
	"time"
)

// SourceInfo describes one unit of raw input a connector can provide.
// Ref is the connector-owned locator Fetch accepts; UpdatedAt is the
// connector's change watermark when it has one.
type SourceInfo struct {
	Type      string
	Title     string
	Ref       string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Adapter lists and fetches raw sources of one type. List returns an
// empty slice (not an error) when the backing location is absent, so
// a machine without that source configured still syncs the rest.
type Adapter interface {
	Name() string
	Type() string
	List(ctx context.Context) ([]SourceInfo, error)
	Fetch(ctx context.Context, ref string) (string, error)
}

// Filter returns the adapters whose source type is in types; an empty
// types list keeps everything.
func Filter(all []Adapter, types []string) []Adapter {
	if len(types) == 0 {
		return all
	}
	want := make(map[string]bool, len(types))
	for _, t := range types {
		want[t] = true
	}
	var out []Adapter
	for _, a := range all {
		if want[a.Type()] {
			out = append(out, a)
		}
	}
	return out
}
