package adapters

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/Napageneral/dossier/internal/store"
)

// TranscriptsAdapter lists meeting transcript files from a directory.
// One source per file; the filename is the ref.
type TranscriptsAdapter struct {
	dir string
}

// NewTranscriptsAdapter creates a transcripts adapter over dir.
func NewTranscriptsAdapter(dir string) *TranscriptsAdapter {
	return &TranscriptsAdapter{dir: dir}
}

func (a *TranscriptsAdapter) Name() string {
	return "transcripts"
}

func (a *TranscriptsAdapter) Type() string {
	return store.SourceTypeTranscript
}

// transcriptExts are the file extensions treated as transcripts.
var transcriptExts = map[string]bool{
	".md":  true,
	".txt": true,
	".vtt": true,
}

// List returns one source per transcript file, sorted by name. A
// missing directory yields an empty list.
func (a *TranscriptsAdapter) List(ctx context.Context) ([]SourceInfo, error) {
	entries, err := os.ReadDir(a.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read transcript directory: %w", err)
	}

	var out []SourceInfo
	for _, e := range entries {
		if e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		if !transcriptExts[strings.ToLower(filepath.Ext(e.Name()))] {
			continue
		}
		info, err := e.Info()
		if err != nil {
			return nil, fmt.Errorf("failed to stat transcript %s: %w", e.Name(), err)
		}
		out = append(out, SourceInfo{
			Type:      store.SourceTypeTranscript,
			Title:     e.Name(),
			Ref:       e.Name(),
			CreatedAt: info.ModTime().UTC(),
			UpdatedAt: info.ModTime().UTC(),
		})
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Ref < out[j].Ref })
	return out, nil
}

// Fetch reads one transcript file. Refs are bare filenames; anything
// trying to escape the directory is rejected.
func (a *TranscriptsAdapter) Fetch(ctx context.Context, ref string) (string, error) {
	if ref != filepath.Base(ref) || ref == "" {
		return "", fmt.Errorf("transcript ref %q: %w", ref, store.ErrNotFound)
	}
	data, err := os.ReadFile(filepath.Join(a.dir, ref))
	if err != nil {
		if os.IsNotExist(err) {
			return "", fmt.Errorf("transcript %s: %w", ref, store.ErrNotFound)
		}
		return "", fmt.Errorf("failed to read transcript %s: %w", ref, err)
	}
	return string(data), nil
}
