package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/Napageneral/dossier/internal/store"
)

// completerFunc adapts a plain function to the Completer interface.
type completerFunc func(ctx context.Context, prompt string, out any) error

func (f completerFunc) GenerateJSON(ctx context.Context, prompt string, out any) error {
	return f(ctx, prompt, out)
}

// reply unmarshals a canned JSON response into the collaborator's out
// parameter, the way the real client does.
func reply(body string, out any) error {
	return json.Unmarshal([]byte(body), out)
}

func testSource() store.Source {
	return store.Source{
		ID:        store.SourceID(store.SourceTypeChat, "session-1"),
		Type:      store.SourceTypeChat,
		Title:     "standup",
		Ref:       "session-1",
		CreatedAt: time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC),
	}
}

func TestExtractSource(t *testing.T) {
	var gotPrompt string
	llm := completerFunc(func(ctx context.Context, prompt string, out any) error {
		gotPrompt = prompt
		return reply(`{"facts": [
			{"text": "Ana leads the platform team", "quote": "I lead platform", "confidence": 0.9},
			{"text": "Deploys happen on Fridays", "quote": "", "confidence": 0.6}
		]}`, out)
	})

	src := testSource()
	facts, err := NewExtractor(llm).ExtractSource(context.Background(), src, "I lead platform. Deploys happen on Fridays.")
	if err != nil {
		t.Fatalf("ExtractSource() error: %v", err)
	}
	if len(facts) != 2 {
		t.Fatalf("got %d facts, want 2", len(facts))
	}

	if facts[0].SourceID != src.ID {
		t.Errorf("fact source = %s, want %s", facts[0].SourceID, src.ID)
	}
	if !strings.HasPrefix(facts[0].ID, "f_") {
		t.Errorf("fact id = %s, want f_ prefix", facts[0].ID)
	}
	if facts[0].Quote != "I lead platform" {
		t.Errorf("quote = %q", facts[0].Quote)
	}
	// Empty quote falls back to the fact text itself.
	if facts[1].Quote != "Deploys happen on Fridays" {
		t.Errorf("fallback quote = %q", facts[1].Quote)
	}

	if !strings.Contains(gotPrompt, "I lead platform") {
		t.Errorf("prompt is missing the source content")
	}
	if !strings.Contains(gotPrompt, `title="standup"`) {
		t.Errorf("prompt is missing the source title")
	}
}

func TestExtractSourceSkipsAndClamps(t *testing.T) {
	llm := completerFunc(func(ctx context.Context, prompt string, out any) error {
		return reply(`{"facts": [
			{"text": "   ", "quote": "x", "confidence": 0.9},
			{"text": "Valid fact", "quote": "Valid fact", "confidence": 7.5},
			{"text": "Valid fact", "quote": "Valid fact", "confidence": 7.5}
		]}`, out)
	})

	facts, err := NewExtractor(llm).ExtractSource(context.Background(), testSource(), "content")
	if err != nil {
		t.Fatalf("ExtractSource() error: %v", err)
	}
	if len(facts) != 1 {
		t.Fatalf("got %d facts, want 1 (blank dropped, duplicate collapsed)", len(facts))
	}
	if facts[0].Confidence != 0.7 {
		t.Errorf("confidence = %v, want clamped default 0.7", facts[0].Confidence)
	}
}

func TestExtractSourceCollaboratorFailure(t *testing.T) {
	llm := completerFunc(func(ctx context.Context, prompt string, out any) error {
		return errors.New("upstream 500")
	})

	_, err := NewExtractor(llm).ExtractSource(context.Background(), testSource(), "content")
	if !errors.Is(err, ErrExtractionFailed) {
		t.Fatalf("error = %v, want ErrExtractionFailed", err)
	}
	if !strings.Contains(err.Error(), "src_chat_") {
		t.Errorf("error %q should name the source", err)
	}
}

func TestExtractSourceTruncatesLongContent(t *testing.T) {
	var gotPrompt string
	llm := completerFunc(func(ctx context.Context, prompt string, out any) error {
		gotPrompt = prompt
		return reply(`{"facts": []}`, out)
	})

	content := strings.Repeat("a", maxSourceChars+500)
	if _, err := NewExtractor(llm).ExtractSource(context.Background(), testSource(), content); err != nil {
		t.Fatalf("ExtractSource() error: %v", err)
	}
	if !strings.Contains(gotPrompt, "[truncated]") {
		t.Errorf("prompt should mark truncated content")
	}
	if len(gotPrompt) > maxSourceChars+1000 {
		t.Errorf("prompt length %d, content was not capped", len(gotPrompt))
	}
}

func TestExtractSourceStableIDs(t *testing.T) {
	llm := completerFunc(func(ctx context.Context, prompt string, out any) error {
		return reply(`{"facts": [{"text": "Ana leads platform", "quote": "leads platform", "confidence": 0.8}]}`, out)
	})

	ex := NewExtractor(llm)
	first, err := ex.ExtractSource(context.Background(), testSource(), "c")
	if err != nil {
		t.Fatal(err)
	}
	second, err := ex.ExtractSource(context.Background(), testSource(), "c")
	if err != nil {
		t.Fatal(err)
	}
	if first[0].ID != second[0].ID {
		t.Errorf("same output produced different ids: %s vs %s", first[0].ID, second[0].ID)
	}
}
