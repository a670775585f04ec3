package pipeline

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/Napageneral/dossier/internal/store"
)

// maxSourceChars bounds how much of one source goes into the
// extraction prompt.
const maxSourceChars = 24000

// FactDraft is the collaborator's output shape for one fact.
type FactDraft struct {
	Text       string  `json:"text"`       // Normalized atomic claim
	Quote      string  `json:"quote"`      // Verbatim supporting span from the source
	Confidence float64 `json:"confidence"` // 0..1
}

type extractionResult struct {
	Facts []FactDraft `json:"facts"`
}

// Extractor turns one source into zero or more facts. It never talks
// to the store; the orchestrator owns candidate selection and the
// processed-source ledger.
type Extractor struct {
	llm Completer
}

// NewExtractor creates an Extractor over the given collaborator.
func NewExtractor(llm Completer) *Extractor {
	return &Extractor{llm: llm}
}

// ExtractSource extracts facts from one source's content. Collaborator
// failures and unusable output come back wrapped in
// ErrExtractionFailed; the caller retries the whole source next run.
func (e *Extractor) ExtractSource(ctx context.Context, src store.Source, content string) ([]store.Fact, error) {
	prompt := e.buildPrompt(src, content)

	var result extractionResult
	if err := e.llm.GenerateJSON(ctx, prompt, &result); err != nil {
		return nil, fmt.Errorf("source %s: %w: %v", src.ID, ErrExtractionFailed, err)
	}

	now := time.Now().UTC()
	facts := make([]store.Fact, 0, len(result.Facts))
	seen := map[string]bool{}
	for _, draft := range result.Facts {
		text := strings.TrimSpace(draft.Text)
		if text == "" {
			continue
		}
		quote := strings.TrimSpace(draft.Quote)
		if quote == "" {
			quote = text
		}
		confidence := draft.Confidence
		if confidence <= 0 || confidence > 1 {
			confidence = 0.7
		}

		id := store.FactID(src.ID, text, quote)
		if seen[id] {
			continue
		}
		seen[id] = true

		facts = append(facts, store.Fact{
			ID:          id,
			SourceID:    src.ID,
			Text:        text,
			Quote:       quote,
			Confidence:  confidence,
			ExtractedAt: now,
		})
	}
	return facts, nil
}

// buildPrompt constructs the fact extraction prompt.
func (e *Extractor) buildPrompt(src store.Source, content string) string {
	if len(content) > maxSourceChars {
		content = content[:maxSourceChars] + "\n[truncated]"
	}

	var sb strings.Builder

	sb.WriteString("You extract atomic facts about a person and their organization from one raw source.\n")
	sb.WriteString("A fact is a single, self-contained claim that stays true outside this conversation.\n\n")

	sb.WriteString(fmt.Sprintf("<SOURCE type=%q title=%q date=%q>\n",
		src.Type, src.Title, src.CreatedAt.Format("2006-01-02")))
	sb.WriteString(content)
	sb.WriteString("\n</SOURCE>\n\n")

	sb.WriteString(`## Instructions

1. Extract every durable fact about the people, the organization, preferences, decisions, and commitments in the source.
2. Skip pleasantries, speculation, and anything true only inside this exchange.
3. For each fact, copy the shortest verbatim span from the source that supports it into "quote".
4. Rate "confidence" from 0 to 1 for how directly the source states the fact.
5. Return no facts at all when the source contains nothing durable.

Respond with JSON only:
{"facts": [{"text": "...", "quote": "...", "confidence": 0.9}]}
`)

	return sb.String()
}
