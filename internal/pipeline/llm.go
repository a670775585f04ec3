package pipeline

import "context"

// Completer is the narrow slice of the LLM collaborator the layers
// prompt for structured output. gemini.Client implements it.
type Completer interface {
	GenerateJSON(ctx context.Context, prompt string, out any) error
}

// Embedder turns texts into vectors for theme clustering. Optional: a
// nil embedder switches the aggregator to lexical similarity.
// gemini.Client implements it.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float64, error)
}
