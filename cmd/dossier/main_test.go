package main

import (
	"testing"

	"github.com/Napageneral/dossier/internal/gemini"
)

func TestUsageLine(t *testing.T) {
	line := usageLine(gemini.UsageStats{
		GenerateCalls:    3,
		EmbedCalls:       1,
		PromptTokens:     1200,
		OutputTokens:     450,
		EstimatedCostUSD: 0.00021,
	})
	want := "3 generate + 1 embed calls, 1200 in / 450 out tokens, ~$0.0002"
	if line != want {
		t.Errorf("usageLine = %q, want %q", line, want)
	}
}
