package budget

import (
	"errors"
	"testing"

	"github.com/pkoukk/tiktoken-go"

	"github.com/user/gopherchat/pkg/llm"
)

func TestHeuristicCount(t *testing.T) {
	h := Heuristic{}
	if got := h.Count("any", ""); got != 0 {
		t.Errorf("expected 0 for empty text, got %d", got)
	}
	if got := h.Count("any", "abcde"); got != 2 {
		t.Errorf("expected 2, got %d", got)
	}
}

func TestTokenizerCountsWithTiktoken(t *testing.T) {
	if _, err := tiktoken.GetEncoding("cl100k_base"); err != nil {
		t.Skipf("tiktoken encoding unavailable: %v", err)
	}
	tok := NewTokenizer()
	n := tok.Count("gpt-4", "hello world")
	if n != 2 {
		t.Errorf("expected 2 tokens for 'hello world', got %d", n)
	}
	// Unknown models share the cl100k_base fallback.
	if got := tok.Count("claude-3-opus-20240229", "hello world"); got != n {
		t.Errorf("expected fallback count %d, got %d", n, got)
	}
}

func TestPromptTokensIncludesOverhead(t *testing.T) {
	msgs := []llm.Message{
		{Role: llm.RoleUser, Content: "abcd"},
		{Role: llm.RoleAssistant, ToolCalls: []llm.ToolCall{{Name: "calc", Arguments: `{"x":1}`}}},
	}
	got := PromptTokens(Heuristic{}, "m", msgs)
	// priming 3 + (4 + 1) + (4 + 1 + 2)
	if got != 15 {
		t.Errorf("expected 15, got %d", got)
	}
}

func TestAutoMaxTokens(t *testing.T) {
	model := llm.ModelDescriptor{ID: "gpt-3.5-turbo", ContextLength: 4096}
	got, err := AutoMaxTokens(model, 1000)
	if err != nil {
		t.Fatal(err)
	}
	if got != 4096-1000-SafetyMargin {
		t.Errorf("expected %d, got %d", 4096-1000-SafetyMargin, got)
	}
}

func TestAutoMaxTokensCapsAtOutputCeiling(t *testing.T) {
	model := llm.ModelDescriptor{ID: "claude", ContextLength: 200000, MaxOutputTokens: 8192}
	got, err := AutoMaxTokens(model, 500)
	if err != nil {
		t.Fatal(err)
	}
	if got != 8192 {
		t.Errorf("expected 8192, got %d", got)
	}
}

func TestAutoMaxTokensPromptTooLarge(t *testing.T) {
	model := llm.ModelDescriptor{ID: "gpt-3.5-turbo", ContextLength: 4096}
	_, err := AutoMaxTokens(model, 4090)
	if !errors.Is(err, llm.ErrInvalidConfiguration) {
		t.Fatalf("expected InvalidConfiguration, got %v", err)
	}
}
