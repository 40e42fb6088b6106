// Package budget estimates prompt sizes and computes output token limits.
package budget

import (
	"fmt"
	"strings"
	"sync"

	"github.com/pkoukk/tiktoken-go"

	"github.com/user/gopherchat/pkg/llm"
)

const (
	// perMessageOverhead approximates the role and separator tokens each chat message costs.
	perMessageOverhead = 4
	// replyPriming is the fixed cost of the assistant reply header.
	replyPriming = 3
	// SafetyMargin is held back from the context window when sizing output automatically.
	SafetyMargin = 64
	// minAutoTokens is the smallest output budget worth sending a request for.
	minAutoTokens = 16
)

// Counter counts tokens in text for a given model ID.
type Counter interface {
	Count(model, text string) int
}

// Tokenizer counts with tiktoken encodings, cached per model. Models tiktoken
// does not know use cl100k_base. If no encoding can be loaded it falls back
// to the character heuristic.
type Tokenizer struct {
	mu   sync.Mutex
	encs map[string]*tiktoken.Tiktoken
}

// NewTokenizer creates an empty tokenizer cache.
func NewTokenizer() *Tokenizer {
	return &Tokenizer{encs: make(map[string]*tiktoken.Tiktoken)}
}

// Count returns the token count of text under model's encoding.
func (t *Tokenizer) Count(model, text string) int {
	enc, err := t.encoding(model)
	if err != nil {
		return Heuristic{}.Count(model, text)
	}
	return len(enc.Encode(text, nil, nil))
}

func (t *Tokenizer) encoding(model string) (*tiktoken.Tiktoken, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if enc, ok := t.encs[model]; ok {
		return enc, nil
	}
	enc, err := tiktoken.EncodingForModel(model)
	if err != nil {
		enc, err = tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			return nil, fmt.Errorf("get tokenizer: %w", err)
		}
	}
	t.encs[model] = enc
	return enc, nil
}

// Heuristic estimates roughly four characters per token.
type Heuristic struct{}

// Count returns ceil(len(text)/4).
func (Heuristic) Count(_, text string) int {
	return (len(text) + 3) / 4
}

// PromptTokens estimates the tokens the messages will occupy in the request.
func PromptTokens(c Counter, model string, messages []llm.Message) int {
	total := replyPriming
	for _, m := range messages {
		total += perMessageOverhead
		total += c.Count(model, m.Content)
		if m.Name != "" {
			total += c.Count(model, m.Name)
		}
		for _, tc := range m.ToolCalls {
			total += c.Count(model, tc.Name)
			total += c.Count(model, tc.Arguments)
		}
	}
	return total
}

// ToolTokens estimates the cost of advertising tool definitions.
func ToolTokens(c Counter, model string, tools []llm.ToolDefinition) int {
	var b strings.Builder
	for _, t := range tools {
		b.WriteString(t.Name)
		b.WriteString(t.Description)
		b.Write(t.Parameters)
	}
	if b.Len() == 0 {
		return 0
	}
	return c.Count(model, b.String())
}

// AutoMaxTokens returns the largest safe output budget for a prompt of
// promptTokens: the context length minus the prompt and SafetyMargin, capped
// at the model's output ceiling. It fails when the prompt leaves no room.
func AutoMaxTokens(model llm.ModelDescriptor, promptTokens int) (int32, error) {
	if model.ContextLength <= 0 {
		return 0, llm.Errorf(llm.KindInvalidConfiguration, "auto max tokens",
			"model %s has no context length", model.ID)
	}
	avail := model.ContextLength - promptTokens - SafetyMargin
	if avail < minAutoTokens {
		return 0, llm.Errorf(llm.KindInvalidConfiguration, "auto max tokens",
			"prompt of ~%d tokens leaves no room in %s context of %d", promptTokens, model.ID, model.ContextLength)
	}
	if model.MaxOutputTokens > 0 && avail > model.MaxOutputTokens {
		avail = model.MaxOutputTokens
	}
	return int32(avail), nil
}
