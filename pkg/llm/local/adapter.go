// Package local adapts turns to self-hosted OpenAI-compatible servers such as
// Ollama, LM Studio, llama.cpp or vLLM.
package local

import (
	"strings"

	"github.com/user/gopherchat/pkg/llm"
	"github.com/user/gopherchat/pkg/llm/openai"
	"github.com/user/gopherchat/pkg/llm/sse"
)

// DefaultBaseURL is where Ollama serves its OpenAI-compatible API.
const DefaultBaseURL = "http://localhost:11434/v1"

// Adapter implements llm.Adapter for a user-specified endpoint.
type Adapter struct {
	inner *openai.Adapter
}

var _ llm.Adapter = (*Adapter)(nil)

// New creates a local adapter. An empty BaseURL is rejected at request time
// rather than silently pointed somewhere.
func New(config *llm.Config) *Adapter {
	cfg := *config
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &Adapter{inner: openai.NewCompatible(string(llm.ProviderLocal), &cfg)}
}

func (a *Adapter) Name() string { return string(llm.ProviderLocal) }

// BuildRequest mirrors the OpenAI shape against the configured base URL.
func (a *Adapter) BuildRequest(messages []llm.Message, tools []llm.ToolDefinition, settings llm.Settings) (*llm.Request, error) {
	return a.inner.BuildRequest(messages, tools, settings)
}

func (a *Adapter) ParseFullResponse(body []byte) (*llm.Response, error) {
	return a.inner.ParseFullResponse(body)
}

func (a *Adapter) ParseStreamFrame(frame sse.Frame) (*llm.Chunk, error) {
	return a.inner.ParseStreamFrame(frame)
}
