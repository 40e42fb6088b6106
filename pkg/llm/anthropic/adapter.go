// Package anthropic adapts turns to the Anthropic Messages API.
package anthropic

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/user/gopherchat/pkg/llm"
	"github.com/user/gopherchat/pkg/llm/sse"
)

const (
	// DefaultBaseURL is the public Anthropic API root.
	DefaultBaseURL = "https://api.anthropic.com"
	// DefaultAPIVersion is sent in the anthropic-version header.
	DefaultAPIVersion = "2023-06-01"
	// defaultMaxTokens is used when settings leave MaxTokens unset; the API requires one.
	defaultMaxTokens = 4096
)

// Adapter implements llm.Adapter for the Messages API.
type Adapter struct {
	config *llm.Config
}

var _ llm.Adapter = (*Adapter)(nil)

// New creates an Anthropic adapter.
func New(config *llm.Config) *Adapter {
	return &Adapter{config: config}
}

// Name returns the provider family name.
func (a *Adapter) Name() string { return string(llm.ProviderAnthropic) }

type messagesRequest struct {
	Model       string    `json:"model"`
	MaxTokens   int       `json:"max_tokens"`
	System      string    `json:"system,omitempty"`
	Messages    []message `json:"messages"`
	Temperature *float32  `json:"temperature,omitempty"`
	TopP        *float32  `json:"top_p,omitempty"`
	Stream      bool      `json:"stream,omitempty"`
	Tools       []tool    `json:"tools,omitempty"`
}

type message struct {
	Role    string  `json:"role"`
	Content []block `json:"content"`
}

type block struct {
	Type string `json:"type"`

	// text
	Text string `json:"text,omitempty"`

	// tool_use
	ID    string          `json:"id,omitempty"`
	Name  string          `json:"name,omitempty"`
	Input json.RawMessage `json:"input,omitempty"`

	// tool_result
	ToolUseID string `json:"tool_use_id,omitempty"`
	Content   string `json:"content,omitempty"`
}

type tool struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"input_schema"`
}

type messagesResponse struct {
	ID         string  `json:"id"`
	Model      string  `json:"model"`
	Content    []block `json:"content"`
	StopReason string  `json:"stop_reason"`
	Usage      usage   `json:"usage"`
}

type usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

type apiError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// BuildRequest renders a Messages API request. Token limits are enforced
// locally so an oversized request never reaches the server.
func (a *Adapter) BuildRequest(messages []llm.Message, tools []llm.ToolDefinition, settings llm.Settings) (*llm.Request, error) {
	if a.config.APIKey == "" {
		return nil, llm.Errorf(llm.KindInvalidConfiguration, "build request", "Anthropic API key is required")
	}

	maxTokens, err := resolveMaxTokens(settings)
	if err != nil {
		return nil, err
	}

	system, wire := toWireMessages(messages)
	if len(wire) == 0 {
		return nil, llm.Errorf(llm.KindInvalidConfiguration, "build request", "at least one non-system message is required")
	}

	reqBody := messagesRequest{
		Model:     settings.Model.ID,
		MaxTokens: maxTokens,
		System:    system,
		Messages:  wire,
		Stream:    settings.StreamingEnabled,
	}
	temp := settings.Temperature
	reqBody.Temperature = &temp
	// top_p of 1 (or unset) is the API default; only narrowing values are sent.
	if settings.TopP > 0 && settings.TopP < 1 {
		topP := settings.TopP
		reqBody.TopP = &topP
	}
	if settings.Model.FunctionCalling {
		for _, t := range tools {
			reqBody.Tools = append(reqBody.Tools, tool{Name: t.Name, Description: t.Description, InputSchema: t.Parameters})
		}
	}

	body, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("marshaling request: %w", err)
	}

	base := strings.TrimRight(a.config.BaseURL, "/")
	if base == "" {
		base = DefaultBaseURL
	}
	version := a.config.APIVersion
	if version == "" {
		version = DefaultAPIVersion
	}

	header := make(http.Header)
	header.Set("Content-Type", "application/json")
	header.Set("x-api-key", a.config.APIKey)
	header.Set("anthropic-version", version)
	if settings.StreamingEnabled {
		header.Set("Accept", "text/event-stream")
	}

	return &llm.Request{
		Method: http.MethodPost,
		URL:    base + "/v1/messages",
		Header: header,
		Body:   body,
	}, nil
}

func resolveMaxTokens(settings llm.Settings) (int, error) {
	model := settings.Model
	maxTokens := int(settings.MaxTokens)
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
		if model.MaxOutputTokens > 0 && model.MaxOutputTokens < maxTokens {
			maxTokens = model.MaxOutputTokens
		}
		return maxTokens, nil
	}
	if model.MaxOutputTokens > 0 && maxTokens > model.MaxOutputTokens {
		return 0, llm.Errorf(llm.KindInvalidConfiguration, "build request",
			"max tokens %d exceeds %s output limit %d", maxTokens, model.ID, model.MaxOutputTokens)
	}
	if model.ContextLength > 0 && maxTokens > model.ContextLength {
		return 0, llm.Errorf(llm.KindInvalidConfiguration, "build request",
			"max tokens %d exceeds %s context length %d", maxTokens, model.ID, model.ContextLength)
	}
	return maxTokens, nil
}

// toWireMessages lifts system messages into the top-level system prompt and
// merges consecutive same-role messages, since the API requires alternation.
func toWireMessages(messages []llm.Message) (string, []message) {
	var system []string
	var out []message

	appendBlocks := func(role string, blocks ...block) {
		if len(blocks) == 0 {
			return
		}
		if n := len(out); n > 0 && out[n-1].Role == role {
			out[n-1].Content = append(out[n-1].Content, blocks...)
			return
		}
		out = append(out, message{Role: role, Content: blocks})
	}

	for _, msg := range messages {
		switch msg.Role {
		case llm.RoleSystem:
			if msg.Content != "" {
				system = append(system, msg.Content)
			}
		case llm.RoleUser:
			appendBlocks("user", block{Type: "text", Text: msg.Content})
		case llm.RoleAssistant:
			var blocks []block
			if msg.Content != "" {
				blocks = append(blocks, block{Type: "text", Text: msg.Content})
			}
			for _, tc := range msg.ToolCalls {
				input := tc.RawArguments()
				if !json.Valid(input) {
					input = json.RawMessage("{}")
				}
				blocks = append(blocks, block{Type: "tool_use", ID: tc.ID, Name: tc.Name, Input: input})
			}
			appendBlocks("assistant", blocks...)
		case llm.RoleTool:
			appendBlocks("user", block{Type: "tool_result", ToolUseID: msg.ToolCallID, Content: msg.Content})
		}
	}
	return strings.Join(system, "\n\n"), out
}

// ParseFullResponse decodes a Messages API response.
func (a *Adapter) ParseFullResponse(body []byte) (*llm.Response, error) {
	var resp messagesResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, llm.Wrap(llm.KindTransport, "parse response", err)
	}

	out := &llm.Response{
		ID:           resp.ID,
		Model:        resp.Model,
		FinishReason: resp.StopReason,
		Usage: llm.Usage{
			PromptTokens:     resp.Usage.InputTokens,
			CompletionTokens: resp.Usage.OutputTokens,
			TotalTokens:      resp.Usage.InputTokens + resp.Usage.OutputTokens,
		},
	}
	var text strings.Builder
	for _, b := range resp.Content {
		switch b.Type {
		case "text":
			text.WriteString(b.Text)
		case "tool_use":
			out.ToolCalls = append(out.ToolCalls, llm.ToolCall{ID: b.ID, Name: b.Name, Arguments: string(b.Input)})
		}
	}
	out.Content = text.String()
	return out, nil
}

type streamEvent struct {
	Type         string          `json:"type"`
	Index        int             `json:"index"`
	Message      *messageStart   `json:"message,omitempty"`
	ContentBlock *block          `json:"content_block,omitempty"`
	Delta        json.RawMessage `json:"delta,omitempty"`
	Usage        *usage          `json:"usage,omitempty"`
	Error        *apiError       `json:"error,omitempty"`
}

type messageStart struct {
	Usage usage `json:"usage"`
}

type streamDelta struct {
	Type        string `json:"type"`
	Text        string `json:"text"`
	PartialJSON string `json:"partial_json"`
	StopReason  string `json:"stop_reason"`
}

// ParseStreamFrame decodes one Messages API stream event. message_stop is
// the end-of-stream sentinel.
func (a *Adapter) ParseStreamFrame(frame sse.Frame) (*llm.Chunk, error) {
	data := strings.TrimSpace(frame.Data)
	if data == "" {
		return nil, nil
	}

	var ev streamEvent
	if err := json.Unmarshal([]byte(data), &ev); err != nil {
		return nil, llm.Wrap(llm.KindMalformedFrame, "parse stream frame", err)
	}
	if ev.Type == "" {
		ev.Type = frame.Event
	}

	var delta streamDelta
	if len(ev.Delta) > 0 {
		if err := json.Unmarshal(ev.Delta, &delta); err != nil {
			return nil, llm.Wrap(llm.KindMalformedFrame, "parse stream delta", err)
		}
	}

	switch ev.Type {
	case "message_start":
		if ev.Message == nil {
			return nil, nil
		}
		return &llm.Chunk{Usage: &llm.Usage{PromptTokens: ev.Message.Usage.InputTokens}}, nil

	case "content_block_start":
		if ev.ContentBlock == nil {
			return nil, nil
		}
		switch ev.ContentBlock.Type {
		case "tool_use":
			return &llm.Chunk{ToolCalls: []llm.ToolCallFragment{{
				Index: ev.Index,
				ID:    ev.ContentBlock.ID,
				Name:  ev.ContentBlock.Name,
			}}}, nil
		case "text":
			if ev.ContentBlock.Text == "" {
				return nil, nil
			}
			return &llm.Chunk{Text: ev.ContentBlock.Text}, nil
		}
		return nil, nil

	case "content_block_delta":
		switch delta.Type {
		case "text_delta":
			return &llm.Chunk{Text: delta.Text}, nil
		case "input_json_delta":
			return &llm.Chunk{ToolCalls: []llm.ToolCallFragment{{Index: ev.Index, Arguments: delta.PartialJSON}}}, nil
		}
		return nil, nil

	case "message_delta":
		chunk := &llm.Chunk{FinishReason: delta.StopReason}
		if ev.Usage != nil {
			chunk.Usage = &llm.Usage{CompletionTokens: ev.Usage.OutputTokens}
		}
		return chunk, nil

	case "message_stop":
		return &llm.Chunk{Done: true}, nil

	case "error":
		msg := "stream error"
		if ev.Error != nil {
			msg = ev.Error.Type + ": " + ev.Error.Message
		}
		return nil, llm.Errorf(llm.KindTransport, "stream", "%s", msg)
	}

	// ping, content_block_stop and unknown event types
	return nil, nil
}
