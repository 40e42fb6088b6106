package llm

import (
	"encoding/json"
	"time"
)

// Role identifies the author of a message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Message represents a chat message in a conversation.
// Messages are immutable once sent; new turns append.
type Message struct {
	Role       Role       `json:"role"`
	Content    string     `json:"content"`
	CreatedAt  time.Time  `json:"created_at"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
	Name       string     `json:"name,omitempty"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
}

// ToolCall represents a tool invocation requested by the model.
type ToolCall struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// RawArguments returns the call arguments as JSON, substituting an empty
// object when the model sent none.
func (tc ToolCall) RawArguments() json.RawMessage {
	if tc.Arguments == "" {
		return json.RawMessage("{}")
	}
	return json.RawMessage(tc.Arguments)
}

// Snapshot is the read-only view of a conversation passed into a turn.
type Snapshot struct {
	Messages []Message
	Settings Settings
}

// ProviderKind tags a model descriptor with its backend family.
type ProviderKind string

const (
	ProviderNone      ProviderKind = "none"
	ProviderOpenAI    ProviderKind = "openai"
	ProviderAzure     ProviderKind = "azure"
	ProviderAnthropic ProviderKind = "anthropic"
	ProviderLocal     ProviderKind = "local"
)

// Pricing holds per-1000-token rates in USD.
type Pricing struct {
	SentPer1K     float64 `json:"sent"`
	ReceivedPer1K float64 `json:"received"`
}

// ModelDescriptor describes a model a turn can be sent to.
type ModelDescriptor struct {
	Provider        ProviderKind `json:"provider"`
	DisplayName     string       `json:"display_name"`
	ID              string       `json:"id"`
	Deployment      string       `json:"deployment,omitempty"`
	ContextLength   int          `json:"context_length"`
	MaxOutputTokens int          `json:"max_output_tokens,omitempty"`
	Pricing         Pricing      `json:"pricing"`
	FunctionCalling bool         `json:"function_calling"`
}

// NoModel is the sentinel for "no usable model configured".
var NoModel = ModelDescriptor{Provider: ProviderNone, DisplayName: "None"}

// IsNone reports whether d is the no-model sentinel (or the zero value).
func (d ModelDescriptor) IsNone() bool {
	return d.Provider == ProviderNone || d.Provider == ""
}

// Settings are the completion parameters active for a conversation.
type Settings struct {
	Model                  ModelDescriptor
	Temperature            float32
	TopP                   float32
	FrequencyPenalty       float32
	PresencePenalty        float32
	MaxTokens              int32
	ManageMaxAutomatically bool
	SystemPrompt           string
	StreamingEnabled       bool
	EnabledTools           map[string]bool
}

// ToolsEnabled reports whether the settings allow sending any tool definitions.
func (s Settings) ToolsEnabled() bool {
	return s.Model.FunctionCalling && len(s.EnabledTools) > 0
}

// ToolDefinition describes a tool offered to the model.
type ToolDefinition struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"`
}

// Response represents a complete, non-streamed response from a provider.
type Response struct {
	ID           string
	Model        string
	Content      string
	ToolCalls    []ToolCall
	FinishReason string
	Usage        Usage
}

// Usage tracks token consumption for a request/response pair.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Add accumulates u2 into u.
func (u *Usage) Add(u2 Usage) {
	u.PromptTokens += u2.PromptTokens
	u.CompletionTokens += u2.CompletionTokens
	u.TotalTokens += u2.TotalTokens
}

// ToolCallFragment is a partial tool call carried by one stream frame.
// Fragments with the same Index belong to the same call.
type ToolCallFragment struct {
	Index     int
	ID        string
	Name      string
	Arguments string
}

// Chunk is the provider-agnostic content of a single stream frame.
type Chunk struct {
	Text         string
	ToolCalls    []ToolCallFragment
	FinishReason string
	Usage        *Usage
	// Done is set when the frame is the provider's end-of-stream sentinel.
	Done bool
}

// EventType discriminates CompletionEvent variants.
type EventType string

const (
	EventDelta      EventType = "delta"
	EventToolCall   EventType = "tool_call_requested"
	EventToolResult EventType = "tool_result"
	EventCompleted  EventType = "completed"
	EventFailed     EventType = "failed"
)

// Event is the unit a turn emits to its caller.
type Event struct {
	Type EventType

	// delta
	Text  string
	Index uint

	// tool_call_requested and tool_result
	ToolCall *ToolCall

	// The assistant message of the round on tool_call_requested and
	// completed; the tool-role message on tool_result.
	Message *Message

	// completed
	FinishReason string
	Usage        Usage

	// failed
	Err error
}

// IsTerminal reports whether e ends a turn.
func (e Event) IsTerminal() bool {
	return e.Type == EventCompleted || e.Type == EventFailed
}
