package openai

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	goopenai "github.com/sashabaranov/go-openai"

	"github.com/user/gopherchat/pkg/llm"
	"github.com/user/gopherchat/pkg/llm/sse"
)

// DefaultBaseURL is the public OpenAI API root.
const DefaultBaseURL = "https://api.openai.com/v1"

// DefaultAzureAPIVersion is used when an Azure config leaves APIVersion empty.
const DefaultAzureAPIVersion = "2024-02-01"

// doneSentinel terminates an OpenAI-style event stream.
const doneSentinel = "[DONE]"

type flavor int

const (
	flavorOpenAI flavor = iota
	flavorAzure
	flavorCompatible
)

// Adapter implements llm.Adapter for OpenAI-compatible chat completion APIs.
type Adapter struct {
	config *llm.Config
	flavor flavor
	name   string
}

var _ llm.Adapter = (*Adapter)(nil)

// New creates an adapter for api.openai.com (or a proxy at config.BaseURL)
// using bearer authentication.
func New(config *llm.Config) *Adapter {
	return &Adapter{config: config, flavor: flavorOpenAI, name: string(llm.ProviderOpenAI)}
}

// NewAzure creates an adapter for an Azure OpenAI resource. config.BaseURL is
// the resource endpoint; the deployment comes from the model descriptor.
func NewAzure(config *llm.Config) *Adapter {
	return &Adapter{config: config, flavor: flavorAzure, name: string(llm.ProviderAzure)}
}

// NewCompatible creates an adapter for a self-hosted OpenAI-compatible server.
// The API key is optional and the base URL is mandatory.
func NewCompatible(name string, config *llm.Config) *Adapter {
	return &Adapter{config: config, flavor: flavorCompatible, name: name}
}

// Name returns the provider family name.
func (a *Adapter) Name() string { return a.name }

// BuildRequest renders a chat completions request.
func (a *Adapter) BuildRequest(messages []llm.Message, tools []llm.ToolDefinition, settings llm.Settings) (*llm.Request, error) {
	endpoint, err := a.endpoint(settings.Model)
	if err != nil {
		return nil, err
	}

	reqBody := goopenai.ChatCompletionRequest{
		Model:            settings.Model.ID,
		Messages:         toWireMessages(messages),
		Temperature:      settings.Temperature,
		TopP:             settings.TopP,
		FrequencyPenalty: settings.FrequencyPenalty,
		PresencePenalty:  settings.PresencePenalty,
		Stream:           settings.StreamingEnabled,
	}
	if settings.MaxTokens > 0 {
		reqBody.MaxTokens = int(settings.MaxTokens)
	}
	if settings.Model.FunctionCalling && len(tools) > 0 {
		reqBody.Tools = toWireTools(tools)
	}

	body, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("marshaling request: %w", err)
	}
	if body, err = withSampling(body, settings); err != nil {
		return nil, fmt.Errorf("marshaling request: %w", err)
	}

	header := make(http.Header)
	header.Set("Content-Type", "application/json")
	if settings.StreamingEnabled {
		header.Set("Accept", "text/event-stream")
	}
	switch a.flavor {
	case flavorAzure:
		header.Set("api-key", a.config.APIKey)
	default:
		if a.config.APIKey != "" {
			header.Set("Authorization", "Bearer "+a.config.APIKey)
		}
	}

	return &llm.Request{
		Method: http.MethodPost,
		URL:    endpoint,
		Header: header,
		Body:   body,
	}, nil
}

func (a *Adapter) endpoint(model llm.ModelDescriptor) (string, error) {
	base := strings.TrimRight(a.config.BaseURL, "/")
	switch a.flavor {
	case flavorOpenAI:
		if a.config.APIKey == "" {
			return "", llm.Errorf(llm.KindInvalidConfiguration, "build request", "OpenAI API key is required")
		}
		if base == "" {
			base = DefaultBaseURL
		}
		return base + "/chat/completions", nil

	case flavorAzure:
		if base == "" || a.config.APIKey == "" {
			return "", llm.Errorf(llm.KindInvalidConfiguration, "build request", "Azure endpoint and API key are required")
		}
		deployment := model.Deployment
		if deployment == "" {
			deployment = model.ID
		}
		version := a.config.APIVersion
		if version == "" {
			version = DefaultAzureAPIVersion
		}
		return fmt.Sprintf("%s/openai/deployments/%s/chat/completions?api-version=%s",
			base, url.PathEscape(deployment), url.QueryEscape(version)), nil

	default:
		if base == "" {
			return "", llm.Errorf(llm.KindInvalidConfiguration, "build request", "%s base URL is required", a.name)
		}
		return base + "/chat/completions", nil
	}
}

// withSampling writes the sampling parameters into body explicitly.
// go-openai tags them omitempty, so a zero temperature would otherwise be
// dropped and the server default used instead.
func withSampling(body []byte, settings llm.Settings) ([]byte, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(body, &fields); err != nil {
		return nil, err
	}
	for key, v := range map[string]float32{
		"temperature":       settings.Temperature,
		"top_p":             settings.TopP,
		"frequency_penalty": settings.FrequencyPenalty,
		"presence_penalty":  settings.PresencePenalty,
	} {
		raw, err := json.Marshal(v)
		if err != nil {
			return nil, err
		}
		fields[key] = raw
	}
	return json.Marshal(fields)
}

func toWireMessages(messages []llm.Message) []goopenai.ChatCompletionMessage {
	out := make([]goopenai.ChatCompletionMessage, len(messages))
	for i, msg := range messages {
		wm := goopenai.ChatCompletionMessage{
			Role:    string(msg.Role),
			Content: msg.Content,
			Name:    msg.Name,
		}
		switch msg.Role {
		case llm.RoleTool:
			wm.ToolCallID = msg.ToolCallID
		case llm.RoleAssistant:
			for _, tc := range msg.ToolCalls {
				wm.ToolCalls = append(wm.ToolCalls, goopenai.ToolCall{
					ID:   tc.ID,
					Type: goopenai.ToolTypeFunction,
					Function: goopenai.FunctionCall{
						Name:      tc.Name,
						Arguments: tc.Arguments,
					},
				})
			}
		}
		out[i] = wm
	}
	return out
}

func toWireTools(tools []llm.ToolDefinition) []goopenai.Tool {
	out := make([]goopenai.Tool, len(tools))
	for i, t := range tools {
		out[i] = goopenai.Tool{
			Type: goopenai.ToolTypeFunction,
			Function: &goopenai.FunctionDefinition{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  t.Parameters,
			},
		}
	}
	return out
}

// ParseFullResponse decodes a chat completion document. Only the first
// choice is used.
func (a *Adapter) ParseFullResponse(body []byte) (*llm.Response, error) {
	var resp goopenai.ChatCompletionResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, llm.Wrap(llm.KindTransport, "parse response", err)
	}
	if len(resp.Choices) == 0 {
		return nil, llm.Errorf(llm.KindTransport, "parse response", "no choices in response")
	}

	choice := resp.Choices[0]
	out := &llm.Response{
		ID:           resp.ID,
		Model:        resp.Model,
		Content:      choice.Message.Content,
		FinishReason: string(choice.FinishReason),
		Usage: llm.Usage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			TotalTokens:      resp.Usage.TotalTokens,
		},
	}
	for _, tc := range choice.Message.ToolCalls {
		out.ToolCalls = append(out.ToolCalls, llm.ToolCall{
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Arguments: tc.Function.Arguments,
		})
	}
	if fc := choice.Message.FunctionCall; fc != nil && fc.Name != "" {
		out.ToolCalls = append(out.ToolCalls, llm.ToolCall{Name: fc.Name, Arguments: fc.Arguments})
	}
	return out, nil
}

// streamError is the payload some servers send mid-stream instead of a chunk.
type streamError struct {
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

// ParseStreamFrame decodes one chat.completion.chunk frame.
func (a *Adapter) ParseStreamFrame(frame sse.Frame) (*llm.Chunk, error) {
	data := strings.TrimSpace(frame.Data)
	if data == "" {
		return nil, nil
	}
	if data == doneSentinel {
		return &llm.Chunk{Done: true}, nil
	}

	var resp goopenai.ChatCompletionStreamResponse
	if err := json.Unmarshal([]byte(data), &resp); err != nil {
		return nil, llm.Wrap(llm.KindMalformedFrame, "parse stream frame", err)
	}

	if len(resp.Choices) == 0 {
		var se streamError
		if json.Unmarshal([]byte(data), &se) == nil && se.Error != nil {
			return nil, llm.Errorf(llm.KindTransport, "stream", "%s: %s", se.Error.Type, se.Error.Message)
		}
		if resp.Usage == nil {
			return nil, nil
		}
	}

	chunk := &llm.Chunk{}
	if resp.Usage != nil {
		chunk.Usage = &llm.Usage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			TotalTokens:      resp.Usage.TotalTokens,
		}
	}
	if len(resp.Choices) > 0 {
		choice := resp.Choices[0]
		chunk.Text = choice.Delta.Content
		chunk.FinishReason = string(choice.FinishReason)
		for i, tc := range choice.Delta.ToolCalls {
			idx := i
			if tc.Index != nil {
				idx = *tc.Index
			}
			chunk.ToolCalls = append(chunk.ToolCalls, llm.ToolCallFragment{
				Index:     idx,
				ID:        tc.ID,
				Name:      tc.Function.Name,
				Arguments: tc.Function.Arguments,
			})
		}
		if fc := choice.Delta.FunctionCall; fc != nil {
			chunk.ToolCalls = append(chunk.ToolCalls, llm.ToolCallFragment{
				Name:      fc.Name,
				Arguments: fc.Arguments,
			})
		}
	}
	return chunk, nil
}
