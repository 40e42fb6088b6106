package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	goopenai "github.com/sashabaranov/go-openai"

	"github.com/user/gopherchat/internal/metrics"
	"github.com/user/gopherchat/internal/tools"
	"github.com/user/gopherchat/internal/tools/builtin"
	"github.com/user/gopherchat/internal/transcript"
	"github.com/user/gopherchat/pkg/llm"
	"github.com/user/gopherchat/pkg/llm/anthropic"
	"github.com/user/gopherchat/pkg/llm/openai"
)

var gpt35 = llm.ModelDescriptor{
	Provider:        llm.ProviderOpenAI,
	ID:              "gpt-3.5-turbo",
	ContextLength:   4096,
	FunctionCalling: true,
}

var sonnet = llm.ModelDescriptor{
	Provider:        llm.ProviderAnthropic,
	ID:              "claude-3-5-sonnet-20241022",
	ContextLength:   200000,
	MaxOutputTokens: 8192,
	FunctionCalling: true,
}

func newEngine(baseURL string, runner ToolRunner) *Engine {
	adapters := map[llm.ProviderKind]llm.Adapter{
		llm.ProviderOpenAI:    openai.New(&llm.Config{BaseURL: baseURL, APIKey: "test-key"}),
		llm.ProviderAnthropic: anthropic.New(&llm.Config{BaseURL: baseURL, APIKey: "test-key"}),
	}
	return New(adapters, runner, Options{Logger: slog.New(slog.NewTextHandler(io.Discard, nil))})
}

func userSnapshot(text string, settings llm.Settings) llm.Snapshot {
	return llm.Snapshot{
		Messages: []llm.Message{{Role: llm.RoleUser, Content: text, CreatedAt: time.Now()}},
		Settings: settings,
	}
}

func drain(t *testing.T, e *Engine, snap llm.Snapshot, depth int) []llm.Event {
	t.Helper()
	var events []llm.Event
	for ev := range e.Run(context.Background(), snap, depth) {
		events = append(events, ev)
	}
	if len(events) == 0 {
		t.Fatal("expected at least one event")
	}
	for i, ev := range events[:len(events)-1] {
		if ev.IsTerminal() {
			t.Fatalf("terminal event %s at position %d of %d", ev.Type, i, len(events))
		}
	}
	return events
}

func writeSSE(w http.ResponseWriter, frames ...string) {
	w.Header().Set("Content-Type", "text/event-stream")
	flusher, _ := w.(http.Flusher)
	for _, f := range frames {
		fmt.Fprintf(w, "data: %s\n\n", f)
		if flusher != nil {
			flusher.Flush()
		}
	}
}

func textResponse(content string) string {
	return fmt.Sprintf(`{"id":"chatcmpl-1","object":"chat.completion","created":1,"model":"gpt-3.5-turbo",
		"usage":{"prompt_tokens":10,"completion_tokens":3,"total_tokens":13},
		"choices":[{"index":0,"finish_reason":"stop","message":{"role":"assistant","content":%q}}]}`, content)
}

func toolCallResponse(id, name, args string) string {
	return fmt.Sprintf(`{"id":"chatcmpl-2","object":"chat.completion","created":1,"model":"gpt-3.5-turbo",
		"usage":{"prompt_tokens":10,"completion_tokens":5,"total_tokens":15},
		"choices":[{"index":0,"finish_reason":"tool_calls","message":{"role":"assistant","content":"",
		"tool_calls":[{"id":%q,"type":"function","function":{"name":%q,"arguments":%q}}]}}]}`, id, name, args)
}

func TestRunRejectsMaxTokensOverContextLength(t *testing.T) {
	var hits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
	}))
	defer server.Close()

	e := newEngine(server.URL, nil)
	events := drain(t, e, userSnapshot("hi", llm.Settings{Model: gpt35, MaxTokens: 5000}), 0)

	if len(events) != 1 || events[0].Type != llm.EventFailed {
		t.Fatalf("expected a single failed event, got %+v", events)
	}
	if !errors.Is(events[0].Err, llm.ErrInvalidConfiguration) {
		t.Errorf("expected InvalidConfiguration, got %v", events[0].Err)
	}
	if hits.Load() != 0 {
		t.Errorf("expected no request, got %d", hits.Load())
	}
}

func TestRunNoModel(t *testing.T) {
	e := newEngine("http://127.0.0.1:0", nil)
	events := drain(t, e, userSnapshot("hi", llm.Settings{Model: llm.NoModel}), 0)
	if len(events) != 1 || !errors.Is(events[0].Err, llm.ErrInvalidConfiguration) {
		t.Fatalf("expected InvalidConfiguration, got %+v", events)
	}
}

func TestRunEmptyConversation(t *testing.T) {
	e := newEngine("http://127.0.0.1:0", nil)
	events := drain(t, e, llm.Snapshot{Settings: llm.Settings{Model: gpt35}}, 0)
	if len(events) != 1 || !errors.Is(events[0].Err, llm.ErrInvalidConfiguration) {
		t.Fatalf("expected InvalidConfiguration, got %+v", events)
	}
}

func TestRunIsLazy(t *testing.T) {
	var hits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Write([]byte(textResponse("hi")))
	}))
	defer server.Close()

	e := newEngine(server.URL, nil)
	_ = e.Run(context.Background(), userSnapshot("hi", llm.Settings{Model: gpt35}), 0)
	if hits.Load() != 0 {
		t.Errorf("expected no request before iteration, got %d", hits.Load())
	}
}

func TestRunNonStreamingSingleDelta(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer test-key" {
			t.Errorf("unexpected auth header %q", r.Header.Get("Authorization"))
		}
		w.Write([]byte(`{"id":"chatcmpl-1","object":"chat.completion","created":1,"model":"gpt-3.5-turbo",
			"usage":{"prompt_tokens":9,"completion_tokens":4,"total_tokens":13},
			"choices":[
				{"index":0,"finish_reason":"stop","message":{"role":"assistant","content":"first choice"}},
				{"index":1,"finish_reason":"stop","message":{"role":"assistant","content":"second choice"}},
				{"index":2,"finish_reason":"stop","message":{"role":"assistant","content":"third choice"}}]}`))
	}))
	defer server.Close()

	e := newEngine(server.URL, nil)
	events := drain(t, e, userSnapshot("hi", llm.Settings{Model: gpt35}), 0)

	if len(events) != 2 {
		t.Fatalf("expected delta + completed, got %+v", events)
	}
	if events[0].Type != llm.EventDelta || events[0].Text != "first choice" || events[0].Index != 0 {
		t.Errorf("unexpected delta %+v", events[0])
	}
	done := events[1]
	if done.Type != llm.EventCompleted || done.FinishReason != "stop" {
		t.Fatalf("unexpected terminal event %+v", done)
	}
	if done.Usage.TotalTokens != 13 {
		t.Errorf("expected 13 total tokens, got %d", done.Usage.TotalTokens)
	}
	if done.Message == nil || done.Message.Role != llm.RoleAssistant || done.Message.Content != "first choice" {
		t.Errorf("unexpected assembled message %+v", done.Message)
	}
}

func TestRunStreamingDeltas(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req goopenai.ChatCompletionRequest
		json.NewDecoder(r.Body).Decode(&req)
		if !req.Stream {
			t.Error("expected stream: true")
		}
		writeSSE(w,
			`{"choices":[{"delta":{"content":"Hel"}}]}`,
			`{"choices":[{"delta":{"content":"lo"}}]}`,
			`[DONE]`,
		)
	}))
	defer server.Close()

	e := newEngine(server.URL, nil)
	events := drain(t, e, userSnapshot("hi", llm.Settings{Model: gpt35, StreamingEnabled: true}), 0)

	if len(events) != 3 {
		t.Fatalf("expected 3 events, got %+v", events)
	}
	if events[0].Text != "Hel" || events[0].Index != 0 {
		t.Errorf("expected delta(Hel,0), got %+v", events[0])
	}
	if events[1].Text != "lo" || events[1].Index != 1 {
		t.Errorf("expected delta(lo,1), got %+v", events[1])
	}
	if events[2].Type != llm.EventCompleted {
		t.Errorf("expected completed, got %+v", events[2])
	}
	if events[2].Message.Content != "Hello" {
		t.Errorf("expected assembled content 'Hello', got %q", events[2].Message.Content)
	}
}

func TestRunStreamingSplitAcrossReads(t *testing.T) {
	payload := "data: {\"choices\":[{\"delta\":{\"content\":\"Hel\"}}]}\r\n\r\n" +
		": keep-alive\n\n" +
		"data: {\"choices\":[{\"delta\":{\"content\":\"lo\"}}]}\n\n" +
		"data: [DONE]\n\n"

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		for i := 0; i < len(payload); i += 3 {
			end := min(i+3, len(payload))
			w.Write([]byte(payload[i:end]))
			flusher.Flush()
		}
	}))
	defer server.Close()

	e := newEngine(server.URL, nil)
	events := drain(t, e, userSnapshot("hi", llm.Settings{Model: gpt35, StreamingEnabled: true}), 0)

	var texts []string
	for _, ev := range events {
		if ev.Type == llm.EventDelta {
			texts = append(texts, ev.Text)
		}
	}
	if strings.Join(texts, "|") != "Hel|lo" {
		t.Errorf("expected Hel|lo, got %v", texts)
	}
	if events[len(events)-1].Type != llm.EventCompleted {
		t.Errorf("expected completed, got %+v", events[len(events)-1])
	}
}

func TestRunStreamingSkipsMalformedFrame(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeSSE(w,
			`{"choices":[{"delta":{"content":"a"}}]}`,
			`{not json`,
			`{"choices":[{"delta":{"content":"b"}}]}`,
			`[DONE]`,
		)
	}))
	defer server.Close()

	e := newEngine(server.URL, nil)
	events := drain(t, e, userSnapshot("hi", llm.Settings{Model: gpt35, StreamingEnabled: true}), 0)

	if len(events) != 3 {
		t.Fatalf("expected 2 deltas + completed, got %+v", events)
	}
	if events[1].Text != "b" || events[1].Index != 1 {
		t.Errorf("expected delta(b,1) after malformed frame, got %+v", events[1])
	}
	if events[2].Type != llm.EventCompleted {
		t.Errorf("expected completed, got %+v", events[2])
	}
}

func TestRunStreamingIncomplete(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeSSE(w, `{"choices":[{"delta":{"content":"partial"}}]}`)
	}))
	defer server.Close()

	e := newEngine(server.URL, nil)
	events := drain(t, e, userSnapshot("hi", llm.Settings{Model: gpt35, StreamingEnabled: true}), 0)

	last := events[len(events)-1]
	if last.Type != llm.EventFailed || !errors.Is(last.Err, llm.ErrIncompleteStream) {
		t.Fatalf("expected failed(IncompleteStream), got %+v", last)
	}
	if events[0].Type != llm.EventDelta || events[0].Text != "partial" {
		t.Errorf("expected the partial delta first, got %+v", events[0])
	}
}

func TestRunNon2xx(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":{"message":"rate limited"}}`, http.StatusTooManyRequests)
	}))
	defer server.Close()

	e := newEngine(server.URL, nil)
	for _, stream := range []bool{false, true} {
		events := drain(t, e, userSnapshot("hi", llm.Settings{Model: gpt35, StreamingEnabled: stream}), 0)
		if len(events) != 1 || events[0].Type != llm.EventFailed {
			t.Fatalf("stream=%v: expected a single failed event, got %+v", stream, events)
		}
		var le *llm.Error
		if !errors.As(events[0].Err, &le) || le.Kind != llm.KindTransport || le.Status != http.StatusTooManyRequests {
			t.Errorf("stream=%v: expected TransportError with status 429, got %v", stream, events[0].Err)
		}
	}
}

func TestRunToolCallFollowUp(t *testing.T) {
	var requests atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req goopenai.ChatCompletionRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		switch requests.Add(1) {
		case 1:
			if len(req.Tools) == 0 || req.Tools[0].Function.Name != "calculator" {
				t.Errorf("expected calculator tool advertised, got %+v", req.Tools)
			}
			w.Write([]byte(toolCallResponse("call_1", "calculator", `{"expr":"2+2"}`)))
		case 2:
			n := len(req.Messages)
			if n < 3 {
				t.Fatalf("expected follow-up with tool messages, got %d messages", n)
			}
			assistant, tool := req.Messages[n-2], req.Messages[n-1]
			if assistant.Role != "assistant" || len(assistant.ToolCalls) != 1 || assistant.ToolCalls[0].ID != "call_1" {
				t.Errorf("expected assistant tool call replayed, got %+v", assistant)
			}
			if tool.Role != "tool" || tool.Content != "4" || tool.ToolCallID != "call_1" {
				t.Errorf("expected tool message with content 4, got %+v", tool)
			}
			w.Write([]byte(textResponse("2+2 is 4.")))
		default:
			t.Error("unexpected extra request")
		}
	}))
	defer server.Close()

	registry := tools.NewRegistry()
	builtin.Register(registry)
	e := newEngine(server.URL, registry)

	settings := llm.Settings{Model: gpt35, EnabledTools: map[string]bool{"calculator": true}}
	events := drain(t, e, userSnapshot("what is 2+2?", settings), DefaultToolDepth)

	var types []llm.EventType
	for _, ev := range events {
		types = append(types, ev.Type)
	}
	want := []llm.EventType{llm.EventToolCall, llm.EventToolResult, llm.EventDelta, llm.EventCompleted}
	if fmt.Sprint(types) != fmt.Sprint(want) {
		t.Fatalf("expected %v, got %v", want, types)
	}

	call := events[0].ToolCall
	if call.Name != "calculator" || call.Arguments != `{"expr":"2+2"}` || call.ID != "call_1" {
		t.Errorf("unexpected tool call %+v", call)
	}
	result := events[1].Message
	if result.Role != llm.RoleTool || result.Content != "4" || result.ToolCallID != "call_1" {
		t.Errorf("unexpected tool result %+v", result)
	}
	if events[2].Text != "2+2 is 4." {
		t.Errorf("unexpected final delta %+v", events[2])
	}
	if events[3].Usage.TotalTokens != 28 {
		t.Errorf("expected usage summed across rounds (28), got %d", events[3].Usage.TotalTokens)
	}
	if requests.Load() != 2 {
		t.Errorf("expected 2 requests, got %d", requests.Load())
	}
}

func TestRunStreamingToolCallFragments(t *testing.T) {
	var requests atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch requests.Add(1) {
		case 1:
			writeSSE(w,
				`{"choices":[{"index":0,"delta":{"content":"Let me check."}}]}`,
				`{"choices":[{"index":0,"delta":{"tool_calls":[{"index":0,"id":"call_9","type":"function","function":{"name":"calculator","arguments":""}}]}}]}`,
				`{"choices":[{"index":0,"delta":{"tool_calls":[{"index":0,"function":{"arguments":"{\"expr\":"}}]}}]}`,
				`{"choices":[{"index":0,"delta":{"tool_calls":[{"index":0,"function":{"arguments":"\"6*7\"}"}}]}}]}`,
				`{"choices":[{"index":0,"delta":{},"finish_reason":"tool_calls"}]}`,
				`[DONE]`,
			)
		default:
			writeSSE(w,
				`{"choices":[{"index":0,"delta":{"content":"42"}}]}`,
				`{"choices":[{"index":0,"delta":{},"finish_reason":"stop"}]}`,
				`[DONE]`,
			)
		}
	}))
	defer server.Close()

	registry := tools.NewRegistry()
	builtin.Register(registry)
	e := newEngine(server.URL, registry)

	settings := llm.Settings{Model: gpt35, StreamingEnabled: true, EnabledTools: map[string]bool{"calculator": true}}
	events := drain(t, e, userSnapshot("6*7?", settings), 2)

	var deltas []llm.Event
	var call *llm.ToolCall
	var result *llm.Message
	for _, ev := range events {
		switch ev.Type {
		case llm.EventDelta:
			deltas = append(deltas, ev)
		case llm.EventToolCall:
			call = ev.ToolCall
		case llm.EventToolResult:
			result = ev.Message
		}
	}
	if call == nil || call.ID != "call_9" || call.Arguments != `{"expr":"6*7"}` {
		t.Fatalf("expected assembled tool call, got %+v", call)
	}
	if result == nil || result.Content != "42" {
		t.Fatalf("expected tool result 42, got %+v", result)
	}
	if len(deltas) != 2 || deltas[0].Index != 0 || deltas[1].Index != 1 {
		t.Errorf("expected delta indices 0,1 across rounds, got %+v", deltas)
	}
	last := events[len(events)-1]
	if last.Type != llm.EventCompleted || last.FinishReason != "stop" {
		t.Errorf("expected completed(stop), got %+v", last)
	}
}

type countingTool struct{ calls atomic.Int32 }

func (c *countingTool) Name() string        { return "again" }
func (c *countingTool) Description() string { return "Always asks to be called again" }
func (c *countingTool) Parameters() json.RawMessage {
	return json.RawMessage(`{"type":"object","properties":{}}`)
}
func (c *countingTool) Execute(context.Context, json.RawMessage) (string, error) {
	return fmt.Sprintf("call %d", c.calls.Add(1)), nil
}

func TestRunToolDepthLimit(t *testing.T) {
	var requests atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := requests.Add(1)
		w.Write([]byte(toolCallResponse(fmt.Sprintf("call_%d", n), "again", `{}`)))
	}))
	defer server.Close()

	for _, k := range []int{0, 1, 3} {
		requests.Store(0)
		tool := &countingTool{}
		registry := tools.NewRegistry()
		registry.Register(tool)
		e := newEngine(server.URL, registry)

		settings := llm.Settings{Model: gpt35, EnabledTools: map[string]bool{"again": true}}
		events := drain(t, e, userSnapshot("loop", settings), k)

		if got := tool.calls.Load(); got != int32(k) {
			t.Errorf("k=%d: expected %d executions, got %d", k, k, got)
		}
		last := events[len(events)-1]
		if last.Type != llm.EventFailed || !errors.Is(last.Err, llm.ErrToolRecursionLimitExceeded) {
			t.Errorf("k=%d: expected failed(ToolRecursionLimitExceeded), got %+v", k, last)
		}
		if got := requests.Load(); got != int32(k+1) {
			t.Errorf("k=%d: expected %d requests, got %d", k, k+1, got)
		}
	}
}

func TestRunUnknownToolSurfacedToModel(t *testing.T) {
	var requests atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if requests.Add(1) == 1 {
			w.Write([]byte(toolCallResponse("call_x", "teleport", `{}`)))
			return
		}
		var req goopenai.ChatCompletionRequest
		json.NewDecoder(r.Body).Decode(&req)
		last := req.Messages[len(req.Messages)-1]
		if last.Role != "tool" || !strings.Contains(last.Content, "UnknownTool") {
			t.Errorf("expected UnknownTool error in tool message, got %+v", last)
		}
		w.Write([]byte(textResponse("I cannot do that.")))
	}))
	defer server.Close()

	registry := tools.NewRegistry()
	builtin.Register(registry)
	e := newEngine(server.URL, registry)

	unknown := metrics.ToolExecutions.WithLabelValues(metrics.UnknownToolLabel, string(llm.KindUnknownTool))
	before := counterValue(t, unknown)

	settings := llm.Settings{Model: gpt35, EnabledTools: map[string]bool{"calculator": true}}
	events := drain(t, e, userSnapshot("teleport me", settings), 1)
	if last := events[len(events)-1]; last.Type != llm.EventCompleted {
		t.Fatalf("expected completed, got %+v", last)
	}

	if got := counterValue(t, unknown) - before; got != 1 {
		t.Errorf("expected one unknown tool execution recorded, got %v", got)
	}
	if metrics.ToolExecutions.DeleteLabelValues("teleport", string(llm.KindUnknownTool)) {
		t.Error("model-supplied tool name used as a metric label")
	}
}

func counterValue(t *testing.T, c prometheus.Counter) float64 {
	t.Helper()
	var m dto.Metric
	if err := c.Write(&m); err != nil {
		t.Fatal(err)
	}
	return m.GetCounter().GetValue()
}

func TestRunMalformedArgumentsSurfacedToModel(t *testing.T) {
	var requests atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if requests.Add(1) == 1 {
			w.Write([]byte(toolCallResponse("call_m", "calculator", `{"expr":`)))
			return
		}
		w.Write([]byte(textResponse("Sorry.")))
	}))
	defer server.Close()

	registry := tools.NewRegistry()
	builtin.Register(registry)
	e := newEngine(server.URL, registry)

	settings := llm.Settings{Model: gpt35, EnabledTools: map[string]bool{"calculator": true}}
	events := drain(t, e, userSnapshot("2+2", settings), 1)

	var result *llm.Message
	for _, ev := range events {
		if ev.Type == llm.EventToolResult {
			result = ev.Message
		}
	}
	if result == nil || !strings.Contains(result.Content, string(llm.KindMalformedArguments)) {
		t.Fatalf("expected MalformedArguments tool result, got %+v", result)
	}
}

func TestRunCancellationEmitsNothingFurther(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeSSE(w, `{"choices":[{"delta":{"content":"first"}}]}`)
		<-r.Context().Done()
	}))
	defer server.Close()

	e := newEngine(server.URL, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var events []llm.Event
	for ev := range e.Run(ctx, userSnapshot("hi", llm.Settings{Model: gpt35, StreamingEnabled: true}), 0) {
		events = append(events, ev)
		if ev.Type == llm.EventDelta {
			cancel()
		}
	}
	if len(events) != 1 {
		t.Fatalf("expected only the first delta, got %+v", events)
	}
	if _, err := Collect(e.Run(ctx, userSnapshot("hi", llm.Settings{Model: gpt35, StreamingEnabled: true}), 0)); !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled from a cancelled run, got %v", err)
	}
}

func TestRunManagesMaxTokensAutomatically(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req goopenai.ChatCompletionRequest
		json.NewDecoder(r.Body).Decode(&req)
		if req.MaxTokens <= 0 || req.MaxTokens >= gpt35.ContextLength {
			t.Errorf("expected automatic max tokens within (0, %d), got %d", gpt35.ContextLength, req.MaxTokens)
		}
		w.Write([]byte(textResponse("ok")))
	}))
	defer server.Close()

	e := newEngine(server.URL, nil)
	settings := llm.Settings{Model: gpt35, MaxTokens: 5000, ManageMaxAutomatically: true}
	events := drain(t, e, userSnapshot("hi", settings), 0)
	if last := events[len(events)-1]; last.Type != llm.EventCompleted {
		t.Fatalf("expected completed, got %+v", last)
	}
}

func TestRunAnthropicStreaming(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/messages" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if r.Header.Get("x-api-key") != "test-key" {
			t.Errorf("expected x-api-key header")
		}
		w.Header().Set("Content-Type", "text/event-stream")
		io.WriteString(w, "event: message_start\ndata: {\"type\":\"message_start\",\"message\":{\"usage\":{\"input_tokens\":12}}}\n\n"+
			"event: content_block_start\ndata: {\"type\":\"content_block_start\",\"index\":0,\"content_block\":{\"type\":\"text\",\"text\":\"\"}}\n\n"+
			"event: ping\ndata: {\"type\":\"ping\"}\n\n"+
			"event: content_block_delta\ndata: {\"type\":\"content_block_delta\",\"index\":0,\"delta\":{\"type\":\"text_delta\",\"text\":\"Bonjour\"}}\n\n"+
			"event: content_block_delta\ndata: {\"type\":\"content_block_delta\",\"index\":0,\"delta\":{\"type\":\"text_delta\",\"text\":\" !\"}}\n\n"+
			"event: content_block_stop\ndata: {\"type\":\"content_block_stop\",\"index\":0}\n\n"+
			"event: message_delta\ndata: {\"type\":\"message_delta\",\"delta\":{\"stop_reason\":\"end_turn\"},\"usage\":{\"output_tokens\":4}}\n\n"+
			"event: message_stop\ndata: {\"type\":\"message_stop\"}\n\n")
	}))
	defer server.Close()

	e := newEngine(server.URL, nil)
	settings := llm.Settings{Model: sonnet, StreamingEnabled: true, SystemPrompt: "Reply in French."}
	events := drain(t, e, userSnapshot("hello", settings), 0)

	if len(events) != 3 {
		t.Fatalf("expected 2 deltas + completed, got %+v", events)
	}
	done := events[2]
	if done.Type != llm.EventCompleted || done.FinishReason != "end_turn" {
		t.Fatalf("unexpected terminal event %+v", done)
	}
	if done.Message.Content != "Bonjour !" {
		t.Errorf("expected 'Bonjour !', got %q", done.Message.Content)
	}
	if done.Usage.PromptTokens != 12 || done.Usage.CompletionTokens != 4 || done.Usage.TotalTokens != 16 {
		t.Errorf("unexpected usage %+v", done.Usage)
	}
}

func TestRunAnthropicRejectsOversizedLocally(t *testing.T) {
	var hits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
	}))
	defer server.Close()

	e := newEngine(server.URL, nil)
	events := drain(t, e, userSnapshot("hi", llm.Settings{Model: sonnet, MaxTokens: 10000}), 0)
	if !errors.Is(events[0].Err, llm.ErrInvalidConfiguration) {
		t.Fatalf("expected InvalidConfiguration, got %+v", events)
	}
	if hits.Load() != 0 {
		t.Errorf("expected no request, got %d", hits.Load())
	}
}

func TestBuildMessagesOrdering(t *testing.T) {
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	history := []llm.Message{
		{Role: llm.RoleAssistant, Content: "second", CreatedAt: base.Add(time.Minute)},
		{Role: llm.RoleUser, Content: "first", CreatedAt: base},
	}
	injected := []llm.Message{{Role: llm.RoleUser, Content: "title please"}}

	msgs := BuildMessages("sys", history, injected)
	var got []string
	for _, m := range msgs {
		got = append(got, m.Content)
	}
	if strings.Join(got, ",") != "sys,first,second,title please" {
		t.Errorf("unexpected order %v", got)
	}
	if history[0].Content != "second" {
		t.Error("expected caller history to be left untouched")
	}
}

func TestGenerateTitle(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req goopenai.ChatCompletionRequest
		json.NewDecoder(r.Body).Decode(&req)
		if req.Stream {
			t.Error("expected a non-streaming title request")
		}
		if len(req.Tools) != 0 {
			t.Error("expected no tools on a title request")
		}
		last := req.Messages[len(req.Messages)-1]
		if last.Role != "user" || last.Content != TitlePrompt {
			t.Errorf("expected title prompt at the tail, got %+v", last)
		}
		w.Write([]byte(textResponse(`"Paris Weekend Plans."`)))
	}))
	defer server.Close()

	registry := tools.NewRegistry()
	builtin.Register(registry)
	e := newEngine(server.URL, registry)

	settings := llm.Settings{Model: gpt35, StreamingEnabled: true, EnabledTools: map[string]bool{"calculator": true}}
	title, err := e.GenerateTitle(context.Background(), userSnapshot("plan my weekend in Paris", settings))
	if err != nil {
		t.Fatal(err)
	}
	if title != "Paris Weekend Plans" {
		t.Errorf("expected 'Paris Weekend Plans', got %q", title)
	}
}

// toolOrderError reports the first tool message that does not follow the
// assistant message requesting it.
func toolOrderError(msgs []llm.Message) error {
	open := map[string]bool{}
	for i, m := range msgs {
		switch m.Role {
		case llm.RoleAssistant:
			open = map[string]bool{}
			for _, c := range m.ToolCalls {
				open[c.ID] = true
			}
		case llm.RoleTool:
			if !open[m.ToolCallID] {
				return fmt.Errorf("tool message %d (%s) does not follow its assistant tool_calls message", i, m.ToolCallID)
			}
		default:
			open = map[string]bool{}
		}
	}
	return nil
}

func TestRecordedToolRoundReplaysInOrder(t *testing.T) {
	var requests atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req goopenai.ChatCompletionRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		var sent []llm.Message
		for _, m := range req.Messages {
			msg := llm.Message{Role: llm.Role(m.Role), Content: m.Content, ToolCallID: m.ToolCallID}
			for _, c := range m.ToolCalls {
				msg.ToolCalls = append(msg.ToolCalls, llm.ToolCall{ID: c.ID, Name: c.Function.Name})
			}
			sent = append(sent, msg)
		}
		if err := toolOrderError(sent); err != nil {
			t.Errorf("request %d: %v", requests.Load()+1, err)
		}
		if requests.Add(1) == 1 {
			w.Write([]byte(toolCallResponse("call_1", "calculator", `{"expr":"2+2"}`)))
			return
		}
		w.Write([]byte(textResponse("done")))
	}))
	defer server.Close()

	registry := tools.NewRegistry()
	builtin.Register(registry)
	e := newEngine(server.URL, registry)
	settings := llm.Settings{Model: gpt35, EnabledTools: map[string]bool{"calculator": true}}

	first := userSnapshot("what is 2+2?", settings)
	rec := transcript.NewRecorder()
	for ev := range e.Run(context.Background(), first, DefaultToolDepth) {
		rec.Observe(ev)
	}
	if rec.Err() != nil {
		t.Fatalf("first turn failed: %v", rec.Err())
	}

	recorded := rec.Messages()
	if len(recorded) != 3 || len(recorded[0].ToolCalls) != 1 || recorded[1].Role != llm.RoleTool {
		t.Fatalf("expected assistant(tool_calls), tool, assistant; got %+v", recorded)
	}
	if recorded[1].CreatedAt.Before(recorded[0].CreatedAt) {
		t.Errorf("tool result stamped before the assistant message that requested it")
	}

	history := append(first.Messages, recorded...)
	history = append(history, llm.Message{Role: llm.RoleUser, Content: "and 3+3?", CreatedAt: time.Now()})
	if err := toolOrderError(BuildMessages("be brief", history, nil)); err != nil {
		t.Fatal(err)
	}

	if _, err := Collect(e.Run(context.Background(), llm.Snapshot{Messages: history, Settings: settings}, DefaultToolDepth)); err != nil {
		t.Fatalf("replayed turn failed: %v", err)
	}
	if requests.Load() != 3 {
		t.Errorf("expected 3 requests, got %d", requests.Load())
	}
}

func TestToolCallEventCarriesRoundMessage(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(toolCallResponse("call_1", "calculator", `{"expr":"1+1"}`)))
	}))
	defer server.Close()

	registry := tools.NewRegistry()
	builtin.Register(registry)
	e := newEngine(server.URL, registry)
	settings := llm.Settings{Model: gpt35, EnabledTools: map[string]bool{"calculator": true}}

	events := drain(t, e, userSnapshot("1+1", settings), 0)
	if events[0].Type != llm.EventToolCall {
		t.Fatalf("expected tool call first, got %s", events[0].Type)
	}
	msg := events[0].Message
	if msg == nil || msg.Role != llm.RoleAssistant || len(msg.ToolCalls) != 1 || msg.ToolCalls[0].ID != "call_1" {
		t.Errorf("expected round assistant message on tool call event, got %+v", msg)
	}
	if msg != nil && msg.CreatedAt.IsZero() {
		t.Error("expected round message to be stamped")
	}
}
