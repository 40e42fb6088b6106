// Package engine runs completion turns against a provider adapter.
//
// A turn is driven by Run, which returns a lazy event sequence. Each model
// round renders a request through the adapter selected by the model's
// provider kind, performs the HTTP exchange, and translates the response into
// events. Tool calls are resolved through the tool registry and fed back to
// the model until it answers without one or the depth budget runs out.
package engine

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/user/gopherchat/internal/budget"
	"github.com/user/gopherchat/internal/metrics"
	"github.com/user/gopherchat/internal/tools"
	"github.com/user/gopherchat/pkg/llm"
	"github.com/user/gopherchat/pkg/llm/sse"
)

// DefaultToolDepth is the tool round budget callers use when they have no
// configured value.
const DefaultToolDepth = 5

const (
	readBufferSize = 4096
	maxErrorBody   = 64 << 10
)

// ToolRunner resolves tool calls for the engine.
type ToolRunner interface {
	Definitions(enabled map[string]bool) []llm.ToolDefinition
	Execute(ctx context.Context, call llm.ToolCall) (tools.Result, error)
}

// Options configures an Engine. Zero values select defaults.
type Options struct {
	HTTPClient *http.Client
	Counter    budget.Counter
	Logger     *slog.Logger
	Now        func() time.Time
}

// Engine runs turns. It holds no per-turn state and is safe for concurrent use.
type Engine struct {
	adapters map[llm.ProviderKind]llm.Adapter
	tools    ToolRunner
	client   *http.Client
	counter  budget.Counter
	logger   *slog.Logger
	now      func() time.Time
}

// New creates an engine that dispatches to adapters by provider kind.
// runner may be nil, in which case tools are never advertised.
func New(adapters map[llm.ProviderKind]llm.Adapter, runner ToolRunner, opts Options) *Engine {
	e := &Engine{
		adapters: adapters,
		tools:    runner,
		client:   opts.HTTPClient,
		counter:  opts.Counter,
		logger:   opts.Logger,
		now:      opts.Now,
	}
	if e.client == nil {
		e.client = &http.Client{}
	}
	if e.counter == nil {
		e.counter = budget.Heuristic{}
	}
	if e.logger == nil {
		e.logger = slog.Default()
	}
	if e.now == nil {
		e.now = time.Now
	}
	return e
}

// Run starts a turn over snap using snap.Settings. toolDepth is the number
// of tool rounds the model may request before the turn fails with
// ToolRecursionLimitExceeded.
//
// The sequence ends with exactly one completed or failed event, unless ctx
// is cancelled, in which case it stops without a terminal event. Nothing
// happens until the sequence is iterated.
func (e *Engine) Run(ctx context.Context, snap llm.Snapshot, toolDepth int) iter.Seq[llm.Event] {
	return e.run(ctx, snap, nil, toolDepth)
}

func (e *Engine) run(ctx context.Context, snap llm.Snapshot, injected []llm.Message, toolDepth int) iter.Seq[llm.Event] {
	return func(yield func(llm.Event) bool) {
		t := &turn{
			e:        e,
			ctx:      ctx,
			yield:    yield,
			settings: snap.Settings,
			id:       uuid.NewString(),
		}
		t.log = e.logger.With(
			"turn_id", t.id,
			"provider", string(t.settings.Model.Provider),
			"model", t.settings.Model.ID,
		)
		t.execute(snap.Messages, injected, toolDepth)
	}
}

// BuildMessages assembles the outbound message list: the system prompt,
// then history ordered by CreatedAt, then injected messages.
func BuildMessages(systemPrompt string, history, injected []llm.Message) []llm.Message {
	out := make([]llm.Message, 0, len(history)+len(injected)+1)
	if systemPrompt != "" {
		out = append(out, llm.Message{Role: llm.RoleSystem, Content: systemPrompt})
	}
	start := len(out)
	out = append(out, history...)
	sort.SliceStable(out[start:], func(i, j int) bool {
		return out[start+i].CreatedAt.Before(out[start+j].CreatedAt)
	})
	return append(out, injected...)
}

// turn is the state of one Run invocation.
type turn struct {
	e        *Engine
	ctx      context.Context
	yield    func(llm.Event) bool
	settings llm.Settings
	adapter  llm.Adapter
	id       string
	log      *slog.Logger

	index   uint
	stopped bool
	usage   llm.Usage
}

// emit delivers ev unless the caller stopped iterating or ctx was cancelled.
func (t *turn) emit(ev llm.Event) bool {
	if t.stopped {
		return false
	}
	if t.ctx.Err() != nil || !t.yield(ev) {
		t.stopped = true
		return false
	}
	return true
}

func (t *turn) fail(err error) {
	if t.ctx.Err() != nil {
		t.stopped = true
		return
	}
	var le *llm.Error
	if !errors.As(err, &le) {
		err = llm.Wrap(llm.KindTransport, "turn", err)
	}
	t.emit(llm.Event{Type: llm.EventFailed, Err: err})
}

func (t *turn) delta(text string) bool {
	ok := t.emit(llm.Event{Type: llm.EventDelta, Text: text, Index: t.index})
	t.index++
	return ok
}

// roundResult is what one model round produced.
type roundResult struct {
	content string
	calls   []llm.ToolCall
	finish  string
	usage   llm.Usage
}

func (t *turn) execute(history, injected []llm.Message, depth int) {
	model := t.settings.Model
	if model.IsNone() {
		t.fail(llm.Errorf(llm.KindInvalidConfiguration, "run", "no usable model configured"))
		return
	}
	if len(history) == 0 && len(injected) == 0 && t.settings.SystemPrompt == "" {
		t.fail(llm.Errorf(llm.KindInvalidConfiguration, "run", "conversation is empty and no system prompt is set"))
		return
	}
	t.adapter = t.e.adapters[model.Provider]
	if t.adapter == nil {
		t.fail(llm.Errorf(llm.KindInvalidConfiguration, "run", "no adapter for provider %q", model.Provider))
		return
	}
	if !t.settings.ManageMaxAutomatically && model.ContextLength > 0 && int(t.settings.MaxTokens) > model.ContextLength {
		t.fail(llm.Errorf(llm.KindInvalidConfiguration, "run",
			"max tokens %d exceeds %s context length %d", t.settings.MaxTokens, model.ID, model.ContextLength))
		return
	}

	var defs []llm.ToolDefinition
	if t.settings.ToolsEnabled() && t.e.tools != nil {
		defs = t.e.tools.Definitions(t.settings.EnabledTools)
	}

	messages := BuildMessages(t.settings.SystemPrompt, history, injected)
	start := t.e.now()

	for {
		res, ok := t.round(messages, defs, depth)
		if !ok {
			return
		}
		t.usage.Add(res.usage)

		assistant := llm.Message{
			Role:      llm.RoleAssistant,
			Content:   res.content,
			CreatedAt: t.e.now(),
			ToolCalls: res.calls,
		}

		if len(res.calls) == 0 {
			t.log.Info("turn completed",
				"finish_reason", res.finish,
				"prompt_tokens", t.usage.PromptTokens,
				"completion_tokens", t.usage.CompletionTokens,
				"duration", t.e.now().Sub(start))
			t.emit(llm.Event{
				Type:         llm.EventCompleted,
				Message:      &assistant,
				FinishReason: res.finish,
				Usage:        t.usage,
			})
			return
		}

		for i := range res.calls {
			call := res.calls[i]
			if !t.emit(llm.Event{Type: llm.EventToolCall, ToolCall: &call, Message: &assistant}) {
				return
			}
		}
		if depth <= 0 {
			t.log.Warn("tool call depth exhausted", "tool_calls", len(res.calls))
			t.fail(llm.Errorf(llm.KindToolRecursionLimitExceeded, "run",
				"model requested %d more tool call(s) with no depth remaining", len(res.calls)))
			return
		}

		messages = append(messages, assistant)
		for _, call := range res.calls {
			msg, ok := t.runTool(call)
			if !ok {
				return
			}
			messages = append(messages, msg)
		}
		depth--
	}
}

// runTool executes call and returns the tool-role message to append. A
// cancelled execution is discarded.
func (t *turn) runTool(call llm.ToolCall) (llm.Message, bool) {
	var (
		res tools.Result
		err error
	)
	if t.e.tools == nil {
		err = llm.Errorf(llm.KindUnknownTool, "lookup tool", "unknown tool %q", call.Name)
	} else {
		res, err = t.e.tools.Execute(t.ctx, call)
	}
	if t.ctx.Err() != nil {
		t.stopped = true
		return llm.Message{}, false
	}

	content := res.Text
	if err != nil {
		kind := llm.KindOf(err)
		if kind == "" {
			kind = llm.KindExecutionFailed
		}
		t.log.Warn("tool failed", "tool", call.Name, "call_id", call.ID, "kind", string(kind), "error", err)
		label := call.Name
		if kind == llm.KindUnknownTool {
			// The name came from the model; keep it out of the label set.
			label = metrics.UnknownToolLabel
		}
		metrics.RecordTool(label, string(kind))
		content = tools.ErrorText(err)
	} else {
		metrics.RecordTool(call.Name, "ok")
	}

	msg := llm.Message{
		Role:       llm.RoleTool,
		Content:    content,
		CreatedAt:  t.e.now(),
		ToolCallID: call.ID,
		Name:       call.Name,
	}
	return msg, t.emit(llm.Event{Type: llm.EventToolResult, ToolCall: &call, Message: &msg})
}

// round performs one model request. It reports false when the turn ended,
// either because a failed event was emitted or because iteration stopped.
func (t *turn) round(messages []llm.Message, defs []llm.ToolDefinition, depth int) (roundResult, bool) {
	settings := t.settings
	if settings.ManageMaxAutomatically {
		prompt := budget.PromptTokens(t.e.counter, settings.Model.ID, messages) +
			budget.ToolTokens(t.e.counter, settings.Model.ID, defs)
		maxTokens, err := budget.AutoMaxTokens(settings.Model, prompt)
		if err != nil {
			t.fail(err)
			return roundResult{}, false
		}
		settings.MaxTokens = maxTokens
	}

	req, err := t.e.adapterRequest(t.adapter, messages, defs, settings)
	if err != nil {
		t.fail(err)
		return roundResult{}, false
	}

	log := t.log.With("depth", depth)
	log.Debug("sending request", "url", req.URL, "messages", len(messages), "tools", len(defs), "stream", settings.StreamingEnabled)

	start := t.e.now()
	var (
		res roundResult
		ok  bool
	)
	if settings.StreamingEnabled {
		res, ok = t.stream(req, log)
	} else {
		res, ok = t.full(req, log)
	}

	status := "ok"
	if !ok {
		status = "failed"
	}
	metrics.RecordTurn(t.adapter.Name(), settings.Model.ID, status, t.e.now().Sub(start).Seconds())
	if ok {
		metrics.RecordTokens(settings.Model.ID, res.usage.PromptTokens, res.usage.CompletionTokens)
	}
	return res, ok
}

func (e *Engine) adapterRequest(a llm.Adapter, messages []llm.Message, defs []llm.ToolDefinition, settings llm.Settings) (*llm.Request, error) {
	req, err := a.BuildRequest(messages, defs, settings)
	if err != nil {
		var le *llm.Error
		if errors.As(err, &le) {
			return nil, err
		}
		return nil, llm.Wrap(llm.KindInvalidConfiguration, "build request", err)
	}
	return req, nil
}

// send performs the HTTP exchange and checks the status. The caller owns
// the returned body.
func (t *turn) send(req *llm.Request, log *slog.Logger) (*http.Response, bool) {
	httpReq, err := http.NewRequestWithContext(t.ctx, req.Method, req.URL, bytes.NewReader(req.Body))
	if err != nil {
		t.fail(llm.Wrap(llm.KindInvalidConfiguration, "create request", err))
		return nil, false
	}
	httpReq.Header = req.Header.Clone()

	resp, err := t.e.client.Do(httpReq)
	if err != nil {
		if t.ctx.Err() == nil {
			log.Error("request failed", "error", err)
		}
		t.fail(llm.Wrap(llm.KindTransport, "send request", err))
		return nil, false
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		resp.Body.Close()
		log.Error("provider returned error status", "status", resp.StatusCode)
		t.fail(&llm.Error{
			Kind:   llm.KindTransport,
			Op:     "send request",
			Status: resp.StatusCode,
			Err:    fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(body))),
		})
		return nil, false
	}
	return resp, true
}

// full handles a non-streamed round: one delta with the whole content.
func (t *turn) full(req *llm.Request, log *slog.Logger) (roundResult, bool) {
	resp, ok := t.send(req, log)
	if !ok {
		return roundResult{}, false
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.fail(llm.Wrap(llm.KindTransport, "read response", err))
		return roundResult{}, false
	}
	parsed, err := t.adapter.ParseFullResponse(body)
	if err != nil {
		log.Error("unreadable response", "error", err)
		t.fail(err)
		return roundResult{}, false
	}

	calls := normalizeCalls(parsed.ToolCalls)
	if parsed.Content != "" || len(calls) == 0 {
		if !t.delta(parsed.Content) {
			return roundResult{}, false
		}
	}
	return roundResult{
		content: parsed.Content,
		calls:   calls,
		finish:  parsed.FinishReason,
		usage:   parsed.Usage,
	}, true
}

// stream handles a streamed round. Text deltas are emitted as they decode;
// tool-call fragments are buffered until the stream ends.
func (t *turn) stream(req *llm.Request, log *slog.Logger) (roundResult, bool) {
	resp, ok := t.send(req, log)
	if !ok {
		return roundResult{}, false
	}
	defer resp.Body.Close()

	var (
		dec     = sse.NewDecoder()
		acc     = newCallAccumulator()
		buf     = make([]byte, readBufferSize)
		content strings.Builder
		res     roundResult
		done    bool
	)

	for !done {
		n, readErr := resp.Body.Read(buf)
		if n > 0 {
			frames, err := dec.Feed(buf[:n])
			if err != nil {
				t.fail(llm.Wrap(llm.KindTransport, "decode stream", err))
				return roundResult{}, false
			}
			for _, frame := range frames {
				chunk, err := t.adapter.ParseStreamFrame(frame)
				if err != nil {
					if errors.Is(err, llm.ErrMalformedFrame) {
						log.Warn("dropping malformed frame", "error", err)
						metrics.RecordMalformedFrame(t.adapter.Name())
						continue
					}
					log.Error("stream error", "error", err)
					t.fail(err)
					return roundResult{}, false
				}
				if chunk == nil {
					continue
				}
				if chunk.Text != "" {
					content.WriteString(chunk.Text)
					if !t.delta(chunk.Text) {
						return roundResult{}, false
					}
				}
				acc.add(chunk.ToolCalls)
				if chunk.FinishReason != "" {
					res.finish = chunk.FinishReason
				}
				if chunk.Usage != nil {
					res.usage.Add(*chunk.Usage)
				}
				if chunk.Done {
					done = true
					break
				}
			}
		}
		if done {
			break
		}
		if readErr != nil {
			if t.ctx.Err() != nil {
				t.stopped = true
				return roundResult{}, false
			}
			if readErr == io.EOF {
				t.fail(llm.Errorf(llm.KindIncompleteStream, "read stream", "stream closed without end marker"))
			} else {
				log.Error("stream read failed", "error", readErr)
				t.fail(llm.Wrap(llm.KindTransport, "read stream", readErr))
			}
			return roundResult{}, false
		}
	}

	if res.usage.TotalTokens == 0 {
		res.usage.TotalTokens = res.usage.PromptTokens + res.usage.CompletionTokens
	}
	res.content = content.String()
	res.calls = acc.calls()
	return res, true
}

// callAccumulator assembles streamed tool-call fragments by index.
type callAccumulator struct {
	byIndex map[int]*llm.ToolCall
	args    map[int]*strings.Builder
	order   []int
}

func newCallAccumulator() *callAccumulator {
	return &callAccumulator{byIndex: make(map[int]*llm.ToolCall), args: make(map[int]*strings.Builder)}
}

func (a *callAccumulator) add(frags []llm.ToolCallFragment) {
	for _, f := range frags {
		tc, ok := a.byIndex[f.Index]
		if !ok {
			tc = &llm.ToolCall{}
			a.byIndex[f.Index] = tc
			a.args[f.Index] = &strings.Builder{}
			a.order = append(a.order, f.Index)
		}
		if f.ID != "" {
			tc.ID = f.ID
		}
		if f.Name != "" {
			tc.Name += f.Name
		}
		a.args[f.Index].WriteString(f.Arguments)
	}
}

func (a *callAccumulator) calls() []llm.ToolCall {
	if len(a.order) == 0 {
		return nil
	}
	sort.Ints(a.order)
	out := make([]llm.ToolCall, 0, len(a.order))
	for _, idx := range a.order {
		tc := *a.byIndex[idx]
		tc.Arguments = a.args[idx].String()
		out = append(out, tc)
	}
	return normalizeCalls(out)
}

// normalizeCalls fills in IDs the provider left empty.
func normalizeCalls(calls []llm.ToolCall) []llm.ToolCall {
	for i := range calls {
		if calls[i].ID == "" {
			calls[i].ID = "call_" + strings.ReplaceAll(uuid.NewString(), "-", "")
		}
	}
	return calls
}
