// Package tools holds the registry of functions a model may call.
package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/user/gopherchat/pkg/llm"
)

// Tool defines the interface for an executable tool.
type Tool interface {
	Name() string
	Description() string
	Parameters() json.RawMessage
	Execute(ctx context.Context, args json.RawMessage) (string, error)
}

// Describer is implemented by tools that render their own progress text.
type Describer interface {
	Describe(args json.RawMessage) string
}

// Requirer is implemented by tools whose required arguments differ from
// their declared properties.
type Requirer interface {
	RequiredArgs() []string
}

// Factory builds a tool bound to a credential.
type Factory func(credential string) Tool

// Descriptor is the model-facing description of a tool.
type Descriptor struct {
	Name        string
	Description string
	Parameters  json.RawMessage
	Required    []string
}

// Definition converts d to the provider-agnostic tool definition.
func (d Descriptor) Definition() llm.ToolDefinition {
	return llm.ToolDefinition{Name: d.Name, Description: d.Description, Parameters: d.Parameters}
}

// Result is the outcome of a tool call that reached the tool.
type Result struct {
	Success bool
	Text    string
}

type entry struct {
	proto           Tool
	factory         Factory
	needsCredential bool
}

// Registry holds registered tools and provides lookup. Registration happens
// at startup; lookups and credential updates are safe for concurrent use.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]entry
	creds   atomic.Pointer[map[string]string]
}

// NewRegistry creates an empty tool registry.
func NewRegistry() *Registry {
	r := &Registry{entries: make(map[string]entry)}
	empty := map[string]string{}
	r.creds.Store(&empty)
	return r
}

// Register adds a tool that needs no credential.
func (r *Registry) Register(t Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[t.Name()] = entry{proto: t}
}

// RegisterFactory adds a tool that is rebuilt with the current credential on
// every lookup. factory("") must return a usable prototype for metadata.
func (r *Registry) RegisterFactory(name string, needsCredential bool, factory Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[name] = entry{proto: factory(""), factory: factory, needsCredential: needsCredential}
}

// SetCredentials replaces the credential map keyed by tool name. Turns that
// already resolved a tool keep the instance they got.
func (r *Registry) SetCredentials(creds map[string]string) {
	cp := make(map[string]string, len(creds))
	for k, v := range creds {
		cp[k] = v
	}
	r.creds.Store(&cp)
}

func (r *Registry) credential(name string) string {
	return (*r.creds.Load())[name]
}

func (r *Registry) lookup(name string) (entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[name]
	return e, ok
}

// Get resolves a tool by name with its credential bound.
func (r *Registry) Get(name string) (Tool, error) {
	e, ok := r.lookup(name)
	if !ok {
		return nil, llm.Errorf(llm.KindUnknownTool, "lookup tool", "unknown tool %q", name)
	}
	if e.factory == nil {
		return e.proto, nil
	}
	cred := r.credential(name)
	if e.needsCredential && cred == "" {
		return nil, llm.Errorf(llm.KindExecutionFailed, "lookup tool", "tool %q has no credential configured", name)
	}
	return e.factory(cred), nil
}

// Names returns every registered tool name, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.entries))
	for name := range r.entries {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// ListAvailable returns descriptors for the enabled tools that are usable
// right now. A nil enabled set lists every tool. Tools missing a required
// credential are left out.
func (r *Registry) ListAvailable(enabled map[string]bool) []Descriptor {
	var out []Descriptor
	for _, name := range r.Names() {
		if enabled != nil && !enabled[name] {
			continue
		}
		e, _ := r.lookup(name)
		if e.needsCredential && r.credential(name) == "" {
			continue
		}
		out = append(out, describe(e.proto))
	}
	return out
}

// Definitions returns the provider-facing definitions of the enabled tools.
func (r *Registry) Definitions(enabled map[string]bool) []llm.ToolDefinition {
	descs := r.ListAvailable(enabled)
	out := make([]llm.ToolDefinition, 0, len(descs))
	for _, d := range descs {
		out = append(out, d.Definition())
	}
	return out
}

func describe(t Tool) Descriptor {
	d := Descriptor{Name: t.Name(), Description: t.Description(), Parameters: t.Parameters()}
	if req, ok := t.(Requirer); ok {
		d.Required = req.RequiredArgs()
	} else {
		d.Required = declaredKeys(d.Parameters)
	}
	return d
}

// declaredKeys returns the sorted property names of a JSON schema object.
func declaredKeys(schema json.RawMessage) []string {
	var s struct {
		Properties map[string]json.RawMessage `json:"properties"`
	}
	if err := json.Unmarshal(schema, &s); err != nil {
		return nil
	}
	keys := make([]string, 0, len(s.Properties))
	for k := range s.Properties {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Describe returns display text for a pending call.
func (r *Registry) Describe(call llm.ToolCall) string {
	if e, ok := r.lookup(call.Name); ok {
		if d, ok := e.proto.(Describer); ok {
			return d.Describe(call.RawArguments())
		}
	}
	return fmt.Sprintf("Calling %s(%s)", call.Name, call.Arguments)
}

// Execute runs call. Failures are returned as *llm.Error with kind
// UnknownTool, MalformedArguments or ExecutionFailed. Context cancellation
// is returned unwrapped.
func (r *Registry) Execute(ctx context.Context, call llm.ToolCall) (Result, error) {
	t, err := r.Get(call.Name)
	if err != nil {
		return Result{}, err
	}

	args := call.RawArguments()
	if err := checkArguments(args, describe(t).Required); err != nil {
		return Result{}, llm.Wrap(llm.KindMalformedArguments, call.Name, err)
	}

	text, err := t.Execute(ctx, args)
	if err != nil {
		if ctx.Err() != nil {
			return Result{}, ctx.Err()
		}
		var le *llm.Error
		if errors.As(err, &le) {
			return Result{}, err
		}
		return Result{}, llm.Wrap(llm.KindExecutionFailed, call.Name, err)
	}
	return Result{Success: true, Text: text}, nil
}

func checkArguments(args json.RawMessage, required []string) error {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(args, &obj); err != nil {
		return fmt.Errorf("arguments are not a JSON object: %w", err)
	}
	if obj == nil {
		return errors.New("arguments are not a JSON object")
	}
	var missing []string
	for _, k := range required {
		if _, ok := obj[k]; !ok {
			missing = append(missing, k)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required arguments: %s", strings.Join(missing, ", "))
	}
	return nil
}

// ErrorText renders a tool failure as the content of a tool-role message.
func ErrorText(err error) string {
	kind := llm.KindOf(err)
	if kind == "" {
		return "Error: " + err.Error()
	}
	var le *llm.Error
	if errors.As(err, &le) && le.Err != nil {
		return fmt.Sprintf("Error (%s): %s", kind, le.Err.Error())
	}
	return fmt.Sprintf("Error (%s)", kind)
}
