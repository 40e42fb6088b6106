package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/user/gopherchat/internal/budget"
	"github.com/user/gopherchat/internal/catalog"
	"github.com/user/gopherchat/internal/config"
	"github.com/user/gopherchat/internal/engine"
	"github.com/user/gopherchat/internal/tools"
	"github.com/user/gopherchat/internal/tools/builtin"
	"github.com/user/gopherchat/internal/transcript"
	"github.com/user/gopherchat/pkg/llm"
	"github.com/user/gopherchat/pkg/llm/anthropic"
	"github.com/user/gopherchat/pkg/llm/local"
	"github.com/user/gopherchat/pkg/llm/openai"
)

// app holds the components every command shares.
type app struct {
	cfg      *config.Config
	catalog  *catalog.Catalog
	registry *tools.Registry
	engine   *engine.Engine
	store    *transcript.Store
}

func newApp(cfg *config.Config) *app {
	reg := tools.NewRegistry()
	builtin.Register(reg)
	reg.SetCredentials(cfg.Credentials())

	eng := engine.New(newAdapters(cfg), reg, engine.Options{
		Counter: budget.NewTokenizer(),
		Logger:  slog.Default(),
	})

	return &app{
		cfg:      cfg,
		catalog:  catalog.New(cfg.Descriptors()...),
		registry: reg,
		engine:   eng,
		store:    transcript.NewStore(cfg.DataDir),
	}
}

func newAdapters(cfg *config.Config) map[llm.ProviderKind]llm.Adapter {
	conn := func(kind llm.ProviderKind) *llm.Config {
		c := cfg.Provider(kind)
		return &c
	}
	return map[llm.ProviderKind]llm.Adapter{
		llm.ProviderOpenAI:    openai.New(conn(llm.ProviderOpenAI)),
		llm.ProviderAzure:     openai.NewAzure(conn(llm.ProviderAzure)),
		llm.ProviderAnthropic: anthropic.New(conn(llm.ProviderAnthropic)),
		llm.ProviderLocal:     local.New(conn(llm.ProviderLocal)),
	}
}

// turnFlags are the per-turn overrides shared by ask, chat and batch.
type turnFlags struct {
	model     string
	stream    bool
	tools     []string
	maxTokens int32
	system    string
	toolDepth int
}

func (f *turnFlags) register(cmd *cobra.Command) {
	fl := cmd.Flags()
	fl.StringVar(&f.model, "model", "", `model to use, as "id" or "provider:id"`)
	fl.BoolVar(&f.stream, "stream", true, "stream the response")
	fl.StringSliceVar(&f.tools, "tools", nil, `tools to enable ("none" disables all)`)
	fl.Int32Var(&f.maxTokens, "max-tokens", 0, "fixed max tokens (disables automatic sizing)")
	fl.StringVar(&f.system, "system", "", "system prompt")
	fl.IntVar(&f.toolDepth, "tool-depth", -1, "tool rounds allowed per turn (default from config)")
}

// settings resolves the configured defaults with any flags the user set.
func (a *app) settings(cmd *cobra.Command, f *turnFlags) (llm.Settings, error) {
	s, err := a.cfg.Settings(a.catalog)
	if f.model != "" {
		d, rerr := a.catalog.MustResolve(f.model)
		if rerr != nil {
			return s, rerr
		}
		s.Model = d
	} else if err != nil {
		slog.Warn("default model unavailable", "error", err)
	}

	flags := cmd.Flags()
	if flags.Changed("stream") {
		s.StreamingEnabled = f.stream
	}
	if flags.Changed("tools") {
		s.EnabledTools = map[string]bool{}
		if !(len(f.tools) == 1 && strings.EqualFold(f.tools[0], "none")) {
			s.EnabledTools = config.EnabledSet(f.tools)
		}
	}
	if flags.Changed("max-tokens") {
		s.MaxTokens = f.maxTokens
		s.ManageMaxAutomatically = false
	}
	if flags.Changed("system") {
		s.SystemPrompt = f.system
	}
	return s, nil
}

func (a *app) toolDepth(f *turnFlags) int {
	if f.toolDepth >= 0 {
		return f.toolDepth
	}
	if a.cfg.Defaults.MaxToolDepth >= 0 {
		return a.cfg.Defaults.MaxToolDepth
	}
	return engine.DefaultToolDepth
}

// printer writes a turn's events to the terminal.
type printer struct {
	out, status io.Writer
	registry    *tools.Registry
	model       llm.ModelDescriptor
}

func (p *printer) handle(ev llm.Event) {
	switch ev.Type {
	case llm.EventDelta:
		fmt.Fprint(p.out, ev.Text)
	case llm.EventToolCall:
		fmt.Fprintf(p.status, "\n[%s]\n", p.registry.Describe(*ev.ToolCall))
	case llm.EventToolResult:
		slog.Debug("tool result", "tool", ev.ToolCall.Name, "bytes", len(ev.Message.Content))
	case llm.EventCompleted:
		fmt.Fprintln(p.out)
		fmt.Fprintf(p.status, "[%d prompt + %d completion tokens, $%.4f]\n",
			ev.Usage.PromptTokens, ev.Usage.CompletionTokens, catalog.EstimateCost(p.model, ev.Usage))
	case llm.EventFailed:
		fmt.Fprintln(p.out)
	}
}

// runTurn runs one turn, printing as it goes, and returns the messages to
// persist. A failed turn returns its error along with whatever completed.
func (a *app) runTurn(ctx context.Context, snap llm.Snapshot, depth int) ([]llm.Message, error) {
	p := &printer{out: os.Stdout, status: os.Stderr, registry: a.registry, model: snap.Settings.Model}
	rec := transcript.NewRecorder()
	for ev := range a.engine.Run(ctx, snap, depth) {
		rec.Observe(ev)
		p.handle(ev)
	}
	if rec.Err() != nil {
		return rec.Messages(), rec.Err()
	}
	if !rec.Done() {
		return rec.Messages(), ctx.Err()
	}
	return rec.Messages(), nil
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}
