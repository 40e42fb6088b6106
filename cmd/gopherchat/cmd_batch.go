package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/user/gopherchat/internal/catalog"
	"github.com/user/gopherchat/internal/dispatch"
	"github.com/user/gopherchat/pkg/llm"
)

var batchFlags turnFlags

func init() {
	batchFlags.register(batchCmd)
	rootCmd.AddCommand(batchCmd)
}

var batchCmd = &cobra.Command{
	Use:   "batch <file.jsonl>",
	Short: "Run independent conversations concurrently",
	Long: `Run one turn per input line, up to max_concurrent at a time.

Each line is a JSON object:
  {"id": "q1", "model": "gpt-4o", "system": "...", "prompt": "..."}
or with a full history:
  {"id": "q2", "messages": [{"role": "user", "content": "..."}]}

Results are written to stdout as JSON lines in completion order. Lines
sharing an id run in file order against the same conversation.`,
	Args: cobra.ExactArgs(1),
	RunE: runBatch,
}

// batchInput is one line of a batch file.
type batchInput struct {
	ID       string        `json:"id"`
	Model    string        `json:"model,omitempty"`
	System   *string       `json:"system,omitempty"`
	Prompt   string        `json:"prompt,omitempty"`
	Messages []llm.Message `json:"messages,omitempty"`
}

// batchOutput is one result line.
type batchOutput struct {
	ID           string         `json:"id"`
	Line         int            `json:"line"`
	Text         string         `json:"text,omitempty"`
	ToolCalls    []llm.ToolCall `json:"tool_calls,omitempty"`
	FinishReason string         `json:"finish_reason,omitempty"`
	Usage        *llm.Usage     `json:"usage,omitempty"`
	CostUSD      float64        `json:"cost_usd,omitempty"`
	Error        string         `json:"error,omitempty"`
	ErrorKind    llm.ErrorKind  `json:"error_kind,omitempty"`
}

func runBatch(cmd *cobra.Command, args []string) error {
	cfg := loadConfig()
	setupLogging(cfg)
	a := newApp(cfg)

	base, err := a.settings(cmd, &batchFlags)
	if err != nil {
		return err
	}
	depth := a.toolDepth(&batchFlags)

	f, err := os.Open(args[0])
	if err != nil {
		return fmt.Errorf("open batch file: %w", err)
	}
	defer f.Close()

	ctx, cancel := signalContext()
	defer cancel()

	results := make(chan batchOutput)
	g, gctx := errgroup.WithContext(ctx)

	d := dispatch.New(a.engine, int64(cfg.MaxConcurrent), nil)
	d.Start(gctx)
	defer d.Stop()

	g.Go(func() error {
		defer close(results)
		err := enqueueBatch(gctx, f, d, a.catalog, base, depth, results)
		d.Wait()
		return err
	})
	g.Go(func() error {
		enc := json.NewEncoder(os.Stdout)
		var werr error
		// Keep draining after a write error so running jobs can finish.
		for out := range results {
			if werr == nil {
				if err := enc.Encode(out); err != nil {
					werr = fmt.Errorf("write result: %w", err)
				}
			}
		}
		return werr
	})
	return g.Wait()
}

// enqueueBatch parses r and enqueues one job per line. Each job reports
// exactly one batchOutput on results.
func enqueueBatch(ctx context.Context, r io.Reader, d *dispatch.Dispatcher, cat *catalog.Catalog, base llm.Settings, depth int, results chan<- batchOutput) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64<<10), 8<<20)
	line := 0
	for scanner.Scan() {
		line++
		raw := strings.TrimSpace(scanner.Text())
		if raw == "" {
			continue
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		snap, id, err := parseBatchLine([]byte(raw), line, cat, base)
		if err != nil {
			return err
		}

		col := &batchCollector{out: batchOutput{ID: id, Line: line}, model: snap.Settings.Model}
		job := &dispatch.Job{
			ConversationID: id,
			Snapshot:       func() (llm.Snapshot, error) { return snap, nil },
			ToolDepth:      depth,
			OnEvent:        col.observe,
			OnDone: func(err error) {
				col.finish(err)
				results <- col.out
			},
		}
		if err := d.Enqueue(job); err != nil {
			return fmt.Errorf("line %d: %w", line, err)
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read batch file: %w", err)
	}
	return nil
}

// parseBatchLine turns one input line into the snapshot to run.
func parseBatchLine(raw []byte, line int, cat *catalog.Catalog, base llm.Settings) (llm.Snapshot, string, error) {
	var in batchInput
	if err := json.Unmarshal(raw, &in); err != nil {
		return llm.Snapshot{}, "", fmt.Errorf("line %d: %w", line, err)
	}
	if in.ID == "" {
		in.ID = fmt.Sprintf("line-%d", line)
	}

	settings := base
	if in.Model != "" {
		d, err := cat.MustResolve(in.Model)
		if err != nil {
			return llm.Snapshot{}, "", fmt.Errorf("line %d: %w", line, err)
		}
		settings.Model = d
	}
	if in.System != nil {
		settings.SystemPrompt = *in.System
	}

	now := time.Now()
	msgs := in.Messages
	for i := range msgs {
		if msgs[i].CreatedAt.IsZero() {
			msgs[i].CreatedAt = now.Add(time.Duration(i) * time.Millisecond)
		}
	}
	if in.Prompt != "" {
		msgs = append(msgs, llm.Message{
			Role:      llm.RoleUser,
			Content:   in.Prompt,
			CreatedAt: now.Add(time.Duration(len(msgs)) * time.Millisecond),
		})
	}
	return llm.Snapshot{Messages: msgs, Settings: settings}, in.ID, nil
}

// batchCollector folds a job's events into its output line.
type batchCollector struct {
	out   batchOutput
	model llm.ModelDescriptor
	text  strings.Builder
}

func (c *batchCollector) observe(ev llm.Event) {
	switch ev.Type {
	case llm.EventDelta:
		c.text.WriteString(ev.Text)
	case llm.EventToolCall:
		c.out.ToolCalls = append(c.out.ToolCalls, *ev.ToolCall)
	case llm.EventCompleted:
		usage := ev.Usage
		c.out.Usage = &usage
		c.out.FinishReason = ev.FinishReason
		c.out.CostUSD = catalog.EstimateCost(c.model, usage)
	}
}

func (c *batchCollector) finish(err error) {
	c.out.Text = c.text.String()
	if err != nil {
		c.out.Error = err.Error()
		c.out.ErrorKind = llm.KindOf(err)
	}
}
