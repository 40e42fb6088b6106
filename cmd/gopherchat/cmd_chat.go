package main

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/user/gopherchat/internal/transcript"
	"github.com/user/gopherchat/pkg/llm"
)

var (
	chatFlags        turnFlags
	chatConversation string
)

func init() {
	chatFlags.register(chatCmd)
	chatCmd.Flags().StringVar(&chatConversation, "conversation", "", "resume this conversation instead of starting a new one")
	rootCmd.AddCommand(chatCmd)
	rootCmd.AddCommand(historyCmd)
}

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Start an interactive chat",
	Long: `Start an interactive chat. Each line is sent as a user message.

Commands:
  /model <name>   switch model
  /exit           quit`,
	Args: cobra.NoArgs,
	RunE: runChat,
}

func runChat(cmd *cobra.Command, args []string) error {
	cfg := loadConfig()
	setupLogging(cfg)
	a := newApp(cfg)

	settings, err := a.settings(cmd, &chatFlags)
	if err != nil {
		return err
	}
	depth := a.toolDepth(&chatFlags)

	ctx, cancel := signalContext()
	defer cancel()

	id := chatConversation
	if id == "" {
		id = transcript.NewID()
	}
	fmt.Fprintf(os.Stderr, "Conversation %s (%s). /exit to quit.\n", id, settings.Model.DisplayName)

	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Fprint(os.Stderr, "> ")
		if !scanner.Scan() {
			break
		}
		line := strings.TrimSpace(scanner.Text())
		switch {
		case line == "":
			continue
		case line == "/exit" || line == "/quit":
			return nil
		case strings.HasPrefix(line, "/model "):
			d, err := a.catalog.MustResolve(strings.TrimSpace(strings.TrimPrefix(line, "/model ")))
			if err != nil {
				fmt.Fprintln(os.Stderr, err)
				continue
			}
			settings.Model = d
			fmt.Fprintf(os.Stderr, "Switched to %s\n", d.DisplayName)
			continue
		}

		user := llm.Message{Role: llm.RoleUser, Content: line, CreatedAt: time.Now()}
		if err := a.store.Append(ctx, id, user); err != nil {
			return fmt.Errorf("save message: %w", err)
		}
		history, err := a.store.Load(ctx, id)
		if err != nil {
			return fmt.Errorf("load conversation: %w", err)
		}

		produced, turnErr := a.runTurn(ctx, llm.Snapshot{Messages: history, Settings: settings}, depth)
		if len(produced) > 0 {
			if err := a.store.Append(ctx, id, produced...); err != nil {
				return fmt.Errorf("save messages: %w", err)
			}
		}
		if ctx.Err() != nil {
			return nil
		}
		if turnErr != nil {
			fmt.Fprintln(os.Stderr, "Error:", turnErr)
			continue
		}
		if err := a.store.SetModel(ctx, id, settings.Model.ID); err != nil {
			return fmt.Errorf("save conversation: %w", err)
		}
		a.ensureTitle(ctx, id, settings)
	}
	return scanner.Err()
}

// ensureTitle names the conversation after its first completed exchange.
func (a *app) ensureTitle(ctx context.Context, id string, settings llm.Settings) {
	conv, err := a.store.Get(ctx, id)
	if err != nil || conv.Title != "" {
		return
	}
	history, err := a.store.Load(ctx, id)
	if err != nil {
		return
	}
	title, err := a.engine.GenerateTitle(ctx, llm.Snapshot{Messages: history, Settings: settings})
	if err != nil {
		slog.Warn("generate title", "conversation_id", id, "error", err)
		return
	}
	if err := a.store.SetTitle(ctx, id, title); err != nil {
		slog.Warn("save title", "conversation_id", id, "error", err)
		return
	}
	fmt.Fprintf(os.Stderr, "[%s]\n", title)
}

var historyCmd = &cobra.Command{
	Use:   "history [conversation-id]",
	Short: "List conversations, or print one",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfig()
		a := newApp(cfg)
		ctx := cmd.Context()

		if len(args) == 1 {
			if _, err := a.store.Get(ctx, args[0]); err != nil {
				return err
			}
			msgs, err := a.store.Load(ctx, args[0])
			if err != nil {
				return err
			}
			for _, m := range msgs {
				switch {
				case m.Role == llm.RoleTool:
					fmt.Printf("[%s result] %s\n", m.Name, m.Content)
				case len(m.ToolCalls) > 0:
					for _, c := range m.ToolCalls {
						fmt.Printf("[%s] %s\n", m.Role, a.registry.Describe(c))
					}
				default:
					fmt.Printf("%s: %s\n", m.Role, m.Content)
				}
			}
			return nil
		}

		list, err := a.store.List(ctx)
		if err != nil {
			return fmt.Errorf("list conversations: %w", err)
		}
		if len(list) == 0 {
			fmt.Println("No conversations found.")
			return nil
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tTITLE\tMODEL\tMESSAGES\tUPDATED")
		for _, c := range list {
			fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\n", c.ID, c.Title, c.Model, c.Messages, c.UpdatedAt.Format("2006-01-02 15:04:05"))
		}
		return w.Flush()
	},
}
