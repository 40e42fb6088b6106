package main

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/user/gopherchat/pkg/llm"
)

var (
	askFlags        turnFlags
	askConversation string
)

func init() {
	askFlags.register(askCmd)
	askCmd.Flags().StringVar(&askConversation, "conversation", "", "append the exchange to this conversation")
	rootCmd.AddCommand(askCmd)
}

var askCmd = &cobra.Command{
	Use:   "ask [prompt]",
	Short: "Ask a single question (reads stdin when no prompt is given)",
	RunE:  runAsk,
}

func runAsk(cmd *cobra.Command, args []string) error {
	cfg := loadConfig()
	setupLogging(cfg)
	a := newApp(cfg)

	prompt := strings.TrimSpace(strings.Join(args, " "))
	if prompt == "" {
		data, err := io.ReadAll(os.Stdin)
		if err != nil {
			return fmt.Errorf("read prompt: %w", err)
		}
		prompt = strings.TrimSpace(string(data))
	}
	if prompt == "" {
		return fmt.Errorf("empty prompt")
	}

	settings, err := a.settings(cmd, &askFlags)
	if err != nil {
		return err
	}

	ctx, cancel := signalContext()
	defer cancel()

	var history []llm.Message
	if askConversation != "" {
		if history, err = a.store.Load(ctx, askConversation); err != nil {
			return fmt.Errorf("load conversation: %w", err)
		}
	}

	user := llm.Message{Role: llm.RoleUser, Content: prompt, CreatedAt: time.Now()}
	snap := llm.Snapshot{Messages: append(history, user), Settings: settings}
	produced, turnErr := a.runTurn(ctx, snap, a.toolDepth(&askFlags))

	if askConversation != "" {
		if err := a.store.Append(ctx, askConversation, append([]llm.Message{user}, produced...)...); err != nil {
			return fmt.Errorf("save conversation: %w", err)
		}
		if err := a.store.SetModel(ctx, askConversation, settings.Model.ID); err != nil {
			return fmt.Errorf("save conversation: %w", err)
		}
	}
	return turnErr
}
