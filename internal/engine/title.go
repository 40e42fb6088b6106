package engine

import (
	"context"
	"strings"

	"github.com/user/gopherchat/pkg/llm"
)

// TitlePrompt is appended to a conversation to ask the model for a title.
const TitlePrompt = "Summarize this conversation as a short title of at most six words. Reply with the title only, without quotes or trailing punctuation."

const maxTitleTokens = 32

// GenerateTitle asks the model for a title for snap. The request is
// non-streaming and advertises no tools; the title prompt goes after the
// history and is not part of snap.
func (e *Engine) GenerateTitle(ctx context.Context, snap llm.Snapshot) (string, error) {
	settings := snap.Settings
	settings.StreamingEnabled = false
	settings.EnabledTools = nil
	settings.ManageMaxAutomatically = false
	settings.MaxTokens = maxTitleTokens

	injected := []llm.Message{{Role: llm.RoleUser, Content: TitlePrompt, CreatedAt: e.now()}}
	result, err := Collect(e.run(ctx, llm.Snapshot{Messages: snap.Messages, Settings: settings}, injected, 0))
	if err != nil {
		return "", err
	}
	return cleanTitle(result.Text), nil
}

func cleanTitle(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	s = strings.Trim(s, "\"'` ")
	s = strings.TrimPrefix(s, "Title:")
	return strings.TrimRight(strings.TrimSpace(s), ".")
}
