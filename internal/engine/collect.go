package engine

import (
	"context"
	"iter"
	"strings"

	"github.com/user/gopherchat/pkg/llm"
)

// Result is a turn folded into its final state.
type Result struct {
	Text         string
	Message      *llm.Message
	ToolCalls    []llm.ToolCall
	ToolMessages []llm.Message
	FinishReason string
	Usage        llm.Usage
}

// Collect drains events and returns the assembled result. A failed event
// becomes the returned error. A sequence that ends without a terminal event
// returns context.Canceled.
func Collect(events iter.Seq[llm.Event]) (Result, error) {
	var (
		res  Result
		text strings.Builder
	)
	for ev := range events {
		switch ev.Type {
		case llm.EventDelta:
			text.WriteString(ev.Text)
		case llm.EventToolCall:
			res.ToolCalls = append(res.ToolCalls, *ev.ToolCall)
		case llm.EventToolResult:
			res.ToolMessages = append(res.ToolMessages, *ev.Message)
		case llm.EventCompleted:
			res.Text = text.String()
			res.Message = ev.Message
			res.FinishReason = ev.FinishReason
			res.Usage = ev.Usage
			return res, nil
		case llm.EventFailed:
			res.Text = text.String()
			return res, ev.Err
		}
	}
	res.Text = text.String()
	return res, context.Canceled
}
