package transcript

import (
	"strings"
	"time"

	"github.com/user/gopherchat/pkg/llm"
)

// Recorder rebuilds the messages a turn produced from its events: the
// assistant message of every tool round, each tool result, and the final
// assistant reply. Append the result after the turn to keep the transcript
// replayable.
type Recorder struct {
	now func() time.Time

	text     strings.Builder
	calls    []llm.ToolCall
	round    *llm.Message
	messages []llm.Message
	usage    llm.Usage
	err      error
	done     bool
}

// NewRecorder returns an empty Recorder.
func NewRecorder() *Recorder {
	return &Recorder{now: time.Now}
}

// Observe folds one event into the recording.
func (r *Recorder) Observe(ev llm.Event) {
	switch ev.Type {
	case llm.EventDelta:
		r.text.WriteString(ev.Text)
	case llm.EventToolCall:
		r.calls = append(r.calls, *ev.ToolCall)
		if ev.Message != nil {
			r.round = ev.Message
		}
	case llm.EventToolResult:
		r.flushRound()
		r.messages = append(r.messages, *ev.Message)
	case llm.EventCompleted:
		msg := *ev.Message
		if msg.Content == "" {
			msg.Content = r.text.String()
		}
		r.text.Reset()
		r.messages = append(r.messages, msg)
		r.usage = ev.Usage
		r.done = true
	case llm.EventFailed:
		r.err = ev.Err
		r.done = true
	}
}

// flushRound records the assistant message that requested the pending
// calls. The engine's copy is preferred: it was stamped before the tools ran,
// so it sorts ahead of their results when the history is replayed.
func (r *Recorder) flushRound() {
	if len(r.calls) == 0 {
		return
	}
	msg := llm.Message{
		Role:      llm.RoleAssistant,
		Content:   r.text.String(),
		CreatedAt: r.now(),
		ToolCalls: r.calls,
	}
	if r.round != nil {
		msg = *r.round
	}
	r.messages = append(r.messages, msg)
	r.text.Reset()
	r.calls = nil
	r.round = nil
}

// Messages returns the recorded messages in order. Tool calls that never got
// a result (the turn failed or was cancelled first) are left out, since a
// dangling call cannot be replayed.
func (r *Recorder) Messages() []llm.Message {
	return r.messages
}

// Usage returns the usage reported by the completed event.
func (r *Recorder) Usage() llm.Usage { return r.usage }

// Err returns the error of a failed event, if any.
func (r *Recorder) Err() error { return r.err }

// Done reports whether a terminal event was observed.
func (r *Recorder) Done() bool { return r.done }
