// Package sse decodes server-sent event streams incrementally.
//
// A Decoder accepts arbitrary byte chunks as they arrive from the network and
// returns the frames completed by each chunk. Framing follows the
// text/event-stream rules: lines end in LF, CRLF or CR; a blank line
// dispatches the pending frame; lines starting with ':' are comments.
// Delivering a stream in one chunk or split at any byte boundary yields the
// same frames.
package sse

import (
	"bytes"
	"fmt"
	"strings"
)

// DefaultMaxLine bounds a single unterminated line held in the buffer.
const DefaultMaxLine = 1 << 20

// Frame is one dispatched event.
type Frame struct {
	ID    string
	Event string
	Data  string
}

// Decoder is a stateful incremental SSE parser. It is not safe for
// concurrent use; each stream owns its own Decoder.
type Decoder struct {
	// MaxLine is the longest line accepted before Feed fails. Zero means DefaultMaxLine.
	MaxLine int

	buf     []byte
	pending frameBuilder
}

type frameBuilder struct {
	id      string
	event   string
	data    []string
	touched bool
}

func (b *frameBuilder) frame() Frame {
	return Frame{ID: b.id, Event: b.event, Data: strings.Join(b.data, "\n")}
}

// NewDecoder returns a Decoder with default limits.
func NewDecoder() *Decoder {
	return &Decoder{}
}

// Feed appends p to the internal buffer and returns every frame completed by it.
// Incomplete lines and frames stay buffered for the next call.
func (d *Decoder) Feed(p []byte) ([]Frame, error) {
	d.buf = append(d.buf, p...)

	var frames []Frame
	for {
		line, rest, ok := cutLine(d.buf)
		if !ok {
			break
		}
		d.buf = rest
		if f, dispatched := d.processLine(line); dispatched {
			frames = append(frames, f)
		}
	}

	limit := d.MaxLine
	if limit <= 0 {
		limit = DefaultMaxLine
	}
	if len(d.buf) > limit {
		return frames, fmt.Errorf("sse line exceeds %d bytes", limit)
	}

	// Compact so a long stream does not pin its whole history.
	if len(d.buf) == 0 {
		d.buf = d.buf[:0:0]
	}
	return frames, nil
}

// Buffered reports whether a partial line or frame is held back.
func (d *Decoder) Buffered() bool {
	return len(d.buf) > 0 || d.pending.touched
}

// cutLine splits the first complete line off buf. A trailing lone CR is not
// treated as complete because the next chunk may start with its LF.
func cutLine(buf []byte) (line, rest []byte, ok bool) {
	i := bytes.IndexAny(buf, "\r\n")
	if i < 0 {
		return nil, buf, false
	}
	if buf[i] == '\n' {
		return buf[:i], buf[i+1:], true
	}
	if i+1 == len(buf) {
		return nil, buf, false
	}
	if buf[i+1] == '\n' {
		return buf[:i], buf[i+2:], true
	}
	return buf[:i], buf[i+1:], true
}

func (d *Decoder) processLine(line []byte) (Frame, bool) {
	if len(line) == 0 {
		if !d.pending.touched {
			return Frame{}, false
		}
		f := d.pending.frame()
		d.pending = frameBuilder{}
		return f, true
	}
	if line[0] == ':' {
		return Frame{}, false
	}

	field, value := string(line), ""
	if i := bytes.IndexByte(line, ':'); i >= 0 {
		field = string(line[:i])
		value = string(line[i+1:])
		value = strings.TrimPrefix(value, " ")
	}

	switch field {
	case "data":
		d.pending.data = append(d.pending.data, value)
	case "event":
		d.pending.event = value
	case "id":
		d.pending.id = value
	default:
		// retry and unknown fields carry nothing we use
		return Frame{}, false
	}
	d.pending.touched = true
	return Frame{}, false
}
