package llm

import (
	"net/http"

	"github.com/user/gopherchat/pkg/llm/sse"
)

// Adapter translates between provider-agnostic turns and one provider
// family's wire format. Implementations are pure: they never perform I/O.
type Adapter interface {
	// Name returns the provider family name, used in logs and metrics.
	Name() string

	// BuildRequest renders messages and settings into an HTTP request.
	// Settings that violate the provider's limits fail with KindInvalidConfiguration.
	BuildRequest(messages []Message, tools []ToolDefinition, settings Settings) (*Request, error)

	// ParseFullResponse decodes a non-streamed response body.
	ParseFullResponse(body []byte) (*Response, error)

	// ParseStreamFrame decodes one SSE frame. A nil chunk with a nil error
	// means the frame carries nothing of interest (pings, role headers).
	// Undecodable payloads fail with KindMalformedFrame.
	ParseStreamFrame(frame sse.Frame) (*Chunk, error)
}

// Request is a fully rendered outbound call.
type Request struct {
	Method string
	URL    string
	Header http.Header
	Body   []byte
}

// Config holds common connection settings for an adapter.
type Config struct {
	BaseURL    string
	APIKey     string
	APIVersion string
}
