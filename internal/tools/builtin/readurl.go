package builtin

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"strings"
	"time"

	htmltomarkdown "github.com/JohannesKaufmann/html-to-markdown/v2"
	"github.com/JohannesKaufmann/html-to-markdown/v2/converter"

	"github.com/user/gopherchat/pkg/llm"
)

const (
	defaultReadChars = 50000
	maxReadBytes     = 4 << 20
	truncatedMarker  = "\n\n[Content truncated]"
)

// ReadURL fetches a web page for the model. HTML is converted to markdown
// with links made absolute; plain text and JSON pass through unchanged.
type ReadURL struct {
	client *http.Client
}

// NewReadURL creates a read_url tool.
func NewReadURL() *ReadURL {
	return &ReadURL{client: &http.Client{Timeout: 30 * time.Second}}
}

type readURLArgs struct {
	URL      string `json:"url"`
	MaxChars int    `json:"max_chars"`
}

func (r *ReadURL) Name() string { return "read_url" }

func (r *ReadURL) Description() string {
	return "Fetch a web page and return its readable content as markdown"
}

func (r *ReadURL) Parameters() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"url": {"type": "string", "description": "Absolute http or https URL"},
			"max_chars": {"type": "integer", "description": "Truncate the result to this many characters (default 50000)"}
		},
		"required": ["url"]
	}`)
}

func (r *ReadURL) Describe(args json.RawMessage) string {
	var a readURLArgs
	_ = json.Unmarshal(args, &a)
	if u, err := url.Parse(a.URL); err == nil && u.Host != "" {
		return "Reading " + u.Host
	}
	return "Reading " + a.URL
}

func (r *ReadURL) Execute(ctx context.Context, args json.RawMessage) (string, error) {
	var a readURLArgs
	if err := json.Unmarshal(args, &a); err != nil {
		return "", llm.Wrap(llm.KindMalformedArguments, "parse args", err)
	}
	target, err := url.Parse(a.URL)
	if err != nil || (target.Scheme != "http" && target.Scheme != "https") || target.Host == "" {
		return "", fmt.Errorf("url must be an absolute http(s) URL, got %q", a.URL)
	}
	limit := a.MaxChars
	if limit <= 0 || limit > defaultReadChars {
		limit = defaultReadChars
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target.String(), nil)
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("User-Agent", "gopherchat/1.0")
	req.Header.Set("Accept", "text/html, text/plain;q=0.9, */*;q=0.5")

	resp, err := r.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetch %s: %w", target.Host, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", fmt.Errorf("fetch %s: status %d", target.Host, resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxReadBytes))
	if err != nil {
		return "", fmt.Errorf("read body: %w", err)
	}

	text := string(body)
	if isHTML(resp.Header.Get("Content-Type")) {
		domain := target.Scheme + "://" + target.Host
		text, err = htmltomarkdown.ConvertString(text, converter.WithDomain(domain))
		if err != nil {
			return "", fmt.Errorf("convert to markdown: %w", err)
		}
	}
	return truncate(strings.TrimSpace(text), limit), nil
}

// isHTML treats a missing content type as HTML, since that is what most
// servers omitting it send.
func isHTML(contentType string) bool {
	if contentType == "" {
		return true
	}
	mt, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return true
	}
	return mt == "text/html" || mt == "application/xhtml+xml"
}

func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[:limit] + truncatedMarker
}
