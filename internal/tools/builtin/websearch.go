package builtin

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/user/gopherchat/pkg/llm"
)

// WebSearch searches the web via the Brave Search API.
type WebSearch struct {
	apiKey  string
	baseURL string
	client  *http.Client
}

// NewWebSearch creates a web search tool bound to a Brave API key.
func NewWebSearch(apiKey string) *WebSearch {
	return &WebSearch{
		apiKey:  apiKey,
		baseURL: "https://api.search.brave.com/res/v1/web/search",
		client:  &http.Client{Timeout: 15 * time.Second},
	}
}

func (b *WebSearch) Name() string        { return "web_search" }
func (b *WebSearch) Description() string { return "Search the web for current information" }
func (b *WebSearch) Parameters() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"query": {"type": "string", "description": "Search query"},
			"count": {"type": "integer", "description": "Number of results (default: 5, max: 20)"}
		},
		"required": ["query"]
	}`)
}

func (b *WebSearch) RequiredArgs() []string { return []string{"query"} }

func (b *WebSearch) Describe(args json.RawMessage) string {
	var p struct {
		Query string `json:"query"`
	}
	json.Unmarshal(args, &p)
	return fmt.Sprintf("Searching the web for %q", p.Query)
}

type searchResponse struct {
	Web struct {
		Results []searchResult `json:"results"`
	} `json:"web"`
}

type searchResult struct {
	Title       string `json:"title"`
	URL         string `json:"url"`
	Description string `json:"description"`
}

func (b *WebSearch) Execute(ctx context.Context, args json.RawMessage) (string, error) {
	var params struct {
		Query string `json:"query"`
		Count int    `json:"count"`
	}
	if err := json.Unmarshal(args, &params); err != nil {
		return "", llm.Wrap(llm.KindMalformedArguments, "parse args", err)
	}
	if params.Query == "" {
		return "", llm.Errorf(llm.KindMalformedArguments, "parse args", "query is required")
	}
	params.Count = min(max(params.Count, 0), 20)
	if params.Count == 0 {
		params.Count = 5
	}

	u, err := url.Parse(b.baseURL)
	if err != nil {
		return "", fmt.Errorf("parse base URL: %w", err)
	}
	q := u.Query()
	q.Set("q", params.Query)
	q.Set("count", fmt.Sprintf("%d", params.Count))
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Subscription-Token", b.apiKey)

	resp, err := b.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("search request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("search API error (status %d): %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var result searchResponse
	if err := json.Unmarshal(body, &result); err != nil {
		return "", fmt.Errorf("parse response: %w", err)
	}
	if len(result.Web.Results) == 0 {
		return "No results found.", nil
	}

	var sb strings.Builder
	for i, r := range result.Web.Results {
		fmt.Fprintf(&sb, "%d. %s\n   %s\n   %s\n\n", i+1, r.Title, r.URL, r.Description)
	}
	return strings.TrimRight(sb.String(), "\n"), nil
}
