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

const weatherBaseURL = "https://api.weatherapi.com/v1/current.json"

// Weather looks up current conditions from WeatherAPI.
type Weather struct {
	apiKey  string
	baseURL string
	client  *http.Client
}

// NewWeather creates a weather tool bound to apiKey.
func NewWeather(apiKey string) *Weather {
	return &Weather{
		apiKey:  apiKey,
		baseURL: weatherBaseURL,
		client:  &http.Client{Timeout: 15 * time.Second},
	}
}

func (w *Weather) Name() string        { return "weather" }
func (w *Weather) Description() string { return "Get the current weather for a location" }
func (w *Weather) Parameters() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"location": {"type": "string", "description": "City name, postal code or lat,lon"},
			"unit": {"type": "string", "enum": ["celsius", "fahrenheit"], "description": "Temperature unit (default: celsius)"}
		},
		"required": ["location"]
	}`)
}

// RequiredArgs leaves unit optional.
func (w *Weather) RequiredArgs() []string { return []string{"location"} }

func (w *Weather) Describe(args json.RawMessage) string {
	var p struct {
		Location string `json:"location"`
	}
	json.Unmarshal(args, &p)
	return "Checking the weather in " + p.Location
}

type weatherResponse struct {
	Location struct {
		Name    string `json:"name"`
		Region  string `json:"region"`
		Country string `json:"country"`
	} `json:"location"`
	Current struct {
		TempC     float64 `json:"temp_c"`
		TempF     float64 `json:"temp_f"`
		Humidity  int     `json:"humidity"`
		WindKph   float64 `json:"wind_kph"`
		Condition struct {
			Text string `json:"text"`
		} `json:"condition"`
	} `json:"current"`
}

func (w *Weather) Execute(ctx context.Context, args json.RawMessage) (string, error) {
	var params struct {
		Location string `json:"location"`
		Unit     string `json:"unit"`
	}
	if err := json.Unmarshal(args, &params); err != nil {
		return "", llm.Wrap(llm.KindMalformedArguments, "parse args", err)
	}
	if params.Location == "" {
		return "", llm.Errorf(llm.KindMalformedArguments, "parse args", "location is required")
	}
	if w.apiKey == "" {
		return "", fmt.Errorf("weather API key is not configured")
	}

	u, err := url.Parse(w.baseURL)
	if err != nil {
		return "", fmt.Errorf("parse base URL: %w", err)
	}
	q := u.Query()
	q.Set("key", w.apiKey)
	q.Set("q", params.Location)
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("weather request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("weather API error (status %d): %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var result weatherResponse
	if err := json.Unmarshal(body, &result); err != nil {
		return "", fmt.Errorf("parse response: %w", err)
	}

	temp := fmt.Sprintf("%.1f°C", result.Current.TempC)
	if strings.EqualFold(params.Unit, "fahrenheit") {
		temp = fmt.Sprintf("%.1f°F", result.Current.TempF)
	}
	place := result.Location.Name
	if result.Location.Country != "" {
		place += ", " + result.Location.Country
	}
	return fmt.Sprintf("%s: %s, %s, humidity %d%%, wind %.0f km/h",
		place, result.Current.Condition.Text, temp, result.Current.Humidity, result.Current.WindKph), nil
}
