// Package config loads and edits the gopherchat configuration file.
package config

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
)

// ProviderConfig holds connection settings for one provider family.
type ProviderConfig struct {
	BaseURL    string `json:"base_url"`
	APIKey     string `json:"api_key"`
	APIVersion string `json:"api_version"`
}

// Defaults are the completion settings new conversations start with.
type Defaults struct {
	Model                  string   `json:"model"`
	Temperature            float32  `json:"temperature"`
	TopP                   float32  `json:"top_p"`
	FrequencyPenalty       float32  `json:"frequency_penalty"`
	PresencePenalty        float32  `json:"presence_penalty"`
	MaxTokens              int32    `json:"max_tokens"`
	ManageMaxAutomatically bool     `json:"manage_max_automatically"`
	SystemPrompt           string   `json:"system_prompt"`
	Streaming              bool     `json:"streaming"`
	EnabledTools           []string `json:"enabled_tools"`
	MaxToolDepth           int      `json:"max_tool_depth"`
}

// ModelConfig describes a model missing from the built-in catalog, such as
// a local model or an Azure deployment.
type ModelConfig struct {
	Provider        string  `json:"provider"`
	ID              string  `json:"id"`
	DisplayName     string  `json:"display_name,omitempty"`
	Deployment      string  `json:"deployment,omitempty"`
	ContextLength   int     `json:"context_length"`
	MaxOutputTokens int     `json:"max_output_tokens,omitempty"`
	SentPer1K       float64 `json:"sent_per_1k,omitempty"`
	ReceivedPer1K   float64 `json:"received_per_1k,omitempty"`
	FunctionCalling bool    `json:"function_calling"`
}

type Config struct {
	DataDir       string `json:"data_dir"`
	LogLevel      string `json:"log_level"`
	MaxConcurrent int    `json:"max_concurrent"`
	Providers     struct {
		OpenAI    ProviderConfig `json:"openai"`
		Azure     ProviderConfig `json:"azure"`
		Anthropic ProviderConfig `json:"anthropic"`
		Local     ProviderConfig `json:"local"`
	} `json:"providers"`
	Defaults Defaults `json:"defaults"`
	Tools    struct {
		Brave struct {
			APIKey string `json:"api_key"`
		} `json:"brave"`
		Weather struct {
			APIKey string `json:"api_key"`
		} `json:"weather"`
	} `json:"tools"`
	Models []ModelConfig `json:"models"`
}

// DefaultPath returns ~/.gopherchat/config.json.
func DefaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		home = os.Getenv("HOME")
	}
	return filepath.Join(home, ".gopherchat", "config.json")
}

// Default returns the configuration written on first run.
func Default() *Config {
	cfg := &Config{
		DataDir:       filepath.Dir(DefaultPath()),
		LogLevel:      "info",
		MaxConcurrent: 4,
	}
	cfg.Providers.OpenAI.BaseURL = "https://api.openai.com/v1"
	cfg.Providers.Azure.APIVersion = "2024-02-01"
	cfg.Providers.Anthropic.BaseURL = "https://api.anthropic.com"
	cfg.Providers.Anthropic.APIVersion = "2023-06-01"
	cfg.Providers.Local.BaseURL = "http://localhost:11434/v1"

	cfg.Defaults = Defaults{
		Model:                  "gpt-4o-mini",
		Temperature:            0.7,
		TopP:                   1,
		ManageMaxAutomatically: true,
		SystemPrompt:           "You are a helpful assistant.",
		Streaming:              true,
		EnabledTools:           []string{"calculator", "read_url", "weather", "web_search"},
		MaxToolDepth:           5,
	}
	cfg.Models = []ModelConfig{}
	return cfg
}

// Load reads the config at path, writing defaults there if the file does
// not exist. Environment variables override file values.
func Load(path string) (*Config, error) {
	cfg := Default()

	if _, err := os.Stat(path); err == nil {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	} else if os.IsNotExist(err) {
		if err := Save(path, cfg); err != nil {
			return nil, err
		}
	}

	applyEnv(cfg)
	return cfg, nil
}

// applyEnv overrides cfg from the environment (highest precedence).
func applyEnv(cfg *Config) {
	overrides := []struct {
		env string
		dst *string
	}{
		{"OPENAI_API_KEY", &cfg.Providers.OpenAI.APIKey},
		{"OPENAI_BASE_URL", &cfg.Providers.OpenAI.BaseURL},
		{"AZURE_OPENAI_API_KEY", &cfg.Providers.Azure.APIKey},
		{"AZURE_OPENAI_ENDPOINT", &cfg.Providers.Azure.BaseURL},
		{"ANTHROPIC_API_KEY", &cfg.Providers.Anthropic.APIKey},
		{"LOCAL_LLM_BASE_URL", &cfg.Providers.Local.BaseURL},
		{"BRAVE_API_KEY", &cfg.Tools.Brave.APIKey},
		{"WEATHER_API_KEY", &cfg.Tools.Weather.APIKey},
	}
	for _, o := range overrides {
		if v := os.Getenv(o.env); v != "" {
			*o.dst = v
		}
	}
}

// Save writes cfg to path atomically.
func Save(path string, cfg *Config) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	return writeFile(path, append(data, '\n'))
}

func writeFile(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0o600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rename config: %w", err)
	}
	return nil
}

// Level parses LogLevel, defaulting to info.
func (c *Config) Level() slog.Level {
	switch strings.ToLower(c.LogLevel) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
