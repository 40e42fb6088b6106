package config

import (
	"fmt"
	"strings"

	"github.com/user/gopherchat/internal/tools/builtin"
	"github.com/user/gopherchat/pkg/llm"
)

// Resolver finds a model descriptor by name. *catalog.Catalog implements it.
type Resolver interface {
	Lookup(name string) (llm.ModelDescriptor, bool)
}

// Descriptors converts the configured custom models to descriptors.
func (c *Config) Descriptors() []llm.ModelDescriptor {
	out := make([]llm.ModelDescriptor, 0, len(c.Models))
	for _, m := range c.Models {
		out = append(out, llm.ModelDescriptor{
			Provider:        llm.ProviderKind(strings.ToLower(m.Provider)),
			DisplayName:     m.DisplayName,
			ID:              m.ID,
			Deployment:      m.Deployment,
			ContextLength:   m.ContextLength,
			MaxOutputTokens: m.MaxOutputTokens,
			Pricing:         llm.Pricing{SentPer1K: m.SentPer1K, ReceivedPer1K: m.ReceivedPer1K},
			FunctionCalling: m.FunctionCalling,
		})
	}
	return out
}

// Settings builds completion settings from Defaults. When the default model
// is unknown the returned settings carry llm.NoModel along with an error, so
// callers may still run with a model chosen later.
func (c *Config) Settings(r Resolver) (llm.Settings, error) {
	s := llm.Settings{
		Model:                  llm.NoModel,
		Temperature:            c.Defaults.Temperature,
		TopP:                   c.Defaults.TopP,
		FrequencyPenalty:       c.Defaults.FrequencyPenalty,
		PresencePenalty:        c.Defaults.PresencePenalty,
		MaxTokens:              c.Defaults.MaxTokens,
		ManageMaxAutomatically: c.Defaults.ManageMaxAutomatically,
		SystemPrompt:           c.Defaults.SystemPrompt,
		StreamingEnabled:       c.Defaults.Streaming,
		EnabledTools:           EnabledSet(c.Defaults.EnabledTools),
	}
	if c.Defaults.Model == "" {
		return s, fmt.Errorf("no default model configured")
	}
	d, ok := r.Lookup(c.Defaults.Model)
	if !ok {
		return s, fmt.Errorf("unknown default model %q", c.Defaults.Model)
	}
	s.Model = d
	return s, nil
}

// EnabledSet turns a tool name list into the set form used by llm.Settings.
func EnabledSet(names []string) map[string]bool {
	set := make(map[string]bool, len(names))
	for _, n := range names {
		if n = strings.TrimSpace(n); n != "" {
			set[n] = true
		}
	}
	return set
}

// Credentials returns the tool credential map for tools.Registry.SetCredentials.
func (c *Config) Credentials() map[string]string {
	return map[string]string{
		builtin.CredentialWeather:   c.Tools.Weather.APIKey,
		builtin.CredentialWebSearch: c.Tools.Brave.APIKey,
	}
}

// Provider returns the connection settings for kind.
func (c *Config) Provider(kind llm.ProviderKind) llm.Config {
	var p ProviderConfig
	switch kind {
	case llm.ProviderOpenAI:
		p = c.Providers.OpenAI
	case llm.ProviderAzure:
		p = c.Providers.Azure
	case llm.ProviderAnthropic:
		p = c.Providers.Anthropic
	case llm.ProviderLocal:
		p = c.Providers.Local
	}
	return llm.Config{BaseURL: p.BaseURL, APIKey: p.APIKey, APIVersion: p.APIVersion}
}
