package catalog

import "github.com/user/gopherchat/pkg/llm"

// Builtin returns a fresh copy of the models known without configuration.
func Builtin() []llm.ModelDescriptor {
	return []llm.ModelDescriptor{
		// OpenAI
		{Provider: llm.ProviderOpenAI, DisplayName: "GPT-3.5 Turbo", ID: "gpt-3.5-turbo", ContextLength: 4096,
			Pricing: llm.Pricing{SentPer1K: 0.0015, ReceivedPer1K: 0.002}, FunctionCalling: true},
		{Provider: llm.ProviderOpenAI, DisplayName: "GPT-3.5 Turbo 16K", ID: "gpt-3.5-turbo-16k", ContextLength: 16385,
			Pricing: llm.Pricing{SentPer1K: 0.003, ReceivedPer1K: 0.004}, FunctionCalling: true},
		{Provider: llm.ProviderOpenAI, DisplayName: "GPT-4", ID: "gpt-4", ContextLength: 8192,
			Pricing: llm.Pricing{SentPer1K: 0.03, ReceivedPer1K: 0.06}, FunctionCalling: true},
		{Provider: llm.ProviderOpenAI, DisplayName: "GPT-4 32K", ID: "gpt-4-32k", ContextLength: 32768,
			Pricing: llm.Pricing{SentPer1K: 0.06, ReceivedPer1K: 0.12}, FunctionCalling: true},
		{Provider: llm.ProviderOpenAI, DisplayName: "GPT-4 Turbo", ID: "gpt-4-turbo", ContextLength: 128000, MaxOutputTokens: 4096,
			Pricing: llm.Pricing{SentPer1K: 0.01, ReceivedPer1K: 0.03}, FunctionCalling: true},
		{Provider: llm.ProviderOpenAI, DisplayName: "GPT-4o", ID: "gpt-4o", ContextLength: 128000, MaxOutputTokens: 16384,
			Pricing: llm.Pricing{SentPer1K: 0.0025, ReceivedPer1K: 0.01}, FunctionCalling: true},
		{Provider: llm.ProviderOpenAI, DisplayName: "GPT-4o mini", ID: "gpt-4o-mini", ContextLength: 128000, MaxOutputTokens: 16384,
			Pricing: llm.Pricing{SentPer1K: 0.00015, ReceivedPer1K: 0.0006}, FunctionCalling: true},

		// Anthropic
		{Provider: llm.ProviderAnthropic, DisplayName: "Claude 3 Haiku", ID: "claude-3-haiku-20240307", ContextLength: 200000, MaxOutputTokens: 4096,
			Pricing: llm.Pricing{SentPer1K: 0.00025, ReceivedPer1K: 0.00125}, FunctionCalling: true},
		{Provider: llm.ProviderAnthropic, DisplayName: "Claude 3 Opus", ID: "claude-3-opus-20240229", ContextLength: 200000, MaxOutputTokens: 4096,
			Pricing: llm.Pricing{SentPer1K: 0.015, ReceivedPer1K: 0.075}, FunctionCalling: true},
		{Provider: llm.ProviderAnthropic, DisplayName: "Claude 3.5 Haiku", ID: "claude-3-5-haiku-20241022", ContextLength: 200000, MaxOutputTokens: 8192,
			Pricing: llm.Pricing{SentPer1K: 0.0008, ReceivedPer1K: 0.004}, FunctionCalling: true},
		{Provider: llm.ProviderAnthropic, DisplayName: "Claude 3.5 Sonnet", ID: "claude-3-5-sonnet-20241022", ContextLength: 200000, MaxOutputTokens: 8192,
			Pricing: llm.Pricing{SentPer1K: 0.003, ReceivedPer1K: 0.015}, FunctionCalling: true},
	}
}
