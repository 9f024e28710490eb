package llm

import (
	"os"
	"strings"
)

// Provider identifies a model provider.
type Provider string

const (
	ProviderAnthropic Provider = "anthropic"
	ProviderOllama    Provider = "ollama"
	ProviderOpenAI    Provider = "openai"
)

// ProviderConfig carries the credentials and endpoints used to build
// clients for participant models. Zero values defer to environment
// variables (ANTHROPIC_API_KEY, OPENAI_API_KEY, OPENAI_BASE_URL,
// OLLAMA_HOST).
type ProviderConfig struct {
	AnthropicAPIKey string
	OpenAIAPIKey    string
	OpenAIBaseURL   string
	OllamaHost      string
}

// ParseModelString splits a participant's model string into provider
// and bare model name.
//
//	"ollama/llama3.2"          → (ollama, "llama3.2")
//	"openai/gpt-4o"            → (openai, "gpt-4o")
//	"anthropic/claude-opus-4"  → (anthropic, "claude-opus-4")
//	"claude-sonnet-4-5"        → (anthropic, "claude-sonnet-4-5")
//	"gpt-4o"                   → (openai, "gpt-4o")
//
// Unprefixed names that match no known family fall back to whichever
// provider the environment is configured for, defaulting to Anthropic.
func ParseModelString(model string) (Provider, string) {
	if prefix, name, ok := strings.Cut(model, "/"); ok && prefix != "" {
		switch strings.ToLower(prefix) {
		case "ollama":
			return ProviderOllama, name
		case "openai":
			return ProviderOpenAI, name
		case "anthropic":
			return ProviderAnthropic, name
		}
	}

	lower := strings.ToLower(model)
	if strings.HasPrefix(lower, "claude") {
		return ProviderAnthropic, model
	}
	if strings.HasPrefix(lower, "gpt-") || strings.HasPrefix(lower, "o1") ||
		strings.HasPrefix(lower, "o3") || strings.HasPrefix(lower, "o4") {
		return ProviderOpenAI, model
	}

	if os.Getenv("OLLAMA_HOST") != "" {
		return ProviderOllama, model
	}
	if os.Getenv("OPENAI_API_KEY") != "" {
		return ProviderOpenAI, model
	}
	return ProviderAnthropic, model
}

// ClientFor builds the client for a participant's model string and
// returns it with the bare model name to send on requests.
func (c ProviderConfig) ClientFor(model string) (Client, string) {
	provider, name := ParseModelString(model)

	switch provider {
	case ProviderOllama:
		host := c.OllamaHost
		if host == "" {
			host = os.Getenv("OLLAMA_HOST")
		}
		return NewOllamaClient(host), name

	case ProviderOpenAI:
		apiKey := c.OpenAIAPIKey
		if apiKey == "" {
			apiKey = os.Getenv("OPENAI_API_KEY")
		}
		baseURL := c.OpenAIBaseURL
		if baseURL == "" {
			baseURL = os.Getenv("OPENAI_BASE_URL")
		}
		if baseURL != "" {
			return NewOpenAICompatibleClient(baseURL, apiKey), name
		}
		return NewOpenAIClient(apiKey), name

	default:
		return NewAnthropicClient(c.AnthropicAPIKey), name
	}
}
