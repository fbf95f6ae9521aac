package llms

import (
	"strings"
	"time"

	"github.com/viki-ai/viki/pkg/fault"
	"github.com/viki-ai/viki/pkg/httpclient"
	"github.com/viki-ai/viki/pkg/store"
)

const defaultTimeout = 120 * time.Second

// Hosts for the OpenAI-compatible gateways. The adapter appends
// /v1/chat/completions.
var compatibleHosts = map[string]string{
	"openai":      openaiDefaultHost,
	"groq":        "https://api.groq.com/openai",
	"openrouter":  "https://openrouter.ai/api",
	"cerebras":    "https://api.cerebras.ai",
	"azure":       "https://models.github.ai/inference",
	"huggingface": "https://router.huggingface.co",
}

// New builds a provider from a stored LLM configuration. Unsupported
// provider types and missing credentials come back as configuration faults
// so a chat turn can report them instead of failing opaquely.
func New(cfg store.LLMConfig) (Provider, error) {
	providerType := strings.ToLower(strings.TrimSpace(cfg.ProviderType))
	if cfg.Model == "" {
		return nil, fault.ConfigurationInvalid("llm config %s has no model", cfg.ID)
	}

	var tlsOpts []httpclient.Option
	if cfg.ConfigFile != "" {
		opt, err := httpclient.WithTLS(&httpclient.TLSConfig{CACertificate: cfg.ConfigFile})
		if err != nil {
			return nil, fault.ConfigurationInvalid("llm config %s has an invalid certificate bundle: %v", cfg.ID, err)
		}
		tlsOpts = append(tlsOpts, opt)
	}

	switch providerType {
	case "anthropic":
		if cfg.APIKey == "" {
			return nil, missingKey(cfg.ID, providerType)
		}
		return NewAnthropicProvider(cfg.Model, cfg.APIKey, cfg.EndpointURL, defaultTimeout, tlsOpts...), nil

	case "openai", "groq", "openrouter", "cerebras", "azure", "huggingface":
		if cfg.APIKey == "" {
			return nil, missingKey(cfg.ID, providerType)
		}
		host := cfg.EndpointURL
		if host == "" {
			host = compatibleHosts[providerType]
		}
		return NewOpenAIProvider(providerType, cfg.Model, cfg.APIKey, host, defaultTimeout, tlsOpts...), nil

	case "ollama":
		return NewOllamaProvider(cfg.Model, cfg.EndpointURL, defaultTimeout, tlsOpts...), nil

	default:
		return nil, fault.ConfigurationInvalid("unsupported llm provider %q in config %s", cfg.ProviderType, cfg.ID)
	}
}

func missingKey(configID, providerType string) error {
	return fault.ConfigurationInvalid("llm config %s requires an api key for provider %s", configID, providerType)
}
