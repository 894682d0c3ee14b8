package credential

// Provider names a model provider reachable with a credential.
type Provider string

const (
	ProviderOpenAI     Provider = "openai"
	ProviderOpenRouter Provider = "openrouter"
	ProviderAnthropic  Provider = "anthropic"
)

// ProviderCredential is the resolved credential for one provider.
type ProviderCredential struct {
	Provider Provider
	APIKey   string
	BaseURL  string
}

// providerKeys lists the providers in selection priority order.
var providerKeys = []struct {
	provider Provider
	key      string
	env      string
}{
	{ProviderOpenAI, OpenAIAPIKey, "OPENAI_API_KEY"},
	{ProviderOpenRouter, OpenRouterAPIKey, "OPENROUTER_API_KEY"},
	{ProviderAnthropic, AnthropicAPIKey, "ANTHROPIC_API_KEY"},
}

// OpenRouterBaseURL is the OpenAI-compatible endpoint used for OpenRouter.
const OpenRouterBaseURL = "https://openrouter.ai/api/v1"

// SelectProvider returns the highest-priority provider with a non-empty key.
func (s Set) SelectProvider() (ProviderCredential, bool) {
	for _, pk := range providerKeys {
		key, ok := s.Get(pk.key)
		if !ok {
			continue
		}
		pc := ProviderCredential{Provider: pk.provider, APIKey: key}
		switch pk.provider {
		case ProviderOpenRouter:
			pc.BaseURL = OpenRouterBaseURL
		case ProviderOpenAI:
			pc.BaseURL, _ = s.Get(OpenAIBaseURL)
		}
		return pc, true
	}
	return ProviderCredential{}, false
}

// FromEnv builds a Set from the provider environment variables visible
// through lookup (typically os.LookupEnv).
func FromEnv(lookup func(string) (string, bool)) Set {
	s := Set{}
	for _, pk := range providerKeys {
		if v, ok := lookup(pk.env); ok && v != "" {
			s[pk.key] = v
		}
	}
	if v, ok := lookup("OPENAI_BASE_URL"); ok && v != "" {
		s[OpenAIBaseURL] = v
	}
	return s
}
