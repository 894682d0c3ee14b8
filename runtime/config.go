package runtime

import (
	"github.com/hupe1980/agencyhost/core"
	"github.com/hupe1980/agencyhost/credential"
	"github.com/hupe1980/agencyhost/storage"
)

// Default model names per provider, used when neither the credentials nor
// the host defaults name one.
const (
	DefaultOpenAIModel     = "gpt-4o-mini"
	DefaultOpenRouterModel = "openai/gpt-4o-mini"
	DefaultAnthropicModel  = "claude-3-5-sonnet-20241022"
)

// Auth is the identity the engine acts on behalf of.
type Auth struct {
	UserID string
	Tier   string
}

// Subscription describes the entitlements of the current user.
type Subscription struct {
	Tier string
	// MaxConcurrentStreams bounds parallel generation in the engine.
	// 0 means unlimited.
	MaxConcurrentStreams int
}

// Config is the immutable runtime configuration assembled once per
// credential fingerprint and handed to the EngineFactory.
type Config struct {
	Fingerprint credential.Fingerprint

	// Provider selection.
	Provider credential.Provider
	APIKey   string
	BaseURL  string
	Model    string

	// Collaborators.
	Catalog core.PersonaCatalog
	Storage storage.Adapter

	DefaultPersonaID string

	Auth         Auth
	Subscription Subscription
}

// Defaults fill Config fields the credentials do not specify.
type Defaults struct {
	UserID           string
	Tier             string
	Model            string
	DefaultPersonaID string
}

var tierConcurrency = map[string]int{
	"free": 2,
	"pro":  8,
}

// BuildConfig derives the provider part of a Config from credentials. The
// returned Config has no Catalog or Storage; the host attaches those. It
// fails with *core.ConfigurationError when no provider key is present.
func BuildConfig(creds credential.Set, d Defaults) (Config, error) {
	pc, ok := creds.SelectProvider()
	if !ok {
		return Config{}, &core.ConfigurationError{
			Reason: "set one of " + credential.OpenAIAPIKey + ", " + credential.OpenRouterAPIKey + " or " + credential.AnthropicAPIKey,
			Err:    core.ErrNoProviderCredential,
		}
	}

	model, ok := creds.Get(credential.DefaultModel)
	if !ok {
		model = d.Model
	}
	if model == "" {
		switch pc.Provider {
		case credential.ProviderOpenRouter:
			model = DefaultOpenRouterModel
		case credential.ProviderAnthropic:
			model = DefaultAnthropicModel
		default:
			model = DefaultOpenAIModel
		}
	}

	// An unset tier leaves generation unbounded; only a named tier caps it.
	tier, ok := creds.Get(credential.UserTier)
	if !ok {
		tier = d.Tier
	}
	userID := d.UserID
	if userID == "" {
		userID = "local-user"
	}

	return Config{
		Fingerprint:      creds.Fingerprint(),
		Provider:         pc.Provider,
		APIKey:           pc.APIKey,
		BaseURL:          pc.BaseURL,
		Model:            model,
		DefaultPersonaID: d.DefaultPersonaID,
		Auth:             Auth{UserID: userID, Tier: tier},
		Subscription:     Subscription{Tier: tier, MaxConcurrentStreams: tierConcurrency[tier]},
	}, nil
}
