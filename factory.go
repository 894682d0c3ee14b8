package agencyhost

import (
	"context"
	"fmt"

	anthropicsdk "github.com/anthropics/anthropic-sdk-go"

	"github.com/hupe1980/agencyhost/core"
	"github.com/hupe1980/agencyhost/credential"
	"github.com/hupe1980/agencyhost/engine"
	"github.com/hupe1980/agencyhost/logging"
	"github.com/hupe1980/agencyhost/model"
	"github.com/hupe1980/agencyhost/model/anthropic"
	"github.com/hupe1980/agencyhost/model/openai"
	"github.com/hupe1980/agencyhost/runtime"
)

// NewModel returns the model client for the provider selected in cfg.
// OpenRouter is served through the OpenAI compatible client.
func NewModel(cfg runtime.Config) (model.Model, error) {
	switch cfg.Provider {
	case credential.ProviderOpenAI, credential.ProviderOpenRouter:
		return openai.NewModel(func(o *openai.Options) {
			o.Model = cfg.Model
			o.APIKey = cfg.APIKey
			o.BaseURL = cfg.BaseURL
			o.Provider = string(cfg.Provider)
		}), nil
	case credential.ProviderAnthropic:
		return anthropic.NewModel(func(o *anthropic.Options) {
			o.Model = anthropicsdk.Model(cfg.Model)
			o.APIKey = cfg.APIKey
			o.BaseURL = cfg.BaseURL
		}), nil
	default:
		return nil, &core.ConfigurationError{Reason: fmt.Sprintf("unsupported provider %q", cfg.Provider)}
	}
}

// NewEngineFactory returns a runtime.EngineFactory building the default
// engine. The subscription's stream limit, when set, overrides
// base.MaxConcurrentRequests.
func NewEngineFactory(base engine.Config, logger logging.Logger) runtime.EngineFactory {
	return newEngineFactory(base, logger, NewModel)
}

func newEngineFactory(base engine.Config, logger logging.Logger, newModel func(runtime.Config) (model.Model, error)) runtime.EngineFactory {
	logger = logging.OrNoOp(logger)
	return func(_ context.Context, cfg runtime.Config) (core.Engine, error) {
		m, err := newModel(cfg)
		if err != nil {
			return nil, err
		}
		ec := base
		if cfg.Subscription.MaxConcurrentStreams > 0 {
			ec.MaxConcurrentRequests = cfg.Subscription.MaxConcurrentStreams
		}
		return engine.New(func(o *engine.Options) {
			o.Config = ec
			o.Model = m
			o.Catalog = cfg.Catalog
			o.Storage = cfg.Storage
			o.DefaultPersonaID = cfg.DefaultPersonaID
			o.DefaultModel = cfg.Model
			o.Logger = logger
		})
	}
}
