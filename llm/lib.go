package llm

import (
	"context"
	"fmt"

	"github.com/santiagomed/scribe/config"
	"github.com/santiagomed/scribe/logger"
)

// NewBackend builds the backend selected by cfg.Model.Provider, wrapped with
// the completion cache and the tellm recorder when they are configured.
func NewBackend(ctx context.Context, cfg *config.Config, l logger.Logger) (Backend, error) {
	if l == nil {
		l = logger.NewNullLogger()
	}
	l = l.WithField("provider", cfg.Model.Provider)

	var (
		b   Backend
		err error
	)
	switch cfg.Model.Provider {
	case config.ProviderOpenAI:
		b, err = NewOpenAIClient(cfg.Model.APIKey, cfg.Model.Endpoint, l)
	case config.ProviderAnthropic:
		b, err = NewAnthropicClient(cfg.Model.APIKey, cfg.Model.Endpoint, l)
	case config.ProviderGemini:
		b, err = NewGeminiClient(ctx, cfg.Model.APIKey, l)
	case config.ProviderOllama:
		b, err = NewOllamaClient(cfg.Model.Endpoint, l)
	default:
		return nil, fmt.Errorf("unknown model provider %q", cfg.Model.Provider)
	}
	if err != nil {
		return nil, err
	}

	if cfg.TellmURL != "" {
		rec := NewTellmRecorder(b, cfg.TellmURL, "", l)
		l.Info(fmt.Sprintf("Recording completions to %s as batch %s", cfg.TellmURL, rec.BatchID()))
		b = rec
	}
	if cfg.Cache.Size > 0 {
		b, err = NewCache(b, cfg.Cache.Size)
		if err != nil {
			return nil, err
		}
	}
	l.Debug(fmt.Sprintf("using backend %s with model %s", b.Name(), cfg.Model.Name))
	return b, nil
}

// OptionsFrom returns the per-call options configured for the model.
func OptionsFrom(cfg *config.Config) Options {
	return Options{
		Model:       cfg.Model.Name,
		Temperature: cfg.Model.Temperature,
		MaxTokens:   cfg.Model.MaxTokens,
		Timeout:     cfg.Model.Timeout,
	}
}

// PurgeCache drops cached completions when b is a completion cache. It
// reports whether anything was purged.
func PurgeCache(b Backend) bool {
	c, ok := b.(*Cache)
	if ok {
		c.Purge()
	}
	return ok
}
