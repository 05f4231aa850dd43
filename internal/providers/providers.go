// Package providers builds LLM providers from configuration and per-requester keys.
package providers

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"slices"

	"github.com/jkaninda/archdraw/internal/config"
	"github.com/jkaninda/archdraw/internal/llm"
	"github.com/jkaninda/archdraw/internal/llm/anthropic"
	"github.com/jkaninda/archdraw/internal/llm/gemini"
	"github.com/jkaninda/archdraw/internal/llm/gigachat"
	"github.com/jkaninda/archdraw/internal/llm/openai"
)

const (
	ProxyAPIBaseURL      = "https://proxyapi.ru/v1"
	ProxyAPIDefaultModel = "gpt-3.5-turbo"
	OllamaBaseURL        = "http://localhost:11434/v1"
	OpenAIDefaultModel   = "gpt-4o-mini"
	OllamaDefaultModel   = "llama3.2"
)

var (
	// ErrNoAPIKey is returned when neither the requester nor the configuration supplies a key.
	ErrNoAPIKey = errors.New("no API key configured")
	// ErrUnknownProvider is returned for a name outside config.ProviderNames.
	ErrUnknownProvider = errors.New("unknown provider")
)

// Registry creates providers by name. It is safe for concurrent use.
type Registry struct {
	cfg        config.ProvidersConfig
	logger     *slog.Logger
	httpClient *http.Client
	instrument func(llm.Provider) llm.Provider
}

// Option configures the registry.
type Option func(*Registry)

// WithHTTPClient sets the transport shared by every provider.
func WithHTTPClient(hc *http.Client) Option {
	return func(r *Registry) { r.httpClient = hc }
}

// WithInstrumentation wraps every provider returned by New.
func WithInstrumentation(wrap func(llm.Provider) llm.Provider) Option {
	return func(r *Registry) { r.instrument = wrap }
}

// New creates a registry over already-resolved provider settings.
func New(cfg config.ProvidersConfig, logger *slog.Logger, opts ...Option) *Registry {
	r := &Registry{cfg: cfg, logger: logger}
	for _, opt := range opts {
		opt(r)
	}
	if r.httpClient == nil {
		r.httpClient = &http.Client{Timeout: cfg.RequestTimeout()}
	}
	return r
}

// Default returns the configured default provider name.
func (r *Registry) Default() string {
	if r.cfg.Default == "" {
		return "gigachat"
	}
	return r.cfg.Default
}

// Names lists the supported provider names.
func (r *Registry) Names() []string {
	return slices.Clone(config.ProviderNames)
}

// RequiresKey reports whether name needs an API key. Ollama runs locally without one.
func RequiresKey(name string) bool {
	return name != "ollama"
}

// ServerKey returns the configured key for name, or "".
func (r *Registry) ServerKey(name string) string {
	return r.cfg.Provider(name).APIKey
}

// DefaultModel returns the model used when a requester has not chosen one.
func (r *Registry) DefaultModel(name string) string {
	if m := r.cfg.Provider(name).Model; m != "" {
		return m
	}
	switch name {
	case "gigachat":
		return gigachat.DefaultModel
	case "proxyapi":
		return ProxyAPIDefaultModel
	case "openai":
		return OpenAIDefaultModel
	case "anthropic":
		return anthropic.DefaultModel
	case "gemini":
		return gemini.DefaultModel
	case "ollama":
		return OllamaDefaultModel
	}
	return ""
}

// New returns a provider for name using apiKey, or the configured key when
// apiKey is empty. An empty name selects the default provider and an empty
// model selects DefaultModel. When the default provider is built from the
// server key, the configured fallback chain is appended.
func (r *Registry) New(name, apiKey, model string) (llm.Provider, error) {
	if name == "" {
		name = r.Default()
	}
	ownKey := apiKey != ""
	p, err := r.build(name, apiKey, model)
	if err != nil {
		return nil, err
	}

	if !ownKey && name == r.Default() && len(r.cfg.Fallback) > 0 {
		chain := []llm.Provider{p}
		for _, fb := range r.cfg.Fallback {
			if fb == name {
				continue
			}
			fp, err := r.build(fb, "", "")
			if err != nil {
				r.logger.Warn("skipping fallback provider",
					slog.String("provider", fb),
					slog.String("error", err.Error()),
				)
				continue
			}
			chain = append(chain, fp)
		}
		if len(chain) > 1 {
			fallback, err := llm.NewFallbackProvider(chain, r.logger)
			if err != nil {
				return nil, err
			}
			p = fallback
		}
	}

	if r.instrument != nil {
		p = r.instrument(p)
	}
	return p, nil
}

// Models lists the models available to apiKey on name.
func (r *Registry) Models(ctx context.Context, name, apiKey string) ([]llm.Model, error) {
	p, err := r.build(name, apiKey, "")
	if err != nil {
		return nil, err
	}
	lister, ok := p.(llm.ModelLister)
	if !ok {
		return []llm.Model{{ID: r.DefaultModel(name)}}, nil
	}
	return lister.ListModels(ctx)
}

// Check verifies apiKey against name without spending a completion.
func (r *Registry) Check(ctx context.Context, name, apiKey string) error {
	if apiKey == "" && RequiresKey(name) {
		return ErrNoAPIKey
	}
	p, err := r.build(name, apiKey, "")
	if err != nil {
		return err
	}
	checker, ok := p.(llm.CredentialChecker)
	if !ok {
		return nil
	}
	return checker.CheckCredentials(ctx)
}

// build creates an uninstrumented provider.
func (r *Registry) build(name, apiKey, model string) (llm.Provider, error) {
	if !slices.Contains(config.ProviderNames, name) {
		return nil, fmt.Errorf("%w: %q", ErrUnknownProvider, name)
	}
	pc := r.cfg.Provider(name)
	if apiKey == "" {
		apiKey = pc.APIKey
	}
	if apiKey == "" && RequiresKey(name) {
		return nil, fmt.Errorf("%s: %w", name, ErrNoAPIKey)
	}
	if model == "" {
		model = r.DefaultModel(name)
	}

	switch name {
	case "gigachat":
		gc := r.cfg.GigaChat
		var opts []gigachat.Option
		// Custom TLS settings need gigachat's own transport.
		if !gc.InsecureSkipVerify {
			opts = append(opts, gigachat.WithHTTPClient(r.httpClient))
		}
		return gigachat.New(gigachat.Config{
			ClientSecret:       apiKey,
			Model:              model,
			Scope:              gc.Scope,
			AuthURL:            gc.AuthURL,
			BaseURL:            gc.BaseURL,
			InsecureSkipVerify: gc.InsecureSkipVerify,
			Timeout:            r.cfg.RequestTimeout(),
		}, r.logger, opts...), nil
	case "proxyapi":
		return openai.NewClient(apiKey, model, r.logger,
			openai.WithBaseURL(orDefault(pc.BaseURL, ProxyAPIBaseURL)),
			openai.WithHTTPClient(r.httpClient),
			openai.WithName("proxyapi"),
		), nil
	case "openai":
		return openai.NewClient(apiKey, model, r.logger,
			openai.WithBaseURL(orDefault(pc.BaseURL, openai.DefaultBaseURL)),
			openai.WithHTTPClient(r.httpClient),
		), nil
	case "ollama":
		return openai.NewClient(apiKey, model, r.logger,
			openai.WithBaseURL(orDefault(pc.BaseURL, OllamaBaseURL)),
			openai.WithHTTPClient(r.httpClient),
			openai.WithName("ollama"),
		), nil
	case "anthropic":
		opts := []anthropic.Option{anthropic.WithHTTPClient(r.httpClient)}
		if pc.BaseURL != "" {
			opts = append(opts, anthropic.WithBaseURL(pc.BaseURL))
		}
		return anthropic.NewClient(apiKey, model, r.logger, opts...), nil
	case "gemini":
		opts := []gemini.Option{gemini.WithHTTPClient(r.httpClient)}
		if pc.BaseURL != "" {
			opts = append(opts, gemini.WithBaseURL(pc.BaseURL))
		}
		return gemini.NewClient(apiKey, model, r.logger, opts...), nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownProvider, name)
}

func orDefault(v, def string) string {
	if v != "" {
		return v
	}
	return def
}
