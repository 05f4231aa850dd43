package llm

import (
	"context"
	"fmt"
	"log/slog"
)

// FallbackProvider tries providers in order until one answers.
type FallbackProvider struct {
	providers []Provider
	logger    *slog.Logger
}

var _ Provider = (*FallbackProvider)(nil)

// NewFallbackProvider creates a provider that tries each provider in order.
func NewFallbackProvider(providers []Provider, logger *slog.Logger) (*FallbackProvider, error) {
	if len(providers) == 0 {
		return nil, fmt.Errorf("fallback provider requires at least one provider")
	}
	return &FallbackProvider{
		providers: providers,
		logger:    logger,
	}, nil
}

// SendMessage returns the first successful response.
// A cancelled context stops the chain immediately.
func (f *FallbackProvider) SendMessage(ctx context.Context, req *Request) (*Response, error) {
	var lastErr error
	for i, p := range f.providers {
		resp, err := p.SendMessage(ctx, req)
		if err == nil {
			if i > 0 {
				f.logger.InfoContext(ctx, "provider fallback succeeded",
					slog.String("provider", p.Name()),
					slog.Int("attempt", i+1),
				)
			}
			return resp, nil
		}
		if ctx.Err() != nil {
			return nil, err
		}
		lastErr = err
		f.logger.WarnContext(ctx, "provider failed, trying next",
			slog.String("provider", p.Name()),
			slog.String("error", err.Error()),
			slog.Int("remaining", len(f.providers)-i-1),
		)
	}
	return nil, fmt.Errorf("all %d providers failed, last error: %w", len(f.providers), lastErr)
}

// Name returns the primary provider's name with a fallback marker.
func (f *FallbackProvider) Name() string {
	return f.providers[0].Name() + "+fallback"
}
