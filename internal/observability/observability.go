// Package observability provides Prometheus metrics, OpenTelemetry tracing
// and health checks for archdraw.
// All components are optional and nil-safe: when disabled, wrappers
// skip recording with a single nil check per operation.
package observability

import (
	"context"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel/trace"

	"github.com/jkaninda/archdraw/internal/config"
	"github.com/jkaninda/archdraw/internal/llm"
)

// Observability is the top-level facade holding all observability components.
// Any field may be nil when that feature is disabled.
type Observability struct {
	Metrics *MetricsCollector
	Tracer  *TracerSetup
	Health  *HealthChecker
}

// New creates an Observability instance from config.
// Returns nil when the config is nil (all features disabled).
func New(cfg *config.ObservabilityConfig, logger *slog.Logger) (*Observability, error) {
	if cfg == nil {
		return nil, nil
	}

	obs := &Observability{}

	if cfg.MetricsEnabled() {
		obs.Metrics = NewMetricsCollector()
	}

	if cfg.TracingEnabled() {
		ts, err := NewTracerSetup(cfg.Tracing)
		if err != nil {
			return nil, fmt.Errorf("initializing tracing: %w", err)
		}
		obs.Tracer = ts
	}

	// Health checker is always created; checks are added by the caller.
	obs.Health = NewHealthChecker(logger)

	return obs, nil
}

// Shutdown flushes pending spans.
func (o *Observability) Shutdown(ctx context.Context) {
	if o == nil {
		return
	}
	if o.Tracer != nil {
		_ = o.Tracer.Shutdown(ctx)
	}
}

// TracerOrNil returns the tracer setup or nil if tracing is disabled.
func (o *Observability) TracerOrNil() *TracerSetup {
	if o == nil {
		return nil
	}
	return o.Tracer
}

// MetricsOrNil returns the collector or nil if metrics are disabled.
func (o *Observability) MetricsOrNil() *MetricsCollector {
	if o == nil {
		return nil
	}
	return o.Metrics
}

// Tracing returns a usable tracer; a no-op one when tracing is disabled.
func (o *Observability) Tracing() trace.Tracer {
	return o.TracerOrNil().Tracer()
}

// ProviderWrapper returns a function that instruments LLM providers,
// or nil when neither metrics nor tracing is enabled.
func (o *Observability) ProviderWrapper() func(llm.Provider) llm.Provider {
	if o == nil || (o.Metrics == nil && o.Tracer == nil) {
		return nil
	}
	return func(p llm.Provider) llm.Provider {
		return NewInstrumentedProvider(p, o.Metrics, o.Tracer)
	}
}
