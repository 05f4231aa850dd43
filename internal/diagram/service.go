// Package diagram runs diagram sessions on behalf of a requester: it
// resolves the requester's provider, model and key, generates the first
// script, drives the repair loop and records the run.
//
// At most one session per requester is in flight; a second request from the
// same requester fails with ErrBusy instead of queueing.
package diagram

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/jkaninda/archdraw/internal/domain"
	"github.com/jkaninda/archdraw/internal/generator"
	"github.com/jkaninda/archdraw/internal/llm"
	"github.com/jkaninda/archdraw/internal/observability"
	"github.com/jkaninda/archdraw/internal/providers"
	"github.com/jkaninda/archdraw/internal/repair"
	"github.com/jkaninda/archdraw/internal/storage"
)

var (
	ErrEmptyRequest = repair.ErrEmptyRequest
	ErrNoRequester  = repair.ErrNoRequester
	ErrNoAPIKey     = providers.ErrNoAPIKey
	// ErrBusy is returned while another session of the same requester is running.
	ErrBusy = errors.New("a diagram is already being generated for this requester")
	// ErrInvalidAPIKey is returned by SetAPIKey when the provider rejects the key.
	ErrInvalidAPIKey = errors.New("API key was rejected by the provider")
	ErrEmptyModel    = errors.New("model is empty")
)

// Registry builds providers. Implemented by *providers.Registry.
type Registry interface {
	New(name, apiKey, model string) (llm.Provider, error)
	Models(ctx context.Context, name, apiKey string) ([]llm.Model, error)
	Check(ctx context.Context, name, apiKey string) error
	Default() string
	DefaultModel(name string) string
	ServerKey(name string) string
	Names() []string
}

// GeneratorFactory turns a provider into a code generator.
type GeneratorFactory func(llm.Provider) generator.Generator

// Request is one diagram request.
type Request struct {
	RequesterID string
	Text        string
	// Provider and Model override the saved preferences for this request only.
	Provider string
	Model    string
	// Observe receives every repair loop state, in order. Optional.
	Observe repair.Observer
}

// Result is the outcome of a completed session. A session that exhausted
// its attempts is a Result, not an error.
type Result struct {
	RunID        uuid.UUID
	Status       domain.RunStatus
	ArtifactPath string
	Code         string
	Error        string
	Attempts     int
	Provider     string
	Model        string
	Duration     time.Duration
}

// Succeeded reports whether an artifact was produced.
func (r *Result) Succeeded() bool {
	return r != nil && r.Status == domain.RunSucceeded
}

// Profile is the effective configuration of a requester.
type Profile struct {
	RequesterID string
	Provider    string
	Model       string
	// HasOwnKey is true when the requester saved a key for Provider.
	HasOwnKey bool
	// HasServerKey is true when the configuration supplies a key for Provider.
	HasServerKey bool
}

// KeyReady reports whether a session can run without asking for a key.
func (p Profile) KeyReady() bool {
	return p.HasOwnKey || p.HasServerKey || !providers.RequiresKey(p.Provider)
}

// Service is safe for concurrent use.
type Service struct {
	store        storage.Store
	registry     Registry
	exec         repair.Executor
	logger       *slog.Logger
	tracer       trace.Tracer
	metrics      *observability.MetricsCollector
	newGenerator GeneratorFactory
	maxAttempts  int
	now          func() time.Time

	mu       sync.Mutex
	inflight map[string]struct{}
}

// Option configures the service.
type Option func(*Service)

// WithMaxAttempts bounds every session.
func WithMaxAttempts(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.maxAttempts = n
		}
	}
}

// WithGeneratorFactory replaces the default LLM-backed generator.
func WithGeneratorFactory(f GeneratorFactory) Option {
	return func(s *Service) { s.newGenerator = f }
}

// WithTracer records a "diagram.session" span per session.
func WithTracer(t trace.Tracer) Option {
	return func(s *Service) {
		if t != nil {
			s.tracer = t
		}
	}
}

// WithMetrics records session counts and durations.
func WithMetrics(m *observability.MetricsCollector) Option {
	return func(s *Service) { s.metrics = m }
}

// WithClock overrides the time source for run records.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// New creates a service. exec runs single attempts.
func New(store storage.Store, registry Registry, exec repair.Executor, logger *slog.Logger, opts ...Option) *Service {
	s := &Service{
		store:       store,
		registry:    registry,
		exec:        exec,
		logger:      logger,
		tracer:      noop.NewTracerProvider().Tracer(""),
		maxAttempts: repair.DefaultMaxAttempts,
		now:         time.Now,
		inflight:    make(map[string]struct{}),
	}
	s.newGenerator = func(p llm.Provider) generator.Generator {
		return generator.New(p, s.logger)
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Create runs one session to a terminal state.
//
// The returned error is non-nil for invalid input, ErrBusy, a missing key,
// a failed first generation or an environment failure. Exhausted and
// repair-failed sessions are reported through Result.Status.
func (s *Service) Create(ctx context.Context, req Request) (*Result, error) {
	text := strings.TrimSpace(req.Text)
	if text == "" {
		return nil, ErrEmptyRequest
	}
	if req.RequesterID == "" {
		return nil, ErrNoRequester
	}
	if !s.acquire(req.RequesterID) {
		return nil, ErrBusy
	}
	defer s.release(req.RequesterID)

	t, err := s.resolve(ctx, req.RequesterID, req.Provider, req.Model)
	if err != nil {
		return nil, err
	}
	provider, err := s.registry.New(t.provider, t.apiKey, t.model)
	if err != nil {
		return nil, err
	}
	gen := s.newGenerator(provider)

	ctx, span := s.tracer.Start(ctx, "diagram.session",
		trace.WithAttributes(
			attribute.String("requester", req.RequesterID),
			attribute.String("provider", t.provider),
			attribute.String("model", t.model),
		),
	)
	defer span.End()

	started := s.now()
	s.metrics.SessionStarted()
	run := &domain.DiagramRun{
		ID:          uuid.New(),
		RequesterID: req.RequesterID,
		Request:     text,
		Provider:    t.provider,
		Model:       t.model,
		CreatedAt:   started.UTC(),
	}
	finish := func(status domain.RunStatus) {
		run.Status = status
		run.Duration = s.now().Sub(started)
		s.metrics.SessionFinished(string(status), run.Duration)
		span.SetAttributes(attribute.String("status", string(status)))
		s.record(ctx, run)
	}

	code, err := gen.GenerateCode(ctx, text, req.RequesterID)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		run.Error = err.Error()
		finish(domain.RunFailed)
		return nil, fmt.Errorf("generating code: %w", err)
	}

	loop := repair.New(s.exec, gen, s.logger,
		repair.WithMaxAttempts(s.maxAttempts),
		repair.WithTracer(s.tracer),
	)
	outcome, err := loop.Run(ctx, repair.Session{
		RequesterID: req.RequesterID,
		Request:     text,
		InitialCode: code,
	}, req.Observe)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		run.Code = code
		run.Error = err.Error()
		finish(domain.RunFailed)
		return nil, err
	}

	run.Attempts = len(outcome.Attempts)
	run.Code = outcome.LastCode()
	run.Error = outcome.LastError()
	run.ArtifactPath = outcome.Artifact()
	finish(statusOf(outcome.Final))

	return &Result{
		RunID:        run.ID,
		Status:       run.Status,
		ArtifactPath: run.ArtifactPath,
		Code:         run.Code,
		Error:        run.Error,
		Attempts:     run.Attempts,
		Provider:     run.Provider,
		Model:        run.Model,
		Duration:     run.Duration,
	}, nil
}

// Busy reports whether requesterID has a session in flight.
func (s *Service) Busy(requesterID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.inflight[requesterID]
	return ok
}

func (s *Service) acquire(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.inflight[id]; ok {
		return false
	}
	s.inflight[id] = struct{}{}
	return true
}

func (s *Service) release(id string) {
	s.mu.Lock()
	delete(s.inflight, id)
	s.mu.Unlock()
}

// record appends the run. History is best effort: a storage failure is logged
// and never changes the session result.
func (s *Service) record(ctx context.Context, run *domain.DiagramRun) {
	if err := s.store.Runs().Append(context.WithoutCancel(ctx), run); err != nil {
		s.logger.WarnContext(ctx, "failed to record diagram run",
			slog.String("requester", run.RequesterID),
			slog.String("status", string(run.Status)),
			slog.String("error", err.Error()),
		)
	}
}

func statusOf(s repair.State) domain.RunStatus {
	switch s.(type) {
	case repair.Succeeded:
		return domain.RunSucceeded
	case repair.Exhausted:
		return domain.RunExhausted
	case repair.RepairFailed:
		return domain.RunRepairFailed
	}
	return domain.RunFailed
}
