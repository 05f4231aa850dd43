// Package repair drives the bounded execute-and-repair cycle for one diagram request.
//
// A session moves strictly forward through
//
//	Attempting(1) → … → Attempting(max) → Exhausted
//
// leaving early to Succeeded when an attempt renders, or to RepairFailed
// when the repair call itself fails. Execution failures are retried up to
// the bound; repair failures never are.
package repair

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/jkaninda/archdraw/internal/executor"
)

// DefaultMaxAttempts bounds a session when neither the loop nor the session sets a limit.
const DefaultMaxAttempts = 3

var (
	// ErrEmptyRequest is returned for a session without request text.
	ErrEmptyRequest = errors.New("diagram request is empty")
	// ErrNoRequester is returned for a session without a requester id.
	ErrNoRequester = errors.New("requester id is required")
)

// Executor runs one attempt. Implemented by *executor.Executor.
type Executor interface {
	Execute(ctx context.Context, code, requesterID string) (string, error)
}

// Repairer produces a new script from a failing one. Implemented by generator.Generator.
type Repairer interface {
	RepairCode(ctx context.Context, code, errorText, originalRequest string) (string, error)
}

// Session is the input of one run.
type Session struct {
	RequesterID string
	Request     string
	InitialCode string
	// MaxAttempts overrides the loop default when > 0.
	MaxAttempts int
}

// Attempt records one execute-or-fail cycle.
type Attempt struct {
	Index    int
	Code     string
	Started  time.Time
	Duration time.Duration
	Kind     executor.Kind
	Error    string
	Artifact string
}

// Outcome is the terminal state of a session and the attempts that led to it.
type Outcome struct {
	Final    State
	Attempts []Attempt
}

// Succeeded reports whether the session produced an artifact.
func (o *Outcome) Succeeded() bool {
	_, ok := o.Final.(Succeeded)
	return ok
}

// Artifact returns the durable artifact path, or "" if the session did not succeed.
func (o *Outcome) Artifact() string {
	if s, ok := o.Final.(Succeeded); ok {
		return s.Artifact
	}
	return ""
}

// LastCode returns the code of the last attempt, or the code reported by a
// negative terminal state.
func (o *Outcome) LastCode() string {
	switch s := o.Final.(type) {
	case Exhausted:
		return s.Code
	case RepairFailed:
		return s.Code
	}
	if n := len(o.Attempts); n > 0 {
		return o.Attempts[n-1].Code
	}
	return ""
}

// LastError returns the error text of a negative outcome, or "".
func (o *Outcome) LastError() string {
	switch s := o.Final.(type) {
	case Exhausted:
		return s.Error
	case RepairFailed:
		return s.Error
	}
	return ""
}

// Observer is notified of every state the session enters, in order.
type Observer func(ctx context.Context, s State)

// Loop runs sessions. It holds no per-session state and is safe for concurrent use.
type Loop struct {
	exec        Executor
	repairer    Repairer
	maxAttempts int
	logger      *slog.Logger
	tracer      trace.Tracer
}

// Option configures a Loop.
type Option func(*Loop)

// WithMaxAttempts sets the default attempt bound.
func WithMaxAttempts(n int) Option {
	return func(l *Loop) {
		if n > 0 {
			l.maxAttempts = n
		}
	}
}

// WithTracer records a span per session and per repair call.
func WithTracer(t trace.Tracer) Option {
	return func(l *Loop) {
		if t != nil {
			l.tracer = t
		}
	}
}

// New creates a Loop.
func New(exec Executor, repairer Repairer, logger *slog.Logger, opts ...Option) *Loop {
	l := &Loop{
		exec:        exec,
		repairer:    repairer,
		maxAttempts: DefaultMaxAttempts,
		logger:      logger,
		tracer:      noop.NewTracerProvider().Tracer(""),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Run executes the session to a terminal state.
//
// Exhausted and RepairFailed are normal outcomes, not errors. The returned
// error is non-nil only for invalid input, cancellation or an environment
// failure reported by the executor.
func (l *Loop) Run(ctx context.Context, s Session, observe Observer) (*Outcome, error) {
	if strings.TrimSpace(s.Request) == "" {
		return nil, ErrEmptyRequest
	}
	if s.RequesterID == "" {
		return nil, ErrNoRequester
	}
	if observe == nil {
		observe = func(context.Context, State) {}
	}

	maxAttempts := l.maxAttempts
	if s.MaxAttempts > 0 {
		maxAttempts = s.MaxAttempts
	}

	ctx, span := l.tracer.Start(ctx, "repair.session",
		trace.WithAttributes(
			attribute.String("requester", s.RequesterID),
			attribute.Int("max_attempts", maxAttempts),
		),
	)
	defer span.End()

	outcome := &Outcome{Attempts: make([]Attempt, 0, maxAttempts)}
	var state State = Attempting{K: 1, Max: maxAttempts, Code: s.InitialCode}

	for !state.Terminal() {
		observe(ctx, state)
		current := state.(Attempting)

		next, err := l.step(ctx, s, current, outcome)
		if err != nil {
			span.SetStatus(codes.Error, err.Error())
			return nil, err
		}
		state = next
	}

	observe(ctx, state)
	outcome.Final = state
	span.SetAttributes(
		attribute.String("outcome", state.String()),
		attribute.Int("attempts", len(outcome.Attempts)),
	)

	l.logger.InfoContext(ctx, "diagram session finished",
		slog.String("requester", s.RequesterID),
		slog.String("outcome", state.String()),
		slog.Int("attempts", len(outcome.Attempts)),
	)
	return outcome, nil
}

// step performs the transition out of one Attempting state.
func (l *Loop) step(ctx context.Context, s Session, cur Attempting, outcome *Outcome) (State, error) {
	started := time.Now()
	artifact, execErr := l.exec.Execute(ctx, cur.Code, s.RequesterID)

	attempt := Attempt{
		Index:    cur.K,
		Code:     cur.Code,
		Started:  started,
		Duration: time.Since(started),
		Kind:     executor.KindOf(execErr),
		Artifact: artifact,
	}
	if execErr != nil {
		attempt.Error = execErr.Error()
	}
	outcome.Attempts = append(outcome.Attempts, attempt)

	if execErr == nil {
		return Succeeded{Artifact: artifact}, nil
	}
	if !executor.IsAttemptFailure(execErr) {
		return nil, fmt.Errorf("attempt %d: %w", cur.K, execErr)
	}

	l.logger.InfoContext(ctx, "diagram attempt failed",
		slog.String("requester", s.RequesterID),
		slog.Int("attempt", cur.K),
		slog.Int("max_attempts", cur.Max),
		slog.String("kind", string(attempt.Kind)),
	)

	if cur.K >= cur.Max {
		return Exhausted{Code: cur.Code, Error: attempt.Error}, nil
	}

	fixed, repairErr := l.repair(ctx, s, cur, attempt.Error)
	if repairErr != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		l.logger.WarnContext(ctx, "repair call failed",
			slog.String("requester", s.RequesterID),
			slog.Int("attempt", cur.K),
			slog.String("error", repairErr.Error()),
		)
		return RepairFailed{
			Code:  cur.Code,
			Error: attempt.Error + "\nrepair failed: " + repairErr.Error(),
		}, nil
	}

	return Attempting{K: cur.K + 1, Max: cur.Max, Code: fixed}, nil
}

func (l *Loop) repair(ctx context.Context, s Session, cur Attempting, errText string) (string, error) {
	ctx, span := l.tracer.Start(ctx, "generator.repair",
		trace.WithAttributes(attribute.Int("attempt", cur.K)),
	)
	defer span.End()

	fixed, err := l.repairer.RepairCode(ctx, cur.Code, errText, s.Request)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
	}
	return fixed, err
}
