// Package scheduler runs the workspace janitor on a cron schedule.
//
// The janitor removes ephemeral attempt directories left behind by a crashed
// process and, only when a retention period is configured, durable artifacts
// older than it. Durable storage is otherwise append-only.
package scheduler

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/jkaninda/archdraw/internal/workspace"
)

// Config configures the janitor.
type Config struct {
	// Schedule is a standard cron expression or descriptor such as "@every 10m".
	Schedule        string
	EphemeralRoot   string
	EphemeralMaxAge time.Duration
	ArtifactsDir    string
	// ArtifactRetention of 0 keeps artifacts forever.
	ArtifactRetention time.Duration
}

// Task is extra periodic work run after the directory sweep, e.g. pruning
// idle rate limiter buckets.
type Task struct {
	Name string
	Run  func(ctx context.Context) (int, error)
}

// Report summarizes one run.
type Report struct {
	EphemeralRemoved int
	ArtifactsRemoved int
	TaskRemoved      map[string]int
}

// Janitor is safe for concurrent use; overlapping runs are skipped.
type Janitor struct {
	cfg     Config
	tasks   []Task
	metrics *Metrics
	logger  *slog.Logger
	now     func() time.Time
	cron    *cron.Cron
}

// Option configures a Janitor.
type Option func(*Janitor)

// WithTask adds periodic work.
func WithTask(t Task) Option {
	return func(j *Janitor) { j.tasks = append(j.tasks, t) }
}

// WithMetrics records runs and removals.
func WithMetrics(m *Metrics) Option {
	return func(j *Janitor) { j.metrics = m }
}

// WithClock overrides the time source used for age cut-offs.
func WithClock(now func() time.Time) Option {
	return func(j *Janitor) { j.now = now }
}

// New validates the schedule and creates a janitor. It does not start it.
func New(cfg Config, logger *slog.Logger, opts ...Option) (*Janitor, error) {
	if cfg.EphemeralRoot == "" {
		return nil, errors.New("janitor: ephemeral root is required")
	}
	if cfg.EphemeralMaxAge <= 0 {
		cfg.EphemeralMaxAge = time.Hour
	}
	if cfg.Schedule == "" {
		cfg.Schedule = "@every 10m"
	}

	j := &Janitor{
		cfg:    cfg,
		logger: logger,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(j)
	}

	j.cron = cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	if _, err := j.cron.AddFunc(cfg.Schedule, func() { j.RunOnce(context.Background()) }); err != nil {
		return nil, fmt.Errorf("parsing janitor schedule %q: %w", cfg.Schedule, err)
	}
	return j, nil
}

// Start runs the janitor in the background until ctx is done or the
// returned stop function is called. stop waits for a running sweep.
func (j *Janitor) Start(ctx context.Context) func() {
	j.cron.Start()
	j.logger.InfoContext(ctx, "janitor started",
		slog.String("schedule", j.cfg.Schedule),
		slog.Duration("ephemeral_max_age", j.cfg.EphemeralMaxAge),
		slog.Duration("artifact_retention", j.cfg.ArtifactRetention),
	)

	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
		case <-done:
		}
		<-j.cron.Stop().Done()
		j.logger.Info("janitor stopped")
	}()

	var once sync.Once
	return func() {
		once.Do(func() { close(done) })
		<-j.cron.Stop().Done()
	}
}

// RunOnce performs a single sweep.
func (j *Janitor) RunOnce(ctx context.Context) Report {
	start := j.now()
	runID := newRunID()
	report := Report{TaskRemoved: make(map[string]int)}
	var failed bool

	n, err := workspace.PruneOlderThan(j.cfg.EphemeralRoot, start.Add(-j.cfg.EphemeralMaxAge))
	report.EphemeralRemoved = n
	if err != nil {
		failed = true
		j.logger.ErrorContext(ctx, "janitor: ephemeral sweep failed",
			slog.String("run_id", runID),
			slog.String("error", err.Error()),
		)
	}

	if j.cfg.ArtifactRetention > 0 && j.cfg.ArtifactsDir != "" {
		n, err := workspace.PruneOlderThan(j.cfg.ArtifactsDir, start.Add(-j.cfg.ArtifactRetention))
		report.ArtifactsRemoved = n
		if err != nil {
			failed = true
			j.logger.ErrorContext(ctx, "janitor: artifact sweep failed",
				slog.String("run_id", runID),
				slog.String("error", err.Error()),
			)
		}
	}

	for _, t := range j.tasks {
		n, err := t.Run(ctx)
		report.TaskRemoved[t.Name] = n
		if err != nil {
			failed = true
			j.logger.ErrorContext(ctx, "janitor: task failed",
				slog.String("run_id", runID),
				slog.String("task", t.Name),
				slog.String("error", err.Error()),
			)
		}
	}

	if j.metrics != nil {
		j.metrics.Runs.Inc()
		if failed {
			j.metrics.Failures.Inc()
		}
		j.metrics.Removed.WithLabelValues("ephemeral").Add(float64(report.EphemeralRemoved))
		j.metrics.Removed.WithLabelValues("artifact").Add(float64(report.ArtifactsRemoved))
		for name, n := range report.TaskRemoved {
			j.metrics.Removed.WithLabelValues(name).Add(float64(n))
		}
		j.metrics.RunDuration.Observe(j.now().Sub(start).Seconds())
	}

	if report.EphemeralRemoved > 0 || report.ArtifactsRemoved > 0 {
		j.logger.InfoContext(ctx, "janitor sweep finished",
			slog.String("run_id", runID),
			slog.Int("ephemeral_removed", report.EphemeralRemoved),
			slog.Int("artifacts_removed", report.ArtifactsRemoved),
		)
	}
	return report
}

func newRunID() string {
	b := make([]byte, 4)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}
