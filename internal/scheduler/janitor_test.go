package scheduler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func touch(t *testing.T, path string, mtime time.Time) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.Chtimes(path, mtime, mtime); err != nil {
		t.Fatal(err)
	}
}

func mkdirAged(t *testing.T, path string, mtime time.Time) {
	t.Helper()
	if err := os.MkdirAll(path, 0o755); err != nil {
		t.Fatal(err)
	}
	touch(t, filepath.Join(path, "script.py"), mtime)
	if err := os.Chtimes(path, mtime, mtime); err != nil {
		t.Fatal(err)
	}
}

func value(t *testing.T, c prometheus.Collector) float64 {
	t.Helper()
	ch := make(chan prometheus.Metric, 1)
	c.Collect(ch)
	close(ch)
	var m dto.Metric
	if err := (<-ch).Write(&m); err != nil {
		t.Fatal(err)
	}
	return m.GetCounter().GetValue()
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func TestNew_InvalidSchedule(t *testing.T) {
	_, err := New(Config{Schedule: "not a schedule", EphemeralRoot: t.TempDir()}, testLogger())
	if err == nil {
		t.Fatal("expected error for invalid schedule")
	}
}

func TestNew_RequiresEphemeralRoot(t *testing.T) {
	if _, err := New(Config{}, testLogger()); err == nil {
		t.Fatal("expected error without ephemeral root")
	}
}

func TestRunOnce_EphemeralOnly(t *testing.T) {
	now := time.Now()
	root := t.TempDir()
	ephemeral := filepath.Join(root, "tmp")
	artifacts := filepath.Join(root, "artifacts")

	stale := filepath.Join(ephemeral, "attempt-old")
	fresh := filepath.Join(ephemeral, "attempt-new")
	mkdirAged(t, stale, now.Add(-2*time.Hour))
	mkdirAged(t, fresh, now.Add(-time.Minute))
	oldArtifact := filepath.Join(artifacts, "diagram_old.png")
	touch(t, oldArtifact, now.Add(-30*24*time.Hour))

	j, err := New(Config{
		EphemeralRoot:   ephemeral,
		EphemeralMaxAge: time.Hour,
		ArtifactsDir:    artifacts,
	}, testLogger(), WithClock(func() time.Time { return now }))
	if err != nil {
		t.Fatal(err)
	}

	report := j.RunOnce(context.Background())
	if report.EphemeralRemoved != 1 || report.ArtifactsRemoved != 0 {
		t.Errorf("report = %+v", report)
	}
	if exists(stale) {
		t.Error("stale ephemeral dir should be removed")
	}
	if !exists(fresh) {
		t.Error("fresh ephemeral dir should be kept")
	}
	if !exists(oldArtifact) {
		t.Error("artifacts must be kept when retention is 0")
	}
}

func TestRunOnce_ArtifactRetention(t *testing.T) {
	now := time.Now()
	root := t.TempDir()
	artifacts := filepath.Join(root, "artifacts")
	old := filepath.Join(artifacts, "diagram_old.png")
	recent := filepath.Join(artifacts, "diagram_new.png")
	touch(t, old, now.Add(-48*time.Hour))
	touch(t, recent, now.Add(-time.Hour))

	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	j, err := New(Config{
		EphemeralRoot:     filepath.Join(root, "tmp"),
		ArtifactsDir:      artifacts,
		ArtifactRetention: 24 * time.Hour,
	}, testLogger(), WithMetrics(m), WithClock(func() time.Time { return now }))
	if err != nil {
		t.Fatal(err)
	}

	report := j.RunOnce(context.Background())
	if report.ArtifactsRemoved != 1 {
		t.Errorf("ArtifactsRemoved = %d, want 1", report.ArtifactsRemoved)
	}
	if exists(old) || !exists(recent) {
		t.Error("only the artifact past retention should be removed")
	}
	if got := value(t, m.Runs); got != 1 {
		t.Errorf("runs = %v, want 1", got)
	}
	if got := value(t, m.Removed.WithLabelValues("artifact")); got != 1 {
		t.Errorf("removed{artifact} = %v, want 1", got)
	}
	if got := value(t, m.Failures); got != 0 {
		t.Errorf("failures = %v, want 0", got)
	}
}

func TestRunOnce_Tasks(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	j, err := New(Config{EphemeralRoot: t.TempDir()}, testLogger(),
		WithMetrics(m),
		WithTask(Task{Name: "ratelimit", Run: func(context.Context) (int, error) { return 3, nil }}),
		WithTask(Task{Name: "broken", Run: func(context.Context) (int, error) { return 0, errors.New("boom") }}),
	)
	if err != nil {
		t.Fatal(err)
	}

	report := j.RunOnce(context.Background())
	if report.TaskRemoved["ratelimit"] != 3 {
		t.Errorf("task report = %v", report.TaskRemoved)
	}
	if got := value(t, m.Failures); got != 1 {
		t.Errorf("failures = %v, want 1", got)
	}
	if got := value(t, m.Removed.WithLabelValues("ratelimit")); got != 3 {
		t.Errorf("removed{ratelimit} = %v, want 3", got)
	}
}

func TestStart_Stop(t *testing.T) {
	j, err := New(Config{Schedule: "@every 1h", EphemeralRoot: t.TempDir()}, testLogger())
	if err != nil {
		t.Fatal(err)
	}
	stop := j.Start(context.Background())
	done := make(chan struct{})
	go func() {
		stop()
		stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("stop did not return")
	}
}

func TestNewMetrics_NilRegistry(t *testing.T) {
	if NewMetrics(nil) != nil {
		t.Error("NewMetrics(nil) should return nil")
	}
}
