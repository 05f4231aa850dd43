// Package executor runs one generated diagram script per call: validate,
// execute in a sandbox, locate the rendered image and copy it to durable storage.
//
// Every call owns a fresh ephemeral directory and removes it before
// returning, on every path including timeouts and panics.
package executor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/jkaninda/archdraw/internal/codecheck"
	"github.com/jkaninda/archdraw/internal/sandbox"
	"github.com/jkaninda/archdraw/internal/workspace"
)

const (
	DefaultTimeout        = 30 * time.Second
	DefaultScriptName     = "diagram.py"
	DefaultArtifactPrefix = "diagram"
)

var (
	DefaultInterpreter        = []string{"python3"}
	DefaultArtifactExtensions = []string{".png"}
)

// Config configures an Executor.
type Config struct {
	EphemeralRoot      string
	ArtifactsDir       string
	Timeout            time.Duration
	Interpreter        []string
	ScriptName         string
	ArtifactPrefix     string
	ArtifactExtensions []string
	Limits             sandbox.ResourceLimits
}

// Executor is safe for concurrent use by different requesters.
type Executor struct {
	cfg       Config
	validator *codecheck.Validator
	sandbox   sandbox.Sandbox
	logger    *slog.Logger
	tracer    trace.Tracer
	now       func() time.Time
}

// Option configures an Executor.
type Option func(*Executor)

// WithTracer records one span per Execute call.
func WithTracer(t trace.Tracer) Option {
	return func(e *Executor) {
		if t != nil {
			e.tracer = t
		}
	}
}

// WithClock overrides the time source used for directory and artifact names.
func WithClock(now func() time.Time) Option {
	return func(e *Executor) { e.now = now }
}

// New creates an Executor and makes sure both storage roots exist.
func New(cfg Config, validator *codecheck.Validator, sbx sandbox.Sandbox, logger *slog.Logger, opts ...Option) (*Executor, error) {
	if cfg.EphemeralRoot == "" || cfg.ArtifactsDir == "" {
		return nil, fmt.Errorf("executor: ephemeral root and artifacts dir are required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if len(cfg.Interpreter) == 0 {
		cfg.Interpreter = DefaultInterpreter
	}
	if cfg.ScriptName == "" {
		cfg.ScriptName = DefaultScriptName
	}
	if cfg.ArtifactPrefix == "" {
		cfg.ArtifactPrefix = DefaultArtifactPrefix
	}
	if len(cfg.ArtifactExtensions) == 0 {
		cfg.ArtifactExtensions = DefaultArtifactExtensions
	}
	exts := make([]string, len(cfg.ArtifactExtensions))
	for i, ext := range cfg.ArtifactExtensions {
		ext = strings.ToLower(ext)
		if !strings.HasPrefix(ext, ".") {
			ext = "." + ext
		}
		exts[i] = ext
	}
	cfg.ArtifactExtensions = exts

	for _, dir := range []string{cfg.EphemeralRoot, cfg.ArtifactsDir} {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("creating %s: %w", dir, err)
		}
	}

	e := &Executor{
		cfg:       cfg,
		validator: validator,
		sandbox:   sbx,
		logger:    logger,
		tracer:    noop.NewTracerProvider().Tracer(""),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Timeout returns the configured per-attempt wall-clock limit.
func (e *Executor) Timeout() time.Duration { return e.cfg.Timeout }

// Execute validates and runs code on behalf of requesterID and returns the
// durable path of the rendered image.
//
// Per-attempt failures are returned as *ValidationRejected, *ExecutionTimedOut,
// *ExecutionRuntimeError or *ArtifactNotProduced. Any other error means the
// environment is broken (storage unwritable, sandbox unavailable, ctx cancelled).
func (e *Executor) Execute(ctx context.Context, code, requesterID string) (path string, err error) {
	ctx, span := e.tracer.Start(ctx, "executor.attempt",
		trace.WithAttributes(
			attribute.String("requester", requesterID),
			attribute.String("sandbox", e.sandbox.Name()),
		),
	)
	defer func() {
		span.SetAttributes(attribute.String("outcome", string(KindOf(err))))
		if err != nil {
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	if verdict := e.validator.Validate(code); !verdict.OK {
		e.logger.InfoContext(ctx, "code rejected by validator",
			slog.String("requester", requesterID),
			slog.String("reason", string(verdict.Reason)),
		)
		return "", &ValidationRejected{Verdict: verdict}
	}

	safeID := workspace.SanitizeName(requesterID)
	workDir, err := os.MkdirTemp(e.cfg.EphemeralRoot,
		safeID+"-"+strconv.FormatInt(e.now().UnixNano(), 10)+"-")
	if err != nil {
		return "", fmt.Errorf("creating ephemeral dir: %w", err)
	}
	defer func() {
		if rmErr := os.RemoveAll(workDir); rmErr != nil {
			e.logger.Warn("failed to remove ephemeral dir",
				slog.String("dir", workDir),
				slog.String("error", rmErr.Error()),
			)
		}
	}()

	if err := os.WriteFile(filepath.Join(workDir, e.cfg.ScriptName), []byte(code), 0o644); err != nil {
		return "", fmt.Errorf("writing script: %w", err)
	}

	command := append(append([]string{}, e.cfg.Interpreter...), e.cfg.ScriptName)
	result, err := e.sandbox.Execute(ctx, sandbox.ExecutionRequest{
		Command:    command,
		WorkingDir: workDir,
		Env:        map[string]string{"PYTHONPATH": workDir},
		Timeout:    e.cfg.Timeout,
		Limits:     e.cfg.Limits,
	})
	if err != nil {
		if errors.Is(err, sandbox.ErrTimeout) {
			e.logger.WarnContext(ctx, "diagram script timed out",
				slog.String("requester", requesterID),
				slog.Duration("timeout", e.cfg.Timeout),
			)
			return "", &ExecutionTimedOut{Timeout: e.cfg.Timeout}
		}
		return "", fmt.Errorf("running sandbox: %w", err)
	}

	if result.ExitCode != 0 {
		stderr := decodeOutput(result.Stderr)
		if strings.TrimSpace(stderr) == "" {
			stderr = decodeOutput(result.Stdout)
		}
		e.logger.InfoContext(ctx, "diagram script failed",
			slog.String("requester", requesterID),
			slog.Int("exit_code", result.ExitCode),
			slog.Duration("duration", result.Duration),
		)
		return "", &ExecutionRuntimeError{ExitCode: result.ExitCode, Stderr: stderr}
	}

	artifact, err := e.findArtifact(workDir)
	if err != nil {
		return "", err
	}
	if artifact == "" {
		return "", &ArtifactNotProduced{Extensions: e.cfg.ArtifactExtensions}
	}

	durable, err := e.persist(artifact, safeID)
	if err != nil {
		return "", err
	}

	e.logger.InfoContext(ctx, "diagram rendered",
		slog.String("requester", requesterID),
		slog.String("artifact", durable),
		slog.Duration("duration", result.Duration),
	)
	return durable, nil
}

// findArtifact returns the first regular file in dir, in directory order,
// whose extension is accepted. Empty means none.
func (e *Executor) findArtifact(dir string) (string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", fmt.Errorf("reading ephemeral dir: %w", err)
	}
	for _, entry := range entries {
		if !entry.Type().IsRegular() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(entry.Name()))
		for _, want := range e.cfg.ArtifactExtensions {
			if ext == want {
				return filepath.Join(dir, entry.Name()), nil
			}
		}
	}
	return "", nil
}

// persist copies src into the artifacts dir as <prefix>_<requester>_<unix>.<ext>.
// An existing file is never overwritten; a numeric suffix is added instead.
func (e *Executor) persist(src, safeID string) (string, error) {
	in, err := os.Open(src)
	if err != nil {
		return "", fmt.Errorf("opening artifact: %w", err)
	}
	defer in.Close()

	ext := strings.ToLower(filepath.Ext(src))
	base := fmt.Sprintf("%s_%s_%d", e.cfg.ArtifactPrefix, safeID, e.now().Unix())

	var (
		out  *os.File
		dest string
	)
	for i := 0; ; i++ {
		name := base + ext
		if i > 0 {
			name = fmt.Sprintf("%s-%d%s", base, i, ext)
		}
		dest = filepath.Join(e.cfg.ArtifactsDir, name)
		out, err = os.OpenFile(dest, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
		if err == nil {
			break
		}
		if !errors.Is(err, os.ErrExist) {
			return "", fmt.Errorf("creating durable artifact: %w", err)
		}
	}

	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(dest)
		return "", fmt.Errorf("copying artifact: %w", err)
	}
	if err := out.Sync(); err != nil {
		out.Close()
		os.Remove(dest)
		return "", fmt.Errorf("syncing artifact: %w", err)
	}
	if err := out.Close(); err != nil {
		os.Remove(dest)
		return "", fmt.Errorf("closing artifact: %w", err)
	}
	return dest, nil
}

// decodeOutput drops invalid UTF-8 sequences.
func decodeOutput(b []byte) string {
	return strings.ToValidUTF8(string(b), "")
}
