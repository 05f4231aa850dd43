package sandbox

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func newTestProcessSandbox() *ProcessSandbox {
	return NewProcessSandbox(ProcessConfig{DefaultTimeout: 5 * time.Second},
		slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestProcessSandbox_RunsInWorkingDir(t *testing.T) {
	sbx := newTestProcessSandbox()
	dir := t.TempDir()

	result, err := sbx.Execute(context.Background(), ExecutionRequest{
		Command:    []string{"/bin/sh", "-c", "pwd; echo data > out.txt"},
		WorkingDir: dir,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.ExitCode != 0 {
		t.Fatalf("exit code = %d, want 0", result.ExitCode)
	}
	resolved, _ := filepath.EvalSymlinks(dir)
	if got := strings.TrimSpace(string(result.Stdout)); got != dir && got != resolved {
		t.Errorf("pwd = %q, want %q", got, dir)
	}
	if _, err := os.Stat(filepath.Join(dir, "out.txt")); err != nil {
		t.Errorf("file not written to working dir: %v", err)
	}
}

func TestProcessSandbox_EnvIsSanitized(t *testing.T) {
	t.Setenv("ARCHDRAW_TEST_SECRET", "leak")
	sbx := newTestProcessSandbox()

	result, err := sbx.Execute(context.Background(), ExecutionRequest{
		Command: []string{"/bin/sh", "-c", "echo \"[$ARCHDRAW_TEST_SECRET][$PYTHONPATH]\""},
		Env:     map[string]string{"PYTHONPATH": "/scripts"},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := strings.TrimSpace(string(result.Stdout)); got != "[][/scripts]" {
		t.Errorf("stdout = %q, want %q", got, "[][/scripts]")
	}
}

func TestProcessSandbox_NonZeroExitIsResult(t *testing.T) {
	sbx := newTestProcessSandbox()

	result, err := sbx.Execute(context.Background(), ExecutionRequest{
		Command: []string{"/bin/sh", "-c", "echo failure >&2; exit 3"},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.ExitCode != 3 {
		t.Errorf("exit code = %d, want 3", result.ExitCode)
	}
	if got := strings.TrimSpace(string(result.Stderr)); got != "failure" {
		t.Errorf("stderr = %q, want failure", got)
	}
}

func TestProcessSandbox_Timeout(t *testing.T) {
	sbx := newTestProcessSandbox()

	start := time.Now()
	_, err := sbx.Execute(context.Background(), ExecutionRequest{
		Command: []string{"/bin/sh", "-c", "sleep 30"},
		Timeout: 200 * time.Millisecond,
	})
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("err = %v, want ErrTimeout", err)
	}
	if !strings.Contains(err.Error(), "200ms") {
		t.Errorf("error %q does not mention the timeout", err)
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Errorf("timeout took %s, child was not killed promptly", elapsed)
	}
}

func TestProcessSandbox_EmptyCommand(t *testing.T) {
	sbx := newTestProcessSandbox()
	if _, err := sbx.Execute(context.Background(), ExecutionRequest{}); err == nil {
		t.Fatal("expected error for empty command")
	}
}

func TestLimitedWriter(t *testing.T) {
	var sb strings.Builder
	lw := &limitedWriter{w: &sb, remaining: 4}

	n, err := lw.Write([]byte("abcdef"))
	if err != nil || n != 6 {
		t.Fatalf("Write = %d, %v; want 6, nil", n, err)
	}
	if _, err := lw.Write([]byte("gh")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if sb.String() != "abcd" {
		t.Errorf("buffer = %q, want abcd", sb.String())
	}
}
