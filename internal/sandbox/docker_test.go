package sandbox

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"slices"
	"strings"
	"testing"
	"time"
)

// testImage is the runtime image used for docker integration tests.
const testImage = "jkaninda/archdraw-runtime:latest"

func skipIfNoDocker(t *testing.T) {
	t.Helper()
	if err := exec.Command("docker", "info").Run(); err != nil {
		t.Skip("docker not available, skipping integration test")
	}
}

func skipIfNoImage(t *testing.T) {
	t.Helper()
	out, err := exec.Command("docker", "images", "-q", testImage).Output()
	if err != nil || strings.TrimSpace(string(out)) == "" {
		t.Skipf("docker image %s not found, skipping", testImage)
	}
}

func newTestDockerSandbox(t *testing.T) *DockerSandbox {
	t.Helper()
	skipIfNoDocker(t)
	skipIfNoImage(t)

	return NewDockerSandbox(DockerConfig{
		Image:          testImage,
		DefaultTimeout: 30 * time.Second,
		MemoryMB:       256,
		CPUCores:       0.5,
		PIDsLimit:      32,
	}, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestDockerArgs_MountsWorkingDir(t *testing.T) {
	sbx := NewDockerSandbox(DockerConfig{}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	args := sbx.buildDockerArgs("c1", 128, ExecutionRequest{
		WorkingDir: "/var/lib/archdraw/ephemeral/u1-1",
		Env:        map[string]string{"PYTHONPATH": "/var/lib/archdraw/ephemeral/u1-1"},
	})

	wantPairs := [][2]string{
		{"--volume", "/var/lib/archdraw/ephemeral/u1-1:/work:rw"},
		{"--workdir", "/work"},
		{"--env", "PYTHONPATH=/work"},
	}
	for _, pair := range wantPairs {
		found := false
		for j := 0; j+1 < len(args); j++ {
			if args[j] == pair[0] && args[j+1] == pair[1] {
				found = true
				break
			}
		}
		if !found {
			t.Errorf("args missing %s %s: %v", pair[0], pair[1], args)
		}
	}

	if !slices.Contains(args, "--network=none") {
		t.Errorf("network should be disabled by default: %v", args)
	}
	if args[len(args)-1] != defaultDockerImage {
		t.Errorf("last arg = %q, want image %q", args[len(args)-1], defaultDockerImage)
	}
}

func TestDockerSandbox_RequiresWorkingDir(t *testing.T) {
	sbx := NewDockerSandbox(DockerConfig{}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	_, err := sbx.Execute(context.Background(), ExecutionRequest{Command: []string{"true"}})
	if err == nil {
		t.Fatal("expected error without working dir")
	}
}

func TestDockerSandbox_WritesIntoWorkingDir(t *testing.T) {
	sbx := newTestDockerSandbox(t)
	dir := t.TempDir()

	result, err := sbx.Execute(context.Background(), ExecutionRequest{
		Command:    []string{"sh", "-c", "echo png > output.png"},
		WorkingDir: dir,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.ExitCode != 0 {
		t.Fatalf("exit code = %d, want 0 (stderr: %s)", result.ExitCode, result.Stderr)
	}
	if _, err := os.Stat(filepath.Join(dir, "output.png")); err != nil {
		t.Errorf("artifact not visible on host: %v", err)
	}
}

func TestDockerSandbox_NonZeroExit(t *testing.T) {
	sbx := newTestDockerSandbox(t)

	result, err := sbx.Execute(context.Background(), ExecutionRequest{
		Command:    []string{"sh", "-c", "echo boom >&2; exit 42"},
		WorkingDir: t.TempDir(),
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.ExitCode != 42 {
		t.Errorf("exit code = %d, want 42", result.ExitCode)
	}
	if !strings.Contains(string(result.Stderr), "boom") {
		t.Errorf("stderr = %q, want boom", result.Stderr)
	}
}

func TestDockerSandbox_Timeout(t *testing.T) {
	sbx := newTestDockerSandbox(t)

	_, err := sbx.Execute(context.Background(), ExecutionRequest{
		Command:    []string{"sleep", "60"},
		WorkingDir: t.TempDir(),
		Timeout:    2 * time.Second,
	})
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("err = %v, want ErrTimeout", err)
	}
}

func TestDockerSandbox_NoLeftoverContainers(t *testing.T) {
	sbx := newTestDockerSandbox(t)

	if _, err := sbx.Execute(context.Background(), ExecutionRequest{
		Command:    []string{"true"},
		WorkingDir: t.TempDir(),
	}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	out, err := exec.Command("docker", "ps", "-a", "--filter", "name=archdraw-run", "--format", "{{.Names}}").Output()
	if err != nil {
		t.Fatalf("docker ps failed: %v", err)
	}
	if names := strings.TrimSpace(string(out)); names != "" {
		t.Errorf("found leftover containers: %s", names)
	}
}
