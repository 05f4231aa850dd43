// Package workspace manages the archdraw runtime directory layout.
//
// Default workspace: ~/.archdraw/workspace (configurable via config or ARCHDRAW_WORKSPACE).
//
//	<root>/ephemeral/   one short-lived directory per execution attempt
//	<root>/diagrams/    durable, append-only rendered diagrams
//	<root>/data/        sqlite database
package workspace

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

const defaultRelativePath = ".archdraw/workspace"

// Workspace resolves and creates runtime directories.
type Workspace struct {
	Root string

	mu      sync.Mutex
	created map[string]bool
}

// New creates a Workspace rooted at root, expanding a leading ~.
func New(root string) (*Workspace, error) {
	resolved, err := ResolvePath(root)
	if err != nil {
		return nil, fmt.Errorf("resolving workspace root %q: %w", root, err)
	}

	w := &Workspace{
		Root:    resolved,
		created: make(map[string]bool),
	}
	if err := w.ensureDir(resolved, 0o750); err != nil {
		return nil, fmt.Errorf("creating workspace root: %w", err)
	}
	return w, nil
}

// Default creates a Workspace at ~/.archdraw/workspace.
func Default() (*Workspace, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("determining home directory: %w", err)
	}
	return New(filepath.Join(home, defaultRelativePath))
}

// EphemeralDir returns <root>/ephemeral.
func (w *Workspace) EphemeralDir() string { return w.dir("ephemeral", 0o700) }

// ArtifactsDir returns <root>/diagrams.
func (w *Workspace) ArtifactsDir() string { return w.dir("diagrams", 0o750) }

// DataDir returns <root>/data.
func (w *Workspace) DataDir() string { return w.dir("data", 0o700) }

// DatabasePath returns <root>/data/archdraw.db.
func (w *Workspace) DatabasePath() string {
	return filepath.Join(w.DataDir(), "archdraw.db")
}

// ConfigPath returns <root>/config.yaml.
func (w *Workspace) ConfigPath() string {
	return filepath.Join(w.Root, "config.yaml")
}

// Resolve returns dir if set (with ~ expanded), otherwise fallback().
// The returned directory exists.
func (w *Workspace) Resolve(dir string, fallback func() string) (string, error) {
	if dir == "" {
		return fallback(), nil
	}
	resolved, err := ResolvePath(dir)
	if err != nil {
		return "", err
	}
	if err := w.ensureDir(resolved, 0o750); err != nil {
		return "", err
	}
	return resolved, nil
}

// CleanEphemeral removes everything under dir. Called at startup, when no
// attempt can be in flight, to drop directories left by a crashed process.
func CleanEphemeral(dir string) (int, error) {
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("reading ephemeral dir: %w", err)
	}
	removed := 0
	for _, entry := range entries {
		if err := os.RemoveAll(filepath.Join(dir, entry.Name())); err != nil {
			return removed, fmt.Errorf("removing ephemeral entry %s: %w", entry.Name(), err)
		}
		removed++
	}
	return removed, nil
}

// PruneOlderThan removes direct entries of dir last modified before cutoff.
// Used by the janitor while attempts may be running, so only entries older
// than any attempt could be are eligible.
func PruneOlderThan(dir string, cutoff time.Time) (int, error) {
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("reading %s: %w", dir, err)
	}
	removed := 0
	for _, entry := range entries {
		info, err := entry.Info()
		if err != nil {
			continue // removed concurrently
		}
		if !info.ModTime().Before(cutoff) {
			continue
		}
		if err := os.RemoveAll(filepath.Join(dir, entry.Name())); err != nil {
			return removed, fmt.Errorf("removing %s: %w", entry.Name(), err)
		}
		removed++
	}
	return removed, nil
}

// EnsureAll creates all standard workspace directories.
func (w *Workspace) EnsureAll() error {
	for _, d := range []struct {
		name string
		perm os.FileMode
	}{
		{"ephemeral", 0o700},
		{"diagrams", 0o750},
		{"data", 0o700},
	} {
		if err := w.ensureDir(filepath.Join(w.Root, d.name), d.perm); err != nil {
			return err
		}
	}
	return nil
}

func (w *Workspace) dir(name string, perm os.FileMode) string {
	p := filepath.Join(w.Root, name)
	_ = w.ensureDir(p, perm)
	return p
}

func (w *Workspace) ensureDir(path string, perm os.FileMode) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.created[path] {
		return nil
	}
	if err := os.MkdirAll(path, perm); err != nil {
		return fmt.Errorf("creating directory %s: %w", path, err)
	}
	w.created[path] = true
	return nil
}

// ResolvePath expands ~ to the user home directory and returns an absolute path.
func ResolvePath(path string) (string, error) {
	if strings.HasPrefix(path, "~/") || path == "~" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		path = filepath.Join(home, path[1:])
	}
	return filepath.Abs(path)
}

// SanitizeName maps an arbitrary identifier to a safe single path element.
// Only ASCII letters, digits, '-' and '_' survive; everything else becomes '_'.
func SanitizeName(name string) string {
	var b strings.Builder
	b.Grow(len(name))
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	if b.Len() == 0 {
		return "_"
	}
	return b.String()
}
