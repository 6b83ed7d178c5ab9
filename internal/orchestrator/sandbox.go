package orchestrator

import (
	"os"
	"path/filepath"
	"sort"
	"strings"

	auraerr "github.com/nightofknife/aura/pkg/aura/errors"
)

// Sandbox confines every file operation the orchestrator exposes to the
// plan's own directory tree. Paths are canonicalized before the descent
// check, so `..` segments and symlinked roots cannot escape.
type Sandbox struct {
	root string
}

// NewSandbox creates a sandbox rooted at dir.
func NewSandbox(dir string) (*Sandbox, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, err
	}
	// Resolve a symlinked plan root so descent checks compare real paths.
	if resolved, err := filepath.EvalSymlinks(abs); err == nil {
		abs = resolved
	}
	return &Sandbox{root: abs}, nil
}

// Root returns the canonical plan root.
func (s *Sandbox) Root() string { return s.root }

// resolve canonicalizes a plan-relative (or absolute) path and verifies it
// stays inside the root.
func (s *Sandbox) resolve(path string) (string, error) {
	abs := path
	if !filepath.IsAbs(abs) {
		abs = filepath.Join(s.root, path)
	}
	abs = filepath.Clean(abs)

	// Resolve symlinks on the longest existing prefix so a link inside the
	// tree cannot point outside it.
	if resolved, err := evalExisting(abs); err == nil {
		abs = resolved
	}

	rel, err := filepath.Rel(s.root, abs)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", &auraerr.PermissionError{Path: path, Root: s.root}
	}
	return abs, nil
}

// evalExisting resolves symlinks over the deepest existing ancestor and
// reattaches the non-existing suffix.
func evalExisting(abs string) (string, error) {
	suffix := ""
	cur := abs
	for {
		if resolved, err := filepath.EvalSymlinks(cur); err == nil {
			return filepath.Join(resolved, suffix), nil
		}
		parent := filepath.Dir(cur)
		if parent == cur {
			return abs, nil
		}
		suffix = filepath.Join(filepath.Base(cur), suffix)
		cur = parent
	}
}

// ReadFile reads a file inside the plan root.
func (s *Sandbox) ReadFile(path string) ([]byte, error) {
	abs, err := s.resolve(path)
	if err != nil {
		return nil, err
	}
	return os.ReadFile(abs)
}

// WriteFile writes a file inside the plan root, creating parent directories.
func (s *Sandbox) WriteFile(path string, data []byte) error {
	abs, err := s.resolve(path)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return err
	}
	return os.WriteFile(abs, data, 0o644)
}

// Delete removes a file inside the plan root.
func (s *Sandbox) Delete(path string) error {
	abs, err := s.resolve(path)
	if err != nil {
		return err
	}
	return os.Remove(abs)
}

// List returns the sorted names of entries in a directory inside the root.
func (s *Sandbox) List(path string) ([]string, error) {
	abs, err := s.resolve(path)
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(abs)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	sort.Strings(names)
	return names, nil
}
