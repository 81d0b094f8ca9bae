package files

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// Resolver resolves and validates workspace paths. Relative paths are taken
// from Root; absolute paths must already lie inside it.
type Resolver struct {
	Root string
}

// Resolve returns an absolute, cleaned path within the workspace root.
// Symlinks in the existing part of the path are followed before the check so
// a link cannot point the editor outside the workspace.
func (r Resolver) Resolve(path string) (string, error) {
	clean := strings.TrimSpace(path)
	if clean == "" {
		return "", fmt.Errorf("path is required")
	}
	rootAbs, err := r.root()
	if err != nil {
		return "", err
	}

	target := clean
	if !filepath.IsAbs(target) {
		target = filepath.Join(rootAbs, target)
	}
	targetAbs, err := filepath.Abs(target)
	if err != nil {
		return "", fmt.Errorf("resolve path: %w", err)
	}
	if !within(rootAbs, targetAbs) {
		return "", fmt.Errorf("path %s is outside the workspace %s", clean, rootAbs)
	}

	real, err := evalExisting(targetAbs)
	if err != nil {
		return "", fmt.Errorf("resolve path: %w", err)
	}
	realRoot, err := filepath.EvalSymlinks(rootAbs)
	if err != nil {
		return "", fmt.Errorf("resolve workspace root: %w", err)
	}
	if !within(realRoot, real) {
		return "", fmt.Errorf("path %s resolves outside the workspace", clean)
	}
	return targetAbs, nil
}

// Rel returns path relative to the workspace root for display.
func (r Resolver) Rel(path string) string {
	rootAbs, err := r.root()
	if err != nil {
		return path
	}
	rel, err := filepath.Rel(rootAbs, path)
	if err != nil {
		return path
	}
	return rel
}

func (r Resolver) root() (string, error) {
	root := strings.TrimSpace(r.Root)
	if root == "" {
		root = "."
	}
	rootAbs, err := filepath.Abs(root)
	if err != nil {
		return "", fmt.Errorf("resolve workspace root: %w", err)
	}
	return rootAbs, nil
}

func within(root, target string) bool {
	rel, err := filepath.Rel(root, target)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(os.PathSeparator))
}

// evalExisting follows symlinks in the longest existing prefix of path and
// appends the missing remainder unchanged.
func evalExisting(path string) (string, error) {
	missing := ""
	current := path
	for {
		real, err := filepath.EvalSymlinks(current)
		if err == nil {
			return filepath.Join(real, missing), nil
		}
		if !errors.Is(err, fs.ErrNotExist) {
			return "", err
		}
		parent := filepath.Dir(current)
		if parent == current {
			return path, nil
		}
		missing = filepath.Join(filepath.Base(current), missing)
		current = parent
	}
}
