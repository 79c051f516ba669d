// Package workspace confines file access to a project root.
//
// Paths handed to tools and validators are resolved relative to the root and
// rejected when they escape it. Walks skip VCS and dependency directories and
// anything matched by the tree's .gitignore files or the root .harnessignore.
package workspace

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-git/go-git/v5/plumbing/format/gitignore"
)

// Validation errors.
var (
	ErrPathTraversal = errors.New("path escapes workspace root")
	ErrEmptyPath     = errors.New("path cannot be empty")
	ErrInvalidGlob   = errors.New("invalid glob pattern")
)

// DefaultMaxFileSize caps files read by walks.
const DefaultMaxFileSize = 1 << 20

var defaultSkipDirs = map[string]bool{
	".git":         true,
	"node_modules": true,
	"vendor":       true,
	".idea":        true,
	".vscode":      true,
}

// Workspace is a project root.
type Workspace struct {
	root   string
	ignore gitignore.Matcher
}

// Open resolves root and loads its ignore files.
func Open(root string) (*Workspace, error) {
	if root == "" {
		return nil, ErrEmptyPath
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve workspace root: %w", err)
	}
	if resolved, err := filepath.EvalSymlinks(abs); err == nil {
		abs = resolved
	}
	info, err := os.Stat(abs)
	if err != nil {
		return nil, fmt.Errorf("stat workspace root: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("workspace root must be a directory: %s", abs)
	}

	ignore, err := loadIgnore(abs)
	if err != nil {
		return nil, err
	}
	return &Workspace{root: abs, ignore: ignore}, nil
}

// Root returns the absolute root.
func (w *Workspace) Root() string { return w.root }

// Resolve maps a workspace-relative (or absolute, inside the root) path to
// an absolute path, rejecting traversal outside the root. Existing symlinks
// are followed before the check.
func (w *Workspace) Resolve(path string) (string, error) {
	if strings.TrimSpace(path) == "" {
		return "", ErrEmptyPath
	}
	abs := path
	if !filepath.IsAbs(abs) {
		abs = filepath.Join(w.root, path)
	}
	abs = filepath.Clean(abs)

	if err := w.within(abs); err != nil {
		return "", err
	}
	if resolved, err := filepath.EvalSymlinks(abs); err == nil {
		if err := w.within(resolved); err != nil {
			return "", err
		}
	}
	return abs, nil
}

func (w *Workspace) within(abs string) error {
	rel, err := filepath.Rel(w.root, abs)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return fmt.Errorf("%w: %s", ErrPathTraversal, abs)
	}
	return nil
}

// Rel returns the slash-separated path of abs relative to the root.
func (w *Workspace) Rel(abs string) string {
	rel, err := filepath.Rel(w.root, abs)
	if err != nil {
		return abs
	}
	return filepath.ToSlash(rel)
}

// WalkOptions filter Walk.
type WalkOptions struct {
	// Dir restricts the walk to a subdirectory.
	Dir     string
	Include []string
	Exclude []string
	// MaxFileSize skips larger files; 0 means DefaultMaxFileSize, -1 no limit.
	MaxFileSize int64
}

// WalkFunc receives slash-separated relative paths of regular files.
type WalkFunc func(rel string, info fs.FileInfo) error

// Walk visits files under the root in lexical order.
func (w *Workspace) Walk(ctx context.Context, opts WalkOptions, fn WalkFunc) error {
	for _, p := range append(append([]string(nil), opts.Include...), opts.Exclude...) {
		if err := ValidateGlob(p); err != nil {
			return err
		}
	}
	maxSize := opts.MaxFileSize
	if maxSize == 0 {
		maxSize = DefaultMaxFileSize
	}

	start := w.root
	if opts.Dir != "" {
		dir, err := w.Resolve(opts.Dir)
		if err != nil {
			return err
		}
		start = dir
	}

	return filepath.WalkDir(start, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		rel := w.Rel(path)
		if d.IsDir() {
			if path != start && (defaultSkipDirs[d.Name()] || w.isIgnored(rel, true)) {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() || w.isIgnored(rel, false) {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		if maxSize > 0 && info.Size() > maxSize {
			return nil
		}
		if !included(rel, opts) {
			return nil
		}
		return fn(rel, info)
	})
}

func included(rel string, opts WalkOptions) bool {
	for _, p := range opts.Exclude {
		if Match(p, rel) {
			return false
		}
	}
	if len(opts.Include) == 0 {
		return true
	}
	for _, p := range opts.Include {
		if Match(p, rel) {
			return true
		}
	}
	return false
}

// Glob returns the files matching pattern, sorted.
func (w *Workspace) Glob(ctx context.Context, pattern string) ([]string, error) {
	var out []string
	err := w.Walk(ctx, WalkOptions{Include: []string{pattern}, MaxFileSize: -1}, func(rel string, _ fs.FileInfo) error {
		out = append(out, rel)
		return nil
	})
	return out, err
}
