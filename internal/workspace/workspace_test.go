package workspace

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, root, rel, content string) {
	t.Helper()
	p := filepath.Join(root, filepath.FromSlash(rel))
	require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
	require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
}

func newWorkspace(t *testing.T) *Workspace {
	t.Helper()
	root := t.TempDir()
	writeFile(t, root, "main.go", "package main")
	writeFile(t, root, "internal/auth/login.go", "package auth")
	writeFile(t, root, "internal/auth/login_test.go", "package auth")
	writeFile(t, root, "build/out.bin", "bin")
	writeFile(t, root, "node_modules/x/index.js", "x")
	writeFile(t, root, "debug.log", "log")
	writeFile(t, root, ".gitignore", "# generated\n/build/\n*.log\n!keep.log\n")
	w, err := Open(root)
	require.NoError(t, err)
	return w
}

func TestOpen_RequiresDirectory(t *testing.T) {
	_, err := Open("")
	assert.ErrorIs(t, err, ErrEmptyPath)

	f := filepath.Join(t.TempDir(), "file")
	require.NoError(t, os.WriteFile(f, nil, 0o644))
	_, err = Open(f)
	assert.Error(t, err)
}

func TestResolve(t *testing.T) {
	w := newWorkspace(t)

	p, err := w.Resolve("internal/auth/login.go")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(w.Root(), "internal", "auth", "login.go"), p)

	for _, bad := range []string{"../etc/passwd", "internal/../../x", "/etc/passwd", " "} {
		_, err := w.Resolve(bad)
		assert.Error(t, err, bad)
	}
}

func TestResolve_RejectsSymlinkEscape(t *testing.T) {
	w := newWorkspace(t)
	outside := t.TempDir()
	require.NoError(t, os.Symlink(outside, filepath.Join(w.Root(), "escape")))
	_, err := w.Resolve("escape")
	assert.ErrorIs(t, err, ErrPathTraversal)
}

func TestWalk_SkipsIgnored(t *testing.T) {
	w := newWorkspace(t)
	var got []string
	err := w.Walk(context.Background(), WalkOptions{}, func(rel string, _ fs.FileInfo) error {
		got = append(got, rel)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{".gitignore", "internal/auth/login.go", "internal/auth/login_test.go", "main.go"}, got)
}

func TestWalk_IncludeExclude(t *testing.T) {
	w := newWorkspace(t)
	var got []string
	err := w.Walk(context.Background(), WalkOptions{
		Include: []string{"**/*.go"},
		Exclude: []string{"*_test.go"},
	}, func(rel string, _ fs.FileInfo) error {
		got = append(got, rel)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"internal/auth/login.go", "main.go"}, got)

	err = w.Walk(context.Background(), WalkOptions{Include: []string{"[bad"}}, func(string, fs.FileInfo) error { return nil })
	assert.ErrorIs(t, err, ErrInvalidGlob)
}

func TestGlob(t *testing.T) {
	w := newWorkspace(t)
	got, err := w.Glob(context.Background(), "internal/**/login*.go")
	require.NoError(t, err)
	assert.Equal(t, []string{"internal/auth/login.go", "internal/auth/login_test.go"}, got)
}

func TestMatch(t *testing.T) {
	tests := []struct {
		pattern, path string
		want          bool
	}{
		{"*.go", "a/b/c.go", true},
		{"**/*.go", "c.go", true},
		{"internal/**", "internal/a/b.go", true},
		{"internal/*.go", "internal/a/b.go", false},
		{"**/node_modules/**", "x/node_modules/y.js", true},
		{"docs/*.md", "docs/readme.md", true},
		{"docs/*.md", "readme.md", false},
	}
	for _, tt := range tests {
		t.Run(tt.pattern+"|"+tt.path, func(t *testing.T) {
			assert.Equal(t, tt.want, Match(tt.pattern, tt.path))
		})
	}
}

func TestWalk_GitignoreNegationAndNesting(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, ".gitignore", "*.log\n!keep.log\ntmp/\n")
	writeFile(t, root, "debug.log", "x")
	writeFile(t, root, "keep.log", "x")
	writeFile(t, root, "tmp/scratch.go", "package tmp")
	writeFile(t, root, "pkg/.gitignore", "generated.go\n")
	writeFile(t, root, "pkg/generated.go", "package pkg")
	writeFile(t, root, "pkg/api.go", "package pkg")
	writeFile(t, root, "generated.go", "package main")
	writeFile(t, root, ".harnessignore", "secrets/\n")
	writeFile(t, root, "secrets/key.pem", "k")
	w, err := Open(root)
	require.NoError(t, err)

	var got []string
	err = w.Walk(context.Background(), WalkOptions{}, func(rel string, _ fs.FileInfo) error {
		got = append(got, rel)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{
		".gitignore",
		".harnessignore",
		"generated.go",
		"keep.log",
		"pkg/.gitignore",
		"pkg/api.go",
	}, got)
}
