package tools

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/fyrsmithlabs/harnessd/internal/workspace"
)

const (
	maxReadBytes      = 1 << 20
	maxSearchMatches  = 200
	maxListedFiles    = 1000
	defaultSearchLine = 240
)

// WorkspaceProvider serves file tools confined to a workspace root.
type WorkspaceProvider struct {
	ws *workspace.Workspace
}

// NewWorkspaceProvider creates a provider over ws.
func NewWorkspaceProvider(ws *workspace.Workspace) *WorkspaceProvider {
	return &WorkspaceProvider{ws: ws}
}

func (p *WorkspaceProvider) Name() string { return "workspace" }

func (p *WorkspaceProvider) ListTools(_ context.Context) ([]Definition, error) {
	return []Definition{
		{
			Name:        "read_file",
			Description: "Read a file from the workspace",
			Category:    CategoryFilesystem,
			InputSchema: objectSchema([]string{"path"}, map[string]interface{}{
				"path": prop("string", "Workspace-relative file path"),
			}),
		},
		{
			Name:        "write_file",
			Description: "Create or overwrite a file in the workspace",
			Category:    CategoryFilesystem,
			InputSchema: objectSchema([]string{"path", "content"}, map[string]interface{}{
				"path":    prop("string", "Workspace-relative file path"),
				"content": prop("string", "Full file content"),
			}),
		},
		{
			Name:        "list_files",
			Description: "List workspace files, optionally filtered by glob",
			Category:    CategoryFilesystem,
			InputSchema: objectSchema(nil, map[string]interface{}{
				"dir":     prop("string", "Subdirectory to list"),
				"pattern": prop("string", "Glob such as **/*.go"),
			}),
		},
		{
			Name:        "search",
			Description: "Search workspace files for a regular expression",
			Category:    CategorySearch,
			InputSchema: objectSchema([]string{"pattern"}, map[string]interface{}{
				"pattern": prop("string", "RE2 regular expression"),
				"include": prop("string", "Glob restricting searched files"),
			}),
		},
	}, nil
}

func (p *WorkspaceProvider) Capabilities() Capabilities {
	return Capabilities{
		SupportedAuthMethods: []string{AuthNone},
		ToolCategories:       []Category{CategoryFilesystem, CategorySearch},
	}
}

// Authenticate accepts only AuthNone.
func (p *WorkspaceProvider) Authenticate(_ context.Context, creds Credentials) error {
	if creds.Method != "" && creds.Method != AuthNone {
		return fmt.Errorf("workspace provider: unsupported auth method %q", creds.Method)
	}
	return nil
}

func (p *WorkspaceProvider) ExecuteTool(ctx context.Context, name string, args map[string]interface{}) (Result, error) {
	switch name {
	case "read_file":
		return p.readFile(args), nil
	case "write_file":
		return p.writeFile(args), nil
	case "list_files":
		return p.listFiles(ctx, args), nil
	case "search":
		return p.search(ctx, args), nil
	}
	return Result{}, fmt.Errorf("workspace provider: unknown tool %q", name)
}

func (p *WorkspaceProvider) readFile(args map[string]interface{}) Result {
	rel, ok := stringArg(args, "path")
	if !ok {
		return Failure("path is required", nil)
	}
	abs, err := p.ws.Resolve(rel)
	if err != nil {
		return Failure("invalid path", err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return Failure("stat file", err)
	}
	if info.Size() > maxReadBytes {
		return Failure(fmt.Sprintf("file too large: %d bytes", info.Size()), nil)
	}
	data, err := os.ReadFile(abs)
	if err != nil {
		return Failure("read file", err)
	}
	return Result{Success: true, Data: map[string]interface{}{
		"path":    p.ws.Rel(abs),
		"content": string(data),
	}}
}

func (p *WorkspaceProvider) writeFile(args map[string]interface{}) Result {
	rel, ok := stringArg(args, "path")
	if !ok {
		return Failure("path is required", nil)
	}
	content, ok := stringArg(args, "content")
	if !ok {
		return Failure("content is required", nil)
	}
	abs, err := p.ws.Resolve(rel)
	if err != nil {
		return Failure("invalid path", err)
	}
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return Failure("create directory", err)
	}
	if err := os.WriteFile(abs, []byte(content), 0o644); err != nil {
		return Failure("write file", err)
	}
	return Result{Success: true, Data: map[string]interface{}{
		"path":  p.ws.Rel(abs),
		"bytes": len(content),
	}}
}

var errListLimit = errors.New("list limit reached")

func (p *WorkspaceProvider) listFiles(ctx context.Context, args map[string]interface{}) Result {
	opts := workspace.WalkOptions{MaxFileSize: -1}
	if dir, ok := stringArg(args, "dir"); ok && dir != "" {
		opts.Dir = dir
	}
	if pattern, ok := stringArg(args, "pattern"); ok && pattern != "" {
		opts.Include = []string{pattern}
	}
	var files []string
	truncated := false
	err := p.ws.Walk(ctx, opts, func(rel string, _ fs.FileInfo) error {
		if len(files) >= maxListedFiles {
			truncated = true
			return errListLimit
		}
		files = append(files, rel)
		return nil
	})
	if err != nil && !errors.Is(err, errListLimit) {
		return Failure("list files", err)
	}
	return Result{Success: true, Data: map[string]interface{}{
		"files":     files,
		"truncated": truncated,
	}}
}

// SearchMatch is one line matched by the search tool.
type SearchMatch struct {
	Path string `json:"path"`
	Line int    `json:"line"`
	Text string `json:"text"`
}

func (p *WorkspaceProvider) search(ctx context.Context, args map[string]interface{}) Result {
	expr, ok := stringArg(args, "pattern")
	if !ok || expr == "" {
		return Failure("pattern is required", nil)
	}
	re, err := regexp.Compile(expr)
	if err != nil {
		return Failure("invalid pattern", err)
	}
	opts := workspace.WalkOptions{}
	if include, ok := stringArg(args, "include"); ok && include != "" {
		opts.Include = []string{include}
	}

	var matches []SearchMatch
	err = p.ws.Walk(ctx, opts, func(rel string, _ fs.FileInfo) error {
		f, err := os.Open(filepath.Join(p.ws.Root(), filepath.FromSlash(rel)))
		if err != nil {
			return nil
		}
		defer f.Close()
		scanner := bufio.NewScanner(f)
		line := 0
		for scanner.Scan() {
			line++
			text := scanner.Text()
			if !re.MatchString(text) {
				continue
			}
			if len(text) > defaultSearchLine {
				text = text[:defaultSearchLine]
			}
			matches = append(matches, SearchMatch{Path: rel, Line: line, Text: strings.TrimSpace(text)})
			if len(matches) >= maxSearchMatches {
				return errListLimit
			}
		}
		return nil
	})
	if err != nil && !errors.Is(err, errListLimit) {
		return Failure("search", err)
	}
	return Result{Success: true, Data: map[string]interface{}{
		"matches":   matches,
		"truncated": errors.Is(err, errListLimit),
	}}
}
