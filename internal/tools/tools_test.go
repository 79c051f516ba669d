package tools

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/harnessd/internal/errs"
	"github.com/fyrsmithlabs/harnessd/internal/workspace"
)

// mockProvider is a testify mock of Provider.
type mockProvider struct {
	mock.Mock
	name string
}

func (m *mockProvider) Name() string { return m.name }

func (m *mockProvider) ListTools(ctx context.Context) ([]Definition, error) {
	args := m.Called(ctx)
	defs, _ := args.Get(0).([]Definition)
	return defs, args.Error(1)
}

func (m *mockProvider) ExecuteTool(ctx context.Context, name string, in map[string]interface{}) (Result, error) {
	args := m.Called(ctx, name, in)
	return args.Get(0).(Result), args.Error(1)
}

func (m *mockProvider) Capabilities() Capabilities { return Capabilities{} }

func (m *mockProvider) Authenticate(context.Context, Credentials) error { return nil }

func newMock(name string, tools ...string) *mockProvider {
	m := &mockProvider{name: name}
	defs := make([]Definition, 0, len(tools))
	for _, t := range tools {
		defs = append(defs, Definition{Name: t, Description: "tool " + t})
	}
	m.On("ListTools", mock.Anything).Return(defs, nil)
	return m
}

func TestRegistry_RegisterAndExecute(t *testing.T) {
	ctx := context.Background()
	r := NewRegistry()
	p := newMock("alpha", "read", "write")
	p.On("ExecuteTool", mock.Anything, "read", mock.Anything).Return(Result{Success: true, Data: "ok"}, nil)
	require.NoError(t, r.Register(ctx, p))

	res, err := r.Execute(ctx, "read", map[string]interface{}{"path": "x"})
	require.NoError(t, err)
	assert.True(t, res.Success)
	p.AssertExpectations(t)

	assert.Equal(t, []string{"alpha"}, r.Providers())
	assert.Len(t, r.Definitions(), 2)
}

func TestRegistry_MissingToolIsNotFound(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(context.Background(), newMock("alpha", "read")))
	_, err := r.Execute(context.Background(), "delete", nil)
	assert.True(t, errs.IsNotFound(err))
}

func TestRegistry_DuplicatesConflict(t *testing.T) {
	ctx := context.Background()
	r := NewRegistry()
	require.NoError(t, r.Register(ctx, newMock("alpha", "read")))

	err := r.Register(ctx, newMock("beta", "search", "read"))
	assert.True(t, errs.IsConflict(err))
	_, _, err = r.Lookup("search")
	assert.True(t, errs.IsNotFound(err), "failed registration must not be partial")

	assert.True(t, errs.IsConflict(r.Register(ctx, newMock("alpha", "other"))))
}

func TestRegistry_ListError(t *testing.T) {
	m := &mockProvider{name: "broken"}
	m.On("ListTools", mock.Anything).Return(nil, errors.New("offline"))
	err := NewRegistry().Register(context.Background(), m)
	assert.ErrorContains(t, err, "offline")
}

func TestRegistry_Unregister(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(context.Background(), newMock("alpha", "read")))
	require.NoError(t, r.Unregister("alpha"))
	_, _, err := r.Lookup("read")
	assert.True(t, errs.IsNotFound(err))
	assert.True(t, errs.IsNotFound(r.Unregister("alpha")))
}

func TestRegistry_Search(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(context.Background(), newMock("alpha", "read_file", "write_file", "search")))

	results := r.Search("read_file")
	require.NotEmpty(t, results)
	assert.Equal(t, "read_file", results[0].Tool.Name)
	assert.Equal(t, 3, results[0].Score)

	results = r.Search("file")
	assert.Len(t, results, 2)
	assert.Nil(t, r.Search(""))
}

func newTestWorkspace(t *testing.T) *workspace.Workspace {
	t.Helper()
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "main.go"), []byte("package main\n\nfunc main() {}\n"), 0o644))
	ws, err := workspace.Open(root)
	require.NoError(t, err)
	return ws
}

func TestWorkspaceProvider(t *testing.T) {
	ctx := context.Background()
	p := NewWorkspaceProvider(newTestWorkspace(t))

	res, err := p.ExecuteTool(ctx, "write_file", map[string]interface{}{"path": "pkg/a.go", "content": "package pkg\n// TODO remove\n"})
	require.NoError(t, err)
	require.True(t, res.Success, res.Error)

	res, err = p.ExecuteTool(ctx, "read_file", map[string]interface{}{"path": "pkg/a.go"})
	require.NoError(t, err)
	require.True(t, res.Success)
	assert.Equal(t, "package pkg\n// TODO remove\n", res.Data.(map[string]interface{})["content"])

	res, err = p.ExecuteTool(ctx, "list_files", map[string]interface{}{"pattern": "**/*.go"})
	require.NoError(t, err)
	assert.Equal(t, []string{"main.go", "pkg/a.go"}, res.Data.(map[string]interface{})["files"])

	res, err = p.ExecuteTool(ctx, "search", map[string]interface{}{"pattern": "TODO"})
	require.NoError(t, err)
	matches := res.Data.(map[string]interface{})["matches"].([]SearchMatch)
	require.Len(t, matches, 1)
	assert.Equal(t, SearchMatch{Path: "pkg/a.go", Line: 2, Text: "// TODO remove"}, matches[0])
}

func TestWorkspaceProvider_RejectsEscape(t *testing.T) {
	p := NewWorkspaceProvider(newTestWorkspace(t))
	res, err := p.ExecuteTool(context.Background(), "read_file", map[string]interface{}{"path": "../../etc/passwd"})
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "invalid path")

	_, err = p.ExecuteTool(context.Background(), "delete_file", nil)
	assert.Error(t, err)
}

func TestShellProvider(t *testing.T) {
	ctx := context.Background()
	p := NewShellProvider(newTestWorkspace(t), time.Minute)

	res, err := p.ExecuteTool(ctx, "run_command", map[string]interface{}{"command": []interface{}{"ls"}})
	require.NoError(t, err)
	require.True(t, res.Success, res.Error)
	assert.Contains(t, res.Data.(map[string]interface{})["output"], "main.go")

	res, err = p.ExecuteTool(ctx, "run_command", map[string]interface{}{"command": []interface{}{"false"}})
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, "exit status 1", res.Error)

	res, err = p.ExecuteTool(ctx, "run_command", map[string]interface{}{"command": "ls"})
	require.NoError(t, err)
	assert.False(t, res.Success)
}

func TestShellProvider_Timeout(t *testing.T) {
	p := NewShellProvider(newTestWorkspace(t), 100*time.Millisecond)
	res, err := p.ExecuteTool(context.Background(), "run_command", map[string]interface{}{"command": []interface{}{"sleep", "5"}})
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "timed out")
}

func TestCappedBuffer(t *testing.T) {
	b := &cappedBuffer{limit: 4}
	n, err := b.Write([]byte("abcdef"))
	require.NoError(t, err)
	assert.Equal(t, 6, n)
	assert.Equal(t, "abcd", b.String())
	assert.True(t, b.truncated)
}

type echoInput struct {
	Text string `json:"text"`
}

func newMCPTestProvider(t *testing.T) *MCPProvider {
	t.Helper()
	ctx := context.Background()
	server := mcp.NewServer(&mcp.Implementation{Name: "test-server", Version: "v0.0.1"}, nil)
	mcp.AddTool(server, &mcp.Tool{Name: "echo", Description: "Echo the input text"},
		func(_ context.Context, _ *mcp.CallToolRequest, in echoInput) (*mcp.CallToolResult, any, error) {
			return &mcp.CallToolResult{Content: []mcp.Content{&mcp.TextContent{Text: in.Text}}}, nil, nil
		})
	mcp.AddTool(server, &mcp.Tool{Name: "explode", Description: "Always fails"},
		func(_ context.Context, _ *mcp.CallToolRequest, _ echoInput) (*mcp.CallToolResult, any, error) {
			return &mcp.CallToolResult{
				IsError: true,
				Content: []mcp.Content{&mcp.TextContent{Text: "boom"}},
			}, nil, nil
		})

	clientT, serverT := mcp.NewInMemoryTransports()
	_, err := server.Connect(ctx, serverT, nil)
	require.NoError(t, err)

	p := NewMCPProviderWithTransport("ext", clientT)
	t.Cleanup(func() { _ = p.Close() })
	return p
}

func TestMCPProvider_ListAndCall(t *testing.T) {
	ctx := context.Background()
	p := newMCPTestProvider(t)

	defs, err := p.ListTools(ctx)
	require.NoError(t, err)
	names := []string{}
	for _, d := range defs {
		names = append(names, d.Name)
		assert.Equal(t, CategoryExternal, d.Category)
	}
	assert.ElementsMatch(t, []string{"echo", "explode"}, names)

	res, err := p.ExecuteTool(ctx, "echo", map[string]interface{}{"text": "hello"})
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, "hello", res.Data)

	res, err = p.ExecuteTool(ctx, "explode", map[string]interface{}{"text": "x"})
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, "boom", res.Error)
}

func TestMCPProvider_ThroughRegistry(t *testing.T) {
	ctx := context.Background()
	r := NewRegistry()
	require.NoError(t, r.Register(ctx, newMCPTestProvider(t)))
	res, err := r.Execute(ctx, "echo", map[string]interface{}{"text": "via registry"})
	require.NoError(t, err)
	assert.Equal(t, "via registry", res.Data)
}

func TestMCPProvider_Authenticate(t *testing.T) {
	ctx := context.Background()
	p, err := NewMCPProvider(MCPConfig{Name: "remote", URL: "http://127.0.0.1:1/mcp"})
	require.NoError(t, err)

	assert.NoError(t, p.Authenticate(ctx, Credentials{Method: AuthNone}))
	assert.Error(t, p.Authenticate(ctx, Credentials{Method: AuthBearer}))
	assert.NoError(t, p.Authenticate(ctx, Credentials{Method: AuthBearer, Token: "t0ken"}))
	assert.Error(t, p.Authenticate(ctx, Credentials{Method: "kerberos"}))

	_, err = NewMCPProvider(MCPConfig{Name: "bad"})
	assert.Error(t, err)
	_, err = NewMCPProvider(MCPConfig{Name: "bad", URL: "http://x", Command: []string{"srv"}})
	assert.Error(t, err)
}
