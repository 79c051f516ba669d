package gate

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/harnessd/internal/agentspec"
	"github.com/fyrsmithlabs/harnessd/internal/events"
	"github.com/fyrsmithlabs/harnessd/internal/feature"
	"github.com/fyrsmithlabs/harnessd/internal/tools"
	"github.com/fyrsmithlabs/harnessd/internal/workspace"
)

const sampleTestOutput = `=== RUN   TestLogin
=== RUN   TestLogin/valid_password
=== RUN   TestLogin/bad_password
--- PASS: TestLogin (0.01s)
    --- PASS: TestLogin/valid_password (0.00s)
    --- PASS: TestLogin/bad_password (0.00s)
=== RUN   TestLogout
--- FAIL: TestLogout (0.00s)
    logout_test.go:12: expected session to be cleared
=== RUN   TestSlow
--- SKIP: TestSlow (0.00s)
FAIL
coverage: 71.4% of statements
FAIL	example.com/auth	0.020s
`

// scriptedRunner returns canned output per command name and records argv.
type scriptedRunner struct {
	mu    sync.Mutex
	calls [][]string
	out   map[string]tools.CommandOutput
}

func (r *scriptedRunner) Run(_ context.Context, _ string, argv []string) tools.CommandOutput {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, argv)
	key := strings.Join(argv, " ")
	for prefix, out := range r.out {
		if strings.HasPrefix(key, prefix) {
			return out
		}
	}
	return tools.CommandOutput{}
}

type capturedEvents struct {
	mu     sync.Mutex
	events []events.Event
}

func (c *capturedEvents) Record(_ context.Context, runID string, typ events.Type, toolName string, payload map[string]interface{}) (events.Event, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ev := events.Event{RunID: runID, Sequence: uint64(len(c.events) + 1), Type: typ, ToolName: toolName, Payload: payload, Timestamp: time.Now()}
	c.events = append(c.events, ev)
	return ev, nil
}

func newWorkspace(t *testing.T, files map[string]string) *workspace.Workspace {
	t.Helper()
	dir := t.TempDir()
	for name, content := range files {
		path := filepath.Join(dir, filepath.FromSlash(name))
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	}
	ws, err := workspace.Open(dir)
	require.NoError(t, err)
	return ws
}

func TestParseTestOutput(t *testing.T) {
	rep := ParseTestOutput(sampleTestOutput)

	assert.True(t, rep.Ran["TestLogin"])
	assert.True(t, rep.Ran["TestLogin/bad_password"])
	assert.True(t, rep.Passed["TestLogin/valid_password"])
	assert.True(t, rep.Failed["TestLogout"])
	assert.True(t, rep.Skipped["TestSlow"])
	require.NotNil(t, rep.Coverage)
	assert.InDelta(t, 71.4, *rep.Coverage, 0.001)

	ratio := rep.PassRatio()
	require.NotNil(t, ratio)
	assert.InDelta(t, 3.0/4.0, *ratio, 0.001)

	assert.Nil(t, ParseTestOutput("no tests to run").PassRatio())
}

func TestCountDiagnostics(t *testing.T) {
	out := "# example.com/auth\nauth.go:10:2: unreachable code\nauth_test.go:4: missing return\nok\n"
	assert.Equal(t, 2, CountDiagnostics(out))
	assert.Equal(t, 0, CountDiagnostics(""))
}

func TestContractCommand(t *testing.T) {
	argv := ContractCommand("./internal/auth", []string{"TestLogin", "TestA.B"})
	assert.Equal(t, []string{"go", "test", "-v", "-cover", "-run", `^(TestLogin|TestA\.B)$`, "./internal/auth"}, argv)
}

func TestEvaluate_RequiredOnlyDecidesVerdict(t *testing.T) {
	ws := newWorkspace(t, map[string]string{"main.go": "package main\n"})
	runner := &scriptedRunner{out: map[string]tools.CommandOutput{
		"go test": {Output: "--- PASS: TestA (0.00s)\nok\n"},
		"go vet":  {ExitCode: 1, Output: "main.go:1:1: bad\n"},
	}}
	rec := &capturedEvents{}
	g := New(Config{}, nil, WithRunner(runner), WithRecorder(rec))

	spec := &agentspec.AgentSpec{Validators: []agentspec.ValidatorSpec{
		{Name: "tests", Kind: agentspec.KindTestPass, Required: true, Weight: 1},
		{Name: "lint", Kind: agentspec.KindLintClean, Required: false, Weight: 1},
		{Name: "readme", Kind: agentspec.KindFileExists, Paths: []string{"README.md"}},
	}}

	v, err := g.Evaluate(context.Background(), Input{Spec: spec, RunID: "run-1", Workspace: ws})
	require.NoError(t, err)

	assert.True(t, v.Passed, "optional failures do not fail the verdict")
	assert.Equal(t, "pass", v.String())
	require.Len(t, v.Results, 3)
	assert.True(t, v.Results["tests"].Passed)
	assert.False(t, v.Results["lint"].Passed)
	assert.False(t, v.Results["readme"].Passed)
	assert.Equal(t, "file_exists", v.Results["readme"].Type)

	require.NotNil(t, v.Score)
	assert.InDelta(t, 0.5, *v.Score, 0.001)
	require.Len(t, v.Feedback, 2)
	assert.True(t, strings.HasPrefix(v.Feedback[0], "lint: "))
	assert.True(t, strings.HasPrefix(v.Feedback[1], "readme: "))

	assert.Len(t, rec.events, 3)
	for _, ev := range rec.events {
		assert.Equal(t, events.TypeAcceptanceCheck, ev.Type)
		assert.Equal(t, "run-1", ev.RunID)
	}
}

func TestEvaluate_RequiredFailureFailsVerdict(t *testing.T) {
	runner := &scriptedRunner{out: map[string]tools.CommandOutput{
		"go test": {ExitCode: 1, Output: sampleTestOutput},
	}}
	g := New(Config{}, nil, WithRunner(runner))
	spec := &agentspec.AgentSpec{Validators: []agentspec.ValidatorSpec{
		{Name: "tests", Kind: agentspec.KindTestPass, Required: true},
	}}

	v, err := g.Evaluate(context.Background(), Input{Spec: spec})
	require.NoError(t, err)
	assert.False(t, v.Passed)
	assert.Contains(t, v.Results["tests"].Message, "TestLogout")
	assert.Nil(t, v.Score, "no weights means no score")
}

func TestEvaluate_EmptyValidatorsPass(t *testing.T) {
	g := New(Config{}, nil)
	v, err := g.Evaluate(context.Background(), Input{Spec: &agentspec.AgentSpec{}})
	require.NoError(t, err)
	assert.True(t, v.Passed)
	assert.Empty(t, v.Results)
}

func TestEvaluate_CancelledContext(t *testing.T) {
	g := New(Config{}, nil, WithRunner(&scriptedRunner{}))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := g.Evaluate(ctx, Input{Spec: &agentspec.AgentSpec{Validators: []agentspec.ValidatorSpec{
		{Name: "tests", Kind: agentspec.KindTestPass, Required: true},
	}}})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestCustomValidator(t *testing.T) {
	runner := &scriptedRunner{out: map[string]tools.CommandOutput{
		"make check": {ExitCode: 2, Output: "boom\n"},
	}}
	g := New(Config{}, nil, WithRunner(runner))
	g.RegisterCheck("has-docs", func(_ context.Context, _ Input) (bool, string, error) {
		return true, "docs present", nil
	})

	spec := &agentspec.AgentSpec{Validators: []agentspec.ValidatorSpec{
		{Name: "has-docs", Kind: agentspec.KindCustom, Required: true},
		{Name: "make", Kind: agentspec.KindCustom, Required: true, Command: []string{"make", "check"}},
		{Name: "orphan", Kind: agentspec.KindCustom},
	}}
	v, err := g.Evaluate(context.Background(), Input{Spec: spec})
	require.NoError(t, err)

	assert.True(t, v.Results["has-docs"].Passed)
	assert.Equal(t, "docs present", v.Results["has-docs"].Message)
	assert.False(t, v.Results["make"].Passed)
	assert.Contains(t, v.Results["make"].Message, "exited 2")
	assert.False(t, v.Results["orphan"].Passed)
	assert.False(t, v.Passed)
}

func TestFileExistsValidator(t *testing.T) {
	ws := newWorkspace(t, map[string]string{
		"internal/auth/login.go":      "package auth\n",
		"internal/auth/login_test.go": "package auth\n",
	})
	g := New(Config{}, nil)
	spec := &agentspec.AgentSpec{Validators: []agentspec.ValidatorSpec{
		{Name: "sources", Kind: agentspec.KindFileExists, Required: true, Paths: []string{"internal/**/*.go", "internal/auth/login_test.go"}},
	}}
	v, err := g.Evaluate(context.Background(), Input{Spec: spec, Workspace: ws})
	require.NoError(t, err)
	assert.True(t, v.Passed, v.Results["sources"].Message)
}

func TestForbiddenPatterns_ChangedFilesOnly(t *testing.T) {
	dir := t.TempDir()
	repo, err := git.PlainInit(dir, false)
	require.NoError(t, err)
	wt, err := repo.Worktree()
	require.NoError(t, err)

	// committed file contains the pattern but is unchanged
	require.NoError(t, os.WriteFile(filepath.Join(dir, "legacy.go"), []byte("// TODO: remove\n"), 0o644))
	_, err = wt.Add("legacy.go")
	require.NoError(t, err)
	_, err = wt.Commit("init", &git.CommitOptions{Author: &object.Signature{Name: "dev", Email: "dev@example.com", When: time.Now()}})
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "new.go"), []byte("package x\n"), 0o644))

	ws, err := workspace.Open(dir)
	require.NoError(t, err)

	changed, err := ChangedFiles(context.Background(), ws)
	require.NoError(t, err)
	assert.Equal(t, []string{"new.go"}, changed)

	g := New(Config{}, nil)
	spec := &agentspec.AgentSpec{Validators: []agentspec.ValidatorSpec{
		{Name: "no-todo", Kind: agentspec.KindForbiddenPatterns, Required: true, Patterns: []string{`TODO`}},
	}}
	v, err := g.Evaluate(context.Background(), Input{Spec: spec, Workspace: ws})
	require.NoError(t, err)
	assert.True(t, v.Passed)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "new.go"), []byte("package x // TODO\n"), 0o644))
	v, err = g.Evaluate(context.Background(), Input{Spec: spec, Workspace: ws})
	require.NoError(t, err)
	assert.False(t, v.Passed)
	assert.Contains(t, v.Results["no-todo"].Message, "new.go")
}

func TestForbiddenPatterns_WalksWithoutRepository(t *testing.T) {
	ws := newWorkspace(t, map[string]string{"a.go": "password = \"hunter2\"\n", "b.go": "package b\n"})
	files, err := ChangedFiles(context.Background(), ws)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"a.go", "b.go"}, files)
}

func TestTestContract(t *testing.T) {
	contract := &feature.TestContract{
		Package:    "./internal/auth",
		Tests:      []string{"TestLogin"},
		Assertions: []string{"TestLogin/valid password", "TestLogin/locked_account"},
	}
	spec := &agentspec.AgentSpec{Contract: contract}

	tests := []struct {
		name   string
		cfg    Config
		spec   *agentspec.AgentSpec
		output tools.CommandOutput
		passed bool
		msg    string
	}{
		{
			name:   "passes with coverage",
			cfg:    Config{EnforceTestGate: true, MinTestCoverage: 70},
			spec:   spec,
			output: tools.CommandOutput{Output: sampleTestOutput},
			passed: true,
			msg:    "coverage 71.4%",
		},
		{
			name:   "coverage below minimum",
			cfg:    Config{EnforceTestGate: true, MinTestCoverage: 80},
			spec:   spec,
			output: tools.CommandOutput{Output: sampleTestOutput},
			msg:    "below minimum",
		},
		{
			name:   "assertions required",
			cfg:    Config{EnforceTestGate: true, RequireAllAssertions: true},
			spec:   spec,
			output: tools.CommandOutput{Output: sampleTestOutput},
			msg:    "TestLogin/locked_account",
		},
		{
			name:   "required test did not run",
			cfg:    Config{EnforceTestGate: true},
			spec:   spec,
			output: tools.CommandOutput{Output: "testing: warning: no tests to run\n"},
			msg:    "did not run",
		},
		{
			name:   "no contract skipped",
			cfg:    Config{EnforceTestGate: true, AllowSkipForNoContract: true},
			spec:   &agentspec.AgentSpec{},
			passed: true,
			msg:    "skipped",
		},
		{
			name: "no contract rejected",
			cfg:  Config{EnforceTestGate: true},
			spec: &agentspec.AgentSpec{},
			msg:  "no test contract",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			runner := &scriptedRunner{out: map[string]tools.CommandOutput{"go test": tt.output}}
			g := New(tt.cfg, nil, WithRunner(runner))

			v, err := g.Evaluate(context.Background(), Input{Spec: tt.spec})
			require.NoError(t, err)
			res, ok := v.Results[ContractResultName]
			require.True(t, ok)
			assert.True(t, res.Required)
			assert.Equal(t, tt.passed, res.Passed, res.Message)
			assert.Equal(t, tt.passed, v.Passed)
			assert.Contains(t, res.Message, tt.msg)
		})
	}
}
