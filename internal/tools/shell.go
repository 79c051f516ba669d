package tools

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"time"

	"github.com/fyrsmithlabs/harnessd/internal/workspace"
)

const (
	defaultShellTimeout = 2 * time.Minute
	maxShellOutput      = 64 << 10
)

// ShellProvider runs commands in the workspace root.
type ShellProvider struct {
	ws      *workspace.Workspace
	timeout time.Duration
}

// NewShellProvider creates a shell provider. A zero timeout uses two minutes.
func NewShellProvider(ws *workspace.Workspace, timeout time.Duration) *ShellProvider {
	if timeout <= 0 {
		timeout = defaultShellTimeout
	}
	return &ShellProvider{ws: ws, timeout: timeout}
}

func (p *ShellProvider) Name() string { return "shell" }

func (p *ShellProvider) ListTools(_ context.Context) ([]Definition, error) {
	return []Definition{{
		Name:        "run_command",
		Description: "Run a command in the workspace root and return its output",
		Category:    CategoryShell,
		InputSchema: objectSchema([]string{"command"}, map[string]interface{}{
			"command": map[string]interface{}{
				"type":        "array",
				"items":       map[string]interface{}{"type": "string"},
				"description": "Program and arguments, e.g. [\"go\", \"test\", \"./...\"]",
			},
			"timeout_seconds": prop("integer", "Optional timeout"),
		}),
	}}, nil
}

func (p *ShellProvider) Capabilities() Capabilities {
	return Capabilities{
		SupportedAuthMethods: []string{AuthNone},
		ToolCategories:       []Category{CategoryShell},
	}
}

// Authenticate accepts only AuthNone.
func (p *ShellProvider) Authenticate(_ context.Context, creds Credentials) error {
	if creds.Method != "" && creds.Method != AuthNone {
		return fmt.Errorf("shell provider: unsupported auth method %q", creds.Method)
	}
	return nil
}

func (p *ShellProvider) ExecuteTool(ctx context.Context, name string, args map[string]interface{}) (Result, error) {
	if name != "run_command" {
		return Result{}, fmt.Errorf("shell provider: unknown tool %q", name)
	}
	argv, err := commandArg(args["command"])
	if err != nil {
		return Failure("invalid command", err), nil
	}

	timeout := p.timeout
	if secs := intArg(args, "timeout_seconds", 0); secs > 0 && time.Duration(secs)*time.Second < timeout {
		timeout = time.Duration(secs) * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	out := RunCommand(ctx, p.ws.Root(), argv)
	res := Result{Success: out.ExitCode == 0 && out.Err == nil, Data: map[string]interface{}{
		"exit_code": out.ExitCode,
		"output":    out.Output,
		"truncated": out.Truncated,
	}}
	if !res.Success {
		switch {
		case errors.Is(ctx.Err(), context.DeadlineExceeded):
			res.Error = fmt.Sprintf("command timed out after %s", timeout)
		case out.Err != nil:
			res.Error = out.Err.Error()
		default:
			res.Error = fmt.Sprintf("exit status %d", out.ExitCode)
		}
	}
	return res, nil
}

func commandArg(v interface{}) ([]string, error) {
	raw, ok := v.([]interface{})
	if !ok {
		if s, ok := v.([]string); ok && len(s) > 0 {
			return s, nil
		}
		return nil, errors.New("command must be a non-empty array of strings")
	}
	argv := make([]string, 0, len(raw))
	for _, a := range raw {
		s, ok := a.(string)
		if !ok {
			return nil, errors.New("command must be a non-empty array of strings")
		}
		argv = append(argv, s)
	}
	if len(argv) == 0 {
		return nil, errors.New("command must be a non-empty array of strings")
	}
	return argv, nil
}

// CommandOutput is the combined output of a finished command.
type CommandOutput struct {
	ExitCode  int
	Output    string
	Truncated bool
	// Err is set when the command could not be started or was killed.
	Err error
}

// RunCommand runs argv in dir and captures combined output up to 64KiB.
func RunCommand(ctx context.Context, dir string, argv []string) CommandOutput {
	return RunCommandLimit(ctx, dir, argv, maxShellOutput)
}

// RunCommandLimit is RunCommand with an explicit output cap in bytes.
func RunCommandLimit(ctx context.Context, dir string, argv []string, limit int) CommandOutput {
	if len(argv) == 0 {
		return CommandOutput{ExitCode: -1, Err: errors.New("empty command")}
	}
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Dir = dir
	buf := &cappedBuffer{limit: limit}
	cmd.Stdout = buf
	cmd.Stderr = buf

	err := cmd.Run()
	out := CommandOutput{Output: buf.String(), Truncated: buf.truncated}
	var exitErr *exec.ExitError
	switch {
	case err == nil:
	case errors.As(err, &exitErr) && ctx.Err() == nil:
		out.ExitCode = exitErr.ExitCode()
	default:
		out.ExitCode = -1
		out.Err = err
	}
	return out
}

type cappedBuffer struct {
	bytes.Buffer
	limit     int
	truncated bool
}

func (b *cappedBuffer) Write(p []byte) (int, error) {
	n := len(p)
	if room := b.limit - b.Len(); room < len(p) {
		if room > 0 {
			b.Buffer.Write(p[:room])
		}
		b.truncated = true
		return n, nil
	}
	b.Buffer.Write(p)
	return n, nil
}
