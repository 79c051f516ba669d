package gate

import (
	"context"
	"fmt"
	"os"
	"regexp"
	"sort"
	"strings"

	"github.com/fyrsmithlabs/harnessd/internal/agentspec"
	"github.com/fyrsmithlabs/harnessd/internal/run"
)

func (g *Gate) testPass(ctx context.Context, in Input, v agentspec.ValidatorSpec) run.ValidatorResult {
	kind := string(v.Kind)
	argv := v.Command
	if len(argv) == 0 {
		argv = g.cfg.TestCommand
	}
	out := g.exec(ctx, in, argv)
	if out.Err != nil {
		return failed(kind, "test command failed to run: %v", out.Err)
	}
	rep := ParseTestOutput(out.Output)
	var res run.ValidatorResult
	switch {
	case out.ExitCode != 0 || len(rep.Failed) > 0:
		res = failed(kind, "tests failed (exit %d): %s", out.ExitCode, failingList(rep))
	default:
		res = passed(kind, "%d tests passed", len(rep.Passed))
	}
	if ratio := rep.PassRatio(); ratio != nil {
		res = scored(res, *ratio)
	}
	return res
}

func failingList(rep TestReport) string {
	if len(rep.Failed) == 0 {
		return "no test failures reported"
	}
	names := make([]string, 0, len(rep.Failed))
	for name := range rep.Failed {
		names = append(names, name)
	}
	sort.Strings(names)
	return strings.Join(names, ", ")
}

func (g *Gate) lintClean(ctx context.Context, in Input, v agentspec.ValidatorSpec) run.ValidatorResult {
	kind := string(v.Kind)
	argv := v.Command
	if len(argv) == 0 {
		argv = g.cfg.LintCommand
	}
	out := g.exec(ctx, in, argv)
	if out.Err != nil {
		return failed(kind, "lint command failed to run: %v", out.Err)
	}
	n := CountDiagnostics(out.Output)
	if out.ExitCode != 0 || n > 0 {
		return scored(failed(kind, "%d lint diagnostics (exit %d):\n%s", n, out.ExitCode, tail(out.Output, 20)), 0)
	}
	return scored(passed(kind, "no lint diagnostics"), 1)
}

func fileExists(ctx context.Context, in Input, v agentspec.ValidatorSpec) run.ValidatorResult {
	kind := string(v.Kind)
	if in.Workspace == nil {
		return failed(kind, "no workspace")
	}
	var missing []string
	for _, pattern := range v.Paths {
		matches, err := in.Workspace.Glob(ctx, pattern)
		if err != nil {
			return failed(kind, "invalid path pattern %q: %v", pattern, err)
		}
		if len(matches) == 0 {
			missing = append(missing, pattern)
		}
	}
	found := len(v.Paths) - len(missing)
	score := 1.0
	if len(v.Paths) > 0 {
		score = float64(found) / float64(len(v.Paths))
	}
	if len(missing) > 0 {
		return scored(failed(kind, "missing files: %s", strings.Join(missing, ", ")), score)
	}
	return scored(passed(kind, "all %d paths present", len(v.Paths)), score)
}

// maxScanBytes skips large files when scanning for forbidden patterns.
const maxScanBytes = 1 << 20

func forbiddenPatterns(ctx context.Context, in Input, v agentspec.ValidatorSpec) run.ValidatorResult {
	kind := string(v.Kind)
	if in.Workspace == nil {
		return failed(kind, "no workspace")
	}
	patterns := make([]*regexp.Regexp, 0, len(v.Patterns))
	for _, p := range v.Patterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return failed(kind, "invalid pattern %q: %v", p, err)
		}
		patterns = append(patterns, re)
	}

	files, err := ChangedFiles(ctx, in.Workspace)
	if err != nil {
		return failed(kind, "collect changed files: %v", err)
	}

	var hits []string
	for _, rel := range files {
		if err := ctx.Err(); err != nil {
			return failed(kind, "cancelled: %v", err)
		}
		abs, err := in.Workspace.Resolve(rel)
		if err != nil {
			continue
		}
		info, err := os.Stat(abs)
		if err != nil || info.IsDir() || info.Size() > maxScanBytes {
			continue
		}
		data, err := os.ReadFile(abs)
		if err != nil {
			continue
		}
		for _, re := range patterns {
			if re.Match(data) {
				hits = append(hits, fmt.Sprintf("%s matches %q", rel, re.String()))
			}
		}
	}
	if len(hits) > 0 {
		return scored(failed(kind, "forbidden patterns found: %s", strings.Join(hits, "; ")), 0)
	}
	return scored(passed(kind, "%d changed files clean", len(files)), 1)
}

func (g *Gate) custom(ctx context.Context, in Input, v agentspec.ValidatorSpec) run.ValidatorResult {
	kind := string(v.Kind)
	if check, ok := g.check(v.Name); ok {
		ok, msg, err := check(ctx, in)
		if err != nil {
			return failed(kind, "check error: %v", err)
		}
		res := run.ValidatorResult{Type: kind, Passed: ok, Message: msg}
		return scored(res, boolScore(ok))
	}
	if len(v.Command) == 0 {
		return failed(kind, "no registered check or command for %q", v.Name)
	}
	out := g.exec(ctx, in, v.Command)
	if out.Err != nil {
		return failed(kind, "command failed to run: %v", out.Err)
	}
	if out.ExitCode != 0 {
		return scored(failed(kind, "command exited %d:\n%s", out.ExitCode, tail(out.Output, 20)), 0)
	}
	return scored(passed(kind, "command succeeded"), 1)
}
