package gate

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/fyrsmithlabs/harnessd/internal/run"
)

const contractKind = "test_contract"

// ContractCommand builds the go test invocation for a contract.
func ContractCommand(pkg string, tests []string) []string {
	quoted := make([]string, len(tests))
	for i, t := range tests {
		quoted[i] = regexp.QuoteMeta(t)
	}
	return []string{"go", "test", "-v", "-cover", "-run", "^(" + strings.Join(quoted, "|") + ")$", pkg}
}

func (g *Gate) checkContract(ctx context.Context, in Input) run.ValidatorResult {
	c := in.Spec.Contract
	if c == nil || len(c.Tests) == 0 {
		if g.cfg.AllowSkipForNoContract {
			return passed(contractKind, "skipped: no test contract declared")
		}
		return failed(contractKind, "no test contract declared")
	}
	pkg := c.Package
	if pkg == "" {
		pkg = "./..."
	}

	out := g.exec(ctx, in, ContractCommand(pkg, c.Tests))
	if out.Err != nil {
		return failed(contractKind, "contract tests failed to run: %v", out.Err)
	}
	rep := ParseTestOutput(out.Output)

	var problems []string
	for _, t := range c.Tests {
		switch {
		case !rep.Ran[t]:
			problems = append(problems, fmt.Sprintf("test %s did not run", t))
		case rep.Failed[t]:
			problems = append(problems, fmt.Sprintf("test %s failed", t))
		}
	}
	if out.ExitCode != 0 && len(problems) == 0 {
		problems = append(problems, fmt.Sprintf("go test exited %d", out.ExitCode))
	}

	var unmet []string
	for _, a := range c.Assertions {
		name := subtestName(a)
		if !rep.Passed[name] {
			unmet = append(unmet, name)
		}
	}
	sort.Strings(unmet)
	if len(unmet) > 0 && g.cfg.RequireAllAssertions {
		problems = append(problems, "assertions not passing: "+strings.Join(unmet, ", "))
	}

	if g.cfg.MinTestCoverage > 0 {
		switch {
		case rep.Coverage == nil:
			problems = append(problems, "coverage not reported")
		case *rep.Coverage < g.cfg.MinTestCoverage:
			problems = append(problems, fmt.Sprintf("coverage %.1f%% below minimum %.1f%%", *rep.Coverage, g.cfg.MinTestCoverage))
		}
	}

	score := 0.0
	if total := len(c.Tests) + len(c.Assertions); total > 0 {
		ok := len(c.Assertions) - len(unmet)
		for _, t := range c.Tests {
			if rep.Passed[t] {
				ok++
			}
		}
		score = float64(ok) / float64(total)
	}

	if len(problems) > 0 {
		return scored(failed(contractKind, "%s", strings.Join(problems, "; ")), score)
	}
	msg := fmt.Sprintf("%d contract tests passed", len(c.Tests))
	if len(unmet) > 0 {
		msg += fmt.Sprintf(" (%d assertions not observed)", len(unmet))
	}
	if rep.Coverage != nil {
		msg += fmt.Sprintf(", coverage %.1f%%", *rep.Coverage)
	}
	return scored(passed(contractKind, "%s", msg), score)
}
