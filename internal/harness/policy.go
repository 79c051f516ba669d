package harness

import (
	"encoding/json"
	"fmt"
	"regexp"

	"github.com/fyrsmithlabs/harnessd/internal/agentspec"
	"github.com/fyrsmithlabs/harnessd/internal/errs"
)

// policy enforces a spec's tool policy before each call.
type policy struct {
	spec      agentspec.ToolPolicy
	forbidden []*regexp.Regexp
}

func newPolicy(p agentspec.ToolPolicy) (*policy, error) {
	pol := &policy{spec: p}
	for _, pattern := range p.ForbiddenPatterns {
		re, err := regexp.Compile(pattern)
		if err != nil {
			return nil, errs.NewValidation("tool_policy.forbidden_patterns", "invalid pattern %q: %v", pattern, err)
		}
		pol.forbidden = append(pol.forbidden, re)
	}
	return pol, nil
}

// check returns a rejection reason, or "" when the call is allowed.
func (p *policy) check(tool string, args map[string]interface{}) string {
	if tool == "" {
		return "no tool named"
	}
	if !p.spec.Allows(tool) {
		return fmt.Sprintf("tool %q is not allowed", tool)
	}
	if len(p.forbidden) == 0 {
		return ""
	}
	raw, err := json.Marshal(args)
	if err != nil {
		return fmt.Sprintf("arguments are not serializable: %v", err)
	}
	for _, re := range p.forbidden {
		if re.Match(raw) {
			return fmt.Sprintf("arguments match forbidden pattern %q", re.String())
		}
	}
	return ""
}
