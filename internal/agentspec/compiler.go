package agentspec

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/fyrsmithlabs/harnessd/internal/feature"
)

// Request is the input of one compilation.
type Request struct {
	Feature feature.Feature
	// Feedback accumulates failure messages of every previous attempt.
	Feedback []string
	Attempt  int
}

// Compiler turns a feature into an executable spec.
type Compiler interface {
	Compile(ctx context.Context, req Request) (*AgentSpec, error)
}

// CompilerFunc adapts a function to Compiler.
type CompilerFunc func(ctx context.Context, req Request) (*AgentSpec, error)

// Compile calls fn.
func (fn CompilerFunc) Compile(ctx context.Context, req Request) (*AgentSpec, error) {
	return fn(ctx, req)
}

// Defaults seed every compiled spec.
type Defaults struct {
	MaxTurns          int
	Timeout           time.Duration
	AllowedTools      []string
	ForbiddenPatterns []string
	ToolHints         map[string]string
	Validators        []ValidatorSpec
}

// TemplateCompiler builds specs deterministically from feature fields.
type TemplateCompiler struct {
	defaults Defaults
	newID    func() string
}

// NewTemplateCompiler creates a template compiler.
func NewTemplateCompiler(d Defaults) *TemplateCompiler {
	return &TemplateCompiler{
		defaults: d,
		newID:    func() string { return uuid.NewString() },
	}
}

// Compile builds and validates a spec for req.
func (c *TemplateCompiler) Compile(ctx context.Context, req Request) (*AgentSpec, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	taskType := TaskImplement
	if req.Attempt > 0 {
		taskType = TaskFix
	}

	spec := &AgentSpec{
		ID:        c.newID(),
		Objective: Objective(req.Feature, req.Feedback),
		TaskType:  taskType,
		ToolPolicy: ToolPolicy{
			AllowedTools:      append([]string(nil), c.defaults.AllowedTools...),
			ForbiddenPatterns: append([]string(nil), c.defaults.ForbiddenPatterns...),
			ToolHints:         copyHints(c.defaults.ToolHints),
		},
		Budgets: Budgets{
			MaxTurns:       c.defaults.MaxTurns,
			TimeoutSeconds: int(c.defaults.Timeout / time.Second),
		},
		Validators:      MergeValidators(c.defaults.Validators, req.Feature.Validators),
		SourceFeatureID: req.Feature.ID,
		Feedback:        append([]string(nil), req.Feedback...),
		Attempt:         req.Attempt,
	}
	if req.Feature.Contract != nil {
		fc := req.Feature.Clone()
		spec.Contract = fc.Contract
	}

	if err := spec.Validate(); err != nil {
		return nil, fmt.Errorf("compile feature %s: %w", req.Feature.ID, err)
	}
	return spec, nil
}

// Objective renders the task text for a feature and prior feedback.
func Objective(f feature.Feature, feedback []string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Implement feature %s: %s", f.ID, f.Name)
	if f.Description != "" {
		b.WriteString("\n\n")
		b.WriteString(f.Description)
	}
	if len(f.Steps) > 0 {
		b.WriteString("\n\nSteps:")
		for i, s := range f.Steps {
			fmt.Fprintf(&b, "\n%d. %s", i+1, s)
		}
	}
	if f.Contract != nil && len(f.Contract.Tests) > 0 {
		fmt.Fprintf(&b, "\n\nRequired tests in %s: %s", f.Contract.Package, strings.Join(f.Contract.Tests, ", "))
		if len(f.Contract.Assertions) > 0 {
			fmt.Fprintf(&b, "\nRequired subtests: %s", strings.Join(f.Contract.Assertions, ", "))
		}
	}
	if len(feedback) > 0 {
		b.WriteString("\n\nPrevious attempts failed acceptance:")
		for _, msg := range feedback {
			b.WriteString("\n- ")
			b.WriteString(msg)
		}
	}
	return b.String()
}

// MergeValidators returns defaults followed by the feature's validators. A
// feature validator named like a default replaces it in place.
func MergeValidators(defaults []ValidatorSpec, own []feature.Validator) []ValidatorSpec {
	out := make([]ValidatorSpec, 0, len(defaults)+len(own))
	index := make(map[string]int, len(defaults)+len(own))
	for _, v := range defaults {
		v.Command = append([]string(nil), v.Command...)
		v.Paths = append([]string(nil), v.Paths...)
		v.Patterns = append([]string(nil), v.Patterns...)
		index[v.Name] = len(out)
		out = append(out, v)
	}
	for _, fv := range own {
		v := ValidatorSpec{
			Name:     fv.Name,
			Kind:     ValidatorKind(fv.Kind),
			Weight:   fv.Weight,
			Required: fv.Required,
			Command:  append([]string(nil), fv.Command...),
			Paths:    append([]string(nil), fv.Paths...),
			Patterns: append([]string(nil), fv.Patterns...),
		}
		if i, ok := index[v.Name]; ok {
			out[i] = v
			continue
		}
		index[v.Name] = len(out)
		out = append(out, v)
	}
	return out
}

func copyHints(h map[string]string) map[string]string {
	if len(h) == 0 {
		return nil
	}
	out := make(map[string]string, len(h))
	for k, v := range h {
		out[k] = v
	}
	return out
}
