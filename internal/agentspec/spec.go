// Package agentspec defines the executable task a run is driven by and
// the compiler that produces one from a feature.
package agentspec

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/fyrsmithlabs/harnessd/internal/errs"
	"github.com/fyrsmithlabs/harnessd/internal/feature"
)

// ValidatorKind is the closed set of acceptance validator kinds.
type ValidatorKind string

const (
	KindTestPass          ValidatorKind = "test_pass"
	KindFileExists        ValidatorKind = "file_exists"
	KindLintClean         ValidatorKind = "lint_clean"
	KindForbiddenPatterns ValidatorKind = "forbidden_patterns"
	KindCustom            ValidatorKind = "custom"
)

// ContractValidatorName is the result name the gate reports the test
// contract under. Configured validators may not use it.
const ContractValidatorName = "test_contract"

// Task types.
const (
	TaskImplement = "implement_feature"
	TaskFix       = "fix_feature"
)

// ToolPolicy restricts which tools a run may call.
type ToolPolicy struct {
	// AllowedTools lists callable tool names. Empty allows every registered tool.
	AllowedTools []string `json:"allowed_tools" validate:"dive,required"`
	// ForbiddenPatterns are regexes matched against serialized tool arguments.
	ForbiddenPatterns []string          `json:"forbidden_patterns" validate:"dive,required,regexp"`
	ToolHints         map[string]string `json:"tool_hints,omitempty"`
}

// Allows reports whether the policy permits calling tool.
func (p ToolPolicy) Allows(tool string) bool {
	if len(p.AllowedTools) == 0 {
		return true
	}
	for _, t := range p.AllowedTools {
		if t == tool {
			return true
		}
	}
	return false
}

// Budgets bound a single run.
type Budgets struct {
	MaxTurns       int `json:"max_turns" validate:"gte=1,lte=10000"`
	TimeoutSeconds int `json:"timeout_seconds" validate:"gte=1"`
}

// Timeout returns the wall-clock budget.
func (b Budgets) Timeout() time.Duration {
	return time.Duration(b.TimeoutSeconds) * time.Second
}

// ValidatorSpec configures one acceptance validator.
type ValidatorSpec struct {
	Name     string        `json:"name" validate:"required"`
	Kind     ValidatorKind `json:"kind" validate:"required,oneof=test_pass file_exists lint_clean forbidden_patterns custom"`
	Weight   float64       `json:"weight" validate:"gte=0,lte=1"`
	Required bool          `json:"required"`
	// Command overrides the default command of test_pass and lint_clean and
	// is the check of a custom validator.
	Command  []string `json:"command,omitempty"`
	Paths    []string `json:"paths,omitempty" validate:"required_if=Kind file_exists"`
	Patterns []string `json:"patterns,omitempty" validate:"required_if=Kind forbidden_patterns,dive,regexp"`
}

// AgentSpec is the compiled task executed by one run.
type AgentSpec struct {
	ID              string                `json:"id" validate:"required"`
	Objective       string                `json:"objective" validate:"required"`
	TaskType        string                `json:"task_type" validate:"required"`
	ToolPolicy      ToolPolicy            `json:"tool_policy"`
	Budgets         Budgets               `json:"budgets"`
	Validators      []ValidatorSpec       `json:"validators" validate:"dive"`
	SourceFeatureID string                `json:"source_feature_id"`
	Feedback        []string              `json:"feedback,omitempty"`
	Attempt         int                   `json:"attempt" validate:"gte=0"`
	Contract        *feature.TestContract `json:"contract,omitempty"`
}

var specValidate *validator.Validate

func init() {
	specValidate = validator.New()
	_ = specValidate.RegisterValidation("regexp", validateRegexp)
}

func validateRegexp(fl validator.FieldLevel) bool {
	_, err := regexp.Compile(fl.Field().String())
	return err == nil
}

// Validate checks field constraints and returns a ValidationError naming
// the first offending field.
func (s *AgentSpec) Validate() error {
	if err := specValidate.Struct(s); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return errs.NewValidation(fieldPath(fe.Namespace()), "failed %q constraint", tagWithParam(fe))
		}
		return errs.NewValidation("spec", "%v", err)
	}

	names := make(map[string]bool, len(s.Validators))
	for _, v := range s.Validators {
		if v.Name == ContractValidatorName {
			return errs.NewValidation("validators", "validator name %q is reserved", v.Name)
		}
		if names[v.Name] {
			return errs.NewValidation("validators", "duplicate validator name %q", v.Name)
		}
		names[v.Name] = true
	}
	return nil
}

func fieldPath(namespace string) string {
	// drop the leading type name
	if i := strings.IndexByte(namespace, '.'); i >= 0 {
		return namespace[i+1:]
	}
	return namespace
}

func tagWithParam(fe validator.FieldError) string {
	if fe.Param() == "" {
		return fe.Tag()
	}
	return fmt.Sprintf("%s=%s", fe.Tag(), fe.Param())
}
