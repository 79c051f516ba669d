package agentspec

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/harnessd/internal/errs"
	"github.com/fyrsmithlabs/harnessd/internal/feature"
)

func validSpec() *AgentSpec {
	return &AgentSpec{
		ID:        "spec-1",
		Objective: "do it",
		TaskType:  TaskImplement,
		Budgets:   Budgets{MaxTurns: 5, TimeoutSeconds: 60},
		Validators: []ValidatorSpec{
			{Name: "tests", Kind: KindTestPass, Weight: 1, Required: true},
		},
	}
}

func TestAgentSpec_Validate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(s *AgentSpec)
		field  string
	}{
		{"valid", func(s *AgentSpec) {}, ""},
		{"missing objective", func(s *AgentSpec) { s.Objective = "" }, "Objective"},
		{"zero turns", func(s *AgentSpec) { s.Budgets.MaxTurns = 0 }, "Budgets.MaxTurns"},
		{"zero timeout", func(s *AgentSpec) { s.Budgets.TimeoutSeconds = 0 }, "Budgets.TimeoutSeconds"},
		{"weight above one", func(s *AgentSpec) { s.Validators[0].Weight = 1.5 }, "Validators[0].Weight"},
		{"unknown kind", func(s *AgentSpec) { s.Validators[0].Kind = "vibes" }, "Validators[0].Kind"},
		{"bad forbidden pattern", func(s *AgentSpec) { s.ToolPolicy.ForbiddenPatterns = []string{"("} }, "ToolPolicy.ForbiddenPatterns[0]"},
		{"file_exists without paths", func(s *AgentSpec) {
			s.Validators = append(s.Validators, ValidatorSpec{Name: "files", Kind: KindFileExists})
		}, "Validators[1].Paths"},
		{"duplicate names", func(s *AgentSpec) {
			s.Validators = append(s.Validators, s.Validators[0])
		}, "validators"},
		{"contract name reserved", func(s *AgentSpec) {
			s.Validators = append(s.Validators, ValidatorSpec{Name: ContractValidatorName, Kind: KindCustom, Command: []string{"true"}})
		}, "validators"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := validSpec()
			tt.mutate(s)
			err := s.Validate()
			if tt.field == "" {
				assert.NoError(t, err)
				return
			}
			var verr *errs.ValidationError
			require.True(t, errors.As(err, &verr), "got %v", err)
			assert.Equal(t, tt.field, verr.Field)
		})
	}
}

func TestToolPolicy_Allows(t *testing.T) {
	assert.True(t, ToolPolicy{}.Allows("anything"))
	p := ToolPolicy{AllowedTools: []string{"read_file"}}
	assert.True(t, p.Allows("read_file"))
	assert.False(t, p.Allows("run_command"))
}

func TestBudgets_Timeout(t *testing.T) {
	assert.Equal(t, 90*time.Second, Budgets{TimeoutSeconds: 90}.Timeout())
}

func TestTemplateCompiler_Compile(t *testing.T) {
	c := NewTemplateCompiler(Defaults{
		MaxTurns:     10,
		Timeout:      2 * time.Minute,
		AllowedTools: []string{"read_file", "write_file"},
		Validators:   []ValidatorSpec{{Name: "tests", Kind: KindTestPass, Weight: 1, Required: true}},
	})
	f := feature.Feature{
		ID:          "auth",
		Name:        "Login",
		Description: "Users can log in.",
		Steps:       []string{"add handler", "add tests"},
		Contract:    &feature.TestContract{Package: "./auth", Tests: []string{"TestLogin"}},
	}

	spec, err := c.Compile(context.Background(), Request{Feature: f})
	require.NoError(t, err)
	assert.NotEmpty(t, spec.ID)
	assert.Equal(t, "auth", spec.SourceFeatureID)
	assert.Equal(t, TaskImplement, spec.TaskType)
	assert.Equal(t, 120, spec.Budgets.TimeoutSeconds)
	assert.Contains(t, spec.Objective, "Implement feature auth: Login")
	assert.Contains(t, spec.Objective, "2. add tests")
	assert.Contains(t, spec.Objective, "TestLogin")
	require.NotNil(t, spec.Contract)
	assert.Equal(t, []string{"TestLogin"}, spec.Contract.Tests)

	retry, err := c.Compile(context.Background(), Request{
		Feature:  f,
		Feedback: []string{"tests: 1 failed", "lint: 2 issues"},
		Attempt:  2,
	})
	require.NoError(t, err)
	assert.Equal(t, TaskFix, retry.TaskType)
	assert.Equal(t, 2, retry.Attempt)
	assert.Contains(t, retry.Objective, "- tests: 1 failed\n- lint: 2 issues")
	assert.NotEqual(t, spec.ID, retry.ID)
}

func TestTemplateCompiler_MergesFeatureValidators(t *testing.T) {
	c := NewTemplateCompiler(Defaults{
		MaxTurns: 10,
		Timeout:  time.Minute,
		Validators: []ValidatorSpec{
			{Name: "tests", Kind: KindTestPass, Weight: 1, Required: true},
			{Name: "lint", Kind: KindLintClean, Weight: 0.5},
		},
	})
	f := feature.Feature{
		ID:   "auth",
		Name: "Login",
		Validators: []feature.Validator{
			{Name: "lint", Kind: "lint_clean", Weight: 1, Required: true},
			{Name: "handler", Kind: "file_exists", Weight: 1, Required: true, Paths: []string{"auth/handler.go"}},
		},
	}

	spec, err := c.Compile(context.Background(), Request{Feature: f})
	require.NoError(t, err)
	require.Len(t, spec.Validators, 3)
	assert.Equal(t, "tests", spec.Validators[0].Name)
	assert.Equal(t, "lint", spec.Validators[1].Name)
	assert.True(t, spec.Validators[1].Required)
	assert.Equal(t, 1.0, spec.Validators[1].Weight)
	assert.Equal(t, KindFileExists, spec.Validators[2].Kind)
	assert.Equal(t, []string{"auth/handler.go"}, spec.Validators[2].Paths)

	// the compiler's defaults are not mutated by a merge
	plain, err := c.Compile(context.Background(), Request{Feature: feature.Feature{ID: "other", Name: "Other"}})
	require.NoError(t, err)
	require.Len(t, plain.Validators, 2)
	assert.False(t, plain.Validators[1].Required)
}

func TestTemplateCompiler_RejectsReservedFeatureValidator(t *testing.T) {
	c := NewTemplateCompiler(Defaults{MaxTurns: 10, Timeout: time.Minute})
	f := feature.Feature{
		ID:         "auth",
		Name:       "Login",
		Validators: []feature.Validator{{Name: ContractValidatorName, Kind: "custom", Command: []string{"true"}}},
	}
	_, err := c.Compile(context.Background(), Request{Feature: f})
	assert.True(t, errs.IsValidation(err))
}

func TestTemplateCompiler_InvalidDefaults(t *testing.T) {
	c := NewTemplateCompiler(Defaults{MaxTurns: 0, Timeout: time.Minute})
	_, err := c.Compile(context.Background(), Request{Feature: feature.Feature{ID: "a", Name: "a"}})
	assert.True(t, errs.IsValidation(err))
}

func TestCompilerFunc(t *testing.T) {
	var c Compiler = CompilerFunc(func(_ context.Context, req Request) (*AgentSpec, error) {
		return &AgentSpec{SourceFeatureID: req.Feature.ID}, nil
	})
	spec, err := c.Compile(context.Background(), Request{Feature: feature.Feature{ID: "x"}})
	require.NoError(t, err)
	assert.Equal(t, "x", spec.SourceFeatureID)
}
