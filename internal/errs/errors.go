// Package errs defines the error kinds shared across harnessd.
//
// Every kind reports a stable Category used as the error category of a
// terminal run and for HTTP status mapping. Match kinds with errors.As.
package errs

import (
	"errors"
	"fmt"
	"strings"
)

// Error categories.
const (
	CategoryValidation         = "validation"
	CategoryNotFound           = "not_found"
	CategoryConflict           = "conflict"
	CategoryBudgetExhausted    = "budget_exhausted"
	CategoryTimeout            = "timeout"
	CategoryToolExecution      = "tool_execution"
	CategoryCycleDetected      = "cycle_detected"
	CategoryOrphanedDependency = "orphaned_dependency"
	CategoryUserCancelled      = "user_cancelled"
	CategoryAcceptanceFailed   = "acceptance_failed"
	CategoryInternal           = "internal"
)

// Categorized is implemented by every error kind in this package.
type Categorized interface {
	error
	Category() string
}

// ValidationError reports a malformed spec, config or feature definition.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation failed: " + e.Message
	}
	return fmt.Sprintf("validation failed: %s: %s", e.Field, e.Message)
}

func (e *ValidationError) Category() string { return CategoryValidation }

// NewValidation creates a ValidationError.
func NewValidation(field, format string, args ...interface{}) *ValidationError {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

// NotFoundError reports an unknown feature, run or tool.
type NotFoundError struct {
	Resource string
	ID       string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Resource, e.ID)
}

func (e *NotFoundError) Category() string { return CategoryNotFound }

// NewNotFound creates a NotFoundError.
func NewNotFound(resource, id string) *NotFoundError {
	return &NotFoundError{Resource: resource, ID: id}
}

// ConflictError reports a rejected state change. State is left unchanged.
type ConflictError struct {
	Resource string
	ID       string
	Reason   string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("%s %s: conflict: %s", e.Resource, e.ID, e.Reason)
}

func (e *ConflictError) Category() string { return CategoryConflict }

// NewConflict creates a ConflictError.
func NewConflict(resource, id, format string, args ...interface{}) *ConflictError {
	return &ConflictError{Resource: resource, ID: id, Reason: fmt.Sprintf(format, args...)}
}

// Budget names.
const (
	BudgetTurns     = "turns"
	BudgetWallClock = "wall_clock"
)

// BudgetExceededError reports an exhausted turn or wall-clock budget.
type BudgetExceededError struct {
	Budget string
	Limit  string
	Used   string
}

func (e *BudgetExceededError) Error() string {
	return fmt.Sprintf("%s budget exceeded: used %s of %s", e.Budget, e.Used, e.Limit)
}

// Category distinguishes wall-clock timeouts from exhausted turn budgets.
func (e *BudgetExceededError) Category() string {
	if e.Budget == BudgetWallClock {
		return CategoryTimeout
	}
	return CategoryBudgetExhausted
}

// ToolExecutionError reports a single failed tool call.
type ToolExecutionError struct {
	Tool   string
	Reason string
	Err    error
}

func (e *ToolExecutionError) Error() string {
	msg := fmt.Sprintf("tool %s failed", e.Tool)
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ToolExecutionError) Unwrap() error { return e.Err }

func (e *ToolExecutionError) Category() string { return CategoryToolExecution }

// CycleDetectedError blocks scheduling until an operator removes a dependency.
type CycleDetectedError struct {
	Cycles [][]string
}

func (e *CycleDetectedError) Error() string {
	rendered := make([]string, 0, len(e.Cycles))
	for _, c := range e.Cycles {
		rendered = append(rendered, strings.Join(c, " -> "))
	}
	return fmt.Sprintf("dependency cycle detected: %s", strings.Join(rendered, "; "))
}

func (e *CycleDetectedError) Category() string { return CategoryCycleDetected }

// OrphanedDependencyWarning describes an auto-repaired self-reference or
// missing dependency target. It is logged, never returned as a failure.
type OrphanedDependencyWarning struct {
	FeatureID string
	Removed   []string
	Original  []string
	Updated   []string
}

func (e *OrphanedDependencyWarning) Error() string {
	return fmt.Sprintf("feature %s: removed orphaned dependencies %v", e.FeatureID, e.Removed)
}

func (e *OrphanedDependencyWarning) Category() string { return CategoryOrphanedDependency }

// ErrUserCancelled marks a run cancelled by an operator.
var ErrUserCancelled = errors.New("user_cancelled")

// Category returns the category of err, or CategoryInternal when err carries
// none. A nil error has an empty category.
func Category(err error) string {
	if err == nil {
		return ""
	}
	if errors.Is(err, ErrUserCancelled) {
		return CategoryUserCancelled
	}
	var c Categorized
	if errors.As(err, &c) {
		return c.Category()
	}
	return CategoryInternal
}

// IsNotFound reports whether err is a NotFoundError.
func IsNotFound(err error) bool {
	var e *NotFoundError
	return errors.As(err, &e)
}

// IsConflict reports whether err is a ConflictError.
func IsConflict(err error) bool {
	var e *ConflictError
	return errors.As(err, &e)
}

// IsValidation reports whether err is a ValidationError.
func IsValidation(err error) bool {
	var e *ValidationError
	return errors.As(err, &e)
}
