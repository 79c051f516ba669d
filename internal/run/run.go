// Package run models one execution attempt of an agent spec.
package run

import (
	"context"
	"time"
)

// Status is a run lifecycle state.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusPaused    Status = "paused"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusTimeout   Status = "timeout"
)

// Terminal reports whether no further transition is accepted.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusTimeout:
		return true
	}
	return false
}

var transitions = map[Status][]Status{
	StatusPending: {StatusRunning, StatusFailed},
	StatusRunning: {StatusPaused, StatusCompleted, StatusFailed, StatusTimeout},
	StatusPaused:  {StatusRunning, StatusCompleted, StatusFailed, StatusTimeout},
}

// CanTransition reports whether from -> to is a sanctioned transition.
func CanTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Verdict values.
const (
	VerdictPass = "pass"
	VerdictFail = "fail"
)

// ValidatorResult is the outcome of one acceptance validator.
type ValidatorResult struct {
	Type     string   `json:"type"`
	Passed   bool     `json:"passed"`
	Message  string   `json:"message"`
	Score    *float64 `json:"score,omitempty"`
	Required bool     `json:"required"`
	Weight   float64  `json:"weight"`
}

// Run is the run-completion record.
type Run struct {
	ID                string                     `json:"id"`
	SpecID            string                     `json:"spec_id"`
	FeatureID         string                     `json:"feature_id,omitempty"`
	Status            Status                     `json:"status"`
	TurnsUsed         int                        `json:"turns_used"`
	TokensIn          int                        `json:"tokens_in"`
	TokensOut         int                        `json:"tokens_out"`
	Verdict           string                     `json:"final_verdict"`
	Score             *float64                   `json:"score,omitempty"`
	AcceptanceResults map[string]ValidatorResult `json:"acceptance_results"`
	Error             string                     `json:"error"`
	ErrorMessage      string                     `json:"error_message,omitempty"`
	Feedback          []string                   `json:"feedback,omitempty"`
	RetryCount        int                        `json:"retry_count"`
	CreatedAt         time.Time                  `json:"created_at"`
	StartedAt         time.Time                  `json:"started_at"`
	CompletedAt       *time.Time                 `json:"completed_at"`
}

// Clone returns a deep copy.
func (r Run) Clone() Run {
	c := r
	if r.AcceptanceResults != nil {
		c.AcceptanceResults = make(map[string]ValidatorResult, len(r.AcceptanceResults))
		for k, v := range r.AcceptanceResults {
			c.AcceptanceResults[k] = v
		}
	}
	c.Feedback = append([]string(nil), r.Feedback...)
	if r.CompletedAt != nil {
		t := *r.CompletedAt
		c.CompletedAt = &t
	}
	if r.Score != nil {
		s := *r.Score
		c.Score = &s
	}
	return c
}

// Passed reports whether the run completed with a passing verdict.
func (r Run) Passed() bool {
	return r.Status == StatusCompleted && r.Verdict == VerdictPass
}

// ListOptions filters List.
type ListOptions struct {
	FeatureID string
	Status    Status
	// Limit caps the result; 0 means no limit.
	Limit int
}

func (o ListOptions) match(r Run) bool {
	if o.FeatureID != "" && r.FeatureID != o.FeatureID {
		return false
	}
	if o.Status != "" && r.Status != o.Status {
		return false
	}
	return true
}

// UpdateFunc mutates a run inside Store.Update.
type UpdateFunc func(r *Run) error

// Store persists runs.
type Store interface {
	// Create stores a new run. An existing id is a conflict.
	Create(ctx context.Context, r Run) error
	// Get returns a run or a NotFoundError.
	Get(ctx context.Context, id string) (Run, error)
	// Update applies fn atomically. Terminal runs are immutable: updating
	// one returns a ConflictError without calling fn.
	Update(ctx context.Context, id string, fn UpdateFunc) (Run, error)
	// List returns runs ordered by creation time.
	List(ctx context.Context, opts ListOptions) ([]Run, error)
}
