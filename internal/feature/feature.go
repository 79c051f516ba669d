// Package feature holds the unit of scheduled work and its stores.
//
// A Feature is owned by the orchestrator. Its mutable flags (Passes,
// InProgress, Failed) change only through Store.Claim, Store.Release and
// Store.Reset; its dependency set changes only through graph repair via
// Store.UpdateDependencies.
package feature

import (
	"context"
	"sort"
	"strings"
	"time"
)

// TestContract declares the tests a feature must ship.
type TestContract struct {
	// Package is the go package pattern the tests live in, e.g. ./internal/auth.
	Package string `json:"package" yaml:"package" toml:"package"`
	// Tests are top-level test function names that must exist and pass.
	Tests []string `json:"tests" yaml:"tests" toml:"tests"`
	// Assertions are subtest paths (TestName/case) that must be exercised.
	Assertions []string `json:"assertions,omitempty" yaml:"assertions" toml:"assertions"`
}

// Validator declares an acceptance check specific to one feature. It uses
// the same kinds as the gate's default validators.
type Validator struct {
	Name     string   `json:"name" yaml:"name" toml:"name"`
	Kind     string   `json:"kind" yaml:"kind" toml:"kind"`
	Weight   float64  `json:"weight,omitempty" yaml:"weight" toml:"weight"`
	Required bool     `json:"required" yaml:"required" toml:"required"`
	Command  []string `json:"command,omitempty" yaml:"command" toml:"command"`
	Paths    []string `json:"paths,omitempty" yaml:"paths" toml:"paths"`
	Patterns []string `json:"patterns,omitempty" yaml:"patterns" toml:"patterns"`
}

// Feature is a unit of work with a dependency set and completion flags.
type Feature struct {
	ID           string        `json:"id" yaml:"id" toml:"id"`
	Name         string        `json:"name" yaml:"name" toml:"name"`
	Description  string        `json:"description,omitempty" yaml:"description" toml:"description"`
	Category     string        `json:"category,omitempty" yaml:"category" toml:"category"`
	Priority     int           `json:"priority" yaml:"priority" toml:"priority"`
	Dependencies []string      `json:"dependencies" yaml:"dependencies" toml:"dependencies"`
	Steps        []string      `json:"steps,omitempty" yaml:"steps" toml:"steps"`
	Contract     *TestContract `json:"contract,omitempty" yaml:"contract" toml:"contract"`
	Validators   []Validator   `json:"validators,omitempty" yaml:"validators" toml:"validators"`

	Passes     bool `json:"passes" yaml:"passes" toml:"passes"`
	InProgress bool `json:"in_progress" yaml:"-" toml:"-"`
	// Failed marks a feature whose retries are exhausted. It stays out of
	// the ready set until reset.
	Failed bool `json:"failed" yaml:"-" toml:"-"`

	UpdatedAt time.Time `json:"updated_at" yaml:"-" toml:"-"`
}

// Outcome is the result applied when a claimed feature is released.
type Outcome struct {
	Passed bool
	// Failed marks the feature terminally failed (no more attempts).
	Failed bool
}

// Store persists features.
type Store interface {
	// List returns all features sorted by id.
	List(ctx context.Context) ([]Feature, error)
	// Get returns a feature or a NotFoundError.
	Get(ctx context.Context, id string) (Feature, error)
	// Upsert stores a feature definition. For an existing feature the
	// Passes, InProgress and Failed flags are preserved.
	Upsert(ctx context.Context, f Feature) error
	// Delete removes a feature. Deleting an in-progress feature is a conflict.
	Delete(ctx context.Context, id string) error
	// UpdateDependencies replaces the dependency set of a feature.
	UpdateDependencies(ctx context.Context, id string, deps []string) error
	// Claim atomically sets InProgress if the feature is idle and not done.
	// It returns false, without error, when another caller won the race.
	Claim(ctx context.Context, id string) (bool, error)
	// Release clears InProgress and applies the outcome. Releasing a
	// feature that is not in progress is a conflict.
	Release(ctx context.Context, id string, outcome Outcome) error
	// Reset clears Passes and Failed so the feature is scheduled again.
	Reset(ctx context.Context, id string) error
	Close() error
}

// Clone returns a deep copy.
func (f Feature) Clone() Feature {
	c := f
	c.Dependencies = append([]string(nil), f.Dependencies...)
	c.Steps = append([]string(nil), f.Steps...)
	if f.Contract != nil {
		contract := *f.Contract
		contract.Tests = append([]string(nil), f.Contract.Tests...)
		contract.Assertions = append([]string(nil), f.Contract.Assertions...)
		c.Contract = &contract
	}
	if f.Validators != nil {
		c.Validators = make([]Validator, len(f.Validators))
		for i, v := range f.Validators {
			v.Command = append([]string(nil), v.Command...)
			v.Paths = append([]string(nil), v.Paths...)
			v.Patterns = append([]string(nil), v.Patterns...)
			c.Validators[i] = v
		}
	}
	return c
}

// claimable reports whether Claim may take the feature.
func (f Feature) claimable() bool {
	return !f.InProgress && !f.Passes && !f.Failed
}

// Normalize trims ids and removes duplicate and empty dependency entries,
// keeping first occurrence order.
func Normalize(f Feature) Feature {
	f.ID = strings.TrimSpace(f.ID)
	seen := make(map[string]bool, len(f.Dependencies))
	deps := make([]string, 0, len(f.Dependencies))
	for _, d := range f.Dependencies {
		d = strings.TrimSpace(d)
		if d == "" || seen[d] {
			continue
		}
		seen[d] = true
		deps = append(deps, d)
	}
	f.Dependencies = deps
	return f
}

// SortByID sorts features by id in place.
func SortByID(features []Feature) {
	sort.Slice(features, func(i, j int) bool { return features[i].ID < features[j].ID })
}

// Index maps features by id.
func Index(features []Feature) map[string]Feature {
	m := make(map[string]Feature, len(features))
	for _, f := range features {
		m[f.ID] = f
	}
	return m
}
