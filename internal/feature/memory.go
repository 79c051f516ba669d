package feature

import (
	"context"
	"sync"
	"time"

	"github.com/fyrsmithlabs/harnessd/internal/errs"
)

// MemoryStore keeps features in a map guarded by a mutex.
type MemoryStore struct {
	mu       sync.Mutex
	features map[string]Feature
	now      func() time.Time
}

// NewMemoryStore creates a store seeded with features.
func NewMemoryStore(features ...Feature) *MemoryStore {
	s := &MemoryStore{
		features: make(map[string]Feature, len(features)),
		now:      time.Now,
	}
	for _, f := range features {
		f = Normalize(f)
		s.features[f.ID] = f.Clone()
	}
	return s
}

// List returns all features sorted by id.
func (s *MemoryStore) List(_ context.Context) ([]Feature, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Feature, 0, len(s.features))
	for _, f := range s.features {
		out = append(out, f.Clone())
	}
	SortByID(out)
	return out, nil
}

// Get returns a feature by id.
func (s *MemoryStore) Get(_ context.Context, id string) (Feature, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, ok := s.features[id]
	if !ok {
		return Feature{}, errs.NewNotFound("feature", id)
	}
	return f.Clone(), nil
}

// Upsert stores a feature definition, preserving runtime flags.
func (s *MemoryStore) Upsert(_ context.Context, f Feature) error {
	f = Normalize(f)
	if f.ID == "" {
		return errs.NewValidation("id", "feature id is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.features[f.ID]; ok {
		f.Passes = existing.Passes
		f.InProgress = existing.InProgress
		f.Failed = existing.Failed
	}
	f.UpdatedAt = s.now()
	s.features[f.ID] = f.Clone()
	return nil
}

// Delete removes an idle feature.
func (s *MemoryStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, ok := s.features[id]
	if !ok {
		return errs.NewNotFound("feature", id)
	}
	if f.InProgress {
		return errs.NewConflict("feature", id, "cannot delete while in progress")
	}
	delete(s.features, id)
	return nil
}

// UpdateDependencies replaces the dependency set.
func (s *MemoryStore) UpdateDependencies(_ context.Context, id string, deps []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, ok := s.features[id]
	if !ok {
		return errs.NewNotFound("feature", id)
	}
	f.Dependencies = append([]string(nil), deps...)
	f.UpdatedAt = s.now()
	s.features[id] = f
	return nil
}

// Claim sets InProgress if the feature is claimable.
func (s *MemoryStore) Claim(_ context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, ok := s.features[id]
	if !ok {
		return false, errs.NewNotFound("feature", id)
	}
	if !f.claimable() {
		return false, nil
	}
	f.InProgress = true
	f.UpdatedAt = s.now()
	s.features[id] = f
	return true, nil
}

// Release clears InProgress and applies the outcome.
func (s *MemoryStore) Release(_ context.Context, id string, outcome Outcome) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, ok := s.features[id]
	if !ok {
		return errs.NewNotFound("feature", id)
	}
	if !f.InProgress {
		return errs.NewConflict("feature", id, "not in progress")
	}
	applyOutcome(&f, outcome)
	f.UpdatedAt = s.now()
	s.features[id] = f
	return nil
}

// Reset clears Passes and Failed.
func (s *MemoryStore) Reset(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, ok := s.features[id]
	if !ok {
		return errs.NewNotFound("feature", id)
	}
	if f.InProgress {
		return errs.NewConflict("feature", id, "cannot reset while in progress")
	}
	f.Passes = false
	f.Failed = false
	f.UpdatedAt = s.now()
	s.features[id] = f
	return nil
}

// Close is a no-op.
func (s *MemoryStore) Close() error { return nil }

func applyOutcome(f *Feature, outcome Outcome) {
	f.InProgress = false
	f.Passes = outcome.Passed
	f.Failed = !outcome.Passed && outcome.Failed
}
