package run

import (
	"context"
	"sort"
	"sync"

	"github.com/fyrsmithlabs/harnessd/internal/errs"
)

// MemoryStore keeps runs in memory.
type MemoryStore struct {
	mu   sync.Mutex
	runs map[string]Run
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{runs: make(map[string]Run)}
}

func (s *MemoryStore) Create(_ context.Context, r Run) error {
	if r.ID == "" {
		return errs.NewValidation("id", "run id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.runs[r.ID]; ok {
		return errs.NewConflict("run", r.ID, "already exists")
	}
	s.runs[r.ID] = r.Clone()
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.runs[id]
	if !ok {
		return Run{}, errs.NewNotFound("run", id)
	}
	return r.Clone(), nil
}

func (s *MemoryStore) Update(_ context.Context, id string, fn UpdateFunc) (Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.runs[id]
	if !ok {
		return Run{}, errs.NewNotFound("run", id)
	}
	if r.Status.Terminal() {
		return r.Clone(), errs.NewConflict("run", id, "run is %s", r.Status)
	}
	next := r.Clone()
	if err := fn(&next); err != nil {
		return r.Clone(), err
	}
	s.runs[id] = next
	return next.Clone(), nil
}

func (s *MemoryStore) List(_ context.Context, opts ListOptions) ([]Run, error) {
	s.mu.Lock()
	out := make([]Run, 0, len(s.runs))
	for _, r := range s.runs {
		if opts.match(r) {
			out = append(out, r.Clone())
		}
	}
	s.mu.Unlock()
	return limit(sortRuns(out), opts.Limit), nil
}

func sortRuns(runs []Run) []Run {
	sort.Slice(runs, func(i, j int) bool {
		if !runs[i].CreatedAt.Equal(runs[j].CreatedAt) {
			return runs[i].CreatedAt.Before(runs[j].CreatedAt)
		}
		return runs[i].ID < runs[j].ID
	})
	return runs
}

func limit(runs []Run, n int) []Run {
	if n > 0 && len(runs) > n {
		return runs[:n]
	}
	return runs
}
