package feature

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/fyrsmithlabs/harnessd/internal/errs"
	"github.com/fyrsmithlabs/harnessd/internal/store"
)

const keyPrefix = "feature:"

func featureKey(id string) []byte {
	return []byte(keyPrefix + id)
}

// BadgerStore persists features in badger. Claim runs in a read-write
// transaction, so two concurrent claims of the same feature conflict and
// only one commits.
type BadgerStore struct {
	db  *store.DB
	now func() time.Time
}

// NewBadgerStore wraps an open database. The caller owns db.
func NewBadgerStore(db *store.DB) *BadgerStore {
	return &BadgerStore{db: db, now: time.Now}
}

// List returns all features sorted by id.
func (s *BadgerStore) List(_ context.Context) ([]Feature, error) {
	var out []Feature
	err := s.db.View(func(txn *badger.Txn) error {
		return store.ScanPrefix(txn, []byte(keyPrefix), func(_, val []byte) error {
			var f Feature
			if err := json.Unmarshal(val, &f); err != nil {
				return err
			}
			out = append(out, f)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	SortByID(out)
	return out, nil
}

// Get returns a feature by id.
func (s *BadgerStore) Get(_ context.Context, id string) (Feature, error) {
	var f Feature
	err := s.db.View(func(txn *badger.Txn) error {
		return get(txn, id, &f)
	})
	return f, err
}

func get(txn *badger.Txn, id string, f *Feature) error {
	err := store.GetJSON(txn, featureKey(id), f)
	if errors.Is(err, store.ErrKeyNotFound) {
		return errs.NewNotFound("feature", id)
	}
	return err
}

// mutate loads, modifies and stores one feature in a retried transaction.
func (s *BadgerStore) mutate(ctx context.Context, id string, fn func(f *Feature) error) error {
	return s.db.Update(ctx, func(txn *badger.Txn) error {
		var f Feature
		if err := get(txn, id, &f); err != nil {
			return err
		}
		if err := fn(&f); err != nil {
			return err
		}
		f.UpdatedAt = s.now()
		return store.SetJSON(txn, featureKey(id), f)
	})
}

// Upsert stores a feature definition, preserving runtime flags.
func (s *BadgerStore) Upsert(ctx context.Context, f Feature) error {
	f = Normalize(f)
	if f.ID == "" {
		return errs.NewValidation("id", "feature id is required")
	}
	return s.db.Update(ctx, func(txn *badger.Txn) error {
		var existing Feature
		err := get(txn, f.ID, &existing)
		switch {
		case err == nil:
			f.Passes = existing.Passes
			f.InProgress = existing.InProgress
			f.Failed = existing.Failed
		case !errs.IsNotFound(err):
			return err
		}
		f.UpdatedAt = s.now()
		return store.SetJSON(txn, featureKey(f.ID), f)
	})
}

// Delete removes an idle feature.
func (s *BadgerStore) Delete(ctx context.Context, id string) error {
	return s.db.Update(ctx, func(txn *badger.Txn) error {
		var f Feature
		if err := get(txn, id, &f); err != nil {
			return err
		}
		if f.InProgress {
			return errs.NewConflict("feature", id, "cannot delete while in progress")
		}
		return txn.Delete(featureKey(id))
	})
}

// UpdateDependencies replaces the dependency set.
func (s *BadgerStore) UpdateDependencies(ctx context.Context, id string, deps []string) error {
	return s.mutate(ctx, id, func(f *Feature) error {
		f.Dependencies = append([]string(nil), deps...)
		return nil
	})
}

// errNotClaimable aborts a claim transaction without writing.
var errNotClaimable = errors.New("not claimable")

// Claim sets InProgress if the feature is claimable. A transaction that
// loses a write conflict re-reads the winner's state and reports false.
func (s *BadgerStore) Claim(ctx context.Context, id string) (bool, error) {
	err := s.mutate(ctx, id, func(f *Feature) error {
		if !f.claimable() {
			return errNotClaimable
		}
		f.InProgress = true
		return nil
	})
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, errNotClaimable), errors.Is(err, badger.ErrConflict):
		return false, nil
	default:
		return false, err
	}
}

// Release clears InProgress and applies the outcome.
func (s *BadgerStore) Release(ctx context.Context, id string, outcome Outcome) error {
	return s.mutate(ctx, id, func(f *Feature) error {
		if !f.InProgress {
			return errs.NewConflict("feature", id, "not in progress")
		}
		applyOutcome(f, outcome)
		return nil
	})
}

// Reset clears Passes and Failed.
func (s *BadgerStore) Reset(ctx context.Context, id string) error {
	return s.mutate(ctx, id, func(f *Feature) error {
		if f.InProgress {
			return errs.NewConflict("feature", id, "cannot reset while in progress")
		}
		f.Passes = false
		f.Failed = false
		return nil
	})
}

// Close is a no-op; the database is owned by the caller.
func (s *BadgerStore) Close() error { return nil }
