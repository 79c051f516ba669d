package run

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/dgraph-io/badger/v4"

	"github.com/fyrsmithlabs/harnessd/internal/errs"
	"github.com/fyrsmithlabs/harnessd/internal/store"
)

const keyPrefix = "run:"

func runKey(id string) []byte { return []byte(keyPrefix + id) }

// BadgerStore persists runs in badger.
type BadgerStore struct {
	db *store.DB
}

// NewBadgerStore wraps an open database. The caller owns db.
func NewBadgerStore(db *store.DB) *BadgerStore {
	return &BadgerStore{db: db}
}

func get(txn *badger.Txn, id string, r *Run) error {
	err := store.GetJSON(txn, runKey(id), r)
	if errors.Is(err, store.ErrKeyNotFound) {
		return errs.NewNotFound("run", id)
	}
	return err
}

func (s *BadgerStore) Create(ctx context.Context, r Run) error {
	if r.ID == "" {
		return errs.NewValidation("id", "run id is required")
	}
	return s.db.Update(ctx, func(txn *badger.Txn) error {
		var existing Run
		err := get(txn, r.ID, &existing)
		if err == nil {
			return errs.NewConflict("run", r.ID, "already exists")
		}
		if !errs.IsNotFound(err) {
			return err
		}
		return store.SetJSON(txn, runKey(r.ID), r)
	})
}

func (s *BadgerStore) Get(_ context.Context, id string) (Run, error) {
	var r Run
	err := s.db.View(func(txn *badger.Txn) error {
		return get(txn, id, &r)
	})
	return r, err
}

func (s *BadgerStore) Update(ctx context.Context, id string, fn UpdateFunc) (Run, error) {
	var out Run
	err := s.db.Update(ctx, func(txn *badger.Txn) error {
		var r Run
		if err := get(txn, id, &r); err != nil {
			return err
		}
		if r.Status.Terminal() {
			out = r
			return errs.NewConflict("run", id, "run is %s", r.Status)
		}
		if err := fn(&r); err != nil {
			return err
		}
		out = r
		return store.SetJSON(txn, runKey(id), r)
	})
	return out, err
}

func (s *BadgerStore) List(_ context.Context, opts ListOptions) ([]Run, error) {
	var out []Run
	err := s.db.View(func(txn *badger.Txn) error {
		return store.ScanPrefix(txn, []byte(keyPrefix), func(_, val []byte) error {
			var r Run
			if err := json.Unmarshal(val, &r); err != nil {
				return err
			}
			if opts.match(r) {
				out = append(out, r)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return limit(sortRuns(out), opts.Limit), nil
}
