package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/fyrsmithlabs/harnessd/internal/errs"
	"github.com/fyrsmithlabs/harnessd/internal/store"
)

// Log is the append-only event store. Appends for one run are serialized
// so sequence numbers are gapless and ordered.
type Log struct {
	db  *store.DB
	now func() time.Time

	mu       sync.Mutex
	counters map[string]*runCounter
}

type runCounter struct {
	mu     sync.Mutex
	last   uint64
	loaded bool
	// dropped is set by Forget; appends holding a dropped counter fetch a
	// fresh one that reloads the stored sequence.
	dropped bool
}

// NewLog creates a log over db. The caller owns db.
func NewLog(db *store.DB) *Log {
	return &Log{db: db, now: time.Now, counters: make(map[string]*runCounter)}
}

func runPrefix(runID string) []byte {
	return []byte("event:" + runID + ":")
}

func eventKey(runID string, seq uint64) []byte {
	return []byte(fmt.Sprintf("event:%s:%016d", runID, seq))
}

func (l *Log) counter(runID string) *runCounter {
	l.mu.Lock()
	defer l.mu.Unlock()
	c, ok := l.counters[runID]
	if !ok {
		c = &runCounter{}
		l.counters[runID] = c
	}
	return c
}

// Append stores an event with the next sequence number of its run.
func (l *Log) Append(ctx context.Context, runID string, typ Type, toolName string, payload map[string]interface{}) (Event, error) {
	if runID == "" || strings.Contains(runID, ":") {
		return Event{}, errs.NewValidation("run_id", "invalid run id %q", runID)
	}
	if !typ.Valid() {
		return Event{}, errs.NewValidation("event_type", "unknown event type %q", typ)
	}

	c := l.counter(runID)
	c.mu.Lock()
	for c.dropped {
		c.mu.Unlock()
		c = l.counter(runID)
		c.mu.Lock()
	}
	defer c.mu.Unlock()

	if !c.loaded {
		last, err := l.Last(runID)
		if err != nil {
			return Event{}, err
		}
		c.last = last
		c.loaded = true
	}

	ev := Event{
		RunID:     runID,
		Sequence:  c.last + 1,
		Type:      typ,
		Payload:   payload,
		Timestamp: l.now().UTC(),
		ToolName:  toolName,
	}
	if err := l.db.Update(ctx, func(txn *badger.Txn) error {
		return store.SetJSON(txn, eventKey(runID, ev.Sequence), ev)
	}); err != nil {
		return Event{}, fmt.Errorf("append event: %w", err)
	}
	c.last = ev.Sequence
	return ev, nil
}

// List returns up to limit events of a run with sequence greater than
// after, in order. A limit of 0 returns all.
func (l *Log) List(runID string, after uint64, limit int) ([]Event, error) {
	var out []Event
	prefix := runPrefix(runID)
	err := l.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(eventKey(runID, after+1)); it.ValidForPrefix(prefix); it.Next() {
			var ev Event
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &ev)
			}); err != nil {
				return err
			}
			out = append(out, ev)
			if limit > 0 && len(out) >= limit {
				return nil
			}
		}
		return nil
	})
	return out, err
}

// Last returns the highest stored sequence of a run, or 0.
func (l *Log) Last(runID string) (uint64, error) {
	var last uint64
	prefix := runPrefix(runID)
	err := l.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		opts.Reverse = true
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		// reverse iteration seeks to the largest key <= seek
		it.Seek(append(append([]byte(nil), prefix...), 0xFF))
		if !it.ValidForPrefix(prefix) {
			return nil
		}
		key := string(it.Item().Key())
		seq, err := strconv.ParseUint(key[len(prefix):], 10, 64)
		if err != nil {
			return fmt.Errorf("corrupt event key %q: %w", key, err)
		}
		last = seq
		return nil
	})
	return last, err
}

// ErrNoEvents is returned by Tail when a run has no events.
var ErrNoEvents = errors.New("no events")

// Tail returns the most recent event of a run.
func (l *Log) Tail(runID string) (Event, error) {
	last, err := l.Last(runID)
	if err != nil {
		return Event{}, err
	}
	if last == 0 {
		return Event{}, ErrNoEvents
	}
	evs, err := l.List(runID, last-1, 1)
	if err != nil {
		return Event{}, err
	}
	if len(evs) == 0 {
		return Event{}, ErrNoEvents
	}
	return evs[0], nil
}

// Forget drops the cached counter of a finished run. Later appends for
// the run, such as a retry notice, reload the last stored sequence. An
// append in flight completes before the counter is dropped.
func (l *Log) Forget(runID string) {
	l.mu.Lock()
	c, ok := l.counters[runID]
	delete(l.counters, runID)
	l.mu.Unlock()
	if !ok {
		return
	}
	c.mu.Lock()
	c.dropped = true
	c.mu.Unlock()
}
