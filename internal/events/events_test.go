package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"

	"github.com/fyrsmithlabs/harnessd/internal/errs"
	"github.com/fyrsmithlabs/harnessd/internal/logging"
	"github.com/fyrsmithlabs/harnessd/internal/secrets"
	"github.com/fyrsmithlabs/harnessd/internal/store"
)

func startTestNATS(t *testing.T) *nats.Conn {
	t.Helper()
	server, err := EmbeddedServer("127.0.0.1", -1)
	require.NoError(t, err)
	t.Cleanup(func() {
		server.Shutdown()
		server.WaitForShutdown()
	})
	nc, err := Connect(server.ClientURL(), "events-test")
	require.NoError(t, err)
	t.Cleanup(nc.Close)
	return nc
}

func newTestLog(t *testing.T) *Log {
	t.Helper()
	db, err := store.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return NewLog(db)
}

// fakeClock is a settable time source.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type recordingPublisher struct {
	mu       sync.Mutex
	subjects []string
	err      error
}

func (p *recordingPublisher) Publish(subject string, _ []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.subjects = append(p.subjects, subject)
	return nil
}

func TestType_Significant(t *testing.T) {
	significant := []Type{TypeToolCall, TypeTurnComplete, TypeAcceptanceCheck}
	for typ := range knownTypes {
		want := false
		for _, s := range significant {
			if s == typ {
				want = true
			}
		}
		assert.Equal(t, want, typ.Significant(), string(typ))
	}
	assert.False(t, Type("bogus").Valid())
}

func TestLog_SequencesAreGapless(t *testing.T) {
	ctx := context.Background()
	l := newTestLog(t)

	for i := 0; i < 5; i++ {
		ev, err := l.Append(ctx, "run-1", TypeTurnStart, "", map[string]interface{}{"turn": i + 1})
		require.NoError(t, err)
		assert.Equal(t, uint64(i+1), ev.Sequence)
	}
	ev, err := l.Append(ctx, "run-2", TypeRunStarted, "", nil)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), ev.Sequence, "sequences are per run")

	all, err := l.List("run-1", 0, 0)
	require.NoError(t, err)
	require.Len(t, all, 5)
	for i, e := range all {
		assert.Equal(t, uint64(i+1), e.Sequence)
	}

	page, err := l.List("run-1", 2, 2)
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, uint64(3), page[0].Sequence)

	tail, err := l.Tail("run-1")
	require.NoError(t, err)
	assert.Equal(t, uint64(5), tail.Sequence)

	_, err = l.Tail("nobody")
	assert.ErrorIs(t, err, ErrNoEvents)
}

func TestLog_ConcurrentAppends(t *testing.T) {
	ctx := context.Background()
	l := newTestLog(t)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := l.Append(ctx, "run-c", TypeToolCall, "read_file", nil)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	all, err := l.List("run-c", 0, 0)
	require.NoError(t, err)
	require.Len(t, all, 20)
	for i, e := range all {
		assert.Equal(t, uint64(i+1), e.Sequence)
	}
}

func TestRecorder_AppendsAfterTerminalEvent(t *testing.T) {
	ctx := context.Background()
	l := newTestLog(t)
	r := NewRecorder(l, nil, nil, nil, nil)

	_, err := r.Record(ctx, "run-t", TypeToolCall, "read_file", nil)
	require.NoError(t, err)

	// a tool still running when the run is finalised reports its result
	// concurrently with and after the terminal event
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := r.Record(ctx, "run-t", TypeToolResult, "read_file", nil)
			assert.NoError(t, err)
		}()
	}
	_, err = r.Record(ctx, "run-t", TypeRunTimeout, "", nil)
	require.NoError(t, err)
	wg.Wait()

	ev, err := r.Record(ctx, "run-t", TypeRetryScheduled, "", nil)
	require.NoError(t, err)
	assert.Equal(t, uint64(13), ev.Sequence)

	all, err := l.List("run-t", 0, 0)
	require.NoError(t, err)
	require.Len(t, all, 13)
	for i, e := range all {
		assert.Equal(t, uint64(i+1), e.Sequence)
	}
}

func TestLog_SequenceSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	db, err := store.Open(store.Config{Path: dir})
	require.NoError(t, err)
	l := NewLog(db)
	for i := 0; i < 3; i++ {
		_, err := l.Append(ctx, "run-p", TypeTurnStart, "", nil)
		require.NoError(t, err)
	}
	require.NoError(t, db.Close())

	db, err = store.Open(store.Config{Path: dir})
	require.NoError(t, err)
	defer db.Close()
	l = NewLog(db)

	last, err := l.Last("run-p")
	require.NoError(t, err)
	assert.Equal(t, uint64(3), last)

	ev, err := l.Append(ctx, "run-p", TypeTurnComplete, "", nil)
	require.NoError(t, err)
	assert.Equal(t, uint64(4), ev.Sequence)
}

func TestLog_RejectsInvalidInput(t *testing.T) {
	ctx := context.Background()
	l := newTestLog(t)

	_, err := l.Append(ctx, "", TypeTurnStart, "", nil)
	assert.True(t, errs.IsValidation(err))
	_, err = l.Append(ctx, "a:b", TypeTurnStart, "", nil)
	assert.True(t, errs.IsValidation(err))
	_, err = l.Append(ctx, "run", Type("bogus"), "", nil)
	assert.True(t, errs.IsValidation(err))
}

func TestSlidingWindow(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1000, 0)}
	w := NewSlidingWindow(3, time.Second)
	w.now = clock.Now

	for i := 0; i < 3; i++ {
		assert.True(t, w.Allow("a"))
	}
	assert.False(t, w.Allow("a"))
	assert.True(t, w.Allow("b"), "keys are independent")

	clock.Advance(500 * time.Millisecond)
	assert.False(t, w.Allow("a"))

	clock.Advance(501 * time.Millisecond)
	assert.True(t, w.Allow("a"))

	w.Forget("a")
	assert.Equal(t, 1, w.Len())
}

func TestBroadcaster_ThrottlesPerRun(t *testing.T) {
	ctx := context.Background()
	nc := startTestNATS(t)

	sub, err := nc.SubscribeSync(Subject("test", "run-1"))
	require.NoError(t, err)
	require.NoError(t, nc.Flush())

	clock := &fakeClock{now: time.Unix(1000, 0)}
	b := NewBroadcaster(nc, BroadcasterConfig{Prefix: "test", Limit: 10, Window: time.Second}, nil, nil)
	b.window.now = clock.Now

	delivered := 0
	for i := 1; i <= 11; i++ {
		if b.Offer(ctx, Event{RunID: "run-1", Sequence: uint64(i), Type: TypeToolCall, ToolName: "read_file"}) {
			delivered++
		}
	}
	assert.Equal(t, 10, delivered)

	clock.Advance(1100 * time.Millisecond)
	assert.True(t, b.Offer(ctx, Event{RunID: "run-1", Sequence: 12, Type: TypeTurnComplete}))
	require.NoError(t, nc.Flush())

	var got []LiveMessage
	for i := 0; i < 11; i++ {
		msg, err := sub.NextMsg(2 * time.Second)
		require.NoError(t, err)
		var lm LiveMessage
		require.NoError(t, json.Unmarshal(msg.Data, &lm))
		got = append(got, lm)
	}
	_, err = sub.NextMsg(100 * time.Millisecond)
	assert.ErrorIs(t, err, nats.ErrTimeout)

	assert.Equal(t, LiveMessageType, got[0].Type)
	assert.Equal(t, "read_file", got[0].ToolName)
	assert.Equal(t, uint64(12), got[10].Sequence)

	stats := b.Stats()
	assert.Equal(t, uint64(11), stats.Delivered)
	assert.Equal(t, uint64(1), stats.Dropped)
}

func TestBroadcaster_IgnoresInsignificantAndSwallowsErrors(t *testing.T) {
	ctx := context.Background()
	pub := &recordingPublisher{}
	b := NewBroadcaster(pub, BroadcasterConfig{Prefix: "p"}, nil, nil)

	assert.False(t, b.Offer(ctx, Event{RunID: "r", Type: TypeReasoning}))
	assert.True(t, b.Offer(ctx, Event{RunID: "r", Type: TypeAcceptanceCheck}))
	assert.Equal(t, []string{"p.runs.r.events"}, pub.subjects)

	pub.err = errors.New("bus down")
	assert.False(t, b.Offer(ctx, Event{RunID: "r", Type: TypeToolCall}))
	stats := b.Stats()
	assert.Equal(t, uint64(1), stats.Failed)
	assert.Equal(t, uint64(1), stats.Ignored)
}

func TestRecorder_DurableEvenWhenLiveFails(t *testing.T) {
	ctx := context.Background()
	l := newTestLog(t)
	pub := &recordingPublisher{err: errors.New("bus down")}
	logger := logging.NewTestLogger()
	b := NewBroadcaster(pub, BroadcasterConfig{}, logger.Logger, nil)
	r := NewRecorder(l, b, nil, logger.Logger, nil)

	ev, err := r.Record(ctx, "run-x", TypeToolCall, "write_file", map[string]interface{}{"path": "a.go"})
	require.NoError(t, err)
	assert.Equal(t, uint64(1), ev.Sequence)
	logger.AssertLogged(t, zapcore.WarnLevel, "live event publish failed")

	stored, err := l.List("run-x", 0, 0)
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.Equal(t, "a.go", stored[0].Payload["path"])
}

func TestRecorder_ScrubsPayload(t *testing.T) {
	ctx := context.Background()
	l := newTestLog(t)
	r := NewRecorder(l, nil, upperScrubber{}, nil, nil)

	_, err := r.Record(ctx, "run-s", TypeToolResult, "", map[string]interface{}{"out": "secret"})
	require.NoError(t, err)
	stored, err := l.List("run-s", 0, 0)
	require.NoError(t, err)
	assert.Equal(t, "[REDACTED]", stored[0].Payload["out"])
}

func TestSubscribe_DeliversRunMessages(t *testing.T) {
	nc := startTestNATS(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch, err := Subscribe(ctx, nc, "sub", "*", 8)
	require.NoError(t, err)
	require.NoError(t, nc.Flush())

	b := NewBroadcaster(nc, BroadcasterConfig{Prefix: "sub"}, nil, nil)
	for i := 1; i <= 3; i++ {
		require.True(t, b.Offer(ctx, Event{RunID: fmt.Sprintf("run-%d", i), Sequence: 1, Type: TypeToolCall}))
	}

	seen := map[string]bool{}
	for i := 0; i < 3; i++ {
		select {
		case lm := <-ch:
			seen[lm.RunID] = true
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for live message")
		}
	}
	assert.Len(t, seen, 3)

	cancel()
	for range ch {
	}
}

// upperScrubber redacts any string value equal to "secret".
type upperScrubber struct{}

func (upperScrubber) Scrub(s string) secrets.Result {
	if s == "secret" {
		return secrets.Result{Scrubbed: "[REDACTED]", Findings: []secrets.Finding{{RuleID: "test"}}}
	}
	return secrets.Result{Scrubbed: s}
}

func (u upperScrubber) ScrubPayload(p map[string]interface{}) (map[string]interface{}, int) {
	out := make(map[string]interface{}, len(p))
	n := 0
	for k, v := range p {
		if s, ok := v.(string); ok {
			res := u.Scrub(s)
			n += len(res.Findings)
			out[k] = res.Scrubbed
			continue
		}
		out[k] = v
	}
	return out, n
}
