package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestNewMetrics_Singleton(t *testing.T) {
	assert.Same(t, NewMetrics(), NewMetrics())
}

func TestMetrics_NilSafe(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.RunFinished("completed", time.Second, 3)
		m.ToolCall("read_file", true)
		m.SetInflight(2)
		m.LiveEvent(LiveDropped)
		m.GraphChecked(1, 2, 3)
		m.GateCheck("test_pass", false)
	})
}

func TestMetrics_Counters(t *testing.T) {
	m := NewMetrics()

	before := testutil.ToFloat64(m.LiveEvents.WithLabelValues(LiveDropped))
	m.LiveEvent(LiveDropped)
	assert.Equal(t, before+1, testutil.ToFloat64(m.LiveEvents.WithLabelValues(LiveDropped)))

	m.GraphChecked(0, 0, 1)
	assert.Equal(t, float64(1), testutil.ToFloat64(m.GraphBlocked))
	m.GraphChecked(0, 0, 0)
	assert.Equal(t, float64(0), testutil.ToFloat64(m.GraphBlocked))
}
