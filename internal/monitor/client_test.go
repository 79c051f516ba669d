package monitor

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/harnessd/internal/events"
	apihttp "github.com/fyrsmithlabs/harnessd/internal/http"
	"github.com/fyrsmithlabs/harnessd/internal/run"
)

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func TestClient_DecodesErrors(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusNotFound, apihttp.ErrorResponse{Error: "run not found: r9", Category: "not_found"})
	}))
	defer ts.Close()

	_, err := NewClient(ts.URL, time.Second).Run(context.Background(), "r9")
	require.Error(t, err)
	assert.True(t, IsStatus(err, http.StatusNotFound))
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, "not_found", apiErr.Category)
	assert.Contains(t, err.Error(), "run not found")
}

func TestClient_GraphConflictKeepsReport(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/graph", r.URL.Path)
		writeJSON(w, http.StatusConflict, apihttp.GraphResponse{Blocked: true, Text: "cycle: a -> b -> a"})
	}))
	defer ts.Close()

	graph, err := NewClient(ts.URL, time.Second).Graph(context.Background())
	assert.True(t, IsStatus(err, http.StatusConflict))
	assert.True(t, graph.Blocked)
	assert.Equal(t, "cycle: a -> b -> a", graph.Text)
}

func TestClient_RunsQuery(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "login", r.URL.Query().Get("feature_id"))
		assert.Equal(t, "failed", r.URL.Query().Get("status"))
		assert.Equal(t, "5", r.URL.Query().Get("limit"))
		writeJSON(w, http.StatusOK, apihttp.RunsResponse{Runs: []run.Run{{ID: "r1", FeatureID: "login"}}})
	}))
	defer ts.Close()

	runs, err := NewClient(ts.URL, time.Second).Runs(context.Background(), "login", run.StatusFailed, 5)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, "r1", runs[0].ID)
}

func TestClient_ControlRejectsUnknownAction(t *testing.T) {
	err := NewClient("http://localhost:1", time.Second).Control(context.Background(), "r1", "explode")
	assert.Error(t, err)
}

func TestClient_Follow(t *testing.T) {
	upgrader := websocket.Upgrader{}
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/runs/r1/ws", r.URL.Path)
		assert.Equal(t, "2", r.URL.Query().Get("after"))
		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		defer conn.Close()
		for seq, typ := range []events.Type{events.TypeTurnStart, events.TypeTurnComplete, events.TypeRunCompleted, events.TypeTurnStart} {
			_ = conn.WriteJSON(events.Event{RunID: "r1", Sequence: uint64(seq + 3), Type: typ})
		}
	}))
	defer ts.Close()

	var got []uint64
	err := NewClient(ts.URL, time.Second).Follow(context.Background(), "r1", 2, func(ev events.Event) error {
		got = append(got, ev.Sequence)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []uint64{3, 4, 5}, got, "stops at the terminal event")
}
