package http

import (
	"github.com/fyrsmithlabs/harnessd/internal/events"
	"github.com/fyrsmithlabs/harnessd/internal/feature"
	"github.com/fyrsmithlabs/harnessd/internal/graph"
	"github.com/fyrsmithlabs/harnessd/internal/orchestrator"
	"github.com/fyrsmithlabs/harnessd/internal/run"
	"github.com/fyrsmithlabs/harnessd/internal/telemetry"
	"github.com/fyrsmithlabs/harnessd/internal/tools"
)

// HealthResponse is the response body for GET /health.
type HealthResponse struct {
	Status    string            `json:"status"`
	Telemetry *telemetry.Status `json:"telemetry,omitempty"`
}

// GraphResponse is the response body for GET /api/v1/graph. It is
// returned with 409 while a cycle blocks scheduling.
type GraphResponse struct {
	Blocked bool         `json:"blocked"`
	Clean   bool         `json:"clean"`
	Report  graph.Report `json:"report"`
	Text    string       `json:"text"`
}

// FeaturesResponse is the response body for GET /api/v1/features.
type FeaturesResponse struct {
	Features []feature.Feature `json:"features"`
	Ready    []string          `json:"ready"`
}

// SchedulerResponse is the response body for GET /api/v1/scheduler.
type SchedulerResponse struct {
	Inflight   []orchestrator.Inflight `json:"inflight"`
	ActiveRuns []string                `json:"active_runs"`
	Live       events.Stats            `json:"live"`
}

// RunsResponse is the response body for GET /api/v1/runs.
type RunsResponse struct {
	Runs []run.Run `json:"runs"`
}

// EventsResponse is the response body for GET /api/v1/runs/:id/events.
type EventsResponse struct {
	RunID  string         `json:"run_id"`
	Events []events.Event `json:"events"`
	// Next is the cursor to pass as after for the following page.
	Next uint64 `json:"next"`
}

// ToolsResponse is the response body for GET /api/v1/tools.
type ToolsResponse struct {
	Providers []string             `json:"providers"`
	Tools     []tools.SearchResult `json:"tools"`
}

// StatusResponse acknowledges a control request.
type StatusResponse struct {
	Status string `json:"status"`
	RunID  string `json:"run_id,omitempty"`
}
