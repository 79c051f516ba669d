package http

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/harnessd/internal/errs"
	"github.com/fyrsmithlabs/harnessd/internal/events"
	"github.com/fyrsmithlabs/harnessd/internal/orchestrator"
	"github.com/fyrsmithlabs/harnessd/internal/run"
	"github.com/fyrsmithlabs/harnessd/internal/tools"
)

const maxEventPage = 1000

// handleHealth stays 200 while telemetry export is degraded; the daemon
// still schedules and runs features.
func (s *Server) handleHealth(c echo.Context) error {
	resp := HealthResponse{Status: "ok"}
	if s.config.Telemetry != nil {
		st := s.config.Telemetry.Status()
		resp.Telemetry = &st
		if st.Degraded {
			resp.Status = "degraded"
		}
	}
	return c.JSON(http.StatusOK, resp)
}

// handleGraph validates and repairs the dependency graph.
func (s *Server) handleGraph(c echo.Context) error {
	_, report, err := s.rt.Checker.Check(c.Request().Context())
	var cycle *errs.CycleDetectedError
	if err != nil && !errors.As(err, &cycle) {
		return err
	}
	resp := GraphResponse{Blocked: report.Blocked(), Clean: report.Clean(), Report: report, Text: report.Text()}
	if resp.Blocked {
		return c.JSON(http.StatusConflict, resp)
	}
	return c.JSON(http.StatusOK, resp)
}

func (s *Server) handleListFeatures(c echo.Context) error {
	features, err := s.rt.Features.List(c.Request().Context())
	if err != nil {
		return err
	}
	ready := orchestrator.Ready(features)
	ids := make([]string, len(ready))
	for i, f := range ready {
		ids[i] = f.ID
	}
	return c.JSON(http.StatusOK, FeaturesResponse{Features: features, Ready: ids})
}

func (s *Server) handleGetFeature(c echo.Context) error {
	f, err := s.rt.Features.Get(c.Request().Context(), c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, f)
}

// handleResetFeature clears pass and failure state so the feature is
// scheduled again.
func (s *Server) handleResetFeature(c echo.Context) error {
	ctx := c.Request().Context()
	id := c.Param("id")
	if err := s.rt.Features.Reset(ctx, id); err != nil {
		return err
	}
	s.logger.Info(ctx, "feature reset", zap.String("feature_id", id))
	s.rt.Orchestrator.Trigger()

	f, err := s.rt.Features.Get(ctx, id)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, f)
}

func (s *Server) handleScheduler(c echo.Context) error {
	active := s.rt.Kernel.Active()
	if active == nil {
		active = []string{}
	}
	return c.JSON(http.StatusOK, SchedulerResponse{
		Inflight:   s.rt.Orchestrator.Inflight(),
		ActiveRuns: active,
		Live:       s.rt.Broadcaster.Stats(),
	})
}

func (s *Server) handleTrigger(c echo.Context) error {
	s.rt.Orchestrator.Trigger()
	return c.JSON(http.StatusAccepted, StatusResponse{Status: "triggered"})
}

func (s *Server) handleListRuns(c echo.Context) error {
	var opts run.ListOptions
	var status string
	if err := echo.QueryParamsBinder(c).
		String("feature_id", &opts.FeatureID).
		String("status", &status).
		Int("limit", &opts.Limit).
		BindError(); err != nil {
		return errs.NewValidation("query", "%v", err)
	}
	opts.Status = run.Status(status)

	runs, err := s.rt.Runs.List(c.Request().Context(), opts)
	if err != nil {
		return err
	}
	if runs == nil {
		runs = []run.Run{}
	}
	return c.JSON(http.StatusOK, RunsResponse{Runs: runs})
}

func (s *Server) handleGetRun(c echo.Context) error {
	r, err := s.rt.Runs.Get(c.Request().Context(), c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, r)
}

func (s *Server) handleCancel(c echo.Context) error {
	id := c.Param("id")
	if err := s.rt.Kernel.Cancel(c.Request().Context(), id); err != nil {
		return err
	}
	return c.JSON(http.StatusAccepted, StatusResponse{Status: "cancelling", RunID: id})
}

func (s *Server) handlePause(c echo.Context) error {
	id := c.Param("id")
	if err := s.rt.Kernel.Pause(c.Request().Context(), id); err != nil {
		return err
	}
	return c.JSON(http.StatusOK, StatusResponse{Status: string(run.StatusPaused), RunID: id})
}

func (s *Server) handleResume(c echo.Context) error {
	id := c.Param("id")
	if err := s.rt.Kernel.Resume(c.Request().Context(), id); err != nil {
		return err
	}
	return c.JSON(http.StatusOK, StatusResponse{Status: string(run.StatusRunning), RunID: id})
}

// handleEvents pages through the durable event log of a run.
func (s *Server) handleEvents(c echo.Context) error {
	id := c.Param("id")
	var after uint64
	limit := 100
	if err := echo.QueryParamsBinder(c).
		Uint64("after", &after).
		Int("limit", &limit).
		BindError(); err != nil {
		return errs.NewValidation("query", "%v", err)
	}
	if limit <= 0 || limit > maxEventPage {
		limit = maxEventPage
	}
	if _, err := s.rt.Runs.Get(c.Request().Context(), id); err != nil {
		return err
	}

	evs, err := s.rt.EventLog.List(id, after, limit)
	if err != nil {
		return err
	}
	if evs == nil {
		evs = []events.Event{}
	}
	next := after
	if len(evs) > 0 {
		next = evs[len(evs)-1].Sequence
	}
	return c.JSON(http.StatusOK, EventsResponse{RunID: id, Events: evs, Next: next})
}

func (s *Server) handleTools(c echo.Context) error {
	q := c.QueryParam("q")
	var results []tools.SearchResult
	if q == "" {
		for _, d := range s.rt.Tools.Definitions() {
			results = append(results, tools.SearchResult{Tool: d})
		}
	} else {
		results = s.rt.Tools.Search(q)
	}
	if results == nil {
		results = []tools.SearchResult{}
	}
	return c.JSON(http.StatusOK, ToolsResponse{Providers: s.rt.Tools.Providers(), Tools: results})
}
