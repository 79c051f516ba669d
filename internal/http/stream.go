package http

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/harnessd/internal/errs"
	"github.com/fyrsmithlabs/harnessd/internal/events"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
}

// follow emits the durable events of a run after the cursor, in order,
// until the terminal event has been emitted or ctx is done. Live
// notifications only wake the reader; every emitted event comes from the
// log, so throttled notifications never lose events. heartbeat is called
// when nothing was emitted for the heartbeat interval.
func (s *Server) follow(ctx context.Context, runID string, after uint64, emit func(events.Event) error, heartbeat func() error) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var live <-chan events.LiveMessage
	if s.rt.NATS != nil {
		ch, err := events.Subscribe(ctx, s.rt.NATS, s.rt.Broadcaster.Prefix(), runID, 64)
		if err != nil {
			s.logger.Warn(ctx, "live subscription failed, polling", zap.String("run_id", runID), zap.Error(err))
		} else {
			live = ch
		}
	}

	poll := time.NewTicker(s.config.StreamPoll)
	defer poll.Stop()
	beat := time.NewTicker(s.config.Heartbeat)
	defer beat.Stop()

	for {
		evs, err := s.rt.EventLog.List(runID, after, maxEventPage)
		if err != nil {
			return err
		}
		for _, ev := range evs {
			if err := emit(ev); err != nil {
				return err
			}
			after = ev.Sequence
			if ev.Type.Terminal() {
				return nil
			}
		}
		if len(evs) > 0 {
			beat.Reset(s.config.Heartbeat)
		}
		if len(evs) == maxEventPage {
			continue
		}

		select {
		case <-ctx.Done():
			return nil
		case _, ok := <-live:
			if !ok {
				live = nil
			}
		case <-poll.C:
		case <-beat.C:
			if err := heartbeat(); err != nil {
				return err
			}
		}
	}
}

func (s *Server) streamCursor(c echo.Context) (string, uint64, error) {
	id := c.Param("id")
	var after uint64
	if err := echo.QueryParamsBinder(c).Uint64("after", &after).BindError(); err != nil {
		return "", 0, errs.NewValidation("after", "%v", err)
	}
	if _, err := s.rt.Runs.Get(c.Request().Context(), id); err != nil {
		return "", 0, err
	}
	return id, after, nil
}

// handleStream streams run events via Server-Sent Events. Each event is
// sent with its type as the SSE event name and its sequence as the id, so
// a reconnecting client resumes with ?after=<last id>.
func (s *Server) handleStream(c echo.Context) error {
	id, after, err := s.streamCursor(c)
	if err != nil {
		return err
	}

	w := c.Response()
	w.Header().Set(echo.HeaderContentType, "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	w.Flush()

	emit := func(ev events.Event) error {
		data, err := json.Marshal(ev)
		if err != nil {
			return err
		}
		if _, err := fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", ev.Sequence, ev.Type, data); err != nil {
			return err
		}
		w.Flush()
		return nil
	}
	heartbeat := func() error {
		if _, err := fmt.Fprint(w, ": heartbeat\n\n"); err != nil {
			return err
		}
		w.Flush()
		return nil
	}

	if err := s.follow(c.Request().Context(), id, after, emit, heartbeat); err != nil {
		s.logger.Debug(c.Request().Context(), "event stream ended", zap.String("run_id", id), zap.Error(err))
	}
	return nil
}

// handleWebSocket streams run events as JSON messages over a websocket.
// The server closes the socket after the terminal event.
func (s *Server) handleWebSocket(c echo.Context) error {
	id, after, err := s.streamCursor(c)
	if err != nil {
		return err
	}
	conn, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		// Upgrade already wrote the error response.
		return nil
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(c.Request().Context())
	defer cancel()
	go func() {
		// the read side only detects the client going away
		for {
			if _, _, err := conn.NextReader(); err != nil {
				cancel()
				return
			}
		}
	}()

	emit := func(ev events.Event) error {
		_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
		return conn.WriteJSON(ev)
	}
	heartbeat := func() error {
		return conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(10*time.Second))
	}

	err = s.follow(ctx, id, after, emit, heartbeat)
	if err != nil {
		s.logger.Debug(ctx, "websocket stream ended", zap.String("run_id", id), zap.Error(err))
	}
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "run finished"),
		time.Now().Add(time.Second))
	return nil
}
