package monitor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/fyrsmithlabs/harnessd/internal/events"
	"github.com/fyrsmithlabs/harnessd/internal/feature"
	apihttp "github.com/fyrsmithlabs/harnessd/internal/http"
	"github.com/fyrsmithlabs/harnessd/internal/run"
)

// Client talks to the harnessd HTTP API.
type Client struct {
	baseURL string
	client  *http.Client
}

// APIError is a non-2xx response.
type APIError struct {
	Status   int
	Message  string
	Category string
}

func (e *APIError) Error() string {
	if e.Category != "" {
		return fmt.Sprintf("server returned %d (%s): %s", e.Status, e.Category, e.Message)
	}
	return fmt.Sprintf("server returned %d: %s", e.Status, e.Message)
}

// IsStatus reports whether err is an APIError with the given status.
func IsStatus(err error, status int) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Status == status
}

// NewClient creates a client for the server at baseURL.
func NewClient(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
	}
}

// BaseURL returns the server URL.
func (c *Client) BaseURL() string { return c.baseURL }

func (c *Client) do(ctx context.Context, method, path string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request to %s: %w", c.baseURL, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode >= 300 {
		apiErr := &APIError{Status: resp.StatusCode, Message: strings.TrimSpace(string(body))}
		var er apihttp.ErrorResponse
		if json.Unmarshal(body, &er) == nil && er.Error != "" {
			apiErr.Message = er.Error
			apiErr.Category = er.Category
		}
		// some endpoints return a full body alongside a conflict
		if out != nil && resp.StatusCode == http.StatusConflict {
			_ = json.Unmarshal(body, out)
		}
		return apiErr
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

// Health checks the server.
func (c *Client) Health(ctx context.Context) (apihttp.HealthResponse, error) {
	var out apihttp.HealthResponse
	err := c.do(ctx, http.MethodGet, "/health", &out)
	return out, err
}

// Graph validates the dependency graph. A blocked graph returns the report
// together with a 409 APIError.
func (c *Client) Graph(ctx context.Context) (apihttp.GraphResponse, error) {
	var out apihttp.GraphResponse
	err := c.do(ctx, http.MethodGet, "/api/v1/graph", &out)
	return out, err
}

// Features lists features and the current ready set.
func (c *Client) Features(ctx context.Context) (apihttp.FeaturesResponse, error) {
	var out apihttp.FeaturesResponse
	err := c.do(ctx, http.MethodGet, "/api/v1/features", &out)
	return out, err
}

// ResetFeature clears the pass and failure state of a feature.
func (c *Client) ResetFeature(ctx context.Context, id string) (feature.Feature, error) {
	var out feature.Feature
	err := c.do(ctx, http.MethodPost, "/api/v1/features/"+url.PathEscape(id)+"/reset", &out)
	return out, err
}

// Scheduler returns inflight features and live delivery stats.
func (c *Client) Scheduler(ctx context.Context) (apihttp.SchedulerResponse, error) {
	var out apihttp.SchedulerResponse
	err := c.do(ctx, http.MethodGet, "/api/v1/scheduler", &out)
	return out, err
}

// Trigger requests an immediate scheduling pass.
func (c *Client) Trigger(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/api/v1/scheduler/trigger", nil)
}

// Runs lists runs, optionally filtered by feature and status.
func (c *Client) Runs(ctx context.Context, featureID string, status run.Status, limit int) ([]run.Run, error) {
	q := url.Values{}
	if featureID != "" {
		q.Set("feature_id", featureID)
	}
	if status != "" {
		q.Set("status", string(status))
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	path := "/api/v1/runs"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	var out apihttp.RunsResponse
	err := c.do(ctx, http.MethodGet, path, &out)
	return out.Runs, err
}

// Run returns one run.
func (c *Client) Run(ctx context.Context, id string) (run.Run, error) {
	var out run.Run
	err := c.do(ctx, http.MethodGet, "/api/v1/runs/"+url.PathEscape(id), &out)
	return out, err
}

// Control sends cancel, pause or resume to a run.
func (c *Client) Control(ctx context.Context, id, action string) error {
	switch action {
	case "cancel", "pause", "resume":
	default:
		return fmt.Errorf("unknown run action %q", action)
	}
	return c.do(ctx, http.MethodPost, "/api/v1/runs/"+url.PathEscape(id)+"/"+action, nil)
}

// Events returns one page of a run's event log.
func (c *Client) Events(ctx context.Context, id string, after uint64, limit int) (apihttp.EventsResponse, error) {
	q := url.Values{}
	q.Set("after", strconv.FormatUint(after, 10))
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	var out apihttp.EventsResponse
	err := c.do(ctx, http.MethodGet, "/api/v1/runs/"+url.PathEscape(id)+"/events?"+q.Encode(), &out)
	return out, err
}

// Tools searches the registered tools. An empty query lists all.
func (c *Client) Tools(ctx context.Context, query string) (apihttp.ToolsResponse, error) {
	path := "/api/v1/tools"
	if query != "" {
		path += "?q=" + url.QueryEscape(query)
	}
	var out apihttp.ToolsResponse
	err := c.do(ctx, http.MethodGet, path, &out)
	return out, err
}

// Follow streams a run's events after the cursor over a websocket and
// calls fn for each until the terminal event or ctx is done.
func (c *Client) Follow(ctx context.Context, id string, after uint64, fn func(events.Event) error) error {
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return fmt.Errorf("invalid base URL: %w", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/api/v1/runs/" + url.PathEscape(id) + "/ws"
	u.RawQuery = "after=" + strconv.FormatUint(after, 10)

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		if resp != nil {
			return &APIError{Status: resp.StatusCode, Message: err.Error()}
		}
		return fmt.Errorf("failed to open event stream: %w", err)
	}
	defer conn.Close()

	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	for {
		var ev events.Event
		if err := conn.ReadJSON(&ev); err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure) || ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("event stream: %w", err)
		}
		if err := fn(ev); err != nil {
			return err
		}
		if ev.Type.Terminal() {
			return nil
		}
	}
}
