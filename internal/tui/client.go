package tui

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/fentz26/agentplane/internal/models"
)

// DefaultClientTimeout is the default timeout for API requests.
const DefaultClientTimeout = 10 * time.Second

// Client wraps HTTP calls to the agentplane API.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient creates a new API client with timeout.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: DefaultClientTimeout,
		},
	}
}

// BaseURL returns the API address.
func (c *Client) BaseURL() string { return c.baseURL }

// Healthy reports whether the daemon answers /health.
func (c *Client) Healthy() bool {
	return c.get("/health", nil) == nil
}

// Agents lists agent snapshots.
func (c *Client) Agents() ([]models.AgentSnapshot, error) {
	var out []models.AgentSnapshot
	return out, c.get("/agents", &out)
}

// StartAgent starts one agent and reports whether it is running.
func (c *Client) StartAgent(name string) (bool, error) {
	return c.agentAction(name, "start")
}

// StopAgent stops one agent.
func (c *Client) StopAgent(name string) (bool, error) {
	return c.agentAction(name, "stop")
}

func (c *Client) agentAction(name, action string) (bool, error) {
	var out struct {
		Success bool `json:"success"`
	}
	err := c.post("/agents/"+url.PathEscape(name)+"/"+action, nil, &out)
	// 409 means the agent refused; the body still carries the result.
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.Status == http.StatusConflict {
		return false, nil
	}
	return out.Success, err
}

// StartAll starts every agent.
func (c *Client) StartAll() (map[string]bool, error) {
	out := map[string]bool{}
	return out, c.post("/agents/start-all", nil, &out)
}

// StopAll stops every running agent.
func (c *Client) StopAll() (map[string]bool, error) {
	out := map[string]bool{}
	return out, c.post("/agents/stop-all", nil, &out)
}

// Tasks lists tasks, optionally filtered by status.
func (c *Client) Tasks(status string) ([]models.Task, error) {
	path := "/tasks"
	if status != "" {
		path += "?status=" + url.QueryEscape(status)
	}
	var out []models.Task
	return out, c.get(path, &out)
}

// CreateTask submits a task for an agent.
func (c *Client) CreateTask(agentName, taskType string, payload map[string]any) (*models.Task, error) {
	var out models.Task
	err := c.post("/tasks", map[string]any{
		"agent_name": agentName,
		"task_type":  taskType,
		"payload":    payload,
	}, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// CancelTask cancels a task.
func (c *Client) CancelTask(id string) error {
	return c.post("/tasks/"+url.PathEscape(id)+"/cancel", nil, nil)
}

// ExecuteTask runs a Pending task now.
func (c *Client) ExecuteTask(id string) (models.TaskResult, error) {
	var out models.TaskResult
	return out, c.post("/tasks/"+url.PathEscape(id)+"/execute", nil, &out)
}

// Events returns recent events, newest last.
func (c *Client) Events(limit int) ([]models.Event, error) {
	var out []models.Event
	return out, c.get(fmt.Sprintf("/events?limit=%d", limit), &out)
}

// Sync triggers a sync of every vendor.
func (c *Client) Sync() (models.SyncSummary, error) {
	var out models.SyncSummary
	return out, c.post("/sync", nil, &out)
}

// SyncVendor triggers a sync of one vendor.
func (c *Client) SyncVendor(vendor string) (models.SyncResult, error) {
	var out models.SyncResult
	return out, c.post("/sync/"+url.PathEscape(vendor), nil, &out)
}

// StreamEvents opens the websocket feed. The channel closes when ctx ends or
// the connection drops.
func (c *Client) StreamEvents(ctx context.Context) (<-chan models.Event, error) {
	wsURL := "ws" + strings.TrimPrefix(c.baseURL, "http") + "/events/stream"
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("dial event stream: %w", err)
	}

	out := make(chan models.Event, 64)
	go func() {
		<-ctx.Done()
		conn.Close()
	}()
	go func() {
		defer close(out)
		defer conn.Close()
		for {
			var ev models.Event
			if err := conn.ReadJSON(&ev); err != nil {
				return
			}
			select {
			case out <- ev:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// APIError is a non-2xx response.
type APIError struct {
	Status int
	Body   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("API error (%d): %s", e.Status, strings.TrimSpace(e.Body))
}

func (c *Client) get(path string, out any) error {
	return c.do(http.MethodGet, path, nil, out)
}

func (c *Client) post(path string, body, out any) error {
	return c.do(http.MethodPost, path, body, out)
}

func (c *Client) do(method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequest(method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("API request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if out != nil && len(data) > 0 {
		// Decode error bodies too; some carry a result alongside the status.
		_ = json.Unmarshal(data, out)
	}
	if resp.StatusCode >= 400 {
		return &APIError{Status: resp.StatusCode, Body: string(data)}
	}
	return nil
}
