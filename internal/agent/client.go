package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/taskmesh/taskmesh/internal/executor"
	"github.com/taskmesh/taskmesh/pkg/models"
)

// ErrNotRegistered indicates the coordinator no longer knows this
// worker id. The agent responds by re-registering.
var ErrNotRegistered = errors.New("worker not registered")

// Client talks to the coordinator's worker-facing HTTP API.
type Client struct {
	base string
	http *http.Client
}

// NewClient creates a coordinator client. The HTTP client carries no
// global timeout: assignment long-polls are bounded per request by
// context.
func NewClient(baseURL string) *Client {
	return &Client{
		base: baseURL,
		http: &http.Client{},
	}
}

// Register announces the worker and returns its coordinator-assigned
// id. Registration is idempotent on machine id.
func (c *Client) Register(ctx context.Context, desc models.WorkerDescriptor) (string, error) {
	var resp struct {
		WorkerID string `json:"worker_id"`
	}
	if err := c.post(ctx, "/v1/workers", desc, &resp); err != nil {
		return "", fmt.Errorf("registering worker: %w", err)
	}
	return resp.WorkerID, nil
}

// Heartbeat reports liveness, a resource snapshot, and the worker's
// own view of its status. Returns ErrNotRegistered when the
// coordinator no longer knows the worker id.
func (c *Client) Heartbeat(ctx context.Context, workerID string, res models.Resources, status models.WorkerStatus) error {
	body := struct {
		Resources models.Resources    `json:"resources"`
		Status    models.WorkerStatus `json:"status,omitempty"`
	}{Resources: res, Status: status}

	err := c.post(ctx, "/v1/workers/"+workerID+"/heartbeat", body, nil)
	var he *httpError
	if errors.As(err, &he) && he.code == http.StatusNotFound {
		return ErrNotRegistered
	}
	return err
}

// Unregister removes the worker gracefully.
func (c *Client) Unregister(ctx context.Context, workerID string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.base+"/v1/workers/"+workerID, nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return c.checkStatus(resp)
}

// PollAssignment long-polls for the next assignment. ok is false when
// the poll window elapsed with nothing to do.
func (c *Client) PollAssignment(ctx context.Context, workerID string) (executor.Assignment, bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+"/v1/workers/"+workerID+"/assignment", nil)
	if err != nil {
		return executor.Assignment{}, false, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return executor.Assignment{}, false, err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusNoContent:
		return executor.Assignment{}, false, nil
	case http.StatusNotFound:
		return executor.Assignment{}, false, ErrNotRegistered
	case http.StatusOK:
		var a executor.Assignment
		if err := json.NewDecoder(resp.Body).Decode(&a); err != nil {
			return executor.Assignment{}, false, fmt.Errorf("decoding assignment: %w", err)
		}
		return a, true, nil
	default:
		return executor.Assignment{}, false, c.checkStatus(resp)
	}
}

// ReportResult posts the outcome of a subtask attempt.
func (c *Client) ReportResult(ctx context.Context, nodeID, workerID string, res models.Result) error {
	body := struct {
		WorkerID string            `json:"worker_id"`
		Success  bool              `json:"success"`
		Output   string            `json:"output,omitempty"`
		Error    string            `json:"error,omitempty"`
		Metadata map[string]string `json:"metadata,omitempty"`
	}{
		WorkerID: workerID,
		Success:  res.Success,
		Output:   res.Output,
		Error:    res.Error,
		Metadata: res.Metadata,
	}
	return c.post(ctx, "/v1/subtasks/"+nodeID+"/result", body, nil)
}

func (c *Client) post(ctx context.Context, path string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+path, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if err := c.checkStatus(resp); err != nil {
		return err
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

// httpError carries a non-2xx response so callers can branch on the
// status code.
type httpError struct {
	code int
	msg  string
}

func (e *httpError) Error() string {
	if e.msg == "" {
		return fmt.Sprintf("coordinator returned %d", e.code)
	}
	return fmt.Sprintf("coordinator returned %d: %s", e.code, e.msg)
}

func (c *Client) checkStatus(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}

	var apiErr struct {
		Error string `json:"error"`
	}
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	_ = json.Unmarshal(raw, &apiErr)
	return &httpError{code: resp.StatusCode, msg: apiErr.Error}
}

// retryDelay bounds re-registration backoff.
const retryDelay = 5 * time.Second
