package protocol

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Client talks to a running daemon over the HTTP control plane.
type Client struct {
	baseURL string
	token   string
	httpc   *http.Client
}

// NewClient returns a client for the daemon at host:port. token may be empty
// when the daemon runs without auth.
func NewClient(host string, port int, token string) *Client {
	return &Client{
		baseURL: fmt.Sprintf("http://%s:%d", host, port),
		token:   token,
		httpc:   &http.Client{Timeout: 30 * time.Second},
	}
}

// BaseURL returns the daemon address this client points at.
func (c *Client) BaseURL() string { return c.baseURL }

func (c *Client) newRequest(ctx context.Context, method, path string, body any) (*http.Request, error) {
	var rd io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request: %w", err)
		}
		rd = bytes.NewReader(buf)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rd)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	return req, nil
}

// do issues the request and decodes a JSON response into out (may be nil).
// Non-2xx responses are returned as errors wrapping the taxonomy sentinel
// for the status code.
func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	req, err := c.newRequest(ctx, method, path, body)
	if err != nil {
		return err
	}
	resp, err := c.httpc.Do(req)
	if err != nil {
		return fmt.Errorf("daemon request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return errorFromResponse(resp)
	}
	if out == nil {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func errorFromResponse(resp *http.Response) error {
	var er ErrorResponse
	msg := resp.Status
	if err := json.NewDecoder(resp.Body).Decode(&er); err == nil && er.Error != "" {
		msg = er.Error
	}
	return fmt.Errorf("%s: %w", msg, sentinelForStatus(resp.StatusCode))
}

func sentinelForStatus(code int) error {
	switch code {
	case http.StatusBadRequest:
		return ErrInvalid
	case http.StatusUnauthorized:
		return ErrUnauthorized
	case http.StatusNotFound:
		return ErrNotFound
	case http.StatusConflict:
		return ErrConflict
	case http.StatusGatewayTimeout:
		return ErrTimeout
	case http.StatusServiceUnavailable:
		return ErrTransient
	default:
		return ErrBackendFailure
	}
}

// Health calls GET /health.
func (c *Client) Health(ctx context.Context) (*HealthResponse, error) {
	var out HealthResponse
	if err := c.do(ctx, http.MethodGet, "/health", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Shutdown asks the daemon to stop gracefully.
func (c *Client) Shutdown(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/shutdown", nil, nil)
}

// ListAgents calls GET /agents.
func (c *Client) ListAgents(ctx context.Context) ([]AgentSummary, error) {
	var out []AgentSummary
	if err := c.do(ctx, http.MethodGet, "/agents", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// CreateAgent calls POST /agents.
func (c *Client) CreateAgent(ctx context.Context, req CreateAgentRequest) (*AgentDetail, error) {
	var out AgentDetail
	if err := c.do(ctx, http.MethodPost, "/agents", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetAgent calls GET /agents/{name}.
func (c *Client) GetAgent(ctx context.Context, name string) (*AgentDetail, error) {
	var out AgentDetail
	if err := c.do(ctx, http.MethodGet, "/agents/"+name, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// DeleteAgent calls DELETE /agents/{name}.
func (c *Client) DeleteAgent(ctx context.Context, name string) error {
	return c.do(ctx, http.MethodDelete, "/agents/"+name, nil, nil)
}

// Serve calls POST /serve and waits for the full reply.
func (c *Client) Serve(ctx context.Context, agent, message string) (*ServeResponse, error) {
	var out ServeResponse
	req := RunRequest{Agent: agent, Message: message}
	if err := c.do(ctx, http.MethodPost, "/serve", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// StartWorkflow calls POST /workflows.
func (c *Client) StartWorkflow(ctx context.Context, req StartWorkflowRequest) (*WorkflowSummary, error) {
	var out WorkflowSummary
	if err := c.do(ctx, http.MethodPost, "/workflows", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ListWorkflows calls GET /workflows.
func (c *Client) ListWorkflows(ctx context.Context) ([]WorkflowSummary, error) {
	var out []WorkflowSummary
	if err := c.do(ctx, http.MethodGet, "/workflows", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// StopWorkflow calls DELETE /workflows/{name}/{tag}.
func (c *Client) StopWorkflow(ctx context.Context, name, tag string) error {
	return c.do(ctx, http.MethodDelete, "/workflows/"+name+"/"+tag, nil, nil)
}

// Run calls POST /run and streams SSE events to onEvent until the stream
// ends. onEvent receives the event name and decoded payload; returning an
// error aborts the stream. The request has no client-side timeout; cancel
// via ctx.
func (c *Client) Run(ctx context.Context, agent, message string, onEvent func(event string, ev RunEvent) error) error {
	req, err := c.newRequest(ctx, http.MethodPost, "/run", RunRequest{Agent: agent, Message: message})
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "text/event-stream")

	// Streaming call: bypass the default client timeout.
	httpc := &http.Client{}
	resp, err := httpc.Do(req)
	if err != nil {
		return fmt.Errorf("daemon request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return errorFromResponse(resp)
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var event string
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "event: "):
			event = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			data := strings.TrimPrefix(line, "data: ")
			var ev RunEvent
			if err := json.Unmarshal([]byte(data), &ev); err != nil {
				continue
			}
			name := event
			if name == "" {
				name = EventChunk
			}
			if err := onEvent(name, ev); err != nil {
				return err
			}
			if name == EventDone || name == EventError {
				return nil
			}
		case line == "":
			event = ""
		}
	}
	return scanner.Err()
}
