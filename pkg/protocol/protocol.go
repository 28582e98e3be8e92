package protocol

import "errors"

// APIVersion is bumped on breaking control-plane changes.
const APIVersion = 1

// Error taxonomy shared by stores, loops, and the HTTP layer. The daemon
// maps these to status codes; everything else wraps them with context.
var (
	ErrNotFound       = errors.New("not found")
	ErrAlreadyExists  = errors.New("already exists")
	ErrUnauthorized   = errors.New("unauthorized")
	ErrInvalid        = errors.New("invalid request")
	ErrConflict       = errors.New("conflict")
	ErrBackendFailure = errors.New("backend failure")
	ErrTimeout        = errors.New("timeout")
	ErrTransient      = errors.New("transient storage error")
)

// SSE event names emitted by POST /run.
const (
	EventChunk = "chunk"
	EventDone  = "done"
	EventError = "error"
)

// HealthResponse is returned by GET /health.
type HealthResponse struct {
	PID       int               `json:"pid"`
	Port      int               `json:"port"`
	Host      string            `json:"host"`
	UptimeSec int64             `json:"uptimeSec"`
	StartedAt int64             `json:"startedAt"` // epoch ms
	Version   string            `json:"version"`
	Agents    []string          `json:"agents"`
	Workflows []WorkflowSummary `json:"workflows"`
}

// AgentSummary is one row of GET /agents.
type AgentSummary struct {
	Name     string `json:"name"`
	Model    string `json:"model,omitempty"`
	Backend  string `json:"backend,omitempty"`
	State    string `json:"state"`
	Workflow string `json:"workflow,omitempty"`
	Tag      string `json:"tag,omitempty"`
	Schedule string `json:"schedule,omitempty"`
}

// AgentDetail is returned by GET /agents/{name}.
type AgentDetail struct {
	AgentSummary
	SystemPrompt string `json:"systemPrompt,omitempty"`
	ContextDir   string `json:"contextDir,omitempty"`
	Ephemeral    bool   `json:"ephemeral"`
	InboxCount   int    `json:"inboxCount"`
}

// CreateAgentRequest is the body of POST /agents.
type CreateAgentRequest struct {
	Name     string `json:"name"`
	Model    string `json:"model,omitempty"`
	System   string `json:"system,omitempty"`
	Backend  string `json:"backend,omitempty"`
	Provider string `json:"provider,omitempty"`
	Workflow string `json:"workflow,omitempty"`
	Tag      string `json:"tag,omitempty"`
	Schedule string `json:"schedule,omitempty"`
}

// RunRequest is the body of POST /run (SSE) and POST /serve (sync).
type RunRequest struct {
	Agent   string `json:"agent"`
	Message string `json:"message"`
}

// ServeResponse is the single JSON reply of POST /serve.
type ServeResponse struct {
	Agent      string   `json:"agent"`
	Content    string   `json:"content"`
	DurationMs int64    `json:"durationMs"`
	Steps      int      `json:"steps"`
	ToolCalls  []string `json:"toolCalls,omitempty"`
}

// RunEvent is the JSON payload carried by /run SSE frames.
type RunEvent struct {
	Agent   string `json:"agent,omitempty"`
	Content string `json:"content,omitempty"`
	Error   string `json:"error,omitempty"`
}

// WorkflowAgent is one agent entry inside a workflow start request.
type WorkflowAgent struct {
	Name     string `json:"name"`
	Model    string `json:"model,omitempty"`
	System   string `json:"system,omitempty"`
	Backend  string `json:"backend,omitempty"`
	Schedule string `json:"schedule,omitempty"`
}

// StartWorkflowRequest is the body of POST /workflows. Mode "run" drives the
// workflow to idle completion and tears it down; "start" (default) leaves it
// running until DELETE /workflows/{name}/{tag}.
type StartWorkflowRequest struct {
	Name      string          `json:"name"`
	Tag       string          `json:"tag,omitempty"`
	Agents    []WorkflowAgent `json:"agents"`
	Kickoff   string          `json:"kickoff,omitempty"`
	Mode      string          `json:"mode,omitempty"`
	TimeoutMs int64           `json:"timeoutMs,omitempty"`
}

// WorkflowSummary is one row of GET /workflows.
type WorkflowSummary struct {
	Name      string            `json:"name"`
	Tag       string            `json:"tag"`
	Agents    map[string]string `json:"agents"` // name -> loop state
	Mode      string            `json:"mode"`
	StartedAt int64             `json:"startedAt"` // epoch ms
}

// ErrorResponse is the uniform non-2xx body.
type ErrorResponse struct {
	Error string `json:"error"`
}
