package daemon

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/agentworker/agentworker/internal/agent"
	"github.com/agentworker/agentworker/pkg/protocol"
)

// BuildMux wires every control-plane route behind the middleware stack.
func (s *Server) BuildMux() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("POST /shutdown", s.handleShutdown)
	mux.HandleFunc("GET /agents", s.handleListAgents)
	mux.HandleFunc("POST /agents", s.handleCreateAgent)
	mux.HandleFunc("GET /agents/{name}", s.handleGetAgent)
	mux.HandleFunc("DELETE /agents/{name}", s.handleDeleteAgent)
	mux.HandleFunc("POST /run", s.handleRun)
	mux.HandleFunc("POST /serve", s.handleServe)
	mux.HandleFunc("/mcp", s.handleMCP)
	mux.HandleFunc("/mcp/", s.handleMCP)
	mux.HandleFunc("GET /workflows", s.handleListWorkflows)
	mux.HandleFunc("POST /workflows", s.handleStartWorkflow)
	mux.HandleFunc("DELETE /workflows/{name}/{tag}", s.handleStopWorkflow)
	return s.withMiddleware(mux)
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		json.NewEncoder(w).Encode(data)
	}
}

func errorBody(msg string) protocol.ErrorResponse {
	return protocol.ErrorResponse{Error: msg}
}

// httpError maps the error taxonomy to status codes, mirroring the client's
// sentinelForStatus.
func httpError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, protocol.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, protocol.ErrAlreadyExists), errors.Is(err, protocol.ErrConflict):
		status = http.StatusConflict
	case errors.Is(err, protocol.ErrUnauthorized):
		status = http.StatusUnauthorized
	case errors.Is(err, protocol.ErrInvalid):
		status = http.StatusBadRequest
	case errors.Is(err, protocol.ErrTimeout):
		status = http.StatusGatewayTimeout
	case errors.Is(err, protocol.ErrTransient):
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, errorBody(err.Error()))
}

func decodeBody(r *http.Request, out any) error {
	if err := json.NewDecoder(r.Body).Decode(out); err != nil {
		return fmt.Errorf("decode body: %w: %v", protocol.ErrInvalid, err)
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	names := make([]string, 0)
	for _, h := range s.agents.List() {
		names = append(names, h.Name())
	}
	writeJSON(w, http.StatusOK, protocol.HealthResponse{
		PID:       os.Getpid(),
		Port:      s.cfg.Daemon.Port,
		Host:      s.cfg.Daemon.Host,
		UptimeSec: int64(time.Since(s.startedAt).Seconds()),
		StartedAt: s.startedAt.UnixMilli(),
		Version:   Version,
		Agents:    names,
		Workflows: s.workflowSummaries(),
	})
}

func (s *Server) handleShutdown(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "shutting down"})
	// The graceful HTTP shutdown waits for this response to finish.
	s.shutdownOnce.Do(func() { close(s.shutdown) })
}

func (s *Server) handleListAgents(w http.ResponseWriter, r *http.Request) {
	out := make([]protocol.AgentSummary, 0)
	seen := make(map[string]bool)
	for _, h := range s.agents.List() {
		wf, tag := s.workflowOf(h.Name())
		out = append(out, summaryFor(h, wf, tag))
		seen[h.Name()] = true
	}
	s.mu.Lock()
	for _, e := range s.workflows {
		for name, loop := range e.handle.Loops {
			if seen[name] {
				continue
			}
			out = append(out, protocol.AgentSummary{
				Name:     name,
				State:    string(loop.State()),
				Workflow: e.handle.Name,
				Tag:      e.handle.Tag,
			})
			seen[name] = true
		}
	}
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, out)
}

func summaryFor(h *agent.Handle, workflow, tag string) protocol.AgentSummary {
	def := h.Definition
	return protocol.AgentSummary{
		Name:     def.Name,
		Model:    def.Model,
		Backend:  def.Backend,
		State:    h.State(),
		Workflow: workflow,
		Tag:      tag,
		Schedule: def.Schedule,
	}
}

// workflowOf finds the workflow instance holding a loop for this agent.
func (s *Server) workflowOf(name string) (string, string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.workflows {
		if _, ok := e.handle.Loops[name]; ok {
			return e.handle.Name, e.handle.Tag
		}
	}
	return "", ""
}

func (s *Server) handleCreateAgent(w http.ResponseWriter, r *http.Request) {
	var req protocol.CreateAgentRequest
	if err := decodeBody(r, &req); err != nil {
		httpError(w, err)
		return
	}
	if req.Workflow != "" {
		handle, err := s.joinWorkflow(req)
		if err != nil {
			httpError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, s.detailFor(handle))
		return
	}

	backendName := req.Backend
	if backendName == "" {
		backendName = req.Provider
	}
	def := &agent.Definition{
		Name:         req.Name,
		Model:        req.Model,
		Backend:      backendName,
		SystemPrompt: req.System,
		Schedule:     req.Schedule,
	}
	s.applyDefaults(def)
	handle, err := s.agents.Create(def)
	if err != nil {
		httpError(w, err)
		return
	}
	if def.Schedule != "" {
		name := def.Name
		if err := s.scheduler.Add(name, def.Schedule, func() { s.wakeAgent(name) }); err != nil {
			slog.Warn("daemon.schedule", "agent", name, "error", err)
		}
	}
	slog.Info("daemon.agent.created", "agent", def.Name, "model", def.Model)
	writeJSON(w, http.StatusCreated, s.detailFor(handle))
}

func (s *Server) detailFor(h *agent.Handle) protocol.AgentDetail {
	wf, tag := s.workflowOf(h.Name())
	detail := protocol.AgentDetail{
		AgentSummary: summaryFor(h, wf, tag),
		SystemPrompt: h.Definition.SystemPrompt,
		ContextDir:   h.ContextDir,
		Ephemeral:    h.Ephemeral,
	}
	if ws, ok := s.workspaces.Get("agent:" + h.Name()); ok {
		if items, err := ws.Provider.Inbox.GetInbox(h.Name()); err == nil {
			detail.InboxCount = len(items)
		}
	}
	return detail
}

func (s *Server) handleGetAgent(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	handle, ok := s.agents.Get(name)
	if !ok {
		httpError(w, fmt.Errorf("agent %s: %w", name, protocol.ErrNotFound))
		return
	}
	writeJSON(w, http.StatusOK, s.detailFor(handle))
}

func (s *Server) handleDeleteAgent(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	handle, ok := s.agents.Get(name)
	if !ok {
		httpError(w, fmt.Errorf("agent %s: %w", name, protocol.ErrNotFound))
		return
	}
	if loop := handle.Loop(); loop != nil {
		loop.Stop()
	}
	s.scheduler.Remove(name)
	s.mu.Lock()
	ws, hadWS := s.workspaces.Remove("agent:" + name)
	s.mu.Unlock()
	if hadWS {
		if err := ws.Shutdown(); err != nil {
			slog.Warn("daemon.agent.delete_workspace", "agent", name, "error", err)
		}
	}
	if err := s.agents.Delete(name); err != nil {
		httpError(w, err)
		return
	}
	slog.Info("daemon.agent.deleted", "agent", name)
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (s *Server) handleServe(w http.ResponseWriter, r *http.Request) {
	var req protocol.RunRequest
	if err := decodeBody(r, &req); err != nil {
		httpError(w, err)
		return
	}
	if req.Agent == "" || req.Message == "" {
		httpError(w, fmt.Errorf("agent and message are required: %w", protocol.ErrInvalid))
		return
	}
	loop, err := s.findOrEnsureLoop(req.Agent)
	if err != nil {
		httpError(w, err)
		return
	}
	res, err := loop.SendDirect(r.Context(), req.Message)
	if err != nil {
		httpError(w, err)
		return
	}
	if res.Err != nil {
		httpError(w, fmt.Errorf("%w: %s", protocol.ErrBackendFailure, res.Err))
		return
	}
	toolNames := make([]string, 0, len(res.ToolCalls))
	for _, tc := range res.ToolCalls {
		toolNames = append(toolNames, tc.Name)
	}
	writeJSON(w, http.StatusOK, protocol.ServeResponse{
		Agent:      res.Agent,
		Content:    res.Content,
		DurationMs: res.Duration.Milliseconds(),
		Steps:      res.Steps,
		ToolCalls:  toolNames,
	})
}

// handleRun is the streaming variant of /serve. The turn itself is
// synchronous, so the stream carries one chunk frame and a terminator.
func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	var req protocol.RunRequest
	if err := decodeBody(r, &req); err != nil {
		httpError(w, err)
		return
	}
	if req.Agent == "" || req.Message == "" {
		httpError(w, fmt.Errorf("agent and message are required: %w", protocol.ErrInvalid))
		return
	}
	loop, err := s.findOrEnsureLoop(req.Agent)
	if err != nil {
		httpError(w, err)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	flusher, _ := w.(http.Flusher)
	emit := func(event string, ev protocol.RunEvent) {
		data, err := json.Marshal(ev)
		if err != nil {
			return
		}
		fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
		if flusher != nil {
			flusher.Flush()
		}
	}

	res, err := loop.SendDirect(r.Context(), req.Message)
	if err != nil {
		emit(protocol.EventError, protocol.RunEvent{Agent: req.Agent, Error: err.Error()})
		return
	}
	if res.Err != nil {
		emit(protocol.EventError, protocol.RunEvent{Agent: res.Agent, Error: res.Err.Error()})
		return
	}
	emit(protocol.EventChunk, protocol.RunEvent{Agent: res.Agent, Content: res.Content})
	emit(protocol.EventDone, protocol.RunEvent{Agent: res.Agent})
}

// handleMCP routes tool traffic to a workspace mount by the `workspace`
// query parameter; with a single live workspace the parameter is optional.
func (s *Server) handleMCP(w http.ResponseWriter, r *http.Request) {
	ws, err := s.workspaces.Resolve(r.URL.Query().Get("workspace"))
	if err != nil {
		httpError(w, err)
		return
	}
	ws.Mount.Handler.ServeHTTP(w, r)
}
