package daemon

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"time"

	"github.com/agentworker/agentworker/internal/agent"
	"github.com/agentworker/agentworker/internal/workflow"
	"github.com/agentworker/agentworker/internal/workspace"
	"github.com/agentworker/agentworker/pkg/protocol"
)

func (s *Server) workflowSummaries() []protocol.WorkflowSummary {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]protocol.WorkflowSummary, 0, len(s.workflows))
	for _, e := range s.workflows {
		out = append(out, protocol.WorkflowSummary{
			Name:      e.handle.Name,
			Tag:       e.handle.Tag,
			Agents:    e.handle.States(),
			Mode:      e.mode,
			StartedAt: e.handle.StartedAt.UnixMilli(),
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].Tag < out[j].Tag
	})
	return out
}

func (s *Server) handleListWorkflows(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.workflowSummaries())
}

func (s *Server) handleStartWorkflow(w http.ResponseWriter, r *http.Request) {
	var req protocol.StartWorkflowRequest
	if err := decodeBody(r, &req); err != nil {
		httpError(w, err)
		return
	}
	if req.Name == "" || len(req.Agents) == 0 {
		httpError(w, fmt.Errorf("workflow needs a name and at least one agent: %w", protocol.ErrInvalid))
		return
	}
	if req.Tag == "" {
		req.Tag = workflow.DefaultTag
	}
	mode := req.Mode
	if mode == "" {
		mode = "start"
	}
	if mode != "start" && mode != "run" {
		httpError(w, fmt.Errorf("mode %q: %w", mode, protocol.ErrInvalid))
		return
	}

	entry, err := s.buildWorkflow(req, mode)
	if err != nil {
		httpError(w, err)
		return
	}

	if err := entry.runner.Start(req.Kickoff); err != nil {
		s.teardownWorkflow(entry)
		httpError(w, err)
		return
	}
	if mode == "run" {
		// Run mode drives to idle completion in the background; teardown
		// stops the loops whether the wait succeeded or timed out.
		go func() {
			if err := entry.runner.Wait(context.Background()); err != nil {
				slog.Warn("daemon.workflow.run", "workflow", entry.handle.Key(), "error", err)
			}
			s.teardownWorkflow(entry)
		}()
	}

	writeJSON(w, http.StatusCreated, protocol.WorkflowSummary{
		Name:      entry.handle.Name,
		Tag:       entry.handle.Tag,
		Agents:    entry.handle.States(),
		Mode:      mode,
		StartedAt: entry.handle.StartedAt.UnixMilli(),
	})
}

// buildWorkflow creates the workspace, handles, and loops for one instance
// and registers it under the daemon mutex. The caller starts the runner.
func (s *Server) buildWorkflow(req protocol.StartWorkflowRequest, mode string) (*workflowEntry, error) {
	names := make([]string, 0, len(req.Agents))
	seen := make(map[string]bool)
	for _, a := range req.Agents {
		if seen[a.Name] {
			return nil, fmt.Errorf("duplicate agent %s: %w", a.Name, protocol.ErrInvalid)
		}
		seen[a.Name] = true
		names = append(names, a.Name)
	}

	key := req.Name + ":" + req.Tag
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.workflows[key]; ok {
		return nil, fmt.Errorf("workflow %s: %w", key, protocol.ErrConflict)
	}

	ws, err := s.factory.CreateMinimalRuntime(workspace.Options{
		WorkflowName: req.Name,
		Tag:          req.Tag,
		AgentNames:   names,
	})
	if err != nil {
		return nil, fmt.Errorf("workflow %s workspace: %w", key, err)
	}

	loops := make(map[string]*agent.Loop, len(req.Agents))
	for _, a := range req.Agents {
		def := &agent.Definition{
			Name:         a.Name,
			Model:        a.Model,
			Backend:      a.Backend,
			SystemPrompt: a.System,
			Schedule:     a.Schedule,
		}
		s.applyDefaults(def)
		handle, err := agent.NewEphemeralHandle(def)
		if err != nil {
			ws.Shutdown()
			return nil, err
		}
		b, err := s.newBackend(def)
		if err != nil {
			ws.Shutdown()
			return nil, err
		}
		teammates := make([]string, 0, len(names)-1)
		for _, n := range names {
			if n != a.Name {
				teammates = append(teammates, n)
			}
		}
		loop := agent.NewLoop(agent.LoopConfig{
			Handle:             handle,
			Provider:           ws.Provider,
			Backend:            b,
			Tools:              ws.Tools,
			MCPURL:             ws.MCPURL,
			WorkflowName:       req.Name,
			Tag:                req.Tag,
			Teammates:          teammates,
			PollInterval:       time.Duration(s.cfg.Loop.PollIntervalMs) * time.Millisecond,
			RecentChannelLimit: s.cfg.Loop.RecentChannelLimit,
			Retry:              s.retryConfig(),
		})
		handle.SetLoop(loop)
		loops[a.Name] = loop
		if a.Schedule != "" {
			name := a.Name
			if err := s.scheduler.Add(name, a.Schedule, func() { s.wakeAgent(name) }); err != nil {
				slog.Warn("daemon.schedule", "agent", name, "error", err)
			}
		}
	}

	h := &workflow.Handle{
		Name:      req.Name,
		Tag:       req.Tag,
		Workspace: ws,
		Loops:     loops,
		StartedAt: time.Now(),
	}
	runner := workflow.NewRunner(h)
	runner.Poll = time.Duration(s.cfg.Workflow.PollIntervalMs) * time.Millisecond
	runner.Debounce = time.Duration(s.cfg.Workflow.IdleDebounceMs) * time.Millisecond
	runner.Timeout = time.Duration(s.cfg.Workflow.TimeoutMs) * time.Millisecond
	if req.TimeoutMs > 0 {
		runner.Timeout = time.Duration(req.TimeoutMs) * time.Millisecond
	}

	entry := &workflowEntry{handle: h, runner: runner, mode: mode}
	s.workspaces.Put(ws)
	s.workflows[key] = entry
	slog.Info("daemon.workflow.created", "workflow", key, "agents", names, "mode", mode)
	return entry, nil
}

// joinWorkflow adds an agent to a running detached instance: the roster
// grows, a loop starts on the shared workspace. Run-mode instances are
// closed batches and reject joins.
func (s *Server) joinWorkflow(req protocol.CreateAgentRequest) (*agent.Handle, error) {
	tag := req.Tag
	if tag == "" {
		tag = workflow.DefaultTag
	}
	key := req.Workflow + ":" + tag

	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.workflows[key]
	if !ok {
		return nil, fmt.Errorf("workflow %s: %w", key, protocol.ErrNotFound)
	}
	if entry.mode != "start" {
		return nil, fmt.Errorf("workflow %s is a run-mode batch: %w", key, protocol.ErrConflict)
	}
	if _, exists := entry.handle.Loops[req.Name]; exists {
		return nil, fmt.Errorf("agent %s in %s: %w", req.Name, key, protocol.ErrAlreadyExists)
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
	handle, err := agent.NewEphemeralHandle(def)
	if err != nil {
		return nil, err
	}
	b, err := s.newBackend(def)
	if err != nil {
		return nil, err
	}

	ws := entry.handle.Workspace
	teammates := entry.handle.LoopNames()
	ws.Provider.Roster().Add(req.Name)
	loop := agent.NewLoop(agent.LoopConfig{
		Handle:             handle,
		Provider:           ws.Provider,
		Backend:            b,
		Tools:              ws.Tools,
		MCPURL:             ws.MCPURL,
		WorkflowName:       entry.handle.Name,
		Tag:                entry.handle.Tag,
		Teammates:          teammates,
		PollInterval:       time.Duration(s.cfg.Loop.PollIntervalMs) * time.Millisecond,
		RecentChannelLimit: s.cfg.Loop.RecentChannelLimit,
		Retry:              s.retryConfig(),
	})
	handle.SetLoop(loop)
	entry.handle.Loops[req.Name] = loop
	loop.Start()
	slog.Info("daemon.workflow.joined", "workflow", key, "agent", req.Name)
	return handle, nil
}

// teardownWorkflow drops the registry entries, then stops loops and
// releases the workspace. Idempotent via the workspace's own shutdown
// guard; the map delete happens first so late joins see a missing
// instance instead of a stopping one.
func (s *Server) teardownWorkflow(entry *workflowEntry) {
	key := entry.handle.Key()
	s.mu.Lock()
	if s.workflows[key] == entry {
		delete(s.workflows, key)
	}
	s.workspaces.Remove(entry.handle.Workspace.Key)
	s.mu.Unlock()
	entry.runner.StopLoops()
	for name := range entry.handle.Loops {
		s.scheduler.Remove(name)
	}
	if err := entry.handle.Workspace.Shutdown(); err != nil {
		slog.Warn("daemon.workflow.teardown", "workflow", key, "error", err)
	}
	slog.Info("daemon.workflow.stopped", "workflow", key)
}

func (s *Server) handleStopWorkflow(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("name") + ":" + r.PathValue("tag")
	s.mu.Lock()
	entry, ok := s.workflows[key]
	s.mu.Unlock()
	if !ok {
		httpError(w, fmt.Errorf("workflow %s: %w", key, protocol.ErrNotFound))
		return
	}
	s.teardownWorkflow(entry)
	writeJSON(w, http.StatusOK, map[string]string{"status": "stopped"})
}
