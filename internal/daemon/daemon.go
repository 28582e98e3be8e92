// Package daemon is the HTTP control plane. It owns the agent registry, the
// workspace registry, and the workflows map; everything else hangs off
// those. Registries are only mutated under the daemon mutex, from request
// handlers and the shutdown path.
package daemon

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/agentworker/agentworker/internal/agent"
	"github.com/agentworker/agentworker/internal/backend"
	"github.com/agentworker/agentworker/internal/config"
	"github.com/agentworker/agentworker/internal/discovery"
	"github.com/agentworker/agentworker/internal/schedule"
	"github.com/agentworker/agentworker/internal/telemetry"
	"github.com/agentworker/agentworker/internal/workflow"
	"github.com/agentworker/agentworker/internal/workspace"
	"github.com/agentworker/agentworker/pkg/protocol"
)

// Version is stamped by the build; "dev" otherwise.
var Version = "dev"

// workflowEntry pairs a running workflow with how it was started.
type workflowEntry struct {
	handle *workflow.Handle
	runner *workflow.Runner
	mode   string // "run" or "start"
}

// Server is the daemon.
type Server struct {
	cfg     *config.Config
	tracer  trace.Tracer
	agents  *agent.Registry
	factory *workspace.Factory

	mu         sync.Mutex
	workspaces *workspace.Registry
	workflows  map[string]*workflowEntry

	scheduler *schedule.Scheduler
	watcher   *agent.Watcher
	limiter   *remoteLimiter

	startedAt    time.Time
	httpServer   *http.Server
	shutdown     chan struct{}
	shutdownOnce sync.Once
	once         sync.Once

	telemetryStop telemetry.Shutdown
}

// NewServer wires a daemon from config. Nothing is listening yet.
func NewServer(cfg *config.Config) *Server {
	return &Server{
		cfg:        cfg,
		tracer:     noop.NewTracerProvider().Tracer("daemon"),
		agents:     agent.NewRegistry(),
		factory:    &workspace.Factory{Host: cfg.Daemon.Host, Port: cfg.Daemon.Port, Version: Version},
		workspaces: workspace.NewRegistry(),
		workflows:  make(map[string]*workflowEntry),
		scheduler:  schedule.NewScheduler(),
		limiter:    newRemoteLimiter(cfg.Daemon.RateLimitRPM),
		startedAt:  time.Now(),
		shutdown:   make(chan struct{}),
	}
}

// Start runs the daemon until ctx is cancelled or /shutdown fires: load
// definitions, start the watcher and scheduler, publish discovery, serve.
func (s *Server) Start(ctx context.Context) error {
	if s.cfg.Telemetry.Enabled {
		tracer, stop, err := telemetry.Init(ctx, s.cfg.Telemetry)
		if err != nil {
			return fmt.Errorf("daemon telemetry: %w", err)
		}
		s.tracer = tracer
		s.telemetryStop = stop
	}

	if err := s.agents.LoadAll(); err != nil {
		return fmt.Errorf("daemon load agents: %w", err)
	}
	watcher, err := agent.WatchDefinitions(s.agents)
	if err != nil {
		slog.Warn("daemon.watcher_disabled", "error", err)
	} else {
		s.watcher = watcher
	}
	s.registerSchedules()
	s.scheduler.Start()

	addr := fmt.Sprintf("%s:%d", s.cfg.Daemon.Host, s.cfg.Daemon.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("daemon listen %s: %w", addr, err)
	}
	if err := discovery.Write(discovery.Info{
		PID:       os.Getpid(),
		Host:      s.cfg.Daemon.Host,
		Port:      s.cfg.Daemon.Port,
		StartedAt: s.startedAt.UnixMilli(),
		Token:     s.cfg.Daemon.Token,
	}); err != nil {
		ln.Close()
		return fmt.Errorf("daemon discovery: %w", err)
	}

	s.httpServer = &http.Server{Handler: s.BuildMux()}
	slog.Info("daemon.started", "addr", addr, "pid", os.Getpid(), "agents", len(s.agents.List()))

	go func() {
		select {
		case <-ctx.Done():
		case <-s.shutdown:
		}
		s.Shutdown()
	}()

	if err := s.httpServer.Serve(ln); err != http.ErrServerClosed {
		return fmt.Errorf("daemon serve: %w", err)
	}
	return nil
}

// StartTestServer brings the daemon up on an ephemeral loopback port
// without the watcher or scheduler ticker. Returns the bound port; the
// caller is responsible for Shutdown.
func (s *Server) StartTestServer() (int, error) {
	if err := s.agents.LoadAll(); err != nil {
		return 0, fmt.Errorf("daemon load agents: %w", err)
	}
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, fmt.Errorf("daemon listen: %w", err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	s.cfg.Daemon.Host = "127.0.0.1"
	s.cfg.Daemon.Port = port
	s.factory.Host = "127.0.0.1"
	s.factory.Port = port
	if err := discovery.Write(discovery.Info{
		PID:       os.Getpid(),
		Host:      "127.0.0.1",
		Port:      port,
		StartedAt: s.startedAt.UnixMilli(),
		Token:     s.cfg.Daemon.Token,
	}); err != nil {
		ln.Close()
		return 0, fmt.Errorf("daemon discovery: %w", err)
	}
	s.httpServer = &http.Server{Handler: s.BuildMux()}
	go func() {
		<-s.shutdown
		s.Shutdown()
	}()
	go s.httpServer.Serve(ln)
	return port, nil
}

// Shutdown runs the teardown sequence once: loops, workflows, workspaces,
// discovery file, HTTP server.
func (s *Server) Shutdown() {
	s.once.Do(func() {
		slog.Info("daemon.shutdown.begin")
		s.scheduler.Stop()
		if s.watcher != nil {
			s.watcher.Close()
		}

		for _, handle := range s.agents.List() {
			if loop := handle.Loop(); loop != nil {
				loop.Stop()
			}
		}

		s.mu.Lock()
		entries := make([]*workflowEntry, 0, len(s.workflows))
		for _, e := range s.workflows {
			entries = append(entries, e)
		}
		s.workflows = make(map[string]*workflowEntry)
		s.mu.Unlock()
		for _, e := range entries {
			e.runner.StopLoops()
		}

		for _, ws := range s.workspaces.List() {
			s.workspaces.Remove(ws.Key)
			if err := ws.Shutdown(); err != nil {
				slog.Warn("daemon.shutdown.workspace", "key", ws.Key, "error", err)
			}
		}

		if err := discovery.Remove(); err != nil {
			slog.Warn("daemon.shutdown.discovery", "error", err)
		}

		if s.httpServer != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			s.httpServer.Shutdown(ctx)
		}
		if s.telemetryStop != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
			defer cancel()
			_ = s.telemetryStop(ctx)
		}
		slog.Info("daemon.shutdown.done")
	})
}

// registerSchedules hooks every scheduled definition up to a wake.
func (s *Server) registerSchedules() {
	for _, handle := range s.agents.List() {
		def := handle.Definition
		if def.Schedule == "" {
			continue
		}
		name := def.Name
		if err := s.scheduler.Add(name, def.Schedule, func() { s.wakeAgent(name) }); err != nil {
			slog.Warn("daemon.schedule", "agent", name, "error", err)
		}
	}
}

// wakeAgent pokes a loop into polling, creating it on demand so scheduled
// agents run without prior traffic.
func (s *Server) wakeAgent(name string) {
	loop, err := s.findOrEnsureLoop(name)
	if err != nil {
		slog.Warn("daemon.wake", "agent", name, "error", err)
		return
	}
	loop.Wake()
}

// findLoop locates a live loop: the handle's own, or one inside a running
// workflow.
func (s *Server) findLoop(name string) *agent.Loop {
	if handle, ok := s.agents.Get(name); ok {
		if loop := handle.Loop(); loop != nil {
			return loop
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.workflows {
		if loop, ok := e.handle.Loops[name]; ok {
			return loop
		}
	}
	return nil
}

// findOrEnsureLoop returns the agent's loop, creating workspace + loop on
// demand for registered standalone agents.
func (s *Server) findOrEnsureLoop(name string) (*agent.Loop, error) {
	if loop := s.findLoop(name); loop != nil {
		return loop, nil
	}
	handle, ok := s.agents.Get(name)
	if !ok {
		return nil, fmt.Errorf("agent %s: %w", name, protocol.ErrNotFound)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	// Re-check under the mutex; two requests may race here.
	if loop := handle.Loop(); loop != nil {
		return loop, nil
	}

	key := "agent:" + name
	ws, ok := s.workspaces.Get(key)
	if !ok {
		created, err := s.factory.CreateMinimalRuntime(workspace.Options{
			AgentName: name,
			Ephemeral: handle.Ephemeral,
		})
		if err != nil {
			return nil, fmt.Errorf("agent %s workspace: %w", name, err)
		}
		s.workspaces.Put(created)
		ws = created
	}

	b, err := s.newBackend(handle.Definition)
	if err != nil {
		return nil, err
	}
	loop := agent.NewLoop(agent.LoopConfig{
		Handle:             handle,
		Provider:           ws.Provider,
		Backend:            b,
		Tools:              ws.Tools,
		MCPURL:             ws.MCPURL,
		PollInterval:       time.Duration(s.cfg.Loop.PollIntervalMs) * time.Millisecond,
		RecentChannelLimit: s.cfg.Loop.RecentChannelLimit,
		Retry:              s.retryConfig(),
	})
	handle.SetLoop(loop)
	loop.Start()
	slog.Info("daemon.loop.created", "agent", name)
	return loop, nil
}

func (s *Server) retryConfig() agent.RetryConfig {
	return agent.RetryConfig{
		MaxAttempts: s.cfg.Loop.RetryMaxAttempts,
		Backoff:     time.Duration(s.cfg.Loop.RetryBackoffMs) * time.Millisecond,
		Multiplier:  s.cfg.Loop.RetryBackoffMultiplier,
	}
}

// newBackend builds the backend for one definition, falling back to
// configured defaults.
func (s *Server) newBackend(def *agent.Definition) (backend.Backend, error) {
	name := def.Backend
	if name == "" {
		name = s.cfg.Agents.Defaults.Backend
	}
	b, err := backend.New(name, s.cfg.Providers)
	if err != nil {
		return nil, err
	}
	if ab, ok := b.(*backend.AnthropicBackend); ok {
		model := def.Model
		if model == "" {
			model = s.cfg.Agents.Defaults.Model
		}
		ab.WithModel(model)
	}
	return b, nil
}

// applyDefaults fills definition gaps from config.
func (s *Server) applyDefaults(def *agent.Definition) {
	d := s.cfg.Agents.Defaults
	if def.Backend == "" {
		def.Backend = d.Backend
	}
	if def.Model == "" {
		def.Model = d.Model
	}
	if def.MaxTokens == 0 {
		def.MaxTokens = d.MaxTokens
	}
	if def.MaxSteps == 0 {
		def.MaxSteps = d.MaxSteps
	}
}
