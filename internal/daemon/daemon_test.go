package daemon

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/agentworker/agentworker/internal/config"
	"github.com/agentworker/agentworker/pkg/protocol"
)

func newTestServer(t *testing.T, mutate func(*config.Config)) (*Server, *protocol.Client) {
	t.Helper()
	t.Setenv("AGENT_WORKER_HOME", t.TempDir())
	cfg := config.Default()
	cfg.Agents.Defaults.Backend = "mock"
	if mutate != nil {
		mutate(cfg)
	}
	s := NewServer(cfg)
	port, err := s.StartTestServer()
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(s.Shutdown)
	return s, protocol.NewClient("127.0.0.1", port, cfg.Daemon.Token)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not reached within 5s")
}

func TestAgentLifecycle(t *testing.T) {
	_, client := newTestServer(t, nil)
	ctx := context.Background()

	health, err := client.Health(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if health.Version != "dev" || len(health.Agents) != 0 {
		t.Fatalf("health = %+v", health)
	}

	detail, err := client.CreateAgent(ctx, protocol.CreateAgentRequest{
		Name:   "helper",
		System: "You answer questions briefly.",
	})
	if err != nil {
		t.Fatal(err)
	}
	if detail.Backend != "mock" {
		t.Fatalf("default backend not applied: %q", detail.Backend)
	}
	if detail.State != "stopped" {
		t.Fatalf("fresh agent state = %q", detail.State)
	}
	if detail.ContextDir == "" {
		t.Fatal("persistent agent has no context dir")
	}

	if _, err := client.CreateAgent(ctx, protocol.CreateAgentRequest{Name: "helper"}); !errors.Is(err, protocol.ErrConflict) {
		t.Fatalf("duplicate create: %v", err)
	}

	agents, err := client.ListAgents(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(agents) != 1 || agents[0].Name != "helper" {
		t.Fatalf("agents = %+v", agents)
	}

	if err := client.DeleteAgent(ctx, "helper"); err != nil {
		t.Fatal(err)
	}
	if _, err := client.GetAgent(ctx, "helper"); !errors.Is(err, protocol.ErrNotFound) {
		t.Fatalf("get after delete: %v", err)
	}
	if err := client.DeleteAgent(ctx, "helper"); !errors.Is(err, protocol.ErrNotFound) {
		t.Fatalf("second delete: %v", err)
	}
}

func TestServeRunsATurn(t *testing.T) {
	_, client := newTestServer(t, nil)
	ctx := context.Background()

	if _, err := client.CreateAgent(ctx, protocol.CreateAgentRequest{Name: "helper"}); err != nil {
		t.Fatal(err)
	}

	res, err := client.Serve(ctx, "helper", "hello there")
	if err != nil {
		t.Fatal(err)
	}
	if res.Agent != "helper" || res.Content != "ok" {
		t.Fatalf("serve = %+v", res)
	}
	if res.Steps != 1 {
		t.Fatalf("steps = %d", res.Steps)
	}

	// The lazy loop stays up after the turn.
	detail, err := client.GetAgent(ctx, "helper")
	if err != nil {
		t.Fatal(err)
	}
	if detail.State != "idle" {
		t.Fatalf("state after serve = %q", detail.State)
	}
}

func TestServeValidation(t *testing.T) {
	_, client := newTestServer(t, nil)
	ctx := context.Background()

	if _, err := client.Serve(ctx, "ghost", "hello"); !errors.Is(err, protocol.ErrNotFound) {
		t.Fatalf("unknown agent: %v", err)
	}
	if _, err := client.Serve(ctx, "", ""); !errors.Is(err, protocol.ErrInvalid) {
		t.Fatalf("empty request: %v", err)
	}
}

func TestRunStreamsChunkAndDone(t *testing.T) {
	_, client := newTestServer(t, nil)
	ctx := context.Background()

	if _, err := client.CreateAgent(ctx, protocol.CreateAgentRequest{Name: "helper"}); err != nil {
		t.Fatal(err)
	}

	var events []string
	var content string
	err := client.Run(ctx, "helper", "hello", func(event string, ev protocol.RunEvent) error {
		events = append(events, event)
		if event == protocol.EventChunk {
			content = ev.Content
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 2 || events[0] != protocol.EventChunk || events[1] != protocol.EventDone {
		t.Fatalf("events = %v", events)
	}
	if content != "ok" {
		t.Fatalf("chunk content = %q", content)
	}
}

func TestBearerAuth(t *testing.T) {
	s, client := newTestServer(t, func(cfg *config.Config) {
		cfg.Daemon.Token = "sekrit"
	})
	ctx := context.Background()

	if _, err := client.Health(ctx); err != nil {
		t.Fatalf("authed health: %v", err)
	}

	bare := protocol.NewClient("127.0.0.1", s.cfg.Daemon.Port, "")
	if _, err := bare.Health(ctx); !errors.Is(err, protocol.ErrUnauthorized) {
		t.Fatalf("unauthed health: %v", err)
	}
	wrong := protocol.NewClient("127.0.0.1", s.cfg.Daemon.Port, "guess")
	if _, err := wrong.Health(ctx); !errors.Is(err, protocol.ErrUnauthorized) {
		t.Fatalf("wrong token: %v", err)
	}
}

func TestRateLimit(t *testing.T) {
	_, client := newTestServer(t, func(cfg *config.Config) {
		cfg.Daemon.RateLimitRPM = 60 // burst 10
	})
	ctx := context.Background()

	var limited bool
	for i := 0; i < 30; i++ {
		if _, err := client.Health(ctx); errors.Is(err, protocol.ErrTransient) {
			limited = true
			break
		}
	}
	if !limited {
		t.Fatal("rate limit never hit")
	}
}

func TestMCPRouteResolution(t *testing.T) {
	s, client := newTestServer(t, nil)
	ctx := context.Background()

	// No workspaces yet: nothing to resolve.
	resp, err := http.Get(client.BaseURL() + "/mcp?workspace=agent:ghost")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("unknown workspace status = %d", resp.StatusCode)
	}

	// A served agent creates its workspace lazily.
	if _, err := client.CreateAgent(ctx, protocol.CreateAgentRequest{Name: "helper"}); err != nil {
		t.Fatal(err)
	}
	if _, err := client.Serve(ctx, "helper", "hi"); err != nil {
		t.Fatal(err)
	}
	if _, ok := s.workspaces.Get("agent:helper"); !ok {
		t.Fatal("agent workspace not registered")
	}
}

func TestWorkflowRunMode(t *testing.T) {
	_, client := newTestServer(t, func(cfg *config.Config) {
		cfg.Workflow.PollIntervalMs = 20
		cfg.Workflow.IdleDebounceMs = 50
		cfg.Workflow.TimeoutMs = 5000
	})
	ctx := context.Background()

	summary, err := client.StartWorkflow(ctx, protocol.StartWorkflowRequest{
		Name: "review",
		Agents: []protocol.WorkflowAgent{
			{Name: "writer", System: "Write the draft."},
			{Name: "critic", System: "Critique the draft."},
		},
		Kickoff: "@writer draft a haiku about rivers",
		Mode:    "run",
	})
	if err != nil {
		t.Fatal(err)
	}
	if summary.Mode != "run" || summary.Name != "review" || summary.Tag != "default" {
		t.Fatalf("summary = %+v", summary)
	}
	if len(summary.Agents) != 2 {
		t.Fatalf("agents = %v", summary.Agents)
	}

	// Run mode tears the instance down once the team goes idle.
	waitFor(t, func() bool {
		list, err := client.ListWorkflows(ctx)
		return err == nil && len(list) == 0
	})
}

func TestWorkflowStartStopAndConflicts(t *testing.T) {
	_, client := newTestServer(t, nil)
	ctx := context.Background()

	req := protocol.StartWorkflowRequest{
		Name:    "pipeline",
		Tag:     "nightly",
		Agents:  []protocol.WorkflowAgent{{Name: "builder"}},
		Kickoff: "@builder start the build",
	}
	if _, err := client.StartWorkflow(ctx, req); err != nil {
		t.Fatal(err)
	}

	if _, err := client.StartWorkflow(ctx, req); !errors.Is(err, protocol.ErrConflict) {
		t.Fatalf("duplicate start: %v", err)
	}

	list, err := client.ListWorkflows(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 1 || list[0].Name != "pipeline" || list[0].Tag != "nightly" || list[0].Mode != "start" {
		t.Fatalf("list = %+v", list)
	}

	// An agent can join a detached instance through POST /agents.
	joined, err := client.CreateAgent(ctx, protocol.CreateAgentRequest{
		Name:     "reviewer",
		Workflow: "pipeline",
		Tag:      "nightly",
	})
	if err != nil {
		t.Fatal(err)
	}
	if joined.Workflow != "pipeline" || !joined.Ephemeral {
		t.Fatalf("joined = %+v", joined)
	}
	if _, err := client.CreateAgent(ctx, protocol.CreateAgentRequest{
		Name: "builder", Workflow: "pipeline", Tag: "nightly",
	}); !errors.Is(err, protocol.ErrConflict) {
		t.Fatalf("duplicate join: %v", err)
	}

	// Workflow agents show up in the agent listing with their instance.
	agents, err := client.ListAgents(ctx)
	if err != nil {
		t.Fatal(err)
	}
	var found bool
	for _, a := range agents {
		if a.Name == "builder" && a.Workflow == "pipeline" && a.Tag == "nightly" {
			found = true
		}
	}
	if !found {
		t.Fatalf("builder not listed with its workflow: %+v", agents)
	}

	if err := client.StopWorkflow(ctx, "pipeline", "nightly"); err != nil {
		t.Fatal(err)
	}
	if err := client.StopWorkflow(ctx, "pipeline", "nightly"); !errors.Is(err, protocol.ErrNotFound) {
		t.Fatalf("second stop: %v", err)
	}
	list, err = client.ListWorkflows(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 0 {
		t.Fatalf("list after stop = %+v", list)
	}
}

func TestWorkflowValidation(t *testing.T) {
	_, client := newTestServer(t, nil)
	ctx := context.Background()

	cases := []protocol.StartWorkflowRequest{
		{Tag: "x", Agents: []protocol.WorkflowAgent{{Name: "a"}}},
		{Name: "w"},
		{Name: "w", Agents: []protocol.WorkflowAgent{{Name: "a"}, {Name: "a"}}},
		{Name: "w", Agents: []protocol.WorkflowAgent{{Name: "a"}}, Mode: "sideways"},
	}
	for i, req := range cases {
		if _, err := client.StartWorkflow(ctx, req); !errors.Is(err, protocol.ErrInvalid) {
			t.Fatalf("case %d: %v", i, err)
		}
	}
}

func TestShutdownEndpoint(t *testing.T) {
	_, client := newTestServer(t, nil)
	ctx := context.Background()

	if err := client.Shutdown(ctx); err != nil {
		t.Fatal(err)
	}
	waitFor(t, func() bool {
		_, err := client.Health(ctx)
		return err != nil
	})
}
