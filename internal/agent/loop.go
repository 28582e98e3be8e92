package agent

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/agentworker/agentworker/internal/backend"
	"github.com/agentworker/agentworker/internal/collab"
	"github.com/agentworker/agentworker/internal/prompt"
	"github.com/agentworker/agentworker/internal/team"
)

var tracer = otel.Tracer("github.com/agentworker/agentworker/internal/agent")

// Loop defaults.
const (
	DefaultPollInterval       = 5 * time.Second
	DefaultRecentChannelLimit = 50
	DefaultIdleDebounce       = 2 * time.Second
)

// RetryConfig bounds the per-turn backend retry.
type RetryConfig struct {
	MaxAttempts int
	Backoff     time.Duration
	Multiplier  int
}

// DefaultRetry is three attempts with 1s, 2s backoff between them.
var DefaultRetry = RetryConfig{MaxAttempts: 3, Backoff: time.Second, Multiplier: 2}

// RunResult is the outcome of one turn, delivered to OnRunComplete and
// returned from SendDirect.
type RunResult struct {
	Agent     string
	Success   bool
	Content   string
	Duration  time.Duration
	Steps     int
	ToolCalls []backend.ToolCallRecord
	Err       error
}

// DirectResult is the synchronous send outcome.
type DirectResult = RunResult

// LoopConfig wires one loop.
type LoopConfig struct {
	Handle   *Handle
	Provider *team.Provider
	Backend  backend.Backend
	Tools    *collab.Registry // in-process tool defs; nil for MCP-only backends
	MCPURL   string           // workspace tool endpoint, "" to skip

	WorkflowName string
	Tag          string
	Teammates    []string

	PollInterval       time.Duration
	RecentChannelLimit int
	Retry              RetryConfig
	OnRunComplete      func(RunResult)
}

// Loop is the per-agent scheduler: one goroutine polls the inbox and runs
// backend turns; SendDirect shares the same turn path under the run mutex,
// so an agent never has two in-flight backend calls.
type Loop struct {
	name     string
	handle   *Handle
	provider *team.Provider
	backend  backend.Backend
	tools    *collab.Registry
	mcpURL   string

	workflowName string
	tag          string
	teammates    []string

	pollInterval       time.Duration
	recentChannelLimit int
	retry              RetryConfig
	onRunComplete      func(RunResult)

	runMu sync.Mutex // serializes poll turns against SendDirect

	mu          sync.Mutex
	state       team.AgentState
	hasFailures bool
	lastError   string

	wake    chan struct{}
	stopCh  chan struct{}
	stopped sync.Once
	done    chan struct{}
	started bool
}

// NewLoop builds a stopped loop.
func NewLoop(cfg LoopConfig) *Loop {
	l := &Loop{
		name:               cfg.Handle.Name(),
		handle:             cfg.Handle,
		provider:           cfg.Provider,
		backend:            cfg.Backend,
		tools:              cfg.Tools,
		mcpURL:             cfg.MCPURL,
		workflowName:       cfg.WorkflowName,
		tag:                cfg.Tag,
		teammates:          cfg.Teammates,
		pollInterval:       cfg.PollInterval,
		recentChannelLimit: cfg.RecentChannelLimit,
		retry:              cfg.Retry,
		onRunComplete:      cfg.OnRunComplete,
		state:              team.StateStopped,
		wake:               make(chan struct{}, 1),
		stopCh:             make(chan struct{}),
		done:               make(chan struct{}),
	}
	if l.pollInterval <= 0 {
		l.pollInterval = DefaultPollInterval
	}
	if l.recentChannelLimit <= 0 {
		l.recentChannelLimit = DefaultRecentChannelLimit
	}
	if l.retry.MaxAttempts <= 0 {
		l.retry = DefaultRetry
	}
	return l
}

// Name returns the agent name.
func (l *Loop) Name() string { return l.name }

// State returns the loop state.
func (l *Loop) State() team.AgentState {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// LastError returns the failure flag and last backend error message.
func (l *Loop) LastError() (bool, string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.hasFailures, l.lastError
}

func (l *Loop) setState(state team.AgentState, task string) {
	l.mu.Lock()
	l.state = state
	l.mu.Unlock()
	if _, err := l.provider.Status.Set(l.name, state, task); err != nil {
		slog.Warn("agent.loop.status", "agent", l.name, "error", err)
	}
}

// Start launches the poll goroutine. Calling Start twice is a no-op.
func (l *Loop) Start() {
	l.mu.Lock()
	if l.started {
		l.mu.Unlock()
		return
	}
	l.started = true
	l.mu.Unlock()

	l.setState(team.StateIdle, "")
	slog.Info("agent.loop.started", "agent", l.name, "pollInterval", l.pollInterval)
	go l.run()
}

// Wake interrupts the current sleep. One-shot: multiple wakes before the
// loop observes them coalesce.
func (l *Loop) Wake() {
	select {
	case l.wake <- struct{}{}:
	default:
	}
}

// Stop flags the loop stopped and wakes the sleep. An in-flight backend
// call is aborted when the backend supports it; nothing is acked.
func (l *Loop) Stop() {
	l.stopped.Do(func() { close(l.stopCh) })
	if aborter, ok := l.backend.(backend.Aborter); ok {
		aborter.Abort()
	}
	l.mu.Lock()
	started := l.started
	l.mu.Unlock()
	if started {
		<-l.done
	}
	l.setState(team.StateStopped, "")
	slog.Info("agent.loop.stopped", "agent", l.name)
}

func (l *Loop) run() {
	defer close(l.done)
	for {
		select {
		case <-l.stopCh:
			return
		case <-l.wake:
		case <-time.After(l.pollInterval):
		}
		if l.isStopping() {
			return
		}
		l.pollOnce()
	}
}

func (l *Loop) isStopping() bool {
	select {
	case <-l.stopCh:
		return true
	default:
		return false
	}
}

// pollOnce runs one poll-triggered turn if the inbox is non-empty.
func (l *Loop) pollOnce() {
	l.runMu.Lock()
	defer l.runMu.Unlock()

	inbox, err := l.provider.Inbox.GetInbox(l.name)
	if err != nil {
		slog.Warn("agent.loop.inbox", "agent", l.name, "error", err)
		return
	}
	if len(inbox) == 0 {
		return
	}
	result := l.executeTurn(context.Background(), inbox)
	if l.onRunComplete != nil {
		l.onRunComplete(result)
	}
}

// SendDirect runs one synchronous turn for an external message. It takes
// the same run mutex as the poll cycle and works whether the loop is
// started or stopped. The agent mention is prepended when missing so the
// message lands in the agent's inbox.
func (l *Loop) SendDirect(ctx context.Context, message string) (*DirectResult, error) {
	l.runMu.Lock()
	defer l.runMu.Unlock()

	// Token-exact check: "@writerly" or "user@writer.dev" is not a mention
	// of "writer", so such a message still gets the mention prepended.
	mentioned := false
	for _, m := range team.ExtractMentions(message, l.provider.ValidAgents()) {
		if m == l.name {
			mentioned = true
			break
		}
	}
	if !mentioned {
		message = "@" + l.name + " " + message
	}
	if _, err := l.provider.Channel.Append("user", message); err != nil {
		return nil, fmt.Errorf("direct send append: %w", err)
	}
	inbox, err := l.provider.Inbox.GetInbox(l.name)
	if err != nil {
		return nil, fmt.Errorf("direct send inbox: %w", err)
	}
	result := l.executeTurn(ctx, inbox)
	if l.onRunComplete != nil {
		l.onRunComplete(result)
	}
	return &result, nil
}

// executeTurn is steps 3–9 of the poll cycle. Caller holds runMu; an empty
// inbox still runs the turn but leaves cursors untouched.
func (l *Loop) executeTurn(ctx context.Context, inbox []team.InboxItem) RunResult {
	ctx, span := tracer.Start(ctx, "agent.turn")
	span.SetAttributes(
		attribute.String("agent.name", l.name),
		attribute.String("agent.workflow", l.workflowName),
		attribute.Int("agent.inbox", len(inbox)),
	)
	defer span.End()

	start := time.Now()
	l.setState(team.StateRunning, summarizeTask(inbox))
	l.timeline("run.started")

	result := RunResult{Agent: l.name}
	resp, attempt, err := l.sendWithRetry(ctx, inbox)
	result.Duration = time.Since(start)

	if err != nil {
		l.mu.Lock()
		l.hasFailures = true
		l.lastError = err.Error()
		l.mu.Unlock()
		result.Err = err
		span.RecordError(err)
		l.timeline("run.failed")
		slog.Warn("agent.loop.turn_failed", "agent", l.name, "attempts", attempt, "error", err)
		l.setState(team.StateIdle, "")
		return result
	}

	result.Success = true
	result.Content = resp.Content
	result.ToolCalls = resp.ToolCalls
	result.Steps = len(resp.ToolCalls) + 1

	// The reply goes to the channel unless the backend already posted it
	// through channel_send during the turn.
	if resp.Content != "" && !calledTool(resp.ToolCalls, "channel_send") {
		if _, err := l.provider.SmartSend(l.name, resp.Content); err != nil {
			slog.Warn("agent.loop.reply", "agent", l.name, "error", err)
		}
	}

	// Ack strictly after success: a failed turn leaves the cursor alone so
	// the same items come back next poll.
	if len(inbox) > 0 {
		lastID := inbox[len(inbox)-1].ID
		if err := l.provider.Inbox.Ack(l.name, lastID); err != nil {
			slog.Warn("agent.loop.ack", "agent", l.name, "error", err)
		}
		if err := l.handle.Conversation.Append("user", joinInbox(inbox)); err != nil {
			slog.Warn("agent.loop.conversation", "agent", l.name, "error", err)
		}
	}
	if err := l.handle.Conversation.Append("assistant", resp.Content); err != nil {
		slog.Warn("agent.loop.conversation", "agent", l.name, "error", err)
	}

	l.timeline("run.completed")
	slog.Info("agent.loop.turn", "agent", l.name, "duration", result.Duration,
		"toolCalls", len(resp.ToolCalls), "inbox", len(inbox))
	l.setState(team.StateIdle, "")
	return result
}

// sendWithRetry builds the prompt and calls the backend with exponential
// backoff. The prompt is rebuilt per attempt so the retry notice reflects
// the previous failure.
func (l *Loop) sendWithRetry(ctx context.Context, inbox []team.InboxItem) (*backend.Response, int, error) {
	var lastErr error
	for attempt := 1; attempt <= l.retry.MaxAttempts; attempt++ {
		promptText := l.buildPrompt(inbox, attempt, lastErr)
		sendCtx, span := tracer.Start(ctx, "backend.send")
		span.SetAttributes(attribute.Int("backend.attempt", attempt))
		resp, err := l.backend.Send(sendCtx, promptText, l.sendOptions())
		span.End()
		if err == nil {
			return resp, attempt, nil
		}
		lastErr = err
		slog.Warn("agent.loop.attempt_failed", "agent", l.name, "attempt", attempt, "error", err)
		if attempt == l.retry.MaxAttempts {
			break
		}
		delay := l.retry.Backoff
		for i := 1; i < attempt; i++ {
			delay *= time.Duration(l.retry.Multiplier)
		}
		select {
		case <-l.stopCh:
			return nil, attempt, lastErr
		case <-ctx.Done():
			return nil, attempt, ctx.Err()
		case <-time.After(delay):
		}
	}
	return nil, l.retry.MaxAttempts, lastErr
}

func (l *Loop) sendOptions() backend.SendOptions {
	def := l.handle.Definition
	opts := backend.SendOptions{
		System:    def.SystemPrompt,
		MaxSteps:  def.MaxSteps,
		MaxTokens: def.MaxTokens,
	}
	if l.tools != nil {
		opts.Tools = l.tools.ToolDefs(l.name)
	}
	if l.mcpURL != "" {
		opts.MCPURL = withAgentParam(l.mcpURL, l.name)
	}
	return opts
}

func (l *Loop) buildPrompt(inbox []team.InboxItem, attempt int, lastErr error) string {
	def := l.handle.Definition

	recent, err := l.provider.Channel.Read(team.ReadOptions{Agent: l.name, Limit: l.recentChannelLimit})
	if err != nil {
		slog.Warn("agent.loop.recent", "agent", l.name, "error", err)
	}

	docPath := team.DefaultDocument
	var projectBrief string
	if def.Context != nil {
		if def.Context.DocumentPath != "" {
			docPath = def.Context.DocumentPath
		}
		projectBrief = def.Context.ProjectBrief
	}
	doc, err := l.provider.Documents.Read(docPath)
	if err != nil {
		slog.Warn("agent.loop.document", "agent", l.name, "path", docPath, "error", err)
	}

	pctx := &prompt.Context{
		AgentName:     l.name,
		ProjectBrief:  projectBrief,
		Inbox:         inbox,
		Thread:        thinThread(l.handle.Conversation),
		RecentChannel: recent,
		DocumentPath:  docPath,
		Document:      doc,
		Attempt:       attempt,
		MaxAttempts:   l.retry.MaxAttempts,
		WorkflowName:  l.workflowName,
		Tag:           l.tag,
		Teammates:     l.teammates,
		ExitGuidance:  l.workflowName != "",
	}
	if lastErr != nil {
		pctx.LastError = lastErr.Error()
	}
	if l.tools != nil {
		pctx.ToolNames = l.tools.ToolNames()
	}
	return prompt.Assemble(pctx)
}

func (l *Loop) timeline(event string) {
	if _, err := l.provider.Timeline.Append(l.name, event, team.KindLog); err != nil {
		slog.Debug("agent.loop.timeline", "agent", l.name, "error", err)
	}
}

func thinThread(log *ConversationLog) []prompt.Turn {
	msgs := log.Thread()
	turns := make([]prompt.Turn, 0, len(msgs))
	for _, m := range msgs {
		turns = append(turns, prompt.Turn{Role: m.Role, Content: m.Content})
	}
	return turns
}

func joinInbox(inbox []team.InboxItem) string {
	parts := make([]string, 0, len(inbox))
	for _, item := range inbox {
		parts = append(parts, fmt.Sprintf("%s: %s", item.From, item.Content))
	}
	return strings.Join(parts, "\n")
}

func calledTool(calls []backend.ToolCallRecord, name string) bool {
	for _, call := range calls {
		if call.Name == name {
			return true
		}
	}
	return false
}

func summarizeTask(inbox []team.InboxItem) string {
	if len(inbox) == 0 {
		return ""
	}
	task := inbox[0].Content
	if len(task) > 80 {
		task = task[:77] + "..."
	}
	return task
}

// withAgentParam appends the caller identity to the workspace MCP URL.
func withAgentParam(raw, agent string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	q := u.Query()
	q.Set("agent", agent)
	u.RawQuery = q.Encode()
	return u.String()
}
