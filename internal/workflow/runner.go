package workflow

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/agentworker/agentworker/pkg/protocol"
)

// Runner drive-mode defaults.
const (
	DefaultPoll     = time.Second
	DefaultDebounce = 2 * time.Second
	DefaultTimeout  = 10 * time.Minute
)

// Runner drives one workflow instance to completion.
type Runner struct {
	Handle *Handle

	Poll     time.Duration
	Debounce time.Duration
	Timeout  time.Duration
}

// NewRunner wraps a handle with default timings.
func NewRunner(h *Handle) *Runner {
	return &Runner{Handle: h, Poll: DefaultPoll, Debounce: DefaultDebounce, Timeout: DefaultTimeout}
}

// Start marks the run epoch, starts every loop, and posts the kickoff.
// Used by both run mode and detached start mode.
func (r *Runner) Start(kickoff string) error {
	h := r.Handle
	if err := h.Workspace.Provider.MarkRunStart(); err != nil {
		return fmt.Errorf("workflow %s: %w", h.Key(), err)
	}
	for _, loop := range h.Loops {
		loop.Start()
	}
	if kickoff != "" {
		if _, err := h.Workspace.Provider.Channel.Append("user", kickoff); err != nil {
			return fmt.Errorf("workflow %s kickoff: %w", h.Key(), err)
		}
		for _, loop := range h.Loops {
			loop.Wake()
		}
	}
	slog.Info("workflow.started", "workflow", h.Key(), "agents", h.LoopNames())
	return nil
}

// Wait blocks until the workflow is complete, the timeout fires, or the
// context is cancelled. Loops are never force-killed: on timeout they keep
// running and the caller decides.
func (r *Runner) Wait(ctx context.Context) error {
	h := r.Handle
	timeout := r.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(r.pollInterval())
	defer ticker.Stop()

	var firstCompleteAt time.Time
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline.C:
			slog.Warn("workflow.timeout", "workflow", h.Key(), "after", timeout)
			return fmt.Errorf("workflow %s: %w after %s", h.Key(), protocol.ErrTimeout, timeout)
		case <-ticker.C:
		}

		state := BuildIdleState(h.Loops, h.Workspace.Provider)
		if !(state.AllLoopsIdle && state.NoUnreadMessages && state.NoActiveProposals) {
			firstCompleteAt = time.Time{}
			continue
		}
		if firstCompleteAt.IsZero() {
			firstCompleteAt = time.Now()
			continue
		}
		if time.Since(firstCompleteAt) >= r.debounce() {
			slog.Info("workflow.complete", "workflow", h.Key(), "after", time.Since(h.StartedAt))
			return nil
		}
	}
}

// Run drives start → wait → stop. The stop happens even on timeout or
// cancellation so run mode always tears down its loops.
func (r *Runner) Run(ctx context.Context, kickoff string) error {
	if err := r.Start(kickoff); err != nil {
		return err
	}
	waitErr := r.Wait(ctx)
	r.StopLoops()
	return waitErr
}

// StopLoops stops every loop concurrently and waits for all of them.
func (r *Runner) StopLoops() {
	g := new(errgroup.Group)
	for _, loop := range r.Handle.Loops {
		g.Go(func() error {
			loop.Stop()
			return nil
		})
	}
	_ = g.Wait()
}

func (r *Runner) pollInterval() time.Duration {
	if r.Poll <= 0 {
		return DefaultPoll
	}
	return r.Poll
}

func (r *Runner) debounce() time.Duration {
	if r.Debounce <= 0 {
		return DefaultDebounce
	}
	return r.Debounce
}
