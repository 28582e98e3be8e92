// Package schedule wakes agents on cron expressions from their
// definitions. Expressions are validated at registration; the scheduler
// checks due-ness once a minute, which matches cron granularity.
package schedule

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/adhocore/gronx"

	"github.com/agentworker/agentworker/pkg/protocol"
)

type entry struct {
	expr string
	wake func()
}

// Scheduler fires wake callbacks when an agent's cron expression is due.
type Scheduler struct {
	gron *gronx.Gronx

	mu      sync.Mutex
	entries map[string]entry
	started bool

	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

// NewScheduler returns an empty scheduler.
func NewScheduler() *Scheduler {
	return &Scheduler{
		gron:    gronx.New(),
		entries: make(map[string]entry),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// Add registers an agent's schedule. The expression must be valid cron.
func (s *Scheduler) Add(agent, expr string, wake func()) error {
	if !s.gron.IsValid(expr) {
		return fmt.Errorf("schedule %q for %s: %w", expr, agent, protocol.ErrInvalid)
	}
	s.mu.Lock()
	s.entries[agent] = entry{expr: expr, wake: wake}
	s.mu.Unlock()
	slog.Info("schedule.added", "agent", agent, "expr", expr)
	return nil
}

// Remove drops an agent's schedule.
func (s *Scheduler) Remove(agent string) {
	s.mu.Lock()
	delete(s.entries, agent)
	s.mu.Unlock()
}

// Start launches the minute ticker. No-op when already started.
func (s *Scheduler) Start() {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return
	}
	s.started = true
	s.mu.Unlock()
	go s.run()
}

// Stop halts the ticker and waits for it. Safe to call repeatedly.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	started := s.started
	s.mu.Unlock()
	s.stopOnce.Do(func() { close(s.stop) })
	if started {
		<-s.done
	}
}

func (s *Scheduler) run() {
	defer close(s.done)
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			return
		case now := <-ticker.C:
			s.fireDue(now)
		}
	}
}

func (s *Scheduler) fireDue(now time.Time) {
	s.mu.Lock()
	due := make([]entry, 0)
	agents := make([]string, 0)
	for agent, e := range s.entries {
		ok, err := s.gron.IsDue(e.expr, now)
		if err != nil {
			slog.Warn("schedule.check", "agent", agent, "error", err)
			continue
		}
		if ok {
			due = append(due, e)
			agents = append(agents, agent)
		}
	}
	s.mu.Unlock()

	for i, e := range due {
		slog.Info("schedule.wake", "agent", agents[i], "expr", e.expr)
		e.wake()
	}
}
