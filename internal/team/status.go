package team

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/agentworker/agentworker/internal/storage"
)

const statusKey = "_state/agent-status.json"

// AgentState is the published lifecycle state of one agent.
type AgentState string

const (
	StateIdle    AgentState = "idle"
	StateRunning AgentState = "running"
	StateStopped AgentState = "stopped"
)

// AgentStatus is what an agent last reported about itself.
type AgentStatus struct {
	State      AgentState `json:"state"`
	Task       string     `json:"task,omitempty"`
	LastUpdate time.Time  `json:"lastUpdate"`
	StartedAt  *time.Time `json:"startedAt,omitempty"`
}

// StatusStore persists per-agent status as one JSON document.
type StatusStore struct {
	store storage.Storage
	mu    sync.Mutex
}

// NewStatusStore wraps storage with the status document.
func NewStatusStore(store storage.Storage) *StatusStore {
	return &StatusStore{store: store}
}

func (s *StatusStore) load() map[string]AgentStatus {
	out := make(map[string]AgentStatus)
	content, err := s.store.Read(statusKey)
	if err != nil {
		return out
	}
	_ = json.Unmarshal([]byte(content), &out)
	return out
}

// Set records a state transition. Entering running stamps startedAt;
// entering idle clears startedAt and task.
func (s *StatusStore) Set(agent string, state AgentState, task string) (AgentStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	all := s.load()
	now := time.Now().UTC()
	st := all[agent]
	st.State = state
	st.LastUpdate = now
	switch state {
	case StateRunning:
		st.Task = task
		st.StartedAt = &now
	case StateIdle:
		st.Task = ""
		st.StartedAt = nil
	default:
		st.StartedAt = nil
		if task != "" {
			st.Task = task
		}
	}
	all[agent] = st

	data, err := json.Marshal(all)
	if err != nil {
		return AgentStatus{}, fmt.Errorf("encode status: %w", err)
	}
	if err := s.store.Write(statusKey, string(data)); err != nil {
		return AgentStatus{}, fmt.Errorf("write status: %w", err)
	}
	return st, nil
}

// Get returns the status for one agent.
func (s *StatusStore) Get(agent string) (AgentStatus, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.load()[agent]
	return st, ok
}

// All returns every known agent status.
func (s *StatusStore) All() map[string]AgentStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.load()
}
