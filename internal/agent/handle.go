package agent

import (
	"sync"

	"github.com/agentworker/agentworker/internal/storage"
)

// Handle is the runtime wrapper around one registered agent: its
// definition, its persistent context storage, its conversation log, and the
// loop reference once one is running.
type Handle struct {
	Definition *Definition
	ContextDir string // "" for ephemeral agents
	Ephemeral  bool

	Conversation *ConversationLog

	mu   sync.Mutex
	loop *Loop
}

func newHandle(def *Definition, contextDir string, store storage.Storage, ephemeral bool) *Handle {
	return &Handle{
		Definition:   def,
		ContextDir:   contextDir,
		Ephemeral:    ephemeral,
		Conversation: NewConversationLog(store),
	}
}

// NewEphemeralHandle builds a handle outside any registry, with no disk
// artifacts. Workflow-scoped agents live on these.
func NewEphemeralHandle(def *Definition) (*Handle, error) {
	if err := def.Validate(); err != nil {
		return nil, err
	}
	return newHandle(def, "", nil, true), nil
}

// Name returns the agent name.
func (h *Handle) Name() string { return h.Definition.Name }

// Loop returns the attached loop, or nil.
func (h *Handle) Loop() *Loop {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.loop
}

// SetLoop attaches (or detaches, with nil) the agent's loop.
func (h *Handle) SetLoop(loop *Loop) {
	h.mu.Lock()
	h.loop = loop
	h.mu.Unlock()
}

// State reports the loop state, or "stopped" when no loop is attached.
func (h *Handle) State() string {
	if loop := h.Loop(); loop != nil {
		return string(loop.State())
	}
	return "stopped"
}
