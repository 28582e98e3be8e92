// Package workflow runs a batch of agents against one shared workspace and
// decides when they are collectively done. Termination is inferred, not
// signalled: all loops idle, every inbox drained, and the state held
// through a debounce window.
package workflow

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/agentworker/agentworker/internal/agent"
	"github.com/agentworker/agentworker/internal/team"
	"github.com/agentworker/agentworker/internal/workspace"
	"github.com/agentworker/agentworker/pkg/protocol"
)

// DefaultTag names a workflow instance when the file does not.
const DefaultTag = "default"

// Definition is one workflow YAML file.
type Definition struct {
	Name    string              `yaml:"name" json:"name"`
	Tag     string              `yaml:"tag,omitempty" json:"tag,omitempty"`
	Agents  []*agent.Definition `yaml:"agents" json:"agents"`
	Kickoff string              `yaml:"kickoff,omitempty" json:"kickoff,omitempty"`
}

// Parse decodes and validates a workflow definition.
func Parse(data []byte) (*Definition, error) {
	var def Definition
	if err := yaml.Unmarshal(data, &def); err != nil {
		return nil, fmt.Errorf("parse workflow: %w: %w", protocol.ErrInvalid, err)
	}
	def.Name = strings.TrimSpace(def.Name)
	if def.Name == "" {
		return nil, fmt.Errorf("workflow name missing: %w", protocol.ErrInvalid)
	}
	if def.Tag == "" {
		def.Tag = DefaultTag
	}
	if len(def.Agents) == 0 {
		return nil, fmt.Errorf("workflow %s has no agents: %w", def.Name, protocol.ErrInvalid)
	}
	seen := map[string]bool{}
	for _, a := range def.Agents {
		if err := a.Validate(); err != nil {
			return nil, fmt.Errorf("workflow %s: %w", def.Name, err)
		}
		if seen[a.Name] {
			return nil, fmt.Errorf("workflow %s: duplicate agent %q: %w", def.Name, a.Name, protocol.ErrInvalid)
		}
		seen[a.Name] = true
	}
	return &def, nil
}

// AgentNames returns the agent names in definition order.
func (d *Definition) AgentNames() []string {
	names := make([]string, len(d.Agents))
	for i, a := range d.Agents {
		names[i] = a.Name
	}
	return names
}

// Key identifies a running instance.
func (d *Definition) Key() string { return d.Name + ":" + d.Tag }

// Handle is one running workflow instance.
type Handle struct {
	Name      string
	Tag       string
	Workspace *workspace.Workspace
	Loops     map[string]*agent.Loop
	StartedAt time.Time
}

// Key identifies this instance.
func (h *Handle) Key() string { return h.Name + ":" + h.Tag }

// States reports each loop's state, sorted by agent name for stable output.
func (h *Handle) States() map[string]string {
	out := make(map[string]string, len(h.Loops))
	for name, loop := range h.Loops {
		out[name] = string(loop.State())
	}
	return out
}

// LoopNames returns the agent names with loops, sorted.
func (h *Handle) LoopNames() []string {
	names := make([]string, 0, len(h.Loops))
	for name := range h.Loops {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// IdleState is the four-way completion predicate.
type IdleState struct {
	AllLoopsIdle        bool `json:"allLoopsIdle"`
	NoUnreadMessages    bool `json:"noUnreadMessages"`
	NoActiveProposals   bool `json:"noActiveProposals"`
	IdleDebounceElapsed bool `json:"idleDebounceElapsed"`
}

// Complete reports whether every condition holds.
func (s IdleState) Complete() bool {
	return s.AllLoopsIdle && s.NoUnreadMessages && s.NoActiveProposals && s.IdleDebounceElapsed
}

// BuildIdleState samples the loops and inboxes. The debounce flag belongs
// to the runner; proposals are not part of this daemon, so that condition
// holds trivially.
func BuildIdleState(loops map[string]*agent.Loop, provider *team.Provider) IdleState {
	state := IdleState{AllLoopsIdle: true, NoUnreadMessages: true, NoActiveProposals: true}
	for _, loop := range loops {
		if loop.State() != team.StateIdle {
			state.AllLoopsIdle = false
			break
		}
	}
	for _, name := range provider.ValidAgents() {
		items, err := provider.Inbox.GetInbox(name)
		if err != nil || len(items) > 0 {
			state.NoUnreadMessages = false
			break
		}
	}
	return state
}
