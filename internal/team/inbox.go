package team

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/agentworker/agentworker/internal/storage"
	"github.com/agentworker/agentworker/pkg/protocol"
)

const inboxKey = "_state/inbox.json"

// Inbox item priority.
const (
	PriorityNormal = "normal"
	PriorityHigh   = "high"
)

// InboxItem is one unread channel entry addressed to an agent.
type InboxItem struct {
	Message
	Priority string `json:"priority"`
	Seen     bool   `json:"seen"`
}

// inboxState is the persisted cursor document.
type inboxState struct {
	ReadCursors map[string]string `json:"readCursors"`
	SeenCursors map[string]string `json:"seenCursors"`
}

// InboxStore tracks per-agent read/seen cursors over the channel. Cursors
// persist across restarts; the run-start index is per-process and floors
// every inbox so messages predating this daemon invocation are ignored.
type InboxStore struct {
	store   storage.Storage
	channel *ChannelStore

	mu       sync.Mutex // guards cursor read-modify-write and runStart
	runStart int
}

// NewInboxStore builds an inbox view over the channel.
func NewInboxStore(store storage.Storage, channel *ChannelStore) *InboxStore {
	return &InboxStore{store: store, channel: channel}
}

func (s *InboxStore) loadState() inboxState {
	state := inboxState{
		ReadCursors: make(map[string]string),
		SeenCursors: make(map[string]string),
	}
	content, err := s.store.Read(inboxKey)
	if err != nil {
		return state
	}
	// A corrupt state file resets the cursors rather than wedging the loop.
	_ = json.Unmarshal([]byte(content), &state)
	if state.ReadCursors == nil {
		state.ReadCursors = make(map[string]string)
	}
	if state.SeenCursors == nil {
		state.SeenCursors = make(map[string]string)
	}
	return state
}

func (s *InboxStore) saveState(state inboxState) error {
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("encode inbox state: %w", err)
	}
	if err := s.store.Write(inboxKey, string(data)); err != nil {
		return fmt.Errorf("write inbox state: %w", err)
	}
	return nil
}

// MarkRunStart floors all inboxes at the current channel length. Called once
// when a workspace comes up.
func (s *InboxStore) MarkRunStart() error {
	n, err := s.channel.Len()
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.runStart = n
	s.mu.Unlock()
	return nil
}

// RunStartIndex returns the current run-epoch floor.
func (s *InboxStore) RunStartIndex() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.runStart
}

// GetInbox returns the unread, visible, addressed-to-agent suffix of the
// channel, each entry carrying priority and seen flags.
func (s *InboxStore) GetInbox(agent string) ([]InboxItem, error) {
	entries, err := s.channel.Sync()
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	floor := s.runStart
	s.mu.Unlock()
	if floor > len(entries) {
		floor = len(entries)
	}

	state := s.loadState()

	start := floor
	if cur, ok := state.ReadCursors[agent]; ok && cur != "" {
		// Drop everything up to and including the acked id. A stale id
		// (not in the channel) keeps all entries.
		if idx := s.channel.indexOf(cur); idx >= floor {
			start = idx + 1
		}
	}

	seenIdx := -1
	if cur, ok := state.SeenCursors[agent]; ok && cur != "" {
		seenIdx = s.channel.indexOf(cur)
	}

	var items []InboxItem
	for i := start; i < len(entries); i++ {
		m := entries[i]
		if !m.VisibleTo(agent) || m.EffectiveKind() == KindToolCall || m.From == agent {
			continue
		}
		mentioned := false
		for _, name := range m.Mentions {
			if name == agent {
				mentioned = true
				break
			}
		}
		if !mentioned && m.To != agent {
			continue
		}
		priority := PriorityNormal
		if isHighPriority(m) {
			priority = PriorityHigh
		}
		items = append(items, InboxItem{
			Message:  m,
			Priority: priority,
			Seen:     seenIdx >= 0 && i <= seenIdx,
		})
	}
	return items, nil
}

// Ack advances the read cursor to untilID. Idempotent.
func (s *InboxStore) Ack(agent, untilID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	state := s.loadState()
	state.ReadCursors[agent] = untilID
	return s.saveState(state)
}

// MarkSeen advances the seen cursor to untilID without acknowledging.
// Idempotent; never auto-acks.
func (s *InboxStore) MarkSeen(agent, untilID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	state := s.loadState()
	state.SeenCursors[agent] = untilID
	return s.saveState(state)
}

// ReadCursor returns the persisted ack cursor for an agent, if any.
func (s *InboxStore) ReadCursor(agent string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	state := s.loadState()
	cur, ok := state.ReadCursors[agent]
	return cur, ok && cur != ""
}

// Destroy deletes the persisted cursors. Ephemeral workspaces call this on
// shutdown; the channel and documents are always preserved.
func (s *InboxStore) Destroy() error {
	if err := s.store.Delete(inboxKey); err != nil && !errors.Is(err, protocol.ErrNotFound) {
		return err
	}
	return nil
}
