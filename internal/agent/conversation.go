package agent

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/agentworker/agentworker/internal/storage"
)

// conversationKey is the JSONL log inside an agent's context tree.
const conversationKey = "conversations/personal.jsonl"

// ThinThreadSize bounds the in-memory conversation tail carried into
// prompts.
const ThinThreadSize = 10

// ConversationMessage is one logged turn.
type ConversationMessage struct {
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// ConversationLog appends turns to the agent's personal JSONL log and keeps
// the bounded thin thread in memory. The thread is restored lazily from the
// log tail, so a restarted daemon picks up where the agent left off.
type ConversationLog struct {
	store storage.Storage

	mu       sync.Mutex
	thread   []ConversationMessage
	restored bool
}

// NewConversationLog wraps the agent's context storage. A nil store keeps
// the thread purely in memory (ephemeral agents).
func NewConversationLog(store storage.Storage) *ConversationLog {
	return &ConversationLog{store: store}
}

// Append logs one turn and pushes it onto the thin thread.
func (l *ConversationLog) Append(role, content string) error {
	msg := ConversationMessage{Role: role, Content: content, Timestamp: time.Now().UTC()}

	l.mu.Lock()
	defer l.mu.Unlock()
	l.restoreLocked()
	l.pushLocked(msg)

	if l.store == nil {
		return nil
	}
	line, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("conversation append: %w", err)
	}
	if err := l.store.Append(conversationKey, string(line)+"\n"); err != nil {
		return fmt.Errorf("conversation append: %w", err)
	}
	return nil
}

// Thread returns the thin thread, oldest first.
func (l *ConversationLog) Thread() []ConversationMessage {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.restoreLocked()
	out := make([]ConversationMessage, len(l.thread))
	copy(out, l.thread)
	return out
}

func (l *ConversationLog) pushLocked(msg ConversationMessage) {
	l.thread = append(l.thread, msg)
	if len(l.thread) > ThinThreadSize {
		l.thread = l.thread[len(l.thread)-ThinThreadSize:]
	}
}

// restoreLocked loads the last ThinThreadSize turns from the log once.
// Malformed lines are skipped, same as the channel reader.
func (l *ConversationLog) restoreLocked() {
	if l.restored {
		return
	}
	l.restored = true
	if l.store == nil {
		return
	}
	content, err := l.store.Read(conversationKey)
	if err != nil || content == "" {
		return
	}
	lines := strings.Split(strings.TrimRight(content, "\n"), "\n")
	if len(lines) > ThinThreadSize {
		lines = lines[len(lines)-ThinThreadSize:]
	}
	for _, line := range lines {
		if strings.TrimSpace(line) == "" {
			continue
		}
		var msg ConversationMessage
		if err := json.Unmarshal([]byte(line), &msg); err != nil {
			continue
		}
		l.thread = append(l.thread, msg)
	}
}
