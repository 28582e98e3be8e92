package team

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/agentworker/agentworker/internal/storage"
	"github.com/agentworker/agentworker/pkg/protocol"
)

const timelineKey = "timeline.jsonl"

// TimelineStore is an append-only event log sharing the channel's Message
// schema, so merged views need no translation. Loop lifecycle events land
// here.
type TimelineStore struct {
	store storage.Storage
	mu    sync.Mutex
}

// NewTimelineStore wraps storage with the timeline log.
func NewTimelineStore(store storage.Storage) *TimelineStore {
	return &TimelineStore{store: store}
}

// Append records one event.
func (t *TimelineStore) Append(from, content string, kind Kind) (Message, error) {
	msg := Message{
		ID:        uuid.NewString(),
		Timestamp: time.Now().UTC(),
		From:      from,
		Content:   content,
		Kind:      kind,
	}
	line, err := json.Marshal(msg)
	if err != nil {
		return Message{}, fmt.Errorf("encode timeline event: %w", err)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.store.Append(timelineKey, string(line)+"\n"); err != nil {
		return Message{}, fmt.Errorf("append timeline: %w", err)
	}
	return msg, nil
}

// Read returns all events, skipping malformed lines.
func (t *TimelineStore) Read() ([]Message, error) {
	content, err := t.store.Read(timelineKey)
	if err != nil {
		if errors.Is(err, protocol.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return decodeLines(content), nil
}
