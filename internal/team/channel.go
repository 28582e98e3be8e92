package team

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/agentworker/agentworker/internal/storage"
)

const channelKey = "channel.jsonl"

// AppendOption customizes a channel append.
type AppendOption func(*Message)

// WithTo marks the message as a direct message to one agent.
func WithTo(to string) AppendOption {
	return func(m *Message) { m.To = to }
}

// WithKind overrides the default message kind.
func WithKind(kind Kind) AppendOption {
	return func(m *Message) { m.Kind = kind }
}

// ReadOptions filter a channel read.
type ReadOptions struct {
	// Agent applies the per-agent visibility rules when set.
	Agent string
	// Since keeps only entries strictly after this time.
	Since time.Time
	// Limit keeps only the last N entries after filtering.
	Limit int
}

// ChannelStore is the append-only message log shared by one workflow's
// agents. Appends are serialized by a mutex so each JSONL line lands
// atomically; reads go through an incremental byte-offset sync shared by
// concurrent callers.
type ChannelStore struct {
	store  storage.Storage
	roster *Roster

	appendMu sync.Mutex

	mu      sync.Mutex // guards entries, index, offset
	entries []Message
	index   map[string]int // id -> position in entries
	offset  int64

	group singleflight.Group
}

// NewChannelStore builds a channel over the given storage. Existing content
// is picked up lazily by the first Sync.
func NewChannelStore(store storage.Storage, roster *Roster) *ChannelStore {
	return &ChannelStore{
		store:  store,
		roster: roster,
		index:  make(map[string]int),
	}
}

// Append assigns an id and timestamp, extracts mentions against the roster,
// and writes one JSONL line. Safe for concurrent use.
func (c *ChannelStore) Append(from, content string, opts ...AppendOption) (Message, error) {
	msg := Message{
		ID:        uuid.NewString(),
		Timestamp: time.Now().UTC(),
		From:      from,
		Content:   content,
		Mentions:  ExtractMentions(content, c.roster.Names()),
	}
	for _, opt := range opts {
		opt(&msg)
	}

	line, err := json.Marshal(msg)
	if err != nil {
		return Message{}, fmt.Errorf("encode message: %w", err)
	}

	c.appendMu.Lock()
	err = c.store.Append(channelKey, string(line)+"\n")
	c.appendMu.Unlock()
	if err != nil {
		return Message{}, fmt.Errorf("append channel: %w", err)
	}
	return msg, nil
}

// Sync reads any new bytes past the last offset, extends the cached entry
// list, and returns it. Concurrent callers share a single in-flight sync.
// The returned slice must not be mutated.
func (c *ChannelStore) Sync() ([]Message, error) {
	v, err, _ := c.group.Do("sync", func() (interface{}, error) {
		c.mu.Lock()
		defer c.mu.Unlock()

		content, _, err := c.store.ReadFrom(channelKey, c.offset)
		if err != nil {
			return nil, err
		}
		if content != "" {
			// Only consume whole lines; a partial tail is left for the
			// next sync so a mid-line append is never misparsed.
			cut := strings.LastIndexByte(content, '\n')
			if cut >= 0 {
				consumed := content[:cut+1]
				for _, m := range decodeLines(consumed) {
					c.index[m.ID] = len(c.entries)
					c.entries = append(c.entries, m)
				}
				c.offset += int64(len(consumed))
			}
		}
		return c.entries, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]Message), nil
}

// Read returns channel entries after filtering. With opts.Agent set the
// per-agent visibility rules apply.
func (c *ChannelStore) Read(opts ReadOptions) ([]Message, error) {
	entries, err := c.Sync()
	if err != nil {
		return nil, err
	}
	var out []Message
	for _, m := range entries {
		if opts.Agent != "" && !m.VisibleTo(opts.Agent) {
			continue
		}
		if !opts.Since.IsZero() && !m.Timestamp.After(opts.Since) {
			continue
		}
		out = append(out, m)
	}
	if opts.Limit > 0 && len(out) > opts.Limit {
		out = out[len(out)-opts.Limit:]
	}
	return out, nil
}

// Tail returns entries past the given cursor plus the new cursor (the
// current length). Collaboration clients poll with it.
func (c *ChannelStore) Tail(cursor int) ([]Message, int, error) {
	entries, err := c.Sync()
	if err != nil {
		return nil, cursor, err
	}
	if cursor < 0 {
		cursor = 0
	}
	if cursor > len(entries) {
		cursor = len(entries)
	}
	return entries[cursor:], len(entries), nil
}

// Len returns the current entry count after a sync.
func (c *ChannelStore) Len() (int, error) {
	entries, err := c.Sync()
	if err != nil {
		return 0, err
	}
	return len(entries), nil
}

// indexOf returns the position of a message id, or -1.
func (c *ChannelStore) indexOf(id string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if i, ok := c.index[id]; ok {
		return i
	}
	return -1
}
