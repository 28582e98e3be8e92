package team

import (
	"fmt"
	"sync"
	"testing"

	"github.com/agentworker/agentworker/internal/storage"
)

func newTestChannel(t *testing.T, agents ...string) *ChannelStore {
	t.Helper()
	if agents == nil {
		agents = []string{"alice", "bob"}
	}
	return NewChannelStore(storage.NewMemoryStorage(), NewRoster(agents...))
}

func TestChannelAppendReadConsistency(t *testing.T) {
	c := newTestChannel(t)

	appended := make(map[string]bool)
	for i := 0; i < 20; i++ {
		msg, err := c.Append("user", fmt.Sprintf("message %d @alice", i))
		if err != nil {
			t.Fatalf("Append: %v", err)
		}
		if appended[msg.ID] {
			t.Fatalf("duplicate id %s", msg.ID)
		}
		appended[msg.ID] = true
	}

	entries, err := c.Read(ReadOptions{})
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if len(entries) != 20 {
		t.Fatalf("Read returned %d entries, want 20", len(entries))
	}
	for i, m := range entries {
		if m.Content != fmt.Sprintf("message %d @alice", i) {
			t.Errorf("entry %d content = %q, out of order", i, m.Content)
		}
		if !appended[m.ID] {
			t.Errorf("entry %d id %s was never appended", i, m.ID)
		}
	}
}

func TestChannelAppendExtractsMentions(t *testing.T) {
	c := newTestChannel(t)
	msg, err := c.Append("user", "@alice talk to @bob but not @mallory")
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	if len(msg.Mentions) != 2 || msg.Mentions[0] != "alice" || msg.Mentions[1] != "bob" {
		t.Errorf("Mentions = %v, want [alice bob]", msg.Mentions)
	}
}

func TestChannelReadVisibility(t *testing.T) {
	c := newTestChannel(t)
	c.Append("user", "public")
	c.Append("system", "hidden sys", WithKind(KindSystem))
	c.Append("user", "hidden debug", WithKind(KindDebug))
	c.Append("alice", "dm for bob", WithTo("bob"))

	got, err := c.Read(ReadOptions{Agent: "bob"})
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("bob sees %d entries, want 2", len(got))
	}
	if got[0].Content != "public" || got[1].Content != "dm for bob" {
		t.Errorf("bob sees %q and %q", got[0].Content, got[1].Content)
	}

	// third party never sees the DM
	got, _ = c.Read(ReadOptions{Agent: "carol"})
	if len(got) != 1 || got[0].Content != "public" {
		t.Errorf("carol sees %d entries, want only the public one", len(got))
	}
}

func TestChannelReadLimit(t *testing.T) {
	c := newTestChannel(t)
	for i := 0; i < 10; i++ {
		c.Append("user", fmt.Sprintf("m%d", i))
	}
	got, err := c.Read(ReadOptions{Limit: 3})
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("Read limit 3 returned %d", len(got))
	}
	if got[0].Content != "m7" || got[2].Content != "m9" {
		t.Errorf("limit keeps %q..%q, want the last three", got[0].Content, got[2].Content)
	}
}

func TestChannelTailCursor(t *testing.T) {
	c := newTestChannel(t)
	c.Append("user", "a")
	c.Append("user", "b")

	entries, cursor, err := c.Tail(0)
	if err != nil {
		t.Fatalf("Tail: %v", err)
	}
	if len(entries) != 2 || cursor != 2 {
		t.Fatalf("Tail(0) = %d entries cursor %d, want 2 and 2", len(entries), cursor)
	}

	c.Append("user", "c")
	entries, cursor, _ = c.Tail(cursor)
	if len(entries) != 1 || entries[0].Content != "c" || cursor != 3 {
		t.Errorf("Tail(2) = %d entries cursor %d, want just c", len(entries), cursor)
	}

	// cursor past the end clamps
	entries, cursor, _ = c.Tail(99)
	if len(entries) != 0 || cursor != 3 {
		t.Errorf("Tail(99) = %d entries cursor %d, want empty at 3", len(entries), cursor)
	}
}

func TestChannelSyncSkipsMalformedLines(t *testing.T) {
	store := storage.NewMemoryStorage()
	store.Append("channel.jsonl", "garbage line\n")
	c := NewChannelStore(store, NewRoster("alice"))

	if _, err := c.Append("user", "@alice hi"); err != nil {
		t.Fatalf("Append: %v", err)
	}
	entries, err := c.Sync()
	if err != nil {
		t.Fatalf("Sync: %v", err)
	}
	if len(entries) != 1 || entries[0].Content != "@alice hi" {
		t.Fatalf("Sync = %d entries, want the one valid message", len(entries))
	}
}

func TestChannelSyncLeavesPartialTail(t *testing.T) {
	store := storage.NewMemoryStorage()
	c := NewChannelStore(store, NewRoster("alice"))
	c.Append("user", "first")

	// a writer died mid-line; the partial tail must not be consumed
	store.Append("channel.jsonl", `{"id":"x","from":"user","content":"partial`)
	entries, err := c.Sync()
	if err != nil {
		t.Fatalf("Sync: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("Sync with partial tail = %d entries, want 1", len(entries))
	}

	// once the line completes it is picked up
	store.Append("channel.jsonl", "\"}\n")
	entries, _ = c.Sync()
	if len(entries) != 2 || entries[1].Content != "partial" {
		t.Errorf("Sync after completion = %d entries, want 2 with the completed line", len(entries))
	}
}

func TestChannelConcurrentAppends(t *testing.T) {
	c := newTestChannel(t)
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			for j := 0; j < 25; j++ {
				if _, err := c.Append("user", fmt.Sprintf("w%d-%d", n, j)); err != nil {
					t.Errorf("Append: %v", err)
				}
			}
		}(i)
	}
	wg.Wait()

	entries, err := c.Sync()
	if err != nil {
		t.Fatalf("Sync: %v", err)
	}
	if len(entries) != 200 {
		t.Fatalf("got %d entries, want 200 (no interleaved lines)", len(entries))
	}
	ids := make(map[string]bool, len(entries))
	for _, m := range entries {
		if ids[m.ID] {
			t.Fatalf("duplicate id %s", m.ID)
		}
		ids[m.ID] = true
	}
}
