package agent

import (
	"fmt"
	"strings"
	"testing"

	"github.com/agentworker/agentworker/internal/storage"
)

func TestConversationLogAppendAndThread(t *testing.T) {
	store, err := storage.NewFileStorage(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	log := NewConversationLog(store)

	if err := log.Append("user", "hello"); err != nil {
		t.Fatal(err)
	}
	if err := log.Append("assistant", "hi there"); err != nil {
		t.Fatal(err)
	}

	thread := log.Thread()
	if len(thread) != 2 || thread[0].Role != "user" || thread[1].Content != "hi there" {
		t.Fatalf("thread = %+v", thread)
	}

	content, err := store.Read(conversationKey)
	if err != nil {
		t.Fatal(err)
	}
	if strings.Count(content, "\n") != 2 {
		t.Fatalf("want 2 JSONL lines, got %q", content)
	}
}

func TestThinThreadBounded(t *testing.T) {
	log := NewConversationLog(nil)
	for i := 0; i < ThinThreadSize*3; i++ {
		if err := log.Append("assistant", fmt.Sprintf("turn %d", i)); err != nil {
			t.Fatal(err)
		}
	}
	thread := log.Thread()
	if len(thread) != ThinThreadSize {
		t.Fatalf("thread len = %d, want %d", len(thread), ThinThreadSize)
	}
	if thread[len(thread)-1].Content != fmt.Sprintf("turn %d", ThinThreadSize*3-1) {
		t.Fatalf("tail = %+v", thread[len(thread)-1])
	}
}

func TestThinThreadRestoredFromLogTail(t *testing.T) {
	dir := t.TempDir()
	store, err := storage.NewFileStorage(dir)
	if err != nil {
		t.Fatal(err)
	}
	first := NewConversationLog(store)
	for i := 0; i < 25; i++ {
		if err := first.Append("assistant", fmt.Sprintf("turn %d", i)); err != nil {
			t.Fatal(err)
		}
	}

	// A fresh log over the same storage restores only the tail.
	second := NewConversationLog(store)
	thread := second.Thread()
	if len(thread) != ThinThreadSize {
		t.Fatalf("restored len = %d, want %d", len(thread), ThinThreadSize)
	}
	if thread[0].Content != "turn 15" || thread[len(thread)-1].Content != "turn 24" {
		t.Fatalf("restored window wrong: first %q last %q", thread[0].Content, thread[len(thread)-1].Content)
	}
}

func TestConversationRestoreSkipsMalformedLines(t *testing.T) {
	store, err := storage.NewFileStorage(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	if err := store.Append(conversationKey, `{"role":"user","content":"ok"}`+"\n"); err != nil {
		t.Fatal(err)
	}
	if err := store.Append(conversationKey, "not json\n"); err != nil {
		t.Fatal(err)
	}
	log := NewConversationLog(store)
	thread := log.Thread()
	if len(thread) != 1 || thread[0].Content != "ok" {
		t.Fatalf("thread = %+v", thread)
	}
}
