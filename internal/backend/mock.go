package backend

import (
	"context"
	"fmt"
	"sync"

	"github.com/agentworker/agentworker/pkg/protocol"
)

// MockBackend scripts replies for tests and dry runs. Replies are consumed
// in order; when the script runs out the default reply repeats. Scripted
// errors exercise the loop's retry path.
type MockBackend struct {
	mu       sync.Mutex
	script   []MockReply
	next     int
	calls    []string
	Default  string
	OnSend   func(prompt string, opts SendOptions)
	aborted  bool
}

// MockReply is one scripted turn.
type MockReply struct {
	Content   string
	ToolCalls []ToolCallRecord
	Err       error
}

// NewMockBackend returns a mock that replies "ok" until scripted otherwise.
func NewMockBackend() *MockBackend {
	return &MockBackend{Default: "ok"}
}

func (b *MockBackend) Name() string { return "mock" }

// Reply queues scripted replies.
func (b *MockBackend) Reply(contents ...string) *MockBackend {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, c := range contents {
		b.script = append(b.script, MockReply{Content: c})
	}
	return b
}

// ReplyWith queues fully specified turns.
func (b *MockBackend) ReplyWith(replies ...MockReply) *MockBackend {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.script = append(b.script, replies...)
	return b
}

// Fail queues n failing turns.
func (b *MockBackend) Fail(n int) *MockBackend {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i := 0; i < n; i++ {
		b.script = append(b.script, MockReply{Err: fmt.Errorf("scripted failure: %w", protocol.ErrBackendFailure)})
	}
	return b
}

// Calls returns the prompts seen so far.
func (b *MockBackend) Calls() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, len(b.calls))
	copy(out, b.calls)
	return out
}

// Abort records the abort for assertions.
func (b *MockBackend) Abort() {
	b.mu.Lock()
	b.aborted = true
	b.mu.Unlock()
}

// Aborted reports whether Abort was called.
func (b *MockBackend) Aborted() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.aborted
}

func (b *MockBackend) Send(ctx context.Context, prompt string, opts SendOptions) (*Response, error) {
	if b.OnSend != nil {
		b.OnSend(prompt, opts)
	}
	b.mu.Lock()
	b.calls = append(b.calls, prompt)
	var reply MockReply
	if b.next < len(b.script) {
		reply = b.script[b.next]
		b.next++
	} else {
		reply = MockReply{Content: b.Default}
	}
	b.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if reply.Err != nil {
		return nil, reply.Err
	}
	return &Response{
		Content:   reply.Content,
		ToolCalls: reply.ToolCalls,
		Usage:     Usage{InputTokens: len(prompt) / 4},
	}, nil
}
