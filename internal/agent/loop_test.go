package agent

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/agentworker/agentworker/internal/backend"
	"github.com/agentworker/agentworker/internal/collab"
	"github.com/agentworker/agentworker/internal/storage"
	"github.com/agentworker/agentworker/internal/team"
)

type loopFixture struct {
	provider *team.Provider
	backend  *backend.MockBackend
	loop     *Loop
	results  chan RunResult
}

func newLoopFixture(t *testing.T, name string, teammates ...string) *loopFixture {
	t.Helper()
	newTestHome(t)
	agents := append([]string{name}, teammates...)
	provider := team.NewProvider(storage.NewMemoryStorage(), agents)
	mock := backend.NewMockBackend()
	reg := NewRegistry()
	handle, err := reg.RegisterEphemeral(&Definition{Name: name, Backend: "mock"})
	if err != nil {
		t.Fatal(err)
	}
	results := make(chan RunResult, 16)
	loop := NewLoop(LoopConfig{
		Handle:        handle,
		Provider:      provider,
		Backend:       mock,
		Tools:         collab.NewRegistry(provider),
		PollInterval:  20 * time.Millisecond,
		Retry:         RetryConfig{MaxAttempts: 3, Backoff: time.Millisecond, Multiplier: 2},
		OnRunComplete: func(r RunResult) { results <- r },
	})
	t.Cleanup(loop.Stop)
	return &loopFixture{provider: provider, backend: mock, loop: loop, results: results}
}

func (f *loopFixture) waitResult(t *testing.T) RunResult {
	t.Helper()
	select {
	case r := <-f.results:
		return r
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for run result")
		return RunResult{}
	}
}

func TestSendDirectSuccess(t *testing.T) {
	f := newLoopFixture(t, "writer")
	f.backend.Reply("draft is ready")

	result, err := f.loop.SendDirect(context.Background(), "please draft the intro")
	if err != nil {
		t.Fatal(err)
	}
	if !result.Success || result.Content != "draft is ready" {
		t.Fatalf("result = %+v", result)
	}

	// The user message got the mention prepended and landed in the channel.
	msgs, err := f.provider.Channel.Read(team.ReadOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 2 {
		t.Fatalf("channel = %+v", msgs)
	}
	if msgs[0].From != "user" || !strings.HasPrefix(msgs[0].Content, "@writer ") {
		t.Fatalf("user message = %+v", msgs[0])
	}
	if msgs[1].From != "writer" || msgs[1].Content != "draft is ready" {
		t.Fatalf("reply = %+v", msgs[1])
	}

	// Inbox acked.
	items, err := f.provider.Inbox.GetInbox("writer")
	if err != nil {
		t.Fatal(err)
	}
	if len(items) != 0 {
		t.Fatalf("inbox not acked: %+v", items)
	}

	// Conversation logged both sides.
	thread := f.loop.handle.Conversation.Thread()
	if len(thread) != 2 || thread[0].Role != "user" || thread[1].Role != "assistant" {
		t.Fatalf("thread = %+v", thread)
	}
}

func TestSendDirectMentionIsTokenExact(t *testing.T) {
	f := newLoopFixture(t, "bob")
	f.backend.Reply("sure")

	// "@bobtail" and "user@bobmail.com" contain "@bob" as a substring but
	// mention nobody on the roster, so the mention must still be prepended.
	result, err := f.loop.SendDirect(context.Background(), "@bobtail please review user@bobmail.com")
	if err != nil {
		t.Fatal(err)
	}
	if !result.Success || result.Content != "sure" {
		t.Fatalf("result = %+v", result)
	}

	msgs, err := f.provider.Channel.Read(team.ReadOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 2 || !strings.HasPrefix(msgs[0].Content, "@bob ") {
		t.Fatalf("channel = %+v", msgs)
	}
	if items, _ := f.provider.Inbox.GetInbox("bob"); len(items) != 0 {
		t.Fatalf("inbox not acked: %+v", items)
	}

	// A real mention anywhere in the message keeps it untouched.
	if _, err := f.loop.SendDirect(context.Background(), "ping @bob again"); err != nil {
		t.Fatal(err)
	}
	msgs, err = f.provider.Channel.Read(team.ReadOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if got := msgs[2].Content; got != "ping @bob again" {
		t.Fatalf("mentioned message rewritten: %q", got)
	}
}

func TestExecuteTurnEmptyInbox(t *testing.T) {
	f := newLoopFixture(t, "writer")
	f.backend.Reply("idle chatter")

	result := f.loop.executeTurn(context.Background(), nil)
	if !result.Success || result.Content != "idle chatter" {
		t.Fatalf("result = %+v", result)
	}
	// Nothing to ack, nothing user-side to log.
	if len(f.loop.handle.Conversation.Thread()) != 1 {
		t.Fatalf("thread = %+v", f.loop.handle.Conversation.Thread())
	}
}

func TestDirectSendSerializesWithPollTurn(t *testing.T) {
	f := newLoopFixture(t, "writer")
	entered := make(chan struct{})
	release := make(chan struct{})
	f.backend.OnSend = func(string, backend.SendOptions) {
		entered <- struct{}{}
		<-release
	}
	f.loop.Start()

	if _, err := f.provider.Channel.Append("user", "@writer first task"); err != nil {
		t.Fatal(err)
	}
	f.loop.Wake()
	<-entered // poll turn is inside the backend

	directDone := make(chan *DirectResult, 1)
	go func() {
		res, err := f.loop.SendDirect(context.Background(), "second task")
		if err != nil {
			t.Error(err)
		}
		directDone <- res
	}()

	// The direct send must queue behind the in-flight poll turn.
	select {
	case <-entered:
		t.Fatal("second backend call started while the first was in flight")
	case <-time.After(50 * time.Millisecond):
	}
	release <- struct{}{}

	<-entered // now the direct-send turn
	release <- struct{}{}

	res := <-directDone
	if res == nil || !res.Success {
		t.Fatalf("direct result = %+v", res)
	}
	if calls := f.backend.Calls(); len(calls) != 2 {
		t.Fatalf("backend calls = %d, want 2", len(calls))
	}

	// Strict channel order: each turn's user message precedes its reply.
	msgs, err := f.provider.Channel.Read(team.ReadOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 4 {
		t.Fatalf("channel = %+v", msgs)
	}
	if msgs[0].From != "user" || msgs[1].From != "writer" ||
		msgs[2].From != "user" || msgs[3].From != "writer" {
		t.Fatalf("interleaved channel: %+v", msgs)
	}
	if !strings.Contains(msgs[2].Content, "second task") {
		t.Fatalf("direct message out of order: %+v", msgs)
	}
}

func TestFailedTurnDoesNotAck(t *testing.T) {
	f := newLoopFixture(t, "writer")
	f.backend.Fail(3)

	result, err := f.loop.SendDirect(context.Background(), "do a thing")
	if err != nil {
		t.Fatal(err)
	}
	if result.Success || result.Err == nil {
		t.Fatalf("result = %+v", result)
	}
	if calls := f.backend.Calls(); len(calls) != 3 {
		t.Fatalf("attempts = %d, want 3", len(calls))
	}
	// Retry prompts carry the retry notice.
	if calls := f.backend.Calls(); !strings.Contains(calls[1], "attempt 2 of 3") {
		t.Fatalf("second prompt missing retry notice: %q", calls[1])
	}

	items, err := f.provider.Inbox.GetInbox("writer")
	if err != nil {
		t.Fatal(err)
	}
	if len(items) != 1 {
		t.Fatalf("inbox must survive failure, got %+v", items)
	}
	hasFailures, lastError := f.loop.LastError()
	if !hasFailures || lastError == "" {
		t.Fatalf("failure not recorded: %v %q", hasFailures, lastError)
	}
	if len(f.loop.handle.Conversation.Thread()) != 0 {
		t.Fatal("conversation must not log failed turns")
	}
}

func TestRetryRecoversOnSecondAttempt(t *testing.T) {
	f := newLoopFixture(t, "writer")
	f.backend.Fail(1)
	f.backend.Reply("recovered")

	result, err := f.loop.SendDirect(context.Background(), "try again")
	if err != nil {
		t.Fatal(err)
	}
	if !result.Success || result.Content != "recovered" {
		t.Fatalf("result = %+v", result)
	}
	if items, _ := f.provider.Inbox.GetInbox("writer"); len(items) != 0 {
		t.Fatalf("inbox not acked after recovery: %+v", items)
	}
}

func TestReplySkippedWhenBackendUsedChannelSend(t *testing.T) {
	f := newLoopFixture(t, "writer")
	f.backend.ReplyWith(backend.MockReply{
		Content:   "posted via tool",
		ToolCalls: []backend.ToolCallRecord{{Name: "channel_send"}},
	})

	if _, err := f.loop.SendDirect(context.Background(), "announce it"); err != nil {
		t.Fatal(err)
	}
	msgs, err := f.provider.Channel.Read(team.ReadOptions{})
	if err != nil {
		t.Fatal(err)
	}
	// Only the user message; the assistant text is not double-posted.
	if len(msgs) != 1 {
		t.Fatalf("channel = %+v", msgs)
	}
}

func TestPollWakeProcessesInbox(t *testing.T) {
	f := newLoopFixture(t, "writer")
	f.backend.Reply("on it")
	f.loop.Start()

	if _, err := f.provider.Channel.Append("user", "@writer new task"); err != nil {
		t.Fatal(err)
	}
	f.loop.Wake()

	result := f.waitResult(t)
	if !result.Success || result.Agent != "writer" {
		t.Fatalf("result = %+v", result)
	}
	if items, _ := f.provider.Inbox.GetInbox("writer"); len(items) != 0 {
		t.Fatalf("inbox not drained: %+v", items)
	}
	if f.loop.State() != team.StateIdle {
		t.Fatalf("state = %s", f.loop.State())
	}
}

func TestStopWithoutStartAndStateTransitions(t *testing.T) {
	f := newLoopFixture(t, "writer")
	if f.loop.State() != team.StateStopped {
		t.Fatalf("initial state = %s", f.loop.State())
	}
	f.loop.Start()
	if f.loop.State() != team.StateIdle {
		t.Fatalf("started state = %s", f.loop.State())
	}
	f.loop.Stop()
	if f.loop.State() != team.StateStopped {
		t.Fatalf("stopped state = %s", f.loop.State())
	}
	if st, ok := f.provider.Status.Get("writer"); !ok || st.State != team.StateStopped {
		t.Fatalf("published status = %+v ok=%v", st, ok)
	}
}

func TestTwoAgentPing(t *testing.T) {
	newTestHome(t)
	provider := team.NewProvider(storage.NewMemoryStorage(), []string{"alice", "bob"})
	reg := NewRegistry()
	tools := collab.NewRegistry(provider)

	mkLoop := func(name string, mock *backend.MockBackend, results chan RunResult) *Loop {
		handle, err := reg.RegisterEphemeral(&Definition{Name: name})
		if err != nil {
			t.Fatal(err)
		}
		loop := NewLoop(LoopConfig{
			Handle:        handle,
			Provider:      provider,
			Backend:       mock,
			Tools:         tools,
			PollInterval:  20 * time.Millisecond,
			Retry:         RetryConfig{MaxAttempts: 1, Backoff: time.Millisecond, Multiplier: 2},
			OnRunComplete: func(r RunResult) { results <- r },
		})
		t.Cleanup(loop.Stop)
		loop.Start()
		return loop
	}

	aliceResults := make(chan RunResult, 4)
	bobResults := make(chan RunResult, 4)
	aliceMock := backend.NewMockBackend().Reply("@bob ping")
	bobMock := backend.NewMockBackend().Reply("pong, thanks @alice")
	mkLoop("alice", aliceMock, aliceResults)
	mkLoop("bob", bobMock, bobResults)

	if _, err := provider.Channel.Append("user", "@alice say hi to bob"); err != nil {
		t.Fatal(err)
	}

	wait := func(ch chan RunResult) RunResult {
		select {
		case r := <-ch:
			return r
		case <-time.After(5 * time.Second):
			t.Fatal("timed out waiting for agent turn")
			return RunResult{}
		}
	}
	if r := wait(aliceResults); !r.Success {
		t.Fatalf("alice turn = %+v", r)
	}
	if r := wait(bobResults); !r.Success {
		t.Fatalf("bob turn = %+v", r)
	}

	msgs, err := provider.Channel.Read(team.ReadOptions{})
	if err != nil {
		t.Fatal(err)
	}
	var sawPing, sawPong bool
	for _, m := range msgs {
		if m.From == "alice" && strings.Contains(m.Content, "@bob ping") {
			sawPing = true
		}
		if m.From == "bob" && strings.Contains(m.Content, "pong") {
			sawPong = true
		}
	}
	if !sawPing || !sawPong {
		t.Fatalf("ping/pong missing from channel: %+v", msgs)
	}
}
