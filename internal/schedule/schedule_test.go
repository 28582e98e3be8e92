package schedule

import (
	"errors"
	"testing"
	"time"

	"github.com/agentworker/agentworker/pkg/protocol"
)

func TestAddRejectsBadExpression(t *testing.T) {
	s := NewScheduler()
	if err := s.Add("alice", "not cron", func() {}); !errors.Is(err, protocol.ErrInvalid) {
		t.Fatalf("bad expression: %v", err)
	}
	if err := s.Add("alice", "*/5 * * * *", func() {}); err != nil {
		t.Fatalf("valid expression: %v", err)
	}
}

func TestFireDue(t *testing.T) {
	s := NewScheduler()
	fired := make(map[string]int)
	if err := s.Add("minutely", "* * * * *", func() { fired["minutely"]++ }); err != nil {
		t.Fatal(err)
	}
	if err := s.Add("midnight", "0 0 * * *", func() { fired["midnight"]++ }); err != nil {
		t.Fatal(err)
	}

	noon := time.Date(2026, 3, 14, 12, 30, 0, 0, time.UTC)
	s.fireDue(noon)
	if fired["minutely"] != 1 || fired["midnight"] != 0 {
		t.Fatalf("fired = %v", fired)
	}

	s.Remove("minutely")
	s.fireDue(noon.Add(time.Minute))
	if fired["minutely"] != 1 {
		t.Fatalf("removed entry still fired: %v", fired)
	}
}

func TestStopWithoutStart(t *testing.T) {
	s := NewScheduler()
	done := make(chan struct{})
	go func() {
		s.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Stop blocked without Start")
	}
}

func TestStartStop(t *testing.T) {
	s := NewScheduler()
	s.Start()
	s.Start() // idempotent
	s.Stop()
	s.Stop() // also idempotent
}
