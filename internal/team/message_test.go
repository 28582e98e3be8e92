package team

import (
	"reflect"
	"testing"
	"time"
)

func TestExtractMentions(t *testing.T) {
	valid := []string{"alice", "bob", "carol"}
	tests := []struct {
		name    string
		content string
		want    []string
	}{
		{"single", "@alice please review", []string{"alice"}},
		{"two in order", "@bob then @alice", []string{"bob", "alice"}},
		{"duplicates dropped", "@alice and @alice again", []string{"alice"}},
		{"unknown name ignored", "@mallory @bob", []string{"bob"}},
		{"case sensitive", "@Alice @alice", []string{"alice"}},
		{"no mentions", "nothing here", nil},
		{"mid word not matched", "mail@alice.example stays", []string{"alice"}},
		{"hyphen and underscore", "@carol ok", []string{"carol"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ExtractMentions(tt.content, valid)
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("ExtractMentions(%q) = %v, want %v", tt.content, got, tt.want)
			}
		})
	}
}

func TestVisibleTo(t *testing.T) {
	tests := []struct {
		name  string
		msg   Message
		agent string
		want  bool
	}{
		{"public message", Message{From: "alice", Content: "hi"}, "bob", true},
		{"system hidden", Message{From: "system", Kind: KindSystem}, "bob", false},
		{"debug hidden", Message{From: "user", Kind: KindDebug}, "bob", false},
		{"output hidden", Message{From: "alice", Kind: KindOutput}, "bob", false},
		{"log visible", Message{From: "alice", Kind: KindLog}, "bob", true},
		{"tool_call visible in channel", Message{From: "alice", Kind: KindToolCall}, "bob", true},
		{"dm to recipient", Message{From: "alice", To: "bob"}, "bob", true},
		{"dm to sender", Message{From: "alice", To: "bob"}, "alice", true},
		{"dm hidden from third party", Message{From: "alice", To: "bob"}, "carol", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.msg.VisibleTo(tt.agent); got != tt.want {
				t.Errorf("VisibleTo(%q) = %v, want %v", tt.agent, got, tt.want)
			}
		})
	}
}

func TestIsHighPriority(t *testing.T) {
	tests := []struct {
		name string
		msg  Message
		want bool
	}{
		{"single mention plain", Message{Content: "@alice hello", Mentions: []string{"alice"}}, false},
		{"two mentions", Message{Content: "@alice @bob", Mentions: []string{"alice", "bob"}}, true},
		{"urgent keyword", Message{Content: "this is URGENT", Mentions: []string{"alice"}}, true},
		{"asap keyword", Message{Content: "need this asap please", Mentions: nil}, true},
		{"blocked keyword", Message{Content: "I am blocked on review"}, true},
		{"critical keyword", Message{Content: "Critical failure"}, true},
		{"keyword inside word", Message{Content: "unblockedly weird"}, false},
		{"plain", Message{Content: "all good"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := isHighPriority(tt.msg); got != tt.want {
				t.Errorf("isHighPriority(%q) = %v, want %v", tt.msg.Content, got, tt.want)
			}
		})
	}
}

func TestDecodeLinesSkipsMalformed(t *testing.T) {
	content := `{"id":"1","from":"a","content":"ok","timestamp":"2025-01-02T03:04:05Z"}
not json at all
{"id":"2","from":"b","content":"also ok","timestamp":"2025-01-02T03:04:06Z"}
{"truncated":
`
	got := decodeLines(content)
	if len(got) != 2 {
		t.Fatalf("decodeLines returned %d messages, want 2", len(got))
	}
	if got[0].ID != "1" || got[1].ID != "2" {
		t.Errorf("decoded ids = %q, %q; want 1, 2", got[0].ID, got[1].ID)
	}
	if !got[0].Timestamp.Equal(time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)) {
		t.Errorf("timestamp = %v, want 2025-01-02T03:04:05Z", got[0].Timestamp)
	}
}
