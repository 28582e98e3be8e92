// Package team implements the shared context one workflow's agents
// collaborate through: the append-only channel, per-agent inboxes with
// cursors, documents, content-addressed resources, agent status, and a
// timeline event log. All persistence goes through storage.Storage.
package team

import (
	"encoding/json"
	"regexp"
	"strings"
	"time"
)

// Kind classifies a channel entry. Everything except plain messages is
// infrastructure traffic with its own visibility rules.
type Kind string

const (
	KindMessage  Kind = "message"
	KindSystem   Kind = "system"
	KindDebug    Kind = "debug"
	KindOutput   Kind = "output"
	KindToolCall Kind = "tool_call"
	KindLog      Kind = "log"
)

// Message is one channel entry. Immutable once appended.
type Message struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	From      string    `json:"from"`
	Content   string    `json:"content"`
	Mentions  []string  `json:"mentions,omitempty"`
	To        string    `json:"to,omitempty"`
	Kind      Kind      `json:"kind,omitempty"`
}

// EffectiveKind treats a missing kind as a plain message.
func (m Message) EffectiveKind() Kind {
	if m.Kind == "" {
		return KindMessage
	}
	return m.Kind
}

// VisibleTo reports whether an agent may see this entry when reading the
// channel. System, debug and output traffic is hidden from agents; direct
// messages are visible only to their two parties.
func (m Message) VisibleTo(agent string) bool {
	switch m.EffectiveKind() {
	case KindSystem, KindDebug, KindOutput:
		return false
	}
	if m.To != "" && agent != m.From && agent != m.To {
		return false
	}
	return true
}

var mentionPattern = regexp.MustCompile(`@([A-Za-z0-9_][A-Za-z0-9_-]*)`)

// ExtractMentions returns the valid agent names mentioned as @name in
// content, case-sensitive, in first-occurrence order, without duplicates.
func ExtractMentions(content string, validAgents []string) []string {
	valid := make(map[string]bool, len(validAgents))
	for _, a := range validAgents {
		valid[a] = true
	}
	var out []string
	seen := make(map[string]bool)
	for _, match := range mentionPattern.FindAllStringSubmatch(content, -1) {
		name := match[1]
		if !valid[name] || seen[name] {
			continue
		}
		seen[name] = true
		out = append(out, name)
	}
	return out
}

var priorityPattern = regexp.MustCompile(`(?i)\b(urgent|asap|blocked|critical)\b`)

// isHighPriority implements the inbox priority rule: more than one mention,
// or an urgency keyword in the content.
func isHighPriority(m Message) bool {
	return len(m.Mentions) > 1 || priorityPattern.MatchString(m.Content)
}

// decodeLines parses JSONL content into messages, silently skipping
// malformed lines so a truncated tail never blocks progress.
func decodeLines(content string) []Message {
	var out []Message
	for _, line := range strings.Split(content, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		var m Message
		if err := json.Unmarshal([]byte(line), &m); err != nil {
			continue
		}
		out = append(out, m)
	}
	return out
}
