package team

import (
	"fmt"
	"strings"
	"sync"

	"github.com/agentworker/agentworker/internal/storage"
)

// ResourceThreshold is the channel message length above which SmartSend
// offloads the content into a resource.
const ResourceThreshold = 500

// Roster is the set of valid agent names for one workspace. Mention
// extraction and caller validation run against it.
type Roster struct {
	mu    sync.RWMutex
	names []string
	set   map[string]bool
}

// NewRoster builds a roster from the initial agent names.
func NewRoster(names ...string) *Roster {
	r := &Roster{set: make(map[string]bool, len(names))}
	for _, n := range names {
		r.add(n)
	}
	return r
}

func (r *Roster) add(name string) {
	if name == "" || r.set[name] {
		return
	}
	r.set[name] = true
	r.names = append(r.names, name)
}

// Add registers another agent name. Duplicates are ignored.
func (r *Roster) Add(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.add(name)
}

// Names returns the agent names in registration order.
func (r *Roster) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, len(r.names))
	copy(out, r.names)
	return out
}

// Contains reports whether name is a registered agent.
func (r *Roster) Contains(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.set[name]
}

// Provider is the façade agents and loops collaborate through: one channel,
// inbox cursors, documents, resources, status and timeline over a single
// storage root. The only cross-store logic it owns is SmartSend.
type Provider struct {
	roster    *Roster
	Channel   *ChannelStore
	Inbox     *InboxStore
	Documents *DocumentStore
	Resources *ResourceStore
	Status    *StatusStore
	Timeline  *TimelineStore
}

// NewProvider composes the stores over one storage root with the given
// agent roster.
func NewProvider(store storage.Storage, agentNames []string) *Provider {
	roster := NewRoster(agentNames...)
	channel := NewChannelStore(store, roster)
	return &Provider{
		roster:    roster,
		Channel:   channel,
		Inbox:     NewInboxStore(store, channel),
		Documents: NewDocumentStore(store),
		Resources: NewResourceStore(store),
		Status:    NewStatusStore(store),
		Timeline:  NewTimelineStore(store),
	}
}

// Roster returns the workspace's agent roster.
func (p *Provider) Roster() *Roster { return p.roster }

// ValidAgents returns the registered agent names.
func (p *Provider) ValidAgents() []string { return p.roster.Names() }

// MarkRunStart floors every inbox at the current channel length.
func (p *Provider) MarkRunStart() error { return p.Inbox.MarkRunStart() }

// Destroy clears transient inbox cursors. Channel, documents and resources
// are always preserved.
func (p *Provider) Destroy() error { return p.Inbox.Destroy() }

// SmartSend appends content to the channel, offloading anything above
// ResourceThreshold into a resource: the full text is kept as a debug-kind
// channel entry (hidden from agents), and a short pointer message carrying
// the original mentions is appended in its place.
func (p *Provider) SmartSend(from, content string, opts ...AppendOption) (Message, error) {
	if len(content) <= ResourceThreshold {
		return p.Channel.Append(from, content, opts...)
	}

	typ := "text"
	if looksLikeMarkdown(content) {
		typ = "markdown"
	}
	id, err := p.Resources.Create(content, typ)
	if err != nil {
		return Message{}, err
	}

	// Full content stays greppable in the log without reaching agent views.
	debugOpts := append(append([]AppendOption{}, opts...), WithKind(KindDebug))
	if _, err := p.Channel.Append(from, content, debugOpts...); err != nil {
		return Message{}, err
	}

	var b strings.Builder
	for _, name := range ExtractMentions(content, p.roster.Names()) {
		b.WriteString("@" + name + " ")
	}
	fmt.Fprintf(&b, "[large message, %d chars] stored as resource:%s. Use resource_read(%q) to view it.", len(content), id, id)

	return p.Channel.Append(from, b.String(), opts...)
}

// looksLikeMarkdown uses the fenced-code marker and a heading prefix as
// cheap signals for the resource type tag.
func looksLikeMarkdown(content string) bool {
	return strings.HasPrefix(content, "#") || strings.Contains(content, "```")
}
