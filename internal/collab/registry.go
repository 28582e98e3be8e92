// Package collab exposes the context provider to agents as named tools. The
// registry is a plain table built once per workspace; the MCP mount and the
// in-process backend both dispatch through it, so tool behavior cannot
// drift between transports.
package collab

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/agentworker/agentworker/internal/team"
)

// Call carries one tool invocation: the authenticated caller agent and the
// raw arguments.
type Call struct {
	Caller string
	Args   map[string]any
}

// ToolSpec is one registry entry. Schema is a JSON-schema object document;
// Handler returns human-readable text for the model.
type ToolSpec struct {
	Name        string
	Description string
	Schema      map[string]any
	Handler     func(ctx context.Context, call Call) (string, error)
}

// Registry is the ordered tool table for one workspace.
type Registry struct {
	provider *team.Provider
	specs    []ToolSpec
	byName   map[string]ToolSpec
}

// NewRegistry builds the tool table over a provider. Every handler closes
// over the provider; caller identity arrives per call.
func NewRegistry(provider *team.Provider) *Registry {
	r := &Registry{provider: provider, byName: make(map[string]ToolSpec)}
	for _, spec := range r.buildSpecs() {
		r.specs = append(r.specs, spec)
		r.byName[spec.Name] = spec
	}
	return r
}

// Provider returns the provider this registry serves.
func (r *Registry) Provider() *team.Provider { return r.provider }

// Specs returns the tools in registration order.
func (r *Registry) Specs() []ToolSpec { return r.specs }

// ToolNames returns the tool names in registration order.
func (r *Registry) ToolNames() []string {
	names := make([]string, len(r.specs))
	for i, spec := range r.specs {
		names[i] = spec.Name
	}
	return names
}

// Dispatch runs one named tool for a validated caller.
func (r *Registry) Dispatch(ctx context.Context, name string, call Call) (string, error) {
	spec, ok := r.byName[name]
	if !ok {
		return "", fmt.Errorf("unknown tool %q", name)
	}
	if !r.provider.Roster().Contains(call.Caller) {
		return "", fmt.Errorf("unknown caller agent %q", call.Caller)
	}
	return spec.Handler(ctx, call)
}

func objectSchema(props map[string]any, required ...string) map[string]any {
	schema := map[string]any{"type": "object", "properties": props}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema
}

func strProp(desc string) map[string]any {
	return map[string]any{"type": "string", "description": desc}
}

func intProp(desc string) map[string]any {
	return map[string]any{"type": "integer", "description": desc}
}

func boolProp(desc string) map[string]any {
	return map[string]any{"type": "boolean", "description": desc}
}

func strArg(args map[string]any, key string) string {
	if v, ok := args[key].(string); ok {
		return v
	}
	return ""
}

func intArg(args map[string]any, key string) int {
	switch v := args[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	}
	return 0
}

func boolArg(args map[string]any, key string) bool {
	v, _ := args[key].(bool)
	return v
}

var errProposalsUnavailable = errors.New("proposals are not available on this daemon")

func (r *Registry) buildSpecs() []ToolSpec {
	p := r.provider
	return []ToolSpec{
		{
			Name:        "channel_send",
			Description: "Send a message to the team channel. Mention teammates as @name to notify them. Use 'to' for a direct message.",
			Schema: objectSchema(map[string]any{
				"message": strProp("The message text."),
				"to":      strProp("Optional: deliver as a direct message to this agent."),
			}, "message"),
			Handler: func(ctx context.Context, call Call) (string, error) {
				message := strArg(call.Args, "message")
				if message == "" {
					return "", errors.New("message is required")
				}
				var opts []team.AppendOption
				if to := strArg(call.Args, "to"); to != "" {
					if !p.Roster().Contains(to) {
						return "", fmt.Errorf("unknown agent %q", to)
					}
					opts = append(opts, team.WithTo(to))
				}
				msg, err := p.SmartSend(call.Caller, message, opts...)
				if err != nil {
					return "", err
				}
				return "Sent message " + msg.ID, nil
			},
		},
		{
			Name:        "channel_read",
			Description: "Read recent channel messages visible to you.",
			Schema: objectSchema(map[string]any{
				"limit": intProp("Return only the last N messages."),
				"since": strProp("Only messages after this RFC 3339 timestamp."),
			}),
			Handler: func(ctx context.Context, call Call) (string, error) {
				opts := team.ReadOptions{Agent: call.Caller, Limit: intArg(call.Args, "limit")}
				if since := strArg(call.Args, "since"); since != "" {
					t, err := time.Parse(time.RFC3339, since)
					if err != nil {
						return "", fmt.Errorf("bad since timestamp: %w", err)
					}
					opts.Since = t
				}
				msgs, err := p.Channel.Read(opts)
				if err != nil {
					return "", err
				}
				if len(msgs) == 0 {
					return "No messages.", nil
				}
				var b strings.Builder
				for _, m := range msgs {
					fmt.Fprintf(&b, "[%s] %s: %s\n", m.Timestamp.Format(time.RFC3339), m.From, m.Content)
				}
				return strings.TrimRight(b.String(), "\n"), nil
			},
		},
		{
			Name:        "my_inbox",
			Description: "Read your unread inbox: messages that mention you or were sent directly to you.",
			Schema:      objectSchema(map[string]any{}),
			Handler: func(ctx context.Context, call Call) (string, error) {
				items, err := p.Inbox.GetInbox(call.Caller)
				if err != nil {
					return "", err
				}
				if len(items) == 0 {
					return "Inbox empty.", nil
				}
				// Viewing marks the tail seen; acking is separate.
				_ = p.Inbox.MarkSeen(call.Caller, items[len(items)-1].ID)
				var b strings.Builder
				for _, item := range items {
					fmt.Fprintf(&b, "[%s] %s from %s: %s\n", item.Priority, item.ID, item.From, item.Content)
				}
				return strings.TrimRight(b.String(), "\n"), nil
			},
		},
		{
			Name:        "my_inbox_ack",
			Description: "Acknowledge your inbox. Without 'until', acknowledges everything currently unread.",
			Schema: objectSchema(map[string]any{
				"until": strProp("Optional: acknowledge up to and including this message id."),
			}),
			Handler: func(ctx context.Context, call Call) (string, error) {
				until := strArg(call.Args, "until")
				if until == "" {
					items, err := p.Inbox.GetInbox(call.Caller)
					if err != nil {
						return "", err
					}
					if len(items) == 0 {
						return "Inbox already empty.", nil
					}
					until = items[len(items)-1].ID
				}
				if err := p.Inbox.Ack(call.Caller, until); err != nil {
					return "", err
				}
				return "Acknowledged through " + until, nil
			},
		},
		{
			Name:        "my_status_set",
			Description: "Publish your status so teammates can see what you are doing.",
			Schema: objectSchema(map[string]any{
				"state": strProp("One of: idle, running, stopped."),
				"task":  strProp("Optional: short description of the current task."),
			}, "state"),
			Handler: func(ctx context.Context, call Call) (string, error) {
				state := team.AgentState(strArg(call.Args, "state"))
				switch state {
				case team.StateIdle, team.StateRunning, team.StateStopped:
				default:
					return "", fmt.Errorf("bad state %q", state)
				}
				if _, err := p.Status.Set(call.Caller, state, strArg(call.Args, "task")); err != nil {
					return "", err
				}
				return "Status updated.", nil
			},
		},
		{
			Name:        "team_members",
			Description: "List the agents on this team.",
			Schema: objectSchema(map[string]any{
				"includeStatus": boolProp("Include each agent's current status."),
			}),
			Handler: func(ctx context.Context, call Call) (string, error) {
				names := p.ValidAgents()
				if !boolArg(call.Args, "includeStatus") {
					return strings.Join(names, ", "), nil
				}
				statuses := p.Status.All()
				var b strings.Builder
				for _, name := range names {
					if st, ok := statuses[name]; ok {
						fmt.Fprintf(&b, "%s: %s", name, st.State)
						if st.Task != "" {
							fmt.Fprintf(&b, " (%s)", st.Task)
						}
						b.WriteString("\n")
					} else {
						fmt.Fprintf(&b, "%s: unknown\n", name)
					}
				}
				return strings.TrimRight(b.String(), "\n"), nil
			},
		},
		{
			Name:        "team_doc_read",
			Description: "Read a shared team document. Defaults to notes.md.",
			Schema: objectSchema(map[string]any{
				"path": strProp("Document path, default notes.md."),
			}),
			Handler: func(ctx context.Context, call Call) (string, error) {
				content, err := p.Documents.Read(strArg(call.Args, "path"))
				if err != nil {
					return "", err
				}
				if content == "" {
					return "(empty)", nil
				}
				return content, nil
			},
		},
		{
			Name:        "team_doc_write",
			Description: "Replace the content of a shared team document.",
			Schema: objectSchema(map[string]any{
				"path":    strProp("Document path, default notes.md."),
				"content": strProp("The full new content."),
			}, "content"),
			Handler: func(ctx context.Context, call Call) (string, error) {
				if err := p.Documents.Write(strArg(call.Args, "path"), strArg(call.Args, "content")); err != nil {
					return "", err
				}
				return "Document written.", nil
			},
		},
		{
			Name:        "team_doc_append",
			Description: "Append to a shared team document.",
			Schema: objectSchema(map[string]any{
				"path":    strProp("Document path, default notes.md."),
				"content": strProp("Text to append."),
			}, "content"),
			Handler: func(ctx context.Context, call Call) (string, error) {
				if err := p.Documents.Append(strArg(call.Args, "path"), strArg(call.Args, "content")); err != nil {
					return "", err
				}
				return "Appended.", nil
			},
		},
		{
			Name:        "team_doc_list",
			Description: "List all shared team documents.",
			Schema:      objectSchema(map[string]any{}),
			Handler: func(ctx context.Context, call Call) (string, error) {
				docs, err := p.Documents.List()
				if err != nil {
					return "", err
				}
				if len(docs) == 0 {
					return "No documents.", nil
				}
				sort.Slice(docs, func(i, j int) bool { return docs[i].Path < docs[j].Path })
				var b strings.Builder
				for _, doc := range docs {
					fmt.Fprintf(&b, "%s (%d bytes)\n", doc.Path, doc.Size)
				}
				return strings.TrimRight(b.String(), "\n"), nil
			},
		},
		{
			Name:        "team_doc_create",
			Description: "Create a new shared team document. Fails if the path already exists.",
			Schema: objectSchema(map[string]any{
				"path":    strProp("Document path."),
				"content": strProp("Initial content."),
			}, "path"),
			Handler: func(ctx context.Context, call Call) (string, error) {
				if err := p.Documents.Create(strArg(call.Args, "path"), strArg(call.Args, "content")); err != nil {
					return "", err
				}
				return "Document created.", nil
			},
		},
		{
			Name:        "resource_create",
			Description: "Store a large payload as a resource and get back its id.",
			Schema: objectSchema(map[string]any{
				"content": strProp("The payload."),
				"type":    strProp("One of: text, markdown, json, diff. Default text."),
			}, "content"),
			Handler: func(ctx context.Context, call Call) (string, error) {
				id, err := p.Resources.Create(strArg(call.Args, "content"), strArg(call.Args, "type"))
				if err != nil {
					return "", err
				}
				return "Created resource " + id, nil
			},
		},
		{
			Name:        "resource_read",
			Description: "Read a resource by id.",
			Schema: objectSchema(map[string]any{
				"id": strProp("The resource id (res_...)."),
			}, "id"),
			Handler: func(ctx context.Context, call Call) (string, error) {
				return p.Resources.Read(strArg(call.Args, "id"))
			},
		},
		proposalStub("team_proposal_create", "Create a team proposal for voting."),
		proposalStub("team_proposal_vote", "Vote on an active proposal."),
		proposalStub("team_proposal_status", "Show active proposals."),
		proposalStub("team_proposal_cancel", "Cancel a proposal you created."),
	}
}

func proposalStub(name, description string) ToolSpec {
	return ToolSpec{
		Name:        name,
		Description: description,
		Schema:      objectSchema(map[string]any{}),
		Handler: func(ctx context.Context, call Call) (string, error) {
			return "", errProposalsUnavailable
		},
	}
}
