// Package workspace bundles one context provider with its collaboration
// tool mount. A workspace backs either one workflow instance (shared by its
// agents) or one standalone agent; the daemon routes /mcp traffic to the
// right mount by workspace key.
package workspace

import (
	"fmt"
	"log/slog"
	"net/url"
	"sort"
	"sync"

	"github.com/agentworker/agentworker/internal/collab"
	"github.com/agentworker/agentworker/internal/config"
	"github.com/agentworker/agentworker/internal/storage"
	"github.com/agentworker/agentworker/internal/team"
	"github.com/agentworker/agentworker/pkg/protocol"
)

// Options selects the workspace flavor.
type Options struct {
	// WorkflowName+Tag bind the workspace to a workflow instance.
	WorkflowName string
	Tag          string
	// AgentName binds it to one standalone agent instead.
	AgentName string
	// AgentNames is the identity whitelist for the tool mount.
	AgentNames []string
	// Ephemeral keeps everything in memory; nothing survives shutdown.
	Ephemeral bool
}

// Key is the registry key for these options: "workflow:<name>:<tag>" or
// "agent:<name>".
func (o Options) Key() string {
	if o.WorkflowName != "" {
		return "workflow:" + o.WorkflowName + ":" + o.Tag
	}
	return "agent:" + o.AgentName
}

// Workspace is one provider + tool mount pair.
type Workspace struct {
	Key          string
	Provider     *team.Provider
	Tools        *collab.Registry
	Mount        *collab.Mount
	MCPURL       string
	MCPToolNames []string

	persistent bool

	mu   sync.Mutex
	done bool
}

// Shutdown releases the workspace. Non-persistent workspaces clear their
// transient inbox cursors; channel and documents of persistent ones stay on
// disk. Safe to call twice.
func (w *Workspace) Shutdown() error {
	w.mu.Lock()
	if w.done {
		w.mu.Unlock()
		return nil
	}
	w.done = true
	w.mu.Unlock()

	var err error
	if !w.persistent {
		err = w.Provider.Destroy()
	}
	slog.Info("workspace.shutdown", "key", w.Key, "persistent", w.persistent)
	return err
}

// Factory builds workspaces wired to this daemon's tool endpoint.
type Factory struct {
	Host    string
	Port    int
	Version string
}

// CreateMinimalRuntime builds storage, stores, provider, and the tool
// mount for one workspace.
func (f *Factory) CreateMinimalRuntime(opts Options) (*Workspace, error) {
	if opts.WorkflowName == "" && opts.AgentName == "" && !opts.Ephemeral {
		return nil, fmt.Errorf("workspace needs a workflow, an agent, or ephemeral: %w", protocol.ErrInvalid)
	}

	var (
		store storage.Storage
		err   error
	)
	persistent := !opts.Ephemeral
	switch {
	case opts.Ephemeral:
		store = storage.NewMemoryStorage()
	case opts.WorkflowName != "":
		store, err = storage.NewFileStorage(config.WorkflowContextDir(opts.WorkflowName, opts.Tag))
	case opts.AgentName != "":
		store, err = storage.NewFileStorage(config.AgentContextDir(opts.AgentName))
	}
	if err != nil {
		return nil, fmt.Errorf("workspace storage: %w", err)
	}

	agents := opts.AgentNames
	if len(agents) == 0 && opts.AgentName != "" {
		agents = []string{opts.AgentName}
	}

	provider := team.NewProvider(store, agents)
	tools := collab.NewRegistry(provider)
	mount := collab.NewMount(tools, f.Version)
	key := opts.Key()

	w := &Workspace{
		Key:          key,
		Provider:     provider,
		Tools:        tools,
		Mount:        mount,
		MCPURL:       f.mcpURL(key),
		MCPToolNames: tools.ToolNames(),
		persistent:   persistent,
	}
	slog.Info("workspace.created", "key", key, "agents", agents, "persistent", persistent)
	return w, nil
}

func (f *Factory) mcpURL(key string) string {
	host := f.Host
	if host == "" || host == "0.0.0.0" {
		host = "127.0.0.1"
	}
	return fmt.Sprintf("http://%s:%d/mcp?workspace=%s", host, f.Port, url.QueryEscape(key))
}

// Registry tracks live workspaces by key. The daemon mutates it only under
// its own mutex; reads from the /mcp route go through Resolve.
type Registry struct {
	mu         sync.Mutex
	workspaces map[string]*Workspace
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{workspaces: make(map[string]*Workspace)}
}

// Put installs a workspace under its key.
func (r *Registry) Put(w *Workspace) {
	r.mu.Lock()
	r.workspaces[w.Key] = w
	r.mu.Unlock()
}

// Get returns the workspace for key.
func (r *Registry) Get(key string) (*Workspace, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	w, ok := r.workspaces[key]
	return w, ok
}

// Remove drops the key and returns the workspace, if present.
func (r *Registry) Remove(key string) (*Workspace, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	w, ok := r.workspaces[key]
	delete(r.workspaces, key)
	return w, ok
}

// List returns all workspaces sorted by key.
func (r *Registry) List() []*Workspace {
	r.mu.Lock()
	out := make([]*Workspace, 0, len(r.workspaces))
	for _, w := range r.workspaces {
		out = append(out, w)
	}
	r.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// Resolve picks the workspace for an /mcp request: exact key when given,
// single-workspace fallback when there is no ambiguity.
func (r *Registry) Resolve(key string) (*Workspace, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if key != "" {
		if w, ok := r.workspaces[key]; ok {
			return w, nil
		}
		return nil, fmt.Errorf("workspace %q: %w", key, protocol.ErrNotFound)
	}
	if len(r.workspaces) == 1 {
		for _, w := range r.workspaces {
			return w, nil
		}
	}
	if len(r.workspaces) == 0 {
		return nil, fmt.Errorf("no workspaces mounted: %w", protocol.ErrNotFound)
	}
	return nil, fmt.Errorf("multiple workspaces mounted, pass ?workspace=: %w", protocol.ErrInvalid)
}
