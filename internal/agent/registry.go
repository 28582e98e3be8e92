package agent

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/agentworker/agentworker/internal/config"
	"github.com/agentworker/agentworker/internal/storage"
	"github.com/agentworker/agentworker/pkg/protocol"
)

// contextSubdirs is the persistent tree ensured for every non-ephemeral
// agent.
var contextSubdirs = []string{"memory", "notes", "todo", "conversations"}

// Registry maps agent names to handles. Registration replaces any prior
// handle of the same name, which is what definition hot-reload relies on; a
// running loop keeps its old handle until restarted.
type Registry struct {
	agentsDir   string
	contextsFor func(name string) string

	mu      sync.Mutex
	handles map[string]*Handle
}

// NewRegistry builds a registry over the standard config paths.
func NewRegistry() *Registry {
	return &Registry{
		agentsDir:   config.AgentsDir(),
		contextsFor: config.AgentContextDir,
		handles:     make(map[string]*Handle),
	}
}

// AgentsDir returns the YAML definitions directory.
func (r *Registry) AgentsDir() string { return r.agentsDir }

func (r *Registry) definitionPath(name string) string {
	return filepath.Join(r.agentsDir, name+".yaml")
}

// RegisterDefinition ensures the context subtree and installs (or replaces)
// the handle for def.Name.
func (r *Registry) RegisterDefinition(def *Definition) (*Handle, error) {
	if err := def.Validate(); err != nil {
		return nil, err
	}
	contextDir := r.contextsFor(def.Name)
	for _, sub := range contextSubdirs {
		if err := os.MkdirAll(filepath.Join(contextDir, sub), 0o755); err != nil {
			return nil, fmt.Errorf("agent %s context dir: %w", def.Name, err)
		}
	}
	store, err := storage.NewFileStorage(contextDir)
	if err != nil {
		return nil, fmt.Errorf("agent %s context storage: %w", def.Name, err)
	}
	handle := newHandle(def, contextDir, store, false)
	r.install(handle)
	return handle, nil
}

// RegisterEphemeral installs a handle with no disk artifacts.
func (r *Registry) RegisterEphemeral(def *Definition) (*Handle, error) {
	if err := def.Validate(); err != nil {
		return nil, err
	}
	handle := newHandle(def, "", nil, true)
	r.install(handle)
	return handle, nil
}

func (r *Registry) install(handle *Handle) {
	r.mu.Lock()
	prior := r.handles[handle.Name()]
	r.handles[handle.Name()] = handle
	r.mu.Unlock()
	if prior != nil {
		slog.Info("agent.registry.replaced", "agent", handle.Name())
	}
}

// Create writes the YAML definition then registers it. Fails if the file
// already exists.
func (r *Registry) Create(def *Definition) (*Handle, error) {
	if err := def.Validate(); err != nil {
		return nil, err
	}
	path := r.definitionPath(def.Name)
	if _, err := os.Stat(path); err == nil {
		return nil, fmt.Errorf("agent %s: %w", def.Name, protocol.ErrAlreadyExists)
	}
	data, err := def.Encode()
	if err != nil {
		return nil, fmt.Errorf("agent %s: %w", def.Name, err)
	}
	if err := os.MkdirAll(r.agentsDir, 0o755); err != nil {
		return nil, fmt.Errorf("agents dir: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return nil, fmt.Errorf("agent %s: %w", def.Name, err)
	}
	return r.RegisterDefinition(def)
}

// Delete unregisters the agent and best-effort removes its YAML and context
// tree. The caller stops the loop first.
func (r *Registry) Delete(name string) error {
	r.mu.Lock()
	handle, ok := r.handles[name]
	delete(r.handles, name)
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("agent %s: %w", name, protocol.ErrNotFound)
	}
	if err := os.Remove(r.definitionPath(name)); err != nil && !os.IsNotExist(err) {
		slog.Warn("agent.registry.delete_yaml", "agent", name, "error", err)
	}
	if handle.ContextDir != "" {
		if err := os.RemoveAll(handle.ContextDir); err != nil {
			slog.Warn("agent.registry.delete_context", "agent", name, "error", err)
		}
	}
	return nil
}

// Get returns the handle for name.
func (r *Registry) Get(name string) (*Handle, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	handle, ok := r.handles[name]
	return handle, ok
}

// List returns all handles sorted by name.
func (r *Registry) List() []*Handle {
	r.mu.Lock()
	handles := make([]*Handle, 0, len(r.handles))
	for _, h := range r.handles {
		handles = append(handles, h)
	}
	r.mu.Unlock()
	sort.Slice(handles, func(i, j int) bool { return handles[i].Name() < handles[j].Name() })
	return handles
}

// LoadAll scans the agents dir and registers every parseable definition.
// Bad files are logged and skipped so one broken YAML does not take the
// daemon down.
func (r *Registry) LoadAll() error {
	entries, err := os.ReadDir(r.agentsDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("agents dir: %w", err)
	}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ext := filepath.Ext(entry.Name())
		if ext != ".yaml" && ext != ".yml" {
			continue
		}
		path := filepath.Join(r.agentsDir, entry.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			slog.Warn("agent.registry.load", "file", path, "error", err)
			continue
		}
		def, err := ParseDefinition(data)
		if err != nil {
			slog.Warn("agent.registry.load", "file", path, "error", err)
			continue
		}
		if _, err := r.RegisterDefinition(def); err != nil {
			slog.Warn("agent.registry.load", "file", path, "error", err)
		}
	}
	return nil
}
