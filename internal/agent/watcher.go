package agent

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watcher hot-reloads agent definitions: a change to any YAML in the agents
// dir re-registers that definition. Replace semantics mean a running loop
// keeps its old handle until restarted.
type Watcher struct {
	registry *Registry
	watcher  *fsnotify.Watcher
	cancel   context.CancelFunc
	done     chan struct{}
	debounce time.Duration
}

// WatchDefinitions starts watching the registry's agents dir.
func WatchDefinitions(registry *Registry) (*Watcher, error) {
	if err := os.MkdirAll(registry.AgentsDir(), 0o755); err != nil {
		return nil, fmt.Errorf("agents dir: %w", err)
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("definition watcher: %w", err)
	}
	if err := fsw.Add(registry.AgentsDir()); err != nil {
		fsw.Close()
		return nil, fmt.Errorf("definition watcher: %w", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	w := &Watcher{
		registry: registry,
		watcher:  fsw,
		cancel:   cancel,
		done:     make(chan struct{}),
		debounce: 250 * time.Millisecond,
	}
	go w.run(ctx)
	return w, nil
}

// Close stops the watcher.
func (w *Watcher) Close() error {
	w.cancel()
	err := w.watcher.Close()
	<-w.done
	return err
}

func (w *Watcher) run(ctx context.Context) {
	defer close(w.done)
	pending := map[string]time.Time{}
	ticker := time.NewTicker(w.debounce)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) == 0 {
				continue
			}
			ext := filepath.Ext(event.Name)
			if ext != ".yaml" && ext != ".yml" {
				continue
			}
			// Editors fire bursts of writes; coalesce per file.
			pending[event.Name] = time.Now()
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			slog.Warn("agent.watcher.error", "error", err)
		case now := <-ticker.C:
			for path, last := range pending {
				if now.Sub(last) < w.debounce {
					continue
				}
				delete(pending, path)
				w.reload(path)
			}
		}
	}
}

func (w *Watcher) reload(path string) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return
		}
		slog.Warn("agent.watcher.read", "file", path, "error", err)
		return
	}
	def, err := ParseDefinition(data)
	if err != nil {
		slog.Warn("agent.watcher.parse", "file", path, "error", err)
		return
	}
	if _, err := w.registry.RegisterDefinition(def); err != nil {
		slog.Warn("agent.watcher.register", "file", path, "error", err)
		return
	}
	slog.Info("agent.watcher.reloaded", "agent", def.Name, "file", filepath.Base(path))
}
