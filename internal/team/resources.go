package team

import (
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/agentworker/agentworker/internal/storage"
	"github.com/agentworker/agentworker/pkg/protocol"
)

const resourcesPrefix = "resources"

// resourceExt maps a resource type tag to its persisted extension.
var resourceExt = map[string]string{
	"text":     ".txt",
	"markdown": ".md",
	"json":     ".json",
	"diff":     ".diff",
}

// probeOrder is the fixed extension order tried when reading by id.
var probeOrder = []string{".md", ".json", ".diff", ".txt"}

// ResourceStore persists immutable content-addressed blobs. Large channel
// payloads are offloaded here and referenced by id.
type ResourceStore struct {
	store storage.Storage
}

// NewResourceStore wraps storage with the resources prefix.
func NewResourceStore(store storage.Storage) *ResourceStore {
	return &ResourceStore{store: store}
}

// Create stores content under a fresh id. typ selects the extension and
// defaults to "text"; unknown tags fall back to "text".
func (r *ResourceStore) Create(content, typ string) (string, error) {
	ext, ok := resourceExt[typ]
	if !ok {
		ext = resourceExt["text"]
	}
	id := "res_" + uuid.NewString()[:8]
	key := resourcesPrefix + "/" + id + ext
	if err := r.store.Write(key, content); err != nil {
		return "", fmt.Errorf("create resource: %w", err)
	}
	return id, nil
}

// Read returns the content for an id, probing extensions in a fixed order.
func (r *ResourceStore) Read(id string) (string, error) {
	for _, ext := range probeOrder {
		content, err := r.store.Read(resourcesPrefix + "/" + id + ext)
		if err == nil {
			return content, nil
		}
		if !errors.Is(err, protocol.ErrNotFound) {
			return "", err
		}
	}
	return "", fmt.Errorf("resource %s: %w", id, protocol.ErrNotFound)
}
