// Package storage provides the flat key/value persistence primitive the
// context stores build on. Keys are slash-separated relative paths
// ("channel.jsonl", "_state/inbox.json", "documents/notes.md"). Values are
// UTF-8 strings. The file implementation backs persistent workspaces, the
// memory implementation backs tests and ephemeral ones.
package storage

import (
	"fmt"
	"strings"

	"github.com/agentworker/agentworker/pkg/protocol"
)

// Storage is the persistence contract. Append must be atomic at the OS
// append granularity so concurrent JSONL writers never interleave within a
// line. ReadFrom supports byte-offset incremental reads for channel polling.
type Storage interface {
	// Read returns the full value. Missing keys return protocol.ErrNotFound.
	Read(key string) (string, error)
	// Write creates or replaces the value.
	Write(key, content string) error
	// Append appends to the value, creating it if absent.
	Append(key, content string) error
	// Delete removes the key. Deleting a missing key is a no-op.
	Delete(key string) error
	// ReadFrom returns content past the byte offset and the new offset.
	// A missing key yields empty content and the offset unchanged, so
	// pollers can start before the first append.
	ReadFrom(key string, offset int64) (string, int64, error)
	// List returns all keys under prefix, in lexical order.
	List(prefix string) ([]string, error)
	// Exists reports whether the key is present.
	Exists(key string) (bool, error)
}

// cleanKey rejects empty keys and path escapes. Storage keys come from
// internal callers and tool arguments alike, so the check lives here.
func cleanKey(key string) (string, error) {
	if key == "" {
		return "", fmt.Errorf("empty storage key: %w", protocol.ErrInvalid)
	}
	key = strings.TrimPrefix(key, "/")
	for _, part := range strings.Split(key, "/") {
		if part == ".." {
			return "", fmt.Errorf("storage key %q escapes root: %w", key, protocol.ErrInvalid)
		}
	}
	return key, nil
}
