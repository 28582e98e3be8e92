package team

import (
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/agentworker/agentworker/internal/storage"
	"github.com/agentworker/agentworker/pkg/protocol"
)

const (
	documentsPrefix = "documents"

	// DefaultDocument is the shared notes file agents read and write when
	// no path is given.
	DefaultDocument = "notes.md"
)

// DocInfo describes one listed document.
type DocInfo struct {
	Path string `json:"path"`
	Size int    `json:"size"`
}

// DocumentStore keeps free-form text documents under the workspace's
// documents/ tree.
type DocumentStore struct {
	store storage.Storage
}

// NewDocumentStore wraps storage with the documents prefix.
func NewDocumentStore(store storage.Storage) *DocumentStore {
	return &DocumentStore{store: store}
}

func docKey(path string) string {
	if path == "" {
		path = DefaultDocument
	}
	return documentsPrefix + "/" + strings.TrimPrefix(path, "/")
}

// Read returns the document content, or "" when it does not exist.
func (d *DocumentStore) Read(path string) (string, error) {
	content, err := d.store.Read(docKey(path))
	if err != nil {
		if errors.Is(err, protocol.ErrNotFound) {
			return "", nil
		}
		return "", err
	}
	return content, nil
}

// Write replaces the document content, creating it if needed.
func (d *DocumentStore) Write(path, content string) error {
	return d.store.Write(docKey(path), content)
}

// Append appends to the document, creating it if needed.
func (d *DocumentStore) Append(path, content string) error {
	return d.store.Append(docKey(path), content)
}

// Create writes a new document and fails if the path already exists.
func (d *DocumentStore) Create(path, content string) error {
	key := docKey(path)
	ok, err := d.store.Exists(key)
	if err != nil {
		return err
	}
	if ok {
		return fmt.Errorf("document %s: %w", path, protocol.ErrAlreadyExists)
	}
	return d.store.Write(key, content)
}

// List enumerates all text documents recursively. Binary entries are
// skipped.
func (d *DocumentStore) List() ([]DocInfo, error) {
	keys, err := d.store.List(documentsPrefix)
	if err != nil {
		return nil, err
	}
	var out []DocInfo
	for _, key := range keys {
		content, err := d.store.Read(key)
		if err != nil {
			continue
		}
		if !utf8.ValidString(content) || strings.ContainsRune(content, '\x00') {
			continue
		}
		out = append(out, DocInfo{
			Path: strings.TrimPrefix(key, documentsPrefix+"/"),
			Size: len(content),
		})
	}
	return out, nil
}
