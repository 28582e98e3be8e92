package storage

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/agentworker/agentworker/pkg/protocol"
)

// MemoryStorage holds values in a map. It backs ephemeral workspaces and
// tests.
type MemoryStorage struct {
	mu   sync.RWMutex
	data map[string]string
}

// NewMemoryStorage returns an empty in-memory store.
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{data: make(map[string]string)}
}

func (s *MemoryStorage) Read(key string) (string, error) {
	key, err := cleanKey(key)
	if err != nil {
		return "", err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.data[key]
	if !ok {
		return "", fmt.Errorf("key %s: %w", key, protocol.ErrNotFound)
	}
	return v, nil
}

func (s *MemoryStorage) Write(key, content string) error {
	key, err := cleanKey(key)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[key] = content
	return nil
}

func (s *MemoryStorage) Append(key, content string) error {
	key, err := cleanKey(key)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[key] += content
	return nil
}

func (s *MemoryStorage) Delete(key string) error {
	key, err := cleanKey(key)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data, key)
	return nil
}

func (s *MemoryStorage) ReadFrom(key string, offset int64) (string, int64, error) {
	key, err := cleanKey(key)
	if err != nil {
		return "", offset, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.data[key]
	if !ok {
		return "", offset, nil
	}
	if offset >= int64(len(v)) {
		return "", offset, nil
	}
	if offset < 0 {
		offset = 0
	}
	tail := v[offset:]
	return tail, offset + int64(len(tail)), nil
}

func (s *MemoryStorage) List(prefix string) ([]string, error) {
	prefix, err := cleanKey(prefix)
	if err != nil {
		return nil, err
	}
	pfx := strings.TrimSuffix(prefix, "/") + "/"
	s.mu.RLock()
	defer s.mu.RUnlock()
	var keys []string
	for k := range s.data {
		if strings.HasPrefix(k, pfx) || k == prefix {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

func (s *MemoryStorage) Exists(key string) (bool, error) {
	key, err := cleanKey(key)
	if err != nil {
		return false, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.data[key]
	return ok, nil
}

var _ Storage = (*MemoryStorage)(nil)
