// Package cache implements a replicated in-memory key/value cache. Writes
// are applied locally, replicated to every cluster member and backed up to
// remote sites.
package cache

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
)

// ErrNotFound is returned for keys that no member holds.
var ErrNotFound = errors.New("key not found")

// Op is a cache operation.
type Op string

const (
	OpPut    Op = "put"
	OpRemove Op = "remove"
	OpGet    Op = "get"
)

// Origin tells a node how far to propagate a command it received.
type Origin string

const (
	// OriginClient commands are replicated to the cluster and backed up.
	OriginClient Origin = "client"
	// OriginCluster commands are applied locally only.
	OriginCluster Origin = "cluster"
	// OriginSite commands come from another site; they are replicated to
	// the local cluster but not backed up again.
	OriginSite Origin = "site"
)

// Command is the wire form of a cache operation.
type Command struct {
	Op     Op              `json:"op"`
	Key    string          `json:"key"`
	Value  json.RawMessage `json:"value,omitempty"`
	Origin Origin          `json:"origin"`
}

// Encode serializes the command.
func (c Command) Encode() ([]byte, error) {
	data, err := json.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("marshal command: %w", err)
	}
	return data, nil
}

// DecodeCommand deserializes and checks a command.
func DecodeCommand(data []byte) (Command, error) {
	var c Command
	if err := json.Unmarshal(data, &c); err != nil {
		return Command{}, fmt.Errorf("unmarshal command: %w", err)
	}
	if c.Key == "" {
		return Command{}, errors.New("command without key")
	}
	switch c.Op {
	case OpPut, OpRemove, OpGet:
	default:
		return Command{}, fmt.Errorf("unknown op %q", c.Op)
	}
	return c, nil
}

// Store is the local map.
type Store struct {
	mu      sync.RWMutex
	entries map[string]json.RawMessage
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{entries: make(map[string]json.RawMessage)}
}

// Get returns the value of key.
func (s *Store) Get(key string) (json.RawMessage, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.entries[key]
	return v, ok
}

// Put sets key to value.
func (s *Store) Put(key string, value json.RawMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[key] = append(json.RawMessage(nil), value...)
}

// Remove deletes key and reports whether it existed.
func (s *Store) Remove(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.entries[key]
	delete(s.entries, key)
	return ok
}

// Keys returns the sorted keys.
func (s *Store) Keys() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := make([]string, 0, len(s.entries))
	for k := range s.entries {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Len returns the number of entries.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// apply executes a write command.
func (s *Store) apply(c Command) {
	switch c.Op {
	case OpPut:
		s.Put(c.Key, c.Value)
	case OpRemove:
		s.Remove(c.Key)
	}
}
