// Package inmem provides an in-memory checkpoint.Store for tests and local
// runs. Items are deep-copied on the way in and out so callers can never
// mutate stored state through a live batch.
package inmem

import (
	"context"
	"encoding/json"
	"sync"

	"goa.design/shardflow/batch"
	"goa.design/shardflow/checkpoint"
	"goa.design/shardflow/faults"
)

// Store implements checkpoint.Store in memory. Safe for concurrent use.
type Store struct {
	mu    sync.Mutex
	items map[batch.Key][]byte
}

// New constructs an empty in-memory store.
func New() *Store {
	return &Store{items: make(map[batch.Key][]byte)}
}

// Load implements checkpoint.Store.
func (s *Store) Load(_ context.Context, key batch.Key) (*checkpoint.Item, error) {
	s.mu.Lock()
	raw, ok := s.items[key]
	s.mu.Unlock()
	if !ok {
		return nil, nil
	}
	var it checkpoint.Item
	if err := json.Unmarshal(raw, &it); err != nil {
		return nil, faults.Fatal("unmarshal checkpoint item", err)
	}
	return &it, nil
}

// Save implements checkpoint.Store, honoring the insert condition.
func (s *Store) Save(_ context.Context, it *checkpoint.Item, insert bool) error {
	raw, err := json.Marshal(it)
	if err != nil {
		return faults.Fatal("marshal checkpoint item", err)
	}
	key := it.Key()
	s.mu.Lock()
	defer s.mu.Unlock()
	_, exists := s.items[key]
	if insert && exists {
		return checkpoint.ErrConditionFailed
	}
	if !insert && !exists {
		return checkpoint.ErrConditionFailed
	}
	s.items[key] = raw
	return nil
}

// Delete implements checkpoint.Store. Deleting a missing key succeeds.
func (s *Store) Delete(_ context.Context, key batch.Key) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.items, key)
	return nil
}

// Len returns the number of stored items.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.items)
}
