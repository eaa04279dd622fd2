// Copyright 2025 The Reqon Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package store

import (
	"context"
	"sort"
	"sync"
)

// MemoryStore keeps records in a mutex-guarded map. It is the default
// backend for tests and for missions that do not need durability.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]Record
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]Record)}
}

// Get retrieves a record by key. A missing key returns (nil, nil).
func (s *MemoryStore) Get(ctx context.Context, key string) (Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	record, ok := s.records[key]
	if !ok {
		return nil, nil
	}
	return clone(record), nil
}

// Set stores a record under key, replacing any existing record.
func (s *MemoryStore) Set(ctx context.Context, key string, record Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[key] = clone(record)
	return nil
}

// Update shallow-merges partial into the record at key, creating it
// when absent.
func (s *MemoryStore) Update(ctx context.Context, key string, partial Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[key] = merge(s.records[key], partial)
	return nil
}

// Delete removes the record at key. Missing keys are a no-op.
func (s *MemoryStore) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, key)
	return nil
}

// List returns matching records in key order.
func (s *MemoryStore) List(ctx context.Context, filter *Filter) ([]Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	keys := make([]string, 0, len(s.records))
	for k := range s.records {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	results := make([]Record, 0, len(keys))
	for _, k := range keys {
		if filter.Matches(s.records[k]) {
			results = append(results, clone(s.records[k]))
		}
	}
	return filter.Window(results), nil
}

// Count returns the number of matching records, ignoring limit/offset.
func (s *MemoryStore) Count(ctx context.Context, filter *Filter) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n := 0
	for _, record := range s.records {
		if filter.Matches(record) {
			n++
		}
	}
	return n, nil
}

// BulkSet stores all records in one critical section.
func (s *MemoryStore) BulkSet(ctx context.Context, records map[string]Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, v := range records {
		s.records[k] = clone(v)
	}
	return nil
}

// BulkUpsert merges all records in one critical section.
func (s *MemoryStore) BulkUpsert(ctx context.Context, records map[string]Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, v := range records {
		s.records[k] = merge(s.records[k], v)
	}
	return nil
}

// Close is a no-op for the in-memory backend.
func (s *MemoryStore) Close(ctx context.Context) error { return nil }
