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
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/reqon/reqon/pkg/errors"
)

// FileStore persists a collection as a single JSON file. Writes are
// debounced: mutations mark the store dirty and (re)arm a timer; the
// flush writes the whole snapshot atomically via a temp file rename.
// Close flushes synchronously, so nothing is lost on shutdown.
type FileStore struct {
	path     string
	interval time.Duration

	mu      sync.RWMutex
	records map[string]Record

	flushMu  sync.Mutex // serializes flushes; no two overlap
	dirtyMu  sync.Mutex
	dirty    bool
	timer    *time.Timer
	closed   bool
	flushErr error
}

// NewFileStore opens (or creates) the collection file at path and loads
// any existing records. This is the two-step construction: a returned
// handle is ready for use.
func NewFileStore(path string, flushInterval time.Duration) (*FileStore, error) {
	if flushInterval <= 0 {
		flushInterval = 100 * time.Millisecond
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, &errors.StoreError{
			Store: path,
			Kind:  errors.StoreErrIO,
			Op:    "init",
			Cause: err,
		}
	}

	s := &FileStore{
		path:     path,
		interval: flushInterval,
		records:  make(map[string]Record),
	}

	data, err := os.ReadFile(path)
	switch {
	case os.IsNotExist(err):
		// Fresh collection.
	case err != nil:
		return nil, &errors.StoreError{
			Store: path,
			Kind:  errors.StoreErrIO,
			Op:    "init",
			Cause: err,
		}
	case len(data) > 0:
		if err := json.Unmarshal(data, &s.records); err != nil {
			return nil, &errors.StoreError{
				Store: path,
				Kind:  errors.StoreErrIO,
				Op:    "init",
				Cause: fmt.Errorf("corrupt collection file: %w", err),
			}
		}
	}
	return s, nil
}

// Get retrieves a record by key. A missing key returns (nil, nil).
func (s *FileStore) Get(ctx context.Context, key string) (Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	record, ok := s.records[key]
	if !ok {
		return nil, nil
	}
	return clone(record), nil
}

// Set stores a record under key, replacing any existing record.
func (s *FileStore) Set(ctx context.Context, key string, record Record) error {
	s.mu.Lock()
	s.records[key] = clone(record)
	s.mu.Unlock()
	s.markDirty()
	return nil
}

// Update shallow-merges partial into the record at key, creating it
// when absent.
func (s *FileStore) Update(ctx context.Context, key string, partial Record) error {
	s.mu.Lock()
	s.records[key] = merge(s.records[key], partial)
	s.mu.Unlock()
	s.markDirty()
	return nil
}

// Delete removes the record at key. Missing keys are a no-op.
func (s *FileStore) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	_, existed := s.records[key]
	delete(s.records, key)
	s.mu.Unlock()
	if existed {
		s.markDirty()
	}
	return nil
}

// List returns matching records in key order.
func (s *FileStore) List(ctx context.Context, filter *Filter) ([]Record, error) {
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

// Count returns the number of matching records.
func (s *FileStore) Count(ctx context.Context, filter *Filter) (int, error) {
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

// BulkSet stores all records then schedules a single flush.
func (s *FileStore) BulkSet(ctx context.Context, records map[string]Record) error {
	s.mu.Lock()
	for k, v := range records {
		s.records[k] = clone(v)
	}
	s.mu.Unlock()
	s.markDirty()
	return nil
}

// BulkUpsert merges all records then schedules a single flush.
func (s *FileStore) BulkUpsert(ctx context.Context, records map[string]Record) error {
	s.mu.Lock()
	for k, v := range records {
		s.records[k] = merge(s.records[k], v)
	}
	s.mu.Unlock()
	s.markDirty()
	return nil
}

// Close flushes any pending writes and stops the debounce timer.
func (s *FileStore) Close(ctx context.Context) error {
	s.dirtyMu.Lock()
	s.closed = true
	if s.timer != nil {
		s.timer.Stop()
	}
	wasDirty := s.dirty
	s.dirtyMu.Unlock()

	if wasDirty {
		return s.Flush()
	}
	s.dirtyMu.Lock()
	defer s.dirtyMu.Unlock()
	return s.flushErr
}

// Flush writes the current snapshot to disk synchronously.
func (s *FileStore) Flush() error {
	s.flushMu.Lock()
	defer s.flushMu.Unlock()

	s.dirtyMu.Lock()
	s.dirty = false
	s.dirtyMu.Unlock()

	s.mu.RLock()
	data, err := json.MarshalIndent(s.records, "", "  ")
	s.mu.RUnlock()
	if err != nil {
		return s.recordFlushErr(&errors.StoreError{
			Store: s.path, Kind: errors.StoreErrIO, Op: "flush", Cause: err,
		})
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return s.recordFlushErr(&errors.StoreError{
			Store: s.path, Kind: errors.StoreErrIO, Op: "flush", Cause: err,
		})
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return s.recordFlushErr(&errors.StoreError{
			Store: s.path, Kind: errors.StoreErrIO, Op: "flush", Cause: err,
		})
	}
	return s.recordFlushErr(nil)
}

// markDirty flags pending changes and arms (or re-arms) the debounce
// timer. Mutations during a pending window coalesce into one flush.
func (s *FileStore) markDirty() {
	s.dirtyMu.Lock()
	defer s.dirtyMu.Unlock()

	s.dirty = true
	if s.closed {
		return
	}
	if s.timer != nil {
		s.timer.Stop()
	}
	s.timer = time.AfterFunc(s.interval, func() {
		s.dirtyMu.Lock()
		shouldFlush := s.dirty && !s.closed
		s.dirtyMu.Unlock()
		if shouldFlush {
			// Background flush; the error is kept for Close to report.
			_ = s.Flush()
		}
	})
}

func (s *FileStore) recordFlushErr(err error) error {
	s.dirtyMu.Lock()
	s.flushErr = err
	s.dirtyMu.Unlock()
	return err
}
