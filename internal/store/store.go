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

// Package store provides the keyed persistence adapters missions write
// to: in-memory, file-backed with debounced flushes, SQLite, and
// SQL-via-REST (PostgREST). All adapters are safe for concurrent use
// from parallel actions.
package store

import (
	"context"
	"strings"
)

// Record is a single stored value. Records are JSON-shaped objects.
type Record = map[string]any

// Store is the uniform adapter contract.
type Store interface {
	// Get retrieves a record by key. A missing key returns (nil, nil).
	Get(ctx context.Context, key string) (Record, error)

	// Set stores a record under key, replacing any existing record.
	Set(ctx context.Context, key string, record Record) error

	// Update shallow-merges partial into the record at key, creating it
	// when absent (upsert).
	Update(ctx context.Context, key string, partial Record) error

	// Delete removes the record at key. Deleting a missing key is a no-op.
	Delete(ctx context.Context, key string) error

	// List returns records matching the filter, in stable key order.
	List(ctx context.Context, filter *Filter) ([]Record, error)

	// Count returns the number of records matching the filter.
	Count(ctx context.Context, filter *Filter) (int, error)

	// Close flushes pending writes and releases resources.
	Close(ctx context.Context) error
}

// BulkStore is implemented by adapters with native batch operations.
type BulkStore interface {
	BulkSet(ctx context.Context, records map[string]Record) error
	BulkUpsert(ctx context.Context, records map[string]Record) error
}

// Filter narrows List and Count results. Where maps field paths
// (dotted for nested fields) to expected values, compared by equality.
type Filter struct {
	Where  map[string]any
	Limit  int
	Offset int
}

// Matches reports whether a record satisfies the filter's Where clause.
// Limit and Offset are applied by the caller.
func (f *Filter) Matches(record Record) bool {
	if f == nil || len(f.Where) == 0 {
		return true
	}
	for path, want := range f.Where {
		got, ok := lookupPath(record, path)
		if !ok || got != want {
			return false
		}
	}
	return true
}

// Window applies the filter's offset and limit to an already-matched
// result set.
func (f *Filter) Window(records []Record) []Record {
	if f == nil {
		return records
	}
	if f.Offset > 0 {
		if f.Offset >= len(records) {
			return []Record{}
		}
		records = records[f.Offset:]
	}
	if f.Limit > 0 && len(records) > f.Limit {
		records = records[:f.Limit]
	}
	return records
}

// lookupPath walks a dotted field path through nested objects.
func lookupPath(record Record, path string) (any, bool) {
	parts := strings.Split(path, ".")
	var current any = record
	for _, part := range parts {
		obj, ok := current.(map[string]any)
		if !ok {
			return nil, false
		}
		current, ok = obj[part]
		if !ok {
			return nil, false
		}
	}
	return current, true
}

// merge shallow-merges partial over base, returning a new record.
func merge(base, partial Record) Record {
	out := make(Record, len(base)+len(partial))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range partial {
		out[k] = v
	}
	return out
}

// clone copies a record one level deep so callers cannot mutate stored
// state through the returned map.
func clone(record Record) Record {
	if record == nil {
		return nil
	}
	out := make(Record, len(record))
	for k, v := range record {
		out[k] = v
	}
	return out
}
