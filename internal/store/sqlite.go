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
	"database/sql"
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strings"

	_ "modernc.org/sqlite"

	"github.com/reqon/reqon/pkg/errors"
)

// tableNamePattern restricts collection names to identifiers we can
// safely embed in DDL.
var tableNamePattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// SQLiteStore persists a collection in a SQLite table of (key, JSON
// document) rows. Filters are pushed down with json_extract.
type SQLiteStore struct {
	name  string
	db    *sql.DB
	table string
}

// NewSQLiteStore opens the database at dsn and ensures the collection
// table exists.
func NewSQLiteStore(name, dsn, collection string) (*SQLiteStore, error) {
	if !tableNamePattern.MatchString(collection) {
		return nil, &errors.StoreError{
			Store: name,
			Kind:  errors.StoreErrIO,
			Op:    "init",
			Cause: fmt.Errorf("invalid collection name %q", collection),
		}
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, &errors.StoreError{
			Store: name, Kind: errors.StoreErrUnavailable, Op: "init", Cause: err,
		}
	}
	// modernc.org/sqlite serializes writes; a single connection avoids
	// SQLITE_BUSY under parallel actions.
	db.SetMaxOpenConns(1)

	ddl := fmt.Sprintf(
		`CREATE TABLE IF NOT EXISTS %q (key TEXT PRIMARY KEY, data TEXT NOT NULL)`,
		collection,
	)
	if _, err := db.Exec(ddl); err != nil {
		db.Close()
		return nil, &errors.StoreError{
			Store: name, Kind: errors.StoreErrUnavailable, Op: "init", Cause: err,
		}
	}

	return &SQLiteStore{name: name, db: db, table: collection}, nil
}

// Get retrieves a record by key. A missing key returns (nil, nil).
func (s *SQLiteStore) Get(ctx context.Context, key string) (Record, error) {
	var data string
	query := fmt.Sprintf(`SELECT data FROM %q WHERE key = ?`, s.table)
	err := s.db.QueryRowContext(ctx, query, key).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, s.ioErr("get", key, err)
	}

	var record Record
	if err := json.Unmarshal([]byte(data), &record); err != nil {
		return nil, s.ioErr("get", key, err)
	}
	return record, nil
}

// Set stores a record under key, replacing any existing record.
func (s *SQLiteStore) Set(ctx context.Context, key string, record Record) error {
	data, err := json.Marshal(record)
	if err != nil {
		return s.ioErr("set", key, err)
	}
	query := fmt.Sprintf(
		`INSERT INTO %q (key, data) VALUES (?, ?)
		 ON CONFLICT(key) DO UPDATE SET data = excluded.data`, s.table)
	if _, err := s.db.ExecContext(ctx, query, key, string(data)); err != nil {
		return s.ioErr("set", key, err)
	}
	return nil
}

// Update shallow-merges partial into the record at key, creating it
// when absent. The read-merge-write runs in a transaction.
func (s *SQLiteStore) Update(ctx context.Context, key string, partial Record) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return s.ioErr("update", key, err)
	}
	defer tx.Rollback()

	var existing Record
	var data string
	query := fmt.Sprintf(`SELECT data FROM %q WHERE key = ?`, s.table)
	err = tx.QueryRowContext(ctx, query, key).Scan(&data)
	switch {
	case err == sql.ErrNoRows:
		// Upsert: create from the partial alone.
	case err != nil:
		return s.ioErr("update", key, err)
	default:
		if err := json.Unmarshal([]byte(data), &existing); err != nil {
			return s.ioErr("update", key, err)
		}
	}

	out, err := json.Marshal(merge(existing, partial))
	if err != nil {
		return s.ioErr("update", key, err)
	}
	upsert := fmt.Sprintf(
		`INSERT INTO %q (key, data) VALUES (?, ?)
		 ON CONFLICT(key) DO UPDATE SET data = excluded.data`, s.table)
	if _, err := tx.ExecContext(ctx, upsert, key, string(out)); err != nil {
		return s.ioErr("update", key, err)
	}
	if err := tx.Commit(); err != nil {
		return s.ioErr("update", key, err)
	}
	return nil
}

// Delete removes the record at key. Missing keys are a no-op.
func (s *SQLiteStore) Delete(ctx context.Context, key string) error {
	query := fmt.Sprintf(`DELETE FROM %q WHERE key = ?`, s.table)
	if _, err := s.db.ExecContext(ctx, query, key); err != nil {
		return s.ioErr("delete", key, err)
	}
	return nil
}

// List returns matching records in key order.
func (s *SQLiteStore) List(ctx context.Context, filter *Filter) ([]Record, error) {
	query, args := s.selectQuery("data", filter, true)
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, s.ioErr("list", "", err)
	}
	defer rows.Close()

	var results []Record
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, s.ioErr("list", "", err)
		}
		var record Record
		if err := json.Unmarshal([]byte(data), &record); err != nil {
			return nil, s.ioErr("list", "", err)
		}
		results = append(results, record)
	}
	if err := rows.Err(); err != nil {
		return nil, s.ioErr("list", "", err)
	}
	if results == nil {
		results = []Record{}
	}
	return results, nil
}

// Count returns the number of matching records.
func (s *SQLiteStore) Count(ctx context.Context, filter *Filter) (int, error) {
	counted := &Filter{}
	if filter != nil {
		counted.Where = filter.Where
	}
	query, args := s.selectQuery("COUNT(*)", counted, false)
	var n int
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
		return 0, s.ioErr("count", "", err)
	}
	return n, nil
}

// BulkSet stores all records in one transaction.
func (s *SQLiteStore) BulkSet(ctx context.Context, records map[string]Record) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return s.ioErr("bulk_set", "", err)
	}
	defer tx.Rollback()

	query := fmt.Sprintf(
		`INSERT INTO %q (key, data) VALUES (?, ?)
		 ON CONFLICT(key) DO UPDATE SET data = excluded.data`, s.table)
	for key, record := range records {
		data, err := json.Marshal(record)
		if err != nil {
			return s.ioErr("bulk_set", key, err)
		}
		if _, err := tx.ExecContext(ctx, query, key, string(data)); err != nil {
			return s.ioErr("bulk_set", key, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return s.ioErr("bulk_set", "", err)
	}
	return nil
}

// BulkUpsert merges all records, one Update per key.
func (s *SQLiteStore) BulkUpsert(ctx context.Context, records map[string]Record) error {
	for key, record := range records {
		if err := s.Update(ctx, key, record); err != nil {
			return err
		}
	}
	return nil
}

// Close releases the database handle.
func (s *SQLiteStore) Close(ctx context.Context) error {
	if err := s.db.Close(); err != nil {
		return s.ioErr("close", "", err)
	}
	return nil
}

// selectQuery builds a SELECT with json_extract equality predicates for
// the filter's Where clause, and optional ordering plus limit/offset.
func (s *SQLiteStore) selectQuery(projection string, filter *Filter, ordered bool) (string, []any) {
	var b strings.Builder
	var args []any

	fmt.Fprintf(&b, `SELECT %s FROM %q`, projection, s.table)

	if filter != nil && len(filter.Where) > 0 {
		paths := make([]string, 0, len(filter.Where))
		for path := range filter.Where {
			paths = append(paths, path)
		}
		// Deterministic predicate order keeps query text cacheable.
		sort.Strings(paths)

		conds := make([]string, 0, len(paths))
		for _, path := range paths {
			conds = append(conds, `json_extract(data, ?) = ?`)
			args = append(args, "$."+path, filter.Where[path])
		}
		b.WriteString(" WHERE " + strings.Join(conds, " AND "))
	}

	if ordered {
		b.WriteString(" ORDER BY key")
	}
	if filter != nil && filter.Limit > 0 {
		fmt.Fprintf(&b, " LIMIT %d", filter.Limit)
		if filter.Offset > 0 {
			fmt.Fprintf(&b, " OFFSET %d", filter.Offset)
		}
	} else if filter != nil && filter.Offset > 0 {
		fmt.Fprintf(&b, " LIMIT -1 OFFSET %d", filter.Offset)
	}

	return b.String(), args
}

func (s *SQLiteStore) ioErr(op, key string, err error) error {
	return &errors.StoreError{
		Store: s.name,
		Kind:  errors.StoreErrIO,
		Op:    op,
		Key:   key,
		Cause: err,
	}
}

