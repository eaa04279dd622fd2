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
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	rqerrors "github.com/reqon/reqon/pkg/errors"
)

// PostgRESTStore persists records through a PostgREST endpoint. The
// collection table is expected to expose a "key" text primary key and
// a "data" jsonb column. Writes to the same key are serialized by an
// in-process key-level mutex; the remote service provides durability.
type PostgRESTStore struct {
	name       string
	baseURL    string
	collection string
	client     *http.Client

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex
}

// row is the wire shape of a stored record.
type row struct {
	Key  string `json:"key"`
	Data Record `json:"data"`
}

// NewPostgRESTStore verifies the endpoint is reachable and returns a
// ready handle.
func NewPostgRESTStore(ctx context.Context, name, baseURL, collection string) (*PostgRESTStore, error) {
	s := &PostgRESTStore{
		name:       name,
		baseURL:    strings.TrimRight(baseURL, "/"),
		collection: collection,
		client:     &http.Client{Timeout: 30 * time.Second},
		locks:      make(map[string]*sync.Mutex),
	}

	// Reachability probe: HEAD the collection with an empty result set.
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, s.collectionURL("limit=0"), nil)
	if err != nil {
		return nil, s.err(rqerrors.StoreErrUnavailable, "init", "", err)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, s.err(rqerrors.StoreErrUnavailable, "init", "", err)
	}
	resp.Body.Close()
	if resp.StatusCode >= 400 {
		return nil, s.err(rqerrors.StoreErrUnavailable, "init", "",
			fmt.Errorf("endpoint returned %d", resp.StatusCode))
	}
	return s, nil
}

// Get retrieves a record by key. A missing key returns (nil, nil).
func (s *PostgRESTStore) Get(ctx context.Context, key string) (Record, error) {
	rows, err := s.query(ctx, "get", "key=eq."+url.QueryEscape(key))
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return rows[0].Data, nil
}

// Set stores a record under key, replacing any existing record.
func (s *PostgRESTStore) Set(ctx context.Context, key string, record Record) error {
	unlock := s.lockKey(key)
	defer unlock()
	return s.upsertRow(ctx, "set", row{Key: key, Data: record})
}

// Update shallow-merges partial into the record at key, creating it
// when absent. Read-merge-write under the key's mutex.
func (s *PostgRESTStore) Update(ctx context.Context, key string, partial Record) error {
	unlock := s.lockKey(key)
	defer unlock()

	existing, err := s.Get(ctx, key)
	if err != nil {
		return err
	}
	return s.upsertRow(ctx, "update", row{Key: key, Data: merge(existing, partial)})
}

// Delete removes the record at key. Missing keys are a no-op.
func (s *PostgRESTStore) Delete(ctx context.Context, key string) error {
	unlock := s.lockKey(key)
	defer unlock()

	req, err := http.NewRequestWithContext(ctx, http.MethodDelete,
		s.collectionURL("key=eq."+url.QueryEscape(key)), nil)
	if err != nil {
		return s.err(rqerrors.StoreErrIO, "delete", key, err)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return s.err(rqerrors.StoreErrUnavailable, "delete", key, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return s.statusErr("delete", key, resp)
	}
	return nil
}

// List returns matching records.
func (s *PostgRESTStore) List(ctx context.Context, filter *Filter) ([]Record, error) {
	rows, err := s.query(ctx, "list", s.filterParams(filter)...)
	if err != nil {
		return nil, err
	}
	results := make([]Record, len(rows))
	for i, r := range rows {
		results[i] = r.Data
	}
	return results, nil
}

// Count returns the number of matching records using PostgREST's exact
// count header.
func (s *PostgRESTStore) Count(ctx context.Context, filter *Filter) (int, error) {
	params := []string{"limit=0"}
	if filter != nil {
		counted := &Filter{Where: filter.Where}
		params = append(s.filterParams(counted), "limit=0")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.collectionURL(params...), nil)
	if err != nil {
		return 0, s.err(rqerrors.StoreErrIO, "count", "", err)
	}
	req.Header.Set("Prefer", "count=exact")

	resp, err := s.client.Do(req)
	if err != nil {
		return 0, s.err(rqerrors.StoreErrUnavailable, "count", "", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return 0, s.statusErr("count", "", resp)
	}

	// Content-Range: 0-24/573 or */0
	cr := resp.Header.Get("Content-Range")
	if idx := strings.LastIndex(cr, "/"); idx >= 0 {
		if n, err := strconv.Atoi(cr[idx+1:]); err == nil {
			return n, nil
		}
	}
	return 0, s.err(rqerrors.StoreErrIO, "count", "",
		fmt.Errorf("unparseable Content-Range %q", cr))
}

// BulkSet posts all rows in one upsert request.
func (s *PostgRESTStore) BulkSet(ctx context.Context, records map[string]Record) error {
	rows := make([]row, 0, len(records))
	for k, v := range records {
		rows = append(rows, row{Key: k, Data: v})
	}
	return s.upsertRows(ctx, "bulk_set", rows)
}

// BulkUpsert merges all records, one Update per key.
func (s *PostgRESTStore) BulkUpsert(ctx context.Context, records map[string]Record) error {
	for k, v := range records {
		if err := s.Update(ctx, k, v); err != nil {
			return err
		}
	}
	return nil
}

// Close is a no-op; the remote service owns durability.
func (s *PostgRESTStore) Close(ctx context.Context) error { return nil }

func (s *PostgRESTStore) upsertRow(ctx context.Context, op string, r row) error {
	return s.upsertRows(ctx, op, []row{r})
}

func (s *PostgRESTStore) upsertRows(ctx context.Context, op string, rows []row) error {
	body, err := json.Marshal(rows)
	if err != nil {
		return s.err(rqerrors.StoreErrIO, op, "", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		s.collectionURL(), bytes.NewReader(body))
	if err != nil {
		return s.err(rqerrors.StoreErrIO, op, "", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Prefer", "resolution=merge-duplicates")

	resp, err := s.client.Do(req)
	if err != nil {
		return s.err(rqerrors.StoreErrUnavailable, op, "", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return s.statusErr(op, "", resp)
	}
	return nil
}

func (s *PostgRESTStore) query(ctx context.Context, op string, params ...string) ([]row, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.collectionURL(params...), nil)
	if err != nil {
		return nil, s.err(rqerrors.StoreErrIO, op, "", err)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, s.err(rqerrors.StoreErrUnavailable, op, "", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return nil, s.statusErr(op, "", resp)
	}

	var rows []row
	if err := json.NewDecoder(resp.Body).Decode(&rows); err != nil {
		return nil, s.err(rqerrors.StoreErrIO, op, "", err)
	}
	return rows, nil
}

// filterParams translates a Filter into PostgREST query parameters,
// addressing record fields through the data jsonb column.
func (s *PostgRESTStore) filterParams(filter *Filter) []string {
	if filter == nil {
		return nil
	}
	var params []string
	for path, want := range filter.Where {
		params = append(params, jsonPath(path)+"=eq."+url.QueryEscape(fmt.Sprintf("%v", want)))
	}
	sort.Strings(params)
	if filter.Limit > 0 {
		params = append(params, "limit="+strconv.Itoa(filter.Limit))
	}
	if filter.Offset > 0 {
		params = append(params, "offset="+strconv.Itoa(filter.Offset))
	}
	return params
}

// jsonPath maps a dotted field path to PostgREST jsonb accessor syntax:
// "a.b" -> "data->a->>b".
func jsonPath(path string) string {
	parts := strings.Split(path, ".")
	out := "data"
	for i, p := range parts {
		if i == len(parts)-1 {
			out += "->>" + p
		} else {
			out += "->" + p
		}
	}
	return out
}

func (s *PostgRESTStore) collectionURL(params ...string) string {
	u := s.baseURL + "/" + s.collection
	if len(params) > 0 {
		u += "?" + strings.Join(params, "&")
	}
	return u
}

// lockKey acquires the per-key mutex, creating it on first use.
func (s *PostgRESTStore) lockKey(key string) func() {
	s.locksMu.Lock()
	m, ok := s.locks[key]
	if !ok {
		m = &sync.Mutex{}
		s.locks[key] = m
	}
	s.locksMu.Unlock()

	m.Lock()
	return m.Unlock
}

func (s *PostgRESTStore) statusErr(op, key string, resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	kind := rqerrors.StoreErrIO
	switch {
	case resp.StatusCode == http.StatusConflict:
		kind = rqerrors.StoreErrConflict
	case resp.StatusCode >= 500:
		kind = rqerrors.StoreErrUnavailable
	}
	return s.err(kind, op, key, fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(body))))
}

func (s *PostgRESTStore) err(kind rqerrors.StoreErrorKind, op, key string, cause error) error {
	return &rqerrors.StoreError{
		Store: s.name,
		Kind:  kind,
		Op:    op,
		Key:   key,
		Cause: cause,
	}
}
