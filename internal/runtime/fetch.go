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

package runtime

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/reqon/reqon/internal/httpx"
	"github.com/reqon/reqon/pkg/errors"
	"github.com/reqon/reqon/pkg/events"
	"github.com/reqon/reqon/pkg/mission"
)

// handleFetch issues the request (paginated or single) and writes the
// payload into the response register. Path and parameter templates
// like /users/{id} resolve against the current scope.
func (r *runner) handleFetch(ctx context.Context, ar *actionRun, f *mission.FetchStep, stepID string, ec *Context) (*signal, error) {
	source, client, err := r.resolveSource(f.Source)
	if err != nil {
		return nil, err
	}
	env := r.env(ec)

	path, err := r.interpolate(f.Path, env)
	if err != nil {
		return nil, err
	}

	query := make(mission.Params, 0, len(f.Query)+1)
	for _, p := range f.Query {
		value, err := r.interpolate(p.Value, env)
		if err != nil {
			return nil, err
		}
		query = append(query, mission.Param{Name: p.Name, Value: value})
	}

	var firstPageOnly mission.Params
	if f.Since != nil {
		since := r.sinceParam(source, ar.name, f.Since)
		ar.since[source] = struct{}{}
		if f.Paginate != nil {
			// Only the first page's query gains the since marker; later
			// pages are addressed by the cursor alone.
			firstPageOnly = mission.Params{since}
		} else {
			query = append(query, since)
		}
	}

	var body any
	if f.Body != nil {
		interpolated := make(map[string]any, len(f.Body))
		for k, v := range f.Body {
			if s, ok := v.(string); ok {
				iv, err := r.interpolate(s, env)
				if err != nil {
					return nil, err
				}
				interpolated[k] = iv
				continue
			}
			interpolated[k] = v
		}
		body = interpolated
	}

	req := &httpx.Request{
		Method:  f.Method,
		Path:    path,
		Query:   query,
		Body:    body,
		Headers: f.Headers,
		Retry:   f.Retry,
	}

	r.emitFetch(events.FetchStart, source, req, 0, "")

	if f.Paginate != nil {
		result, err := r.pagers[source].Fetch(ctx, ar.name+"/"+stepID, req, f.Paginate, f.ArrayField, firstPageOnly)
		if result != nil {
			// Keep whatever pages arrived reachable, even when the page
			// ceiling fired.
			ec.SetResponse(result.Items)
		}
		if err != nil {
			r.emitFetch(events.FetchError, source, req, 0, r.mask(err.Error()))
			return nil, err
		}
		// The paginator emits fetch.complete per page.
		return nil, nil
	}

	resp, err := client.Do(ctx, req)
	if resp != nil {
		// 4xx responses carry both a parsed body and an error; keep the
		// body reachable for diagnostics even though the step fails.
		ec.SetResponse(resp.Body)
	}
	if err != nil {
		r.emitFetch(events.FetchError, source, req, status(resp), r.mask(err.Error()))
		return nil, err
	}

	r.emitFetch(events.FetchComplete, source, req, resp.Status, "")
	return nil, nil
}

// resolveSource names the fetch target, defaulting to the lone defined
// source.
func (r *runner) resolveSource(name string) (string, *httpx.Client, error) {
	if name == "" {
		if len(r.clients) == 1 {
			for n, c := range r.clients {
				return n, c, nil
			}
		}
		return "", nil, &errors.ConfigError{
			Key:        "fetch.source",
			Reason:     fmt.Sprintf("fetch names no source and the mission defines %d", len(r.clients)),
			Suggestion: "set source on the fetch step",
		}
	}
	client, ok := r.clients[name]
	if !ok {
		return "", nil, &errors.ConfigError{
			Key:    "sources." + name,
			Reason: "fetch references an undeclared source",
		}
	}
	return name, client, nil
}

// sinceParam builds the incremental-sync query parameter from the last
// committed checkpoint, or the epoch on the first run.
func (r *runner) sinceParam(source, action string, def *mission.SinceDef) mission.Param {
	name := def.Param
	if name == "" {
		name = "since"
	}
	at := time.Unix(0, 0).UTC()
	if entry, ok := r.sync.Get(source, action); ok {
		at = entry.Timestamp
	}
	return mission.Param{Name: name, Value: formatSince(at, def.Format)}
}

func formatSince(at time.Time, format string) string {
	switch format {
	case "unix":
		return strconv.FormatInt(at.Unix(), 10)
	case "unix_ms":
		return strconv.FormatInt(at.UnixMilli(), 10)
	default:
		return at.UTC().Format(time.RFC3339)
	}
}

func status(resp *httpx.Response) int {
	if resp == nil {
		return 0
	}
	return resp.Status
}

func (r *runner) emitFetch(t events.Type, source string, req *httpx.Request, statusCode int, errMsg string) {
	if r.bus == nil {
		return
	}
	r.bus.Emit(events.Event{
		Type:    t,
		Mission: r.def.Name,
		RunID:   r.runID,
		Payload: events.FetchPayload{
			Source: source,
			Method: req.Method,
			Path:   req.Path,
			Status: statusCode,
			Error:  errMsg,
		},
	})
}
