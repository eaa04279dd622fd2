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

// Package paginate walks multi-page collections over the HTTP client,
// concatenating each page's result array.
package paginate

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/reqon/reqon/internal/httpx"
	"github.com/reqon/reqon/pkg/errors"
	"github.com/reqon/reqon/pkg/events"
	"github.com/reqon/reqon/pkg/mission"
	"github.com/reqon/reqon/pkg/mission/expression"
)

// Doer issues one request; satisfied by *httpx.Client.
type Doer interface {
	Do(ctx context.Context, req *httpx.Request) (*httpx.Response, error)
}

// Result is the concatenated outcome of a paginated fetch.
type Result struct {
	Items []any
	Pages int
	// Last is the final page's response, for callers that inspect
	// headers or the raw body.
	Last *httpx.Response
}

// Paginator drives the page loop for fetch steps.
type Paginator struct {
	client Doer
	eval   *expression.Evaluator
	detect *detector
	logger *slog.Logger
	bus    *events.Bus
	source string
}

// New creates a paginator over client.
func New(client Doer, eval *expression.Evaluator, bus *events.Bus, source string, logger *slog.Logger) *Paginator {
	if logger == nil {
		logger = slog.Default()
	}
	if eval == nil {
		eval = expression.New()
	}
	return &Paginator{
		client: client,
		eval:   eval,
		detect: newDetector(),
		logger: logger,
		bus:    bus,
		source: source,
	}
}

// Fetch walks pages until a termination condition fires and returns the
// concatenated items. stepID scopes the array-field cache; arrayField,
// when set, pins detection. firstPageOnly params (the since marker) ride
// the first request and are dropped from every later page.
func (p *Paginator) Fetch(ctx context.Context, stepID string, base *httpx.Request, def *mission.PaginateDef, arrayField string, firstPageOnly mission.Params) (*Result, error) {
	maxPages := def.MaxPages
	if maxPages <= 0 {
		maxPages = 100
	}
	sizeParam := def.SizeParam
	if sizeParam == "" {
		sizeParam = "limit"
	}

	var (
		result Result
		cursor = p.initialCursor(def)
	)

	for page := 0; page < maxPages; page++ {
		req := cloneRequest(base)
		if page == 0 {
			req.Query = append(req.Query, firstPageOnly...)
		}
		if cursor != "" {
			setParam(&req.Query, def.Param, cursor)
		}
		if def.PageSize > 0 {
			setParam(&req.Query, sizeParam, strconv.Itoa(def.PageSize))
		}

		resp, err := p.client.Do(ctx, req)
		if err != nil {
			return nil, err
		}
		result.Last = resp
		result.Pages++

		items, err := p.detect.items(stepID, resp.Body, arrayField)
		if err != nil {
			return nil, err
		}
		result.Items = append(result.Items, items...)

		p.emitPage(req, resp.Status, result.Pages)

		stop, err := p.shouldStop(def, resp, items)
		if err != nil {
			return nil, err
		}
		if stop {
			return &result, nil
		}

		cursor, err = p.advance(def, cursor, resp)
		if err != nil {
			return nil, err
		}
		if cursor == "" {
			// Cursor strategy with no next token terminates.
			return &result, nil
		}
	}

	// The pages fetched so far are still returned so callers can keep
	// the partial payload reachable.
	return &result, &errors.PaginationLimitError{
		MaxPages:     maxPages,
		PagesFetched: result.Pages,
	}
}

// initialCursor is the first page's token: offset starts at 0, page at
// 1, cursor sends nothing.
func (p *Paginator) initialCursor(def *mission.PaginateDef) string {
	switch def.Strategy {
	case "offset":
		return "0"
	case "page":
		return "1"
	default:
		return ""
	}
}

// shouldStop applies the until predicate, falling back to the
// strategy's default (extracted array empty).
func (p *Paginator) shouldStop(def *mission.PaginateDef, resp *httpx.Response, items []any) (bool, error) {
	if def.Until != "" {
		env := expression.BuildEnv(nil, resp.Body, nil)
		stop, err := p.eval.EvaluateBool(def.Until, env)
		if err != nil {
			return false, err
		}
		return stop, nil
	}

	switch def.Strategy {
	case "offset", "page":
		return len(items) == 0, nil
	default:
		// Cursor strategy terminates through the next token.
		return false, nil
	}
}

// advance computes the next page's cursor token.
func (p *Paginator) advance(def *mission.PaginateDef, cursor string, resp *httpx.Response) (string, error) {
	switch def.Strategy {
	case "offset":
		current, _ := strconv.Atoi(cursor)
		step := def.PageSize
		if step <= 0 {
			step = 1
		}
		return strconv.Itoa(current + step), nil

	case "page":
		current, _ := strconv.Atoi(cursor)
		return strconv.Itoa(current + 1), nil

	case "cursor":
		next, err := resolveNext(def.NextPath, resp.Body)
		if err != nil {
			return "", err
		}
		return next, nil

	default:
		return "", &errors.ConfigError{
			Key:    "paginate.strategy",
			Reason: fmt.Sprintf("unknown strategy %q", def.Strategy),
		}
	}
}

// cloneRequest copies the base request so per-page cursor params never
// leak between pages.
func cloneRequest(base *httpx.Request) *httpx.Request {
	req := *base
	req.Query = make(mission.Params, len(base.Query))
	copy(req.Query, base.Query)
	return &req
}

// setParam replaces an existing param in place or appends, preserving
// overall ordering.
func setParam(params *mission.Params, name, value string) {
	for i := range *params {
		if (*params)[i].Name == name {
			(*params)[i].Value = value
			return
		}
	}
	*params = append(*params, mission.Param{Name: name, Value: value})
}

func (p *Paginator) emitPage(req *httpx.Request, status, pages int) {
	if p.bus == nil {
		return
	}
	p.bus.Emit(events.Event{
		Type: events.FetchComplete,
		Payload: events.FetchPayload{
			Source: p.source,
			Method: req.Method,
			Path:   req.Path,
			Status: status,
			Pages:  pages,
		},
	})
}
