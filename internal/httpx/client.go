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

// Package httpx issues mission HTTP requests through the source's
// resilience policies. Per attempt the ordering is a contract: breaker
// first, then rate-limit wait, then auth, then the wire.
package httpx

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/reqon/reqon/internal/breaker"
	"github.com/reqon/reqon/internal/log"
	"github.com/reqon/reqon/internal/ratelimit"
	"github.com/reqon/reqon/pkg/errors"
	"github.com/reqon/reqon/pkg/events"
	"github.com/reqon/reqon/pkg/mission"
)

// Request describes one logical request. Query order is preserved on
// the wire for reproducibility.
type Request struct {
	Method  string
	Path    string
	Query   mission.Params
	Body    any
	Headers map[string]string
	Retry   *mission.RetryDef
}

// Response is the parsed result of a completed request.
type Response struct {
	Status  int
	Body    any
	Raw     []byte
	Headers http.Header
}

// Client issues requests for one source.
type Client struct {
	source   string
	baseURL  string
	def      *mission.SourceDef
	http     *http.Client
	auth     AuthProvider
	limiter  *ratelimit.Limiter
	breakers *breaker.Registry
	bus      *events.Bus
	logger   *slog.Logger
}

// Options wires a client's collaborators.
type Options struct {
	Source   string
	BaseURL  string
	Def      *mission.SourceDef
	Auth     AuthProvider
	Limiter  *ratelimit.Limiter
	Breakers *breaker.Registry
	Bus      *events.Bus
	Logger   *slog.Logger
	// Transport overrides the HTTP transport, for tests.
	Transport http.RoundTripper
}

// NewClient builds a client for a source.
func NewClient(opts Options) *Client {
	timeout := 30 * time.Second
	if opts.Def != nil && opts.Def.Timeout > 0 {
		timeout = time.Duration(opts.Def.Timeout) * time.Second
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	auth := opts.Auth
	if auth == nil {
		auth = noAuth{}
	}
	return &Client{
		source:   opts.Source,
		baseURL:  strings.TrimRight(opts.BaseURL, "/"),
		def:      opts.Def,
		http:     &http.Client{Timeout: timeout, Transport: opts.Transport},
		auth:     auth,
		limiter:  opts.Limiter,
		breakers: opts.Breakers,
		bus:      opts.Bus,
		logger:   logger,
	}
}

// defaultRetry applies when a request carries no policy.
var defaultRetry = &mission.RetryDef{
	MaxAttempts:  3,
	Backoff:      "exponential",
	InitialDelay: 1000,
	MaxDelay:     30000,
}

// Do executes the request under the source's policies. For 4xx statuses
// the retry machinery does not absorb, the parsed response is returned
// together with an HTTPError so callers can fail or route on it.
func (c *Client) Do(ctx context.Context, req *Request) (*Response, error) {
	retry := req.Retry
	if retry == nil {
		retry = defaultRetry
	}
	maxAttempts := retry.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 3
	}

	refreshed := false
	var lastErr error

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if attempt > 1 {
			c.emitRetry(req, attempt)
		}

		outcome, resp, err := c.attempt(ctx, req, refreshed)
		switch outcome {
		case outcomeDone:
			return resp, err

		case outcomeFatal:
			return resp, err

		case outcomeRefresh:
			// The refresh retry does not consume an attempt; at most one
			// refresh per request lifetime.
			refreshed = true
			if err := c.auth.Refresh(ctx); err != nil {
				return nil, err
			}
			attempt--
			continue

		case outcomeRetryAfter:
			lastErr = err
			if attempt < maxAttempts {
				wait := retryAfterDelay(resp, retry, attempt)
				if sleepErr := sleep(ctx, wait); sleepErr != nil {
					return nil, sleepErr
				}
				continue
			}

		case outcomeRetry:
			lastErr = err
			if attempt < maxAttempts {
				if sleepErr := sleep(ctx, Backoff(retry, attempt)); sleepErr != nil {
					return nil, sleepErr
				}
				continue
			}
		}
	}

	if lastErr == nil {
		lastErr = &errors.NetworkError{Source: c.source, Attempts: maxAttempts}
	}
	return nil, lastErr
}

type outcome int

const (
	outcomeDone outcome = iota
	outcomeFatal
	outcomeRetry
	outcomeRetryAfter
	outcomeRefresh
)

// attempt runs one pass of the per-attempt sequencing contract.
func (c *Client) attempt(ctx context.Context, req *Request, refreshed bool) (outcome, *Response, error) {
	var cbCfg *mission.BreakerDef
	var rlCfg *mission.RateLimitDef
	if c.def != nil {
		cbCfg = c.def.CircuitBreaker
		rlCfg = c.def.RateLimit
	}

	// 1. Circuit breaker gate.
	report := func(breaker.Outcome) {}
	if c.breakers != nil {
		var err error
		report, err = c.breakers.Allow(c.source, req.Path, cbCfg)
		if err != nil {
			return outcomeFatal, nil, err
		}
	}

	// 2. Rate-limit capacity. A request stopped here never went out, so
	// the breaker slot is discarded: a success report could close a
	// half-open circuit without a real probe.
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx, c.source, req.Path, rlCfg); err != nil {
			report(breaker.Discard)
			return outcomeFatal, nil, err
		}
	}

	// 3. Auth resolution, including ahead-of-expiry OAuth2 refresh. Same
	// discard rule: no request was issued.
	httpReq, err := c.build(ctx, req)
	if err != nil {
		report(breaker.Discard)
		return outcomeFatal, nil, err
	}

	// 4. Issue.
	httpResp, err := c.http.Do(httpReq)
	if err != nil {
		if breaker.CountsAsFailure(cbCfg, 0, true) {
			report(breaker.Failure)
		} else {
			report(breaker.Success)
		}
		if ctx.Err() != nil {
			return outcomeFatal, nil, ctx.Err()
		}
		return outcomeRetry, nil, &errors.NetworkError{Source: c.source, Attempts: 1, Cause: err}
	}

	raw, readErr := io.ReadAll(httpResp.Body)
	httpResp.Body.Close()

	// 5. Record headers into the rate limiter, 429's Retry-After included.
	if c.limiter != nil {
		c.limiter.Record(c.source, req.Path, httpResp.Header, rlCfg)
	}

	if readErr != nil {
		report(breaker.Failure)
		return outcomeRetry, nil, &errors.NetworkError{Source: c.source, Attempts: 1, Cause: readErr}
	}

	resp := &Response{
		Status:  httpResp.StatusCode,
		Raw:     raw,
		Headers: httpResp.Header,
	}

	switch {
	// 6. 429 is absorbed: wait out Retry-After, not a breaker failure.
	// When retries run out it surfaces as an HTTP error like any other
	// status; RateLimitedError is reserved for the limiter's own
	// fail/max-wait decisions.
	case resp.Status == http.StatusTooManyRequests:
		report(breaker.Success)
		c.parseBody(resp)
		return outcomeRetryAfter, resp, &errors.HTTPError{
			Source: c.source,
			Method: req.Method,
			Path:   req.Path,
			Status: resp.Status,
			Body:   bodyExcerpt(raw),
		}

	// 7. Server errors count against the breaker and retry.
	case resp.Status >= 500:
		if breaker.CountsAsFailure(cbCfg, resp.Status, false) {
			report(breaker.Failure)
		} else {
			report(breaker.Success)
		}
		c.parseBody(resp)
		return outcomeRetry, resp, &errors.HTTPError{
			Source: c.source,
			Method: req.Method,
			Path:   req.Path,
			Status: resp.Status,
			Body:   bodyExcerpt(raw),
		}

	// 8. One refresh per request lifetime answers a 401.
	case resp.Status == http.StatusUnauthorized && c.auth.CanRefresh() && !refreshed:
		report(breaker.Success)
		return outcomeRefresh, resp, nil

	// 9. Everything else completes: parse, record success, return. 4xx
	// still carries an HTTPError for the caller to fail or route on.
	default:
		report(breaker.Success)
		c.parseBody(resp)
		if resp.Status >= 400 {
			return outcomeDone, resp, &errors.HTTPError{
				Source: c.source,
				Method: req.Method,
				Path:   req.Path,
				Status: resp.Status,
				Body:   bodyExcerpt(raw),
			}
		}
		return outcomeDone, resp, nil
	}
}

// build assembles the concrete http.Request for one attempt.
func (c *Client) build(ctx context.Context, req *Request) (*http.Request, error) {
	u := c.baseURL + "/" + strings.TrimLeft(req.Path, "/")
	if len(req.Query) > 0 {
		var q strings.Builder
		for i, p := range req.Query {
			if i > 0 {
				q.WriteByte('&')
			}
			q.WriteString(url.QueryEscape(p.Name))
			q.WriteByte('=')
			q.WriteString(url.QueryEscape(p.Value))
		}
		u += "?" + q.String()
	}

	var body io.Reader
	if req.Body != nil {
		data, err := json.Marshal(req.Body)
		if err != nil {
			return nil, fmt.Errorf("encoding request body: %w", err)
		}
		body = bytes.NewReader(data)
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.Method, u, body)
	if err != nil {
		return nil, &errors.ConfigError{
			Key:    "sources." + c.source,
			Reason: fmt.Sprintf("cannot build request %s %s", req.Method, req.Path),
			Cause:  err,
		}
	}

	if req.Body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	httpReq.Header.Set("Accept", "application/json")
	if c.def != nil {
		for k, v := range c.def.Headers {
			httpReq.Header.Set(k, v)
		}
	}
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}

	if err := c.auth.Apply(ctx, httpReq); err != nil {
		return nil, err
	}
	return httpReq, nil
}

// parseBody decodes JSON bodies; anything else stays raw text.
func (c *Client) parseBody(resp *Response) {
	if len(resp.Raw) == 0 {
		return
	}
	ct := resp.Headers.Get("Content-Type")
	mediaType, _, err := mime.ParseMediaType(ct)
	isJSON := err == nil && (mediaType == "application/json" || strings.HasSuffix(mediaType, "+json"))
	if !isJSON {
		resp.Body = string(resp.Raw)
		return
	}

	var parsed any
	if err := json.Unmarshal(resp.Raw, &parsed); err != nil {
		c.logger.Warn("response declared JSON but failed to parse",
			log.SourceKey, c.source, "error", err)
		resp.Body = string(resp.Raw)
		return
	}
	resp.Body = parsed
}

// retryAfterDelay prefers the server's Retry-After over computed backoff.
func retryAfterDelay(resp *Response, retry *mission.RetryDef, attempt int) time.Duration {
	if resp != nil {
		snap := ratelimit.ParseHeaders(resp.Headers, time.Now())
		if snap.HasRetry {
			return snap.RetryAfter
		}
	}
	return Backoff(retry, attempt)
}

func (c *Client) emitRetry(req *Request, attempt int) {
	if c.bus == nil {
		return
	}
	c.bus.Emit(events.Event{
		Type: events.FetchRetry,
		Payload: events.FetchPayload{
			Source:  c.source,
			Method:  req.Method,
			Path:    req.Path,
			Attempt: attempt,
		},
	})
}

func bodyExcerpt(raw []byte) string {
	const limit = 512
	if len(raw) > limit {
		return string(raw[:limit])
	}
	return string(raw)
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
