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

// Package webhook receives inbound callback events for wait steps. A
// wait registers an expectation by path; arriving deliveries are
// matched, optionally filtered and HMAC-verified, and handed to the
// blocked step.
package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/reqon/reqon/pkg/events"
	"github.com/reqon/reqon/pkg/mission/expression"
)

// signatureHeader carries the hex HMAC-SHA256 of the request body.
const signatureHeader = "X-Reqon-Signature"

// Delivery is one received webhook event.
type Delivery struct {
	Payload    any
	Headers    http.Header
	ReceivedAt time.Time
}

// Expectation is a registered wait: a path plus matching rules.
type Expectation struct {
	Path   string
	Count  int
	Filter string
	Secret string

	// Stream, when set, is invoked for each accepted delivery before it
	// is queued for the waiter.
	Stream func(*Delivery)

	mu       sync.Mutex
	received []*Delivery
	arrived  chan struct{}
}

// Server multiplexes webhook deliveries onto registered expectations.
type Server struct {
	eval   *expression.Evaluator
	bus    *events.Bus
	logger *slog.Logger

	mu           sync.Mutex
	expectations map[string]*Expectation
}

// NewServer creates a webhook receiver. Mount Handler on an HTTP
// server to accept deliveries.
func NewServer(bus *events.Bus, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		eval:         expression.New(),
		bus:          bus,
		logger:       logger,
		expectations: make(map[string]*Expectation),
	}
}

// Expect registers an expectation and returns its cancel function.
// At most one expectation per path may be active.
func (s *Server) Expect(exp *Expectation) func() {
	if exp.Count <= 0 {
		exp.Count = 1
	}
	exp.arrived = make(chan struct{}, exp.Count)

	s.mu.Lock()
	s.expectations[normalizePath(exp.Path)] = exp
	s.mu.Unlock()

	if s.bus != nil {
		s.bus.Emit(events.Event{
			Type:    events.WebhookRegister,
			Payload: events.WebhookPayload{Path: exp.Path, Expected: exp.Count},
		})
	}

	return func() {
		s.mu.Lock()
		delete(s.expectations, normalizePath(exp.Path))
		s.mu.Unlock()
	}
}

// Handler accepts webhook deliveries over HTTP.
func (s *Server) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		s.mu.Lock()
		exp := s.expectations[normalizePath(r.URL.Path)]
		s.mu.Unlock()
		if exp == nil {
			http.Error(w, "no expectation registered for path", http.StatusNotFound)
			return
		}

		body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
		if err != nil {
			http.Error(w, "unreadable body", http.StatusBadRequest)
			return
		}

		if exp.Secret != "" && !verifySignature(exp.Secret, body, r.Header.Get(signatureHeader)) {
			s.logger.Warn("webhook signature mismatch", "path", exp.Path)
			http.Error(w, "invalid signature", http.StatusUnauthorized)
			return
		}

		var payload any
		if len(body) > 0 {
			if err := json.Unmarshal(body, &payload); err != nil {
				payload = string(body)
			}
		}

		if exp.Filter != "" {
			env := expression.BuildEnv(nil, nil, payload)
			match, err := s.eval.EvaluateBool(exp.Filter, env)
			if err != nil {
				s.logger.Warn("webhook filter failed", "path", exp.Path, "error", err)
				http.Error(w, "filter error", http.StatusUnprocessableEntity)
				return
			}
			if !match {
				// Filtered deliveries are acknowledged but not counted.
				w.WriteHeader(http.StatusAccepted)
				return
			}
		}

		delivery := &Delivery{
			Payload:    payload,
			Headers:    r.Header.Clone(),
			ReceivedAt: time.Now(),
		}
		if exp.Stream != nil {
			exp.Stream(delivery)
		}

		exp.mu.Lock()
		exp.received = append(exp.received, delivery)
		exp.mu.Unlock()
		select {
		case exp.arrived <- struct{}{}:
		default:
		}

		w.WriteHeader(http.StatusOK)
	})
}

// Received returns the deliveries accepted so far.
func (e *Expectation) Received() []*Delivery {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]*Delivery, len(e.received))
	copy(out, e.received)
	return out
}

// Arrived signals each accepted delivery.
func (e *Expectation) Arrived() <-chan struct{} { return e.arrived }

func verifySignature(secret string, body []byte, got string) bool {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	want := hex.EncodeToString(mac.Sum(nil))
	got = strings.TrimPrefix(got, "sha256=")
	return hmac.Equal([]byte(want), []byte(got))
}

func normalizePath(p string) string {
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	if trimmed := strings.TrimRight(p, "/"); trimmed != "" {
		return trimmed
	}
	return "/"
}
