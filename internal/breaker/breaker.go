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

// Package breaker guards sources with per-(source, endpoint) circuit
// breakers. The breaker is consulted before the rate limiter, so a
// rejected request never consumes rate-limit budget.
package breaker

import (
	"log/slog"
	"sync"
	"time"

	"github.com/sony/gobreaker"

	"github.com/reqon/reqon/internal/log"
	"github.com/reqon/reqon/pkg/errors"
	"github.com/reqon/reqon/pkg/events"
	"github.com/reqon/reqon/pkg/mission"
)

// Registry holds one breaker per (source, optional endpoint) key.
type Registry struct {
	bus    *events.Bus
	logger *slog.Logger

	mu       sync.Mutex
	breakers map[string]*tracked
}

// tracked pairs a breaker with the bookkeeping the error type needs.
type tracked struct {
	cb           *gobreaker.TwoStepCircuitBreaker
	resetTimeout time.Duration

	mu       sync.Mutex
	openedAt time.Time
}

// NewRegistry creates an empty breaker registry emitting circuit.*
// events on bus.
func NewRegistry(bus *events.Bus, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		bus:      bus,
		logger:   logger,
		breakers: make(map[string]*tracked),
	}
}

// Outcome is the caller's report for an admitted request.
type Outcome int

const (
	// Success and Failure report a request that actually went out.
	Success Outcome = iota
	Failure

	// Discard reports a request that never reached the wire (stopped by
	// the rate limiter or a build failure). It must close neither a
	// half-open circuit nor count toward tripping one.
	Discard
)

// Allow consults the breaker for (source, endpoint). On pass-through it
// returns a report callback the caller must invoke with the request's
// outcome. When the circuit is open it returns CircuitOpenError with
// the time until the next probe. A nil config disables breaking.
func (r *Registry) Allow(source, endpoint string, cfg *mission.BreakerDef) (func(Outcome), error) {
	if cfg == nil {
		return func(Outcome) {}, nil
	}

	t := r.tracked(source, endpoint, cfg)
	done, err := t.cb.Allow()
	if err != nil {
		retryIn := t.retryIn(time.Now())
		r.emit(events.CircuitReject, source, endpoint, retryIn)
		return nil, &errors.CircuitOpenError{
			Source:   source,
			Endpoint: endpoint,
			RetryIn:  retryIn,
		}
	}
	return func(o Outcome) {
		switch o {
		case Success:
			done(true)
		case Failure:
			done(false)
		case Discard:
			// gobreaker has no neutral report. A half-open slot is
			// returned as a failure so the circuit probes again after
			// the reset timeout instead of closing without a real
			// probe; elsewhere a success never counts toward tripping.
			if t.cb.State() == gobreaker.StateHalfOpen {
				done(false)
			} else {
				done(true)
			}
		}
	}, nil
}

// CountsAsFailure reports whether a completed request counts against
// the breaker: a status inside the configured failure set, or a network
// error when those are counted (the default). Client errors never count.
func CountsAsFailure(cfg *mission.BreakerDef, status int, netErr bool) bool {
	if cfg == nil {
		return false
	}
	if netErr {
		return cfg.CountNetworkErrors == nil || *cfg.CountNetworkErrors
	}
	if len(cfg.FailureStatusCodes) > 0 {
		for _, code := range cfg.FailureStatusCodes {
			if status == code {
				return true
			}
		}
		return false
	}
	return status >= 500 && status <= 599
}

// tracked returns the breaker for key, creating it on first use.
func (r *Registry) tracked(source, endpoint string, cfg *mission.BreakerDef) *tracked {
	key := source
	if cfg.PerEndpoint && endpoint != "" {
		key = source + " " + endpoint
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if t, ok := r.breakers[key]; ok {
		return t
	}

	threshold := uint32(cfg.FailureThreshold)
	if threshold == 0 {
		threshold = 5
	}
	successes := uint32(cfg.SuccessThreshold)
	if successes == 0 {
		successes = 2
	}
	window := time.Duration(cfg.Window) * time.Second
	if window == 0 {
		window = 60 * time.Second
	}
	resetTimeout := time.Duration(cfg.ResetTimeout) * time.Second
	if resetTimeout == 0 {
		resetTimeout = 30 * time.Second
	}

	t := &tracked{resetTimeout: resetTimeout}
	t.cb = gobreaker.NewTwoStepCircuitBreaker(gobreaker.Settings{
		Name:        key,
		MaxRequests: successes,
		Interval:    window,
		Timeout:     resetTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.TotalFailures >= threshold
		},
		OnStateChange: func(_ string, _, to gobreaker.State) {
			r.onStateChange(t, source, endpoint, to)
		},
	})
	r.breakers[key] = t
	return t
}

func (r *Registry) onStateChange(t *tracked, source, endpoint string, to gobreaker.State) {
	switch to {
	case gobreaker.StateOpen:
		t.mu.Lock()
		t.openedAt = time.Now()
		t.mu.Unlock()
		r.emit(events.CircuitOpened, source, endpoint, t.resetTimeout)
		r.logger.Warn("circuit opened",
			log.SourceKey, source, "endpoint", endpoint, "retry_in", t.resetTimeout)
	case gobreaker.StateHalfOpen:
		r.emit(events.CircuitHalf, source, endpoint, 0)
	case gobreaker.StateClosed:
		r.emit(events.CircuitClosed, source, endpoint, 0)
		r.logger.Info("circuit closed", log.SourceKey, source, "endpoint", endpoint)
	}
}

// retryIn computes the time until the open circuit admits a probe.
func (t *tracked) retryIn(now time.Time) time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.openedAt.IsZero() {
		return t.resetTimeout
	}
	remaining := t.resetTimeout - now.Sub(t.openedAt)
	if remaining < 0 {
		return 0
	}
	return remaining
}

func (r *Registry) emit(evtType events.Type, source, endpoint string, retryIn time.Duration) {
	if r.bus == nil {
		return
	}
	r.bus.Emit(events.Event{
		Type: evtType,
		Payload: events.CircuitPayload{
			Source:   source,
			Endpoint: endpoint,
			RetryIn:  retryIn,
		},
	})
}
