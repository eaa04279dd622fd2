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

// Package ratelimit paces outgoing requests from the rate-limit
// headers their responses carry. Strategy selection (pause, throttle,
// fail) is per source.
package ratelimit

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/reqon/reqon/internal/log"
	"github.com/reqon/reqon/pkg/errors"
	"github.com/reqon/reqon/pkg/events"
	"github.com/reqon/reqon/pkg/mission"
)

const (
	// maxStaleAge is how long an untouched entry survives before pruning.
	maxStaleAge = time.Hour
	// pruneThreshold is the entry count above which pruning runs.
	pruneThreshold = 1000
	// waitingInterval is how often rate.waiting progress events fire
	// during a long pause.
	waitingInterval = 10 * time.Second
)

// entry is the tracked state for one (source, endpoint) key.
type entry struct {
	remaining    int
	hasRemaining bool
	limit        int
	resetAt      time.Time
	retryUntil   time.Time
	lastRequest  time.Time

	// fallback paces throttle-mode requests before any headers arrive.
	fallback *rate.Limiter
}

// Limiter tracks per-(source, endpoint) quota state and gates requests.
type Limiter struct {
	bus    *events.Bus
	logger *slog.Logger
	now    func() time.Time

	mu      sync.Mutex
	entries map[string]*entry
}

// New creates a limiter emitting rate.* events on bus.
func New(bus *events.Bus, logger *slog.Logger) *Limiter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Limiter{
		bus:     bus,
		logger:  logger,
		now:     time.Now,
		entries: make(map[string]*entry),
	}
}

// Wait blocks until a request to (source, endpoint) may proceed under
// the source's strategy. A nil config means no limiting.
func (l *Limiter) Wait(ctx context.Context, source, endpoint string, cfg *mission.RateLimitDef) error {
	if cfg == nil {
		return nil
	}
	key := l.key(source, endpoint, cfg)
	now := l.now()

	l.mu.Lock()
	e := l.entry(key, cfg)
	deadline, depleted := e.deadline(now)
	if !depleted {
		var delay time.Duration
		if cfg.Strategy == mission.StrategyThrottle {
			delay = e.throttleDelay(now)
		}
		e.lastRequest = now.Add(delay)
		l.mu.Unlock()
		if delay > 0 {
			return sleep(ctx, delay)
		}
		return nil
	}
	l.mu.Unlock()

	switch cfg.Strategy {
	case mission.StrategyFail:
		return &errors.RateLimitedError{Source: source, ResetAt: deadline}
	default: // pause and throttle both wait out a depleted window
		return l.pauseUntil(ctx, source, endpoint, key, deadline, cfg)
	}
}

// Record updates tracked state from a response's headers and prunes
// stale entries when the table has grown past the threshold.
func (l *Limiter) Record(source, endpoint string, headers http.Header, cfg *mission.RateLimitDef) {
	if cfg == nil {
		return
	}
	now := l.now()
	snap := ParseHeaders(headers, now)

	l.mu.Lock()
	defer l.mu.Unlock()

	e := l.entry(l.key(source, endpoint, cfg), cfg)
	e.lastRequest = now
	if snap.HasRemaining {
		e.remaining = snap.Remaining
		e.hasRemaining = true
	}
	if snap.HasLimit {
		e.limit = snap.Limit
	}
	if !snap.ResetAt.IsZero() {
		e.resetAt = snap.ResetAt
	}
	if snap.HasRetry {
		e.retryUntil = now.Add(snap.RetryAfter)
	}

	if len(l.entries) > pruneThreshold {
		l.prune(now)
	}
}

// pauseUntil sleeps until the shared deadline, emitting progress events
// and honoring the source's max wait.
func (l *Limiter) pauseUntil(ctx context.Context, source, endpoint, key string, deadline time.Time, cfg *mission.RateLimitDef) error {
	now := l.now()
	wait := deadline.Sub(now)
	maxWait := time.Duration(cfg.MaxWait) * time.Second
	if maxWait == 0 {
		maxWait = 300 * time.Second
	}

	if wait > maxWait {
		return &errors.RateLimitedError{
			Source:          source,
			ResetAt:         deadline,
			MaxWaitExceeded: true,
		}
	}

	l.emit(events.RateLimited, source, endpoint, deadline, 0)
	l.logger.Debug("rate limited, pausing",
		log.SourceKey, source, "reset_at", deadline, "wait", wait)

	start := now
	ticker := time.NewTicker(waitingInterval)
	defer ticker.Stop()
	timer := time.NewTimer(wait)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			l.emit(events.RateWaiting, source, endpoint, deadline, l.now().Sub(start).Milliseconds())
		case <-timer.C:
			l.clearDepletion(key)
			l.emit(events.RateResumed, source, endpoint, time.Time{}, l.now().Sub(start).Milliseconds())
			return nil
		}
	}
}

// clearDepletion resets the depleted markers after a wait completes so
// every concurrent waiter proceeds.
func (l *Limiter) clearDepletion(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	if e, ok := l.entries[key]; ok {
		if !e.retryUntil.After(now) {
			e.retryUntil = time.Time{}
		}
		if !e.resetAt.After(now) {
			e.resetAt = time.Time{}
			e.hasRemaining = false
		}
		e.lastRequest = now
	}
}

// entry returns the tracked entry for key, creating it on first use.
// Callers hold l.mu.
func (l *Limiter) entry(key string, cfg *mission.RateLimitDef) *entry {
	e, ok := l.entries[key]
	if !ok {
		rpm := cfg.FallbackRPM
		if rpm <= 0 {
			rpm = 60
		}
		e = &entry{
			fallback: rate.NewLimiter(rate.Limit(float64(rpm)/60.0), 1),
		}
		l.entries[key] = e
	}
	return e
}

// deadline reports whether the entry is depleted and until when.
func (e *entry) deadline(now time.Time) (time.Time, bool) {
	if e.retryUntil.After(now) {
		return e.retryUntil, true
	}
	if e.hasRemaining && e.remaining <= 0 && e.resetAt.After(now) {
		return e.resetAt, true
	}
	return time.Time{}, false
}

// throttleDelay spaces requests evenly across the remaining window:
// (time until reset / remaining) measured from the last request. Before
// any headers arrive the fallback limiter paces at fallbackRpm.
func (e *entry) throttleDelay(now time.Time) time.Duration {
	if !e.hasRemaining || !e.resetAt.After(now) {
		r := e.fallback.Reserve()
		return r.Delay()
	}
	if e.remaining <= 0 {
		return 0 // depleted case handled by the caller
	}
	interval := e.resetAt.Sub(now) / time.Duration(e.remaining)
	elapsed := now.Sub(e.lastRequest)
	if elapsed >= interval {
		return 0
	}
	return interval - elapsed
}

func (l *Limiter) prune(now time.Time) {
	for key, e := range l.entries {
		if now.Sub(e.lastRequest) > maxStaleAge {
			delete(l.entries, key)
		}
	}
}

func (l *Limiter) key(source, endpoint string, cfg *mission.RateLimitDef) string {
	if cfg.PerEndpoint && endpoint != "" {
		return source + " " + endpoint
	}
	return source
}

func (l *Limiter) emit(t events.Type, source, endpoint string, resetAt time.Time, waitedMS int64) {
	if l.bus == nil {
		return
	}
	l.bus.Emit(events.Event{
		Type: t,
		Payload: events.RatePayload{
			Source:   source,
			Endpoint: endpoint,
			ResetAt:  resetAt,
			WaitedMS: waitedMS,
		},
	})
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// EntryCount reports the number of tracked keys.
func (l *Limiter) EntryCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}
