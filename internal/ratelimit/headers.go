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

package ratelimit

import (
	"net/http"
	"strconv"
	"time"
)

// Snapshot is the rate-limit information carried by one response.
type Snapshot struct {
	Remaining    int
	HasRemaining bool
	Limit        int
	HasLimit     bool
	ResetAt      time.Time
	RetryAfter   time.Duration
	HasRetry     bool
}

// Empty reports whether the response carried no rate-limit headers.
func (s Snapshot) Empty() bool {
	return !s.HasRemaining && !s.HasLimit && s.ResetAt.IsZero() && !s.HasRetry
}

// ParseHeaders extracts rate-limit state from response headers. Both
// the X-RateLimit-* and IETF RateLimit-* families are understood, with
// the X- form winning when both are present. Retry-After accepts
// delta-seconds and HTTP-dates; reset values accept Unix seconds and
// Unix milliseconds.
func ParseHeaders(h http.Header, now time.Time) Snapshot {
	var s Snapshot

	if v, ok := firstHeader(h, "X-RateLimit-Remaining", "RateLimit-Remaining"); ok {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			s.Remaining = n
			s.HasRemaining = true
		}
	}
	if v, ok := firstHeader(h, "X-RateLimit-Limit", "RateLimit-Limit"); ok {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			s.Limit = n
			s.HasLimit = true
		}
	}
	if v, ok := firstHeader(h, "X-RateLimit-Reset", "RateLimit-Reset"); ok {
		s.ResetAt = parseReset(v, now)
	}
	if v := h.Get("Retry-After"); v != "" {
		if d, ok := parseRetryAfter(v, now); ok {
			s.RetryAfter = d
			s.HasRetry = true
		}
	}
	return s
}

func firstHeader(h http.Header, names ...string) (string, bool) {
	for _, name := range names {
		if v := h.Get(name); v != "" {
			return v, true
		}
	}
	return "", false
}

// parseReset interprets a reset value as Unix seconds, Unix
// milliseconds, or delta-seconds. Values far beyond any plausible
// epoch-seconds timestamp are treated as milliseconds; small values
// are a relative delta (the IETF RateLimit-Reset form).
func parseReset(v string, now time.Time) time.Time {
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil || n <= 0 {
		return time.Time{}
	}
	switch {
	case n > 1e11: // unix milliseconds
		return time.UnixMilli(n)
	case n > 1e8: // unix seconds
		return time.Unix(n, 0)
	default: // delta seconds
		return now.Add(time.Duration(n) * time.Second)
	}
}

// parseRetryAfter accepts delta-seconds and HTTP-date forms.
func parseRetryAfter(v string, now time.Time) (time.Duration, bool) {
	if n, err := strconv.ParseInt(v, 10, 64); err == nil {
		if n < 0 {
			return 0, false
		}
		return time.Duration(n) * time.Second, true
	}
	if t, err := http.ParseTime(v); err == nil {
		d := t.Sub(now)
		if d < 0 {
			d = 0
		}
		return d, true
	}
	return 0, false
}
