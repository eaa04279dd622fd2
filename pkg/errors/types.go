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

// Package errors defines the typed error kinds surfaced by the mission
// runtime. Every kind preserves its cause chain through Unwrap so callers
// can use errors.Is / errors.As across package boundaries.
package errors

import (
	"fmt"
	"time"
)

// ConfigError represents a malformed mission or an unresolved reference.
// It is fatal at setup time; no stage runs after one is raised.
type ConfigError struct {
	// Key is the configuration key or reference that has the problem
	// (e.g., "sources.github.base_url", "pipeline[2]").
	Key string

	// Reason explains what is wrong.
	Reason string

	// Suggestion provides actionable guidance for fixing the error.
	Suggestion string

	// Cause is the underlying error, if any.
	Cause error
}

// Error implements the error interface.
func (e *ConfigError) Error() string {
	msg := fmt.Sprintf("config error: %s", e.Reason)
	if e.Key != "" {
		msg = fmt.Sprintf("config error at %s: %s", e.Key, e.Reason)
	}
	if e.Cause != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Cause)
	}
	return msg
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *ConfigError) Unwrap() error { return e.Cause }

// StoreErrorKind classifies store adapter failures.
type StoreErrorKind string

const (
	// StoreErrIO indicates a read or write failure in the backing medium.
	StoreErrIO StoreErrorKind = "io"
	// StoreErrConflict indicates a concurrent-modification conflict.
	StoreErrConflict StoreErrorKind = "conflict"
	// StoreErrNotFound indicates the requested record does not exist.
	StoreErrNotFound StoreErrorKind = "not_found"
	// StoreErrUnavailable indicates the backend cannot be reached.
	StoreErrUnavailable StoreErrorKind = "backend_unavailable"
)

// StoreError represents a failure inside a store adapter.
type StoreError struct {
	// Store is the declared store name (e.g., "items").
	Store string

	// Kind classifies the failure.
	Kind StoreErrorKind

	// Op is the adapter operation that failed (get, set, update, delete, list, flush).
	Op string

	// Key is the record key involved, when applicable.
	Key string

	// Cause is the underlying error.
	Cause error
}

// Error implements the error interface.
func (e *StoreError) Error() string {
	msg := fmt.Sprintf("store %s: %s failed (%s)", e.Store, e.Op, e.Kind)
	if e.Key != "" {
		msg = fmt.Sprintf("%s key=%s", msg, e.Key)
	}
	if e.Cause != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Cause)
	}
	return msg
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *StoreError) Unwrap() error { return e.Cause }

// HTTPError represents a request that completed with a non-successful status
// the retry policy does not absorb (e.g., 4xx other than 401).
type HTTPError struct {
	// Source is the source the request targeted.
	Source string

	// Method and Path identify the request.
	Method string
	Path   string

	// Status is the HTTP status code.
	Status int

	// Body is the (possibly truncated) response body for diagnostics.
	Body string
}

// Error implements the error interface.
func (e *HTTPError) Error() string {
	return fmt.Sprintf("%s %s on %s returned HTTP %d: %s", e.Method, e.Path, e.Source, e.Status, e.Body)
}

// NetworkError represents a transport failure after retries are exhausted.
type NetworkError struct {
	// Source is the source the request targeted.
	Source string

	// Attempts is how many attempts were made before giving up.
	Attempts int

	// Cause is the last transport error observed.
	Cause error
}

// Error implements the error interface.
func (e *NetworkError) Error() string {
	return fmt.Sprintf("network error contacting %s after %d attempts: %v", e.Source, e.Attempts, e.Cause)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *NetworkError) Unwrap() error { return e.Cause }

// CircuitOpenError is returned when the circuit breaker refuses a request.
type CircuitOpenError struct {
	// Source and Endpoint identify the breaker entry.
	Source   string
	Endpoint string

	// RetryIn is how long until the breaker transitions to half-open.
	RetryIn time.Duration
}

// Error implements the error interface.
func (e *CircuitOpenError) Error() string {
	target := e.Source
	if e.Endpoint != "" {
		target = e.Source + " " + e.Endpoint
	}
	return fmt.Sprintf("circuit open for %s, retry in %s", target, e.RetryIn.Round(time.Millisecond))
}

// RateLimitedError is raised under strategy "fail" or when a pause wait
// exceeds its configured maximum.
type RateLimitedError struct {
	// Source identifies the rate-limited source.
	Source string

	// ResetAt is when the quota is expected to replenish.
	ResetAt time.Time

	// MaxWaitExceeded is true when strategy "pause" gave up waiting.
	MaxWaitExceeded bool
}

// Error implements the error interface.
func (e *RateLimitedError) Error() string {
	if e.MaxWaitExceeded {
		return fmt.Sprintf("rate limited on %s: wait exceeded maximum (reset at %s)", e.Source, e.ResetAt.Format(time.RFC3339))
	}
	return fmt.Sprintf("rate limited on %s until %s", e.Source, e.ResetAt.Format(time.RFC3339))
}

// ValidationFailedError is raised when an error-severity constraint fails.
type ValidationFailedError struct {
	// Constraint is the expression text of the failed constraint.
	Constraint string

	// Message is an optional human-readable description from the mission.
	Message string
}

// Error implements the error interface.
func (e *ValidationFailedError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("validation failed: %s (constraint: %s)", e.Message, e.Constraint)
	}
	return fmt.Sprintf("validation failed: constraint %q did not hold", e.Constraint)
}

// NoTransformMatchError is raised when no transform variant accepts the input.
type NoTransformMatchError struct {
	// Transform is the transform name.
	Transform string

	// Variants is how many variants were tried.
	Variants int
}

// Error implements the error interface.
func (e *NoTransformMatchError) Error() string {
	return fmt.Sprintf("no variant of transform %s matched the input (%d tried)", e.Transform, e.Variants)
}

// NoSchemaMatchError is raised when a match step finds no arm for a value.
type NoSchemaMatchError struct {
	// Step identifies the match step.
	Step string
}

// Error implements the error interface.
func (e *NoSchemaMatchError) Error() string {
	return fmt.Sprintf("match step %s: no arm matched the value", e.Step)
}

// PaginationLimitError is raised when a fetch exceeds its page ceiling.
type PaginationLimitError struct {
	// MaxPages is the configured ceiling.
	MaxPages int

	// PagesFetched is how many pages were collected before the limit.
	PagesFetched int
}

// Error implements the error interface.
func (e *PaginationLimitError) Error() string {
	return fmt.Sprintf("pagination exceeded %d pages (%d fetched); raise max_pages or tighten the until predicate", e.MaxPages, e.PagesFetched)
}

// WebhookTimeoutError is raised when a wait step elapses with no events.
type WebhookTimeoutError struct {
	// Path is the webhook path that was waited on.
	Path string

	// Timeout is the configured wait duration.
	Timeout time.Duration

	// Expected is the event count that was expected.
	Expected int
}

// Error implements the error interface.
func (e *WebhookTimeoutError) Error() string {
	return fmt.Sprintf("webhook wait on %s timed out after %s with 0 of %d events", e.Path, e.Timeout, e.Expected)
}

// CancelledError indicates the mission was cancelled externally. Stores are
// still flushed; no further stages start.
type CancelledError struct {
	// Action is the action that was in flight, if any.
	Action string

	// Cause is the context error that triggered cancellation.
	Cause error
}

// Error implements the error interface.
func (e *CancelledError) Error() string {
	if e.Action != "" {
		return fmt.Sprintf("mission cancelled during action %s", e.Action)
	}
	return "mission cancelled"
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *CancelledError) Unwrap() error { return e.Cause }

// AbortError is raised by a match arm's abort directive. It short-circuits
// the whole mission immediately.
type AbortError struct {
	// Message is the mission-supplied abort reason.
	Message string
}

// Error implements the error interface.
func (e *AbortError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("mission aborted: %s", e.Message)
	}
	return "mission aborted"
}

// JumpCycleError is raised when jump directives chain deeper than the
// configured bound.
type JumpCycleError struct {
	// Origin is the action where the chain started.
	Origin string

	// Chain is the sequence of jump targets taken.
	Chain []string

	// Depth is the bound that was exceeded.
	Depth int
}

// Error implements the error interface.
func (e *JumpCycleError) Error() string {
	return fmt.Sprintf("jump chain from %s exceeded depth %d: %v", e.Origin, e.Depth, e.Chain)
}

// InvalidCollectionError is raised when a for step's collection does not
// resolve to an array.
type InvalidCollectionError struct {
	// Source describes what was iterated (store name or expression).
	Source string

	// TypeName is the Go-visible type of the resolved value.
	TypeName string
}

// Error implements the error interface.
func (e *InvalidCollectionError) Error() string {
	return fmt.Sprintf("for %s: collection must be an array, got %s", e.Source, e.TypeName)
}
