package errors

import (
	"context"
	stderrors "errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestKind(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"config", &ConfigError{Key: "sources.api", Reason: "missing base_url"}, "config"},
		{"store", &StoreError{Store: "items", Kind: StoreErrIO, Op: "set"}, "store"},
		{"http", &HTTPError{Source: "api", Method: "GET", Path: "/items", Status: 404}, "http"},
		{"network", &NetworkError{Source: "api", Attempts: 3, Cause: stderrors.New("refused")}, "network"},
		{"circuit", &CircuitOpenError{Source: "api", RetryIn: time.Second}, "circuit_open"},
		{"rate", &RateLimitedError{Source: "api", ResetAt: time.Now()}, "rate_limited"},
		{"validation", &ValidationFailedError{Constraint: "amount > 0"}, "validation_failed"},
		{"transform", &NoTransformMatchError{Transform: "Normalize", Variants: 2}, "no_transform_match"},
		{"schema", &NoSchemaMatchError{Step: "route"}, "no_schema_match"},
		{"pagination", &PaginationLimitError{MaxPages: 100, PagesFetched: 100}, "pagination_limit"},
		{"webhook", &WebhookTimeoutError{Path: "/hooks/x", Timeout: time.Minute, Expected: 1}, "webhook_timeout"},
		{"cancelled", &CancelledError{Action: "Fetch"}, "cancelled"},
		{"context cancelled", context.Canceled, "cancelled"},
		{"abort", &AbortError{Message: "bad data"}, "abort"},
		{"jump cycle", &JumpCycleError{Origin: "A", Chain: []string{"B", "A"}, Depth: 8}, "jump_cycle"},
		{"collection", &InvalidCollectionError{Source: "users", TypeName: "string"}, "invalid_collection"},
		{"unknown", stderrors.New("boom"), "internal"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Kind(tt.err))
		})
	}
}

func TestKindThroughWrapping(t *testing.T) {
	inner := &StoreError{Store: "items", Kind: StoreErrUnavailable, Op: "list"}
	wrapped := fmt.Errorf("action Fetch: %w", inner)

	assert.Equal(t, "store", Kind(wrapped))

	var storeErr *StoreError
	assert.True(t, stderrors.As(wrapped, &storeErr))
	assert.Equal(t, StoreErrUnavailable, storeErr.Kind)
}

func TestUnwrapChains(t *testing.T) {
	cause := stderrors.New("disk full")
	err := &StoreError{Store: "items", Kind: StoreErrIO, Op: "flush", Cause: cause}

	assert.True(t, stderrors.Is(err, cause))

	cfg := &ConfigError{Key: "stores.items", Reason: "init failed", Cause: err}
	assert.True(t, stderrors.Is(cfg, cause))

	var storeErr *StoreError
	assert.True(t, stderrors.As(cfg, &storeErr))
}

func TestIsFatal(t *testing.T) {
	assert.True(t, IsFatal(&AbortError{}))
	assert.True(t, IsFatal(&ConfigError{Reason: "x"}))
	assert.False(t, IsFatal(&StoreError{Store: "s", Kind: StoreErrIO, Op: "set"}))
	assert.False(t, IsFatal(stderrors.New("boom")))
}

func TestErrorMessages(t *testing.T) {
	err := &CircuitOpenError{Source: "github", Endpoint: "/repos", RetryIn: 1500 * time.Millisecond}
	assert.Contains(t, err.Error(), "github /repos")
	assert.Contains(t, err.Error(), "1.5s")

	del := &StoreError{Store: "items", Kind: StoreErrNotFound, Op: "get", Key: "42"}
	assert.Contains(t, del.Error(), "key=42")
	assert.Contains(t, del.Error(), "not_found")

	cfg := &ConfigError{
		Key:    "mission",
		Reason: "failed to parse mission YAML",
		Cause:  fmt.Errorf(`unknown step kind "frobnicate"`),
	}
	assert.Contains(t, cfg.Error(), "mission")
	assert.Contains(t, cfg.Error(), "frobnicate", "the cause renders in the message")
}
