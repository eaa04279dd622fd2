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

package errors

import (
	"context"
	"errors"
)

// Kind returns the stable tag for an error's runtime kind. Unknown errors
// report "internal"; the executor treats those as bugs, not as an
// unclassified fallback.
func Kind(err error) string {
	switch {
	case As[*ConfigError](err):
		return "config"
	case As[*StoreError](err):
		return "store"
	case As[*HTTPError](err):
		return "http"
	case As[*NetworkError](err):
		return "network"
	case As[*CircuitOpenError](err):
		return "circuit_open"
	case As[*RateLimitedError](err):
		return "rate_limited"
	case As[*ValidationFailedError](err):
		return "validation_failed"
	case As[*NoTransformMatchError](err):
		return "no_transform_match"
	case As[*NoSchemaMatchError](err):
		return "no_schema_match"
	case As[*PaginationLimitError](err):
		return "pagination_limit"
	case As[*WebhookTimeoutError](err):
		return "webhook_timeout"
	case As[*JumpCycleError](err):
		return "jump_cycle"
	case As[*InvalidCollectionError](err):
		return "invalid_collection"
	case As[*CancelledError](err), errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "cancelled"
	case As[*AbortError](err):
		return "abort"
	default:
		return "internal"
	}
}

// As reports whether err's chain contains an error of type T.
func As[T error](err error) bool {
	var target T
	return errors.As(err, &target)
}

// IsFatal reports whether the error must short-circuit the whole mission
// rather than fail a single action.
func IsFatal(err error) bool {
	return As[*AbortError](err) || As[*ConfigError](err)
}

// IsCancelled reports whether the error chain stems from external
// cancellation rather than a step failure.
func IsCancelled(err error) bool {
	return As[*CancelledError](err)
}
