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

package httpx

import (
	"math/rand"
	"time"

	"github.com/reqon/reqon/pkg/mission"
)

// Backoff computes the delay before retry attempt n (1-based):
// initialDelay scaled by the policy curve, capped at maxDelay, with
// ±10% uniform jitter.
func Backoff(retry *mission.RetryDef, attempt int) time.Duration {
	initial := time.Duration(retry.InitialDelay) * time.Millisecond
	if initial <= 0 {
		initial = time.Second
	}
	maxDelay := time.Duration(retry.MaxDelay) * time.Millisecond
	if maxDelay <= 0 {
		maxDelay = 30 * time.Second
	}

	var factor float64
	switch retry.Backoff {
	case "linear":
		factor = float64(attempt)
	case "constant":
		factor = 1
	default: // exponential
		factor = float64(int64(1) << uint(attempt-1))
	}

	delay := time.Duration(float64(initial) * factor)
	if delay > maxDelay {
		delay = maxDelay
	}
	return jitter(delay)
}

// jitter applies ±10% uniform noise.
func jitter(d time.Duration) time.Duration {
	if d <= 0 {
		return 0
	}
	spread := 0.9 + rand.Float64()*0.2
	return time.Duration(float64(d) * spread)
}
