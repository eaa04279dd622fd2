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

package webhook

import (
	"context"
	"time"

	"github.com/reqon/reqon/pkg/errors"
	"github.com/reqon/reqon/pkg/events"
)

// Await blocks until the expected count of deliveries arrives or the
// timeout elapses. A timeout with at least one delivery is a partial
// success (partial = true); an empty timeout raises WebhookTimeout.
func (s *Server) Await(ctx context.Context, exp *Expectation, timeout time.Duration) (deliveries []*Delivery, partial bool, err error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	arrived := 0
	for arrived < exp.Count {
		select {
		case <-ctx.Done():
			return exp.Received(), false, ctx.Err()

		case <-exp.Arrived():
			arrived++

		case <-timer.C:
			got := exp.Received()
			if len(got) == 0 {
				return nil, false, &errors.WebhookTimeoutError{
					Path:     exp.Path,
					Timeout:  timeout,
					Expected: exp.Count,
				}
			}
			s.emitComplete(exp, len(got), true)
			return got, true, nil
		}
	}

	got := exp.Received()
	s.emitComplete(exp, len(got), false)
	return got, false, nil
}

func (s *Server) emitComplete(exp *Expectation, received int, partial bool) {
	if s.bus == nil {
		return
	}
	s.bus.Emit(events.Event{
		Type: events.WebhookComplete,
		Payload: events.WebhookPayload{
			Path:     exp.Path,
			Expected: exp.Count,
			Received: received,
			Partial:  partial,
		},
	})
}
