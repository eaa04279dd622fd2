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

// Package events provides the runtime event bus. Emission is fire-and-forget:
// a slow or panicking subscriber never fails the mission.
package events

import (
	"time"
)

// Type tags an event with its position in the runtime taxonomy.
type Type string

// Mission lifecycle events.
const (
	MissionStart    Type = "mission.start"
	MissionComplete Type = "mission.complete"
	MissionFailed   Type = "mission.failed"
)

// Stage events.
const (
	StageStart    Type = "stage.start"
	StageComplete Type = "stage.complete"
)

// Step events.
const (
	StepStart    Type = "step.start"
	StepComplete Type = "step.complete"
	StepError    Type = "step.error"
)

// Fetch events.
const (
	FetchStart    Type = "fetch.start"
	FetchComplete Type = "fetch.complete"
	FetchRetry    Type = "fetch.retry"
	FetchError    Type = "fetch.error"
)

// Loop events.
const (
	LoopStart     Type = "loop.start"
	LoopIteration Type = "loop.iteration"
	LoopComplete  Type = "loop.complete"
)

// Data events.
const (
	DataTransform Type = "data.transform"
	DataValidate  Type = "data.validate"
	DataStore     Type = "data.store"
)

// Webhook events.
const (
	WebhookRegister Type = "webhook.register"
	WebhookComplete Type = "webhook.complete"
)

// Resilience events.
const (
	RateLimited    Type = "rate.limited"
	RateWaiting    Type = "rate.waiting"
	RateResumed    Type = "rate.resumed"
	CircuitOpened  Type = "circuit.opened"
	CircuitHalf    Type = "circuit.half_open"
	CircuitClosed  Type = "circuit.closed"
	CircuitReject  Type = "circuit.rejected"
)

// Event is a single runtime occurrence. Payload is one of the typed structs
// below; subscribers must tolerate payload fields they do not know.
type Event struct {
	Type      Type      `json:"type"`
	Mission   string    `json:"mission"`
	RunID     string    `json:"run_id"`
	Timestamp time.Time `json:"timestamp"`
	Payload   any       `json:"payload,omitempty"`
}

// StagePayload accompanies stage.* events.
type StagePayload struct {
	Index    int      `json:"index"`
	Actions  []string `json:"actions"`
	Parallel bool     `json:"parallel"`
	Skipped  bool     `json:"skipped,omitempty"`
	Failed   bool     `json:"failed,omitempty"`
	Duration int64    `json:"duration_ms,omitempty"`
}

// StepPayload accompanies step.* events.
type StepPayload struct {
	Action   string `json:"action"`
	StepID   string `json:"step_id"`
	Kind     string `json:"kind"`
	Error    string `json:"error,omitempty"`
	Duration int64  `json:"duration_ms,omitempty"`
}

// FetchPayload accompanies fetch.* events.
type FetchPayload struct {
	Source  string `json:"source"`
	Method  string `json:"method"`
	Path    string `json:"path"`
	Status  int    `json:"status,omitempty"`
	Attempt int    `json:"attempt,omitempty"`
	Pages   int    `json:"pages,omitempty"`
	Error   string `json:"error,omitempty"`
}

// LoopPayload accompanies loop.* events.
type LoopPayload struct {
	Action    string `json:"action"`
	StepID    string `json:"step_id"`
	Iteration int    `json:"iteration,omitempty"`
	Total     int    `json:"total"`
}

// DataPayload accompanies data.* events.
type DataPayload struct {
	Action  string `json:"action"`
	Target  string `json:"target,omitempty"`
	Count   int    `json:"count,omitempty"`
	Warning string `json:"warning,omitempty"`
}

// WebhookPayload accompanies webhook.* events.
type WebhookPayload struct {
	Path     string `json:"path"`
	Expected int    `json:"expected"`
	Received int    `json:"received,omitempty"`
	Partial  bool   `json:"partial,omitempty"`
}

// RatePayload accompanies rate.* events.
type RatePayload struct {
	Source   string    `json:"source"`
	Endpoint string    `json:"endpoint,omitempty"`
	ResetAt  time.Time `json:"reset_at,omitempty"`
	WaitedMS int64     `json:"waited_ms,omitempty"`
}

// CircuitPayload accompanies circuit.* events.
type CircuitPayload struct {
	Source   string        `json:"source"`
	Endpoint string        `json:"endpoint,omitempty"`
	RetryIn  time.Duration `json:"retry_in,omitempty"`
}

// MissionPayload accompanies mission.* events.
type MissionPayload struct {
	Stages   int    `json:"stages"`
	Actions  int    `json:"actions,omitempty"`
	Duration int64  `json:"duration_ms,omitempty"`
	Error    string `json:"error,omitempty"`
}
