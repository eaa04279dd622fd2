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

package runtime

import (
	"github.com/reqon/reqon/pkg/mission"
)

// signalKind enumerates the non-error control-flow outcomes a step can
// produce. Signals are plain result values, never panics: a handler
// returns (signal, error) and the enclosing scope dispatches on the
// signal while genuine failures stay on the error channel.
type signalKind int

const (
	sigSkip signalKind = iota + 1
	sigRetry
	sigJump
	sigQueue
	sigRestart
)

// signal carries a flow directive up to the scope that handles it:
// skip unwinds to the loop iteration or the action, retry restarts the
// action under its backoff policy, jump suspends for another action,
// queue routes the current value to a dead-letter store, and restart
// unwinds to the action after a jump resolved with then: retry.
type signal struct {
	kind signalKind

	// retry backs a retry signal; nil means defaults.
	retry *mission.RetryDef

	// target is the jump action or the queue store.
	target string

	// then is "retry" or "continue" for jump.
	then string

	// value is the queued payload.
	value any
}

func skipSignal() *signal { return &signal{kind: sigSkip} }

func retrySignal(def *mission.RetryDef) *signal {
	return &signal{kind: sigRetry, retry: def}
}

func jumpSignal(target, then string) *signal {
	return &signal{kind: sigJump, target: target, then: then}
}

func queueSignal(target string, value any) *signal {
	return &signal{kind: sigQueue, target: target, value: value}
}

func restartSignal() *signal { return &signal{kind: sigRestart} }
