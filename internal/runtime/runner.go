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
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/reqon/reqon/internal/httpx"
	"github.com/reqon/reqon/internal/log"
	"github.com/reqon/reqon/internal/paginate"
	"github.com/reqon/reqon/internal/store"
	"github.com/reqon/reqon/internal/webhook"
	"github.com/reqon/reqon/pkg/errors"
	"github.com/reqon/reqon/pkg/events"
	"github.com/reqon/reqon/pkg/mission"
	"github.com/reqon/reqon/pkg/mission/expression"
)

// maxJumpDepth bounds the active-jump chain before JumpCycleError.
const maxJumpDepth = 8

// defaultQueueStore receives queue-directive values when the arm names
// no target.
const defaultQueueStore = "_queue"

// runner holds the shared collaborators of one mission run. Stores,
// clients, and checkpoints are shared across parallel actions; each
// action owns its own Context.
type runner struct {
	def      *mission.Mission
	eval     *expression.Evaluator
	bus      *events.Bus
	logger   *slog.Logger
	webhooks *webhook.Server
	sync     *syncState
	runID    string
	now      func() time.Time

	clients map[string]*httpx.Client
	pagers  map[string]*paginate.Paginator

	interpolateSecret func(string) (string, error)

	// mask scrubs resolved credential values out of user-facing error
	// text before it reaches events and results.
	mask func(string) string

	storeMu sync.Mutex
	stores  map[string]store.Store

	runMu      sync.Mutex
	actionsRun []string
}

// actionRun carries per-action bookkeeping: the active-jump chain and
// the sources whose since-fetches need a checkpoint on success.
type actionRun struct {
	name  string
	chain []string
	since map[string]struct{}
}

// runAction executes an action to completion, dispatching flow signals:
// skip completes the action early, retry restarts it under its backoff
// policy, queue routes the value to a dead-letter store. Sync
// checkpoints commit only after the whole action succeeds.
func (r *runner) runAction(ctx context.Context, name string, ec *Context, chain []string) error {
	act := r.def.Action(name)
	if act == nil {
		return &errors.ConfigError{
			Key:        "actions." + name,
			Reason:     "action is not defined",
			Suggestion: "declare the action or fix the reference",
		}
	}

	ar := &actionRun{name: name, chain: chain, since: make(map[string]struct{})}
	attempt := 1

	for {
		if err := ctx.Err(); err != nil {
			return &errors.CancelledError{Action: name, Cause: err}
		}

		sig, err := r.runSteps(ctx, ar, act.Steps, ec)
		if err != nil {
			return err
		}
		if sig == nil || sig.kind == sigSkip {
			break
		}

		switch sig.kind {
		case sigRestart:
			continue

		case sigRetry:
			policy := sig.retry
			if policy == nil {
				policy = &mission.RetryDef{}
			}
			maxAttempts := policy.MaxAttempts
			if maxAttempts <= 0 {
				maxAttempts = 3
			}
			if attempt >= maxAttempts {
				return fmt.Errorf("action %s: retry signal exhausted %d attempts", name, attempt)
			}
			if err := sleepCtx(ctx, httpx.Backoff(policy, attempt)); err != nil {
				return &errors.CancelledError{Action: name, Cause: err}
			}
			attempt++
			ec.SetResponse(nil)
			continue

		case sigQueue:
			return r.enqueue(ctx, ar, sig)

		default:
			return fmt.Errorf("action %s: unhandled flow signal %d", name, sig.kind)
		}
	}

	for source := range ar.since {
		if err := r.sync.Commit(source, name, r.now()); err != nil {
			r.logger.Warn("sync checkpoint not persisted",
				log.ActionKey, name, log.SourceKey, source, "error", err)
		}
	}

	r.runMu.Lock()
	r.actionsRun = append(r.actionsRun, name)
	r.runMu.Unlock()
	return nil
}

// runSteps executes a step sequence, resolving jump signals inline:
// the target action runs to completion on a child context, then the
// sequence proceeds with the next step, or (then: retry) unwinds a
// restart signal so the whole action starts over from its first step,
// even when the jump sat inside a loop body or a match arm. Other
// signals unwind to the caller.
func (r *runner) runSteps(ctx context.Context, ar *actionRun, steps []*mission.Step, ec *Context) (*signal, error) {
	for _, st := range steps {
		if err := ctx.Err(); err != nil {
			return nil, &errors.CancelledError{Action: ar.name, Cause: err}
		}

		sig, err := r.runStep(ctx, ar, st, ec)
		if err != nil {
			return nil, err
		}
		if sig == nil {
			continue
		}

		if sig.kind == sigJump {
			newChain := append(append([]string(nil), ar.chain...), sig.target)
			if len(newChain) > maxJumpDepth {
				return nil, &errors.JumpCycleError{
					Origin: ar.name,
					Chain:  newChain,
					Depth:  maxJumpDepth,
				}
			}
			if err := r.runAction(ctx, sig.target, ec.Child(), newChain); err != nil {
				return nil, err
			}
			if sig.then == "retry" {
				// The grown chain survives the restart so a jump loop
				// still hits the depth ceiling.
				ar.chain = newChain
				return restartSignal(), nil
			}
			continue
		}

		return sig, nil
	}
	return nil, nil
}

// runStep emits the step event pair around one handler dispatch.
func (r *runner) runStep(ctx context.Context, ar *actionRun, st *mission.Step, ec *Context) (*signal, error) {
	started := r.now()
	r.emitStep(events.StepStart, ar.name, st, "", 0)

	sig, err := r.dispatch(ctx, ar, st, ec)

	duration := r.now().Sub(started).Milliseconds()
	if err != nil {
		r.emitStep(events.StepError, ar.name, st, r.mask(err.Error()), duration)
		r.logger.Error("step failed",
			log.ActionKey, ar.name, log.StepKey, st.ID, "kind", st.Kind, "error", err)
		return nil, wrapStepFailure(ar.name, st.ID, err)
	}

	r.emitStep(events.StepComplete, ar.name, st, "", duration)
	return sig, nil
}

func (r *runner) dispatch(ctx context.Context, ar *actionRun, st *mission.Step, ec *Context) (*signal, error) {
	switch st.Kind {
	case mission.StepFetch:
		return r.handleFetch(ctx, ar, st.Fetch, st.ID, ec)
	case mission.StepFor:
		return r.handleFor(ctx, ar, st.For, st.ID, ec)
	case mission.StepMap:
		return r.handleMap(ar, st.Map, ec)
	case mission.StepApply:
		return r.handleApply(ar, st.Apply, ec)
	case mission.StepValidate:
		return r.handleValidate(ar, st.Validate, ec)
	case mission.StepStore:
		return r.handleStore(ctx, ar, st.Store, ec)
	case mission.StepMatch:
		return r.handleMatch(ctx, ar, st.Match, st.ID, ec)
	case mission.StepLet:
		return r.handleLet(st.Let, ec)
	case mission.StepWait:
		return r.handleWait(ctx, ar, st.Wait, ec)
	default:
		return nil, fmt.Errorf("internal: unknown step kind %q", st.Kind)
	}
}

// env assembles the expression environment for the current scope.
func (r *runner) env(ec *Context) map[string]any {
	return expression.BuildEnv(ec.Vars(), ec.Response(), ec.Current())
}

// store looks up a named store handle.
func (r *runner) store(name string) (store.Store, bool) {
	r.storeMu.Lock()
	defer r.storeMu.Unlock()
	st, ok := r.stores[name]
	return st, ok
}

// enqueue writes a queue-signal value to its dead-letter store. The
// default "_queue" store is created on demand; a named target must be
// declared.
func (r *runner) enqueue(ctx context.Context, ar *actionRun, sig *signal) error {
	r.storeMu.Lock()
	st, ok := r.stores[sig.target]
	if !ok {
		if sig.target != defaultQueueStore {
			r.storeMu.Unlock()
			return &errors.ConfigError{
				Key:        "stores." + sig.target,
				Reason:     "queue directive targets an undeclared store",
				Suggestion: "declare the store or omit the target to use " + defaultQueueStore,
			}
		}
		st = store.NewMemoryStore()
		r.stores[sig.target] = st
	}
	r.storeMu.Unlock()

	if err := st.Set(ctx, uuid.NewString(), toRecord(sig.value, false)); err != nil {
		return err
	}
	r.emitData(events.DataStore, ar.name, sig.target, 1, "")
	return nil
}

var templatePattern = regexp.MustCompile(`\{([^{}]+)\}`)

// interpolate expands {expr} templates in paths and parameter values
// against the current environment.
func (r *runner) interpolate(s string, env map[string]any) (string, error) {
	if !strings.Contains(s, "{") {
		return s, nil
	}
	var firstErr error
	out := templatePattern.ReplaceAllStringFunc(s, func(m string) string {
		v, err := r.eval.Evaluate(m[1:len(m)-1], env)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			return m
		}
		return fmt.Sprintf("%v", v)
	})
	if firstErr != nil {
		return "", firstErr
	}
	return out, nil
}

// toRecord shapes a value for storage. Non-object values are wrapped
// under "value"; objects are shallow-copied so later mutation of the
// context value never reaches the store.
func toRecord(v any, partial bool) store.Record {
	rec := make(store.Record)
	if obj, ok := v.(map[string]any); ok {
		for k, val := range obj {
			rec[k] = val
		}
	} else {
		rec["value"] = v
	}
	if partial {
		rec["_partial"] = true
	}
	return rec
}

// stepFailure ties an error to the action and step that raised it.
type stepFailure struct {
	Action string
	StepID string
	Err    error
}

func (e *stepFailure) Error() string {
	return fmt.Sprintf("action %s step %s: %v", e.Action, e.StepID, e.Err)
}

func (e *stepFailure) Unwrap() error { return e.Err }

// wrapStepFailure tags an error once; nested step scopes keep the
// innermost attribution.
func wrapStepFailure(action, stepID string, err error) error {
	var existing *stepFailure
	if stderrors.As(err, &existing) {
		return err
	}
	return &stepFailure{Action: action, StepID: stepID, Err: err}
}

func (r *runner) emitStep(t events.Type, action string, st *mission.Step, errMsg string, duration int64) {
	if r.bus == nil {
		return
	}
	r.bus.Emit(events.Event{
		Type:    t,
		Mission: r.def.Name,
		RunID:   r.runID,
		Payload: events.StepPayload{
			Action:   action,
			StepID:   st.ID,
			Kind:     string(st.Kind),
			Error:    errMsg,
			Duration: duration,
		},
	})
}

func (r *runner) emitData(t events.Type, action, target string, count int, warning string) {
	if r.bus == nil {
		return
	}
	r.bus.Emit(events.Event{
		Type:    t,
		Mission: r.def.Name,
		RunID:   r.runID,
		Payload: events.DataPayload{
			Action:  action,
			Target:  target,
			Count:   count,
			Warning: warning,
		},
	})
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
