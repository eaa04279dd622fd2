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
	"time"

	"github.com/google/uuid"

	"github.com/reqon/reqon/internal/log"
	"github.com/reqon/reqon/internal/store"
	"github.com/reqon/reqon/internal/webhook"
	"github.com/reqon/reqon/pkg/errors"
	"github.com/reqon/reqon/pkg/events"
	"github.com/reqon/reqon/pkg/mission"
	"github.com/reqon/reqon/pkg/mission/expression"
)

// handleFor iterates a collection sequentially. Each element runs the
// body on a child context binding the loop variable; a skip signal
// escapes only the current iteration.
func (r *runner) handleFor(ctx context.Context, ar *actionRun, f *mission.ForStep, stepID string, ec *Context) (*signal, error) {
	items, err := r.resolveCollection(ctx, f.In, ec)
	if err != nil {
		return nil, err
	}

	if f.Where != "" {
		kept := make([]any, 0, len(items))
		for _, item := range items {
			env := expression.BuildEnv(ec.Vars(), ec.Response(), item)
			ok, err := r.eval.EvaluateBool(f.Where, env)
			if err != nil {
				return nil, err
			}
			if ok {
				kept = append(kept, item)
			}
		}
		items = kept
	}

	as := f.As
	if as == "" {
		as = "item"
	}

	r.emitLoop(events.LoopStart, ar.name, stepID, 0, len(items))
	for i, item := range items {
		r.emitLoop(events.LoopIteration, ar.name, stepID, i+1, len(items))

		child := ec.Child()
		child.Bind(as, item)
		child.SetCurrent(item)

		sig, err := r.runSteps(ctx, ar, f.Steps, child)
		if err != nil {
			return nil, err
		}
		if sig != nil {
			if sig.kind == sigSkip {
				continue
			}
			return sig, nil
		}
	}
	r.emitLoop(events.LoopComplete, ar.name, stepID, 0, len(items))
	return nil, nil
}

// resolveCollection resolves the loop source. Precedence: a variable
// binding wins over a store name, which wins over treating the text as
// an expression over the response.
func (r *runner) resolveCollection(ctx context.Context, in string, ec *Context) ([]any, error) {
	if v, ok := ec.Lookup(in); ok {
		return asList(in, v)
	}
	if st, ok := r.store(in); ok {
		records, err := st.List(ctx, nil)
		if err != nil {
			return nil, err
		}
		items := make([]any, len(records))
		for i, rec := range records {
			items[i] = rec
		}
		return items, nil
	}
	v, err := r.eval.Evaluate(in, r.env(ec))
	if err != nil {
		return nil, err
	}
	return asList(in, v)
}

func asList(source string, v any) ([]any, error) {
	list, ok := v.([]any)
	if !ok {
		return nil, &errors.InvalidCollectionError{
			Source:   source,
			TypeName: fmt.Sprintf("%T", v),
		}
	}
	return list, nil
}

// handleMap builds an object from field expressions and sets it as the
// response.
func (r *runner) handleMap(ar *actionRun, mapping map[string]string, ec *Context) (*signal, error) {
	env := r.env(ec)
	out := make(map[string]any, len(mapping))
	for field, exprText := range mapping {
		v, err := r.eval.Evaluate(exprText, env)
		if err != nil {
			return nil, err
		}
		out[field] = v
	}
	ec.SetResponse(out)
	r.emitData(events.DataTransform, ar.name, "", 1, "")
	return nil, nil
}

// handleApply selects the first transform variant whose schema matches
// the input and whose guard holds, then applies its mappings.
func (r *runner) handleApply(ar *actionRun, a *mission.ApplyStep, ec *Context) (*signal, error) {
	def, ok := r.def.Transforms[a.Transform]
	if !ok {
		return nil, &errors.ConfigError{
			Key:    "transforms." + a.Transform,
			Reason: "apply references an undeclared transform",
		}
	}

	input := ec.Response()
	if a.To != "" {
		v, err := r.eval.Evaluate(a.To, r.env(ec))
		if err != nil {
			return nil, err
		}
		input = v
	}

	env := expression.BuildEnv(ec.Vars(), ec.Response(), input)
	for _, variant := range def.Variants {
		if variant.From != "" && variant.From != mission.Wildcard {
			schema, ok := r.def.Schemas[variant.From]
			if !ok {
				return nil, &errors.ConfigError{
					Key:    "schemas." + variant.From,
					Reason: "transform variant references an undeclared schema",
				}
			}
			if !schema.Matches(input) {
				continue
			}
		}
		if variant.When != "" {
			ok, err := r.eval.EvaluateBool(variant.When, env)
			if err != nil {
				return nil, err
			}
			if !ok {
				continue
			}
		}

		out := make(map[string]any, len(variant.Mappings))
		for field, exprText := range variant.Mappings {
			v, err := r.eval.Evaluate(exprText, env)
			if err != nil {
				return nil, err
			}
			out[field] = v
		}
		if a.As != "" {
			ec.Bind(a.As, out)
		} else {
			ec.SetResponse(out)
		}
		r.emitData(events.DataTransform, ar.name, a.Transform, 1, "")
		return nil, nil
	}

	return nil, &errors.NoTransformMatchError{
		Transform: a.Transform,
		Variants:  len(def.Variants),
	}
}

// handleValidate checks constraints against the target. Error-severity
// failures stop the action; warnings emit an event and continue.
func (r *runner) handleValidate(ar *actionRun, v *mission.ValidateStep, ec *Context) (*signal, error) {
	target := ec.Response()
	if v.Target != "" {
		resolved, err := r.eval.Evaluate(v.Target, r.env(ec))
		if err != nil {
			return nil, err
		}
		target = resolved
	}

	env := expression.BuildEnv(ec.Vars(), ec.Response(), target)
	for _, c := range v.Assume {
		ok, err := r.eval.EvaluateBool(c.That, env)
		if err != nil {
			return nil, err
		}
		if ok {
			continue
		}
		if c.Severity == "warning" {
			warning := c.Message
			if warning == "" {
				warning = c.That
			}
			r.logger.Warn("constraint did not hold",
				log.ActionKey, ar.name, "constraint", c.That)
			r.emitData(events.DataValidate, ar.name, "", 0, warning)
			continue
		}
		return nil, &errors.ValidationFailedError{Constraint: c.That, Message: c.Message}
	}

	ec.SetResponse(target)
	r.emitData(events.DataValidate, ar.name, "", len(v.Assume), "")
	return nil, nil
}

// handleStore persists the value. Arrays go through the adapter's bulk
// path when one exists and upsert is off; everything else iterates.
func (r *runner) handleStore(ctx context.Context, ar *actionRun, s *mission.StoreStep, ec *Context) (*signal, error) {
	st, ok := r.store(s.To)
	if !ok {
		return nil, &errors.ConfigError{
			Key:    "stores." + s.To,
			Reason: "store step references an undeclared store",
		}
	}

	value := ec.Response()
	if s.Value != "" {
		resolved, err := r.eval.Evaluate(s.Value, r.env(ec))
		if err != nil {
			return nil, err
		}
		value = resolved
	}

	items, isList := value.([]any)
	if !isList {
		items = []any{value}
	}

	if isList && !s.Upsert {
		if bulk, ok := st.(store.BulkStore); ok {
			records := make(map[string]store.Record, len(items))
			for _, item := range items {
				key, err := r.recordKey(s.Key, item, ec)
				if err != nil {
					return nil, err
				}
				records[key] = toRecord(item, s.Partial)
			}
			if err := bulk.BulkSet(ctx, records); err != nil {
				return nil, err
			}
			r.emitData(events.DataStore, ar.name, s.To, len(records), "")
			return nil, nil
		}
	}

	for _, item := range items {
		key, err := r.recordKey(s.Key, item, ec)
		if err != nil {
			return nil, err
		}
		rec := toRecord(item, s.Partial)
		if s.Upsert {
			err = st.Update(ctx, key, rec)
		} else {
			err = st.Set(ctx, key, rec)
		}
		if err != nil {
			return nil, err
		}
	}
	r.emitData(events.DataStore, ar.name, s.To, len(items), "")
	return nil, nil
}

// recordKey derives a storage key: the key expression, else the
// value's id field, else a generated identifier.
func (r *runner) recordKey(keyExpr string, item any, ec *Context) (string, error) {
	if keyExpr != "" {
		v, err := r.eval.Evaluate(keyExpr, expression.BuildEnv(ec.Vars(), ec.Response(), item))
		if err != nil {
			return "", err
		}
		if v != nil {
			return fmt.Sprintf("%v", v), nil
		}
	}
	if obj, ok := item.(map[string]any); ok {
		if id, ok := obj["id"]; ok && id != nil {
			return fmt.Sprintf("%v", id), nil
		}
	}
	return uuid.NewString(), nil
}

// handleMatch routes on the first arm whose schema and guard accept
// the target. Directive arms produce flow signals; body arms run their
// steps on a child scope.
func (r *runner) handleMatch(ctx context.Context, ar *actionRun, m *mission.MatchStep, stepID string, ec *Context) (*signal, error) {
	target := ec.Response()
	if m.On != "" {
		resolved, err := r.eval.Evaluate(m.On, r.env(ec))
		if err != nil {
			return nil, err
		}
		target = resolved
	}

	for _, arm := range m.Arms {
		if arm.Schema != mission.Wildcard {
			schema, ok := r.def.Schemas[arm.Schema]
			if !ok {
				return nil, &errors.ConfigError{
					Key:    "schemas." + arm.Schema,
					Reason: "match arm references an undeclared schema",
				}
			}
			if !schema.Matches(target) {
				continue
			}
		}
		if arm.When != "" {
			env := expression.BuildEnv(ec.Vars(), ec.Response(), target)
			ok, err := r.eval.EvaluateBool(arm.When, env)
			if err != nil {
				return nil, err
			}
			if !ok {
				continue
			}
		}

		if arm.Directive != nil {
			return armDirective(arm.Directive, target)
		}

		child := ec.Child()
		child.SetCurrent(target)
		return r.runSteps(ctx, ar, arm.Steps, child)
	}

	return nil, &errors.NoSchemaMatchError{Step: stepID}
}

func armDirective(d *mission.FlowDirective, target any) (*signal, error) {
	switch d.Kind {
	case "continue":
		return nil, nil
	case "skip":
		return skipSignal(), nil
	case "abort":
		return nil, &errors.AbortError{Message: d.Message}
	case "retry":
		return retrySignal(d.Retry), nil
	case "jump":
		if d.Target == "" {
			return nil, &errors.ConfigError{
				Key:    "match.jump",
				Reason: "jump directive names no target action",
			}
		}
		return jumpSignal(d.Target, d.Then), nil
	case "queue":
		queue := d.Target
		if queue == "" {
			queue = defaultQueueStore
		}
		return queueSignal(queue, target), nil
	default:
		return nil, fmt.Errorf("internal: unknown flow directive %q", d.Kind)
	}
}

// handleLet binds the result into the current scope, not a child.
func (r *runner) handleLet(l *mission.LetStep, ec *Context) (*signal, error) {
	v, err := r.eval.Evaluate(l.Expr, r.env(ec))
	if err != nil {
		return nil, err
	}
	ec.Bind(l.Name, v)
	return nil, nil
}

// handleWait blocks on webhook delivery. A timeout with zero events
// fails unless retry_on_timeout converts it into a retry signal; a
// timeout with partial delivery succeeds with what arrived.
func (r *runner) handleWait(ctx context.Context, ar *actionRun, w *mission.WaitStep, ec *Context) (*signal, error) {
	if r.webhooks == nil {
		return nil, &errors.ConfigError{
			Key:        "wait",
			Reason:     "mission uses wait steps but no webhook receiver is configured",
			Suggestion: "run with the webhook server enabled",
		}
	}

	secret := w.Secret
	if secret != "" && r.interpolateSecret != nil {
		resolved, err := r.interpolateSecret(secret)
		if err != nil {
			return nil, err
		}
		secret = resolved
	}

	exp := &webhook.Expectation{
		Path:   w.Path,
		Count:  w.Count,
		Filter: w.Filter,
		Secret: secret,
	}
	if w.StreamTo != "" {
		st, ok := r.store(w.StreamTo)
		if !ok {
			return nil, &errors.ConfigError{
				Key:    "stores." + w.StreamTo,
				Reason: "wait stream_to references an undeclared store",
			}
		}
		exp.Stream = func(d *webhook.Delivery) {
			key, err := r.recordKey(w.StreamKey, d.Payload, ec)
			if err != nil {
				r.logger.Warn("webhook stream key failed", "path", w.Path, "error", err)
				return
			}
			if err := st.Set(ctx, key, toRecord(d.Payload, false)); err != nil {
				r.logger.Warn("webhook stream write failed",
					log.StoreKey, w.StreamTo, "error", err)
			}
		}
	}

	cancel := r.webhooks.Expect(exp)
	defer cancel()

	timeout := 300 * time.Second
	if w.Timeout > 0 {
		timeout = time.Duration(w.Timeout) * time.Second
	}

	deliveries, _, err := r.webhooks.Await(ctx, exp, timeout)
	if err != nil {
		var wt *errors.WebhookTimeoutError
		if stderrors.As(err, &wt) && w.RetryOnTimeout != nil {
			return retrySignal(w.RetryOnTimeout), nil
		}
		return nil, err
	}

	payloads := make([]any, len(deliveries))
	for i, d := range deliveries {
		payloads[i] = d.Payload
	}
	if exp.Count == 1 && len(payloads) == 1 {
		ec.SetResponse(payloads[0])
	} else {
		ec.SetResponse(payloads)
	}
	return nil, nil
}

func (r *runner) emitLoop(t events.Type, action, stepID string, iteration, total int) {
	if r.bus == nil {
		return
	}
	r.bus.Emit(events.Event{
		Type:    t,
		Mission: r.def.Name,
		RunID:   r.runID,
		Payload: events.LoopPayload{
			Action:    action,
			StepID:    stepID,
			Iteration: iteration,
			Total:     total,
		},
	})
}
