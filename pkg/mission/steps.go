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

package mission

import (
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

// StepKind identifies the handler a step dispatches to.
type StepKind string

const (
	StepFetch    StepKind = "fetch"
	StepFor      StepKind = "for"
	StepMap      StepKind = "map"
	StepApply    StepKind = "apply"
	StepValidate StepKind = "validate"
	StepStore    StepKind = "store"
	StepMatch    StepKind = "match"
	StepLet      StepKind = "let"
	StepWait     StepKind = "wait"
)

// Step is a leaf unit of work inside an action. Exactly one of the kind
// fields is populated; Kind records which.
type Step struct {
	// ID uniquely identifies the step within its action. Auto-generated
	// from the kind and position when omitted.
	ID string

	// Kind records which handler this step dispatches to.
	Kind StepKind

	Fetch    *FetchStep
	For      *ForStep
	Map      map[string]string
	Apply    *ApplyStep
	Validate *ValidateStep
	Store    *StoreStep
	Match    *MatchStep
	Let      *LetStep
	Wait     *WaitStep
}

// Param is one query parameter. Parameters keep their declaration order so
// request URLs are reproducible.
type Param struct {
	Name  string
	Value string
}

// Params is an insertion-ordered query parameter list.
type Params []Param

// UnmarshalYAML decodes a YAML mapping while preserving key order.
func (p *Params) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.MappingNode {
		return fmt.Errorf("query must be a mapping")
	}
	for i := 0; i+1 < len(node.Content); i += 2 {
		*p = append(*p, Param{Name: node.Content[i].Value, Value: node.Content[i+1].Value})
	}
	return nil
}

// RetryDef configures step retry behavior.
type RetryDef struct {
	// MaxAttempts bounds total attempts (default 3).
	MaxAttempts int `yaml:"max_attempts,omitempty"`

	// Backoff is exponential (default), linear, or constant.
	Backoff string `yaml:"backoff,omitempty"`

	// InitialDelay is the first delay in milliseconds (default 1000).
	InitialDelay int `yaml:"initial_delay_ms,omitempty"`

	// MaxDelay caps any delay, in milliseconds (default 30000).
	MaxDelay int `yaml:"max_delay_ms,omitempty"`
}

// PaginateDef configures multi-page collection on a fetch.
type PaginateDef struct {
	// Strategy is offset, page, or cursor.
	Strategy string `yaml:"strategy"`

	// Param names the cursor query parameter.
	Param string `yaml:"param"`

	// PageSize is sent as the limit parameter and advances offset cursors.
	PageSize int `yaml:"page_size,omitempty"`

	// SizeParam names the page-size query parameter (default "limit").
	SizeParam string `yaml:"size_param,omitempty"`

	// NextPath is a gojq path resolving the next cursor from a response
	// (cursor strategy only), e.g. ".meta.next_cursor".
	NextPath string `yaml:"next_path,omitempty"`

	// Until is a predicate evaluated against each page's response; a truthy
	// result stops pagination. Strategy defaults apply when empty.
	Until string `yaml:"until,omitempty"`

	// MaxPages bounds the loop (default 100).
	MaxPages int `yaml:"max_pages,omitempty"`
}

// SinceDef configures incremental-sync checkpointing on a fetch.
type SinceDef struct {
	// Param names the timestamp query parameter (default "since").
	Param string `yaml:"param,omitempty"`

	// Format is iso (default), unix, or unix_ms.
	Format string `yaml:"format,omitempty"`
}

/// UnmarshalYAML accepts the shorthand `since: lastSync` as well as the full
// mapping form.
func (s *SinceDef) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.ScalarNode {
		// Any scalar (conventionally "lastSync") enables defaults.
		return nil
	}
	type plain SinceDef
	return node.Decode((*plain)(s))
}

// FetchStep issues an HTTP request against a source, optionally paginated.
type FetchStep struct {
	// Source names the source; may be omitted when exactly one is defined.
	Source string `yaml:"source,omitempty"`

	// Method and Path form the request. The loader also accepts the
	// get/post/put/patch/delete shorthand keys.
	Method string `yaml:"method,omitempty"`
	Path   string `yaml:"path,omitempty"`

	// Query parameters, insertion-ordered.
	Query Params `yaml:"query,omitempty"`

	// Body is the JSON request body.
	Body map[string]any `yaml:"body,omitempty"`

	// Headers are added to this request only.
	Headers map[string]string `yaml:"headers,omitempty"`

	// Paginate collects a multi-page result set.
	Paginate *PaginateDef `yaml:"paginate,omitempty"`

	// Retry overrides the client retry policy for this step.
	Retry *RetryDef `yaml:"retry,omitempty"`

	// Since enables incremental sync for this fetch.
	Since *SinceDef `yaml:"since,omitempty"`

	// ArrayField pins the result-array field for pagination.
	ArrayField string `yaml:"array_field,omitempty"`
}

// UnmarshalYAML resolves the method shorthand keys into Method/Path.
func (f *FetchStep) UnmarshalYAML(node *yaml.Node) error {
	type plain FetchStep
	if err := node.Decode((*plain)(f)); err != nil {
		return err
	}

	for i := 0; i+1 < len(node.Content); i += 2 {
		key := strings.ToLower(node.Content[i].Value)
		switch key {
		case "get", "post", "put", "patch", "delete":
			if f.Method != "" {
				return fmt.Errorf("fetch declares both %q and method", key)
			}
			f.Method = strings.ToUpper(key)
			f.Path = node.Content[i+1].Value
		}
	}
	if f.Method == "" {
		f.Method = "GET"
	}
	return nil
}

// ForStep iterates a collection sequentially, binding each element into a
// child context.
type ForStep struct {
	// In names the collection: a store name or a context expression.
	In string `yaml:"in"`

	// As is the loop variable name (default "item").
	As string `yaml:"as,omitempty"`

	// Where filters elements before iteration.
	Where string `yaml:"where,omitempty"`

	// Steps are executed once per element.
	Steps []*Step `yaml:"steps"`
}

// ApplyStep applies a named transform to a value.
type ApplyStep struct {
	// Transform names the transform to apply.
	Transform string `yaml:"transform"`

	// To is the input expression (default: the response register).
	To string `yaml:"to,omitempty"`

	// As binds the output to a variable instead of the response register.
	As string `yaml:"as,omitempty"`
}

// Constraint is one validate assumption.
type Constraint struct {
	// That is the constraint expression.
	That string `yaml:"that"`

	// Severity is error (default) or warning.
	Severity string `yaml:"severity,omitempty"`

	// Message describes the failure for events and errors.
	Message string `yaml:"message,omitempty"`
}

// UnmarshalYAML accepts the shorthand bare-expression form.
func (c *Constraint) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.ScalarNode {
		c.That = node.Value
		return nil
	}
	type plain Constraint
	return node.Decode((*plain)(c))
}

// ValidateStep checks constraints against a target value.
type ValidateStep struct {
	// Target is the value expression (default: the response register).
	Target string `yaml:"target,omitempty"`

	// Assume lists the constraints.
	Assume []*Constraint `yaml:"assume"`
}

// StoreStep persists a value into a store.
type StoreStep struct {
	// To names the target store.
	To string `yaml:"to"`

	// Value is the expression for what to store (default: response).
	Value string `yaml:"value,omitempty"`

	// Key is the key expression; falls back to the value's id field, then a
	// generated identifier.
	Key string `yaml:"key,omitempty"`

	// Partial tags records with _partial for later hydration passes.
	Partial bool `yaml:"partial,omitempty"`

	// Upsert merges instead of replacing, and disables bulk writes.
	Upsert bool `yaml:"upsert,omitempty"`
}

// FlowDirective is a match arm's control-flow instruction.
type FlowDirective struct {
	// Kind is continue, skip, abort, retry, jump, or queue.
	Kind string

	// Message accompanies abort.
	Message string

	// Retry carries backoff config for retry.
	Retry *RetryDef

	// Target is the jump target action or the queue store.
	Target string

	// Then is retry or continue, for jump.
	Then string
}

// MatchArm is one arm of a match step: a schema pattern plus either a flow
// directive or body steps.
type MatchArm struct {
	// Schema names the schema to match; "_" matches anything.
	Schema string `yaml:"schema"`

	// When is an optional guard expression.
	When string `yaml:"when,omitempty"`

	// Directive is the arm's flow instruction, if any.
	Directive *FlowDirective `yaml:"-"`

	// Steps are executed when the arm has a body instead of a directive.
	Steps []*Step `yaml:"steps,omitempty"`
}

// UnmarshalYAML decodes the directive shorthand keys
// (continue/skip/abort/retry/jump/queue) alongside schema/when/steps.
func (a *MatchArm) UnmarshalYAML(node *yaml.Node) error {
	type plain MatchArm
	if err := node.Decode((*plain)(a)); err != nil {
		return err
	}

	for i := 0; i+1 < len(node.Content); i += 2 {
		key := node.Content[i].Value
		val := node.Content[i+1]
		switch key {
		case "continue":
			a.Directive = &FlowDirective{Kind: "continue"}
		case "skip":
			a.Directive = &FlowDirective{Kind: "skip"}
		case "abort":
			d := &FlowDirective{Kind: "abort"}
			if val.Kind == yaml.ScalarNode && val.Tag == "!!str" {
				d.Message = val.Value
			}
			a.Directive = d
		case "retry":
			d := &FlowDirective{Kind: "retry"}
			if val.Kind == yaml.MappingNode {
				d.Retry = &RetryDef{}
				if err := val.Decode(d.Retry); err != nil {
					return fmt.Errorf("retry directive: %w", err)
				}
			}
			a.Directive = d
		case "jump":
			d := &FlowDirective{Kind: "jump"}
			switch val.Kind {
			case yaml.ScalarNode:
				d.Target = val.Value
			case yaml.MappingNode:
				var j struct {
					Target string `yaml:"target"`
					Then   string `yaml:"then"`
				}
				if err := val.Decode(&j); err != nil {
					return fmt.Errorf("jump directive: %w", err)
				}
				d.Target = j.Target
				d.Then = j.Then
			}
			a.Directive = d
		case "queue":
			d := &FlowDirective{Kind: "queue"}
			if val.Kind == yaml.ScalarNode && val.Tag == "!!str" {
				d.Target = val.Value
			}
			a.Directive = d
		}
	}

	if a.Directive != nil && len(a.Steps) > 0 {
		return fmt.Errorf("match arm for schema %q has both a directive and body steps", a.Schema)
	}
	return nil
}

// MatchStep routes on the first arm whose schema and guard accept the value.
type MatchStep struct {
	// On is the value expression (default: the response register).
	On string `yaml:"on,omitempty"`

	// Arms are tried in order.
	Arms []*MatchArm `yaml:"arms"`
}

// LetStep binds an expression result to a variable in the current context.
type LetStep struct {
	Name string `yaml:"name"`
	Expr string `yaml:"expr"`
}

// WaitStep blocks on webhook delivery.
type WaitStep struct {
	// Path is the webhook path to wait on.
	Path string `yaml:"path"`

	// Timeout in seconds (default 300).
	Timeout int `yaml:"timeout,omitempty"`

	// Count is the expected number of matching events (default 1).
	Count int `yaml:"count,omitempty"`

	// Filter is an optional predicate over incoming event payloads.
	Filter string `yaml:"filter,omitempty"`

	// Secret enables HMAC-SHA256 signature verification (value or ${VAR}).
	Secret string `yaml:"secret,omitempty"`

	// StreamTo streams accepted events into a store as they arrive.
	StreamTo string `yaml:"stream_to,omitempty"`

	// StreamKey is the key expression for streamed events.
	StreamKey string `yaml:"stream_key,omitempty"`

	// RetryOnTimeout converts WebhookTimeout into a retry signal.
	RetryOnTimeout *RetryDef `yaml:"retry_on_timeout,omitempty"`
}

// UnmarshalYAML decodes a step mapping: an optional id plus exactly one kind
// key.
func (s *Step) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.MappingNode {
		return fmt.Errorf("step must be a mapping with one step kind")
	}

	for i := 0; i+1 < len(node.Content); i += 2 {
		key := node.Content[i].Value
		val := node.Content[i+1]

		var err error
		switch key {
		case "id":
			s.ID = val.Value
			continue
		case "fetch":
			s.Fetch = &FetchStep{}
			err = val.Decode(s.Fetch)
		case "for":
			s.For = &ForStep{}
			err = val.Decode(s.For)
		case "map":
			err = val.Decode(&s.Map)
		case "apply":
			s.Apply = &ApplyStep{}
			if val.Kind == yaml.ScalarNode {
				s.Apply.Transform = val.Value
			} else {
				err = val.Decode(s.Apply)
			}
		case "validate":
			s.Validate = &ValidateStep{}
			err = val.Decode(s.Validate)
		case "store":
			s.Store = &StoreStep{}
			if val.Kind == yaml.ScalarNode {
				s.Store.To = val.Value
			} else {
				err = val.Decode(s.Store)
			}
		case "match":
			s.Match = &MatchStep{}
			err = val.Decode(s.Match)
		case "let":
			s.Let = &LetStep{}
			err = val.Decode(s.Let)
		case "wait":
			s.Wait = &WaitStep{}
			err = val.Decode(s.Wait)
		default:
			return fmt.Errorf("unknown step kind %q", key)
		}
		if err != nil {
			return fmt.Errorf("step %s: %w", key, err)
		}

		if s.Kind != "" {
			return fmt.Errorf("step declares both %s and %s", s.Kind, key)
		}
		s.Kind = StepKind(key)
	}

	if s.Kind == "" {
		return fmt.Errorf("step has no kind (expected one of fetch, for, map, apply, validate, store, match, let, wait)")
	}
	return nil
}
