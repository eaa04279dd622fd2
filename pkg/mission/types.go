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

// Package mission defines the parsed mission program: sources, stores,
// schemas, transforms, actions, and the pipeline. Definitions load from YAML
// and are immutable once handed to the executor.
package mission

import (
	"fmt"

	"gopkg.in/yaml.v3"
)

// Mission is the top-level program consumed by the executor.
type Mission struct {
	// Name identifies the mission.
	Name string `yaml:"name"`

	// Description provides human-readable context (optional).
	Description string `yaml:"description,omitempty"`

	// Version tracks the mission format version (optional, defaults to "1").
	Version string `yaml:"version,omitempty"`

	// Sources are the remote HTTP services the mission fetches from.
	Sources map[string]*SourceDef `yaml:"sources,omitempty"`

	// Stores are the keyed collections the mission persists into.
	Stores map[string]*StoreDef `yaml:"stores,omitempty"`

	// Schemas are structural shapes used by match arms and transform variants.
	Schemas map[string]*SchemaDef `yaml:"schemas,omitempty"`

	// Transforms are reusable named mappings, possibly overloaded by schema.
	Transforms map[string]*TransformDef `yaml:"transforms,omitempty"`

	// Actions are the named step sequences.
	Actions []*ActionDef `yaml:"actions"`

	// Pipeline is the ordered list of stages to execute.
	Pipeline []*StageDef `yaml:"pipeline"`
}

// Action returns the named action, or nil.
func (m *Mission) Action(name string) *ActionDef {
	for _, a := range m.Actions {
		if a.Name == name {
			return a
		}
	}
	return nil
}

// SourceDef describes a remote HTTP service plus its auth, rate-limit, and
// circuit-breaker policies.
type SourceDef struct {
	// BaseURL is the service root. Either BaseURL or OpenAPI must be set.
	BaseURL string `yaml:"base_url,omitempty"`

	// OpenAPI is a path or URL to an OpenAPI document whose first server
	// entry supplies the base URL.
	OpenAPI string `yaml:"openapi,omitempty"`

	// Auth configures how requests are authenticated.
	Auth *AuthDef `yaml:"auth,omitempty"`

	// RateLimit configures the rate-limit strategy for this source.
	RateLimit *RateLimitDef `yaml:"rate_limit,omitempty"`

	// CircuitBreaker configures failure isolation for this source.
	CircuitBreaker *BreakerDef `yaml:"circuit_breaker,omitempty"`

	// Headers are added to every request to this source.
	Headers map[string]string `yaml:"headers,omitempty"`

	// Timeout is the per-request timeout in seconds (default 30).
	Timeout int `yaml:"timeout,omitempty"`
}

// AuthDef describes source authentication. Values support ${VAR} environment
// interpolation; see the credentials package.
type AuthDef struct {
	// Type is one of: bearer, basic, api_key, oauth2, jwt.
	// Empty with a Token present infers bearer.
	Type string `yaml:"type,omitempty"`

	// Token is the static bearer token.
	Token string `yaml:"token,omitempty"`

	// Username and Password serve basic auth.
	Username string `yaml:"username,omitempty"`
	Password string `yaml:"password,omitempty"`

	// APIKey and Header serve api_key auth (Header defaults to X-Api-Key).
	APIKey string `yaml:"api_key,omitempty"`
	Header string `yaml:"header,omitempty"`

	// OAuth2 fields.
	ClientID     string   `yaml:"client_id,omitempty"`
	ClientSecret string   `yaml:"client_secret,omitempty"`
	TokenURL     string   `yaml:"token_url,omitempty"`
	RefreshToken string   `yaml:"refresh_token,omitempty"`
	AccessToken  string   `yaml:"access_token,omitempty"`
	Scopes       []string `yaml:"scopes,omitempty"`

	// JWT fields: a PEM RSA private key (or ${VAR} reference) used to mint
	// short-lived bearer tokens.
	PrivateKey string `yaml:"private_key,omitempty"`
	Issuer     string `yaml:"issuer,omitempty"`
	Audience   string `yaml:"audience,omitempty"`
	TTL        int    `yaml:"ttl,omitempty"` // seconds, default 300
}

// RateLimitStrategy selects depletion behavior.
type RateLimitStrategy string

const (
	// StrategyPause sleeps until the reset deadline, bounded by MaxWait.
	StrategyPause RateLimitStrategy = "pause"
	// StrategyThrottle spaces requests evenly across the remaining window.
	StrategyThrottle RateLimitStrategy = "throttle"
	// StrategyFail surfaces RateLimited immediately on depletion.
	StrategyFail RateLimitStrategy = "fail"
)

// RateLimitDef configures the per-source rate limiter.
type RateLimitDef struct {
	// Strategy is pause (default), throttle, or fail.
	Strategy RateLimitStrategy `yaml:"strategy,omitempty"`

	// MaxWait bounds a pause wait, in seconds (default 300).
	MaxWait int `yaml:"max_wait,omitempty"`

	// FallbackRPM paces throttle when no headers were seen (default 60).
	FallbackRPM int `yaml:"fallback_rpm,omitempty"`

	// PerEndpoint tracks limits per endpoint path instead of per source.
	PerEndpoint bool `yaml:"per_endpoint,omitempty"`
}

// BreakerDef configures the per-source circuit breaker.
type BreakerDef struct {
	// FailureThreshold opens the circuit after this many failures inside
	// Window (default 5).
	FailureThreshold int `yaml:"failure_threshold,omitempty"`

	// Window is the rolling failure window in seconds (default 60).
	Window int `yaml:"window,omitempty"`

	// ResetTimeout is how long the circuit stays open before probing, in
	// seconds (default 30).
	ResetTimeout int `yaml:"reset_timeout,omitempty"`

	// SuccessThreshold closes a half-open circuit after this many probe
	// successes (default 2).
	SuccessThreshold int `yaml:"success_threshold,omitempty"`

	// FailureStatusCodes lists statuses counted as failures (default 500-599).
	FailureStatusCodes []int `yaml:"failure_status_codes,omitempty"`

	// CountNetworkErrors counts transport failures toward the threshold
	// (default true).
	CountNetworkErrors *bool `yaml:"count_network_errors,omitempty"`

	// PerEndpoint tracks breaker state per endpoint path.
	PerEndpoint bool `yaml:"per_endpoint,omitempty"`
}

// StoreBackend tags a store definition with its adapter.
type StoreBackend string

const (
	// BackendMemory is the mutex-guarded in-process map.
	BackendMemory StoreBackend = "memory"
	// BackendFile is the debounced JSON file store.
	BackendFile StoreBackend = "file"
	// BackendSQL is the embedded SQLite store.
	BackendSQL StoreBackend = "sql"
	// BackendNoSQL falls back to file in development mode.
	BackendNoSQL StoreBackend = "nosql"
	// BackendPostgREST persists through a PostgREST endpoint.
	BackendPostgREST StoreBackend = "postgrest"
)

// StoreDef describes a keyed persistent collection.
type StoreDef struct {
	// Backend selects the adapter.
	Backend StoreBackend `yaml:"backend"`

	// Collection names the keyed collection (file name, table, or resource).
	Collection string `yaml:"collection,omitempty"`

	// URL is the PostgREST endpoint for the postgrest backend.
	URL string `yaml:"url,omitempty"`

	// FlushInterval is the file-store write debounce in milliseconds
	// (default 100).
	FlushInterval int `yaml:"flush_interval,omitempty"`
}

// FieldDef describes one schema field. In YAML a field may be declared as a
// bare type string ("id: string") or a mapping with type/optional/fields.
type FieldDef struct {
	// Type is one of: string, number, int, decimal, boolean, null, array,
	// object, date.
	Type string `yaml:"type"`

	// Optional marks the field as not required for a match.
	Optional bool `yaml:"optional,omitempty"`

	// Fields nests structural checks for object-typed fields.
	Fields map[string]*FieldDef `yaml:"fields,omitempty"`
}

// UnmarshalYAML accepts both the shorthand type string and the full mapping.
func (f *FieldDef) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.ScalarNode {
		f.Type = node.Value
		return nil
	}

	type plain FieldDef
	return node.Decode((*plain)(f))
}

// SchemaDef is a structural predicate over values.
type SchemaDef struct {
	// Fields maps field names to their declared shapes.
	Fields map[string]*FieldDef `yaml:"fields"`
}

// TransformVariant is one overload of a transform, selected by source schema
// and guard.
type TransformVariant struct {
	// From names the source schema this variant accepts; "_" matches any.
	From string `yaml:"from,omitempty"`

	// When is an optional guard expression evaluated against the input.
	When string `yaml:"when,omitempty"`

	// Mappings are output field -> expression pairs.
	Mappings map[string]string `yaml:"mappings"`
}

// TransformDef is a reusable named mapping with one or more variants.
type TransformDef struct {
	Variants []*TransformVariant `yaml:"variants"`
}

// UnmarshalYAML accepts either a single-variant shorthand (a mappings map)
// or the full variants list.
func (t *TransformDef) UnmarshalYAML(node *yaml.Node) error {
	// Full form: { variants: [...] }
	var full struct {
		Variants []*TransformVariant `yaml:"variants"`
	}
	if err := node.Decode(&full); err == nil && len(full.Variants) > 0 {
		t.Variants = full.Variants
		return nil
	}

	// Shorthand: a bare mapping of output field -> expression.
	var mappings map[string]string
	if err := node.Decode(&mappings); err != nil {
		return fmt.Errorf("transform must be a mappings map or a variants list: %w", err)
	}
	t.Variants = []*TransformVariant{{From: Wildcard, Mappings: mappings}}
	return nil
}

// Wildcard matches any schema in match arms and transform variants.
const Wildcard = "_"

// ActionDef is a named sequence of steps sharing a response register.
type ActionDef struct {
	Name  string  `yaml:"name"`
	Steps []*Step `yaml:"steps"`
}

// StageDef is one pipeline stage: a single action or a parallel group,
// optionally guarded.
type StageDef struct {
	// Actions lists the action names run in this stage. More than one means
	// parallel execution.
	Actions []string

	// Guard is an optional expression; the stage is skipped when it
	// evaluates false.
	Guard string
}

// UnmarshalYAML accepts three stage forms:
//
//	- Fetch                       (bare action name)
//	- [Fetch, Enrich]             (parallel group)
//	- {run: [Fetch], if: "expr"}  (guarded)
func (s *StageDef) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.ScalarNode:
		s.Actions = []string{node.Value}
		return nil

	case yaml.SequenceNode:
		return node.Decode(&s.Actions)

	case yaml.MappingNode:
		var full struct {
			Run  yaml.Node `yaml:"run"`
			If   string    `yaml:"if"`
			Then yaml.Node `yaml:"then"` // tolerated alias used in compact pipelines
		}
		if err := node.Decode(&full); err != nil {
			return err
		}
		s.Guard = full.If
		switch full.Run.Kind {
		case yaml.ScalarNode:
			s.Actions = []string{full.Run.Value}
		case yaml.SequenceNode:
			if err := full.Run.Decode(&s.Actions); err != nil {
				return err
			}
		default:
			return fmt.Errorf("stage run must be an action name or a list of action names")
		}
		return nil

	default:
		return fmt.Errorf("stage must be a name, a list, or a run/if mapping")
	}
}

// MarshalYAML renders the compact stage form back out.
func (s *StageDef) MarshalYAML() (interface{}, error) {
	if s.Guard == "" {
		if len(s.Actions) == 1 {
			return s.Actions[0], nil
		}
		return s.Actions, nil
	}
	return map[string]interface{}{"run": s.Actions, "if": s.Guard}, nil
}

// Parallel reports whether the stage fans out into concurrent actions.
func (s *StageDef) Parallel() bool { return len(s.Actions) > 1 }
