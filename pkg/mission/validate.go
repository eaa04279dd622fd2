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
	"net/url"
	"strings"

	"github.com/reqon/reqon/pkg/errors"
)

var validFieldTypes = map[string]bool{
	"string": true, "number": true, "int": true, "decimal": true,
	"boolean": true, "null": true, "array": true, "object": true, "date": true,
}

// Validate enforces the parser-side guarantees the executor relies on:
// unique action names, resolvable source/store/schema/transform references,
// well-formed source URLs, and a pipeline that references only declared
// actions.
func (m *Mission) Validate() error {
	if m.Name == "" {
		return &errors.ConfigError{Key: "name", Reason: "mission name is required"}
	}
	if len(m.Actions) == 0 {
		return &errors.ConfigError{Key: "actions", Reason: "mission declares no actions"}
	}
	if len(m.Pipeline) == 0 {
		return &errors.ConfigError{Key: "pipeline", Reason: "mission declares no pipeline"}
	}

	for name, src := range m.Sources {
		if err := validateSource(name, src); err != nil {
			return err
		}
	}

	for name, st := range m.Stores {
		if err := validateStore(name, st); err != nil {
			return err
		}
	}

	for name, schema := range m.Schemas {
		if err := validateSchemaFields(fmt.Sprintf("schemas.%s", name), schema.Fields); err != nil {
			return err
		}
	}

	for name, tr := range m.Transforms {
		if len(tr.Variants) == 0 {
			return &errors.ConfigError{
				Key:    fmt.Sprintf("transforms.%s", name),
				Reason: "transform has no variants",
			}
		}
		for i, v := range tr.Variants {
			if len(v.Mappings) == 0 {
				return &errors.ConfigError{
					Key:    fmt.Sprintf("transforms.%s.variants[%d]", name, i),
					Reason: "variant has no mappings",
				}
			}
			if v.From != "" && v.From != Wildcard {
				if _, ok := m.Schemas[v.From]; !ok {
					return &errors.ConfigError{
						Key:        fmt.Sprintf("transforms.%s.variants[%d].from", name, i),
						Reason:     fmt.Sprintf("unknown schema %q", v.From),
						Suggestion: "declare the schema or use _ to match any input",
					}
				}
			}
		}
	}

	seen := make(map[string]bool, len(m.Actions))
	for _, action := range m.Actions {
		if action.Name == "" {
			return &errors.ConfigError{Key: "actions", Reason: "action without a name"}
		}
		if seen[action.Name] {
			return &errors.ConfigError{
				Key:    fmt.Sprintf("actions.%s", action.Name),
				Reason: "duplicate action name",
			}
		}
		seen[action.Name] = true

		if len(action.Steps) == 0 {
			return &errors.ConfigError{
				Key:    fmt.Sprintf("actions.%s", action.Name),
				Reason: "action has no steps",
			}
		}
		if err := m.validateSteps(action.Name, action.Steps); err != nil {
			return err
		}
		if _, err := checkResponseFlow(action.Name, action.Steps, false); err != nil {
			return err
		}
	}

	for i, stage := range m.Pipeline {
		if len(stage.Actions) == 0 {
			return &errors.ConfigError{
				Key:    fmt.Sprintf("pipeline[%d]", i),
				Reason: "stage has no actions",
			}
		}
		for _, name := range stage.Actions {
			if !seen[name] {
				return &errors.ConfigError{
					Key:        fmt.Sprintf("pipeline[%d]", i),
					Reason:     fmt.Sprintf("stage references undeclared action %q", name),
					Suggestion: "declare the action or fix the pipeline entry",
				}
			}
		}
	}

	return nil
}

func validateSource(name string, src *SourceDef) error {
	if src.BaseURL == "" && src.OpenAPI == "" {
		return &errors.ConfigError{
			Key:        fmt.Sprintf("sources.%s", name),
			Reason:     "source needs base_url or openapi",
			Suggestion: "set base_url, or point openapi at a spec with a servers entry",
		}
	}
	if src.BaseURL != "" {
		u, err := url.Parse(src.BaseURL)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return &errors.ConfigError{
				Key:    fmt.Sprintf("sources.%s.base_url", name),
				Reason: fmt.Sprintf("malformed base URL %q", src.BaseURL),
				Cause:  err,
			}
		}
	}

	if auth := src.Auth; auth != nil {
		key := fmt.Sprintf("sources.%s.auth", name)
		switch auth.Type {
		case "bearer":
			if auth.Token == "" {
				return &errors.ConfigError{Key: key, Reason: "bearer auth requires token"}
			}
		case "basic":
			if auth.Username == "" || auth.Password == "" {
				return &errors.ConfigError{Key: key, Reason: "basic auth requires username and password"}
			}
		case "api_key":
			if auth.APIKey == "" {
				return &errors.ConfigError{Key: key, Reason: "api_key auth requires api_key"}
			}
		case "oauth2":
			if auth.TokenURL == "" {
				return &errors.ConfigError{Key: key, Reason: "oauth2 auth requires token_url"}
			}
			if auth.RefreshToken == "" && (auth.ClientID == "" || auth.ClientSecret == "") {
				return &errors.ConfigError{
					Key:        key,
					Reason:     "oauth2 auth requires refresh_token or client credentials",
					Suggestion: "provide refresh_token, or client_id + client_secret for the client_credentials flow",
				}
			}
		case "jwt":
			if auth.PrivateKey == "" || auth.Issuer == "" {
				return &errors.ConfigError{Key: key, Reason: "jwt auth requires private_key and issuer"}
			}
		case "":
			// No auth.
		default:
			return &errors.ConfigError{
				Key:        key,
				Reason:     fmt.Sprintf("unsupported auth type %q", auth.Type),
				Suggestion: "use one of: bearer, basic, api_key, oauth2, jwt",
			}
		}
	}
	return nil
}

func validateStore(name string, st *StoreDef) error {
	switch st.Backend {
	case BackendMemory, BackendFile, BackendSQL, BackendNoSQL:
	case BackendPostgREST:
		if st.URL == "" {
			return &errors.ConfigError{
				Key:    fmt.Sprintf("stores.%s", name),
				Reason: "postgrest backend requires url",
			}
		}
	case "":
		return &errors.ConfigError{
			Key:        fmt.Sprintf("stores.%s", name),
			Reason:     "store backend is required",
			Suggestion: "use one of: memory, file, sql, nosql, postgrest",
		}
	default:
		return &errors.ConfigError{
			Key:        fmt.Sprintf("stores.%s.backend", name),
			Reason:     fmt.Sprintf("unknown backend %q", st.Backend),
			Suggestion: "use one of: memory, file, sql, nosql, postgrest",
		}
	}
	return nil
}

func validateSchemaFields(key string, fields map[string]*FieldDef) error {
	for fname, f := range fields {
		if !validFieldTypes[f.Type] {
			return &errors.ConfigError{
				Key:        fmt.Sprintf("%s.%s", key, fname),
				Reason:     fmt.Sprintf("unknown field type %q", f.Type),
				Suggestion: "use one of: string, number, int, decimal, boolean, null, array, object, date",
			}
		}
		if len(f.Fields) > 0 {
			if f.Type != "object" {
				return &errors.ConfigError{
					Key:    fmt.Sprintf("%s.%s", key, fname),
					Reason: "nested fields require type object",
				}
			}
			if err := validateSchemaFields(fmt.Sprintf("%s.%s", key, fname), f.Fields); err != nil {
				return err
			}
		}
	}
	return nil
}

// validateSteps checks every reference a step makes against the declared
// sources, stores, schemas, and transforms.
func (m *Mission) validateSteps(scope string, steps []*Step) error {
	for _, step := range steps {
		key := fmt.Sprintf("actions.%s.%s", scope, step.ID)

		switch step.Kind {
		case StepFetch:
			f := step.Fetch
			if f.Source != "" {
				if _, ok := m.Sources[f.Source]; !ok {
					return unresolved(key+".source", "source", f.Source)
				}
			} else if len(m.Sources) > 1 {
				return &errors.ConfigError{
					Key:        key,
					Reason:     "fetch must name a source when several are defined",
					Suggestion: "add source: <name> to the fetch step",
				}
			} else if len(m.Sources) == 0 {
				return &errors.ConfigError{Key: key, Reason: "fetch without any declared source"}
			}
			if f.Path == "" {
				return &errors.ConfigError{Key: key, Reason: "fetch requires a path"}
			}
			if p := f.Paginate; p != nil {
				switch p.Strategy {
				case "offset", "page":
					if p.Param == "" || p.PageSize <= 0 {
						return &errors.ConfigError{Key: key + ".paginate", Reason: p.Strategy + " pagination requires param and page_size"}
					}
				case "cursor":
					if p.Param == "" || p.NextPath == "" {
						return &errors.ConfigError{Key: key + ".paginate", Reason: "cursor pagination requires param and next_path"}
					}
				default:
					return &errors.ConfigError{
						Key:        key + ".paginate.strategy",
						Reason:     fmt.Sprintf("unknown strategy %q", p.Strategy),
						Suggestion: "use one of: offset, page, cursor",
					}
				}
			}

		case StepFor:
			if step.For.In == "" {
				return &errors.ConfigError{Key: key, Reason: "for requires in"}
			}
			if len(step.For.Steps) == 0 {
				return &errors.ConfigError{Key: key, Reason: "for has no body steps"}
			}
			if err := m.validateSteps(scope, step.For.Steps); err != nil {
				return err
			}

		case StepMap:
			if len(step.Map) == 0 {
				return &errors.ConfigError{Key: key, Reason: "map has no field expressions"}
			}

		case StepApply:
			if _, ok := m.Transforms[step.Apply.Transform]; !ok {
				return unresolved(key+".transform", "transform", step.Apply.Transform)
			}

		case StepValidate:
			if len(step.Validate.Assume) == 0 {
				return &errors.ConfigError{Key: key, Reason: "validate has no constraints"}
			}
			for _, c := range step.Validate.Assume {
				if c.Severity != "error" && c.Severity != "warning" {
					return &errors.ConfigError{
						Key:    key,
						Reason: fmt.Sprintf("unknown severity %q", c.Severity),
					}
				}
			}

		case StepStore:
			if _, ok := m.Stores[step.Store.To]; !ok {
				return unresolved(key+".to", "store", step.Store.To)
			}

		case StepMatch:
			if len(step.Match.Arms) == 0 {
				return &errors.ConfigError{Key: key, Reason: "match has no arms"}
			}
			for i, arm := range step.Match.Arms {
				armKey := fmt.Sprintf("%s.arms[%d]", key, i)
				if arm.Schema == "" {
					return &errors.ConfigError{Key: armKey, Reason: "arm requires a schema (use _ for any)"}
				}
				if arm.Schema != Wildcard {
					if _, ok := m.Schemas[arm.Schema]; !ok {
						return unresolved(armKey+".schema", "schema", arm.Schema)
					}
				}
				if d := arm.Directive; d != nil {
					switch d.Kind {
					case "continue", "skip", "retry":
					case "abort":
					case "jump":
						if m.Action(d.Target) == nil {
							return unresolved(armKey+".jump", "action", d.Target)
						}
						if d.Then != "" && d.Then != "retry" && d.Then != "continue" {
							return &errors.ConfigError{
								Key:    armKey + ".jump.then",
								Reason: fmt.Sprintf("then must be retry or continue, got %q", d.Then),
							}
						}
					case "queue":
						if d.Target != "" {
							if _, ok := m.Stores[d.Target]; !ok {
								return unresolved(armKey+".queue", "store", d.Target)
							}
						}
					}
				}
				if err := m.validateSteps(scope, arm.Steps); err != nil {
					return err
				}
			}

		case StepLet:
			if step.Let.Name == "" || step.Let.Expr == "" {
				return &errors.ConfigError{Key: key, Reason: "let requires name and expr"}
			}

		case StepWait:
			w := step.Wait
			if w.Path == "" || !strings.HasPrefix(w.Path, "/") {
				return &errors.ConfigError{Key: key, Reason: "wait requires an absolute path"}
			}
			if w.StreamTo != "" {
				if _, ok := m.Stores[w.StreamTo]; !ok {
					return unresolved(key+".stream_to", "store", w.StreamTo)
				}
			}
		}
	}
	return nil
}

// checkResponseFlow rejects steps that fall back to the response register
// before any step in the action has written it. Fetch, map, apply, validate,
// and wait all leave a value in the register; store, apply, validate, and
// match read it when they carry no explicit target.
func checkResponseFlow(scope string, steps []*Step, produced bool) (bool, error) {
	for _, step := range steps {
		key := fmt.Sprintf("actions.%s.%s", scope, step.ID)

		switch step.Kind {
		case StepFetch, StepMap, StepWait:
			produced = true

		case StepApply:
			if step.Apply.To == "" && !produced {
				return false, unproducedResponse(key, "apply")
			}
			produced = true

		case StepValidate:
			if step.Validate.Target == "" && !produced {
				return false, unproducedResponse(key, "validate")
			}
			produced = true

		case StepStore:
			if step.Store.Value == "" && !produced {
				return false, unproducedResponse(key, "store")
			}

		case StepMatch:
			if step.Match.On == "" && !produced {
				return false, unproducedResponse(key, "match")
			}
			for _, arm := range step.Match.Arms {
				if _, err := checkResponseFlow(scope, arm.Steps, produced); err != nil {
					return false, err
				}
			}

		case StepFor:
			// The body runs on a child context that inherits the register;
			// writes inside the loop do not survive it.
			if _, err := checkResponseFlow(scope, step.For.Steps, produced); err != nil {
				return false, err
			}
		}
	}
	return produced, nil
}

func unproducedResponse(key, kind string) error {
	return &errors.ConfigError{
		Key:        key,
		Reason:     fmt.Sprintf("%s reads the response register before any step produces it", kind),
		Suggestion: "add a fetch, map, or apply first, or give the step an explicit value",
	}
}

func unresolved(key, kind, name string) error {
	return &errors.ConfigError{
		Key:        key,
		Reason:     fmt.Sprintf("unresolved %s reference %q", kind, name),
		Suggestion: fmt.Sprintf("declare the %s or fix the reference", kind),
	}
}
