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

// Package expression evaluates mission expressions against the execution
// context. Compiled programs are cached per expression text.
package expression

import (
	"fmt"
	"regexp"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/reqon/reqon/pkg/errors"
)

// Evaluator compiles and runs mission expressions.
type Evaluator struct {
	cache map[string]*vm.Program
	mu    sync.RWMutex
}

// New creates a new expression evaluator.
func New() *Evaluator {
	return &Evaluator{cache: make(map[string]*vm.Program)}
}

// leadingDot rewrites the mission shorthand ".field" into "value.field".
// A dot preceded by an identifier character or a closing bracket is a normal
// member access and is left alone.
var leadingDot = regexp.MustCompile(`(^|[^\w\)\]])\.([A-Za-z_]\w*)`)

// rewrite expands mission shorthand into plain expr syntax.
func rewrite(src string) string {
	return leadingDot.ReplaceAllString(src, "${1}value.${2}")
}

// Evaluate runs the expression against env and returns its value.
//
// The environment carries the identifier universe of §6: flattened current-
// value fields, variables, the response register, and the function set.
// Callers assemble env with BuildEnv.
func (e *Evaluator) Evaluate(expression string, env map[string]any) (any, error) {
	if expression == "" {
		return nil, &errors.ConfigError{
			Key:    "expression",
			Reason: "empty expression",
		}
	}

	program, err := e.compile(expression)
	if err != nil {
		return nil, &errors.ConfigError{
			Key:        "expression",
			Reason:     fmt.Sprintf("failed to compile %q: %s", expression, err.Error()),
			Suggestion: "check the expression syntax and referenced names",
			Cause:      err,
		}
	}

	result, err := expr.Run(program, withFunctions(env))
	if err != nil {
		return nil, &errors.ConfigError{
			Key:    "expression",
			Reason: fmt.Sprintf("evaluating %q: %s", expression, err.Error()),
			Cause:  err,
		}
	}
	return result, nil
}

// EvaluateBool runs a guard expression and reports its truthiness.
// Empty guards default to true.
func (e *Evaluator) EvaluateBool(expression string, env map[string]any) (bool, error) {
	if expression == "" {
		return true, nil
	}
	result, err := e.Evaluate(expression, env)
	if err != nil {
		return false, err
	}
	return Truthy(result), nil
}

// Truthy reports whether a value counts as true in guard position: nil,
// false, zero numbers, empty strings, and empty collections are false.
func Truthy(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case int:
		return t != 0
	case int64:
		return t != 0
	case float64:
		return t != 0
	case string:
		return t != ""
	case []any:
		return len(t) > 0
	case map[string]any:
		return len(t) > 0
	default:
		return true
	}
}

// shadowedBuiltins are expr builtins that collide with the mission function
// set or with common variable names. They are disabled so the runtime
// environment always wins the lookup.
var shadowedBuiltins = []string{
	"count", "sum", "first", "last", "concat", "split", "now",
	"round", "floor", "ceil",
}

// compile compiles an expression and caches the program.
func (e *Evaluator) compile(expression string) (*vm.Program, error) {
	e.mu.RLock()
	if prog, ok := e.cache[expression]; ok {
		e.mu.RUnlock()
		return prog, nil
	}
	e.mu.RUnlock()

	// Compiled untyped: the context supplies names and values at runtime, and
	// a typed Env would reject cross-kind comparisons at compile time instead
	// of letting them evaluate to false.
	opts := []expr.Option{expr.AllowUndefinedVariables()}
	for _, name := range shadowedBuiltins {
		opts = append(opts, expr.DisableBuiltin(name))
	}
	prog, err := expr.Compile(rewrite(expression), opts...)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	e.cache[expression] = prog
	e.mu.Unlock()
	return prog, nil
}

// CacheSize returns the number of cached programs.
func (e *Evaluator) CacheSize() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.cache)
}

// BuildEnv assembles the evaluation environment. Identifier precedence from
// lowest to highest: response fields, variables, then the current value's own
// fields. The current value is also reachable as "value" and the response
// register as "response".
func BuildEnv(vars map[string]any, response any, current any) map[string]any {
	env := make(map[string]any)

	if obj, ok := response.(map[string]any); ok {
		for k, v := range obj {
			env[k] = v
		}
	}
	for k, v := range vars {
		env[k] = v
	}
	if obj, ok := current.(map[string]any); ok {
		for k, v := range obj {
			env[k] = v
		}
	}

	env["response"] = response
	env["value"] = current
	if current == nil {
		env["value"] = response
	}
	return env
}
