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

// Package runtime executes a parsed mission: it owns the execution
// context, dispatches steps to their handlers, schedules pipeline
// stages, and checkpoints state between them.
package runtime

// Context is the per-action execution scope. Variables resolve through
// the parent chain; writes stay local and never back-propagate. Each
// context owns its response register and, inside loops and match arms,
// a current value.
//
// A context is owned by exactly one goroutine at a time, so it carries
// no locking. Parallel actions each get their own child.
type Context struct {
	parent *Context
	vars   map[string]any

	response any
	current  any
}

// NewContext creates a root execution context.
func NewContext() *Context {
	return &Context{vars: make(map[string]any)}
}

// Child creates a scope that inherits variables by lookup chain and
// snapshots the parent's response and current value.
func (c *Context) Child() *Context {
	return &Context{
		parent:   c,
		vars:     make(map[string]any),
		response: c.response,
		current:  c.current,
	}
}

// Bind sets a variable in this scope, shadowing any parent binding.
func (c *Context) Bind(name string, value any) {
	c.vars[name] = value
}

// Lookup resolves a variable through the parent chain.
func (c *Context) Lookup(name string) (any, bool) {
	for ctx := c; ctx != nil; ctx = ctx.parent {
		if v, ok := ctx.vars[name]; ok {
			return v, true
		}
	}
	return nil, false
}

// Vars flattens the lookup chain, innermost bindings winning.
func (c *Context) Vars() map[string]any {
	var chain []*Context
	for ctx := c; ctx != nil; ctx = ctx.parent {
		chain = append(chain, ctx)
	}
	out := make(map[string]any)
	for i := len(chain) - 1; i >= 0; i-- {
		for k, v := range chain[i].vars {
			out[k] = v
		}
	}
	return out
}

// Response returns the last-result register.
func (c *Context) Response() any { return c.response }

// SetResponse writes the last-result register.
func (c *Context) SetResponse(v any) { c.response = v }

// Current returns the current value (loop element or match target);
// nil outside those scopes, in which case expressions fall back to the
// response register.
func (c *Context) Current() any { return c.current }

// SetCurrent pins the current value for this scope.
func (c *Context) SetCurrent(v any) { c.current = v }
