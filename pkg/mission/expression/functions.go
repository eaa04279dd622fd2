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

package expression

import (
	"fmt"
	"math"
	"os"
	"strings"
	"time"
)

// functionEnv returns the function set visible at compile time.
func functionEnv() map[string]any {
	return map[string]any{
		"length":    lengthFunc,
		"sum":       sumFunc,
		"first":     firstFunc,
		"last":      lastFunc,
		"round":     roundFunc,
		"floor":     floorFunc,
		"ceil":      ceilFunc,
		"concat":    concatFunc,
		"lowercase": lowercaseFunc,
		"uppercase": uppercaseFunc,
		"split":     splitFunc,
		"includes":  includesFunc,
		"now":       nowFunc,
		"env":       envFunc,
	}
}

// withFunctions merges the function set into a runtime environment without
// clobbering caller names.
func withFunctions(env map[string]any) map[string]any {
	merged := make(map[string]any, len(env)+14)
	for k, v := range functionEnv() {
		merged[k] = v
	}
	for k, v := range env {
		merged[k] = v
	}
	return merged
}

func lengthFunc(v any) int {
	switch t := v.(type) {
	case nil:
		return 0
	case string:
		return len(t)
	case []any:
		return len(t)
	case map[string]any:
		return len(t)
	default:
		return 0
	}
}

func sumFunc(v any) float64 {
	list, ok := v.([]any)
	if !ok {
		return 0
	}
	var total float64
	for _, item := range list {
		total += toFloat(item)
	}
	return total
}

func firstFunc(v any) any {
	if list, ok := v.([]any); ok && len(list) > 0 {
		return list[0]
	}
	return nil
}

func lastFunc(v any) any {
	if list, ok := v.([]any); ok && len(list) > 0 {
		return list[len(list)-1]
	}
	return nil
}

func roundFunc(v any) float64 { return math.Round(toFloat(v)) }
func floorFunc(v any) float64 { return math.Floor(toFloat(v)) }
func ceilFunc(v any) float64  { return math.Ceil(toFloat(v)) }

func concatFunc(parts ...any) string {
	var b strings.Builder
	for _, p := range parts {
		b.WriteString(stringify(p))
	}
	return b.String()
}

func lowercaseFunc(s string) string { return strings.ToLower(s) }
func uppercaseFunc(s string) string { return strings.ToUpper(s) }

func splitFunc(s, sep string) []any {
	parts := strings.Split(s, sep)
	out := make([]any, len(parts))
	for i, p := range parts {
		out[i] = p
	}
	return out
}

func includesFunc(container, needle any) bool {
	switch c := container.(type) {
	case string:
		s, ok := needle.(string)
		return ok && strings.Contains(c, s)
	case []any:
		for _, item := range c {
			if item == needle {
				return true
			}
		}
		return false
	case map[string]any:
		key, ok := needle.(string)
		if !ok {
			return false
		}
		_, present := c[key]
		return present
	default:
		return false
	}
}

func nowFunc() time.Time { return time.Now().UTC() }

func envFunc(name string) string { return os.Getenv(name) }

func toFloat(v any) float64 {
	switch t := v.(type) {
	case int:
		return float64(t)
	case int32:
		return float64(t)
	case int64:
		return float64(t)
	case float32:
		return float64(t)
	case float64:
		return t
	default:
		return 0
	}
}

func stringify(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	default:
		return fmt.Sprintf("%v", t)
	}
}
