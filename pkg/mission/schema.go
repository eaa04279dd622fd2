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
	"math"
	"time"
)

// Matches reports whether a value satisfies the schema: every required field
// is present with a compatible type, checked structurally for nested objects.
// Extra fields are allowed.
func (s *SchemaDef) Matches(value any) bool {
	obj, ok := value.(map[string]any)
	if !ok {
		return false
	}
	return fieldsMatch(s.Fields, obj)
}

func fieldsMatch(fields map[string]*FieldDef, obj map[string]any) bool {
	for name, field := range fields {
		val, present := obj[name]
		if !present {
			if field.Optional {
				continue
			}
			return false
		}
		if !typeCompatible(field, val) {
			return false
		}
	}
	return true
}

func typeCompatible(field *FieldDef, val any) bool {
	switch field.Type {
	case "string":
		_, ok := val.(string)
		return ok

	case "number", "decimal":
		return isNumber(val)

	case "int":
		switch n := val.(type) {
		case int, int32, int64:
			return true
		case float64:
			return n == math.Trunc(n)
		case float32:
			return float64(n) == math.Trunc(float64(n))
		default:
			return false
		}

	case "boolean":
		_, ok := val.(bool)
		return ok

	case "null":
		return val == nil

	case "array":
		_, ok := val.([]any)
		return ok

	case "object":
		obj, ok := val.(map[string]any)
		if !ok {
			return false
		}
		return fieldsMatch(field.Fields, obj)

	case "date":
		switch d := val.(type) {
		case time.Time:
			return true
		case string:
			if _, err := time.Parse(time.RFC3339, d); err == nil {
				return true
			}
			_, err := time.Parse("2006-01-02", d)
			return err == nil
		default:
			return false
		}

	default:
		return false
	}
}

func isNumber(val any) bool {
	switch val.(type) {
	case int, int32, int64, float32, float64:
		return true
	default:
		return false
	}
}
