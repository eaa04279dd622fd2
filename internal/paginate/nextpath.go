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

package paginate

import (
	"fmt"
	"sync"

	"github.com/itchyny/gojq"

	"github.com/reqon/reqon/pkg/errors"
)

var (
	nextPathMu    sync.Mutex
	nextPathCache = map[string]*gojq.Code{}
)

// resolveNext evaluates a jq path (e.g. ".meta.next_cursor") against a
// response body and returns the next cursor, or "" when the path
// resolves to nil or empty.
func resolveNext(path string, body any) (string, error) {
	if path == "" {
		return "", &errors.ConfigError{
			Key:    "paginate.next_path",
			Reason: "cursor strategy requires next_path",
		}
	}

	code, err := compilePath(path)
	if err != nil {
		return "", err
	}

	iter := code.Run(body)
	v, ok := iter.Next()
	if !ok {
		return "", nil
	}
	if jqErr, isErr := v.(error); isErr {
		return "", &errors.ConfigError{
			Key:    "paginate.next_path",
			Reason: fmt.Sprintf("evaluating %q", path),
			Cause:  jqErr,
		}
	}

	switch t := v.(type) {
	case nil:
		return "", nil
	case string:
		return t, nil
	case float64:
		// Numeric cursors round-trip as integers when whole.
		if t == float64(int64(t)) {
			return fmt.Sprintf("%d", int64(t)), nil
		}
		return fmt.Sprintf("%v", t), nil
	case int:
		return fmt.Sprintf("%d", t), nil
	default:
		return "", &errors.ConfigError{
			Key:    "paginate.next_path",
			Reason: fmt.Sprintf("%q resolved to %T, want string or number", path, v),
		}
	}
}

// compilePath parses and compiles a jq program once per path text.
func compilePath(path string) (*gojq.Code, error) {
	nextPathMu.Lock()
	defer nextPathMu.Unlock()

	if code, ok := nextPathCache[path]; ok {
		return code, nil
	}

	query, err := gojq.Parse(path)
	if err != nil {
		return nil, &errors.ConfigError{
			Key:    "paginate.next_path",
			Reason: fmt.Sprintf("invalid path %q", path),
			Cause:  err,
		}
	}
	code, err := gojq.Compile(query)
	if err != nil {
		return nil, &errors.ConfigError{
			Key:    "paginate.next_path",
			Reason: fmt.Sprintf("invalid path %q", path),
			Cause:  err,
		}
	}
	nextPathCache[path] = code
	return code, nil
}
