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
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/reqon/reqon/pkg/errors"
)

// detectTTL expires a cached array-field discovery.
const detectTTL = 5 * time.Minute

// detector locates the result array inside a response body and caches
// the discovered field per fetch step.
type detector struct {
	mu    sync.Mutex
	cache map[string]*detection
	now   func() time.Time
}

// detection remembers which field held the array and the response
// shape it was discovered on, so shape changes purge the entry.
type detection struct {
	field string
	shape string
	at    time.Time
}

func newDetector() *detector {
	return &detector{
		cache: make(map[string]*detection),
		now:   time.Now,
	}
}

// items extracts the result array from body. Preference order: the
// explicit field, then the cached discovery, then the first array value
// of the root object (key-sorted for determinism), then the root itself
// when it is an array.
func (d *detector) items(stepID string, body any, explicit string) ([]any, error) {
	if list, ok := body.([]any); ok {
		return list, nil
	}

	obj, ok := body.(map[string]any)
	if !ok {
		return nil, &errors.InvalidCollectionError{
			Source:   stepID,
			TypeName: fmt.Sprintf("%T", body),
		}
	}

	if explicit != "" {
		list, ok := obj[explicit].([]any)
		if !ok {
			return nil, &errors.InvalidCollectionError{
				Source:   stepID,
				TypeName: fmt.Sprintf("field %q is %T", explicit, obj[explicit]),
			}
		}
		return list, nil
	}

	shape := shapeOf(obj)

	d.mu.Lock()
	cached, ok := d.cache[stepID]
	if ok && (cached.shape != shape || d.now().Sub(cached.at) > detectTTL) {
		delete(d.cache, stepID)
		ok = false
	}
	d.mu.Unlock()

	if ok {
		if list, isArr := obj[cached.field].([]any); isArr {
			return list, nil
		}
	}

	keys := make([]string, 0, len(obj))
	for k := range obj {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		if list, isArr := obj[k].([]any); isArr {
			d.mu.Lock()
			d.cache[stepID] = &detection{field: k, shape: shape, at: d.now()}
			d.mu.Unlock()
			return list, nil
		}
	}

	return nil, &errors.InvalidCollectionError{
		Source:   stepID,
		TypeName: "object with no array field",
	}
}

// shapeOf fingerprints a response object by its sorted key set.
func shapeOf(obj map[string]any) string {
	keys := make([]string, 0, len(obj))
	for k := range obj {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return strings.Join(keys, ",")
}
