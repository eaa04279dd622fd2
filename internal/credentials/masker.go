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

package credentials

import (
	"strings"
	"sync"
)

// secretFieldSuffixes mark field and variable names whose values are
// treated as secrets.
var secretFieldSuffixes = []string{
	"token", "secret", "key", "password", "pass", "pwd",
}

// minSecretLength keeps trivial values (ports, flags) out of the mask
// set.
const minSecretLength = 4

// Masker redacts known secret values from strings before they reach
// logs, events, or error messages. Values are registered as the
// resolver hands them out, so anything a source authenticated with is
// covered.
type Masker struct {
	mu      sync.RWMutex
	secrets map[string]bool
}

// NewMasker creates an empty masker.
func NewMasker() *Masker {
	return &Masker{secrets: make(map[string]bool)}
}

// Add registers a value for redaction.
func (m *Masker) Add(value string) {
	if len(value) < minSecretLength {
		return
	}
	m.mu.Lock()
	m.secrets[value] = true
	m.mu.Unlock()
}

// Mask replaces every registered secret in s with "***".
func (m *Masker) Mask(s string) string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for secret := range m.secrets {
		s = strings.ReplaceAll(s, secret, "***")
	}
	return s
}

// isSecretField reports whether a credential field or variable name
// looks like it carries a secret.
func isSecretField(name string) bool {
	lower := strings.ToLower(name)
	for _, suffix := range secretFieldSuffixes {
		if strings.HasSuffix(lower, suffix) {
			return true
		}
	}
	return false
}
