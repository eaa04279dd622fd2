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
	"os"

	"gopkg.in/yaml.v3"

	"github.com/reqon/reqon/pkg/errors"
)

// Parse decodes a mission definition from YAML, applies defaults, and
// validates it. The returned mission is ready for the executor.
func Parse(data []byte) (*Mission, error) {
	var m Mission
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, &errors.ConfigError{
			Key:        "mission",
			Reason:     "failed to parse mission YAML",
			Suggestion: "check the YAML syntax and step structure",
			Cause:      err,
		}
	}

	m.ApplyDefaults()

	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

// Load reads and parses a mission definition file.
func Load(path string) (*Mission, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &errors.ConfigError{
			Key:    "mission",
			Reason: fmt.Sprintf("cannot read mission file %s", path),
			Cause:  err,
		}
	}
	return Parse(data)
}

// ApplyDefaults fills omitted fields with their documented defaults and
// auto-generates step IDs.
func (m *Mission) ApplyDefaults() {
	if m.Version == "" {
		m.Version = "1"
	}

	for _, src := range m.Sources {
		if src.Timeout == 0 {
			src.Timeout = 30
		}
		if src.Auth != nil && src.Auth.Type == "" && src.Auth.Token != "" {
			src.Auth.Type = "bearer"
		}
		if src.RateLimit != nil {
			applyRateLimitDefaults(src.RateLimit)
		}
		if src.CircuitBreaker != nil {
			applyBreakerDefaults(src.CircuitBreaker)
		}
	}

	for _, st := range m.Stores {
		if st.FlushInterval == 0 {
			st.FlushInterval = 100
		}
	}

	for _, action := range m.Actions {
		applyStepDefaults(action.Steps, action.Name)
	}
}

func applyRateLimitDefaults(rl *RateLimitDef) {
	if rl.Strategy == "" {
		rl.Strategy = StrategyPause
	}
	if rl.MaxWait == 0 {
		rl.MaxWait = 300
	}
	if rl.FallbackRPM == 0 {
		rl.FallbackRPM = 60
	}
}

func applyBreakerDefaults(cb *BreakerDef) {
	if cb.FailureThreshold == 0 {
		cb.FailureThreshold = 5
	}
	if cb.Window == 0 {
		cb.Window = 60
	}
	if cb.ResetTimeout == 0 {
		cb.ResetTimeout = 30
	}
	if cb.SuccessThreshold == 0 {
		cb.SuccessThreshold = 2
	}
}

// applyStepDefaults assigns IDs of the form <action>.<kind>[n] to steps that
// declare none, and recurses into nested step lists.
func applyStepDefaults(steps []*Step, scope string) {
	for i, step := range steps {
		if step.ID == "" {
			step.ID = fmt.Sprintf("%s.%s%d", scope, step.Kind, i+1)
		}

		switch {
		case step.Fetch != nil:
			applyFetchDefaults(step.Fetch)
		case step.For != nil:
			if step.For.As == "" {
				step.For.As = "item"
			}
			applyStepDefaults(step.For.Steps, step.ID)
		case step.Validate != nil:
			for _, c := range step.Validate.Assume {
				if c.Severity == "" {
					c.Severity = "error"
				}
			}
		case step.Match != nil:
			for ai, arm := range step.Match.Arms {
				if arm.Directive != nil && arm.Directive.Retry != nil {
					applyRetryDefaults(arm.Directive.Retry)
				}
				applyStepDefaults(arm.Steps, fmt.Sprintf("%s.arm%d", step.ID, ai+1))
			}
		case step.Wait != nil:
			if step.Wait.Timeout == 0 {
				step.Wait.Timeout = 300
			}
			if step.Wait.Count == 0 {
				step.Wait.Count = 1
			}
			if step.Wait.RetryOnTimeout != nil {
				applyRetryDefaults(step.Wait.RetryOnTimeout)
			}
		}
	}
}

func applyFetchDefaults(f *FetchStep) {
	if f.Retry != nil {
		applyRetryDefaults(f.Retry)
	}
	if f.Since != nil {
		if f.Since.Param == "" {
			f.Since.Param = "since"
		}
		if f.Since.Format == "" {
			f.Since.Format = "iso"
		}
	}
	if p := f.Paginate; p != nil {
		if p.SizeParam == "" {
			p.SizeParam = "limit"
		}
		if p.MaxPages == 0 {
			p.MaxPages = 100
		}
	}
}

func applyRetryDefaults(r *RetryDef) {
	if r.MaxAttempts == 0 {
		r.MaxAttempts = 3
	}
	if r.Backoff == "" {
		r.Backoff = "exponential"
	}
	if r.InitialDelay == 0 {
		r.InitialDelay = 1000
	}
	if r.MaxDelay == 0 {
		r.MaxDelay = 30000
	}
}
