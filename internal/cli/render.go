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

package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/reqon/reqon/pkg/events"
)

// renderer turns the event stream into terminal progress lines. In JSON
// mode every event is emitted as one JSON line instead.
type renderer struct {
	out     io.Writer
	verbose bool
	json    bool

	mu sync.Mutex
}

// Attach subscribes the renderer; the returned function detaches it.
func (r *renderer) Attach(bus *events.Bus) func() {
	return bus.Subscribe("**", r.render)
}

func (r *renderer) render(evt events.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.json {
		line, err := json.Marshal(evt)
		if err != nil {
			return
		}
		fmt.Fprintln(r.out, string(line))
		return
	}

	switch p := evt.Payload.(type) {
	case events.MissionPayload:
		switch evt.Type {
		case events.MissionStart:
			fmt.Fprintf(r.out, "mission %s (%d stages)\n", evt.Mission, p.Stages)
		case events.MissionComplete:
			fmt.Fprintf(r.out, "done: %d actions in %dms\n", p.Actions, p.Duration)
		case events.MissionFailed:
			fmt.Fprintf(r.out, "failed: %s\n", p.Error)
		}

	case events.StagePayload:
		name := strings.Join(p.Actions, ", ")
		switch {
		case evt.Type == events.StageStart:
			suffix := ""
			if p.Parallel {
				suffix = " (parallel)"
			}
			fmt.Fprintf(r.out, "stage %d: %s%s\n", p.Index+1, name, suffix)
		case p.Skipped:
			fmt.Fprintf(r.out, "stage %d: skipped\n", p.Index+1)
		case p.Failed:
			fmt.Fprintf(r.out, "stage %d: failed after %dms\n", p.Index+1, p.Duration)
		}

	case events.StepPayload:
		if evt.Type == events.StepError {
			fmt.Fprintf(r.out, "  %s/%s: %s\n", p.Action, p.StepID, p.Error)
		} else if r.verbose && evt.Type == events.StepComplete {
			fmt.Fprintf(r.out, "  %s %s (%dms)\n", p.Kind, p.StepID, p.Duration)
		}

	case events.FetchPayload:
		switch evt.Type {
		case events.FetchComplete:
			if r.verbose {
				pages := ""
				if p.Pages > 0 {
					pages = fmt.Sprintf(" page %d", p.Pages)
				}
				fmt.Fprintf(r.out, "  %s %s -> %d%s\n", p.Method, p.Path, p.Status, pages)
			}
		case events.FetchRetry:
			fmt.Fprintf(r.out, "  retrying %s %s (attempt %d)\n", p.Method, p.Path, p.Attempt)
		case events.FetchError:
			fmt.Fprintf(r.out, "  %s %s: %s\n", p.Method, p.Path, p.Error)
		}

	case events.DataPayload:
		switch evt.Type {
		case events.DataStore:
			if r.verbose {
				fmt.Fprintf(r.out, "  stored %d -> %s\n", p.Count, p.Target)
			}
		case events.DataValidate:
			if p.Warning != "" {
				fmt.Fprintf(r.out, "  warning: %s\n", p.Warning)
			}
		}

	case events.RatePayload:
		if evt.Type == events.RateWaiting {
			fmt.Fprintf(r.out, "  rate limited on %s, waiting\n", p.Source)
		}

	case events.CircuitPayload:
		if evt.Type == events.CircuitOpened {
			fmt.Fprintf(r.out, "  circuit open: %s\n", p.Source)
		}
	}
}
