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

package runtime

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reqon/reqon/pkg/events"
	"github.com/reqon/reqon/pkg/mission"
)

func parse(t *testing.T, src string) *mission.Mission {
	t.Helper()
	def, err := mission.Parse([]byte(src))
	require.NoError(t, err)
	return def
}

func run(t *testing.T, src string, cfg Config) *Result {
	t.Helper()
	if cfg.DataDir == "" {
		cfg.DataDir = t.TempDir()
	}
	result, err := New(parse(t, src), cfg).Run(context.Background())
	require.NoError(t, err)
	return result
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

// readCollection loads a file-backed collection as persisted on disk.
func readCollection(t *testing.T, dataDir, name string) map[string]map[string]any {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(dataDir, "stores", name+".json"))
	require.NoError(t, err)
	var records map[string]map[string]any
	require.NoError(t, json.Unmarshal(data, &records))
	return records
}

func TestRunFetchValidateStore(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, []any{
			map[string]any{"id": "o1", "total": 12.5},
			map[string]any{"id": "o2", "total": 3.0},
		})
	}))
	defer srv.Close()

	src := fmt.Sprintf(`
name: orders-sync
sources:
  api:
    base_url: %s
stores:
  items:
    backend: file
actions:
  - name: Fetch
    steps:
      - fetch:
          get: /items
      - validate:
          assume:
            - "len(value) == 2"
      - store:
          to: items
pipeline:
  - Fetch
`, srv.URL)

	dataDir := t.TempDir()
	result := run(t, src, Config{DataDir: dataDir})

	assert.True(t, result.Success)
	assert.Equal(t, []string{"Fetch"}, result.ActionsRun)
	assert.Equal(t, 2, result.StoreCounts["items"])

	records := readCollection(t, dataDir, "items")
	require.Contains(t, records, "o1")
	require.Contains(t, records, "o2")
	assert.Equal(t, 12.5, records["o1"]["total"])
}

func TestRunPaginatedFetch(t *testing.T) {
	all := []any{
		map[string]any{"id": "i1"},
		map[string]any{"id": "i2"},
		map[string]any{"id": "i3"},
		map[string]any{"id": "i4"},
	}
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))
		limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
		end := offset + limit
		if offset > len(all) {
			offset = len(all)
		}
		if end > len(all) {
			end = len(all)
		}
		writeJSON(w, all[offset:end])
	}))
	defer srv.Close()

	src := fmt.Sprintf(`
name: paged
sources:
  api:
    base_url: %s
stores:
  items:
    backend: memory
actions:
  - name: Fetch
    steps:
      - fetch:
          get: /items
          paginate:
            strategy: offset
            param: offset
            page_size: 2
      - store:
          to: items
pipeline:
  - Fetch
`, srv.URL)

	result := run(t, src, Config{})
	assert.True(t, result.Success)
	assert.Equal(t, 4, result.StoreCounts["items"])
	assert.Equal(t, int32(3), calls.Load(), "two full pages plus the empty terminator")
}

func TestStageGuardSeesPriorBindings(t *testing.T) {
	src := `
name: guarded
stores:
  out:
    backend: memory
actions:
  - name: Plan
    steps:
      - let: {name: mode, expr: '"full"'}
  - name: Full
    steps:
      - map: {note: '"ran"'}
      - store: {to: out}
  - name: Never
    steps:
      - map: {note: '"no"'}
      - store: {to: out}
pipeline:
  - Plan
  - run: Full
    if: 'mode == "full"'
  - run: Never
    if: 'mode == "quick"'
`
	result := run(t, src, Config{})
	assert.True(t, result.Success, "a guard-skipped stage is not a failure")
	assert.Equal(t, []string{"Plan", "Full"}, result.ActionsRun)
	assert.Equal(t, 1, result.StoreCounts["out"])
}

func TestMatchRetryDirective(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) <= 2 {
			writeJSON(w, map[string]any{"error": "rate limited"})
			return
		}
		writeJSON(w, map[string]any{"items": []any{1, 2}})
	}))
	defer srv.Close()

	src := fmt.Sprintf(`
name: throttled-feed
sources:
  api:
    base_url: %s
stores:
  out:
    backend: memory
schemas:
  throttled:
    fields:
      error: string
actions:
  - name: Pull
    steps:
      - fetch:
          get: /data
      - match:
          arms:
            - schema: throttled
              retry: {max_attempts: 3, backoff: constant, initial_delay_ms: 10}
            - schema: _
              steps:
                - store: {to: out, value: items}
pipeline:
  - Pull
`, srv.URL)

	result := run(t, src, Config{})
	assert.True(t, result.Success)
	assert.Equal(t, int32(3), calls.Load(), "two throttled responses then success")
	assert.Equal(t, 2, result.StoreCounts["out"])
}

func TestMatchSkipDirectiveEndsAction(t *testing.T) {
	src := `
name: skipper
stores:
  out:
    backend: memory
actions:
  - name: Partial
    steps:
      - map: {status: '"partial"'}
      - match:
          arms:
            - schema: _
              when: 'status == "partial"'
              skip: true
      - store: {to: out}
pipeline:
  - Partial
`
	result := run(t, src, Config{})
	assert.True(t, result.Success)
	assert.Equal(t, []string{"Partial"}, result.ActionsRun, "skip completes the action")
	assert.Equal(t, 0, result.StoreCounts["out"], "steps after the skip never run")
}

func TestMatchQueueDirectiveDefaultStore(t *testing.T) {
	src := `
name: triage
actions:
  - name: Triage
    steps:
      - map: {reason: '"unparseable"'}
      - match:
          arms:
            - schema: _
              queue: true
pipeline:
  - Triage
`
	result := run(t, src, Config{})
	assert.True(t, result.Success)
	assert.Equal(t, 1, result.StoreCounts["_queue"])
}

func TestMatchJumpThenContinue(t *testing.T) {
	src := `
name: jumper
stores:
  out:
    backend: memory
actions:
  - name: Check
    steps:
      - map: {kind: '"legacy"'}
      - match:
          arms:
            - schema: _
              jump: Record
      - map: {note: '"after"'}
      - store: {to: out, key: '"check"'}
  - name: Record
    steps:
      - map: {note: '"jumped"'}
      - store: {to: out, key: '"record"'}
pipeline:
  - Check
`
	result := run(t, src, Config{})
	assert.True(t, result.Success)
	assert.Equal(t, []string{"Record", "Check"}, result.ActionsRun,
		"the jump target completes before the origin resumes")
	assert.Equal(t, 2, result.StoreCounts["out"])
}

func TestJumpRetryInsideLoopRestartsAction(t *testing.T) {
	src := `
name: reprocess
stores:
  work:
    backend: memory
  log:
    backend: memory
actions:
  - name: Seed
    steps:
      - map: {id: '"job-1"', state: '"raw"'}
      - store: {to: work}
  - name: Main
    steps:
      - map: {marker: '"pass"'}
      - store: {to: log, value: marker}
      - for:
          in: work
          as: job
          steps:
            - match:
                on: job
                arms:
                  - schema: _
                    when: 'job.state == "raw"'
                    jump: {target: Cook, then: retry}
                  - schema: _
                    continue: true
  - name: Cook
    steps:
      - map: {id: '"job-1"', state: '"done"'}
      - store: {to: work}
pipeline:
  - Seed
  - Main
`
	result := run(t, src, Config{})
	assert.True(t, result.Success)
	assert.Equal(t, []string{"Seed", "Cook", "Main"}, result.ActionsRun)
	// The restart covers the whole action, not just the loop body: the
	// first step's log write happens once per pass.
	assert.Equal(t, 2, result.StoreCounts["log"])
	assert.Equal(t, 1, result.StoreCounts["work"], "the cooked job overwrites the raw one")
}

func TestJumpCycleIsBounded(t *testing.T) {
	src := `
name: cyclic
actions:
  - name: PingA
    steps:
      - match:
          on: '"ping"'
          arms:
            - schema: _
              jump: PingB
  - name: PingB
    steps:
      - match:
          on: '"pong"'
          arms:
            - schema: _
              jump: PingA
pipeline:
  - PingA
`
	result := run(t, src, Config{})
	assert.False(t, result.Success)
	require.Len(t, result.Errors, 1)
	assert.Equal(t, "jump_cycle", result.Errors[0].Kind)
}

func TestAbortShortCircuitsPipeline(t *testing.T) {
	src := `
name: poisoned
stores:
  out:
    backend: memory
actions:
  - name: Gate
    steps:
      - map: {status: '"poisoned"'}
      - match:
          arms:
            - schema: _
              abort: "feed poisoned"
  - name: After
    steps:
      - map: {note: '"x"'}
      - store: {to: out}
pipeline:
  - Gate
  - After
`
	result := run(t, src, Config{})
	assert.False(t, result.Success)
	require.Len(t, result.Errors, 1)
	assert.Equal(t, "abort", result.Errors[0].Kind)
	assert.Equal(t, "Gate", result.Errors[0].Action)
	assert.Contains(t, result.Errors[0].Message, "feed poisoned")
	assert.Empty(t, result.ActionsRun, "nothing after the abort runs")
	assert.Equal(t, 0, result.StoreCounts["out"])
}

func TestParallelStageCollectsAllFailures(t *testing.T) {
	src := `
name: fanout
stores:
  out:
    backend: memory
actions:
  - name: Bad1
    steps:
      - map: {n: "1"}
      - validate:
          assume:
            - "n == 2"
  - name: Bad2
    steps:
      - map: {n: "3"}
      - validate:
          assume:
            - "n == 4"
  - name: Never
    steps:
      - map: {note: '"x"'}
      - store: {to: out}
pipeline:
  - [Bad1, Bad2]
  - Never
`
	result := run(t, src, Config{})
	assert.False(t, result.Success)
	require.Len(t, result.Errors, 2, "one sibling failing does not cancel the other")
	for _, ee := range result.Errors {
		assert.Equal(t, "validation_failed", ee.Kind)
	}
	assert.NotContains(t, result.ActionsRun, "Never", "stages after a failed stage are skipped")
	assert.Equal(t, 0, result.StoreCounts["out"])
}

func TestParallelStageSharesStores(t *testing.T) {
	src := `
name: parallel-writes
stores:
  out:
    backend: memory
actions:
  - name: Left
    steps:
      - let: {name: ids, expr: '["l1", "l2", "l3"]'}
      - for:
          in: ids
          as: id
          steps:
            - map: {id: id, side: '"left"'}
            - store: {to: out}
  - name: Right
    steps:
      - let: {name: ids, expr: '["r1", "r2", "r3"]'}
      - for:
          in: ids
          as: id
          steps:
            - map: {id: id, side: '"right"'}
            - store: {to: out}
pipeline:
  - [Left, Right]
`
	result := run(t, src, Config{})
	assert.True(t, result.Success)
	assert.ElementsMatch(t, []string{"Left", "Right"}, result.ActionsRun)
	assert.Equal(t, 6, result.StoreCounts["out"])
}

func TestValidationWarningContinues(t *testing.T) {
	bus := events.NewBus(nil)
	var mu sync.Mutex
	var warnings []string
	bus.Subscribe("data.validate", func(evt events.Event) {
		payload, ok := evt.Payload.(events.DataPayload)
		if ok && payload.Warning != "" {
			mu.Lock()
			warnings = append(warnings, payload.Warning)
			mu.Unlock()
		}
	})

	src := `
name: audited
stores:
  out:
    backend: memory
actions:
  - name: Audit
    steps:
      - map: {total: "-5"}
      - validate:
          assume:
            - that: "total >= 0"
              severity: warning
              message: negative total
      - store: {to: out, key: '"a"'}
pipeline:
  - Audit
`
	result := run(t, src, Config{Bus: bus})
	assert.True(t, result.Success, "warnings never fail the action")
	assert.Equal(t, 1, result.StoreCounts["out"])
	assert.Equal(t, []string{"negative total"}, warnings)
}

func TestApplyPicksSchemaVariant(t *testing.T) {
	src := `
name: shaped
stores:
  out:
    backend: file
schemas:
  order:
    fields:
      kind: string
      total: number
transforms:
  shape:
    variants:
      - from: order
        mappings:
          label: 'kind + "/order"'
          amount: total
      - from: _
        mappings:
          label: '"unknown"'
actions:
  - name: Shape
    steps:
      - map: {kind: '"retail"', total: "12.5"}
      - apply: {transform: shape}
      - store: {to: out, key: '"k1"'}
pipeline:
  - Shape
`
	dataDir := t.TempDir()
	result := run(t, src, Config{DataDir: dataDir})
	assert.True(t, result.Success)

	records := readCollection(t, dataDir, "out")
	require.Contains(t, records, "k1")
	assert.Equal(t, "retail/order", records["k1"]["label"])
	assert.Equal(t, 12.5, records["k1"]["amount"])
}

func TestApplyNoVariantMatches(t *testing.T) {
	src := `
name: unshaped
schemas:
  order:
    fields:
      kind: string
      total: number
transforms:
  shape:
    variants:
      - from: order
        mappings:
          label: kind
actions:
  - name: Shape
    steps:
      - map: {x: "1"}
      - apply: {transform: shape}
pipeline:
  - Shape
`
	result := run(t, src, Config{})
	assert.False(t, result.Success)
	require.Len(t, result.Errors, 1)
	assert.Equal(t, "no_transform_match", result.Errors[0].Kind)
	assert.Equal(t, "Shape", result.Errors[0].Action)
}

func TestForOverStoreWithWhere(t *testing.T) {
	src := `
name: filtered
stores:
  raw:
    backend: memory
  big:
    backend: memory
actions:
  - name: Seed
    steps:
      - let: {name: orders, expr: '[{"id": "a", "total": 5}, {"id": "b", "total": 20}]'}
      - store: {to: raw, value: orders}
  - name: Filter
    steps:
      - for:
          in: raw
          as: order
          where: "value.total > 10"
          steps:
            - map: {id: order.id, total: order.total}
            - store: {to: big, key: order.id}
pipeline:
  - Seed
  - Filter
`
	result := run(t, src, Config{})
	assert.True(t, result.Success)
	assert.Equal(t, 2, result.StoreCounts["raw"])
	assert.Equal(t, 1, result.StoreCounts["big"], "only totals above the threshold survive")
}

func TestForOverNonCollection(t *testing.T) {
	src := `
name: broken-loop
actions:
  - name: Loop
    steps:
      - for:
          in: '"just-a-string"'
          steps:
            - map: {x: "1"}
pipeline:
  - Loop
`
	result := run(t, src, Config{})
	assert.False(t, result.Success)
	require.Len(t, result.Errors, 1)
	assert.Equal(t, "invalid_collection", result.Errors[0].Kind)
}

func TestSinceCheckpointAcrossRuns(t *testing.T) {
	var mu sync.Mutex
	var sinceSeen []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		sinceSeen = append(sinceSeen, r.URL.Query().Get("since"))
		mu.Unlock()
		writeJSON(w, []any{})
	}))
	defer srv.Close()

	src := fmt.Sprintf(`
name: pull-events
sources:
  api:
    base_url: %s
actions:
  - name: Pull
    steps:
      - fetch:
          get: /events
          since: lastSync
pipeline:
  - Pull
`, srv.URL)

	dataDir := t.TempDir()
	fixed := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	cfg := Config{DataDir: dataDir, Now: func() time.Time { return fixed }}

	result := run(t, src, cfg)
	assert.True(t, result.Success)

	// The checkpoint commits only after the whole action succeeded.
	data, err := os.ReadFile(filepath.Join(dataDir, "sync", "pull-events.json"))
	require.NoError(t, err)
	var entries map[string]SyncEntry
	require.NoError(t, json.Unmarshal(data, &entries))
	require.Contains(t, entries, "api:Pull")
	assert.Equal(t, fixed, entries["api:Pull"].Timestamp)

	result = run(t, src, cfg)
	assert.True(t, result.Success)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, sinceSeen, 2)
	assert.Equal(t, "1970-01-01T00:00:00Z", sinceSeen[0], "first run fetches from the epoch")
	assert.Equal(t, "2026-03-01T12:00:00Z", sinceSeen[1])
}

func TestPersistAndResumeSkipsCompleteStages(t *testing.T) {
	var seedCalls, flakyCalls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/seed":
			seedCalls.Add(1)
			writeJSON(w, map[string]any{"id": "s1"})
		case "/flaky":
			if flakyCalls.Add(1) == 1 {
				w.WriteHeader(http.StatusInternalServerError)
				writeJSON(w, map[string]any{"error": "transient"})
				return
			}
			writeJSON(w, map[string]any{"ok": true})
		}
	}))
	defer srv.Close()

	src := fmt.Sprintf(`
name: resumable
sources:
  api:
    base_url: %s
stores:
  out:
    backend: memory
actions:
  - name: Seed
    steps:
      - fetch: {get: /seed}
      - store: {to: out}
  - name: Flaky
    steps:
      - fetch:
          get: /flaky
          retry: {max_attempts: 1}
pipeline:
  - Seed
  - Flaky
`, srv.URL)

	dataDir := t.TempDir()

	first := run(t, src, Config{DataDir: dataDir, Persist: true})
	assert.False(t, first.Success)
	require.Len(t, first.Errors, 1)
	assert.Equal(t, "http", first.Errors[0].Kind)

	state, ok := loadExecutionState(dataDir, "resumable")
	require.True(t, ok)
	require.Len(t, state.Stages, 2)
	assert.Equal(t, statusComplete, state.Stages[0].Status)
	assert.Equal(t, statusFailed, state.Stages[1].Status)

	second := run(t, src, Config{DataDir: dataDir, Persist: true, Resume: true})
	assert.True(t, second.Success)
	assert.Equal(t, []string{"Flaky"}, second.ActionsRun, "the complete stage is not re-run")
	assert.Equal(t, int32(1), seedCalls.Load())
	assert.Equal(t, int32(2), flakyCalls.Load())
}

func TestCancelledBeforeAnyStage(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	src := `
name: cancelled
actions:
  - name: Work
    steps:
      - map: {x: "1"}
pipeline:
  - Work
`
	result, err := New(parse(t, src), Config{DataDir: t.TempDir()}).Run(ctx)
	require.NoError(t, err)
	assert.False(t, result.Success)
	require.Len(t, result.Errors, 1)
	assert.Equal(t, "cancelled", result.Errors[0].Kind)
	assert.Empty(t, result.ActionsRun)
}

func TestRunEmitsLifecycleEvents(t *testing.T) {
	bus := events.NewBus(nil)
	var mu sync.Mutex
	var seen []events.Type
	bus.Subscribe("**", func(evt events.Event) {
		mu.Lock()
		seen = append(seen, evt.Type)
		mu.Unlock()
	})

	src := `
name: observed
stores:
  out:
    backend: memory
actions:
  - name: Work
    steps:
      - map: {id: '"w1"'}
      - store: {to: out}
pipeline:
  - Work
`
	result := run(t, src, Config{Bus: bus})
	assert.True(t, result.Success)

	mu.Lock()
	defer mu.Unlock()
	require.NotEmpty(t, seen)
	assert.Equal(t, events.MissionStart, seen[0])
	assert.Equal(t, events.MissionComplete, seen[len(seen)-1])
	assert.Contains(t, seen, events.StageStart)
	assert.Contains(t, seen, events.StepComplete)
	assert.Contains(t, seen, events.DataStore)
	assert.Contains(t, seen, events.StageComplete)
}
