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
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// SyncEntry is one incremental-sync checkpoint: the cutoff timestamp of
// the last successful run plus an optional cursor.
type SyncEntry struct {
	Timestamp time.Time `json:"timestamp"`
	Cursor    string    `json:"cursor,omitempty"`
}

// syncState persists incremental-sync checkpoints keyed by
// "<source>:<action>" under <dataDir>/sync/<mission>.json.
type syncState struct {
	path string

	mu      sync.Mutex
	entries map[string]SyncEntry
}

// loadSyncState reads an existing checkpoint file; a missing or
// unreadable file starts fresh. Incremental sync degrades to a full
// fetch, it never fails the run.
func loadSyncState(dataDir, missionName string) *syncState {
	s := &syncState{
		path:    filepath.Join(dataDir, "sync", missionName+".json"),
		entries: make(map[string]SyncEntry),
	}
	data, err := os.ReadFile(s.path)
	if err != nil {
		return s
	}
	var entries map[string]SyncEntry
	if json.Unmarshal(data, &entries) == nil {
		s.entries = entries
	}
	return s
}

// Get returns the checkpoint for a (source, action) pair.
func (s *syncState) Get(source, action string) (SyncEntry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[source+":"+action]
	return e, ok
}

// Commit records a new checkpoint and persists the file.
func (s *syncState) Commit(source, action string, at time.Time) error {
	s.mu.Lock()
	s.entries[source+":"+action] = SyncEntry{Timestamp: at.UTC()}
	data, err := json.MarshalIndent(s.entries, "", "  ")
	s.mu.Unlock()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(s.path, data, 0o644)
}

// Stage statuses recorded in the execution state.
const (
	statusPending  = "pending"
	statusRunning  = "running"
	statusComplete = "complete"
	statusFailed   = "failed"
	statusSkipped  = "skipped"
)

// stageState is the persisted status of one pipeline stage.
type stageState struct {
	Name             string         `json:"name"`
	Status           string         `json:"status"`
	ActionsCompleted []string       `json:"actionsCompleted,omitempty"`
	Checkpoints      map[string]any `json:"checkpoints,omitempty"`
}

// executionState is the resumable record of one run, persisted
// best-effort at stage boundaries under <dataDir>/executions/.
type executionState struct {
	Mission      string        `json:"mission"`
	RunID        string        `json:"runId"`
	StartedAt    time.Time     `json:"startedAt"`
	CurrentStage int           `json:"currentStage"`
	Stages       []*stageState `json:"stages"`
	Errors       []string      `json:"errors,omitempty"`

	path string
}

// newExecutionState initializes the per-stage status list.
func newExecutionState(dataDir, missionName, runID string, stageNames []string, startedAt time.Time) *executionState {
	stages := make([]*stageState, len(stageNames))
	for i, name := range stageNames {
		stages[i] = &stageState{Name: name, Status: statusPending}
	}
	return &executionState{
		Mission:   missionName,
		RunID:     runID,
		StartedAt: startedAt.UTC(),
		Stages:    stages,
		path:      filepath.Join(dataDir, "executions", missionName+".json"),
	}
}

// loadExecutionState reads a prior run's state for resume; (nil, false)
// when none exists or it cannot be parsed.
func loadExecutionState(dataDir, missionName string) (*executionState, bool) {
	path := filepath.Join(dataDir, "executions", missionName+".json")
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, false
	}
	var state executionState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, false
	}
	state.path = path
	return &state, true
}

// Save persists the state. Callers treat failure as a logged warning,
// never as a run failure.
func (s *executionState) Save() error {
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(s.path, data, 0o644)
}
