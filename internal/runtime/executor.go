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
	stderrors "errors"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/reqon/reqon/internal/breaker"
	"github.com/reqon/reqon/internal/credentials"
	"github.com/reqon/reqon/internal/httpx"
	"github.com/reqon/reqon/internal/log"
	"github.com/reqon/reqon/internal/openapi"
	"github.com/reqon/reqon/internal/paginate"
	"github.com/reqon/reqon/internal/ratelimit"
	"github.com/reqon/reqon/internal/store"
	"github.com/reqon/reqon/internal/webhook"
	"github.com/reqon/reqon/pkg/errors"
	"github.com/reqon/reqon/pkg/events"
	"github.com/reqon/reqon/pkg/mission"
	"github.com/reqon/reqon/pkg/mission/expression"
)

// Config carries the runtime knobs for one executor.
type Config struct {
	// DataDir roots file-backed stores and checkpoint files
	// (default ".reqon").
	DataDir string

	// Production disables development fallbacks. The default is
	// development mode, where nosql falls back to file with a warning.
	Production bool

	// CredentialsFile is an optional JSON credentials file merged over
	// env discovery.
	CredentialsFile string

	// Persist enables execution-state checkpointing at stage
	// boundaries.
	Persist bool

	// Resume fast-forwards past stages a prior persisted run
	// completed.
	Resume bool

	Bus    *events.Bus
	Logger *slog.Logger

	// Webhooks serves wait steps; nil is valid for missions without
	// them.
	Webhooks *webhook.Server

	// Transport overrides the HTTP transport, for tests.
	Transport http.RoundTripper

	// Now overrides the clock, for tests.
	Now func() time.Time
}

// ExecutionError is one failure surfaced by a run.
type ExecutionError struct {
	Action  string
	Step    string
	Kind    string
	Message string
}

// Result summarizes a completed run.
type Result struct {
	Success     bool
	RunID       string
	ActionsRun  []string
	StoreCounts map[string]int
	Duration    time.Duration
	Errors      []ExecutionError
}

// Executor runs one mission at a time.
type Executor struct {
	def *mission.Mission
	cfg Config
}

// New creates an executor for a parsed, validated mission.
func New(def *mission.Mission, cfg Config) *Executor {
	if cfg.DataDir == "" {
		cfg.DataDir = ".reqon"
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Executor{def: def, cfg: cfg}
}

// Run executes the mission pipeline. Setup failures return an error
// before any stage starts; runtime failures land in Result.Errors with
// Success false. Stores are flushed on every exit path.
func (e *Executor) Run(ctx context.Context) (*Result, error) {
	started := e.cfg.Now()
	bus := e.cfg.Bus
	if bus == nil {
		bus = events.NewBus(e.cfg.Logger)
	}
	runID := uuid.NewString()
	logger := log.WithRun(e.cfg.Logger, e.def.Name, runID)

	r, err := e.setup(ctx, bus, logger, runID)
	if err != nil {
		return nil, err
	}

	bus.Emit(events.Event{
		Type:    events.MissionStart,
		Mission: e.def.Name,
		RunID:   runID,
		Payload: events.MissionPayload{Stages: len(e.def.Pipeline)},
	})
	logger.Info("mission started", "stages", len(e.def.Pipeline))

	execErrors := e.runPipeline(ctx, r, started)

	result := &Result{
		Success:     len(execErrors) == 0,
		RunID:       runID,
		ActionsRun:  r.actionsRun,
		StoreCounts: make(map[string]int),
		Errors:      execErrors,
	}

	// Teardown flushes even after cancellation, so partial results
	// survive.
	flushCtx := context.Background()
	for name, st := range r.stores {
		if count, err := st.Count(flushCtx, nil); err == nil {
			result.StoreCounts[name] = count
		}
		if err := st.Close(flushCtx); err != nil {
			logger.Warn("store close failed", log.StoreKey, name, "error", err)
		}
	}

	result.Duration = e.cfg.Now().Sub(started)
	e.emitFinished(bus, runID, result)
	return result, nil
}

// setup builds the run collaborators in dependency order: credentials,
// sources (base URL, auth, shared limiter and breaker registry), then
// stores fail-fast.
func (e *Executor) setup(ctx context.Context, bus *events.Bus, logger *slog.Logger, runID string) (*runner, error) {
	creds := credentials.NewResolver()
	if e.cfg.CredentialsFile != "" {
		if err := creds.LoadFile(e.cfg.CredentialsFile); err != nil {
			return nil, err
		}
	}

	eval := expression.New()
	limiter := ratelimit.New(bus, logger)
	breakers := breaker.NewRegistry(bus, logger)

	clients := make(map[string]*httpx.Client, len(e.def.Sources))
	pagers := make(map[string]*paginate.Paginator, len(e.def.Sources))
	for name, src := range e.def.Sources {
		base := src.BaseURL
		if src.OpenAPI != "" {
			resolved, err := openapi.BaseURL(ctx, name, src.OpenAPI)
			if err != nil {
				return nil, err
			}
			base = resolved
		}
		if base == "" {
			return nil, &errors.ConfigError{
				Key:        "sources." + name,
				Reason:     "source has neither base_url nor openapi",
				Suggestion: "set base_url or point openapi at a document with servers",
			}
		}

		auth, err := httpx.NewAuthProvider(name, src.Auth, creds)
		if err != nil {
			return nil, err
		}

		client := httpx.NewClient(httpx.Options{
			Source:    name,
			BaseURL:   base,
			Def:       src,
			Auth:      auth,
			Limiter:   limiter,
			Breakers:  breakers,
			Bus:       bus,
			Logger:    logger,
			Transport: e.cfg.Transport,
		})
		clients[name] = client
		pagers[name] = paginate.New(client, eval, bus, name, logger)
	}

	factory := &store.Factory{
		DataDir:    e.cfg.DataDir,
		Production: e.cfg.Production,
		Logger:     logger,
	}
	stores := make(map[string]store.Store, len(e.def.Stores))
	for name, def := range e.def.Stores {
		handle, err := factory.Create(ctx, name, def)
		if err != nil {
			for opened, st := range stores {
				if closeErr := st.Close(ctx); closeErr != nil {
					logger.Warn("store close failed during aborted setup",
						log.StoreKey, opened, "error", closeErr)
				}
			}
			return nil, err
		}
		stores[name] = handle
	}

	return &runner{
		def:               e.def,
		eval:              eval,
		bus:               bus,
		logger:            logger,
		webhooks:          e.cfg.Webhooks,
		sync:              loadSyncState(e.cfg.DataDir, e.def.Name),
		runID:             runID,
		now:               e.cfg.Now,
		clients:           clients,
		pagers:            pagers,
		interpolateSecret: creds.Interpolate,
		mask:              creds.Masker().Mask,
		stores:            stores,
	}, nil
}

// runPipeline walks the stages in order. A failed stage does not stop
// its own parallel actions but skips every later stage; abort
// short-circuits immediately.
func (e *Executor) runPipeline(ctx context.Context, r *runner, started time.Time) []ExecutionError {
	root := NewContext()
	var execErrors []ExecutionError

	state := e.loadState(started)
	failed := false
	aborted := false

	for i, stage := range e.def.Pipeline {
		if aborted {
			break
		}
		if failed || ctx.Err() != nil {
			e.markStage(state, i, statusSkipped)
			continue
		}
		if state != nil && state.Stages[i].Status == statusComplete {
			r.logger.Info("stage already complete, resuming past it", "stage", i)
			continue
		}

		if stage.Guard != "" {
			// Guards see the context as updated by prior stages.
			env := expression.BuildEnv(root.Vars(), root.Response(), nil)
			ok, err := r.eval.EvaluateBool(stage.Guard, env)
			if err != nil {
				execErrors = append(execErrors, r.toExecutionError(err))
				failed = true
				e.markStage(state, i, statusFailed)
				continue
			}
			if !ok {
				e.emitStage(r, events.StageComplete, i, stage, true, false, 0)
				e.markStage(state, i, statusSkipped)
				continue
			}
		}

		stageStarted := e.cfg.Now()
		e.emitStage(r, events.StageStart, i, stage, false, false, 0)
		e.markStage(state, i, statusRunning)

		stageErrors := e.runStage(ctx, r, stage, root)
		execErrors = append(execErrors, stageErrors...)

		stageFailed := len(stageErrors) > 0
		e.emitStage(r, events.StageComplete, i, stage, false, stageFailed,
			e.cfg.Now().Sub(stageStarted).Milliseconds())

		if stageFailed {
			failed = true
			e.markStage(state, i, statusFailed)
			for _, ee := range stageErrors {
				if ee.Kind == "abort" {
					aborted = true
					break
				}
			}
		} else {
			e.markStage(state, i, statusComplete)
		}
		e.saveState(r, state, i+1, execErrors)
	}

	if err := ctx.Err(); err != nil && len(execErrors) == 0 {
		execErrors = append(execErrors, r.toExecutionError(
			&errors.CancelledError{Cause: err}))
	}
	return execErrors
}

// runStage runs one stage's actions. Parallel actions each get a child
// context with their own variable scope and response register; one
// failure does not cancel the siblings.
func (e *Executor) runStage(ctx context.Context, r *runner, stage *mission.StageDef, root *Context) []ExecutionError {
	if !stage.Parallel() {
		root.SetResponse(nil)
		if err := r.runAction(ctx, stage.Actions[0], root, nil); err != nil {
			return []ExecutionError{r.toExecutionError(err)}
		}
		return nil
	}

	var (
		mu         sync.Mutex
		execErrors []ExecutionError
		g          errgroup.Group
	)
	for _, name := range stage.Actions {
		child := root.Child()
		child.SetResponse(nil)
		g.Go(func() error {
			if err := r.runAction(ctx, name, child, nil); err != nil {
				mu.Lock()
				execErrors = append(execErrors, r.toExecutionError(err))
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return execErrors
}

// loadState prepares the execution-state record, resuming a prior run
// when requested and compatible.
func (e *Executor) loadState(started time.Time) *executionState {
	if !e.cfg.Persist {
		return nil
	}
	names := make([]string, len(e.def.Pipeline))
	for i, stage := range e.def.Pipeline {
		names[i] = strings.Join(stage.Actions, "+")
	}
	state := newExecutionState(e.cfg.DataDir, e.def.Name, "", names, started)

	if e.cfg.Resume {
		if prior, ok := loadExecutionState(e.cfg.DataDir, e.def.Name); ok &&
			prior.Mission == e.def.Name && len(prior.Stages) == len(state.Stages) {
			for i, ps := range prior.Stages {
				if ps.Status == statusComplete {
					state.Stages[i].Status = statusComplete
				}
			}
		}
	}
	return state
}

func (e *Executor) markStage(state *executionState, index int, status string) {
	if state == nil {
		return
	}
	state.Stages[index].Status = status
}

// saveState persists the checkpoint; failures are logged, never fatal.
func (e *Executor) saveState(r *runner, state *executionState, currentStage int, execErrors []ExecutionError) {
	if state == nil {
		return
	}
	state.RunID = r.runID
	state.CurrentStage = currentStage
	state.Errors = state.Errors[:0]
	for _, ee := range execErrors {
		state.Errors = append(state.Errors, ee.Message)
	}
	r.runMu.Lock()
	completed := append([]string(nil), r.actionsRun...)
	r.runMu.Unlock()
	if currentStage >= 1 && currentStage-1 < len(state.Stages) {
		state.Stages[currentStage-1].ActionsCompleted = completed
	}
	if err := state.Save(); err != nil {
		r.logger.Warn("execution state not persisted", "error", err)
	}
}

func (e *Executor) emitStage(r *runner, t events.Type, index int, stage *mission.StageDef, skipped, failed bool, duration int64) {
	r.bus.Emit(events.Event{
		Type:    t,
		Mission: e.def.Name,
		RunID:   r.runID,
		Payload: events.StagePayload{
			Index:    index,
			Actions:  stage.Actions,
			Parallel: stage.Parallel(),
			Skipped:  skipped,
			Failed:   failed,
			Duration: duration,
		},
	})
}

func (e *Executor) emitFinished(bus *events.Bus, runID string, result *Result) {
	payload := events.MissionPayload{
		Stages:   len(e.def.Pipeline),
		Actions:  len(result.ActionsRun),
		Duration: result.Duration.Milliseconds(),
	}
	evtType := events.MissionComplete
	if !result.Success {
		evtType = events.MissionFailed
		if len(result.Errors) > 0 {
			payload.Error = result.Errors[0].Message
		}
	}
	bus.Emit(events.Event{
		Type:    evtType,
		Mission: e.def.Name,
		RunID:   runID,
		Payload: payload,
	})
}

// toExecutionError flattens an error into the result's reporting shape,
// preserving the step attribution added by the runner. Messages pass
// through the credential masker.
func (r *runner) toExecutionError(err error) ExecutionError {
	ee := ExecutionError{Kind: kindOf(err), Message: r.mask(err.Error())}
	var sf *stepFailure
	if stderrors.As(err, &sf) {
		ee.Action = sf.Action
		ee.Step = sf.StepID
	}
	var cancelled *errors.CancelledError
	if stderrors.As(err, &cancelled) && ee.Action == "" {
		ee.Action = cancelled.Action
	}
	return ee
}

// kindOf classifies an error by its taxonomy kind.
func kindOf(err error) string {
	var (
		configErr     *errors.ConfigError
		storeErr      *errors.StoreError
		httpErr       *errors.HTTPError
		netErr        *errors.NetworkError
		circuitErr    *errors.CircuitOpenError
		rateErr       *errors.RateLimitedError
		validationErr *errors.ValidationFailedError
		transformErr  *errors.NoTransformMatchError
		schemaErr     *errors.NoSchemaMatchError
		pageErr       *errors.PaginationLimitError
		webhookErr    *errors.WebhookTimeoutError
		cancelErr     *errors.CancelledError
		abortErr      *errors.AbortError
		jumpErr       *errors.JumpCycleError
		collectionErr *errors.InvalidCollectionError
	)
	switch {
	case stderrors.As(err, &abortErr):
		return "abort"
	case stderrors.As(err, &cancelErr), stderrors.Is(err, context.Canceled):
		return "cancelled"
	case stderrors.As(err, &validationErr):
		return "validation_failed"
	case stderrors.As(err, &transformErr):
		return "no_transform_match"
	case stderrors.As(err, &schemaErr):
		return "no_schema_match"
	case stderrors.As(err, &pageErr):
		return "pagination_limit"
	case stderrors.As(err, &webhookErr):
		return "webhook_timeout"
	case stderrors.As(err, &circuitErr):
		return "circuit_open"
	case stderrors.As(err, &rateErr):
		return "rate_limited"
	case stderrors.As(err, &httpErr):
		return "http"
	case stderrors.As(err, &netErr):
		return "network"
	case stderrors.As(err, &storeErr):
		return "store"
	case stderrors.As(err, &jumpErr):
		return "jump_cycle"
	case stderrors.As(err, &collectionErr):
		return "invalid_collection"
	case stderrors.As(err, &configErr):
		return "config"
	default:
		return "internal"
	}
}
