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
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"strings"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/reqon/reqon/internal/log"
	"github.com/reqon/reqon/internal/metrics"
	"github.com/reqon/reqon/internal/runtime"
	"github.com/reqon/reqon/internal/webhook"
	"github.com/reqon/reqon/pkg/events"
	"github.com/reqon/reqon/pkg/mission"
)

type runOptions struct {
	auth        string
	envFile     string
	dataDir     string
	production  bool
	dryRun      bool
	persist     bool
	resume      bool
	trace       bool
	metricsAddr string
	webhookAddr string
}

func newRunCommand() *cobra.Command {
	opts := &runOptions{}

	cmd := &cobra.Command{
		Use:   "run <mission.yaml>",
		Short: "Execute a mission",
		Long: `Run loads a mission file, executes its pipeline, and exits 0 when
the run succeeded and 1 otherwise. Runtime progress is rendered from
the event stream; use --json for machine-readable events.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMission(cmd, args[0], opts)
		},
	}

	cmd.Flags().StringVar(&opts.auth, "auth", "", "Path to a JSON credentials file")
	cmd.Flags().StringVar(&opts.envFile, "env", "", "Path to a KEY=VALUE environment file")
	cmd.Flags().StringVar(&opts.dataDir, "data-dir", ".reqon", "Directory for file stores and checkpoints")
	cmd.Flags().BoolVar(&opts.production, "production", false, "Disable development fallbacks (nosql no longer falls back to file stores)")
	cmd.Flags().BoolVar(&opts.dryRun, "dry-run", false, "Validate and print the stage plan without executing")
	cmd.Flags().BoolVar(&opts.persist, "persist", false, "Checkpoint execution state at stage boundaries")
	cmd.Flags().BoolVar(&opts.resume, "resume", false, "Resume past stages a prior persisted run completed")
	cmd.Flags().BoolVar(&opts.trace, "trace", false, "Emit an OpenTelemetry trace of the run to stderr")
	cmd.Flags().StringVar(&opts.metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address while running")
	cmd.Flags().StringVar(&opts.webhookAddr, "webhook-addr", ":8787", "Listen address for webhook deliveries (wait steps)")

	return cmd
}

func runMission(cmd *cobra.Command, path string, opts *runOptions) error {
	if opts.envFile != "" {
		if err := loadEnvFile(opts.envFile); err != nil {
			return err
		}
	}

	def, err := mission.Load(path)
	if err != nil {
		return err
	}

	if opts.dryRun {
		printPlan(cmd, def)
		return nil
	}

	verbose, _ := cmd.Flags().GetBool("verbose")
	quiet, _ := cmd.Flags().GetBool("quiet")
	jsonOut, _ := cmd.Flags().GetBool("json")

	logCfg := log.FromEnv()
	if verbose {
		logCfg.Level = "debug"
	}
	logger := log.New(logCfg)

	bus := events.NewBus(logger)
	if !quiet {
		r := &renderer{out: cmd.OutOrStdout(), verbose: verbose, json: jsonOut}
		defer r.Attach(bus)()
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if opts.trace {
		finish, err := traceRun(ctx, def.Name, bus)
		if err != nil {
			return err
		}
		defer finish()
	}

	if opts.metricsAddr != "" {
		reg := prometheus.NewRegistry()
		defer metrics.NewCollector(reg).Bind(bus)()
		defer serveHTTP(opts.metricsAddr, promhttp.HandlerFor(reg, promhttp.HandlerOpts{}), logger.With("server", "metrics"))()
	}

	var webhooks *webhook.Server
	if missionWaits(def) {
		webhooks = webhook.NewServer(bus, logger)
		defer serveHTTP(opts.webhookAddr, webhooks.Handler(), logger.With("server", "webhook"))()
	}

	exec := runtime.New(def, runtime.Config{
		DataDir:         opts.dataDir,
		Production:      opts.production,
		CredentialsFile: opts.auth,
		Persist:         opts.persist || opts.resume,
		Resume:          opts.resume,
		Bus:             bus,
		Logger:          logger,
		Webhooks:        webhooks,
	})

	result, err := exec.Run(ctx)
	if err != nil {
		return err
	}
	if !result.Success {
		reason := "see errors above"
		if len(result.Errors) > 0 {
			reason = result.Errors[0].Message
		}
		return &ExitError{Code: 1, Err: fmt.Errorf("mission %s failed: %s", def.Name, reason)}
	}
	return nil
}

// serveHTTP runs a small HTTP endpoint for the duration of the mission;
// the returned function shuts it down.
func serveHTTP(addr string, handler http.Handler, logger *slog.Logger) func() {
	srv := &http.Server{Addr: addr, Handler: handler}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Warn("http server stopped", "addr", addr, "error", err)
		}
	}()
	return func() { _ = srv.Shutdown(context.Background()) }
}

// printPlan renders the resolved stage plan for --dry-run.
func printPlan(cmd *cobra.Command, def *mission.Mission) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "mission %s (%d sources, %d stores, %d actions)\n",
		def.Name, len(def.Sources), len(def.Stores), len(def.Actions))
	for i, stage := range def.Pipeline {
		line := strings.Join(stage.Actions, ", ")
		if stage.Parallel() {
			line += "  (parallel)"
		}
		if stage.Guard != "" {
			line += fmt.Sprintf("  [if %s]", stage.Guard)
		}
		fmt.Fprintf(out, "  stage %d: %s\n", i+1, line)
	}
}

// missionWaits reports whether any step in the mission blocks on a
// webhook delivery.
func missionWaits(def *mission.Mission) bool {
	var scan func(steps []*mission.Step) bool
	scan = func(steps []*mission.Step) bool {
		for _, st := range steps {
			switch st.Kind {
			case mission.StepWait:
				return true
			case mission.StepFor:
				if scan(st.For.Steps) {
					return true
				}
			case mission.StepMatch:
				for _, arm := range st.Match.Arms {
					if scan(arm.Steps) {
						return true
					}
				}
			}
		}
		return false
	}
	for _, action := range def.Actions {
		if scan(action.Steps) {
			return true
		}
	}
	return false
}
