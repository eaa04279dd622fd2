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
	"os"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"

	"github.com/reqon/reqon/pkg/events"
)

// traceRun opens one span covering the whole mission and bridges bus
// events onto it as span events. The returned function ends the span
// and flushes the exporter.
func traceRun(ctx context.Context, missionName string, bus *events.Bus) (func(), error) {
	exporter, err := stdouttrace.New(
		stdouttrace.WithWriter(os.Stderr),
		stdouttrace.WithPrettyPrint(),
	)
	if err != nil {
		return nil, err
	}
	tp := sdktrace.NewTracerProvider(sdktrace.WithBatcher(exporter))

	_, span := tp.Tracer("reqon").Start(ctx, "mission "+missionName)
	unsubscribe := bus.Subscribe("**", func(evt events.Event) {
		span.AddEvent(string(evt.Type), trace.WithAttributes(
			attribute.String("mission", evt.Mission),
			attribute.String("run_id", evt.RunID),
		))
	})

	return func() {
		unsubscribe()
		span.End()
		_ = tp.Shutdown(context.Background())
	}, nil
}
