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

// Package metrics exposes Prometheus collectors fed from the event bus.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/reqon/reqon/pkg/events"
)

// Collector holds the mission runtime's Prometheus metrics.
type Collector struct {
	fetches       *prometheus.CounterVec
	fetchRetries  *prometheus.CounterVec
	stepDuration  *prometheus.HistogramVec
	storeWrites   *prometheus.CounterVec
	rateWaits     *prometheus.CounterVec
	circuitOpens  *prometheus.CounterVec
	missionStatus *prometheus.CounterVec
}

// NewCollector creates and registers the collectors on reg.
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		fetches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "reqon",
			Name:      "fetch_total",
			Help:      "Completed fetch requests by source and status.",
		}, []string{"source", "status"}),
		fetchRetries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "reqon",
			Name:      "fetch_retries_total",
			Help:      "Fetch retry attempts by source.",
		}, []string{"source"}),
		stepDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "reqon",
			Name:      "step_duration_seconds",
			Help:      "Step execution latency by kind.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"kind"}),
		storeWrites: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "reqon",
			Name:      "store_writes_total",
			Help:      "Records written by store.",
		}, []string{"store"}),
		rateWaits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "reqon",
			Name:      "rate_limited_total",
			Help:      "Requests paused for rate-limit capacity by source.",
		}, []string{"source"}),
		circuitOpens: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "reqon",
			Name:      "circuit_opened_total",
			Help:      "Circuit breaker open transitions by source.",
		}, []string{"source"}),
		missionStatus: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "reqon",
			Name:      "missions_total",
			Help:      "Mission completions by outcome.",
		}, []string{"outcome"}),
	}

	reg.MustRegister(
		c.fetches, c.fetchRetries, c.stepDuration,
		c.storeWrites, c.rateWaits, c.circuitOpens, c.missionStatus,
	)
	return c
}

// Bind subscribes the collectors to bus and returns the unsubscribe
// function.
func (c *Collector) Bind(bus *events.Bus) func() {
	var cancels []func()

	cancels = append(cancels, bus.Subscribe("fetch.complete", func(e events.Event) {
		if p, ok := e.Payload.(events.FetchPayload); ok {
			c.fetches.WithLabelValues(p.Source, statusClass(p.Status)).Inc()
		}
	}))
	cancels = append(cancels, bus.Subscribe("fetch.retry", func(e events.Event) {
		if p, ok := e.Payload.(events.FetchPayload); ok {
			c.fetchRetries.WithLabelValues(p.Source).Inc()
		}
	}))
	cancels = append(cancels, bus.Subscribe("step.complete", func(e events.Event) {
		if p, ok := e.Payload.(events.StepPayload); ok {
			c.stepDuration.WithLabelValues(p.Kind).Observe(float64(p.Duration) / 1000)
		}
	}))
	cancels = append(cancels, bus.Subscribe("data.store", func(e events.Event) {
		if p, ok := e.Payload.(events.DataPayload); ok {
			c.storeWrites.WithLabelValues(p.Target).Add(float64(p.Count))
		}
	}))
	cancels = append(cancels, bus.Subscribe("rate.limited", func(e events.Event) {
		if p, ok := e.Payload.(events.RatePayload); ok {
			c.rateWaits.WithLabelValues(p.Source).Inc()
		}
	}))
	cancels = append(cancels, bus.Subscribe("circuit.opened", func(e events.Event) {
		if p, ok := e.Payload.(events.CircuitPayload); ok {
			c.circuitOpens.WithLabelValues(p.Source).Inc()
		}
	}))
	cancels = append(cancels, bus.Subscribe("mission.complete", func(events.Event) {
		c.missionStatus.WithLabelValues("success").Inc()
	}))
	cancels = append(cancels, bus.Subscribe("mission.failed", func(events.Event) {
		c.missionStatus.WithLabelValues("failure").Inc()
	}))

	return func() {
		for _, cancel := range cancels {
			cancel()
		}
	}
}

func statusClass(status int) string {
	switch {
	case status >= 500:
		return "5xx"
	case status >= 400:
		return "4xx"
	case status >= 300:
		return "3xx"
	case status >= 200:
		return "2xx"
	default:
		return "unknown"
	}
}
