package breaker

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reqon/reqon/pkg/errors"
	"github.com/reqon/reqon/pkg/events"
	"github.com/reqon/reqon/pkg/mission"
)

func testConfig() *mission.BreakerDef {
	return &mission.BreakerDef{
		FailureThreshold: 3,
		Window:           60,
		ResetTimeout:     1, // seconds, keeps half-open tests fast
		SuccessThreshold: 2,
	}
}

func trip(t *testing.T, r *Registry, cfg *mission.BreakerDef) {
	t.Helper()
	for i := 0; i < cfg.FailureThreshold; i++ {
		done, err := r.Allow("api", "/x", cfg)
		require.NoError(t, err)
		done(Failure)
	}
}

func TestAllowNilConfigPassesThrough(t *testing.T) {
	r := NewRegistry(nil, nil)
	done, err := r.Allow("api", "/x", nil)
	require.NoError(t, err)
	done(Success) // must not panic
}

func TestBreakerOpensAfterThreshold(t *testing.T) {
	r := NewRegistry(nil, nil)
	cfg := testConfig()
	trip(t, r, cfg)

	_, err := r.Allow("api", "/x", cfg)
	var open *errors.CircuitOpenError
	require.ErrorAs(t, err, &open)
	assert.Equal(t, "api", open.Source)
	assert.Greater(t, open.RetryIn, time.Duration(0))
}

func TestBreakerRecoversThroughHalfOpen(t *testing.T) {
	r := NewRegistry(nil, nil)
	cfg := testConfig()
	trip(t, r, cfg)

	_, err := r.Allow("api", "/x", cfg)
	require.Error(t, err)

	// After the reset timeout the probe passes; two successes close it.
	time.Sleep(1100 * time.Millisecond)
	for i := 0; i < cfg.SuccessThreshold; i++ {
		done, err := r.Allow("api", "/x", cfg)
		require.NoError(t, err, "probe %d should be admitted", i)
		done(Success)
	}

	done, err := r.Allow("api", "/x", cfg)
	require.NoError(t, err, "circuit should be closed again")
	done(Success)
}

func TestBreakerReopensOnHalfOpenFailure(t *testing.T) {
	r := NewRegistry(nil, nil)
	cfg := testConfig()
	trip(t, r, cfg)

	time.Sleep(1100 * time.Millisecond)
	done, err := r.Allow("api", "/x", cfg)
	require.NoError(t, err)
	done(Failure)

	_, err = r.Allow("api", "/x", cfg)
	var open *errors.CircuitOpenError
	require.ErrorAs(t, err, &open)
}

func TestBreakerEmitsLifecycleEvents(t *testing.T) {
	bus := events.NewBus(nil)
	var mu sync.Mutex
	var seen []events.Type
	bus.Subscribe("circuit.**", func(e events.Event) {
		mu.Lock()
		seen = append(seen, e.Type)
		mu.Unlock()
	})

	r := NewRegistry(bus, nil)
	cfg := testConfig()
	trip(t, r, cfg)
	_, _ = r.Allow("api", "/x", cfg)

	mu.Lock()
	defer mu.Unlock()
	assert.Contains(t, seen, events.CircuitOpened)
	assert.Contains(t, seen, events.CircuitReject)
}

func TestDiscardDoesNotCloseHalfOpenCircuit(t *testing.T) {
	r := NewRegistry(nil, nil)
	cfg := testConfig()
	cfg.SuccessThreshold = 1
	trip(t, r, cfg)

	time.Sleep(1100 * time.Millisecond)
	done, err := r.Allow("api", "/x", cfg)
	require.NoError(t, err)
	// The request never went out (stopped before the wire).
	done(Discard)

	// A discard is not a probe result: the circuit must not close on it.
	_, err = r.Allow("api", "/x", cfg)
	var open *errors.CircuitOpenError
	require.ErrorAs(t, err, &open)
}

func TestDiscardNeverTripsClosedCircuit(t *testing.T) {
	r := NewRegistry(nil, nil)
	cfg := testConfig()

	for i := 0; i < cfg.FailureThreshold+2; i++ {
		done, err := r.Allow("api", "/x", cfg)
		require.NoError(t, err)
		done(Discard)
	}

	done, err := r.Allow("api", "/x", cfg)
	require.NoError(t, err, "discards do not count toward tripping")
	done(Success)
}

func TestPerEndpointIsolation(t *testing.T) {
	r := NewRegistry(nil, nil)
	cfg := testConfig()
	cfg.PerEndpoint = true
	trip(t, r, cfg)

	_, err := r.Allow("api", "/x", cfg)
	require.Error(t, err)

	done, err := r.Allow("api", "/y", cfg)
	require.NoError(t, err, "other endpoints are unaffected")
	done(Success)
}

func TestCountsAsFailure(t *testing.T) {
	no := false
	tests := []struct {
		name   string
		cfg    *mission.BreakerDef
		status int
		netErr bool
		want   bool
	}{
		{"nil config", nil, 500, false, false},
		{"server error default set", testConfig(), 503, false, true},
		{"client error never counts", testConfig(), 404, false, false},
		{"auth error never counts", testConfig(), 401, false, false},
		{"success", testConfig(), 200, false, false},
		{"network error default counts", testConfig(), 0, true, true},
		{"network errors disabled", &mission.BreakerDef{CountNetworkErrors: &no}, 0, true, false},
		{"explicit code set hit", &mission.BreakerDef{FailureStatusCodes: []int{502, 504}}, 504, false, true},
		{"explicit code set miss", &mission.BreakerDef{FailureStatusCodes: []int{502, 504}}, 500, false, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, CountsAsFailure(tt.cfg, tt.status, tt.netErr))
		})
	}
}
