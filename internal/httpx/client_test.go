package httpx

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reqon/reqon/internal/breaker"
	"github.com/reqon/reqon/internal/ratelimit"
	"github.com/reqon/reqon/pkg/errors"
	"github.com/reqon/reqon/pkg/events"
	"github.com/reqon/reqon/pkg/mission"
)

func testClient(t *testing.T, srv *httptest.Server, def *mission.SourceDef, auth AuthProvider) *Client {
	t.Helper()
	return NewClient(Options{
		Source:   "api",
		BaseURL:  srv.URL,
		Def:      def,
		Auth:     auth,
		Limiter:  ratelimit.New(nil, nil),
		Breakers: breaker.NewRegistry(nil, nil),
	})
}

func fastRetry(attempts int) *mission.RetryDef {
	return &mission.RetryDef{
		MaxAttempts:  attempts,
		Backoff:      "constant",
		InitialDelay: 10,
		MaxDelay:     50,
	}
}

func TestDoParsesJSONResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{"id": "1", "total": 9.5})
	}))
	defer srv.Close()

	c := testClient(t, srv, nil, nil)
	resp, err := c.Do(context.Background(), &Request{Method: "GET", Path: "/orders/1"})
	require.NoError(t, err)
	assert.Equal(t, 200, resp.Status)

	body, ok := resp.Body.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "1", body["id"])
}

func TestDoNonJSONBodyStaysRaw(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		w.Write([]byte("pong"))
	}))
	defer srv.Close()

	c := testClient(t, srv, nil, nil)
	resp, err := c.Do(context.Background(), &Request{Method: "GET", Path: "/ping"})
	require.NoError(t, err)
	assert.Equal(t, "pong", resp.Body)
}

func TestDoPreservesQueryOrder(t *testing.T) {
	var gotQuery string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.RawQuery
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte("{}"))
	}))
	defer srv.Close()

	c := testClient(t, srv, nil, nil)
	_, err := c.Do(context.Background(), &Request{
		Method: "GET",
		Path:   "/items",
		Query: mission.Params{
			{Name: "zulu", Value: "1"},
			{Name: "alpha", Value: "2"},
			{Name: "mike", Value: "3"},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, "zulu=1&alpha=2&mike=3", gotQuery, "insertion order survives")
}

func TestDoSendsSourceAndRequestHeaders(t *testing.T) {
	var got http.Header
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Clone()
		w.Write([]byte("{}"))
	}))
	defer srv.Close()

	def := &mission.SourceDef{Headers: map[string]string{"X-Tenant": "acme"}}
	c := testClient(t, srv, def, &bearerAuth{token: "tok-1"})
	_, err := c.Do(context.Background(), &Request{
		Method:  "GET",
		Path:    "/x",
		Headers: map[string]string{"X-Request-Id": "r1"},
	})
	require.NoError(t, err)
	assert.Equal(t, "acme", got.Get("X-Tenant"))
	assert.Equal(t, "r1", got.Get("X-Request-Id"))
	assert.Equal(t, "Bearer tok-1", got.Get("Authorization"))
}

func TestDoRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	c := testClient(t, srv, nil, nil)
	resp, err := c.Do(context.Background(), &Request{
		Method: "GET", Path: "/flaky", Retry: fastRetry(3),
	})
	require.NoError(t, err)
	assert.Equal(t, 200, resp.Status)
	assert.Equal(t, int32(3), calls.Load())
}

func TestDoExhaustedRetriesReturnHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := testClient(t, srv, nil, nil)
	_, err := c.Do(context.Background(), &Request{
		Method: "GET", Path: "/down", Retry: fastRetry(2),
	})
	var httpErr *errors.HTTPError
	require.ErrorAs(t, err, &httpErr)
	assert.Equal(t, 500, httpErr.Status)
}

func TestDo429SleepsRetryAfterThenRetries(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.Header().Set("Retry-After", "1")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	c := testClient(t, srv, nil, nil)
	start := time.Now()
	resp, err := c.Do(context.Background(), &Request{
		Method: "GET", Path: "/limited", Retry: fastRetry(3),
	})
	require.NoError(t, err)
	assert.Equal(t, 200, resp.Status)
	assert.GreaterOrEqual(t, time.Since(start), 900*time.Millisecond,
		"Retry-After wins over computed backoff")
}

func TestDo429ExhaustedSurfacesHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	c := testClient(t, srv, nil, nil)
	_, err := c.Do(context.Background(), &Request{
		Method: "GET", Path: "/limited", Retry: fastRetry(2),
	})

	var httpErr *errors.HTTPError
	require.ErrorAs(t, err, &httpErr)
	assert.Equal(t, http.StatusTooManyRequests, httpErr.Status)

	var rl *errors.RateLimitedError
	assert.False(t, stderrors.As(err, &rl),
		"exhausted retries are an HTTP outcome, not a limiter decision")
}

func TestDo4xxReturnsResponseWithError(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte(`{"error":"no such order"}`))
	}))
	defer srv.Close()

	c := testClient(t, srv, nil, nil)
	resp, err := c.Do(context.Background(), &Request{
		Method: "GET", Path: "/orders/404", Retry: fastRetry(3),
	})

	var httpErr *errors.HTTPError
	require.ErrorAs(t, err, &httpErr)
	assert.Equal(t, 404, httpErr.Status)
	assert.Equal(t, int32(1), calls.Load(), "client errors are not retried")

	require.NotNil(t, resp, "parsed body still available for routing")
	body := resp.Body.(map[string]any)
	assert.Equal(t, "no such order", body["error"])
}

// refreshableAuth is a test double for step-8 refresh behavior.
type refreshableAuth struct {
	mu       sync.Mutex
	token    string
	refreshs int
}

func (a *refreshableAuth) Apply(_ context.Context, req *http.Request) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	req.Header.Set("Authorization", "Bearer "+a.token)
	return nil
}
func (a *refreshableAuth) CanRefresh() bool { return true }
func (a *refreshableAuth) Refresh(context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.refreshs++
	a.token = "t2"
	return nil
}

func TestDo401TriggersOneRefresh(t *testing.T) {
	var authHeaders []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authHeaders = append(authHeaders, r.Header.Get("Authorization"))
		if r.Header.Get("Authorization") != "Bearer t2" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	auth := &refreshableAuth{token: "t1"}
	c := testClient(t, srv, nil, auth)
	resp, err := c.Do(context.Background(), &Request{
		Method: "GET", Path: "/secure", Retry: fastRetry(3),
	})
	require.NoError(t, err)
	assert.Equal(t, 200, resp.Status)
	assert.Equal(t, 1, auth.refreshs, "exactly one refresh")
	assert.Equal(t, []string{"Bearer t1", "Bearer t2"}, authHeaders)
}

func TestDo401WithoutRefreshCapableAuthFails(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	c := testClient(t, srv, nil, &bearerAuth{token: "bad"})
	_, err := c.Do(context.Background(), &Request{Method: "GET", Path: "/secure"})
	var httpErr *errors.HTTPError
	require.ErrorAs(t, err, &httpErr)
	assert.Equal(t, 401, httpErr.Status)
}

func TestDoOpenCircuitRejectsWithoutRequest(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	def := &mission.SourceDef{
		CircuitBreaker: &mission.BreakerDef{
			FailureThreshold: 2,
			Window:           60,
			ResetTimeout:     30,
			SuccessThreshold: 2,
		},
	}
	c := testClient(t, srv, def, nil)

	_, err := c.Do(context.Background(), &Request{
		Method: "GET", Path: "/down", Retry: fastRetry(2),
	})
	require.Error(t, err)
	tripped := calls.Load()

	// Circuit is now open: further calls fail fast and never hit the wire.
	_, err = c.Do(context.Background(), &Request{
		Method: "GET", Path: "/down", Retry: fastRetry(2),
	})
	var open *errors.CircuitOpenError
	require.ErrorAs(t, err, &open)
	assert.Greater(t, open.RetryIn, time.Duration(0))
	assert.Equal(t, tripped, calls.Load())
}

func TestDoEmitsRetryEvents(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte("{}"))
	}))
	defer srv.Close()

	bus := events.NewBus(nil)
	var mu sync.Mutex
	attempts := 0
	bus.Subscribe("fetch.retry", func(e events.Event) {
		mu.Lock()
		attempts++
		mu.Unlock()
	})

	c := NewClient(Options{
		Source: "api", BaseURL: srv.URL, Bus: bus,
		Limiter: ratelimit.New(nil, nil), Breakers: breaker.NewRegistry(nil, nil),
	})
	_, err := c.Do(context.Background(), &Request{
		Method: "GET", Path: "/x", Retry: fastRetry(3),
	})
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, attempts)
}

func TestDoCancellationAbortsRetrySleep(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := testClient(t, srv, nil, nil)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() {
		_, err := c.Do(ctx, &Request{
			Method: "GET", Path: "/down",
			Retry: &mission.RetryDef{MaxAttempts: 3, Backoff: "constant", InitialDelay: 60000},
		})
		done <- err
	}()

	time.Sleep(100 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("cancellation did not abort the retry sleep")
	}
}
