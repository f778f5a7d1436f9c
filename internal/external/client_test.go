package external

import (
	"bytes"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sony/gobreaker/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pixelmint/internal/types"
)

func noSleep() (BaseClientOption, *[]time.Duration) {
	var sleeps []time.Duration
	return WithSleepFunc(func(d time.Duration) { sleeps = append(sleeps, d) }), &sleeps
}

func testPolicy(maxRetries int) RetryPolicy {
	return RetryPolicy{
		MaxRetries: maxRetries,
		MinWait:    10 * time.Millisecond,
		MaxWait:    time.Second,
	}
}

func TestBaseClient_SuccessPassesThrough(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "TestAgent/1.0", r.Header.Get("User-Agent"))
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer server.Close()

	sleepOpt, _ := noSleep()
	client := NewBaseClient(server.Client(), "test", testPolicy(2), "TestAgent/1.0", sleepOpt)

	req, _ := http.NewRequest(http.MethodGet, server.URL, nil)
	resp, err := client.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestBaseClient_RetriesServerErrorsThenSucceeds(t *testing.T) {
	var attempts atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if attempts.Add(1) < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	sleepOpt, sleeps := noSleep()
	client := NewBaseClient(server.Client(), "test", testPolicy(3), "TestAgent/1.0", sleepOpt)

	req, _ := http.NewRequest(http.MethodGet, server.URL, nil)
	resp, err := client.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, int32(3), attempts.Load())
	assert.Len(t, *sleeps, 2)
}

func TestBaseClient_ExhaustedRetriesMapToUpstreamError(t *testing.T) {
	var attempts atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	sleepOpt, _ := noSleep()
	client := NewBaseClient(server.Client(), "test", testPolicy(2), "TestAgent/1.0", sleepOpt)

	req, _ := http.NewRequest(http.MethodGet, server.URL, nil)
	_, err := client.Do(req)
	require.Error(t, err)

	var appErr *types.AppError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, types.ErrCodeUpstreamProvider, appErr.Code)
	assert.Equal(t, int32(3), attempts.Load(), "initial attempt plus two retries")
	assert.True(t, types.IsRetryable(err))
}

func TestBaseClient_RateLimitHonorsRetryAfter(t *testing.T) {
	var attempts atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if attempts.Add(1) == 1 {
			w.Header().Set("Retry-After", "1")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	sleepOpt, sleeps := noSleep()
	client := NewBaseClient(server.Client(), "test", RetryPolicy{
		MaxRetries: 2,
		MinWait:    10 * time.Millisecond,
		MaxWait:    10 * time.Second,
	}, "TestAgent/1.0", sleepOpt)

	req, _ := http.NewRequest(http.MethodGet, server.URL, nil)
	resp, err := client.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Len(t, *sleeps, 1)
	assert.Equal(t, time.Second, (*sleeps)[0])
}

func TestBaseClient_ExhaustedRateLimitMapsToRateLimited(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer server.Close()

	sleepOpt, _ := noSleep()
	client := NewBaseClient(server.Client(), "test", testPolicy(1), "TestAgent/1.0", sleepOpt)

	req, _ := http.NewRequest(http.MethodGet, server.URL, nil)
	_, err := client.Do(req)
	require.Error(t, err)

	var appErr *types.AppError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, types.ErrCodeUpstreamRateLimited, appErr.Code)
}

func TestBaseClient_ClientErrorsAreNotRetried(t *testing.T) {
	var attempts atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"error":{"code":"resource_missing"}}`))
	}))
	defer server.Close()

	sleepOpt, _ := noSleep()
	client := NewBaseClient(server.Client(), "test", testPolicy(3), "TestAgent/1.0", sleepOpt)

	req, _ := http.NewRequest(http.MethodGet, server.URL, nil)
	resp, err := client.Do(req)
	require.NoError(t, err, "a 4xx is the caller's problem, not a transport failure")
	defer resp.Body.Close()

	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, int32(1), attempts.Load())
}

func TestBaseClient_ReplaysBodyOnRetry(t *testing.T) {
	var bodies [][]byte
	var attempts atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		bodies = append(bodies, body)
		if attempts.Add(1) == 1 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	sleepOpt, _ := noSleep()
	client := NewBaseClient(server.Client(), "test", testPolicy(2), "TestAgent/1.0", sleepOpt)

	req, _ := http.NewRequest(http.MethodPost, server.URL, bytes.NewBufferString(`{"amount":100}`))
	resp, err := client.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Len(t, bodies, 2)
	assert.Equal(t, `{"amount":100}`, string(bodies[0]))
	assert.Equal(t, `{"amount":100}`, string(bodies[1]), "retry must resend the full body")
}

func TestBaseClient_OpenBreakerFailsFastWithoutRetry(t *testing.T) {
	var attempts atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	breaker := gobreaker.NewCircuitBreaker[*http.Response](gobreaker.Settings{
		Name:    "test",
		Timeout: time.Minute,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 1
		},
	})

	sleepOpt, _ := noSleep()
	client := NewBaseClientWithBreaker(server.Client(), breaker, testPolicy(0), "TestAgent/1.0", sleepOpt)

	// First call trips the breaker.
	req, _ := http.NewRequest(http.MethodGet, server.URL, nil)
	_, err := client.Do(req)
	require.Error(t, err)
	require.Equal(t, int32(1), attempts.Load())

	// Second call fails fast without reaching the server.
	req2, _ := http.NewRequest(http.MethodGet, server.URL, nil)
	_, err = client.Do(req2)
	require.Error(t, err)

	var appErr *types.AppError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, types.ErrCodeUpstreamRateLimited, appErr.Code)
	assert.Equal(t, int32(1), attempts.Load(), "open breaker must not let the request through")
}

func TestComputeBackoff_BoundsAndGrowth(t *testing.T) {
	client := NewBaseClient(http.DefaultClient, "test", RetryPolicy{
		MaxRetries: 5,
		MinWait:    100 * time.Millisecond,
		MaxWait:    time.Second,
	}, "")

	for attempt := 0; attempt < 5; attempt++ {
		wait := client.computeBackoff(attempt, nil)
		assert.GreaterOrEqual(t, wait, 100*time.Millisecond, "attempt %d below MinWait", attempt)
		assert.LessOrEqual(t, wait, time.Second, "attempt %d above MaxWait", attempt)
	}
}

func TestComputeBackoff_RetryAfterClampedToMaxWait(t *testing.T) {
	client := NewBaseClient(http.DefaultClient, "test", RetryPolicy{
		MaxRetries: 1,
		MinWait:    100 * time.Millisecond,
		MaxWait:    2 * time.Second,
	}, "")

	resp := &http.Response{Header: http.Header{"Retry-After": []string{"3600"}}}
	assert.Equal(t, 2*time.Second, client.computeBackoff(0, resp))
}
