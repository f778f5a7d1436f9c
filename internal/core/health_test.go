package core

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func getHealth(t *testing.T, srv *Server) (*httptest.ResponseRecorder, healthResponse) {
	t.Helper()
	rec := httptest.NewRecorder()
	srv.HandleHealth(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	var resp healthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return rec, resp
}

func TestHandleHealth_NoProbesIsHealthy(t *testing.T) {
	srv := newTestServer(t, nil)

	rec, resp := getHealth(t, srv)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "healthy", resp.Status)
	assert.Empty(t, resp.Components)
}

func TestHandleHealth_AllProbesHealthy(t *testing.T) {
	srv := newTestServer(t, nil)
	srv.HealthProbes = []HealthProbe{
		ProbeFunc{ProbeName: "database", Fn: func(ctx context.Context) error { return nil }},
		ProbeFunc{ProbeName: "queue", Fn: func(ctx context.Context) error { return nil }},
	}

	rec, resp := getHealth(t, srv)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "healthy", resp.Status)
	assert.Equal(t, "healthy", resp.Components["database"].Status)
	assert.Equal(t, "healthy", resp.Components["queue"].Status)
}

func TestHandleHealth_FailingProbeIs503(t *testing.T) {
	srv := newTestServer(t, nil)
	srv.HealthProbes = []HealthProbe{
		ProbeFunc{ProbeName: "database", Fn: func(ctx context.Context) error { return nil }},
		ProbeFunc{ProbeName: "queue", Fn: func(ctx context.Context) error {
			return errors.New("sqs unreachable")
		}},
	}

	rec, resp := getHealth(t, srv)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "unhealthy", resp.Status)
	assert.Equal(t, "healthy", resp.Components["database"].Status)
	assert.Equal(t, "unhealthy", resp.Components["queue"].Status)
	assert.Equal(t, "sqs unreachable", resp.Components["queue"].Message)
}

func TestHandleHealth_PanickingProbeIsUnhealthy(t *testing.T) {
	srv := newTestServer(t, nil)
	srv.HealthProbes = []HealthProbe{
		ProbeFunc{ProbeName: "database", Fn: func(ctx context.Context) error {
			panic("connection pool closed")
		}},
	}

	rec, resp := getHealth(t, srv)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, resp.Components["database"].Message, "probe panicked")
}

func TestHandleHealth_HangingProbeTimesOut(t *testing.T) {
	srv := newTestServer(t, nil)
	srv.HealthProbes = []HealthProbe{
		ProbeFunc{ProbeName: "database", Fn: func(ctx context.Context) error {
			<-ctx.Done()
			return ctx.Err()
		}},
	}

	rec, resp := getHealth(t, srv)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "unhealthy", resp.Components["database"].Status)
}
