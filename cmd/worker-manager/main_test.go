package main

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

type stubCheck struct{ err error }

func (s stubCheck) HealthCheck(context.Context) error { return s.err }
func (s stubCheck) Ping(context.Context) error        { return s.err }

func TestHealthEndpoints(t *testing.T) {
	tests := []struct {
		name       string
		path       string
		broker     error
		backends   error
		wantCode   int
		wantStatus string
	}{
		{name: "health", path: "/health", wantCode: http.StatusOK, wantStatus: "healthy"},
		{name: "ready", path: "/ready", wantCode: http.StatusOK, wantStatus: "ready"},
		{name: "broker down", path: "/ready", broker: errors.New("unavailable"), wantCode: http.StatusServiceUnavailable, wantStatus: "not ready"},
		{name: "postgres down", path: "/ready", backends: errors.New("postgres ping failed"), wantCode: http.StatusServiceUnavailable, wantStatus: "not ready"},
		{name: "health ignores backends", path: "/health", backends: errors.New("down"), wantCode: http.StatusOK, wantStatus: "healthy"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mux := newMux(stubCheck{tt.broker}, stubCheck{tt.backends})
			rec := httptest.NewRecorder()
			mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, tt.path, nil))

			assert.Equal(t, tt.wantCode, rec.Code)
			var body map[string]string
			require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
			assert.Equal(t, tt.wantStatus, body["status"])
		})
	}
}

func TestMetricsEndpoint(t *testing.T) {
	mux := newMux(stubCheck{}, stubCheck{})
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "go_goroutines")
}
