package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/element-hq/element-builder/internal/orchestrator"
)

type fakeStatus struct {
	status orchestrator.Status
}

func (f *fakeStatus) Status() orchestrator.Status {
	return f.status
}

func newTestServer(t *testing.T) (*Server, *prometheus.Registry, *fakeStatus) {
	t.Helper()
	reg := prometheus.NewRegistry()
	src := &fakeStatus{status: orchestrator.Status{LastVersion: "2024060101"}}
	return New("127.0.0.1:0", src, reg, zap.NewNop()), reg, src
}

func TestRoutes(t *testing.T) {
	srv, _, _ := newTestServer(t)

	tests := []struct {
		method string
		path   string
		want   int
	}{
		{http.MethodGet, "/healthz", http.StatusOK},
		{http.MethodGet, "/status", http.StatusOK},
		{http.MethodGet, "/metrics", http.StatusOK},
		{http.MethodGet, "/nope", http.StatusNotFound},
		{http.MethodPost, "/healthz", http.StatusMethodNotAllowed},
	}

	for _, tt := range tests {
		t.Run(tt.method+" "+tt.path, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, tt.path, nil)
			rec := httptest.NewRecorder()
			srv.Handler().ServeHTTP(rec, req)
			assert.Equal(t, tt.want, rec.Code)
		})
	}
}

func TestStatusBody(t *testing.T) {
	srv, _, src := newTestServer(t)
	src.status.Running = true

	req := httptest.NewRequest(http.MethodGet, "/status", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var got orchestrator.Status
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.True(t, got.Running)
	assert.Equal(t, "2024060101", got.LastVersion)
}

func TestMetricsExposed(t *testing.T) {
	srv, reg, _ := newTestServer(t)

	m := NewMetrics(reg)
	m.RecordBuild("macos-universal", true)
	m.RecordBuild("windows-x64", false)
	m.RecordCycle(90*time.Second, false)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.True(t, strings.Contains(body, `element_builder_builds_total{result="success",target="macos-universal"} 1`), body)
	assert.True(t, strings.Contains(body, `element_builder_builds_total{result="failure",target="windows-x64"} 1`), body)
	assert.True(t, strings.Contains(body, `element_builder_cycles_total{result="failure"} 1`), body)
	assert.True(t, strings.Contains(body, "element_builder_cycle_duration_seconds_count 1"), body)
}

func TestHealthBody(t *testing.T) {
	srv, _, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}
