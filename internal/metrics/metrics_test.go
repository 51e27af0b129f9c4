package metrics

import (
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetrics_Counters(t *testing.T) {
	m := New()

	m.Admitted()
	m.Admitted()
	m.Overdue()
	m.Conflict()
	m.RunFinished("SUCCEEDED", 20*time.Millisecond)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.admitted))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.overdue))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.conflicts))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.inFlight))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.runs.WithLabelValues("SUCCEEDED")))
}

func TestMetrics_NilIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.Admitted()
		m.Overdue()
		m.Conflict()
		m.StoreError()
		m.RunFinished("FAILED", time.Second)
	})
	assert.Nil(t, m.Registry())
}

func TestMetrics_SeparateRegistries(t *testing.T) {
	assert.NotPanics(t, func() {
		New()
		New()
	})
}

func TestServer_Endpoints(t *testing.T) {
	m := New()
	m.Admitted()

	var stopped atomic.Bool
	health := func() error {
		if stopped.Load() {
			return errors.New("scheduler stopped")
		}
		return nil
	}
	srv := httptest.NewServer(NewServer("", m, health).Handler)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "execai_jobs_admitted_total 1")

	resp, err = http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	stopped.Store(true)
	resp, err = http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	body, _ = io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Contains(t, string(body), "scheduler stopped")
}
