package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.DeploymentFinished("running")
	m.InstallStep("install", true, time.Second)
	m.StartTrial(false)
	m.AutoRestart()
	m.WorkerStarted()
	m.WorkerExited()
	m.ObserveRequest(http.MethodGet, "/health", http.StatusOK, time.Millisecond)
	if m.Registry() != nil {
		t.Error("nil Metrics should have no registry")
	}
	if m.Handler() == nil {
		t.Error("nil Metrics should still serve a handler")
	}
}

func TestCounters(t *testing.T) {
	m := New(nil)

	m.DeploymentFinished("running")
	m.DeploymentFinished("running")
	m.DeploymentFinished("failed")
	m.InstallStep("install", false, time.Second)
	m.InstallStep("install", true, 2*time.Second)
	m.StartTrial(false)
	m.StartTrial(true)
	m.AutoRestart()
	m.WorkerStarted()
	m.WorkerStarted()
	m.WorkerExited()

	checks := []struct {
		name string
		got  float64
		want float64
	}{
		{"running deployments", testutil.ToFloat64(m.deployments.WithLabelValues("running")), 2},
		{"failed deployments", testutil.ToFloat64(m.deployments.WithLabelValues("failed")), 1},
		{"failed install steps", testutil.ToFloat64(m.installSteps.WithLabelValues("install", "failure")), 1},
		{"successful trials", testutil.ToFloat64(m.startTrials.WithLabelValues("success")), 1},
		{"auto restarts", testutil.ToFloat64(m.autoRestarts), 1},
		{"running workers", testutil.ToFloat64(m.runningWorkers), 1},
	}
	for _, c := range checks {
		if c.got != c.want {
			t.Errorf("%s = %v, want %v", c.name, c.got, c.want)
		}
	}
}

func TestHandlerExposesLeasedPorts(t *testing.T) {
	leased := 3
	m := New(func() int { return leased })

	rr := httptest.NewRecorder()
	m.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if !strings.Contains(rr.Body.String(), "botrunner_ports_leased 3") {
		t.Errorf("leased gauge missing from output")
	}

	leased = 5
	rr = httptest.NewRecorder()
	m.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if !strings.Contains(rr.Body.String(), "botrunner_ports_leased 5") {
		t.Errorf("leased gauge not re-evaluated on scrape")
	}
}
