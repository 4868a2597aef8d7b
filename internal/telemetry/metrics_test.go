package telemetry

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMetrics_Record(t *testing.T) {
	m := New()
	m.ToolDispatch("web_search", "ok", 20*time.Millisecond)
	m.ToolDispatch("web_search", "ok", 30*time.Millisecond)
	m.ToolDispatch("execute_code", "PolicyViolation", time.Millisecond)
	m.SandboxExecution("ok", time.Millisecond)
	m.TaskFired(true)
	m.TaskFired(false)
	m.TurnComplete(3, "answered")
	m.SetActiveSessions(2)

	tests := []struct {
		name string
		got  float64
		want float64
	}{
		{"web_search ok", testutil.ToFloat64(m.toolCalls.WithLabelValues("web_search", "ok")), 2},
		{"execute_code policy", testutil.ToFloat64(m.toolCalls.WithLabelValues("execute_code", "PolicyViolation")), 1},
		{"sandbox ok", testutil.ToFloat64(m.sandboxRuns.WithLabelValues("ok")), 1},
		{"tasks error", testutil.ToFloat64(m.tasksFired.WithLabelValues("error")), 1},
		{"turns answered", testutil.ToFloat64(m.turnsTotal.WithLabelValues("answered")), 1},
		{"active sessions", testutil.ToFloat64(m.activeSession), 2},
	}
	for _, tt := range tests {
		if tt.got != tt.want {
			t.Errorf("%s = %v, want %v", tt.name, tt.got, tt.want)
		}
	}
}

func TestMetrics_Handler(t *testing.T) {
	m := New()
	m.TaskFired(true)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	if !strings.Contains(string(body), `chatty_tasks_fired_total{result="ok"} 1`) {
		t.Errorf("exposition missing counter:\n%.500s", body)
	}
}

func TestMetrics_NilSafe(t *testing.T) {
	var m *Metrics
	m.ToolDispatch("x", "ok", 0)
	m.SandboxExecution("ok", 0)
	m.TaskFired(true)
	m.TurnComplete(1, "answered")
	m.SetActiveSessions(1)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	if rec.Code != 404 {
		t.Errorf("nil handler status = %d", rec.Code)
	}
}
