package frpauth

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func scrapeMetrics(t *testing.T, m *Metrics) string {
	t.Helper()
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("metrics status = %d", rec.Code)
	}
	body, err := io.ReadAll(rec.Body)
	if err != nil {
		t.Fatal(err)
	}
	return string(body)
}

func containsLine(body, line string) bool {
	for _, l := range strings.Split(body, "\n") {
		if l == line {
			return true
		}
	}
	return false
}

func TestNewMetrics(t *testing.T) {
	m := NewMetrics()
	if m == nil {
		t.Fatal("NewMetrics() returned nil")
	}
	if m.registry == nil {
		t.Fatal("registry should not be nil")
	}
}

func TestMetrics_RecordDecision(t *testing.T) {
	m := NewMetrics()
	m.RecordDecision(OpLogin, Accept, time.Millisecond)
	m.RecordDecision(OpLogin, reject(CodeInvalidPassword, "invalid password"), time.Millisecond)
	m.RecordDecision(OpNewProxy, reject(CodePortForbidden, "remote_port 22 globally forbidden"), time.Millisecond)

	body := scrapeMetrics(t, m)
	for _, want := range []string{
		`frpauth_decisions_total{op="Login",outcome="accept"} 1`,
		`frpauth_decisions_total{op="Login",outcome="reject"} 1`,
		`frpauth_decisions_total{op="NewProxy",outcome="reject"} 1`,
		`frpauth_rejections_total{code="invalid_password"} 1`,
		`frpauth_rejections_total{code="port_forbidden"} 1`,
		`frpauth_decision_duration_seconds_count{op="Login"} 2`,
	} {
		if !containsLine(body, want) {
			t.Errorf("metrics missing %q", want)
		}
	}
}

func TestMetrics_RecordBadRequest(t *testing.T) {
	m := NewMetrics()
	m.RecordBadRequest(http.StatusBadRequest)
	m.RecordBadRequest(http.StatusBadRequest)
	m.RecordBadRequest(http.StatusRequestEntityTooLarge)

	body := scrapeMetrics(t, m)
	if !containsLine(body, `frpauth_bad_requests_total{status="Bad Request"} 2`) {
		t.Error("missing bad request counter")
	}
	if !containsLine(body, `frpauth_bad_requests_total{status="Request Entity Too Large"} 1`) {
		t.Error("missing body too large counter")
	}
}

func TestMetrics_RecordReload(t *testing.T) {
	m := NewMetrics()
	m.RecordReload(TriggerFile, ReloadApplied)
	m.RecordReload(TriggerFile, ReloadSkippedDebounce)
	m.RecordReload(TriggerAdmin, ReloadFailed)
	m.RecordReload(TriggerSignal, ReloadSkippedBusy)

	body := scrapeMetrics(t, m)
	for _, want := range []string{
		`frpauth_reloads_total{result="applied",trigger="file"} 1`,
		`frpauth_reloads_total{result="skipped_debounce",trigger="file"} 1`,
		`frpauth_reloads_total{result="failed",trigger="admin"} 1`,
		`frpauth_reloads_total{result="skipped_busy",trigger="signal"} 1`,
		`frpauth_reload_errors_total 1`,
	} {
		if !containsLine(body, want) {
			t.Errorf("metrics missing %q", want)
		}
	}
	if containsLine(body, `frpauth_last_reload_success_timestamp_seconds 0`) {
		t.Error("last reload timestamp should be set after an applied reload")
	}
}

func TestMetrics_SetConfigInfo(t *testing.T) {
	m := NewMetrics()
	m.SetConfigInfo(3, 7)

	body := scrapeMetrics(t, m)
	if !containsLine(body, `frpauth_config_users 3`) {
		t.Error("missing config_users")
	}
	if !containsLine(body, `frpauth_config_generation 7`) {
		t.Error("missing config_generation")
	}
}

func TestMetrics_Handler(t *testing.T) {
	m := NewMetrics()
	body := scrapeMetrics(t, m)

	for _, name := range []string{"go_goroutines", "frpauth_config_users", "frpauth_reload_errors_total"} {
		if !strings.Contains(body, name) {
			t.Errorf("metrics output missing %s", name)
		}
	}
}
