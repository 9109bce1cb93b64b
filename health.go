package frpauth

import (
	"errors"
	"net/http"
	"sync/atomic"
	"time"
)

// HealthChecker backs the /healthz and /readyz probes. Liveness means the
// HTTP server is up; readiness additionally requires every ReadinessCheck
// to pass, typically that a policy file has been loaded.
type HealthChecker struct {
	alive atomic.Bool
	ready atomic.Bool

	startTime time.Time

	// ReadinessChecks must all return nil for /readyz to pass.
	ReadinessChecks []ReadinessCheck
}

// ReadinessCheck returns nil if the component is ready, or an error
// describing why it is not.
type ReadinessCheck func() error

// HealthResponse is the JSON body returned by the probe endpoints.
type HealthResponse struct {
	Status  string   `json:"status"`
	Uptime  string   `json:"uptime,omitempty"`
	Reason  string   `json:"reason,omitempty"`
	Details []string `json:"details,omitempty"`
}

// NewHealthChecker creates a new HealthChecker.
func NewHealthChecker() *HealthChecker {
	return &HealthChecker{startTime: time.Now()}
}

// PolicyLoadedCheck fails until the store has received a Configuration.
// A webhook without a policy rejects every Login, so frps should not be
// pointed at it yet.
func PolicyLoadedCheck(store *Store) ReadinessCheck {
	return func() error {
		if !store.Loaded() {
			return errors.New("policy not loaded")
		}
		return nil
	}
}

// SetAlive marks the service as alive.
func (h *HealthChecker) SetAlive(alive bool) {
	h.alive.Store(alive)
}

// SetReady marks the service as ready.
func (h *HealthChecker) SetReady(ready bool) {
	h.ready.Store(ready)
}

// IsAlive returns true if the service is alive.
func (h *HealthChecker) IsAlive() bool {
	return h.alive.Load()
}

// IsReady returns true if the service is marked ready and all checks pass.
func (h *HealthChecker) IsReady() bool {
	return h.ready.Load() && len(h.failures()) == 0
}

// Uptime is the time since the checker was created.
func (h *HealthChecker) Uptime() time.Duration {
	return time.Since(h.startTime)
}

func (h *HealthChecker) failures() []string {
	var out []string
	for _, check := range h.ReadinessChecks {
		if err := check(); err != nil {
			out = append(out, err.Error())
		}
	}
	return out
}

// HandleHealthz handles the /healthz liveness probe.
func (h *HealthChecker) HandleHealthz(w http.ResponseWriter, _ *http.Request) {
	resp := HealthResponse{Status: "ok", Uptime: h.Uptime().Truncate(time.Second).String()}
	status := http.StatusOK
	if !h.IsAlive() {
		resp.Status = "unavailable"
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, resp, nil)
}

// HandleReadyz handles the /readyz readiness probe.
func (h *HealthChecker) HandleReadyz(w http.ResponseWriter, _ *http.Request) {
	resp := HealthResponse{Status: "ok", Uptime: h.Uptime().Truncate(time.Second).String()}

	if !h.ready.Load() {
		resp.Status = "not ready"
		resp.Reason = "service not yet ready"
		writeJSON(w, http.StatusServiceUnavailable, resp, nil)
		return
	}

	if failures := h.failures(); len(failures) > 0 {
		resp.Status = "not ready"
		resp.Details = failures
		writeJSON(w, http.StatusServiceUnavailable, resp, nil)
		return
	}

	writeJSON(w, http.StatusOK, resp, nil)
}
