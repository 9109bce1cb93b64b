package frpauth

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// AdminAPI exposes the operator endpoints next to the plugin handler:
//
//	GET  /health  configured user ids (liveness plus a quick policy check)
//	POST /reload  reload the policy file, answer with the resulting user ids
//	GET  /status  generation, user count and uptime
//
// All endpoints return JSON and use [chi] for routing.
type AdminAPI struct {
	// Store is the policy store to report on.
	Store *Store

	// Reloader serves POST /reload. If nil, the endpoint returns 501.
	Reloader *Reloader

	// Health, if set, contributes uptime and readiness to /status.
	Health *HealthChecker

	// Logger for admin API events.
	Logger *slog.Logger

	router chi.Router
}

// NewAdminAPI creates an AdminAPI for the given store and reloader.
func NewAdminAPI(store *Store, reloader *Reloader) *AdminAPI {
	a := &AdminAPI{
		Store:    store,
		Reloader: reloader,
		Logger:   slog.Default(),
	}
	r := chi.NewRouter()
	a.Routes(r)
	a.router = r
	return a
}

// Routes registers the admin endpoints on r.
func (a *AdminAPI) Routes(r chi.Router) {
	r.Group(func(r chi.Router) {
		r.Use(middleware.SetHeader("Content-Type", "application/json"))
		r.Get("/health", a.handleHealth)
		r.Post("/reload", a.handleReload)
		r.Get("/status", a.handleStatus)
	})
}

// ServeHTTP implements http.Handler using a router holding only the admin
// routes.
func (a *AdminAPI) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	a.router.ServeHTTP(w, r)
}

// --------------------------------------------------------------------------
// Response types
// --------------------------------------------------------------------------

// UsersResponse is returned by GET /health.
type UsersResponse struct {
	OK    bool     `json:"ok"`
	Users []string `json:"users"`
}

// ReloadResponse is returned by POST /reload.
type ReloadResponse struct {
	OK     bool     `json:"ok"`
	Result string   `json:"result"`
	Error  string   `json:"error,omitempty"`
	Users  []string `json:"users"`
}

// StatusResponse is returned by GET /status.
type StatusResponse struct {
	Status     string `json:"status"`
	Loaded     bool   `json:"loaded"`
	Ready      bool   `json:"ready"`
	Users      int    `json:"users"`
	Generation uint64 `json:"generation"`
	PolicyFile string `json:"policy_file,omitempty"`
	Uptime     string `json:"uptime,omitempty"`
}

// ErrorResponse is returned for error conditions.
type ErrorResponse struct {
	Error string `json:"error"`
}

// --------------------------------------------------------------------------
// Handlers
// --------------------------------------------------------------------------

func (a *AdminAPI) handleHealth(w http.ResponseWriter, _ *http.Request) {
	a.writeJSON(w, http.StatusOK, UsersResponse{OK: true, Users: a.Store.UserIDs()})
}

func (a *AdminAPI) handleReload(w http.ResponseWriter, _ *http.Request) {
	if a.Reloader == nil {
		a.writeJSON(w, http.StatusNotImplemented, ErrorResponse{Error: "reload not configured"})
		return
	}

	result, err := a.Reloader.Reload(TriggerAdmin)
	resp := ReloadResponse{
		OK:     err == nil,
		Result: result.String(),
		Users:  a.Store.UserIDs(),
	}
	if err != nil {
		resp.Error = err.Error()
		a.writeJSON(w, http.StatusInternalServerError, resp)
		return
	}

	a.Logger.Info("reload requested via admin API", "result", resp.Result)
	a.writeJSON(w, http.StatusOK, resp)
}

func (a *AdminAPI) handleStatus(w http.ResponseWriter, _ *http.Request) {
	cfg, gen := a.Store.SnapshotGeneration()
	resp := StatusResponse{
		Status:     "ok",
		Loaded:     a.Store.Loaded(),
		Users:      cfg.Len(),
		Generation: gen,
	}
	if a.Reloader != nil {
		resp.PolicyFile = a.Reloader.Path
	}
	if a.Health != nil {
		resp.Ready = a.Health.IsReady()
		resp.Uptime = a.Health.Uptime().Truncate(time.Second).String()
	}
	a.writeJSON(w, http.StatusOK, resp)
}

func (a *AdminAPI) writeJSON(w http.ResponseWriter, status int, v any) {
	writeJSON(w, status, v, a.Logger)
}
