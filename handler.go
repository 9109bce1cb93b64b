package frpauth

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

// UnknownOpPolicy decides how operations other than Login and NewProxy are
// answered.
type UnknownOpPolicy string

const (
	// UnknownOpAllow accepts unknown operations unchanged. This keeps frps
	// working when it is configured to send operations this service does not
	// evaluate.
	UnknownOpAllow UnknownOpPolicy = "allow"

	// UnknownOpReject rejects unknown operations.
	UnknownOpReject UnknownOpPolicy = "reject"
)

// ParseUnknownOpPolicy validates a policy name.
func ParseUnknownOpPolicy(s string) (UnknownOpPolicy, error) {
	switch p := UnknownOpPolicy(s); p {
	case UnknownOpAllow, UnknownOpReject:
		return p, nil
	case "":
		return UnknownOpAllow, nil
	default:
		return "", fmt.Errorf("unknown operation policy %q (want allow or reject)", s)
	}
}

// Handler answers frps server plugin requests. Each request is evaluated
// against exactly one Store snapshot.
type Handler struct {
	// Store supplies the active policy.
	Store *Store

	// UnknownOps controls the answer for unrecognised operations.
	UnknownOps UnknownOpPolicy

	// Logger for request errors.
	Logger *slog.Logger

	// DecisionLog, if set, receives one record per decision.
	DecisionLog *DecisionLogger

	// Metrics, if set, records decisions and bad requests.
	Metrics *Metrics
}

// NewHandler creates a Handler that allows unknown operations.
func NewHandler(store *Store) *Handler {
	return &Handler{
		Store:      store,
		UnknownOps: UnknownOpAllow,
		Logger:     slog.Default(),
	}
}

// ServeHTTP implements http.Handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	body, err := io.ReadAll(r.Body)
	if err != nil {
		var mbe *http.MaxBytesError
		if errors.As(err, &mbe) {
			h.fail(w, http.StatusRequestEntityTooLarge, fmt.Sprintf("request body exceeds %d bytes", mbe.Limit))
			return
		}
		h.fail(w, http.StatusBadRequest, "read body: "+err.Error())
		return
	}

	var req Request
	if err := json.Unmarshal(body, &req); err != nil {
		h.fail(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	op := r.URL.Query().Get("op")
	if op == "" {
		op = req.Op
	}
	if op == "" {
		h.fail(w, http.StatusBadRequest, "missing 'op'")
		return
	}

	resp, entry, err := h.Decide(op, req.Content)
	if err != nil {
		var rfe *RequestFormatError
		if errors.As(err, &rfe) {
			h.fail(w, http.StatusBadRequest, rfe.Error())
			return
		}
		h.fail(w, http.StatusInternalServerError, err.Error())
		return
	}

	entry.Timestamp = start
	entry.Peer = r.RemoteAddr
	entry.Duration = time.Since(start)
	if h.DecisionLog != nil {
		h.DecisionLog.Log(entry)
	}
	if h.Metrics != nil {
		label := op
		if op != OpLogin && op != OpNewProxy {
			label = "other"
		}
		h.Metrics.RecordDecision(label, entry.Decision, entry.Duration)
	}

	writeJSON(w, http.StatusOK, resp, h.Logger)
}

// Decide evaluates one operation. It is the transport-independent core of
// ServeHTTP.
func (h *Handler) Decide(op string, content json.RawMessage) (Response, DecisionLogEntry, error) {
	entry := DecisionLogEntry{Op: op}

	switch op {
	case OpLogin, OpNewProxy:
		if len(content) == 0 || string(content) == "null" {
			return Response{}, entry, formatErr(nil, "missing content")
		}
	default:
		if h.UnknownOps == UnknownOpReject {
			entry.Decision = reject(CodeUnsupportedOp, "operation '%s' not supported", op)
			return rejected(entry.Decision), entry, nil
		}
		return Response{Unchange: true}, entry, nil
	}

	cfg, gen := h.Store.SnapshotGeneration()
	entry.Generation = gen

	switch op {
	case OpLogin:
		c, req, err := DecodeLogin(content)
		if err != nil {
			return Response{}, entry, err
		}
		entry.User = c.User
		entry.ClientAddress = c.ClientAddress
		entry.Decision = AuthorizeLogin(cfg, req)
		if entry.Decision.Reject {
			return rejected(entry.Decision), entry, nil
		}
		return Response{Unchange: true}, entry, nil

	default:
		c, req, err := DecodeNewProxy(content)
		if err != nil {
			return Response{}, entry, err
		}
		entry.User = req.User
		entry.ProxyName = req.ProxyName
		entry.ProxyType = req.ProxyType
		entry.RemotePort = req.RemotePort
		entry.Domains = req.CustomDomains
		entry.Decision = AuthorizeNewProxy(cfg, req)
		if entry.Decision.Reject {
			return rejected(entry.Decision), entry, nil
		}
		return Response{Content: c.Accepted()}, entry, nil
	}
}

func rejected(d Decision) Response {
	return Response{Reject: true, RejectReason: d.Reason}
}

func (h *Handler) fail(w http.ResponseWriter, status int, msg string) {
	h.Logger.Warn("plugin request refused", "status", status, "error", msg)
	if h.Metrics != nil {
		h.Metrics.RecordBadRequest(status)
	}
	writeJSON(w, status, ErrorResponse{Error: msg}, h.Logger)
}

func writeJSON(w http.ResponseWriter, status int, v any, logger *slog.Logger) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil && logger != nil {
		logger.Error("write response", "error", err)
	}
}
