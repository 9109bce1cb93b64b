package frpauth

import (
	"context"
	"log/slog"
	"time"
)

// DecisionLogger writes one structured record per answered plugin request.
// It uses slog.LogAttrs for low-allocation logging on the hot path.
type DecisionLogger struct {
	logger *slog.Logger
}

// DecisionLogEntry contains all fields for a single decision record.
type DecisionLogEntry struct {
	// Timestamp when the request was received.
	Timestamp time.Time

	// Op is the plugin operation (Login, NewProxy, ...).
	Op string

	// User is the frp user the request was made for.
	User string

	// ProxyName and ProxyType are set for NewProxy.
	ProxyName string
	ProxyType string

	// RemotePort and Domains describe what a NewProxy asked to expose.
	RemotePort string
	Domains    []string

	// ClientAddress is the frpc address reported by frps, if any.
	ClientAddress string

	// Peer is the address of the frps instance that called the plugin.
	Peer string

	// Generation of the policy the decision was made against.
	Generation uint64

	Decision Decision

	// Duration is the time to decode and evaluate the request.
	Duration time.Duration
}

// NewDecisionLogger creates a DecisionLogger that writes to the given slog.Logger.
func NewDecisionLogger(logger *slog.Logger) *DecisionLogger {
	return &DecisionLogger{logger: logger}
}

// Log writes a decision record. Accepts are logged at info, rejections at
// warn.
func (dl *DecisionLogger) Log(e DecisionLogEntry) {
	attrs := make([]slog.Attr, 0, 12)

	attrs = append(attrs,
		slog.Time("timestamp", e.Timestamp),
		slog.String("op", e.Op),
		slog.String("user", e.User),
	)

	if e.ProxyName != "" || e.ProxyType != "" {
		attrs = append(attrs,
			slog.String("proxy_name", e.ProxyName),
			slog.String("proxy_type", e.ProxyType),
		)
	}
	if e.RemotePort != "" {
		attrs = append(attrs, slog.String("remote_port", e.RemotePort))
	}
	if len(e.Domains) > 0 {
		attrs = append(attrs, slog.Any("domains", e.Domains))
	}
	if e.ClientAddress != "" {
		attrs = append(attrs, slog.String("client_address", e.ClientAddress))
	}

	attrs = append(attrs,
		slog.String("peer", e.Peer),
		slog.Uint64("generation", e.Generation),
	)

	level := slog.LevelInfo
	if e.Decision.Reject {
		level = slog.LevelWarn
		attrs = append(attrs,
			slog.Bool("reject", true),
			slog.String("reason", e.Decision.Reason),
			slog.String("code", e.Decision.Code),
		)
	} else {
		attrs = append(attrs, slog.Bool("reject", false))
	}

	attrs = append(attrs, slog.Duration("duration", e.Duration))

	dl.logger.LogAttrs(context.Background(), level, "decision", attrs...)
}
