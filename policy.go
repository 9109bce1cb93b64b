package frpauth

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ErrInvalidPortRange is wrapped by every port range parse failure.
var ErrInvalidPortRange = errors.New("invalid port range")

// PortRange is a closed interval of TCP/UDP ports. A single port p is the
// range [p, p].
type PortRange struct {
	First uint16
	Last  uint16
}

// ParsePortRange parses "p" or "lo-hi" with 1 <= lo <= hi <= 65535.
// Surrounding whitespace is ignored.
func ParsePortRange(spec string) (PortRange, error) {
	s := strings.TrimSpace(spec)
	if s == "" {
		return PortRange{}, fmt.Errorf("%w: empty", ErrInvalidPortRange)
	}

	lo, hi, isRange := strings.Cut(s, "-")
	first, err := parsePort(lo)
	if err != nil {
		return PortRange{}, fmt.Errorf("%w %q: %v", ErrInvalidPortRange, spec, err)
	}
	last := first
	if isRange {
		last, err = parsePort(hi)
		if err != nil {
			return PortRange{}, fmt.Errorf("%w %q: %v", ErrInvalidPortRange, spec, err)
		}
	}
	if first > last {
		return PortRange{}, fmt.Errorf("%w %q: start %d is after end %d", ErrInvalidPortRange, spec, first, last)
	}
	return PortRange{First: first, Last: last}, nil
}

func parsePort(s string) (uint16, error) {
	s = strings.TrimSpace(s)
	n, err := strconv.ParseUint(s, 10, 16)
	if err != nil {
		return 0, fmt.Errorf("%q is not a port number", s)
	}
	if n == 0 {
		return 0, errors.New("port 0 is not allowed")
	}
	return uint16(n), nil
}

// Contains reports whether port lies within the range.
func (pr PortRange) Contains(port int) bool {
	return port >= int(pr.First) && port <= int(pr.Last)
}

func (pr PortRange) String() string {
	if pr.First == pr.Last {
		return strconv.Itoa(int(pr.First))
	}
	return fmt.Sprintf("%d-%d", pr.First, pr.Last)
}

// PortInAnySpec reports whether port falls within any of specs. Every spec
// is parsed before matching, so a malformed entry is reported even when an
// earlier one matches.
func PortInAnySpec(port int, specs []string) (bool, error) {
	ranges := make([]PortRange, 0, len(specs))
	for _, spec := range specs {
		pr, err := ParsePortRange(spec)
		if err != nil {
			return false, err
		}
		ranges = append(ranges, pr)
	}
	for _, pr := range ranges {
		if pr.Contains(port) {
			return true, nil
		}
	}
	return false, nil
}

func normalizeDomain(d string) string {
	return strings.TrimRight(strings.ToLower(strings.TrimSpace(d)), ".")
}

// DomainMatches reports whether requested matches pattern. Patterns are
// either an exact hostname or "*.suffix"; a wildcard matches any depth of
// subdomain below suffix but never suffix itself. Comparison ignores case
// and trailing dots.
func DomainMatches(requested, pattern string) bool {
	r := normalizeDomain(requested)
	p := normalizeDomain(pattern)
	if r == "" || p == "" {
		return false
	}
	if suffix, ok := strings.CutPrefix(p, "*."); ok {
		return suffix != "" && strings.HasSuffix(r, "."+suffix)
	}
	return r == p
}

func matchesAny(requested string, patterns []string) bool {
	for _, p := range patterns {
		if DomainMatches(requested, p) {
			return true
		}
	}
	return false
}

// AllDomainsAllowed reports whether requested is non-empty and every entry
// matches at least one allowed pattern.
func AllDomainsAllowed(requested, allowed []string) bool {
	if len(requested) == 0 {
		return false
	}
	for _, d := range requested {
		if !matchesAny(d, allowed) {
			return false
		}
	}
	return true
}

// AnyDomainForbidden reports whether any requested domain matches any
// forbidden pattern.
func AnyDomainForbidden(requested, forbidden []string) bool {
	for _, d := range requested {
		if matchesAny(d, forbidden) {
			return true
		}
	}
	return false
}

// Proxy types whose exposure is a remote port rather than a hostname.
var portBasedTypes = map[string]bool{
	"tcp": true,
	"udp": true,
}

// Proxy types routed by hostname.
var domainBasedTypes = map[string]bool{
	"http":   true,
	"https":  true,
	"tcpmux": true,
}

// Decision is the outcome of evaluating one request. A rejection is a
// normal result, not an error.
type Decision struct {
	Reject bool

	// Reason is the human readable text returned to frps on rejection.
	Reason string

	// Code is a stable, low-cardinality identifier for Reason.
	Code string
}

// Decision codes.
const (
	CodeInvalidUser      = "invalid_user"
	CodeInvalidPassword  = "invalid_password"
	CodeTypeNotAllowed   = "type_not_allowed"
	CodeTypeForbidden    = "type_forbidden"
	CodePortRequired     = "port_required"
	CodePortInvalid      = "port_invalid"
	CodeNoPorts          = "no_ports"
	CodePortNotAllowed   = "port_not_allowed"
	CodePortForbidden    = "port_forbidden"
	CodeNoDomains        = "no_domains"
	CodeDomainsRequired  = "domains_required"
	CodeDomainNotAllowed = "domain_not_allowed"
	CodeDomainForbidden  = "domain_forbidden"
	CodeSubdomain        = "subdomain"
	CodeServerConfig     = "server_config"
	CodeUnsupportedOp    = "unsupported_op"
)

// Accept is the zero Decision.
var Accept = Decision{}

func reject(code, format string, args ...any) Decision {
	return Decision{Reject: true, Reason: fmt.Sprintf(format, args...), Code: code}
}

// LoginRequest is the part of a Login operation the policy looks at.
type LoginRequest struct {
	User string

	// Token is metas["token"] as sent by the client.
	Token    string
	HasToken bool
}

// NewProxyRequest is the part of a NewProxy operation the policy looks at.
type NewProxyRequest struct {
	User      string
	ProxyName string
	ProxyType string

	// RemotePort holds the raw remote_port value; HasRemotePort is false
	// when the field was absent or null.
	RemotePort    string
	HasRemotePort bool

	CustomDomains []string
	Subdomain     string
}

// AuthorizeLogin checks the user exists and the token equals the stored
// password.
func AuthorizeLogin(cfg *Configuration, req LoginRequest) Decision {
	u, ok := cfg.User(req.User)
	if !ok {
		return reject(CodeInvalidUser, "invalid user")
	}
	if !req.HasToken || subtle.ConstantTimeCompare([]byte(req.Token), []byte(u.Password)) != 1 {
		return reject(CodeInvalidPassword, "invalid password")
	}
	return Accept
}

// AuthorizeNewProxy runs the proxy creation checks in order and returns the
// first failure.
func AuthorizeNewProxy(cfg *Configuration, req NewProxyRequest) Decision {
	u, ok := cfg.User(req.User)
	if !ok {
		return reject(CodeInvalidUser, "invalid user")
	}

	deny := cfg.GlobalDeny()
	proxyType := strings.ToLower(req.ProxyType)

	if !u.AllowsType(proxyType) {
		return reject(CodeTypeNotAllowed, "proxy_type '%s' not allowed", req.ProxyType)
	}
	if containsType(deny.ProxyTypes, proxyType) {
		return reject(CodeTypeForbidden, "proxy_type '%s' globally forbidden", req.ProxyType)
	}

	switch {
	case portBasedTypes[proxyType]:
		if d := checkRemotePort(u, deny, req); d.Reject {
			return d
		}
	case domainBasedTypes[proxyType]:
		if d := checkDomains(u, deny, proxyType, req); d.Reject {
			return d
		}
	}

	if req.Subdomain != "" {
		return reject(CodeSubdomain, "subdomain routing not permitted")
	}
	return Accept
}

func checkRemotePort(u UserRecord, deny DenyRule, req NewProxyRequest) Decision {
	if !req.HasRemotePort {
		return reject(CodePortRequired, "remote_port required for tcp/udp")
	}
	port, err := strconv.Atoi(strings.TrimSpace(req.RemotePort))
	if err != nil {
		return reject(CodePortInvalid, "remote_port must be an integer")
	}
	if len(u.Allow.RemotePorts) == 0 {
		return reject(CodeNoPorts, "no remote ports permitted")
	}

	allowed, err := PortInAnySpec(port, u.Allow.RemotePorts)
	if err != nil {
		return reject(CodeServerConfig, "server configuration error")
	}
	if !allowed {
		return reject(CodePortNotAllowed, "remote_port %d not permitted", port)
	}

	if len(deny.RemotePorts) > 0 {
		forbidden, err := PortInAnySpec(port, deny.RemotePorts)
		if err != nil {
			return reject(CodeServerConfig, "server configuration error")
		}
		if forbidden {
			return reject(CodePortForbidden, "remote_port %d globally forbidden", port)
		}
	}
	return Accept
}

func checkDomains(u UserRecord, deny DenyRule, proxyType string, req NewProxyRequest) Decision {
	if len(u.Allow.Domains) == 0 {
		return reject(CodeNoDomains, "no domains allowed for %s", proxyType)
	}
	if len(req.CustomDomains) == 0 {
		return reject(CodeDomainsRequired, "custom_domains required for %s", proxyType)
	}
	if !AllDomainsAllowed(req.CustomDomains, u.Allow.Domains) {
		return reject(CodeDomainNotAllowed, "requested domain not permitted")
	}
	if AnyDomainForbidden(req.CustomDomains, deny.Domains) {
		return reject(CodeDomainForbidden, "requested domain globally forbidden")
	}
	return Accept
}
