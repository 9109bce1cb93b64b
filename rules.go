package frpauth

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// DefaultProxyTypes is granted to a user whose allow block omits proxyTypes.
var DefaultProxyTypes = []string{"http", "https"}

// Sentinel causes carried by ConfigError.
var (
	ErrMissingField         = errors.New("missing required field")
	ErrDuplicateUser        = errors.New("duplicate user")
	ErrInvalidDomainPattern = errors.New("invalid domain pattern")
	ErrInvalidProxyType     = errors.New("invalid proxy type")
)

// ConfigError reports the first structural problem found in a policy
// document. The running service keeps its previous configuration when a
// reload fails with a ConfigError.
type ConfigError struct {
	// Path is the file the document was read from, if any.
	Path string

	// Field locates the offending value, e.g. "users[1].allow.remotePorts[0]".
	Field string

	Err error
}

func (e *ConfigError) Error() string {
	var b strings.Builder
	b.WriteString("config")
	if e.Path != "" {
		b.WriteString(" ")
		b.WriteString(e.Path)
	}
	if e.Field != "" {
		b.WriteString(": ")
		b.WriteString(e.Field)
	}
	b.WriteString(": ")
	b.WriteString(e.Err.Error())
	return b.String()
}

func (e *ConfigError) Unwrap() error {
	return e.Err
}

// AllowRule lists what a single user may request. Empty RemotePorts or
// Domains mean nothing of that kind is permitted.
type AllowRule struct {
	ProxyTypes  []string `json:"proxyTypes"`
	RemotePorts []string `json:"remotePorts"`
	Domains     []string `json:"domains"`
}

// DenyRule lists what no user may request, regardless of their AllowRule.
type DenyRule struct {
	ProxyTypes  []string `json:"proxyTypes"`
	RemotePorts []string `json:"remotePorts"`
	Domains     []string `json:"domains"`
}

// UserRecord is one entry of the users list.
type UserRecord struct {
	User     string
	Password string
	Allow    AllowRule
}

// AllowsType reports whether proxyType is in the user's allowed set.
func (u UserRecord) AllowsType(proxyType string) bool {
	return containsType(u.Allow.ProxyTypes, proxyType)
}

// Configuration is a fully validated policy document. It is never modified
// after construction; a reload builds a new one and swaps it into the Store.
type Configuration struct {
	globalDeny DenyRule
	users      map[string]UserRecord
	order      []string
}

// EmptyConfiguration returns a Configuration with no users and nothing
// denied. Every user lookup against it fails.
func EmptyConfiguration() *Configuration {
	return &Configuration{users: map[string]UserRecord{}}
}

// NewConfiguration validates the given rules and returns a Configuration.
// Users keep the order given.
func NewConfiguration(deny DenyRule, users ...UserRecord) (*Configuration, error) {
	cfg := &Configuration{
		globalDeny: normalizeDeny(deny),
		users:      make(map[string]UserRecord, len(users)),
		order:      make([]string, 0, len(users)),
	}
	if err := validateRule("globalDeny", cfg.globalDeny.ProxyTypes, cfg.globalDeny.RemotePorts, cfg.globalDeny.Domains); err != nil {
		return nil, err
	}
	for i, u := range users {
		field := fmt.Sprintf("users[%d]", i)
		if u.User == "" {
			return nil, &ConfigError{Field: field + ".user", Err: ErrMissingField}
		}
		if _, dup := cfg.users[u.User]; dup {
			return nil, &ConfigError{Field: field + ".user", Err: fmt.Errorf("%w %q", ErrDuplicateUser, u.User)}
		}
		u.Allow = normalizeAllow(u.Allow)
		if err := validateRule(field+".allow", u.Allow.ProxyTypes, u.Allow.RemotePorts, u.Allow.Domains); err != nil {
			return nil, err
		}
		cfg.users[u.User] = u
		cfg.order = append(cfg.order, u.User)
	}
	return cfg, nil
}

// User looks up a user by exact identifier.
func (c *Configuration) User(id string) (UserRecord, bool) {
	u, ok := c.users[id]
	return u, ok
}

// UserIDs returns the configured user identifiers in document order.
func (c *Configuration) UserIDs() []string {
	ids := make([]string, len(c.order))
	copy(ids, c.order)
	return ids
}

// GlobalDeny returns the deny rule. Callers must not modify its slices.
func (c *Configuration) GlobalDeny() DenyRule {
	return c.globalDeny
}

// Len returns the number of configured users.
func (c *Configuration) Len() int {
	return len(c.order)
}

// LoadConfiguration reads and validates the policy document at path.
func LoadConfiguration(path string) (*Configuration, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &ConfigError{Path: path, Err: err}
	}
	cfg, err := ParseConfiguration(data)
	if err != nil {
		var ce *ConfigError
		if errors.As(err, &ce) {
			ce.Path = path
			return nil, ce
		}
		return nil, &ConfigError{Path: path, Err: err}
	}
	return cfg, nil
}

// ParseConfiguration decodes a YAML (or JSON) policy document. Unknown keys,
// wrong value types, missing required fields, malformed port ranges and
// malformed domain patterns all fail the whole document.
func ParseConfiguration(data []byte) (*Configuration, error) {
	var doc policyDoc
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&doc); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, &ConfigError{Field: "users", Err: ErrMissingField}
		}
		return nil, &ConfigError{Err: err}
	}

	if doc.Users == nil {
		return nil, &ConfigError{Field: "users", Err: ErrMissingField}
	}

	var deny DenyRule
	if doc.GlobalDeny != nil {
		deny = DenyRule{
			ProxyTypes:  doc.GlobalDeny.ProxyTypes.list(),
			RemotePorts: doc.GlobalDeny.RemotePorts,
			Domains:     doc.GlobalDeny.Domains,
		}
	}

	users := make([]UserRecord, 0, len(*doc.Users))
	for i, u := range *doc.Users {
		field := fmt.Sprintf("users[%d]", i)
		switch {
		case u.User == nil:
			return nil, &ConfigError{Field: field + ".user", Err: ErrMissingField}
		case u.Password == nil:
			return nil, &ConfigError{Field: field + ".password", Err: ErrMissingField}
		case u.Allow == nil:
			return nil, &ConfigError{Field: field + ".allow", Err: ErrMissingField}
		}
		allow := AllowRule{
			ProxyTypes:  DefaultProxyTypes,
			RemotePorts: u.Allow.RemotePorts,
			Domains:     u.Allow.Domains,
		}
		if u.Allow.ProxyTypes.set {
			allow.ProxyTypes = u.Allow.ProxyTypes.list()
		}
		users = append(users, UserRecord{User: *u.User, Password: *u.Password, Allow: allow})
	}

	return NewConfiguration(deny, users...)
}

// policyDoc mirrors the on-disk layout. Pointers distinguish an absent key
// from an empty value.
type policyDoc struct {
	GlobalDeny *ruleDoc   `yaml:"globalDeny"`
	Users      *[]userDoc `yaml:"users"`
}

type userDoc struct {
	User     *string  `yaml:"user"`
	Password *string  `yaml:"password"`
	Allow    *ruleDoc `yaml:"allow"`
}

// RemotePorts decodes into strings so both `8080` and "8000-9000" are
// accepted.
type ruleDoc struct {
	ProxyTypes  optionalList `yaml:"proxyTypes"`
	RemotePorts []string     `yaml:"remotePorts"`
	Domains     []string     `yaml:"domains"`
}

// optionalList records whether the key was present so that an explicit
// empty list can be told apart from an omitted one.
type optionalList struct {
	set    bool
	values []string
}

func (o *optionalList) UnmarshalYAML(node *yaml.Node) error {
	var values []string
	if err := node.Decode(&values); err != nil {
		return err
	}
	o.set = true
	o.values = values
	return nil
}

func (o optionalList) list() []string {
	if o.values == nil {
		return []string{}
	}
	return o.values
}

func normalizeAllow(a AllowRule) AllowRule {
	a.ProxyTypes = normalizeTypes(a.ProxyTypes)
	a.RemotePorts = trimAll(a.RemotePorts)
	return a
}

func normalizeDeny(d DenyRule) DenyRule {
	d.ProxyTypes = normalizeTypes(d.ProxyTypes)
	d.RemotePorts = trimAll(d.RemotePorts)
	return d
}

func normalizeTypes(types []string) []string {
	out := make([]string, 0, len(types))
	for _, t := range types {
		out = append(out, strings.ToLower(strings.TrimSpace(t)))
	}
	return out
}

func trimAll(specs []string) []string {
	out := make([]string, 0, len(specs))
	for _, s := range specs {
		out = append(out, strings.TrimSpace(s))
	}
	return out
}

func validateRule(field string, types, ports, domains []string) error {
	for i, t := range types {
		if t == "" {
			return &ConfigError{Field: fmt.Sprintf("%s.proxyTypes[%d]", field, i), Err: ErrInvalidProxyType}
		}
	}
	for i, spec := range ports {
		if _, err := ParsePortRange(spec); err != nil {
			return &ConfigError{Field: fmt.Sprintf("%s.remotePorts[%d]", field, i), Err: err}
		}
	}
	for i, pattern := range domains {
		if err := validateDomainPattern(pattern); err != nil {
			return &ConfigError{Field: fmt.Sprintf("%s.domains[%d]", field, i), Err: err}
		}
	}
	return nil
}

func validateDomainPattern(pattern string) error {
	p := normalizeDomain(pattern)
	if p == "" {
		return fmt.Errorf("%w: empty", ErrInvalidDomainPattern)
	}
	rest := p
	if suffix, ok := strings.CutPrefix(p, "*."); ok {
		if suffix == "" {
			return fmt.Errorf("%w: %q has no suffix", ErrInvalidDomainPattern, pattern)
		}
		rest = suffix
	}
	if strings.Contains(rest, "*") {
		return fmt.Errorf("%w: %q: wildcard only allowed as leading \"*.\"", ErrInvalidDomainPattern, pattern)
	}
	return nil
}

func containsType(types []string, proxyType string) bool {
	t := strings.ToLower(proxyType)
	for _, allowed := range types {
		if allowed == t {
			return true
		}
	}
	return false
}
