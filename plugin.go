package frpauth

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// Operation names sent by frps.
const (
	OpLogin    = "Login"
	OpNewProxy = "NewProxy"
)

// RequestFormatError means the plugin request could not be interpreted.
// It is answered with HTTP 400 and never turned into a policy decision.
type RequestFormatError struct {
	Reason string
	Err    error
}

func (e *RequestFormatError) Error() string {
	if e.Err != nil {
		return e.Reason + ": " + e.Err.Error()
	}
	return e.Reason
}

func (e *RequestFormatError) Unwrap() error {
	return e.Err
}

func formatErr(err error, format string, args ...any) *RequestFormatError {
	return &RequestFormatError{Reason: fmt.Sprintf(format, args...), Err: err}
}

// Request is the envelope frps POSTs to the plugin. The operation is also
// carried in the "op" query parameter.
type Request struct {
	Version string          `json:"version,omitempty"`
	Op      string          `json:"op,omitempty"`
	Content json.RawMessage `json:"content"`
}

// Response is the plugin answer. Content is set only when the request
// content was rewritten.
type Response struct {
	Reject       bool           `json:"reject"`
	RejectReason string         `json:"reject_reason,omitempty"`
	Unchange     bool           `json:"unchange"`
	Content      map[string]any `json:"content,omitempty"`
}

// LoginContent is the Login payload. Only the fields the policy reads are
// decoded; the rest are ignored.
type LoginContent struct {
	User          string            `json:"user"`
	Metas         map[string]string `json:"metas"`
	ClientAddress string            `json:"client_address,omitempty"`
	Hostname      string            `json:"hostname,omitempty"`
	RunID         string            `json:"run_id,omitempty"`
}

// DecodeLogin parses a Login content object.
func DecodeLogin(raw json.RawMessage) (LoginContent, LoginRequest, error) {
	var c LoginContent
	if err := json.Unmarshal(raw, &c); err != nil {
		return LoginContent{}, LoginRequest{}, formatErr(err, "invalid Login content")
	}
	token, ok := c.Metas["token"]
	return c, LoginRequest{User: c.User, Token: token, HasToken: ok}, nil
}

// NewProxyContent keeps the NewProxy payload as a generic object so that
// fields this service does not know about are passed back to frps
// untouched. Numbers stay json.Number to avoid float rounding.
type NewProxyContent map[string]any

// DecodeNewProxy parses a NewProxy content object and extracts the fields
// the policy needs.
func DecodeNewProxy(raw json.RawMessage) (NewProxyContent, NewProxyRequest, error) {
	var content NewProxyContent
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&content); err != nil {
		return nil, NewProxyRequest{}, formatErr(err, "invalid NewProxy content")
	}
	if content == nil {
		return nil, NewProxyRequest{}, formatErr(nil, "NewProxy content must be an object")
	}

	var req NewProxyRequest

	switch u := content["user"].(type) {
	case nil:
	case map[string]any:
		id, err := optionalString(u, "user")
		if err != nil {
			return nil, NewProxyRequest{}, formatErr(err, "invalid user.user")
		}
		req.User = id
	default:
		return nil, NewProxyRequest{}, formatErr(nil, "user must be an object")
	}

	pt, ok := content["proxy_type"].(string)
	if !ok {
		return nil, NewProxyRequest{}, formatErr(nil, "proxy_type must be a string")
	}
	req.ProxyType = pt

	name, err := optionalString(content, "proxy_name")
	if err != nil {
		return nil, NewProxyRequest{}, formatErr(err, "invalid proxy_name")
	}
	req.ProxyName = name

	switch p := content["remote_port"].(type) {
	case nil:
	case json.Number:
		req.RemotePort, req.HasRemotePort = p.String(), true
	case string:
		req.RemotePort, req.HasRemotePort = p, true
	default:
		// Present but not a number; the policy reports it.
		req.RemotePort, req.HasRemotePort = fmt.Sprint(p), true
	}

	switch d := content["custom_domains"].(type) {
	case nil:
	case []any:
		for i, v := range d {
			s, ok := v.(string)
			if !ok {
				return nil, NewProxyRequest{}, formatErr(nil, "custom_domains[%d] must be a string", i)
			}
			req.CustomDomains = append(req.CustomDomains, s)
		}
	default:
		return nil, NewProxyRequest{}, formatErr(nil, "custom_domains must be a list")
	}

	sub, err := optionalString(content, "subdomain")
	if err != nil {
		return nil, NewProxyRequest{}, formatErr(err, "invalid subdomain")
	}
	req.Subdomain = strings.TrimSpace(sub)

	return content, req, nil
}

// Accepted returns a copy of the content with subdomain removed.
func (c NewProxyContent) Accepted() map[string]any {
	out := make(map[string]any, len(c))
	for k, v := range c {
		if k == "subdomain" {
			continue
		}
		out[k] = v
	}
	return out
}

func optionalString(m map[string]any, key string) (string, error) {
	switch v := m[key].(type) {
	case nil:
		return "", nil
	case string:
		return v, nil
	default:
		return "", fmt.Errorf("%s: expected string, got %T", key, v)
	}
}
