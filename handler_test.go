package frpauth

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func newTestHandler(t *testing.T) *Handler {
	t.Helper()
	store := NewStore()
	store.Replace(testConfig(t))

	h := NewHandler(store)
	h.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	h.DecisionLog = NewDecisionLogger(h.Logger)
	return h
}

func postPlugin(t *testing.T, h http.Handler, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, target, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHandler_Login(t *testing.T) {
	h := newTestHandler(t)

	tests := []struct {
		name       string
		body       string
		wantReject bool
		wantReason string
	}{
		{
			name: "valid",
			body: `{"version":"0.1.0","op":"Login","content":{"user":"alice","metas":{"token":"secret"}}}`,
		},
		{
			name:       "wrong token",
			body:       `{"content":{"user":"alice","metas":{"token":"nope"}}}`,
			wantReject: true,
			wantReason: "invalid password",
		},
		{
			name:       "no metas",
			body:       `{"content":{"user":"alice"}}`,
			wantReject: true,
			wantReason: "invalid password",
		},
		{
			name:       "unknown user",
			body:       `{"content":{"user":"mallory","metas":{"token":"secret"}}}`,
			wantReject: true,
			wantReason: "invalid user",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := postPlugin(t, h, "/handler?version=0.1.0&op=Login", tt.body)
			if rec.Code != http.StatusOK {
				t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
			}
			if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
				t.Errorf("Content-Type = %q", ct)
			}
			resp := decodeJSON[Response](t, rec)
			if resp.Reject != tt.wantReject {
				t.Fatalf("reject = %v, want %v", resp.Reject, tt.wantReject)
			}
			if resp.RejectReason != tt.wantReason {
				t.Errorf("reject_reason = %q, want %q", resp.RejectReason, tt.wantReason)
			}
			if !tt.wantReject && !resp.Unchange {
				t.Error("accepted login should be unchanged")
			}
			if resp.Content != nil {
				t.Errorf("content = %v, want none", resp.Content)
			}
		})
	}
}

func TestHandler_NewProxyAcceptStripsSubdomain(t *testing.T) {
	h := newTestHandler(t)

	body := `{"op":"NewProxy","content":{
		"user":{"user":"alice","metas":{"token":"secret"}},
		"proxy_name":"web","proxy_type":"https",
		"custom_domains":["app.example.com"],
		"subdomain":"",
		"use_encryption":true
	}}`
	rec := postPlugin(t, h, "/handler", body)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}

	resp := decodeJSON[Response](t, rec)
	if resp.Reject {
		t.Fatalf("unexpected reject: %s", resp.RejectReason)
	}
	if resp.Unchange {
		t.Error("accepted NewProxy should carry rewritten content")
	}
	if _, ok := resp.Content["subdomain"]; ok {
		t.Error("subdomain should be stripped from content")
	}
	if resp.Content["proxy_name"] != "web" || resp.Content["use_encryption"] != true {
		t.Errorf("content fields not passed through: %v", resp.Content)
	}
}

func TestHandler_NewProxyKeepsNumbers(t *testing.T) {
	h := newTestHandler(t)

	body := `{"op":"NewProxy","content":{"user":{"user":"alice"},"proxy_type":"tcp","remote_port":8001,"bandwidth_limit_bytes":9007199254740993}}`
	rec := postPlugin(t, h, "/handler", body)

	var raw struct {
		Content map[string]json.RawMessage `json:"content"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&raw); err != nil {
		t.Fatal(err)
	}
	if string(raw.Content["remote_port"]) != "8001" {
		t.Errorf("remote_port = %s, want 8001", raw.Content["remote_port"])
	}
	if string(raw.Content["bandwidth_limit_bytes"]) != "9007199254740993" {
		t.Errorf("large number rounded: %s", raw.Content["bandwidth_limit_bytes"])
	}
}

func TestHandler_NewProxyReject(t *testing.T) {
	h := newTestHandler(t)

	tests := []struct {
		name       string
		content    string
		wantReason string
	}{
		{
			name:       "global deny port",
			content:    `{"user":{"user":"alice"},"proxy_type":"tcp","remote_port":8080}`,
			wantReason: "remote_port 8080 globally forbidden",
		},
		{
			name:       "remote port as string",
			content:    `{"user":{"user":"alice"},"proxy_type":"tcp","remote_port":"7000"}`,
			wantReason: "remote_port 7000 not permitted",
		},
		{
			name:       "subdomain",
			content:    `{"user":{"user":"alice"},"proxy_type":"https","custom_domains":["a.example.com"],"subdomain":"a"}`,
			wantReason: "subdomain routing not permitted",
		},
		{
			name:       "no user",
			content:    `{"proxy_type":"https","custom_domains":["a.example.com"]}`,
			wantReason: "invalid user",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := postPlugin(t, h, "/handler?op=NewProxy", `{"content":`+tt.content+`}`)
			if rec.Code != http.StatusOK {
				t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
			}
			resp := decodeJSON[Response](t, rec)
			if !resp.Reject || resp.RejectReason != tt.wantReason {
				t.Errorf("got reject=%v reason=%q, want %q", resp.Reject, resp.RejectReason, tt.wantReason)
			}
			if resp.Unchange || resp.Content != nil {
				t.Error("rejection should carry no content")
			}
		})
	}
}

func TestHandler_QueryOpWinsOverBody(t *testing.T) {
	h := newTestHandler(t)

	body := `{"op":"NewProxy","content":{"user":"alice","metas":{"token":"secret"}}}`
	rec := postPlugin(t, h, "/handler?op=Login", body)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	if resp := decodeJSON[Response](t, rec); resp.Reject {
		t.Errorf("login should be accepted, got %q", resp.RejectReason)
	}
}

func TestHandler_BadRequests(t *testing.T) {
	h := newTestHandler(t)
	h.Metrics = NewMetrics()

	tests := []struct {
		name    string
		target  string
		body    string
		wantErr string
	}{
		{"invalid json", "/handler?op=Login", `{"content":`, "invalid JSON body"},
		{"not an object", "/handler?op=Login", `[1,2]`, "invalid JSON body"},
		{"missing op", "/handler", `{"content":{}}`, "missing 'op'"},
		{"missing content", "/handler?op=Login", `{}`, "missing content"},
		{"null content", "/handler?op=NewProxy", `{"content":null}`, "missing content"},
		{"login content not object", "/handler?op=Login", `{"content":"alice"}`, "invalid Login content"},
		{"proxy_type missing", "/handler?op=NewProxy", `{"content":{"user":{"user":"alice"}}}`, "proxy_type must be a string"},
		{"custom_domains wrong type", "/handler?op=NewProxy", `{"content":{"proxy_type":"https","custom_domains":{}}}`, "custom_domains must be a list"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := postPlugin(t, h, tt.target, tt.body)
			if rec.Code != http.StatusBadRequest {
				t.Fatalf("status = %d, want 400", rec.Code)
			}
			resp := decodeJSON[ErrorResponse](t, rec)
			if !strings.HasPrefix(resp.Error, tt.wantErr) {
				t.Errorf("error = %q, want prefix %q", resp.Error, tt.wantErr)
			}
		})
	}

	if !containsLine(scrapeMetrics(t, h.Metrics), `frpauth_bad_requests_total{status="Bad Request"} 8`) {
		t.Error("bad requests should be counted")
	}
}

func TestHandler_UnknownOps(t *testing.T) {
	t.Run("allow", func(t *testing.T) {
		h := newTestHandler(t)
		rec := postPlugin(t, h, "/handler?op=Ping", `{"content":{"user":{"user":"alice"}}}`)
		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d", rec.Code)
		}
		resp := decodeJSON[Response](t, rec)
		if resp.Reject || !resp.Unchange {
			t.Errorf("got %+v, want unchanged accept", resp)
		}
	})

	t.Run("reject", func(t *testing.T) {
		h := newTestHandler(t)
		h.UnknownOps = UnknownOpReject
		h.Metrics = NewMetrics()

		rec := postPlugin(t, h, "/handler?op=CloseProxy", `{"content":{}}`)
		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d", rec.Code)
		}
		resp := decodeJSON[Response](t, rec)
		if !resp.Reject || resp.RejectReason != "operation 'CloseProxy' not supported" {
			t.Errorf("got %+v", resp)
		}

		body := scrapeMetrics(t, h.Metrics)
		if !containsLine(body, `frpauth_decisions_total{op="other",outcome="reject"} 1`) {
			t.Error("unknown op should be recorded under op=\"other\"")
		}
	})
}

func TestHandler_EmptyPolicyRejectsEverything(t *testing.T) {
	h := NewHandler(NewStore())
	h.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))

	rec := postPlugin(t, h, "/handler?op=Login", `{"content":{"user":"alice","metas":{"token":"secret"}}}`)
	resp := decodeJSON[Response](t, rec)
	if !resp.Reject || resp.RejectReason != "invalid user" {
		t.Errorf("got %+v, want invalid user", resp)
	}
}

func TestHandler_UsesCurrentSnapshot(t *testing.T) {
	h := newTestHandler(t)
	login := `{"content":{"user":"carol","metas":{"token":"pw"}}}`

	if resp := decodeJSON[Response](t, postPlugin(t, h, "/handler?op=Login", login)); !resp.Reject {
		t.Fatal("carol should be rejected before the policy changes")
	}

	cfg, err := NewConfiguration(DenyRule{}, UserRecord{User: "carol", Password: "pw", Allow: AllowRule{ProxyTypes: DefaultProxyTypes}})
	if err != nil {
		t.Fatal(err)
	}
	h.Store.Replace(cfg)

	if resp := decodeJSON[Response](t, postPlugin(t, h, "/handler?op=Login", login)); resp.Reject {
		t.Errorf("carol should be accepted after the policy changes, got %q", resp.RejectReason)
	}
}

func TestHandler_BodyTooLarge(t *testing.T) {
	h := newTestHandler(t)
	limited := LimitBody(64)(h)

	body := `{"content":{"user":"alice","metas":{"token":"` + strings.Repeat("x", 128) + `"}}}`
	req := httptest.NewRequest(http.MethodPost, "/handler?op=Login", strings.NewReader(body))
	req.ContentLength = -1
	rec := httptest.NewRecorder()
	limited.ServeHTTP(rec, req)

	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("status = %d, want 413", rec.Code)
	}
}

func TestHandler_Decide(t *testing.T) {
	h := newTestHandler(t)

	resp, entry, err := h.Decide(OpNewProxy, json.RawMessage(`{"user":{"user":"alice"},"proxy_name":"ssh","proxy_type":"tcp","remote_port":8001}`))
	if err != nil {
		t.Fatal(err)
	}
	if resp.Reject {
		t.Fatalf("unexpected reject: %s", resp.RejectReason)
	}
	if entry.User != "alice" || entry.ProxyName != "ssh" || entry.RemotePort != "8001" {
		t.Errorf("entry = %+v", entry)
	}
	if entry.Generation != 1 {
		t.Errorf("Generation = %d, want 1", entry.Generation)
	}
}

func TestParseUnknownOpPolicy(t *testing.T) {
	tests := []struct {
		in      string
		want    UnknownOpPolicy
		wantErr bool
	}{
		{"", UnknownOpAllow, false},
		{"allow", UnknownOpAllow, false},
		{"reject", UnknownOpReject, false},
		{"deny", "", true},
	}
	for _, tt := range tests {
		got, err := ParseUnknownOpPolicy(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseUnknownOpPolicy(%q) err = %v", tt.in, err)
		}
		if got != tt.want {
			t.Errorf("ParseUnknownOpPolicy(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
