package frpauth

import (
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestCheckBodySize(t *testing.T) {
	t.Run("declared length over limit", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/handler", strings.NewReader(strings.Repeat("a", 100)))
		err := CheckBodySize(httptest.NewRecorder(), req, 10)
		if !errors.Is(err, ErrBodyTooLarge) {
			t.Errorf("err = %v, want ErrBodyTooLarge", err)
		}
	})

	t.Run("chunked body over limit", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/handler", strings.NewReader(strings.Repeat("a", 100)))
		req.ContentLength = -1
		if err := CheckBodySize(httptest.NewRecorder(), req, 10); err != nil {
			t.Fatal(err)
		}
		_, err := io.ReadAll(req.Body)
		var mbe *http.MaxBytesError
		if !errors.As(err, &mbe) {
			t.Fatalf("read err = %v, want *http.MaxBytesError", err)
		}
		if mbe.Limit != 10 {
			t.Errorf("Limit = %d, want 10", mbe.Limit)
		}
	})

	t.Run("within limit", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/handler", strings.NewReader("hello"))
		if err := CheckBodySize(httptest.NewRecorder(), req, 10); err != nil {
			t.Fatal(err)
		}
		body, err := io.ReadAll(req.Body)
		if err != nil || string(body) != "hello" {
			t.Errorf("body = %q, %v", body, err)
		}
	})

	t.Run("no limit", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/handler", strings.NewReader(strings.Repeat("a", 100)))
		if err := CheckBodySize(httptest.NewRecorder(), req, 0); err != nil {
			t.Fatal(err)
		}
	})
}

func TestLimitBody(t *testing.T) {
	var called bool
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
		w.WriteHeader(http.StatusOK)
	})
	h := LimitBody(16)(next)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/handler", strings.NewReader(strings.Repeat("a", 17))))
	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("status = %d, want 413", rec.Code)
	}
	if called {
		t.Error("next handler should not run")
	}
	resp := decodeJSON[ErrorResponse](t, rec)
	if !strings.Contains(resp.Error, "request body too large") {
		t.Errorf("error = %q", resp.Error)
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/handler", strings.NewReader("{}")))
	if rec.Code != http.StatusOK || !called {
		t.Errorf("small body: status %d, called %v", rec.Code, called)
	}
}
