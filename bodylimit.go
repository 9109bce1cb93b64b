package frpauth

import (
	"errors"
	"fmt"
	"net/http"
)

// Common body size constants for convenience.
const (
	KB = 1024
	MB = 1024 * KB
)

// DefaultMaxBodySize bounds a plugin request body. frps payloads are a few
// hundred bytes.
const DefaultMaxBodySize = 1 * MB

// ErrBodyTooLarge is returned when the request body exceeds the configured limit.
var ErrBodyTooLarge = errors.New("request body too large")

// CheckBodySize rejects a request whose declared Content-Length exceeds
// maxSize, and caps the body reader at maxSize so that chunked bodies fail
// with *http.MaxBytesError once the limit is crossed. Zero means no limit.
func CheckBodySize(w http.ResponseWriter, r *http.Request, maxSize int64) error {
	if maxSize <= 0 {
		return nil
	}
	if r.ContentLength > maxSize {
		return fmt.Errorf("%w: content-length %d exceeds limit %d", ErrBodyTooLarge, r.ContentLength, maxSize)
	}
	if r.Body != nil && r.Body != http.NoBody {
		r.Body = http.MaxBytesReader(w, r.Body, maxSize)
	}
	return nil
}

// LimitBody returns middleware that enforces maxSize on request bodies.
func LimitBody(maxSize int64) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if err := CheckBodySize(w, r, maxSize); err != nil {
				writeJSON(w, http.StatusRequestEntityTooLarge, ErrorResponse{Error: err.Error()}, nil)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
