package frpauth

import (
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimiter throttles requests per client IP, one token bucket each. It
// guards the admin endpoints, where POST /reload reads the policy file from
// disk on every call that passes the debounce window.
type RateLimiter struct {
	// Rate is the number of requests permitted per second per client.
	Rate float64

	// Burst is the number of requests a client can make back to back.
	Burst int

	// NowFunc returns the current time. Defaults to time.Now.
	// Exposed for testing.
	NowFunc func() time.Time

	mu      sync.Mutex
	buckets map[string]*rate.Limiter
}

// maxIdleBuckets bounds how many idle clients are remembered before the
// map is pruned.
const maxIdleBuckets = 1024

// NewRateLimiter creates a per-client rate limiter.
func NewRateLimiter(perSecond float64, burst int) *RateLimiter {
	if burst < 1 {
		burst = 1
	}
	return &RateLimiter{
		Rate:    perSecond,
		Burst:   burst,
		buckets: make(map[string]*rate.Limiter),
	}
}

func (rl *RateLimiter) now() time.Time {
	if rl.NowFunc != nil {
		return rl.NowFunc()
	}
	return time.Now()
}

// Allow reports whether a request from addr (host or host:port) may
// proceed, consuming a token if so.
func (rl *RateLimiter) Allow(addr string) bool {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		host = addr
	}

	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()

	lim, ok := rl.buckets[host]
	if !ok {
		if len(rl.buckets) >= maxIdleBuckets {
			rl.prune(now)
		}
		lim = rate.NewLimiter(rate.Limit(rl.Rate), rl.Burst)
		rl.buckets[host] = lim
	}
	return lim.AllowN(now, 1)
}

// prune drops limiters that have refilled completely; they are
// indistinguishable from a new client. Callers hold mu.
func (rl *RateLimiter) prune(now time.Time) {
	for key, lim := range rl.buckets {
		if lim.TokensAt(now) >= float64(rl.Burst) {
			delete(rl.buckets, key)
		}
	}
}

// ClientCount returns the number of tracked clients.
func (rl *RateLimiter) ClientCount() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.buckets)
}

// Middleware answers 429 with a JSON error when the client is throttled.
func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !rl.Allow(r.RemoteAddr) {
			w.Header().Set("Retry-After", "1")
			writeJSON(w, http.StatusTooManyRequests, ErrorResponse{Error: "rate limit exceeded"}, nil)
			return
		}
		next.ServeHTTP(w, r)
	})
}
