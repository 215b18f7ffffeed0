package serv

import (
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	cache "github.com/go-pkgz/expirable-cache/v2"
	"github.com/pkg/errors"
)

// ErrRateLimited is returned when a client exhausts its fixed window
// budget. It is a throttling outcome, not a validation denial.
var ErrRateLimited = errors.New("rate limit exceeded")

// window is one client's fixed-window counter. The counter resets when
// the window elapses; no partial credit carries over.
type window struct {
	start time.Time
	count int
}

// rateLimiter tracks per-client fixed windows. State is bounded: idle
// clients expire from the cache and the key count is capped, so memory
// does not grow with the total number of clients ever seen.
type rateLimiter struct {
	conf RateLimiter

	mu      sync.Mutex
	windows cache.Cache[string, *window]

	nowFn func() time.Time
}

func newRateLimiter(conf RateLimiter) *rateLimiter {
	if conf.MaxClients <= 0 {
		conf.MaxClients = 10000
	}
	c := cache.NewCache[string, *window]().
		WithTTL(conf.Window * 2).
		WithMaxKeys(conf.MaxClients).
		WithLRU()
	return &rateLimiter{conf: conf, windows: c, nowFn: time.Now}
}

// Allow counts one request for the client and reports whether it fits
// the current window's budget. The Nth request in a window is allowed,
// the N+1th is not.
func (rl *rateLimiter) Allow(client string) bool {
	now := rl.nowFn()

	rl.mu.Lock()
	defer rl.mu.Unlock()

	win, ok := rl.windows.Get(client)
	if !ok {
		win = &window{start: now}
		rl.windows.Set(client, win, 0)
	}

	if now.Sub(win.start) >= rl.conf.Window {
		win.start = now
		win.count = 0
	}
	if win.count >= rl.conf.Requests {
		return false
	}
	win.count++
	return true
}

// rateLimited throttles requests per client identity. Requests over
// budget get a 429, distinct from the 400 a policy denial produces.
func rateLimited(s *Service) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if s.limiter == nil {
				next.ServeHTTP(w, r)
				return
			}
			if !s.limiter.Allow(clientIP(r, s.conf.RateLimiter.IPHeader)) {
				writeJSONError(w, http.StatusTooManyRequests, ErrRateLimited.Error())
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// clientIP resolves the client identity, preferring the configured
// header (e.g. X-Forwarded-For) over the socket address.
func clientIP(r *http.Request, header string) string {
	if header != "" {
		if v := r.Header.Get(header); v != "" {
			if i := strings.IndexByte(v, ','); i >= 0 {
				v = v[:i]
			}
			return strings.TrimSpace(v)
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
