package middleware

import (
	"encoding/json"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimitConfig holds configuration for the rate limiter middleware.
type RateLimitConfig struct {
	// RequestsPerSecond is the sustained rate limit (tokens added per second).
	RequestsPerSecond float64
	// Burst is the maximum number of requests allowed in a burst.
	Burst int
	// IdleTimeout drops the limiter of a client idle for that long
	// (default 10m).
	IdleTimeout time.Duration
}

type clientLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// limiterStore holds one token bucket per client. Idle buckets are dropped
// lazily while serving requests.
type limiterStore struct {
	mu        sync.Mutex
	cfg       RateLimitConfig
	clients   map[string]*clientLimiter
	lastSweep time.Time
	now       func() time.Time
}

func (s *limiterStore) get(client string) *rate.Limiter {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if now.Sub(s.lastSweep) > s.cfg.IdleTimeout/2 {
		for k, cl := range s.clients {
			if now.Sub(cl.lastSeen) > s.cfg.IdleTimeout {
				delete(s.clients, k)
			}
		}
		s.lastSweep = now
	}

	cl, ok := s.clients[client]
	if !ok {
		cl = &clientLimiter{limiter: rate.NewLimiter(rate.Limit(s.cfg.RequestsPerSecond), s.cfg.Burst)}
		s.clients[client] = cl
	}
	cl.lastSeen = now
	return cl.limiter
}

func (s *limiterStore) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients)
}

// RateLimiter returns an HTTP middleware enforcing a token-bucket limit per
// client. Clients are identified by their authenticated user, or by remote IP
// when the request carries none. Over the limit it responds 429 with a
// Retry-After header.
func RateLimiter(cfg RateLimitConfig) func(http.Handler) http.Handler {
	return newRateLimiter(cfg, time.Now).middleware
}

func newRateLimiter(cfg RateLimitConfig, now func() time.Time) *limiterStore {
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = 10 * time.Minute
	}
	return &limiterStore{cfg: cfg, clients: map[string]*clientLimiter{}, now: now, lastSweep: now()}
}

func (s *limiterStore) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		client, ok := UserFromContext(r.Context())
		if !ok {
			client = "ip:" + clientIP(r)
		}
		limiter := s.get(client)

		reservation := limiter.ReserveN(s.now(), 1)
		if !reservation.OK() {
			writeTooManyRequests(w, 0)
			return
		}
		if delay := reservation.DelayFrom(s.now()); delay > 0 {
			reservation.CancelAt(s.now())
			writeTooManyRequests(w, int(delay.Seconds())+1)
			return
		}

		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(s.cfg.Burst))
		w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(int(limiter.TokensAt(s.now()))))
		next.ServeHTTP(w, r)
	})
}

// clientIP returns the host part of RemoteAddr. X-Forwarded-For is ignored as
// it can be spoofed.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func writeTooManyRequests(w http.ResponseWriter, retryAfterSecs int) {
	if retryAfterSecs > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(retryAfterSecs))
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusTooManyRequests)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"code":    http.StatusTooManyRequests,
		"message": "rate limit exceeded",
	})
}
