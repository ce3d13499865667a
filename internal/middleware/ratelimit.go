// Package middleware carries the HTTP middlewares shared by the registry
// and daemon HTTP surfaces.
package middleware

import (
	"encoding/json"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"golang.org/x/time/rate"
)

// ipLimiter pairs a token bucket with its last access time so stale
// entries can be evicted.
type ipLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

type limiterStore struct {
	limiters sync.Map
	rps      float64
	burst    int
}

func newLimiterStore(rps float64, burst int) *limiterStore {
	s := &limiterStore{rps: rps, burst: burst}
	go s.evictLoop()
	return s
}

func (s *limiterStore) get(ip string) *rate.Limiter {
	now := time.Now()
	if v, ok := s.limiters.Load(ip); ok {
		entry := v.(*ipLimiter)
		entry.lastSeen = now
		return entry.limiter
	}

	entry := &ipLimiter{limiter: rate.NewLimiter(rate.Limit(s.rps), s.burst), lastSeen: now}
	if actual, loaded := s.limiters.LoadOrStore(ip, entry); loaded {
		existing := actual.(*ipLimiter)
		existing.lastSeen = now
		return existing.limiter
	}
	return entry.limiter
}

// evictLoop removes limiters idle for more than 3 minutes.
func (s *limiterStore) evictLoop() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for range ticker.C {
		now := time.Now()
		s.limiters.Range(func(key, value any) bool {
			if now.Sub(value.(*ipLimiter).lastSeen) > 3*time.Minute {
				s.limiters.Delete(key)
			}
			return true
		})
	}
}

// clientIP extracts the peer address, honoring X-Forwarded-For when a
// proxy sits in front of the relay.
func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		if idx := strings.IndexByte(xff, ','); idx != -1 {
			return strings.TrimSpace(xff[:idx])
		}
		return strings.TrimSpace(xff)
	}
	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return ip
}

// RateLimit returns a mux middleware enforcing a per-IP token bucket: rps
// sustained requests per second with the given burst.
func RateLimit(rps float64, burst int) mux.MiddlewareFunc {
	store := newLimiterStore(rps, burst)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !store.get(clientIP(r)).Allow() {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusTooManyRequests)
				json.NewEncoder(w).Encode(map[string]string{"error": "rate limit exceeded"}) //nolint:errcheck
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
