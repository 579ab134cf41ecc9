package server

import (
	"crypto/subtle"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// bearerToken extracts the presented credential: the X-API-Token
// header wins, then the Authorization bearer.
func bearerToken(r *http.Request) string {
	if tok := r.Header.Get("X-API-Token"); tok != "" {
		return tok
	}
	auth := r.Header.Get("Authorization")
	if after, ok := strings.CutPrefix(auth, "Bearer "); ok {
		return strings.TrimSpace(after)
	}
	return ""
}

// requireClientToken gates the client API on the configured tokens,
// comparing in constant time against every entry.
func (s *Server) requireClientToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tok := bearerToken(r)
		if tok == "" {
			w.Header().Set("WWW-Authenticate", "Bearer")
			writeErr(w, http.StatusUnauthorized, "missing authentication token")
			return
		}
		authorized := false
		for _, val := range s.svc.Config().AuthorizedTokens {
			if subtle.ConstantTimeCompare([]byte(tok), []byte(val)) == 1 {
				authorized = true
			}
		}
		if !authorized {
			w.Header().Set("WWW-Authenticate", "Bearer")
			writeErr(w, http.StatusUnauthorized, "invalid or expired token")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// ipLimiter is a per-client token bucket. Buckets idle for an hour are
// dropped on the next sweep.
type ipLimiter struct {
	perMinute func() int

	mu      sync.Mutex
	buckets map[string]*bucket
	swept   time.Time
}

type bucket struct {
	lim    *rate.Limiter
	perMin int
	seen   time.Time
}

const bucketIdle = time.Hour

func newIPLimiter(perMinute func() int) *ipLimiter {
	return &ipLimiter{
		perMinute: perMinute,
		buckets:   make(map[string]*bucket),
		swept:     time.Now(),
	}
}

func (l *ipLimiter) allow(ip string) bool {
	perMin := l.perMinute()
	now := time.Now()

	l.mu.Lock()
	defer l.mu.Unlock()

	if now.Sub(l.swept) > bucketIdle {
		for key, b := range l.buckets {
			if now.Sub(b.seen) > bucketIdle {
				delete(l.buckets, key)
			}
		}
		l.swept = now
	}

	b, ok := l.buckets[ip]
	if !ok {
		b = &bucket{lim: rate.NewLimiter(rate.Limit(float64(perMin)/60.0), perMin), perMin: perMin}
		l.buckets[ip] = b
	}
	// A config reload changes the budget for existing buckets too.
	if b.perMin != perMin {
		b.lim.SetLimit(rate.Limit(float64(perMin) / 60.0))
		b.lim.SetBurst(perMin)
		b.perMin = perMin
	}
	b.seen = now
	return b.lim.Allow()
}

// rateLimit rejects clients that exceed the per-IP budget.
func (s *Server) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			ip = r.RemoteAddr
		}
		if !s.limiter.allow(ip) {
			writeErr(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}
