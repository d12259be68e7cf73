package api

import (
	"net"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Logging logs one line per request. It does not wrap the ResponseWriter,
// so hijacking and flushing keep working.
func Logging(log *zap.SugaredLogger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		log.Debugw("http request", "method", r.Method, "path", r.URL.Path, "duration", time.Since(start).String())
	})
}

// limiterIdleTTL is how long a client's bucket survives without requests.
const limiterIdleTTL = 10 * time.Minute

// IPLimiter is a token bucket per client IP. A zero rps disables it.
// Buckets idle for limiterIdleTTL are dropped.
type IPLimiter struct {
	rps   int
	burst int
	nowFn func() time.Time

	mu        sync.Mutex
	buckets   map[string]*ipBucket
	lastSweep time.Time
}

type ipBucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

func NewIPLimiter(rps, burst int) *IPLimiter {
	if burst <= 0 {
		burst = rps
	}
	return &IPLimiter{rps: rps, burst: burst, nowFn: time.Now, buckets: map[string]*ipBucket{}}
}

func (l *IPLimiter) Allow(r *http.Request) bool {
	if l == nil || l.rps <= 0 {
		return true
	}
	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		ip = r.RemoteAddr
	}
	now := l.nowFn()

	l.mu.Lock()
	if now.Sub(l.lastSweep) >= limiterIdleTTL {
		for key, b := range l.buckets {
			if now.Sub(b.lastSeen) >= limiterIdleTTL {
				delete(l.buckets, key)
			}
		}
		l.lastSweep = now
	}
	b, ok := l.buckets[ip]
	if !ok {
		b = &ipBucket{limiter: rate.NewLimiter(rate.Limit(l.rps), l.burst)}
		l.buckets[ip] = b
	}
	b.lastSeen = now
	l.mu.Unlock()
	return b.limiter.AllowN(now, 1)
}
