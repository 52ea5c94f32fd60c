package ratelimit

import (
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/dreschagin/image-studio/internal/httpx"
	studiometrics "github.com/dreschagin/image-studio/internal/metrics"
	"golang.org/x/time/rate"
)

const (
	maxTrackedClients = 10_000
	clientIdleTTL     = 10 * time.Minute
)

type clientLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// Limiter applies a gateway-wide budget and a per-client budget.
type Limiter struct {
	global  *rate.Limiter
	clients map[string]*clientLimiter
	mu      sync.Mutex

	clientRPS  rate.Limit
	burst      int
	trustProxy bool
	now        func() time.Time
}

// New builds a limiter. With trustProxy the client is taken from the first
// X-Forwarded-For entry; otherwise only the connection address counts.
func New(globalRPS, clientRPS float64, burst int, trustProxy bool) *Limiter {
	return &Limiter{
		global:     rate.NewLimiter(rate.Limit(globalRPS), burst),
		clients:    make(map[string]*clientLimiter),
		clientRPS:  rate.Limit(clientRPS),
		burst:      burst,
		trustProxy: trustProxy,
		now:        time.Now,
	}
}

func (l *Limiter) Middleware(metrics *studiometrics.Metrics, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodOptions {
			next.ServeHTTP(w, r)
			return
		}

		if !l.allow(clientIP(r, l.trustProxy)) {
			metrics.RateLimitDropped.Inc()
			w.Header().Set("Retry-After", strconv.Itoa(l.retryAfterSeconds()))
			httpx.WriteError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (l *Limiter) allow(ip string) bool {
	if !l.global.Allow() {
		return false
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	item, ok := l.clients[ip]
	if !ok {
		item = &clientLimiter{limiter: rate.NewLimiter(l.clientRPS, l.burst)}
		l.clients[ip] = item
	}
	item.lastSeen = now

	if len(l.clients) > maxTrackedClients {
		l.cleanupLocked(now.Add(-clientIdleTTL))
	}

	return item.limiter.Allow()
}

func (l *Limiter) cleanupLocked(threshold time.Time) {
	for ip, entry := range l.clients {
		if entry.lastSeen.Before(threshold) {
			delete(l.clients, ip)
		}
	}
}

func (l *Limiter) retryAfterSeconds() int {
	if l.clientRPS <= 0 {
		return 1
	}
	return int(math.Max(1, math.Ceil(1/float64(l.clientRPS))))
}

func clientIP(r *http.Request, trustProxy bool) string {
	if trustProxy {
		if forwardedFor := strings.TrimSpace(r.Header.Get("X-Forwarded-For")); forwardedFor != "" {
			parts := strings.Split(forwardedFor, ",")
			if first := strings.TrimSpace(parts[0]); first != "" {
				return first
			}
		}
	}

	host, _, err := net.SplitHostPort(strings.TrimSpace(r.RemoteAddr))
	if err != nil {
		return r.RemoteAddr
	}

	return host
}
