package ratelimit

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	studiometrics "github.com/dreschagin/image-studio/internal/metrics"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMiddlewarePerClientBudget(t *testing.T) {
	metrics := studiometrics.New(prometheus.NewRegistry())
	limiter := New(1000, 0.001, 2, false)
	handler := limiter.Middleware(metrics, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	send := func(remote string) int {
		req := httptest.NewRequest(http.MethodPost, "/generate", nil)
		req.RemoteAddr = remote
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, req)
		return rr.Code
	}

	for i := 0; i < 2; i++ {
		if code := send("10.0.0.1:5555"); code != http.StatusOK {
			t.Fatalf("request %d status = %d, want 200", i, code)
		}
	}
	if code := send("10.0.0.1:5556"); code != http.StatusTooManyRequests {
		t.Fatalf("third request status = %d, want 429", code)
	}
	if code := send("10.0.0.2:5555"); code != http.StatusOK {
		t.Fatalf("other client status = %d, want 200", code)
	}

	if got := testutil.ToFloat64(metrics.RateLimitDropped); got != 1 {
		t.Fatalf("dropped = %v, want 1", got)
	}
}

func TestMiddlewareGlobalBudget(t *testing.T) {
	metrics := studiometrics.New(prometheus.NewRegistry())
	limiter := New(0.001, 1000, 1, false)
	handler := limiter.Middleware(metrics, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	codes := make([]int, 0, 2)
	for _, remote := range []string{"10.0.0.1:1", "10.0.0.2:1"} {
		req := httptest.NewRequest(http.MethodPost, "/erase", nil)
		req.RemoteAddr = remote
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, req)
		codes = append(codes, rr.Code)
		if rr.Code == http.StatusTooManyRequests && rr.Header().Get("Retry-After") == "" {
			t.Fatalf("429 without Retry-After")
		}
	}

	if codes[0] != http.StatusOK || codes[1] != http.StatusTooManyRequests {
		t.Fatalf("codes = %v, want [200 429]", codes)
	}
}

func TestCleanupDropsIdleClients(t *testing.T) {
	limiter := New(100, 100, 10, false)
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	limiter.now = func() time.Time { return now }

	limiter.allow("10.0.0.1")
	now = now.Add(time.Hour)
	limiter.allow("10.0.0.2")

	limiter.mu.Lock()
	limiter.cleanupLocked(now.Add(-clientIdleTTL))
	_, staleKept := limiter.clients["10.0.0.1"]
	_, freshKept := limiter.clients["10.0.0.2"]
	limiter.mu.Unlock()

	if staleKept || !freshKept {
		t.Fatalf("stale kept = %v, fresh kept = %v", staleKept, freshKept)
	}
}

func TestClientIP(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "192.168.1.5:4000"
	if got := clientIP(req, true); got != "192.168.1.5" {
		t.Fatalf("clientIP = %q", got)
	}

	req.Header.Set("X-Forwarded-For", "203.0.113.7, 10.0.0.1")
	if got := clientIP(req, true); got != "203.0.113.7" {
		t.Fatalf("clientIP with trusted XFF = %q", got)
	}
	if got := clientIP(req, false); got != "192.168.1.5" {
		t.Fatalf("clientIP with untrusted XFF = %q", got)
	}
}

func TestForwardedForOnlyTrustedBehindProxy(t *testing.T) {
	tests := []struct {
		name       string
		trustProxy bool
		want       []int
	}{
		{name: "direct clients cannot spoof", trustProxy: false, want: []int{http.StatusOK, http.StatusTooManyRequests}},
		{name: "proxy supplies client address", trustProxy: true, want: []int{http.StatusOK, http.StatusOK}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			metrics := studiometrics.New(prometheus.NewRegistry())
			limiter := New(1000, 0.001, 1, tt.trustProxy)
			handler := limiter.Middleware(metrics, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(http.StatusOK)
			}))

			for i, forwarded := range []string{"203.0.113.1", "203.0.113.2, 10.0.0.9"} {
				req := httptest.NewRequest(http.MethodPost, "/generate", nil)
				req.RemoteAddr = "10.0.0.9:4000"
				req.Header.Set("X-Forwarded-For", forwarded)
				rr := httptest.NewRecorder()
				handler.ServeHTTP(rr, req)
				if rr.Code != tt.want[i] {
					t.Fatalf("request %d status = %d, want %d", i, rr.Code, tt.want[i])
				}
			}
		})
	}
}
