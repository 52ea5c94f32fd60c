package httpx

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestWithRequestID(t *testing.T) {
	var seen string
	handler := WithRequestID(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		seen = RequestID(r)
	}))

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/generate", nil))
	if seen == "" || rr.Header().Get("X-Request-Id") != seen {
		t.Fatalf("generated id not propagated: seen=%q header=%q", seen, rr.Header().Get("X-Request-Id"))
	}

	req := httptest.NewRequest(http.MethodGet, "/generate", nil)
	req.Header.Set("X-Request-Id", "abc-123")
	rr = httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	if seen != "abc-123" {
		t.Fatalf("incoming id was replaced: %q", seen)
	}
}

func TestWithCORS(t *testing.T) {
	next := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	tests := []struct {
		name        string
		origins     []string
		method      string
		origin      string
		preflight   bool
		wantStatus  int
		wantAllowed string
	}{
		{name: "wildcard", origins: []string{"*"}, method: http.MethodPost, origin: "http://localhost:3000", wantStatus: http.StatusOK, wantAllowed: "*"},
		{name: "listed origin", origins: []string{"http://localhost:3000"}, method: http.MethodPost, origin: "http://localhost:3000", wantStatus: http.StatusOK, wantAllowed: "http://localhost:3000"},
		{name: "unlisted origin", origins: []string{"http://localhost:3000"}, method: http.MethodPost, origin: "http://evil.test", wantStatus: http.StatusOK, wantAllowed: ""},
		{name: "preflight", origins: []string{"*"}, method: http.MethodOptions, origin: "http://localhost:3000", preflight: true, wantStatus: http.StatusNoContent, wantAllowed: "*"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, "/inpaint", nil)
			req.Header.Set("Origin", tt.origin)
			if tt.preflight {
				req.Header.Set("Access-Control-Request-Method", http.MethodPost)
			}
			rr := httptest.NewRecorder()

			WithCORS(tt.origins, next).ServeHTTP(rr, req)

			if rr.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d", rr.Code, tt.wantStatus)
			}
			if got := rr.Header().Get("Access-Control-Allow-Origin"); got != tt.wantAllowed {
				t.Fatalf("Allow-Origin = %q, want %q", got, tt.wantAllowed)
			}
		})
	}
}

func TestWithRecovery(t *testing.T) {
	var logs bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&logs, nil))
	handler := WithRecovery(logger, http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/erase", nil))

	if rr.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d", rr.Code)
	}
	var body map[string]string
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body["error"] == "" {
		t.Fatalf("missing error field: %s", rr.Body.String())
	}
	if !strings.Contains(logs.String(), "handler panic") {
		t.Fatalf("panic not logged: %s", logs.String())
	}
}
