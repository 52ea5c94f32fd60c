package readiness

import (
	"context"
	"errors"
	"strings"
	"testing"

	studiometrics "github.com/dreschagin/image-studio/internal/metrics"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

type fakeLister struct {
	engines []string
	err     error
}

func (f *fakeLister) ListEngines(context.Context) ([]string, error) {
	return f.engines, f.err
}

func TestStabilityChecker(t *testing.T) {
	tests := []struct {
		name    string
		lister  *fakeLister
		wantErr string
	}{
		{name: "engine listed", lister: &fakeLister{engines: []string{"esrgan-v1-x2plus", "stable-diffusion-v1-6"}}},
		{name: "engine missing", lister: &fakeLister{engines: []string{"esrgan-v1-x2plus"}}, wantErr: "not offered"},
		{name: "upstream error", lister: &fakeLister{err: errors.New("401 unauthorized")}, wantErr: "list engines"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			checker := NewStabilityChecker(tt.lister, "stable-diffusion-v1-6")
			_, err := checker.Check(context.Background())
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("Check() error = %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("Check() error = %v, want %q", err, tt.wantErr)
			}
		})
	}
}

func TestManagerRefresh(t *testing.T) {
	metrics := studiometrics.New(prometheus.NewRegistry())
	lister := &fakeLister{engines: []string{"stable-diffusion-v1-6"}}
	manager := NewManager(NewStabilityChecker(lister, "stable-diffusion-v1-6"), 0, metrics)

	if manager.Ready() {
		t.Fatalf("manager ready before first probe")
	}
	if _, ok := manager.Status(); ok {
		t.Fatalf("status present before first probe")
	}

	if err := manager.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh() error = %v", err)
	}
	status, ok := manager.Status()
	if !ok || !manager.Ready() || status.CheckedAt.IsZero() {
		t.Fatalf("Status() = %+v, %v", status, ok)
	}

	lister.err = errors.New("timeout")
	if err := manager.Refresh(context.Background()); err == nil {
		t.Fatalf("expected refresh error")
	}
	if manager.Ready() || manager.LastError() == nil {
		t.Fatalf("manager should be unready with last error")
	}
	if _, ok := manager.Status(); ok {
		t.Fatalf("stale status should not be reported as ready")
	}

	if got := testutil.ToFloat64(metrics.ReadinessProbes); got != 2 {
		t.Fatalf("probes = %v, want 2", got)
	}
	if got := testutil.ToFloat64(metrics.ReadinessErrors); got != 1 {
		t.Fatalf("errors = %v, want 1", got)
	}
}

func TestAllJoinsFailures(t *testing.T) {
	checker := All{
		StaticChecker{Detail: "static"},
		PingFunc{Name: "redis", Ping: func(context.Context) error { return errors.New("connection refused") }},
		PingFunc{Name: "history", Ping: func(context.Context) error { return nil }},
	}

	_, err := checker.Check(context.Background())
	if err == nil || !strings.Contains(err.Error(), "redis: connection refused") {
		t.Fatalf("Check() error = %v", err)
	}

	detail, err := All{StaticChecker{Detail: "a"}, StaticChecker{Detail: "b"}}.Check(context.Background())
	if err != nil || detail != "a; b" {
		t.Fatalf("Check() = %q, %v", detail, err)
	}
}
