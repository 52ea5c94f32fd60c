package routing

import "testing"

func TestMatch(t *testing.T) {
	tests := []struct {
		name       string
		path       string
		wantOK     bool
		wantTarget Target
	}{
		{name: "generate route", path: "/generate", wantOK: true, wantTarget: TargetGenerate},
		{name: "inpaint route", path: "/inpaint", wantOK: true, wantTarget: TargetInpaint},
		{name: "erase route", path: "/erase", wantOK: true, wantTarget: TargetErase},
		{name: "jobs list", path: "/api/v1/jobs", wantOK: true, wantTarget: TargetJobs},
		{name: "job by id", path: "/api/v1/jobs/5f1c", wantOK: true, wantTarget: TargetJobs},
		{name: "websocket route", path: "/ws", wantOK: true, wantTarget: TargetEvents},
		{name: "health probe", path: "/healthz", wantOK: true, wantTarget: TargetProbe},
		{name: "unknown route", path: "/generate/extra", wantOK: false},
		{name: "root", path: "/", wantOK: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			target, ok := Match(tt.path)
			if ok != tt.wantOK {
				t.Fatalf("Match() ok = %v, want %v", ok, tt.wantOK)
			}
			if target != tt.wantTarget {
				t.Fatalf("Match() target = %q, want %q", target, tt.wantTarget)
			}
		})
	}
}

func TestLabel(t *testing.T) {
	tests := map[string]string{
		"/generate":        "/generate",
		"/api/v1/jobs/abc": "/api/v1/jobs/*",
		"/api/v1/jobs":     "/api/v1/jobs/*",
		"/metrics":         "/metrics",
		"/ws":              "/ws",
		"/favicon.ico":     "other",
	}

	for path, want := range tests {
		if got := Label(path); got != want {
			t.Errorf("Label(%q) = %q, want %q", path, got, want)
		}
	}
}

func TestPublic(t *testing.T) {
	if !Public("/readyz") {
		t.Fatalf("/readyz should be public")
	}
	if Public("/generate") {
		t.Fatalf("/generate should require auth")
	}
}
