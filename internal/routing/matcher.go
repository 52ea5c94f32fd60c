package routing

import "strings"

// Target defines a gateway route group.
type Target string

const (
	TargetGenerate Target = "generate"
	TargetInpaint  Target = "inpaint"
	TargetErase    Target = "erase"
	TargetJobs     Target = "jobs"
	TargetEvents   Target = "events"
	TargetProbe    Target = "probe"
)

// Match resolves incoming path to a route group.
func Match(path string) (Target, bool) {
	switch {
	case path == "/generate":
		return TargetGenerate, true
	case path == "/inpaint":
		return TargetInpaint, true
	case path == "/erase":
		return TargetErase, true
	case path == "/api/v1/jobs" || strings.HasPrefix(path, "/api/v1/jobs/"):
		return TargetJobs, true
	case path == "/ws":
		return TargetEvents, true
	case path == "/healthz" || path == "/readyz" || path == "/metrics":
		return TargetProbe, true
	default:
		return "", false
	}
}

// Label returns a low-cardinality route name for metrics.
func Label(path string) string {
	target, ok := Match(path)
	if !ok {
		return "other"
	}
	switch target {
	case TargetProbe, TargetEvents:
		return path
	case TargetJobs:
		return "/api/v1/jobs/*"
	default:
		return "/" + string(target)
	}
}

// Public reports whether path is served without authentication.
func Public(path string) bool {
	target, ok := Match(path)
	return ok && target == TargetProbe
}
