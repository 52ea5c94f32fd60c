package handler

import (
	"net/http"

	"github.com/dreschagin/image-studio/internal/httpx"
	"github.com/dreschagin/image-studio/internal/readiness"
)

// ReadinessSource reports the last readiness probe.
type ReadinessSource interface {
	Status() (readiness.Status, bool)
	LastError() error
}

func Healthz(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func Readyz(source ReadinessSource) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		status, ready := source.Status()
		if !ready {
			message := "not ready"
			if err := source.LastError(); err != nil {
				message = err.Error()
			}
			httpx.WriteJSON(w, http.StatusServiceUnavailable, map[string]string{
				"status": "not ready",
				"error":  message,
			})
			return
		}

		httpx.WriteJSON(w, http.StatusOK, map[string]interface{}{
			"status":     "ready",
			"detail":     status.Detail,
			"checked_at": status.CheckedAt,
		})
	}
}
