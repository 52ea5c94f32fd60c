package readiness

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	studiometrics "github.com/dreschagin/image-studio/internal/metrics"
)

// Status is the outcome of the last successful probe.
type Status struct {
	Detail    string    `json:"detail"`
	CheckedAt time.Time `json:"checked_at"`
}

// Checker probes one dependency and describes what it found.
type Checker interface {
	Check(ctx context.Context) (string, error)
}

// Manager periodically re-runs a Checker and remembers the result.
type Manager struct {
	checker         Checker
	refreshInterval time.Duration
	metrics         *studiometrics.Metrics

	status atomic.Pointer[Status]
	ready  atomic.Bool

	lastErrMu sync.RWMutex
	lastErr   error
}

func NewManager(checker Checker, refreshInterval time.Duration, metrics *studiometrics.Metrics) *Manager {
	return &Manager{
		checker:         checker,
		refreshInterval: refreshInterval,
		metrics:         metrics,
	}
}

func (m *Manager) Refresh(ctx context.Context) error {
	if m.metrics != nil {
		m.metrics.ReadinessProbes.Inc()
	}

	detail, err := m.checker.Check(ctx)
	if err != nil {
		if m.metrics != nil {
			m.metrics.ReadinessErrors.Inc()
		}
		m.ready.Store(false)
		m.setLastErr(err)
		return err
	}

	m.status.Store(&Status{Detail: detail, CheckedAt: time.Now().UTC()})
	m.ready.Store(true)
	m.setLastErr(nil)
	return nil
}

func (m *Manager) Start(ctx context.Context, logger *slog.Logger) {
	ticker := time.NewTicker(m.refreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			refreshCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			err := m.Refresh(refreshCtx)
			cancel()
			if err != nil {
				logger.Error("readiness probe failed", "error", err)
				continue
			}
			logger.Debug("readiness probe succeeded")
		}
	}
}

func (m *Manager) Status() (Status, bool) {
	current := m.status.Load()
	if current == nil {
		return Status{}, false
	}
	return *current, m.ready.Load()
}

func (m *Manager) Ready() bool {
	return m.ready.Load()
}

func (m *Manager) LastError() error {
	m.lastErrMu.RLock()
	defer m.lastErrMu.RUnlock()
	return m.lastErr
}

func (m *Manager) setLastErr(err error) {
	m.lastErrMu.Lock()
	defer m.lastErrMu.Unlock()
	m.lastErr = err
}
