package readiness

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// EngineLister is the part of the upstream client the probe needs.
type EngineLister interface {
	ListEngines(ctx context.Context) ([]string, error)
}

// StabilityChecker is ready when the upstream lists the configured engine.
type StabilityChecker struct {
	lister   EngineLister
	engineID string
}

func NewStabilityChecker(lister EngineLister, engineID string) *StabilityChecker {
	return &StabilityChecker{lister: lister, engineID: engineID}
}

func (c *StabilityChecker) Check(ctx context.Context) (string, error) {
	engines, err := c.lister.ListEngines(ctx)
	if err != nil {
		return "", fmt.Errorf("list engines: %w", err)
	}
	for _, id := range engines {
		if id == c.engineID {
			return "engine " + id + " available", nil
		}
	}
	return "", fmt.Errorf("engine %q not offered by upstream (%d engines listed)", c.engineID, len(engines))
}

// StaticChecker always reports ready. It backs /readyz when probing is off.
type StaticChecker struct {
	Detail string
}

func (c StaticChecker) Check(context.Context) (string, error) {
	return c.Detail, nil
}

// PingFunc adapts a dependency ping (redis, sql) into a Checker.
type PingFunc struct {
	Name string
	Ping func(ctx context.Context) error
}

func (p PingFunc) Check(ctx context.Context) (string, error) {
	if err := p.Ping(ctx); err != nil {
		return "", fmt.Errorf("%s: %w", p.Name, err)
	}
	return p.Name + " ok", nil
}

// All runs every checker and fails if any of them fails.
type All []Checker

func (a All) Check(ctx context.Context) (string, error) {
	details := make([]string, 0, len(a))
	var errs []error
	for _, checker := range a {
		detail, err := checker.Check(ctx)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		details = append(details, detail)
	}
	if len(errs) > 0 {
		return "", errors.Join(errs...)
	}
	return strings.Join(details, "; "), nil
}
