// Package health aggregates component liveness checks for the operator
// surface.
package health

import (
	"sync"

	"grid_trader/internal/core"
)

// Manager runs registered checks on demand. Checks must be cheap; they run
// inline on every probe.
type Manager struct {
	logger core.ILogger
	mu     sync.RWMutex
	checks map[string]func() error
}

// NewManager creates an empty health manager.
func NewManager(logger core.ILogger) *Manager {
	m := &Manager{checks: make(map[string]func() error)}
	if logger != nil {
		m.logger = logger.WithField("component", "health")
	}
	return m
}

// Register adds a named check. Registering the same name again replaces the
// previous check.
func (m *Manager) Register(component string, check func() error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checks[component] = check
}

// Status reports every component as "healthy" or its failure message.
func (m *Manager) Status() map[string]string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	status := make(map[string]string, len(m.checks))
	for component, check := range m.checks {
		if err := check(); err != nil {
			status[component] = "unhealthy: " + err.Error()
			if m.logger != nil {
				m.logger.Warn("Health check failed", "component", component, "error", err.Error())
			}
		} else {
			status[component] = "healthy"
		}
	}
	return status
}

// Healthy reports whether every registered check passes.
func (m *Manager) Healthy() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, check := range m.checks {
		if err := check(); err != nil {
			return false
		}
	}
	return true
}
