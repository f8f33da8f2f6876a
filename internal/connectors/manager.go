package connectors

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
)

// Manager owns all configured connectors and their lifecycle.
type Manager struct {
	mu         sync.RWMutex
	connectors map[string]Connector
	order      []string
}

// NewManager creates an empty connector manager.
func NewManager() *Manager {
	return &Manager{connectors: make(map[string]Connector)}
}

// Register adds a connector. Registration order drives start order.
func (m *Manager) Register(c Connector) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.connectors[c.ID()]; !exists {
		m.order = append(m.order, c.ID())
	}
	m.connectors[c.ID()] = c
}

// Get returns a connector by instance id.
func (m *Manager) Get(id string) (Connector, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.connectors[id]
	return c, ok
}

// All returns the connectors in registration order.
func (m *Manager) All() []Connector {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Connector, 0, len(m.order))
	for _, id := range m.order {
		out = append(out, m.connectors[id])
	}
	return out
}

// StartAll starts every connector. A connector that fails to start is
// logged and skipped; the rest keep going.
func (m *Manager) StartAll(ctx context.Context) {
	for _, c := range m.All() {
		if err := c.Start(ctx); err != nil {
			slog.Error("connector failed to start", "connector", c.ID(), "error", err)
			continue
		}
		slog.Info("connector started", "connector", c.ID(), "kind", c.Kind())
	}
}

// StopAll stops connectors in reverse start order.
func (m *Manager) StopAll(ctx context.Context) {
	all := m.All()
	for i := len(all) - 1; i >= 0; i-- {
		if err := all[i].Stop(ctx); err != nil {
			slog.Warn("connector stop failed", "connector", all[i].ID(), "error", err)
		}
	}
}

// Restart stops and restarts one connector.
func (m *Manager) Restart(ctx context.Context, id string) error {
	c, ok := m.Get(id)
	if !ok {
		return fmt.Errorf("connector not found: %s", id)
	}
	if c.IsRunning() {
		if err := c.Stop(ctx); err != nil {
			slog.Warn("connector stop failed during restart", "connector", id, "error", err)
		}
	}
	if err := c.Start(ctx); err != nil {
		return fmt.Errorf("restart connector %s: %w", id, err)
	}
	slog.Info("connector restarted", "connector", id)
	return nil
}

// Statuses reports each connector's run state and health.
func (m *Manager) Statuses(ctx context.Context) map[string]map[string]interface{} {
	statuses := make(map[string]map[string]interface{})
	for _, c := range m.All() {
		status := map[string]interface{}{
			"kind":    c.Kind(),
			"running": c.IsRunning(),
		}
		if c.IsRunning() {
			if err := c.HealthCheck(ctx); err != nil {
				status["healthy"] = false
				status["error"] = err.Error()
			} else {
				status["healthy"] = true
			}
		}
		statuses[c.ID()] = status
	}
	return statuses
}
