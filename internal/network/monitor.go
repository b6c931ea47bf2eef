// Package network tracks whether the backend is reachable and announces
// transitions on the bus.
package network

import (
	"sync"

	"github.com/cherrygifts/cherrychat/internal/bus"
	"go.uber.org/zap"
)

// Monitor holds the current connectivity flag.
type Monitor struct {
	mu     sync.Mutex
	online bool
	bus    *bus.Bus
	logger *zap.Logger
}

// NewMonitor creates a monitor with an initial state.
func NewMonitor(b *bus.Bus, online bool, logger *zap.Logger) *Monitor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Monitor{online: online, bus: b, logger: logger}
}

// IsOnline reports the current state.
func (m *Monitor) IsOnline() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

// SetOnline records the state and publishes net.online or net.offline when
// it changes.
func (m *Monitor) SetOnline(online bool) {
	m.mu.Lock()
	changed := m.online != online
	m.online = online
	m.mu.Unlock()
	if !changed {
		return
	}
	kind := bus.NetOffline
	if online {
		kind = bus.NetOnline
	}
	m.logger.Info("connectivity changed", zap.Bool("online", online))
	m.bus.Emit(kind, online)
}
