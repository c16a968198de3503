// Package netmon tracks backend reachability by probing at a fixed interval
// and notifying a callback on every offline/online transition.
package netmon

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// ProbeFunc reports whether the backend is currently reachable. A probe
// must honour the context and return false on any error.
type ProbeFunc func(ctx context.Context) bool

// Monitor polls a ProbeFunc and tracks the connectivity state. The change
// callback fires exactly once per transition, never for repeated probes
// with the same result.
type Monitor struct {
	probe    ProbeFunc
	interval time.Duration
	onChange func(online bool)
	log      *slog.Logger

	mu     sync.Mutex
	online bool
}

// New creates a Monitor. The monitor starts in the offline state until the
// first probe; onChange may be nil.
func New(probe ProbeFunc, interval time.Duration, onChange func(online bool), logger *slog.Logger) *Monitor {
	return &Monitor{
		probe:    probe,
		interval: interval,
		onChange: onChange,
		log:      logger,
	}
}

// Online returns the last observed connectivity state.
func (m *Monitor) Online() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

// SetOnline records a connectivity state directly, firing the change
// callback if the state flipped. Used when a sync attempt itself reveals
// the connection state before the next scheduled probe.
func (m *Monitor) SetOnline(online bool) {
	m.mu.Lock()
	changed := m.online != online
	m.online = online
	m.mu.Unlock()

	if changed {
		m.log.Info("connectivity changed", "online", online)
		if m.onChange != nil {
			m.onChange(online)
		}
	}
}

// Watch probes immediately and then at the configured interval until the
// context is cancelled. It blocks; run it in its own goroutine.
func (m *Monitor) Watch(ctx context.Context) {
	m.SetOnline(m.probe(ctx))

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.SetOnline(m.probe(ctx))
		}
	}
}
