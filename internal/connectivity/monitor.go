// Package connectivity tracks whether the remote store is reachable and
// fires queue drains on the transitions and schedules the runtime exposes.
package connectivity

import (
	"sync"
	"sync/atomic"
)

// Monitor holds the online/offline flag. The embedding runtime feeds it
// transitions (browser online events, failed gateway calls); transition to
// online notifies registered callbacks.
type Monitor struct {
	online atomic.Bool

	mu       sync.Mutex
	onOnline []func()
}

func NewMonitor(initiallyOnline bool) *Monitor {
	m := &Monitor{}
	m.online.Store(initiallyOnline)
	return m
}

func (m *Monitor) Online() bool {
	return m.online.Load()
}

// SetOnline records a connectivity transition. Going from offline to online
// invokes every registered callback synchronously.
func (m *Monitor) SetOnline(online bool) {
	was := m.online.Swap(online)
	if online && !was {
		m.mu.Lock()
		callbacks := make([]func(), len(m.onOnline))
		copy(callbacks, m.onOnline)
		m.mu.Unlock()
		for _, fn := range callbacks {
			fn()
		}
	}
}

// NotifyOnline registers fn to run on each offline-to-online transition.
func (m *Monitor) NotifyOnline(fn func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onOnline = append(m.onOnline, fn)
}
