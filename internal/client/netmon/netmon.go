// Package netmon tracks network reachability for the client and decides
// when paused transfers may resume. Transitions are edge-triggered: only
// a change of state fires callbacks, and a return to Online is debounced
// so a flapping link does not thrash the transfer engine.
package netmon

import (
	"log/slog"
	"sync"
	"time"
)

// DefaultDebounce is how long the link must stay up before paused
// transfers resume.
const DefaultDebounce = 2 * time.Second

// Monitor is the client's single source of truth for connectivity.
type Monitor struct {
	mu       sync.Mutex
	online   bool
	debounce time.Duration
	timer    *time.Timer

	onOffline func()
	onOnline  func()
}

// Option configures a Monitor.
type Option func(*Monitor)

// WithDebounce overrides the settle delay before resume fires.
func WithDebounce(d time.Duration) Option {
	return func(m *Monitor) { m.debounce = d }
}

// New creates a Monitor that starts in the Online state. onOffline
// fires immediately on loss; onOnline fires after the link has stayed
// up for the debounce window.
func New(onOffline, onOnline func(), opts ...Option) *Monitor {
	m := &Monitor{
		online:    true,
		debounce:  DefaultDebounce,
		onOffline: onOffline,
		onOnline:  onOnline,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Online reports the current state.
func (m *Monitor) Online() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

// SetOnline records a connectivity observation. Repeated observations
// of the same state are ignored. Going offline cancels any pending
// resume; coming back online arms the debounce timer.
func (m *Monitor) SetOnline(online bool) {
	m.mu.Lock()

	if online == m.online {
		m.mu.Unlock()
		return
	}
	m.online = online

	if !online {
		if m.timer != nil {
			m.timer.Stop()
			m.timer = nil
		}
		cb := m.onOffline
		m.mu.Unlock()

		slog.Info("network lost, pausing transfers")
		if cb != nil {
			cb()
		}
		return
	}

	slog.Info("network restored, waiting to settle", "debounce", m.debounce)
	m.timer = time.AfterFunc(m.debounce, func() {
		m.mu.Lock()
		stillOnline := m.online
		m.timer = nil
		cb := m.onOnline
		m.mu.Unlock()

		if stillOnline && cb != nil {
			cb()
		}
	})
	m.mu.Unlock()
}

// Stop cancels any pending resume timer.
func (m *Monitor) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
}
