// Package watchdog defines the monitoring contract and the manager that
// fans bus events to every registered watchdog. Adding a monitoring
// concern means adding one Watchdog; dispatch never changes.
package watchdog

import (
	"context"
	"errors"
	"sync"

	"github.com/roelfdiedericks/gocdp/internal/bus"
	"github.com/roelfdiedericks/gocdp/internal/cdp"
	. "github.com/roelfdiedericks/gocdp/internal/logging"
)

// Watchdog is one independent monitoring or enforcement concern.
//
// OnEvent is called for every bus event; the watchdog decides what it
// cares about. OnAttach registers raw protocol subscriptions and starts
// any background task; OnDetach must cancel that task and release
// resources deterministically.
type Watchdog interface {
	Name() string
	OnEvent(bus.Event)
	OnAttach(client *cdp.Client) error
	OnDetach() error
}

// Manager owns an ordered set of watchdogs and drives their lifecycle.
type Manager struct {
	mu        sync.RWMutex
	watchdogs []Watchdog

	runMu  sync.Mutex
	cancel context.CancelFunc
}

// NewManager creates an empty manager.
func NewManager() *Manager {
	return &Manager{}
}

// Register adds a watchdog. Registration order is preserved for
// attach/detach; event dispatch is unordered by design.
func (m *Manager) Register(w Watchdog) {
	m.mu.Lock()
	m.watchdogs = append(m.watchdogs, w)
	m.mu.Unlock()

	L_debug("watchdog: registered", "name", w.Name())
}

// Names lists registered watchdogs in registration order.
func (m *Manager) Names() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	names := make([]string, len(m.watchdogs))
	for i, w := range m.watchdogs {
		names[i] = w.Name()
	}
	return names
}

// AttachAll attaches every watchdog to the connection. The first attach
// failure aborts and is returned; already-attached watchdogs are detached
// again so there is no half-attached set.
func (m *Manager) AttachAll(client *cdp.Client) error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for i, w := range m.watchdogs {
		if err := w.OnAttach(client); err != nil {
			for j := i - 1; j >= 0; j-- {
				if derr := m.watchdogs[j].OnDetach(); derr != nil {
					L_warn("watchdog: rollback detach failed", "name", m.watchdogs[j].Name(), "error", derr)
				}
			}
			return err
		}
		L_debug("watchdog: attached", "name", w.Name())
	}
	return nil
}

// DetachAll detaches every watchdog, continuing past failures, and
// returns them joined.
func (m *Manager) DetachAll() error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var errs []error
	for _, w := range m.watchdogs {
		if err := w.OnDetach(); err != nil {
			errs = append(errs, err)
			L_warn("watchdog: detach failed", "name", w.Name(), "error", err)
		}
	}
	return errors.Join(errs...)
}

// Dispatch fans one event to every watchdog concurrently. A watchdog that
// panics or dawdles is invisible to the others and to the caller; panics
// are logged, never propagated.
func (m *Manager) Dispatch(ev bus.Event) {
	m.mu.RLock()
	watchdogs := make([]Watchdog, len(m.watchdogs))
	copy(watchdogs, m.watchdogs)
	m.mu.RUnlock()

	for _, w := range watchdogs {
		go func(w Watchdog) {
			defer func() {
				if r := recover(); r != nil {
					L_error("watchdog: handler panic", "name", w.Name(), "event", ev.Kind.String(), "panic", r)
				}
			}()
			w.OnEvent(ev)
		}(w)
	}
}

// Run consumes a bus subscription until Stop or until the subscription
// closes, dispatching every event. It returns immediately; consumption
// happens on its own goroutine.
func (m *Manager) Run(sub *bus.Subscription) {
	m.runMu.Lock()
	defer m.runMu.Unlock()

	if m.cancel != nil {
		return // already running
	}

	ctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel

	go func() {
		for {
			ev, err := sub.Recv(ctx)
			if err != nil {
				return
			}
			m.Dispatch(ev)
		}
	}()
}

// Stop halts bus consumption started by Run.
func (m *Manager) Stop() {
	m.runMu.Lock()
	defer m.runMu.Unlock()

	if m.cancel != nil {
		m.cancel()
		m.cancel = nil
	}
}
