// Package watchdogs contains the concrete monitoring concerns: crash and
// hang detection, download tracking, and navigation security policy.
package watchdogs

import (
	"sync"
	"time"

	"github.com/tidwall/gjson"

	"github.com/roelfdiedericks/gocdp/internal/bus"
	"github.com/roelfdiedericks/gocdp/internal/cdp"
	. "github.com/roelfdiedericks/gocdp/internal/logging"
)

const (
	// DefaultNetworkTimeout is how long a request may stay unanswered
	// before it is flagged as hung.
	DefaultNetworkTimeout = 10 * time.Second

	// DefaultCheckInterval is the sweep period.
	DefaultCheckInterval = 5 * time.Second
)

// RequestTracker records one in-flight network request.
type RequestTracker struct {
	RequestID string
	URL       string
	Method    string
	StartedAt time.Time
}

// CrashWatchdog detects crashed targets and hung network requests.
//
// Every request moves Active -> {Completed, Canceled, TimedOut}: tracked
// on requestWillBeSent, removed on response/failure, or reclassified as
// timed out by the periodic sweep and reported on the bus exactly once.
type CrashWatchdog struct {
	bus            *bus.Bus
	networkTimeout time.Duration
	checkInterval  time.Duration

	mu     sync.RWMutex
	active map[string]RequestTracker

	client *cdp.Client
	subs   []cdp.SubID

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewCrashWatchdog creates a crash watchdog with default timings.
func NewCrashWatchdog(b *bus.Bus) *CrashWatchdog {
	return NewCrashWatchdogTimings(b, DefaultNetworkTimeout, DefaultCheckInterval)
}

// NewCrashWatchdogTimings creates a crash watchdog with explicit timeout
// and sweep interval.
func NewCrashWatchdogTimings(b *bus.Bus, timeout, interval time.Duration) *CrashWatchdog {
	return &CrashWatchdog{
		bus:            b,
		networkTimeout: timeout,
		checkInterval:  interval,
		active:         make(map[string]RequestTracker),
	}
}

// Name implements watchdog.Watchdog.
func (w *CrashWatchdog) Name() string { return "crash" }

// OnEvent implements watchdog.Watchdog.
func (w *CrashWatchdog) OnEvent(ev bus.Event) {
	switch ev.Kind {
	case bus.KindStarted:
		L_debug("crash: monitoring started")
	case bus.KindStopped:
		w.mu.Lock()
		w.active = make(map[string]RequestTracker)
		w.mu.Unlock()
	}
}

// OnAttach subscribes to the raw network and inspector events and starts
// the sweep task.
func (w *CrashWatchdog) OnAttach(client *cdp.Client) error {
	w.client = client

	w.subs = append(w.subs,
		client.Subscribe("Network.requestWillBeSent", "", w.onRequestWillBeSent),
		client.Subscribe("Network.responseReceived", "", w.onRequestFinished),
		client.Subscribe("Network.loadingFailed", "", w.onRequestFailed),
		client.Subscribe("Inspector.targetCrashed", "", w.onTargetCrashed),
	)

	w.stopCh = make(chan struct{})
	w.wg.Add(1)
	go w.sweepLoop()

	L_info("crash: attached", "timeout", w.networkTimeout, "interval", w.checkInterval)
	return nil
}

// OnDetach cancels the sweep task, drops subscriptions, and clears state.
// Detach is deterministic: the sweep goroutine has exited when this
// returns.
func (w *CrashWatchdog) OnDetach() error {
	for _, id := range w.subs {
		w.client.Unsubscribe(id)
	}
	w.subs = nil

	if w.stopCh != nil {
		close(w.stopCh)
		w.wg.Wait()
		w.stopCh = nil
	}

	w.mu.Lock()
	w.active = make(map[string]RequestTracker)
	w.mu.Unlock()

	L_info("crash: detached")
	return nil
}

// ActiveRequests returns the number of tracked in-flight requests.
func (w *CrashWatchdog) ActiveRequests() int {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return len(w.active)
}

func (w *CrashWatchdog) onRequestWillBeSent(ev cdp.Event) {
	id := gjson.GetBytes(ev.Params, "requestId").String()
	if id == "" {
		return
	}
	t := RequestTracker{
		RequestID: id,
		URL:       gjson.GetBytes(ev.Params, "request.url").String(),
		Method:    gjson.GetBytes(ev.Params, "request.method").String(),
		StartedAt: time.Now(),
	}

	w.mu.Lock()
	w.active[id] = t
	w.mu.Unlock()

	L_trace("crash: tracking request", "requestId", id, "url", t.URL)
}

func (w *CrashWatchdog) onRequestFinished(ev cdp.Event) {
	w.untrack(gjson.GetBytes(ev.Params, "requestId").String(), "completed")
}

func (w *CrashWatchdog) onRequestFailed(ev cdp.Event) {
	w.untrack(gjson.GetBytes(ev.Params, "requestId").String(), "canceled")
}

func (w *CrashWatchdog) untrack(id, outcome string) {
	if id == "" {
		return
	}

	w.mu.Lock()
	t, ok := w.active[id]
	if ok {
		delete(w.active, id)
	}
	w.mu.Unlock()

	if ok {
		L_trace("crash: request "+outcome, "requestId", id, "url", t.URL, "elapsed", time.Since(t.StartedAt).String())
	}
}

func (w *CrashWatchdog) onTargetCrashed(ev cdp.Event) {
	target := string(ev.SessionID)
	L_warn("crash: target crashed", "session", target)
	w.bus.Publish(bus.TargetCrashed(target))
}

func (w *CrashWatchdog) sweepLoop() {
	defer w.wg.Done()

	ticker := time.NewTicker(w.checkInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			for _, t := range w.sweep(time.Now()) {
				elapsed := time.Since(t.StartedAt)
				L_warn("crash: request timed out", "requestId", t.RequestID, "url", t.URL, "elapsed", elapsed.String())
				w.bus.Publish(bus.RequestTimedOut(t.URL, elapsed))
			}
		case <-w.stopCh:
			return
		}
	}
}

// sweep removes and returns every tracker older than the timeout. The
// write lock covers only the mutation; reporting happens in the caller.
func (w *CrashWatchdog) sweep(now time.Time) []RequestTracker {
	var expired []RequestTracker

	w.mu.Lock()
	for id, t := range w.active {
		if now.Sub(t.StartedAt) > w.networkTimeout {
			expired = append(expired, t)
			delete(w.active, id)
		}
	}
	w.mu.Unlock()

	return expired
}
