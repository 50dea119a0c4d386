// Package browser ties the transport, bus, and watchdogs together into a
// browser automation session: one connection, many tabs, independent
// monitoring.
package browser

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"

	"github.com/roelfdiedericks/gocdp/internal/bus"
	"github.com/roelfdiedericks/gocdp/internal/cdp"
	"github.com/roelfdiedericks/gocdp/internal/logging"
	"github.com/roelfdiedericks/gocdp/internal/watchdog"
	"github.com/roelfdiedericks/gocdp/internal/watchdogs"
)

// Config describes one browser session.
type Config struct {
	ID          string
	CDPURL      string
	DownloadDir string

	// Domains enabled on every tab attach; nil means cdp.DefaultDomains.
	Domains []string

	Security       watchdogs.Policy
	NetworkTimeout time.Duration
	CheckInterval  time.Duration
}

// DefaultConfig returns a workable local configuration.
func DefaultConfig() Config {
	return Config{
		ID:             uuid.NewString(),
		CDPURL:         "ws://localhost:9222",
		DownloadDir:    filepath.Join(os.TempDir(), "gocdp-downloads"),
		NetworkTimeout: watchdogs.DefaultNetworkTimeout,
		CheckInterval:  watchdogs.DefaultCheckInterval,
	}
}

// Session is the high-level handle: it owns the connection, the event
// bus, the watchdog set, and the per-target protocol sessions.
type Session struct {
	cfg Config

	bus     *bus.Bus
	manager *watchdog.Manager

	security  *watchdogs.SecurityWatchdog
	downloads *watchdogs.DownloadsWatchdog
	crash     *watchdogs.CrashWatchdog

	mu         sync.RWMutex
	client     *cdp.Client
	tabs       map[cdp.TargetID]*cdp.Session
	current    cdp.TargetID
	managerSub *bus.Subscription
	started    bool
}

// New builds a session with the three standard watchdogs registered.
// An invalid security policy fails here, not at navigation time.
func New(cfg Config) (*Session, error) {
	if cfg.ID == "" {
		cfg.ID = uuid.NewString()
	}
	if cfg.NetworkTimeout == 0 {
		cfg.NetworkTimeout = watchdogs.DefaultNetworkTimeout
	}
	if cfg.CheckInterval == 0 {
		cfg.CheckInterval = watchdogs.DefaultCheckInterval
	}

	security, err := watchdogs.NewSecurityWatchdog(cfg.Security)
	if err != nil {
		return nil, err
	}

	b := bus.New()
	s := &Session{
		cfg:       cfg,
		bus:       b,
		manager:   watchdog.NewManager(),
		security:  security,
		downloads: watchdogs.NewDownloadsWatchdog(b, cfg.DownloadDir),
		crash:     watchdogs.NewCrashWatchdogTimings(b, cfg.NetworkTimeout, cfg.CheckInterval),
		tabs:      make(map[cdp.TargetID]*cdp.Session),
	}

	s.manager.Register(s.crash)
	s.manager.Register(s.downloads)
	s.manager.Register(s.security)

	return s, nil
}

// RegisterWatchdog adds a custom watchdog next to the standard three.
// Register before Start so it takes part in the attach cycle.
func (s *Session) RegisterWatchdog(w watchdog.Watchdog) {
	s.manager.Register(w)
}

// Start connects to the endpoint, attaches the watchdogs, and begins
// fanning bus events to them.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return fmt.Errorf("browser: session already started")
	}

	client, err := cdp.Connect(ctx, s.cfg.CDPURL)
	if err != nil {
		return err
	}

	if err := s.manager.AttachAll(client); err != nil {
		client.Close()
		return err
	}

	s.client = client
	s.started = true
	s.managerSub = s.bus.Subscribe()
	s.manager.Run(s.managerSub)

	// A dead connection ends the session; tell subscribers why.
	go func() {
		<-client.Done()
		s.mu.Lock()
		wasStarted := s.started
		s.started = false
		s.mu.Unlock()
		if wasStarted {
			s.bus.Publish(bus.Stopped("connection closed"))
		}
	}()

	s.bus.Publish(bus.Started())
	logging.L_info("browser: session started", "id", s.cfg.ID, "url", s.cfg.CDPURL)
	return nil
}

// Stop detaches watchdogs and closes the connection. Watchdog queries
// keep answering with last-known state afterwards.
func (s *Session) Stop(ctx context.Context, reason string) error {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = false
	client := s.client
	tabs := s.tabs
	managerSub := s.managerSub
	s.managerSub = nil
	s.tabs = make(map[cdp.TargetID]*cdp.Session)
	s.current = ""
	s.mu.Unlock()

	s.bus.Publish(bus.Stopped(reason))

	for _, tab := range tabs {
		_ = tab.Detach(ctx)
	}

	err := s.manager.DetachAll()
	s.manager.Stop()
	if managerSub != nil {
		managerSub.Unsubscribe()
	}
	client.Close()

	logging.L_info("browser: session stopped", "id", s.cfg.ID, "reason", reason)
	return err
}

// NewTab creates a target, attaches a session to it, and focuses it.
func (s *Session) NewTab(ctx context.Context, url string) (cdp.TargetID, error) {
	client, err := s.activeClient()
	if err != nil {
		return "", err
	}

	if url == "" {
		url = "about:blank"
	}

	res, err := client.Send(ctx, "Target.createTarget", map[string]any{"url": url}, "")
	if err != nil {
		return "", err
	}
	targetID := cdp.TargetID(gjson.GetBytes(res, "targetId").String())
	if targetID == "" {
		return "", fmt.Errorf("browser: createTarget returned no targetId")
	}

	tab, err := cdp.Attach(ctx, client, targetID, s.cfg.Domains)
	if err != nil {
		return "", err
	}

	s.mu.Lock()
	s.tabs[targetID] = tab
	s.current = targetID
	s.mu.Unlock()

	s.bus.Publish(bus.TabCreated(string(targetID)))
	return targetID, nil
}

// SwitchTab focuses an already-attached tab.
func (s *Session) SwitchTab(ctx context.Context, targetID cdp.TargetID) error {
	client, err := s.activeClient()
	if err != nil {
		return err
	}

	s.mu.Lock()
	if _, ok := s.tabs[targetID]; !ok {
		s.mu.Unlock()
		return fmt.Errorf("browser: unknown target %s", targetID)
	}
	s.current = targetID
	s.mu.Unlock()

	if _, err := client.Send(ctx, "Target.activateTarget", map[string]any{"targetId": targetID}, ""); err != nil {
		logging.L_debug("browser: activateTarget failed", "target", string(targetID), "error", err)
	}

	s.bus.Publish(bus.TabSwitched(string(targetID)))
	return nil
}

// CloseTab detaches from and closes a target.
func (s *Session) CloseTab(ctx context.Context, targetID cdp.TargetID) error {
	client, err := s.activeClient()
	if err != nil {
		return err
	}

	s.mu.Lock()
	tab, ok := s.tabs[targetID]
	if ok {
		delete(s.tabs, targetID)
	}
	if s.current == targetID {
		s.current = ""
		for id := range s.tabs {
			s.current = id
			break
		}
	}
	s.mu.Unlock()

	if !ok {
		return fmt.Errorf("browser: unknown target %s", targetID)
	}

	_ = tab.Detach(ctx)
	if _, err := client.Send(ctx, "Target.closeTarget", map[string]any{"targetId": targetID}, ""); err != nil {
		logging.L_debug("browser: closeTarget failed", "target", string(targetID), "error", err)
	}

	s.bus.Publish(bus.TabClosed(string(targetID)))
	return nil
}

// CurrentTab returns the focused tab's protocol session, or nil.
func (s *Session) CurrentTab() *cdp.Session {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.tabs[s.current]
}

// Tab looks up an attached tab by target id.
func (s *Session) Tab(targetID cdp.TargetID) (*cdp.Session, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	tab, ok := s.tabs[targetID]
	return tab, ok
}

// Navigate drives the focused tab to url, enforcing the security policy
// first. A rejection is a *watchdogs.PolicyViolation, not a transport
// failure.
func (s *Session) Navigate(ctx context.Context, url string) error {
	if err := s.security.Check(url); err != nil {
		return err
	}

	tab := s.CurrentTab()
	if tab == nil {
		return fmt.Errorf("browser: no focused tab")
	}

	s.bus.Publish(bus.NavigationStarted(url))
	if _, err := tab.Navigate(ctx, url); err != nil {
		return err
	}
	s.bus.Publish(bus.NavigationComplete(url))
	return nil
}

// Subscribe returns a new bus subscription starting now.
func (s *Session) Subscribe() *bus.Subscription { return s.bus.Subscribe() }

// Bus exposes the session's event bus.
func (s *Session) Bus() *bus.Bus { return s.bus }

// Client returns the underlying transport, or an error before Start.
func (s *Session) Client() (*cdp.Client, error) { return s.activeClient() }

// Security exposes the policy watchdog for queries and hot reload.
func (s *Session) Security() *watchdogs.SecurityWatchdog { return s.security }

// Downloads exposes the downloads watchdog for queries.
func (s *Session) Downloads() *watchdogs.DownloadsWatchdog { return s.downloads }

// ID returns the session's configured id.
func (s *Session) ID() string { return s.cfg.ID }

func (s *Session) activeClient() (*cdp.Client, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.started || s.client == nil {
		return nil, cdp.ErrConnectionClosed
	}
	return s.client, nil
}
