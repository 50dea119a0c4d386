package browser

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/roelfdiedericks/gocdp/internal/bus"
	"github.com/roelfdiedericks/gocdp/internal/watchdogs"
)

// fakeEndpoint is a minimal debugging endpoint: it answers the target
// lifecycle commands and acknowledges everything else, recording what it
// was asked.
type fakeEndpoint struct {
	t   *testing.T
	srv *httptest.Server

	mu       sync.Mutex
	conn     *websocket.Conn
	requests []recordedRequest
	nextTab  int
}

type recordedRequest struct {
	Method    string
	SessionID string
	Params    json.RawMessage
}

func newFakeEndpoint(t *testing.T) *fakeEndpoint {
	t.Helper()

	f := &fakeEndpoint{t: t}
	upgrader := websocket.Upgrader{}

	f.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		f.mu.Lock()
		f.conn = conn
		f.mu.Unlock()

		for {
			var req struct {
				ID        uint64          `json:"id"`
				Method    string          `json:"method"`
				Params    json.RawMessage `json:"params"`
				SessionID string          `json:"sessionId"`
			}
			if err := conn.ReadJSON(&req); err != nil {
				return
			}
			f.mu.Lock()
			f.requests = append(f.requests, recordedRequest{Method: req.Method, SessionID: req.SessionID, Params: req.Params})
			f.mu.Unlock()
			f.reply(req.ID, req.Method, req.Params)
		}
	}))
	t.Cleanup(f.srv.Close)

	return f
}

func (f *fakeEndpoint) reply(id uint64, method string, params json.RawMessage) {
	var result string
	switch method {
	case "Target.createTarget":
		f.mu.Lock()
		f.nextTab++
		result = fmt.Sprintf(`{"targetId":"tab-%d"}`, f.nextTab)
		f.mu.Unlock()
	case "Target.attachToTarget":
		tid := gjson.GetBytes(params, "targetId").String()
		result = fmt.Sprintf(`{"sessionId":"sess-%s"}`, tid)
	case "Target.getTargetInfo":
		result = `{"targetInfo":{"title":"Tab","url":"about:blank"}}`
	case "Network.getCookies":
		result = `{"cookies":[{"name":"sid","value":"abc","domain":"example.com","path":"/"}]}`
	default:
		result = `{}`
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	_ = f.conn.WriteJSON(map[string]any{"id": id, "result": json.RawMessage(result)})
}

func (f *fakeEndpoint) url() string {
	return "ws" + strings.TrimPrefix(f.srv.URL, "http")
}

// saw reports the recorded requests matching method.
func (f *fakeEndpoint) saw(method string) []recordedRequest {
	f.mu.Lock()
	defer f.mu.Unlock()

	var out []recordedRequest
	for _, r := range f.requests {
		if r.Method == method {
			out = append(out, r)
		}
	}
	return out
}

func testConfig(f *fakeEndpoint, policy watchdogs.Policy) Config {
	cfg := DefaultConfig()
	cfg.CDPURL = f.url()
	cfg.Security = policy
	cfg.Domains = []string{} // no per-tab enables in tests
	return cfg
}

func startSession(t *testing.T, f *fakeEndpoint, policy watchdogs.Policy) (*Session, *bus.Subscription) {
	t.Helper()

	s, err := New(testConfig(f, policy))
	require.NoError(t, err)

	sub := s.Subscribe()
	t.Cleanup(sub.Unsubscribe)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, s.Start(ctx))
	t.Cleanup(func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.Stop(stopCtx, "test done")
	})

	return s, sub
}

func nextEvent(t *testing.T, sub *bus.Subscription) bus.Event {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	ev, err := sub.Recv(ctx)
	require.NoError(t, err, "waiting for bus event")
	return ev
}

func TestSessionStartStop(t *testing.T) {
	f := newFakeEndpoint(t)
	s, sub := startSession(t, f, watchdogs.Policy{})

	assert.Equal(t, bus.KindStarted, nextEvent(t, sub).Kind)

	// The manager holds its own subscription next to the test's.
	assert.Equal(t, 2, s.Bus().Subscribers())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, s.Stop(ctx, "going home"))

	ev := nextEvent(t, sub)
	assert.Equal(t, bus.KindStopped, ev.Kind)
	assert.Equal(t, "going home", ev.Reason)

	// Stop releases the manager's subscription, leaving only the test's.
	assert.Equal(t, 1, s.Bus().Subscribers())

	// Stop is idempotent and watchdog queries still answer.
	require.NoError(t, s.Stop(ctx, "again"))
	assert.NotNil(t, s.Downloads().Completed())
}

func TestSessionStartTwice(t *testing.T) {
	f := newFakeEndpoint(t)
	s, _ := startSession(t, f, watchdogs.Policy{})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	assert.Error(t, s.Start(ctx))
}

func TestNewTabAndNavigate(t *testing.T) {
	f := newFakeEndpoint(t)
	s, sub := startSession(t, f, watchdogs.Policy{})
	assert.Equal(t, bus.KindStarted, nextEvent(t, sub).Kind)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	targetID, err := s.NewTab(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, bus.KindTabCreated, nextEvent(t, sub).Kind)
	require.NotNil(t, s.CurrentTab())

	require.NoError(t, s.Navigate(ctx, "https://example.com"))

	ev := nextEvent(t, sub)
	assert.Equal(t, bus.KindNavigationStarted, ev.Kind)
	assert.Equal(t, "https://example.com", ev.URL)
	ev = nextEvent(t, sub)
	assert.Equal(t, bus.KindNavigationComplete, ev.Kind)

	// The navigate went out tagged with the tab's session id.
	navs := f.saw("Page.navigate")
	require.Len(t, navs, 1)
	assert.Equal(t, "sess-"+string(targetID), navs[0].SessionID)
	assert.Equal(t, "https://example.com", gjson.GetBytes(navs[0].Params, "url").String())
}

func TestNavigateBlockedByPolicy(t *testing.T) {
	f := newFakeEndpoint(t)
	s, sub := startSession(t, f, watchdogs.Policy{ProhibitedDomains: []string{"evil.com"}})
	assert.Equal(t, bus.KindStarted, nextEvent(t, sub).Kind)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := s.NewTab(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, bus.KindTabCreated, nextEvent(t, sub).Kind)

	err = s.Navigate(ctx, "https://evil.com/login")
	require.Error(t, err)

	var pv *watchdogs.PolicyViolation
	require.ErrorAs(t, err, &pv)
	assert.Equal(t, "https://evil.com/login", pv.URL)

	// The command never reached the browser and no navigation events fired.
	assert.Empty(t, f.saw("Page.navigate"))
	select {
	case ev := <-sub.Events():
		t.Fatalf("unexpected event after blocked navigation: %v", ev)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestNavigateWithoutTab(t *testing.T) {
	f := newFakeEndpoint(t)
	s, _ := startSession(t, f, watchdogs.Policy{})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	assert.Error(t, s.Navigate(ctx, "https://example.com"))
}

func TestTabBookkeeping(t *testing.T) {
	f := newFakeEndpoint(t)
	s, sub := startSession(t, f, watchdogs.Policy{})
	assert.Equal(t, bus.KindStarted, nextEvent(t, sub).Kind)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	t1, err := s.NewTab(ctx, "")
	require.NoError(t, err)
	t2, err := s.NewTab(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, bus.KindTabCreated, nextEvent(t, sub).Kind)
	assert.Equal(t, bus.KindTabCreated, nextEvent(t, sub).Kind)

	// The second tab took focus; switch back to the first.
	require.Equal(t, t2, s.CurrentTab().TargetID)
	require.NoError(t, s.SwitchTab(ctx, t1))
	assert.Equal(t, t1, s.CurrentTab().TargetID)
	assert.Equal(t, bus.KindTabSwitched, nextEvent(t, sub).Kind)

	assert.Error(t, s.SwitchTab(ctx, "no-such-tab"))

	// Closing the focused tab refocuses the survivor.
	require.NoError(t, s.CloseTab(ctx, t1))
	ev := nextEvent(t, sub)
	assert.Equal(t, bus.KindTabClosed, ev.Kind)
	assert.Equal(t, string(t1), ev.TargetID)
	require.NotNil(t, s.CurrentTab())
	assert.Equal(t, t2, s.CurrentTab().TargetID)

	// The closed tab's handle is gone.
	_, ok := s.Tab(t1)
	assert.False(t, ok)
	assert.Error(t, s.CloseTab(ctx, t1))
}

func TestSessionRequiresValidPolicy(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Security = watchdogs.Policy{
		AllowedDomains:    []string{"a.com"},
		ProhibitedDomains: []string{"b.com"},
	}
	_, err := New(cfg)
	assert.Error(t, err)
}

func TestOperationsBeforeStart(t *testing.T) {
	s, err := New(testConfig(newFakeEndpoint(t), watchdogs.Policy{}))
	require.NoError(t, err)

	ctx := context.Background()
	_, err = s.NewTab(ctx, "")
	assert.Error(t, err)
	assert.Error(t, s.SwitchTab(ctx, "t"))
	_, err = s.Client()
	assert.Error(t, err)
}
