// Package cdp implements the Chrome DevTools Protocol transport: one
// multiplexed websocket connection carrying id-correlated commands and
// method-keyed events for any number of attached targets.
package cdp

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	. "github.com/roelfdiedericks/gocdp/internal/logging"
)

// EventHandler receives raw protocol events. Handlers run on the
// connection's read loop and must not block; hand non-trivial work to a
// goroutine.
type EventHandler func(Event)

// SubID identifies a raw event subscription.
type SubID uint64

type subscriber struct {
	id        SubID
	sessionID SessionID // empty matches every session
	fn        EventHandler
}

// Client owns a single websocket connection to the browser's debugging
// endpoint. All sessions multiplex over it. A closed connection is
// terminal: there is no reconnect, and every pending and future Send
// fails with ErrConnectionClosed.
type Client struct {
	url  string
	conn *websocket.Conn

	nextID  atomic.Uint64
	pending sync.Map // request id -> chan Response, buffered 1

	writeMu sync.Mutex

	subsMu  sync.RWMutex
	subs    map[string][]subscriber // method -> subscribers
	nextSub atomic.Uint64

	closed    chan struct{}
	closeOnce sync.Once
}

// Connect dials the debugging endpoint and starts the read loop.
func Connect(ctx context.Context, wsURL string) (*Client, error) {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, resp, err := dialer.DialContext(ctx, wsURL, nil) //nolint:bodyclose // upgrade response owned by gorilla
	if err != nil {
		return nil, &ConnectError{URL: wsURL, Err: err}
	}
	_ = resp

	c := &Client{
		url:    wsURL,
		conn:   conn,
		subs:   make(map[string][]subscriber),
		closed: make(chan struct{}),
	}

	go c.readLoop()

	L_info("cdp: connected", "url", wsURL)
	return c, nil
}

// Send issues a command and suspends the caller until the matching
// response arrives, the context is done, or the connection closes.
// Protocol errors from the browser surface as *ProtocolError; a dead
// connection surfaces as ErrConnectionClosed.
func (c *Client) Send(ctx context.Context, method string, params any, sessionID SessionID) (json.RawMessage, error) {
	select {
	case <-c.closed:
		return nil, ErrConnectionClosed
	default:
	}

	var raw json.RawMessage
	if params != nil {
		b, err := json.Marshal(params)
		if err != nil {
			return nil, err
		}
		raw = b
	}

	id := c.nextID.Add(1)
	ch := make(chan Response, 1)
	c.pending.Store(id, ch)

	req := Request{ID: id, Method: method, Params: raw, SessionID: sessionID}

	c.writeMu.Lock()
	err := c.conn.WriteJSON(req)
	c.writeMu.Unlock()
	if err != nil {
		c.pending.Delete(id)
		// A failed write means the connection is going away. The read
		// loop tears everything down; this caller fails here.
		L_debug("cdp: write failed", "method", method, "id", id, "error", err)
		return nil, ErrConnectionClosed
	}

	L_trace("cdp: sent", "method", method, "id", id, "session", string(sessionID))

	select {
	case resp := <-ch:
		if resp.Error != nil {
			return nil, resp.Error
		}
		return resp.Result, nil
	case <-c.closed:
		return nil, ErrConnectionClosed
	case <-ctx.Done():
		c.pending.Delete(id)
		return nil, ctx.Err()
	}
}

// Subscribe registers a raw listener for every event whose method matches,
// and whose session matches when sessionID is non-empty. The subscriber
// set is safe to mutate while the read loop is dispatching.
func (c *Client) Subscribe(method string, sessionID SessionID, fn EventHandler) SubID {
	id := SubID(c.nextSub.Add(1))

	c.subsMu.Lock()
	c.subs[method] = append(c.subs[method], subscriber{id: id, sessionID: sessionID, fn: fn})
	c.subsMu.Unlock()

	L_debug("cdp: subscribed", "method", method, "session", string(sessionID), "subID", uint64(id))
	return id
}

// Unsubscribe removes a subscription by its ID. Returns true if found.
func (c *Client) Unsubscribe(id SubID) bool {
	c.subsMu.Lock()
	defer c.subsMu.Unlock()

	for method, subs := range c.subs {
		for i, sub := range subs {
			if sub.id == id {
				c.subs[method] = append(subs[:i], subs[i+1:]...)
				if len(c.subs[method]) == 0 {
					delete(c.subs, method)
				}
				return true
			}
		}
	}
	return false
}

// readLoop is the single reader for the connection's lifetime. Every
// inbound frame is classified here: id -> pending response, method -> event.
func (c *Client) readLoop() {
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			c.shutdown(err)
			return
		}
		c.handleFrame(data)
	}
}

func (c *Client) handleFrame(data []byte) {
	var f frame
	if err := json.Unmarshal(data, &f); err != nil {
		L_warn("cdp: undecodable frame dropped", "error", err, "bytes", len(data))
		return
	}

	switch {
	case f.Method != "":
		c.dispatchEvent(Event{Method: f.Method, Params: f.Params, SessionID: f.SessionID})
	case f.ID != 0:
		v, ok := c.pending.LoadAndDelete(f.ID)
		if !ok {
			// Late response for a caller that gave up, or an id we never
			// issued. Diagnostic only, never fatal.
			L_warn("cdp: unmatched response dropped", "id", f.ID)
			return
		}
		v.(chan Response) <- Response{ID: f.ID, Result: f.Result, Error: f.Error}
	default:
		L_warn("cdp: frame with neither id nor method dropped", "bytes", len(data))
	}
}

func (c *Client) dispatchEvent(ev Event) {
	c.subsMu.RLock()
	subs := c.subs[ev.Method]
	matched := make([]subscriber, 0, len(subs))
	for _, sub := range subs {
		if sub.sessionID == "" || sub.sessionID == ev.SessionID {
			matched = append(matched, sub)
		}
	}
	c.subsMu.RUnlock()

	for _, sub := range matched {
		sub.fn(ev)
	}
}

// shutdown tears the connection down exactly once and releases every
// outstanding caller.
func (c *Client) shutdown(cause error) {
	c.closeOnce.Do(func() {
		close(c.closed)
		c.conn.Close()

		n := 0
		c.pending.Range(func(k, _ any) bool {
			c.pending.Delete(k)
			n++
			return true
		})

		if cause != nil {
			L_info("cdp: connection closed", "url", c.url, "outstanding", n, "cause", cause)
		} else {
			L_info("cdp: connection closed", "url", c.url, "outstanding", n)
		}
	})
}

// Close shuts the connection down. Safe to call more than once.
func (c *Client) Close() error {
	// Best-effort close handshake; the peer may already be gone.
	c.writeMu.Lock()
	_ = c.conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	c.writeMu.Unlock()

	c.shutdown(nil)
	return nil
}

// Closed reports whether the connection has been torn down.
func (c *Client) Closed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

// Done returns a channel closed when the connection is torn down.
func (c *Client) Done() <-chan struct{} { return c.closed }
