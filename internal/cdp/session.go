package cdp

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"

	"github.com/tidwall/gjson"
	. "github.com/roelfdiedericks/gocdp/internal/logging"
)

// DefaultDomains are enabled on attach when the caller does not specify
// its own set.
var DefaultDomains = []string{"Page", "DOM", "Runtime", "Network", "Inspector"}

// Session is a handle bound to one target. It tags outgoing commands with
// its session id; all sessions share the one underlying connection.
type Session struct {
	client   *Client
	TargetID TargetID
	ID       SessionID

	// Cached from Target.getTargetInfo at attach time.
	Title string
	URL   string

	detached atomic.Bool
}

// Attach attaches to a target and enables the given protocol domains.
// There is no half-valid state: either a usable handle comes back or an
// *AttachError does. Domain enables are dispatched concurrently since
// activation order does not matter; individual enable failures are logged,
// not fatal.
func Attach(ctx context.Context, client *Client, targetID TargetID, domains []string) (*Session, error) {
	res, err := client.Send(ctx, "Target.attachToTarget", map[string]any{
		"targetId": targetID,
		"flatten":  true,
	}, "")
	if err != nil {
		return nil, &AttachError{TargetID: targetID, Err: err}
	}

	sid := SessionID(gjson.GetBytes(res, "sessionId").String())
	if sid == "" {
		return nil, &AttachError{TargetID: targetID, Err: ErrSessionDetached}
	}

	s := &Session{client: client, TargetID: targetID, ID: sid}

	if domains == nil {
		domains = DefaultDomains
	}

	var wg sync.WaitGroup
	for _, domain := range domains {
		wg.Add(1)
		go func(domain string) {
			defer wg.Done()
			if _, err := client.Send(ctx, domain+".enable", nil, sid); err != nil {
				L_warn("cdp: domain enable failed", "domain", domain, "target", string(targetID), "error", err)
			}
		}(domain)
	}
	wg.Wait()

	if info, err := client.Send(ctx, "Target.getTargetInfo", map[string]any{"targetId": targetID}, ""); err == nil {
		s.Title = gjson.GetBytes(info, "targetInfo.title").String()
		s.URL = gjson.GetBytes(info, "targetInfo.url").String()
	}

	L_info("cdp: attached", "target", string(targetID), "session", string(sid))
	return s, nil
}

// Send issues a command within this session's context. After Detach, or
// once the connection is gone, it fails fast.
func (s *Session) Send(ctx context.Context, method string, params any) (json.RawMessage, error) {
	if s.detached.Load() {
		return nil, ErrSessionDetached
	}
	return s.client.Send(ctx, method, params, s.ID)
}

// Subscribe registers a raw event listener filtered to this session.
func (s *Session) Subscribe(method string, fn EventHandler) SubID {
	return s.client.Subscribe(method, s.ID, fn)
}

// Detach releases the browser-side session best-effort and marks the
// handle inert. Only this session's work is affected; in-flight requests
// on other sessions of the same connection keep running.
func (s *Session) Detach(ctx context.Context) error {
	if s.detached.Swap(true) {
		return nil
	}

	_, err := s.client.Send(ctx, "Target.detachFromTarget", map[string]any{
		"sessionId": s.ID,
	}, "")
	if err != nil {
		L_debug("cdp: detach best-effort failed", "session", string(s.ID), "error", err)
	}

	L_info("cdp: detached", "target", string(s.TargetID), "session", string(s.ID))
	return nil
}

// Detached reports whether the handle has been marked inert.
func (s *Session) Detached() bool { return s.detached.Load() }

// Navigate starts navigation to url and returns the Page.navigate result.
func (s *Session) Navigate(ctx context.Context, url string) (json.RawMessage, error) {
	return s.Send(ctx, "Page.navigate", map[string]any{"url": url})
}

// Evaluate runs a JavaScript expression in the target, returning by value.
func (s *Session) Evaluate(ctx context.Context, expression string) (json.RawMessage, error) {
	return s.Send(ctx, "Runtime.evaluate", map[string]any{
		"expression":    expression,
		"returnByValue": true,
	})
}

// TargetInfo fetches current target metadata.
func (s *Session) TargetInfo(ctx context.Context) (title, url string, err error) {
	res, err := s.client.Send(ctx, "Target.getTargetInfo", map[string]any{"targetId": s.TargetID}, "")
	if err != nil {
		return "", "", err
	}
	return gjson.GetBytes(res, "targetInfo.title").String(),
		gjson.GetBytes(res, "targetInfo.url").String(), nil
}
