package watchdogs

import (
	"fmt"
	"net"
	"net/url"
	"strings"
	"sync"

	"github.com/roelfdiedericks/gocdp/internal/bus"
	"github.com/roelfdiedericks/gocdp/internal/cdp"
	. "github.com/roelfdiedericks/gocdp/internal/logging"
)

// Policy configures navigation enforcement. It is read-mostly and
// replaced wholesale on change. An allow-list and a deny-list are
// mutually exclusive.
type Policy struct {
	// AllowedDomains, when non-empty, is the only set of hosts navigation
	// may reach. A `*.example.com` entry matches proper subdomains only,
	// never the bare domain.
	AllowedDomains []string `yaml:"allowed_domains" json:"allowedDomains,omitempty"`

	// ProhibitedDomains, when non-empty, rejects matching hosts and
	// allows everything else.
	ProhibitedDomains []string `yaml:"prohibited_domains" json:"prohibitedDomains,omitempty"`

	// BlockIPLiterals rejects any URL whose host is an IP address,
	// independent of either list.
	BlockIPLiterals bool `yaml:"block_ip_literals" json:"blockIPLiterals,omitempty"`
}

// Validate rejects ambiguous policies at construction time rather than
// leaving evaluation order to chance at runtime.
func (p Policy) Validate() error {
	if len(p.AllowedDomains) > 0 && len(p.ProhibitedDomains) > 0 {
		return fmt.Errorf("security: allowed_domains and prohibited_domains are mutually exclusive")
	}
	return nil
}

// PolicyViolation is a navigation rejected by policy. It is a navigation
// failure, not a crash.
type PolicyViolation struct {
	URL    string
	Reason string
}

func (e *PolicyViolation) Error() string {
	return fmt.Sprintf("security: navigation blocked: %s (%s)", e.URL, e.Reason)
}

// SecurityWatchdog enforces the domain policy on navigation attempts.
type SecurityWatchdog struct {
	mu     sync.RWMutex
	policy Policy

	watch *policyWatcher
}

// NewSecurityWatchdog creates a security watchdog. Configuring both an
// allow-list and a deny-list is an error.
func NewSecurityWatchdog(p Policy) (*SecurityWatchdog, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &SecurityWatchdog{policy: p}, nil
}

// Name implements watchdog.Watchdog.
func (w *SecurityWatchdog) Name() string { return "security" }

// OnEvent implements watchdog.Watchdog. Navigation is checked up front by
// the session; this is the post-hoc net for redirects that land somewhere
// the policy forbids.
func (w *SecurityWatchdog) OnEvent(ev bus.Event) {
	switch ev.Kind {
	case bus.KindStarted:
		p := w.Policy()
		L_info("security: active",
			"allowed", len(p.AllowedDomains),
			"prohibited", len(p.ProhibitedDomains),
			"blockIPs", p.BlockIPLiterals)
	case bus.KindNavigationComplete:
		if err := w.Check(ev.URL); err != nil {
			L_warn("security: landed on blocked url", "url", ev.URL, "error", err)
		}
	}
}

// OnAttach implements watchdog.Watchdog.
func (w *SecurityWatchdog) OnAttach(_ *cdp.Client) error { return nil }

// OnDetach stops the policy-file watcher if one is running.
func (w *SecurityWatchdog) OnDetach() error {
	if w.watch != nil {
		w.watch.stop()
		w.watch = nil
	}
	return nil
}

// Policy returns a copy of the current policy.
func (w *SecurityWatchdog) Policy() Policy {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.policy
}

// SetPolicy replaces the policy wholesale. The same mutual-exclusion rule
// applies as at construction.
func (w *SecurityWatchdog) SetPolicy(p Policy) error {
	if err := p.Validate(); err != nil {
		return err
	}

	w.mu.Lock()
	w.policy = p
	w.mu.Unlock()

	L_info("security: policy replaced",
		"allowed", len(p.AllowedDomains),
		"prohibited", len(p.ProhibitedDomains),
		"blockIPs", p.BlockIPLiterals)
	return nil
}

// IsAllowed evaluates a URL against the current policy.
func (w *SecurityWatchdog) IsAllowed(rawURL string) bool {
	return w.Check(rawURL) == nil
}

// Check evaluates a URL and explains a rejection as a *PolicyViolation.
func (w *SecurityWatchdog) Check(rawURL string) error {
	if isInternalURL(rawURL) {
		return nil
	}

	parsed, err := url.Parse(rawURL)
	if err != nil {
		return &PolicyViolation{URL: rawURL, Reason: "unparseable url"}
	}

	// data: and blob: payloads have no host to police.
	switch parsed.Scheme {
	case "data", "blob":
		return nil
	}

	host := strings.ToLower(parsed.Hostname())
	if host == "" {
		return &PolicyViolation{URL: rawURL, Reason: "empty host"}
	}

	p := w.Policy()

	// The IP check stands on its own: it applies whether or not a list is
	// configured, and a list entry cannot exempt a literal address.
	if p.BlockIPLiterals && net.ParseIP(host) != nil {
		return &PolicyViolation{URL: rawURL, Reason: "ip literal host"}
	}

	if len(p.AllowedDomains) > 0 {
		for _, entry := range p.AllowedDomains {
			if matchDomain(host, entry) {
				return nil
			}
		}
		return &PolicyViolation{URL: rawURL, Reason: "host not in allow-list"}
	}

	for _, entry := range p.ProhibitedDomains {
		if matchDomain(host, entry) {
			return &PolicyViolation{URL: rawURL, Reason: "host in deny-list"}
		}
	}

	return nil
}

// isInternalURL matches browser-internal pages that are always reachable.
func isInternalURL(rawURL string) bool {
	for _, prefix := range []string{"about:", "chrome:", "chrome-extension:", "devtools:"} {
		if strings.HasPrefix(rawURL, prefix) {
			return true
		}
	}
	return false
}

// matchDomain matches a host against one policy entry.
//
// A leading-wildcard entry (`*.example.com`) matches proper subdomains
// only; the bare domain needs its own entry. Exact entries additionally
// match the www variant of the same domain.
func matchDomain(host, entry string) bool {
	entry = strings.ToLower(entry)

	if rest, ok := strings.CutPrefix(entry, "*."); ok {
		return strings.HasSuffix(host, "."+rest) && host != rest
	}

	if host == entry {
		return true
	}
	if strings.HasPrefix(host, "www.") && host[4:] == entry {
		return true
	}
	if strings.HasPrefix(entry, "www.") && entry[4:] == host {
		return true
	}
	return false
}
