package bus

import (
	"fmt"
	"strings"
	"time"
)

// Kind enumerates the closed set of browser-level events.
type Kind int

const (
	KindStarted Kind = iota
	KindStopped
	KindNavigationStarted
	KindNavigationComplete
	KindTabCreated
	KindTabClosed
	KindTabSwitched
	KindFileDownloaded
	KindRequestTimedOut
	KindTargetCrashed
	// KindGap is synthesized by the bus for a lagging subscriber; it marks
	// how many events were dropped at that point in the stream.
	KindGap
)

var kindNames = map[Kind]string{
	KindStarted:            "started",
	KindStopped:            "stopped",
	KindNavigationStarted:  "navigation_started",
	KindNavigationComplete: "navigation_complete",
	KindTabCreated:         "tab_created",
	KindTabClosed:          "tab_closed",
	KindTabSwitched:        "tab_switched",
	KindFileDownloaded:     "file_downloaded",
	KindRequestTimedOut:    "request_timed_out",
	KindTargetCrashed:      "target_crashed",
	KindGap:                "gap",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return "unknown"
}

// Event is a typed, application-level event derived from raw protocol
// traffic. Values are immutable and cheap to copy; only the fields
// relevant to the Kind are set.
type Event struct {
	Kind Kind
	Time time.Time

	Reason   string        // Stopped
	URL      string        // Navigation*, FileDownloaded, RequestTimedOut
	TargetID string        // Tab*, TargetCrashed
	Path     string        // FileDownloaded
	Elapsed  time.Duration // RequestTimedOut
	Missed   uint64        // Gap
}

// String renders the event for logs, kind first and only the populated
// fields after it.
func (e Event) String() string {
	var b strings.Builder
	b.WriteString(e.Kind.String())
	if e.Reason != "" {
		fmt.Fprintf(&b, " reason=%q", e.Reason)
	}
	if e.URL != "" {
		fmt.Fprintf(&b, " url=%s", e.URL)
	}
	if e.TargetID != "" {
		fmt.Fprintf(&b, " target=%s", e.TargetID)
	}
	if e.Path != "" {
		fmt.Fprintf(&b, " path=%s", e.Path)
	}
	if e.Elapsed > 0 {
		fmt.Fprintf(&b, " elapsed=%s", e.Elapsed)
	}
	if e.Missed > 0 {
		fmt.Fprintf(&b, " missed=%d", e.Missed)
	}
	return b.String()
}

func Started() Event              { return Event{Kind: KindStarted, Time: time.Now()} }
func Stopped(reason string) Event { return Event{Kind: KindStopped, Reason: reason, Time: time.Now()} }

func NavigationStarted(url string) Event {
	return Event{Kind: KindNavigationStarted, URL: url, Time: time.Now()}
}

func NavigationComplete(url string) Event {
	return Event{Kind: KindNavigationComplete, URL: url, Time: time.Now()}
}

func TabCreated(targetID string) Event {
	return Event{Kind: KindTabCreated, TargetID: targetID, Time: time.Now()}
}

func TabClosed(targetID string) Event {
	return Event{Kind: KindTabClosed, TargetID: targetID, Time: time.Now()}
}

func TabSwitched(targetID string) Event {
	return Event{Kind: KindTabSwitched, TargetID: targetID, Time: time.Now()}
}

func FileDownloaded(path, url string) Event {
	return Event{Kind: KindFileDownloaded, Path: path, URL: url, Time: time.Now()}
}

func RequestTimedOut(url string, elapsed time.Duration) Event {
	return Event{Kind: KindRequestTimedOut, URL: url, Elapsed: elapsed, Time: time.Now()}
}

func TargetCrashed(targetID string) Event {
	return Event{Kind: KindTargetCrashed, TargetID: targetID, Time: time.Now()}
}
