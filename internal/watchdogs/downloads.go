package watchdogs

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/tidwall/gjson"

	"github.com/roelfdiedericks/gocdp/internal/bus"
	"github.com/roelfdiedericks/gocdp/internal/cdp"
	. "github.com/roelfdiedericks/gocdp/internal/logging"
)

// DownloadState is a download's position in its lifecycle.
type DownloadState int

const (
	DownloadStarted DownloadState = iota
	DownloadInProgress
	DownloadCompleted
	DownloadCanceled
)

func (s DownloadState) String() string {
	switch s {
	case DownloadStarted:
		return "started"
	case DownloadInProgress:
		return "in_progress"
	case DownloadCompleted:
		return "completed"
	case DownloadCanceled:
		return "canceled"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further transitions are permitted.
func (s DownloadState) Terminal() bool {
	return s == DownloadCompleted || s == DownloadCanceled
}

// DownloadRecord tracks one download, keyed by the browser-issued GUID.
type DownloadRecord struct {
	GUID          string
	URL           string
	Filename      string
	Destination   string
	TotalBytes    int64
	ReceivedBytes int64
	State         DownloadState
	StartedAt     time.Time
	FinishedAt    time.Time
}

// maxCompleted bounds the finished-download log so a long session does
// not grow without limit; oldest entries are evicted first.
const maxCompleted = 128

// DownloadsWatchdog tracks browser downloads through the state machine
// Started -> InProgress -> {Completed, Canceled}.
type DownloadsWatchdog struct {
	bus *bus.Bus
	dir string

	mu        sync.RWMutex
	active    map[string]DownloadRecord
	completed []DownloadRecord

	client *cdp.Client
	subs   []cdp.SubID
}

// NewDownloadsWatchdog creates a downloads watchdog saving into dir.
func NewDownloadsWatchdog(b *bus.Bus, dir string) *DownloadsWatchdog {
	return &DownloadsWatchdog{
		bus:    b,
		dir:    dir,
		active: make(map[string]DownloadRecord),
	}
}

// Name implements watchdog.Watchdog.
func (w *DownloadsWatchdog) Name() string { return "downloads" }

// OnEvent implements watchdog.Watchdog.
func (w *DownloadsWatchdog) OnEvent(ev bus.Event) {
	switch ev.Kind {
	case bus.KindStarted:
		if err := os.MkdirAll(w.dir, 0750); err != nil {
			L_error("downloads: failed to create download directory", "dir", w.dir, "error", err)
		}
	case bus.KindStopped:
		w.mu.Lock()
		w.active = make(map[string]DownloadRecord)
		w.mu.Unlock()
	}
}

// OnAttach tells the browser where to put downloads and subscribes to the
// download event stream.
func (w *DownloadsWatchdog) OnAttach(client *cdp.Client) error {
	w.client = client

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// Browser-level command, no session id.
	_, err := client.Send(ctx, "Browser.setDownloadBehavior", map[string]any{
		"behavior":      "allowAndName",
		"downloadPath":  w.dir,
		"eventsEnabled": true,
	}, "")
	if err != nil {
		L_warn("downloads: setDownloadBehavior failed", "error", err)
	}

	w.subs = append(w.subs,
		client.Subscribe("Browser.downloadWillBegin", "", w.onWillBegin),
		client.Subscribe("Browser.downloadProgress", "", w.onProgress),
	)

	L_info("downloads: attached", "dir", w.dir)
	return nil
}

// OnDetach drops subscriptions and the active set. The completed log is
// kept so queries during teardown still return last-known state.
func (w *DownloadsWatchdog) OnDetach() error {
	for _, id := range w.subs {
		w.client.Unsubscribe(id)
	}
	w.subs = nil

	w.mu.Lock()
	w.active = make(map[string]DownloadRecord)
	w.mu.Unlock()

	L_info("downloads: detached")
	return nil
}

// Active returns a snapshot of in-flight downloads.
func (w *DownloadsWatchdog) Active() []DownloadRecord {
	w.mu.RLock()
	defer w.mu.RUnlock()

	out := make([]DownloadRecord, 0, len(w.active))
	for _, rec := range w.active {
		out = append(out, rec)
	}
	return out
}

// Completed returns a snapshot of the bounded finished-download log,
// oldest first.
func (w *DownloadsWatchdog) Completed() []DownloadRecord {
	w.mu.RLock()
	defer w.mu.RUnlock()

	out := make([]DownloadRecord, len(w.completed))
	copy(out, w.completed)
	return out
}

func (w *DownloadsWatchdog) onWillBegin(ev cdp.Event) {
	guid := gjson.GetBytes(ev.Params, "guid").String()
	if guid == "" {
		return
	}

	rec := DownloadRecord{
		GUID:      guid,
		URL:       gjson.GetBytes(ev.Params, "url").String(),
		Filename:  gjson.GetBytes(ev.Params, "suggestedFilename").String(),
		State:     DownloadStarted,
		StartedAt: time.Now(),
	}
	rec.Destination = filepath.Join(w.dir, rec.Filename)

	w.mu.Lock()
	w.active[guid] = rec
	w.mu.Unlock()

	L_info("downloads: started", "guid", guid, "url", rec.URL, "filename", rec.Filename)
}

func (w *DownloadsWatchdog) onProgress(ev cdp.Event) {
	guid := gjson.GetBytes(ev.Params, "guid").String()
	if guid == "" {
		return
	}
	state := gjson.GetBytes(ev.Params, "state").String()
	total := gjson.GetBytes(ev.Params, "totalBytes").Int()
	received := gjson.GetBytes(ev.Params, "receivedBytes").Int()

	var done *DownloadRecord

	w.mu.Lock()
	rec, ok := w.active[guid]
	if !ok || rec.State.Terminal() {
		// Unknown GUID or a late event for a finished download; terminal
		// states never transition.
		w.mu.Unlock()
		return
	}

	rec.TotalBytes = total
	rec.ReceivedBytes = received

	switch state {
	case "completed":
		rec.State = DownloadCompleted
		rec.FinishedAt = time.Now()
		w.retire(rec)
		delete(w.active, guid)
		done = &rec
	case "canceled":
		rec.State = DownloadCanceled
		rec.FinishedAt = time.Now()
		w.retire(rec)
		delete(w.active, guid)
	default:
		rec.State = DownloadInProgress
		w.active[guid] = rec
	}
	w.mu.Unlock()

	if done != nil {
		L_info("downloads: completed", "guid", guid, "url", done.URL, "bytes", done.ReceivedBytes, "path", done.Destination)
		w.bus.Publish(bus.FileDownloaded(done.Destination, done.URL))
	} else if state == "canceled" {
		L_warn("downloads: canceled", "guid", guid)
	} else if total > 0 {
		L_trace("downloads: progress", "guid", guid, "received", received, "total", total)
	}
}

// retire appends to the completed log, evicting the oldest entry when the
// bound is hit. Caller holds the write lock.
func (w *DownloadsWatchdog) retire(rec DownloadRecord) {
	if len(w.completed) >= maxCompleted {
		w.completed = w.completed[1:]
	}
	w.completed = append(w.completed, rec)
}
