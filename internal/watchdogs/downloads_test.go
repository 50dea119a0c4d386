package watchdogs

import (
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/roelfdiedericks/gocdp/internal/bus"
	"github.com/roelfdiedericks/gocdp/internal/cdp"
)

func beginEvent(guid, url, filename string) cdp.Event {
	params, _ := json.Marshal(map[string]any{
		"guid":              guid,
		"url":               url,
		"suggestedFilename": filename,
	})
	return cdp.Event{Method: "Browser.downloadWillBegin", Params: params}
}

func progressEvent(guid, state string, received, total int64) cdp.Event {
	params, _ := json.Marshal(map[string]any{
		"guid":          guid,
		"state":         state,
		"receivedBytes": received,
		"totalBytes":    total,
	})
	return cdp.Event{Method: "Browser.downloadProgress", Params: params}
}

func TestDownloadLifecycle(t *testing.T) {
	b := bus.New()
	sub := b.Subscribe()
	defer sub.Unsubscribe()

	w := NewDownloadsWatchdog(b, t.TempDir())

	w.onWillBegin(beginEvent("g1", "https://example.com/file.zip", "file.zip"))
	active := w.Active()
	if len(active) != 1 || active[0].State != DownloadStarted {
		t.Fatalf("after begin: %+v", active)
	}

	w.onProgress(progressEvent("g1", "inProgress", 512, 1024))
	active = w.Active()
	if len(active) != 1 || active[0].State != DownloadInProgress {
		t.Fatalf("after progress: %+v", active)
	}
	if active[0].ReceivedBytes != 512 || active[0].TotalBytes != 1024 {
		t.Fatalf("byte counts not updated: %+v", active[0])
	}

	w.onProgress(progressEvent("g1", "completed", 1024, 1024))
	if len(w.Active()) != 0 {
		t.Fatal("completed download still active")
	}
	done := w.Completed()
	if len(done) != 1 || done[0].State != DownloadCompleted {
		t.Fatalf("completed log: %+v", done)
	}
	if done[0].FinishedAt.IsZero() {
		t.Error("FinishedAt not set")
	}

	select {
	case ev := <-sub.Events():
		if ev.Kind != bus.KindFileDownloaded {
			t.Fatalf("kind = %v, want file_downloaded", ev.Kind)
		}
		if ev.URL != "https://example.com/file.zip" {
			t.Fatalf("url = %q", ev.URL)
		}
		if ev.Path == "" {
			t.Fatal("path not set")
		}
	case <-time.After(time.Second):
		t.Fatal("no file_downloaded event")
	}
}

func TestDownloadCanceled(t *testing.T) {
	b := bus.New()
	sub := b.Subscribe()
	defer sub.Unsubscribe()

	w := NewDownloadsWatchdog(b, t.TempDir())
	w.onWillBegin(beginEvent("g1", "https://example.com/f", "f"))
	w.onProgress(progressEvent("g1", "canceled", 10, 100))

	if len(w.Active()) != 0 {
		t.Fatal("canceled download still active")
	}
	done := w.Completed()
	if len(done) != 1 || done[0].State != DownloadCanceled {
		t.Fatalf("completed log: %+v", done)
	}

	// Cancellation is not a completion; no bus event.
	select {
	case ev := <-sub.Events():
		t.Fatalf("unexpected event: %v", ev)
	default:
	}
}

func TestDownloadTerminalStatesImmutable(t *testing.T) {
	w := NewDownloadsWatchdog(bus.New(), t.TempDir())
	w.onWillBegin(beginEvent("g1", "https://example.com/f", "f"))
	w.onProgress(progressEvent("g1", "completed", 100, 100))

	// Late progress for a finished GUID must change nothing.
	w.onProgress(progressEvent("g1", "inProgress", 50, 100))
	w.onProgress(progressEvent("g1", "canceled", 50, 100))

	if len(w.Active()) != 0 {
		t.Fatal("finished download resurrected")
	}
	done := w.Completed()
	if len(done) != 1 || done[0].State != DownloadCompleted {
		t.Fatalf("terminal state mutated: %+v", done)
	}
	if done[0].ReceivedBytes != 100 {
		t.Fatalf("byte count mutated after completion: %d", done[0].ReceivedBytes)
	}
}

func TestDownloadUnknownGUIDIgnored(t *testing.T) {
	w := NewDownloadsWatchdog(bus.New(), t.TempDir())
	w.onProgress(progressEvent("ghost", "inProgress", 1, 2))
	if len(w.Active()) != 0 || len(w.Completed()) != 0 {
		t.Fatal("progress for unknown GUID created state")
	}
}

func TestDownloadCompletedLogBounded(t *testing.T) {
	w := NewDownloadsWatchdog(bus.New(), t.TempDir())

	for i := 0; i < maxCompleted+10; i++ {
		guid := fmt.Sprintf("g%d", i)
		w.onWillBegin(beginEvent(guid, "https://example.com/f", "f"))
		w.onProgress(progressEvent(guid, "completed", 1, 1))
	}

	done := w.Completed()
	if len(done) != maxCompleted {
		t.Fatalf("log length = %d, want %d", len(done), maxCompleted)
	}
	// Oldest entries were evicted; the first survivor is g10.
	if done[0].GUID != "g10" {
		t.Fatalf("oldest survivor = %s, want g10", done[0].GUID)
	}
	if done[len(done)-1].GUID != fmt.Sprintf("g%d", maxCompleted+9) {
		t.Fatalf("newest = %s", done[len(done)-1].GUID)
	}
}
