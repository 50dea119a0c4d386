package store

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roelfdiedericks/gocdp/internal/bus"
	"github.com/roelfdiedericks/gocdp/internal/watchdogs"
)

func openTemp(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "archive.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestOpenMigratesAndReopens(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sub", "archive.db")

	s, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, s.RecordEvent("sess", bus.Started()))
	require.NoError(t, s.Close())

	// Second open finds the schema already current.
	s, err = Open(path)
	require.NoError(t, err)
	defer s.Close()

	events, err := s.RecentEvents(10)
	require.NoError(t, err)
	assert.Len(t, events, 1)
}

func TestRecordAndQueryEvents(t *testing.T) {
	s := openTemp(t)

	require.NoError(t, s.RecordEvent("sess-1", bus.NavigationStarted("https://example.com")))
	require.NoError(t, s.RecordEvent("sess-1", bus.TargetCrashed("tab-9")))
	require.NoError(t, s.RecordEvent("sess-1", bus.FileDownloaded("/tmp/dl/f.zip", "https://example.com/f.zip")))
	require.NoError(t, s.RecordEvent("sess-1", bus.Event{Kind: bus.KindGap, Missed: 7, Time: time.Now()}))

	events, err := s.RecentEvents(10)
	require.NoError(t, err)
	require.Len(t, events, 4)

	// Newest first.
	assert.Equal(t, "gap", events[0].Kind)
	assert.Equal(t, int64(7), events[0].Missed)
	assert.Equal(t, "file_downloaded", events[1].Kind)
	assert.Equal(t, "/tmp/dl/f.zip", events[1].Path)
	assert.Equal(t, "target_crashed", events[2].Kind)
	assert.Equal(t, "tab-9", events[2].TargetID)
	assert.Equal(t, "navigation_started", events[3].Kind)
	assert.Equal(t, "https://example.com", events[3].URL)
	assert.Equal(t, "sess-1", events[3].SessionID)
	assert.False(t, events[3].At.IsZero())

	limited, err := s.RecentEvents(2)
	require.NoError(t, err)
	assert.Len(t, limited, 2)
}

func TestRecordDownloadUpsert(t *testing.T) {
	s := openTemp(t)

	rec := watchdogs.DownloadRecord{
		GUID:          "g1",
		URL:           "https://example.com/f.zip",
		Filename:      "f.zip",
		Destination:   "/tmp/f.zip",
		TotalBytes:    100,
		ReceivedBytes: 50,
		State:         watchdogs.DownloadInProgress,
		StartedAt:     time.Now(),
	}
	require.NoError(t, s.RecordDownload("sess-1", rec))

	rec.ReceivedBytes = 100
	rec.State = watchdogs.DownloadCompleted
	rec.FinishedAt = time.Now()
	require.NoError(t, s.RecordDownload("sess-1", rec))

	var state string
	var received int64
	err := s.db.QueryRow("SELECT state, received_bytes FROM downloads WHERE guid = ?", "g1").Scan(&state, &received)
	require.NoError(t, err)
	assert.Equal(t, "completed", state)
	assert.Equal(t, int64(100), received)

	var count int
	require.NoError(t, s.db.QueryRow("SELECT COUNT(*) FROM downloads").Scan(&count))
	assert.Equal(t, 1, count, "upsert must not duplicate rows")
}

func TestArchiveDrainsSubscription(t *testing.T) {
	s := openTemp(t)

	b := bus.New()
	sub := b.Subscribe()
	defer sub.Unsubscribe()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Archive(ctx, "sess-1", sub, nil)

	b.Publish(bus.Started())
	b.Publish(bus.NavigationStarted("https://example.com"))

	assert.Eventually(t, func() bool {
		events, err := s.RecentEvents(10)
		return err == nil && len(events) == 2
	}, 5*time.Second, 20*time.Millisecond)
}

type fixedDownloads struct {
	records []watchdogs.DownloadRecord
}

func (f *fixedDownloads) Completed() []watchdogs.DownloadRecord { return f.records }

func TestArchiveRecordsFinishedDownloads(t *testing.T) {
	s := openTemp(t)

	src := &fixedDownloads{records: []watchdogs.DownloadRecord{{
		GUID:          "g7",
		URL:           "https://example.com/report.pdf",
		Filename:      "report.pdf",
		Destination:   "/tmp/dl/report.pdf",
		ReceivedBytes: 2048,
		TotalBytes:    2048,
		State:         watchdogs.DownloadCompleted,
		StartedAt:     time.Now(),
		FinishedAt:    time.Now(),
	}}}

	b := bus.New()
	sub := b.Subscribe()
	defer sub.Unsubscribe()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Archive(ctx, "sess-1", sub, src)

	b.Publish(bus.FileDownloaded("/tmp/dl/report.pdf", "https://example.com/report.pdf"))

	assert.Eventually(t, func() bool {
		var state string
		err := s.db.QueryRow("SELECT state FROM downloads WHERE guid = ?", "g7").Scan(&state)
		return err == nil && state == "completed"
	}, 5*time.Second, 20*time.Millisecond)

	// The event itself is archived too, path included.
	events, err := s.RecentEvents(10)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "/tmp/dl/report.pdf", events[0].Path)
}

func TestMigrateErrorsPropagate(t *testing.T) {
	path := filepath.Join(t.TempDir(), "archive.db")

	s, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, s.RecordEvent("sess", bus.Started()))
	require.NoError(t, s.Close())

	// Break the version query in a way that is neither "no rows" nor
	// "no such table". Reopening must refuse to rerun migrations.
	db, err := sql.Open("sqlite3", path)
	require.NoError(t, err)
	_, err = db.Exec("ALTER TABLE schema_version RENAME COLUMN version TO v")
	require.NoError(t, err)
	require.NoError(t, db.Close())

	_, err = Open(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "read schema version")
}
