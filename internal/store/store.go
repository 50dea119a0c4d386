// Package store archives bus events and finished downloads to SQLite so
// a long automation run leaves an inspectable trail.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/roelfdiedericks/gocdp/internal/bus"
	. "github.com/roelfdiedericks/gocdp/internal/logging"
	"github.com/roelfdiedericks/gocdp/internal/watchdogs"
)

// Schema version for migrations
const currentSchemaVersion = 2

// Store is the SQLite archive.
type Store struct {
	db   *sql.DB
	path string
}

// Open opens (creating if needed) the archive at path.
func Open(path string) (*Store, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, fmt.Errorf("store: create directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("store: open database: %w", err)
	}

	s := &Store{db: db, path: path}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: migration failed: %w", err)
	}

	L_info("store: opened", "path", path)
	return s, nil
}

// Close closes the database.
func (s *Store) Close() error { return s.db.Close() }

func (s *Store) migrate() error {
	var version int
	err := s.db.QueryRow("SELECT version FROM schema_version ORDER BY version DESC LIMIT 1").Scan(&version)
	switch {
	case err == nil:
	case errors.Is(err, sql.ErrNoRows):
		version = 0
	case strings.Contains(err.Error(), "no such table"):
		// Fresh database, start from scratch.
		version = 0
	default:
		// Anything else (locked, corrupt, I/O) must not restart migrations
		// against a populated database.
		return fmt.Errorf("read schema version: %w", err)
	}

	if version >= currentSchemaVersion {
		L_debug("store: schema up to date", "version", version)
		return nil
	}

	migrations := []func(*sql.DB) error{
		migrateV1,
		migrateV2,
	}

	for i := version; i < len(migrations); i++ {
		if err := migrations[i](s.db); err != nil {
			return fmt.Errorf("migration v%d: %w", i+1, err)
		}
		L_debug("store: applied migration", "version", i+1)
	}

	return nil
}

func migrateV1(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		applied_at INTEGER NOT NULL
	);
	INSERT INTO schema_version (version, applied_at) VALUES (1, ?);

	CREATE TABLE IF NOT EXISTS events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id TEXT NOT NULL,
		kind TEXT NOT NULL,
		url TEXT NOT NULL DEFAULT '',
		target_id TEXT NOT NULL DEFAULT '',
		reason TEXT NOT NULL DEFAULT '',
		missed INTEGER NOT NULL DEFAULT 0,
		at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_events_session ON events(session_id, at);

	CREATE TABLE IF NOT EXISTS downloads (
		guid TEXT PRIMARY KEY,
		session_id TEXT NOT NULL,
		url TEXT NOT NULL DEFAULT '',
		filename TEXT NOT NULL DEFAULT '',
		destination TEXT NOT NULL DEFAULT '',
		received_bytes INTEGER NOT NULL DEFAULT 0,
		total_bytes INTEGER NOT NULL DEFAULT 0,
		state TEXT NOT NULL,
		started_at INTEGER NOT NULL,
		finished_at INTEGER NOT NULL DEFAULT 0
	);
	`
	_, err := db.Exec(schema, time.Now().Unix())
	return err
}

func migrateV2(db *sql.DB) error {
	schema := `
	ALTER TABLE events ADD COLUMN path TEXT NOT NULL DEFAULT '';
	INSERT INTO schema_version (version, applied_at) VALUES (2, ?);
	`
	_, err := db.Exec(schema, time.Now().Unix())
	return err
}

// RecordEvent appends one bus event to the archive.
func (s *Store) RecordEvent(sessionID string, ev bus.Event) error {
	_, err := s.db.Exec(
		"INSERT INTO events (session_id, kind, url, target_id, reason, path, missed, at) VALUES (?, ?, ?, ?, ?, ?, ?, ?)",
		sessionID, ev.Kind.String(), ev.URL, ev.TargetID, ev.Reason, ev.Path, int64(ev.Missed), ev.Time.UnixMilli(),
	)
	return err
}

// RecordDownload upserts a finished download.
func (s *Store) RecordDownload(sessionID string, rec watchdogs.DownloadRecord) error {
	_, err := s.db.Exec(
		`INSERT INTO downloads (guid, session_id, url, filename, destination, received_bytes, total_bytes, state, started_at, finished_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(guid) DO UPDATE SET
		   received_bytes=excluded.received_bytes,
		   total_bytes=excluded.total_bytes,
		   state=excluded.state,
		   finished_at=excluded.finished_at`,
		rec.GUID, sessionID, rec.URL, rec.Filename, rec.Destination,
		rec.ReceivedBytes, rec.TotalBytes, rec.State.String(),
		rec.StartedAt.UnixMilli(), rec.FinishedAt.UnixMilli(),
	)
	return err
}

// EventRow is one archived event.
type EventRow struct {
	ID        int64
	SessionID string
	Kind      string
	URL       string
	TargetID  string
	Reason    string
	Path      string
	Missed    int64
	At        time.Time
}

// RecentEvents returns up to limit events, newest first.
func (s *Store) RecentEvents(limit int) ([]EventRow, error) {
	rows, err := s.db.Query(
		"SELECT id, session_id, kind, url, target_id, reason, path, missed, at FROM events ORDER BY id DESC LIMIT ?",
		limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []EventRow
	for rows.Next() {
		var r EventRow
		var at int64
		if err := rows.Scan(&r.ID, &r.SessionID, &r.Kind, &r.URL, &r.TargetID, &r.Reason, &r.Path, &r.Missed, &at); err != nil {
			return nil, err
		}
		r.At = time.UnixMilli(at)
		out = append(out, r)
	}
	return out, rows.Err()
}

// DownloadSource reports downloads that have reached a terminal state.
type DownloadSource interface {
	Completed() []watchdogs.DownloadRecord
}

// Archive drains a bus subscription into the store until ctx is done.
// It runs on its own goroutine with its own delivery cursor, so a slow
// disk lags this subscriber and nobody else. When downloads is non-nil,
// a FileDownloaded event also persists the matching download record.
func (s *Store) Archive(ctx context.Context, sessionID string, sub *bus.Subscription, downloads DownloadSource) {
	go func() {
		for {
			ev, err := sub.Recv(ctx)
			if err != nil {
				return
			}
			if err := s.RecordEvent(sessionID, ev); err != nil {
				L_warn("store: event record failed", "kind", ev.Kind.String(), "error", err)
			}
			if ev.Kind == bus.KindFileDownloaded && downloads != nil {
				s.archiveDownload(sessionID, ev.Path, downloads)
			}
		}
	}()
}

func (s *Store) archiveDownload(sessionID, path string, downloads DownloadSource) {
	for _, rec := range downloads.Completed() {
		if rec.Destination != path {
			continue
		}
		if err := s.RecordDownload(sessionID, rec); err != nil {
			L_warn("store: download record failed", "guid", rec.GUID, "error", err)
		}
	}
}
