// Package diagnostics provides an append-only journal of connection and
// proxy lifecycle events, backed by pure-Go SQLite. It exists purely for
// post-mortem debugging — nothing in the runtime reads it back to make a
// decision — so writes are fire-and-forget best effort and never block a
// live Invoke or Announce.
package diagnostics

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	_ "modernc.org/sqlite"
)

// EventKind classifies a journalled lifecycle event.
type EventKind string

const (
	EventConnectionOpened EventKind = "connection_opened"
	EventConnectionClosed EventKind = "connection_closed"
	EventAnnounceAquire   EventKind = "announce_aquire"
	EventAnnounceOffer    EventKind = "announce_offer"
	EventAnnounceRevoke   EventKind = "announce_revoke"
	EventChildLaunched    EventKind = "child_launched"
	EventChildShutdown    EventKind = "child_shutdown"
)

// Event is one journalled occurrence.
type Event struct {
	ID           string
	ConnectionID uint64
	Kind         EventKind
	Detail       string
	At           time.Time
}

// Journal is an append-only connection/lifecycle event log backed by a
// pure-Go SQLite database in WAL mode.
type Journal struct {
	db  *sql.DB
	log logrus.FieldLogger
}

// Open opens (or creates) the journal database at dbPath.
func Open(dbPath string, log logrus.FieldLogger) (*Journal, error) {
	if log == nil {
		log = logrus.StandardLogger()
	}
	if err := os.MkdirAll(filepath.Dir(dbPath), 0700); err != nil {
		return nil, errors.Wrap(err, "diagnostics: create db directory")
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, errors.Wrap(err, "diagnostics: open database")
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "diagnostics: set WAL mode")
	}

	j := &Journal{db: db, log: log}
	if err := j.migrate(); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "diagnostics: migrate")
	}
	return j, nil
}

// Close closes the underlying database.
func (j *Journal) Close() error {
	return j.db.Close()
}

func (j *Journal) migrate() error {
	_, err := j.db.Exec(`
		CREATE TABLE IF NOT EXISTS connection_events (
			id            TEXT PRIMARY KEY,
			connection_id INTEGER NOT NULL,
			kind          TEXT NOT NULL,
			detail        TEXT NOT NULL DEFAULT '',
			at            TEXT NOT NULL DEFAULT (datetime('now'))
		)
	`)
	return err
}

// Record appends an event. Failures are logged, not returned, by Record's
// callers via RecordAsync; Record itself still returns the error for
// callers that want to know (e.g. tests).
func (j *Journal) Record(connectionID uint64, kind EventKind, detail string) error {
	id := uuid.NewString()
	_, err := j.db.Exec(
		`INSERT INTO connection_events (id, connection_id, kind, detail) VALUES (?, ?, ?, ?)`,
		id, connectionID, string(kind), detail,
	)
	return err
}

// RecordAsync records the event on a background goroutine, logging
// rather than propagating a failure — diagnostics must never slow down
// or fail the operation that triggered them.
func (j *Journal) RecordAsync(connectionID uint64, kind EventKind, detail string) {
	go func() {
		if err := j.Record(connectionID, kind, detail); err != nil {
			j.log.WithError(err).WithField("kind", kind).Warn("diagnostics: failed to record event")
		}
	}()
}

// Recent returns the most recent events for connectionID, newest first,
// capped at limit. Events recorded within the same second are ordered by
// insertion, latest first.
func (j *Journal) Recent(connectionID uint64, limit int) ([]Event, error) {
	rows, err := j.db.Query(
		`SELECT id, connection_id, kind, detail, at FROM connection_events WHERE connection_id = ? ORDER BY at DESC, rowid DESC LIMIT ?`,
		connectionID, limit,
	)
	if err != nil {
		return nil, errors.Wrap(err, "diagnostics: query recent events")
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var e Event
		var at string
		if err := rows.Scan(&e.ID, &e.ConnectionID, &e.Kind, &e.Detail, &at); err != nil {
			return nil, errors.Wrap(err, "diagnostics: scan event row")
		}
		parsed, err := time.Parse("2006-01-02 15:04:05", at)
		if err == nil {
			e.At = parsed
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// Summarize formats a human-readable one-line summary of an event,
// including how long ago it happened, for CLI diagnostics output.
func (e Event) Summarize() string {
	return fmt.Sprintf("[conn %d] %s %s (%s ago)", e.ConnectionID, e.Kind, e.Detail, humanize.Time(e.At))
}
