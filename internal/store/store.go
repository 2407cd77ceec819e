// Package store persists events, messages, contacts, reminder triggers,
// and push subscriptions in SQLite. Search is hybrid: FTS5 keyword
// ranking fused with cosine similarity over embedding vectors.
//
// Write methods degrade instead of failing: a failed write is
// dead-lettered and reported by sentinel (-1 or false), so the ingest
// pipeline and scheduler never stop on storage trouble. Single-row
// reads return errors; list reads degrade to empty.
package store

import (
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/Akshat74747/argus/internal/faults"
)

// Event statuses.
const (
	StatusDiscovered = "discovered"
	StatusPending    = "pending"
	StatusScheduled  = "scheduled"
	StatusReminded   = "reminded"
	StatusSnoozed    = "snoozed"
	StatusCompleted  = "completed"
	StatusExpired    = "expired"
	StatusIgnored    = "ignored"
)

// ValidStatus reports whether s is a known event status.
func ValidStatus(s string) bool {
	switch s {
	case StatusDiscovered, StatusPending, StatusScheduled, StatusReminded,
		StatusSnoozed, StatusCompleted, StatusExpired, StatusIgnored:
		return true
	}
	return false
}

// activeStatuses are the states search and matching consider live.
var activeStatuses = []string{StatusPending, StatusScheduled, StatusDiscovered}

// Store manages all persistence. One instance per process, injected by
// reference.
type Store struct {
	db         *sql.DB
	ftsEnabled bool
	logger     *slog.Logger
	guard      *faults.Guard

	hotWindowDays int

	mu       sync.Mutex
	counters map[string]int64

	// now is swappable for tests.
	now func() time.Time
}

// Options tune the store.
type Options struct {
	// HotWindowDays bounds how far back search looks. Zero means 90.
	HotWindowDays int
}

// NewStore opens (or creates) the database at dbPath and migrates the
// schema. guard supplies logging and dead-lettering for degraded writes.
func NewStore(dbPath string, guard *faults.Guard, opts Options) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// SQLite handles one writer at a time; serialize at the pool level so
	// concurrent pipeline writes queue instead of erroring.
	db.SetMaxOpenConns(1)

	if opts.HotWindowDays <= 0 {
		opts.HotWindowDays = 90
	}

	s := &Store{
		db:            db,
		logger:        guard.Logger,
		guard:         guard,
		hotWindowDays: opts.HotWindowDays,
		counters:      make(map[string]int64),
		now:           time.Now,
	}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return s, nil
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS events (
			id INTEGER PRIMARY KEY,
			type TEXT NOT NULL DEFAULT 'reminder',
			title TEXT NOT NULL,
			description TEXT,
			event_time INTEGER,
			location TEXT,
			context_url TEXT,
			keywords TEXT,
			status TEXT NOT NULL DEFAULT 'discovered',
			confidence REAL NOT NULL DEFAULT 0,
			sender_name TEXT,
			source_msg_id INTEGER,
			reminder_time INTEGER,
			snooze_until INTEGER,
			pending_update TEXT,
			embedding BLOB,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_events_status ON events(status);
		CREATE INDEX IF NOT EXISTS idx_events_event_time ON events(event_time);
		CREATE INDEX IF NOT EXISTS idx_events_reminder_time ON events(reminder_time);
		CREATE INDEX IF NOT EXISTS idx_events_created ON events(created_at);

		CREATE TABLE IF NOT EXISTS messages (
			id INTEGER PRIMARY KEY,
			external_id TEXT,
			chat_jid TEXT NOT NULL,
			sender_jid TEXT,
			sender_name TEXT,
			body TEXT,
			from_me INTEGER NOT NULL DEFAULT 0,
			group_chat INTEGER NOT NULL DEFAULT 0,
			sent_at INTEGER NOT NULL,
			created_at TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_messages_chat ON messages(chat_jid);
		CREATE UNIQUE INDEX IF NOT EXISTS idx_messages_external
			ON messages(external_id) WHERE external_id IS NOT NULL;

		CREATE TABLE IF NOT EXISTS contacts (
			jid TEXT PRIMARY KEY,
			name TEXT,
			message_count INTEGER NOT NULL DEFAULT 0,
			last_seen INTEGER NOT NULL DEFAULT 0
		);

		CREATE TABLE IF NOT EXISTS triggers (
			id INTEGER PRIMARY KEY,
			event_id INTEGER NOT NULL REFERENCES events(id),
			kind TEXT NOT NULL,
			fire_at INTEGER,
			fired INTEGER NOT NULL DEFAULT 0,
			created_at TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_triggers_event ON triggers(event_id);
		CREATE INDEX IF NOT EXISTS idx_triggers_fire ON triggers(fired, fire_at);

		CREATE TABLE IF NOT EXISTS context_dismissals (
			event_id INTEGER NOT NULL,
			url_pattern TEXT,
			dismissed_at INTEGER NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_dismissals_event ON context_dismissals(event_id);

		CREATE TABLE IF NOT EXISTS push_subscriptions (
			id INTEGER PRIMARY KEY,
			endpoint TEXT NOT NULL UNIQUE,
			keys TEXT,
			created_at TEXT NOT NULL
		);
	`)
	if err != nil {
		return err
	}

	s.tryEnableFTS()
	return nil
}

// tryEnableFTS creates the FTS5 virtual table for event search.
// Falls back to LIKE-based search when FTS5 is not available.
func (s *Store) tryEnableFTS() {
	_, err := s.db.Exec(`
		CREATE VIRTUAL TABLE IF NOT EXISTS events_fts USING fts5(
			title,
			description,
			keywords,
			location,
			content=events,
			content_rowid=id
		)
	`)
	if err != nil {
		s.logger.Warn("FTS5 not available for events, using LIKE fallback", "error", err)
		return
	}
	s.ftsEnabled = true

	if _, err := s.db.Exec(`INSERT INTO events_fts(events_fts) VALUES('rebuild')`); err != nil {
		s.logger.Warn("failed to rebuild events FTS index", "error", err)
		s.ftsEnabled = false
	}
}

func (s *Store) rebuildFTS() {
	if !s.ftsEnabled {
		return
	}
	if _, err := s.db.Exec(`INSERT INTO events_fts(events_fts) VALUES('rebuild')`); err != nil {
		s.logger.Warn("failed to rebuild events FTS index", "error", err)
	}
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// ProbeRead checks that the database answers a trivial query. Callers
// use it to tell an empty list result apart from a degraded store.
func (s *Store) ProbeRead() error {
	var one int
	if err := s.db.QueryRow(`SELECT 1`).Scan(&one); err != nil {
		return storeErr("probe", "events", err)
	}
	return nil
}

// nextID returns a monotonically increasing id for table, seeded from
// MAX(id) on first use. Counters never go backwards within a process,
// even when rows are deleted underneath them.
func (s *Store) nextID(table string) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.counters[table]; !ok {
		var maxID sql.NullInt64
		_ = s.db.QueryRow(`SELECT MAX(id) FROM ` + table).Scan(&maxID)
		s.counters[table] = maxID.Int64
	}
	s.counters[table]++
	return s.counters[table]
}

// reseedCounters refreshes every counter from the table contents. Called
// after a backup import changes ids underneath us.
func (s *Store) reseedCounters() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for table := range s.counters {
		var maxID sql.NullInt64
		_ = s.db.QueryRow(`SELECT MAX(id) FROM ` + table).Scan(&maxID)
		s.counters[table] = maxID.Int64
	}
}

// storeErr wraps err with operation context for the dead-letter log.
func storeErr(op, collection string, err error) error {
	return &faults.StoreError{Op: op, Collection: collection, Err: err}
}

// placeholders returns "?, ?, ..." with n entries.
func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

func nullStr(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullInt(v int64) sql.NullInt64 {
	if v == 0 {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: v, Valid: true}
}
