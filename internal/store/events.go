package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/Akshat74747/argus/internal/faults"
)

// SQL fragments for query building.
const (
	eventColumns = "id, type, title, description, event_time, location, context_url, keywords, " +
		"status, confidence, sender_name, source_msg_id, reminder_time, snooze_until, pending_update, created_at, updated_at"
	eventColumnsWithEmbed = "id, type, title, description, event_time, location, context_url, keywords, " +
		"status, confidence, sender_name, source_msg_id, reminder_time, snooze_until, pending_update, embedding, created_at, updated_at"
)

// Event is a discovered commitment: a meeting, task, subscription, or
// reminder pulled out of chat.
type Event struct {
	ID            int64          `json:"id"`
	Type          string         `json:"type"`
	Title         string         `json:"title"`
	Description   string         `json:"description,omitempty"`
	EventTime     int64          `json:"event_time,omitempty"` // unix seconds, 0 = unscheduled
	Location      string         `json:"location,omitempty"`
	ContextURL    string         `json:"context_url,omitempty"`
	Keywords      []string       `json:"keywords,omitempty"`
	Status        string         `json:"status"`
	Confidence    float64        `json:"confidence"`
	SenderName    string         `json:"sender_name,omitempty"`
	SourceMsgID   int64          `json:"source_msg_id,omitempty"`
	ReminderTime  int64          `json:"reminder_time,omitempty"`
	SnoozeUntil   int64          `json:"snooze_until,omitempty"`
	PendingUpdate map[string]any `json:"pending_update,omitempty"`
	Embedding     []float32      `json:"-"`
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
}

// dedupWindow is how far back InsertEvent looks for a same-titled event.
const dedupWindow = 48 * time.Hour

// InsertEvent stores a new event unless a recent duplicate exists.
// Returns the row id and whether a new row was created; a duplicate
// returns the existing id with created=false. A failed write is
// dead-lettered and returns (-1, false).
func (s *Store) InsertEvent(ev *Event) (int64, bool) {
	if dup := s.findDuplicate(ev.Title); dup != 0 {
		s.logger.Debug("duplicate event suppressed", "title", ev.Title, "existing_id", dup)
		return dup, false
	}

	type insertResult struct {
		id int64
	}
	res := faultsSafe(s, "insert_event", ev, func() (insertResult, error) {
		id := s.nextID("events")
		now := s.now().UTC()

		keywords, err := json.Marshal(ev.Keywords)
		if err != nil {
			return insertResult{}, storeErr("insert", "events", err)
		}
		if ev.Status == "" {
			ev.Status = StatusDiscovered
		}
		if ev.Type == "" {
			ev.Type = "reminder"
		}

		// No reminder yet: a discovered event stays reminder-free until
		// the user schedules it.
		_, err = s.db.Exec(`
			INSERT INTO events (id, type, title, description, event_time, location, context_url,
				keywords, status, confidence, sender_name, source_msg_id, embedding, created_at, updated_at)
			VALUES (`+placeholders(15)+`)
		`, id, ev.Type, ev.Title, nullStr(ev.Description), nullInt(ev.EventTime),
			nullStr(ev.Location), nullStr(ev.ContextURL), string(keywords), ev.Status,
			ev.Confidence, nullStr(ev.SenderName), nullInt(ev.SourceMsgID),
			encodeEmbedding(ev.Embedding),
			now.Format(time.RFC3339), now.Format(time.RFC3339))
		if err != nil {
			return insertResult{}, storeErr("insert", "events", err)
		}
		return insertResult{id: id}, nil
	}, insertResult{id: -1})

	if res.id == -1 {
		return -1, false
	}
	ev.ID = res.id
	s.rebuildFTS()
	return res.id, true
}

// ReminderTimeFor picks the earliest still-future reminder offset for an
// event time: a day before, an hour before, or fifteen minutes before.
// Returns 0 for unscheduled events and events too close to remind.
func ReminderTimeFor(eventTime int64, now time.Time) int64 {
	if eventTime == 0 {
		return 0
	}
	for _, offset := range []int64{86400, 3600, 900} {
		at := eventTime - offset
		if at > now.Unix() {
			return at
		}
	}
	return 0
}

// findDuplicate looks for a live event created inside the dedup window
// whose normalized title matches: containment either way, except that
// short titles (two words or fewer) must match exactly.
func (s *Store) findDuplicate(title string) int64 {
	norm := normalizeTitle(title)
	if norm == "" {
		return 0
	}
	short := len(strings.Fields(norm)) <= 2

	cutoff := s.now().UTC().Add(-dedupWindow).Format(time.RFC3339)
	rows, err := s.db.Query(`
		SELECT id, title FROM events
		WHERE created_at >= ? AND status NOT IN (?, ?, ?)
		ORDER BY id DESC LIMIT 200
	`, cutoff, StatusCompleted, StatusExpired, StatusIgnored)
	if err != nil {
		return 0
	}
	defer rows.Close()

	for rows.Next() {
		var id int64
		var existing string
		if err := rows.Scan(&id, &existing); err != nil {
			continue
		}
		en := normalizeTitle(existing)
		if en == "" {
			continue
		}
		if short || len(strings.Fields(en)) <= 2 {
			if en == norm {
				return id
			}
			continue
		}
		if strings.Contains(en, norm) || strings.Contains(norm, en) {
			return id
		}
	}
	return 0
}

// titlePunct maps punctuation (including curly quotes and unicode
// dashes) to nothing during title normalization.
var titlePunct = strings.NewReplacer(
	".", "", ",", "", "!", "", "?", "", ";", "", ":", "",
	"'", "", "\"", "", "(", "", ")", "",
	"‘", "", "’", "", "“", "", "”", "",
	"–", " ", "—", " ", "-", " ", "‐", " ",
)

func normalizeTitle(title string) string {
	t := titlePunct.Replace(strings.ToLower(title))
	return strings.Join(strings.Fields(t), " ")
}

// GetEvent retrieves an event by id. Returns sql.ErrNoRows when absent.
func (s *Store) GetEvent(id int64) (*Event, error) {
	return scanEvent(s.db.QueryRow(
		`SELECT `+eventColumns+` FROM events WHERE id = ?`, id))
}

// UpdateEventStatus moves an event to status. Reports false when the
// event does not exist or the write fails.
func (s *Store) UpdateEventStatus(id int64, status string) bool {
	return faultsSafe(s, "update_event_status", map[string]any{"id": id, "status": status}, func() (bool, error) {
		res, err := s.db.Exec(`UPDATE events SET status = ?, updated_at = ? WHERE id = ?`,
			status, s.now().UTC().Format(time.RFC3339), id)
		if err != nil {
			return false, storeErr("update", "events", err)
		}
		n, _ := res.RowsAffected()
		return n > 0, nil
	}, false)
}

// SetEventReminder schedules a reminder and marks the event scheduled.
func (s *Store) SetEventReminder(id int64, at int64) bool {
	return faultsSafe(s, "set_event_reminder", map[string]any{"id": id, "at": at}, func() (bool, error) {
		res, err := s.db.Exec(`UPDATE events SET reminder_time = ?, status = ?, updated_at = ? WHERE id = ?`,
			at, StatusScheduled, s.now().UTC().Format(time.RFC3339), id)
		if err != nil {
			return false, storeErr("update", "events", err)
		}
		n, _ := res.RowsAffected()
		return n > 0, nil
	}, false)
}

// SnoozeEvent parks an event until the given time.
func (s *Store) SnoozeEvent(id int64, until int64) bool {
	return faultsSafe(s, "snooze_event", map[string]any{"id": id, "until": until}, func() (bool, error) {
		res, err := s.db.Exec(`UPDATE events SET snooze_until = ?, status = ?, updated_at = ? WHERE id = ?`,
			until, StatusSnoozed, s.now().UTC().Format(time.RFC3339), id)
		if err != nil {
			return false, storeErr("update", "events", err)
		}
		n, _ := res.RowsAffected()
		return n > 0, nil
	}, false)
}

// updatableColumns whitelists the fields a PATCH may touch.
var updatableColumns = map[string]bool{
	"type": true, "title": true, "description": true, "event_time": true,
	"location": true, "context_url": true, "status": true, "confidence": true,
}

// UpdateEventFields applies a partial update. Unknown fields are
// rejected with an error before any write happens.
func (s *Store) UpdateEventFields(id int64, fields map[string]any) (bool, error) {
	if len(fields) == 0 {
		return false, fmt.Errorf("no fields to update")
	}
	sets := make([]string, 0, len(fields)+1)
	args := make([]any, 0, len(fields)+2)
	for k, v := range fields {
		if !updatableColumns[k] {
			return false, fmt.Errorf("field %q is not updatable", k)
		}
		if k == "status" {
			sv, _ := v.(string)
			if !ValidStatus(sv) {
				return false, fmt.Errorf("invalid status %q", sv)
			}
		}
		sets = append(sets, k+" = ?")
		args = append(args, v)
	}
	sets = append(sets, "updated_at = ?")
	args = append(args, s.now().UTC().Format(time.RFC3339), id)

	ok := faultsSafe(s, "update_event_fields", map[string]any{"id": id, "fields": fields}, func() (bool, error) {
		res, err := s.db.Exec(`UPDATE events SET `+strings.Join(sets, ", ")+` WHERE id = ?`, args...)
		if err != nil {
			return false, storeErr("update", "events", err)
		}
		n, _ := res.RowsAffected()
		return n > 0, nil
	}, false)
	if ok {
		s.rebuildFTS()
	}
	return ok, nil
}

// SetPendingUpdate stages a modification that waits for the user to
// confirm. Nothing is applied until ApplyPendingUpdate.
func (s *Store) SetPendingUpdate(id int64, update map[string]any) bool {
	return faultsSafe(s, "set_pending_update", map[string]any{"id": id, "update": update}, func() (bool, error) {
		blob, err := json.Marshal(update)
		if err != nil {
			return false, storeErr("update", "events", err)
		}
		res, err := s.db.Exec(`UPDATE events SET pending_update = ?, updated_at = ? WHERE id = ?`,
			string(blob), s.now().UTC().Format(time.RFC3339), id)
		if err != nil {
			return false, storeErr("update", "events", err)
		}
		n, _ := res.RowsAffected()
		return n > 0, nil
	}, false)
}

// ApplyPendingUpdate applies the staged modification and clears it.
// Returns an error when there is nothing staged or a field is invalid.
func (s *Store) ApplyPendingUpdate(id int64) (*Event, error) {
	ev, err := s.GetEvent(id)
	if err != nil {
		return nil, err
	}
	if len(ev.PendingUpdate) == 0 {
		return nil, fmt.Errorf("event %d has no pending update", id)
	}

	if _, err := s.UpdateEventFields(id, ev.PendingUpdate); err != nil {
		return nil, err
	}
	faultsSafe(s, "clear_pending_update", id, func() (bool, error) {
		_, err := s.db.Exec(`UPDATE events SET pending_update = NULL WHERE id = ?`, id)
		if err != nil {
			return false, storeErr("update", "events", err)
		}
		return true, nil
	}, false)

	// Recompute the reminder when the time moved, but only for events
	// that already have one scheduled. A discovered event keeps its null
	// reminder until the user sets one.
	if raw, ok := ev.PendingUpdate["event_time"]; ok && ev.Status == StatusScheduled {
		if ft, ok := raw.(float64); ok {
			s.SetEventReminder(id, ReminderTimeFor(int64(ft), s.now()))
		}
	}
	return s.GetEvent(id)
}

// ClearPendingUpdate discards a staged modification without applying it.
func (s *Store) ClearPendingUpdate(id int64) bool {
	return faultsSafe(s, "clear_pending_update", id, func() (bool, error) {
		res, err := s.db.Exec(`UPDATE events SET pending_update = NULL, updated_at = ? WHERE id = ?`,
			s.now().UTC().Format(time.RFC3339), id)
		if err != nil {
			return false, storeErr("update", "events", err)
		}
		n, _ := res.RowsAffected()
		return n > 0, nil
	}, false)
}

// DeleteEvent removes an event and its triggers.
func (s *Store) DeleteEvent(id int64) bool {
	ok := faultsSafe(s, "delete_event", id, func() (bool, error) {
		res, err := s.db.Exec(`DELETE FROM events WHERE id = ?`, id)
		if err != nil {
			return false, storeErr("delete", "events", err)
		}
		if _, err := s.db.Exec(`DELETE FROM triggers WHERE event_id = ?`, id); err != nil {
			return false, storeErr("delete", "triggers", err)
		}
		n, _ := res.RowsAffected()
		return n > 0, nil
	}, false)
	if ok {
		s.rebuildFTS()
	}
	return ok
}

// ListEvents returns events, optionally filtered by status, newest
// first. Degrades to empty on error.
func (s *Store) ListEvents(status string, limit int) []*Event {
	if limit <= 0 {
		limit = 100
	}
	return faultsSafe(s, "list_events", status, func() ([]*Event, error) {
		var rows *sql.Rows
		var err error
		if status == "" {
			rows, err = s.db.Query(`SELECT `+eventColumns+` FROM events ORDER BY id DESC LIMIT ?`, limit)
		} else {
			rows, err = s.db.Query(`SELECT `+eventColumns+` FROM events WHERE status = ? ORDER BY id DESC LIMIT ?`, status, limit)
		}
		if err != nil {
			return nil, storeErr("query", "events", err)
		}
		defer rows.Close()
		return scanEvents(rows)
	}, nil)
}

// ListEventsPage is ListEvents with an offset for paging.
func (s *Store) ListEventsPage(status string, limit, offset int) []*Event {
	if limit <= 0 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}
	return faultsSafe(s, "list_events_page", status, func() ([]*Event, error) {
		var rows *sql.Rows
		var err error
		if status == "" {
			rows, err = s.db.Query(`SELECT `+eventColumns+` FROM events ORDER BY id DESC LIMIT ? OFFSET ?`, limit, offset)
		} else {
			rows, err = s.db.Query(`SELECT `+eventColumns+` FROM events WHERE status = ? ORDER BY id DESC LIMIT ? OFFSET ?`, status, limit, offset)
		}
		if err != nil {
			return nil, storeErr("query", "events", err)
		}
		defer rows.Close()
		return scanEvents(rows)
	}, nil)
}

// EventsForDay returns events whose event_time falls inside the local
// day containing ts.
func (s *Store) EventsForDay(ts int64, loc *time.Location) []*Event {
	day := time.Unix(ts, 0).In(loc)
	start := time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, loc)
	end := start.AddDate(0, 0, 1)

	return faultsSafe(s, "events_for_day", ts, func() ([]*Event, error) {
		rows, err := s.db.Query(`
			SELECT `+eventColumns+` FROM events
			WHERE event_time >= ? AND event_time < ?
			ORDER BY event_time
		`, start.Unix(), end.Unix())
		if err != nil {
			return nil, storeErr("query", "events", err)
		}
		defer rows.Close()
		return scanEvents(rows)
	}, nil)
}

// ActiveEvents returns live events (pending, scheduled, discovered)
// newest first, capped at limit. These feed the extraction prompt's
// candidate list.
func (s *Store) ActiveEvents(limit int) []*Event {
	if limit <= 0 {
		limit = 20
	}
	return faultsSafe(s, "active_events", limit, func() ([]*Event, error) {
		rows, err := s.db.Query(`
			SELECT `+eventColumns+` FROM events
			WHERE status IN (`+placeholders(len(activeStatuses))+`)
			ORDER BY id DESC LIMIT ?
		`, StatusPending, StatusScheduled, StatusDiscovered, limit)
		if err != nil {
			return nil, storeErr("query", "events", err)
		}
		defer rows.Close()
		return scanEvents(rows)
	}, nil)
}

// ConflictingEvents returns live events scheduled within an hour either
// side of at. Completed and expired events never conflict.
func (s *Store) ConflictingEvents(at int64, excludeID int64) []*Event {
	return faultsSafe(s, "conflicting_events", at, func() ([]*Event, error) {
		rows, err := s.db.Query(`
			SELECT `+eventColumns+` FROM events
			WHERE event_time IS NOT NULL
			  AND event_time BETWEEN ? AND ?
			  AND status NOT IN (?, ?)
			  AND id != ?
			ORDER BY event_time
		`, at-3600, at+3600, StatusCompleted, StatusExpired, excludeID)
		if err != nil {
			return nil, storeErr("query", "events", err)
		}
		defer rows.Close()
		return scanEvents(rows)
	}, nil)
}

// DueReminders returns scheduled events whose reminder time has passed.
func (s *Store) DueReminders(now time.Time) []*Event {
	return faultsSafe(s, "due_reminders", now.Unix(), func() ([]*Event, error) {
		rows, err := s.db.Query(`
			SELECT `+eventColumns+` FROM events
			WHERE status = ? AND reminder_time IS NOT NULL AND reminder_time <= ?
			ORDER BY reminder_time
		`, StatusScheduled, now.Unix())
		if err != nil {
			return nil, storeErr("query", "events", err)
		}
		defer rows.Close()
		return scanEvents(rows)
	}, nil)
}

// ExpiredSnoozes returns snoozed events whose snooze has elapsed.
func (s *Store) ExpiredSnoozes(now time.Time) []*Event {
	return faultsSafe(s, "expired_snoozes", now.Unix(), func() ([]*Event, error) {
		rows, err := s.db.Query(`
			SELECT `+eventColumns+` FROM events
			WHERE status = ? AND snooze_until IS NOT NULL AND snooze_until <= ?
			ORDER BY snooze_until
		`, StatusSnoozed, now.Unix())
		if err != nil {
			return nil, storeErr("query", "events", err)
		}
		defer rows.Close()
		return scanEvents(rows)
	}, nil)
}

// EventsWithoutEmbedding returns live events missing a vector, oldest
// first, for the backfill loop.
func (s *Store) EventsWithoutEmbedding(limit int) []*Event {
	if limit <= 0 {
		limit = 50
	}
	return faultsSafe(s, "events_without_embedding", limit, func() ([]*Event, error) {
		rows, err := s.db.Query(`
			SELECT `+eventColumns+` FROM events
			WHERE embedding IS NULL AND status IN (`+placeholders(len(activeStatuses))+`)
			ORDER BY id LIMIT ?
		`, StatusPending, StatusScheduled, StatusDiscovered, limit)
		if err != nil {
			return nil, storeErr("query", "events", err)
		}
		defer rows.Close()
		return scanEvents(rows)
	}, nil)
}

// SetEventEmbedding stores the vector for an event.
func (s *Store) SetEventEmbedding(id int64, embedding []float32) bool {
	return faultsSafe(s, "set_event_embedding", id, func() (bool, error) {
		_, err := s.db.Exec(`UPDATE events SET embedding = ? WHERE id = ?`, encodeEmbedding(embedding), id)
		if err != nil {
			return false, storeErr("update", "events", err)
		}
		return true, nil
	}, false)
}

// Stats returns event counts for /api/stats.
func (s *Store) Stats() map[string]any {
	var total, messages, contacts int
	_ = s.db.QueryRow(`SELECT COUNT(*) FROM events`).Scan(&total)
	_ = s.db.QueryRow(`SELECT COUNT(*) FROM messages`).Scan(&messages)
	_ = s.db.QueryRow(`SELECT COUNT(*) FROM contacts`).Scan(&contacts)

	byStatus := make(map[string]int)
	if rows, err := s.db.Query(`SELECT status, COUNT(*) FROM events GROUP BY status`); err == nil {
		defer rows.Close()
		for rows.Next() {
			var st string
			var n int
			if rows.Scan(&st, &n) == nil {
				byStatus[st] = n
			}
		}
	}

	byType := make(map[string]int)
	if rows, err := s.db.Query(`SELECT type, COUNT(*) FROM events GROUP BY type`); err == nil {
		defer rows.Close()
		for rows.Next() {
			var ty string
			var n int
			if rows.Scan(&ty, &n) == nil {
				byType[ty] = n
			}
		}
	}

	return map[string]any{
		"events":    total,
		"by_status": byStatus,
		"by_type":   byType,
		"messages":  messages,
		"contacts":  contacts,
	}
}

// --- scan helpers ---

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEvent(row rowScanner) (*Event, error) {
	var ev Event
	var description, location, contextURL, keywords, senderName, pendingUpdate sql.NullString
	var eventTime, sourceMsgID, reminderTime, snoozeUntil sql.NullInt64
	var createdStr, updatedStr string

	err := row.Scan(&ev.ID, &ev.Type, &ev.Title, &description, &eventTime, &location,
		&contextURL, &keywords, &ev.Status, &ev.Confidence, &senderName, &sourceMsgID,
		&reminderTime, &snoozeUntil, &pendingUpdate, &createdStr, &updatedStr)
	if err != nil {
		return nil, err
	}

	populateEvent(&ev, description, location, contextURL, keywords, senderName,
		pendingUpdate, eventTime, sourceMsgID, reminderTime, snoozeUntil, createdStr, updatedStr)
	return &ev, nil
}

func scanEventWithEmbedding(rows *sql.Rows) (*Event, error) {
	var ev Event
	var description, location, contextURL, keywords, senderName, pendingUpdate sql.NullString
	var eventTime, sourceMsgID, reminderTime, snoozeUntil sql.NullInt64
	var createdStr, updatedStr string
	var blob []byte

	err := rows.Scan(&ev.ID, &ev.Type, &ev.Title, &description, &eventTime, &location,
		&contextURL, &keywords, &ev.Status, &ev.Confidence, &senderName, &sourceMsgID,
		&reminderTime, &snoozeUntil, &pendingUpdate, &blob, &createdStr, &updatedStr)
	if err != nil {
		return nil, err
	}

	ev.Embedding = decodeEmbedding(blob)
	populateEvent(&ev, description, location, contextURL, keywords, senderName,
		pendingUpdate, eventTime, sourceMsgID, reminderTime, snoozeUntil, createdStr, updatedStr)
	return &ev, nil
}

func populateEvent(ev *Event, description, location, contextURL, keywords, senderName, pendingUpdate sql.NullString,
	eventTime, sourceMsgID, reminderTime, snoozeUntil sql.NullInt64, createdStr, updatedStr string) {
	ev.Description = description.String
	ev.Location = location.String
	ev.ContextURL = contextURL.String
	ev.SenderName = senderName.String
	ev.EventTime = eventTime.Int64
	ev.SourceMsgID = sourceMsgID.Int64
	ev.ReminderTime = reminderTime.Int64
	ev.SnoozeUntil = snoozeUntil.Int64

	if keywords.Valid && keywords.String != "" {
		_ = json.Unmarshal([]byte(keywords.String), &ev.Keywords)
	}
	if pendingUpdate.Valid && pendingUpdate.String != "" {
		_ = json.Unmarshal([]byte(pendingUpdate.String), &ev.PendingUpdate)
	}
	ev.CreatedAt, _ = time.Parse(time.RFC3339, createdStr)
	ev.UpdatedAt, _ = time.Parse(time.RFC3339, updatedStr)
}

func scanEvents(rows *sql.Rows) ([]*Event, error) {
	var events []*Event
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

// faultsSafe routes a store operation through the guard: failures are
// logged, dead-lettered with the payload, and replaced by the fallback.
func faultsSafe[T any](s *Store, op string, payload any, fn func() (T, error), fallback T) T {
	return faults.SafeCallDL(s.guard, op, payload, fn, fallback)
}
