package store

import (
	"database/sql"
	"time"
)

// Canonical trigger kinds. These are the only kinds written; reads also
// accept the legacy spellings older databases carry.
const (
	TriggerTime24h = "time_24h"
	TriggerTime1h  = "time_1h"
	TriggerTime15m = "time_15m"
	TriggerURL     = "url"
)

// legacyKinds maps older trigger spellings to their canonical kind.
var legacyKinds = map[string]string{
	"24h":          TriggerTime24h,
	"1h":           TriggerTime1h,
	"15m":          TriggerTime15m,
	"reminder_24h": TriggerTime24h,
	"reminder_1hr": TriggerTime1h,
	"reminder_15m": TriggerTime15m,
	"url_match":    TriggerURL,
	"time":         TriggerTime1h,
	"day":          TriggerTime24h,
	"hour":         TriggerTime1h,
}

// CanonicalTriggerKind normalizes a trigger kind, returning "" for
// kinds it does not recognize at all.
func CanonicalTriggerKind(kind string) string {
	switch kind {
	case TriggerTime24h, TriggerTime1h, TriggerTime15m, TriggerURL:
		return kind
	}
	if canonical, ok := legacyKinds[kind]; ok {
		return canonical
	}
	return ""
}

// Trigger is one scheduled or url-bound firing for an event.
type Trigger struct {
	ID        int64     `json:"id"`
	EventID   int64     `json:"event_id"`
	Kind      string    `json:"kind"`
	FireAt    int64     `json:"fire_at,omitempty"` // unix seconds; 0 for url triggers
	Fired     bool      `json:"fired"`
	CreatedAt time.Time `json:"created_at"`
}

// AddTrigger attaches a trigger to an event. Only canonical kinds are
// written. Returns the trigger id, -1 on failure or unknown kind.
func (s *Store) AddTrigger(eventID int64, kind string, fireAt int64) int64 {
	canonical := CanonicalTriggerKind(kind)
	if canonical == "" {
		s.logger.Warn("rejecting unknown trigger kind", "kind", kind, "event_id", eventID)
		return -1
	}

	return faultsSafe(s, "add_trigger", map[string]any{"event_id": eventID, "kind": canonical}, func() (int64, error) {
		id := s.nextID("triggers")
		_, err := s.db.Exec(`
			INSERT INTO triggers (id, event_id, kind, fire_at, fired, created_at)
			VALUES (?, ?, ?, ?, 0, ?)
		`, id, eventID, canonical, nullInt(fireAt), s.now().UTC().Format(time.RFC3339))
		if err != nil {
			return -1, storeErr("insert", "triggers", err)
		}
		return id, nil
	}, -1)
}

// AddStandardTriggers creates the canonical time triggers for an event
// time: day, hour, and quarter-hour before, skipping offsets already in
// the past.
func (s *Store) AddStandardTriggers(eventID int64, eventTime int64) {
	if eventTime == 0 {
		return
	}
	now := s.now().Unix()
	for kind, offset := range map[string]int64{
		TriggerTime24h: 86400,
		TriggerTime1h:  3600,
		TriggerTime15m: 900,
	} {
		at := eventTime - offset
		if at > now {
			s.AddTrigger(eventID, kind, at)
		}
	}
}

// UnfiredTriggers returns time triggers due before windowEnd whose
// event is still in a state worth reminding about. Legacy kinds are
// normalized on the way out.
func (s *Store) UnfiredTriggers(windowEnd int64) []*Trigger {
	return faultsSafe(s, "unfired_triggers", windowEnd, func() ([]*Trigger, error) {
		rows, err := s.db.Query(`
			SELECT t.id, t.event_id, t.kind, t.fire_at, t.fired, t.created_at
			FROM triggers t
			JOIN events e ON e.id = t.event_id
			WHERE t.fired = 0
			  AND t.fire_at IS NOT NULL
			  AND t.fire_at <= ?
			  AND e.status IN (?, ?, ?, ?)
			ORDER BY t.fire_at
		`, windowEnd, StatusPending, StatusScheduled, StatusDiscovered, StatusReminded)
		if err != nil {
			return nil, storeErr("query", "triggers", err)
		}
		defer rows.Close()
		return scanTriggers(rows)
	}, nil)
}

// TriggersForEvent returns all triggers on an event, unfired first.
func (s *Store) TriggersForEvent(eventID int64) []*Trigger {
	return faultsSafe(s, "triggers_for_event", eventID, func() ([]*Trigger, error) {
		rows, err := s.db.Query(`
			SELECT id, event_id, kind, fire_at, fired, created_at
			FROM triggers WHERE event_id = ? ORDER BY fired, fire_at
		`, eventID)
		if err != nil {
			return nil, storeErr("query", "triggers", err)
		}
		defer rows.Close()
		return scanTriggers(rows)
	}, nil)
}

// MarkTriggerFired flips a trigger to fired. Reports false when the
// trigger does not exist or the write fails.
func (s *Store) MarkTriggerFired(id int64) bool {
	return faultsSafe(s, "mark_trigger_fired", id, func() (bool, error) {
		res, err := s.db.Exec(`UPDATE triggers SET fired = 1 WHERE id = ?`, id)
		if err != nil {
			return false, storeErr("update", "triggers", err)
		}
		n, _ := res.RowsAffected()
		return n > 0, nil
	}, false)
}

func scanTriggers(rows *sql.Rows) ([]*Trigger, error) {
	var triggers []*Trigger
	for rows.Next() {
		var t Trigger
		var fireAt sql.NullInt64
		var fired int
		var createdStr string
		if err := rows.Scan(&t.ID, &t.EventID, &t.Kind, &fireAt, &fired, &createdStr); err != nil {
			return nil, err
		}
		t.FireAt = fireAt.Int64
		t.Fired = fired != 0
		if canonical := CanonicalTriggerKind(t.Kind); canonical != "" {
			t.Kind = canonical
		}
		t.CreatedAt, _ = time.Parse(time.RFC3339, createdStr)
		triggers = append(triggers, &t)
	}
	return triggers, rows.Err()
}
