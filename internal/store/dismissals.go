package store

import (
	"database/sql"
	"time"
)

// DismissalTTL is how long a context dismissal suppresses re-matching
// an event on the same page.
const DismissalTTL = 30 * time.Minute

// RecordDismissal notes that the user waved off a context popup for an
// event. urlPattern scopes the dismissal to one page; empty suppresses
// the event everywhere.
func (s *Store) RecordDismissal(eventID int64, urlPattern string) bool {
	return faultsSafe(s, "record_dismissal", eventID, func() (bool, error) {
		_, err := s.db.Exec(`INSERT INTO context_dismissals (event_id, url_pattern, dismissed_at) VALUES (?, ?, ?)`,
			eventID, nullStr(urlPattern), s.now().Unix())
		if err != nil {
			return false, storeErr("insert", "context_dismissals", err)
		}
		return true, nil
	}, false)
}

// RecentlyDismissed reports whether the event was dismissed inside the
// suppression window for pageURL. Dismissals recorded without a pattern
// match every page. Stale rows are cleaned up opportunistically.
func (s *Store) RecentlyDismissed(eventID int64, pageURL string) bool {
	cutoff := s.now().Add(-DismissalTTL).Unix()
	_, _ = s.db.Exec(`DELETE FROM context_dismissals WHERE dismissed_at < ?`, cutoff)

	var n int
	err := s.db.QueryRow(`
		SELECT COUNT(*) FROM context_dismissals
		WHERE event_id = ? AND dismissed_at >= ?
		  AND (url_pattern IS NULL OR url_pattern = ?)
	`, eventID, cutoff, pageURL).Scan(&n)
	return err == nil && n > 0
}

// PushSubscription is a browser push registration.
type PushSubscription struct {
	ID        int64     `json:"id"`
	Endpoint  string    `json:"endpoint"`
	Keys      string    `json:"keys,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// SavePushSubscription stores (or refreshes) a push registration.
// Returns the row id, -1 on failure.
func (s *Store) SavePushSubscription(endpoint, keys string) int64 {
	return faultsSafe(s, "save_push_subscription", endpoint, func() (int64, error) {
		var existing int64
		err := s.db.QueryRow(`SELECT id FROM push_subscriptions WHERE endpoint = ?`, endpoint).Scan(&existing)
		if err == nil {
			if _, err := s.db.Exec(`UPDATE push_subscriptions SET keys = ? WHERE id = ?`, nullStr(keys), existing); err != nil {
				return -1, storeErr("update", "push_subscriptions", err)
			}
			return existing, nil
		}
		if err != sql.ErrNoRows {
			return -1, storeErr("query", "push_subscriptions", err)
		}

		id := s.nextID("push_subscriptions")
		_, err = s.db.Exec(`
			INSERT INTO push_subscriptions (id, endpoint, keys, created_at) VALUES (?, ?, ?, ?)
		`, id, endpoint, nullStr(keys), s.now().UTC().Format(time.RFC3339))
		if err != nil {
			return -1, storeErr("insert", "push_subscriptions", err)
		}
		return id, nil
	}, -1)
}

// ListPushSubscriptions returns all registrations.
func (s *Store) ListPushSubscriptions() []*PushSubscription {
	return faultsSafe(s, "list_push_subscriptions", nil, func() ([]*PushSubscription, error) {
		rows, err := s.db.Query(`SELECT id, endpoint, keys, created_at FROM push_subscriptions ORDER BY id`)
		if err != nil {
			return nil, storeErr("query", "push_subscriptions", err)
		}
		defer rows.Close()

		var subs []*PushSubscription
		for rows.Next() {
			var p PushSubscription
			var keys sql.NullString
			var createdStr string
			if err := rows.Scan(&p.ID, &p.Endpoint, &keys, &createdStr); err != nil {
				return nil, storeErr("scan", "push_subscriptions", err)
			}
			p.Keys = keys.String
			p.CreatedAt, _ = time.Parse(time.RFC3339, createdStr)
			subs = append(subs, &p)
		}
		return subs, rows.Err()
	}, nil)
}
