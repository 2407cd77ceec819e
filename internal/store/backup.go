package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// BackupVersion identifies the export format.
const BackupVersion = 1

// exportPageSize bounds memory while walking large tables.
const exportPageSize = 500

// Backup is the portable snapshot format. Embeddings are deliberately
// omitted: they are derived data and regenerate from the backfill loop.
type Backup struct {
	Version    int            `json:"version"`
	ExportedAt string         `json:"exported_at"`
	Counts     map[string]int `json:"counts"`

	Events        []*Event            `json:"events"`
	Messages      []*Message          `json:"messages"`
	Contacts      []*Contact          `json:"contacts"`
	Triggers      []*Trigger          `json:"triggers"`
	Subscriptions []*PushSubscription `json:"push_subscriptions,omitempty"`
}

// ExportAll walks every table page by page and assembles a Backup.
func (s *Store) ExportAll() (*Backup, error) {
	b := &Backup{
		Version:    BackupVersion,
		ExportedAt: s.now().UTC().Format(time.RFC3339),
		Counts:     make(map[string]int),
	}

	for offset := 0; ; offset += exportPageSize {
		rows, err := s.db.Query(`SELECT `+eventColumns+` FROM events ORDER BY id LIMIT ? OFFSET ?`,
			exportPageSize, offset)
		if err != nil {
			return nil, storeErr("query", "events", err)
		}
		page, err := scanEvents(rows)
		rows.Close()
		if err != nil {
			return nil, storeErr("scan", "events", err)
		}
		b.Events = append(b.Events, page...)
		if len(page) < exportPageSize {
			break
		}
	}

	for offset := 0; ; offset += exportPageSize {
		rows, err := s.db.Query(`
			SELECT id, external_id, chat_jid, sender_jid, sender_name, body, from_me, group_chat, sent_at, created_at
			FROM messages ORDER BY id LIMIT ? OFFSET ?`, exportPageSize, offset)
		if err != nil {
			return nil, storeErr("query", "messages", err)
		}
		var page []*Message
		for rows.Next() {
			m, err := scanMessage(rows)
			if err != nil {
				rows.Close()
				return nil, storeErr("scan", "messages", err)
			}
			page = append(page, m)
		}
		rows.Close()
		b.Messages = append(b.Messages, page...)
		if len(page) < exportPageSize {
			break
		}
	}

	b.Contacts = s.ListContacts(1 << 30)
	b.Subscriptions = s.ListPushSubscriptions()

	for offset := 0; ; offset += exportPageSize {
		rows, err := s.db.Query(`SELECT id, event_id, kind, fire_at, fired, created_at FROM triggers ORDER BY id LIMIT ? OFFSET ?`,
			exportPageSize, offset)
		if err != nil {
			return nil, storeErr("query", "triggers", err)
		}
		page, err := scanTriggers(rows)
		rows.Close()
		if err != nil {
			return nil, storeErr("scan", "triggers", err)
		}
		b.Triggers = append(b.Triggers, page...)
		if len(page) < exportPageSize {
			break
		}
	}

	b.Counts["events"] = len(b.Events)
	b.Counts["messages"] = len(b.Messages)
	b.Counts["contacts"] = len(b.Contacts)
	b.Counts["triggers"] = len(b.Triggers)
	b.Counts["push_subscriptions"] = len(b.Subscriptions)
	return b, nil
}

// Import modes.
const (
	ImportMerge   = "merge"   // keep existing rows, add unknown ids
	ImportReplace = "replace" // wipe tables first
)

// ImportBackup loads a backup. In merge mode rows whose id already
// exists are skipped; in replace mode the tables are cleared first.
// Counters are reseeded afterwards so new writes never collide with
// imported ids.
func (s *Store) ImportBackup(b *Backup, mode string) (map[string]int, error) {
	if b.Version > BackupVersion {
		return nil, fmt.Errorf("backup version %d is newer than supported %d", b.Version, BackupVersion)
	}
	if mode != ImportMerge && mode != ImportReplace {
		return nil, fmt.Errorf("unknown import mode %q", mode)
	}

	tx, err := s.db.Begin()
	if err != nil {
		return nil, storeErr("begin", "import", err)
	}
	defer func() { _ = tx.Rollback() }()

	if mode == ImportReplace {
		for _, table := range []string{"events", "messages", "contacts", "triggers", "context_dismissals", "push_subscriptions"} {
			if _, err := tx.Exec(`DELETE FROM ` + table); err != nil {
				return nil, storeErr("delete", table, err)
			}
		}
	}

	imported := map[string]int{}

	for _, ev := range b.Events {
		keywords, _ := json.Marshal(ev.Keywords)
		res, err := tx.Exec(`
			INSERT OR IGNORE INTO events (id, type, title, description, event_time, location, context_url,
				keywords, status, confidence, sender_name, source_msg_id, reminder_time, snooze_until, created_at, updated_at)
			VALUES (`+placeholders(16)+`)
		`, ev.ID, ev.Type, ev.Title, nullStr(ev.Description), nullInt(ev.EventTime),
			nullStr(ev.Location), nullStr(ev.ContextURL), string(keywords), ev.Status,
			ev.Confidence, nullStr(ev.SenderName), nullInt(ev.SourceMsgID),
			nullInt(ev.ReminderTime), nullInt(ev.SnoozeUntil),
			ev.CreatedAt.UTC().Format(time.RFC3339), ev.UpdatedAt.UTC().Format(time.RFC3339))
		if err != nil {
			return nil, storeErr("insert", "events", err)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			imported["events"]++
		}
	}

	for _, m := range b.Messages {
		res, err := tx.Exec(`
			INSERT OR IGNORE INTO messages (id, external_id, chat_jid, sender_jid, sender_name, body, from_me, group_chat, sent_at, created_at)
			VALUES (`+placeholders(10)+`)
		`, m.ID, nullStr(m.ExternalID), m.ChatJID, nullStr(m.SenderJID), nullStr(m.SenderName), nullStr(m.Body),
			boolInt(m.FromMe), boolInt(m.GroupChat), m.SentAt, m.CreatedAt.UTC().Format(time.RFC3339))
		if err != nil {
			return nil, storeErr("insert", "messages", err)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			imported["messages"]++
		}
	}

	for _, c := range b.Contacts {
		res, err := tx.Exec(`
			INSERT INTO contacts (jid, name, message_count, last_seen) VALUES (?, ?, ?, ?)
			ON CONFLICT(jid) DO UPDATE SET
				name = CASE WHEN excluded.name != '' THEN excluded.name ELSE contacts.name END,
				message_count = MAX(contacts.message_count, excluded.message_count),
				last_seen = MAX(contacts.last_seen, excluded.last_seen)
		`, c.JID, c.Name, c.MessageCount, c.LastSeen)
		if err != nil {
			return nil, storeErr("upsert", "contacts", err)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			imported["contacts"]++
		}
	}

	for _, t := range b.Triggers {
		kind := CanonicalTriggerKind(t.Kind)
		if kind == "" {
			continue
		}
		res, err := tx.Exec(`
			INSERT OR IGNORE INTO triggers (id, event_id, kind, fire_at, fired, created_at)
			VALUES (?, ?, ?, ?, ?, ?)
		`, t.ID, t.EventID, kind, nullInt(t.FireAt), boolInt(t.Fired), t.CreatedAt.UTC().Format(time.RFC3339))
		if err != nil {
			return nil, storeErr("insert", "triggers", err)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			imported["triggers"]++
		}
	}

	for _, p := range b.Subscriptions {
		res, err := tx.Exec(`
			INSERT OR IGNORE INTO push_subscriptions (id, endpoint, keys, created_at)
			VALUES (?, ?, ?, ?)
		`, p.ID, p.Endpoint, nullStr(p.Keys), p.CreatedAt.UTC().Format(time.RFC3339))
		if err != nil {
			return nil, storeErr("insert", "push_subscriptions", err)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			imported["push_subscriptions"]++
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, storeErr("commit", "import", err)
	}

	s.reseedCounters()
	s.rebuildFTS()
	return imported, nil
}

func scanMessage(rows interface{ Scan(...any) error }) (*Message, error) {
	var m Message
	var externalID, senderJID, senderName, body sql.NullString
	var fromMe, groupChat int
	var createdStr string
	if err := rows.Scan(&m.ID, &externalID, &m.ChatJID, &senderJID, &senderName, &body, &fromMe, &groupChat, &m.SentAt, &createdStr); err != nil {
		return nil, err
	}
	m.ExternalID = externalID.String
	m.SenderJID = senderJID.String
	m.SenderName = senderName.String
	m.Body = body.String
	m.FromMe = fromMe != 0
	m.GroupChat = groupChat != 0
	m.CreatedAt, _ = time.Parse(time.RFC3339, createdStr)
	return &m, nil
}
