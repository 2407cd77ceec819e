package store

import (
	"database/sql"
	"time"
)

// Message is a stored chat message. ExternalID is the upstream message
// id from the bridge; redelivered webhooks carrying the same id update
// the existing row instead of inserting a duplicate.
type Message struct {
	ID         int64     `json:"id"`
	ExternalID string    `json:"external_id,omitempty"`
	ChatJID    string    `json:"chat_jid"`
	SenderJID  string    `json:"sender_jid,omitempty"`
	SenderName string    `json:"sender_name,omitempty"`
	Body       string    `json:"body,omitempty"`
	FromMe     bool      `json:"from_me"`
	GroupChat  bool      `json:"group_chat"`
	SentAt     int64     `json:"sent_at"`
	CreatedAt  time.Time `json:"created_at"`
}

// Contact is a chat counterpart, keyed by JID.
type Contact struct {
	JID          string `json:"jid"`
	Name         string `json:"name,omitempty"`
	MessageCount int64  `json:"message_count"`
	LastSeen     int64  `json:"last_seen"`
}

// SaveMessage stores a message, upserting by external id when one is
// set. Returns the row id, -1 on failure.
func (s *Store) SaveMessage(m *Message) int64 {
	return faultsSafe(s, "save_message", m, func() (int64, error) {
		if m.ExternalID != "" {
			var existing int64
			err := s.db.QueryRow(`SELECT id FROM messages WHERE external_id = ?`, m.ExternalID).Scan(&existing)
			if err == nil {
				_, err = s.db.Exec(`
					UPDATE messages SET chat_jid = ?, sender_jid = ?, sender_name = ?, body = ?,
						from_me = ?, group_chat = ?, sent_at = ?
					WHERE id = ?
				`, m.ChatJID, nullStr(m.SenderJID), nullStr(m.SenderName), nullStr(m.Body),
					boolInt(m.FromMe), boolInt(m.GroupChat), m.SentAt, existing)
				if err != nil {
					return -1, storeErr("update", "messages", err)
				}
				m.ID = existing
				return existing, nil
			}
			if err != sql.ErrNoRows {
				return -1, storeErr("query", "messages", err)
			}
		}

		id := s.nextID("messages")
		_, err := s.db.Exec(`
			INSERT INTO messages (id, external_id, chat_jid, sender_jid, sender_name, body, from_me, group_chat, sent_at, created_at)
			VALUES (`+placeholders(10)+`)
		`, id, nullStr(m.ExternalID), m.ChatJID, nullStr(m.SenderJID), nullStr(m.SenderName), nullStr(m.Body),
			boolInt(m.FromMe), boolInt(m.GroupChat), m.SentAt,
			s.now().UTC().Format(time.RFC3339))
		if err != nil {
			return -1, storeErr("insert", "messages", err)
		}
		m.ID = id
		return id, nil
	}, -1)
}

// RecentMessages returns the newest messages in a chat, oldest first,
// for prompt context. Degrades to empty on error.
func (s *Store) RecentMessages(chatJID string, limit int) []*Message {
	if limit <= 0 {
		limit = 5
	}
	return faultsSafe(s, "recent_messages", chatJID, func() ([]*Message, error) {
		rows, err := s.db.Query(`
			SELECT id, external_id, chat_jid, sender_jid, sender_name, body, from_me, group_chat, sent_at
			FROM messages WHERE chat_jid = ?
			ORDER BY id DESC LIMIT ?
		`, chatJID, limit)
		if err != nil {
			return nil, storeErr("query", "messages", err)
		}
		defer rows.Close()

		var msgs []*Message
		for rows.Next() {
			var m Message
			var externalID, senderJID, senderName, body sql.NullString
			var fromMe, groupChat int
			if err := rows.Scan(&m.ID, &externalID, &m.ChatJID, &senderJID, &senderName, &body,
				&fromMe, &groupChat, &m.SentAt); err != nil {
				return nil, storeErr("scan", "messages", err)
			}
			m.ExternalID = externalID.String
			m.SenderJID = senderJID.String
			m.SenderName = senderName.String
			m.Body = body.String
			m.FromMe = fromMe != 0
			m.GroupChat = groupChat != 0
			msgs = append(msgs, &m)
		}
		if err := rows.Err(); err != nil {
			return nil, storeErr("scan", "messages", err)
		}
		for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
			msgs[i], msgs[j] = msgs[j], msgs[i]
		}
		return msgs, nil
	}, nil)
}

// UpsertContact records (or refreshes) a chat counterpart and bumps its
// message count.
func (s *Store) UpsertContact(jid, name string, seenAt int64) bool {
	return faultsSafe(s, "upsert_contact", map[string]any{"jid": jid, "name": name}, func() (bool, error) {
		_, err := s.db.Exec(`
			INSERT INTO contacts (jid, name, message_count, last_seen) VALUES (?, ?, 1, ?)
			ON CONFLICT(jid) DO UPDATE SET
				name = CASE WHEN excluded.name != '' THEN excluded.name ELSE contacts.name END,
				message_count = contacts.message_count + 1,
				last_seen = excluded.last_seen
		`, jid, name, seenAt)
		if err != nil {
			return false, storeErr("upsert", "contacts", err)
		}
		return true, nil
	}, false)
}

// ListContacts returns known chat counterparts, most recently seen
// first.
func (s *Store) ListContacts(limit int) []*Contact {
	if limit <= 0 {
		limit = 100
	}
	return faultsSafe(s, "list_contacts", limit, func() ([]*Contact, error) {
		rows, err := s.db.Query(`
			SELECT jid, name, message_count, last_seen FROM contacts
			ORDER BY last_seen DESC LIMIT ?
		`, limit)
		if err != nil {
			return nil, storeErr("query", "contacts", err)
		}
		defer rows.Close()

		var contacts []*Contact
		for rows.Next() {
			var c Contact
			var name sql.NullString
			if err := rows.Scan(&c.JID, &name, &c.MessageCount, &c.LastSeen); err != nil {
				return nil, storeErr("scan", "contacts", err)
			}
			c.Name = name.String
			contacts = append(contacts, &c)
		}
		return contacts, rows.Err()
	}, nil)
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
