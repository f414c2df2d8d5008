package cache

import (
	"fmt"

	"github.com/caiofn/chatsync/internal/store"
)

func messageKey(m store.Message) string {
	if m.ID != "" {
		return m.ID
	}
	return m.CorrelationID
}

// UpsertConversation persists one conversation row.
func (db *DB) UpsertConversation(c store.Conversation) error {
	_, err := db.Exec(`
		INSERT INTO conversations (id, participant_a, participant_b, listing_ref, starred, archived, last_message_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			listing_ref = excluded.listing_ref,
			starred = excluded.starred,
			archived = excluded.archived,
			last_message_at = excluded.last_message_at`,
		c.ID, c.ParticipantAID, c.ParticipantBID, c.ListingRef, c.Starred, c.Archived, c.LastMessageAt, c.CreatedAt)
	return err
}

// UpsertMessage persists one message row, keyed by server id when confirmed
// and by correlation id while pending.
func (db *DB) UpsertMessage(m store.Message) error {
	key := messageKey(m)
	if key == "" {
		return fmt.Errorf("message without id or correlation id")
	}
	_, err := db.Exec(`
		INSERT INTO messages (key, id, correlation_id, conversation_id, sender_id, receiver_id, content, content_type, created_at, is_read, is_delivered, delivery_state)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			content = excluded.content,
			is_read = excluded.is_read,
			is_delivered = excluded.is_delivered,
			delivery_state = excluded.delivery_state`,
		key, m.ID, m.CorrelationID, m.ConversationID, m.SenderID, m.ReceiverID,
		m.Content, string(m.ContentType), m.CreatedAt, m.IsRead, m.IsDelivered, string(m.DeliveryState))
	return err
}

// DeleteMessage removes a message row by key (server id or correlation id).
func (db *DB) DeleteMessage(key string) error {
	_, err := db.Exec(`DELETE FROM messages WHERE key = ?`, key)
	return err
}

// Load reads the whole snapshot as store patches: conversations first, then
// messages, so skeleton threads are never created for cached rows.
func (db *DB) Load() ([]store.Patch, error) {
	var patches []store.Patch

	rows, err := db.Query(`
		SELECT id, participant_a, participant_b, listing_ref, starred, archived, last_message_at, created_at
		FROM conversations`)
	if err != nil {
		return nil, fmt.Errorf("load conversations: %w", err)
	}
	for rows.Next() {
		var c store.Conversation
		if err := rows.Scan(&c.ID, &c.ParticipantAID, &c.ParticipantBID, &c.ListingRef,
			&c.Starred, &c.Archived, &c.LastMessageAt, &c.CreatedAt); err != nil {
			_ = rows.Close()
			return nil, fmt.Errorf("scan conversation: %w", err)
		}
		patches = append(patches, store.UpsertConversation{Conversation: c})
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, err
	}
	_ = rows.Close()

	rows, err = db.Query(`
		SELECT id, correlation_id, conversation_id, sender_id, receiver_id, content, content_type, created_at, is_read, is_delivered, delivery_state
		FROM messages
		ORDER BY created_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("load messages: %w", err)
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var m store.Message
		var contentType, deliveryState string
		if err := rows.Scan(&m.ID, &m.CorrelationID, &m.ConversationID, &m.SenderID, &m.ReceiverID,
			&m.Content, &contentType, &m.CreatedAt, &m.IsRead, &m.IsDelivered, &deliveryState); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		m.ContentType = store.ContentType(contentType)
		m.DeliveryState = store.DeliveryState(deliveryState)
		if m.ID != "" {
			m.CorrelationID = ""
		}
		patches = append(patches, store.UpsertMessage{Message: m})
	}
	return patches, rows.Err()
}
