package realtime

import (
	"encoding/json"
	"fmt"

	"github.com/caiofn/chatsync/internal/store"
)

// Table names the backend publishes change events for.
const (
	TableMessages      = "messages"
	TableConversations = "conversations"
)

// MessageRow is the wire shape of a message change row.
type MessageRow struct {
	ID             string `json:"id"`
	ConversationID string `json:"conversation_id"`
	SenderID       string `json:"sender_id"`
	ReceiverID     string `json:"receiver_id"`
	Content        string `json:"content"`
	ContentType    string `json:"content_type"`
	ClientRef      string `json:"client_ref,omitempty"`
	CreatedAt      int64  `json:"created_at"`
	IsRead         bool   `json:"is_read"`
	IsDelivered    bool   `json:"is_delivered"`
}

// Message converts the wire row into the store representation. The client_ref
// echo is deliberately not carried into the store message; the reconciler
// consumes it separately to match pending entries.
func (r *MessageRow) Message() store.Message {
	ct := store.ContentType(r.ContentType)
	if ct == "" {
		ct = store.ContentText
	}
	return store.Message{
		ID:             r.ID,
		ConversationID: r.ConversationID,
		SenderID:       r.SenderID,
		ReceiverID:     r.ReceiverID,
		Content:        r.Content,
		ContentType:    ct,
		CreatedAt:      r.CreatedAt,
		IsRead:         r.IsRead,
		IsDelivered:    r.IsDelivered,
		DeliveryState:  store.DeliverySent,
	}
}

// ConversationRow is the wire shape of a conversation change row.
type ConversationRow struct {
	ID             string `json:"id"`
	ParticipantAID string `json:"participant_a_id"`
	ParticipantBID string `json:"participant_b_id"`
	ListingRef     string `json:"listing_ref,omitempty"`
	Starred        bool   `json:"starred"`
	Archived       bool   `json:"archived"`
	LastMessageAt  int64  `json:"last_message_at"`
	CreatedAt      int64  `json:"created_at"`
}

// Conversation converts the wire row into the store representation.
func (r *ConversationRow) Conversation() store.Conversation {
	return store.Conversation{
		ID:             r.ID,
		ParticipantAID: r.ParticipantAID,
		ParticipantBID: r.ParticipantBID,
		ListingRef:     r.ListingRef,
		Starred:        r.Starred,
		Archived:       r.Archived,
		LastMessageAt:  r.LastMessageAt,
		CreatedAt:      r.CreatedAt,
	}
}

func decodeMessageRow(raw json.RawMessage) (*MessageRow, error) {
	var row MessageRow
	if err := json.Unmarshal(raw, &row); err != nil {
		return nil, fmt.Errorf("decode message row: %w", err)
	}
	if row.ID == "" {
		return nil, fmt.Errorf("decode message row: missing id")
	}
	return &row, nil
}

func decodeConversationRow(raw json.RawMessage) (*ConversationRow, error) {
	var row ConversationRow
	if err := json.Unmarshal(raw, &row); err != nil {
		return nil, fmt.Errorf("decode conversation row: %w", err)
	}
	if row.ID == "" {
		return nil, fmt.Errorf("decode conversation row: missing id")
	}
	return &row, nil
}
