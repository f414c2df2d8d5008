// Package realtime normalizes server-pushed change events from independently
// subscribed channels into one typed stream, and defines the transport
// contracts the engine consumes. The backend itself is an external
// collaborator; internal/realtime/wsclient.go ships a websocket
// implementation of the contracts.
package realtime

import (
	"context"
	"encoding/json"
)

// ChangeType is the raw change kind reported by a channel.
type ChangeType string

const (
	ChangeInsert ChangeType = "insert"
	ChangeUpdate ChangeType = "update"
	ChangeDelete ChangeType = "delete"
)

// ChannelEvent is a raw change notification: a typed operation on a table row.
type ChannelEvent struct {
	Type  ChangeType      `json:"type"`
	Table string          `json:"table"`
	Row   json.RawMessage `json:"row"`
}

// Subscription is a live channel subscription. Events and Errors are closed
// when the subscription ends; Unsubscribe synchronously stops delivery.
type Subscription interface {
	Events() <-chan ChannelEvent
	Errors() <-chan error
	Unsubscribe()
}

// Channel is the change-event subscription contract.
type Channel interface {
	Subscribe(ctx context.Context, topic, filter string) (Subscription, error)
}

// PresenceState is the per-user state tracked on a presence topic.
type PresenceState struct {
	UserID   string `json:"user_id"`
	OnlineAt int64  `json:"online_at"`
}

// PresenceEventKind distinguishes snapshot and incremental presence events.
type PresenceEventKind string

const (
	PresenceSync  PresenceEventKind = "sync"
	PresenceJoin  PresenceEventKind = "join"
	PresenceLeave PresenceEventKind = "leave"
)

// PresenceEvent carries either a full snapshot (sync) or an incremental
// join/leave delta.
type PresenceEvent struct {
	Kind   PresenceEventKind `json:"kind"`
	Key    string            `json:"key"`
	States []PresenceState   `json:"states"`
}

// PresenceSubscription is a live presence topic membership.
type PresenceSubscription interface {
	Events() <-chan PresenceEvent
	Unsubscribe()
}

// PresenceJoiner is the presence channel contract: join a topic, announce
// our own state, and receive sync/join/leave events.
type PresenceJoiner interface {
	JoinPresence(ctx context.Context, topic string, self PresenceState) (PresenceSubscription, error)
}

// BroadcastEvent is an ephemeral fan-out payload (typing indicators).
type BroadcastEvent struct {
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
}

// BroadcastSubscription receives broadcast events for one topic+event pair.
type BroadcastSubscription interface {
	Events() <-chan BroadcastEvent
	Unsubscribe()
}

// Broadcaster is the ephemeral broadcast contract.
type Broadcaster interface {
	SendBroadcast(ctx context.Context, topic, event string, payload any) error
	OnBroadcast(ctx context.Context, topic, event string) (BroadcastSubscription, error)
}
