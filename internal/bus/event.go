package bus

import "time"

// Event is a domain event published on the bus.
type Event struct {
	Kind      string
	Timestamp time.Time
	Payload   any
}

// Event kinds. Subscribers filter by namespace prefix, e.g. "remote." for
// everything server-originated or "send." for the optimistic lifecycle.
const (
	// Server-originated change events, published by the multiplexer.
	KindRemoteMessageInserted     = "remote.message_inserted"
	KindRemoteMessageUpdated      = "remote.message_updated"
	KindRemoteConversationUpdated = "remote.conversation_updated"

	// Optimistic-send lifecycle, published by the outbox.
	KindSendQueued    = "send.queued"
	KindSendConfirmed = "send.confirmed"
	KindSendFailed    = "send.failed"

	// Store writes, published by the reconciler after Apply. The snapshot
	// cache persists these; UI layers use them as redraw hints.
	KindMessageUpserted      = "store.message_upserted"
	KindConversationUpserted = "store.conversation_upserted"

	// Channel health, published by the multiplexer.
	KindChannelResubscribed = "channel.resubscribed"

	// New inbound message addressed to the current user; the notification
	// dispatcher collaborator consumes these.
	KindNotifyInbound = "notify.inbound"

	// Engine runtime status transitions.
	KindStatusChanged = "status.changed"

	// Ephemeral state changes, redraw hints only (state lives in the store).
	KindPresenceChanged = "presence.changed"
	KindTypingChanged   = "typing.changed"
)
