package realtime

import "github.com/caiofn/chatsync/internal/store"

// Normalized event payloads, published on the bus under the "remote."
// namespace. The set is closed: the reconciler dispatches on these concrete
// types, so a new event kind is a compile-visible addition there, not a
// silently ignored string.

// MessageInserted is a newly confirmed message from the server. ClientRef
// echoes the sender's correlation id when the insert originated from this
// client; the reconciler uses it to substitute the pending entry.
type MessageInserted struct {
	Message   store.Message
	ClientRef string
}

// MessageUpdated patches an existing confirmed message in place
// (read receipts, delivery flags).
type MessageUpdated struct {
	Message store.Message
}

// ConversationUpdated upserts a conversation (new thread, star/archive
// flags, listing ref).
type ConversationUpdated struct {
	Conversation store.Conversation
}
