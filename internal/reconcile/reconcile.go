// Package reconcile folds server-originated rows into the store. Rows arrive
// from two paths with identical semantics: push events republished by the
// multiplexer on the "remote." namespace, and poll results handed over
// directly by the consistency poller. Reconciliation is idempotent on the
// server id, so overlap between the two paths is harmless.
package reconcile

import (
	"context"

	"github.com/caiofn/chatsync/internal/bus"
	"github.com/caiofn/chatsync/internal/realtime"
	"github.com/caiofn/chatsync/internal/store"
	"go.uber.org/zap"
)

// Reconciler is the single writer for server-originated state.
type Reconciler struct {
	store  *store.Store
	bus    *bus.Bus
	logger *zap.Logger

	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a reconciler over the given store.
func New(st *store.Store, b *bus.Bus, logger *zap.Logger) *Reconciler {
	return &Reconciler{store: st, bus: b, logger: logger}
}

// Start subscribes the "remote." namespace and consumes it until Stop.
func (r *Reconciler) Start(ctx context.Context) {
	ctx, r.cancel = context.WithCancel(ctx)
	r.done = make(chan struct{})

	events, unsub := r.bus.Subscribe("remote.", 256)
	go func() {
		defer close(r.done)
		defer unsub()
		for {
			select {
			case <-ctx.Done():
				return
			case evt := <-events:
				r.handle(evt)
			}
		}
	}()
}

// Stop ends the subscription loop.
func (r *Reconciler) Stop() {
	if r.cancel != nil {
		r.cancel()
		<-r.done
	}
}

func (r *Reconciler) handle(evt bus.Event) {
	switch p := evt.Payload.(type) {
	case realtime.MessageInserted:
		r.UpsertRemoteMessage(p.Message, p.ClientRef)
	case realtime.MessageUpdated:
		r.UpsertRemoteMessage(p.Message, "")
	case realtime.ConversationUpdated:
		r.UpsertRemoteConversation(p.Conversation)
	default:
		r.logger.Warn("unhandled remote event", zap.String("kind", evt.Kind))
	}
}

// UpsertRemoteMessage folds one confirmed row into the store. When clientRef
// matches a pending entry the row substitutes it; otherwise it inserts or
// updates by server id. A genuinely new inbound unread message additionally
// raises notify.inbound, exactly once even if the row arrives again.
func (r *Reconciler) UpsertRemoteMessage(msg store.Message, clientRef string) {
	if msg.ID == "" {
		r.logger.Warn("remote message without id dropped",
			zap.String("conversation_id", msg.ConversationID))
		return
	}
	msg.DeliveryState = store.DeliverySent
	known := r.store.HasMessage(msg.ID)

	if clientRef != "" {
		r.store.Apply(store.ReplaceMessage{CorrelationID: clientRef, Confirmed: msg})
	} else {
		r.store.Apply(store.UpsertMessage{Message: msg})
	}
	r.bus.Publish(bus.Event{Kind: bus.KindMessageUpserted, Payload: msg})

	if !known && !msg.IsRead &&
		msg.ReceiverID == r.store.CurrentUser() && msg.SenderID != r.store.CurrentUser() {
		r.bus.Publish(bus.Event{Kind: bus.KindNotifyInbound, Payload: msg})
	}
}

// UpsertRemoteConversation folds one conversation row into the store.
func (r *Reconciler) UpsertRemoteConversation(c store.Conversation) {
	if c.ID == "" {
		r.logger.Warn("remote conversation without id dropped")
		return
	}
	r.store.Apply(store.UpsertConversation{Conversation: c})
	r.bus.Publish(bus.Event{Kind: bus.KindConversationUpserted, Payload: c})
}

// UpsertHistory folds a page of history rows in one atomic batch. Used by the
// pagination controller; rows already present update in place.
func (r *Reconciler) UpsertHistory(msgs []store.Message) {
	if len(msgs) == 0 {
		return
	}
	patches := make([]store.Patch, 0, len(msgs))
	for _, m := range msgs {
		if m.ID == "" {
			continue
		}
		m.DeliveryState = store.DeliverySent
		patches = append(patches, store.UpsertMessage{Message: m})
	}
	r.store.Apply(patches...)
}
