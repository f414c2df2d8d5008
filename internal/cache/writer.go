package cache

import (
	"context"

	"github.com/caiofn/chatsync/internal/bus"
	"github.com/caiofn/chatsync/internal/outbox"
	"github.com/caiofn/chatsync/internal/store"
	"go.uber.org/zap"
)

// Writer keeps the snapshot current by consuming store and send events.
// Persistence failures are logged and dropped; the next poll rewrites the
// row anyway.
type Writer struct {
	db     *DB
	logger *zap.Logger

	cancel context.CancelFunc
	done   chan struct{}
}

// NewWriter creates a write-behind persister over an open cache database.
func NewWriter(db *DB, logger *zap.Logger) *Writer {
	return &Writer{db: db, logger: logger}
}

// Start subscribes the store and send namespaces until Stop.
func (w *Writer) Start(ctx context.Context, b *bus.Bus) {
	ctx, w.cancel = context.WithCancel(ctx)
	w.done = make(chan struct{})

	storeEvents, unsubStore := b.Subscribe("store.", 256)
	sendEvents, unsubSend := b.Subscribe("send.", 64)

	go func() {
		defer close(w.done)
		defer unsubStore()
		defer unsubSend()
		for {
			select {
			case <-ctx.Done():
				return
			case evt := <-storeEvents:
				w.handle(evt)
			case evt := <-sendEvents:
				w.handle(evt)
			}
		}
	}()
}

// Stop ends the subscriber loop.
func (w *Writer) Stop() {
	if w.cancel != nil {
		w.cancel()
		<-w.done
	}
}

func (w *Writer) handle(evt bus.Event) {
	var err error
	switch evt.Kind {
	case bus.KindMessageUpserted:
		if m, ok := evt.Payload.(store.Message); ok {
			err = w.db.UpsertMessage(m)
		}
	case bus.KindConversationUpserted:
		if c, ok := evt.Payload.(store.Conversation); ok {
			err = w.db.UpsertConversation(c)
		}
	case bus.KindSendQueued:
		if p, ok := evt.Payload.(outbox.Confirmation); ok {
			err = w.db.UpsertMessage(p.Message)
		}
	case bus.KindSendConfirmed:
		if p, ok := evt.Payload.(outbox.Confirmation); ok {
			if err = w.db.DeleteMessage(p.CorrelationID); err == nil {
				err = w.db.UpsertMessage(p.Message)
			}
		}
	case bus.KindSendFailed:
		if p, ok := evt.Payload.(outbox.Failure); ok {
			err = w.db.markFailed(p.CorrelationID)
		}
	}
	if err != nil {
		w.logger.Warn("snapshot write failed", zap.String("kind", evt.Kind), zap.Error(err))
	}
}

func (db *DB) markFailed(correlationID string) error {
	_, err := db.Exec(`UPDATE messages SET delivery_state = ? WHERE key = ?`,
		string(store.DeliveryFailed), correlationID)
	return err
}
