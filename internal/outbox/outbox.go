// Package outbox implements optimistic message sending. A queued message is
// visible in the store immediately with a client-generated correlation id;
// a background worker delivers it, retrying transient failures, and on
// confirmation the pending entry is substituted by the server row.
package outbox

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/caiofn/chatsync/internal/bus"
	"github.com/caiofn/chatsync/internal/store"
	"github.com/caiofn/chatsync/internal/syncerr"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// SendRequest is the payload handed to the backend send call. ClientRef is
// the correlation id; the backend persists it and echoes it back on the
// response and on the push row, which is how the reconciler matches the
// confirmation to the pending entry.
type SendRequest struct {
	ConversationID string
	ReceiverID     string
	Content        string
	ContentType    store.ContentType
	ClientRef      string
}

// Sender delivers one message to the backend and returns the confirmed row.
type Sender interface {
	Send(ctx context.Context, req SendRequest) (store.Message, error)
}

// Confirmation is the payload of send.confirmed and send.queued events.
type Confirmation struct {
	CorrelationID string
	Message       store.Message
}

// Failure is the payload of send.failed events.
type Failure struct {
	CorrelationID string
	Err           error
}

// Config tunes the delivery retry policy.
type Config struct {
	MaxAttempts int
	RetryDelay  time.Duration
	SendTimeout time.Duration
}

func (c *Config) defaults() {
	if c.MaxAttempts == 0 {
		c.MaxAttempts = 3
	}
	if c.RetryDelay == 0 {
		c.RetryDelay = 2 * time.Second
	}
	if c.SendTimeout == 0 {
		c.SendTimeout = 15 * time.Second
	}
}

// Queue is the optimistic mutation queue. At most one delivery attempt chain
// runs per correlation id; retrying an in-flight or unknown id is rejected.
type Queue struct {
	sender Sender
	store  *store.Store
	bus    *bus.Bus
	logger *zap.Logger
	cfg    Config

	mu       sync.Mutex
	ctx      context.Context
	cancel   context.CancelFunc
	inflight map[string]struct{}
	wg       sync.WaitGroup
}

// New creates a queue; Start must be called before enqueueing.
func New(sender Sender, st *store.Store, b *bus.Bus, logger *zap.Logger, cfg Config) *Queue {
	cfg.defaults()
	return &Queue{
		sender:   sender,
		store:    st,
		bus:      b,
		logger:   logger,
		cfg:      cfg,
		inflight: make(map[string]struct{}),
	}
}

// Start binds the queue's delivery workers to ctx.
func (q *Queue) Start(ctx context.Context) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.ctx, q.cancel = context.WithCancel(ctx)
}

// Stop cancels in-flight deliveries and waits for workers to exit. Pending
// entries stay in the store; the snapshot cache persists them for the next
// session.
func (q *Queue) Stop() {
	q.mu.Lock()
	if q.cancel != nil {
		q.cancel()
		q.cancel = nil
	}
	q.mu.Unlock()
	q.wg.Wait()
}

// EnqueueSend stores a pending message and schedules its delivery. Returns
// the correlation id identifying the message until confirmation.
func (q *Queue) EnqueueSend(conversationID, receiverID, content string, contentType store.ContentType) (string, error) {
	if strings.TrimSpace(content) == "" {
		return "", &syncerr.ValidationError{Field: "content", Reason: "empty"}
	}
	if contentType == "" {
		contentType = store.ContentText
	}

	msg := store.Message{
		CorrelationID:  uuid.NewString(),
		ConversationID: conversationID,
		SenderID:       q.store.CurrentUser(),
		ReceiverID:     receiverID,
		Content:        content,
		ContentType:    contentType,
		CreatedAt:      time.Now().UnixMilli(),
		DeliveryState:  store.DeliveryPending,
	}
	ctx, err := q.reserve(msg.CorrelationID)
	if err != nil {
		return "", err
	}

	q.store.Apply(store.UpsertMessage{Message: msg})
	q.bus.Publish(bus.Event{
		Kind:    bus.KindSendQueued,
		Payload: Confirmation{CorrelationID: msg.CorrelationID, Message: msg},
	})
	q.launch(ctx, msg)
	return msg.CorrelationID, nil
}

// Retry re-dispatches a failed pending message. The id must identify a
// pending entry that is not currently in flight.
func (q *Queue) Retry(correlationID string) error {
	msg, ok := q.store.PendingMessage(correlationID)
	if !ok {
		return &syncerr.ValidationError{Field: "correlation_id", Reason: "no pending message " + correlationID}
	}
	ctx, err := q.reserve(msg.CorrelationID)
	if err != nil {
		return err
	}

	msg.DeliveryState = store.DeliveryPending
	q.store.Apply(store.UpsertMessage{Message: msg})
	q.bus.Publish(bus.Event{
		Kind:    bus.KindSendQueued,
		Payload: Confirmation{CorrelationID: msg.CorrelationID, Message: msg},
	})
	q.launch(ctx, msg)
	return nil
}

// Discard drops a failed pending message from the store entirely.
func (q *Queue) Discard(correlationID string) {
	q.store.Apply(store.RemoveMessage{CorrelationID: correlationID})
}

// reserve claims the correlation id for a single in-flight delivery chain.
// The worker is spawned separately, after the pending entry hits the store.
func (q *Queue) reserve(correlationID string) (context.Context, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.ctx == nil || q.ctx.Err() != nil {
		return nil, &syncerr.ValidationError{Field: "queue", Reason: "not running"}
	}
	if _, dup := q.inflight[correlationID]; dup {
		q.logger.Warn("duplicate enqueue dropped", zap.String("correlation_id", correlationID))
		return nil, &syncerr.ConflictError{CorrelationID: correlationID}
	}
	q.inflight[correlationID] = struct{}{}
	return q.ctx, nil
}

func (q *Queue) launch(ctx context.Context, msg store.Message) {
	q.wg.Add(1)
	go q.deliver(ctx, msg)
}

func (q *Queue) deliver(ctx context.Context, msg store.Message) {
	defer q.wg.Done()
	defer func() {
		q.mu.Lock()
		delete(q.inflight, msg.CorrelationID)
		q.mu.Unlock()
	}()

	req := SendRequest{
		ConversationID: msg.ConversationID,
		ReceiverID:     msg.ReceiverID,
		Content:        msg.Content,
		ContentType:    msg.ContentType,
		ClientRef:      msg.CorrelationID,
	}

	var lastErr error
	for attempt := 1; attempt <= q.cfg.MaxAttempts; attempt++ {
		sendCtx, cancel := context.WithTimeout(ctx, q.cfg.SendTimeout)
		confirmed, err := q.sender.Send(sendCtx, req)
		cancel()
		if err == nil {
			q.confirm(msg.CorrelationID, confirmed)
			return
		}

		lastErr = err
		if syncerr.Fatal(err) || ctx.Err() != nil {
			break
		}
		q.logger.Warn("send attempt failed",
			zap.String("correlation_id", msg.CorrelationID),
			zap.Int("attempt", attempt),
			zap.Error(err))
		if attempt < q.cfg.MaxAttempts && !sleepCtx(ctx, q.cfg.RetryDelay) {
			break
		}
	}

	if ctx.Err() != nil {
		// Shutdown, not failure: leave the entry pending for the next session.
		return
	}
	q.fail(msg, lastErr)
}

func (q *Queue) confirm(correlationID string, confirmed store.Message) {
	confirmed.DeliveryState = store.DeliverySent
	q.store.Apply(store.ReplaceMessage{CorrelationID: correlationID, Confirmed: confirmed})
	q.bus.Publish(bus.Event{
		Kind:    bus.KindSendConfirmed,
		Payload: Confirmation{CorrelationID: correlationID, Message: confirmed},
	})
}

func (q *Queue) fail(msg store.Message, err error) {
	if _, ok := q.store.PendingMessage(msg.CorrelationID); !ok {
		// The push channel already reconciled this send via its client_ref
		// echo; only the RPC replies were lost. Re-upserting the pending
		// entry here would duplicate the confirmed row.
		q.logger.Info("send exhausted after push confirmation",
			zap.String("correlation_id", msg.CorrelationID))
		return
	}
	q.logger.Error("send exhausted",
		zap.String("correlation_id", msg.CorrelationID),
		zap.Error(err))
	msg.DeliveryState = store.DeliveryFailed
	q.store.Apply(store.UpsertMessage{Message: msg})
	q.bus.Publish(bus.Event{
		Kind:    bus.KindSendFailed,
		Payload: Failure{CorrelationID: msg.CorrelationID, Err: err},
	})
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
