// Package engine composes the sync components into one façade: lifecycle,
// conversation focus, sends, pagination, typing and the optimistic
// conversation commands. UI layers talk to the engine and the store, never
// to the components directly.
package engine

import (
	"context"
	"sync"

	"github.com/caiofn/chatsync/internal/bus"
	"github.com/caiofn/chatsync/internal/outbox"
	"github.com/caiofn/chatsync/internal/pager"
	"github.com/caiofn/chatsync/internal/poller"
	"github.com/caiofn/chatsync/internal/presence"
	"github.com/caiofn/chatsync/internal/realtime"
	"github.com/caiofn/chatsync/internal/reconcile"
	"github.com/caiofn/chatsync/internal/status"
	"github.com/caiofn/chatsync/internal/store"
	"github.com/caiofn/chatsync/internal/syncerr"
	"github.com/caiofn/chatsync/internal/typing"
	"go.uber.org/zap"
)

// ConversationAPI is the backend surface for conversation flag commands.
type ConversationAPI interface {
	MarkConversationRead(ctx context.Context, conversationID string) error
	SetStarred(ctx context.Context, conversationID string, starred bool) error
	SetArchived(ctx context.Context, conversationID string, archived bool) error
}

// Params carries the composed components.
type Params struct {
	Store    *store.Store
	Bus      *bus.Bus
	Machine  *status.Machine
	Mux      *realtime.Multiplexer
	Outbox   *outbox.Queue
	Rec      *reconcile.Reconciler
	Pager    *pager.Pager
	Presence *presence.Tracker
	Typing   *typing.Broadcaster
	Poller   *poller.Poller
	API      ConversationAPI
	Logger   *zap.Logger
}

// Engine is the conversation sync engine.
type Engine struct {
	p Params

	mu     sync.Mutex
	ctx    context.Context
	cancel context.CancelFunc
	userID string
}

// New creates an engine from composed components.
func New(p Params) *Engine {
	return &Engine{p: p}
}

// Start brings the engine up for the store's current user: reconciler first
// so no remote event is ever dropped, then the send queue and ephemeral
// channels, then the push subscriptions, and finally the consistency poller
// whose first poll moves the engine to Live.
func (e *Engine) Start(ctx context.Context) {
	e.mu.Lock()
	e.ctx, e.cancel = context.WithCancel(ctx)
	runCtx := e.ctx
	e.userID = e.p.Store.CurrentUser()
	userID := e.userID
	e.mu.Unlock()

	e.p.Rec.Start(runCtx)
	e.p.Outbox.Start(runCtx)
	e.p.Typing.Start(runCtx)
	e.p.Mux.Start(runCtx, userID)
	e.p.Presence.Start(runCtx, userID)
	e.p.Poller.Start(runCtx)
	e.p.Logger.Info("engine started", zap.String("user_id", userID))
}

// Stop tears the engine down in reverse order.
func (e *Engine) Stop() {
	e.p.Poller.Stop()
	e.p.Presence.Stop()
	e.p.Mux.Stop()
	e.p.Typing.Stop()
	e.p.Outbox.Stop()
	e.p.Rec.Stop()

	e.mu.Lock()
	if e.cancel != nil {
		e.cancel()
		e.cancel = nil
	}
	e.mu.Unlock()

	_ = e.p.Machine.Transition(status.Stopped)
	e.p.Logger.Info("engine stopped")
}

// SetAuthContext rebinds the engine to a different user: all cached state is
// dropped, the push subscriptions are reopened and a fresh poll repopulates
// the store.
func (e *Engine) SetAuthContext(userID string) {
	e.mu.Lock()
	ctx := e.ctx
	same := userID == e.userID
	e.mu.Unlock()
	if ctx == nil || same {
		return
	}
	e.p.Logger.Info("auth context changed", zap.String("user_id", userID))

	e.p.Presence.Stop()
	e.p.Mux.Stop()
	e.p.Typing.CloseConversation()

	e.p.Store.Reset(userID)
	e.p.Pager.Reset()

	e.mu.Lock()
	e.userID = userID
	ctx = e.ctx
	e.mu.Unlock()

	e.p.Mux.Start(ctx, userID)
	e.p.Presence.Start(ctx, userID)
	e.p.Poller.Kick()
}

// OpenConversation focuses a conversation: its dedicated push channel and
// typing broadcasts come up, and the first history page loads if it has not
// yet.
func (e *Engine) OpenConversation(conversationID string) {
	e.p.Mux.OpenConversation(conversationID)
	e.p.Typing.OpenConversation(conversationID)

	if !e.p.Pager.Loaded(conversationID) {
		e.mu.Lock()
		ctx := e.ctx
		e.mu.Unlock()
		if ctx != nil {
			go func() {
				if _, err := e.p.Pager.LoadOlder(ctx, conversationID); err != nil {
					e.p.Logger.Warn("initial page load failed",
						zap.String("conversation_id", conversationID), zap.Error(err))
				}
			}()
		}
	}
}

// CloseConversation drops the focused conversation's channels.
func (e *Engine) CloseConversation() {
	e.p.Typing.CloseConversation()
	e.p.Mux.CloseConversation()
}

// SendMessage queues an optimistic send. Returns the correlation id.
func (e *Engine) SendMessage(conversationID, receiverID, content string, contentType store.ContentType) (string, error) {
	return e.p.Outbox.EnqueueSend(conversationID, receiverID, content, contentType)
}

// RetrySend re-dispatches a failed send.
func (e *Engine) RetrySend(correlationID string) error {
	return e.p.Outbox.Retry(correlationID)
}

// DiscardSend drops a failed send.
func (e *Engine) DiscardSend(correlationID string) {
	e.p.Outbox.Discard(correlationID)
}

// LoadOlder loads the next older history page for a conversation.
func (e *Engine) LoadOlder(ctx context.Context, conversationID string) (int, error) {
	return e.p.Pager.LoadOlder(ctx, conversationID)
}

// NotifyTyping reports a local keystroke.
func (e *Engine) NotifyTyping(conversationID string) {
	e.p.Typing.NotifyTyping(conversationID)
}

// MarkConversationRead marks all inbound messages of a conversation read,
// optimistically in the store and then on the backend. A failed RPC is only
// logged; the next poll re-converges either way.
func (e *Engine) MarkConversationRead(ctx context.Context, conversationID string) {
	var patches []store.Patch
	for _, m := range e.p.Store.Messages(conversationID) {
		if m.ReceiverID == e.p.Store.CurrentUser() && !m.IsRead && !m.Pending() {
			m.IsRead = true
			patches = append(patches, store.UpsertMessage{Message: m})
		}
	}
	if len(patches) == 0 {
		return
	}
	e.p.Store.Apply(patches...)

	if err := e.p.API.MarkConversationRead(ctx, conversationID); err != nil {
		e.p.Logger.Warn("mark read failed",
			zap.String("conversation_id", conversationID), zap.Error(err))
	}
}

// StarConversation flips the starred flag, optimistically with revert on a
// fatal backend refusal.
func (e *Engine) StarConversation(ctx context.Context, conversationID string, starred bool) error {
	return e.setFlag(conversationID,
		func(c *store.Conversation) { c.Starred = starred },
		func(c *store.Conversation) { c.Starred = !starred },
		func() error { return e.p.API.SetStarred(ctx, conversationID, starred) })
}

// ArchiveConversation flips the archived flag, optimistically with revert on
// a fatal backend refusal.
func (e *Engine) ArchiveConversation(ctx context.Context, conversationID string, archived bool) error {
	return e.setFlag(conversationID,
		func(c *store.Conversation) { c.Archived = archived },
		func(c *store.Conversation) { c.Archived = !archived },
		func() error { return e.p.API.SetArchived(ctx, conversationID, archived) })
}

func (e *Engine) setFlag(conversationID string, apply, revert func(*store.Conversation), rpc func() error) error {
	c, ok := e.p.Store.Conversation(conversationID)
	if !ok {
		return &syncerr.ValidationError{Field: "conversation_id", Reason: "unknown conversation " + conversationID}
	}
	apply(&c)
	e.p.Store.Apply(store.UpsertConversation{Conversation: c})

	err := rpc()
	if err == nil {
		return nil
	}
	if syncerr.Fatal(err) {
		revert(&c)
		e.p.Store.Apply(store.UpsertConversation{Conversation: c})
	}
	e.p.Logger.Warn("conversation flag update failed",
		zap.String("conversation_id", conversationID), zap.Error(err))
	return err
}

// Status returns the engine's current runtime state.
func (e *Engine) Status() status.State {
	return e.p.Machine.Current()
}
