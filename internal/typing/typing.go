// Package typing sends and receives ephemeral typing indicators over the
// broadcast channel of the open conversation. Indicators never touch the
// backend's tables: local keystrokes are debounced into start/stop
// broadcasts, and remote indicators live in the store with a TTL enforced by
// a periodic sweep, so a peer that vanishes mid-keystroke still expires.
package typing

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/caiofn/chatsync/internal/bus"
	"github.com/caiofn/chatsync/internal/realtime"
	"github.com/caiofn/chatsync/internal/store"
	"go.uber.org/zap"
)

// BroadcastName is the broadcast event carrying typing indicators.
const BroadcastName = "typing"

// Indicator is the broadcast payload.
type Indicator struct {
	ConversationID string `json:"conversation_id"`
	UserID         string `json:"user_id"`
	Stop           bool   `json:"stop,omitempty"`
}

// Config tunes indicator lifetimes.
type Config struct {
	// Debounce limits outgoing start broadcasts to one per interval.
	Debounce time.Duration
	// IdleStop is the keystroke silence after which a stop broadcast goes out.
	IdleStop time.Duration
	// TTL bounds how long a remote indicator lives without renewal.
	TTL time.Duration
	// SweepInterval is how often expired indicators are cleared.
	SweepInterval time.Duration
}

func (c *Config) defaults() {
	if c.Debounce == 0 {
		c.Debounce = 2 * time.Second
	}
	if c.IdleStop == 0 {
		c.IdleStop = 2 * time.Second
	}
	if c.TTL == 0 {
		c.TTL = 2 * time.Second
	}
	if c.SweepInterval == 0 {
		c.SweepInterval = 500 * time.Millisecond
	}
}

// Broadcaster owns both directions of the typing channel for the open
// conversation.
type Broadcaster struct {
	caster realtime.Broadcaster
	store  *store.Store
	bus    *bus.Bus
	logger *zap.Logger
	cfg    Config

	mu        sync.Mutex
	ctx       context.Context
	cancel    context.CancelFunc
	openConv  string
	subCancel context.CancelFunc
	lastSent  time.Time
	idleTimer *time.Timer
	done      chan struct{}
}

// New creates a broadcaster; Start binds it to a context and begins the
// expiry sweep.
func New(caster realtime.Broadcaster, st *store.Store, b *bus.Bus, logger *zap.Logger, cfg Config) *Broadcaster {
	cfg.defaults()
	return &Broadcaster{
		caster: caster,
		store:  st,
		bus:    b,
		logger: logger,
		cfg:    cfg,
	}
}

// Start launches the TTL sweep loop.
func (t *Broadcaster) Start(ctx context.Context) {
	t.mu.Lock()
	t.ctx, t.cancel = context.WithCancel(ctx)
	runCtx := t.ctx
	t.done = make(chan struct{})
	t.mu.Unlock()
	go t.sweepLoop(runCtx)
}

// Stop ends the sweep and the open subscription.
func (t *Broadcaster) Stop() {
	t.mu.Lock()
	if t.idleTimer != nil {
		t.idleTimer.Stop()
		t.idleTimer = nil
	}
	if t.subCancel != nil {
		t.subCancel()
		t.subCancel = nil
	}
	if t.cancel != nil {
		t.cancel()
		t.cancel = nil
	}
	done := t.done
	t.mu.Unlock()
	if done != nil {
		<-done
	}
}

// OpenConversation starts listening for the peer's indicators on the
// conversation's broadcast channel, replacing any previously open one.
func (t *Broadcaster) OpenConversation(convID string) {
	t.mu.Lock()
	if t.ctx == nil {
		t.mu.Unlock()
		return
	}
	if t.subCancel != nil {
		t.subCancel()
	}
	subCtx, cancel := context.WithCancel(t.ctx)
	t.subCancel = cancel
	t.openConv = convID
	t.lastSent = time.Time{}
	t.mu.Unlock()

	go t.listen(subCtx, convID)
}

// CloseConversation stops listening and clears the conversation's indicators.
func (t *Broadcaster) CloseConversation() {
	t.mu.Lock()
	convID := t.openConv
	if t.subCancel != nil {
		t.subCancel()
		t.subCancel = nil
	}
	t.openConv = ""
	if t.idleTimer != nil {
		t.idleTimer.Stop()
		t.idleTimer = nil
	}
	t.mu.Unlock()

	if convID == "" {
		return
	}
	for _, userID := range t.store.TypingUsers(convID) {
		t.store.Apply(store.SetTyping{ConversationID: convID, UserID: userID})
	}
}

// NotifyTyping reports a local keystroke in the open conversation. Start
// broadcasts are debounced; a stop broadcast follows once keystrokes go
// quiet.
func (t *Broadcaster) NotifyTyping(convID string) {
	t.mu.Lock()
	if t.ctx == nil || convID != t.openConv {
		t.mu.Unlock()
		return
	}
	ctx := t.ctx
	send := time.Since(t.lastSent) >= t.cfg.Debounce
	if send {
		t.lastSent = time.Now()
	}
	if t.idleTimer != nil {
		t.idleTimer.Stop()
	}
	t.idleTimer = time.AfterFunc(t.cfg.IdleStop, func() { t.sendStop(ctx, convID) })
	t.mu.Unlock()

	if !send {
		return
	}
	ind := Indicator{ConversationID: convID, UserID: t.store.CurrentUser()}
	if err := t.caster.SendBroadcast(ctx, realtime.ConversationTopic(convID), BroadcastName, ind); err != nil {
		t.logger.Warn("typing broadcast failed", zap.String("conversation_id", convID), zap.Error(err))
	}
}

func (t *Broadcaster) sendStop(ctx context.Context, convID string) {
	t.mu.Lock()
	t.lastSent = time.Time{}
	t.mu.Unlock()

	ind := Indicator{ConversationID: convID, UserID: t.store.CurrentUser(), Stop: true}
	if err := t.caster.SendBroadcast(ctx, realtime.ConversationTopic(convID), BroadcastName, ind); err != nil {
		t.logger.Warn("typing stop broadcast failed", zap.String("conversation_id", convID), zap.Error(err))
	}
}

// listen consumes the peer's indicators for one conversation.
func (t *Broadcaster) listen(ctx context.Context, convID string) {
	sub, err := t.caster.OnBroadcast(ctx, realtime.ConversationTopic(convID), BroadcastName)
	if err != nil {
		t.logger.Warn("typing subscribe failed", zap.String("conversation_id", convID), zap.Error(err))
		return
	}
	defer sub.Unsubscribe()

	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-sub.Events():
			if !ok {
				return
			}
			t.handle(evt, convID)
		}
	}
}

func (t *Broadcaster) handle(evt realtime.BroadcastEvent, convID string) {
	var ind Indicator
	if err := json.Unmarshal(evt.Payload, &ind); err != nil {
		t.logger.Warn("bad typing payload", zap.Error(err))
		return
	}
	if ind.UserID == "" || ind.UserID == t.store.CurrentUser() {
		return
	}

	if ind.Stop {
		t.store.Apply(store.SetTyping{ConversationID: convID, UserID: ind.UserID})
	} else {
		expires := time.Now().Add(t.cfg.TTL).UnixMilli()
		t.store.Apply(store.SetTyping{ConversationID: convID, UserID: ind.UserID, ExpiresAt: expires})
	}
	t.bus.Publish(bus.Event{Kind: bus.KindTypingChanged, Payload: ind})
}

// sweepLoop clears indicators whose TTL elapsed without a stop broadcast.
func (t *Broadcaster) sweepLoop(ctx context.Context) {
	defer close(t.done)
	ticker := time.NewTicker(t.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			expired := t.store.ExpiredTyping(time.Now().UnixMilli())
			if len(expired) == 0 {
				continue
			}
			patches := make([]store.Patch, 0, len(expired))
			for _, e := range expired {
				patches = append(patches, store.SetTyping{ConversationID: e.ConversationID, UserID: e.UserID})
			}
			t.store.Apply(patches...)
			t.bus.Publish(bus.Event{Kind: bus.KindTypingChanged})
		}
	}
}
