package realtime

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/caiofn/chatsync/internal/bus"
	"github.com/caiofn/chatsync/internal/status"
	"github.com/caiofn/chatsync/internal/syncerr"
	"go.uber.org/zap"
)

// Topic naming. The global topic carries new conversations and
// cross-conversation message notifications for one user; a scoped topic
// carries inserts/updates for the currently open conversation only.
func GlobalTopic(userID string) string       { return "user:" + userID }
func ConversationTopic(convID string) string { return "conversation:" + convID }

// MuxConfig tunes resubscribe backoff and the dedup window.
type MuxConfig struct {
	BackoffBase time.Duration
	BackoffMax  time.Duration
	DedupWindow int
}

func (c *MuxConfig) defaults() {
	if c.BackoffBase == 0 {
		c.BackoffBase = time.Second
	}
	if c.BackoffMax == 0 {
		c.BackoffMax = 30 * time.Second
	}
	if c.DedupWindow == 0 {
		c.DedupWindow = 1024
	}
}

// Multiplexer owns the engine's channel subscriptions: one global per-user
// subscription for the whole session and one scoped subscription for the
// open conversation. It normalizes raw channel events into the closed
// "remote." event set, deduplicates rows that arrive on both channels, and
// resubscribes with backoff when a channel reports an error. Every
// successful resubscribe publishes a channel.resubscribed event, which the
// consistency poller treats as a kick to cover the gap window.
type Multiplexer struct {
	channel Channel
	bus     *bus.Bus
	machine *status.Machine
	logger  *zap.Logger
	cfg     MuxConfig

	mu     sync.Mutex
	ctx    context.Context
	cancel context.CancelFunc
	seen   *seenSet

	// scopedGen guards scoped delivery only: CloseConversation bumps it
	// under mu, so events from a stale scoped subscription are discarded
	// even if their reader goroutine has not observed cancellation yet.
	// The global subscription runs with globalGen and is never staled.
	scopedGen    int
	scopedCancel context.CancelFunc
	scopedConv   string
}

// globalGen marks the per-user global subscription, which survives
// conversation switches and is exempt from the scoped staleness check.
const globalGen = -1

// NewMultiplexer creates a multiplexer over the given channel transport.
func NewMultiplexer(ch Channel, b *bus.Bus, machine *status.Machine, logger *zap.Logger, cfg MuxConfig) *Multiplexer {
	cfg.defaults()
	return &Multiplexer{
		channel: ch,
		bus:     b,
		machine: machine,
		logger:  logger,
		cfg:     cfg,
		seen:    newSeenSet(cfg.DedupWindow),
	}
}

// Start subscribes the global per-user topic and keeps it alive until Stop.
func (m *Multiplexer) Start(ctx context.Context, userID string) {
	m.mu.Lock()
	m.ctx, m.cancel = context.WithCancel(ctx)
	runCtx := m.ctx
	m.mu.Unlock()

	_ = m.machine.Transition(status.Connecting)
	go m.runSubscription(runCtx, GlobalTopic(userID), "", globalGen)
}

// Stop tears down all subscriptions.
func (m *Multiplexer) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.scopedGen++
	if m.scopedCancel != nil {
		m.scopedCancel()
		m.scopedCancel = nil
		m.scopedConv = ""
	}
	if m.cancel != nil {
		m.cancel()
		m.cancel = nil
	}
}

// OpenConversation subscribes the dedicated topic for a conversation,
// replacing any previously open one.
func (m *Multiplexer) OpenConversation(convID string) {
	m.mu.Lock()
	if m.ctx == nil {
		m.mu.Unlock()
		return
	}
	if m.scopedCancel != nil {
		m.scopedCancel()
	}
	m.scopedGen++
	gen := m.scopedGen
	scopedCtx, cancel := context.WithCancel(m.ctx)
	m.scopedCancel = cancel
	m.scopedConv = convID
	m.mu.Unlock()

	go m.runSubscription(scopedCtx, ConversationTopic(convID), "conversation_id=eq."+convID, gen)
}

// CloseConversation drops the scoped subscription. Delivery from it stops
// synchronously: the generation bump makes any in-flight event a no-op.
func (m *Multiplexer) CloseConversation() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.scopedGen++
	if m.scopedCancel != nil {
		m.scopedCancel()
		m.scopedCancel = nil
		m.scopedConv = ""
	}
}

// OpenConversationID returns the conversation whose scoped channel is up.
func (m *Multiplexer) OpenConversationID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.scopedConv
}

// runSubscription keeps one topic subscribed for the lifetime of ctx,
// resubscribing with backoff on channel errors.
func (m *Multiplexer) runSubscription(ctx context.Context, topic, filter string, gen int) {
	bo := newBackoff(m.cfg.BackoffBase, m.cfg.BackoffMax)
	first := true

	for ctx.Err() == nil {
		sub, err := m.channel.Subscribe(ctx, topic, filter)
		if err != nil {
			cerr := &syncerr.ChannelError{Topic: topic, Err: err}
			m.logger.Warn("subscribe failed", zap.String("topic", topic), zap.Error(cerr))
			_ = m.machine.Transition(status.Reconnecting)
			if !sleepCtx(ctx, bo.next()) {
				return
			}
			continue
		}

		bo.markHealthy()
		_ = m.machine.Transition(status.Syncing)
		if !first {
			// Gap window: anything pushed while we were down is unknown.
			m.bus.Publish(bus.Event{Kind: bus.KindChannelResubscribed, Payload: topic})
		}
		first = false

		if m.consume(ctx, sub, topic, gen) {
			return // context cancelled
		}
		sub.Unsubscribe()
		_ = m.machine.Transition(status.Reconnecting)
		if !sleepCtx(ctx, bo.next()) {
			return
		}
	}
}

// consume drains one subscription. Returns true when ctx ended, false when
// the subscription itself failed and should be reopened.
func (m *Multiplexer) consume(ctx context.Context, sub Subscription, topic string, gen int) bool {
	for {
		select {
		case <-ctx.Done():
			sub.Unsubscribe()
			return true
		case evt, ok := <-sub.Events():
			if !ok {
				return false
			}
			m.handleEvent(evt, topic, gen)
		case err, ok := <-sub.Errors():
			if !ok {
				return false
			}
			m.logger.Warn("channel error",
				zap.String("topic", topic),
				zap.Error(&syncerr.ChannelError{Topic: topic, Err: err}))
			return false
		}
	}
}

// handleEvent normalizes and publishes one raw channel event. Events from a
// stale scoped generation are dropped; global events always pass.
func (m *Multiplexer) handleEvent(evt ChannelEvent, topic string, gen int) {
	if gen != globalGen {
		m.mu.Lock()
		stale := gen != m.scopedGen
		m.mu.Unlock()
		if stale {
			return
		}
	}

	switch evt.Table {
	case TableMessages:
		row, err := decodeMessageRow(evt.Row)
		if err != nil {
			m.logger.Warn("bad message row", zap.String("topic", topic), zap.Error(err))
			return
		}
		switch evt.Type {
		case ChangeInsert:
			if m.seen.observe("ins:" + row.ID) {
				return // same row already seen on the other channel
			}
			m.bus.Publish(bus.Event{
				Kind:    bus.KindRemoteMessageInserted,
				Payload: MessageInserted{Message: row.Message(), ClientRef: row.ClientRef},
			})
		case ChangeUpdate:
			if m.seen.observe(updateKey(row)) {
				return
			}
			m.bus.Publish(bus.Event{
				Kind:    bus.KindRemoteMessageUpdated,
				Payload: MessageUpdated{Message: row.Message()},
			})
		}
	case TableConversations:
		row, err := decodeConversationRow(evt.Row)
		if err != nil {
			m.logger.Warn("bad conversation row", zap.String("topic", topic), zap.Error(err))
			return
		}
		m.bus.Publish(bus.Event{
			Kind:    bus.KindRemoteConversationUpdated,
			Payload: ConversationUpdated{Conversation: row.Conversation()},
		})
	}
}

// updateKey fingerprints an update event so the same receipt seen on both
// channels forwards once, while a later state change for the same id passes.
func updateKey(row *MessageRow) string {
	return fmt.Sprintf("upd:%s:%s%s", row.ID,
		strconv.FormatBool(row.IsRead), strconv.FormatBool(row.IsDelivered))
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

// seenSet is a bounded FIFO set for dedup keys.
type seenSet struct {
	mu    sync.Mutex
	cap   int
	keys  map[string]struct{}
	order []string
}

func newSeenSet(capacity int) *seenSet {
	return &seenSet{cap: capacity, keys: make(map[string]struct{}, capacity)}
}

// observe records the key and reports whether it was already present.
func (s *seenSet) observe(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.keys[key]; ok {
		return true
	}
	s.keys[key] = struct{}{}
	s.order = append(s.order, key)
	if len(s.order) > s.cap {
		evict := s.order[0]
		s.order = s.order[1:]
		delete(s.keys, evict)
	}
	return false
}
