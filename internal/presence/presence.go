// Package presence maintains the online-user set from a shared presence
// topic. The set is authoritative only after a full sync: join and leave
// diffs received before the first sync of a subscription are ignored, and
// every rejoin starts over from the next sync rather than patching a
// possibly stale set.
package presence

import (
	"context"
	"time"

	"github.com/caiofn/chatsync/internal/bus"
	"github.com/caiofn/chatsync/internal/realtime"
	"github.com/caiofn/chatsync/internal/store"
	"go.uber.org/zap"
)

// Topic is the shared presence channel all marketplace users track.
const Topic = "presence:online"

// Tracker mirrors the presence topic into the store's online set.
type Tracker struct {
	joiner realtime.PresenceJoiner
	store  *store.Store
	bus    *bus.Bus
	logger *zap.Logger

	rejoinDelay time.Duration
	cancel      context.CancelFunc
	done        chan struct{}
}

// New creates a tracker over the given presence transport.
func New(joiner realtime.PresenceJoiner, st *store.Store, b *bus.Bus, logger *zap.Logger) *Tracker {
	return &Tracker{
		joiner:      joiner,
		store:       st,
		bus:         b,
		logger:      logger,
		rejoinDelay: 2 * time.Second,
	}
}

// Start joins the presence topic as userID and keeps tracking until Stop.
func (t *Tracker) Start(ctx context.Context, userID string) {
	ctx, t.cancel = context.WithCancel(ctx)
	t.done = make(chan struct{})
	go t.run(ctx, userID)
}

// Stop leaves the topic.
func (t *Tracker) Stop() {
	if t.cancel != nil {
		t.cancel()
		<-t.done
	}
}

func (t *Tracker) run(ctx context.Context, userID string) {
	defer close(t.done)

	for ctx.Err() == nil {
		self := realtime.PresenceState{UserID: userID, OnlineAt: time.Now().UnixMilli()}
		sub, err := t.joiner.JoinPresence(ctx, Topic, self)
		if err != nil {
			t.logger.Warn("presence join failed", zap.Error(err))
			if !sleepCtx(ctx, t.rejoinDelay) {
				return
			}
			continue
		}

		t.consume(ctx, sub)
		sub.Unsubscribe()
		if !sleepCtx(ctx, t.rejoinDelay) {
			return
		}
	}
}

// consume drains one presence subscription until it closes or ctx ends.
func (t *Tracker) consume(ctx context.Context, sub realtime.PresenceSubscription) {
	synced := false
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-sub.Events():
			if !ok {
				return
			}
			switch evt.Kind {
			case realtime.PresenceSync:
				synced = true
				t.applySnapshot(evt.States)
			case realtime.PresenceJoin:
				if !synced {
					continue // diff before the first sync is unordered
				}
				t.applyJoin(evt.States)
			case realtime.PresenceLeave:
				if !synced {
					continue
				}
				t.applyLeave(evt)
			}
		}
	}
}

func (t *Tracker) applySnapshot(states []realtime.PresenceState) {
	entries := make([]store.PresenceEntry, 0, len(states))
	for _, s := range states {
		entries = append(entries, store.PresenceEntry{UserID: s.UserID, LastSeenAt: s.OnlineAt})
	}
	t.store.Apply(store.SetPresence{Snapshot: true, Entries: entries})
	t.bus.Publish(bus.Event{Kind: bus.KindPresenceChanged})
}

func (t *Tracker) applyJoin(states []realtime.PresenceState) {
	entries := make([]store.PresenceEntry, 0, len(states))
	for _, s := range states {
		entries = append(entries, store.PresenceEntry{UserID: s.UserID, LastSeenAt: s.OnlineAt})
	}
	t.store.Apply(store.SetPresence{Entries: entries})
	t.bus.Publish(bus.Event{Kind: bus.KindPresenceChanged})
}

func (t *Tracker) applyLeave(evt realtime.PresenceEvent) {
	left := make([]string, 0, len(evt.States))
	for _, s := range evt.States {
		left = append(left, s.UserID)
	}
	if len(left) == 0 && evt.Key != "" {
		left = []string{evt.Key}
	}
	t.store.Apply(store.SetPresence{Left: left})
	t.bus.Publish(bus.Event{Kind: bus.KindPresenceChanged})
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
