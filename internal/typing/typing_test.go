package typing

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/caiofn/chatsync/internal/bus"
	"github.com/caiofn/chatsync/internal/realtime"
	"github.com/caiofn/chatsync/internal/store"
	"go.uber.org/zap"
)

type fakeBroadcastSub struct {
	events chan realtime.BroadcastEvent
}

func (s *fakeBroadcastSub) Events() <-chan realtime.BroadcastEvent { return s.events }
func (s *fakeBroadcastSub) Unsubscribe()                           {}

type fakeCaster struct {
	mu   sync.Mutex
	sent []Indicator
	subs map[string]*fakeBroadcastSub
}

func newFakeCaster() *fakeCaster {
	return &fakeCaster{subs: make(map[string]*fakeBroadcastSub)}
}

func (c *fakeCaster) SendBroadcast(_ context.Context, _, _ string, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	var ind Indicator
	if err := json.Unmarshal(raw, &ind); err != nil {
		return err
	}
	c.mu.Lock()
	c.sent = append(c.sent, ind)
	c.mu.Unlock()
	return nil
}

func (c *fakeCaster) OnBroadcast(_ context.Context, topic, event string) (realtime.BroadcastSubscription, error) {
	sub := &fakeBroadcastSub{events: make(chan realtime.BroadcastEvent, 16)}
	c.mu.Lock()
	c.subs[topic+"/"+event] = sub
	c.mu.Unlock()
	return sub, nil
}

func (c *fakeCaster) sub(t *testing.T, convID string) *fakeBroadcastSub {
	t.Helper()
	key := realtime.ConversationTopic(convID) + "/" + BroadcastName
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		c.mu.Lock()
		sub := c.subs[key]
		c.mu.Unlock()
		if sub != nil {
			return sub
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("no broadcast subscription for %s", convID)
	return nil
}

func (c *fakeCaster) sentCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sent)
}

func (c *fakeCaster) lastSent() Indicator {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sent[len(c.sent)-1]
}

func indicatorJSON(userID string, stop bool) realtime.BroadcastEvent {
	raw, _ := json.Marshal(Indicator{ConversationID: "c1", UserID: userID, Stop: stop})
	return realtime.BroadcastEvent{Event: BroadcastName, Payload: raw}
}

func newTestBroadcaster(t *testing.T, cfg Config) (*Broadcaster, *fakeCaster, *store.Store) {
	t.Helper()
	st := store.New("me")
	caster := newFakeCaster()
	tb := New(caster, st, bus.New(), zap.NewNop(), cfg)
	tb.Start(context.Background())
	t.Cleanup(tb.Stop)
	return tb, caster, st
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not reached")
}

func TestStartBroadcastsAreDebounced(t *testing.T) {
	tb, caster, _ := newTestBroadcaster(t, Config{
		Debounce: 80 * time.Millisecond,
		IdleStop: time.Second,
	})
	tb.OpenConversation("c1")

	tb.NotifyTyping("c1")
	tb.NotifyTyping("c1")
	tb.NotifyTyping("c1")
	if n := caster.sentCount(); n != 1 {
		t.Fatalf("broadcasts = %d inside debounce window, want 1", n)
	}

	time.Sleep(100 * time.Millisecond)
	tb.NotifyTyping("c1")
	if n := caster.sentCount(); n != 2 {
		t.Errorf("broadcasts = %d after window, want 2", n)
	}
}

func TestStopBroadcastAfterIdle(t *testing.T) {
	tb, caster, _ := newTestBroadcaster(t, Config{
		Debounce: 10 * time.Millisecond,
		IdleStop: 30 * time.Millisecond,
	})
	tb.OpenConversation("c1")

	tb.NotifyTyping("c1")
	waitFor(t, func() bool { return caster.sentCount() == 2 })
	if ind := caster.lastSent(); !ind.Stop {
		t.Errorf("last broadcast = %+v, want stop", ind)
	}
}

func TestRemoteIndicatorExpiresWithoutStop(t *testing.T) {
	tb, caster, st := newTestBroadcaster(t, Config{
		TTL:           100 * time.Millisecond,
		SweepInterval: 20 * time.Millisecond,
	})
	tb.OpenConversation("c1")
	sub := caster.sub(t, "c1")

	sub.events <- indicatorJSON("them", false)
	waitFor(t, func() bool { return len(st.TypingUsers("c1")) == 1 })

	// The peer never sends stop; the TTL clears it.
	waitFor(t, func() bool { return len(st.TypingUsers("c1")) == 0 })
}

func TestStopIndicatorClearsImmediately(t *testing.T) {
	tb, caster, st := newTestBroadcaster(t, Config{TTL: 10 * time.Second})
	tb.OpenConversation("c1")
	sub := caster.sub(t, "c1")

	sub.events <- indicatorJSON("them", false)
	waitFor(t, func() bool { return len(st.TypingUsers("c1")) == 1 })

	sub.events <- indicatorJSON("them", true)
	waitFor(t, func() bool { return len(st.TypingUsers("c1")) == 0 })
}

func TestOwnIndicatorIgnored(t *testing.T) {
	tb, caster, st := newTestBroadcaster(t, Config{})
	tb.OpenConversation("c1")
	sub := caster.sub(t, "c1")

	sub.events <- indicatorJSON("me", false)
	time.Sleep(100 * time.Millisecond)
	if n := len(st.TypingUsers("c1")); n != 0 {
		t.Errorf("TypingUsers = %d for own indicator", n)
	}
}

func TestCloseConversationClearsIndicators(t *testing.T) {
	tb, caster, st := newTestBroadcaster(t, Config{TTL: 10 * time.Second})
	tb.OpenConversation("c1")
	sub := caster.sub(t, "c1")

	sub.events <- indicatorJSON("them", false)
	waitFor(t, func() bool { return len(st.TypingUsers("c1")) == 1 })

	tb.CloseConversation()
	if n := len(st.TypingUsers("c1")); n != 0 {
		t.Errorf("TypingUsers = %d after close", n)
	}
}

func TestNotifyForUnopenedConversationIgnored(t *testing.T) {
	tb, caster, _ := newTestBroadcaster(t, Config{})
	tb.OpenConversation("c1")

	tb.NotifyTyping("c2")
	if n := caster.sentCount(); n != 0 {
		t.Errorf("broadcasts = %d for unopened conversation", n)
	}
}
