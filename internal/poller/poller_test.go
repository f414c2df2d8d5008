package poller

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/caiofn/chatsync/internal/bus"
	"github.com/caiofn/chatsync/internal/reconcile"
	"github.com/caiofn/chatsync/internal/status"
	"github.com/caiofn/chatsync/internal/store"
	"go.uber.org/zap"
)

type fakeFetcher struct {
	mu    sync.Mutex
	snap  Snapshot
	err   error
	calls int
}

func (f *fakeFetcher) FetchSnapshot(context.Context) (Snapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return Snapshot{}, f.err
	}
	return f.snap, nil
}

func (f *fakeFetcher) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func newTestPoller(t *testing.T, f Fetcher, cfg Config) (*Poller, *store.Store, *bus.Bus, *status.Machine) {
	t.Helper()
	st := store.New("me")
	b := bus.New()
	machine := status.NewMachine(b)
	_ = machine.Transition(status.Connecting)
	_ = machine.Transition(status.Syncing)
	rec := reconcile.New(st, b, zap.NewNop())
	p := New(f, rec, b, machine, zap.NewNop(), cfg)
	p.Start(context.Background())
	t.Cleanup(p.Stop)
	return p, st, b, machine
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

func TestInitialPollSeedsStoreAndGoesLive(t *testing.T) {
	f := &fakeFetcher{snap: Snapshot{
		Conversations: []store.Conversation{
			{ID: "c1", ParticipantAID: "me", ParticipantBID: "them", CreatedAt: 900},
		},
		Messages: []RemoteMessage{
			{Message: store.Message{
				ID: "1", ConversationID: "c1", SenderID: "them", ReceiverID: "me",
				Content: "hi", ContentType: store.ContentText, CreatedAt: 1000,
			}},
		},
	}}
	_, st, _, machine := newTestPoller(t, f, Config{Interval: time.Hour})

	waitFor(t, func() bool { return machine.Current() == status.Live })
	if _, ok := st.Conversation("c1"); !ok {
		t.Error("conversation not seeded")
	}
	if !st.HasMessage("1") {
		t.Error("message not seeded")
	}
}

func TestResubscribeKickTriggersPoll(t *testing.T) {
	f := &fakeFetcher{}
	_, _, b, _ := newTestPoller(t, f, Config{Interval: time.Hour})

	waitFor(t, func() bool { return f.callCount() == 1 })

	b.Publish(bus.Event{Kind: bus.KindChannelResubscribed, Payload: "user:me"})
	waitFor(t, func() bool { return f.callCount() == 2 })
}

func TestKickTriggersPoll(t *testing.T) {
	f := &fakeFetcher{}
	p, _, _, _ := newTestPoller(t, f, Config{Interval: time.Hour})

	waitFor(t, func() bool { return f.callCount() == 1 })
	p.Kick()
	waitFor(t, func() bool { return f.callCount() == 2 })
}

func TestIntervalPolling(t *testing.T) {
	f := &fakeFetcher{}
	newTestPoller(t, f, Config{Interval: 20 * time.Millisecond})

	waitFor(t, func() bool { return f.callCount() >= 3 })
}

func TestConsecutiveFailuresDegrade(t *testing.T) {
	f := &fakeFetcher{err: errors.New("backend down")}
	p, _, _, machine := newTestPoller(t, f, Config{Interval: time.Hour, FailThreshold: 3})

	waitFor(t, func() bool { return f.callCount() == 1 })
	p.Kick()
	waitFor(t, func() bool { return f.callCount() == 2 })
	if machine.Current() == status.Degraded {
		t.Fatal("degraded before threshold")
	}
	p.Kick()
	waitFor(t, func() bool { return machine.Current() == status.Degraded })

	// Recovery flips back to Live.
	f.mu.Lock()
	f.err = nil
	f.mu.Unlock()
	p.Kick()
	waitFor(t, func() bool { return machine.Current() == status.Live })
}

func TestPollRepairsPendingViaClientRef(t *testing.T) {
	f := &fakeFetcher{}
	p, st, _, _ := newTestPoller(t, f, Config{Interval: time.Hour})
	waitFor(t, func() bool { return f.callCount() == 1 })

	st.Apply(store.UpsertMessage{Message: store.Message{
		CorrelationID: "corr-1", ConversationID: "c1",
		SenderID: "me", ReceiverID: "them",
		Content: "sent while push was down", CreatedAt: 1000,
		DeliveryState: store.DeliveryPending,
	}})

	f.mu.Lock()
	f.snap = Snapshot{Messages: []RemoteMessage{{
		Message: store.Message{
			ID: "42", ConversationID: "c1", SenderID: "me", ReceiverID: "them",
			Content: "sent while push was down", ContentType: store.ContentText, CreatedAt: 1001,
		},
		ClientRef: "corr-1",
	}}}
	f.mu.Unlock()
	p.Kick()

	waitFor(t, func() bool {
		msgs := st.Messages("c1")
		return len(msgs) == 1 && msgs[0].ID == "42" && st.PendingCount() == 0
	})
}
