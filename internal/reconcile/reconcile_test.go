package reconcile

import (
	"context"
	"testing"
	"time"

	"github.com/caiofn/chatsync/internal/bus"
	"github.com/caiofn/chatsync/internal/realtime"
	"github.com/caiofn/chatsync/internal/store"
	"go.uber.org/zap"
)

func newTestReconciler(t *testing.T) (*Reconciler, *store.Store, *bus.Bus) {
	t.Helper()
	st := store.New("me")
	b := bus.New()
	r := New(st, b, zap.NewNop())
	r.Start(context.Background())
	t.Cleanup(r.Stop)
	return r, st, b
}

func confirmed(id, conv, sender, receiver string, ts int64) store.Message {
	return store.Message{
		ID: id, ConversationID: conv, SenderID: sender, ReceiverID: receiver,
		Content: "hi", ContentType: store.ContentText, CreatedAt: ts,
	}
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

func TestClientRefSubstitutesPendingEntry(t *testing.T) {
	r, st, _ := newTestReconciler(t)

	st.Apply(store.UpsertMessage{Message: store.Message{
		CorrelationID: "corr-1", ConversationID: "c1",
		SenderID: "me", ReceiverID: "them",
		Content: "offline send", CreatedAt: 1000,
		DeliveryState: store.DeliveryPending,
	}})

	msg := confirmed("42", "c1", "me", "them", 1001)
	r.UpsertRemoteMessage(msg, "corr-1")

	msgs := st.Messages("c1")
	if len(msgs) != 1 {
		t.Fatalf("messages = %d, want exactly 1 after substitution", len(msgs))
	}
	if msgs[0].ID != "42" || msgs[0].CorrelationID != "" {
		t.Errorf("entry = %+v", msgs[0])
	}
	if st.PendingCount() != 0 {
		t.Errorf("PendingCount = %d", st.PendingCount())
	}
}

func TestDuplicateInsertIsIdempotent(t *testing.T) {
	r, st, b := newTestReconciler(t)

	notifies, unsub := b.Subscribe("notify.", 16)
	defer unsub()

	msg := confirmed("42", "c1", "them", "me", 1000)
	r.UpsertRemoteMessage(msg, "")
	r.UpsertRemoteMessage(msg, "")

	if n := len(st.Messages("c1")); n != 1 {
		t.Errorf("messages = %d, want 1", n)
	}
	if st.UnreadCount("c1") != 1 {
		t.Errorf("UnreadCount = %d, want 1", st.UnreadCount("c1"))
	}

	got := 0
	timeout := time.After(300 * time.Millisecond)
loop:
	for {
		select {
		case <-notifies:
			got++
		case <-timeout:
			break loop
		}
	}
	if got != 1 {
		t.Errorf("notify.inbound fired %d times, want 1", got)
	}
}

func TestUpdatePatchesReadState(t *testing.T) {
	r, st, _ := newTestReconciler(t)

	msg := confirmed("42", "c1", "them", "me", 1000)
	r.UpsertRemoteMessage(msg, "")
	if st.UnreadCount("c1") != 1 {
		t.Fatalf("UnreadCount = %d before receipt", st.UnreadCount("c1"))
	}

	msg.IsRead = true
	r.UpsertRemoteMessage(msg, "")
	if st.UnreadCount("c1") != 0 {
		t.Errorf("UnreadCount = %d after receipt", st.UnreadCount("c1"))
	}
	if n := len(st.Messages("c1")); n != 1 {
		t.Errorf("messages = %d, want 1", n)
	}
}

func TestOutboundMessageDoesNotNotify(t *testing.T) {
	r, _, b := newTestReconciler(t)

	notifies, unsub := b.Subscribe("notify.", 4)
	defer unsub()

	r.UpsertRemoteMessage(confirmed("42", "c1", "me", "them", 1000), "")

	select {
	case <-notifies:
		t.Error("notify.inbound for own outbound message")
	case <-time.After(200 * time.Millisecond):
	}
}

func TestBusDrivenReconciliation(t *testing.T) {
	_, st, b := newTestReconciler(t)

	st.Apply(store.UpsertMessage{Message: store.Message{
		CorrelationID: "corr-1", ConversationID: "c1",
		SenderID: "me", ReceiverID: "them",
		Content: "offline send", CreatedAt: 1000,
		DeliveryState: store.DeliveryPending,
	}})

	b.Publish(bus.Event{
		Kind: bus.KindRemoteMessageInserted,
		Payload: realtime.MessageInserted{
			Message:   confirmed("42", "c1", "me", "them", 1001),
			ClientRef: "corr-1",
		},
	})

	waitFor(t, func() bool {
		msgs := st.Messages("c1")
		return len(msgs) == 1 && msgs[0].ID == "42"
	})
	if st.PendingCount() != 0 {
		t.Errorf("PendingCount = %d", st.PendingCount())
	}
}

func TestConversationUpsertPublishesStoreEvent(t *testing.T) {
	r, st, b := newTestReconciler(t)

	events, unsub := b.Subscribe("store.", 16)
	defer unsub()

	r.UpsertRemoteConversation(store.Conversation{
		ID: "c1", ParticipantAID: "me", ParticipantBID: "them",
		ListingRef: "listing-9", CreatedAt: 900,
	})

	select {
	case evt := <-events:
		if evt.Kind != bus.KindConversationUpserted {
			t.Errorf("kind = %q", evt.Kind)
		}
	case <-time.After(time.Second):
		t.Fatal("no store event")
	}

	c, ok := st.Conversation("c1")
	if !ok || c.ListingRef != "listing-9" {
		t.Errorf("conversation = %+v ok=%v", c, ok)
	}
}

func TestHistoryBatchUpserts(t *testing.T) {
	r, st, _ := newTestReconciler(t)

	r.UpsertHistory([]store.Message{
		confirmed("1", "c1", "them", "me", 100),
		confirmed("2", "c1", "me", "them", 200),
		{ConversationID: "c1"}, // no id, skipped
	})

	msgs := st.Messages("c1")
	if len(msgs) != 2 {
		t.Fatalf("messages = %d, want 2", len(msgs))
	}
	if msgs[0].ID != "1" || msgs[1].ID != "2" {
		t.Errorf("order = %q, %q", msgs[0].ID, msgs[1].ID)
	}
}
