package status

import (
	"testing"
	"time"

	"github.com/caiofn/chatsync/internal/bus"
)

func TestValidTransitionPath(t *testing.T) {
	m := NewMachine(nil)
	path := []State{Connecting, Syncing, Live, Reconnecting, Syncing, Live, Stopped}
	for _, s := range path {
		if err := m.Transition(s); err != nil {
			t.Fatalf("transition to %s: %v", s, err)
		}
	}
	if m.Current() != Stopped {
		t.Errorf("current = %s, want %s", m.Current(), Stopped)
	}
}

func TestInvalidTransitionRejected(t *testing.T) {
	m := NewMachine(nil)
	if err := m.Transition(Live); err == nil {
		t.Error("BOOTING -> LIVE accepted, want error")
	}
	if m.Current() != Booting {
		t.Errorf("state mutated on rejected transition: %s", m.Current())
	}
}

func TestSelfTransitionIsNoop(t *testing.T) {
	b := bus.New()
	ch, unsub := b.Subscribe(bus.KindStatusChanged, 4)
	defer unsub()

	m := NewMachine(b)
	if err := m.Transition(Booting); err != nil {
		t.Fatalf("self transition: %v", err)
	}
	select {
	case <-ch:
		t.Error("self transition published a change event")
	default:
	}
}

func TestTransitionPublishesChange(t *testing.T) {
	b := bus.New()
	ch, unsub := b.Subscribe(bus.KindStatusChanged, 4)
	defer unsub()

	m := NewMachine(b)
	if err := m.Transition(Connecting); err != nil {
		t.Fatal(err)
	}

	select {
	case evt := <-ch:
		chg, ok := evt.Payload.(Change)
		if !ok {
			t.Fatalf("payload type %T, want Change", evt.Payload)
		}
		if chg.From != Booting || chg.To != Connecting {
			t.Errorf("change = %+v, want BOOTING->CONNECTING", chg)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for status change event")
	}
}
