package bus

import (
	"testing"
	"time"
)

func TestPublishSubscribe(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe("transport.", 10)
	defer unsub()

	b.Emit(KindTransportState, "group:1", "test")

	select {
	case evt := <-ch:
		if evt.Kind != KindTransportState {
			t.Errorf("got kind %q, want %s", evt.Kind, KindTransportState)
		}
		if evt.Channel != "group:1" {
			t.Errorf("channel = %q, want group:1", evt.Channel)
		}
		if evt.ID == "" {
			t.Error("event id not set")
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for event")
	}
}

func TestNamespaceFiltering(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe("message.", 10)
	defer unsub()

	b.Emit(KindTransportState, "", nil)
	b.Emit(KindMessageSnapshot, "", nil)

	select {
	case evt := <-ch:
		if evt.Kind != KindMessageSnapshot {
			t.Errorf("got kind %q, want %s", evt.Kind, KindMessageSnapshot)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for event")
	}

	select {
	case evt := <-ch:
		t.Errorf("unexpected event: %v", evt)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestUnsubscribe(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe("socket.", 10)
	unsub()

	b.Emit(KindSocketStatus, "", nil)

	select {
	case evt := <-ch:
		t.Errorf("received event after unsubscribe: %v", evt)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestDropOnFullBuffer(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe("presence.", 1)
	defer unsub()

	b.Publish(Event{Kind: "presence.one"})
	b.Publish(Event{Kind: "presence.two"})

	evt := <-ch
	if evt.Kind != "presence.one" {
		t.Errorf("got %q, want presence.one", evt.Kind)
	}
}

func TestNilBus(t *testing.T) {
	var b *Bus
	b.Emit(KindMessageSnapshot, "", nil)
	ch, unsub := b.Subscribe("message.", 1)
	defer unsub()
	select {
	case <-ch:
		t.Fatal("nil bus delivered an event")
	default:
	}
}
