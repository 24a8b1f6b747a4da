package bus

import (
	"testing"
	"time"
)

func TestPublishFansOut(t *testing.T) {
	mb := NewMessageBus()
	a, stopA := mb.Subscribe()
	defer stopA()
	b, stopB := mb.Subscribe()
	defer stopB()

	mb.Publish(Event{Kind: StatusChanged, ConversationID: "c1"})

	for _, ch := range []<-chan Event{a, b} {
		select {
		case ev := <-ch:
			if ev.Kind != StatusChanged || ev.ConversationID != "c1" {
				t.Fatalf("unexpected event %+v", ev)
			}
			if ev.At.IsZero() {
				t.Fatalf("expected publish to stamp the event")
			}
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for event")
		}
	}
}

func TestUnsubscribeClosesStream(t *testing.T) {
	mb := NewMessageBus()
	ch, stop := mb.Subscribe()
	stop()
	stop()

	if _, ok := <-ch; ok {
		t.Fatal("expected closed channel")
	}
	mb.Publish(Event{Kind: MessageAppended})
}

func TestPublishDoesNotBlockOnFullSubscriber(t *testing.T) {
	mb := NewMessageBus()
	_, stop := mb.Subscribe()
	defer stop()

	done := make(chan struct{})
	go func() {
		for i := 0; i < defaultBuffer*2; i++ {
			mb.Publish(Event{Kind: MessageAppended})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on a full subscriber")
	}
}

func TestHandleAndClose(t *testing.T) {
	mb := NewMessageBus()
	got := make(chan Event, 1)
	mb.Handle(func(ev Event) { got <- ev })

	mb.Publish(Event{Kind: ScheduleChanged, ConversationID: "c2"})
	select {
	case ev := <-got:
		if ev.Kind != ScheduleChanged {
			t.Fatalf("unexpected kind %q", ev.Kind)
		}
	case <-time.After(time.Second):
		t.Fatal("handler not called")
	}

	mb.Close()
	ch, _ := mb.Subscribe()
	if _, ok := <-ch; ok {
		t.Fatal("subscribe after close should return a closed channel")
	}
}
