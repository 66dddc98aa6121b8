package eventbus

import "testing"

func TestTailReturnsMostRecent(t *testing.T) {
	b := New(10)
	for i := 0; i < 5; i++ {
		b.Publish(Event{Type: "step", Ts: int64(i)})
	}
	tail := b.Tail(2)
	if len(tail) != 2 {
		t.Fatalf("got %d events, want 2", len(tail))
	}
	if tail[0].Ts != 3 || tail[1].Ts != 4 {
		t.Fatalf("got %+v, want ts 3 then 4", tail)
	}
}

func TestSubscriberReceivesOnlyEventsAfterSubscription(t *testing.T) {
	b := New(10)
	b.Publish(Event{Type: "before"})

	sub := b.Subscribe(4)
	b.Publish(Event{Type: "after1"})
	b.Publish(Event{Type: "after2"})

	first := <-sub.Events
	second := <-sub.Events
	if first.Type != "after1" || second.Type != "after2" {
		t.Fatalf("got %q then %q, want after1 then after2", first.Type, second.Type)
	}
}

func TestOverflowingSubscriberIsDropped(t *testing.T) {
	b := New(10)
	sub := b.Subscribe(1)

	b.Publish(Event{Type: "a"})
	b.Publish(Event{Type: "b"}) // second publish should overflow a 1-slot buffer

	select {
	case <-sub.Done:
	default:
		t.Fatalf("expected subscription to be dropped after buffer overflow")
	}
}

func TestRingBufferEvictsOldestOnOverflow(t *testing.T) {
	b := New(2)
	b.Publish(Event{Type: "a"})
	b.Publish(Event{Type: "b"})
	b.Publish(Event{Type: "c"})

	if b.Dropped() != 1 {
		t.Fatalf("dropped=%d, want 1", b.Dropped())
	}
	tail := b.Tail(10)
	if len(tail) != 2 || tail[0].Type != "b" || tail[1].Type != "c" {
		t.Fatalf("got %+v, want [b c]", tail)
	}
}
