package events

import (
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func TestBusDeliversByTopic(t *testing.T) {
	bus := NewBus()
	var runs, all []string
	sub1, err := bus.Subscribe(TopicRun, func(ev Event) { runs = append(runs, ev.Type) })
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	if _, err := bus.Subscribe(TopicAll, func(ev Event) { all = append(all, ev.Type) }); err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}

	if n := bus.Publish(Event{Topic: TopicRun, Type: "run.started"}); n != 2 {
		t.Fatalf("Publish() delivered to %d, want 2", n)
	}
	bus.Publish(Event{Topic: TopicSession, Type: "session.patched"})
	sub1.Unsubscribe()
	sub1.Unsubscribe()
	bus.Publish(Event{Topic: TopicRun, Type: "run.finished"})

	if len(runs) != 1 || runs[0] != "run.started" {
		t.Fatalf("run listener got %v", runs)
	}
	if len(all) != 3 {
		t.Fatalf("wildcard listener got %v", all)
	}
}

func TestBusListenerBound(t *testing.T) {
	bus := NewBus(WithMaxListeners(2))
	noop := func(Event) {}
	for i := 0; i < 2; i++ {
		if _, err := bus.Subscribe(TopicRun, noop); err != nil {
			t.Fatalf("Subscribe(%d) error = %v", i, err)
		}
	}
	sub, err := bus.Subscribe(TopicRun, noop)
	if !errors.Is(err, ErrTooManyListeners) || sub != nil {
		t.Fatalf("third Subscribe() = %v, %v; want ErrTooManyListeners", sub, err)
	}
}

func TestBusCloseAndPanics(t *testing.T) {
	bus := NewBus()
	var got atomic.Int32
	if _, err := bus.Subscribe(TopicRun, func(Event) { panic("boom") }); err != nil {
		t.Fatal(err)
	}
	if _, err := bus.Subscribe(TopicRun, func(Event) { got.Add(1) }); err != nil {
		t.Fatal(err)
	}
	bus.Publish(Event{Topic: TopicRun})
	if got.Load() != 1 {
		t.Fatalf("handler after a panicking one ran %d times", got.Load())
	}

	bus.Close()
	if bus.Publish(Event{Topic: TopicRun}) != 0 || bus.Len() != 0 {
		t.Fatal("closed bus still delivers")
	}
	if _, err := bus.Subscribe(TopicRun, func(Event) {}); !errors.Is(err, ErrClosed) {
		t.Fatalf("Subscribe() after Close error = %v", err)
	}
}

func TestSystemQueueDrainAndDuplicates(t *testing.T) {
	q := NewSystemQueue(nil)
	q.Enqueue("s1", "Model switched.")
	q.Enqueue("s1", "Model switched.")
	q.Enqueue("s1", "Thinking set to high.")
	q.Enqueue("s2", "other")
	q.Enqueue("s1", "  ")

	if got := q.Count("s1"); got != 2 {
		t.Fatalf("Count() = %d, want 2", got)
	}
	events := q.Drain("s1")
	if len(events) != 2 || events[0].Text != "Model switched." || events[1].Text != "Thinking set to high." {
		t.Fatalf("Drain() = %+v", events)
	}
	if q.Drain("s1") != nil {
		t.Fatal("second Drain() should be empty")
	}
	if q.Count("s2") != 1 {
		t.Fatal("sessions are not isolated")
	}
}

func TestSystemQueueBound(t *testing.T) {
	q := NewSystemQueue(nil)
	q.SetMax(3)
	for _, text := range []string{"a", "b", "c", "d", "e"} {
		q.Enqueue("s", text)
	}
	events := q.Peek("s")
	if len(events) != 3 || events[0].Text != "c" || events[2].Text != "e" {
		t.Fatalf("Peek() = %+v", events)
	}
}

func TestSystemQueuePrepend(t *testing.T) {
	bus := NewBus()
	var published []Event
	if _, err := bus.Subscribe(TopicSystem, func(ev Event) { published = append(published, ev) }); err != nil {
		t.Fatal(err)
	}
	q := NewSystemQueue(bus)
	q.now = func() time.Time { return time.Unix(100, 0) }

	if got := q.Prepend("k", "hello"); got != "hello" {
		t.Fatalf("Prepend() without events = %q", got)
	}
	q.Enqueue("k", "Model switched to openai/gpt-4o.")
	q.Enqueue("k", "Elevated set to ask.")
	want := "System: Model switched to openai/gpt-4o.\nSystem: Elevated set to ask.\n\nhello"
	if got := q.Prepend("k", "hello"); got != want {
		t.Fatalf("Prepend() = %q, want %q", got, want)
	}
	if q.Count("k") != 0 {
		t.Fatal("Prepend() should drain")
	}
	if len(published) != 2 || published[0].SessionKey != "k" || !published[0].At.Equal(time.Unix(100, 0)) {
		t.Fatalf("published = %+v", published)
	}
}
