package eventbus

import "testing"

func TestPublishRespectsPrefixes(t *testing.T) {
	t.Parallel()
	b := New()
	all, unsubAll := b.Subscribe(4)
	defer unsubAll()
	tasks, unsubTasks := b.Subscribe(4, "task.")
	defer unsubTasks()

	b.Publish(Event{Type: "schedule.armed"})
	b.Publish(Event{Type: "task.finished"})

	if got := len(all); got != 2 {
		t.Fatalf("unfiltered subscriber got %d events, want 2", got)
	}
	if got := len(tasks); got != 1 {
		t.Fatalf("filtered subscriber got %d events, want 1", got)
	}
	e := <-tasks
	if e.Type != "task.finished" || e.Time.IsZero() {
		t.Fatalf("unexpected event %+v", e)
	}
}

func TestPublishDropsWhenFull(t *testing.T) {
	t.Parallel()
	b := New()
	_, unsub := b.Subscribe(1)
	defer unsub()

	b.Publish(Event{Type: "a"})
	b.Publish(Event{Type: "b"})
	b.Publish(Event{Type: "c"})

	if got := b.Dropped(); got != 2 {
		t.Fatalf("Dropped() = %d, want 2", got)
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	t.Parallel()
	b := New()
	ch, unsub := b.Subscribe(1)
	unsub()
	unsub() // idempotent

	if _, ok := <-ch; ok {
		t.Fatal("expected closed channel")
	}
	// Publishing after unsubscribe must not panic.
	b.Publish(Event{Type: "late"})
}
