package engine_test

import (
	"testing"

	"github.com/seantiz/async/internal/engine"
	"github.com/seantiz/async/internal/model"
)

func TestBrokerSingleSubscriber(t *testing.T) {
	b := engine.NewBroker()
	ch, unsub := b.Subscribe("j1")
	defer unsub()

	states := []model.State{model.StatePending, model.StateLeased, model.StateDone}
	for _, st := range states {
		b.Publish(engine.Event{JobID: "j1", State: st})
	}
	b.Close("j1")

	var got []model.State
	for ev := range ch {
		got = append(got, ev.State)
	}
	if len(got) != len(states) {
		t.Fatalf("got %d events, want %d", len(got), len(states))
	}
	for i, st := range got {
		if st != states[i] {
			t.Errorf("event[%d] = %q, want %q", i, st, states[i])
		}
	}
}

func TestBrokerMultipleSubscribers(t *testing.T) {
	b := engine.NewBroker()
	ch1, unsub1 := b.Subscribe("j1")
	defer unsub1()
	ch2, unsub2 := b.Subscribe("j1")
	defer unsub2()

	b.Publish(engine.Event{JobID: "j1", State: model.StateDone})
	b.Close("j1")

	for i, ch := range []<-chan engine.Event{ch1, ch2} {
		var n int
		for range ch {
			n++
		}
		if n != 1 {
			t.Errorf("subscriber %d got %d events, want 1", i+1, n)
		}
	}
}

func TestBrokerIsolatesJobs(t *testing.T) {
	b := engine.NewBroker()
	ch, unsub := b.Subscribe("j1")
	defer unsub()

	b.Publish(engine.Event{JobID: "j2", State: model.StateDone})
	select {
	case ev := <-ch:
		t.Errorf("received event for another job: %+v", ev)
	default:
	}
}

func TestBrokerDropsForSlowSubscriber(t *testing.T) {
	b := engine.NewBroker()
	ch, unsub := b.Subscribe("j1")
	defer unsub()

	// Publishing far past the buffer must not block.
	for i := 0; i < 1000; i++ {
		b.Publish(engine.Event{JobID: "j1", Attempt: i})
	}
	b.Close("j1")

	var n int
	for range ch {
		n++
	}
	if n == 0 || n >= 1000 {
		t.Errorf("received %d events, want a bounded non-empty prefix", n)
	}
}

func TestBrokerForgetsTopics(t *testing.T) {
	b := engine.NewBroker()

	_, unsub := b.Subscribe("j1")
	_, unsub2 := b.Subscribe("j2")
	if b.Topics() != 2 {
		t.Fatalf("Topics = %d, want 2", b.Topics())
	}

	unsub()
	unsub() // idempotent
	b.Close("j2")
	unsub2()

	if b.Topics() != 0 {
		t.Errorf("Topics = %d after unsubscribe and close, want 0", b.Topics())
	}

	// Publishing to a job nobody watches is a no-op.
	b.Publish(engine.Event{JobID: "j3"})
	if b.Topics() != 0 {
		t.Errorf("Topics = %d after publish, want 0", b.Topics())
	}
}
