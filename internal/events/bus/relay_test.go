package bus

import (
	"context"
	"sync/atomic"
	"testing"
	"time"
)

// Two relays sharing one in-memory "remote" stand in for two workers
// connected to the same notification channel.
func TestRelay_CrossWorkerDelivery(t *testing.T) {
	log := newTestLogger(t)
	shared := NewMemoryEventBus(log)

	workerA := NewRelay(NewMemoryEventBus(log), shared, "worker-a", log)
	workerB := NewRelay(NewMemoryEventBus(log), shared, "worker-b", log)
	if err := workerA.Start("agent.>"); err != nil {
		t.Fatalf("start A: %v", err)
	}
	if err := workerB.Start("agent.>"); err != nil {
		t.Fatalf("start B: %v", err)
	}

	var onA, onB int32
	var origin atomic.Value
	_, _ = workerA.Subscribe("agent.>", func(ctx context.Context, e *Event) error {
		atomic.AddInt32(&onA, 1)
		return nil
	})
	_, _ = workerB.Subscribe("agent.>", func(ctx context.Context, e *Event) error {
		origin.Store(e.Origin)
		atomic.AddInt32(&onB, 1)
		return nil
	})

	if err := workerA.Publish(context.Background(), "agent.a1.changed", mustEvent(t, "agent.changed", nil)); err != nil {
		t.Fatalf("publish: %v", err)
	}

	waitFor(t, func() bool { return atomic.LoadInt32(&onB) == 1 })
	time.Sleep(50 * time.Millisecond)

	if got := atomic.LoadInt32(&onA); got != 1 {
		t.Errorf("publisher should see its own event exactly once, got %d", got)
	}
	if got := atomic.LoadInt32(&onB); got != 1 {
		t.Errorf("peer should see the event exactly once, got %d", got)
	}
	if origin.Load() != "worker-a" {
		t.Errorf("expected origin worker-a, got %v", origin.Load())
	}

	workerA.Close()
	workerB.Close()
}

func TestRelay_LocalOnly(t *testing.T) {
	log := newTestLogger(t)
	relay := NewRelay(NewMemoryEventBus(log), nil, "solo", log)
	defer relay.Close()

	if err := relay.Start("agent.>"); err != nil {
		t.Fatalf("start: %v", err)
	}
	if !relay.IsConnected() {
		t.Fatal("expected local relay to be connected")
	}

	got := make(chan *Event, 1)
	_, _ = relay.Subscribe("agent.*.changed", func(ctx context.Context, e *Event) error {
		got <- e
		return nil
	})
	ev := mustEvent(t, "agent.changed", nil)
	if err := relay.Publish(context.Background(), "agent.x.changed", ev); err != nil {
		t.Fatalf("publish: %v", err)
	}
	select {
	case e := <-got:
		if e.Subject != "agent.x.changed" || e.Origin != "solo" {
			t.Errorf("unexpected stamping: subject=%q origin=%q", e.Subject, e.Origin)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout")
	}
	if ev.Origin != "" {
		t.Error("publish must not mutate the caller's event")
	}
}
