package events

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

type collectingListener struct {
	mu     sync.Mutex
	events []Event
}

func (c *collectingListener) OnEvent(_ context.Context, event Event) {
	c.mu.Lock()
	c.events = append(c.events, event)
	c.mu.Unlock()
}

func (c *collectingListener) snapshot() []Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Event, len(c.events))
	copy(out, c.events)
	return out
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
	t.Fatal("condition not met before deadline")
}

func TestBus_DeliversToAllListeners(t *testing.T) {
	bus := NewBus(zerolog.Nop())
	l1 := &collectingListener{}
	l2 := &collectingListener{}
	bus.Subscribe(l1)
	bus.Subscribe(l2)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go bus.Start(ctx)

	orderID := uuid.New()
	bus.Publish(Event{
		Type:       TypeOrderStatusChanged,
		OrderID:    orderID,
		FromStatus: "pending",
		ToStatus:   "in-progress",
	})

	waitFor(t, func() bool { return len(l1.snapshot()) == 1 && len(l2.snapshot()) == 1 })

	got := l1.snapshot()[0]
	if got.OrderID != orderID {
		t.Errorf("expected order %s, got %s", orderID, got.OrderID)
	}
	if got.ID == uuid.Nil {
		t.Error("expected event ID to be assigned")
	}
	if got.OccurredAt.IsZero() {
		t.Error("expected OccurredAt to be assigned")
	}
}

func TestBus_ListenerPanicDoesNotStopDispatch(t *testing.T) {
	bus := NewBus(zerolog.Nop())
	bus.Subscribe(ListenerFunc(func(context.Context, Event) {
		panic("listener failure")
	}))
	l := &collectingListener{}
	bus.Subscribe(l)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go bus.Start(ctx)

	bus.Publish(Event{Type: TypeReportVerified, OrderID: uuid.New()})

	waitFor(t, func() bool { return len(l.snapshot()) == 1 })
}

func TestBus_PublishDoesNotBlockWhenFull(t *testing.T) {
	bus := NewBus(zerolog.Nop())
	// No Start: the buffer fills and further publishes must return.
	done := make(chan struct{})
	go func() {
		for i := 0; i < defaultBufferSize+10; i++ {
			bus.Publish(Event{Type: TypeAbnormalResultDetected})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Publish blocked on a full buffer")
	}
}

func TestBus_DrainsOnShutdown(t *testing.T) {
	bus := NewBus(zerolog.Nop())
	l := &collectingListener{}
	bus.Subscribe(l)

	for i := 0; i < 5; i++ {
		bus.Publish(Event{Type: TypeOrderStatusChanged})
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	finished := make(chan struct{})
	go func() {
		bus.Start(ctx)
		close(finished)
	}()

	select {
	case <-finished:
	case <-time.After(2 * time.Second):
		t.Fatal("Start did not return after cancellation")
	}

	if got := len(l.snapshot()); got != 5 {
		t.Errorf("expected 5 drained events, got %d", got)
	}
}
