package event

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/screening-cli/internal/model"
)

func collect(t *testing.T, ch <-chan Event, n int) []Event {
	t.Helper()
	out := make([]Event, 0, n)
	deadline := time.After(2 * time.Second)
	for len(out) < n {
		select {
		case ev, ok := <-ch:
			if !ok {
				return out
			}
			out = append(out, ev)
		case <-deadline:
			t.Fatalf("got %d of %d events", len(out), n)
		}
	}
	return out
}

func TestBusDeliversInOrder(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	ch, cancel := bus.Subscribe()
	defer cancel()

	for i := 0; i < 100; i++ {
		bus.Publish(Event{Type: StageCompleted, RunID: fmt.Sprintf("run-%d", i)})
	}

	events := collect(t, ch, 100)
	for i, ev := range events {
		assert.Equal(t, fmt.Sprintf("run-%d", i), ev.RunID)
	}
}

func TestBusPublishNeverBlocksOnSlowSubscriber(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	// Subscriber that never reads; its queue grows but Publish returns.
	_, cancel := bus.Subscribe()
	defer cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 1000; i++ {
			bus.Publish(Event{Type: RunStarted, RunID: "r"})
		}
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on a slow subscriber")
	}
}

func TestBusSubscribeRunFilters(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	ch, cancel := bus.SubscribeRun("run-1")
	defer cancel()

	bus.Publish(Event{Type: RunStarted, RunID: "run-2"})
	bus.Publish(Event{Type: RunStarted, RunID: "run-1"})
	bus.Publish(Event{Type: RunCompleted, RunID: "run-3"})
	bus.Publish(Event{Type: RunCompleted, RunID: "run-1"})

	events := collect(t, ch, 2)
	assert.Equal(t, RunStarted, events[0].Type)
	assert.Equal(t, RunCompleted, events[1].Type)
	for _, ev := range events {
		assert.Equal(t, "run-1", ev.RunID)
	}
}

func TestBusFanOut(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	a, cancelA := bus.Subscribe()
	defer cancelA()
	b, cancelB := bus.Subscribe()
	defer cancelB()

	bus.Publish(Event{Type: RunStarted, RunID: "run-1", To: model.StateScreening})

	require.Len(t, collect(t, a, 1), 1)
	require.Len(t, collect(t, b, 1), 1)
}

func TestBusCancelClosesChannel(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	ch, cancel := bus.Subscribe()
	cancel()

	_, ok := <-ch
	assert.False(t, ok)

	// Cancel is idempotent and later publishes do not panic.
	cancel()
	bus.Publish(Event{Type: RunStarted, RunID: "r"})
}

func TestBusCloseClosesAllSubscribers(t *testing.T) {
	bus := NewBus()
	a, _ := bus.Subscribe()
	b, _ := bus.SubscribeRun("run-1")

	bus.Close()

	_, okA := <-a
	_, okB := <-b
	assert.False(t, okA)
	assert.False(t, okB)

	// Subscribing after close yields a closed channel.
	c, cancel := bus.Subscribe()
	defer cancel()
	_, okC := <-c
	assert.False(t, okC)
}
