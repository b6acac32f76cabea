package event

import (
	"sync"
)

// Bus fans lifecycle events out to subscribers. Each subscriber gets its own
// ordered queue drained by a dedicated goroutine, so a slow consumer delays
// only itself and Publish never blocks the pipeline.
type Bus struct {
	mu     sync.Mutex
	subs   map[int]*subscriber
	nextID int
	closed bool
}

// subscriber buffers events for one consumer.
type subscriber struct {
	runID string // "" subscribes to all runs

	mu     sync.Mutex
	queue  []Event
	notify chan struct{}
	done   chan struct{}
	out    chan Event
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[int]*subscriber)}
}

// Subscribe registers a consumer for all runs. The returned cancel func must
// be called to release the subscription; afterwards the channel is closed.
func (b *Bus) Subscribe() (<-chan Event, func()) {
	return b.subscribe("")
}

// SubscribeRun registers a consumer for a single run's events.
func (b *Bus) SubscribeRun(runID string) (<-chan Event, func()) {
	return b.subscribe(runID)
}

func (b *Bus) subscribe(runID string) (<-chan Event, func()) {
	sub := &subscriber{
		runID:  runID,
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
		out:    make(chan Event, 16),
	}
	go sub.pump()

	b.mu.Lock()
	id := b.nextID
	b.nextID++
	if b.closed {
		b.mu.Unlock()
		close(sub.done)
		return sub.out, func() {}
	}
	b.subs[id] = sub
	b.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(sub.done)
		})
	}
	return sub.out, cancel
}

// Publish delivers ev to every matching subscriber without blocking.
func (b *Bus) Publish(ev Event) {
	b.mu.Lock()
	targets := make([]*subscriber, 0, len(b.subs))
	for _, sub := range b.subs {
		if sub.runID == "" || sub.runID == ev.RunID {
			targets = append(targets, sub)
		}
	}
	b.mu.Unlock()

	for _, sub := range targets {
		sub.enqueue(ev)
	}
}

// Close tears down the bus; all subscriber channels are closed after their
// queues drain.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	subs := b.subs
	b.subs = make(map[int]*subscriber)
	b.mu.Unlock()

	for _, sub := range subs {
		close(sub.done)
	}
}

func (s *subscriber) enqueue(ev Event) {
	s.mu.Lock()
	s.queue = append(s.queue, ev)
	s.mu.Unlock()

	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// pump moves queued events to the consumer channel in order. After done is
// signalled the remaining queue is flushed, then out is closed.
func (s *subscriber) pump() {
	defer close(s.out)
	for {
		s.mu.Lock()
		pending := s.queue
		s.queue = nil
		s.mu.Unlock()

		for _, ev := range pending {
			select {
			case s.out <- ev:
			case <-s.done:
				return
			}
		}

		select {
		case <-s.notify:
		case <-s.done:
			// Flush anything enqueued after the last drain.
			s.mu.Lock()
			rest := s.queue
			s.queue = nil
			s.mu.Unlock()
			for _, ev := range rest {
				select {
				case s.out <- ev:
				default:
					return
				}
			}
			return
		}
	}
}
