package store

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/sells-group/screening-cli/internal/event"
)

// Recorder consumes the pipeline event stream and persists every run
// snapshot it sees. Terminal runs arrive on RunCompleted; runs parked in
// manual review arrive on the transition event that carries a snapshot.
type Recorder struct {
	store  Store
	cancel func()
	wg     sync.WaitGroup
}

// NewRecorder subscribes to the bus and starts persisting snapshots.
func NewRecorder(bus *event.Bus, store Store) *Recorder {
	ch, cancel := bus.Subscribe()
	r := &Recorder{store: store, cancel: cancel}
	r.wg.Add(1)
	go r.consume(ch)
	return r
}

func (r *Recorder) consume(ch <-chan event.Event) {
	defer r.wg.Done()
	for ev := range ch {
		if ev.Run == nil {
			continue
		}
		if err := r.store.SaveRun(context.Background(), ev.Run); err != nil {
			zap.L().Warn("failed to persist run snapshot",
				zap.String("run_id", ev.RunID),
				zap.String("state", string(ev.Run.State)),
				zap.Error(err))
		}
	}
}

// Stop unsubscribes and waits for in-flight writes to finish.
func (r *Recorder) Stop() {
	r.cancel()
	r.wg.Wait()
}
