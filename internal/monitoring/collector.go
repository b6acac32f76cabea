package monitoring

import (
	"sync"

	"github.com/sells-group/screening-cli/internal/event"
	"github.com/sells-group/screening-cli/internal/model"
)

// Collector feeds the pipeline event stream into Prometheus instruments.
type Collector struct {
	metrics *Metrics
	cancel  func()
	wg      sync.WaitGroup
}

// NewCollector subscribes to the bus and starts recording.
func NewCollector(bus *event.Bus, metrics *Metrics) *Collector {
	ch, cancel := bus.Subscribe()
	c := &Collector{metrics: metrics, cancel: cancel}
	c.wg.Add(1)
	go c.consume(ch)
	return c
}

func (c *Collector) consume(ch <-chan event.Event) {
	defer c.wg.Done()
	for ev := range ch {
		switch ev.Type {
		case event.RunStarted:
			c.metrics.RunsStarted.Inc()
			c.metrics.ActiveRuns.Inc()
		case event.StageCompleted:
			if ev.Verdict == nil {
				continue
			}
			c.metrics.StageDuration.
				WithLabelValues(ev.Verdict.Stage, string(ev.Verdict.Outcome)).
				Observe(ev.Verdict.Elapsed.Seconds())
			if ev.Verdict.Attempts > 1 {
				c.metrics.StageRetries.
					WithLabelValues(ev.Verdict.Stage).
					Add(float64(ev.Verdict.Attempts - 1))
			}
		case event.RunTransitioned:
			if ev.To == model.StateManualReview {
				c.metrics.ManualReviewQueue.Inc()
			}
		case event.RunCompleted:
			if ev.Run == nil {
				continue
			}
			c.metrics.RunsCompleted.WithLabelValues(string(ev.Run.State)).Inc()
			c.metrics.ActiveRuns.Dec()
			if ev.Run.Decision != nil {
				c.metrics.ManualReviewQueue.Dec()
			}
		}
	}
}

// Stop unsubscribes and waits for the consumer to drain.
func (c *Collector) Stop() {
	c.cancel()
	c.wg.Wait()
}
