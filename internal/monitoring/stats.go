package monitoring

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/screening-cli/internal/model"
	"github.com/sells-group/screening-cli/internal/store"
)

// Stats is an operational snapshot computed over recent run history.
type Stats struct {
	Window      time.Duration          `json:"window"`
	Total       int                    `json:"total"`
	ByState     map[model.RunState]int `json:"by_state"`
	FailRate    float64                `json:"fail_rate"`
	AvgDuration time.Duration          `json:"avg_duration"`
}

// ComputeStats aggregates runs recorded within the lookback window. A zero
// window covers the whole history.
func ComputeStats(ctx context.Context, st store.Store, window time.Duration) (Stats, error) {
	filter := store.RunFilter{}
	if window > 0 {
		filter.CreatedAfter = time.Now().Add(-window)
	}
	runs, err := st.ListRuns(ctx, filter)
	if err != nil {
		return Stats{}, eris.Wrap(err, "monitoring: list runs")
	}

	stats := Stats{
		Window:  window,
		Total:   len(runs),
		ByState: make(map[model.RunState]int, 4),
	}
	var completed int
	var elapsed time.Duration
	for _, run := range runs {
		stats.ByState[run.State]++
		if run.CompletedAt != nil {
			completed++
			elapsed += run.CompletedAt.Sub(run.CreatedAt)
		}
	}
	if stats.Total > 0 {
		stats.FailRate = float64(stats.ByState[model.StateFailed]) / float64(stats.Total)
	}
	if completed > 0 {
		stats.AvgDuration = elapsed / time.Duration(completed)
	}
	return stats, nil
}
