// Package event defines the lifecycle event stream the pipeline emits for
// dashboards, persistence, and notifiers. The pipeline never blocks on a
// consumer; delivery is at-least-once and consumers must tolerate duplicate
// terminal events.
package event

import (
	"time"

	"github.com/sells-group/screening-cli/internal/model"
)

// Type discriminates lifecycle events.
type Type string

const (
	// RunStarted is emitted once when a submission is accepted.
	RunStarted Type = "run_started"
	// StageCompleted is emitted after each stage verdict, in completion order.
	StageCompleted Type = "stage_completed"
	// RunTransitioned is emitted on every state change.
	RunTransitioned Type = "run_transitioned"
	// RunCompleted is emitted when a run reaches a terminal state, carrying
	// the frozen run snapshot. It is also re-emitted when a manual-review
	// run is resolved.
	RunCompleted Type = "run_completed"
)

// Event is one entry in a run's ordered lifecycle stream.
type Event struct {
	Type     Type      `json:"type"`
	RunID    string    `json:"run_id"`
	EntityID string    `json:"entity_id"`
	Time     time.Time `json:"time"`

	// StageCompleted payload.
	Verdict *model.StageVerdict `json:"verdict,omitempty"`

	// RunTransitioned payload.
	From model.RunState `json:"from,omitempty"`
	To   model.RunState `json:"to,omitempty"`

	// RunCompleted payload: the final risk and the frozen run snapshot.
	// Run is also attached to the transition into ManualReview so sinks
	// can persist the pending run without waiting for its resolution.
	FinalRisk model.RiskLevel `json:"final_risk,omitempty"`
	Run       *model.Run      `json:"run,omitempty"`
}
