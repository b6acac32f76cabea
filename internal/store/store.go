// Package store persists finished screening runs for dashboards, audit, and
// reporting. The pipeline itself never touches the store directly; the
// Recorder consumes the event stream and writes snapshots here.
package store

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/screening-cli/internal/model"
)

// ErrNotFound is returned when a run ID is unknown to the store.
var ErrNotFound = eris.New("store: run not found")

// RunFilter specifies criteria for listing runs.
type RunFilter struct {
	State        model.RunState `json:"state,omitempty"`
	EntityID     string         `json:"entity_id,omitempty"`
	CreatedAfter time.Time      `json:"created_after,omitempty"`
	Limit        int            `json:"limit,omitempty"`
	Offset       int            `json:"offset,omitempty"`
}

// Store is the run-history persistence interface.
type Store interface {
	// SaveRun upserts a run snapshot keyed by run ID.
	SaveRun(ctx context.Context, run *model.Run) error

	// GetRun fetches one run, or ErrNotFound.
	GetRun(ctx context.Context, runID string) (*model.Run, error)

	// ListRuns returns runs matching the filter, newest first.
	ListRuns(ctx context.Context, filter RunFilter) ([]model.Run, error)

	// Migrate creates or updates the schema.
	Migrate(ctx context.Context) error

	Close() error
}
