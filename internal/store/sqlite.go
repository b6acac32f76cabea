package store

import (
	"context"
	"database/sql"
	"encoding/json"

	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/sells-group/screening-cli/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS runs (
	id             TEXT PRIMARY KEY,
	entity_id      TEXT NOT NULL,
	state          TEXT NOT NULL,
	final_risk     TEXT NOT NULL DEFAULT '',
	failure_reason TEXT NOT NULL DEFAULT '',
	request        TEXT NOT NULL,
	verdicts       TEXT,
	decision       TEXT,
	created_at     DATETIME NOT NULL,
	updated_at     DATETIME NOT NULL,
	completed_at   DATETIME
);

CREATE INDEX IF NOT EXISTS idx_runs_entity_id ON runs(entity_id);
CREATE INDEX IF NOT EXISTS idx_runs_state ON runs(state);
CREATE INDEX IF NOT EXISTS idx_runs_created_at ON runs(created_at);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) SaveRun(ctx context.Context, run *model.Run) error {
	reqJSON, verdictsJSON, decisionJSON, err := marshalRun(run)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal run")
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO runs (id, entity_id, state, final_risk, failure_reason, request, verdicts, decision, created_at, updated_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			state = excluded.state,
			final_risk = excluded.final_risk,
			failure_reason = excluded.failure_reason,
			verdicts = excluded.verdicts,
			decision = excluded.decision,
			updated_at = excluded.updated_at,
			completed_at = excluded.completed_at`,
		run.ID, run.Request.EntityID, string(run.State), string(run.FinalRisk),
		string(run.FailureReason), reqJSON, verdictsJSON, decisionJSON,
		run.CreatedAt, run.UpdatedAt, run.CompletedAt,
	)
	return eris.Wrapf(err, "sqlite: save run %s", run.ID)
}

func (s *SQLiteStore) GetRun(ctx context.Context, runID string) (*model.Run, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, entity_id, state, final_risk, failure_reason, request, verdicts, decision, created_at, updated_at, completed_at
		FROM runs WHERE id = ?`, runID)

	run, err := scanRun(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get run %s", runID)
	}
	return run, nil
}

func (s *SQLiteStore) ListRuns(ctx context.Context, filter RunFilter) ([]model.Run, error) {
	query := `
		SELECT id, entity_id, state, final_risk, failure_reason, request, verdicts, decision, created_at, updated_at, completed_at
		FROM runs WHERE 1=1`
	var args []any

	if filter.State != "" {
		query += ` AND state = ?`
		args = append(args, string(filter.State))
	}
	if filter.EntityID != "" {
		query += ` AND entity_id = ?`
		args = append(args, filter.EntityID)
	}
	if !filter.CreatedAfter.IsZero() {
		query += ` AND created_at > ?`
		args = append(args, filter.CreatedAfter)
	}
	query += ` ORDER BY created_at DESC`
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	}
	if filter.Offset > 0 {
		query += ` OFFSET ?`
		args = append(args, filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list runs")
	}
	defer rows.Close()

	var runs []model.Run
	for rows.Next() {
		run, scanErr := scanRun(rows)
		if scanErr != nil {
			return nil, eris.Wrap(scanErr, "sqlite: scan run")
		}
		runs = append(runs, *run)
	}
	return runs, eris.Wrap(rows.Err(), "sqlite: iterate runs")
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func marshalRun(run *model.Run) (request, verdicts, decision []byte, err error) {
	request, err = json.Marshal(run.Request)
	if err != nil {
		return nil, nil, nil, err
	}
	if len(run.Verdicts) > 0 {
		verdicts, err = json.Marshal(run.Verdicts)
		if err != nil {
			return nil, nil, nil, err
		}
	}
	if run.Decision != nil {
		decision, err = json.Marshal(run.Decision)
		if err != nil {
			return nil, nil, nil, err
		}
	}
	return request, verdicts, decision, nil
}

func scanRun(sc scanner) (*model.Run, error) {
	var (
		run          model.Run
		state        string
		finalRisk    string
		reason       string
		reqJSON      []byte
		verdictsJSON sql.Null[[]byte]
		decisionJSON sql.Null[[]byte]
		completedAt  sql.NullTime
	)
	err := sc.Scan(&run.ID, new(string), &state, &finalRisk, &reason,
		&reqJSON, &verdictsJSON, &decisionJSON,
		&run.CreatedAt, &run.UpdatedAt, &completedAt)
	if err != nil {
		return nil, err
	}

	run.State = model.RunState(state)
	run.FinalRisk = model.RiskLevel(finalRisk)
	run.FailureReason = model.FailureReason(reason)
	if err := json.Unmarshal(reqJSON, &run.Request); err != nil {
		return nil, err
	}
	if verdictsJSON.Valid && len(verdictsJSON.V) > 0 {
		if err := json.Unmarshal(verdictsJSON.V, &run.Verdicts); err != nil {
			return nil, err
		}
	}
	if decisionJSON.Valid && len(decisionJSON.V) > 0 {
		run.Decision = &model.ManualDecision{}
		if err := json.Unmarshal(decisionJSON.V, run.Decision); err != nil {
			return nil, err
		}
	}
	if completedAt.Valid {
		t := completedAt.Time
		run.CompletedAt = &t
	}
	return &run, nil
}
