package storage

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Run statuses.
const (
	StatusRunning = "running"
	StatusSuccess = "success"
	StatusFailed  = "failed"
)

// Run is one pipeline execution.
type Run struct {
	ID          string     `json:"id"`
	Trigger     string     `json:"trigger"` // "manual" | "schedule" | "file_watch"
	StartedAt   time.Time  `json:"startedAt"`
	FinishedAt  *time.Time `json:"finishedAt,omitempty"`
	Status      string     `json:"status"`
	Error       string     `json:"error,omitempty"`
	Records     int        `json:"records"`
	OutputPath  string     `json:"outputPath,omitempty"`
	OutputBytes int64      `json:"outputBytes"`
	DiffSummary string     `json:"diffSummary,omitempty"`
	Stages      []StageRun `json:"stages,omitempty"`
}

// StageRun records the provenance counters of one stage within a run.
type StageRun struct {
	RunID            string        `json:"runId"`
	Ordinal          int           `json:"ordinal"`
	Stage            string        `json:"stage"`
	RecordsIn        int           `json:"recordsIn"`
	RecordsOut       int           `json:"recordsOut"`
	ColumnsAdded     []string      `json:"columnsAdded,omitempty"`
	Duration         time.Duration `json:"duration"`
	Validated        bool          `json:"validated"`
	ValidationErrors int           `json:"validationErrors"`
	Error            string        `json:"error,omitempty"`
}

// RunStore persists run history.
type RunStore struct {
	db *DB
}

// NewRunStore creates a RunStore.
func NewRunStore(db *DB) *RunStore {
	return &RunStore{db: db}
}

// ── Runs ───────────────────────────────────────────────────

// CreateRun assigns an ID and start time and inserts the run.
func (s *RunStore) CreateRun(run *Run) error {
	run.ID = uuid.New().String()
	if run.StartedAt.IsZero() {
		run.StartedAt = time.Now()
	}
	if run.Status == "" {
		run.Status = StatusRunning
	}
	if run.Trigger == "" {
		run.Trigger = "manual"
	}
	_, err := s.db.conn.Exec(
		`INSERT INTO runs (id, started_at, status, trigger_type) VALUES (?, ?, ?, ?)`,
		run.ID, run.StartedAt, run.Status, run.Trigger,
	)
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	return nil
}

// FinishRun stores the outcome of a run.
func (s *RunStore) FinishRun(run *Run) error {
	now := time.Now()
	run.FinishedAt = &now
	_, err := s.db.conn.Exec(
		`UPDATE runs SET finished_at=?, status=?, error=?, records=?, output_path=?,
		 output_bytes=?, diff_summary=? WHERE id=?`,
		now, run.Status, run.Error, run.Records, run.OutputPath,
		run.OutputBytes, run.DiffSummary, run.ID,
	)
	if err != nil {
		return fmt.Errorf("update run %s: %w", run.ID, err)
	}
	return nil
}

// GetRun returns a run with its stages.
func (s *RunStore) GetRun(id string) (*Run, error) {
	row := s.db.conn.QueryRow(
		`SELECT id, trigger_type, started_at, finished_at, status, error, records,
		 output_path, output_bytes, diff_summary FROM runs WHERE id = ?`, id,
	)
	run, err := scanRun(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("run not found: %s", id)
	}
	if err != nil {
		return nil, err
	}
	run.Stages, err = s.ListStages(id)
	if err != nil {
		return nil, err
	}
	return run, nil
}

// ListRuns returns the most recent runs first, without stages.
func (s *RunStore) ListRuns(limit int) ([]Run, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.conn.Query(
		`SELECT id, trigger_type, started_at, finished_at, status, error, records,
		 output_path, output_bytes, diff_summary FROM runs
		 ORDER BY started_at DESC LIMIT ?`, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, *run)
	}
	return runs, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(sc scanner) (*Run, error) {
	var run Run
	var finished sql.NullTime
	if err := sc.Scan(
		&run.ID, &run.Trigger, &run.StartedAt, &finished, &run.Status, &run.Error,
		&run.Records, &run.OutputPath, &run.OutputBytes, &run.DiffSummary,
	); err != nil {
		return nil, err
	}
	if finished.Valid {
		t := finished.Time
		run.FinishedAt = &t
	}
	return &run, nil
}

// ── Stage runs ─────────────────────────────────────────────

// AddStage records one stage of a run.
func (s *RunStore) AddStage(st *StageRun) error {
	_, err := s.db.conn.Exec(
		`INSERT INTO stage_runs (run_id, ordinal, stage, records_in, records_out, columns_added,
		 duration_ms, validated, validation_errors, error)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		st.RunID, st.Ordinal, st.Stage, st.RecordsIn, st.RecordsOut,
		strings.Join(st.ColumnsAdded, ","), st.Duration.Milliseconds(),
		st.Validated, st.ValidationErrors, st.Error,
	)
	if err != nil {
		return fmt.Errorf("insert stage %s: %w", st.Stage, err)
	}
	return nil
}

// ListStages returns the stages of a run in execution order.
func (s *RunStore) ListStages(runID string) ([]StageRun, error) {
	rows, err := s.db.conn.Query(
		`SELECT run_id, ordinal, stage, records_in, records_out, columns_added,
		 duration_ms, validated, validation_errors, error
		 FROM stage_runs WHERE run_id = ? ORDER BY ordinal ASC`, runID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var stages []StageRun
	for rows.Next() {
		var st StageRun
		var cols string
		var ms int64
		if err := rows.Scan(&st.RunID, &st.Ordinal, &st.Stage, &st.RecordsIn, &st.RecordsOut,
			&cols, &ms, &st.Validated, &st.ValidationErrors, &st.Error); err != nil {
			return nil, err
		}
		if cols != "" {
			st.ColumnsAdded = strings.Split(cols, ",")
		}
		st.Duration = time.Duration(ms) * time.Millisecond
		stages = append(stages, st)
	}
	return stages, rows.Err()
}
