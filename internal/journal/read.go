package journal

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/codetango/codetango/internal/proto"
)

// ErrNotFound is returned when a queried run does not exist.
var ErrNotFound = errors.New("run not found")

// RunRecord is a recorded run.
type RunRecord struct {
	RunID      string
	Name       string
	StartedAt  time.Time
	FinishedAt time.Time // zero while the run is in flight
	Finished   bool
	Passed     bool
	Failure    string
	Programs   []ProgramInfo
}

// RoundRecord is a recorded round with its diffs.
type RoundRecord struct {
	Number  int64
	Barrier string
	Status  string
	Detail  string
	Elapsed time.Duration
	Diffs   []proto.Diff
}

// LatestRun returns the most recently started run.
// Returns ErrNotFound when the journal holds no runs.
func (j *Journal) LatestRun(ctx context.Context) (*RunRecord, error) {
	row := j.db.QueryRowContext(ctx, `
		SELECT run_id, name, started_at, finished_at, passed, failure, programs
		FROM runs
		ORDER BY started_at DESC, run_id DESC
		LIMIT 1
	`)
	return scanRun(row)
}

// GetRun returns the run with the given token.
// Returns ErrNotFound when no such run exists.
func (j *Journal) GetRun(ctx context.Context, runID string) (*RunRecord, error) {
	row := j.db.QueryRowContext(ctx, `
		SELECT run_id, name, started_at, finished_at, passed, failure, programs
		FROM runs
		WHERE run_id = ?
	`, runID)
	return scanRun(row)
}

// ListRuns returns up to limit runs, most recent first.
// Returns an empty slice (not nil) when the journal is empty.
func (j *Journal) ListRuns(ctx context.Context, limit int) ([]RunRecord, error) {
	rows, err := j.db.QueryContext(ctx, `
		SELECT run_id, name, started_at, finished_at, passed, failure, programs
		FROM runs
		ORDER BY started_at DESC, run_id DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer rows.Close()

	runs := []RunRecord{}
	for rows.Next() {
		rec, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, *rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate runs: %w", err)
	}
	return runs, nil
}

// ReadRounds returns a run's rounds in round order, each with its diffs.
// Returns an empty slice (not nil) when the run recorded no rounds.
func (j *Journal) ReadRounds(ctx context.Context, runID string) ([]RoundRecord, error) {
	rows, err := j.db.QueryContext(ctx, `
		SELECT number, barrier, status, detail, elapsed_us
		FROM rounds
		WHERE run_id = ?
		ORDER BY number ASC
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("query rounds: %w", err)
	}
	defer rows.Close()

	rounds := []RoundRecord{}
	index := make(map[int64]int)
	for rows.Next() {
		var rec RoundRecord
		var elapsedUS int64
		if err := rows.Scan(&rec.Number, &rec.Barrier, &rec.Status, &rec.Detail, &elapsedUS); err != nil {
			return nil, fmt.Errorf("scan round: %w", err)
		}
		rec.Elapsed = time.Duration(elapsedUS) * time.Microsecond
		index[rec.Number] = len(rounds)
		rounds = append(rounds, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rounds: %w", err)
	}

	diffRows, err := j.db.QueryContext(ctx, `
		SELECT number, name, left_value, right_value, reason
		FROM diffs
		WHERE run_id = ?
		ORDER BY number ASC, position ASC
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("query diffs: %w", err)
	}
	defer diffRows.Close()

	for diffRows.Next() {
		var number int64
		var d proto.Diff
		if err := diffRows.Scan(&number, &d.Name, &d.Left, &d.Right, &d.Reason); err != nil {
			return nil, fmt.Errorf("scan diff: %w", err)
		}
		if i, ok := index[number]; ok {
			rounds[i].Diffs = append(rounds[i].Diffs, d)
		}
	}
	if err := diffRows.Err(); err != nil {
		return nil, fmt.Errorf("iterate diffs: %w", err)
	}

	return rounds, nil
}

// rowScanner covers both sql.Row and sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

// scanRun decodes one runs row.
func scanRun(row rowScanner) (*RunRecord, error) {
	var rec RunRecord
	var startedAt string
	var finishedAt sql.NullString
	var passed sql.NullInt64
	var programsJSON string

	err := row.Scan(&rec.RunID, &rec.Name, &startedAt, &finishedAt, &passed, &rec.Failure, &programsJSON)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan run: %w", err)
	}

	rec.StartedAt, err = time.Parse(time.RFC3339Nano, startedAt)
	if err != nil {
		return nil, fmt.Errorf("parse started_at: %w", err)
	}
	if finishedAt.Valid {
		rec.FinishedAt, err = time.Parse(time.RFC3339Nano, finishedAt.String)
		if err != nil {
			return nil, fmt.Errorf("parse finished_at: %w", err)
		}
		rec.Finished = true
	}
	if passed.Valid {
		rec.Passed = passed.Int64 != 0
	}
	if err := json.Unmarshal([]byte(programsJSON), &rec.Programs); err != nil {
		return nil, fmt.Errorf("decode programs: %w", err)
	}
	return &rec, nil
}
