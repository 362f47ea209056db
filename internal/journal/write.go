package journal

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/codetango/codetango/internal/rendezvous"
)

// ProgramInfo describes one program of a recorded run.
type ProgramInfo struct {
	Name     string   `json:"name"`
	Command  []string `json:"command"`
	ExitCode int      `json:"exit_code"`
}

// RunStart opens a run row before the children are spawned.
type RunStart struct {
	RunID     string
	Name      string
	StartedAt time.Time
	Programs  []ProgramInfo
}

// RunFinish completes a run row once every child has exited.
type RunFinish struct {
	RunID      string
	FinishedAt time.Time
	Passed     bool
	Failure    string
	Programs   []ProgramInfo
}

// BeginRun inserts the run row.
// Uses ON CONFLICT(run_id) DO NOTHING for idempotency - duplicate run
// tokens are silently ignored.
func (j *Journal) BeginRun(ctx context.Context, start RunStart) error {
	programsJSON, err := json.Marshal(start.Programs)
	if err != nil {
		return fmt.Errorf("begin run: %w", err)
	}

	_, err = j.db.ExecContext(ctx, `
		INSERT INTO runs (run_id, name, started_at, programs)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(run_id) DO NOTHING
	`,
		start.RunID,
		start.Name,
		start.StartedAt.UTC().Format(time.RFC3339Nano),
		string(programsJSON),
	)
	if err != nil {
		return fmt.Errorf("begin run: %w", err)
	}
	return nil
}

// WriteRound inserts a resolved round and its diffs in one transaction.
// Uses ON CONFLICT DO NOTHING for idempotency - re-recording the same
// round number is silently ignored.
func (j *Journal) WriteRound(ctx context.Context, runID string, round rendezvous.Round) error {
	tx, err := j.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("write round: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO rounds (run_id, number, barrier, status, detail, elapsed_us)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(run_id, number) DO NOTHING
	`,
		runID,
		round.Number,
		round.Barrier,
		string(round.Verdict.Status),
		round.Verdict.Detail,
		round.Elapsed.Microseconds(),
	)
	if err != nil {
		return fmt.Errorf("write round: %w", err)
	}

	for i, d := range round.Verdict.Diffs {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO diffs (run_id, number, position, name, left_value, right_value, reason)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(run_id, number, position) DO NOTHING
		`,
			runID,
			round.Number,
			i,
			d.Name,
			d.Left,
			d.Right,
			d.Reason,
		)
		if err != nil {
			return fmt.Errorf("write diff: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("write round: %w", err)
	}
	return nil
}

// FinishRun stamps the run row with the outcome and final exit codes.
func (j *Journal) FinishRun(ctx context.Context, fin RunFinish) error {
	programsJSON, err := json.Marshal(fin.Programs)
	if err != nil {
		return fmt.Errorf("finish run: %w", err)
	}

	passed := 0
	if fin.Passed {
		passed = 1
	}
	_, err = j.db.ExecContext(ctx, `
		UPDATE runs
		SET finished_at = ?, passed = ?, failure = ?, programs = ?
		WHERE run_id = ?
	`,
		fin.FinishedAt.UTC().Format(time.RFC3339Nano),
		passed,
		fin.Failure,
		string(programsJSON),
		fin.RunID,
	)
	if err != nil {
		return fmt.Errorf("finish run: %w", err)
	}
	return nil
}
