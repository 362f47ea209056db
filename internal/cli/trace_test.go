package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codetango/codetango/internal/journal"
	"github.com/codetango/codetango/internal/proto"
	"github.com/codetango/codetango/internal/rendezvous"
)

// seedTraceJournal writes two finished runs: run-1 passed, run-2 (the
// latest) failed on a mismatch.
func seedTraceJournal(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "runs.db")
	jl, err := journal.Open(path)
	require.NoError(t, err)
	defer jl.Close()

	ctx := context.Background()
	base := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)
	programs := []journal.ProgramInfo{
		{Name: "program1", Command: []string{"./solver-c", "1", "-3", "2"}},
		{Name: "program2", Command: []string{"python3", "solver.py", "1", "-3", "2"}},
	}

	require.NoError(t, jl.BeginRun(ctx, journal.RunStart{
		RunID: "run-1", Name: "quadratic", StartedAt: base, Programs: programs,
	}))
	require.NoError(t, jl.WriteRound(ctx, "run-1", rendezvous.Round{
		Number:  1,
		Barrier: "init",
		Verdict: rendezvous.Verdict{Status: rendezvous.StatusMatch},
		Elapsed: 250 * time.Microsecond,
	}))
	require.NoError(t, jl.FinishRun(ctx, journal.RunFinish{
		RunID: "run-1", FinishedAt: base.Add(time.Second), Passed: true, Programs: programs,
	}))

	require.NoError(t, jl.BeginRun(ctx, journal.RunStart{
		RunID: "run-2", Name: "quadratic", StartedAt: base.Add(time.Minute), Programs: programs,
	}))
	require.NoError(t, jl.WriteRound(ctx, "run-2", rendezvous.Round{
		Number:  1,
		Barrier: "init",
		Verdict: rendezvous.Verdict{Status: rendezvous.StatusMatch},
		Elapsed: 300 * time.Microsecond,
	}))
	require.NoError(t, jl.WriteRound(ctx, "run-2", rendezvous.Round{
		Number:  2,
		Barrier: "check_discriminant",
		Verdict: rendezvous.Verdict{
			Status: rendezvous.StatusMismatch,
			Detail: "1 variable differs",
			Diffs:  []proto.Diff{{Name: "disc", Left: "1.0", Right: "2.0"}},
		},
		Elapsed: 800 * time.Microsecond,
	}))
	require.NoError(t, jl.FinishRun(ctx, journal.RunFinish{
		RunID:      "run-2",
		FinishedAt: base.Add(time.Minute + time.Second),
		Passed:     false,
		Failure:    `round 2 mismatched at barrier "check_discriminant"`,
		Programs:   programs,
	}))

	return path
}

func traceCommand(t *testing.T, format string, args ...string) (*bytes.Buffer, error) {
	t.Helper()
	buf := &bytes.Buffer{}
	rootOpts := &RootOptions{Format: format}
	cmd := NewTraceCommand(rootOpts)
	cmd.SetOut(buf)
	cmd.SetErr(buf)
	cmd.SetArgs(args)
	return buf, cmd.Execute()
}

func TestTraceLatestRun(t *testing.T) {
	path := seedTraceJournal(t)

	buf, err := traceCommand(t, "text", "--journal", path)
	require.NoError(t, err)

	output := buf.String()
	assert.Contains(t, output, "Run: run-2")
	assert.Contains(t, output, "FAILED")
	assert.Contains(t, output, "[2] MISMATCH check_discriminant")
	assert.Contains(t, output, "disc: left=1.0 right=2.0")
	assert.Contains(t, output, "./solver-c 1 -3 2")
}

func TestTraceSpecificRun(t *testing.T) {
	path := seedTraceJournal(t)

	buf, err := traceCommand(t, "text", "--journal", path, "run-1")
	require.NoError(t, err)

	output := buf.String()
	assert.Contains(t, output, "Run: run-1")
	assert.Contains(t, output, "Status: PASSED")
	assert.Contains(t, output, "[1] MATCH init")
}

func TestTraceRunNotFound(t *testing.T) {
	path := seedTraceJournal(t)

	buf, err := traceCommand(t, "text", "--journal", path, "missing")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, buf.String(), "not found")
}

func TestTraceEmptyJournal(t *testing.T) {
	path := filepath.Join(t.TempDir(), "empty.db")
	jl, err := journal.Open(path)
	require.NoError(t, err)
	require.NoError(t, jl.Close())

	buf, err := traceCommand(t, "text", "--journal", path)
	require.NoError(t, err)
	assert.Contains(t, buf.String(), "No runs recorded")
}

func TestTraceUnfinishedRun(t *testing.T) {
	path := filepath.Join(t.TempDir(), "live.db")
	jl, err := journal.Open(path)
	require.NoError(t, err)
	require.NoError(t, jl.BeginRun(context.Background(), journal.RunStart{
		RunID:     "run-live",
		StartedAt: time.Now().UTC(),
		Programs:  []journal.ProgramInfo{{Name: "program1", Command: []string{"./a"}}},
	}))
	require.NoError(t, jl.Close())

	buf, err := traceCommand(t, "text", "--journal", path)
	require.NoError(t, err)
	assert.Contains(t, buf.String(), "In flight")
}

func TestTraceList(t *testing.T) {
	path := seedTraceJournal(t)

	buf, err := traceCommand(t, "text", "--journal", path, "--list")
	require.NoError(t, err)

	output := buf.String()
	assert.Contains(t, output, "=== Runs ===")
	assert.Contains(t, output, "run-1")
	assert.Contains(t, output, "run-2")
	assert.Contains(t, output, "PASSED")
	assert.Contains(t, output, "FAILED")
	// Most recent run first.
	assert.Less(t, strings.Index(output, "run-2"), strings.Index(output, "run-1"))
}

func TestTraceListJSON(t *testing.T) {
	path := seedTraceJournal(t)

	buf, err := traceCommand(t, "json", "--journal", path, "--list")
	require.NoError(t, err)

	var resp CLIResponse
	require.NoError(t, json.Unmarshal(buf.Bytes(), &resp))
	assert.Equal(t, "ok", resp.Status)

	raw, err := json.Marshal(resp.Data)
	require.NoError(t, err)
	var list TraceList
	require.NoError(t, json.Unmarshal(raw, &list))
	require.Len(t, list.Runs, 2)
	assert.Equal(t, "run-2", list.Runs[0].RunID)
	assert.Equal(t, "run-1", list.Runs[1].RunID)
}

func TestTraceJSON(t *testing.T) {
	path := seedTraceJournal(t)

	buf, err := traceCommand(t, "json", "--journal", path)
	require.NoError(t, err)

	var resp CLIResponse
	require.NoError(t, json.Unmarshal(buf.Bytes(), &resp))
	assert.Equal(t, "ok", resp.Status)

	raw, err := json.Marshal(resp.Data)
	require.NoError(t, err)
	var run TraceRun
	require.NoError(t, json.Unmarshal(raw, &run))
	assert.Equal(t, "run-2", run.RunID)
	assert.True(t, run.Finished)
	assert.False(t, run.Passed)
	require.Len(t, run.Rounds, 2)
	assert.Equal(t, "MISMATCH", run.Rounds[1].Status)
	require.Len(t, run.Rounds[1].Diffs, 1)
	assert.Equal(t, "disc", run.Rounds[1].Diffs[0].Name)
}

func TestTraceJournalRequired(t *testing.T) {
	_, err := traceCommand(t, "text")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "journal")
}

func TestTruncateID(t *testing.T) {
	assert.Equal(t, "run-1", truncateID("run-1"))
	long := "0198c0de-7a1b-7c2d-8e3f-90a1b2c3d4e5"
	assert.Equal(t, "0198c0de...b2c3d4e5", truncateID(long))
	assert.Len(t, truncateID(long), 19)
}
