package cli

import (
	"bytes"
	"testing"
	"time"

	"github.com/sebdah/goldie/v2"
	"github.com/spf13/cobra"
	"github.com/stretchr/testify/require"

	"github.com/codetango/codetango/internal/journal"
	"github.com/codetango/codetango/internal/proto"
)

// Golden files live in testdata/golden. To regenerate after an intentional
// rendering change:
//
//	go test ./internal/cli -update

func newGoldie(t *testing.T) *goldie.Goldie {
	t.Helper()
	return goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
}

// mismatchReport is a run that failed at the second barrier, with diffs.
func mismatchReport() RunReport {
	return RunReport{
		RunID:     "0198c0de-7a1b-7c2d-8e3f-90a1b2c3d4e5",
		Name:      "quadratic",
		Passed:    false,
		Failure:   `mismatch at barrier "check_discriminant" (round 2)`,
		ElapsedUS: 1250000,
		Rounds: []RoundReport{
			{Number: 1, Barrier: "init", Status: "MATCH", ElapsedUS: 1500},
			{
				Number:    2,
				Barrier:   "check_discriminant",
				Status:    "MISMATCH",
				Detail:    "2 variable(s) differ",
				ElapsedUS: 2000,
				Diffs: []proto.Diff{
					{Name: "discriminant", Left: "1", Right: "17", Reason: "value"},
					{Name: "x1", Left: "2", Right: "2.5615528128088303", Reason: "value"},
				},
			},
		},
		Programs: []ProgramReport{
			{Name: "program1", ExitCode: 0},
			{Name: "program2", ExitCode: 1},
		},
	}
}

func TestRunReportTextGolden_Passed(t *testing.T) {
	report := RunReport{
		RunID:     "run-0042",
		Passed:    true,
		ElapsedUS: 2000000,
		Rounds: []RoundReport{
			{Number: 1, Barrier: "init", Status: "MATCH", ElapsedUS: 1000},
			{Number: 2, Barrier: "final", Status: "MATCH", ElapsedUS: 3500},
		},
		Programs: []ProgramReport{
			{Name: "program1", ExitCode: 0},
			{Name: "program2", ExitCode: 0},
		},
	}

	var buf bytes.Buffer
	outputRunText(&buf, report)

	newGoldie(t).Assert(t, "run_passed", buf.Bytes())
}

func TestRunReportTextGolden_Mismatch(t *testing.T) {
	var buf bytes.Buffer
	outputRunText(&buf, mismatchReport())

	newGoldie(t).Assert(t, "run_mismatch", buf.Bytes())
}

func TestRunReportJSONGolden(t *testing.T) {
	cmd := &cobra.Command{}
	var buf bytes.Buffer
	cmd.SetOut(&buf)

	require.NoError(t, outputRunJSON(cmd, mismatchReport()))

	newGoldie(t).Assert(t, "run_report_json", buf.Bytes())
}

func TestTraceTextGolden_Run(t *testing.T) {
	started := time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC)
	finished := started.Add(1250 * time.Millisecond)
	run := TraceRun{
		RunID:      "0198c0de-7a1b-7c2d-8e3f-90a1b2c3d4e5",
		Name:       "quadratic",
		StartedAt:  started,
		FinishedAt: &finished,
		Finished:   true,
		Passed:     false,
		Failure:    `mismatch at barrier "check_discriminant" (round 2)`,
		Programs: []journal.ProgramInfo{
			{Name: "program1", Command: []string{"./solver-c", "1", "-3", "2"}, ExitCode: 0},
			{Name: "program2", Command: []string{"python3", "solver.py", "1", "-3", "2"}, ExitCode: 1},
		},
		Rounds: mismatchReport().Rounds,
	}

	var buf bytes.Buffer
	outputTraceText(&buf, run)

	newGoldie(t).Assert(t, "trace_run", buf.Bytes())
}

func TestTraceTextGolden_List(t *testing.T) {
	list := TraceList{Runs: []TraceRun{
		{
			RunID:     "0198c0de-7a1b-7c2d-8e3f-90a1b2c3d4e5",
			Name:      "quadratic",
			StartedAt: time.Date(2026, 3, 14, 9, 31, 0, 0, time.UTC),
			Finished:  true,
			Passed:    false,
		},
		{
			RunID:     "run-0042",
			Name:      "smoke",
			StartedAt: time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC),
			Finished:  true,
			Passed:    true,
		},
		{
			RunID:     "run-0041",
			Name:      "early",
			StartedAt: time.Date(2026, 3, 14, 9, 29, 0, 0, time.UTC),
			Finished:  false,
		},
	}}

	var buf bytes.Buffer
	outputTraceListText(&buf, list)

	newGoldie(t).Assert(t, "trace_list", buf.Bytes())
}
