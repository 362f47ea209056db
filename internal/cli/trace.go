package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/codetango/codetango/internal/journal"
)

// TraceOptions holds flags for the trace command.
type TraceOptions struct {
	*RootOptions
	Journal string
	List    bool
	Limit   int
}

// TraceRun is one journaled run in trace output.
type TraceRun struct {
	RunID      string                `json:"run_id"`
	Name       string                `json:"name,omitempty"`
	StartedAt  time.Time             `json:"started_at"`
	FinishedAt *time.Time            `json:"finished_at,omitempty"`
	Finished   bool                  `json:"finished"`
	Passed     bool                  `json:"passed"`
	Failure    string                `json:"failure,omitempty"`
	Programs   []journal.ProgramInfo `json:"programs"`
	Rounds     []RoundReport         `json:"rounds,omitempty"`
}

// TraceList holds the runs returned by trace --list.
type TraceList struct {
	Runs []TraceRun `json:"runs"`
}

// NewTraceCommand creates the trace command.
func NewTraceCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &TraceOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "trace [run-id]",
		Short: "Inspect journaled runs",
		Long: `Inspect runs recorded in a SQLite journal.

With no argument, shows the most recent run: its programs, every round
with its verdict, and the variable differences of mismatched rounds.
Pass a run ID to inspect an older run, or --list to enumerate recent
runs.

Examples:
  codetango trace --journal runs.db
  codetango trace --journal runs.db 0198c0de-7a1b-7c2d-8e3f-90a1b2c3d4e5
  codetango trace --journal runs.db --list`,
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			runID := ""
			if len(args) == 1 {
				runID = args[0]
			}
			return runTrace(opts, runID, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Journal, "journal", "", "path to SQLite journal (required)")
	_ = cmd.MarkFlagRequired("journal")
	cmd.Flags().BoolVar(&opts.List, "list", false, "list recent runs instead of one run's rounds")
	cmd.Flags().IntVar(&opts.Limit, "limit", 20, "maximum runs to show with --list")

	return cmd
}

func runTrace(opts *TraceOptions, runID string, cmd *cobra.Command) error {
	ctx := context.Background()

	jl, err := journal.Open(opts.Journal)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open journal", err)
	}
	defer jl.Close()

	if opts.List {
		return runTraceList(opts, jl, cmd)
	}

	var record *journal.RunRecord
	if runID != "" {
		record, err = jl.GetRun(ctx, runID)
	} else {
		record, err = jl.LatestRun(ctx)
	}
	if err != nil {
		if errors.Is(err, journal.ErrNotFound) {
			if runID != "" {
				formatter := newTraceFormatter(opts, cmd)
				msg := fmt.Sprintf("run %q not found in journal", runID)
				_ = formatter.Error(ErrCodeNotFound, msg, nil)
				return NewExitError(ExitCommandError, msg)
			}
			// An empty journal is not an error; there is just nothing to show.
			if opts.Format == "json" {
				return outputTraceJSON(cmd, TraceList{Runs: []TraceRun{}})
			}
			fmt.Fprintln(cmd.OutOrStdout(), "No runs recorded in journal")
			return nil
		}
		return WrapExitError(ExitCommandError, "failed to read journal", err)
	}

	rounds, err := jl.ReadRounds(ctx, record.RunID)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to read rounds", err)
	}

	run := traceRun(record, rounds)
	if opts.Format == "json" {
		return outputTraceJSON(cmd, run)
	}
	outputTraceText(cmd.OutOrStdout(), run)
	return nil
}

// runTraceList renders the recent-runs listing.
func runTraceList(opts *TraceOptions, jl *journal.Journal, cmd *cobra.Command) error {
	records, err := jl.ListRuns(context.Background(), opts.Limit)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to list runs", err)
	}

	list := TraceList{Runs: make([]TraceRun, 0, len(records))}
	for _, record := range records {
		list.Runs = append(list.Runs, traceRun(&record, nil))
	}

	if opts.Format == "json" {
		return outputTraceJSON(cmd, list)
	}
	outputTraceListText(cmd.OutOrStdout(), list)
	return nil
}

// outputTraceListText renders the recent-runs listing as text.
func outputTraceListText(w io.Writer, list TraceList) {
	if len(list.Runs) == 0 {
		fmt.Fprintln(w, "No runs recorded in journal")
		return
	}
	fmt.Fprintln(w, "=== Runs ===")
	for _, run := range list.Runs {
		fmt.Fprintf(w, "  %s  %-7s %s  %s\n",
			truncateID(run.RunID),
			listVerdict(run),
			run.StartedAt.Format(time.RFC3339),
			run.Name)
	}
}

// traceRun converts a journal record into the trace output structure.
func traceRun(record *journal.RunRecord, rounds []journal.RoundRecord) TraceRun {
	run := TraceRun{
		RunID:     record.RunID,
		Name:      record.Name,
		StartedAt: record.StartedAt,
		Finished:  record.Finished,
		Passed:    record.Passed,
		Failure:   record.Failure,
		Programs:  record.Programs,
	}
	if record.Finished {
		finished := record.FinishedAt
		run.FinishedAt = &finished
	}
	for _, round := range rounds {
		run.Rounds = append(run.Rounds, RoundReport{
			Number:    round.Number,
			Barrier:   round.Barrier,
			Status:    round.Status,
			Detail:    round.Detail,
			ElapsedUS: round.Elapsed.Microseconds(),
			Diffs:     round.Diffs,
		})
	}
	return run
}

// outputTraceJSON outputs a trace result as JSON.
func outputTraceJSON(cmd *cobra.Command, data interface{}) error {
	response := CLIResponse{
		Status: "ok",
		Data:   data,
	}

	encoder := json.NewEncoder(cmd.OutOrStdout())
	encoder.SetIndent("", "  ")
	return encoder.Encode(response)
}

// outputTraceText outputs one run's trace as text.
func outputTraceText(w io.Writer, run TraceRun) {
	fmt.Fprintf(w, "Run: %s\n", run.RunID)
	if run.Name != "" {
		fmt.Fprintf(w, "Name: %s\n", run.Name)
	}
	fmt.Fprintf(w, "Started: %s\n", run.StartedAt.Format(time.RFC3339))
	fmt.Fprintf(w, "Status: %s\n", traceStatus(run))
	fmt.Fprintln(w)

	fmt.Fprintln(w, "=== Programs ===")
	if len(run.Programs) == 0 {
		fmt.Fprintln(w, "  (none recorded)")
	} else {
		for _, p := range run.Programs {
			fmt.Fprintf(w, "  %s: %s (exit %d)\n", p.Name, strings.Join(p.Command, " "), p.ExitCode)
		}
	}
	fmt.Fprintln(w)

	fmt.Fprintln(w, "=== Rounds ===")
	if len(run.Rounds) == 0 {
		fmt.Fprintln(w, "  (no barriers reached)")
	} else {
		for _, round := range run.Rounds {
			formatRound(w, round)
		}
	}
}

// traceStatus returns a human-readable run status.
func traceStatus(run TraceRun) string {
	if !run.Finished {
		return "In flight (no finish recorded)"
	}
	if run.Passed {
		return "PASSED"
	}
	if run.Failure != "" {
		return "FAILED (" + run.Failure + ")"
	}
	return "FAILED"
}

// listVerdict is the short verdict column for trace --list.
func listVerdict(run TraceRun) string {
	if !run.Finished {
		return "RUNNING"
	}
	if run.Passed {
		return "PASSED"
	}
	return "FAILED"
}

// newTraceFormatter builds the output formatter for trace errors.
func newTraceFormatter(opts *TraceOptions, cmd *cobra.Command) *OutputFormatter {
	return &OutputFormatter{
		Format:    opts.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   opts.Verbose,
	}
}
