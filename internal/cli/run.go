package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/codetango/codetango/internal/compare"
	"github.com/codetango/codetango/internal/journal"
	"github.com/codetango/codetango/internal/plan"
	"github.com/codetango/codetango/internal/proto"
	"github.com/codetango/codetango/internal/rendezvous"
	"github.com/codetango/codetango/internal/runner"
)

// RunOptions holds flags for the run command.
type RunOptions struct {
	*RootOptions
	Plan      string
	Name      string
	Timeout   float64
	Epsilon   float64
	Relative  bool
	Normalize bool
	KeepGoing bool
	Journal   string
	SocketDir string

	// Tokens allows overriding the run token generator (for testing).
	// If nil, defaults to UUIDv7Generator.
	Tokens runner.TokenGenerator
}

// RoundReport is one resolved round in the run report.
type RoundReport struct {
	Number    int64        `json:"number"`
	Barrier   string       `json:"barrier"`
	Status    string       `json:"status"`
	Detail    string       `json:"detail,omitempty"`
	ElapsedUS int64        `json:"elapsed_us"`
	Diffs     []proto.Diff `json:"diffs,omitempty"`
}

// ProgramReport is one child program's outcome.
type ProgramReport struct {
	Name     string `json:"name"`
	ExitCode int    `json:"exit_code"`
	Error    string `json:"error,omitempty"`
}

// RunReport is the complete outcome of one run.
type RunReport struct {
	RunID     string          `json:"run_id"`
	Name      string          `json:"name,omitempty"`
	Passed    bool            `json:"passed"`
	Failure   string          `json:"failure,omitempty"`
	ElapsedUS int64           `json:"elapsed_us"`
	Rounds    []RoundReport   `json:"rounds"`
	Programs  []ProgramReport `json:"programs"`
}

// NewRunCommand creates the run command.
func NewRunCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RunOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "run [flags] -- <command...> -- <command...>",
		Short: "Launch programs and compare them barrier by barrier",
		Long: `Launch two or more programs and hold them in lockstep.

Each program dials the control socket named by the CODETANGO_SOCKET
environment variable, reports its variables at every barrier, and blocks
until the others arrive at the same barrier. Matching snapshots release
the round; a mismatch, timeout, or protocol error fails the run.

Programs come either from a plan file or from the command line, separated
by "--". Command-line programs are named program1, program2, ... in order.

Examples:
  codetango run -- ./solver-c 1 -3 2 -- python3 solver.py 1 -3 2
  codetango run --plan plan.yaml
  codetango run --epsilon 1e-9 --journal runs.db -- ./a -- ./b`,
		Args:          cobra.ArbitraryArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRun(opts, cmd, args, cmd.ArgsLenAtDash())
		},
	}

	cmd.Flags().StringVar(&opts.Plan, "plan", "", "path to a YAML run plan")
	cmd.Flags().StringVar(&opts.Name, "name", "", "label for the run in the journal")
	cmd.Flags().Float64Var(&opts.Timeout, "timeout", 60, "per-round timeout in seconds")
	cmd.Flags().Float64Var(&opts.Epsilon, "epsilon", 0, "tolerance for double comparisons (0 = exact)")
	cmd.Flags().BoolVar(&opts.Relative, "relative", false, "scale epsilon by the larger magnitude")
	cmd.Flags().BoolVar(&opts.Normalize, "normalize-strings", false, "compare strings after Unicode NFC normalization")
	cmd.Flags().BoolVar(&opts.KeepGoing, "keep-going", false, "report mismatches without stopping the run")
	cmd.Flags().StringVar(&opts.Journal, "journal", "", "path to SQLite journal (readable with codetango trace)")
	cmd.Flags().StringVar(&opts.SocketDir, "socket-dir", "", "directory for the control socket (default: system temp)")

	return cmd
}

// runSettings is the merged run configuration: plan first, then explicit
// command-line flags on top.
type runSettings struct {
	name      string
	programs  []runner.Program
	timeout   time.Duration
	cmp       compare.Options
	keepGoing bool
	journal   string
	socketDir string
}

func runRun(opts *RunOptions, cmd *cobra.Command, args []string, atDash int) error {
	// Configure logging based on verbose flag
	logLevel := slog.LevelInfo
	if opts.Verbose {
		logLevel = slog.LevelDebug
	}
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: logLevel,
	})
	slog.SetDefault(slog.New(handler))

	settings, err := resolveSettings(opts, cmd, args, atDash)
	if err != nil {
		return err
	}

	var jl *journal.Journal
	if settings.journal != "" {
		jl, err = journal.Open(settings.journal)
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to open journal", err)
		}
		defer func() {
			if closeErr := jl.Close(); closeErr != nil {
				slog.Error("error closing journal", "error", closeErr)
			}
		}()
	}

	// In JSON mode stdout carries only the run report, so the children's
	// prefixed output moves to stderr.
	childOut := cmd.OutOrStdout()
	if opts.Format == "json" {
		childOut = cmd.ErrOrStderr()
	}

	r, err := runner.New(runner.Config{
		Name:      settings.name,
		Programs:  settings.programs,
		SocketDir: settings.socketDir,
		Timeout:   settings.timeout,
		Compare:   settings.cmp,
		KeepGoing: settings.keepGoing,
		Stdout:    childOut,
		Stderr:    cmd.ErrOrStderr(),
		Tokens:    opts.Tokens,
		Journal:   jl,
	})
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid run configuration", err)
	}

	// Setup signal handling for graceful shutdown
	// Use command's context if available (for testing), otherwise create one
	parentCtx := cmd.Context()
	if parentCtx == nil {
		parentCtx = context.Background()
	}
	ctx, cancel := context.WithCancel(parentCtx)
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan) // Prevent signal handler leak

	go func() {
		select {
		case sig := <-sigChan:
			slog.Info("received signal, stopping run", "signal", sig)
			cancel()
		case <-ctx.Done():
			// Parent context cancelled (e.g., from test)
		}
	}()

	res, err := r.Run(ctx)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to launch run", err)
	}

	report := buildRunReport(settings.name, res)
	if opts.Format == "json" {
		if err := outputRunJSON(cmd, report); err != nil {
			return err
		}
	} else {
		outputRunText(cmd.OutOrStdout(), report)
	}

	if !res.Passed() {
		return NewExitError(ExitFailure, "run failed: "+report.Failure)
	}
	return nil
}

// resolveSettings merges the plan file (if any) with the command line.
// Explicit flags win over plan values.
func resolveSettings(opts *RunOptions, cmd *cobra.Command, args []string, atDash int) (runSettings, error) {
	var s runSettings

	argv, err := splitCommands(args, atDash)
	if err != nil {
		return s, WrapExitError(ExitCommandError, "bad command line", err)
	}

	if opts.Plan != "" {
		if len(argv) > 0 {
			return s, NewExitError(ExitCommandError, "give programs in the plan or on the command line, not both")
		}
		p, err := plan.Load(opts.Plan)
		if err != nil {
			return s, WrapExitError(ExitCommandError, "failed to load plan", err)
		}
		s.name = p.Name
		for _, prog := range p.Programs {
			s.programs = append(s.programs, runner.Program{Name: prog.Name, Command: prog.Command})
		}
		s.timeout = p.Timeout()
		s.cmp = compare.Options{
			Epsilon:          p.Epsilon,
			Relative:         p.Relative,
			NormalizeStrings: p.NormalizeStrings,
		}
		s.keepGoing = p.KeepGoing
		s.journal = p.Journal
		s.socketDir = p.SocketDir
	} else {
		if len(argv) < 2 {
			return s, NewExitError(ExitCommandError, `run needs a plan (--plan) or at least two commands separated by "--"`)
		}
		for i, command := range argv {
			s.programs = append(s.programs, runner.Program{
				Name:    fmt.Sprintf("program%d", i+1),
				Command: command,
			})
		}
	}

	flags := cmd.Flags()
	if flags.Changed("name") {
		s.name = opts.Name
	}
	if flags.Changed("timeout") {
		if opts.Timeout <= 0 {
			return s, NewExitError(ExitCommandError, "timeout must be positive")
		}
		s.timeout = time.Duration(opts.Timeout * float64(time.Second))
	}
	if flags.Changed("epsilon") {
		if opts.Epsilon < 0 {
			return s, NewExitError(ExitCommandError, "epsilon must be non-negative")
		}
		s.cmp.Epsilon = opts.Epsilon
	}
	if flags.Changed("relative") {
		s.cmp.Relative = opts.Relative
	}
	if flags.Changed("normalize-strings") {
		s.cmp.NormalizeStrings = opts.Normalize
	}
	if flags.Changed("keep-going") {
		s.keepGoing = opts.KeepGoing
	}
	if flags.Changed("journal") {
		s.journal = opts.Journal
	}
	if flags.Changed("socket-dir") {
		s.socketDir = opts.SocketDir
	}
	return s, nil
}

// splitCommands turns the post-dash arguments into per-program argv slices.
// A literal "--" separates programs: run -- ./a 1 2 -- ./b 1 2.
func splitCommands(args []string, atDash int) ([][]string, error) {
	if len(args) == 0 {
		return nil, nil
	}
	if atDash != 0 {
		return nil, fmt.Errorf(`unexpected argument %q: program commands go after "--"`, args[0])
	}
	var commands [][]string
	var current []string
	for _, a := range args {
		if a == "--" {
			if len(current) == 0 {
				return nil, fmt.Errorf("empty program command")
			}
			commands = append(commands, current)
			current = nil
			continue
		}
		current = append(current, a)
	}
	if len(current) == 0 {
		return nil, fmt.Errorf("empty program command")
	}
	commands = append(commands, current)
	return commands, nil
}

// buildRunReport converts a runner result into the report structure shared
// by the text and JSON outputs.
func buildRunReport(name string, res *runner.Result) RunReport {
	report := RunReport{
		RunID:     res.RunID,
		Name:      name,
		Passed:    res.Passed(),
		ElapsedUS: res.Elapsed.Microseconds(),
		Rounds:    make([]RoundReport, 0, len(res.Rounds)),
		Programs:  make([]ProgramReport, 0, len(res.Programs)),
	}
	if !report.Passed {
		report.Failure = failureSummary(res)
	}
	for _, round := range res.Rounds {
		report.Rounds = append(report.Rounds, RoundReport{
			Number:    round.Number,
			Barrier:   round.Barrier,
			Status:    string(round.Verdict.Status),
			Detail:    round.Verdict.Detail,
			ElapsedUS: round.Elapsed.Microseconds(),
			Diffs:     round.Verdict.Diffs,
		})
	}
	for _, p := range res.Programs {
		pr := ProgramReport{Name: p.Name, ExitCode: p.ExitCode}
		if p.Err != nil {
			pr.Error = p.Err.Error()
		}
		report.Programs = append(report.Programs, pr)
	}
	return report
}

// failureSummary names the first reason the run failed.
func failureSummary(res *runner.Result) string {
	if res.Failure != nil {
		return res.Failure.Error()
	}
	bad := 0
	for _, r := range res.Rounds {
		if r.Verdict.Status != rendezvous.StatusMatch {
			bad++
		}
	}
	if bad > 0 {
		return fmt.Sprintf("%d of %d rounds did not match", bad, len(res.Rounds))
	}
	for _, p := range res.Programs {
		if p.Err != nil {
			return fmt.Sprintf("program %q: %v", p.Name, p.Err)
		}
		if p.ExitCode != 0 {
			return fmt.Sprintf("program %q exited with code %d", p.Name, p.ExitCode)
		}
	}
	return "unknown failure"
}

// outputRunJSON outputs the run report as JSON.
func outputRunJSON(cmd *cobra.Command, report RunReport) error {
	encoder := json.NewEncoder(cmd.OutOrStdout())
	encoder.SetIndent("", "  ")
	return encoder.Encode(CLIResponse{
		Status: "ok",
		Data:   report,
		RunID:  report.RunID,
	})
}

// outputRunText outputs the run report as text.
func outputRunText(w io.Writer, report RunReport) {
	fmt.Fprintln(w)
	fmt.Fprintln(w, "=== Rounds ===")
	if len(report.Rounds) == 0 {
		fmt.Fprintln(w, "  (no barriers reached)")
	} else {
		for _, r := range report.Rounds {
			formatRound(w, r)
		}
	}
	fmt.Fprintln(w)

	fmt.Fprintln(w, "=== Programs ===")
	for _, p := range report.Programs {
		if p.Error != "" {
			fmt.Fprintf(w, "  %s: %s\n", p.Name, p.Error)
			continue
		}
		fmt.Fprintf(w, "  %s: exit %d\n", p.Name, p.ExitCode)
	}
	fmt.Fprintln(w)

	fmt.Fprintln(w, "=== Result ===")
	fmt.Fprintf(w, "  Run:     %s\n", truncateID(report.RunID))
	if report.Name != "" {
		fmt.Fprintf(w, "  Name:    %s\n", report.Name)
	}
	fmt.Fprintf(w, "  Rounds:  %d\n", len(report.Rounds))
	fmt.Fprintf(w, "  Elapsed: %s\n", time.Duration(report.ElapsedUS)*time.Microsecond)
	if report.Passed {
		fmt.Fprintln(w, "  Verdict: PASSED")
	} else {
		fmt.Fprintf(w, "  Verdict: FAILED (%s)\n", report.Failure)
	}
}

// formatRound formats a single round for text output.
func formatRound(w io.Writer, r RoundReport) {
	fmt.Fprintf(w, "  [%d] %s %s (%s)\n", r.Number, r.Status, r.Barrier,
		time.Duration(r.ElapsedUS)*time.Microsecond)
	if r.Detail != "" {
		fmt.Fprintf(w, "      %s\n", r.Detail)
	}
	for _, d := range r.Diffs {
		formatDiff(w, d)
	}
}

// formatDiff formats one variable difference for text output.
func formatDiff(w io.Writer, d proto.Diff) {
	if d.Reason != "" {
		fmt.Fprintf(w, "      %s: left=%s right=%s (%s)\n", d.Name, d.Left, d.Right, d.Reason)
		return
	}
	fmt.Fprintf(w, "      %s: left=%s right=%s\n", d.Name, d.Left, d.Right)
}

// truncateID truncates a long run ID for display.
func truncateID(id string) string {
	if len(id) <= 16 {
		return id
	}
	return id[:8] + "..." + id[len(id)-8:]
}
