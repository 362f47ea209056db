// Package runner launches the programs under comparison and the rendezvous
// server they report to.
//
// The runner owns process lifecycle only: it binds the control socket,
// spawns every child with the socket path in its environment, waits for the
// children, and folds the coordinator's verdicts and the exit codes into a
// single run Result. Barrier coordination itself lives in rendezvous.
package runner

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"
	"time"

	"github.com/codetango/codetango/internal/compare"
	"github.com/codetango/codetango/internal/journal"
	"github.com/codetango/codetango/internal/proto"
	"github.com/codetango/codetango/internal/rendezvous"
)

// DefaultGrace is how long a child gets between SIGTERM and SIGKILL when
// the run is cancelled.
const DefaultGrace = 5 * time.Second

// maxSocketPath keeps socket paths under the kernel's sun_path ceiling
// (108 bytes on Linux, 104 on the BSDs) with headroom.
const maxSocketPath = 100

// Program describes one child program of a run.
type Program struct {
	// Name is the participant identity the runner reports under, e.g.
	// "program1". The child announces its own identity in its init
	// message; conventional runs use the same names for both.
	Name string

	// Command is the argv. Command[0] is the executable.
	Command []string
}

// Config configures a Runner.
type Config struct {
	// Name labels the run in the journal. Optional.
	Name string

	// Programs are the children to launch. At least two.
	Programs []Program

	// SocketDir is the directory for the control socket. Defaults to the
	// system temp directory.
	SocketDir string

	// Timeout is the per-round rendezvous deadline.
	Timeout time.Duration

	// Compare is the snapshot comparison policy.
	Compare compare.Options

	// KeepGoing reports mismatches without ending the run. The run is
	// still judged failed at the end.
	KeepGoing bool

	// Grace is the SIGTERM to SIGKILL delay on cancellation. Defaults to
	// DefaultGrace.
	Grace time.Duration

	// Stdout and Stderr receive the children's prefixed output. Default
	// to os.Stdout and os.Stderr.
	Stdout io.Writer
	Stderr io.Writer

	// Tokens generates the run identifier. Defaults to UUIDv7Generator.
	Tokens TokenGenerator

	// Observer, if set, receives each resolved round as it happens.
	Observer rendezvous.Observer

	// Journal, if set, records the run, its rounds, and its diffs.
	// Journal failures are logged, never fatal: the journal reports on
	// runs, it does not gate them.
	Journal *journal.Journal
}

// ProgramResult is one child's outcome.
type ProgramResult struct {
	Name     string
	ExitCode int

	// Err is set when the process could not be waited on normally, never
	// for an ordinary non-zero exit.
	Err error
}

// Result aggregates a finished run.
type Result struct {
	RunID    string
	Socket   string
	Started  time.Time
	Elapsed  time.Duration
	Rounds   []rendezvous.Round
	Programs []ProgramResult

	// Failure is the first fatal coordination error, nil for a run that
	// stayed healthy. Mismatches under keep-going do not set it.
	Failure error
}

// Passed reports whether the run as a whole succeeded: every round matched,
// coordination stayed healthy, and every child exited zero.
func (r *Result) Passed() bool {
	if r.Failure != nil {
		return false
	}
	for _, round := range r.Rounds {
		if round.Verdict.Status != rendezvous.StatusMatch {
			return false
		}
	}
	for _, p := range r.Programs {
		if p.ExitCode != 0 || p.Err != nil {
			return false
		}
	}
	return true
}

// ExitCode maps the run outcome onto the process exit code: 0 for a passed
// run, 1 otherwise.
func (r *Result) ExitCode() int {
	if r.Passed() {
		return 0
	}
	return 1
}

// Runner executes one run.
type Runner struct {
	cfg Config
}

// New validates the configuration and creates a Runner.
func New(cfg Config) (*Runner, error) {
	if len(cfg.Programs) < 2 {
		return nil, fmt.Errorf("a run needs at least two programs, got %d", len(cfg.Programs))
	}
	seen := make(map[string]bool, len(cfg.Programs))
	for i, p := range cfg.Programs {
		if p.Name == "" {
			return nil, fmt.Errorf("program %d has no name", i+1)
		}
		if seen[p.Name] {
			return nil, fmt.Errorf("duplicate program name %q", p.Name)
		}
		seen[p.Name] = true
		if len(p.Command) == 0 {
			return nil, fmt.Errorf("program %q has no command", p.Name)
		}
	}
	if cfg.Stdout == nil {
		cfg.Stdout = os.Stdout
	}
	if cfg.Stderr == nil {
		cfg.Stderr = os.Stderr
	}
	if cfg.Grace <= 0 {
		cfg.Grace = DefaultGrace
	}
	if cfg.Tokens == nil {
		cfg.Tokens = UUIDv7Generator{}
	}
	return &Runner{cfg: cfg}, nil
}

// Run executes the run to completion: socket up, children spawned, children
// waited, socket down.
//
// Cancelling ctx interrupts the run: an open round resolves as disconnected,
// the children get SIGTERM and, after the grace period, SIGKILL. A non-nil
// Result is returned whenever all children at least started; inspect
// Result.Passed for the verdict.
func (r *Runner) Run(ctx context.Context) (*Result, error) {
	runID := r.cfg.Tokens.Generate()
	socket := socketPath(r.cfg.SocketDir, runID)
	started := time.Now()

	observer := r.cfg.Observer
	if r.cfg.Journal != nil {
		jctx := context.WithoutCancel(ctx)
		user := observer
		observer = func(round rendezvous.Round) {
			if err := r.cfg.Journal.WriteRound(jctx, runID, round); err != nil {
				slog.Warn("journal round write failed", "run_id", runID, "error", err)
			}
			if user != nil {
				user(round)
			}
		}
		if err := r.cfg.Journal.BeginRun(jctx, journal.RunStart{
			RunID:     runID,
			Name:      r.cfg.Name,
			StartedAt: started,
			Programs:  journalPrograms(r.cfg.Programs, nil),
		}); err != nil {
			slog.Warn("journal begin failed", "run_id", runID, "error", err)
		}
	}

	coord := rendezvous.NewCoordinator(rendezvous.Config{
		Participants: len(r.cfg.Programs),
		Timeout:      r.cfg.Timeout,
		Compare:      r.cfg.Compare,
		KeepGoing:    r.cfg.KeepGoing,
		Observer:     observer,
	})
	srv := rendezvous.NewServer(socket, coord)
	if err := srv.Listen(); err != nil {
		return nil, err
	}
	defer srv.Close()

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	defer cancel()
	go func() {
		if err := srv.Serve(runCtx); err != nil {
			slog.Error("control socket serve failed", "error", err)
			coord.Abort(err)
		}
	}()

	slog.Info("run started", "run_id", runID, "socket", socket, "programs", len(r.cfg.Programs))

	children := make([]*exec.Cmd, len(r.cfg.Programs))
	writers := make([]*lineWriter, 0, 2*len(r.cfg.Programs))
	results := make([]ProgramResult, len(r.cfg.Programs))
	for i, prog := range r.cfg.Programs {
		results[i].Name = prog.Name

		child := exec.CommandContext(runCtx, prog.Command[0], prog.Command[1:]...)
		out := newLineWriter(r.cfg.Stdout, prog.Name)
		errw := newLineWriter(r.cfg.Stderr, prog.Name)
		writers = append(writers, out, errw)
		child.Stdout = out
		child.Stderr = errw
		child.Env = append(os.Environ(), proto.EnvSocket+"="+socket)
		child.Cancel = func() error { return child.Process.Signal(syscall.SIGTERM) }
		child.WaitDelay = r.cfg.Grace

		if err := child.Start(); err != nil {
			cancel()
			for _, c := range children[:i] {
				_ = c.Wait()
			}
			return nil, fmt.Errorf("start program %q: %w", prog.Name, err)
		}
		children[i] = child
		slog.Debug("program started", "program", prog.Name, "pid", child.Process.Pid)
	}

	type exit struct {
		index int
		err   error
	}
	exits := make(chan exit, len(children))
	for i, child := range children {
		go func(i int, child *exec.Cmd) {
			exits <- exit{index: i, err: child.Wait()}
		}(i, child)
	}

	interrupt := ctx.Done()
	for remaining := len(children); remaining > 0; {
		select {
		case e := <-exits:
			remaining--
			code := exitCode(e.err)
			results[e.index].ExitCode = code
			if e.err != nil && !isExitStatus(e.err) {
				results[e.index].Err = e.err
			}
			slog.Info("program exited", "program", results[e.index].Name, "code", code)
			if code != 0 && runCtx.Err() == nil {
				coord.Abort(&ChildExitError{Program: results[e.index].Name, Code: code})
			}

		case <-interrupt:
			interrupt = nil
			slog.Warn("run interrupted", "run_id", runID)
			coord.Abort(ctx.Err())
			cancel()
		}
	}

	for _, w := range writers {
		_ = w.Flush()
	}

	res := &Result{
		RunID:    runID,
		Socket:   socket,
		Started:  started,
		Elapsed:  time.Since(started),
		Rounds:   coord.Rounds(),
		Programs: results,
		Failure:  coord.Failure(),
	}
	if r.cfg.Journal != nil {
		failure := ""
		if res.Failure != nil {
			failure = res.Failure.Error()
		}
		if err := r.cfg.Journal.FinishRun(context.WithoutCancel(ctx), journal.RunFinish{
			RunID:      runID,
			FinishedAt: started.Add(res.Elapsed),
			Passed:     res.Passed(),
			Failure:    failure,
			Programs:   journalPrograms(r.cfg.Programs, results),
		}); err != nil {
			slog.Warn("journal finish failed", "run_id", runID, "error", err)
		}
	}

	slog.Info("run finished",
		"run_id", runID,
		"passed", res.Passed(),
		"rounds", len(res.Rounds),
		"elapsed", res.Elapsed.Round(time.Millisecond))
	return res, nil
}

// journalPrograms builds the journal's program list; exit codes fill in
// once results exist.
func journalPrograms(programs []Program, results []ProgramResult) []journal.ProgramInfo {
	infos := make([]journal.ProgramInfo, len(programs))
	for i, p := range programs {
		infos[i] = journal.ProgramInfo{Name: p.Name, Command: p.Command}
		if results != nil {
			infos[i].ExitCode = results[i].ExitCode
		}
	}
	return infos
}

// exitCode extracts the process exit code; -1 when the process died to a
// signal or never ran.
func exitCode(err error) int {
	if err == nil {
		return 0
	}
	var xe *exec.ExitError
	if errors.As(err, &xe) {
		return xe.ExitCode()
	}
	return -1
}

// isExitStatus reports whether err is an ordinary non-zero exit rather than
// a wait-level failure.
func isExitStatus(err error) bool {
	var xe *exec.ExitError
	return errors.As(err, &xe)
}

// socketPath builds the control socket path for a run. Over-long paths fall
// back to the system temp directory to stay under the kernel's sun_path
// limit.
func socketPath(dir, runID string) string {
	if dir == "" {
		dir = os.TempDir()
	}
	name := "codetango-" + runID + ".sock"
	p := filepath.Join(dir, name)
	if len(p) > maxSocketPath {
		p = filepath.Join(os.TempDir(), name)
	}
	return p
}
