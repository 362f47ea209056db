package rendezvous

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/codetango/codetango/internal/compare"
	"github.com/codetango/codetango/internal/proto"
)

// DefaultTimeout is the per-round deadline when none is configured.
const DefaultTimeout = 60 * time.Second

// Status is the terminal state of a resolved round.
type Status string

const (
	StatusMatch         Status = "MATCH"
	StatusMismatch      Status = "MISMATCH"
	StatusTimeout       Status = "TIMEOUT"
	StatusProtocolError Status = "PROTOCOL_ERROR"
	StatusDisconnected  Status = "DISCONNECTED"
)

// Wire maps a Status onto the wire-level response status.
// PROTOCOL_ERROR and DISCONNECTED both surface as "error"; the verdict
// detail carries the distinction.
func (s Status) Wire() string {
	switch s {
	case StatusMatch:
		return proto.StatusSuccess
	case StatusMismatch:
		return proto.StatusMismatch
	case StatusTimeout:
		return proto.StatusTimeout
	default:
		return proto.StatusError
	}
}

// Verdict is the outcome delivered to every participant of a resolved round.
type Verdict struct {
	Status Status
	Detail string
	Diffs  []proto.Diff
}

// Round is the archived record of one resolved round, retained for
// reporting after the live state is cleared.
type Round struct {
	Number       int64
	Barrier      string
	Verdict      Verdict
	Participants []string // arrival order
	Elapsed      time.Duration
}

// Observer receives each archived round as it resolves.
//
// Called synchronously from inside the Coordinator's resolution path, so an
// observer must be quick and must not call back into the Coordinator.
type Observer func(Round)

// Config configures a Coordinator.
type Config struct {
	// Participants is the expected participant count. Defaults to 2.
	// Participant identities are learned at registration, not configured.
	Participants int

	// Timeout is the per-round deadline, armed when a round opens.
	// Defaults to DefaultTimeout.
	Timeout time.Duration

	// Compare is the snapshot comparison policy.
	Compare compare.Options

	// KeepGoing makes MISMATCH informational: later rounds keep comparing.
	// The run is still reported failed at the end. All other non-MATCH
	// outcomes remain fatal.
	KeepGoing bool

	// Observer, if set, receives each archived round.
	Observer Observer
}

// Coordinator is the barrier rendezvous state machine.
//
// All mutable state lives behind one mutex; Arrive, Register, Disconnect,
// and Abort are the serialized entry points. Blocked arrivals wait on the
// open round's done channel outside the lock.
type Coordinator struct {
	capacity  int
	timeout   time.Duration
	cmp       compare.Options
	keepGoing bool
	observer  Observer

	mu        sync.Mutex
	connected map[string]bool  // registered and currently connected
	departed  map[string]bool  // registered earlier, connection gone
	next      map[string]int64 // next expected round per participant
	current   *round
	history   []Round
	failed    bool
	failure   error
}

// round is the live state of the single open barrier occurrence.
type round struct {
	number   int64
	barrier  string
	arrived  map[string]*proto.Snapshot
	order    []string // arrival order
	timer    *time.Timer
	done     chan struct{} // closed exactly once on resolution
	verdict  Verdict
	resolved bool
	openedAt time.Time
}

// NewCoordinator creates a Coordinator for the configured participant count.
func NewCoordinator(cfg Config) *Coordinator {
	capacity := cfg.Participants
	if capacity <= 0 {
		capacity = 2
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Coordinator{
		capacity:  capacity,
		timeout:   timeout,
		cmp:       cfg.Compare,
		keepGoing: cfg.KeepGoing,
		observer:  cfg.Observer,
		connected: make(map[string]bool),
		departed:  make(map[string]bool),
		next:      make(map[string]int64),
	}
}

// Register adds a participant at connection time.
//
// A second live connection claiming a registered identity is rejected with
// DUPLICATE_PARTICIPANT; re-registration after a disconnect is allowed. A
// brand-new identity beyond the expected count is rejected.
func (c *Coordinator) Register(participant string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.connected[participant] {
		return NewDuplicateParticipantError(participant)
	}
	if _, known := c.next[participant]; !known && len(c.next) >= c.capacity {
		return NewUnexpectedParticipantError(participant, c.capacity)
	}

	c.connected[participant] = true
	delete(c.departed, participant)
	if _, ok := c.next[participant]; !ok {
		c.next[participant] = 1
	}
	slog.Info("participant registered", "participant", participant)
	return nil
}

// Arrive reports that a participant reached a barrier with a snapshot and
// blocks until the round resolves, the deadline elapses, or ctx is
// cancelled. The snapshot must not be mutated after submission.
//
// The returned Verdict is shared by every participant of the round. An
// error return means the arrival itself was invalid (unregistered
// participant) or the wait was cancelled; coordination failures come back
// as error-status Verdicts instead, so the session can still respond.
func (c *Coordinator) Arrive(ctx context.Context, participant, barrierID string, snap *proto.Snapshot) (Verdict, error) {
	c.mu.Lock()

	if !c.connected[participant] {
		c.mu.Unlock()
		return Verdict{}, NewUnknownParticipantError(participant)
	}

	// After a fatal resolution later arrivals release immediately so the
	// programs can exit instead of blocking into a dead run.
	if c.failed {
		v := Verdict{Status: StatusProtocolError, Detail: fmt.Sprintf("run already failed: %v", c.failure)}
		c.mu.Unlock()
		return v, nil
	}

	r := c.current
	switch {
	case r == nil:
		r = c.openRoundLocked(participant, barrierID, snap)
		if gone := c.departedLocked(); len(gone) > 0 {
			err := fmt.Errorf("participant %s disconnected before barrier %q (round %d)",
				strings.Join(gone, ", "), r.barrier, r.number)
			c.resolveLocked(r, Verdict{Status: StatusDisconnected, Detail: err.Error()}, err)
		}

	case r.barrier != barrierID:
		err := NewDesynchronizationError(participant, barrierID, r.barrier, r.number)
		r.record(participant, snap)
		c.resolveLocked(r, Verdict{Status: StatusProtocolError, Detail: err.Error()}, err)

	default:
		if _, dup := r.arrived[participant]; dup {
			err := NewDoubleSubmitError(participant, barrierID, r.number)
			c.resolveLocked(r, Verdict{Status: StatusProtocolError, Detail: err.Error()}, err)
			break
		}
		r.record(participant, snap)
		slog.Debug("participant arrived", "participant", participant, "barrier", barrierID, "round", r.number,
			"arrived", len(r.arrived), "expected", c.capacity)
		if len(r.arrived) == c.capacity {
			c.compareAndResolveLocked(r)
		}
	}

	if r.resolved {
		v := r.verdict
		c.mu.Unlock()
		return v, nil
	}

	done := r.done
	c.mu.Unlock()

	select {
	case <-done:
	case <-ctx.Done():
		return Verdict{}, ctx.Err()
	}

	c.mu.Lock()
	v := r.verdict
	c.mu.Unlock()
	return v, nil
}

// Disconnect reports that a participant's connection closed. An open round
// resolves as DISCONNECTED immediately rather than waiting out its
// deadline; with no open round this only records the departure.
func (c *Coordinator) Disconnect(participant string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.connected[participant] {
		return
	}
	c.connected[participant] = false
	c.departed[participant] = true
	slog.Info("participant disconnected", "participant", participant)

	if r := c.current; r != nil && !r.resolved {
		err := fmt.Errorf("participant %q disconnected during barrier %q (round %d)", participant, r.barrier, r.number)
		c.resolveLocked(r, Verdict{Status: StatusDisconnected, Detail: err.Error()}, err)
	}
}

// Abort fails the run from outside the protocol: operator interrupt or an
// unexpected child exit. An open round resolves as DISCONNECTED; either way
// the run is marked failed so later arrivals release immediately.
func (c *Coordinator) Abort(cause error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if r := c.current; r != nil && !r.resolved {
		c.resolveLocked(r, Verdict{Status: StatusDisconnected, Detail: fmt.Sprintf("run aborted: %v", cause)}, cause)
		return
	}
	c.failLocked(cause)
}

// Rounds returns the archived rounds in resolution order.
func (c *Coordinator) Rounds() []Round {
	c.mu.Lock()
	defer c.mu.Unlock()
	rounds := make([]Round, len(c.history))
	copy(rounds, c.history)
	return rounds
}

// Failure returns the first fatal coordination error, or nil while the run
// is healthy. A MISMATCH under KeepGoing does not set a failure; callers
// judging the overall run must also inspect Rounds.
func (c *Coordinator) Failure() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.failure
}

// Passed reports whether every resolved round matched and no fatal error
// occurred. It does not account for child exit codes; the orchestrator
// folds those in separately.
func (c *Coordinator) Passed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failure != nil {
		return false
	}
	for _, r := range c.history {
		if r.Verdict.Status != StatusMatch {
			return false
		}
	}
	return true
}

// openRoundLocked creates the round for the opener's next occurrence and
// arms its deadline timer.
func (c *Coordinator) openRoundLocked(participant, barrierID string, snap *proto.Snapshot) *round {
	r := &round{
		number:   c.next[participant],
		barrier:  barrierID,
		arrived:  make(map[string]*proto.Snapshot, c.capacity),
		done:     make(chan struct{}),
		openedAt: time.Now(),
	}
	r.record(participant, snap)
	c.current = r
	r.timer = time.AfterFunc(c.timeout, func() { c.expire(r) })
	slog.Debug("round opened", "round", r.number, "barrier", barrierID, "participant", participant)
	return r
}

// record stores an arrival. Snapshots are kept as submitted; the desync
// arrival is recorded too so the archive shows what each side reported.
func (r *round) record(participant string, snap *proto.Snapshot) {
	r.arrived[participant] = snap
	r.order = append(r.order, participant)
}

// compareAndResolveLocked runs the comparator across the full arrival set
// and resolves MATCH or MISMATCH.
//
// Attribution is deterministic: participants are name-sorted and each later
// snapshot is compared against the first, so diff "left" belongs to the
// lexicographically first participant (program1 in a conventional run).
func (c *Coordinator) compareAndResolveLocked(r *round) {
	ids := make([]string, 0, len(r.arrived))
	for id := range r.arrived {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var diffs []proto.Diff
	base := r.arrived[ids[0]]
	for _, id := range ids[1:] {
		result := compare.Snapshots(base, r.arrived[id], c.cmp)
		diffs = append(diffs, result.Diffs...)
	}

	if len(diffs) == 0 {
		c.resolveLocked(r, Verdict{Status: StatusMatch}, nil)
		return
	}
	v := Verdict{
		Status: StatusMismatch,
		Detail: fmt.Sprintf("%d variable(s) differ", len(diffs)),
		Diffs:  diffs,
	}
	c.resolveLocked(r, v, fmt.Errorf("mismatch at barrier %q (round %d)", r.barrier, r.number))
}

// expire resolves a round as TIMEOUT when its deadline elapses first.
func (c *Coordinator) expire(r *round) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if r.resolved {
		return
	}
	detail := fmt.Sprintf("deadline elapsed waiting for %s at barrier %q (round %d)",
		c.absentLocked(r), r.barrier, r.number)
	c.resolveLocked(r, Verdict{Status: StatusTimeout, Detail: detail}, fmt.Errorf("%s", detail))
}

// absentLocked names the participants the round is still waiting for.
func (c *Coordinator) absentLocked(r *round) string {
	var absent []string
	for id := range c.next {
		if _, ok := r.arrived[id]; !ok {
			absent = append(absent, id)
		}
	}
	sort.Strings(absent)
	if unconnected := c.capacity - len(r.arrived) - len(absent); unconnected > 0 {
		absent = append(absent, fmt.Sprintf("%d never-connected participant(s)", unconnected))
	}
	return strings.Join(absent, ", ")
}

// departedLocked returns the name-sorted participants that registered and
// later disconnected.
func (c *Coordinator) departedLocked() []string {
	var gone []string
	for id := range c.departed {
		gone = append(gone, id)
	}
	sort.Strings(gone)
	return gone
}

// resolveLocked finalizes a round: records the verdict, stops the deadline
// timer, archives the round, advances the arrival counters, updates the
// run's failure state, and broadcasts the release.
func (c *Coordinator) resolveLocked(r *round, v Verdict, cause error) {
	if r.resolved {
		return
	}
	r.resolved = true
	r.verdict = v
	if r.timer != nil {
		r.timer.Stop()
	}
	if c.current == r {
		c.current = nil
	}
	for _, id := range r.order {
		c.next[id] = r.number + 1
	}

	rec := Round{
		Number:       r.number,
		Barrier:      r.barrier,
		Verdict:      v,
		Participants: append([]string(nil), r.order...),
		Elapsed:      time.Since(r.openedAt),
	}
	c.history = append(c.history, rec)

	switch v.Status {
	case StatusMatch:
		// run still healthy
	case StatusMismatch:
		if !c.keepGoing {
			c.failLocked(cause)
		}
	default:
		c.failLocked(cause)
	}

	slog.Info("round resolved",
		"round", r.number,
		"barrier", r.barrier,
		"status", string(v.Status),
		"elapsed", rec.Elapsed.Round(time.Microsecond))
	if c.observer != nil {
		c.observer(rec)
	}
	close(r.done)
}

// failLocked records the first fatal error; later failures keep the
// original cause.
func (c *Coordinator) failLocked(cause error) {
	if c.failed {
		return
	}
	c.failed = true
	c.failure = cause
	slog.Warn("run failed", "cause", cause)
}
