// Package barrier is the client library programs use to talk to a
// codetango run.
//
// A program connects once, then alternates between staging variables and
// waiting at barriers:
//
//	client, err := barrier.New("program1")
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer client.Close()
//
//	client.AddDouble("x1", x1)
//	client.AddDouble("x2", x2)
//	matched, err := client.Wait("solve")
//
// Wait blocks until every program of the run reaches the same barrier and
// the server issues a verdict; the server's per-round deadline bounds the
// wait, so no client-side timeout is needed.
//
// Thread-safety: a Client serves one goroutine; programs that compute
// concurrently must stage and wait from a single goroutine.
package barrier

import (
	"fmt"
	"net"
	"os"

	"github.com/codetango/codetango/internal/proto"
)

// Result is the verdict delivered at one barrier.
type Result struct {
	// Status is the wire status: "success", "mismatch", "timeout", or
	// "error".
	Status string

	// Message is the server's human-readable detail, empty on success.
	Message string

	// Diffs lists the differing variables of a mismatch.
	Diffs []proto.Diff
}

// Matched reports whether the barrier's snapshots agreed.
func (r *Result) Matched() bool {
	return r.Status == proto.StatusSuccess
}

// Error is a terminal barrier failure: the run is over and further waits
// cannot succeed.
type Error struct {
	Barrier string
	Status  string
	Message string
}

// Error implements the error interface.
func (e *Error) Error() string {
	return fmt.Sprintf("barrier %q failed: %s: %s", e.Barrier, e.Status, e.Message)
}

// Client is one program's connection to the rendezvous server.
type Client struct {
	programID string
	conn      net.Conn
	dec       *proto.Decoder
	enc       *proto.Encoder
	staged    *proto.Snapshot
	last      *Result
	closed    bool
}

// New connects to the socket named by the CODETANGO_SOCKET environment
// variable, which the runner exports to every child it launches.
func New(programID string) (*Client, error) {
	path := os.Getenv(proto.EnvSocket)
	if path == "" {
		return nil, fmt.Errorf("%s is not set; run this program under codetango", proto.EnvSocket)
	}
	return Dial(path, programID)
}

// Dial connects to an explicit socket path and announces the program
// identity.
func Dial(socketPath, programID string) (*Client, error) {
	if programID == "" {
		return nil, fmt.Errorf("program id must not be empty")
	}
	conn, err := net.Dial("unix", socketPath)
	if err != nil {
		return nil, fmt.Errorf("connect to %s: %w", socketPath, err)
	}

	c := &Client{
		programID: programID,
		conn:      conn,
		dec:       proto.NewDecoder(conn),
		enc:       proto.NewEncoder(conn),
		staged:    proto.NewSnapshot(),
	}
	if err := c.enc.Encode(proto.Init{ProgramID: programID}); err != nil {
		conn.Close()
		return nil, fmt.Errorf("announce %q: %w", programID, err)
	}
	return c, nil
}

// AddInt stages an integer for the next barrier.
// Staging the same name twice keeps its position and replaces the value.
func (c *Client) AddInt(name string, v int64) {
	c.staged.Set(name, proto.Int(v))
}

// AddDouble stages a floating-point value for the next barrier.
func (c *Client) AddDouble(name string, v float64) {
	c.staged.Set(name, proto.Double(v))
}

// AddString stages a string for the next barrier.
func (c *Client) AddString(name, v string) {
	c.staged.Set(name, proto.String(v))
}

// AddBool stages a boolean for the next barrier.
func (c *Client) AddBool(name string, v bool) {
	c.staged.Set(name, proto.Bool(v))
}

// AddIntVector stages an integer vector for the next barrier. The slice is
// copied, so the caller may keep mutating it.
func (c *Client) AddIntVector(name string, v []int64) {
	c.staged.Set(name, proto.IntVector(append([]int64(nil), v...)))
}

// AddDoubleVector stages a floating-point vector for the next barrier. The
// slice is copied.
func (c *Client) AddDoubleVector(name string, v []float64) {
	c.staged.Set(name, proto.DoubleVector(append([]float64(nil), v...)))
}

// Wait reports the staged variables at the named barrier and blocks until
// the verdict. The staged set is cleared either way, so the next barrier
// starts empty.
//
// Matched is true when the snapshots agreed. A mismatch returns
// (false, nil): under keep-going runs the program may continue. Timeouts,
// protocol errors, and connection failures return a non-nil error; the run
// is over.
func (c *Client) Wait(barrierID string) (bool, error) {
	if c.closed {
		return false, fmt.Errorf("barrier %q: client is closed", barrierID)
	}
	if barrierID == "" {
		return false, fmt.Errorf("barrier id must not be empty")
	}

	req := proto.BarrierRequest{BarrierID: barrierID, Variables: c.staged}
	c.staged = proto.NewSnapshot()
	if err := c.enc.Encode(req); err != nil {
		return false, fmt.Errorf("send barrier %q: %w", barrierID, err)
	}

	var resp proto.BarrierResponse
	if err := c.dec.Decode(&resp); err != nil {
		return false, fmt.Errorf("await barrier %q: %w", barrierID, err)
	}
	c.last = &Result{Status: resp.Status, Message: resp.Message, Diffs: resp.Diffs}

	switch resp.Status {
	case proto.StatusSuccess:
		return true, nil
	case proto.StatusMismatch:
		return false, nil
	default:
		return false, &Error{Barrier: barrierID, Status: resp.Status, Message: resp.Message}
	}
}

// LastResult returns the verdict of the most recent Wait, nil before the
// first barrier.
func (c *Client) LastResult() *Result {
	return c.last
}

// Close tears down the connection. The server treats a close during an
// open round as a disconnect and releases the counterpart.
func (c *Client) Close() error {
	if c.closed {
		return nil
	}
	c.closed = true
	return c.conn.Close()
}
