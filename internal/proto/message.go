package proto

// EnvSocket is the environment variable carrying the rendezvous socket path
// to spawned programs. Client shims in every language read this name, so it
// must never change.
const EnvSocket = "CODETANGO_SOCKET"

// Wire statuses carried in BarrierResponse.Status.
const (
	StatusSuccess  = "success"
	StatusMismatch = "mismatch"
	StatusTimeout  = "timeout"
	StatusError    = "error"
)

// Init is the first message on a connection, declaring the program's
// identity. Sent exactly once, client to server.
type Init struct {
	ProgramID string `json:"program_id"`
}

// BarrierRequest announces that a program reached a barrier with the given
// variable snapshot. The server holds the response until the round resolves,
// so a pending request doubles as the program's wait.
type BarrierRequest struct {
	BarrierID string    `json:"barrier_id"`
	Variables *Snapshot `json:"variables"`
}

// BarrierResponse is the verdict for one barrier round.
// Diffs is populated only for status "mismatch".
type BarrierResponse struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
	Diffs   []Diff `json:"diffs,omitempty"`
}

// Missing marks a variable absent from one side in a Diff.
const Missing = "<missing>"

// Diff reports one differing variable. Left and Right are rendered values
// (or Missing); sides are assigned by lexicographic participant order, so
// for a conventional run Left is program1 and Right is program2.
type Diff struct {
	Name   string `json:"name"`
	Left   string `json:"left"`
	Right  string `json:"right"`
	Reason string `json:"reason,omitempty"`
}
