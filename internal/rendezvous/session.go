package rendezvous

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"

	"github.com/codetango/codetango/internal/proto"
)

// session owns one participant connection: it reads the Init message,
// registers the identity, then serves one BarrierRequest at a time.
// Requests are never pipelined; the pending response IS the program's wait.
type session struct {
	coord       *Coordinator
	conn        net.Conn
	dec         *proto.Decoder
	enc         *proto.Encoder
	participant string
}

func newSession(coord *Coordinator, conn net.Conn) *session {
	return &session{
		coord: coord,
		conn:  conn,
		dec:   proto.NewDecoder(conn),
		enc:   proto.NewEncoder(conn),
	}
}

// run drives the connection until it closes or the run dies.
func (s *session) run(ctx context.Context) {
	defer s.conn.Close()

	var init proto.Init
	if err := s.dec.Decode(&init); err != nil {
		// Closed before identifying itself. The orchestrator notices the
		// child exit; nothing registered here to clean up.
		if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
			s.fail(NewMalformedMessageError("", err))
		}
		return
	}
	if init.ProgramID == "" {
		s.fail(NewMalformedMessageError("", errors.New("init message missing program_id")))
		return
	}

	if err := s.coord.Register(init.ProgramID); err != nil {
		// Rejecting the second claimant still fails the whole run: two
		// connections with one identity means the launch itself is wrong.
		s.respond(proto.BarrierResponse{Status: proto.StatusError, Message: err.Error()})
		s.coord.Abort(err)
		return
	}
	s.participant = init.ProgramID
	defer s.coord.Disconnect(s.participant)

	for {
		var req proto.BarrierRequest
		err := s.dec.Decode(&req)
		if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
			return
		}
		if err != nil {
			s.fail(NewMalformedMessageError(s.participant, err))
			return
		}
		if req.BarrierID == "" {
			s.fail(NewMalformedMessageError(s.participant, errors.New("barrier request missing barrier_id")))
			return
		}
		if req.Variables == nil {
			// A bare synchronization point with no variables is legal.
			req.Variables = proto.NewSnapshot()
		}

		verdict, err := s.coord.Arrive(ctx, s.participant, req.BarrierID, req.Variables)
		if err != nil {
			s.respond(proto.BarrierResponse{Status: proto.StatusError, Message: err.Error()})
			return
		}
		if !s.respond(proto.BarrierResponse{
			Status:  verdict.Status.Wire(),
			Message: verdict.Detail,
			Diffs:   verdict.Diffs,
		}) {
			return
		}
	}
}

// fail reports a connection-level protocol error: best-effort response,
// then the run is failed and the connection closed.
func (s *session) fail(perr *ProtocolError) {
	s.respond(proto.BarrierResponse{Status: proto.StatusError, Message: perr.Error()})
	s.coord.Abort(perr)
}

// respond writes one response line; reports whether the write succeeded.
func (s *session) respond(resp proto.BarrierResponse) bool {
	if err := s.enc.Encode(resp); err != nil {
		slog.Debug("response write failed", "participant", s.participant, "error", err)
		return false
	}
	return true
}
