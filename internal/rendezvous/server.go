package rendezvous

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
)

// Server accepts participant connections on a local Unix socket and hands
// each one to a session goroutine. It carries no business logic; all
// coordination happens in the Coordinator.
type Server struct {
	coord *Coordinator
	path  string

	mu       sync.Mutex
	listener net.Listener
	conns    map[net.Conn]struct{}
	cancel   context.CancelFunc
	closed   bool
	wg       sync.WaitGroup
}

// NewServer creates a Server for the given socket path.
func NewServer(socketPath string, coord *Coordinator) *Server {
	return &Server{
		coord: coord,
		path:  socketPath,
		conns: make(map[net.Conn]struct{}),
	}
}

// Path returns the socket path, as handed to children via the environment.
func (s *Server) Path() string {
	return s.path
}

// Listen binds the Unix socket. Must be called before the children are
// spawned so they never race the listener.
func (s *Server) Listen() error {
	ln, err := net.Listen("unix", s.path)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.path, err)
	}
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()
	slog.Debug("listening", "socket", s.path)
	return nil
}

// Serve accepts connections until the context is cancelled or the server is
// closed. Each connection gets its own session goroutine; ctx bounds every
// session's blocking waits.
func (s *Server) Serve(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	s.mu.Lock()
	ln := s.listener
	s.cancel = cancel
	s.mu.Unlock()
	if ln == nil {
		return fmt.Errorf("serve before listen")
	}

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			s.Close()
		case <-stop:
		}
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || s.isClosed() {
				return nil
			}
			return fmt.Errorf("accept: %w", err)
		}

		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			conn.Close()
			return nil
		}
		s.conns[conn] = struct{}{}
		s.wg.Add(1)
		s.mu.Unlock()

		go func() {
			defer s.wg.Done()
			defer s.forget(conn)
			newSession(s.coord, conn).run(ctx)
		}()
	}
}

// Close stops accepting, cancels the serve context so blocked barrier waits
// return, closes every open connection, and waits for the session goroutines
// to finish. Closing the Unix listener also removes the socket file.
// Idempotent.
func (s *Server) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		s.wg.Wait()
		return nil
	}
	s.closed = true
	ln := s.listener
	cancel := s.cancel
	conns := make([]net.Conn, 0, len(s.conns))
	for conn := range s.conns {
		conns = append(conns, conn)
	}
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	var err error
	if ln != nil {
		err = ln.Close()
	}
	for _, conn := range conns {
		conn.Close()
	}
	s.wg.Wait()
	return err
}

func (s *Server) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *Server) forget(conn net.Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.conns, conn)
}
