package rendezvous

import (
	"bufio"
	"context"
	"encoding/json"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codetango/codetango/internal/proto"
)

func startServer(t *testing.T, cfg Config) (*Server, *Coordinator) {
	t.Helper()
	if cfg.Timeout == 0 {
		cfg.Timeout = 2 * time.Second
	}
	coord := NewCoordinator(cfg)
	srv := NewServer(filepath.Join(t.TempDir(), "codetango.sock"), coord)
	require.NoError(t, srv.Listen())

	go func() { _ = srv.Serve(context.Background()) }()
	t.Cleanup(func() { _ = srv.Close() })
	return srv, coord
}

// lineClient speaks the wire protocol directly so the tests exercise the
// exact bytes a non-Go participant would send.
type lineClient struct {
	t    *testing.T
	conn net.Conn
	r    *bufio.Reader
}

func dial(t *testing.T, srv *Server) *lineClient {
	t.Helper()
	conn, err := net.Dial("unix", srv.Path())
	require.NoError(t, err)
	require.NoError(t, conn.SetDeadline(time.Now().Add(5*time.Second)))
	t.Cleanup(func() { conn.Close() })
	return &lineClient{t: t, conn: conn, r: bufio.NewReader(conn)}
}

func (c *lineClient) send(line string) {
	c.t.Helper()
	_, err := c.conn.Write([]byte(line + "\n"))
	require.NoError(c.t, err)
}

func (c *lineClient) recv() proto.BarrierResponse {
	c.t.Helper()
	line, err := c.r.ReadBytes('\n')
	require.NoError(c.t, err)
	var resp proto.BarrierResponse
	require.NoError(c.t, json.Unmarshal(line, &resp))
	return resp
}

func TestServer_TwoClientsRendezvous(t *testing.T) {
	srv, coord := startServer(t, Config{})

	c1 := dial(t, srv)
	c2 := dial(t, srv)
	c1.send(`{"program_id":"program1"}`)
	c2.send(`{"program_id":"program2"}`)

	c1.send(`{"barrier_id":"init","variables":{"a":1.0,"b":-3,"name":"quadratic"}}`)
	c2.send(`{"barrier_id":"init","variables":{"a":1.0,"b":-3,"name":"quadratic"}}`)

	resp1 := c1.recv()
	resp2 := c2.recv()
	assert.Equal(t, proto.StatusSuccess, resp1.Status)
	assert.Equal(t, proto.StatusSuccess, resp2.Status)
	assert.Empty(t, resp1.Diffs)

	assert.True(t, coord.Passed())
}

func TestServer_MismatchCarriesDiffs(t *testing.T) {
	srv, _ := startServer(t, Config{})

	c1 := dial(t, srv)
	c2 := dial(t, srv)
	c1.send(`{"program_id":"program1"}`)
	c2.send(`{"program_id":"program2"}`)

	c1.send(`{"barrier_id":"check","variables":{"x":1.5}}`)
	c2.send(`{"barrier_id":"check","variables":{"x":2.5}}`)

	resp := c1.recv()
	require.Equal(t, proto.StatusMismatch, resp.Status)
	require.Len(t, resp.Diffs, 1)
	assert.Equal(t, "x", resp.Diffs[0].Name)
	assert.Equal(t, "1.5", resp.Diffs[0].Left)
	assert.Equal(t, "2.5", resp.Diffs[0].Right)
	c2.recv()
}

func TestServer_DuplicateParticipantRejected(t *testing.T) {
	srv, coord := startServer(t, Config{})

	c1 := dial(t, srv)
	c1.send(`{"program_id":"program1"}`)

	// The duplicate identity acquires an error response and the run dies.
	c2 := dial(t, srv)
	c2.send(`{"program_id":"program1"}`)

	resp := c2.recv()
	assert.Equal(t, proto.StatusError, resp.Status)
	assert.Contains(t, resp.Message, "already connected")

	require.Eventually(t, func() bool { return coord.Failure() != nil }, time.Second, 10*time.Millisecond)
	assert.True(t, IsDuplicateParticipant(coord.Failure()))
}

func TestServer_MalformedPayload(t *testing.T) {
	srv, coord := startServer(t, Config{})

	c1 := dial(t, srv)
	c1.send(`{"program_id":"program1"}`)
	c1.send(`{"barrier_id": nope}`)

	resp := c1.recv()
	assert.Equal(t, proto.StatusError, resp.Status)

	require.Eventually(t, func() bool { return coord.Failure() != nil }, time.Second, 10*time.Millisecond)
	assert.True(t, IsMalformedMessage(coord.Failure()))
}

func TestServer_MissingBarrierID(t *testing.T) {
	srv, coord := startServer(t, Config{})

	c1 := dial(t, srv)
	c1.send(`{"program_id":"program1"}`)
	c1.send(`{"variables":{"x":1}}`)

	resp := c1.recv()
	assert.Equal(t, proto.StatusError, resp.Status)
	assert.Contains(t, resp.Message, "barrier_id")

	require.Eventually(t, func() bool { return coord.Failure() != nil }, time.Second, 10*time.Millisecond)
}

func TestServer_DisconnectDuringRound(t *testing.T) {
	srv, _ := startServer(t, Config{Timeout: 5 * time.Second})

	c1 := dial(t, srv)
	c2 := dial(t, srv)
	c1.send(`{"program_id":"program1"}`)
	c2.send(`{"program_id":"program2"}`)

	c1.send(`{"barrier_id":"init","variables":{}}`)
	time.Sleep(20 * time.Millisecond)
	c2.conn.Close()

	resp := c1.recv()
	assert.Equal(t, proto.StatusError, resp.Status)
	assert.Contains(t, resp.Message, "disconnected")
}

func TestServer_CloseUnblocksSessions(t *testing.T) {
	srv, _ := startServer(t, Config{Timeout: 5 * time.Second})

	c1 := dial(t, srv)
	c1.send(`{"program_id":"program1"}`)
	c1.send(`{"barrier_id":"init","variables":{}}`)
	time.Sleep(20 * time.Millisecond)

	done := make(chan error, 1)
	go func() { done <- srv.Close() }()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("close did not return while a session was blocked")
	}
}

func TestServer_SocketRemovedOnClose(t *testing.T) {
	coord := NewCoordinator(Config{})
	path := filepath.Join(t.TempDir(), "codetango.sock")
	srv := NewServer(path, coord)
	require.NoError(t, srv.Listen())
	go func() { _ = srv.Serve(context.Background()) }()

	_, err := net.Dial("unix", path)
	require.NoError(t, err)

	require.NoError(t, srv.Close())
	_, err = net.Dial("unix", path)
	assert.Error(t, err, "socket file is gone after shutdown")
}
