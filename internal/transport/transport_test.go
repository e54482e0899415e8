package transport

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jward/codeintel/internal/protocol"
)

// exchange sends the handshake from the engine end and a request from the
// client end, checking both arrive.
func exchange(t *testing.T, engine io.ReadWriter, r io.Reader, w io.Writer) {
	t.Helper()
	errs := make(chan error, 1)
	go func() { errs <- protocol.WriteFrame(engine, protocol.Message{}) }()

	got, err := protocol.NewReader(r).Read()
	require.NoError(t, err)
	assert.Empty(t, got)
	require.NoError(t, <-errs)

	go func() { errs <- protocol.WriteFrame(w, protocol.Message{"req_id": "1", "command": "quit"}) }()
	req, err := protocol.NewReader(engine).Read()
	require.NoError(t, err)
	assert.Equal(t, "quit", req.Command())
	require.NoError(t, <-errs)
}

func TestTCP_EngineDialsClient(t *testing.T) {
	conn, err := NewTCP()
	require.NoError(t, err)
	defer conn.Close()

	args := conn.CommandLineArgs()
	require.Len(t, args, 2)
	assert.Equal(t, "--tcp", args[0])

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	engines := make(chan io.ReadWriteCloser, 1)
	go func() {
		e, err := OpenEngine(ctx, Endpoint{TCP: args[1]})
		assert.NoError(t, err)
		engines <- e
	}()

	r, w, err := conn.Open(ctx)
	require.NoError(t, err)
	engine := <-engines
	require.NotNil(t, engine)
	defer engine.Close()

	exchange(t, engine, r, w)
}

func TestTCP_OpenHonoursContext(t *testing.T) {
	conn, err := NewTCP()
	require.NoError(t, err)
	defer conn.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, _, err = conn.Open(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestServer_ClientDialsEngine(t *testing.T) {
	ln, err := Listen("127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	conn := NewServer(ln.Addr().String())
	defer conn.Close()
	assert.Nil(t, conn.CommandLineArgs())

	accepted := make(chan io.ReadWriteCloser, 1)
	go func() {
		c, err := ln.Accept()
		assert.NoError(t, err)
		accepted <- c
	}()

	r, w, err := conn.Open(context.Background())
	require.NoError(t, err)
	engine := <-accepted
	defer engine.Close()

	exchange(t, engine, r, w)
}

func TestEndpoint_Validate(t *testing.T) {
	t.Parallel()
	assert.Error(t, Endpoint{}.Validate())
	assert.Error(t, Endpoint{Pipe: "/tmp/x", TCP: "127.0.0.1:1"}.Validate())
	assert.NoError(t, Endpoint{Server: "127.0.0.1:1"}.Validate())
	assert.Equal(t, "tcp 127.0.0.1:1", Endpoint{TCP: "127.0.0.1:1"}.String())

	_, err := OpenEngine(context.Background(), Endpoint{Server: "127.0.0.1:1"})
	assert.Error(t, err)
}

func TestSplitHostPort(t *testing.T) {
	t.Parallel()
	host, port, err := SplitHostPort("localhost:9000")
	require.NoError(t, err)
	assert.Equal(t, "localhost", host)
	assert.Equal(t, "9000", port)

	_, _, err = SplitHostPort("localhost")
	assert.Error(t, err)
}
