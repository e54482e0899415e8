// Package transport connects the editor-side client to the engine process.
// The client picks a Connection; the engine is started with the flags the
// Connection reports and opens the matching endpoint with OpenEngine.
package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
)

// ErrUnsupported is returned by transports the platform cannot provide.
var ErrUnsupported = errors.New("transport: unsupported on this platform")

// Connection is the client's end of one engine session.
type Connection interface {
	// CommandLineArgs are appended to the engine's command line. Nil means
	// no process should be spawned.
	CommandLineArgs() []string
	// Open blocks until the engine has connected.
	Open(ctx context.Context) (io.ReadCloser, io.WriteCloser, error)
	Close() error
}

// Endpoint is the engine's end, as selected by its command-line flags.
type Endpoint struct {
	Pipe   string
	TCP    string
	Server string
}

func (e Endpoint) count() int {
	n := 0
	for _, s := range []string{e.Pipe, e.TCP, e.Server} {
		if s != "" {
			n++
		}
	}
	return n
}

// Validate requires exactly one transport.
func (e Endpoint) Validate() error {
	if e.count() != 1 {
		return errors.New("transport: exactly one of --pipe, --tcp or --server is required")
	}
	return nil
}

func (e Endpoint) String() string {
	switch {
	case e.Pipe != "":
		return "pipe " + e.Pipe
	case e.TCP != "":
		return "tcp " + e.TCP
	case e.Server != "":
		return "server " + e.Server
	}
	return "none"
}

// stream joins a read half and a write half. Closing it closes both.
type stream struct {
	io.ReadCloser
	w io.WriteCloser
}

func (s *stream) Write(p []byte) (int, error) { return s.w.Write(p) }

func (s *stream) Close() error {
	return errors.Join(s.ReadCloser.Close(), s.w.Close())
}

// OpenEngine opens the engine side of a pipe or tcp endpoint. Server
// endpoints accept many clients; use Listen for those.
func OpenEngine(ctx context.Context, e Endpoint) (io.ReadWriteCloser, error) {
	if err := e.Validate(); err != nil {
		return nil, err
	}
	switch {
	case e.Pipe != "":
		r, w, err := openEnginePipe(ctx, e.Pipe)
		if err != nil {
			return nil, err
		}
		return &stream{ReadCloser: r, w: w}, nil
	case e.TCP != "":
		var d net.Dialer
		conn, err := d.DialContext(ctx, "tcp", e.TCP)
		if err != nil {
			return nil, fmt.Errorf("transport: dial %s: %w", e.TCP, err)
		}
		return conn, nil
	}
	return nil, fmt.Errorf("transport: %s must be served with Listen", e)
}

// Listen starts the listener for a server endpoint.
func Listen(addr string) (net.Listener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("transport: listen %s: %w", addr, err)
	}
	return ln, nil
}

// SplitHostPort validates a host:port flag value.
func SplitHostPort(addr string) (string, string, error) {
	host, port, err := net.SplitHostPort(addr)
	if err != nil || port == "" || strings.ContainsAny(host, " /") {
		return "", "", fmt.Errorf("transport: bad address %q", addr)
	}
	return host, port, nil
}
