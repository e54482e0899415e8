package transport

import (
	"context"
	"fmt"
	"io"
	"net"
	"sync"
)

// TCP is a Connection where the client listens on a loopback port and the
// spawned engine dials it.
type TCP struct {
	ln net.Listener

	mu   sync.Mutex
	conn net.Conn
}

// NewTCP listens on 127.0.0.1 with a free port.
func NewTCP() (*TCP, error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, fmt.Errorf("transport: listen: %w", err)
	}
	return &TCP{ln: ln}, nil
}

// Addr is the address the engine is told to dial.
func (t *TCP) Addr() string { return t.ln.Addr().String() }

func (t *TCP) CommandLineArgs() []string { return []string{"--tcp", t.Addr()} }

// Open accepts the engine's connection.
func (t *TCP) Open(ctx context.Context) (io.ReadCloser, io.WriteCloser, error) {
	conn, err := accept(ctx, t.ln)
	if err != nil {
		return nil, nil, err
	}
	t.mu.Lock()
	t.conn = conn
	t.mu.Unlock()
	return conn, conn, nil
}

func (t *TCP) Close() error {
	t.mu.Lock()
	if t.conn != nil {
		t.conn.Close()
		t.conn = nil
	}
	t.mu.Unlock()
	return t.ln.Close()
}

func accept(ctx context.Context, ln net.Listener) (net.Conn, error) {
	type result struct {
		c   net.Conn
		err error
	}
	done := make(chan result, 1)
	go func() {
		c, err := ln.Accept()
		done <- result{c, err}
	}()
	select {
	case res := <-done:
		if res.err != nil {
			return nil, fmt.Errorf("transport: accept: %w", res.err)
		}
		return res.c, nil
	case <-ctx.Done():
		go func() {
			if res := <-done; res.c != nil {
				res.c.Close()
			}
		}()
		return nil, ctx.Err()
	}
}

// Server is a Connection to an engine started separately with --server.
// Nothing is spawned; Open dials.
type Server struct {
	addr string

	mu   sync.Mutex
	conn net.Conn
}

func NewServer(addr string) *Server { return &Server{addr: addr} }

func (s *Server) CommandLineArgs() []string { return nil }

func (s *Server) Open(ctx context.Context) (io.ReadCloser, io.WriteCloser, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", s.addr)
	if err != nil {
		return nil, nil, fmt.Errorf("transport: dial %s: %w", s.addr, err)
	}
	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()
	return conn, conn, nil
}

func (s *Server) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return nil
	}
	err := s.conn.Close()
	s.conn = nil
	return err
}
