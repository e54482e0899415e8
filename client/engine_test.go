package client

import (
	"context"
	"errors"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/jward/codeintel"
	"github.com/jward/codeintel/internal/driver"
	"github.com/jward/codeintel/internal/logging"
	"github.com/jward/codeintel/internal/transport"
)

// engineLauncher runs engines in process. Each launch dials the client's
// TCP listener and serves a driver over the connection.
type engineLauncher struct {
	t     *testing.T
	dir   string
	setup func(*driver.Driver)

	mu       sync.Mutex
	procs    []*engineProc
	launches int
}

func newEngineLauncher(t *testing.T, dir string, setup func(*driver.Driver)) *engineLauncher {
	return &engineLauncher{t: t, dir: dir, setup: setup}
}

func (l *engineLauncher) Launch(_ context.Context, args []string) (Process, error) {
	i := slices.Index(args, "--tcp")
	if i < 0 || i+1 >= len(args) {
		return nil, errors.New("no --tcp argument")
	}
	addr := args[i+1]

	ctx, cancel := context.WithCancel(context.Background())
	p := &engineProc{cancel: cancel, done: make(chan struct{})}
	go func() {
		defer close(p.done)
		conn, err := transport.OpenEngine(ctx, transport.Endpoint{TCP: addr})
		if err != nil {
			p.err = err
			return
		}
		defer conn.Close()
		e, err := codeintel.New(l.dir, codeintel.WithLogger(logging.NewDiscardLogger()))
		if err != nil {
			p.err = err
			return
		}
		if err := e.Start(ctx); err != nil {
			p.err = err
			return
		}
		defer e.Close()
		d := driver.New(e, conn, conn)
		if l.setup != nil {
			l.setup(d)
		}
		p.err = d.Serve(ctx)
	}()

	l.mu.Lock()
	l.procs = append(l.procs, p)
	l.launches++
	l.mu.Unlock()
	return p, nil
}

// crash kills the newest engine.
func (l *engineLauncher) crash() {
	l.mu.Lock()
	p := l.procs[len(l.procs)-1]
	l.mu.Unlock()
	p.Kill()
}

func (l *engineLauncher) count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.launches
}

type engineProc struct {
	cancel context.CancelFunc
	done   chan struct{}
	err    error
}

func (p *engineProc) Wait() error {
	<-p.done
	return p.err
}

func (p *engineProc) Kill() error {
	p.cancel()
	return nil
}

// runManager starts m and shuts it down when the test ends. Notifications
// are forwarded to the returned channel.
func runManager(t *testing.T, cfg Config, l Launcher, opts ...Option) (*Manager, <-chan Notification) {
	t.Helper()
	notes := make(chan Notification, 256)
	out := make(chan Notification, 1024)
	go func() {
		defer close(out)
		for n := range notes {
			out <- n
		}
	}()
	cfg.Mode = ModeTCP
	opts = append([]Option{
		WithLauncher(l),
		WithNotifications(notes),
		WithRetryInterval(10 * time.Millisecond),
	}, opts...)
	m := NewManager(cfg, opts...)
	runErr := make(chan error, 1)
	go func() { runErr <- m.Run(context.Background()) }()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
		defer cancel()
		require.NoError(t, m.Shutdown(ctx))
		require.NoError(t, <-runErr)
	})
	return m, out
}

func waitState(t *testing.T, m *Manager, want ...State) State {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 90*time.Second)
	defer cancel()
	st, err := m.WaitState(ctx, want...)
	require.NoError(t, err, "state is %s", st)
	return st
}
