//go:build unix

package transport

import (
	"context"
	"io"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPipe_RoundTrip(t *testing.T) {
	conn, err := NewPipe(t.TempDir())
	require.NoError(t, err)

	args := conn.CommandLineArgs()
	assert.Equal(t, []string{"--pipe", conn.Dir()}, args)
	assert.True(t, strings.HasSuffix(conn.Dir(), "-oop-pipes"))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	engines := make(chan io.ReadWriteCloser, 1)
	go func() {
		e, err := OpenEngine(ctx, Endpoint{Pipe: args[1]})
		assert.NoError(t, err)
		engines <- e
	}()

	r, w, err := conn.Open(ctx)
	require.NoError(t, err)
	engine := <-engines
	require.NotNil(t, engine)
	defer engine.Close()

	exchange(t, engine, r, w)

	require.NoError(t, conn.Close())
	_, err = os.Stat(conn.Dir())
	assert.True(t, os.IsNotExist(err))
}

func TestPipe_OpenHonoursContext(t *testing.T) {
	conn, err := NewPipe(t.TempDir())
	require.NoError(t, err)
	defer conn.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, _, err = conn.Open(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
