//go:build !unix

package transport

import (
	"context"
	"io"
)

// Pipe needs POSIX named pipes.
type Pipe struct{}

func NewPipe(string) (*Pipe, error) { return nil, ErrUnsupported }

func (p *Pipe) Dir() string               { return "" }
func (p *Pipe) CommandLineArgs() []string { return nil }
func (p *Pipe) Close() error              { return nil }

func (p *Pipe) Open(context.Context) (io.ReadCloser, io.WriteCloser, error) {
	return nil, nil, ErrUnsupported
}

func openEnginePipe(context.Context, string) (io.ReadCloser, io.WriteCloser, error) {
	return nil, nil, ErrUnsupported
}
