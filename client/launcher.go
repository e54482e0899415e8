package client

import (
	"context"
	"fmt"
	"io"
	"os/exec"
)

// Process is a running engine.
type Process interface {
	// Wait blocks until the engine exits.
	Wait() error
	Kill() error
}

// Launcher starts an engine with the given arguments.
type Launcher interface {
	Launch(ctx context.Context, args []string) (Process, error)
}

// ExecLauncher runs the engine as a child process.
type ExecLauncher struct {
	// Command is the engine executable.
	Command string
	// Stderr receives the child's stderr; nil discards it.
	Stderr io.Writer
}

func (l ExecLauncher) Launch(ctx context.Context, args []string) (Process, error) {
	cmd := exec.CommandContext(ctx, l.Command, args...)
	cmd.Stderr = l.Stderr
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("client: start %s: %w", l.Command, err)
	}
	return &execProcess{cmd: cmd}, nil
}

type execProcess struct {
	cmd *exec.Cmd
}

func (p *execProcess) Wait() error { return p.cmd.Wait() }

func (p *execProcess) Kill() error { return p.cmd.Process.Kill() }

// engineArgs builds the engine command line for one session.
func engineArgs(cfg Config, connArgs []string) []string {
	var args []string
	if cfg.LogFile != "" {
		args = append(args, "--log-file", cfg.LogFile)
	}
	for _, l := range cfg.LogLevels {
		args = append(args, "--log-level", l)
	}
	args = append(args, "oop")
	if cfg.DatabaseDir != "" {
		args = append(args, "--database-dir", cfg.DatabaseDir)
	}
	return append(args, connArgs...)
}
