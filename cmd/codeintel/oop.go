package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/jward/codeintel"
	"github.com/jward/codeintel/internal/config"
	"github.com/jward/codeintel/internal/driver"
	"github.com/jward/codeintel/internal/logging"
	"github.com/jward/codeintel/internal/transport"
)

var (
	flagDatabaseDir string
	flagPipe        string
	flagTCP         string
	flagServer      string
)

var oopCmd = &cobra.Command{
	Use:   "oop",
	Short: "Run the engine as an out-of-process server for an editor",
	Long:  "Connects to the editor over a named pipe or TCP, or listens for editors with --server, and serves protocol requests until told to quit.",
	Args:  cobra.NoArgs,
	RunE:  runOOP,
}

func init() {
	oopCmd.Flags().StringVar(&flagDatabaseDir, "database-dir", "", "database directory")
	oopCmd.Flags().StringVar(&flagPipe, "pipe", "", "connect through the named pipes in this directory")
	oopCmd.Flags().StringVar(&flagTCP, "tcp", "", "connect to the editor at host:port")
	oopCmd.Flags().StringVar(&flagServer, "server", "", "listen for editors at host:port")
	_ = oopCmd.MarkFlagRequired("database-dir")
}

func runOOP(cmd *cobra.Command, _ []string) error {
	ep := transport.Endpoint{Pipe: flagPipe, TCP: flagTCP, Server: flagServer}
	if err := ep.Validate(); err != nil {
		return err
	}
	for _, addr := range []string{ep.TCP, ep.Server} {
		if addr == "" {
			continue
		}
		if _, _, err := transport.SplitHostPort(addr); err != nil {
			return err
		}
	}

	dir, err := filepath.Abs(flagDatabaseDir)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating database dir: %w", err)
	}
	cfg, err := config.LoadConfig(dir)
	if err != nil {
		return err
	}

	sink := &driver.LogSink{}
	logger, closer, err := setupLogger(dir, cfg, sink)
	if err != nil {
		return err
	}
	defer closer.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	engine, err := codeintel.New(dir,
		codeintel.WithLogger(logger),
		codeintel.WithStageDelay(cfg.StageDelay),
		codeintel.WithCullInterval(cfg.CullInterval),
		codeintel.WithSaveInterval(cfg.SaveInterval),
		codeintel.WithEvalTimeout(cfg.EvalTimeout),
		codeintel.WithCacheSize(cfg.CacheSize),
	)
	if err != nil {
		return err
	}
	defer engine.Close()
	if err := engine.Start(ctx); err != nil {
		return err
	}
	logger.Info("engine started", "dir", dir, "endpoint", ep.String())

	if ep.Server != "" {
		ln, err := transport.Listen(ep.Server)
		if err != nil {
			return err
		}
		return serveListener(ctx, ln, engine, cfg, sink, logger)
	}
	conn, err := transport.OpenEngine(ctx, ep)
	if err != nil {
		return err
	}
	defer conn.Close()
	return serveConn(ctx, conn, engine, cfg, sink)
}

// serveConn runs one client session on conn.
func serveConn(ctx context.Context, conn io.ReadWriter, engine *codeintel.Engine, cfg *config.Config, sink *driver.LogSink) error {
	d := driver.New(engine, conn, conn, driver.WithMemoryLimit(cfg.MemoryLimit))
	if cfg.ExtensionsDir != "" {
		if _, err := d.LoadExtensions(cfg.ExtensionsDir); err != nil {
			engine.Logger().Warn("loading extensions failed", "path", cfg.ExtensionsDir, "err", err)
		}
	}
	sink.Attach(d)
	defer sink.Detach()
	return d.Serve(ctx)
}

// serveListener serves clients of ln one at a time until ctx is done.
func serveListener(ctx context.Context, ln net.Listener, engine *codeintel.Engine, cfg *config.Config, sink *driver.LogSink, logger *slog.Logger) error {
	defer ln.Close()
	stop := context.AfterFunc(ctx, func() { ln.Close() })
	defer stop()
	logger.Info("listening", "addr", ln.Addr().String())

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("accept: %w", err)
		}
		logger.Info("client connected", "remote", conn.RemoteAddr().String())
		err = serveConn(ctx, conn, engine, cfg, sink)
		conn.Close()
		if err != nil {
			logger.Warn("client session ended", "err", err)
		}
		if ctx.Err() != nil {
			return nil
		}
	}
}

// setupLogger builds the engine's logger. Records at error level and above
// are also forwarded to the connected client through sink.
func setupLogger(dir string, cfg *config.Config, sink *driver.LogSink) (*slog.Logger, io.Closer, error) {
	specs := flagLogLevels
	if len(specs) == 0 {
		specs = cfg.LogLevels
	}
	levels, err := logging.ParseLevels(specs)
	if err != nil {
		return nil, nil, err
	}

	path := flagLogFile
	if path == "" {
		path = cfg.LogFile
	}
	if path == "" && !isTerminal(os.Stderr) {
		path = filepath.Join(dir, "codeintel.log")
	}

	var base *slog.Logger
	var closer io.Closer = nopCloser{}
	if path != "" {
		base, closer, err = logging.NewFileLogger(path, levels)
		if err != nil {
			return nil, nil, err
		}
	} else {
		base = logging.NewLogger(os.Stderr, levels)
	}
	if sink == nil {
		return base, closer, nil
	}
	return slog.New(logging.NewForwarder(base.Handler(), slog.LevelError, sink.Forward)), closer, nil
}

func isTerminal(f *os.File) bool {
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
