package driver

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"strings"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/jward/codeintel/internal/protocol"
)

// LogSink forwards log records to the client as report-message
// notifications. It is created before the driver it feeds, so that the
// engine's logger can be built around it.
type LogSink struct {
	d atomic.Pointer[Driver]
}

// Attach starts forwarding to d.
func (s *LogSink) Attach(d *Driver) { s.d.Store(d) }

// Detach stops forwarding.
func (s *LogSink) Detach() { s.d.Store(nil) }

// Forward is a logging.ForwardFunc.
func (s *LogSink) Forward(component string, level slog.Level, msg string) {
	d := s.d.Load()
	if d == nil || !d.reportLimiter.Allow() {
		return
	}
	d.notify(logMessage(component, level, msg))
}

func logMessage(component string, level slog.Level, msg string) protocol.Message {
	if component == "" {
		component = "codeintel"
	}
	return protocol.Message{
		protocol.KeyCommand: protocol.NotifyReportMessage,
		"type":              "logging",
		"name":              component,
		"level":             int(level),
		protocol.KeyMessage: msg,
	}
}

// guardHeap reports a MemoryError whenever the heap in use is over the
// limit. The client answers by restarting the engine.
func (d *Driver) guardHeap(ctx context.Context) {
	t := time.NewTicker(d.heapInterval)
	defer t.Stop()
	var ms runtime.MemStats
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
		runtime.ReadMemStats(&ms)
		if ms.HeapInuse <= d.memLimit {
			continue
		}
		d.logger.Error("heap over limit", "inuse", humanize.IBytes(ms.HeapInuse), "limit", humanize.IBytes(d.memLimit))
		if d.reportLimiter.Allow() {
			d.notify(logMessage("driver", slog.LevelError, memoryError(ms.HeapInuse, d.memLimit)))
		}
	}
}

func memoryError(inuse, limit uint64) string {
	var b strings.Builder
	b.WriteString("Traceback (most recent call last):\n")
	fmt.Fprintf(&b, "  heap in use %s exceeds limit %s\n", humanize.IBytes(inuse), humanize.IBytes(limit))
	b.WriteString("MemoryError")
	return b.String()
}
