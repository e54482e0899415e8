// Package codeintel is a code intelligence engine: completions, calltips
// and go-to-definition for Python and JavaScript, answered from a
// persistent symbol database.
//
// # Engine
//
// An [Engine] owns the on-disk database, the indexer goroutine that scans
// files into it, the evaluator that answers triggers, and the buffers the
// editor has open:
//
//	e, err := codeintel.New("/path/to/db", codeintel.WithLogger(logger))
//	if err != nil { ... }
//	defer e.Close()
//	e.Start(ctx)
//
//	if state, _ := e.DatabaseInfo(); state != database.StateReady {
//		err = e.Preload(ctx, nil, nil)
//	}
//
//	buf, err := e.Buffer(protocol.BufferRef{Path: "/src/app.py", Language: "Python", Text: &text})
//	trg, err := buf.TrgFromPos(pos, true)
//	cplns, err := buf.CplnsFromTrg(ctx, trg)
//
// # Out of process
//
// Editors run the engine as a child process (cmd/codeintel) and talk to it
// over a pipe or a socket with length-prefixed JSON frames. The
// internal/driver package serves an Engine over such a stream; the client
// package is the editor side: it spawns the engine, brings its database to
// the ready state, and debounces editor events into requests.
//
// # Database
//
// The database directory holds a VERSION marker, the preloaded standard
// libraries and catalogs, one zone per scanned directory, and a SQLite
// index of top-level names. See internal/database for the layout.
//
// # Extensions
//
// The load-extension command loads Risor scripts; each script becomes a
// command named after its file. Scripts see tree-sitter parsing helpers
// and the name index. See internal/runtime.
package codeintel
