package client

import (
	"sync"
	"time"

	"github.com/spf13/cast"

	"github.com/jward/codeintel/internal/protocol"
)

// Handler receives the results of buffer requests. Done is called last,
// once per request, even when the request failed or was dropped.
type Handler interface {
	SetStatusMessage(b *Buffer, msg string, highlight bool)
	OnDocumentScanned(b *Buffer)
	OnTrgFromPos(b *Buffer, trg protocol.Message)
	SetAutoCompleteInfo(b *Buffer, cplns []Completion, trg protocol.Message)
	SetCallTipInfo(b *Buffer, calltip string, calltips []string, trg protocol.Message)
	SetDefinitionsInfo(b *Buffer, defns []Definition, trg protocol.Message)
	OnCalltipArgRange(b *Buffer, start, end int)
	Done()
}

// NopHandler ignores every result. Embed it to handle a few.
type NopHandler struct{}

func (NopHandler) SetStatusMessage(*Buffer, string, bool) {}
func (NopHandler) OnDocumentScanned(*Buffer) {}
func (NopHandler) OnTrgFromPos(*Buffer, protocol.Message) {}
func (NopHandler) SetAutoCompleteInfo(*Buffer, []Completion, protocol.Message) {}
func (NopHandler) SetCallTipInfo(*Buffer, string, []string, protocol.Message) {}
func (NopHandler) SetDefinitionsInfo(*Buffer, []Definition, protocol.Message) {}
func (NopHandler) OnCalltipArgRange(*Buffer, int, int) {}
func (NopHandler) Done() {}

// Completion is one completion candidate.
type Completion struct {
	Kind string
	Name string
}

// Definition is where a symbol is defined.
type Definition struct {
	Path      string
	Lang      string
	Name      string
	Kind      string
	Line      int
	LineEnd   int
	Signature string
	Doc       string
	Citdl     string
}

// Buffer is the client's view of one open document. Requests carry its
// text and environment so the engine sees what the editor shows.
type Buffer struct {
	svc  *Service
	View string
	Lang string

	mu       sync.Mutex
	path     string
	text     *string
	encoding string
	env      map[string]string
	prefs    []map[string]any
}

func (b *Buffer) Path() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.path
}

func (b *Buffer) setPath(path string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.path = path
}

// SetText sets the content sent with the next request.
func (b *Buffer) SetText(text string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.text = &text
}

// SetEncoding names the encoding of the document on disk.
func (b *Buffer) SetEncoding(enc string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.encoding = enc
}

// SetEnvironment sets the buffer's own environment and preference layers.
func (b *Buffer) SetEnvironment(env map[string]string, prefs []map[string]any) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.env, b.prefs = env, prefs
}

func (b *Buffer) request(command string) protocol.Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	req := protocol.Message{
		protocol.KeyCommand: command,
		"path":              b.path,
		"language":          b.Lang,
	}
	if b.text != nil {
		req["text"] = *b.text
	}
	if b.encoding != "" {
		req["encoding"] = b.encoding
	}
	if b.env != nil || b.prefs != nil {
		env := map[string]any{}
		if b.env != nil {
			env["env"] = b.env
		}
		if b.prefs != nil {
			env["prefs"] = b.prefs
		}
		req["env"] = env
	}
	return req
}

// send issues req and routes the final response to fn. Failures become a
// status message; Done always runs last.
func (b *Buffer) send(h Handler, req protocol.Message, discardable bool, fn func(resp protocol.Message)) error {
	return b.svc.Send(func(_, resp protocol.Message) {
		if len(resp) != 0 && !resp.IsFinal() {
			if msg := resp.String(protocol.KeyMessage); msg != "" {
				h.SetStatusMessage(b, msg, false)
			}
			return
		}
		defer h.Done()
		switch {
		case len(resp) == 0:
		case !resp.Success():
			h.SetStatusMessage(b, resp.String(protocol.KeyMessage), true)
		default:
			fn(resp)
		}
	}, req, discardable)
}

// ScanPriority is the scan priority for an edit: immediate when lines were
// added, so new definitions show up quickly.
func ScanPriority(linesAdded bool) Priority {
	if linesAdded {
		return PriorityImmediate
	}
	return PriorityCurrent
}

// ScanDocument asks the engine to rescan the buffer. A zero mtime is not
// sent.
func (b *Buffer) ScanDocument(h Handler, prio Priority, mtime time.Time) error {
	req := b.request(protocol.CmdScanDocument)
	req["priority"] = int(prio)
	if !mtime.IsZero() {
		req["mtime"] = float64(mtime.UnixNano()) / 1e9
	}
	return b.send(h, req, false, func(protocol.Message) {
		h.OnDocumentScanned(b)
	})
}

// BytePos converts a character offset in text to the byte offset the engine
// works in. Offsets past the end clamp to len(text).
func BytePos(text string, charPos int) int {
	if charPos <= 0 {
		return 0
	}
	n := 0
	for i := range text {
		if n == charPos {
			return i
		}
		n++
	}
	return len(text)
}

// bytePos converts a character offset into the buffer's text. Without text
// the offset is passed through.
func (b *Buffer) bytePos(charPos int) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.text == nil {
		return charPos
	}
	return BytePos(*b.text, charPos)
}

// TrgFromPos asks for the trigger at pos. Editor positions here and in the
// other trigger and calltip methods are character offsets into the text
// set with SetText.
func (b *Buffer) TrgFromPos(h Handler, pos int, implicit bool) error {
	req := b.request(protocol.CmdTrgFromPos)
	req["pos"] = b.bytePos(pos)
	req["implicit"] = implicit
	return b.sendTrg(h, req)
}

// PrecedingTrgFromPos looks back from currPos for an explicit trigger at
// or before pos.
func (b *Buffer) PrecedingTrgFromPos(h Handler, pos, currPos int) error {
	req := b.request(protocol.CmdTrgFromPos)
	req["pos"] = b.bytePos(pos)
	req["curr-pos"] = b.bytePos(currPos)
	return b.sendTrg(h, req)
}

// DefnTrgFromPos asks for the go-to-definition trigger at pos.
func (b *Buffer) DefnTrgFromPos(h Handler, pos int) error {
	req := b.request(protocol.CmdTrgFromPos)
	req["pos"] = b.bytePos(pos)
	req["type"] = "defn"
	return b.sendTrg(h, req)
}

func (b *Buffer) sendTrg(h Handler, req protocol.Message) error {
	return b.send(h, req, true, func(resp protocol.Message) {
		h.OnTrgFromPos(b, resp.Map("trg"))
	})
}

// AsyncEvalAtTrg evaluates trg and hands the result to the handler method
// matching the kind of result.
func (b *Buffer) AsyncEvalAtTrg(h Handler, trg protocol.Message) error {
	req := b.request(protocol.CmdEval)
	req["trg"] = trg
	return b.send(h, req, true, func(resp protocol.Message) {
		if msg := resp.String(protocol.KeyMessage); msg != "" {
			h.SetStatusMessage(b, msg, false)
		}
		rtrg := resp.Map("trg")
		if rtrg == nil {
			rtrg = trg
		}
		switch {
		case resp.Has("cplns"):
			h.SetAutoCompleteInfo(b, completions(resp), rtrg)
		case resp.Has("calltips"):
			h.SetCallTipInfo(b, resp.String("calltip"), resp.Strings("calltips"), rtrg)
		case resp.Has("defns"):
			h.SetDefinitionsInfo(b, definitions(resp), rtrg)
		}
	})
}

// CalltipArgRange asks which part of calltip is the argument at currPos.
func (b *Buffer) CalltipArgRange(h Handler, trgPos int, calltip string, currPos int) error {
	req := b.request(protocol.CmdCalltipArgRange)
	req["trg_pos"] = b.bytePos(trgPos)
	req["calltip"] = calltip
	req["curr_pos"] = b.bytePos(currPos)
	return b.send(h, req, true, func(resp protocol.Message) {
		start, _ := resp.Int("start")
		end, _ := resp.Int("end")
		h.OnCalltipArgRange(b, start, end)
	})
}

func completions(resp protocol.Message) []Completion {
	var out []Completion
	for _, v := range resp.List("cplns") {
		pair := cast.ToSlice(v)
		if len(pair) != 2 {
			continue
		}
		out = append(out, Completion{Kind: cast.ToString(pair[0]), Name: cast.ToString(pair[1])})
	}
	return out
}

func definitions(resp protocol.Message) []Definition {
	var out []Definition
	for _, v := range resp.List("defns") {
		d := cast.ToStringMap(v)
		out = append(out, Definition{
			Path:      cast.ToString(d["path"]),
			Lang:      cast.ToString(d["lang"]),
			Name:      cast.ToString(d["name"]),
			Kind:      cast.ToString(d["ilk"]),
			Line:      cast.ToInt(d["line"]),
			LineEnd:   cast.ToInt(d["lineend"]),
			Signature: cast.ToString(d["signature"]),
			Doc:       cast.ToString(d["doc"]),
			Citdl:     cast.ToString(d["citdl"]),
		})
	}
	return out
}
