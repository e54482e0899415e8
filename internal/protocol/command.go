package protocol

import (
	"fmt"
)

// Command names understood by the engine.
const (
	CmdGetLanguages         = "get-languages"
	CmdGetLanguageInfo      = "get-language-info"
	CmdGetAvailableCatalogs = "get-available-catalogs"
	CmdSetEnvironment       = "set-environment"
	CmdDatabaseInfo         = "database-info"
	CmdDatabasePreload      = "database-preload"
	CmdDatabaseUpgrade      = "database-upgrade"
	CmdDatabaseReset        = "database-reset"
	CmdScanDocument         = "scan-document"
	CmdTrgFromPos           = "trg-from-pos"
	CmdEval                 = "eval"
	CmdCalltipArgRange      = "calltip-arg-range"
	CmdMemoryReport         = "memory-report"
	CmdAddDirs              = "add-dirs"
	CmdLoadExtension        = "load-extension"
	CmdAbort                = "abort"
	CmdQuit                 = "quit"
)

// Notification kinds sent by the engine without a req_id.
const (
	NotifyScanComplete       = "scan-complete"
	NotifyReportMessage      = "report-message"
	NotifyReportError        = "report-error"
	NotifyGlobalPrefsObserve = "global-prefs-observe"
)

// Language list types for get-languages.
const (
	LangTypeCompletion = "cpln"
	LangTypeCitadel    = "citadel"
	LangTypeXML        = "xml"
	LangTypeMultilang  = "multilang"
	LangTypeStdlib     = "stdlib-supported"
)

// IsBuiltin reports whether name is a built-in command. Built-ins cannot be
// replaced by extensions.
func IsBuiltin(name string) bool {
	_, ok := builtins[name]
	return ok
}

var builtins = map[string]struct{}{
	CmdGetLanguages: {}, CmdGetLanguageInfo: {}, CmdGetAvailableCatalogs: {},
	CmdSetEnvironment: {}, CmdDatabaseInfo: {}, CmdDatabasePreload: {},
	CmdDatabaseUpgrade: {}, CmdDatabaseReset: {}, CmdScanDocument: {},
	CmdTrgFromPos: {}, CmdEval: {}, CmdCalltipArgRange: {}, CmdMemoryReport: {},
	CmdAddDirs: {}, CmdLoadExtension: {}, CmdAbort: {}, CmdQuit: {},
}

// Request is the closed set of commands a client can send. Every built-in
// command has its own type; anything else parses as an Extension.
type Request interface {
	ID() string
	Name() string
	Raw() Message
	isRequest()
}

type header struct {
	reqID string
	name  string
	raw   Message
}

func (h header) ID() string   { return h.reqID }
func (h header) Name() string { return h.name }
func (h header) Raw() Message { return h.raw }
func (header) isRequest()     {}

// BufferRef is the buffer-locating part of a request.
type BufferRef struct {
	Path     string
	Language string
	Encoding string
	// Text is nil when the request carries no content; the buffer is then
	// read from disk.
	Text *string
	// Env is the raw {env, prefs} object, nil when absent. HasEnv
	// distinguishes an explicit null.
	Env    Message
	HasEnv bool
}

type GetLanguages struct {
	header
	Type string
}

type GetLanguageInfo struct {
	header
	Language string
}

type GetAvailableCatalogs struct{ header }

type SetEnvironment struct {
	header
	Env      map[string]string
	Prefs    []map[string]any
	HasEnv   bool
	HasPrefs bool
}

type DatabaseInfo struct{ header }

type DatabasePreload struct {
	header
	// Languages restricts the stdlib stage; nil means all stdlib languages.
	Languages []string
}

type DatabaseUpgrade struct{ header }

type DatabaseReset struct{ header }

type ScanDocument struct {
	header
	Buffer      BufferRef
	Priority    int
	HasPriority bool
	Mtime       float64
	HasMtime    bool
}

type TrgFromPos struct {
	header
	Buffer     BufferRef
	Pos        int
	CurrPos    int
	HasCurrPos bool
	Type       string
	Implicit   bool
}

type Eval struct {
	header
	Buffer BufferRef
	Trg    Message
}

type CalltipArgRange struct {
	header
	Buffer  BufferRef
	TrgPos  int
	Calltip string
	CurrPos int
}

type MemoryReport struct{ header }

type AddDirs struct {
	header
	Dirs     []string
	Language string
}

type LoadExtension struct {
	header
	Path string
}

type Abort struct {
	header
	Target string
}

type Quit struct{ header }

// Extension is a command handled by a runtime-loaded extension.
type Extension struct {
	header
	Payload Message
}

// ParseError describes a request that could not be parsed into its
// command type. The request id, when known, is kept for the failure reply.
type ParseError struct {
	ReqID   string
	Command string
	Msg     string
}

func (e *ParseError) Error() string { return e.Msg }

// Parse converts a decoded message into its Request variant.
func Parse(m Message) (Request, error) {
	h := header{reqID: m.ReqID(), name: m.Command(), raw: m}
	fail := func(format string, args ...any) error {
		return &ParseError{ReqID: h.reqID, Command: h.name, Msg: fmt.Sprintf(format, args...)}
	}
	if h.name == "" {
		return nil, fail("No command given")
	}

	switch h.name {
	case CmdGetLanguages:
		return &GetLanguages{header: h, Type: m.String("type")}, nil
	case CmdGetLanguageInfo:
		lang := m.String("language")
		if lang == "" {
			return nil, fail("No language given")
		}
		return &GetLanguageInfo{header: h, Language: lang}, nil
	case CmdGetAvailableCatalogs:
		return &GetAvailableCatalogs{header: h}, nil
	case CmdSetEnvironment:
		req := &SetEnvironment{header: h}
		if m.Has("env") {
			req.HasEnv = true
			req.Env = stringMap(m.Map("env"))
		}
		if m.Has("prefs") {
			req.HasPrefs = true
			req.Prefs = prefLayers(m.List("prefs"))
		}
		return req, nil
	case CmdDatabaseInfo:
		return &DatabaseInfo{header: h}, nil
	case CmdDatabasePreload:
		req := &DatabasePreload{header: h}
		if m.Has("languages") {
			req.Languages = m.Strings("languages")
		}
		return req, nil
	case CmdDatabaseUpgrade:
		return &DatabaseUpgrade{header: h}, nil
	case CmdDatabaseReset:
		return &DatabaseReset{header: h}, nil
	case CmdScanDocument:
		buf, err := parseBufferRef(m)
		if err != nil {
			return nil, fail("%s", err)
		}
		req := &ScanDocument{header: h, Buffer: buf}
		req.Priority, req.HasPriority = m.Int("priority")
		req.Mtime, req.HasMtime = m.Float("mtime")
		return req, nil
	case CmdTrgFromPos:
		buf, err := parseBufferRef(m)
		if err != nil {
			return nil, fail("%s", err)
		}
		pos, ok := m.Int("pos")
		if !ok {
			return nil, fail("No position given for trigger")
		}
		req := &TrgFromPos{header: h, Buffer: buf, Pos: pos, Type: m.String("type"), Implicit: m.Bool("implicit", true)}
		req.CurrPos, req.HasCurrPos = m.Int("curr-pos")
		return req, nil
	case CmdEval:
		trg := m.Map("trg")
		if trg == nil {
			return nil, fail("No trigger given in request")
		}
		// The trigger carries the buffer path when the request doesn't.
		if !m.Has("path") && trg.String("path") != "" {
			m = m.Clone()
			m["path"] = trg.String("path")
		}
		buf, err := parseBufferRef(m)
		if err != nil {
			return nil, fail("%s", err)
		}
		return &Eval{header: h, Buffer: buf, Trg: trg}, nil
	case CmdCalltipArgRange:
		buf, err := parseBufferRef(m)
		if err != nil {
			return nil, fail("%s", err)
		}
		trgPos, ok := m.Int("trg_pos")
		if !ok {
			return nil, fail("No trigger position given")
		}
		currPos, ok := m.Int("curr_pos")
		if !ok {
			return nil, fail("No current position given")
		}
		return &CalltipArgRange{header: h, Buffer: buf, TrgPos: trgPos, CurrPos: currPos, Calltip: m.String("calltip")}, nil
	case CmdMemoryReport:
		return &MemoryReport{header: h}, nil
	case CmdAddDirs:
		return &AddDirs{header: h, Dirs: m.Strings("dirs"), Language: m.String("language")}, nil
	case CmdLoadExtension:
		path := m.String("path")
		if path == "" {
			return nil, fail("No extension path given")
		}
		return &LoadExtension{header: h, Path: path}, nil
	case CmdAbort:
		return &Abort{header: h, Target: m.String("id")}, nil
	case CmdQuit:
		return &Quit{header: h}, nil
	}
	return &Extension{header: h, Payload: m.Without(KeyReqID, KeyCommand)}, nil
}

func parseBufferRef(m Message) (BufferRef, error) {
	ref := BufferRef{
		Path:     m.String("path"),
		Language: m.String("language"),
		Encoding: m.String("encoding"),
	}
	if ref.Path == "" {
		return ref, fmt.Errorf("No path given to locate buffer")
	}
	if v, ok := m["text"]; ok && v != nil {
		s := m.String("text")
		ref.Text = &s
	}
	if m.Has("env") {
		ref.HasEnv = true
		ref.Env = m.Map("env")
	}
	return ref, nil
}

func stringMap(m Message) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k := range m {
		out[k] = m.String(k)
	}
	return out
}

func prefLayers(list []any) []map[string]any {
	layers := make([]map[string]any, 0, len(list))
	for _, v := range list {
		layer, ok := v.(map[string]any)
		if !ok {
			continue
		}
		norm, _ := Normalize(layer).(map[string]any)
		layers = append(layers, norm)
	}
	return layers
}

// EnvPayload splits a raw {env, prefs} object into its parts.
func EnvPayload(m Message) (env map[string]string, prefs []map[string]any) {
	if m == nil {
		return nil, nil
	}
	return stringMap(m.Map("env")), prefLayers(m.List("prefs"))
}
