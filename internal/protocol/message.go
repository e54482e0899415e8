package protocol

import (
	"encoding/json"

	"github.com/spf13/cast"
)

// Message is one decoded protocol object. Requests, responses and
// notifications all share this shape.
type Message map[string]any

// Well-known keys.
const (
	KeyReqID   = "req_id"
	KeyCommand = "command"
	KeySuccess = "success"
	KeyMessage = "message"
)

// ReqID returns the request id, or "" for notifications.
func (m Message) ReqID() string { return m.String(KeyReqID) }

// Command returns the command or notification kind.
func (m Message) Command() string { return m.String(KeyCommand) }

// Has reports whether key is present, even with a null value.
func (m Message) Has(key string) bool {
	_, ok := m[key]
	return ok
}

// IsFinal reports whether m is a final response (carries "success").
func (m Message) IsFinal() bool { return m.Has(KeySuccess) }

// Success reports the value of "success"; progress frames report false.
func (m Message) Success() bool { return m.Bool(KeySuccess, false) }

// String returns the string at key, or "".
func (m Message) String(key string) string {
	v, ok := m[key]
	if !ok || v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return cast.ToString(v)
}

// Int returns the integer at key. Strings holding digits are accepted, as
// some clients send positions quoted.
func (m Message) Int(key string) (int, bool) {
	v, ok := m[key]
	if !ok || v == nil {
		return 0, false
	}
	if n, ok := v.(json.Number); ok {
		i, err := n.Int64()
		if err != nil {
			f, ferr := n.Float64()
			if ferr != nil {
				return 0, false
			}
			return int(f), true
		}
		return int(i), true
	}
	i, err := cast.ToIntE(v)
	if err != nil {
		return 0, false
	}
	return i, true
}

// Float returns the number at key.
func (m Message) Float(key string) (float64, bool) {
	v, ok := m[key]
	if !ok || v == nil {
		return 0, false
	}
	if n, ok := v.(json.Number); ok {
		f, err := n.Float64()
		return f, err == nil
	}
	f, err := cast.ToFloat64E(v)
	return f, err == nil
}

// Bool returns the boolean at key, or def when absent or null.
func (m Message) Bool(key string, def bool) bool {
	v, ok := m[key]
	if !ok || v == nil {
		return def
	}
	b, err := cast.ToBoolE(v)
	if err != nil {
		return def
	}
	return b
}

// Map returns the object at key, or nil.
func (m Message) Map(key string) Message {
	switch v := m[key].(type) {
	case Message:
		return v
	case map[string]any:
		return Message(v)
	}
	return nil
}

// List returns the array at key, or nil. String slices built in process
// are accepted as well as decoded arrays.
func (m Message) List(key string) []any {
	switch v := m[key].(type) {
	case []any:
		return v
	case []string:
		out := make([]any, len(v))
		for i, s := range v {
			out[i] = s
		}
		return out
	}
	return nil
}

// Strings returns the array at key as strings, skipping non-strings.
func (m Message) Strings(key string) []string {
	var out []string
	for _, v := range m.List(key) {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

// Clone returns a shallow copy of m.
func (m Message) Clone() Message {
	out := make(Message, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// Without returns a shallow copy of m lacking the given keys.
func (m Message) Without(keys ...string) Message {
	out := m.Clone()
	for _, k := range keys {
		delete(out, k)
	}
	return out
}

// Normalize converts decoded JSON values into plain Go values: json.Number
// becomes int64 or float64 and nested objects become map[string]any.
func Normalize(v any) any {
	switch x := v.(type) {
	case json.Number:
		if i, err := x.Int64(); err == nil {
			return i
		}
		f, _ := x.Float64()
		return f
	case Message:
		return Normalize(map[string]any(x))
	case map[string]any:
		out := make(map[string]any, len(x))
		for k, vv := range x {
			out[k] = Normalize(vv)
		}
		return out
	case []any:
		out := make([]any, len(x))
		for i, vv := range x {
			out[i] = Normalize(vv)
		}
		return out
	}
	return v
}
