// Package trigger defines the value type describing a point in source that
// may produce a completion, calltip or definition result.
package trigger

import (
	"fmt"
	"maps"
	"reflect"
	"strings"

	"github.com/spf13/cast"
)

// Form is the kind of result a trigger asks for.
type Form int

const (
	FormCompletion Form = iota
	FormCalltip
	FormDefn
)

func (f Form) String() string {
	switch f {
	case FormCompletion:
		return "complete"
	case FormCalltip:
		return "calltip"
	case FormDefn:
		return "defn"
	}
	return fmt.Sprintf("form(%d)", int(f))
}

// Trigger is a value object. Positions are byte offsets.
type Trigger struct {
	Lang     string
	Form     Form
	Type     string
	Pos      int
	Implicit bool
	// Length is the number of characters that fired the trigger.
	Length int
	Extra  map[string]any

	RetriggerOnCompletion bool
}

// New creates a trigger fired by a single character.
func New(lang string, form Form, typ string, pos int, implicit bool, extra map[string]any) *Trigger {
	if extra == nil {
		extra = map[string]any{}
	}
	return &Trigger{Lang: lang, Form: form, Type: typ, Pos: pos, Implicit: implicit, Length: 1, Extra: extra}
}

// Name returns the trigger's kind name, e.g. "python-complete-object-members".
func (t *Trigger) Name() string {
	return strings.ToLower(t.Lang) + "-" + t.Form.String() + "-" + t.Type
}

// Is reports whether the trigger has the given form and type.
func (t *Trigger) Is(form Form, typ string) bool {
	return t.Form == form && t.Type == typ
}

// Same reports whether two triggers denote the same point and kind.
func (t *Trigger) Same(o *Trigger) bool {
	if t == nil || o == nil {
		return t == o
	}
	return t.Lang == o.Lang && t.Form == o.Form && t.Type == o.Type &&
		t.Pos == o.Pos && reflect.DeepEqual(t.Extra, o.Extra)
}

// ExtraString returns a string field of Extra.
func (t *Trigger) ExtraString(key string) string {
	return cast.ToString(t.Extra[key])
}

// ExtraStrings returns a list field of Extra.
func (t *Trigger) ExtraStrings(key string) []string {
	v, ok := t.Extra[key]
	if !ok || v == nil {
		return nil
	}
	return cast.ToStringSlice(v)
}

func (t *Trigger) String() string {
	return fmt.Sprintf("<Trigger '%s' at %d (%s)>", t.Name(), t.Pos, map[bool]string{true: "implicit", false: "explicit"}[t.Implicit])
}

// ToMap returns the wire form of the trigger.
func (t *Trigger) ToMap() map[string]any {
	extra := maps.Clone(t.Extra)
	if extra == nil {
		extra = map[string]any{}
	}
	return map[string]any{
		"lang":                  t.Lang,
		"form":                  int(t.Form),
		"type":                  t.Type,
		"pos":                   t.Pos,
		"implicit":              t.Implicit,
		"length":                t.Length,
		"extra":                 extra,
		"name":                  t.Name(),
		"retriggerOnCompletion": t.RetriggerOnCompletion,
	}
}

// FromMap parses the wire form. Unknown keys such as "path" are ignored.
func FromMap(m map[string]any) (*Trigger, error) {
	lang := cast.ToString(m["lang"])
	if lang == "" {
		return nil, fmt.Errorf("trigger: no lang")
	}
	typ := cast.ToString(m["type"])
	if typ == "" {
		return nil, fmt.Errorf("trigger: no type")
	}
	form, err := cast.ToIntE(m["form"])
	if err != nil || form < int(FormCompletion) || form > int(FormDefn) {
		return nil, fmt.Errorf("trigger: bad form %v", m["form"])
	}
	pos, err := cast.ToIntE(m["pos"])
	if err != nil {
		return nil, fmt.Errorf("trigger: bad pos %v", m["pos"])
	}
	t := &Trigger{
		Lang:     lang,
		Form:     Form(form),
		Type:     typ,
		Pos:      pos,
		Implicit: true,
		Length:   1,
		Extra:    map[string]any{},
	}
	if v, ok := m["implicit"]; ok {
		t.Implicit = cast.ToBool(v)
	}
	if v, ok := m["length"]; ok {
		t.Length = cast.ToInt(v)
	}
	if v, ok := m["retriggerOnCompletion"]; ok {
		t.RetriggerOnCompletion = cast.ToBool(v)
	}
	if extra, ok := m["extra"].(map[string]any); ok {
		t.Extra = maps.Clone(extra)
	}
	return t, nil
}
