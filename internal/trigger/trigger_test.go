package trigger

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTrigger_Name(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "python-complete-object-members", New("Python", FormCompletion, "object-members", 12, true, nil).Name())
	assert.Equal(t, "python3-calltip-call-signature", New("Python3", FormCalltip, "call-signature", 3, true, nil).Name())
	assert.Equal(t, "javascript-defn-defn", New("JavaScript", FormDefn, "defn", 0, false, nil).Name())
}

func TestTrigger_WireForm(t *testing.T) {
	t.Parallel()
	trg := New("Python", FormCompletion, "available-imports", 7, true, map[string]any{"imp_prefix": []string{"os"}})
	trg.RetriggerOnCompletion = true

	// Through JSON, as the driver sees it.
	data, err := json.Marshal(trg.ToMap())
	require.NoError(t, err)
	var m map[string]any
	require.NoError(t, json.Unmarshal(data, &m))
	m["path"] = "/tmp/x.py"

	got, err := FromMap(m)
	require.NoError(t, err)
	assert.Equal(t, trg.Name(), got.Name())
	assert.Equal(t, 7, got.Pos)
	assert.True(t, got.Implicit)
	assert.True(t, got.RetriggerOnCompletion)
	assert.Equal(t, []string{"os"}, got.ExtraStrings("imp_prefix"))
	assert.Equal(t, "python-complete-available-imports", m["name"])
}

func TestFromMap_Errors(t *testing.T) {
	t.Parallel()
	for name, m := range map[string]map[string]any{
		"no lang":  {"type": "x", "form": 0, "pos": 1},
		"no type":  {"lang": "Python", "form": 0, "pos": 1},
		"bad form": {"lang": "Python", "type": "x", "form": 7, "pos": 1},
		"bad pos":  {"lang": "Python", "type": "x", "form": 0, "pos": "here"},
	} {
		_, err := FromMap(m)
		assert.Error(t, err, name)
	}
}

func TestTrigger_Same(t *testing.T) {
	t.Parallel()
	a := New("Python", FormCompletion, "object-members", 3, true, nil)
	b := New("Python", FormCompletion, "object-members", 3, false, nil)
	assert.True(t, a.Same(b))
	b.Pos = 4
	assert.False(t, a.Same(b))
	assert.True(t, (*Trigger)(nil).Same(nil))
}
