package kafkafeed

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMutation_Validate(t *testing.T) {
	tests := []struct {
		name    string
		m       Mutation
		wantErr bool
	}{
		{"set", Mutation{Op: OpSet, ID: "a", Payload: json.RawMessage(`{}`)}, false},
		{"update", Mutation{Op: OpUpdate, ID: "a", Fields: map[string]any{"x": 1}}, false},
		{"remove", Mutation{Op: OpRemove, ID: "a"}, false},
		{"missing id", Mutation{Op: OpRemove}, true},
		{"set without payload", Mutation{Op: OpSet, ID: "a"}, true},
		{"unknown op", Mutation{Op: "merge", ID: "a"}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.m.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestView_Apply(t *testing.T) {
	v := newView()

	step := func(m Mutation) (change, string) {
		t.Helper()
		kind, raw, err := v.apply(m)
		require.NoError(t, err)
		return kind, string(raw)
	}

	kind, raw := step(Mutation{Op: OpSet, ID: "p1", Payload: json.RawMessage(`{"IsOnline":true}`)})
	assert.Equal(t, added, kind)
	assert.JSONEq(t, `{"IsOnline":true}`, raw)

	kind, _ = step(Mutation{Op: OpSet, ID: "p1", Payload: json.RawMessage(`{"IsOnline":true}`)})
	assert.Equal(t, none, kind, "identical set is not a change")

	kind, raw = step(Mutation{Op: OpUpdate, ID: "p1", Fields: map[string]any{"IsOnline": false}})
	assert.Equal(t, changed, kind)
	assert.JSONEq(t, `{"IsOnline":false}`, raw)

	kind, raw = step(Mutation{Op: OpUpdate, ID: "p2", Fields: map[string]any{"Latitude": 54.5}})
	assert.Equal(t, added, kind, "update of a missing record creates it")
	assert.JSONEq(t, `{"Latitude":54.5}`, raw)

	kind, _ = step(Mutation{Op: OpRemove, ID: "p1"})
	assert.Equal(t, removed, kind)

	kind, _ = step(Mutation{Op: OpRemove, ID: "p1"})
	assert.Equal(t, none, kind)

	assert.Len(t, v.snapshot(), 1)
}

func TestView_ApplyUpdateOnCorruptRecord(t *testing.T) {
	v := newView()
	v.records["x"] = json.RawMessage(`[1,2]`)

	_, _, err := v.apply(Mutation{Op: OpUpdate, ID: "x", Fields: map[string]any{"a": 1}})
	assert.Error(t, err)
	assert.JSONEq(t, `[1,2]`, string(v.records["x"]))
}
