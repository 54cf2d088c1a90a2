package cache

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStore(t *testing.T) {
	s := NewStore()
	assert.Equal(t, 0, s.Len())

	value := json.RawMessage(`{"n":1}`)
	s.Put("b", value)
	s.Put("a", json.RawMessage(`"x"`))

	// The store keeps its own copy.
	value[2] = 'm'
	got, ok := s.Get("b")
	require.True(t, ok)
	assert.JSONEq(t, `{"n":1}`, string(got))

	assert.Equal(t, []string{"a", "b"}, s.Keys())
	assert.True(t, s.Remove("a"))
	assert.False(t, s.Remove("a"))
	_, ok = s.Get("a")
	assert.False(t, ok)
	assert.Equal(t, 1, s.Len())
}

func TestStore_Apply(t *testing.T) {
	s := NewStore()
	s.apply(Command{Op: OpPut, Key: "k", Value: json.RawMessage(`1`)})
	got, ok := s.Get("k")
	require.True(t, ok)
	assert.Equal(t, "1", string(got))

	s.apply(Command{Op: OpGet, Key: "k"})
	assert.Equal(t, 1, s.Len())

	s.apply(Command{Op: OpRemove, Key: "k"})
	assert.Equal(t, 0, s.Len())
}

func TestDecodeCommand(t *testing.T) {
	data, err := Command{Op: OpPut, Key: "k", Value: json.RawMessage(`[1,2]`), Origin: OriginSite}.Encode()
	require.NoError(t, err)

	cmd, err := DecodeCommand(data)
	require.NoError(t, err)
	assert.Equal(t, OpPut, cmd.Op)
	assert.Equal(t, "k", cmd.Key)
	assert.Equal(t, OriginSite, cmd.Origin)
	assert.JSONEq(t, `[1,2]`, string(cmd.Value))

	tests := []struct {
		name    string
		data    string
		wantErr string
	}{
		{name: "not json", data: `{`, wantErr: "unmarshal command"},
		{name: "missing key", data: `{"op":"put"}`, wantErr: "without key"},
		{name: "unknown op", data: `{"op":"merge","key":"k"}`, wantErr: `unknown op "merge"`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodeCommand([]byte(tt.data))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}
