package wire_test

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/yuanliwei/birpc/wire"
)

func TestEncodeDecodeCall(t *testing.T) {
	msg := &wire.Message{
		ID:   7,
		Type: wire.Call,
		Args: []wire.Arg{
			{Tag: wire.Others, Payload: "hello"},
			{Tag: wire.Others, Payload: "asdfghjkl"},
			{Tag: wire.Function, Payload: uint32(42)},
		},
	}

	b, err := wire.Encode(msg)
	require.NoError(t, err)

	got, err := wire.Decode(b)
	require.NoError(t, err)

	require.Equal(t, msg.ID, got.ID)
	require.Equal(t, msg.Type, got.Type)
	require.Len(t, got.Args, 3)
	require.Equal(t, wire.Others, got.Args[0].Tag)
	require.Equal(t, "hello", got.Args[0].Payload)
	require.Equal(t, wire.Function, got.Args[2].Tag)
	require.Equal(t, uint32(42), got.Args[2].Handle())
}

func TestEncodeDecodeReturn(t *testing.T) {
	msg := &wire.Message{ID: 3, Type: wire.Return, Result: []any{int64(123), "abc"}}

	b, err := wire.Encode(msg)
	require.NoError(t, err)

	got, err := wire.Decode(b)
	require.NoError(t, err)
	require.Equal(t, wire.Return, got.Type)

	var out []any
	require.NoError(t, wire.DecodeResult(got, &out))
	require.Equal(t, "abc", out[1])
}

func TestEncodeDecodeVoidReturn(t *testing.T) {
	msg := &wire.Message{ID: 9, Type: wire.Return, Result: nil}

	b, err := wire.Encode(msg)
	require.NoError(t, err)

	got, err := wire.Decode(b)
	require.NoError(t, err)
	require.Nil(t, got.Result)
}

func TestEncodeDecodeError(t *testing.T) {
	msg := &wire.Message{ID: 5, Type: wire.Error, Err: &wire.RemoteError{Message: "boom", Stack: "at F (file:1:1)"}}

	b, err := wire.Encode(msg)
	require.NoError(t, err)

	got, err := wire.Decode(b)
	require.NoError(t, err)
	require.Equal(t, "boom", got.Err.Message)
	require.Contains(t, got.Err.Stack, "F")
}

func TestEncodeDecodeMapWithNonStringKeys(t *testing.T) {
	msg := &wire.Message{ID: 11, Type: wire.Return, Result: map[int8]string{
		1: "one",
		2: "two",
	}}

	b, err := wire.Encode(msg)
	require.NoError(t, err)

	got, err := wire.Decode(b)
	require.NoError(t, err)

	var out map[int8]string
	require.NoError(t, wire.DecodeResult(got, &out))
	require.Equal(t, "one", out[1])
	require.Equal(t, "two", out[2])
}

func TestEncodeDecodeSet(t *testing.T) {
	// msgpack has no native set type; a set round-trips as an array of
	// its members, duplicates and all, same as any other ordered
	// collection (spec.md §6).
	msg := &wire.Message{ID: 12, Type: wire.Return, Result: []any{"a", "b", "b", "c"}}

	b, err := wire.Encode(msg)
	require.NoError(t, err)

	got, err := wire.Decode(b)
	require.NoError(t, err)

	var out []any
	require.NoError(t, wire.DecodeResult(got, &out))
	require.Equal(t, []any{"a", "b", "b", "c"}, out)
}

func TestEncodeDecodeDate(t *testing.T) {
	when := time.Date(2026, time.July, 29, 12, 0, 0, 0, time.UTC)
	msg := &wire.Message{ID: 13, Type: wire.Return, Result: when}

	b, err := wire.Encode(msg)
	require.NoError(t, err)

	got, err := wire.Decode(b)
	require.NoError(t, err)

	ts, ok := got.Result.(time.Time)
	require.True(t, ok, "expected a time.Time, got %T", got.Result)
	require.True(t, when.Equal(ts))
}

func TestEncodeDecodeBigIntegers(t *testing.T) {
	msg := &wire.Message{ID: 14, Type: wire.Call, Args: []wire.Arg{
		{Tag: wire.Others, Payload: uint64(math.MaxUint64)},
		{Tag: wire.Others, Payload: int64(math.MinInt64)},
	}}

	b, err := wire.Encode(msg)
	require.NoError(t, err)

	got, err := wire.Decode(b)
	require.NoError(t, err)

	require.Equal(t, uint64(math.MaxUint64), got.Args[0].Payload)
	require.Equal(t, int64(math.MinInt64), got.Args[1].Payload)
}

func TestEncodeDecodeFloatSpecialValues(t *testing.T) {
	msg := &wire.Message{ID: 15, Type: wire.Call, Args: []wire.Arg{
		{Tag: wire.Others, Payload: math.NaN()},
		{Tag: wire.Others, Payload: math.Inf(1)},
		{Tag: wire.Others, Payload: math.Inf(-1)},
	}}

	b, err := wire.Encode(msg)
	require.NoError(t, err)

	got, err := wire.Decode(b)
	require.NoError(t, err)

	nan, ok := got.Args[0].Payload.(float64)
	require.True(t, ok)
	require.True(t, math.IsNaN(nan))
	require.Equal(t, math.Inf(1), got.Args[1].Payload)
	require.Equal(t, math.Inf(-1), got.Args[2].Payload)
}

func TestTypeString(t *testing.T) {
	require.Equal(t, "CALL", wire.Call.String())
	require.Equal(t, "RETURN", wire.Return.String())
	require.Equal(t, "CALLBACK", wire.Callback.String())
	require.Equal(t, "ERROR", wire.Error.String())
	require.Equal(t, "UNKNOWN", wire.Type(0).String())
}
