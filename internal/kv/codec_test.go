package kv

import (
	"encoding/json"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecode_PreservesTypes(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		value any
		want  any
	}{
		{name: "bool", value: true, want: true},
		{name: "int widens to int64", value: 42, want: int64(42)},
		{name: "int64", value: int64(-7), want: int64(-7)},
		{name: "float32 widens to float64", value: float32(1.5), want: float64(1.5)},
		{name: "double", value: 3.25, want: 3.25},
		{name: "string", value: "hello", want: "hello"},
		{name: "data", value: []byte{0x00, 0xff, 0x10}, want: []byte{0x00, 0xff, 0x10}},
		{name: "empty data", value: []byte{}, want: []byte{}},
		{name: "string slice becomes array", value: []string{"a", "b"}, want: []any{"a", "b"}},
		{
			name:  "nested array keeps integer elements",
			value: []any{1, "two", []any{3.5, false}},
			want:  []any{int64(1), "two", []any{3.5, false}},
		},
		{
			name:  "dictionary",
			value: map[string]any{"n": 1, "d": []byte("x"), "m": map[string]any{"s": "v"}},
			want:  map[string]any{"n": int64(1), "d": []byte("x"), "m": map[string]any{"s": "v"}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			data, err := Encode(tt.value)
			require.NoError(t, err)

			got, err := Decode(data)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestEncode_RejectsUnsupportedValues(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		value any
	}{
		{name: "struct", value: struct{ A int }{A: 1}},
		{name: "nil", value: nil},
		{name: "nested channel", value: []any{make(chan int)}},
		{name: "NaN", value: math.NaN()},
		{name: "infinity", value: math.Inf(1)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			_, err := Encode(tt.value)
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrUnsupportedValue)
		})
	}
}

func TestDecode_UnknownType(t *testing.T) {
	t.Parallel()

	_, err := Decode([]byte(`{"type":"date","value":"2024-01-01"}`))
	assert.ErrorIs(t, err, ErrUnsupportedValue)

	_, err = Decode([]byte(`not json`))
	assert.Error(t, err)
}

func TestNormalize_JSONNumber(t *testing.T) {
	t.Parallel()

	got, err := Normalize(json.Number("12"))
	require.NoError(t, err)
	assert.Equal(t, int64(12), got)

	got, err = Normalize(json.Number("1.25"))
	require.NoError(t, err)
	assert.Equal(t, 1.25, got)
}

func TestDecodeChangeEvent(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		payload string
		want    ChangeEvent
		wantErr bool
	}{
		{
			name:    "initial sync with keys",
			payload: `{"reason":1,"keys":["a","b"]}`,
			want:    ChangeEvent{Reason: ReasonInitialSyncChange, Keys: []string{"a", "b"}},
		},
		{
			name:    "server change without keys",
			payload: `{"reason":0}`,
			want:    ChangeEvent{Reason: ReasonServerChange},
		},
		{name: "missing reason", payload: `{"keys":["a"]}`, wantErr: true},
		{name: "null reason", payload: `{"reason":null}`, wantErr: true},
		{name: "fractional reason", payload: `{"reason":1.5}`, wantErr: true},
		{name: "textual reason", payload: `{"reason":"initial"}`, wantErr: true},
		{name: "not an object", payload: `[1]`, wantErr: true},
		{name: "garbage", payload: `{{`, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			got, err := DecodeChangeEvent([]byte(tt.payload))
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestEncodeChangeEvent_RoundTrips(t *testing.T) {
	t.Parallel()

	payload, err := EncodeChangeEvent(ChangeEvent{Reason: ReasonAccountChange, Keys: []string{"k"}})
	require.NoError(t, err)

	ev, err := DecodeChangeEvent(payload)
	require.NoError(t, err)
	assert.Equal(t, ReasonAccountChange, ev.Reason)
	assert.Equal(t, []string{"k"}, ev.Keys)
}

func TestChangeReason_StringAndParse(t *testing.T) {
	t.Parallel()

	for _, r := range []ChangeReason{
		ReasonServerChange, ReasonInitialSyncChange, ReasonQuotaViolationChange, ReasonAccountChange,
	} {
		parsed, err := ParseChangeReason(r.String())
		require.NoError(t, err)
		assert.Equal(t, r, parsed)
	}

	assert.Equal(t, "unknown(9)", ChangeReason(9).String())
	_, err := ParseChangeReason("bogus")
	assert.Error(t, err)
}
