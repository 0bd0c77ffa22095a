package cache

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/objectfs/tiercache/pkg/errors"
)

func TestDecoders(t *testing.T) {
	tests := []struct {
		name    string
		decoder string
		input   string
		want    any
		code    errors.ErrorCode
	}{
		{name: "raw", decoder: "raw", input: "abc", want: []byte("abc")},
		{name: "default is raw", decoder: "", input: "abc", want: []byte("abc")},
		{name: "string", decoder: "string", input: "abc", want: "abc"},
		{name: "json object", decoder: "json", input: `{"a":1}`, want: map[string]any{"a": float64(1)}},
		{name: "json malformed", decoder: "JSON", input: `{"a":`, code: errors.ErrCodeConversion},
		{name: "yaml list", decoder: "yaml", input: "- a\n- b\n", want: []any{"a", "b"}},
		{name: "yaml malformed", decoder: "yaml", input: "a: [b", code: errors.ErrCodeConversion},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			decoder, err := DecoderByName(tt.decoder)
			require.NoError(t, err)

			got, err := decoder.Decode("k", []byte(tt.input))
			if tt.code != "" {
				assert.True(t, errors.HasCode(err, tt.code), "got %v", err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestRawDecoderCopies(t *testing.T) {
	input := []byte("abc")
	got, err := RawDecoder.Decode("k", input)
	require.NoError(t, err)

	input[0] = 'x'
	assert.Equal(t, []byte("abc"), got)
}

func TestDecoderByNameUnknown(t *testing.T) {
	_, err := DecoderByName("protobuf")
	assert.True(t, errors.HasCode(err, errors.ErrCodeInvalidArgument))
}
