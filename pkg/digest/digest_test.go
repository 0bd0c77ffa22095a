package digest

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/objectfs/tiercache/pkg/errors"
)

func TestSumDeterministic(t *testing.T) {
	a, err := Sum("https://example.com/feed.xml")
	require.NoError(t, err)
	b, err := Sum("https://example.com/feed.xml")
	require.NoError(t, err)
	c, err := Sum("https://example.com/feed2.xml")
	require.NoError(t, err)

	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.Len(t, a.String(), 2*Size)
	assert.False(t, a.IsZero())
}

func TestSumKnownValue(t *testing.T) {
	// First 16 bytes of SHA-256("abc").
	id, err := Sum("abc")
	require.NoError(t, err)
	assert.Equal(t, "ba7816bf8f01cfea414140de5dae2223", id.String())
}

func TestSumEmptyKey(t *testing.T) {
	_, err := Sum("")
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.ErrCodeInvalidArgument))
}

func TestParseRoundTrip(t *testing.T) {
	id, err := Sum("u1")
	require.NoError(t, err)

	parsed, err := Parse(id.String())
	require.NoError(t, err)
	assert.Equal(t, id, parsed)

	_, err = Parse("abc")
	assert.True(t, errors.HasCode(err, errors.ErrCodeInvalidArgument))

	_, err = Parse("zz7816bf8f01cfea414140de5dae2223")
	assert.True(t, errors.HasCode(err, errors.ErrCodeInvalidArgument))
}

func TestBytes(t *testing.T) {
	assert.Equal(t, Bytes([]byte("abc")).String(), "ba7816bf8f01cfea414140de5dae2223")
}
