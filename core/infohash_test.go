package core

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInfoHashHexRoundTrip(t *testing.T) {
	h := NewInfoHashFromBytes([]byte("some info dict bytes"), V1)
	parsed, err := NewInfoHashFromHex(h.Hex())
	require.NoError(t, err)
	assert.True(t, h.Equal(parsed))
	assert.Equal(t, V1, parsed.Version())
}

func TestInfoHashV2(t *testing.T) {
	h := NewInfoHashFromBytes([]byte("some info dict bytes"), V2)
	assert.Equal(t, V2, h.Version())
	assert.Len(t, h.Bytes(), 32)

	parsed, err := NewInfoHashFromHex(h.Hex())
	require.NoError(t, err)
	assert.True(t, h.Equal(parsed))
}

func TestInfoHashInvalidLength(t *testing.T) {
	_, err := NewInfoHashFromHex("abcd")
	assert.Error(t, err)
}

func TestInfoHashBase32(t *testing.T) {
	h, err := NewInfoHashFromHex("eadaf0efea39406914414d359e0ea16416409bd7")
	require.NoError(t, err)

	b32 := base32Encode(h.Bytes())
	parsed, err := NewInfoHashFromBase32(b32)
	require.NoError(t, err)
	assert.True(t, h.Equal(parsed))
}

func base32Encode(b []byte) string {
	const alphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ234567"
	var out []byte
	var buf, bits uint
	for _, x := range b {
		buf = buf<<8 | uint(x)
		bits += 8
		for bits >= 5 {
			bits -= 5
			out = append(out, alphabet[(buf>>bits)&31])
		}
	}
	if bits > 0 {
		out = append(out, alphabet[(buf<<(5-bits))&31])
	}
	return string(out)
}
