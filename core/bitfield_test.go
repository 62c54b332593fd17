package core

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBitfieldWireRoundTrip(t *testing.T) {
	b := NewBitfield(10)
	b.Set(0, true)
	b.Set(3, true)
	b.Set(9, true)

	wire := b.MarshalWire()
	assert.Len(t, wire, 2) // ceil(10/8) = 2

	parsed, err := UnmarshalWire(wire, 10)
	require.NoError(t, err)
	for i := 0; i < 10; i++ {
		assert.Equal(t, b.Has(i), parsed.Has(i), "bit %d", i)
	}
}

func TestBitfieldWireLengthMismatch(t *testing.T) {
	_, err := UnmarshalWire([]byte{0x00}, 10)
	assert.ErrorIs(t, err, ErrConsistency)
}

func TestBitfieldWirePadBitsMustBeZero(t *testing.T) {
	// 10 pieces need 2 bytes; bit 15 (last bit of byte 1) is a pad bit.
	_, err := UnmarshalWire([]byte{0x00, 0x01}, 10)
	assert.ErrorIs(t, err, ErrConsistency)
}

func TestBitfieldComplement(t *testing.T) {
	b := NewBitfield(4)
	b.Set(0, true)
	b.Set(2, true)

	c := b.Complement()
	assert.False(t, c.Has(0))
	assert.True(t, c.Has(1))
	assert.False(t, c.Has(2))
	assert.True(t, c.Has(3))
}

func TestBitfieldComplete(t *testing.T) {
	b := NewBitfield(3)
	assert.False(t, b.Complete())
	b.SetAll(true)
	assert.True(t, b.Complete())
	assert.Equal(t, 3, b.Count())
}
