package core

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPartsForPieceEvenDivision(t *testing.T) {
	parts := PartsForPiece(0, BlockSize*4)
	require.Len(t, parts, 4)
	for i, p := range parts {
		assert.Equal(t, 0, p.Piece)
		assert.Equal(t, uint32(i*BlockSize), p.Begin)
		assert.Equal(t, uint32(BlockSize), p.Length)
	}
}

func TestPartsForPieceShortTail(t *testing.T) {
	parts := PartsForPiece(3, BlockSize*2+100)
	require.Len(t, parts, 3)
	assert.Equal(t, uint32(100), parts[2].Length)
	assert.Equal(t, uint32(BlockSize*2), parts[2].Begin)
}

func TestPartsForPieceExactlyOneBlock(t *testing.T) {
	parts := PartsForPiece(0, BlockSize)
	require.Len(t, parts, 1)
	assert.Equal(t, uint32(BlockSize), parts[0].Length)
}

func TestVerifyPieceV1(t *testing.T) {
	data := []byte("some piece content")
	h := NewPieceHasher(V1)
	h.Write(data)
	sum := h.Sum(nil)

	p := &Piece{Index: 0, Hash: sum}
	ok, err := VerifyPiece(p, V1, data)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = VerifyPiece(p, V1, []byte("different content"))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestVerifyPieceV2(t *testing.T) {
	data := []byte("some v2 piece content")
	h := NewPieceHasher(V2)
	h.Write(data)
	sum := h.Sum(nil)

	p := &Piece{Index: 1, Hash: sum}
	ok, err := VerifyPiece(p, V2, data)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestPieceStateString(t *testing.T) {
	assert.Equal(t, "missing", PieceMissing.String())
	assert.Equal(t, "verified", PieceVerified.String())
	assert.Equal(t, "unknown", PieceState(99).String())
}
