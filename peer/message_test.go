package peer

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/watchreel/torrent/core"
)

func TestMessageRoundTripOverPipe(t *testing.T) {
	a, b := pipeConns()
	defer a.Close()
	defer b.Close()

	msg := NewRequestMessage(core.PiecePart{Piece: 3, Begin: 16384, Length: 16384})

	errc := make(chan error, 1)
	go func() { errc <- sendMessageWithTimeout(a, msg, time.Second) }()

	got, err := readMessageWithTimeout(b, time.Second)
	require.NoError(t, err)
	require.NoError(t, <-errc)

	assert.Equal(t, MsgRequest, got.ID)
	part, err := ParseRequest(got)
	require.NoError(t, err)
	assert.Equal(t, core.PiecePart{Piece: 3, Begin: 16384, Length: 16384}, part)
}

func TestKeepAliveRoundTrip(t *testing.T) {
	a, b := pipeConns()
	defer a.Close()
	defer b.Close()

	go func() { sendMessageWithTimeout(a, keepAliveMessage, time.Second) }()

	got, err := readMessageWithTimeout(b, time.Second)
	require.NoError(t, err)
	assert.True(t, got.IsKeepAlive())
}

func TestReadMessageRejectsOversizedLength(t *testing.T) {
	a, b := pipeConns()
	defer a.Close()
	defer b.Close()

	go func() {
		var big [4]byte
		big[0] = 0xFF
		a.Write(big[:])
	}()

	_, err := readMessageWithTimeout(b, time.Second)
	assert.ErrorIs(t, err, core.ErrProtocol)
}

func TestPieceMessageRoundTrip(t *testing.T) {
	block := []byte("some piece bytes")
	msg := NewPieceMessage(7, 32768, block)
	piece, begin, got, err := ParsePiece(msg)
	require.NoError(t, err)
	assert.Equal(t, 7, piece)
	assert.Equal(t, uint32(32768), begin)
	assert.Equal(t, block, got)
}

func TestHaveAndBitfieldRoundTrip(t *testing.T) {
	msg := NewHaveMessage(5)
	i, err := ParseHave(msg)
	require.NoError(t, err)
	assert.Equal(t, 5, i)

	bf := core.NewBitfield(10)
	bf.Set(0, true)
	bf.Set(9, true)
	bfMsg := NewBitfieldMessage(bf)
	decoded, err := ParseBitfield(bfMsg, 10)
	require.NoError(t, err)
	assert.True(t, decoded.Has(0))
	assert.True(t, decoded.Has(9))
	assert.False(t, decoded.Has(1))
}

func TestMessageIDString(t *testing.T) {
	assert.Equal(t, "choke", MsgChoke.String())
	assert.Equal(t, "piece", MsgPiece.String())
	assert.Contains(t, MessageID(99).String(), "unknown")
}
