package peer

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExtendedHandshakeRegistersRemoteIDs(t *testing.T) {
	a, b, closeFn := connPairFixture(t, 4)
	defer closeFn()
	a.supportsLTEP = true
	b.supportsLTEP = true

	require.NoError(t, a.sendExtendedHandshake())

	msg := <-b.Receiver()
	require.Equal(t, MsgExtended, msg.ID)
	chunk, err := b.HandleExtended(msg)
	require.NoError(t, err)
	assert.Nil(t, chunk)

	id, ok := b.ExtensionID("ut_metadata")
	require.True(t, ok)
	assert.Equal(t, utMetadataLocalID, id)
}

func TestMetadataRequestDataRoundTrip(t *testing.T) {
	a, b, closeFn := connPairFixture(t, 4)
	defer closeFn()
	a.supportsLTEP = true
	b.supportsLTEP = true

	require.NoError(t, a.sendExtendedHandshake())
	handshakeMsg := <-b.Receiver()
	_, err := b.HandleExtended(handshakeMsg)
	require.NoError(t, err)

	// a can only address its reply once it knows b's ut_metadata id.
	require.NoError(t, b.sendExtendedHandshake())
	_, err = a.HandleExtended(<-a.Receiver())
	require.NoError(t, err)

	require.NoError(t, b.RequestMetadataPiece(0))
	reqMsg := <-a.Receiver()
	chunk, err := a.HandleExtended(reqMsg)
	require.NoError(t, err)
	require.NotNil(t, chunk)
	assert.Equal(t, 0, chunk.Piece)
	assert.Nil(t, chunk.Data)

	data := []byte("bencoded info dict bytes")
	require.NoError(t, a.SendMetadataPiece(0, len(data), data))
	dataMsg := <-b.Receiver()
	got, err := b.HandleExtended(dataMsg)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, data, got.Data)
	assert.Equal(t, len(data), got.TotalSize)
}

func TestMetadataAssemblerCompletesAndVerifies(t *testing.T) {
	full := []byte("d4:name5:hello6:lengthi5ee")
	asm := NewMetadataAssembler(metadataFixture(1).InfoHash, len(full), len(full))
	assert.Equal(t, 1, asm.NumPieces())
	assert.Equal(t, []int{0}, asm.Missing())

	done, err := asm.AddChunk(0, full)
	require.NoError(t, err)
	assert.True(t, done)

	// Constructed against a mismatched hash: assembly should fail
	// verification rather than silently accept arbitrary bytes.
	_, err = asm.Assemble()
	require.Error(t, err)
}

func TestMetadataAssemblerRejectsOutOfRangeChunk(t *testing.T) {
	asm := NewMetadataAssembler(metadataFixture(1).InfoHash, 32*1024, 16*1024)
	_, err := asm.AddChunk(5, []byte("x"))
	require.Error(t, err)
}
