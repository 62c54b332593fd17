package filestorage

import (
	"bytes"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/watchreel/torrent/storage"
)

type bufReader struct {
	*bytes.Reader
	length int
}

func newBufReader(b []byte) storage.PieceReader {
	return &bufReader{bytes.NewReader(b), len(b)}
}

func (r *bufReader) Close() error  { return nil }
func (r *bufReader) Length() int   { return r.length }

func TestTorrentWriteAndReadPiece(t *testing.T) {
	dir, cleanup := tempDir()
	defer cleanup()

	meta := metadataFixture(16, 16*3+4)
	tor, err := NewTorrent(dir, meta, nil)
	require.NoError(t, err)

	assert.False(t, tor.HasPiece(0))
	assert.Equal(t, 4, tor.NumPieces())

	for i := 0; i < tor.NumPieces(); i++ {
		data := pieceData(i, tor.PieceLength(i))
		require.NoError(t, tor.WritePiece(newBufReader(data), i))
		assert.True(t, tor.HasPiece(i))
	}
	assert.True(t, tor.Complete())

	r, err := tor.GetPieceReader(2)
	require.NoError(t, err)
	defer r.Close()
	got, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.Equal(t, pieceData(2, tor.PieceLength(2)), got)
}

func TestTorrentWritePieceHashMismatch(t *testing.T) {
	dir, cleanup := tempDir()
	defer cleanup()

	meta := metadataFixture(16, 32)
	tor, err := NewTorrent(dir, meta, nil)
	require.NoError(t, err)

	err = tor.WritePiece(newBufReader(bytes.Repeat([]byte{0xFF}, 16)), 0)
	assert.Error(t, err)
	assert.False(t, tor.HasPiece(0))
}

func TestTorrentWritePieceAlreadyComplete(t *testing.T) {
	dir, cleanup := tempDir()
	defer cleanup()

	meta := metadataFixture(16, 16)
	tor, err := NewTorrent(dir, meta, nil)
	require.NoError(t, err)

	data := pieceData(0, 16)
	require.NoError(t, tor.WritePiece(newBufReader(data), 0))

	err = tor.WritePiece(newBufReader(data), 0)
	assert.ErrorIs(t, err, storage.ErrPieceComplete)
}

func TestTorrentGetPieceReaderNotComplete(t *testing.T) {
	dir, cleanup := tempDir()
	defer cleanup()

	meta := metadataFixture(16, 16)
	tor, err := NewTorrent(dir, meta, nil)
	require.NoError(t, err)

	_, err = tor.GetPieceReader(0)
	assert.ErrorIs(t, err, storage.ErrPieceNotComplete)
}

func TestTorrentRestoresStatusFromSidecar(t *testing.T) {
	dir, cleanup := tempDir()
	defer cleanup()

	meta := metadataFixture(16, 32)
	tor, err := NewTorrent(dir, meta, nil)
	require.NoError(t, err)
	require.NoError(t, tor.WritePiece(newBufReader(pieceData(0, 16)), 0))

	reopened, err := NewTorrent(dir, meta, nil)
	require.NoError(t, err)
	assert.True(t, reopened.HasPiece(0))
	assert.False(t, reopened.HasPiece(1))
}
