package torrentctx

import (
	"bytes"
	"fmt"

	"github.com/watchreel/torrent/core"
)

// pieceBuffer accumulates the blocks of one in-flight piece in memory
// until every byte has arrived, at which point it is handed to
// storage.Torrent.WritePiece for hashing and persistence. Grounded on
// storage/filestorage's on-disk piece writer, generalized to hold the
// not-yet-verified bytes off disk: the storage package has no in-memory
// writer-side reader of its own (storage/piecereader.go only reads
// already-complete pieces), so this is this package's own addition.
type pieceBuffer struct {
	data     []byte
	received []bool
	numLeft  int
}

func newPieceBuffer(length int64) *pieceBuffer {
	n := (int(length) + core.BlockSize - 1) / core.BlockSize
	return &pieceBuffer{
		data:     make([]byte, length),
		received: make([]bool, n),
		numLeft:  n,
	}
}

// addBlock records a block at the given offset, returning true once
// every block of the piece has arrived.
func (b *pieceBuffer) addBlock(begin uint32, block []byte) (bool, error) {
	end := int(begin) + len(block)
	if begin < 0 || end > len(b.data) {
		return false, fmt.Errorf("%w: block [%d,%d) out of bounds for piece of length %d",
			core.ErrProtocol, begin, end, len(b.data))
	}
	idx := int(begin) / core.BlockSize
	if idx >= len(b.received) {
		return false, fmt.Errorf("%w: block offset %d has no matching part", core.ErrProtocol, begin)
	}
	if !b.received[idx] {
		copy(b.data[begin:end], block)
		b.received[idx] = true
		b.numLeft--
	}
	return b.numLeft == 0, nil
}

// bytesPieceReader implements storage.PieceReader over an assembled
// in-memory piece buffer, so a completed pieceBuffer can be handed
// straight to storage.Torrent.WritePiece without touching disk twice.
type bytesPieceReader struct {
	*bytes.Reader
	length int
}

func newBytesPieceReader(data []byte) *bytesPieceReader {
	return &bytesPieceReader{Reader: bytes.NewReader(data), length: len(data)}
}

func (r *bytesPieceReader) Length() int { return r.length }

func (r *bytesPieceReader) Close() error { return nil }
