// Package storage defines the interfaces between a torrent's piece layout
// (core.TorrentMetadata) and the bytes backing it on disk. filestorage
// provides the only implementation.
package storage

import (
	"io"

	"github.com/willf/bitset"

	"github.com/watchreel/torrent/core"
)

// ErrNotFound occurs when a TorrentArchive cannot find a torrent on disk.
var ErrNotFound = core.ErrIO

// ErrPieceComplete occurs when a piece write is attempted against a piece
// already marked complete.
var ErrPieceComplete = core.ErrConsistency

// ErrPieceNotComplete occurs when a piece read is attempted against a piece
// that has not finished verification.
var ErrPieceNotComplete = core.ErrConsistency

// ErrWriteConflict occurs when two writers race to write the same piece.
var ErrWriteConflict = core.ErrConsistency

// PieceReader supports lazy, seekable reads of a single piece's bytes.
type PieceReader interface {
	io.ReadCloser
	Length() int
}

// Torrent is the read/write interface onto one torrent's on-disk bytes. A
// Torrent is safe for concurrent use: distinct pieces may be written
// concurrently, and all complete pieces may be read concurrently.
type Torrent interface {
	InfoHash() core.InfoHash
	Stat() *TorrentInfo
	NumPieces() int
	Length() int64
	PieceLength(piece int) int64
	MaxPieceLength() int64
	Complete() bool
	BytesDownloaded() int64
	Bitfield() *bitset.BitSet
	String() string

	HasPiece(piece int) bool
	MissingPieces() []int

	WritePiece(src PieceReader, piece int) error
	GetPieceReader(piece int) (PieceReader, error)
}

// TorrentArchive creates and opens torrents backed by files on disk.
type TorrentArchive interface {
	Stat(ih core.InfoHash) (*TorrentInfo, error)
	CreateTorrent(meta *core.TorrentMetadata) (Torrent, error)
	GetTorrent(ih core.InfoHash) (Torrent, error)
	DeleteTorrent(ih core.InfoHash) error
}

// TorrentInfo is a read-only snapshot of a torrent's completeness, cheap
// enough to build on every stats poll.
type TorrentInfo struct {
	metadata          *core.TorrentMetadata
	bitfield          *bitset.BitSet
	percentDownloaded int
}

// NewTorrentInfo builds a TorrentInfo snapshot from meta and bitfield.
func NewTorrentInfo(meta *core.TorrentMetadata, bitfield *bitset.BitSet) *TorrentInfo {
	var pct int
	if meta.NumPieces() > 0 {
		pct = int(float64(bitfield.Count()) / float64(meta.NumPieces()) * 100)
	}
	return &TorrentInfo{meta, bitfield, pct}
}

func (i *TorrentInfo) String() string {
	return i.InfoHash().Hex()
}

// InfoHash returns the torrent's info hash.
func (i *TorrentInfo) InfoHash() core.InfoHash {
	return i.metadata.InfoHash
}

// MaxPieceLength returns the torrent's (non-final) piece length.
func (i *TorrentInfo) MaxPieceLength() int64 {
	return i.metadata.PieceLength
}

// PercentDownloaded returns how much of the torrent is verified on disk, as
// an integer between 0 and 100.
func (i *TorrentInfo) PercentDownloaded() int {
	return i.percentDownloaded
}

// Bitfield returns a snapshot of which pieces are complete. It is a copy and
// may go stale immediately.
func (i *TorrentInfo) Bitfield() *bitset.BitSet {
	return i.bitfield
}
