package core

import (
	"crypto/sha1"
	"crypto/sha256"
	"fmt"
	"hash"
)

// BlockSize is the standard request-block size used to subdivide a piece
// into PieceParts, per spec §3. The final block of the final piece may
// be shorter.
const BlockSize = 16 * 1024

// PieceState enumerates the lifecycle of a single piece (spec §3).
type PieceState int

const (
	// PieceMissing: no data held locally, not yet requested.
	PieceMissing PieceState = iota
	// PiecePending: some parts have been requested but not all arrived.
	PiecePending
	// PiecePartial: all parts requested, some blocks buffered, not yet
	// hashed.
	PiecePartial
	// PieceComplete: all blocks received, awaiting hash verification.
	PieceComplete
	// PieceVerified: hash(storage_bytes) == hash. Readable.
	PieceVerified
	// PieceFailed: hash verification failed; buffer discarded, piece
	// re-enqueued.
	PieceFailed
)

func (s PieceState) String() string {
	switch s {
	case PieceMissing:
		return "missing"
	case PiecePending:
		return "pending"
	case PiecePartial:
		return "partial"
	case PieceComplete:
		return "complete"
	case PieceVerified:
		return "verified"
	case PieceFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Piece describes one piece of a torrent (spec §3). Hash holds either a
// 20-byte SHA-1 sum (v1) or 32-byte SHA-256 sum (v2), matching the
// torrent's InfoHash version.
type Piece struct {
	Index        int
	Length       int64
	Hash         []byte
	Priority     Priority
	State        PieceState
	Availability uint32
}

// Priority biases the piece picker (spec §4.6). Higher values are
// preferred. Streaming raises a piece to PriorityHigh when a byte range
// covering it is requested (spec §4.8).
type Priority int

const (
	PriorityNone Priority = iota
	PriorityLow
	PriorityNormal
	PriorityHigh
	PriorityReadahead
)

// PiecePart is a sub-range of a piece used as the unit of request (spec
// §3). Invariant: Begin+Length <= the owning piece's Length.
type PiecePart struct {
	Piece  int
	Begin  uint32
	Length uint32
}

// PartsForPiece splits a piece of the given length into BlockSize parts,
// the last of which may be shorter (spec §3, §8 boundary: a piece of
// exactly BlockSize has a single part).
func PartsForPiece(index int, length int64) []PiecePart {
	var parts []PiecePart
	var begin int64
	for begin < length {
		l := int64(BlockSize)
		if length-begin < l {
			l = length - begin
		}
		parts = append(parts, PiecePart{
			Piece:  index,
			Begin:  uint32(begin),
			Length: uint32(l),
		})
		begin += l
	}
	return parts
}

// NewPieceHasher returns a hash.Hash appropriate for the info hash
// version: SHA-1 for v1 torrents, SHA-256 for v2/BEP52 torrents
// (spec §4.1 hash_v1/hash_v2).
func NewPieceHasher(version HashVersion) hash.Hash {
	if version == V2 {
		return sha256.New()
	}
	return sha1.New()
}

// VerifyPiece reports whether data hashes to the piece's recorded sum.
func VerifyPiece(p *Piece, version HashVersion, data []byte) (bool, error) {
	h := NewPieceHasher(version)
	if _, err := h.Write(data); err != nil {
		return false, fmt.Errorf("%w: hash piece %d: %s", ErrIO, p.Index, err)
	}
	sum := h.Sum(nil)
	if len(sum) != len(p.Hash) {
		return false, fmt.Errorf("%w: piece %d hash length mismatch", ErrConsistency, p.Index)
	}
	for i := range sum {
		if sum[i] != p.Hash[i] {
			return false, nil
		}
	}
	return true, nil
}
