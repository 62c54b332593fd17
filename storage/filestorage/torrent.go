// Package filestorage implements storage.TorrentArchive and storage.Torrent
// on top of plain files in a directory tree, one sparse data file plus one
// small status sidecar per torrent.
package filestorage

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/willf/bitset"
	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/watchreel/torrent/core"
	"github.com/watchreel/torrent/storage"
)

const statusSuffix = ".status"

// Torrent is a storage.Torrent backed by a single sparse file on disk,
// addressed by torrent byte offset regardless of how many logical files
// the metadata describes. Concurrent writes to distinct pieces and
// concurrent reads of complete pieces are both safe; concurrent writes to
// the same piece are serialized by piece.tryMarkDirty.
type Torrent struct {
	log         *zap.SugaredLogger
	meta        *core.TorrentMetadata
	dataPath    string
	statusPath  string
	pieces      []*piece
	numComplete *atomic.Int32
}

// NewTorrent opens or creates the backing file for meta under dir, restoring
// piece completeness from the status sidecar if present.
func NewTorrent(dir string, meta *core.TorrentMetadata, log *zap.SugaredLogger) (*Torrent, error) {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("%w: mkdir torrent dir: %s", core.ErrIO, err)
	}

	name := meta.InfoHash.Hex()
	dataPath := filepath.Join(dir, name)
	statusPath := filepath.Join(dir, name+statusSuffix)

	f, err := os.OpenFile(dataPath, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, fmt.Errorf("%w: open data file: %s", core.ErrIO, err)
	}
	defer f.Close()
	if err := f.Truncate(meta.Length()); err != nil {
		return nil, fmt.Errorf("%w: preallocate data file: %s", core.ErrIO, err)
	}

	pieces, numComplete, err := restoreStatus(statusPath, meta.NumPieces())
	if err != nil {
		return nil, err
	}

	t := &Torrent{
		log:         log,
		meta:        meta,
		dataPath:    dataPath,
		statusPath:  statusPath,
		pieces:      pieces,
		numComplete: atomic.NewInt32(int32(numComplete)),
	}
	return t, nil
}

func restoreStatus(path string, numPieces int) ([]*piece, int, error) {
	pieces := newPieces(numPieces)
	b, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return pieces, 0, nil
	}
	if err != nil {
		return nil, 0, fmt.Errorf("%w: read status sidecar: %s", core.ErrIO, err)
	}
	if len(b) != numPieces {
		// Stale sidecar from a differently-shaped torrent; start fresh
		// rather than guessing.
		return pieces, 0, nil
	}
	var numComplete int
	for i, s := range b {
		if status(s) == statusComplete {
			pieces[i].status = statusComplete
			numComplete++
		}
	}
	return pieces, numComplete, nil
}

func (t *Torrent) persistStatus() error {
	b := make([]byte, len(t.pieces))
	for i, p := range t.pieces {
		if p.complete() {
			b[i] = byte(statusComplete)
		}
	}
	return os.WriteFile(t.statusPath, b, 0644)
}

// InfoHash returns the torrent's info hash.
func (t *Torrent) InfoHash() core.InfoHash {
	return t.meta.InfoHash
}

// Stat returns a TorrentInfo snapshot of t's progress.
func (t *Torrent) Stat() *storage.TorrentInfo {
	return storage.NewTorrentInfo(t.meta, t.Bitfield())
}

// NumPieces returns the number of pieces in the torrent.
func (t *Torrent) NumPieces() int {
	return len(t.pieces)
}

// Length returns the total torrent length in bytes.
func (t *Torrent) Length() int64 {
	return t.meta.Length()
}

// PieceLength returns the length of piece pi, accounting for a shorter
// final piece.
func (t *Torrent) PieceLength(pi int) int64 {
	return t.meta.PieceLengthAt(pi)
}

// MaxPieceLength returns the torrent's standard (non-final) piece length.
func (t *Torrent) MaxPieceLength() int64 {
	return t.meta.PieceLength
}

// Complete reports whether every piece has been written and verified.
func (t *Torrent) Complete() bool {
	return int(t.numComplete.Load()) == len(t.pieces)
}

// BytesDownloaded estimates bytes downloaded so far from completed pieces.
func (t *Torrent) BytesDownloaded() int64 {
	n := int64(t.numComplete.Load())
	if n == 0 {
		return 0
	}
	total := n * t.meta.PieceLength
	if total > t.meta.Length() {
		total = t.meta.Length()
	}
	return total
}

// Bitfield returns a snapshot bitset of complete pieces.
func (t *Torrent) Bitfield() *bitset.BitSet {
	b := bitset.New(uint(len(t.pieces)))
	for i, p := range t.pieces {
		if p.complete() {
			b.Set(uint(i))
		}
	}
	return b
}

func (t *Torrent) String() string {
	pct := t.Stat().PercentDownloaded()
	return fmt.Sprintf("torrent(hash=%s, downloaded=%d%%)", t.meta.InfoHash.Hex(), pct)
}

func (t *Torrent) getPiece(pi int) (*piece, error) {
	if pi < 0 || pi >= len(t.pieces) {
		return nil, fmt.Errorf("%w: invalid piece index %d (num pieces %d)", core.ErrConsistency, pi, len(t.pieces))
	}
	return t.pieces[pi], nil
}

func (t *Torrent) fileOffset(pi int) int64 {
	return t.meta.PieceLength * int64(pi)
}

// WritePiece writes src to the backing file while hashing it, and marks the
// piece complete only if the hash matches the piece's recorded digest. On a
// mismatch the piece stays incomplete, though the bytes remain on disk.
// Only one writer may succeed per piece; concurrent writers to the same
// piece receive storage.ErrWriteConflict.
func (t *Torrent) WritePiece(src storage.PieceReader, pi int) error {
	p, err := t.getPiece(pi)
	if err != nil {
		return err
	}
	expected := t.PieceLength(pi)
	if int64(src.Length()) != expected {
		return fmt.Errorf("%w: invalid piece length for piece %d: expected %d, got %d",
			core.ErrConsistency, pi, expected, src.Length())
	}

	if p.complete() {
		return fmt.Errorf("%w: piece %d already complete", storage.ErrPieceComplete, pi)
	}
	if p.dirty() {
		return fmt.Errorf("%w: piece %d already being written", storage.ErrWriteConflict, pi)
	}
	dirty, complete := p.tryMarkDirty()
	if dirty {
		return fmt.Errorf("%w: piece %d already being written", storage.ErrWriteConflict, pi)
	}
	if complete {
		return fmt.Errorf("%w: piece %d already complete", storage.ErrPieceComplete, pi)
	}

	if err := t.writePieceData(src, pi); err != nil {
		p.markEmpty()
		return fmt.Errorf("write piece %d: %s", pi, err)
	}

	p.markComplete()
	t.numComplete.Inc()
	if err := t.persistStatus(); err != nil {
		t.log.Errorw("failed to persist piece status", "infoHash", t.meta.InfoHash.Hex(), "error", err)
	}
	return nil
}

func (t *Torrent) writePieceData(src storage.PieceReader, pi int) error {
	f, err := os.OpenFile(t.dataPath, os.O_RDWR, 0644)
	if err != nil {
		return fmt.Errorf("%w: open data file: %s", core.ErrIO, err)
	}
	defer f.Close()

	h := core.NewPieceHasher(t.meta.InfoHash.Version())
	r := io.TeeReader(src, h)

	if _, err := f.Seek(t.fileOffset(pi), io.SeekStart); err != nil {
		return fmt.Errorf("seek: %s", err)
	}
	if _, err := io.Copy(f, r); err != nil {
		return fmt.Errorf("%w: copy: %s", core.ErrIO, err)
	}

	sum := h.Sum(nil)
	expected := t.meta.PieceHashes[pi]
	if len(sum) != len(expected) || string(sum) != string(expected) {
		return fmt.Errorf("%w: piece %d hash mismatch", core.ErrConsistency, pi)
	}
	return nil
}

type opener struct {
	path string
}

func (o *opener) Open() (*os.File, error) {
	return os.Open(o.path)
}

// GetPieceReader returns a lazily-opened reader for the bytes of piece pi.
// The piece must already be complete.
func (t *Torrent) GetPieceReader(pi int) (storage.PieceReader, error) {
	p, err := t.getPiece(pi)
	if err != nil {
		return nil, err
	}
	if !p.complete() {
		return nil, fmt.Errorf("%w: piece %d not complete", storage.ErrPieceNotComplete, pi)
	}
	return storage.NewFileReader(t.fileOffset(pi), t.PieceLength(pi), &opener{t.dataPath}), nil
}

// HasPiece reports whether piece pi has been verified and written.
func (t *Torrent) HasPiece(pi int) bool {
	p, err := t.getPiece(pi)
	if err != nil {
		return false
	}
	return p.complete()
}

// MissingPieces returns the indices of every piece not yet complete.
func (t *Torrent) MissingPieces() []int {
	var missing []int
	for i, p := range t.pieces {
		if !p.complete() {
			missing = append(missing, i)
		}
	}
	return missing
}
