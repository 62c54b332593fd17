package storage

import (
	"fmt"
	"io"
	"os"
)

// Opener opens the backing file for a piece read. Implementations may
// return a fresh *os.File each call; FileReader seeks to the right offset
// and limits the read to the piece length.
type Opener interface {
	Open() (*os.File, error)
}

// FileReader is a PieceReader that lazily opens its backing file on first
// Read, seeks to offset, and limits reads to length.
type FileReader struct {
	offset int64
	length int64

	opener Opener
	closer io.Closer
	reader io.Reader
}

// NewFileReader builds a FileReader over [offset, offset+length) of
// whatever file opener.Open returns.
func NewFileReader(offset, length int64, opener Opener) *FileReader {
	return &FileReader{offset: offset, length: length, opener: opener}
}

// Read implements io.Reader, opening the backing file on first call.
func (r *FileReader) Read(p []byte) (int, error) {
	if r.reader == nil {
		f, err := r.opener.Open()
		if err != nil {
			return 0, fmt.Errorf("%w: open piece file: %s", ErrNotFound, err)
		}
		if _, err := f.Seek(r.offset, io.SeekStart); err != nil {
			f.Close()
			return 0, fmt.Errorf("seek: %s", err)
		}
		r.reader = io.LimitReader(f, r.length)
		r.closer = f
	}
	return r.reader.Read(p)
}

// Close closes the underlying file, if one was opened.
func (r *FileReader) Close() error {
	if r.closer == nil {
		return nil
	}
	return r.closer.Close()
}

// Length returns the piece length in bytes.
func (r *FileReader) Length() int {
	return int(r.length)
}
