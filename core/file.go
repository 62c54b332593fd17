package core

import "fmt"

// File describes one file within a (possibly multi-file) torrent (spec
// §3). Files are contiguous in torrent byte-space and sorted by Offset;
// total length equals piece_length*(n-1) + last_piece_length.
type File struct {
	Path     []string
	Offset   int64
	Length   int64
	Priority Priority
}

// FullPath joins Path with sep, e.g. "/" for display or logging.
func (f File) FullPath(sep string) string {
	out := ""
	for i, p := range f.Path {
		if i > 0 {
			out += sep
		}
		out += p
	}
	return out
}

// ValidateFiles checks the contiguity invariant from spec §3: files are
// sorted by offset, contiguous, and their lengths sum to total.
func ValidateFiles(files []File, total int64) error {
	var offset int64
	for i, f := range files {
		if f.Offset != offset {
			return fmt.Errorf("%w: file %d offset %d, expected %d", ErrConsistency, i, f.Offset, offset)
		}
		offset += f.Length
	}
	if offset != total {
		return fmt.Errorf("%w: files sum to %d bytes, torrent length is %d", ErrConsistency, offset, total)
	}
	return nil
}
