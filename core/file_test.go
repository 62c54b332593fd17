package core

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFileFullPath(t *testing.T) {
	f := File{Path: []string{"dir", "sub", "movie.mkv"}}
	assert.Equal(t, "dir/sub/movie.mkv", f.FullPath("/"))
}

func TestValidateFilesOK(t *testing.T) {
	files := []File{
		{Path: []string{"a"}, Offset: 0, Length: 100},
		{Path: []string{"b"}, Offset: 100, Length: 50},
	}
	assert.NoError(t, ValidateFiles(files, 150))
}

func TestValidateFilesGapIsRejected(t *testing.T) {
	files := []File{
		{Path: []string{"a"}, Offset: 0, Length: 100},
		{Path: []string{"b"}, Offset: 200, Length: 50},
	}
	err := ValidateFiles(files, 250)
	assert.ErrorIs(t, err, ErrConsistency)
}

func TestValidateFilesWrongTotalIsRejected(t *testing.T) {
	files := []File{{Path: []string{"a"}, Offset: 0, Length: 100}}
	err := ValidateFiles(files, 200)
	assert.ErrorIs(t, err, ErrConsistency)
}
