package filestorage

import (
	"crypto/sha1"
	"os"

	"github.com/watchreel/torrent/core"
)

// metadataFixture builds a minimal single-file TorrentMetadata with
// pieceCount pieces of pieceLength bytes each (the last possibly shorter),
// with hashes computed over repeated-byte piece content so tests can
// produce matching data with bytes.Repeat.
func metadataFixture(pieceLength int64, totalLength int64) *core.TorrentMetadata {
	n := int((totalLength + pieceLength - 1) / pieceLength)
	hashes := make([][]byte, n)
	remaining := totalLength
	for i := 0; i < n; i++ {
		l := pieceLength
		if remaining < l {
			l = remaining
		}
		data := make([]byte, l)
		for j := range data {
			data[j] = byte(i)
		}
		sum := sha1.Sum(data)
		hashes[i] = sum[:]
		remaining -= l
	}
	return &core.TorrentMetadata{
		InfoHash:    core.NewInfoHashFromBytes([]byte("filestorage-fixture"), core.V1),
		Name:        "fixture",
		PieceLength: pieceLength,
		PieceHashes: hashes,
		Files: []core.File{
			{Path: []string{"fixture.bin"}, Offset: 0, Length: totalLength},
		},
	}
}

func pieceData(pieceIndex int, length int64) []byte {
	data := make([]byte, length)
	for i := range data {
		data[i] = byte(pieceIndex)
	}
	return data
}

func archiveFixture(dir string) *TorrentArchive {
	return NewTorrentArchive(Config{Dir: dir}, nil, nil)
}

func tempDir() (string, func()) {
	dir, err := os.MkdirTemp("", "filestorage-test-")
	if err != nil {
		panic(err)
	}
	return dir, func() { os.RemoveAll(dir) }
}
