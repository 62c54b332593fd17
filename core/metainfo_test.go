package core

import (
	"bytes"
	"crypto/sha1"
	"testing"

	bencode "github.com/jackpal/bencode-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func buildTestTorrentBytes(t *testing.T, pieceLength int64, pieces []byte, length int64, name string) []byte {
	t.Helper()
	info := map[string]interface{}{
		"name":         name,
		"piece length": pieceLength,
		"pieces":       string(pieces),
		"length":       length,
	}
	outer := map[string]interface{}{
		"info":     info,
		"announce": "http://tracker.example.com/announce",
		"announce-list": [][]string{
			{"http://tracker.example.com/announce"},
			{"udp://backup.example.com:6969"},
		},
	}
	var buf bytes.Buffer
	require.NoError(t, bencode.Marshal(&buf, outer))
	return buf.Bytes()
}

func TestParseMetaInfoFileSingleFile(t *testing.T) {
	h1 := sha1.Sum([]byte("piece-zero-data-32kb-aligned...."))
	h2 := sha1.Sum([]byte("piece-one-data-shorter"))
	pieces := append(append([]byte{}, h1[:]...), h2[:]...)

	raw := buildTestTorrentBytes(t, 32768, pieces, 32768+22, "movie.mkv")

	m, err := ParseMetaInfoFile(bytes.NewReader(raw))
	require.NoError(t, err)

	assert.Equal(t, "movie.mkv", m.Name)
	assert.Equal(t, int64(32768), m.PieceLength)
	assert.Equal(t, 2, m.NumPieces())
	assert.Equal(t, int64(32768+22), m.Length())
	assert.Equal(t, int64(32768), m.PieceLengthAt(0))
	assert.Equal(t, int64(22), m.PieceLengthAt(1))
	require.Len(t, m.Files, 1)
	assert.Equal(t, []string{"movie.mkv"}, m.Files[0].Path)
	assert.Len(t, m.Trackers, 2)
	assert.Equal(t, V1, m.InfoHash.Version())
}

func TestParseMetaInfoFileMultiFile(t *testing.T) {
	h1 := sha1.Sum([]byte("abc"))
	info := map[string]interface{}{
		"name":         "season1",
		"piece length": int64(16384),
		"pieces":       string(h1[:]),
		"files": []map[string]interface{}{
			{"length": int64(100), "path": []string{"ep1.mkv"}},
			{"length": int64(200), "path": []string{"ep2.mkv"}},
		},
	}
	outer := map[string]interface{}{"info": info}
	var buf bytes.Buffer
	require.NoError(t, bencode.Marshal(&buf, outer))

	m, err := ParseMetaInfoFile(bytes.NewReader(buf.Bytes()))
	require.NoError(t, err)

	require.Len(t, m.Files, 2)
	assert.Equal(t, int64(0), m.Files[0].Offset)
	assert.Equal(t, int64(100), m.Files[1].Offset)
	assert.Equal(t, int64(300), m.Length())
}

func TestParseMetaInfoFileBadPieceLength(t *testing.T) {
	info := map[string]interface{}{
		"name":         "x",
		"piece length": int64(0),
		"pieces":       "",
		"length":       int64(0),
	}
	outer := map[string]interface{}{"info": info}
	var buf bytes.Buffer
	require.NoError(t, bencode.Marshal(&buf, outer))

	_, err := ParseMetaInfoFile(bytes.NewReader(buf.Bytes()))
	assert.ErrorIs(t, err, ErrConsistency)
}

func TestBuildMetaInfoFromInfoBytesVerifiesHash(t *testing.T) {
	raw := buildTestTorrentBytes(t, 16384, bytes.Repeat([]byte{0xAB}, 20), 16384, "x")
	m, err := ParseMetaInfoFile(bytes.NewReader(raw))
	require.NoError(t, err)

	_, err = BuildMetaInfoFromInfoBytes(m.RawInfoDict(), m.InfoHash, nil)
	require.NoError(t, err)

	wrongHash := NewInfoHashFromBytes([]byte("not the info dict"), V1)
	_, err = BuildMetaInfoFromInfoBytes(m.RawInfoDict(), wrongHash, nil)
	assert.ErrorIs(t, err, ErrConsistency)
}
