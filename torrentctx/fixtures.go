package torrentctx

import (
	"crypto/sha1"
	"os"

	"github.com/andres-erbsen/clock"
	"go.uber.org/zap"

	"github.com/watchreel/torrent/core"
	"github.com/watchreel/torrent/storage/filestorage"
)

func peerIDFixture() core.PeerID {
	id, err := core.RandomPeerID()
	if err != nil {
		panic(err)
	}
	return id
}

// metadataFixture builds a single-file TorrentMetadata with pieceCount
// pieces of core.BlockSize bytes each, hashed over repeated-byte content
// so a matching buffer is trivial to build with bytes.Repeat.
func metadataFixture(pieceCount int) *core.TorrentMetadata {
	hashes := make([][]byte, pieceCount)
	for i := range hashes {
		data := make([]byte, core.BlockSize)
		for j := range data {
			data[j] = byte(i)
		}
		sum := sha1.Sum(data)
		hashes[i] = sum[:]
	}
	return &core.TorrentMetadata{
		InfoHash:    core.NewInfoHashFromBytes([]byte("torrentctx-fixture"), core.V1),
		Name:        "fixture",
		PieceLength: int64(core.BlockSize),
		PieceHashes: hashes,
		Files: []core.File{
			{Path: []string{"fixture.bin"}, Offset: 0, Length: int64(pieceCount) * int64(core.BlockSize)},
		},
	}
}

func pieceDataFixture(pieceIndex int) []byte {
	data := make([]byte, core.BlockSize)
	for i := range data {
		data[i] = byte(pieceIndex)
	}
	return data
}

func archiveFixture() (*filestorage.TorrentArchive, func()) {
	dir, err := os.MkdirTemp("", "torrentctx-test-")
	if err != nil {
		panic(err)
	}
	a := filestorage.NewTorrentArchive(filestorage.Config{Dir: dir}, nil, nil)
	return a, func() { os.RemoveAll(dir) }
}

func configFixture() Config {
	c := Config{}
	return c.applyDefaults()
}

// contextFixture builds a Context over a known-metadata torrent with no
// tracker tiers and DHT disabled, so Tick can run without touching the
// network.
func contextFixture(pieceCount int) (*Context, *core.TorrentMetadata, func()) {
	archive, cleanup := archiveFixture()
	meta := metadataFixture(pieceCount)
	tc, err := New(configFixture(), meta, archive, peerIDFixture(), 0, clock.NewMock(), zap.NewNop().Sugar())
	if err != nil {
		cleanup()
		panic(err)
	}
	return tc, meta, cleanup
}

// magnetContextFixture builds a Context with no metadata yet known.
func magnetContextFixture() (*Context, func()) {
	archive, cleanup := archiveFixture()
	ih := core.NewInfoHashFromBytes([]byte("torrentctx-magnet-fixture"), core.V1)
	tc, err := NewMagnet(configFixture(), ih, archive, peerIDFixture(), 0, clock.NewMock(), zap.NewNop().Sugar())
	if err != nil {
		cleanup()
		panic(err)
	}
	return tc, cleanup
}
