package peerpool

import (
	"github.com/andres-erbsen/clock"
	"github.com/uber-go/tally"
	"go.uber.org/zap"

	"github.com/watchreel/torrent/core"
	"github.com/watchreel/torrent/peer"
)

func peerIDFixture() core.PeerID {
	id, err := core.RandomPeerID()
	if err != nil {
		panic(err)
	}
	return id
}

func metadataFixture(numPieces int) *core.TorrentMetadata {
	hashes := make([][]byte, numPieces)
	for i := range hashes {
		hashes[i] = make([]byte, 20)
	}
	return &core.TorrentMetadata{
		InfoHash:    core.NewInfoHashFromBytes([]byte("peerpool-fixture"), core.V1),
		Name:        "fixture",
		PieceLength: int64(core.BlockSize),
		PieceHashes: hashes,
		Files: []core.File{
			{Path: []string{"fixture.bin"}, Offset: 0, Length: int64(numPieces) * int64(core.BlockSize)},
		},
	}
}

func poolFixture(config Config) (*Pool, core.PeerID) {
	peerID := peerIDFixture()
	p := NewPool(config, peerID, clock.New(), zap.NewNop().Sugar())
	hs := peer.NewHandshaker(peer.Config{}, tally.NoopScope, clock.New(), peerID, p, zap.NewNop().Sugar())
	p.SetHandshaker(hs)
	return p, peerID
}
