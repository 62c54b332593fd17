package peer

import (
	"net"

	"github.com/andres-erbsen/clock"
	"github.com/uber-go/tally"
	"go.uber.org/zap"

	"github.com/watchreel/torrent/core"
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
		InfoHash:    core.NewInfoHashFromBytes([]byte("peer-fixture"), core.V1),
		Name:        "fixture",
		PieceLength: int64(core.BlockSize),
		PieceHashes: hashes,
		Files: []core.File{
			{Path: []string{"fixture.bin"}, Offset: 0, Length: int64(numPieces) * int64(core.BlockSize)},
		},
	}
}

// pipeConns returns a connected pair of in-memory net.Conn, standing in
// for a dialed TCP socket in tests.
func pipeConns() (net.Conn, net.Conn) {
	return net.Pipe()
}

func handshakerFixture(config Config, peerID core.PeerID) *Handshaker {
	return NewHandshaker(config, tally.NoopScope, clock.New(), peerID, nil, zap.NewNop().Sugar())
}
