package picker

import (
	"github.com/watchreel/torrent/core"
)

func peerIDFixture() core.PeerID {
	id, err := core.RandomPeerID()
	if err != nil {
		panic(err)
	}
	return id
}

// candidatesFixture builds one single-part candidate per piece index in
// [0, numPieces), all at PriorityNormal and availability 1.
func candidatesFixture(numPieces int) []Candidate {
	cands := make([]Candidate, numPieces)
	for i := range cands {
		cands[i] = Candidate{
			Part:         core.PiecePart{Piece: i, Begin: 0, Length: uint32(core.BlockSize)},
			Priority:     core.PriorityNormal,
			Availability: 1,
		}
	}
	return cands
}

func alwaysValid(core.PiecePart) bool { return true }
