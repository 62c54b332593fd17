package peer

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFullHandshakeBothSidesOperational(t *testing.T) {
	meta := metadataFixture(4)

	aPeerID := peerIDFixture()
	bPeerID := peerIDFixture()

	aHS := handshakerFixture(Config{EnableExtended: true, EnableFastExtension: true}, aPeerID)
	bHS := handshakerFixture(Config{EnableExtended: true, EnableFastExtension: true}, bPeerID)

	nc1, nc2 := pipeConns()

	type result struct {
		conn *Conn
		err  error
	}
	initCh := make(chan result, 1)
	acceptCh := make(chan result, 1)

	go func() {
		// Simulate Initialize's dial by handing it an already-connected
		// socket: fullHandshake is exercised directly since net.Pipe has
		// no listener to dial through.
		c, err := aHS.fullHandshake(nc1, bPeerID, meta, meta.NumPieces())
		initCh <- result{c, err}
	}()
	go func() {
		pc, err := bHS.Accept(nc2)
		if err != nil {
			acceptCh <- result{nil, err}
			return
		}
		c, err := bHS.Establish(pc, meta, meta.NumPieces())
		acceptCh <- result{c, err}
	}()

	ir := <-initCh
	ar := <-acceptCh

	require.NoError(t, ir.err)
	require.NoError(t, ar.err)

	assert.Equal(t, bPeerID, ir.conn.PeerID())
	assert.Equal(t, aPeerID, ar.conn.PeerID())
	assert.True(t, ir.conn.SupportsExtended())
	assert.True(t, ar.conn.SupportsExtended())
}

func TestHandshakeRejectsSelfConnection(t *testing.T) {
	meta := metadataFixture(1)
	peerID := peerIDFixture()
	hs := handshakerFixture(Config{}, peerID)

	nc1, nc2 := pipeConns()
	go writeHandshake(nc1, [8]byte{}, meta.InfoHash, peerID)

	_, err := hs.Accept(nc2)
	require.Error(t, err)
}

func TestHandshakeRejectsWrongPeerID(t *testing.T) {
	meta := metadataFixture(1)
	localID := peerIDFixture()
	remoteID := peerIDFixture()
	wrongID := peerIDFixture()
	hs := handshakerFixture(Config{}, localID)

	nc1, nc2 := pipeConns()
	go func() {
		readHandshake(nc2)
		writeHandshake(nc2, [8]byte{}, meta.InfoHash, wrongID)
	}()

	_, err := hs.fullHandshake(nc1, remoteID, meta, meta.NumPieces())
	require.Error(t, err)
}
