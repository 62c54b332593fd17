package peer

import (
	"testing"
	"time"

	"github.com/andres-erbsen/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/uber-go/tally"
	"go.uber.org/zap"

	"github.com/watchreel/torrent/core"
)

type noopEvents struct{}

func (noopEvents) ConnClosed(*Conn) {}

func connPairFixture(t *testing.T, numPieces int) (*Conn, *Conn, func()) {
	t.Helper()
	nc1, nc2 := pipeConns()
	meta := metadataFixture(numPieces)
	clk := clock.New()
	cfg := Config{}.applyDefaults()

	a := newConn(cfg, tally.NoopScope, clk, noopEvents{}, nc1, peerIDFixture(), peerIDFixture(), meta, numPieces, false, false, false, zap.NewNop().Sugar())
	b := newConn(cfg, tally.NoopScope, clk, noopEvents{}, nc2, peerIDFixture(), peerIDFixture(), meta, numPieces, false, false, true, zap.NewNop().Sugar())
	a.Start()
	b.Start()
	return a, b, func() { a.Close(); b.Close() }
}

func TestConnSendReceiveChoke(t *testing.T) {
	a, b, closeFn := connPairFixture(t, 4)
	defer closeFn()

	require.NoError(t, a.SetAmChoking(false))

	select {
	case msg := <-b.Receiver():
		handled, err := b.ApplyControlMessage(msg)
		require.NoError(t, err)
		assert.True(t, handled)
		assert.False(t, b.PeerChoking())
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for unchoke")
	}
}

func TestConnHaveUpdatesBitfield(t *testing.T) {
	a, b, closeFn := connPairFixture(t, 4)
	defer closeFn()

	require.NoError(t, a.Send(NewHaveMessage(2)))

	select {
	case msg := <-b.Receiver():
		handled, err := b.ApplyControlMessage(msg)
		require.NoError(t, err)
		assert.True(t, handled)
		assert.True(t, b.HasPiece(2))
		assert.False(t, b.HasPiece(1))
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for have")
	}
}

func TestConnCloseIsIdempotent(t *testing.T) {
	a, _, closeFn := connPairFixture(t, 1)
	defer closeFn()

	a.Close()
	a.Close()
	assert.True(t, a.IsClosed())
}

func TestConnRecordsDownloadRate(t *testing.T) {
	a, b, closeFn := connPairFixture(t, 4)
	defer closeFn()

	block := make([]byte, 1024)
	require.NoError(t, a.Send(NewPieceMessage(0, 0, block)))

	select {
	case msg := <-b.Receiver():
		assert.Equal(t, MsgPiece, msg.ID)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for piece")
	}

	assert.Eventually(t, func() bool {
		return b.BytesDownloaded() == 1024
	}, time.Second, 10*time.Millisecond)
}

func TestApplyControlMessageRejectsFastWithoutNegotiation(t *testing.T) {
	a, b, closeFn := connPairFixture(t, 4)
	defer closeFn()

	_, err := b.ApplyControlMessage(&Message{ID: MsgHaveAll})
	assert.ErrorIs(t, err, core.ErrProtocol)
	_ = a
}
