package peerpool

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/watchreel/torrent/core"
	"github.com/watchreel/torrent/peer"
)

func TestAddPeersDedupesByAddr(t *testing.T) {
	p, _ := poolFixture(Config{})
	h := metadataFixture(1).InfoHash
	p.AddTorrent(h)

	peerA := peerIDFixture()
	added := p.AddPeers(h, []*core.PeerInfo{
		{PeerID: peerA, IP: "10.0.0.1", Port: 6881},
		{PeerID: peerA, IP: "10.0.0.1", Port: 6881},
	})
	assert.Equal(t, 1, added)

	added = p.AddPeers(h, []*core.PeerInfo{
		{PeerID: peerIDFixture(), IP: "10.0.0.2", Port: 6881},
	})
	assert.Equal(t, 1, added)

	addrs := p.NextAddrs(h, 10)
	assert.Len(t, addrs, 2)
}

func TestNextAddrsExcludesBlacklisted(t *testing.T) {
	p, _ := poolFixture(Config{})
	h := metadataFixture(1).InfoHash
	bad := peerIDFixture()
	p.AddPeers(h, []*core.PeerInfo{{PeerID: bad, IP: "10.0.0.1", Port: 6881}})

	p.mu.Lock()
	require.NoError(t, p.st.blacklistPeer(h, bad))
	p.mu.Unlock()

	assert.Empty(t, p.NextAddrs(h, 10))
}

type acceptResult struct {
	c   *peer.Conn
	err error
}

func TestDialAndAcceptEstablishConnection(t *testing.T) {
	meta := metadataFixture(4)

	serverPool, serverID := poolFixture(Config{})
	clientPool, _ := poolFixture(Config{})

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	lookup := func(h core.InfoHash) (*core.TorrentMetadata, int, bool) {
		return meta, 4, true
	}

	resultCh := make(chan acceptResult, 1)
	go func() {
		nc, err := ln.Accept()
		if err != nil {
			resultCh <- acceptResult{nil, err}
			return
		}
		c, err := serverPool.Accept(nc, lookup)
		resultCh <- acceptResult{c, err}
	}()

	serverPeer := &core.PeerInfo{
		PeerID: serverID,
		IP:     "127.0.0.1",
		Port:   ln.Addr().(*net.TCPAddr).Port,
	}
	clientConn, err := clientPool.Dial(nil, meta, 4, serverPeer, nil)
	require.NoError(t, err)
	defer clientConn.Close()

	select {
	case res := <-resultCh:
		require.NoError(t, res.err)
		defer res.c.Close()
		assert.True(t, res.c.InfoHash().Equal(meta.InfoHash))
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for server accept")
	}

	assert.Len(t, clientPool.ActiveConns(meta.InfoHash), 1)
}

func TestAddPendingRejectsSecondPendingForSamePeer(t *testing.T) {
	p, _ := poolFixture(Config{})
	h := metadataFixture(1).InfoHash
	pid := peerIDFixture()

	p.mu.Lock()
	require.NoError(t, p.st.addPending(h, pid, nil))
	err := p.st.addPending(h, pid, nil)
	p.mu.Unlock()

	assert.ErrorIs(t, err, ErrConnAlreadyPending)
}

func TestAddPendingEnforcesPerTorrentCapacity(t *testing.T) {
	p, _ := poolFixture(Config{MaxPeersPerTorrent: 1})
	h := metadataFixture(1).InfoHash

	p.mu.Lock()
	require.NoError(t, p.st.addPending(h, peerIDFixture(), nil))
	err := p.st.addPending(h, peerIDFixture(), nil)
	p.mu.Unlock()

	assert.ErrorIs(t, err, ErrTorrentAtCapacity)
}
