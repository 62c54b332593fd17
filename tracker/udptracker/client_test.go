package udptracker

import (
	"context"
	"encoding/binary"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/watchreel/torrent/core"
	"github.com/watchreel/torrent/tracker"
)

// fakeTrackerServer answers exactly one connect and one announce request
// using a real UDP socket, mimicking a BEP15 tracker closely enough to
// exercise the client's packet encoding end to end.
func fakeTrackerServer(t *testing.T) (addr string, stop func()) {
	t.Helper()
	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		buf := make([]byte, 4096)
		for {
			pc.SetReadDeadline(time.Now().Add(2 * time.Second))
			n, raddr, err := pc.ReadFrom(buf)
			if err != nil {
				return
			}
			pkt := buf[:n]
			action := binary.BigEndian.Uint32(pkt[8:12])
			txID := binary.BigEndian.Uint32(pkt[12:16])

			switch action {
			case actionConnect:
				resp := make([]byte, 16)
				binary.BigEndian.PutUint32(resp[0:4], actionConnect)
				binary.BigEndian.PutUint32(resp[4:8], txID)
				binary.BigEndian.PutUint64(resp[8:16], 0xdeadbeef)
				pc.WriteTo(resp, raddr)
			case actionAnnounce:
				resp := make([]byte, 26)
				binary.BigEndian.PutUint32(resp[0:4], actionAnnounce)
				binary.BigEndian.PutUint32(resp[4:8], txID)
				binary.BigEndian.PutUint32(resp[8:12], 1800)
				binary.BigEndian.PutUint32(resp[12:16], 2)
				binary.BigEndian.PutUint32(resp[16:20], 5)
				resp[20], resp[21], resp[22], resp[23] = 10, 0, 0, 1
				resp[24], resp[25] = 0x1A, 0xE1
				pc.WriteTo(resp, raddr)
				close(done)
				return
			}
		}
	}()

	return pc.LocalAddr().String(), func() { pc.Close() }
}

func TestUDPAnnounce(t *testing.T) {
	addr, stop := fakeTrackerServer(t)
	defer stop()

	c := New(addr, 2*time.Second)
	ih := core.NewInfoHashFromBytes([]byte("udp-test"), core.V1)
	pid, err := core.RandomPeerID()
	require.NoError(t, err)

	resp, err := c.Announce(context.Background(), tracker.AnnounceRequest{
		InfoHash: ih,
		PeerID:   pid,
		Port:     6881,
		Left:     500,
	})
	require.NoError(t, err)
	assert.Equal(t, 5, resp.Seeders)
	assert.Equal(t, 2, resp.Leechers)
	require.Len(t, resp.Peers, 1)
	assert.Equal(t, "10.0.0.1", resp.Peers[0].IP)
	assert.Equal(t, 6881, resp.Peers[0].Port)
}

func TestUDPAnnounceRejectsV2InfoHash(t *testing.T) {
	c := New("127.0.0.1:1", time.Second)
	ih := core.NewInfoHashFromBytes([]byte("v2"), core.V2)
	pid, _ := core.RandomPeerID()

	_, err := c.Announce(context.Background(), tracker.AnnounceRequest{InfoHash: ih, PeerID: pid})
	assert.ErrorIs(t, err, core.ErrProtocol)
}
