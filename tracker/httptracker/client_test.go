package httptracker

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	bencode "github.com/jackpal/bencode-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/watchreel/torrent/core"
	"github.com/watchreel/torrent/tracker"
)

func TestAnnounceCompactPeers(t *testing.T) {
	var compact bytes.Buffer
	compact.Write([]byte{192, 168, 1, 1})
	compact.Write([]byte{0x1A, 0xE1}) // port 6881

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "1", r.URL.Query().Get("compact"))
		resp := map[string]interface{}{
			"interval": int64(1800),
			"complete": int64(3),
			"incomplete": int64(1),
			"peers":    compact.String(),
		}
		require.NoError(t, bencode.Marshal(w, resp))
	}))
	defer srv.Close()

	c := New(srv.URL, 0)
	ih := core.NewInfoHashFromBytes([]byte("test"), core.V1)
	pid, err := core.RandomPeerID()
	require.NoError(t, err)

	resp, err := c.Announce(context.Background(), tracker.AnnounceRequest{
		InfoHash: ih,
		PeerID:   pid,
		Port:     6881,
		Left:     1000,
	})
	require.NoError(t, err)
	assert.Equal(t, 3, resp.Seeders)
	assert.Equal(t, 1, resp.Leechers)
	require.Len(t, resp.Peers, 1)
	assert.Equal(t, "192.168.1.1", resp.Peers[0].IP)
	assert.Equal(t, 6881, resp.Peers[0].Port)
}

func TestAnnounceFailureReason(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		resp := map[string]interface{}{"failure reason": "unregistered torrent"}
		require.NoError(t, bencode.Marshal(w, resp))
	}))
	defer srv.Close()

	c := New(srv.URL, 0)
	ih := core.NewInfoHashFromBytes([]byte("test"), core.V1)
	pid, err := core.RandomPeerID()
	require.NoError(t, err)

	_, err = c.Announce(context.Background(), tracker.AnnounceRequest{InfoHash: ih, PeerID: pid})
	assert.ErrorIs(t, err, core.ErrProtocol)
	assert.Contains(t, err.Error(), "unregistered torrent")
}
