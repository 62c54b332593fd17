// Package udptracker implements the BEP15 UDP tracker protocol: a
// connect handshake that yields a short-lived connection id, followed by
// an announce request/response pair, all as fixed-width binary packets.
package udptracker

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"net"
	"time"

	"github.com/watchreel/torrent/core"
	"github.com/watchreel/torrent/tracker"
)

// protocolMagic is the fixed connection id used in a connect request,
// per BEP15.
const protocolMagic uint64 = 0x41727101980

const (
	actionConnect  uint32 = 0
	actionAnnounce uint32 = 1
	actionError    uint32 = 3
)

// connectionLifetime is how long a connection id remains valid for
// subsequent announces, per BEP15.
const connectionLifetime = 1 * time.Minute

// Client announces to a single BEP15 UDP tracker endpoint.
type Client struct {
	addr    string
	dial    func(ctx context.Context) (net.Conn, error)
	timeout time.Duration

	connID     uint64
	connIDTime time.Time
}

// New builds a Client for a "host:port" UDP tracker address.
func New(addr string, timeout time.Duration) *Client {
	if timeout == 0 {
		timeout = 15 * time.Second
	}
	c := &Client{addr: addr, timeout: timeout}
	c.dial = func(ctx context.Context) (net.Conn, error) {
		var d net.Dialer
		return d.DialContext(ctx, "udp", addr)
	}
	return c
}

// URL returns the tracker address in "udp://host:port" form.
func (c *Client) URL() string {
	return "udp://" + c.addr
}

func randTransactionID() (uint32, error) {
	var b [4]byte
	if _, err := rand.Read(b[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(b[:]), nil
}

// connectionID returns a connection id valid for announcing, performing a
// fresh BEP15 connect handshake if the cached one has expired.
func (c *Client) connectionID(ctx context.Context, conn net.Conn) (uint64, error) {
	if c.connID != 0 && time.Since(c.connIDTime) < connectionLifetime {
		return c.connID, nil
	}

	txID, err := randTransactionID()
	if err != nil {
		return 0, fmt.Errorf("%w: generate transaction id: %s", core.ErrProtocol, err)
	}

	req := make([]byte, 16)
	binary.BigEndian.PutUint64(req[0:8], protocolMagic)
	binary.BigEndian.PutUint32(req[8:12], actionConnect)
	binary.BigEndian.PutUint32(req[12:16], txID)

	resp, err := c.roundTrip(ctx, conn, req, 16)
	if err != nil {
		return 0, err
	}
	if err := verifyHeader(resp, actionConnect, txID); err != nil {
		return 0, err
	}

	connID := binary.BigEndian.Uint64(resp[8:16])
	c.connID = connID
	c.connIDTime = time.Now()
	return connID, nil
}

// Announce performs a BEP15 connect (if needed) plus announce round trip.
// UDP trackers only support v1 (20-byte) info hashes.
func (c *Client) Announce(ctx context.Context, req tracker.AnnounceRequest) (*tracker.AnnounceResponse, error) {
	if req.InfoHash.Version() != core.V1 {
		return nil, fmt.Errorf("%w: udp trackers only support v1 info hashes", core.ErrProtocol)
	}

	conn, err := c.dial(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: dial %s: %s", core.ErrIO, c.addr, err)
	}
	defer conn.Close()

	connID, err := c.connectionID(ctx, conn)
	if err != nil {
		return nil, err
	}

	txID, err := randTransactionID()
	if err != nil {
		return nil, fmt.Errorf("%w: generate transaction id: %s", core.ErrProtocol, err)
	}
	key, err := randTransactionID()
	if err != nil {
		return nil, fmt.Errorf("%w: generate announce key: %s", core.ErrProtocol, err)
	}

	pkt := make([]byte, 98)
	binary.BigEndian.PutUint64(pkt[0:8], connID)
	binary.BigEndian.PutUint32(pkt[8:12], actionAnnounce)
	binary.BigEndian.PutUint32(pkt[12:16], txID)
	copy(pkt[16:36], req.InfoHash.Bytes())
	copy(pkt[36:56], req.PeerID.Bytes())
	binary.BigEndian.PutUint64(pkt[56:64], uint64(req.Downloaded))
	binary.BigEndian.PutUint64(pkt[64:72], uint64(req.Left))
	binary.BigEndian.PutUint64(pkt[72:80], uint64(req.Uploaded))
	// BEP15 event numbers differ from tracker.AnnounceEvent's order.
	var event uint32
	switch req.Event {
	case tracker.EventCompleted:
		event = 1
	case tracker.EventStarted:
		event = 2
	case tracker.EventStopped:
		event = 3
	}
	binary.BigEndian.PutUint32(pkt[80:84], event)
	binary.BigEndian.PutUint32(pkt[84:88], 0) // IP address: 0 = use packet source.
	binary.BigEndian.PutUint32(pkt[88:92], key)
	numWant := int32(-1)
	if req.NumWant > 0 {
		numWant = int32(req.NumWant)
	}
	binary.BigEndian.PutUint32(pkt[92:96], uint32(numWant))
	binary.BigEndian.PutUint16(pkt[96:98], uint16(req.Port))

	resp, err := c.roundTrip(ctx, conn, pkt, 20)
	if err != nil {
		return nil, err
	}
	if err := verifyHeader(resp, actionAnnounce, txID); err != nil {
		return nil, err
	}

	interval := binary.BigEndian.Uint32(resp[8:12])
	leechers := binary.BigEndian.Uint32(resp[12:16])
	seeders := binary.BigEndian.Uint32(resp[16:20])

	peers, err := parseCompactPeers(resp[20:])
	if err != nil {
		return nil, err
	}

	return &tracker.AnnounceResponse{
		Interval: time.Duration(interval) * time.Second,
		Leechers: int(leechers),
		Seeders:  int(seeders),
		Peers:    peers,
	}, nil
}

// roundTrip writes pkt and reads a reply of at least minRespLen bytes,
// honoring BEP15's n=0 initial 15s timeout (the caller is expected to
// retry with increasing timeouts across announce attempts; this client
// performs a single attempt per call and leaves retry/backoff to the tier
// manager, since BEP15's timeout formula -- 15*2^n seconds -- does not
// match a general-purpose exponential backoff library's jitter/multiplier
// knobs).
func (c *Client) roundTrip(ctx context.Context, conn net.Conn, pkt []byte, minRespLen int) ([]byte, error) {
	deadline := time.Now().Add(c.timeout)
	if dl, ok := ctx.Deadline(); ok && dl.Before(deadline) {
		deadline = dl
	}
	if err := conn.SetDeadline(deadline); err != nil {
		return nil, fmt.Errorf("%w: set deadline: %s", core.ErrIO, err)
	}

	if _, err := conn.Write(pkt); err != nil {
		return nil, fmt.Errorf("%w: write to %s: %s", core.ErrIO, c.addr, err)
	}

	buf := make([]byte, 4096)
	n, err := conn.Read(buf)
	if err != nil {
		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			return nil, fmt.Errorf("%w: udp tracker %s timed out", core.ErrTimeout, c.addr)
		}
		return nil, fmt.Errorf("%w: read from %s: %s", core.ErrIO, c.addr, err)
	}
	if n < minRespLen {
		return nil, fmt.Errorf("%w: short reply from %s: %d bytes", core.ErrProtocol, c.addr, n)
	}
	return buf[:n], nil
}

func verifyHeader(resp []byte, wantAction, wantTxID uint32) error {
	action := binary.BigEndian.Uint32(resp[0:4])
	txID := binary.BigEndian.Uint32(resp[4:8])
	if txID != wantTxID {
		return fmt.Errorf("%w: transaction id mismatch", core.ErrProtocol)
	}
	if action == actionError {
		return fmt.Errorf("%w: tracker error: %s", core.ErrProtocol, string(resp[8:]))
	}
	if action != wantAction {
		return fmt.Errorf("%w: unexpected action %d, wanted %d", core.ErrProtocol, action, wantAction)
	}
	return nil
}

func parseCompactPeers(b []byte) ([]*core.PeerInfo, error) {
	if len(b)%6 != 0 {
		return nil, fmt.Errorf("%w: compact peers length %d not a multiple of 6", core.ErrProtocol, len(b))
	}
	var out []*core.PeerInfo
	for i := 0; i < len(b); i += 6 {
		ip := fmt.Sprintf("%d.%d.%d.%d", b[i], b[i+1], b[i+2], b[i+3])
		port := int(binary.BigEndian.Uint16(b[i+4 : i+6]))
		out = append(out, &core.PeerInfo{IP: ip, Port: port, Source: core.SourceTracker})
	}
	return out, nil
}
