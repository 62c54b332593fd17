package peer

import (
	"encoding/hex"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/uber-go/tally"
	"github.com/andres-erbsen/clock"
	"go.uber.org/zap"

	"github.com/watchreel/torrent/core"
)

// protocolName is the fixed BEP3 handshake preamble: a length byte
// followed by the literal protocol name.
const protocolName = "BitTorrent protocol"

// Reserved handshake bits (byte index, then bitmask within that byte),
// per BEP10 (extension protocol) and BEP6 (fast extension) and BEP5
// (DHT). uTP support has no reserved bit of its own; a peer that wants
// it advertises it out of band (tracker/DHT peer flags), which is why
// Config.EnableUTP is a purely local decision rather than something
// negotiated here.
var (
	reservedExtended = [8]byte{0, 0, 0, 0, 0, 0x10, 0, 0}
	reservedFast     = [8]byte{0, 0, 0, 0, 0, 0, 0, 0x04}
	reservedDHT      = [8]byte{0, 0, 0, 0, 0, 0, 0, 0x01}
)

func orReserved(bits ...[8]byte) [8]byte {
	var out [8]byte
	for _, b := range bits {
		for i := range out {
			out[i] |= b[i]
		}
	}
	return out
}

func reservedHas(reserved [8]byte, bit [8]byte) bool {
	for i := range reserved {
		if reserved[i]&bit[i] != bit[i] {
			return false
		}
	}
	return true
}

// handshakeMsg is the decoded BEP3 handshake: 1 + 19 + 8 + 20 + 20 = 68
// bytes on the wire.
type handshakeMsg struct {
	reserved [8]byte
	infoHash core.InfoHash
	peerID   core.PeerID
}

// handshakeInfoHashBytes returns the 20 bytes BEP3 puts on the wire for
// ih. V1 hashes are already 20 bytes; a V2 (BEP52) hash is truncated to
// its first 20 bytes for handshake purposes, per BEP52's hybrid
// handshake rule, and matched on that truncated prefix by whoever looks
// up the owning torrent for an inbound connection.
func handshakeInfoHashBytes(ih core.InfoHash) []byte {
	b := ih.Bytes()
	if len(b) > 20 {
		return b[:20]
	}
	return b
}

func writeHandshake(w io.Writer, reserved [8]byte, ih core.InfoHash, peerID core.PeerID) error {
	buf := make([]byte, 0, 68)
	buf = append(buf, byte(len(protocolName)))
	buf = append(buf, protocolName...)
	buf = append(buf, reserved[:]...)
	buf = append(buf, handshakeInfoHashBytes(ih)...)
	buf = append(buf, peerID.Bytes()...)
	_, err := w.Write(buf)
	return err
}

func readHandshake(r io.Reader) (*handshakeMsg, error) {
	var lenByte [1]byte
	if _, err := io.ReadFull(r, lenByte[:]); err != nil {
		return nil, fmt.Errorf("%w: read pstrlen: %s", core.ErrIO, err)
	}
	if int(lenByte[0]) != len(protocolName) {
		return nil, fmt.Errorf("%w: unexpected pstrlen %d", core.ErrProtocol, lenByte[0])
	}
	rest := make([]byte, int(lenByte[0])+8+20+20)
	if _, err := io.ReadFull(r, rest); err != nil {
		return nil, fmt.Errorf("%w: read handshake body: %s", core.ErrIO, err)
	}
	if string(rest[:len(protocolName)]) != protocolName {
		return nil, fmt.Errorf("%w: unexpected protocol string %q", core.ErrProtocol, rest[:len(protocolName)])
	}
	var reserved [8]byte
	copy(reserved[:], rest[len(protocolName):len(protocolName)+8])
	ihBytes := rest[len(protocolName)+8 : len(protocolName)+28]
	// The wire only ever carries 20 bytes; wrap them as a V1 InfoHash
	// value. For a V2 torrent this is a truncated prefix, not the real
	// hash -- callers compare against handshakeInfoHashBytes(meta.InfoHash)
	// rather than InfoHash.Equal when resolving which torrent an inbound
	// handshake belongs to.
	ih, err := core.NewInfoHashFromHex(hex.EncodeToString(ihBytes))
	if err != nil {
		return nil, fmt.Errorf("%w: info hash: %s", core.ErrProtocol, err)
	}
	peerIDBytes := rest[len(protocolName)+28:]
	peerID, err := core.NewPeerIDFromBytes(peerIDBytes)
	if err != nil {
		return nil, fmt.Errorf("%w: peer id: %s", core.ErrProtocol, err)
	}
	return &handshakeMsg{reserved: reserved, infoHash: ih, peerID: peerID}, nil
}

// PendingConn is a half-open connection that has completed the BEP3
// handshake but not yet been upgraded into an operational Conn (spec
// §4.5 state diagram: Handshaking -> BtHandshaked). Grounded on
// kraken's scheduler/conn.PendingConn, generalized from kraken's
// single bitfield-exchange handshake into the real BEP3 handshake plus
// a deferred BEP10 extended handshake.
type PendingConn struct {
	nc         net.Conn
	handshake  *handshakeMsg
	supportsLTEP bool
	supportsFast bool
}

// PeerID returns the remote's peer id.
func (pc *PendingConn) PeerID() core.PeerID {
	return pc.handshake.peerID
}

// InfoHash returns the torrent info hash the remote wants to exchange.
func (pc *PendingConn) InfoHash() core.InfoHash {
	return pc.handshake.infoHash
}

// Close closes the underlying socket without completing the handshake.
func (pc *PendingConn) Close() {
	pc.nc.Close()
}

// Events notifies callers when a Conn has finished closing, mirroring
// kraken's conn.Events.
type Events interface {
	ConnClosed(*Conn)
}

// Handshaker performs the BEP3 handshake (and, when both sides support
// it, the BEP10 extended handshake) and upgrades the result into an
// operational Conn. Grounded on kraken's scheduler/conn.Handshaker.
type Handshaker struct {
	config Config
	stats  tally.Scope
	clk    clock.Clock
	peerID core.PeerID
	events Events
	log    *zap.SugaredLogger
}

// NewHandshaker builds a Handshaker that identifies the local client as
// peerID on every handshake it performs.
func NewHandshaker(config Config, stats tally.Scope, clk clock.Clock, peerID core.PeerID, events Events, log *zap.SugaredLogger) *Handshaker {
	config = config.applyDefaults()
	if stats == nil {
		stats = tally.NoopScope
	}
	stats = stats.Tagged(map[string]string{"module": "peer"})
	if clk == nil {
		clk = clock.New()
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Handshaker{config: config, stats: stats, clk: clk, peerID: peerID, events: events, log: log}
}

func (h *Handshaker) localReserved() [8]byte {
	var bits [][8]byte
	if h.config.EnableExtended {
		bits = append(bits, reservedExtended)
	}
	if h.config.EnableFastExtension {
		bits = append(bits, reservedFast)
	}
	bits = append(bits, reservedDHT)
	return orReserved(bits...)
}

// Accept upgrades an incoming raw connection into a PendingConn once its
// BEP3 handshake has been read. The local handshake is not sent yet:
// callers inspect the PendingConn (to look up torrent metadata by info
// hash) before calling Establish.
func (h *Handshaker) Accept(nc net.Conn) (*PendingConn, error) {
	if err := nc.SetDeadline(time.Now().Add(h.config.HandshakeTimeout)); err != nil {
		return nil, fmt.Errorf("%w: set deadline: %s", core.ErrIO, err)
	}
	hs, err := readHandshake(nc)
	if err != nil {
		return nil, fmt.Errorf("read handshake: %w", err)
	}
	if hs.peerID.Equal(h.peerID) {
		nc.Close()
		return nil, fmt.Errorf("%w: self connection", core.ErrConsistency)
	}
	return &PendingConn{
		nc:           nc,
		handshake:    hs,
		supportsLTEP: h.config.EnableExtended && reservedHas(hs.reserved, reservedExtended),
		supportsFast: h.config.EnableFastExtension && reservedHas(hs.reserved, reservedFast),
	}, nil
}

// Establish completes an accepted handshake by echoing our own, then
// upgrades pc into an operational Conn for the given torrent.
func (h *Handshaker) Establish(pc *PendingConn, info *core.TorrentMetadata, numPieces int) (*Conn, error) {
	if err := pc.nc.SetWriteDeadline(time.Now().Add(h.config.HandshakeTimeout)); err != nil {
		return nil, fmt.Errorf("%w: set deadline: %s", core.ErrIO, err)
	}
	if err := writeHandshake(pc.nc, h.localReserved(), pc.handshake.infoHash, h.peerID); err != nil {
		return nil, fmt.Errorf("%w: send handshake: %s", core.ErrIO, err)
	}
	return h.newConn(pc.nc, pc.handshake.peerID, info, numPieces, pc.supportsLTEP, pc.supportsFast, true)
}

// HandshakeResult wraps the outcome of an outbound handshake.
type HandshakeResult struct {
	Conn *Conn
}

// Initialize dials addr, performs the full two-way BEP3 handshake
// expecting remote peer id peerID, and returns an operational Conn.
func (h *Handshaker) Initialize(peerID core.PeerID, addr string, info *core.TorrentMetadata, numPieces int) (*HandshakeResult, error) {
	nc, err := net.DialTimeout("tcp", addr, h.config.HandshakeTimeout)
	if err != nil {
		return nil, fmt.Errorf("%w: dial %s: %s", core.ErrIO, addr, err)
	}
	c, err := h.fullHandshake(nc, peerID, info, numPieces)
	if err != nil {
		nc.Close()
		return nil, err
	}
	return &HandshakeResult{Conn: c}, nil
}

func (h *Handshaker) fullHandshake(nc net.Conn, peerID core.PeerID, info *core.TorrentMetadata, numPieces int) (*Conn, error) {
	if err := nc.SetDeadline(time.Now().Add(h.config.HandshakeTimeout)); err != nil {
		return nil, fmt.Errorf("%w: set deadline: %s", core.ErrIO, err)
	}
	if err := writeHandshake(nc, h.localReserved(), info.InfoHash, h.peerID); err != nil {
		return nil, fmt.Errorf("%w: send handshake: %s", core.ErrIO, err)
	}
	hs, err := readHandshake(nc)
	if err != nil {
		return nil, fmt.Errorf("read handshake: %w", err)
	}
	if !hs.peerID.Equal(peerID) {
		return nil, fmt.Errorf("%w: unexpected remote peer id", core.ErrProtocol)
	}
	if string(hs.infoHash.Bytes()) != string(handshakeInfoHashBytes(info.InfoHash)) {
		return nil, fmt.Errorf("%w: unexpected remote info hash", core.ErrProtocol)
	}
	return h.newConn(nc, peerID, info, numPieces,
		h.config.EnableExtended && reservedHas(hs.reserved, reservedExtended),
		h.config.EnableFastExtension && reservedHas(hs.reserved, reservedFast),
		false)
}

func (h *Handshaker) newConn(nc net.Conn, peerID core.PeerID, info *core.TorrentMetadata, numPieces int, ltep, fast, openedByRemote bool) (*Conn, error) {
	if err := nc.SetDeadline(time.Time{}); err != nil {
		return nil, fmt.Errorf("%w: clear deadline: %s", core.ErrIO, err)
	}
	c := newConn(h.config, h.stats, h.clk, h.events, nc, h.peerID, peerID, info, numPieces, ltep, fast, openedByRemote, h.log)
	if ltep {
		if err := c.sendExtendedHandshake(); err != nil {
			c.Close()
			return nil, fmt.Errorf("send extended handshake: %w", err)
		}
	}
	return c, nil
}
