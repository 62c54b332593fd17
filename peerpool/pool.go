package peerpool

import (
	"context"
	"fmt"
	"net"
	"sync"

	"github.com/andres-erbsen/clock"
	"go.uber.org/zap"

	"github.com/watchreel/torrent/core"
	"github.com/watchreel/torrent/peer"
)

// Pool is the per-session address book and connection lifecycle manager
// (spec §4.6 / SPEC_FULL.md §C6): it deduplicates peer addresses handed
// to it by the tracker, DHT, and PEX, dials and accepts BEP3 connections
// through a peer.Handshaker, and enforces the per-torrent and per-session
// connection caps via the embedded state machine.
//
// Grounded on kraken's scheduler, which splits this same responsibility
// across connstate.State (capacity bookkeeping) and the scheduler's own
// addr dedup map; Pool merges both under one lock since, unlike
// connstate.State, it must be safe for concurrent dial/accept goroutines.
type Pool struct {
	config     Config
	handshaker *peer.Handshaker
	clk        clock.Clock
	log        *zap.SugaredLogger

	mu    sync.Mutex
	st    *state
	known map[core.InfoHash]map[string]*core.PeerInfo // addr -> info, per torrent
}

// NewPool builds a Pool with no handshaker attached yet. Since the
// handshaker needs the pool as its Events implementation (to learn when a
// conn closes), callers construct the handshaker after the pool and wire
// it in with SetHandshaker, e.g.:
//
//	p := peerpool.NewPool(cfg, localPeerID, clk, log)
//	hs := peer.NewHandshaker(peerCfg, stats, clk, localPeerID, p, log)
//	p.SetHandshaker(hs)
func NewPool(config Config, localPeerID core.PeerID, clk clock.Clock, log *zap.SugaredLogger) *Pool {
	config = config.applyDefaults()
	if clk == nil {
		clk = clock.New()
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Pool{
		config: config,
		clk:    clk,
		log:    log,
		st:     newState(config, clk, localPeerID, log),
		known:  make(map[core.InfoHash]map[string]*core.PeerInfo),
	}
}

// SetHandshaker attaches the handshaker used for all future Dial/Accept
// calls. Must be called once before either is used.
func (p *Pool) SetHandshaker(handshaker *peer.Handshaker) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.handshaker = handshaker
}

// AddTorrent registers h with the pool so AddPeers/NextAddrs have
// somewhere to track its address book. Idempotent.
func (p *Pool) AddTorrent(h core.InfoHash) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.known[h]; !ok {
		p.known[h] = make(map[string]*core.PeerInfo)
	}
}

// RemoveTorrent drops h's address book and blacklist entries, and closes
// any conns still open for it. Callers should have already stopped using
// those conns for transfers.
func (p *Pool) RemoveTorrent(h core.InfoHash) {
	p.mu.Lock()
	conns := p.st.activeConns(h)
	delete(p.known, h)
	p.st.clearBlacklist(h)
	p.mu.Unlock()
	for _, c := range conns {
		c.Close()
	}
}

// AddPeers merges newly discovered addresses for h into the address
// book, deduplicated by "ip:port" regardless of source, and returns how
// many were genuinely new.
func (p *Pool) AddPeers(h core.InfoHash, peers []*core.PeerInfo) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	bucket, ok := p.known[h]
	if !ok {
		bucket = make(map[string]*core.PeerInfo)
		p.known[h] = bucket
	}
	var added int
	for _, pi := range peers {
		addr := pi.Addr()
		if _, exists := bucket[addr]; exists {
			continue
		}
		bucket[addr] = pi
		added++
	}
	return added
}

// NextAddrs returns up to n addresses for h that are neither already
// connected/pending nor blacklisted, for the caller to attempt dialing.
func (p *Pool) NextAddrs(h core.InfoHash, n int) []*core.PeerInfo {
	p.mu.Lock()
	defer p.mu.Unlock()
	bucket := p.known[h]
	var out []*core.PeerInfo
	for _, pi := range bucket {
		if len(out) >= n {
			break
		}
		if p.st.blacklisted(h, pi.PeerID) {
			continue
		}
		if status := p.st.get(h, pi.PeerID).status; status != peer.StateNew && status != peer.StateClosed {
			continue
		}
		out = append(out, pi)
	}
	return out
}

// Saturated reports whether h already has MaxPeersPerTorrent pending or
// active connections.
func (p *Pool) Saturated(h core.InfoHash) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.st.saturated(h)
}

// ActiveConns returns all operational connections for h.
func (p *Pool) ActiveConns(h core.InfoHash) []*peer.Conn {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.st.activeConns(h)
}

// Dial reserves capacity for pi, performs the outbound BEP3 handshake,
// and promotes the resulting connection to active. If the handshake or
// the promotion fails, the reservation is released and the peer is
// blacklisted; if no capacity can be reserved, the error is returned
// and nothing else changes.
func (p *Pool) Dial(ctx context.Context, info *core.TorrentMetadata, numPieces int, pi *core.PeerInfo, neighbors []core.PeerID) (*peer.Conn, error) {
	h := info.InfoHash
	p.mu.Lock()
	if err := p.st.addPending(h, pi.PeerID, neighbors); err != nil {
		p.mu.Unlock()
		return nil, err
	}
	p.mu.Unlock()

	result, err := p.handshaker.Initialize(pi.PeerID, pi.Addr(), info, numPieces)
	if err != nil {
		p.mu.Lock()
		p.st.deletePending(h, pi.PeerID)
		_ = p.st.blacklistPeer(h, pi.PeerID)
		p.mu.Unlock()
		return nil, fmt.Errorf("dial %s: %w", pi.Addr(), err)
	}
	c := result.Conn

	p.mu.Lock()
	if err := p.st.moveToActive(c); err != nil {
		p.st.deletePending(h, pi.PeerID)
		_ = p.st.blacklistPeer(h, pi.PeerID)
		p.mu.Unlock()
		c.Close()
		return nil, err
	}
	p.mu.Unlock()

	c.Start()
	return c, nil
}

// MetadataLookup resolves an inbound connection's info hash (matched
// against the wire's 20-byte truncated prefix) to the torrent it should
// be established for. Returning ok=false rejects the connection.
type MetadataLookup func(h core.InfoHash) (info *core.TorrentMetadata, numPieces int, ok bool)

// Accept upgrades an accepted raw socket into an active connection,
// looking up the requested torrent via lookup. The net.Conn is always
// consumed: on any error it is closed before returning.
func (p *Pool) Accept(nc net.Conn, lookup MetadataLookup) (*peer.Conn, error) {
	pc, err := p.handshaker.Accept(nc)
	if err != nil {
		nc.Close()
		return nil, err
	}
	info, numPieces, ok := lookup(pc.InfoHash())
	if !ok {
		pc.Close()
		return nil, fmt.Errorf("%w: unknown torrent for inbound connection", core.ErrConsistency)
	}
	h := info.InfoHash

	p.mu.Lock()
	if err := p.st.addPending(h, pc.PeerID(), nil); err != nil {
		p.mu.Unlock()
		pc.Close()
		return nil, err
	}
	p.mu.Unlock()

	c, err := p.handshaker.Establish(pc, info, numPieces)
	if err != nil {
		p.mu.Lock()
		p.st.deletePending(h, pc.PeerID())
		p.mu.Unlock()
		pc.Close()
		return nil, err
	}

	p.mu.Lock()
	if err := p.st.moveToActive(c); err != nil {
		p.mu.Unlock()
		c.Close()
		return nil, err
	}
	p.mu.Unlock()

	c.Start()
	return c, nil
}

// ConnClosed implements peer.Events: it releases c's reserved capacity so
// future dials/accepts for the same peer are not rejected as already-
// active. Callers should pass the pool itself as the Events implementation
// given to peer.NewHandshaker.
func (p *Pool) ConnClosed(c *peer.Conn) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.st.deleteActive(c)
}
