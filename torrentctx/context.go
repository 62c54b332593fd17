// Package torrentctx implements the per-torrent tick-driven operation
// pipeline (spec §4.7): a Context owns one torrent's trackers, peers,
// metadata assembly, and piece requests, and advances all of them on
// every call to Tick rather than reacting to events as they arrive.
// Grounded on kraken's lib/torrent/scheduler, with its event-loop
// dispatch (scheduler.go, dispatcher.go) replaced by a fixed, named
// sequence of operations run once per tick.
package torrentctx

import (
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/andres-erbsen/clock"
	"go.uber.org/zap"

	"github.com/watchreel/torrent/core"
	"github.com/watchreel/torrent/dht"
	"github.com/watchreel/torrent/peer"
	"github.com/watchreel/torrent/peerpool"
	"github.com/watchreel/torrent/picker"
	"github.com/watchreel/torrent/storage"
	"github.com/watchreel/torrent/tracker"
)

// incomingMsg is a non-control wire message a peer's pump goroutine
// could not handle itself, queued for the next Tick to process.
type incomingMsg struct {
	peerID core.PeerID
	conn   *peer.Conn
	msg    *peer.Message
}

// Context is one torrent's engine state: its metadata (possibly not yet
// known, for a magnet link), its storage handle, its peer pool, its
// picker, and its tracker/DHT discovery. Safe for concurrent use; Tick
// must not be called concurrently with itself, but event subscriptions,
// Flags reads, and Close may be called from any goroutine.
type Context struct {
	config Config
	clk    clock.Clock
	log    *zap.SugaredLogger
	events *EventSink

	localPeerID core.PeerID
	port        int

	archive storage.TorrentArchive

	pool       *peerpool.Pool
	handshaker *peer.Handshaker
	pick       *picker.Manager
	trackers   *tracker.Manager
	dhtNode    *dht.Node

	mu       sync.Mutex
	meta     *core.TorrentMetadata
	infoHash core.InfoHash
	flags    Flags
	t        storage.Torrent // nil until meta is known

	assembler *peer.MetadataAssembler

	conns map[core.PeerID]*peer.Conn

	pieceBuffers    map[int]*pieceBuffer
	completedFiles  map[string]bool
	lastUnchoke     time.Time
	lastAnnounce    time.Time
	announceBackoff time.Duration
	scrubCursor     int
	lastScrubAt     time.Time
	uploadedThisSec int64
	uploadTickStart time.Time

	incoming chan incomingMsg

	closed bool
	done   chan struct{}
}

// New builds a Context for a torrent whose metadata is already known
// (a regular .torrent file).
func New(
	config Config,
	meta *core.TorrentMetadata,
	archive storage.TorrentArchive,
	localPeerID core.PeerID,
	port int,
	clk clock.Clock,
	log *zap.SugaredLogger,
) (*Context, error) {
	return newContext(config, meta, meta.InfoHash, archive, localPeerID, port, clk, log)
}

// NewMagnet builds a Context for a torrent whose metadata is not yet
// known, to be assembled from peers via BEP9 once one of them reports
// its size in its extended handshake.
func NewMagnet(
	config Config,
	infoHash core.InfoHash,
	archive storage.TorrentArchive,
	localPeerID core.PeerID,
	port int,
	clk clock.Clock,
	log *zap.SugaredLogger,
) (*Context, error) {
	return newContext(config, nil, infoHash, archive, localPeerID, port, clk, log)
}

func newContext(
	config Config,
	meta *core.TorrentMetadata,
	infoHash core.InfoHash,
	archive storage.TorrentArchive,
	localPeerID core.PeerID,
	port int,
	clk clock.Clock,
	log *zap.SugaredLogger,
) (*Context, error) {
	config = config.applyDefaults()
	if clk == nil {
		clk = clock.New()
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}

	pick, err := picker.NewManager(config.Picker, clk)
	if err != nil {
		return nil, fmt.Errorf("picker: %s", err)
	}

	tc := &Context{
		config:         config,
		clk:            clk,
		log:            log,
		events:         NewEventSink(config.EventBufferSize, clk),
		localPeerID:    localPeerID,
		port:           port,
		archive:        archive,
		pick:           pick,
		meta:           meta,
		infoHash:       infoHash,
		flags:          DefaultFlags(),
		conns:          make(map[core.PeerID]*peer.Conn),
		pieceBuffers:   make(map[int]*pieceBuffer),
		completedFiles: make(map[string]bool),
		incoming:       make(chan incomingMsg, config.IncomingBufferSize),
		done:           make(chan struct{}),
	}

	if meta == nil {
		tc.flags = tc.flags.Set(Metadata)
	} else {
		tc.flags = tc.flags.Clear(Metadata)
		t, err := archive.CreateTorrent(meta)
		if err != nil {
			return nil, fmt.Errorf("create torrent: %s", err)
		}
		tc.t = t
	}

	pool := peerpool.NewPool(config.Pool, localPeerID, clk, log)
	tc.handshaker = peer.NewHandshaker(config.Peer, nil, clk, localPeerID, pool, log)
	pool.SetHandshaker(tc.handshaker)
	tc.pool = pool
	pool.AddTorrent(infoHash)

	if len(tierURLs(meta)) > 0 {
		mgr, err := tracker.NewManager(config.Tracker, tierURLs(meta), infoHash, clk)
		if err != nil {
			return nil, fmt.Errorf("tracker: %s", err)
		}
		tc.trackers = mgr
	}

	if config.EnableDHT {
		dhtConfig := config.DHT
		if dhtConfig.ListenAddr == "" {
			dhtConfig.ListenAddr = fmt.Sprintf(":%d", port)
		}
		node, err := dht.New(dhtConfig, dhtNodeID(localPeerID), log)
		if err != nil {
			log.Warnw("dht unavailable, continuing without it", "error", err)
		} else {
			tc.dhtNode = node
		}
	}

	return tc, nil
}

func tierURLs(meta *core.TorrentMetadata) [][]string {
	if meta == nil {
		return nil
	}
	return meta.Trackers
}

// dhtNodeID reinterprets a PeerID's 20 bytes as a dht.NodeID: both are
// 160-bit identifiers and nothing about their bytes is peer-id-specific,
// so the local client can double them up rather than generating and
// persisting a second random identity.
func dhtNodeID(p core.PeerID) dht.NodeID {
	var id dht.NodeID
	copy(id[:], p.Bytes())
	return id
}

// InfoHash returns the torrent's info hash.
func (tc *Context) InfoHash() core.InfoHash {
	return tc.infoHash
}

// Events returns the event sink subscribers can listen on.
func (tc *Context) Events() *EventSink {
	return tc.events
}

// Flags returns the current flag bitset.
func (tc *Context) Flags() Flags {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	return tc.flags
}

// SetFlags replaces the flag bitset, e.g. to Pause or Resume a torrent.
func (tc *Context) SetFlags(f Flags) {
	tc.mu.Lock()
	tc.flags = f
	tc.mu.Unlock()
	tc.events.StateChanged(tc.infoHash, f.String())
}

// Metadata returns the torrent's metadata, or nil if not yet assembled.
func (tc *Context) Metadata() *core.TorrentMetadata {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	return tc.meta
}

// Storage returns the underlying storage.Torrent, or nil if metadata is
// not yet known.
func (tc *Context) Storage() storage.Torrent {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	return tc.t
}

// NumConns returns the number of operational peer connections.
func (tc *Context) NumConns() int {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	return len(tc.conns)
}

// AddPeers seeds the peer pool's address book with newly discovered
// peers, e.g. from an out-of-band source like PEX.
func (tc *Context) AddPeers(infos []*core.PeerInfo) {
	tc.pool.AddPeers(tc.infoHash, infos)
}

// Accept upgrades an inbound raw connection into an operational peer
// connection for this torrent, looking up metadata by info hash so the
// pool can complete the handshake even before a magnet's metadata has
// arrived. A connection accepted before then is created with numPieces 0
// and keeps that value after the metadata arrives.
func (tc *Context) Accept(nc net.Conn) error {
	lookup := func(ih core.InfoHash) (*core.TorrentMetadata, int, bool) {
		if !ih.Equal(tc.infoHash) {
			return nil, 0, false
		}
		meta := tc.Metadata()
		if meta == nil {
			// Magnet link: no metadata yet, but the handshake can still
			// proceed using a stub that carries only the info hash the
			// remote is expecting to see echoed back.
			return &core.TorrentMetadata{InfoHash: tc.infoHash}, 0, true
		}
		return meta, meta.NumPieces(), true
	}
	c, err := tc.pool.Accept(nc, lookup)
	if err != nil {
		return err
	}
	tc.registerConn(c)
	return nil
}

func (tc *Context) registerConn(c *peer.Conn) {
	tc.mu.Lock()
	tc.conns[c.PeerID()] = c
	tc.mu.Unlock()
	go tc.pumpConn(c)
}

func (tc *Context) removeConn(c *peer.Conn) {
	tc.mu.Lock()
	delete(tc.conns, c.PeerID())
	tc.mu.Unlock()
	tc.pick.ClearPeer(c.PeerID())
}

// pumpConn applies simple control messages inline and forwards
// everything else onto tc.incoming for Tick to process synchronously,
// keeping the rest of the engine free of concurrent access to its own
// state.
func (tc *Context) pumpConn(c *peer.Conn) {
	defer tc.removeConn(c)
	for msg := range c.Receiver() {
		handled, err := c.ApplyControlMessage(msg)
		if err != nil {
			tc.events.Error(tc.infoHash, "protocol", err.Error())
			c.Close()
			return
		}
		if handled {
			continue
		}
		select {
		case tc.incoming <- incomingMsg{peerID: c.PeerID(), conn: c, msg: msg}:
		case <-tc.done:
			return
		default:
			// Buffer full: the peer is producing requests/pieces faster
			// than Tick can drain them. Dropping here is preferable to
			// blocking the read loop, which would stall the TCP window
			// for every other peer sharing this goroutine's attention.
			tc.log.Debugw("dropping incoming message, buffer full", "peer", c.PeerID(), "type", msg.ID)
		}
	}
}

// Tick runs the 8 named operations in order (spec §4.7): trackers,
// peers, metadata, pieces, files, file_validation,
// create_pending_requests, retrieve_pending_requests. Any operation
// that returns opStop short-circuits the remaining ones for this tick.
func (tc *Context) Tick() {
	if tc.isClosed() {
		return
	}
	ops := []func() opResult{
		tc.opTrackers,
		tc.opPeers,
		tc.opMetadata,
		tc.opPieces,
		tc.opFiles,
		tc.opFileValidation,
		tc.opCreatePendingRequests,
		tc.opRetrievePendingRequests,
	}
	for _, op := range ops {
		if op() == opStop {
			return
		}
	}
}

// Run blocks, calling Tick on config.TickInterval until Close is called.
// Intended to be run in its own goroutine by a session manager.
func (tc *Context) Run() {
	ticker := tc.clk.Ticker(tc.config.TickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-tc.done:
			return
		case <-ticker.C:
			tc.Tick()
		}
	}
}

func (tc *Context) isClosed() bool {
	select {
	case <-tc.done:
		return true
	default:
		return false
	}
}

// Close stops the torrent: every peer connection is closed and the DHT
// node (if any) is released. No "stopped" announce is sent to the
// trackers.
func (tc *Context) Close() {
	tc.mu.Lock()
	if tc.closed {
		tc.mu.Unlock()
		return
	}
	tc.closed = true
	conns := make([]*peer.Conn, 0, len(tc.conns))
	for _, c := range tc.conns {
		conns = append(conns, c)
	}
	tc.mu.Unlock()

	close(tc.done)
	for _, c := range conns {
		c.Close()
	}
	if tc.dhtNode != nil {
		tc.dhtNode.Close()
	}
	tc.events.StateChanged(tc.infoHash, "closed")
}
