package peer

import (
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/andres-erbsen/clock"
	"github.com/uber-go/tally"
	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/watchreel/torrent/core"
)

// Conn manages one peer wire connection: it reads and writes framed
// messages over a single socket via a reader/writer goroutine pair, and
// tracks the per-connection state (choke/interest flags, remote
// bitfield, transfer rates) that the rest of the engine reads and
// mutates. Grounded on kraken's scheduler/conn.Conn, generalized from
// kraken's single-purpose protobuf blob protocol to the full BEP3 wire
// message set plus BEP6/BEP10 extension state.
type Conn struct {
	peerID      core.PeerID
	localPeerID core.PeerID
	infoHash    core.InfoHash
	numPieces   int
	createdAt   time.Time

	supportsLTEP bool
	supportsFast bool

	mu               sync.Mutex
	amChoking        bool
	amInterested     bool
	peerChoking      bool
	peerInterested   bool
	bitfield         *core.Bitfield
	extensionIDs     map[string]byte // extension name -> remote's local id for it
	metadataSize     int             // -1 until the remote's extended handshake reports it

	downloadRate *rateCounter
	uploadRate   *rateCounter
	downloaded   *atomic.Int64
	uploaded     *atomic.Int64

	nc             net.Conn
	config         Config
	clk            clock.Clock
	stats          tally.Scope
	events         Events
	openedByRemote bool

	startOnce sync.Once
	sender    chan *Message
	receiver  chan *Message

	closed *atomic.Bool
	done   chan struct{}
	wg     sync.WaitGroup

	log *zap.SugaredLogger
}

func newConn(
	config Config,
	stats tally.Scope,
	clk clock.Clock,
	events Events,
	nc net.Conn,
	localPeerID core.PeerID,
	remotePeerID core.PeerID,
	info *core.TorrentMetadata,
	numPieces int,
	supportsLTEP bool,
	supportsFast bool,
	openedByRemote bool,
	log *zap.SugaredLogger,
) *Conn {
	c := &Conn{
		peerID:       remotePeerID,
		localPeerID:  localPeerID,
		infoHash:     info.InfoHash,
		numPieces:    numPieces,
		createdAt:    clk.Now(),
		supportsLTEP: supportsLTEP,
		supportsFast: supportsFast,
		// Both sides start choked and not interested, per BEP3.
		amChoking:      true,
		peerChoking:    true,
		extensionIDs:   make(map[string]byte),
		metadataSize:   -1,
		downloadRate:   newRateCounter(clk, 20*time.Second),
		uploadRate:     newRateCounter(clk, 20*time.Second),
		downloaded:     atomic.NewInt64(0),
		uploaded:       atomic.NewInt64(0),
		nc:             nc,
		config:         config,
		clk:            clk,
		stats:          stats.Tagged(map[string]string{"remote_peer": remotePeerID.String()}),
		events:         events,
		openedByRemote: openedByRemote,
		sender:         make(chan *Message, config.SenderBufferSize),
		receiver:       make(chan *Message, config.ReceiverBufferSize),
		closed:         atomic.NewBool(false),
		done:           make(chan struct{}),
		log:            log,
	}
	return c
}

// Start begins the reader/writer goroutines. A Conn does nothing until
// Start is called, so callers can finish wiring it into their peer pool
// before messages start flowing.
func (c *Conn) Start() {
	c.startOnce.Do(func() {
		c.wg.Add(2)
		go c.readLoop()
		go c.writeLoop()
		go c.keepAliveLoop()
	})
}

// PeerID returns the remote's peer id.
func (c *Conn) PeerID() core.PeerID { return c.peerID }

// LocalPeerID returns our own peer id, as advertised to this peer.
func (c *Conn) LocalPeerID() core.PeerID { return c.localPeerID }

// InfoHash returns the torrent this connection was established for.
func (c *Conn) InfoHash() core.InfoHash { return c.infoHash }

// CreatedAt returns when the connection was established.
func (c *Conn) CreatedAt() time.Time { return c.createdAt }

// OpenedByRemote reports whether the remote peer dialed us.
func (c *Conn) OpenedByRemote() bool { return c.openedByRemote }

// SupportsExtended reports whether the BEP10 extension protocol was
// negotiated with this peer.
func (c *Conn) SupportsExtended() bool { return c.supportsLTEP }

// SupportsFast reports whether the BEP6 fast extension was negotiated.
func (c *Conn) SupportsFast() bool { return c.supportsFast }

func (c *Conn) String() string {
	return fmt.Sprintf("Conn(peer=%s, hash=%s, opened_by_remote=%t)", c.peerID, c.infoHash, c.openedByRemote)
}

// Send enqueues msg for the write loop. Returns an error (without
// blocking) if the connection is closed or the send buffer is full,
// rather than applying backpressure to the caller -- a slow peer should
// not stall the picker's assignment loop for every other peer.
func (c *Conn) Send(msg *Message) error {
	select {
	case <-c.done:
		return fmt.Errorf("%w: conn closed", core.ErrClosed)
	case c.sender <- msg:
		return nil
	default:
		c.stats.Tagged(map[string]string{"dropped_message_type": messageIDLabel(msg)}).Counter("dropped_messages").Inc(1)
		return fmt.Errorf("%w: send buffer full", core.ErrCapacity)
	}
}

func messageIDLabel(msg *Message) string {
	if msg.IsKeepAlive() {
		return "keep_alive"
	}
	return msg.ID.String()
}

// Receiver returns a read-only channel of incoming messages. It is
// closed once the read loop exits.
func (c *Conn) Receiver() <-chan *Message {
	return c.receiver
}

// Close starts the shutdown sequence for the connection. Safe to call
// more than once and from multiple goroutines.
func (c *Conn) Close() {
	if !c.closed.CAS(false, true) {
		return
	}
	go func() {
		close(c.done)
		c.nc.Close()
		c.wg.Wait()
		if c.events != nil {
			c.events.ConnClosed(c)
		}
	}()
}

// IsClosed reports whether Close has been called.
func (c *Conn) IsClosed() bool {
	return c.closed.Load()
}

func (c *Conn) readLoop() {
	defer func() {
		close(c.receiver)
		c.wg.Done()
		c.Close()
	}()
	for {
		select {
		case <-c.done:
			return
		default:
		}
		if err := c.nc.SetReadDeadline(time.Now().Add(c.config.IdleTimeout)); err != nil {
			c.log.Infow("failed to set read deadline, exiting read loop", "error", err)
			return
		}
		msg, err := readMessage(c.nc)
		if err != nil {
			c.log.Debugw("error reading message, exiting read loop", "error", err)
			return
		}
		if msg.IsKeepAlive() {
			continue
		}
		if msg.ID == MsgPiece {
			_, _, block, err := ParsePiece(msg)
			if err == nil {
				c.recordDownloaded(int64(len(block)))
			}
		}
		select {
		case c.receiver <- msg:
		case <-c.done:
			return
		}
	}
}

func (c *Conn) writeLoop() {
	defer func() {
		c.wg.Done()
		c.Close()
	}()
	for {
		select {
		case <-c.done:
			return
		case msg := <-c.sender:
			if err := sendMessageWithTimeout(c.nc, msg, c.config.HandshakeTimeout); err != nil {
				c.log.Debugw("error writing message, exiting write loop", "error", err)
				return
			}
			if msg.ID == MsgPiece {
				_, _, block, err := ParsePiece(msg)
				if err == nil {
					c.recordUploaded(int64(len(block)))
				}
			}
		}
	}
}

// keepAliveLoop sends a zero-length message every KeepAliveInterval, so
// the remote doesn't time us out. It does so whether or not other
// messages were sent in that interval.
func (c *Conn) keepAliveLoop() {
	ticker := c.clk.Ticker(c.config.KeepAliveInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			if err := c.Send(keepAliveMessage); err != nil {
				return
			}
		}
	}
}

func (c *Conn) recordDownloaded(n int64) {
	if n == 0 {
		return
	}
	c.downloaded.Add(n)
	c.downloadRate.add(n)
}

func (c *Conn) recordUploaded(n int64) {
	if n == 0 {
		return
	}
	c.uploaded.Add(n)
	c.uploadRate.add(n)
}

// DownloadRate returns the rolling bytes/sec received from this peer.
func (c *Conn) DownloadRate() float64 { return c.downloadRate.bytesPerSecond() }

// UploadRate returns the rolling bytes/sec sent to this peer.
func (c *Conn) UploadRate() float64 { return c.uploadRate.bytesPerSecond() }

// BytesDownloaded returns the lifetime total received from this peer.
func (c *Conn) BytesDownloaded() int64 { return c.downloaded.Load() }

// BytesUploaded returns the lifetime total sent to this peer.
func (c *Conn) BytesUploaded() int64 { return c.uploaded.Load() }

// LastPieceReceived returns when the last Piece message arrived, the
// zero time if none have. Used by the snubbing check (spec §4.5: a peer
// sending <1 block in 60s while unchoked gets choked).
func (c *Conn) LastPieceReceived() time.Time { return c.downloadRate.lastActivity() }

// --- choke/interest state, mutated by the dispatcher as messages arrive ---

// AmChoking reports whether we are choking this peer.
func (c *Conn) AmChoking() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.amChoking
}

// SetAmChoking updates our choke state toward this peer and sends the
// corresponding Choke/Unchoke message.
func (c *Conn) SetAmChoking(choking bool) error {
	c.mu.Lock()
	changed := c.amChoking != choking
	c.amChoking = choking
	c.mu.Unlock()
	if !changed {
		return nil
	}
	id := MsgUnchoke
	if choking {
		id = MsgChoke
	}
	return c.Send(newMessage(id, nil))
}

// AmInterested reports whether we are interested in this peer.
func (c *Conn) AmInterested() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.amInterested
}

// SetAmInterested updates our interest in this peer and sends the
// corresponding Interested/NotInterested message.
func (c *Conn) SetAmInterested(interested bool) error {
	c.mu.Lock()
	changed := c.amInterested != interested
	c.amInterested = interested
	c.mu.Unlock()
	if !changed {
		return nil
	}
	id := MsgNotInterested
	if interested {
		id = MsgInterested
	}
	return c.Send(newMessage(id, nil))
}

// PeerChoking reports whether the peer is choking us.
func (c *Conn) PeerChoking() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.peerChoking
}

// SetPeerChoking records a Choke/Unchoke message received from the peer.
func (c *Conn) SetPeerChoking(choking bool) {
	c.mu.Lock()
	c.peerChoking = choking
	c.mu.Unlock()
}

// PeerInterested reports whether the peer is interested in us.
func (c *Conn) PeerInterested() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.peerInterested
}

// SetPeerInterested records an Interested/NotInterested message.
func (c *Conn) SetPeerInterested(interested bool) {
	c.mu.Lock()
	c.peerInterested = interested
	c.mu.Unlock()
}

// Bitfield returns a snapshot of the remote's known pieces.
func (c *Conn) Bitfield() *core.Bitfield {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.bitfield == nil {
		return core.NewBitfield(c.numPieces)
	}
	return c.bitfield.Copy()
}

// SetBitfield installs the remote's full bitfield, as received via a
// Bitfield message or synthesized from BEP6 Have All/Have None.
func (c *Conn) SetBitfield(bf *core.Bitfield) {
	c.mu.Lock()
	c.bitfield = bf
	c.mu.Unlock()
}

// MarkHave records that the remote now has piece i, as announced by a
// Have message.
func (c *Conn) MarkHave(i int) {
	c.mu.Lock()
	if c.bitfield == nil {
		c.bitfield = core.NewBitfield(c.numPieces)
	}
	c.bitfield.Set(i, true)
	c.mu.Unlock()
}

// HasPiece reports whether the remote is known to have piece i.
func (c *Conn) HasPiece(i int) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.bitfield == nil {
		return false
	}
	return c.bitfield.Has(i)
}

// RegisterExtensions records the remote's BEP10 "m" dictionary: which
// local-to-them ids our named extensions (ut_metadata, ut_pex) map to.
func (c *Conn) RegisterExtensions(ids map[string]byte, metadataSize int) {
	c.mu.Lock()
	for name, id := range ids {
		c.extensionIDs[name] = id
	}
	if metadataSize >= 0 {
		c.metadataSize = metadataSize
	}
	c.mu.Unlock()
}

// ExtensionID returns the remote's id for the named extension, and
// whether it advertised support for it at all.
func (c *Conn) ExtensionID(name string) (byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	id, ok := c.extensionIDs[name]
	return id, ok
}

// MetadataSize returns the size the remote reported for the info
// dictionary in its extended handshake, or -1 if unknown.
func (c *Conn) MetadataSize() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.metadataSize
}

// ApplyControlMessage updates c's state for the simple, stateless
// control messages (choke/interest/have/bitfield/fast-extension
// announcements) and reports whether msg was one of them. Request,
// Piece, Cancel, Port, and Extended messages carry data the picker,
// metadata assembler, or DHT need to see directly, so ApplyControlMessage
// leaves them untouched for the caller to handle.
func (c *Conn) ApplyControlMessage(msg *Message) (handled bool, err error) {
	switch msg.ID {
	case MsgChoke:
		c.SetPeerChoking(true)
	case MsgUnchoke:
		c.SetPeerChoking(false)
	case MsgInterested:
		c.SetPeerInterested(true)
	case MsgNotInterested:
		c.SetPeerInterested(false)
	case MsgHave:
		i, err := ParseHave(msg)
		if err != nil {
			return true, err
		}
		c.MarkHave(i)
	case MsgBitfield:
		bf, err := ParseBitfield(msg, c.numPieces)
		if err != nil {
			return true, err
		}
		c.SetBitfield(bf)
	case MsgHaveAll:
		if !c.supportsFast {
			return true, fmt.Errorf("%w: have_all without fast extension", core.ErrProtocol)
		}
		bf := core.NewBitfield(c.numPieces)
		bf.SetAll(true)
		c.SetBitfield(bf)
	case MsgHaveNone:
		if !c.supportsFast {
			return true, fmt.Errorf("%w: have_none without fast extension", core.ErrProtocol)
		}
		c.SetBitfield(core.NewBitfield(c.numPieces))
	default:
		return false, nil
	}
	return true, nil
}
