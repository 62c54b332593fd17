package torrentctx

import (
	"time"

	"github.com/c2h5oh/datasize"

	"github.com/watchreel/torrent/dht"
	"github.com/watchreel/torrent/peer"
	"github.com/watchreel/torrent/peerpool"
	"github.com/watchreel/torrent/picker"
	"github.com/watchreel/torrent/tracker"
)

// Config configures a Context's tick-driven pipeline plus every
// subsystem it wires together.
type Config struct {
	// TickInterval is how often Tick's 8-operation pipeline runs (spec
	// §4.7: default 1s).
	TickInterval time.Duration

	// MaxUnchokedPeers bounds how many interested peers are unchoked at
	// once (spec §4.6 unchoke policy).
	MaxUnchokedPeers int
	// UnchokeInterval is the minimum time between re-running the
	// unchoke policy, so it doesn't thrash every tick.
	UnchokeInterval time.Duration
	// SnubTimeout is how long an unchoked peer may go without sending a
	// block before it is considered snubbing us (spec §4.5).
	SnubTimeout time.Duration

	// MaxUploadRate is an aggregate upload limit in bytes/sec. Nothing in
	// this package reads it, so no upload cap is applied.
	MaxUploadRate datasize.ByteSize
	// MaxDownloadRate is an aggregate download limit in bytes/sec.
	// Nothing in this package reads it, so no download cap is applied.
	MaxDownloadRate datasize.ByteSize

	// MaxDialsPerTick bounds how many outbound dials opPeers starts in
	// a single tick, so a torrent with a huge peer list doesn't open
	// hundreds of sockets at once.
	MaxDialsPerTick int

	// IncomingBufferSize sizes the channel every per-connection pump
	// goroutine forwards non-control messages through to Tick.
	IncomingBufferSize int

	// EventBufferSize sizes each EventSink subscriber's channel.
	EventBufferSize int

	// ScrubInterval is how often opFileValidation re-hashes one already
	// verified piece as a background integrity check (spec §4.7
	// file_validation).
	ScrubInterval time.Duration

	Peer    peer.Config
	Pool    peerpool.Config
	Picker  picker.Config
	Tracker tracker.Config
	DHT     dht.Config

	// EnableDHT turns on BEP5 peer discovery via a dht.Node in addition
	// to tracker announces.
	EnableDHT bool
}

func (c Config) applyDefaults() Config {
	if c.TickInterval == 0 {
		c.TickInterval = time.Second
	}
	if c.MaxUnchokedPeers == 0 {
		c.MaxUnchokedPeers = 4
	}
	if c.UnchokeInterval == 0 {
		c.UnchokeInterval = 10 * time.Second
	}
	if c.SnubTimeout == 0 {
		c.SnubTimeout = 60 * time.Second
	}
	if c.MaxDialsPerTick == 0 {
		c.MaxDialsPerTick = 10
	}
	if c.IncomingBufferSize == 0 {
		c.IncomingBufferSize = 4096
	}
	if c.EventBufferSize == 0 {
		c.EventBufferSize = 64
	}
	if c.ScrubInterval == 0 {
		c.ScrubInterval = 30 * time.Second
	}
	return c
}
