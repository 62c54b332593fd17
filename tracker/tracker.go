// Package tracker implements the client side of BEP3 (HTTP) and BEP15
// (UDP) tracker announce, arranged into BEP12 tiers.
package tracker

import (
	"context"
	"time"

	"github.com/watchreel/torrent/core"
)

// AnnounceEvent matches the BEP3 "event" announce parameter.
type AnnounceEvent int

const (
	EventNone AnnounceEvent = iota
	EventStarted
	EventStopped
	EventCompleted
)

func (e AnnounceEvent) String() string {
	switch e {
	case EventStarted:
		return "started"
	case EventStopped:
		return "stopped"
	case EventCompleted:
		return "completed"
	default:
		return ""
	}
}

// AnnounceRequest carries the parameters common to both the HTTP and UDP
// announce wire formats (spec §4.2).
type AnnounceRequest struct {
	InfoHash   core.InfoHash
	PeerID     core.PeerID
	Port       int
	Uploaded   int64
	Downloaded int64
	Left       int64
	Event      AnnounceEvent
	NumWant    int
}

// AnnounceResponse is a tracker's reply to an announce, normalized across
// the HTTP (bencoded dict) and UDP (fixed binary) wire formats.
type AnnounceResponse struct {
	Interval   time.Duration
	MinInterval time.Duration
	Leechers   int
	Seeders    int
	Peers      []*core.PeerInfo
}

// Client is a single tracker endpoint (one announce URL).
type Client interface {
	// Announce performs one announce round trip against this tracker.
	Announce(ctx context.Context, req AnnounceRequest) (*AnnounceResponse, error)
	// URL returns the announce URL this client was built from, for
	// logging and tier bookkeeping.
	URL() string
}
