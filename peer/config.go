// Package peer implements the peer wire protocol (spec §4.5): the BEP3
// handshake, length-prefixed message framing, the BEP10 extension
// protocol (metadata exchange; ut_pex is advertised but its messages are
// discarded), and the BEP6 fast extension.
// This is the component spec.md calls out as "the hard part" of the
// engine: everything else in the tree exists to feed bytes into, and
// pull bytes out of, a swarm of these connections.
package peer

import "time"

// Config controls handshake timeouts, buffer sizing, and which optional
// extensions a Conn will negotiate (spec §4.5, §6).
type Config struct {
	// HandshakeTimeout bounds both the BEP3 handshake and the BEP10
	// extended handshake that may follow it.
	HandshakeTimeout time.Duration

	// KeepAliveInterval is how often an idle Conn sends a zero-length
	// keep-alive message.
	KeepAliveInterval time.Duration

	// IdleTimeout closes a Conn that has read nothing for this long,
	// even past a keep-alive (spec §5: 2min->keepalive, 3min->close).
	IdleTimeout time.Duration

	// MaxInflightRequests caps outstanding Request messages a Conn will
	// have unanswered at once (spec §4.5 request pipeline, default 64).
	MaxInflightRequests int

	// SenderBufferSize/ReceiverBufferSize size the Conn's internal
	// message channels.
	SenderBufferSize   int
	ReceiverBufferSize int

	// MetadataChunkSize is the ut_metadata piece size (BEP9 fixes this
	// at 16KiB).
	MetadataChunkSize int

	// EnableFastExtension toggles BEP6 (Have All/None, Suggest,
	// Reject, Allowed Fast).
	EnableFastExtension bool

	// EnableExtended toggles the BEP10 extension protocol (metadata
	// exchange, PEX). BEP9 metadata exchange requires this.
	EnableExtended bool

	// EnablePEX toggles advertising ut_pex (BEP11) in the extended
	// handshake. Requires EnableExtended. Incoming PEX messages are
	// discarded whatever its value.
	EnablePEX bool

	// EnableUTP is a local uTP (BEP29) toggle. This package contains no
	// uTP transport and nothing reads this field: connections are always
	// dialed and accepted over TCP, whatever its value. Off by default.
	EnableUTP bool
}

func (c Config) applyDefaults() Config {
	if c.HandshakeTimeout == 0 {
		c.HandshakeTimeout = 10 * time.Second
	}
	if c.KeepAliveInterval == 0 {
		c.KeepAliveInterval = 2 * time.Minute
	}
	if c.IdleTimeout == 0 {
		c.IdleTimeout = 3 * time.Minute
	}
	if c.MaxInflightRequests == 0 {
		c.MaxInflightRequests = 64
	}
	if c.SenderBufferSize == 0 {
		c.SenderBufferSize = 64
	}
	if c.ReceiverBufferSize == 0 {
		c.ReceiverBufferSize = 64
	}
	if c.MetadataChunkSize == 0 {
		c.MetadataChunkSize = 16 * 1024
	}
	return c
}
