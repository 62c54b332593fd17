// Package peerpool manages, per torrent and across the whole session, the
// set of known peer addresses and the lifecycle of connections dialed to
// or accepted from them. It is the address book plus the capacity/
// blacklist state machine that sits between peer discovery (tracker, DHT,
// PEX) and the wire connections themselves (package peer).
package peerpool

import "time"

// Config controls pool capacity and blacklisting.
type Config struct {
	// MaxPeersPerTorrent bounds the number of pending+active conns for a
	// single torrent.
	MaxPeersPerTorrent int `yaml:"max_peers_per_torrent"`

	// MaxPeersSession bounds the number of pending+active conns across
	// every torrent in the session.
	MaxPeersSession int `yaml:"max_peers_session"`

	// MaxMutualConnections bounds how many of a peer's announced
	// neighbors we may already be connected to before refusing a new
	// connection to it, a cheap guard against eclipse-y topologies.
	MaxMutualConnections int `yaml:"max_mutual_connections"`

	// BlacklistDuration is how long a failed peer is skipped for.
	BlacklistDuration time.Duration `yaml:"blacklist_duration"`

	// DisableBlacklist turns Blacklist into a no-op, useful for tests
	// that want to retry a peer immediately.
	DisableBlacklist bool `yaml:"disable_blacklist"`
}

func (c Config) applyDefaults() Config {
	if c.MaxPeersPerTorrent == 0 {
		c.MaxPeersPerTorrent = 50
	}
	if c.MaxPeersSession == 0 {
		c.MaxPeersSession = 500
	}
	if c.MaxMutualConnections == 0 {
		c.MaxMutualConnections = 20
	}
	if c.BlacklistDuration == 0 {
		c.BlacklistDuration = 10 * time.Minute
	}
	return c
}
