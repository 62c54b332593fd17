package peerpool

import (
	"errors"
	"fmt"
	"time"

	"github.com/andres-erbsen/clock"
	"go.uber.org/zap"

	"github.com/watchreel/torrent/core"
	"github.com/watchreel/torrent/peer"
)

// State errors.
var (
	ErrTorrentAtCapacity       = errors.New("torrent is at capacity")
	ErrSessionAtCapacity       = errors.New("session is at capacity")
	ErrConnAlreadyPending      = errors.New("conn is already pending")
	ErrConnAlreadyActive       = errors.New("conn is already active")
	ErrConnClosed              = errors.New("conn is closed")
	ErrInvalidActiveTransition = errors.New("conn must be pending to transition to active")
	ErrTooManyMutualConns      = errors.New("conn has too many mutual connections")
	ErrPeerBlacklisted         = errors.New("peer is blacklisted")
)

type connKey struct {
	hash   core.InfoHash
	peerID core.PeerID
}

type entry struct {
	status peer.ConnState
	conn   *peer.Conn
}

type blacklistEntry struct {
	expiration time.Time
}

func (e *blacklistEntry) blacklisted(now time.Time) bool {
	return e.expiration.After(now)
}

// state provides connection lifecycle management and enforces connection
// limits across both a single torrent and the whole session. A connection
// is identified by torrent info hash and peer id, and may be pending
// (dialing or handshaking, reserving capacity), active (fully
// operational), or blacklisted (recently failed, skipped on next handout).
//
// Grounded on kraken's scheduler/connstate.State, which documents itself
// as NOT thread-safe and requires the caller to synchronize; here state is
// embedded inside Pool and protected by Pool's own mutex instead of
// repeating that contract at this layer.
type state struct {
	config      Config
	clk         clock.Clock
	localPeerID core.PeerID
	log         *zap.SugaredLogger

	conns        map[connKey]entry
	perTorrent   map[core.InfoHash]int // pending+active count per torrent
	sessionCount int
	blacklist    map[connKey]*blacklistEntry
}

func newState(config Config, clk clock.Clock, localPeerID core.PeerID, log *zap.SugaredLogger) *state {
	return &state{
		config:      config,
		clk:         clk,
		localPeerID: localPeerID,
		log:         log,
		conns:       make(map[connKey]entry),
		perTorrent:  make(map[core.InfoHash]int),
		blacklist:   make(map[connKey]*blacklistEntry),
	}
}

func (s *state) get(h core.InfoHash, peerID core.PeerID) entry {
	return s.conns[connKey{h, peerID}]
}

func (s *state) blacklisted(h core.InfoHash, peerID core.PeerID) bool {
	e, ok := s.blacklist[connKey{h, peerID}]
	return ok && e.blacklisted(s.clk.Now())
}

// blacklistPeer marks peerID/h as blacklisted for BlacklistDuration.
func (s *state) blacklistPeer(h core.InfoHash, peerID core.PeerID) error {
	if s.config.DisableBlacklist {
		return nil
	}
	k := connKey{h, peerID}
	if e, ok := s.blacklist[k]; ok && e.blacklisted(s.clk.Now()) {
		return fmt.Errorf("%w: already blacklisted", ErrPeerBlacklisted)
	}
	s.blacklist[k] = &blacklistEntry{s.clk.Now().Add(s.config.BlacklistDuration)}
	return nil
}

func (s *state) clearBlacklist(h core.InfoHash) {
	for k := range s.blacklist {
		if k.hash == h {
			delete(s.blacklist, k)
		}
	}
}

func (s *state) numMutualConns(h core.InfoHash, neighbors []core.PeerID) int {
	var n int
	for _, id := range neighbors {
		e := s.get(h, id)
		switch e.status {
		case peer.StateHandshaking, peer.StateBtHandshaked, peer.StateExtHandshaked, peer.StateOperational:
			n++
		}
	}
	return n
}

// addPending reserves capacity for a not-yet-established connection to
// peerID/h, checking blacklist, per-torrent capacity, session capacity,
// and mutual-connection limits in that order.
func (s *state) addPending(h core.InfoHash, peerID core.PeerID, neighbors []core.PeerID) error {
	if s.blacklisted(h, peerID) {
		return ErrPeerBlacklisted
	}
	if s.perTorrent[h] >= s.config.MaxPeersPerTorrent {
		return ErrTorrentAtCapacity
	}
	if s.sessionCount >= s.config.MaxPeersSession {
		return ErrSessionAtCapacity
	}
	switch s.get(h, peerID).status {
	case peer.StateNew, peer.StateClosed:
		if s.numMutualConns(h, neighbors) > s.config.MaxMutualConnections {
			return ErrTooManyMutualConns
		}
		s.conns[connKey{h, peerID}] = entry{status: peer.StateHandshaking}
		s.perTorrent[h]++
		s.sessionCount++
		return nil
	case peer.StateOperational:
		return ErrConnAlreadyActive
	default:
		return ErrConnAlreadyPending
	}
}

// deletePending releases the reservation made by addPending, without
// moving the connection to active. No-op if the connection isn't pending.
func (s *state) deletePending(h core.InfoHash, peerID core.PeerID) {
	k := connKey{h, peerID}
	if s.conns[k].status == peer.StateOperational {
		return
	}
	if _, ok := s.conns[k]; !ok {
		return
	}
	delete(s.conns, k)
	s.perTorrent[h]--
	if s.perTorrent[h] <= 0 {
		delete(s.perTorrent, h)
	}
	s.sessionCount--
}

// moveToActive promotes a pending reservation to an active conn.
func (s *state) moveToActive(c *peer.Conn) error {
	if c.IsClosed() {
		return ErrConnClosed
	}
	k := connKey{c.InfoHash(), c.PeerID()}
	if _, ok := s.conns[k]; !ok {
		return ErrInvalidActiveTransition
	}
	s.conns[k] = entry{status: peer.StateOperational, conn: c}
	return nil
}

// deleteActive removes c, freeing its reserved capacity. No-ops if c is
// not the conn currently tracked for its hash/peer pair.
func (s *state) deleteActive(c *peer.Conn) {
	k := connKey{c.InfoHash(), c.PeerID()}
	e, ok := s.conns[k]
	if !ok || e.conn != c {
		return
	}
	delete(s.conns, k)
	s.perTorrent[k.hash]--
	if s.perTorrent[k.hash] <= 0 {
		delete(s.perTorrent, k.hash)
	}
	s.sessionCount--
}

func (s *state) activeConns(h core.InfoHash) []*peer.Conn {
	var active []*peer.Conn
	for k, e := range s.conns {
		if k.hash == h && e.status == peer.StateOperational {
			active = append(active, e.conn)
		}
	}
	return active
}

func (s *state) saturated(h core.InfoHash) bool {
	return s.perTorrent[h] >= s.config.MaxPeersPerTorrent
}
