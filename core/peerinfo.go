package core

import (
	"errors"
	"sort"
	"strconv"
)

// PeerInfo is address + identity metadata for a peer, scoped to a single
// torrent swarm (spec §3). Grounded on uber-kraken's core.PeerInfo,
// extended with a Source field so the pool can report which discovery
// channel (tracker, DHT, PEX) supplied an address.
type PeerInfo struct {
	PeerID PeerID
	IP     string
	Port   int
	Source PeerSource
}

// PeerSource identifies which discovery channel supplied a PeerInfo.
type PeerSource int

const (
	SourceTracker PeerSource = iota
	SourceDHT
	SourcePEX
	SourceIncoming
)

func (s PeerSource) String() string {
	switch s {
	case SourceTracker:
		return "tracker"
	case SourceDHT:
		return "dht"
	case SourcePEX:
		return "pex"
	case SourceIncoming:
		return "incoming"
	default:
		return "unknown"
	}
}

// Addr returns the "ip:port" dial address for p.
func (p *PeerInfo) Addr() string {
	return p.IP + ":" + strconv.Itoa(p.Port)
}

// ClientContext identifies the local client the way it announces itself
// to trackers, DHT, and peers (spec §6 client_name, peer_listener_port).
type ClientContext struct {
	ClientName string
	IP         string
	Port       int
	PeerID     PeerID
}

// NewClientContext builds a ClientContext, generating a peer id prefixed
// with client_name per spec §6.
func NewClientContext(clientTag, ip string, port int) (ClientContext, error) {
	if ip == "" {
		return ClientContext{}, errors.New("no ip supplied")
	}
	peerID, err := NewClientPeerID(clientTag)
	if err != nil {
		return ClientContext{}, err
	}
	return ClientContext{
		ClientName: clientTag,
		IP:         ip,
		Port:       port,
		PeerID:     peerID,
	}, nil
}

// PeerInfos is a sortable list of PeerInfo for deterministic addressing
// (e.g. tie-breaking in tests).
type PeerInfos []*PeerInfo

func (s PeerInfos) Len() int      { return len(s) }
func (s PeerInfos) Swap(i, j int) { s[i], s[j] = s[j], s[i] }
func (s PeerInfos) Less(i, j int) bool {
	return string(s[i].PeerID[:]) < string(s[j].PeerID[:])
}

// SortedByPeerID returns a copy of peers sorted by peer id bytes.
func SortedByPeerID(peers []*PeerInfo) []*PeerInfo {
	c := make([]*PeerInfo, len(peers))
	copy(c, peers)
	sort.Slice(c, func(i, j int) bool {
		return string(c[i].PeerID[:]) < string(c[j].PeerID[:])
	})
	return c
}
