package dht

import (
	"encoding/hex"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/watchreel/torrent/core"
)

// announcedPeer is an entry in this node's own announced-peer store,
// served back to other nodes' get_peers queries.
type announcedPeer struct {
	ip       string
	port     int
	lastSeen time.Time
}

// peerStore tracks peers announced to this node for each info hash,
// expiring entries older than 30 minutes (BEP5 recommendation).
type peerStore struct {
	mu    sync.Mutex
	peers map[string][]*announcedPeer
}

func newPeerStore() *peerStore {
	return &peerStore{peers: make(map[string][]*announcedPeer)}
}

func (s *peerStore) add(ih core.InfoHash, ip string, port int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := ih.Hex()
	for _, p := range s.peers[key] {
		if p.ip == ip && p.port == port {
			p.lastSeen = time.Now()
			return
		}
	}
	s.peers[key] = append(s.peers[key], &announcedPeer{ip: ip, port: port, lastSeen: time.Now()})
}

func (s *peerStore) get(ih core.InfoHash) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	cutoff := time.Now().Add(-30 * time.Minute)
	var fresh []*announcedPeer
	var values []string
	for _, p := range s.peers[ih.Hex()] {
		if p.lastSeen.Before(cutoff) {
			continue
		}
		fresh = append(fresh, p)
		values = append(values, string(encodeCompactAddr(p.ip, p.port)))
	}
	s.peers[ih.Hex()] = fresh
	return values
}

// handleQuery answers an incoming KRPC query, updating the routing table
// with the querying node along the way.
func (n *Node) handleQuery(msg *message, addr net.Addr) {
	if msg.Args == nil || len(msg.Args.ID) != 20 {
		return
	}
	var fromID NodeID
	copy(fromID[:], msg.Args.ID)

	host, portStr, err := net.SplitHostPort(addr.String())
	if err != nil {
		return
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return
	}
	n.table.Upsert(Contact{ID: fromID, IP: host, Port: port})

	reply := &message{TransactionID: msg.TransactionID, Type: "r", Response: &respValues{ID: string(n.self[:])}}

	switch msg.Query {
	case queryPing:
		// Response.ID already set; nothing else to do.

	case queryFindNode:
		var target NodeID
		copy(target[:], msg.Args.Target)
		reply.Response.Nodes = encodeCompactNodes(n.table.Closest(target, k))

	case queryGetPeers:
		if len(msg.Args.InfoHash) != 20 {
			return
		}
		ih, err := core.NewInfoHashFromHex(hex.EncodeToString([]byte(msg.Args.InfoHash)))
		if err != nil {
			return
		}
		reply.Response.Token = n.token(addr, n.currentSecret())
		if values := n.peers.get(ih); len(values) > 0 {
			reply.Response.Values = values
		} else {
			var target NodeID
			copy(target[:], msg.Args.InfoHash)
			reply.Response.Nodes = encodeCompactNodes(n.table.Closest(target, k))
		}

	case queryAnnouncePeer:
		if !n.validToken(addr, msg.Args.Token) {
			return
		}
		if len(msg.Args.InfoHash) != 20 {
			return
		}
		ih, err := core.NewInfoHashFromHex(hex.EncodeToString([]byte(msg.Args.InfoHash)))
		if err != nil {
			return
		}
		announcePort := msg.Args.Port
		if msg.Args.ImpliedPort != 0 {
			announcePort = port
		}
		n.peers.add(ih, host, announcePort)

	default:
		return
	}

	n.send(addr, reply)
}

func (n *Node) currentSecret() [20]byte {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.secrets[0]
}
