package dht

import (
	"bytes"
	"fmt"
	"net"

	bencode "github.com/jackpal/bencode-go"

	"github.com/watchreel/torrent/core"
)

// NodeID is a 160-bit Kademlia node identifier, the same width as a BEP3
// peer id.
type NodeID [20]byte

// Distance returns the XOR metric between a and b, per Kademlia.
func Distance(a, b NodeID) NodeID {
	var d NodeID
	for i := range a {
		d[i] = a[i] ^ b[i]
	}
	return d
}

// Less reports whether a is numerically smaller than b when both are read
// as big-endian integers (used to order nodes by distance).
func (a NodeID) Less(b NodeID) bool {
	for i := range a {
		if a[i] != b[i] {
			return a[i] < b[i]
		}
	}
	return false
}

func (a NodeID) String() string {
	return fmt.Sprintf("%x", a[:])
}

// query types, per BEP5.
const (
	queryPing         = "ping"
	queryFindNode     = "find_node"
	queryGetPeers     = "get_peers"
	queryAnnouncePeer = "announce_peer"
)

// message is the KRPC envelope shared by queries, responses, and errors
// (BEP5 section "KRPC Protocol"). Fields are bencode dictionaries, so an
// outgoing message only populates the ones relevant to its "y" type.
type message struct {
	TransactionID string      `bencode:"t"`
	Type          string      `bencode:"y"`
	Query         string      `bencode:"q,omitempty"`
	Args          *queryArgs  `bencode:"a,omitempty"`
	Response      *respValues `bencode:"r,omitempty"`
	Error         []interface{} `bencode:"e,omitempty"`
	ClientVersion string      `bencode:"v,omitempty"`
}

type queryArgs struct {
	ID          string `bencode:"id"`
	Target      string `bencode:"target,omitempty"`
	InfoHash    string `bencode:"info_hash,omitempty"`
	Token       string `bencode:"token,omitempty"`
	Port        int    `bencode:"port,omitempty"`
	ImpliedPort int    `bencode:"implied_port,omitempty"`
}

type respValues struct {
	ID     string `bencode:"id"`
	Nodes  string `bencode:"nodes,omitempty"`
	Token  string `bencode:"token,omitempty"`
	Values []string `bencode:"values,omitempty"`
}

func encodeMessage(m *message) ([]byte, error) {
	var buf bytes.Buffer
	if err := bencode.Marshal(&buf, m); err != nil {
		return nil, fmt.Errorf("%w: encode krpc message: %s", core.ErrProtocol, err)
	}
	return buf.Bytes(), nil
}

func decodeMessage(b []byte) (*message, error) {
	var m message
	if err := bencode.Unmarshal(bytes.NewReader(b), &m); err != nil {
		return nil, fmt.Errorf("%w: decode krpc message: %s", core.ErrProtocol, err)
	}
	return &m, nil
}

// encodeCompactNodes packs (NodeID, IPv4, port) triplets into BEP5's "nodes"
// string: 26 bytes each.
func encodeCompactNodes(nodes []Contact) string {
	b := make([]byte, 0, 26*len(nodes))
	for _, n := range nodes {
		b = append(b, n.ID[:]...)
		b = append(b, encodeCompactAddr(n.IP, n.Port)...)
	}
	return string(b)
}

func decodeCompactNodes(s string) ([]Contact, error) {
	b := []byte(s)
	if len(b)%26 != 0 {
		return nil, fmt.Errorf("%w: compact nodes length %d not a multiple of 26", core.ErrProtocol, len(b))
	}
	var out []Contact
	for i := 0; i < len(b); i += 26 {
		var id NodeID
		copy(id[:], b[i:i+20])
		ip, port := decodeCompactAddr(b[i+20 : i+26])
		out = append(out, Contact{ID: id, IP: ip, Port: port})
	}
	return out, nil
}

func encodeCompactAddr(ip string, port int) []byte {
	b := make([]byte, 6)
	if v4 := net.ParseIP(ip).To4(); v4 != nil {
		copy(b[:4], v4)
	}
	b[4] = byte(port >> 8)
	b[5] = byte(port)
	return b
}

func decodeCompactAddr(b []byte) (string, int) {
	ip := fmt.Sprintf("%d.%d.%d.%d", b[0], b[1], b[2], b[3])
	port := int(b[4])<<8 | int(b[5])
	return ip, port
}

// decodeCompactPeers unpacks BEP5's get_peers "values" list: one 6-byte
// compact IPv4 peer address per entry.
func decodeCompactPeers(values []string) ([]*core.PeerInfo, error) {
	var out []*core.PeerInfo
	for _, v := range values {
		if len(v) != 6 {
			return nil, fmt.Errorf("%w: compact peer value length %d, want 6", core.ErrProtocol, len(v))
		}
		ip, port := decodeCompactAddr([]byte(v))
		out = append(out, &core.PeerInfo{IP: ip, Port: port, Source: core.SourceDHT})
	}
	return out, nil
}
