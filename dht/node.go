// Package dht implements a Kademlia/BEP5 distributed hash table node:
// KRPC bencoded messages over a single owned UDP socket, a 160-bucket
// routing table, and the ping/find_node/get_peers/announce_peer
// operations needed to discover peers for a torrent without a tracker.
package dht

import (
	"context"
	"crypto/rand"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/watchreel/torrent/core"
)

// Node owns a single UDP socket. One goroutine (readLoop) reads from it;
// sends are not funneled through a channel or a single writer goroutine:
// each query or reply calls WriteTo on the net.PacketConn directly from
// the calling goroutine.
type Node struct {
	config Config
	log    *zap.SugaredLogger
	self   NodeID
	table  *RoutingTable

	conn net.PacketConn

	mu      sync.Mutex
	pending map[string]chan *message
	secrets [2][20]byte // current + previous token-signing secrets.
	peers   *peerStore

	closeOnce sync.Once
	closed    chan struct{}
}

// New creates and starts a Node listening on config.ListenAddr. Bootstrap
// failures are logged but do not fail construction: the DHT stays enabled
// with an empty routing table and fills in from incoming queries.
func New(config Config, self NodeID, log *zap.SugaredLogger) (*Node, error) {
	config = config.applyDefaults()
	if log == nil {
		log = zap.NewNop().Sugar()
	}

	conn, err := net.ListenPacket("udp", config.ListenAddr)
	if err != nil {
		return nil, fmt.Errorf("%w: listen udp %s: %s", core.ErrIO, config.ListenAddr, err)
	}

	n := &Node{
		config:  config,
		log:     log,
		self:    self,
		table:   NewRoutingTable(self),
		conn:    conn,
		pending: make(map[string]chan *message),
		closed:  make(chan struct{}),
		peers:   newPeerStore(),
	}
	if _, err := rand.Read(n.secrets[0][:]); err != nil {
		conn.Close()
		return nil, fmt.Errorf("%w: generate token secret: %s", core.ErrProtocol, err)
	}
	n.secrets[1] = n.secrets[0]

	go n.readLoop()
	go n.rotateSecretsLoop()
	go n.bootstrap()

	return n, nil
}

// Close shuts down the node's socket and read loop.
func (n *Node) Close() error {
	n.closeOnce.Do(func() { close(n.closed) })
	return n.conn.Close()
}

// RoutingTableSize returns the number of contacts currently known, for
// session diagnostics.
func (n *Node) RoutingTableSize() int {
	return n.table.Size()
}

func (n *Node) bootstrap() {
	for _, addr := range n.config.BootstrapNodes {
		ctx, cancel := context.WithTimeout(context.Background(), n.config.QueryTimeout)
		_, err := n.FindNode(ctx, addr, n.self)
		cancel()
		if err != nil {
			n.log.Warnw("dht bootstrap node unreachable", "addr", addr, "error", err)
		}
	}
}

func (n *Node) rotateSecretsLoop() {
	ticker := time.NewTicker(10 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-n.closed:
			return
		case <-ticker.C:
			n.mu.Lock()
			n.secrets[1] = n.secrets[0]
			rand.Read(n.secrets[0][:])
			n.mu.Unlock()
		}
	}
}

func (n *Node) readLoop() {
	buf := make([]byte, 4096)
	for {
		nBytes, addr, err := n.conn.ReadFrom(buf)
		if err != nil {
			select {
			case <-n.closed:
				return
			default:
				n.log.Debugw("dht read error", "error", err)
				return
			}
		}
		msg, err := decodeMessage(buf[:nBytes])
		if err != nil {
			continue
		}
		n.handle(msg, addr)
	}
}

func (n *Node) handle(msg *message, addr net.Addr) {
	switch msg.Type {
	case "r", "e":
		n.mu.Lock()
		ch, ok := n.pending[msg.TransactionID]
		n.mu.Unlock()
		if ok {
			select {
			case ch <- msg:
			default:
			}
		}
	case "q":
		n.handleQuery(msg, addr)
	}
}

func (n *Node) send(addr net.Addr, msg *message) error {
	data, err := encodeMessage(msg)
	if err != nil {
		return err
	}
	_, err = n.conn.WriteTo(data, addr)
	return err
}

// query sends msg to addr and waits for a matching reply or ctx's
// deadline, whichever comes first.
func (n *Node) query(ctx context.Context, addr string, msg *message) (*message, error) {
	raddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("%w: resolve %s: %s", core.ErrIO, addr, err)
	}

	var txID [4]byte
	if _, err := rand.Read(txID[:]); err != nil {
		return nil, fmt.Errorf("%w: generate transaction id: %s", core.ErrProtocol, err)
	}
	msg.TransactionID = string(txID[:])

	ch := make(chan *message, 1)
	n.mu.Lock()
	n.pending[msg.TransactionID] = ch
	n.mu.Unlock()
	defer func() {
		n.mu.Lock()
		delete(n.pending, msg.TransactionID)
		n.mu.Unlock()
	}()

	if err := n.send(raddr, msg); err != nil {
		n.table.MarkFailed(idFromAddr(addr))
		return nil, fmt.Errorf("%w: send to %s: %s", core.ErrIO, addr, err)
	}

	select {
	case resp := <-ch:
		if resp.Type == "e" {
			return nil, fmt.Errorf("%w: dht error reply from %s", core.ErrProtocol, addr)
		}
		return resp, nil
	case <-ctx.Done():
		n.table.MarkFailed(idFromAddr(addr))
		return nil, fmt.Errorf("%w: dht query to %s timed out", core.ErrTimeout, addr)
	}
}

// idFromAddr is a placeholder key used only to bucket repeated send
// failures to an address whose node id we don't yet know (e.g. a
// bootstrap router); it is not a real Kademlia id.
func idFromAddr(addr string) NodeID {
	sum := sha1.Sum([]byte(addr))
	var id NodeID
	copy(id[:], sum[:])
	return id
}

// Ping performs a BEP5 ping query against addr.
func (n *Node) Ping(ctx context.Context, addr string) (NodeID, error) {
	resp, err := n.query(ctx, addr, &message{Type: "q", Query: queryPing, Args: &queryArgs{ID: string(n.self[:])}})
	if err != nil {
		return NodeID{}, err
	}
	return parseRespID(resp)
}

// FindNode performs a BEP5 find_node query against addr, looking for
// nodes close to target.
func (n *Node) FindNode(ctx context.Context, addr string, target NodeID) ([]Contact, error) {
	resp, err := n.query(ctx, addr, &message{
		Type: "q", Query: queryFindNode,
		Args: &queryArgs{ID: string(n.self[:]), Target: string(target[:])},
	})
	if err != nil {
		return nil, err
	}
	if resp.Response == nil {
		return nil, fmt.Errorf("%w: find_node reply missing r", core.ErrProtocol)
	}
	nodes, err := decodeCompactNodes(resp.Response.Nodes)
	if err != nil {
		return nil, err
	}
	for _, c := range nodes {
		n.table.Upsert(c)
	}
	return nodes, nil
}

// GetPeers performs a BEP5 get_peers query against addr, returning either
// peers for infoHash or closer nodes to continue the iterative lookup.
func (n *Node) GetPeers(ctx context.Context, addr string, infoHash core.InfoHash) (peers []*core.PeerInfo, nodes []Contact, token string, err error) {
	resp, err := n.query(ctx, addr, &message{
		Type: "q", Query: queryGetPeers,
		Args: &queryArgs{ID: string(n.self[:]), InfoHash: string(infoHash.Bytes())},
	})
	if err != nil {
		return nil, nil, "", err
	}
	if resp.Response == nil {
		return nil, nil, "", fmt.Errorf("%w: get_peers reply missing r", core.ErrProtocol)
	}
	if len(resp.Response.Values) > 0 {
		peers, err = decodeCompactPeers(resp.Response.Values)
		if err != nil {
			return nil, nil, "", err
		}
	}
	if resp.Response.Nodes != "" {
		nodes, err = decodeCompactNodes(resp.Response.Nodes)
		if err != nil {
			return nil, nil, "", err
		}
	}
	return peers, nodes, resp.Response.Token, nil
}

// AnnouncePeer performs a BEP5 announce_peer query against addr using a
// token previously obtained from GetPeers.
func (n *Node) AnnouncePeer(ctx context.Context, addr string, infoHash core.InfoHash, port int, token string) error {
	_, err := n.query(ctx, addr, &message{
		Type: "q", Query: queryAnnouncePeer,
		Args: &queryArgs{
			ID:          string(n.self[:]),
			InfoHash:    string(infoHash.Bytes()),
			Port:        port,
			ImpliedPort: 0,
			Token:       token,
		},
	})
	return err
}

func parseRespID(m *message) (NodeID, error) {
	if m.Response == nil || len(m.Response.ID) != 20 {
		return NodeID{}, fmt.Errorf("%w: reply missing valid id", core.ErrProtocol)
	}
	var id NodeID
	copy(id[:], m.Response.ID)
	return id, nil
}

// token derives the per-address announce token from the given secret:
// a SHA-1 of the querying address (ip:port string) + secret. Tokens from the
// previous secret are also accepted, giving each a ~10-20 minute window.
func (n *Node) token(addr net.Addr, secret [20]byte) string {
	h := sha1.New()
	h.Write([]byte(addr.String()))
	h.Write(secret[:])
	return hex.EncodeToString(h.Sum(nil))
}

func (n *Node) validToken(addr net.Addr, tok string) bool {
	n.mu.Lock()
	secrets := n.secrets
	n.mu.Unlock()
	return tok == n.token(addr, secrets[0]) || tok == n.token(addr, secrets[1])
}
