package peer

import (
	"bytes"
	"fmt"

	bencode "github.com/jackpal/bencode-go"

	"github.com/watchreel/torrent/core"
)

// BEP10 reserves extended message id 0 for the handshake itself. We
// assign our own fixed local ids to the extensions we support; the
// remote addresses future messages to us using these ids, exactly as
// it told us to address it using the ids in its own handshake "m" dict.
const (
	extHandshakeID  byte = 0
	utMetadataLocalID byte = 1
	utPexLocalID      byte = 2
)

// extendedHandshakePayload is the BEP10 handshake dictionary.
type extendedHandshakePayload struct {
	M            map[string]int64 `bencode:"m"`
	MetadataSize int64            `bencode:"metadata_size,omitempty"`
	V            string           `bencode:"v,omitempty"`
	Reqq         int64            `bencode:"reqq,omitempty"`
}

// sendExtendedHandshake announces which named extensions we support and
// at what local ids, per BEP10. Sent immediately after a connection with
// a negotiated extension protocol is established.
func (c *Conn) sendExtendedHandshake() error {
	m := map[string]int64{"ut_metadata": int64(utMetadataLocalID)}
	if c.config.EnablePEX {
		m["ut_pex"] = int64(utPexLocalID)
	}
	payload := extendedHandshakePayload{
		M:    m,
		Reqq: int64(c.config.MaxInflightRequests),
		V:    "watchreel-streamtorrentd",
	}
	var buf bytes.Buffer
	if err := bencode.Marshal(&buf, payload); err != nil {
		return fmt.Errorf("%w: marshal extended handshake: %s", core.ErrProtocol, err)
	}
	body := append([]byte{extHandshakeID}, buf.Bytes()...)
	return c.Send(newMessage(MsgExtended, body))
}

// HandleExtended dispatches an incoming Extended message to the right
// sub-protocol based on its first payload byte (the extension id),
// returning a decoded ut_metadata chunk when msg carries one so the
// caller's metadata assembler can consume it without this package
// needing to know assembly state.
func (c *Conn) HandleExtended(msg *Message) (*MetadataChunk, error) {
	if len(msg.Payload) < 1 {
		return nil, fmt.Errorf("%w: empty extended message", core.ErrProtocol)
	}
	id := msg.Payload[0]
	body := msg.Payload[1:]
	switch id {
	case extHandshakeID:
		return nil, c.handleExtendedHandshake(body)
	case utMetadataLocalID:
		return c.handleMetadataMessage(body)
	case utPexLocalID:
		// PEX payloads are accepted and discarded: nothing in this module
		// decodes them or feeds their addresses to the peer pool.
		return nil, nil
	default:
		return nil, fmt.Errorf("%w: unknown extension id %d", core.ErrProtocol, id)
	}
}

func (c *Conn) handleExtendedHandshake(body []byte) error {
	var payload extendedHandshakePayload
	if err := bencode.Unmarshal(bytes.NewReader(body), &payload); err != nil {
		return fmt.Errorf("%w: unmarshal extended handshake: %s", core.ErrProtocol, err)
	}
	ids := make(map[string]byte, len(payload.M))
	for name, id := range payload.M {
		ids[name] = byte(id)
	}
	c.RegisterExtensions(ids, int(payload.MetadataSize))
	return nil
}

// metadataMessageHeader is the bencoded prefix of every ut_metadata
// message (BEP9); "data" messages append the raw info-dict chunk bytes
// immediately after this dictionary, outside of bencode.
type metadataMessageHeader struct {
	MsgType   int `bencode:"msg_type"`
	Piece     int `bencode:"piece"`
	TotalSize int `bencode:"total_size,omitempty"`
}

const (
	metadataMsgRequest = 0
	metadataMsgData    = 1
	metadataMsgReject  = 2
)

// MetadataChunk is one ut_metadata "data" message: a 16KiB (or smaller,
// for the last piece) slice of the bencoded info dictionary.
type MetadataChunk struct {
	Piece     int
	TotalSize int
	Data      []byte
	Rejected  bool
}

func (c *Conn) remoteMetadataID() (byte, bool) {
	return c.ExtensionID("ut_metadata")
}

// RequestMetadataPiece sends a ut_metadata request for the given chunk
// index of the peer's info dictionary.
func (c *Conn) RequestMetadataPiece(piece int) error {
	id, ok := c.remoteMetadataID()
	if !ok {
		return fmt.Errorf("%w: peer does not support ut_metadata", core.ErrProtocol)
	}
	return c.Send(newMetadataMessage(id, metadataMessageHeader{MsgType: metadataMsgRequest, Piece: piece}, nil))
}

// SendMetadataPiece responds to a request with a chunk of our own
// assembled info dictionary.
func (c *Conn) SendMetadataPiece(piece, totalSize int, data []byte) error {
	id, ok := c.remoteMetadataID()
	if !ok {
		return fmt.Errorf("%w: peer does not support ut_metadata", core.ErrProtocol)
	}
	return c.Send(newMetadataMessage(id, metadataMessageHeader{MsgType: metadataMsgData, Piece: piece, TotalSize: totalSize}, data))
}

// RejectMetadataPiece tells the peer we don't have the full metadata
// ourselves yet.
func (c *Conn) RejectMetadataPiece(piece int) error {
	id, ok := c.remoteMetadataID()
	if !ok {
		return fmt.Errorf("%w: peer does not support ut_metadata", core.ErrProtocol)
	}
	return c.Send(newMetadataMessage(id, metadataMessageHeader{MsgType: metadataMsgReject, Piece: piece}, nil))
}

func newMetadataMessage(remoteID byte, hdr metadataMessageHeader, data []byte) *Message {
	var buf bytes.Buffer
	_ = bencode.Marshal(&buf, hdr)
	payload := make([]byte, 0, 1+buf.Len()+len(data))
	payload = append(payload, remoteID)
	payload = append(payload, buf.Bytes()...)
	payload = append(payload, data...)
	return newMessage(MsgExtended, payload)
}

func (c *Conn) handleMetadataMessage(body []byte) (*MetadataChunk, error) {
	r := bytes.NewReader(body)
	var hdr metadataMessageHeader
	if err := bencode.Unmarshal(r, &hdr); err != nil {
		return nil, fmt.Errorf("%w: unmarshal ut_metadata header: %s", core.ErrProtocol, err)
	}
	// Whatever bencode.Unmarshal left unread is the raw data chunk, for
	// "data" messages; empty for "request"/"reject".
	remaining := make([]byte, r.Len())
	_, _ = r.Read(remaining)

	switch hdr.MsgType {
	case metadataMsgRequest:
		return &MetadataChunk{Piece: hdr.Piece}, nil
	case metadataMsgData:
		return &MetadataChunk{Piece: hdr.Piece, TotalSize: hdr.TotalSize, Data: remaining}, nil
	case metadataMsgReject:
		return &MetadataChunk{Piece: hdr.Piece, Rejected: true}, nil
	default:
		return nil, fmt.Errorf("%w: unknown ut_metadata msg_type %d", core.ErrProtocol, hdr.MsgType)
	}
}

// MetadataAssembler accumulates ut_metadata chunks from one or more
// peers into the complete bencoded info dictionary, verifying the
// result against the torrent's declared InfoHash once every chunk has
// arrived (spec §4.5 metadata sub-machine).
type MetadataAssembler struct {
	infoHash  core.InfoHash
	totalSize int
	chunks    [][]byte
	received  []bool
	numLeft   int
}

// NewMetadataAssembler builds an assembler for a magnet-link torrent
// whose total info-dict size was learned from a peer's extended
// handshake.
func NewMetadataAssembler(ih core.InfoHash, totalSize, chunkSize int) *MetadataAssembler {
	n := (totalSize + chunkSize - 1) / chunkSize
	return &MetadataAssembler{
		infoHash:  ih,
		totalSize: totalSize,
		chunks:    make([][]byte, n),
		received:  make([]bool, n),
		numLeft:   n,
	}
}

// NumPieces returns how many ut_metadata chunks make up the full
// dictionary.
func (a *MetadataAssembler) NumPieces() int {
	return len(a.chunks)
}

// Missing returns the indices of chunks not yet received, in order, for
// the caller to request from any peer that has the metadata.
func (a *MetadataAssembler) Missing() []int {
	var out []int
	for i, got := range a.received {
		if !got {
			out = append(out, i)
		}
	}
	return out
}

// AddChunk records a received chunk. Returns true once every chunk has
// arrived.
func (a *MetadataAssembler) AddChunk(piece int, data []byte) (bool, error) {
	if piece < 0 || piece >= len(a.chunks) {
		return false, fmt.Errorf("%w: metadata chunk %d out of range [0,%d)", core.ErrConsistency, piece, len(a.chunks))
	}
	if !a.received[piece] {
		a.received[piece] = true
		a.chunks[piece] = data
		a.numLeft--
	}
	return a.numLeft == 0, nil
}

// Assemble concatenates every chunk and verifies the result hashes to
// the expected info hash, per BEP9.
func (a *MetadataAssembler) Assemble() (*core.TorrentMetadata, error) {
	if a.numLeft != 0 {
		return nil, fmt.Errorf("%w: metadata incomplete: %d of %d chunks missing", core.ErrConsistency, a.numLeft, len(a.chunks))
	}
	var buf bytes.Buffer
	for _, c := range a.chunks {
		buf.Write(c)
	}
	return core.BuildMetaInfoFromInfoBytes(buf.Bytes(), a.infoHash, nil)
}
