package peer

import (
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/watchreel/torrent/core"
)

// MessageID is the single-byte message type tag that follows the 4-byte
// length prefix on every non-keep-alive message (spec §6 wire format).
type MessageID byte

// Message ids, per BEP3 (0-9), BEP6 fast extension (13-17), and BEP10
// (20).
const (
	MsgChoke         MessageID = 0
	MsgUnchoke       MessageID = 1
	MsgInterested    MessageID = 2
	MsgNotInterested MessageID = 3
	MsgHave          MessageID = 4
	MsgBitfield      MessageID = 5
	MsgRequest       MessageID = 6
	MsgPiece         MessageID = 7
	MsgCancel        MessageID = 8
	MsgPort          MessageID = 9

	MsgSuggestPiece  MessageID = 13
	MsgHaveAll       MessageID = 14
	MsgHaveNone      MessageID = 15
	MsgRejectRequest MessageID = 16
	MsgAllowedFast   MessageID = 17

	MsgExtended MessageID = 20
)

func (id MessageID) String() string {
	switch id {
	case MsgChoke:
		return "choke"
	case MsgUnchoke:
		return "unchoke"
	case MsgInterested:
		return "interested"
	case MsgNotInterested:
		return "not_interested"
	case MsgHave:
		return "have"
	case MsgBitfield:
		return "bitfield"
	case MsgRequest:
		return "request"
	case MsgPiece:
		return "piece"
	case MsgCancel:
		return "cancel"
	case MsgPort:
		return "port"
	case MsgSuggestPiece:
		return "suggest_piece"
	case MsgHaveAll:
		return "have_all"
	case MsgHaveNone:
		return "have_none"
	case MsgRejectRequest:
		return "reject_request"
	case MsgAllowedFast:
		return "allowed_fast"
	case MsgExtended:
		return "extended"
	default:
		return fmt.Sprintf("unknown(%d)", byte(id))
	}
}

// maxMessageSize bounds a single message's payload (id byte + body),
// excluding the 4-byte length prefix itself. A Piece message payload is
// 8 bytes of header plus at most one request block, so this comfortably
// covers the largest legal message while still rejecting corrupt or
// hostile length prefixes before allocating a buffer for them.
const maxMessageSize = 32*1024 + 64

// Message is one parsed wire message: a keep-alive (IsKeepAlive) carries
// no ID and no payload. ID values beyond MsgExtended are never produced; unknown
// message ids read off the wire are surfaced as an error rather than a
// Message so callers cannot accidentally mishandle them (spec §7).
type Message struct {
	ID      MessageID
	keepAlive bool
	Payload []byte
}

// IsKeepAlive reports whether m is a zero-length keep-alive.
func (m *Message) IsKeepAlive() bool {
	return m == nil || m.keepAlive
}

var keepAliveMessage = &Message{keepAlive: true}

func newMessage(id MessageID, payload []byte) *Message {
	return &Message{ID: id, Payload: payload}
}

// NewHaveMessage builds a Have message announcing piece.
func NewHaveMessage(piece int) *Message {
	p := make([]byte, 4)
	binary.BigEndian.PutUint32(p, uint32(piece))
	return newMessage(MsgHave, p)
}

// ParseHave extracts the announced piece index.
func ParseHave(m *Message) (int, error) {
	if len(m.Payload) != 4 {
		return 0, fmt.Errorf("%w: have payload length %d, want 4", core.ErrProtocol, len(m.Payload))
	}
	return int(binary.BigEndian.Uint32(m.Payload)), nil
}

// NewBitfieldMessage builds a Bitfield message from the canonical wire
// encoding of bf.
func NewBitfieldMessage(bf *core.Bitfield) *Message {
	return newMessage(MsgBitfield, bf.MarshalWire())
}

// ParseBitfield decodes a Bitfield message payload for a torrent with
// numPieces pieces.
func ParseBitfield(m *Message, numPieces int) (*core.Bitfield, error) {
	return core.UnmarshalWire(m.Payload, numPieces)
}

func encodePart(p core.PiecePart) []byte {
	b := make([]byte, 12)
	binary.BigEndian.PutUint32(b[0:4], uint32(p.Piece))
	binary.BigEndian.PutUint32(b[4:8], p.Begin)
	binary.BigEndian.PutUint32(b[8:12], p.Length)
	return b
}

func decodePart(payload []byte) (core.PiecePart, error) {
	if len(payload) != 12 {
		return core.PiecePart{}, fmt.Errorf("%w: request/cancel payload length %d, want 12", core.ErrProtocol, len(payload))
	}
	return core.PiecePart{
		Piece:  int(binary.BigEndian.Uint32(payload[0:4])),
		Begin:  binary.BigEndian.Uint32(payload[4:8]),
		Length: binary.BigEndian.Uint32(payload[8:12]),
	}, nil
}

// NewRequestMessage builds a Request for part.
func NewRequestMessage(part core.PiecePart) *Message {
	return newMessage(MsgRequest, encodePart(part))
}

// ParseRequest decodes a Request (or Cancel, or Reject) payload.
func ParseRequest(m *Message) (core.PiecePart, error) {
	return decodePart(m.Payload)
}

// NewCancelMessage builds a Cancel for part.
func NewCancelMessage(part core.PiecePart) *Message {
	return newMessage(MsgCancel, encodePart(part))
}

// NewRejectMessage builds a BEP6 Reject Request for part.
func NewRejectMessage(part core.PiecePart) *Message {
	return newMessage(MsgRejectRequest, encodePart(part))
}

// NewAllowedFastMessage builds a BEP6 Allowed Fast announcing piece.
func NewAllowedFastMessage(piece int) *Message {
	p := make([]byte, 4)
	binary.BigEndian.PutUint32(p, uint32(piece))
	return newMessage(MsgAllowedFast, p)
}

// ParseAllowedFast extracts the announced piece index.
func ParseAllowedFast(m *Message) (int, error) {
	return ParseHave(m)
}

// NewPieceMessage builds a Piece delivering block at begin within piece.
func NewPieceMessage(piece int, begin uint32, block []byte) *Message {
	p := make([]byte, 8+len(block))
	binary.BigEndian.PutUint32(p[0:4], uint32(piece))
	binary.BigEndian.PutUint32(p[4:8], begin)
	copy(p[8:], block)
	return newMessage(MsgPiece, p)
}

// ParsePiece decodes a Piece message into its piece index, block offset,
// and block bytes (a view into the message's own payload; copy it before
// the Message is reused).
func ParsePiece(m *Message) (piece int, begin uint32, block []byte, err error) {
	if len(m.Payload) < 8 {
		return 0, 0, nil, fmt.Errorf("%w: piece payload length %d, want >= 8", core.ErrProtocol, len(m.Payload))
	}
	piece = int(binary.BigEndian.Uint32(m.Payload[0:4]))
	begin = binary.BigEndian.Uint32(m.Payload[4:8])
	block = m.Payload[8:]
	return
}

// NewPortMessage builds a Port message advertising the local DHT node's
// listening port (BEP5).
func NewPortMessage(port int) *Message {
	p := make([]byte, 2)
	binary.BigEndian.PutUint16(p, uint16(port))
	return newMessage(MsgPort, p)
}

// ParsePort extracts the advertised DHT port.
func ParsePort(m *Message) (int, error) {
	if len(m.Payload) != 2 {
		return 0, fmt.Errorf("%w: port payload length %d, want 2", core.ErrProtocol, len(m.Payload))
	}
	return int(binary.BigEndian.Uint16(m.Payload)), nil
}

func sendMessage(nc net.Conn, msg *Message) error {
	if msg.IsKeepAlive() {
		return binary.Write(nc, binary.BigEndian, uint32(0))
	}
	length := uint32(1 + len(msg.Payload))
	if err := binary.Write(nc, binary.BigEndian, length); err != nil {
		return fmt.Errorf("%w: write length prefix: %s", core.ErrIO, err)
	}
	if _, err := nc.Write([]byte{byte(msg.ID)}); err != nil {
		return fmt.Errorf("%w: write message id: %s", core.ErrIO, err)
	}
	for len(msg.Payload) > 0 {
		n, err := nc.Write(msg.Payload)
		if err != nil {
			return fmt.Errorf("%w: write payload: %s", core.ErrIO, err)
		}
		msg.Payload = msg.Payload[n:]
	}
	return nil
}

// sendMessageWithTimeout sets nc's write deadline before sending. The
// deadline is computed from the real wall clock rather than an injected
// clock.Clock: net.Conn deadlines are always evaluated against system
// time by the runtime poller, so threading a fake clock through here
// would only desynchronize tests from the connection's actual behavior.
func sendMessageWithTimeout(nc net.Conn, msg *Message, timeout time.Duration) error {
	if err := nc.SetWriteDeadline(time.Now().Add(timeout)); err != nil {
		return fmt.Errorf("%w: set write deadline: %s", core.ErrIO, err)
	}
	return sendMessage(nc, msg)
}

func readMessage(nc net.Conn) (*Message, error) {
	var lengthBuf [4]byte
	if _, err := io.ReadFull(nc, lengthBuf[:]); err != nil {
		return nil, fmt.Errorf("%w: read length prefix: %s", core.ErrIO, err)
	}
	length := binary.BigEndian.Uint32(lengthBuf[:])
	if length == 0 {
		return keepAliveMessage, nil
	}
	if uint64(length) > maxMessageSize {
		return nil, fmt.Errorf("%w: message length %d exceeds max %d", core.ErrProtocol, length, maxMessageSize)
	}
	var idBuf [1]byte
	if _, err := io.ReadFull(nc, idBuf[:]); err != nil {
		return nil, fmt.Errorf("%w: read message id: %s", core.ErrIO, err)
	}
	switch id := MessageID(idBuf[0]); {
	case id <= MsgPort, id >= MsgSuggestPiece && id <= MsgAllowedFast, id == MsgExtended:
	default:
		return nil, fmt.Errorf("%w: unknown message id %d", core.ErrProtocol, idBuf[0])
	}
	payload := make([]byte, length-1)
	if _, err := io.ReadFull(nc, payload); err != nil {
		return nil, fmt.Errorf("%w: read payload: %s", core.ErrIO, err)
	}
	return &Message{ID: MessageID(idBuf[0]), Payload: payload}, nil
}

func readMessageWithTimeout(nc net.Conn, timeout time.Duration) (*Message, error) {
	if err := nc.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return nil, fmt.Errorf("%w: set read deadline: %s", core.ErrIO, err)
	}
	return readMessage(nc)
}
