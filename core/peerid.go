package core

import (
	"bytes"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
)

// ErrInvalidPeerIDLength occurs when a string peer id does not decode
// into exactly 20 bytes.
var ErrInvalidPeerIDLength = errors.New("peer id has invalid length")

// PeerID is the 20-byte self-identifier exchanged during the BitTorrent
// handshake (spec §6).
type PeerID [20]byte

// NewPeerID parses a PeerID from hex, expecting exactly 20 decoded bytes.
func NewPeerID(s string) (PeerID, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return PeerID{}, err
	}
	if len(b) != 20 {
		return PeerID{}, ErrInvalidPeerIDLength
	}
	var p PeerID
	copy(p[:], b)
	return p, nil
}

// NewPeerIDFromBytes wraps a raw 20-byte peer id, as read off the wire.
func NewPeerIDFromBytes(b []byte) (PeerID, error) {
	if len(b) != 20 {
		return PeerID{}, ErrInvalidPeerIDLength
	}
	var p PeerID
	copy(p[:], b)
	return p, nil
}

// RandomPeerID generates a cryptographically random PeerID.
func RandomPeerID() (PeerID, error) {
	var p PeerID
	_, err := rand.Read(p[:])
	return p, err
}

// NewClientPeerID builds an Azureus-style peer id: "-<clientTag>0001-"
// (the 2-character client tag followed by the fixed version "0001")
// followed by 12 random bytes.
func NewClientPeerID(clientTag string) (PeerID, error) {
	if len(clientTag) != 2 {
		return PeerID{}, fmt.Errorf("client tag must be exactly 2 characters, got %q", clientTag)
	}
	var p PeerID
	prefix := fmt.Sprintf("-%s0001-", clientTag)
	copy(p[:], prefix)
	if _, err := rand.Read(p[len(prefix):]); err != nil {
		return PeerID{}, err
	}
	return p, nil
}

func (p PeerID) String() string {
	return hex.EncodeToString(p[:])
}

// Bytes returns the raw 20 bytes of p.
func (p PeerID) Bytes() []byte {
	return p[:]
}

// Equal reports whether p and o are the same peer id.
func (p PeerID) Equal(o PeerID) bool {
	return bytes.Equal(p[:], o[:])
}
