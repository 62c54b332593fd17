package core

import (
	"encoding/hex"
	"fmt"
	"net/url"
	"strings"
)

// Magnet is a parsed magnet URI (spec §6, BEP9): an info hash plus
// optional hints. No file content is carried; TorrentMetadata is filled
// in later via the metadata extension.
type Magnet struct {
	InfoHash    InfoHash
	DisplayName string
	Trackers    []string
	PeerAddrs   []string // x.pe hints
}

// ParseMagnet parses a "magnet:?..." URI. Supports xt=urn:btih:<40-hex|
// 32-base32> (v1) and xt=urn:btmh:<multihash> (v2, a 1-byte function
// code + 1-byte length prefix followed by the raw digest, per
// multihash/BEP52), dn, repeatable tr, and x.pe.
func ParseMagnet(raw string) (*Magnet, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid magnet uri: %s", ErrIdentifier, err)
	}
	if u.Scheme != "magnet" {
		return nil, fmt.Errorf("%w: not a magnet uri: scheme %q", ErrIdentifier, u.Scheme)
	}

	q := u.Query()

	xt := q.Get("xt")
	if xt == "" {
		return nil, fmt.Errorf("%w: magnet uri missing xt parameter", ErrIdentifier)
	}

	ih, err := parseExactTopic(xt)
	if err != nil {
		return nil, err
	}

	m := &Magnet{
		InfoHash:    ih,
		DisplayName: q.Get("dn"),
		Trackers:    q["tr"],
		PeerAddrs:   q["x.pe"],
	}
	return m, nil
}

func parseExactTopic(xt string) (InfoHash, error) {
	switch {
	case strings.HasPrefix(xt, "urn:btih:"):
		v := xt[len("urn:btih:"):]
		switch len(v) {
		case 40:
			return NewInfoHashFromHex(v)
		case 32:
			return NewInfoHashFromBase32(v)
		default:
			return InfoHash{}, fmt.Errorf("%w: urn:btih value has invalid length %d", ErrIdentifier, len(v))
		}
	case strings.HasPrefix(xt, "urn:btmh:"):
		v := xt[len("urn:btmh:"):]
		return parseMultihashV2(v)
	default:
		return InfoHash{}, fmt.Errorf("%w: unsupported xt urn: %s", ErrIdentifier, xt)
	}
}

// parseMultihashV2 decodes a hex-encoded multihash of a SHA-256 digest
// as used by BEP52 v2 magnet links: 1-byte hash function code (0x12 =
// sha2-256), 1-byte digest length (0x20 = 32), then the digest.
func parseMultihashV2(hexVal string) (InfoHash, error) {
	b, err := hex.DecodeString(hexVal)
	if err != nil {
		return InfoHash{}, fmt.Errorf("%w: invalid multihash hex: %s", ErrIdentifier, err)
	}
	if len(b) != 34 || b[0] != 0x12 || b[1] != 0x20 {
		return InfoHash{}, fmt.Errorf("%w: unsupported multihash encoding", ErrIdentifier)
	}
	return NewInfoHashFromHexBytes(b[2:])
}

// NewInfoHashFromHexBytes wraps 32 raw sha-256 bytes as a V2 InfoHash.
func NewInfoHashFromHexBytes(b []byte) (InfoHash, error) {
	if len(b) != 32 {
		return InfoHash{}, fmt.Errorf("%w: expected 32 bytes, got %d", ErrIdentifier, len(b))
	}
	var h InfoHash
	h.version = V2
	copy(h.b[:], b)
	return h, nil
}

// Encode serializes m back into a magnet URI string.
func (m *Magnet) Encode() string {
	var b strings.Builder
	b.WriteString("magnet:?xt=urn:btih:")
	b.WriteString(m.InfoHash.Hex())
	if m.DisplayName != "" {
		b.WriteString("&dn=")
		b.WriteString(url.QueryEscape(m.DisplayName))
	}
	for _, tr := range m.Trackers {
		b.WriteString("&tr=")
		b.WriteString(url.QueryEscape(tr))
	}
	return b.String()
}
