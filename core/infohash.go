// Copyright (c) 2016-2019 Uber Technologies, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package core holds the fixed-width identifiers and small value types
// shared across every other package in this module: info hashes, peer
// ids, bitfields, piece/part descriptors, and the BEP3/BEP9 metainfo and
// magnet link parsers.
package core

import (
	"crypto/sha1"
	"crypto/sha256"
	"encoding/base32"
	"encoding/hex"
	"errors"
	"fmt"
)

// HashVersion distinguishes v1 (SHA-1) from v2 (SHA-256, BEP52) info
// hashes. A hybrid torrent carries both, but a given InfoHash value is
// always one or the other.
type HashVersion int

const (
	// V1 is the classic 20-byte SHA-1 info hash.
	V1 HashVersion = iota
	// V2 is the 32-byte SHA-256 info hash introduced by BEP52.
	V2
)

// InfoHash is the authoritative identifier of a torrent: the hash of its
// bencoded info dictionary. It is immutable once computed.
type InfoHash struct {
	version HashVersion
	b       [32]byte // only the first 20 bytes are meaningful for V1.
}

// NewInfoHashFromBytes hashes b (the bencoded info dict) into an InfoHash
// of the requested version.
func NewInfoHashFromBytes(b []byte, version HashVersion) InfoHash {
	var h InfoHash
	h.version = version
	switch version {
	case V1:
		sum := sha1.Sum(b)
		copy(h.b[:], sum[:])
	case V2:
		sum := sha256.Sum256(b)
		copy(h.b[:], sum[:])
	}
	return h
}

// NewInfoHashFromHex parses a hex-encoded info hash. 40 hex characters
// decode to a V1 hash, 64 to a V2 hash.
func NewInfoHashFromHex(s string) (InfoHash, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return InfoHash{}, fmt.Errorf("invalid hex: %s", err)
	}
	switch len(b) {
	case 20:
		var h InfoHash
		h.version = V1
		copy(h.b[:], b)
		return h, nil
	case 32:
		var h InfoHash
		h.version = V2
		copy(h.b[:], b)
		return h, nil
	default:
		return InfoHash{}, fmt.Errorf("invalid info hash: expected 20 or 32 bytes, got %d", len(b))
	}
}

// NewInfoHashFromBase32 parses the base32 info hash form used in some
// magnet links (BEP9 allows either hex or base32 for urn:btih).
func NewInfoHashFromBase32(s string) (InfoHash, error) {
	b, err := base32.StdEncoding.WithPadding(base32.NoPadding).DecodeString(s)
	if err != nil {
		return InfoHash{}, fmt.Errorf("invalid base32: %s", err)
	}
	if len(b) != 20 {
		return InfoHash{}, errors.New("invalid info hash: base32 form must decode to 20 bytes")
	}
	var h InfoHash
	h.version = V1
	copy(h.b[:], b)
	return h, nil
}

// Version returns whether h is a V1 or V2 info hash.
func (h InfoHash) Version() HashVersion {
	return h.version
}

func (h InfoHash) len() int {
	if h.version == V2 {
		return 32
	}
	return 20
}

// Bytes returns the raw hash bytes (20 or 32, depending on Version).
func (h InfoHash) Bytes() []byte {
	return h.b[:h.len()]
}

// Hex returns the hexadecimal encoding of h.
func (h InfoHash) Hex() string {
	return hex.EncodeToString(h.Bytes())
}

func (h InfoHash) String() string {
	return h.Hex()
}

// Equal reports whether h and o identify the same torrent.
func (h InfoHash) Equal(o InfoHash) bool {
	return h.version == o.version && h.Bytes() != nil && string(h.Bytes()) == string(o.Bytes())
}
