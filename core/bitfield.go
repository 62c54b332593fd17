package core

import (
	"fmt"

	"github.com/willf/bitset"
)

// Bitfield is a bit-packed array where bit i set means the peer has
// piece i (spec §3, GLOSSARY). It wraps willf/bitset for set operations
// (picker rarity math uses Intersection/Complement heavily) but encodes
// to/from the wire using the canonical BitTorrent byte order: bit 0 of
// piece index 0 is the most-significant bit of byte 0, and any trailing
// pad bits in the final byte are zero.
type Bitfield struct {
	set      *bitset.BitSet
	numBits  uint
}

// NewBitfield creates an all-zero Bitfield over n pieces.
func NewBitfield(n int) *Bitfield {
	return &Bitfield{set: bitset.New(uint(n)), numBits: uint(n)}
}

// Len returns the number of pieces the bitfield covers.
func (b *Bitfield) Len() int {
	return int(b.numBits)
}

// Has reports whether piece i is set.
func (b *Bitfield) Has(i int) bool {
	if i < 0 || uint(i) >= b.numBits {
		return false
	}
	return b.set.Test(uint(i))
}

// Set marks piece i as present (or absent, if v is false).
func (b *Bitfield) Set(i int, v bool) {
	if i < 0 || uint(i) >= b.numBits {
		return
	}
	b.set.SetTo(uint(i), v)
}

// SetAll marks every piece as present or absent.
func (b *Bitfield) SetAll(v bool) {
	for i := uint(0); i < b.numBits; i++ {
		b.set.SetTo(i, v)
	}
}

// Count returns the number of pieces set.
func (b *Bitfield) Count() int {
	return int(b.set.Count())
}

// Complete reports whether every piece is set.
func (b *Bitfield) Complete() bool {
	return b.Count() == b.Len()
}

// Copy returns a deep copy of b.
func (b *Bitfield) Copy() *Bitfield {
	c := NewBitfield(b.Len())
	c.set = b.set.Clone()
	return c
}

// Intersection returns a new Bitfield set where both b and o are set.
func (b *Bitfield) Intersection(o *Bitfield) *Bitfield {
	c := &Bitfield{set: b.set.Intersection(o.set), numBits: b.numBits}
	return c
}

// Complement returns a new Bitfield set wherever b is not set.
func (b *Bitfield) Complement() *Bitfield {
	c := &Bitfield{set: b.set.Complement(), numBits: b.numBits}
	// bitset.Complement flips bits beyond numBits too; mask them back off.
	for i := b.numBits; i < c.set.Len(); i++ {
		c.set.Clear(i)
	}
	return c
}

// SetIndices returns the indices of every set bit, ascending.
func (b *Bitfield) SetIndices() []int {
	var out []int
	for i, ok := b.set.NextSet(0); ok; i, ok = b.set.NextSet(i + 1) {
		if i >= b.numBits {
			break
		}
		out = append(out, int(i))
	}
	return out
}

// MarshalWire encodes b using the canonical BitTorrent bitfield byte
// layout: ceil(numBits/8) bytes, MSB-first, trailing pad bits zero.
func (b *Bitfield) MarshalWire() []byte {
	nbytes := (int(b.numBits) + 7) / 8
	out := make([]byte, nbytes)
	for _, i := range b.SetIndices() {
		out[i/8] |= 1 << uint(7-i%8)
	}
	return out
}

// UnmarshalWire parses a wire-format bitfield covering numPieces pieces.
// Returns an error (Consistency, spec §7) if the byte length does not
// match ceil(numPieces/8), or if any pad bit beyond numPieces is set.
func UnmarshalWire(data []byte, numPieces int) (*Bitfield, error) {
	want := (numPieces + 7) / 8
	if len(data) != want {
		return nil, fmt.Errorf("%w: bitfield length %d, want %d for %d pieces",
			ErrConsistency, len(data), want, numPieces)
	}
	b := NewBitfield(numPieces)
	for i := 0; i < numPieces; i++ {
		byteVal := data[i/8]
		if byteVal&(1<<uint(7-i%8)) != 0 {
			b.Set(i, true)
		}
	}
	// Validate pad bits are zero.
	for i := numPieces; i < want*8; i++ {
		byteVal := data[i/8]
		if byteVal&(1<<uint(7-i%8)) != 0 {
			return nil, fmt.Errorf("%w: bitfield has non-zero pad bit at %d", ErrConsistency, i)
		}
	}
	return b, nil
}
