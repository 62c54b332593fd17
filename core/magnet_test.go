package core

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseMagnetBtih40Hex(t *testing.T) {
	uri := "magnet:?xt=urn:btih:eadaf0efea39406914414d359e0ea16416409bd7&dn=Some+File&tr=http%3A%2F%2Ftracker.example.com%2Fannounce&tr=udp%3A%2F%2Fbackup.example.com%3A6969"

	m, err := ParseMagnet(uri)
	require.NoError(t, err)
	assert.Equal(t, V1, m.InfoHash.Version())
	assert.Equal(t, "eadaf0efea39406914414d359e0ea16416409bd7", m.InfoHash.Hex())
	assert.Equal(t, "Some File", m.DisplayName)
	assert.Len(t, m.Trackers, 2)
}

func TestParseMagnetBtih32Base32(t *testing.T) {
	h, err := NewInfoHashFromHex("eadaf0efea39406914414d359e0ea16416409bd7")
	require.NoError(t, err)
	b32 := base32Encode(h.Bytes())

	m, err := ParseMagnet("magnet:?xt=urn:btih:" + b32)
	require.NoError(t, err)
	assert.True(t, h.Equal(m.InfoHash))
}

func TestParseMagnetBtmhV2(t *testing.T) {
	digest := make([]byte, 32)
	for i := range digest {
		digest[i] = byte(i)
	}
	mh := append([]byte{0x12, 0x20}, digest...)
	hexStr := ""
	for _, b := range mh {
		hexStr += string("0123456789abcdef"[b>>4]) + string("0123456789abcdef"[b&0xf])
	}

	m, err := ParseMagnet("magnet:?xt=urn:btmh:" + hexStr)
	require.NoError(t, err)
	assert.Equal(t, V2, m.InfoHash.Version())
	assert.Equal(t, digest, m.InfoHash.Bytes())
}

func TestParseMagnetMissingXt(t *testing.T) {
	_, err := ParseMagnet("magnet:?dn=foo")
	assert.ErrorIs(t, err, ErrIdentifier)
}

func TestParseMagnetNotAMagnetURI(t *testing.T) {
	_, err := ParseMagnet("http://example.com")
	assert.ErrorIs(t, err, ErrIdentifier)
}

func TestMagnetEncodeRoundTrip(t *testing.T) {
	h, err := NewInfoHashFromHex("eadaf0efea39406914414d359e0ea16416409bd7")
	require.NoError(t, err)
	m := &Magnet{InfoHash: h, DisplayName: "A File", Trackers: []string{"http://tracker.example.com/announce"}}

	encoded := m.Encode()
	parsed, err := ParseMagnet(encoded)
	require.NoError(t, err)
	assert.True(t, h.Equal(parsed.InfoHash))
	assert.Equal(t, "A File", parsed.DisplayName)
	assert.Equal(t, m.Trackers, parsed.Trackers)
}
