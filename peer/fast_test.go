package peer

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAllowedFastSetDeterministicAndInRange(t *testing.T) {
	ih := metadataFixture(100).InfoHash
	ip := net.ParseIP("80.4.4.200")

	set1 := AllowedFastSet(ip, ih.Bytes(), 100, 7)
	set2 := AllowedFastSet(ip, ih.Bytes(), 100, 7)
	assert.Equal(t, set1, set2)
	assert.Len(t, set1, 7)
	for _, idx := range set1 {
		assert.True(t, idx >= 0 && idx < 100)
	}
}

func TestAllowedFastSetEmptyForIPv6(t *testing.T) {
	ih := metadataFixture(10).InfoHash
	ip := net.ParseIP("::1")
	assert.Nil(t, AllowedFastSet(ip, ih.Bytes(), 10, 7))
}

func TestAllowedFastSetHandlesZeroPieces(t *testing.T) {
	ip := net.ParseIP("1.2.3.4")
	assert.Nil(t, AllowedFastSet(ip, []byte("x"), 0, 7))
}
