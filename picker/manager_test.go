package picker

import (
	"testing"
	"time"

	"github.com/andres-erbsen/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/watchreel/torrent/core"
)

func TestReservePartsRespectsPipelineLimit(t *testing.T) {
	m, err := NewManager(Config{PipelineLimit: 3}, clock.New())
	require.NoError(t, err)

	peerID := peerIDFixture()
	parts := m.ReserveParts(peerID, candidatesFixture(10), 10, 10)
	assert.Len(t, parts, 3)
	assert.Equal(t, parts, m.PendingParts(peerID))

	// Quota is exhausted: a second reservation attempt returns nothing
	// until something is cleared or expires.
	more := m.ReserveParts(peerID, candidatesFixture(10), 10, 10)
	assert.Empty(t, more)
}

func TestReservePartsDoesNotDoubleAssignWithoutEndgame(t *testing.T) {
	m, err := NewManager(Config{PipelineLimit: 5}, clock.New())
	require.NoError(t, err)

	peerA := peerIDFixture()
	peerB := peerIDFixture()
	cands := candidatesFixture(2)

	gotA := m.ReserveParts(peerA, cands, 100, 100)
	assert.Len(t, gotA, 2)

	gotB := m.ReserveParts(peerB, cands, 100, 100)
	assert.Empty(t, gotB)
}

func TestReservePartsAllowsDuplicatesInEndgame(t *testing.T) {
	m, err := NewManager(Config{PipelineLimit: 5, EndgameThreshold: 0.10}, clock.New())
	require.NoError(t, err)

	peerA := peerIDFixture()
	peerB := peerIDFixture()
	cands := candidatesFixture(2)

	gotA := m.ReserveParts(peerA, cands, 2, 100)
	assert.Len(t, gotA, 2)

	// 2/100 remaining is within the 10% endgame threshold, so peerB may
	// also be assigned the same parts.
	gotB := m.ReserveParts(peerB, cands, 2, 100)
	assert.Len(t, gotB, 2)
}

func TestMarkInvalidReleasesBufferSlot(t *testing.T) {
	m, err := NewManager(Config{PipelineLimit: 10, MaxPendingRequests: 1}, clock.New())
	require.NoError(t, err)

	peerID := peerIDFixture()
	cands := candidatesFixture(1)
	got := m.ReserveParts(peerID, cands, 10, 10)
	require.Len(t, got, 1)

	// Buffer is full: no more requests fit until one is released.
	assert.Empty(t, m.ReserveParts(peerIDFixture(), candidatesFixture(2)[1:], 10, 10))

	m.MarkInvalid(peerID, got[0])
	assert.Len(t, m.ReserveParts(peerIDFixture(), candidatesFixture(2)[1:], 10, 10), 1)
}

func TestGetFailedRequestsReportsExpired(t *testing.T) {
	clk := clock.NewMock()
	m, err := NewManager(Config{RequestTimeout: time.Minute}, clk)
	require.NoError(t, err)

	peerID := peerIDFixture()
	got := m.ReserveParts(peerID, candidatesFixture(1), 10, 10)
	require.Len(t, got, 1)

	clk.Add(2 * time.Minute)

	failed := m.GetFailedRequests()
	require.Len(t, failed, 1)
	assert.Equal(t, StatusExpired, failed[0].Status)
}

func TestClearPeerReleasesAllItsRequests(t *testing.T) {
	m, err := NewManager(Config{MaxPendingRequests: 2}, clock.New())
	require.NoError(t, err)

	peerID := peerIDFixture()
	got := m.ReserveParts(peerID, candidatesFixture(2), 10, 10)
	require.Len(t, got, 2)

	m.ClearPeer(peerID)
	assert.Empty(t, m.PendingParts(peerID))

	got2 := m.ReserveParts(peerIDFixture(), candidatesFixture(2), 10, 10)
	assert.Len(t, got2, 2)
}

func TestNewManagerRejectsUnknownPolicy(t *testing.T) {
	_, err := NewManager(Config{Policy: "bogus"}, clock.New())
	assert.Error(t, err)
}

func TestClearRemovesBookkeepingForPart(t *testing.T) {
	m, err := NewManager(Config{}, clock.New())
	require.NoError(t, err)

	peerID := peerIDFixture()
	part := core.PiecePart{Piece: 0, Begin: 0, Length: uint32(core.BlockSize)}
	got := m.ReserveParts(peerID, []Candidate{{Part: part, Availability: 1}}, 10, 10)
	require.Len(t, got, 1)

	m.Clear(part)
	assert.Empty(t, m.PendingParts(peerID))
}
