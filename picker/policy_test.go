package picker

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/watchreel/torrent/core"
)

func TestPriorityPolicyOrdersByPriorityThenIndex(t *testing.T) {
	cands := []Candidate{
		{Part: core.PiecePart{Piece: 2}, Priority: core.PriorityNormal},
		{Part: core.PiecePart{Piece: 0}, Priority: core.PriorityHigh},
		{Part: core.PiecePart{Piece: 1}, Priority: core.PriorityHigh},
		{Part: core.PiecePart{Piece: 3}, Priority: core.PriorityLow},
	}
	parts := priorityPolicy{}.selectParts(10, alwaysValid, cands)
	assert.Equal(t, []core.PiecePart{
		{Piece: 0}, {Piece: 1}, {Piece: 2}, {Piece: 3},
	}, parts)
}

func TestPriorityPolicyRespectsLimit(t *testing.T) {
	cands := candidatesFixture(10)
	parts := priorityPolicy{}.selectParts(3, alwaysValid, cands)
	assert.Len(t, parts, 3)
}

func TestAvailabilityPolicySkipsZeroAvailability(t *testing.T) {
	cands := []Candidate{
		{Part: core.PiecePart{Piece: 0}, Availability: 0},
		{Part: core.PiecePart{Piece: 1}, Availability: 3},
		{Part: core.PiecePart{Piece: 2}, Availability: 1},
	}
	parts := availabilityPolicy{}.selectParts(10, alwaysValid, cands)
	assert.Equal(t, []core.PiecePart{{Piece: 2}, {Piece: 1}}, parts)
}

func TestAvailabilityPolicyHonorsValidPredicate(t *testing.T) {
	cands := candidatesFixture(5)
	valid := func(p core.PiecePart) bool { return p.Piece != 2 }
	parts := availabilityPolicy{}.selectParts(10, valid, cands)
	assert.Len(t, parts, 4)
	for _, p := range parts {
		assert.NotEqual(t, 2, p.Piece)
	}
}
