package picker

import (
	"fmt"
	"sort"

	"github.com/watchreel/torrent/core"
)

// Candidate is a requestable piece part annotated with the piece-level
// stats a selection policy needs (spec §4.6: priority, rarity).
type Candidate struct {
	Part         core.PiecePart
	Priority     core.Priority
	Availability uint32
}

// selectionPolicy picks up to limit candidates that satisfy valid, in the
// order the policy prefers them. Grounded on kraken's
// scheduler/dispatch/piecerequest.pieceSelectionPolicy, generalized from
// whole-piece selection to core.PiecePart (16KiB block) selection.
type selectionPolicy interface {
	selectParts(limit int, valid func(core.PiecePart) bool, candidates []Candidate) []core.PiecePart
}

func newPolicy(name string) (selectionPolicy, error) {
	switch name {
	case PriorityPolicy:
		return priorityPolicy{}, nil
	case AvailabilityPolicy:
		return availabilityPolicy{}, nil
	default:
		return nil, fmt.Errorf("invalid piece selection policy: %s", name)
	}
}

// priorityPolicy orders candidates by descending piece priority, then
// ascending piece index, then ascending block offset, so a streaming
// client's PriorityHigh pieces (spec §4.8) always win over background
// sequential download.
type priorityPolicy struct{}

func (priorityPolicy) selectParts(limit int, valid func(core.PiecePart) bool, candidates []Candidate) []core.PiecePart {
	ordered := make([]Candidate, len(candidates))
	copy(ordered, candidates)
	sort.Slice(ordered, func(i, j int) bool {
		a, b := ordered[i], ordered[j]
		if a.Priority != b.Priority {
			return a.Priority > b.Priority
		}
		if a.Part.Piece != b.Part.Piece {
			return a.Part.Piece < b.Part.Piece
		}
		return a.Part.Begin < b.Part.Begin
	})
	return takeValid(ordered, limit, valid)
}

// availabilityPolicy ("rarest first") orders candidates by ascending
// piece availability, skipping pieces that no connected peer has at all,
// breaking ties by piece index/offset for determinism.
type availabilityPolicy struct{}

func (availabilityPolicy) selectParts(limit int, valid func(core.PiecePart) bool, candidates []Candidate) []core.PiecePart {
	var ordered []Candidate
	for _, c := range candidates {
		if c.Availability == 0 {
			continue
		}
		ordered = append(ordered, c)
	}
	sort.Slice(ordered, func(i, j int) bool {
		a, b := ordered[i], ordered[j]
		if a.Availability != b.Availability {
			return a.Availability < b.Availability
		}
		if a.Part.Piece != b.Part.Piece {
			return a.Part.Piece < b.Part.Piece
		}
		return a.Part.Begin < b.Part.Begin
	})
	return takeValid(ordered, limit, valid)
}

func takeValid(ordered []Candidate, limit int, valid func(core.PiecePart) bool) []core.PiecePart {
	if limit <= 0 {
		return nil
	}
	parts := make([]core.PiecePart, 0, limit)
	for _, c := range ordered {
		if len(parts) == limit {
			break
		}
		if !valid(c.Part) {
			continue
		}
		parts = append(parts, c.Part)
	}
	return parts
}
