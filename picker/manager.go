package picker

import (
	"sort"
	"sync"
	"time"

	"github.com/andres-erbsen/clock"

	"github.com/watchreel/torrent/core"
)

// Status enumerates the lifecycle of a PendingRequest.
type Status int

const (
	// StatusPending denotes a valid request still in flight.
	StatusPending Status = iota
	// StatusExpired denotes an in-flight request that timed out.
	StatusExpired
	// StatusUnsent denotes an unsent request, safe to retry to the same peer.
	StatusUnsent
	// StatusInvalid denotes a completed request whose payload failed
	// verification.
	StatusInvalid
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusExpired:
		return "expired"
	case StatusUnsent:
		return "unsent"
	case StatusInvalid:
		return "invalid"
	default:
		return "unknown"
	}
}

// PendingRequest represents one outstanding request for a piece part.
type PendingRequest struct {
	Part   core.PiecePart
	PeerID core.PeerID
	Status Status

	sentAt time.Time
	held   bool // whether this request currently occupies a buffer slot
}

// Manager encapsulates thread-safe piece-part request bookkeeping (spec
// §4.6 / §4.7 create_pending_requests, retrieve_pending_requests). It is
// not responsible for actually sending or receiving any wire messages.
//
// Grounded on kraken's scheduler/dispatch/piecerequest.Manager,
// generalized from whole-piece requests to core.PiecePart (16KiB block)
// requests, and backed by a PendingRequestBuffer that kraken's version
// has no equivalent of.
type Manager struct {
	mu sync.RWMutex

	// requests and requestsByPeer hold the same data, indexed differently.
	requests       map[core.PiecePart][]*PendingRequest
	requestsByPeer map[core.PeerID]map[core.PiecePart]*PendingRequest

	clk    clock.Clock
	config Config
	policy selectionPolicy
	buffer *PendingRequestBuffer
}

// NewManager builds a Manager using the named selection policy.
func NewManager(config Config, clk clock.Clock) (*Manager, error) {
	config = config.applyDefaults()
	if clk == nil {
		clk = clock.New()
	}
	policy, err := newPolicy(config.Policy)
	if err != nil {
		return nil, err
	}
	return &Manager{
		requests:       make(map[core.PiecePart][]*PendingRequest),
		requestsByPeer: make(map[core.PeerID]map[core.PiecePart]*PendingRequest),
		clk:            clk,
		config:         config,
		policy:         policy,
		buffer:         NewPendingRequestBuffer(config.MaxPendingRequests),
	}, nil
}

// ReserveParts selects up to peerID's remaining pipeline quota of parts
// from candidates, using the configured selection policy, and records
// them as pending. numRemainingPieces/numTotalPieces determine whether
// endgame mode (spec §4.6: <5% of pieces left) allows requesting a part
// that another peer already has pending.
func (m *Manager) ReserveParts(peerID core.PeerID, candidates []Candidate, numRemainingPieces, numTotalPieces int) []core.PiecePart {
	m.mu.Lock()
	defer m.mu.Unlock()

	quota := m.requestQuotaLocked(peerID)
	if quota <= 0 {
		return nil
	}

	allowDuplicates := numTotalPieces > 0 &&
		float64(numRemainingPieces)/float64(numTotalPieces) <= m.config.EndgameThreshold

	valid := func(part core.PiecePart) bool {
		return m.validRequestLocked(peerID, part, allowDuplicates)
	}
	selected := m.policy.selectParts(quota, valid, candidates)

	parts := make([]core.PiecePart, 0, len(selected))
	for _, part := range selected {
		if !m.buffer.tryAcquire() {
			break
		}
		r := &PendingRequest{
			Part:   part,
			PeerID: peerID,
			Status: StatusPending,
			sentAt: m.clk.Now(),
			held:   true,
		}
		m.requests[part] = append(m.requests[part], r)
		if _, ok := m.requestsByPeer[peerID]; !ok {
			m.requestsByPeer[peerID] = make(map[core.PiecePart]*PendingRequest)
		}
		m.requestsByPeer[peerID][part] = r
		parts = append(parts, part)
	}
	return parts
}

// MarkUnsent marks part's request from peerID unsent, releasing its
// buffer slot so it no longer counts against MaxPendingRequests.
func (m *Manager) MarkUnsent(peerID core.PeerID, part core.PiecePart) {
	m.markStatus(peerID, part, StatusUnsent)
}

// MarkInvalid marks part's request from peerID invalid (failed piece
// verification), releasing its buffer slot.
func (m *Manager) MarkInvalid(peerID core.PeerID, part core.PiecePart) {
	m.markStatus(peerID, part, StatusInvalid)
}

// Clear deletes all bookkeeping for part (e.g. once its piece has been
// verified and there is nothing left to request), releasing any buffer
// slots still held.
func (m *Manager) Clear(part core.PiecePart) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, r := range m.requests[part] {
		m.releaseLocked(r)
	}
	delete(m.requests, part)
	for peerID, pm := range m.requestsByPeer {
		delete(pm, part)
		if len(pm) == 0 {
			delete(m.requestsByPeer, peerID)
		}
	}
}

// ClearPeer deletes all bookkeeping for peerID, e.g. once its connection
// has closed, releasing any buffer slots still held.
func (m *Manager) ClearPeer(peerID core.PeerID) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, r := range m.requestsByPeer[peerID] {
		m.releaseLocked(r)
	}
	delete(m.requestsByPeer, peerID)

	for part, rs := range m.requests {
		kept := rs[:0]
		for _, r := range rs {
			if r.PeerID != peerID {
				kept = append(kept, r)
			}
		}
		if len(kept) == 0 {
			delete(m.requests, part)
		} else {
			m.requests[part] = kept
		}
	}
}

// PendingParts returns the parts with a pending request from peerID, in
// sorted order. Intended primarily for tests.
func (m *Manager) PendingParts(peerID core.PeerID) []core.PiecePart {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var parts []core.PiecePart
	for part, r := range m.requestsByPeer[peerID] {
		if r.Status == StatusPending {
			parts = append(parts, part)
		}
	}
	sort.Slice(parts, func(i, j int) bool {
		if parts[i].Piece != parts[j].Piece {
			return parts[i].Piece < parts[j].Piece
		}
		return parts[i].Begin < parts[j].Begin
	})
	return parts
}

// GetFailedRequests returns a snapshot of every request that is expired,
// unsent, or invalid -- i.e. every request retrieve_pending_requests
// (spec §4.7) should hand back to the picker for re-selection.
func (m *Manager) GetFailedRequests() []PendingRequest {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var failed []PendingRequest
	for _, rs := range m.requests {
		for _, r := range rs {
			status := r.Status
			if status == StatusPending && m.expiredLocked(r) {
				status = StatusExpired
			}
			if status != StatusPending {
				failed = append(failed, PendingRequest{Part: r.Part, PeerID: r.PeerID, Status: status})
			}
		}
	}
	return failed
}

func (m *Manager) validRequestLocked(peerID core.PeerID, part core.PiecePart, allowDuplicates bool) bool {
	for _, r := range m.requests[part] {
		if r.Status == StatusPending && !m.expiredLocked(r) {
			if r.PeerID == peerID {
				return false
			}
			if !allowDuplicates {
				return false
			}
		}
	}
	return true
}

func (m *Manager) requestQuotaLocked(peerID core.PeerID) int {
	quota := m.config.PipelineLimit
	pm, ok := m.requestsByPeer[peerID]
	if !ok {
		return quota
	}
	for _, r := range pm {
		if r.Status == StatusPending && !m.expiredLocked(r) {
			quota--
			if quota == 0 {
				break
			}
		}
	}
	return quota
}

func (m *Manager) expiredLocked(r *PendingRequest) bool {
	return m.clk.Now().After(r.sentAt.Add(m.config.RequestTimeout))
}

func (m *Manager) releaseLocked(r *PendingRequest) {
	if r.held {
		m.buffer.release()
		r.held = false
	}
}

func (m *Manager) markStatus(peerID core.PeerID, part core.PiecePart, s Status) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, r := range m.requests[part] {
		if r.PeerID == peerID {
			r.Status = s
			m.releaseLocked(r)
		}
	}
}
