package filestorage

import (
	"sync"
)

// status tracks the in-memory write lifecycle of a single piece. It is
// deliberately coarser than core.PieceState: storage only needs to know
// whether a piece is writable, being written, or done.
type status int

const (
	statusEmpty status = iota
	statusDirty
	statusComplete
)

// piece guards one piece's status against concurrent writers.
type piece struct {
	sync.RWMutex
	status status
}

func newPieces(n int) []*piece {
	pieces := make([]*piece, n)
	for i := range pieces {
		pieces[i] = &piece{}
	}
	return pieces
}

func (p *piece) complete() bool {
	p.RLock()
	defer p.RUnlock()
	return p.status == statusComplete
}

func (p *piece) dirty() bool {
	p.RLock()
	defer p.RUnlock()
	return p.status == statusDirty
}

// tryMarkDirty claims the piece for writing. If another writer already
// holds it, dirty is returned true and the caller must back off. If the
// piece is already complete, complete is returned true and the caller must
// not write.
func (p *piece) tryMarkDirty() (dirty, complete bool) {
	p.Lock()
	defer p.Unlock()
	switch p.status {
	case statusEmpty:
		p.status = statusDirty
	case statusDirty:
		dirty = true
	case statusComplete:
		complete = true
	}
	return
}

func (p *piece) markEmpty() {
	p.Lock()
	defer p.Unlock()
	p.status = statusEmpty
}

func (p *piece) markComplete() {
	p.Lock()
	defer p.Unlock()
	p.status = statusComplete
}
