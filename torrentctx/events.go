package torrentctx

import (
	"sync"
	"time"

	"github.com/andres-erbsen/clock"
	uuid "github.com/satori/go.uuid"

	"github.com/watchreel/torrent/core"
)

// EventKind enumerates the kinds of TorrentEvent a Context emits (spec
// §4.9).
type EventKind int

const (
	EventMetadataReceived EventKind = iota
	EventPieceCompleted
	EventFileCompleted
	EventStateChanged
	EventError
)

func (k EventKind) String() string {
	switch k {
	case EventMetadataReceived:
		return "metadata_received"
	case EventPieceCompleted:
		return "piece_completed"
	case EventFileCompleted:
		return "file_completed"
	case EventStateChanged:
		return "state_changed"
	case EventError:
		return "error"
	default:
		return "unknown"
	}
}

// TorrentEvent is one notification about a torrent's progress. ID is a
// per-event correlation id, useful for tying an event to the log lines
// emitted while handling it.
type TorrentEvent struct {
	ID       string
	Kind     EventKind
	InfoHash core.InfoHash
	Time     time.Time

	Piece    int    // set for EventPieceCompleted
	FilePath string // set for EventFileCompleted
	State    string // set for EventStateChanged
	ErrKind  string // set for EventError
	Message  string // set for EventError
}

// EventSink fans TorrentEvents out to subscribers on a best-effort basis:
// a slow or absent subscriber never blocks the engine, so a full
// subscriber channel simply drops the event (spec §4.9: "best-effort...
// dropped events never block the engine"). Grounded on the
// publish/subscribe shape of joelanford/torrential's eventer, adapted
// from its per-torrent channel-of-channels fan-out into a single
// non-blocking broadcast and given satori/go.uuid correlation ids.
type EventSink struct {
	clk  clock.Clock
	size int

	mu   sync.Mutex
	subs map[string]chan TorrentEvent
}

// NewEventSink builds an EventSink whose subscriber channels are each
// buffered to bufferSize events.
func NewEventSink(bufferSize int, clk clock.Clock) *EventSink {
	if bufferSize <= 0 {
		bufferSize = 16
	}
	if clk == nil {
		clk = clock.New()
	}
	return &EventSink{
		clk:  clk,
		size: bufferSize,
		subs: make(map[string]chan TorrentEvent),
	}
}

// Subscribe registers a new listener and returns its channel plus a
// cancel function to unregister it. The channel is never closed by the
// sink; callers stop reading once they call cancel.
func (s *EventSink) Subscribe() (<-chan TorrentEvent, func()) {
	id := uuid.NewV4().String()
	ch := make(chan TorrentEvent, s.size)
	s.mu.Lock()
	s.subs[id] = ch
	s.mu.Unlock()
	return ch, func() {
		s.mu.Lock()
		delete(s.subs, id)
		s.mu.Unlock()
	}
}

func (s *EventSink) emit(e TorrentEvent) {
	e.ID = uuid.NewV4().String()
	e.Time = s.clk.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ch := range s.subs {
		select {
		case ch <- e:
		default:
		}
	}
}

// MetadataReceived emits EventMetadataReceived for ih.
func (s *EventSink) MetadataReceived(ih core.InfoHash) {
	s.emit(TorrentEvent{Kind: EventMetadataReceived, InfoHash: ih})
}

// PieceCompleted emits EventPieceCompleted for piece of ih.
func (s *EventSink) PieceCompleted(ih core.InfoHash, piece int) {
	s.emit(TorrentEvent{Kind: EventPieceCompleted, InfoHash: ih, Piece: piece})
}

// FileCompleted emits EventFileCompleted for path of ih.
func (s *EventSink) FileCompleted(ih core.InfoHash, path string) {
	s.emit(TorrentEvent{Kind: EventFileCompleted, InfoHash: ih, FilePath: path})
}

// StateChanged emits EventStateChanged with the new state's name.
func (s *EventSink) StateChanged(ih core.InfoHash, state string) {
	s.emit(TorrentEvent{Kind: EventStateChanged, InfoHash: ih, State: state})
}

// Error emits EventError describing a non-fatal problem of the given
// kind (e.g. "protocol", "hash_mismatch", "tracker").
func (s *EventSink) Error(ih core.InfoHash, kind, message string) {
	s.emit(TorrentEvent{Kind: EventError, InfoHash: ih, ErrKind: kind, Message: message})
}
