package peer

import (
	"sync"
	"time"

	"github.com/andres-erbsen/clock"
)

// rateCounter tracks bytes transferred over a sliding window, used to
// rank peers for the unchoke algorithm's "top-k uploaders by rolling
// byte rate" rule (spec §4.5).
type rateCounter struct {
	clk    clock.Clock
	window time.Duration

	mu      sync.Mutex
	samples []rateSample
	last    time.Time // time of the most recent add, kept past eviction
}

type rateSample struct {
	at    time.Time
	bytes int64
}

func newRateCounter(clk clock.Clock, window time.Duration) *rateCounter {
	return &rateCounter{clk: clk, window: window}
}

// add records n bytes transferred now, and evicts samples that have
// aged out of the window.
func (r *rateCounter) add(n int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.clk.Now()
	r.samples = append(r.samples, rateSample{at: now, bytes: n})
	r.last = now
	r.evict(now)
}

func (r *rateCounter) evict(now time.Time) {
	cutoff := now.Add(-r.window)
	i := 0
	for i < len(r.samples) && r.samples[i].at.Before(cutoff) {
		i++
	}
	r.samples = r.samples[i:]
}

// bytesPerSecond returns the average transfer rate over the window.
func (r *rateCounter) bytesPerSecond() float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.clk.Now()
	r.evict(now)
	if len(r.samples) == 0 {
		return 0
	}
	var total int64
	for _, s := range r.samples {
		total += s.bytes
	}
	return float64(total) / r.window.Seconds()
}

// lastActivity returns the time of the most recent recorded sample, even
// if it has since aged out of the window; the zero time if none.
func (r *rateCounter) lastActivity() time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.last
}
