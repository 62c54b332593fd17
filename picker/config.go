// Package picker selects which piece parts to request from which peers:
// it tracks in-flight requests, enforces a per-peer pipeline quota, and
// chooses candidates under one of two pluggable selection policies
// (spec §4.6).
package picker

import "time"

// Policy names, selected via Config.Policy.
const (
	// PriorityPolicy orders candidates by descending piece priority,
	// then ascending piece index for determinism within a priority
	// band (spec §4.6 "sequential/priority" selection).
	PriorityPolicy = "priority"

	// AvailabilityPolicy ("rarest first") orders candidates by
	// ascending availability, skipping pieces no peer has at all.
	AvailabilityPolicy = "availability"
)

// Config controls the Manager's request bookkeeping.
type Config struct {
	// Policy selects the piece-selection strategy: PriorityPolicy or
	// AvailabilityPolicy.
	Policy string `yaml:"policy"`

	// RequestTimeout is how long a pending request may stay unanswered
	// before it is considered expired and its piece becomes requestable
	// again.
	RequestTimeout time.Duration `yaml:"request_timeout"`

	// PipelineLimit bounds the number of simultaneously pending block
	// requests issued to a single peer (spec §4.5 MaxInflightRequests).
	PipelineLimit int `yaml:"pipeline_limit"`

	// MaxPendingRequests bounds the total number of in-flight requests
	// tracked across all peers, guarding memory under a very large swarm.
	MaxPendingRequests int `yaml:"max_pending_requests"`

	// EndgameThreshold is the fraction (0, 1] of pieces remaining at or
	// below which duplicate requests for the same piece are allowed
	// across multiple peers, to finish the last few pieces quickly
	// (spec §4.6 endgame mode).
	EndgameThreshold float64 `yaml:"endgame_threshold"`
}

func (c Config) applyDefaults() Config {
	if c.Policy == "" {
		c.Policy = AvailabilityPolicy
	}
	if c.RequestTimeout == 0 {
		c.RequestTimeout = 60 * time.Second
	}
	if c.PipelineLimit == 0 {
		c.PipelineLimit = 64
	}
	if c.MaxPendingRequests == 0 {
		c.MaxPendingRequests = 256
	}
	if c.EndgameThreshold == 0 {
		c.EndgameThreshold = 0.05
	}
	return c
}
