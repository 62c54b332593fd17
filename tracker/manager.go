package tracker

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/andres-erbsen/clock"
	"github.com/cenkalti/backoff"
	"github.com/spaolacci/murmur3"

	"github.com/watchreel/torrent/core"
	"github.com/watchreel/torrent/tracker/httptracker"
	"github.com/watchreel/torrent/tracker/udptracker"
)

// Config configures a Manager.
type Config struct {
	AnnounceTimeout  time.Duration
	BackoffInitial   time.Duration
	BackoffMax       time.Duration
	DNSCacheTTL      time.Duration
}

func (c Config) applyDefaults() Config {
	if c.AnnounceTimeout == 0 {
		c.AnnounceTimeout = 15 * time.Second
	}
	if c.BackoffInitial == 0 {
		c.BackoffInitial = 15 * time.Second
	}
	if c.BackoffMax == 0 {
		c.BackoffMax = 30 * time.Minute
	}
	if c.DNSCacheTTL == 0 {
		c.DNSCacheTTL = 5 * time.Minute
	}
	return c
}

type entry struct {
	client    Client
	backoff   *backoff.ExponentialBackOff
	nextRetry time.Time
}

func newEntry(c Client, config Config, clk clock.Clock) *entry {
	b := &backoff.ExponentialBackOff{
		InitialInterval:     config.BackoffInitial,
		RandomizationFactor: 0.1,
		Multiplier:          2,
		MaxInterval:         config.BackoffMax,
		MaxElapsedTime:      0, // retry forever across announce cycles.
		Clock:               backoffClock{clk},
	}
	b.Reset()
	return &entry{client: c, backoff: b}
}

// backoffClock adapts andres-erbsen/clock.Clock to cenkalti/backoff.Clock.
type backoffClock struct {
	clock.Clock
}

func (c backoffClock) Now() time.Time { return c.Clock.Now() }

// Manager announces across BEP12 tiers of trackers: within a tier,
// trackers are tried in (randomized, per-infohash-deterministic) order
// until one succeeds; a successful tracker is moved to the front of its
// tier for next time, per BEP12.
type Manager struct {
	config Config
	clock  clock.Clock
	dns    *dnsCache

	mu    sync.Mutex
	tiers [][]*entry
}

// NewManager builds a Manager from BEP12 tiers of announce URLs
// ("http://...", "https://...", or "udp://host:port").
func NewManager(config Config, tierURLs [][]string, infoHash core.InfoHash, clk clock.Clock) (*Manager, error) {
	config = config.applyDefaults()
	if clk == nil {
		clk = clock.New()
	}
	m := &Manager{
		config: config,
		clock:  clk,
		dns:    newDNSCache(config.DNSCacheTTL, clk),
	}

	for tierIdx, urls := range tierURLs {
		var tier []*entry
		for _, u := range urls {
			c, err := newClient(u, config.AnnounceTimeout)
			if err != nil {
				continue // skip trackers with unsupported schemes.
			}
			tier = append(tier, newEntry(c, config, clk))
		}
		shuffleTier(tier, infoHash, tierIdx)
		if len(tier) > 0 {
			m.tiers = append(m.tiers, tier)
		}
	}
	return m, nil
}

func newClient(rawURL string, timeout time.Duration) (Client, error) {
	switch {
	case strings.HasPrefix(rawURL, "http://"), strings.HasPrefix(rawURL, "https://"):
		return httptracker.New(rawURL, timeout), nil
	case strings.HasPrefix(rawURL, "udp://"):
		return udptracker.New(strings.TrimPrefix(rawURL, "udp://"), timeout), nil
	default:
		return nil, fmt.Errorf("%w: unsupported tracker scheme: %s", core.ErrProtocol, rawURL)
	}
}

// shuffleTier deterministically permutes tier using a Fisher-Yates shuffle
// seeded from murmur3(infohash || tierIndex), so ordering is reproducible
// across restarts of the same torrent without wiring real randomness
// through every call site (spec §4.2 BEP12 "random order within tier").
func shuffleTier(tier []*entry, infoHash core.InfoHash, tierIdx int) {
	if len(tier) < 2 {
		return
	}
	seedInput := append(append([]byte{}, infoHash.Bytes()...), byte(tierIdx))
	seed := murmur3.Sum64(seedInput)
	r := splitmix64{seed}
	for i := len(tier) - 1; i > 0; i-- {
		j := int(r.next() % uint64(i+1))
		tier[i], tier[j] = tier[j], tier[i]
	}
}

// splitmix64 is a tiny deterministic PRNG used only to turn a single
// murmur3 seed into a sequence of shuffle indices.
type splitmix64 struct {
	state uint64
}

func (s *splitmix64) next() uint64 {
	s.state += 0x9E3779B97F4A7C15
	z := s.state
	z = (z ^ (z >> 30)) * 0xBF58476D1CE4E5B9
	z = (z ^ (z >> 27)) * 0x94D049BB133111EB
	return z ^ (z >> 31)
}

// Announce tries each tier in order, and within a tier tries each tracker
// in order, skipping ones still in backoff, until one succeeds. The
// successful tracker is promoted to the front of its tier.
func (m *Manager) Announce(ctx context.Context, req AnnounceRequest) (*AnnounceResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var lastErr error
	for _, tier := range m.tiers {
		for i, e := range tier {
			if m.clock.Now().Before(e.nextRetry) {
				continue
			}
			resp, err := e.client.Announce(ctx, req)
			if err != nil {
				lastErr = err
				e.nextRetry = m.clock.Now().Add(e.backoff.NextBackOff())
				continue
			}
			e.backoff.Reset()
			e.nextRetry = time.Time{}
			promote(tier, i)
			return resp, nil
		}
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("%w: no trackers available", core.ErrIO)
	}
	return nil, lastErr
}

func promote(tier []*entry, i int) {
	if i == 0 {
		return
	}
	e := tier[i]
	copy(tier[1:i+1], tier[0:i])
	tier[0] = e
}

// Tiers exposes the current tracker ordering, for diagnostics.
func (m *Manager) Tiers() [][]string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([][]string, len(m.tiers))
	for i, tier := range m.tiers {
		urls := make([]string, len(tier))
		for j, e := range tier {
			urls[j] = e.client.URL()
		}
		out[i] = urls
	}
	return out
}
