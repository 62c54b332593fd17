package tracker

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/andres-erbsen/clock"
)

// dnsCache resolves tracker hostnames with a bounded TTL so a flapping or
// slow DNS server does not add latency to every single announce.
type dnsCache struct {
	clock clock.Clock
	ttl   time.Duration
	mu    sync.Mutex
	entries map[string]dnsEntry
}

type dnsEntry struct {
	ips      []string
	resolved time.Time
}

func newDNSCache(ttl time.Duration, c clock.Clock) *dnsCache {
	if ttl == 0 {
		ttl = 5 * time.Minute
	}
	if c == nil {
		c = clock.New()
	}
	return &dnsCache{clock: c, ttl: ttl, entries: make(map[string]dnsEntry)}
}

// lookup returns cached addresses for host if still fresh, otherwise
// resolves and caches them.
func (d *dnsCache) lookup(ctx context.Context, host string) ([]string, error) {
	d.mu.Lock()
	e, ok := d.entries[host]
	d.mu.Unlock()
	if ok && d.clock.Now().Sub(e.resolved) < d.ttl {
		return e.ips, nil
	}

	var resolver net.Resolver
	ips, err := resolver.LookupHost(ctx, host)
	if err != nil {
		return nil, err
	}

	d.mu.Lock()
	d.entries[host] = dnsEntry{ips: ips, resolved: d.clock.Now()}
	d.mu.Unlock()
	return ips, nil
}
