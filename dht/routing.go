package dht

import (
	"strconv"
	"sync"
	"time"
)

// k is the Kademlia bucket size (BEP5 uses 8).
const k = 8

// Contact is one known DHT node: its id and dial address.
type Contact struct {
	ID   NodeID
	IP   string
	Port int
}

func (c Contact) addr() string {
	return c.IP + ":" + strconv.Itoa(c.Port)
}

type bucketEntry struct {
	contact  Contact
	lastSeen time.Time
	fails    int
}

// bucket holds up to k contacts whose ids fall in the bucket's distance
// range, ordered least-recently-seen first (BEP5 replacement policy).
type bucket struct {
	mu      sync.Mutex
	entries []*bucketEntry
}

func (b *bucket) upsert(c Contact, now time.Time) (evictCandidate *Contact) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for i, e := range b.entries {
		if e.contact.ID == c.ID {
			e.contact = c
			e.lastSeen = now
			e.fails = 0
			// Move to back (most-recently-seen).
			b.entries = append(append(b.entries[:i], b.entries[i+1:]...), e)
			return nil
		}
	}
	if len(b.entries) < k {
		b.entries = append(b.entries, &bucketEntry{contact: c, lastSeen: now})
		return nil
	}
	// Bucket full: the least-recently-seen entry is a candidate for
	// eviction if it turns out to be unresponsive.
	return &b.entries[0].contact
}

func (b *bucket) markFailed(id NodeID) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, e := range b.entries {
		if e.contact.ID == id {
			e.fails++
			if e.fails >= 3 {
				b.entries = append(b.entries[:i], b.entries[i+1:]...)
			}
			return
		}
	}
}

func (b *bucket) contacts() []Contact {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Contact, len(b.entries))
	for i, e := range b.entries {
		out[i] = e.contact
	}
	return out
}

// RoutingTable is a 160-bucket Kademlia routing table keyed by XOR
// distance from the local node id (BEP5).
type RoutingTable struct {
	self    NodeID
	buckets [160]*bucket
}

// NewRoutingTable builds an empty routing table for self.
func NewRoutingTable(self NodeID) *RoutingTable {
	rt := &RoutingTable{self: self}
	for i := range rt.buckets {
		rt.buckets[i] = &bucket{}
	}
	return rt
}

// bucketIndex returns which of the 160 buckets id belongs in: the index
// of the highest set bit in XOR(self, id), counting from the left.
func (rt *RoutingTable) bucketIndex(id NodeID) int {
	d := Distance(rt.self, id)
	for i, byteVal := range d {
		if byteVal == 0 {
			continue
		}
		for bit := 0; bit < 8; bit++ {
			if byteVal&(0x80>>uint(bit)) != 0 {
				return i*8 + bit
			}
		}
	}
	return len(d)*8 - 1
}

// Upsert records c as seen, returning a stale contact that should be
// pinged and possibly evicted if its bucket is already full.
func (rt *RoutingTable) Upsert(c Contact) *Contact {
	if c.ID == rt.self {
		return nil
	}
	idx := rt.bucketIndex(c.ID)
	return rt.buckets[idx].upsert(c, time.Now())
}

// MarkFailed records a failed query to id, evicting it after repeated
// failures.
func (rt *RoutingTable) MarkFailed(id NodeID) {
	idx := rt.bucketIndex(id)
	rt.buckets[idx].markFailed(id)
}

// Closest returns up to n contacts closest to target across the whole
// table, sorted by ascending XOR distance.
func (rt *RoutingTable) Closest(target NodeID, n int) []Contact {
	var all []Contact
	for _, b := range rt.buckets {
		all = append(all, b.contacts()...)
	}
	// Simple insertion sort by distance; routing tables are small (<=
	// 160*8 entries, almost always far fewer).
	for i := 1; i < len(all); i++ {
		j := i
		for j > 0 && Distance(target, all[j].ID).Less(Distance(target, all[j-1].ID)) {
			all[j], all[j-1] = all[j-1], all[j]
			j--
		}
	}
	if len(all) > n {
		all = all[:n]
	}
	return all
}

// Size returns the total number of contacts across all buckets.
func (rt *RoutingTable) Size() int {
	var n int
	for _, b := range rt.buckets {
		b.mu.Lock()
		n += len(b.entries)
		b.mu.Unlock()
	}
	return n
}
