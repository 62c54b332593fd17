package dht

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func contactWithID(b byte, ip string, port int) Contact {
	var id NodeID
	id[19] = b
	return Contact{ID: id, IP: ip, Port: port}
}

func TestRoutingTableUpsertAndClosest(t *testing.T) {
	var self NodeID
	rt := NewRoutingTable(self)

	c1 := contactWithID(1, "1.1.1.1", 1)
	c2 := contactWithID(2, "2.2.2.2", 2)
	c3 := contactWithID(4, "3.3.3.3", 3)

	require.Nil(t, rt.Upsert(c1))
	require.Nil(t, rt.Upsert(c2))
	require.Nil(t, rt.Upsert(c3))
	assert.Equal(t, 3, rt.Size())

	closest := rt.Closest(self, 2)
	require.Len(t, closest, 2)
	assert.Equal(t, c1.ID, closest[0].ID)
	assert.Equal(t, c2.ID, closest[1].ID)
}

func TestRoutingTableUpsertIgnoresSelf(t *testing.T) {
	var self NodeID
	self[19] = 9
	rt := NewRoutingTable(self)
	assert.Nil(t, rt.Upsert(Contact{ID: self, IP: "1.1.1.1", Port: 1}))
	assert.Equal(t, 0, rt.Size())
}

func TestBucketEvictionCandidateReturnedWhenFull(t *testing.T) {
	b := &bucket{}
	now := time.Now()
	var evicted *Contact
	for i := 0; i < k; i++ {
		c := contactWithID(byte(i+1), "1.1.1.1", i+1)
		evicted = b.upsert(c, now)
		assert.Nil(t, evicted)
	}
	// Bucket is now full; the next upsert should offer the
	// least-recently-seen entry as an eviction candidate.
	extra := contactWithID(200, "9.9.9.9", 9)
	evicted = b.upsert(extra, now)
	require.NotNil(t, evicted)
	assert.Equal(t, byte(1), evicted.ID[19])
}

func TestBucketMarkFailedEvictsAfterThreeFailures(t *testing.T) {
	b := &bucket{}
	c := contactWithID(5, "1.1.1.1", 1)
	b.upsert(c, time.Now())

	b.markFailed(c.ID)
	b.markFailed(c.ID)
	assert.Len(t, b.contacts(), 1)

	b.markFailed(c.ID)
	assert.Len(t, b.contacts(), 0)
}

func TestBucketUpsertRefreshMovesToBack(t *testing.T) {
	b := &bucket{}
	now := time.Now()
	c1 := contactWithID(1, "1.1.1.1", 1)
	c2 := contactWithID(2, "2.2.2.2", 2)
	b.upsert(c1, now)
	b.upsert(c2, now)

	b.upsert(c1, now)
	contacts := b.contacts()
	require.Len(t, contacts, 2)
	assert.Equal(t, c2.ID, contacts[0].ID)
	assert.Equal(t, c1.ID, contacts[1].ID)
}
