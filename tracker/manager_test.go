package tracker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/andres-erbsen/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/watchreel/torrent/core"
)

type fakeClient struct {
	url     string
	fail    bool
	calls   int
}

func (f *fakeClient) URL() string { return f.url }
func (f *fakeClient) Announce(ctx context.Context, req AnnounceRequest) (*AnnounceResponse, error) {
	f.calls++
	if f.fail {
		return nil, errors.New("simulated failure")
	}
	return &AnnounceResponse{Interval: time.Minute}, nil
}

func TestManagerPromotesSuccessfulTracker(t *testing.T) {
	a := &fakeClient{url: "a", fail: true}
	b := &fakeClient{url: "b"}

	m := &Manager{
		config: Config{}.applyDefaults(),
		clock:  clock.NewMock(),
		dns:    newDNSCache(0, clock.NewMock()),
		tiers: [][]*entry{
			{newEntry(a, Config{}.applyDefaults(), clock.NewMock()), newEntry(b, Config{}.applyDefaults(), clock.NewMock())},
		},
	}

	resp, err := m.Announce(context.Background(), AnnounceRequest{})
	require.NoError(t, err)
	assert.NotNil(t, resp)
	assert.Equal(t, "b", m.tiers[0][0].client.URL())
	assert.Equal(t, "a", m.tiers[0][1].client.URL())
}

func TestManagerFallsThroughTiers(t *testing.T) {
	deadTier := &fakeClient{url: "dead", fail: true}
	aliveTier := &fakeClient{url: "alive"}

	mockClock := clock.NewMock()
	m := &Manager{
		config: Config{}.applyDefaults(),
		clock:  mockClock,
		dns:    newDNSCache(0, mockClock),
		tiers: [][]*entry{
			{newEntry(deadTier, Config{}.applyDefaults(), mockClock)},
			{newEntry(aliveTier, Config{}.applyDefaults(), mockClock)},
		},
	}

	resp, err := m.Announce(context.Background(), AnnounceRequest{})
	require.NoError(t, err)
	assert.NotNil(t, resp)
	assert.Equal(t, 1, deadTier.calls)
	assert.Equal(t, 1, aliveTier.calls)
}

func TestNewManagerBuildsClientsByScheme(t *testing.T) {
	ih := core.NewInfoHashFromBytes([]byte("x"), core.V1)
	m, err := NewManager(Config{}, [][]string{
		{"http://tracker-a.example.com/announce", "udp://tracker-b.example.com:6969"},
	}, ih, clock.NewMock())
	require.NoError(t, err)
	require.Len(t, m.tiers, 1)
	assert.Len(t, m.tiers[0], 2)
}

func TestShuffleTierIsDeterministic(t *testing.T) {
	ih := core.NewInfoHashFromBytes([]byte("deterministic"), core.V1)

	build := func() []string {
		tier := []*entry{
			{client: &fakeClient{url: "1"}},
			{client: &fakeClient{url: "2"}},
			{client: &fakeClient{url: "3"}},
			{client: &fakeClient{url: "4"}},
		}
		shuffleTier(tier, ih, 0)
		urls := make([]string, len(tier))
		for i, e := range tier {
			urls[i] = e.client.URL()
		}
		return urls
	}

	assert.Equal(t, build(), build())
}
