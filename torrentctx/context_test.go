package torrentctx

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewBuildsOperationalContext(t *testing.T) {
	tc, meta, cleanup := contextFixture(4)
	defer cleanup()
	defer tc.Close()

	assert.Equal(t, meta.InfoHash, tc.InfoHash())
	assert.False(t, tc.Flags().Has(Metadata), "known-metadata torrents should not start in the Metadata state")
	assert.True(t, tc.Flags().Has(DownloadMode))
	assert.Equal(t, meta, tc.Metadata())
	require.NotNil(t, tc.Storage())
	assert.Equal(t, 0, tc.NumConns())
}

func TestNewMagnetStartsInMetadataState(t *testing.T) {
	tc, cleanup := magnetContextFixture()
	defer cleanup()
	defer tc.Close()

	assert.True(t, tc.Flags().Has(Metadata))
	assert.Nil(t, tc.Metadata())
	assert.Nil(t, tc.Storage())
}

func TestSetFlagsEmitsStateChanged(t *testing.T) {
	tc, _, cleanup := contextFixture(1)
	defer cleanup()
	defer tc.Close()

	ch, cancel := tc.Events().Subscribe()
	defer cancel()

	tc.SetFlags(tc.Flags().Set(Paused))
	e := <-ch
	assert.Equal(t, EventStateChanged, e.Kind)
	assert.True(t, tc.Flags().Has(Paused))
}

func TestTickWhilePausedDoesNotPanic(t *testing.T) {
	tc, _, cleanup := contextFixture(2)
	defer cleanup()
	defer tc.Close()

	tc.SetFlags(tc.Flags().Set(Paused))
	assert.NotPanics(t, func() { tc.Tick() })
}

func TestCloseIsIdempotent(t *testing.T) {
	tc, _, cleanup := contextFixture(1)
	defer cleanup()

	tc.Close()
	assert.NotPanics(t, func() { tc.Close() })
}

func TestTickOnCompleteTorrentRunsCleanly(t *testing.T) {
	tc, meta, cleanup := contextFixture(1)
	defer cleanup()
	defer tc.Close()

	data := pieceDataFixture(0)
	require.NoError(t, tc.Storage().WritePiece(newBytesPieceReader(data), 0))
	assert.True(t, tc.Storage().Complete())
	_ = meta

	for i := 0; i < 3; i++ {
		assert.NotPanics(t, func() { tc.Tick() })
	}
}
