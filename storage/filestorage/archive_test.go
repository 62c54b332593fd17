package filestorage

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/watchreel/torrent/storage"
)

func TestArchiveCreateGetDeleteTorrent(t *testing.T) {
	dir, cleanup := tempDir()
	defer cleanup()

	a := archiveFixture(dir)
	meta := metadataFixture(16, 32)

	created, err := a.CreateTorrent(meta)
	require.NoError(t, err)

	got, err := a.GetTorrent(meta.InfoHash)
	require.NoError(t, err)
	assert.Same(t, created, got)

	_, err = a.Stat(meta.InfoHash)
	require.NoError(t, err)

	require.NoError(t, a.DeleteTorrent(meta.InfoHash))

	_, err = a.GetTorrent(meta.InfoHash)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestArchiveCreateTorrentIdempotent(t *testing.T) {
	dir, cleanup := tempDir()
	defer cleanup()

	a := archiveFixture(dir)
	meta := metadataFixture(16, 16)

	first, err := a.CreateTorrent(meta)
	require.NoError(t, err)
	second, err := a.CreateTorrent(meta)
	require.NoError(t, err)
	assert.Same(t, first, second)
}
