package filestorage

import (
	"fmt"
	"os"
	"sync"

	"github.com/uber-go/tally"
	"go.uber.org/zap"

	"github.com/watchreel/torrent/core"
	"github.com/watchreel/torrent/storage"
)

// TorrentArchive is a storage.TorrentArchive backed by a directory of
// per-torrent data files. It caches open Torrent handles in memory so
// repeated lookups for an active torrent don't re-scan the status sidecar.
type TorrentArchive struct {
	config Config
	stats  tally.Scope
	log    *zap.SugaredLogger

	mu       sync.Mutex
	torrents map[string]*Torrent
}

// NewTorrentArchive creates a TorrentArchive rooted at config.Dir.
func NewTorrentArchive(config Config, stats tally.Scope, log *zap.SugaredLogger) *TorrentArchive {
	config = config.applyDefaults()
	if stats == nil {
		stats = tally.NoopScope
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	stats = stats.Tagged(map[string]string{"module": "filestorage"})
	return &TorrentArchive{
		config:   config,
		stats:    stats,
		log:      log,
		torrents: make(map[string]*Torrent),
	}
}

// Stat returns a progress snapshot for the torrent identified by ih. Only
// torrents registered with this archive (via CreateTorrent) are known;
// any other info hash yields storage.ErrNotFound.
func (a *TorrentArchive) Stat(ih core.InfoHash) (*storage.TorrentInfo, error) {
	a.mu.Lock()
	t, ok := a.torrents[ih.Hex()]
	a.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: torrent %s not loaded", storage.ErrNotFound, ih.Hex())
	}
	return t.Stat(), nil
}

// CreateTorrent opens or creates the backing file for meta and registers it
// for subsequent GetTorrent calls.
func (a *TorrentArchive) CreateTorrent(meta *core.TorrentMetadata) (storage.Torrent, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	key := meta.InfoHash.Hex()
	if t, ok := a.torrents[key]; ok {
		return t, nil
	}
	t, err := NewTorrent(a.config.Dir, meta, a.log)
	if err != nil {
		return nil, err
	}
	a.torrents[key] = t
	a.stats.Counter("torrents_created").Inc(1)
	return t, nil
}

// GetTorrent returns a previously created Torrent for ih.
func (a *TorrentArchive) GetTorrent(ih core.InfoHash) (storage.Torrent, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	t, ok := a.torrents[ih.Hex()]
	if !ok {
		return nil, fmt.Errorf("%w: torrent %s not loaded", storage.ErrNotFound, ih.Hex())
	}
	return t, nil
}

// DeleteTorrent removes a torrent's data file, status sidecar, and
// in-memory registration.
func (a *TorrentArchive) DeleteTorrent(ih core.InfoHash) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	key := ih.Hex()
	t, ok := a.torrents[key]
	if !ok {
		return nil
	}
	delete(a.torrents, key)

	if err := os.Remove(t.dataPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("%w: remove data file: %s", core.ErrIO, err)
	}
	if err := os.Remove(t.statusPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("%w: remove status sidecar: %s", core.ErrIO, err)
	}
	a.stats.Counter("torrents_deleted").Inc(1)
	return nil
}
