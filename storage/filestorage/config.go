package filestorage

// Config configures a TorrentArchive.
type Config struct {
	// Dir is the base directory under which each torrent gets its own
	// data file plus a small status sidecar.
	Dir string
}

func (c Config) applyDefaults() Config {
	if c.Dir == "" {
		c.Dir = "/var/lib/streamtorrentd/torrents"
	}
	return c
}
