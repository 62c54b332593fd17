package torrentctx

// Flags is a bitset of per-torrent behavior toggles (spec §4.4).
type Flags uint32

const (
	// SeedMode names the mode that trusts pieces already on disk without
	// hash verification. Nothing in this package reads this flag.
	SeedMode Flags = 1 << iota
	// UploadMode allows serving blocks to other peers.
	UploadMode
	// DownloadMode allows requesting blocks from other peers.
	DownloadMode
	// ShareMode names the mode that favors pieces helping the swarm over
	// finishing the local download. Nothing in this package reads this
	// flag.
	ShareMode
	// Paused suspends every operation except bookkeeping: no announces,
	// no dials, no requests.
	Paused
	// Metadata marks a torrent whose info dictionary has not yet been
	// assembled (magnet link): set on creation, cleared once Assemble
	// succeeds.
	Metadata
	// SequentialDownload makes opCreatePendingRequests sort the
	// missing-piece list by index before building candidates; the order
	// in which requests go out is still decided by the picker's
	// configured policy.
	SequentialDownload
	// StopWhenReady names the mode that pauses a torrent once metadata is
	// available. Nothing in this package reads this flag.
	StopWhenReady
	// AutoManaged marks a torrent as subject to session-level queuing.
	// Nothing in this package reads this flag.
	AutoManaged
)

// Has reports whether every bit in bit is set in f.
func (f Flags) Has(bit Flags) bool {
	return f&bit == bit
}

// Set returns f with bit set.
func (f Flags) Set(bit Flags) Flags {
	return f | bit
}

// Clear returns f with bit cleared.
func (f Flags) Clear(bit Flags) Flags {
	return f &^ bit
}

// DefaultFlags returns the flags a newly added torrent starts with.
// AutoManaged is ORed in alongside the three mode bits rather than
// being purely definitional, so a freshly added torrent both downloads
// and uploads immediately and participates in session-level queuing.
func DefaultFlags() Flags {
	return AutoManaged | Metadata | DownloadMode | UploadMode
}

func (f Flags) String() string {
	names := []struct {
		bit  Flags
		name string
	}{
		{SeedMode, "seed_mode"},
		{UploadMode, "upload_mode"},
		{DownloadMode, "download_mode"},
		{ShareMode, "share_mode"},
		{Paused, "paused"},
		{Metadata, "metadata"},
		{SequentialDownload, "sequential_download"},
		{StopWhenReady, "stop_when_ready"},
		{AutoManaged, "auto_managed"},
	}
	s := ""
	for _, n := range names {
		if f.Has(n.bit) {
			if s != "" {
				s += "|"
			}
			s += n.name
		}
	}
	if s == "" {
		return "none"
	}
	return s
}
