package torrentctx

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/watchreel/torrent/core"
	"github.com/watchreel/torrent/peer"
	"github.com/watchreel/torrent/picker"
	"github.com/watchreel/torrent/storage"
	"github.com/watchreel/torrent/tracker"
)

// opResult tells Tick whether to continue on to the next operation.
type opResult int

const (
	opContinue opResult = iota
	opStop
)

// opTrackers announces to the tracker tiers on the interval the last
// response requested, feeding discovered peers into the pool.
func (tc *Context) opTrackers() opResult {
	if tc.Flags().Has(Paused) || tc.trackers == nil {
		return opContinue
	}
	if tc.clk.Now().Before(tc.lastAnnounce.Add(tc.announceBackoff)) {
		return opContinue
	}

	var left int64
	if t := tc.Storage(); t != nil {
		left = t.Length() - t.BytesDownloaded()
	}
	event := tracker.EventNone
	if tc.lastAnnounce.IsZero() {
		event = tracker.EventStarted
	}

	ctx, cancel := context.WithTimeout(context.Background(), tc.config.Tracker.AnnounceTimeout)
	resp, err := tc.trackers.Announce(ctx, tracker.AnnounceRequest{
		InfoHash: tc.infoHash,
		PeerID:   tc.localPeerID,
		Port:     tc.port,
		Left:     left,
		Event:    event,
		NumWant:  50,
	})
	cancel()

	tc.lastAnnounce = tc.clk.Now()
	if err != nil {
		tc.events.Error(tc.infoHash, "tracker", err.Error())
		tc.announceBackoff = 30 * time.Second
		return opContinue
	}
	tc.announceBackoff = resp.Interval
	if tc.announceBackoff == 0 {
		tc.announceBackoff = 30 * time.Minute
	}
	tc.pool.AddPeers(tc.infoHash, resp.Peers)
	return opContinue
}

// opPeers dials new addresses up to the configured per-tick limit,
// re-evaluates the unchoke policy, and maintains AmInterested toward
// every connected peer.
func (tc *Context) opPeers() opResult {
	if tc.Flags().Has(Paused) {
		return opContinue
	}

	if tc.dhtNode != nil {
		tc.discoverDHTPeers()
	}

	if !tc.pool.Saturated(tc.infoHash) {
		tc.dialNewPeers()
	}

	tc.mu.Lock()
	conns := make([]*peer.Conn, 0, len(tc.conns))
	for _, c := range tc.conns {
		conns = append(conns, c)
	}
	meta := tc.meta
	t := tc.t
	tc.mu.Unlock()

	for _, c := range conns {
		interested := meta == nil // before metadata arrives, stay interested so peers keep us unchoked for ut_metadata
		if t != nil {
			interested = len(t.MissingPieces()) > 0 && peerHasAnyMissing(c, t)
		}
		_ = c.SetAmInterested(interested)
	}

	if tc.clk.Now().Sub(tc.lastUnchoke) >= tc.config.UnchokeInterval {
		tc.runUnchokePolicy(conns)
		tc.lastUnchoke = tc.clk.Now()
	}
	return opContinue
}

func peerHasAnyMissing(c *peer.Conn, t storage.Torrent) bool {
	for _, p := range t.MissingPieces() {
		if c.HasPiece(p) {
			return true
		}
	}
	return false
}

func (tc *Context) dialNewPeers() {
	addrs := tc.pool.NextAddrs(tc.infoHash, tc.config.MaxDialsPerTick)
	if len(addrs) == 0 {
		return
	}
	meta := tc.Metadata()
	info := meta
	numPieces := 0
	if meta == nil {
		info = &core.TorrentMetadata{InfoHash: tc.infoHash}
	} else {
		numPieces = meta.NumPieces()
	}
	neighbors := tc.neighborPeerIDs()
	for _, pi := range addrs {
		pi := pi
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), tc.config.Peer.HandshakeTimeout)
			defer cancel()
			c, err := tc.pool.Dial(ctx, info, numPieces, pi, neighbors)
			if err != nil {
				return
			}
			tc.registerConn(c)
		}()
	}
}

func (tc *Context) neighborPeerIDs() []core.PeerID {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	out := make([]core.PeerID, 0, len(tc.conns))
	for id := range tc.conns {
		out = append(out, id)
	}
	return out
}

func (tc *Context) discoverDHTPeers() {
	for _, addr := range tc.config.DHT.BootstrapNodes {
		addr := addr
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), tc.config.DHT.QueryTimeout)
			defer cancel()
			peers, _, _, err := tc.dhtNode.GetPeers(ctx, addr, tc.infoHash)
			if err != nil || len(peers) == 0 {
				return
			}
			for _, p := range peers {
				p.Source = core.SourceDHT
			}
			tc.pool.AddPeers(tc.infoHash, peers)
		}()
	}
}

// runUnchokePolicy unchokes the top MaxUnchokedPeers interested peers by
// descending download rate (spec §4.6: reward peers that reciprocate),
// choking every other peer, and also chokes selected peers that have not
// sent a block within SnubTimeout.
func (tc *Context) runUnchokePolicy(conns []*peer.Conn) {
	var interested []*peer.Conn
	for _, c := range conns {
		if c.PeerInterested() {
			interested = append(interested, c)
		}
	}
	sort.Slice(interested, func(i, j int) bool {
		return interested[i].DownloadRate() > interested[j].DownloadRate()
	})

	unchoked := make(map[core.PeerID]bool, tc.config.MaxUnchokedPeers)
	for i, c := range interested {
		if i >= tc.config.MaxUnchokedPeers {
			break
		}
		unchoked[c.PeerID()] = true
	}

	now := tc.clk.Now()
	for _, c := range conns {
		shouldUnchoke := unchoked[c.PeerID()]
		if shouldUnchoke && !c.LastPieceReceived().IsZero() &&
			now.Sub(c.LastPieceReceived()) > tc.config.SnubTimeout && c.BytesDownloaded() > 0 {
			// Snubbing: interested and otherwise eligible, but has not
			// sent a block in SnubTimeout. Choke it so a more responsive
			// peer gets the upload slot instead.
			shouldUnchoke = false
		}
		_ = c.SetAmChoking(!shouldUnchoke)
	}
}

// opMetadata drives BEP9 metadata assembly for a magnet-link torrent:
// requesting missing chunks, consuming replies pulled off tc.incoming,
// and materializing the torrent once every chunk has arrived.
func (tc *Context) opMetadata() opResult {
	if !tc.Flags().Has(Metadata) {
		return opContinue
	}

	tc.mu.Lock()
	conns := make([]*peer.Conn, 0, len(tc.conns))
	for _, c := range tc.conns {
		conns = append(conns, c)
	}
	tc.mu.Unlock()

	if tc.assembler == nil {
		for _, c := range conns {
			if c.SupportsExtended() && c.MetadataSize() > 0 {
				tc.assembler = peer.NewMetadataAssembler(tc.infoHash, c.MetadataSize(), core.BlockSize)
				break
			}
		}
	}
	if tc.assembler == nil {
		return opStop // nothing else to do until some peer tells us the size
	}

	tc.drainMetadataMessages()

	missing := tc.assembler.Missing()
	if len(missing) > 0 && len(conns) > 0 {
		peerIdx := 0
		for _, piece := range missing {
			for tries := 0; tries < len(conns); tries++ {
				c := conns[peerIdx%len(conns)]
				peerIdx++
				if c.SupportsExtended() {
					if err := c.RequestMetadataPiece(piece); err == nil {
						break
					}
				}
			}
		}
		return opStop
	}

	meta, err := tc.assembler.Assemble()
	if err != nil {
		tc.events.Error(tc.infoHash, "metadata", err.Error())
		tc.assembler = nil
		return opStop
	}

	t, err := tc.archive.CreateTorrent(meta)
	if err != nil {
		tc.events.Error(tc.infoHash, "storage", err.Error())
		return opStop
	}

	tc.mu.Lock()
	tc.meta = meta
	tc.t = t
	tc.flags = tc.flags.Clear(Metadata)
	tc.mu.Unlock()

	tc.events.MetadataReceived(tc.infoHash)
	return opContinue
}

func (tc *Context) drainMetadataMessages() {
	// Bounded by the queue length at entry, so requeued messages are not
	// dequeued again in the same call.
	n := len(tc.incoming)
	for i := 0; i < n; i++ {
		select {
		case im := <-tc.incoming:
			if im.msg.ID != peer.MsgExtended {
				tc.requeueIncoming(im)
				continue
			}
			chunk, err := im.conn.HandleExtended(im.msg)
			if err != nil || chunk == nil || chunk.Data == nil {
				continue
			}
			if _, err := tc.assembler.AddChunk(chunk.Piece, chunk.Data); err != nil {
				tc.events.Error(tc.infoHash, "metadata", err.Error())
			}
		default:
			return
		}
	}
}

// requeueIncoming is used by the metadata stage, which drains
// tc.incoming looking only for Extended messages, to push back messages
// meant for a later stage without losing them or blocking.
func (tc *Context) requeueIncoming(im incomingMsg) {
	select {
	case tc.incoming <- im:
	default:
		tc.log.Debugw("dropping requeued message, buffer full", "peer", im.peerID, "type", im.msg.ID)
	}
}

// opPieces drains Piece/Request messages off tc.incoming: assembling
// and persisting completed pieces, and serving blocks we've been asked
// for.
func (tc *Context) opPieces() opResult {
	t := tc.Storage()
	if t == nil {
		return opStop
	}

	n := len(tc.incoming)
	for i := 0; i < n; i++ {
		var im incomingMsg
		select {
		case im = <-tc.incoming:
		default:
			return opContinue
		}
		switch im.msg.ID {
		case peer.MsgPiece:
			tc.handlePieceMessage(t, im)
		case peer.MsgRequest:
			tc.handleRequestMessage(t, im)
		case peer.MsgCancel:
			// No persistent upload queue to cancel against: a Request is
			// served synchronously as soon as it's seen, so by the time a
			// Cancel could arrive the block is usually already sent.
		case peer.MsgPort:
			// BEP5 port advertisement: DHT bootstrap via arbitrary peer
			// ports is out of scope; we only query the configured
			// bootstrap nodes (see discoverDHTPeers).
		}
	}
	return opContinue
}

func (tc *Context) handlePieceMessage(t storage.Torrent, im incomingMsg) {
	piece, begin, block, err := peer.ParsePiece(im.msg)
	if err != nil {
		tc.events.Error(tc.infoHash, "protocol", err.Error())
		return
	}
	meta := tc.Metadata()
	part := core.PiecePart{Piece: piece, Begin: begin, Length: uint32(len(block))}
	// The block has arrived, whatever the eventual piece-hash outcome;
	// free its buffer slot now so a slow peer's in-flight requests don't
	// count against it once this part is satisfied.
	tc.pick.Clear(part)

	tc.mu.Lock()
	buf, ok := tc.pieceBuffers[piece]
	if !ok {
		buf = newPieceBuffer(meta.PieceLengthAt(piece))
		tc.pieceBuffers[piece] = buf
	}
	tc.mu.Unlock()

	complete, err := buf.addBlock(begin, block)
	if err != nil {
		tc.events.Error(tc.infoHash, "protocol", err.Error())
		return
	}
	if !complete {
		return
	}

	tc.mu.Lock()
	delete(tc.pieceBuffers, piece)
	tc.mu.Unlock()

	if err := t.WritePiece(newBytesPieceReader(buf.data), piece); err != nil {
		// Each part's bookkeeping was already released as its block
		// arrived; nothing further to clear. There is no repair path
		// here, only the report (see the opFileValidation grounding
		// note on storage.Torrent's lack of a piece un-mark method): the
		// piece simply stays in MissingPieces and gets re-requested.
		tc.events.Error(tc.infoHash, "hash_mismatch", fmt.Sprintf("piece %d: %s", piece, err))
		return
	}
	tc.events.PieceCompleted(tc.infoHash, piece)

	tc.mu.Lock()
	conns := make([]*peer.Conn, 0, len(tc.conns))
	for _, c := range tc.conns {
		conns = append(conns, c)
	}
	tc.mu.Unlock()
	for _, c := range conns {
		_ = c.Send(peer.NewHaveMessage(piece))
	}
}

func (tc *Context) handleRequestMessage(t storage.Torrent, im incomingMsg) {
	if !tc.Flags().Has(UploadMode) {
		return
	}
	if im.conn.AmChoking() {
		return
	}
	part, err := peer.ParseRequest(im.msg)
	if err != nil {
		tc.events.Error(tc.infoHash, "protocol", err.Error())
		return
	}
	if !t.HasPiece(part.Piece) {
		return
	}
	r, err := t.GetPieceReader(part.Piece)
	if err != nil {
		return
	}
	defer r.Close()

	block := make([]byte, part.Length)
	if _, err := readAt(r, int64(part.Begin), block); err != nil {
		return
	}
	if err := im.conn.Send(peer.NewPieceMessage(part.Piece, part.Begin, block)); err == nil {
		tc.mu.Lock()
		tc.uploadedThisSec += int64(len(block))
		tc.mu.Unlock()
	}
}

func readAt(r storage.PieceReader, offset int64, buf []byte) (int, error) {
	if offset > 0 {
		if _, err := discardN(r, offset); err != nil {
			return 0, err
		}
	}
	total := 0
	for total < len(buf) {
		n, err := r.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

func discardN(r storage.PieceReader, n int64) (int64, error) {
	buf := make([]byte, 32*1024)
	var discarded int64
	for discarded < n {
		want := n - discarded
		if want > int64(len(buf)) {
			want = int64(len(buf))
		}
		k, err := r.Read(buf[:want])
		discarded += int64(k)
		if err != nil {
			return discarded, err
		}
	}
	return discarded, nil
}

// opFiles detects newly-completed files by comparing each file's byte
// range against the torrent's verified-piece bitfield.
func (tc *Context) opFiles() opResult {
	t := tc.Storage()
	meta := tc.Metadata()
	if t == nil || meta == nil {
		return opStop
	}
	for _, f := range meta.Files {
		path := f.FullPath("/")
		tc.mu.Lock()
		done := tc.completedFiles[path]
		tc.mu.Unlock()
		if done {
			continue
		}
		if fileComplete(t, meta, f) {
			tc.mu.Lock()
			tc.completedFiles[path] = true
			tc.mu.Unlock()
			tc.events.FileCompleted(tc.infoHash, path)
		}
	}
	return opContinue
}

func fileComplete(t storage.Torrent, meta *core.TorrentMetadata, f core.File) bool {
	if f.Length == 0 {
		return true
	}
	first := int(f.Offset / meta.PieceLength)
	last := int((f.Offset + f.Length - 1) / meta.PieceLength)
	for p := first; p <= last; p++ {
		if !t.HasPiece(p) {
			return false
		}
	}
	return true
}

// opFileValidation periodically re-hashes one already-verified piece as
// a background integrity scrub. storage.Torrent has no way to un-mark a
// piece once WritePiece has accepted it, so on a mismatch this can only
// report the problem via an Error event; there is no repair path short
// of deleting and re-downloading the whole torrent.
func (tc *Context) opFileValidation() opResult {
	t := tc.Storage()
	meta := tc.Metadata()
	if t == nil || meta == nil || !t.Complete() && t.BytesDownloaded() == 0 {
		return opContinue
	}
	if tc.clk.Now().Sub(tc.lastScrub()) < tc.config.ScrubInterval {
		return opContinue
	}
	tc.setLastScrub(tc.clk.Now())

	n := meta.NumPieces()
	if n == 0 {
		return opContinue
	}
	for i := 0; i < n; i++ {
		idx := (tc.scrubCursor + i) % n
		if !t.HasPiece(idx) {
			continue
		}
		tc.scrubCursor = (idx + 1) % n
		tc.scrubPiece(t, meta, idx)
		break
	}
	return opContinue
}

func (tc *Context) scrubPiece(t storage.Torrent, meta *core.TorrentMetadata, idx int) {
	r, err := t.GetPieceReader(idx)
	if err != nil {
		return
	}
	defer r.Close()
	data := make([]byte, r.Length())
	if _, err := readAt(r, 0, data); err != nil {
		return
	}
	p := &core.Piece{Index: idx, Hash: meta.PieceHashes[idx]}
	ok, err := core.VerifyPiece(p, meta.InfoHash.Version(), data)
	if err != nil || !ok {
		tc.events.Error(tc.infoHash, "hash_mismatch",
			fmt.Sprintf("piece %d failed background scrub; storage has no un-mark path", idx))
	}
}

func (tc *Context) lastScrub() time.Time {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	return tc.lastScrubAt
}

func (tc *Context) setLastScrub(t time.Time) {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	tc.lastScrubAt = t
}

// opCreatePendingRequests selects new piece parts to request from every
// unchoked, non-saturated peer (spec §4.6/§4.7).
func (tc *Context) opCreatePendingRequests() opResult {
	if !tc.Flags().Has(DownloadMode) || tc.Flags().Has(Paused) {
		return opContinue
	}
	t := tc.Storage()
	meta := tc.Metadata()
	if t == nil || meta == nil {
		return opStop
	}
	missing := t.MissingPieces()
	if len(missing) == 0 {
		return opContinue
	}

	tc.mu.Lock()
	conns := make([]*peer.Conn, 0, len(tc.conns))
	for _, c := range tc.conns {
		conns = append(conns, c)
	}
	tc.mu.Unlock()

	availability := make(map[int]uint32, len(missing))
	for _, p := range missing {
		for _, c := range conns {
			if c.HasPiece(p) {
				availability[p]++
			}
		}
	}

	priority := core.PriorityNormal
	if tc.Flags().Has(SequentialDownload) {
		sort.Ints(missing)
	}

	for _, c := range conns {
		if c.PeerChoking() || !c.AmInterested() {
			continue
		}
		cands := tc.candidatesFor(c, missing, availability, priority, meta)
		if len(cands) == 0 {
			continue
		}
		n := t.NumPieces()
		parts := tc.pick.ReserveParts(c.PeerID(), cands, len(missing), n)
		for _, part := range parts {
			if err := c.Send(peer.NewRequestMessage(part)); err != nil {
				tc.pick.MarkUnsent(c.PeerID(), part)
			}
		}
	}
	return opContinue
}

func (tc *Context) candidatesFor(
	c *peer.Conn,
	missing []int,
	availability map[int]uint32,
	priority core.Priority,
	meta *core.TorrentMetadata,
) []picker.Candidate {
	var cands []picker.Candidate
	for _, p := range missing {
		if !c.HasPiece(p) {
			continue
		}
		for _, part := range core.PartsForPiece(p, meta.PieceLengthAt(p)) {
			cands = append(cands, picker.Candidate{
				Part:         part,
				Priority:     priority,
				Availability: availability[p],
			})
		}
	}
	return cands
}

// opRetrievePendingRequests reclaims requests the picker has flagged as
// expired so their buffer slots and quota can be reused next tick, and
// surfaces invalid ones as events.
func (tc *Context) opRetrievePendingRequests() opResult {
	for _, r := range tc.pick.GetFailedRequests() {
		switch r.Status {
		case picker.StatusExpired:
			tc.pick.MarkUnsent(r.PeerID, r.Part)
		case picker.StatusInvalid:
			tc.events.Error(tc.infoHash, "piece_invalid",
				fmt.Sprintf("piece %d part %d from %s", r.Part.Piece, r.Part.Begin, r.PeerID))
		}
	}
	return opContinue
}
