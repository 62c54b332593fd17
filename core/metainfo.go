package core

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	bencode "github.com/jackpal/bencode-go"
)

// rawFile mirrors BEP3's "files" dictionary entries for multi-file
// torrents.
type rawFile struct {
	Length int64    `bencode:"length"`
	Path   []string `bencode:"path"`
}

// rawInfo mirrors the BEP3 "info" dictionary. The Go field order is not
// significant: bencode-go's encoder writes dictionary keys in sorted
// order.
type rawInfo struct {
	Name        string    `bencode:"name"`
	PieceLength int64     `bencode:"piece length"`
	Pieces      string    `bencode:"pieces"`
	Length      int64     `bencode:"length,omitempty"`
	Files       []rawFile `bencode:"files,omitempty"`
	// Private marks a torrent as restricted to its own tracker/DHT-free
	// swarm (BEP27). Not enforced by this engine, but round-tripped.
	Private int `bencode:"private,omitempty"`
}

type rawMetaInfo struct {
	Info         rawInfo    `bencode:"info"`
	Announce     string     `bencode:"announce,omitempty"`
	AnnounceList [][]string `bencode:"announce-list,omitempty"`
}

// TorrentMetadata is the parsed, immutable-once-set torrent metadata
// (spec §3): piece layout, file list, trackers, and info hash. It is
// absent on a fresh magnet-link torrent until the metadata extension
// (BEP9) fills it in.
type TorrentMetadata struct {
	InfoHash    InfoHash
	Name        string
	PieceLength int64
	PieceHashes [][]byte
	Files       []File
	Trackers    [][]string // tiers, per BEP12
	raw         []byte     // the exact bencoded info dict, for re-verification
}

// Length returns the total torrent length across all files.
func (m *TorrentMetadata) Length() int64 {
	var total int64
	for _, f := range m.Files {
		total += f.Length
	}
	return total
}

// NumPieces returns the number of pieces.
func (m *TorrentMetadata) NumPieces() int {
	return len(m.PieceHashes)
}

// PieceLengthAt returns the true length of piece i, accounting for the
// final, possibly-shorter piece (spec §8 boundary case).
func (m *TorrentMetadata) PieceLengthAt(i int) int64 {
	if i < 0 || i >= len(m.PieceHashes) {
		return 0
	}
	if i == len(m.PieceHashes)-1 {
		return m.Length() - m.PieceLength*int64(i)
	}
	return m.PieceLength
}

// RawInfoDict returns the exact bytes of the bencoded info dictionary
// that InfoHash was computed over, for peers requesting metadata via
// BEP9.
func (m *TorrentMetadata) RawInfoDict() []byte {
	return m.raw
}

func hashSize(v HashVersion) int {
	if v == V2 {
		return 32
	}
	return 20
}

// ParseMetaInfoFile parses a BEP3 .torrent file.
func ParseMetaInfoFile(r io.Reader) (*TorrentMetadata, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("%w: read torrent file: %s", ErrIO, err)
	}

	var raw rawMetaInfo
	if err := bencode.Unmarshal(bytes.NewReader(data), &raw); err != nil {
		return nil, fmt.Errorf("%w: bencode decode: %s", ErrProtocol, err)
	}

	infoBytes, err := extractInfoDict(data)
	if err != nil {
		return nil, err
	}

	return metaInfoFromRaw(raw, infoBytes, V1)
}

// extractInfoDict re-encodes just the "info" sub-dictionary so the hash
// is computed over canonical bytes regardless of how the outer
// dictionary was originally serialized.
func extractInfoDict(data []byte) ([]byte, error) {
	var wrapper struct {
		Info map[string]interface{} `bencode:"info"`
	}
	if err := bencode.Unmarshal(bytes.NewReader(data), &wrapper); err != nil {
		return nil, fmt.Errorf("%w: bencode decode info: %s", ErrProtocol, err)
	}
	var buf bytes.Buffer
	if err := bencode.Marshal(&buf, wrapper.Info); err != nil {
		return nil, fmt.Errorf("%w: bencode encode info: %s", ErrProtocol, err)
	}
	return buf.Bytes(), nil
}

func metaInfoFromRaw(raw rawMetaInfo, infoBytes []byte, hv HashVersion) (*TorrentMetadata, error) {
	if raw.Info.PieceLength <= 0 {
		return nil, fmt.Errorf("%w: piece length must be positive", ErrConsistency)
	}

	hsz := hashSize(hv)
	if len(raw.Info.Pieces)%hsz != 0 {
		return nil, fmt.Errorf("%w: pieces string length %d not a multiple of %d",
			ErrConsistency, len(raw.Info.Pieces), hsz)
	}
	n := len(raw.Info.Pieces) / hsz
	hashes := make([][]byte, n)
	for i := 0; i < n; i++ {
		h := make([]byte, hsz)
		copy(h, raw.Info.Pieces[i*hsz:(i+1)*hsz])
		hashes[i] = h
	}

	var files []File
	if len(raw.Info.Files) > 0 {
		var offset int64
		for _, rf := range raw.Info.Files {
			files = append(files, File{
				Path:   append([]string{raw.Info.Name}, rf.Path...),
				Offset: offset,
				Length: rf.Length,
			})
			offset += rf.Length
		}
	} else {
		files = []File{{
			Path:   []string{raw.Info.Name},
			Offset: 0,
			Length: raw.Info.Length,
		}}
	}

	ih := NewInfoHashFromBytes(infoBytes, hv)

	var tiers [][]string
	if len(raw.AnnounceList) > 0 {
		tiers = raw.AnnounceList
	} else if raw.Announce != "" {
		tiers = [][]string{{raw.Announce}}
	}

	m := &TorrentMetadata{
		InfoHash:    ih,
		Name:        raw.Info.Name,
		PieceLength: raw.Info.PieceLength,
		PieceHashes: hashes,
		Files:       files,
		Trackers:    tiers,
		raw:         infoBytes,
	}
	if err := ValidateFiles(m.Files, m.Length()); err != nil {
		return nil, err
	}
	return m, nil
}

// Encode serializes m back into a BEP3 .torrent file. The info
// sub-dictionary is decoded from the info dict bytes captured at parse
// time into a generic map and marshaled again, so every key of the
// captured dict is kept (not only the fields rawInfo models); keys are
// written in sorted order.
func (m *TorrentMetadata) Encode(w io.Writer) error {
	if m.raw == nil {
		return errors.New("metadata has no raw info dict to encode")
	}
	var infoVal map[string]interface{}
	if err := bencode.Unmarshal(bytes.NewReader(m.raw), &infoVal); err != nil {
		return fmt.Errorf("%w: %s", ErrProtocol, err)
	}
	outer := map[string]interface{}{"info": infoVal}
	if len(m.Trackers) > 0 {
		outer["announce-list"] = m.Trackers
		outer["announce"] = m.Trackers[0][0]
	}
	return bencode.Marshal(w, outer)
}

// BuildMetaInfoFromInfoBytes reconstructs a TorrentMetadata once the
// metadata extension (BEP9) has assembled and verified the full info
// dictionary against the torrent's InfoHash (spec §4.5).
func BuildMetaInfoFromInfoBytes(infoBytes []byte, expected InfoHash, trackers [][]string) (*TorrentMetadata, error) {
	actual := NewInfoHashFromBytes(infoBytes, expected.Version())
	if !actual.Equal(expected) {
		return nil, fmt.Errorf("%w: assembled info dict hash %s != expected %s", ErrConsistency, actual, expected)
	}
	var info rawInfo
	if err := bencode.Unmarshal(bytes.NewReader(infoBytes), &info); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrProtocol, err)
	}
	raw := rawMetaInfo{Info: info}
	m, err := metaInfoFromRaw(raw, infoBytes, expected.Version())
	if err != nil {
		return nil, err
	}
	m.Trackers = trackers
	return m, nil
}
