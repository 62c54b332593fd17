// Package httptracker implements the BEP3 HTTP tracker announce protocol:
// a GET request with query parameters, and a bencoded dictionary reply.
package httptracker

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	bencode "github.com/jackpal/bencode-go"

	"github.com/watchreel/torrent/core"
	"github.com/watchreel/torrent/tracker"
)

// rawResponse mirrors BEP3's tracker announce reply dictionary. Peers may
// be sent in either the original dictionary-per-peer model or the
// "compact" binary model (BEP23); both are normalized by parsePeers.
type rawResponse struct {
	FailureReason string      `bencode:"failure reason"`
	Interval      int64       `bencode:"interval"`
	MinInterval   int64       `bencode:"min interval"`
	Complete      int         `bencode:"complete"`
	Incomplete    int         `bencode:"incomplete"`
	Peers         interface{} `bencode:"peers"`
}

type rawDictPeer struct {
	PeerID string `bencode:"peer id"`
	IP     string `bencode:"ip"`
	Port   int    `bencode:"port"`
}

// Client announces to a single BEP3 HTTP tracker URL.
type Client struct {
	url        string
	httpClient *http.Client
}

// New builds a Client for the given announce URL (e.g.
// "http://tracker.example.com/announce").
func New(announceURL string, timeout time.Duration) *Client {
	if timeout == 0 {
		timeout = 15 * time.Second
	}
	return &Client{
		url:        announceURL,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// URL returns the tracker's announce URL.
func (c *Client) URL() string {
	return c.url
}

// Announce issues a BEP3 GET announce and parses the bencoded reply.
func (c *Client) Announce(ctx context.Context, req tracker.AnnounceRequest) (*tracker.AnnounceResponse, error) {
	q := url.Values{}
	q.Set("info_hash", string(req.InfoHash.Bytes()))
	q.Set("peer_id", string(req.PeerID.Bytes()))
	q.Set("port", strconv.Itoa(req.Port))
	q.Set("uploaded", strconv.FormatInt(req.Uploaded, 10))
	q.Set("downloaded", strconv.FormatInt(req.Downloaded, 10))
	q.Set("left", strconv.FormatInt(req.Left, 10))
	q.Set("compact", "1")
	if req.Event != tracker.EventNone {
		q.Set("event", req.Event.String())
	}
	if req.NumWant > 0 {
		q.Set("numwant", strconv.Itoa(req.NumWant))
	}

	full := c.url
	if bytes.ContainsRune([]byte(full), '?') {
		full += "&" + q.Encode()
	} else {
		full += "?" + q.Encode()
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, full, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: build announce request: %s", core.ErrProtocol, err)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%w: announce to %s: %s", core.ErrIO, c.url, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: read announce reply: %s", core.ErrIO, err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: tracker %s returned status %d", core.ErrProtocol, c.url, resp.StatusCode)
	}

	var raw rawResponse
	if err := bencode.Unmarshal(bytes.NewReader(body), &raw); err != nil {
		return nil, fmt.Errorf("%w: decode announce reply: %s", core.ErrProtocol, err)
	}
	if raw.FailureReason != "" {
		return nil, fmt.Errorf("%w: tracker failure: %s", core.ErrProtocol, raw.FailureReason)
	}

	peers, err := parsePeers(raw.Peers)
	if err != nil {
		return nil, err
	}

	out := &tracker.AnnounceResponse{
		Interval:    time.Duration(raw.Interval) * time.Second,
		MinInterval: time.Duration(raw.MinInterval) * time.Second,
		Seeders:     raw.Complete,
		Leechers:    raw.Incomplete,
		Peers:       peers,
	}
	return out, nil
}

// parsePeers normalizes either the compact (binary, 6 bytes per IPv4 peer)
// or the original dictionary-list peers encoding into []*core.PeerInfo.
func parsePeers(v interface{}) ([]*core.PeerInfo, error) {
	switch p := v.(type) {
	case string:
		return parseCompactPeers([]byte(p))
	case []interface{}:
		var out []*core.PeerInfo
		for _, entry := range p {
			dict, ok := entry.(map[string]interface{})
			if !ok {
				continue
			}
			ip, _ := dict["ip"].(string)
			port, _ := toInt(dict["port"])
			var pid core.PeerID
			if s, ok := dict["peer id"].(string); ok {
				p, err := core.NewPeerIDFromBytes([]byte(s))
				if err == nil {
					pid = p
				}
			}
			out = append(out, &core.PeerInfo{
				PeerID: pid,
				IP:     ip,
				Port:   port,
				Source: core.SourceTracker,
			})
		}
		return out, nil
	case nil:
		return nil, nil
	default:
		return nil, fmt.Errorf("%w: unexpected peers encoding %T", core.ErrProtocol, v)
	}
}

func toInt(v interface{}) (int, bool) {
	switch n := v.(type) {
	case int64:
		return int(n), true
	case int:
		return n, true
	default:
		return 0, false
	}
}

// parseCompactPeers decodes BEP23's compact peer list: 6 bytes per peer,
// 4 bytes big-endian IPv4 address followed by 2 bytes big-endian port.
func parseCompactPeers(b []byte) ([]*core.PeerInfo, error) {
	if len(b)%6 != 0 {
		return nil, fmt.Errorf("%w: compact peers length %d not a multiple of 6", core.ErrProtocol, len(b))
	}
	var out []*core.PeerInfo
	for i := 0; i < len(b); i += 6 {
		ip := fmt.Sprintf("%d.%d.%d.%d", b[i], b[i+1], b[i+2], b[i+3])
		port := int(b[i+4])<<8 | int(b[i+5])
		out = append(out, &core.PeerInfo{
			IP:     ip,
			Port:   port,
			Source: core.SourceTracker,
		})
	}
	return out, nil
}
