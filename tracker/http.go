package tracker

import (
	"bytes"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/jackpal/bencode-go"
)

// HTTPTracker announces over BEP 3's HTTP GET form. Decoding the
// tracker's bencoded response is delegated to jackpal/bencode-go rather
// than the bencode package's hand-rolled codec: a tracker response
// needs none of the raw-byte-range capture metainfo parsing requires,
// so the off-the-shelf decoder is the simpler fit here.
type HTTPTracker struct {
	announceURL string
	client      *http.Client
}

// NewHTTPTracker builds a tracker client for the given announce URL.
func NewHTTPTracker(announceURL string) *HTTPTracker {
	return &HTTPTracker{
		announceURL: announceURL,
		client:      &http.Client{Timeout: 10 * time.Second},
	}
}

func (t *HTTPTracker) URL() string { return t.announceURL }

type httpTrackerResponse struct {
	FailureReason string `bencode:"failure reason"`
	Interval      int    `bencode:"interval"`
	Peers         string `bencode:"peers"`
}

func (t *HTTPTracker) Announce(req AnnounceRequest) (AnnounceResult, error) {
	u, err := url.Parse(t.announceURL)
	if err != nil {
		return AnnounceResult{}, fmt.Errorf("tracker: parse announce url: %w", err)
	}
	q := u.Query()
	q.Set("info_hash", string(req.InfoHash[:]))
	q.Set("peer_id", string(req.PeerID[:]))
	q.Set("port", strconv.Itoa(int(req.Port)))
	q.Set("uploaded", strconv.FormatInt(req.Uploaded, 10))
	q.Set("downloaded", strconv.FormatInt(req.Downloaded, 10))
	q.Set("left", strconv.FormatInt(req.Left, 10))
	q.Set("compact", "1")
	if req.NumWant > 0 {
		q.Set("numwant", strconv.Itoa(req.NumWant))
	}
	if req.Event != EventNone {
		q.Set("event", string(req.Event))
	}
	u.RawQuery = q.Encode()

	resp, err := t.client.Get(u.String())
	if err != nil {
		return AnnounceResult{}, fmt.Errorf("tracker: request %s: %w", t.announceURL, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return AnnounceResult{}, fmt.Errorf("tracker: read response from %s: %w", t.announceURL, err)
	}

	var parsed httpTrackerResponse
	if err := bencode.Unmarshal(bytes.NewReader(body), &parsed); err != nil {
		return AnnounceResult{}, fmt.Errorf("tracker: decode response from %s: %w", t.announceURL, err)
	}
	if parsed.FailureReason != "" {
		return AnnounceResult{}, &ErrTrackerFailure{URL: t.announceURL, Reason: parsed.FailureReason}
	}

	peers, err := decodeCompactPeers([]byte(parsed.Peers))
	if err != nil {
		return AnnounceResult{}, fmt.Errorf("tracker: %s: %w", t.announceURL, err)
	}
	return AnnounceResult{
		Peers:    peers,
		Interval: time.Duration(parsed.Interval) * time.Second,
	}, nil
}

func decodeCompactPeers(raw []byte) ([]Peer, error) {
	const entryLen = 6
	if len(raw)%entryLen != 0 {
		return nil, fmt.Errorf("compact peer list length %d not a multiple of %d", len(raw), entryLen)
	}
	peers := make([]Peer, 0, len(raw)/entryLen)
	for i := 0; i < len(raw); i += entryLen {
		ip := net.IPv4(raw[i], raw[i+1], raw[i+2], raw[i+3])
		port := uint16(raw[i+4])<<8 | uint16(raw[i+5])
		peers = append(peers, Peer{IP: ip, Port: port})
	}
	return peers, nil
}
