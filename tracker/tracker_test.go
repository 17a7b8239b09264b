package tracker

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeCompactPeers(t *testing.T) {
	raw := []byte{192, 168, 1, 1, 0x1A, 0xE1, 10, 0, 0, 1, 0x00, 0x50}
	peers, err := decodeCompactPeers(raw)
	require.NoError(t, err)
	require.Len(t, peers, 2)
	assert.Equal(t, "192.168.1.1", peers[0].IP.String())
	assert.Equal(t, uint16(0x1AE1), peers[0].Port)
	assert.Equal(t, "10.0.0.1", peers[1].IP.String())
	assert.Equal(t, uint16(80), peers[1].Port)
}

func TestDecodeCompactPeersRejectsShortBuffer(t *testing.T) {
	_, err := decodeCompactPeers([]byte{1, 2, 3})
	assert.Error(t, err)
}

type stubTracker struct {
	url    string
	result AnnounceResult
	err    error
	calls  int
}

func (s *stubTracker) URL() string { return s.url }
func (s *stubTracker) Announce(req AnnounceRequest) (AnnounceResult, error) {
	s.calls++
	return s.result, s.err
}

func TestTieredFallsOverToNextTrackerInTier(t *testing.T) {
	failing := &stubTracker{url: "http://dead", err: fmt.Errorf("boom")}
	working := &stubTracker{url: "http://alive", result: AnnounceResult{Peers: []Peer{{}}}}

	ti := &Tiered{tiers: [][]Tracker{{failing, working}}}
	res, err := ti.Announce(AnnounceRequest{})
	require.NoError(t, err)
	assert.Len(t, res.Peers, 1)
	assert.Equal(t, 1, failing.calls)
	assert.Equal(t, 1, working.calls)
}

func TestTieredPromotesSuccessfulTrackerToFront(t *testing.T) {
	failing := &stubTracker{url: "http://dead", err: fmt.Errorf("boom")}
	working := &stubTracker{url: "http://alive", result: AnnounceResult{}}

	tier := []Tracker{failing, working}
	ti := &Tiered{tiers: [][]Tracker{tier}}
	_, err := ti.Announce(AnnounceRequest{})
	require.NoError(t, err)
	assert.Same(t, working, tier[0])
}

func TestTieredMovesToNextTierWhenFirstTierExhausted(t *testing.T) {
	t1a := &stubTracker{url: "http://t1a", err: fmt.Errorf("boom")}
	t2a := &stubTracker{url: "http://t2a", result: AnnounceResult{}}
	ti := &Tiered{tiers: [][]Tracker{{t1a}, {t2a}}}

	_, err := ti.Announce(AnnounceRequest{})
	require.NoError(t, err)
	assert.Equal(t, 1, t2a.calls)
}
