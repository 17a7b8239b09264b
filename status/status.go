// Package status renders periodic human-readable download progress,
// the way a CLI leecher reports what it is doing while it runs.
package status

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/fatih/color"

	"leech/metainfo"
	"leech/piecestore"
)

// PeerCounter is the subset of swarm.Supervisor the reporter needs.
// Declared here, rather than importing the swarm package, so this
// package never needs to know about dialing, tracker announces, or
// sessions — just how many are currently live.
type PeerCounter interface {
	PeerCount() int
}

// Reporter prints a progress line to out at a fixed interval until ctx
// is canceled.
type Reporter struct {
	torrent  *metainfo.Torrent
	store    *piecestore.Store
	peers    PeerCounter
	out      io.Writer
	interval time.Duration
}

// New builds a Reporter for t's download, printing to out every
// interval (2s if interval is zero).
func New(t *metainfo.Torrent, store *piecestore.Store, peers PeerCounter, out io.Writer, interval time.Duration) *Reporter {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	return &Reporter{torrent: t, store: store, peers: peers, out: out, interval: interval}
}

// Run blocks, printing a line every interval, until ctx is canceled.
func (r *Reporter) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	started := time.Now()
	lastRemaining := r.store.BytesRemaining()
	lastTick := started

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			remaining := r.store.BytesRemaining()
			elapsed := now.Sub(lastTick).Seconds()
			var rate float64
			if elapsed > 0 {
				rate = float64(lastRemaining-remaining) / elapsed
			}
			lastRemaining = remaining
			lastTick = now
			r.printLine(remaining, rate)
		}
	}
}

func (r *Reporter) printLine(remaining int64, bytesPerSec float64) {
	downloaded := r.torrent.TotalLength - remaining
	ratio := r.store.CompletionRatio()

	pct := fmt.Sprintf("%5.1f%%", ratio*100)
	if ratio >= 1 {
		pct = color.GreenString(pct)
	} else if ratio >= 0.5 {
		pct = color.YellowString(pct)
	}

	fmt.Fprintf(r.out, "%s  %s / %s  %s/s  peers=%d  %s\n",
		pct,
		humanize.Bytes(uint64(downloaded)),
		humanize.Bytes(uint64(r.torrent.TotalLength)),
		humanize.Bytes(uint64(bytesPerSec)),
		r.peers.PeerCount(),
		r.torrent.Name,
	)
}
