// Package swarm supervises a torrent's live peer sessions: it re-
// announces to the tracker, dials and admits newly discovered peers up
// to a connection cap, drains each session's events to broadcast piece
// completions, and reaps sessions as they close.
package swarm

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/sirupsen/logrus"

	"leech/metainfo"
	"leech/piecestore"
	"leech/session"
	"leech/tracker"
)

// maxConnections bounds how many peer sessions may be active at once.
const maxConnections = 50

// fallbackAnnounceInterval is used when a tracker reports an interval
// below minAnnounceInterval (including zero), and after a failed announce.
const fallbackAnnounceInterval = 30 * time.Minute

const minAnnounceInterval = 15 * time.Second

// Supervisor owns the set of live sessions for one torrent download.
type Supervisor struct {
	torrent     *metainfo.Torrent
	store       *piecestore.Store
	trk         *tracker.Tiered
	localPeerID [20]byte
	port        uint16
	log         *logrus.Entry

	mu       sync.Mutex
	sessions map[string]*session.Session
	// attempted holds endpoints currently being dialed or connected, so a
	// single tracker response's peer list isn't dialed twice concurrently.
	// An entry is removed as soon as admit returns (forgetAttempt), so a
	// peer whose dial failed or whose session later closed is eligible
	// again on the next re-announce.
	attempted map[string]struct{}
}

// New builds a Supervisor ready for Run.
func New(t *metainfo.Torrent, store *piecestore.Store, trk *tracker.Tiered, peerID [20]byte, listenPort uint16, log *logrus.Entry) *Supervisor {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Supervisor{
		torrent:     t,
		store:       store,
		trk:         trk,
		localPeerID: peerID,
		port:        listenPort,
		log:         log,
		sessions:    make(map[string]*session.Session),
		attempted:   make(map[string]struct{}),
	}
}

// PeerCount returns the number of currently active sessions.
func (sv *Supervisor) PeerCount() int {
	sv.mu.Lock()
	defer sv.mu.Unlock()
	return len(sv.sessions)
}

// Run announces to the tracker, admits discovered peers, and blocks
// until the download completes or ctx is canceled. It returns nil on
// completion and a non-nil error only for a fatal (spec §7 "io" class)
// storage error.
func (sv *Supervisor) Run(parent context.Context) error {
	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)
	sem := make(chan struct{}, maxConnections)

	g.Go(func() error { return sv.announceLoop(gctx, sem, g) })
	g.Go(func() error { return sv.watchCompletion(gctx, cancel) })

	err := g.Wait()
	sv.closeAll()
	if err != nil && parent.Err() == nil && ctx.Err() != nil {
		// The group was canceled by our own completion watcher, not by
		// a real failure; errgroup still surfaces context.Canceled from
		// whichever goroutine observed it first, so mask that case.
		if err == context.Canceled {
			return nil
		}
	}
	return err
}

func (sv *Supervisor) announceLoop(ctx context.Context, sem chan struct{}, g *errgroup.Group) error {
	interval := sv.doAnnounce(ctx, sem, g, tracker.EventStarted)
	for {
		if interval < minAnnounceInterval {
			interval = fallbackAnnounceInterval
		}
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(interval):
			interval = sv.doAnnounce(ctx, sem, g, tracker.EventNone)
		}
	}
}

func (sv *Supervisor) doAnnounce(ctx context.Context, sem chan struct{}, g *errgroup.Group, event tracker.Event) time.Duration {
	downloaded := sv.torrent.TotalLength - sv.store.BytesRemaining()
	req := tracker.AnnounceRequest{
		InfoHash:   sv.torrent.InfoHash,
		PeerID:     sv.localPeerID,
		Port:       sv.port,
		Downloaded: downloaded,
		Left:       sv.store.BytesRemaining(),
		Event:      event,
		NumWant:    50,
	}
	result, err := sv.trk.Announce(req)
	if err != nil {
		sv.log.WithError(err).Warn("tracker announce failed")
		return 0
	}
	sv.log.WithField("peers", len(result.Peers)).Debug("tracker announce succeeded")

	for _, p := range result.Peers {
		ep := session.Endpoint{IP: p.IP, Port: p.Port}
		key := ep.String()
		sv.mu.Lock()
		_, seen := sv.attempted[key]
		if !seen {
			sv.attempted[key] = struct{}{}
		}
		sv.mu.Unlock()
		if seen {
			continue
		}

		select {
		case sem <- struct{}{}:
		case <-ctx.Done():
			return result.Interval
		}
		g.Go(func() error {
			defer func() { <-sem }()
			return sv.admit(ctx, ep)
		})
	}
	return result.Interval
}

func (sv *Supervisor) admit(ctx context.Context, ep session.Endpoint) error {
	defer sv.forgetAttempt(ep)

	sess, err := session.Dial(ctx, ep, sv.torrent, sv.localPeerID, sv.store, sv.log)
	if err != nil {
		sv.log.WithField("peer", ep).WithError(err).Debug("dial failed")
		return nil
	}
	sv.register(sess)
	defer sv.unregister(sess)

	go sess.Run()

	for {
		select {
		case ev, ok := <-sess.Events():
			if !ok {
				return nil
			}
			switch ev.Kind {
			case session.EventPieceComplete:
				sv.broadcastHave(ev.PieceIndex, sess)
			case session.EventStorageError:
				return fmt.Errorf("swarm: storage error from peer %s: %w", ep, ev.Err)
			}
		case <-ctx.Done():
			sess.Close()
			<-sess.Done()
			return nil
		}
	}
}

func (sv *Supervisor) register(s *session.Session) {
	sv.mu.Lock()
	defer sv.mu.Unlock()
	sv.sessions[s.Endpoint().String()] = s
}

func (sv *Supervisor) unregister(s *session.Session) {
	sv.mu.Lock()
	defer sv.mu.Unlock()
	delete(sv.sessions, s.Endpoint().String())
}

// forgetAttempt clears ep's entry in attempted once admit returns (dial
// failure or session close), so a future tracker re-announce can offer
// it again instead of excluding it for the rest of the process's life.
func (sv *Supervisor) forgetAttempt(ep session.Endpoint) {
	sv.mu.Lock()
	defer sv.mu.Unlock()
	delete(sv.attempted, ep.String())
}

func (sv *Supervisor) broadcastHave(index int, origin *session.Session) {
	sv.mu.Lock()
	peers := make([]*session.Session, 0, len(sv.sessions))
	for _, s := range sv.sessions {
		if s != origin {
			peers = append(peers, s)
		}
	}
	sv.mu.Unlock()

	for _, s := range peers {
		if err := s.SendHave(index); err != nil {
			sv.log.WithField("peer", s.Endpoint()).WithError(err).Debug("have broadcast failed")
		}
	}
}

func (sv *Supervisor) watchCompletion(ctx context.Context, cancel context.CancelFunc) error {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if sv.store.CompletionRatio() >= 1 {
				cancel()
				return nil
			}
		}
	}
}

func (sv *Supervisor) closeAll() {
	sv.mu.Lock()
	defer sv.mu.Unlock()
	for _, s := range sv.sessions {
		s.Close()
	}
}
