package tracker

import (
	"fmt"
	"net/url"

	"github.com/sirupsen/logrus"
)

// Tiered announces across a BEP 12 announce-list: trackers within a tier
// are tried in order until one succeeds, and a tracker that succeeds is
// promoted to the front of its tier for next time. All tiers are tried
// before Announce reports failure.
type Tiered struct {
	tiers [][]Tracker
	log   *logrus.Entry
}

// NewTiered builds trackers for every URL in announceTiers, skipping
// URLs whose scheme this client does not implement (spec's non-goals
// exclude, e.g., websocket trackers) rather than failing outright.
func NewTiered(announceTiers [][]string, log *logrus.Entry) (*Tiered, error) {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	t := &Tiered{log: log}
	for _, urls := range announceTiers {
		var tier []Tracker
		for _, raw := range urls {
			tr, err := newTrackerFor(raw)
			if err != nil {
				log.WithField("url", raw).WithError(err).Debug("skipping unsupported tracker")
				continue
			}
			tier = append(tier, tr)
		}
		if len(tier) > 0 {
			t.tiers = append(t.tiers, tier)
		}
	}
	if len(t.tiers) == 0 {
		return nil, fmt.Errorf("tracker: no usable announce URL")
	}
	return t, nil
}

func newTrackerFor(raw string) (Tracker, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("parse %q: %w", raw, err)
	}
	switch u.Scheme {
	case "http", "https":
		return NewHTTPTracker(raw), nil
	case "udp":
		return NewUDPTracker(raw, u.Host)
	default:
		return nil, fmt.Errorf("unsupported tracker scheme %q", u.Scheme)
	}
}

func (t *Tiered) Announce(req AnnounceRequest) (AnnounceResult, error) {
	var lastErr error
	for _, tier := range t.tiers {
		for i, tr := range tier {
			res, err := tr.Announce(req)
			if err != nil {
				t.log.WithField("tracker", tr.URL()).WithError(err).Debug("announce failed")
				lastErr = err
				continue
			}
			if i != 0 {
				tier[0], tier[i] = tier[i], tier[0]
			}
			return res, nil
		}
	}
	return AnnounceResult{}, fmt.Errorf("tracker: all tiers exhausted: %w", lastErr)
}
