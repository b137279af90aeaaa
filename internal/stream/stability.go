package stream

import (
	"sort"
	"time"

	"github.com/mavrotechnologies/sermon-flow-app-sub000/pkg/scripture"
	"github.com/mavrotechnologies/sermon-flow-app-sub000/pkg/types"
)

// DefaultStabilityThreshold is how long a candidate must persist before it
// is promoted.
const DefaultStabilityThreshold = 300 * time.Millisecond

type pending struct {
	cand      types.Candidate
	firstSeen time.Time
	lastSeen  time.Time
	interim   bool
}

// Stability holds pending candidates keyed by reference until they have
// been observed for at least the threshold. It is not safe for concurrent
// use; the owning session serialises access.
type Stability struct {
	threshold time.Duration
	entries   map[scripture.Key]*pending
}

// NewStability returns an empty tracker. A non-positive threshold selects
// [DefaultStabilityThreshold].
func NewStability(threshold time.Duration) *Stability {
	if threshold <= 0 {
		threshold = DefaultStabilityThreshold
	}
	return &Stability{
		threshold: threshold,
		entries:   make(map[scripture.Key]*pending),
	}
}

// Threshold returns the promotion threshold.
func (s *Stability) Threshold() time.Duration { return s.threshold }

// SetThreshold changes the threshold for subsequent promotions.
func (s *Stability) SetThreshold(d time.Duration) {
	if d > 0 {
		s.threshold = d
	}
}

// Observe records one update's candidates at now. Entries last seen only in
// an interim update that this update does not repeat are dropped, since the
// recogniser has revised that text. A repeated key keeps its first-seen time
// and takes the stronger of the two candidates.
func (s *Stability) Observe(cands []types.Candidate, now time.Time, interim bool) {
	seen := make(map[scripture.Key]bool, len(cands))
	for _, c := range cands {
		seen[c.Key()] = true
	}
	for k, e := range s.entries {
		if e.interim && !seen[k] {
			delete(s.entries, k)
		}
	}
	for _, c := range cands {
		k := c.Key()
		e, ok := s.entries[k]
		if !ok {
			s.entries[k] = &pending{cand: c, firstSeen: now, lastSeen: now, interim: interim}
			continue
		}
		if stronger(c, e.cand) {
			e.cand = c
		}
		e.lastSeen = now
		e.interim = interim
	}
}

// Promote removes and returns every candidate whose stable duration has
// reached the threshold, oldest first. FirstSeenAt and StableFor are filled.
func (s *Stability) Promote(now time.Time) []types.Candidate {
	var out []types.Candidate
	for k, e := range s.entries {
		stable := now.Sub(e.firstSeen)
		if stable < s.threshold {
			continue
		}
		c := e.cand
		c.FirstSeenAt = e.firstSeen
		c.StableFor = stable
		out = append(out, c)
		delete(s.entries, k)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].FirstSeenAt.Equal(out[j].FirstSeenAt) {
			return out[i].FirstSeenAt.Before(out[j].FirstSeenAt)
		}
		return out[i].Key().String() < out[j].Key().String()
	})
	return out
}

// Prune drops entries not observed within maxAge of now and returns how
// many were removed.
func (s *Stability) Prune(now time.Time, maxAge time.Duration) int {
	n := 0
	for k, e := range s.entries {
		if now.Sub(e.lastSeen) > maxAge {
			delete(s.entries, k)
			n++
		}
	}
	return n
}

// Remove drops the entry for k if present.
func (s *Stability) Remove(k scripture.Key) {
	delete(s.entries, k)
}

// NextDeadline returns the earliest time at which some entry becomes
// promotable.
func (s *Stability) NextDeadline() (time.Time, bool) {
	var (
		best  time.Time
		found bool
	)
	for _, e := range s.entries {
		d := e.firstSeen.Add(s.threshold)
		if !found || d.Before(best) {
			best, found = d, true
		}
	}
	return best, found
}

// Pending returns a copy of every pending candidate with StableFor computed
// at now.
func (s *Stability) Pending(now time.Time) []types.Candidate {
	out := make([]types.Candidate, 0, len(s.entries))
	for _, e := range s.entries {
		c := e.cand
		c.FirstSeenAt = e.firstSeen
		c.StableFor = now.Sub(e.firstSeen)
		out = append(out, c)
	}
	return out
}

// Len returns the number of pending entries.
func (s *Stability) Len() int { return len(s.entries) }

// Reset drops every entry.
func (s *Stability) Reset() { clear(s.entries) }

func stronger(a, b types.Candidate) bool {
	if a.Source.Priority() != b.Source.Priority() {
		return a.Source.Priority() > b.Source.Priority()
	}
	return a.Confidence.Score > b.Confidence.Score
}
