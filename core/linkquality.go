package core

import (
	"slices"
	"time"

	"github.com/brambleworks/bramble/state"
)

// LinkTracker maintains per-neighbor signal statistics from observed radio
// receptions. It is the sole owner of s.Neighbors; the router and transport
// read neighbor records but never mutate them.
type LinkTracker struct{}

func (t *LinkTracker) Init(s *state.State) error {
	return nil
}

func (t *LinkTracker) Cleanup(s *state.State) error {
	return nil
}

// ReportReception records a frame heard from node and folds the reception
// into the neighbor's smoothed reliability score. The outcome is 1.0 when
// the reception arrived within the expected heartbeat cadence and a
// configured lower score otherwise, so a neighbor that only checks in
// sporadically decays toward unreliable.
func (t *LinkTracker) ReportReception(s *state.State, node state.NodeId, q state.SignalQuality) *state.Neighbor {
	now := time.Now()
	n := s.GetNeighbor(node)
	if n == nil {
		if len(s.Neighbors) >= state.MaxNeighbors {
			t.evictWeakest(s)
		}
		n = &state.Neighbor{
			Id:          node,
			Reliability: state.InitialReliability,
			HopCount:    1,
		}
		s.Neighbors = append(s.Neighbors, n)
		s.Log.Debug("new neighbor", "node", node, "rssi", q.Rssi, "snr", q.Snr)
	} else {
		outcome := 1.0
		if now.Sub(n.LastSeen) > 2*state.HeartbeatDelay {
			outcome = state.MissedCadenceScore
		}
		n.Reliability = n.Reliability*(1-state.ReliabilityAlpha) + outcome*state.ReliabilityAlpha
	}
	n.LastSeen = now
	n.Rssi = q.Rssi
	n.Snr = q.Snr
	return n
}

// Reliability returns the current score for a neighbor, or zero for a node
// we have never heard.
func (t *LinkTracker) Reliability(s *state.State, node state.NodeId) float64 {
	if n := s.GetNeighbor(node); n != nil {
		return n.Reliability
	}
	return 0
}

// PruneStale drops neighbors not heard from within the timeout. Routes
// through a pruned neighbor are invalidated lazily on next use.
func (t *LinkTracker) PruneStale(s *state.State, now time.Time, timeout time.Duration) {
	n := 0
	for _, neigh := range s.Neighbors {
		if now.Sub(neigh.LastSeen) <= timeout {
			s.Neighbors[n] = neigh
			n++
		} else {
			s.Log.Debug("pruned stale neighbor", "node", neigh.Id, "last_seen", neigh.LastSeen)
		}
	}
	s.Neighbors = s.Neighbors[:n]
}

// evictWeakest makes room in the bounded table by dropping the neighbor
// with the lowest reliability, oldest first on ties.
func (t *LinkTracker) evictWeakest(s *state.State) {
	if len(s.Neighbors) == 0 {
		return
	}
	idx := 0
	for i, n := range s.Neighbors {
		w := s.Neighbors[idx]
		if n.Reliability < w.Reliability ||
			(n.Reliability == w.Reliability && n.LastSeen.Before(w.LastSeen)) {
			idx = i
		}
	}
	s.Log.Debug("neighbor table full, evicting", "node", s.Neighbors[idx].Id)
	s.Neighbors = slices.Delete(s.Neighbors, idx, idx+1)
}
