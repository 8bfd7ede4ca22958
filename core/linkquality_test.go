package core

import (
	"fmt"
	"testing"
	"time"

	"github.com/brambleworks/bramble/state"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReportReceptionCreatesNeighbor(t *testing.T) {
	s := newTestState(t, 1)
	lt := &LinkTracker{}

	n := lt.ReportReception(s, 2, state.SignalQuality{Rssi: -80, Snr: 6.5})
	require.NotNil(t, n)
	assert.Equal(t, state.NodeId(2), n.Id)
	assert.Equal(t, state.InitialReliability, n.Reliability)
	assert.Equal(t, int16(-80), n.Rssi)
	assert.Equal(t, float32(6.5), n.Snr)
	assert.Len(t, s.Neighbors, 1)
}

func TestReliabilityConvergesUp(t *testing.T) {
	s := newTestState(t, 1)
	lt := &LinkTracker{}

	lt.ReportReception(s, 2, state.SignalQuality{})
	prev := lt.Reliability(s, 2)
	for i := 0; i < 20; i++ {
		n := lt.ReportReception(s, 2, state.SignalQuality{})
		assert.Greater(t, n.Reliability, prev)
		prev = n.Reliability
	}
	// twenty on-time receptions should push us well past the initial score
	assert.Greater(t, prev, 0.95)
	assert.LessOrEqual(t, prev, 1.0)
}

func TestMissedCadenceDegradesReliability(t *testing.T) {
	s := newTestState(t, 1)
	lt := &LinkTracker{}

	n := lt.ReportReception(s, 2, state.SignalQuality{})
	for i := 0; i < 10; i++ {
		lt.ReportReception(s, 2, state.SignalQuality{})
	}
	strong := n.Reliability

	// simulate a long silence before the next reception
	n.LastSeen = time.Now().Add(-3 * state.HeartbeatDelay)
	lt.ReportReception(s, 2, state.SignalQuality{})
	assert.Less(t, n.Reliability, strong)

	// exact single-step EWMA with the missed-cadence outcome
	want := strong*(1-state.ReliabilityAlpha) + state.MissedCadenceScore*state.ReliabilityAlpha
	assert.InDelta(t, want, n.Reliability, 1e-9)
}

func TestReliabilityUnknownNeighbor(t *testing.T) {
	s := newTestState(t, 1)
	lt := &LinkTracker{}
	assert.Equal(t, 0.0, lt.Reliability(s, 99))
}

func TestPruneStale(t *testing.T) {
	s := newTestState(t, 1)
	lt := &LinkTracker{}
	now := time.Now()

	lt.ReportReception(s, 2, state.SignalQuality{})
	lt.ReportReception(s, 3, state.SignalQuality{})
	s.GetNeighbor(3).LastSeen = now.Add(-2 * state.NeighborStaleTime)

	lt.PruneStale(s, now, state.NeighborStaleTime)
	assert.Len(t, s.Neighbors, 1)
	assert.Nil(t, s.GetNeighbor(3))
	assert.NotNil(t, s.GetNeighbor(2))
}

func TestNeighborTableBounded(t *testing.T) {
	s := newTestState(t, 1)
	lt := &LinkTracker{}

	for i := 0; i < state.MaxNeighbors; i++ {
		lt.ReportReception(s, state.NodeId(100+i), state.SignalQuality{})
	}
	require.Len(t, s.Neighbors, state.MaxNeighbors)

	// drag one neighbor's score down so it becomes the eviction victim
	weak := s.GetNeighbor(100)
	weak.Reliability = 0.01

	lt.ReportReception(s, 999, state.SignalQuality{})
	assert.Len(t, s.Neighbors, state.MaxNeighbors)
	assert.Nil(t, s.GetNeighbor(100), fmt.Sprintf("weakest neighbor should be evicted, table: %v", s.Neighbors))
	assert.NotNil(t, s.GetNeighbor(999))
}
