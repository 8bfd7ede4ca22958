package core

import (
	"hash/crc32"
	"time"

	"github.com/brambleworks/bramble/state"
)

// fragment is one radio-frame-sized piece of a transmission.
type fragment struct {
	seq      uint16
	payload  []byte
	checksum uint32

	acked       bool
	retries     int
	sentAt      time.Time
	nextAttempt time.Time // zero means eligible immediately
}

// tx is one queued, not-yet-fully-acknowledged transmission.
type tx struct {
	id          state.TransmissionId
	dest        state.NodeId
	packetType  state.PacketType
	priority    state.Priority
	requiresAck bool

	fragments []*fragment
	remaining int

	queuedAt    time.Time
	lastAttempt time.Time
	finished    bool
}

// fragmentPayload splits a payload into checksummed fragments of at most
// size bytes each.
func fragmentPayload(payload []byte, size int) []*fragment {
	total := (len(payload) + size - 1) / size
	if total == 0 {
		total = 1
	}
	frags := make([]*fragment, 0, total)
	for i := 0; i < total; i++ {
		lo := i * size
		hi := min(lo+size, len(payload))
		chunk := payload[lo:hi]
		frags = append(frags, &fragment{
			seq:      uint16(i),
			payload:  chunk,
			checksum: crc32.ChecksumIEEE(chunk),
		})
	}
	return frags
}

// nextEligible returns the lowest-sequence fragment that wants airtime, or
// nil. Fragments are always offered to the radio in increasing sequence
// order; a fragment that has exhausted its retries is surfaced so the
// caller can fail the transmission.
func (t *tx) nextEligible(now time.Time, maxRetries int) (frag *fragment, exhausted bool) {
	for _, f := range t.fragments {
		if f.acked {
			continue
		}
		if !f.nextAttempt.IsZero() && now.Before(f.nextAttempt) {
			continue
		}
		if !f.sentAt.IsZero() && f.retries >= maxRetries {
			return f, true
		}
		return f, false
	}
	return nil, false
}

// forwardEntry is a relayed frame awaiting airtime. Relays honor the
// original sender's priority but keep no retry state; end-to-end
// acknowledgments drive reliability.
type forwardEntry struct {
	frame    []byte
	priority state.Priority
	queuedAt time.Time
}

// rxKey identifies an inbound transmission at the receiver. Transmission
// ids are only unique per sender, so the origin is part of the key.
type rxKey struct {
	Origin state.NodeId
	TxId   state.TransmissionId
}

// reassembly collects out-of-order fragments at the destination until the
// transmission is complete.
type reassembly struct {
	origin     state.NodeId
	packetType state.PacketType
	total      uint16
	parts      map[uint16][]byte
	firstSeen  time.Time
}

func (r *reassembly) assemble() []byte {
	size := 0
	for _, p := range r.parts {
		size += len(p)
	}
	buf := make([]byte, 0, size)
	for i := uint16(0); i < r.total; i++ {
		buf = append(buf, r.parts[i]...)
	}
	return buf
}

// txStats tracks rolling transport counters. Throughput is measured over a
// sliding window; latency is a running mean of fragment round trips.
type txStats struct {
	sent     uint64
	received uint64
	lost     uint64

	window []statSample

	latencySum   time.Duration
	latencyCount uint64

	// lossRate is a smoothed estimate of recent fragment loss used to
	// stretch retry backoff when the channel is struggling.
	lossRate float64
}

type statSample struct {
	at    time.Time
	bytes int
}

func (st *txStats) recordSend(now time.Time, bytes int) {
	st.sent++
	st.window = append(st.window, statSample{at: now, bytes: bytes})
	st.trim(now)
}

func (st *txStats) recordAck(rtt time.Duration) {
	st.latencySum += rtt
	st.latencyCount++
	st.lossRate *= 0.9
}

func (st *txStats) recordLoss() {
	st.lost++
	st.lossRate = st.lossRate*0.9 + 0.1
}

func (st *txStats) trim(now time.Time) {
	cutoff := now.Add(-state.StatsWindow)
	i := 0
	for ; i < len(st.window); i++ {
		if st.window[i].at.After(cutoff) {
			break
		}
	}
	st.window = st.window[i:]
}

func (st *txStats) throughput(now time.Time) float64 {
	st.trim(now)
	if len(st.window) == 0 {
		return 0
	}
	bytes := 0
	for _, s := range st.window {
		bytes += s.bytes
	}
	return float64(bytes) / state.StatsWindow.Seconds()
}

func (st *txStats) avgLatency() time.Duration {
	if st.latencyCount == 0 {
		return 0
	}
	return st.latencySum / time.Duration(st.latencyCount)
}
