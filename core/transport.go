package core

import (
	"errors"
	"fmt"
	"hash/crc32"
	"math"
	"time"

	"github.com/brambleworks/bramble/protocol"
	"github.com/brambleworks/bramble/state"
	"github.com/jellydator/ttlcache/v3"
)

var (
	// ErrQueueFull and ErrPayloadTooLarge are resource-exhaustion errors,
	// rejected synchronously at the call that caused them.
	ErrQueueFull       = errors.New("transmission queue full")
	ErrPayloadTooLarge = errors.New("payload exceeds maximum transmission size")

	// ErrRetriesExhausted, ErrExpired and ErrCancelled are terminal
	// transmission outcomes, reported exactly once per transmission.
	ErrRetriesExhausted = errors.New("retries exhausted")
	ErrExpired          = errors.New("transmission expired in queue")
	ErrCancelled        = errors.New("transmission cancelled")
)

// Delivery is a fully reassembled inbound transmission handed to the
// application layer. The transport never interprets Payload.
type Delivery struct {
	Origin     state.NodeId
	PacketType state.PacketType
	Payload    []byte
}

// FrameSender hands a marshalled frame to the radio.
type FrameSender interface {
	SendFrame(frame []byte)
}

// NextHopResolver resolves the next hop for a destination, kicking off
// discovery on a miss.
type NextHopResolver interface {
	NextHop(s *state.State, dest state.NodeId) (state.NodeId, error)
}

// Transport is the reliable transport scheduler: it fragments outbound
// payloads, schedules them under bandwidth and burst budgets, retransmits
// with backoff until acknowledged, and reassembles inbound transmissions.
type Transport struct {
	*state.State
	cfg state.TransportCfg

	txs    []*tx // pending transmissions, bounded by cfg.QueueCapacity
	byId   map[state.TransmissionId]*tx
	nextId state.TransmissionId

	forwards []forwardEntry

	// token bucket plus a minimum inter-packet gap keep one chatty node
	// from flooding the shared channel
	tokens     float64
	lastRefill time.Time
	lastSend   time.Time

	reasm     map[rxKey]*reassembly
	completed *ttlcache.Cache[rxKey, struct{}]

	stats txStats

	// Notify reports the single terminal outcome of a transmission; err is
	// nil on success. OnDeliver receives reassembled inbound payloads.
	// Both run on the control loop.
	Notify    func(s *state.State, id state.TransmissionId, err error)
	OnDeliver func(s *state.State, d Delivery)

	sender  FrameSender
	resolve NextHopResolver
}

func (t *Transport) Init(s *state.State) error {
	t.State = s
	t.cfg = s.TransportCfg
	t.byId = make(map[state.TransmissionId]*tx)
	t.reasm = make(map[rxKey]*reassembly)
	t.completed = ttlcache.New[rxKey, struct{}](
		ttlcache.WithTTL[rxKey, struct{}](state.CompletedTxTTL),
		ttlcache.WithDisableTouchOnHit[rxKey, struct{}](),
	)
	t.tokens = float64(t.cfg.BurstSize)
	t.lastRefill = time.Now()
	if t.sender == nil {
		t.sender = Get[*Bramble](s)
	}
	if t.resolve == nil {
		t.resolve = Get[*Router](s)
	}
	if t.Notify == nil {
		t.Notify = func(s *state.State, id state.TransmissionId, err error) {
			if err != nil {
				s.Log.Warn("transmission failed", "tx", id, "error", err)
			} else {
				s.Log.Debug("transmission delivered", "tx", id)
			}
		}
	}
	if t.OnDeliver == nil {
		t.OnDeliver = func(s *state.State, d Delivery) {
			s.Log.Info("payload delivered", "origin", d.Origin, "type", d.PacketType, "bytes", len(d.Payload))
		}
	}
	s.RepeatTask(func(s *state.State) error {
		t.Tick(s, time.Now())
		return nil
	}, state.TickDelay)
	return nil
}

func (t *Transport) Cleanup(s *state.State) error {
	return nil
}

// Transmit validates, fragments and enqueues one logical transmission.
// Resource exhaustion fails fast: nothing is enqueued on error.
func (t *Transport) Transmit(s *state.State, dest state.NodeId, packetType state.PacketType, payload []byte, priority state.Priority, requiresAck bool) (state.TransmissionId, error) {
	if len(payload) > t.cfg.MaxPayload {
		return 0, fmt.Errorf("%w: %d > %d bytes", ErrPayloadTooLarge, len(payload), t.cfg.MaxPayload)
	}
	fragSize := min(t.cfg.FragmentSize, protocol.MaxDataPayload)
	if len(payload) > fragSize*math.MaxUint16 {
		return 0, fmt.Errorf("%w: %d bytes needs too many fragments", ErrPayloadTooLarge, len(payload))
	}
	if len(t.txs) >= t.cfg.QueueCapacity {
		return 0, ErrQueueFull
	}
	t.nextId++
	frags := fragmentPayload(payload, fragSize)
	q := &tx{
		id:          t.nextId,
		dest:        dest,
		packetType:  packetType,
		priority:    priority,
		requiresAck: requiresAck,
		fragments:   frags,
		remaining:   len(frags),
		queuedAt:    time.Now(),
	}
	t.txs = append(t.txs, q)
	t.byId[q.id] = q
	s.Log.Debug("queued transmission", "tx", q.id, "dest", dest, "type", packetType,
		"priority", priority, "fragments", len(frags), "bytes", len(payload))
	return q.id, nil
}

// Cancel removes a transmission from the queue. Not-yet-sent fragments are
// dropped; fragments already on the air are left to be acknowledged (and
// ignored) or to vanish. Best effort, not a refund of airtime spent.
func (t *Transport) Cancel(s *state.State, id state.TransmissionId) bool {
	q, ok := t.byId[id]
	if !ok {
		return false
	}
	t.finish(s, q, ErrCancelled)
	return true
}

// Tick is the scheduler's single entry point, run at a fixed cadence on the
// control loop. It never blocks: anything awaited is timestamped state
// re-evaluated on the next call.
func (t *Transport) Tick(s *state.State, now time.Time) {
	t.expire(s, now)
	t.refill(now)

	for {
		c := t.nextCandidate(s, now)
		if c == nil {
			return
		}
		if !t.canTransmitNow(now, len(c.frame)) {
			return // budget exhausted; nothing was committed
		}
		c.commit()
		t.sender.SendFrame(c.frame)
		t.tokens -= float64(len(c.frame))
		t.lastSend = now
		t.stats.recordSend(now, len(c.frame))
	}
}

// canTransmitNow is true only when the token budget covers the frame and
// the minimum inter-packet spacing has elapsed.
func (t *Transport) canTransmitNow(now time.Time, frameLen int) bool {
	if t.tokens < float64(frameLen) {
		return false
	}
	if !t.lastSend.IsZero() && now.Sub(t.lastSend) < t.cfg.MinPacketGap {
		return false
	}
	return true
}

func (t *Transport) refill(now time.Time) {
	dt := now.Sub(t.lastRefill).Seconds()
	if dt <= 0 {
		return
	}
	t.tokens = min(t.tokens+dt*float64(t.cfg.RateLimit), float64(t.cfg.BurstSize))
	t.lastRefill = now
}

// candidate is a frame picked for transmission whose bookkeeping has not
// happened yet; commit runs only once the frame is actually sent.
type candidate struct {
	frame  []byte
	commit func()
}

// nextCandidate selects the next frame owed airtime: the highest-priority
// eligible fragment or relayed frame, oldest first within a priority.
func (t *Transport) nextCandidate(s *state.State, now time.Time) *candidate {
	for {
		bestTx, bestFrag := t.pickFragment(s, now)
		fwdIdx := t.pickForward()

		useFwd := fwdIdx >= 0
		if useFwd && bestTx != nil {
			fw := t.forwards[fwdIdx]
			if bestTx.priority > fw.priority ||
				(bestTx.priority == fw.priority && bestTx.queuedAt.Before(fw.queuedAt)) {
				useFwd = false
			}
		}
		if useFwd {
			fw := t.forwards[fwdIdx]
			return &candidate{
				frame: fw.frame,
				commit: func() {
					t.forwards = append(t.forwards[:fwdIdx], t.forwards[fwdIdx+1:]...)
				},
			}
		}
		if bestTx == nil {
			return nil
		}

		nh, err := t.resolve.NextHop(s, bestTx.dest)
		if err != nil {
			// topology failure is transient: defer the fragment and let
			// discovery run its course
			bestFrag.nextAttempt = now.Add(state.NoRouteRetryDelay)
			continue
		}
		d := &protocol.Data{
			Origin:      s.Id,
			Dest:        bestTx.dest,
			TxId:        bestTx.id,
			Seq:         bestFrag.seq,
			Total:       uint16(len(bestTx.fragments)),
			PacketType:  bestTx.packetType,
			Priority:    bestTx.priority,
			RequiresAck: bestTx.requiresAck,
			Checksum:    bestFrag.checksum,
			Payload:     bestFrag.payload,
		}
		frame, err := d.Marshal(s.Id, nh)
		if err != nil {
			t.finish(s, bestTx, err)
			continue
		}
		q, frag := bestTx, bestFrag
		return &candidate{
			frame: frame,
			commit: func() {
				if frag.sentAt.IsZero() {
					frag.sentAt = now
				} else {
					frag.retries++
					t.stats.recordLoss()
					s.Log.Debug("retransmitting fragment", "tx", q.id, "seq", frag.seq, "retry", frag.retries)
				}
				q.lastAttempt = now
				if q.requiresAck {
					frag.nextAttempt = now.Add(t.retryDelay(frag.retries))
				} else {
					// fire and forget
					t.markAcked(s, q, frag, 0)
				}
			},
		}
	}
}

func (t *Transport) pickFragment(s *state.State, now time.Time) (*tx, *fragment) {
	var bestTx *tx
	var bestFrag *fragment
	for _, q := range t.txs {
		frag, exhausted := q.nextEligible(now, t.cfg.MaxRetries)
		if frag == nil {
			continue
		}
		if exhausted {
			t.stats.recordLoss()
			t.finish(s, q, fmt.Errorf("%w: fragment %d after %d retries", ErrRetriesExhausted, frag.seq, frag.retries))
			return t.pickFragment(s, now) // queue changed, rescan
		}
		if bestTx == nil || q.priority > bestTx.priority ||
			(q.priority == bestTx.priority && q.queuedAt.Before(bestTx.queuedAt)) {
			bestTx = q
			bestFrag = frag
		}
	}
	return bestTx, bestFrag
}

func (t *Transport) pickForward() int {
	best := -1
	for i, fw := range t.forwards {
		if best == -1 || fw.priority > t.forwards[best].priority ||
			(fw.priority == t.forwards[best].priority && fw.queuedAt.Before(t.forwards[best].queuedAt)) {
			best = i
		}
	}
	return best
}

// retryDelay implements exponential backoff with an adaptive stretch: when
// the recent fragment-loss rate is high, waiting longer is cheaper than
// shouting into a storm.
func (t *Transport) retryDelay(retries int) time.Duration {
	backoff := time.Duration(float64(t.cfg.BackoffBase) * math.Pow(t.cfg.BackoffMultiplier, float64(retries)))
	if backoff > t.cfg.BackoffMax {
		backoff = t.cfg.BackoffMax
	}
	backoff = time.Duration(float64(backoff) * (1 + t.stats.lossRate*2))
	return t.cfg.AckTimeout + backoff
}

func (t *Transport) expire(s *state.State, now time.Time) {
	for _, q := range t.txs {
		if now.Sub(q.queuedAt) > t.cfg.TxExpiry {
			t.finish(s, q, ErrExpired)
		}
	}
	for key, r := range t.reasm {
		if now.Sub(r.firstSeen) > state.ReassemblyExpiry {
			delete(t.reasm, key)
			s.Log.Debug("abandoned partial reassembly", "tx", key.TxId, "origin", key.Origin)
		}
	}
}

// finish reports the terminal outcome of a transmission exactly once and
// releases its resources.
func (t *Transport) finish(s *state.State, q *tx, err error) {
	if q.finished {
		return
	}
	q.finished = true
	delete(t.byId, q.id)
	for i, other := range t.txs {
		if other == q {
			t.txs = append(t.txs[:i], t.txs[i+1:]...)
			break
		}
	}
	t.Notify(s, q.id, err)
}

// HandleAck marks the named fragment delivered. Duplicate acknowledgments
// for a fragment already marked, or for a transmission no longer tracked,
// have no effect.
func (t *Transport) HandleAck(s *state.State, h protocol.Header, ack *protocol.Ack) {
	if ack.Origin != s.Id {
		t.forwardAck(s, h, ack)
		return
	}
	q, ok := t.byId[ack.TxId]
	if !ok {
		return // finished, cancelled, or never ours
	}
	if int(ack.Seq) >= len(q.fragments) {
		return // out-of-range sequence number, discard
	}
	frag := q.fragments[ack.Seq]
	if frag.acked {
		return // idempotent
	}
	var rtt time.Duration
	if !frag.sentAt.IsZero() {
		rtt = time.Since(frag.sentAt)
	}
	t.markAcked(s, q, frag, rtt)
}

func (t *Transport) markAcked(s *state.State, q *tx, frag *fragment, rtt time.Duration) {
	frag.acked = true
	frag.payload = nil
	q.remaining--
	if rtt > 0 {
		t.stats.recordAck(rtt)
	}
	if q.remaining == 0 {
		t.finish(s, q, nil)
	}
}

// HandleData processes an inbound fragment: deliver locally when we are the
// destination, otherwise relay it toward its next hop. q is the signal
// quality measured on the frame that carried the fragment.
func (t *Transport) HandleData(s *state.State, h protocol.Header, d *protocol.Data, q state.SignalQuality) {
	t.stats.received++
	if d.Dest != s.Id {
		t.forwardData(s, h, d)
		return
	}
	if crc32.ChecksumIEEE(d.Payload) != d.Checksum {
		// corrupted on the air; the sender's ack timeout covers this
		s.Log.Debug("checksum mismatch, fragment discarded", "tx", d.TxId, "seq", d.Seq, "from", d.Origin)
		return
	}
	if d.Seq >= d.Total || d.Total == 0 {
		s.Log.Debug("out-of-range fragment discarded", "tx", d.TxId, "seq", d.Seq, "total", d.Total)
		return
	}
	// senders number transmissions independently, so identity is
	// (origin, txId), never txId alone
	key := rxKey{Origin: d.Origin, TxId: d.TxId}
	if t.completed.Get(key) != nil {
		// already delivered; re-ack so the sender can finish
		t.sendAck(s, h, d, q)
		return
	}

	r, ok := t.reasm[key]
	if !ok {
		r = &reassembly{
			origin:     d.Origin,
			packetType: d.PacketType,
			total:      d.Total,
			parts:      make(map[uint16][]byte),
			firstSeen:  time.Now(),
		}
		t.reasm[key] = r
	}
	if d.Total != r.total || d.Seq >= r.total {
		s.Log.Debug("fragment disagrees with transmission shape, discarded",
			"tx", d.TxId, "origin", d.Origin, "seq", d.Seq, "total", d.Total)
		return
	}
	if _, dup := r.parts[d.Seq]; !dup {
		buf := make([]byte, len(d.Payload))
		copy(buf, d.Payload)
		r.parts[d.Seq] = buf
	}
	t.sendAck(s, h, d, q)

	if uint16(len(r.parts)) == r.total {
		payload := r.assemble()
		delete(t.reasm, key)
		t.completed.Set(key, struct{}{}, ttlcache.DefaultTTL)
		s.Log.Debug("transmission reassembled", "tx", d.TxId, "origin", r.origin, "bytes", len(payload))
		t.OnDeliver(s, Delivery{Origin: r.origin, PacketType: r.packetType, Payload: payload})
	}
}

func (t *Transport) sendAck(s *state.State, h protocol.Header, d *protocol.Data, q state.SignalQuality) {
	if !d.RequiresAck {
		return
	}
	ack := &protocol.Ack{
		Origin:   d.Origin,
		Receiver: s.Id,
		TxId:     d.TxId,
		Seq:      d.Seq,
		Rssi:     q.Rssi,
	}
	nh, err := t.resolve.NextHop(s, d.Origin)
	if err != nil {
		// no cached route back; the relay that delivered the fragment is one
		nh = h.Src
	}
	t.sender.SendFrame(ack.Marshal(s.Id, nh))
}

func (t *Transport) forwardData(s *state.State, h protocol.Header, d *protocol.Data) {
	if h.Hops+1 >= state.DiscoveryMaxHops {
		s.Log.Debug("dropping relayed fragment, hop limit", "dest", d.Dest, "tx", d.TxId)
		return
	}
	nh, err := t.resolve.NextHop(s, d.Dest)
	if err != nil {
		s.Log.Debug("dropping relayed fragment, no route", "dest", d.Dest, "tx", d.TxId)
		return
	}
	frame, err := d.Marshal(s.Id, nh)
	if err != nil {
		return
	}
	protocol.SetHops(frame, h.Hops+1)
	t.forwards = append(t.forwards, forwardEntry{
		frame:    frame,
		priority: d.Priority,
		queuedAt: time.Now(),
	})
}

func (t *Transport) forwardAck(s *state.State, h protocol.Header, ack *protocol.Ack) {
	if h.Hops+1 >= state.DiscoveryMaxHops {
		return // wandered too far, likely a routing loop
	}
	nh, err := t.resolve.NextHop(s, ack.Origin)
	if err != nil {
		nh = h.Src
		if nh == s.Id {
			return
		}
	}
	// acks are tiny and gate the sender's whole pipeline; relay immediately
	frame := ack.Marshal(s.Id, nh)
	protocol.SetHops(frame, h.Hops+1)
	t.sender.SendFrame(frame)
}

// QueueDepth reports pending transmissions, for status snapshots.
func (t *Transport) QueueDepth() int {
	return len(t.txs)
}

// Stats exposes the rolling transport counters.
func (t *Transport) Stats(now time.Time) (sent, received, lost uint64, throughput float64, avgLatency time.Duration) {
	return t.stats.sent, t.stats.received, t.stats.lost, t.stats.throughput(now), t.stats.avgLatency()
}
