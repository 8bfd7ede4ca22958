// Package mock provides an in-memory radio channel for tests and
// simulations. Every node attached to a Channel hears every frame sent by a
// node it shares a link with, subject to the link's configured loss rate;
// addressee filtering is the receiver's problem, exactly as on air.
package mock

import (
	"context"
	"math/rand"
	"sync"

	"github.com/brambleworks/bramble/radio"
	"github.com/brambleworks/bramble/state"
)

// Link describes one direction of radio visibility between two nodes.
type Link struct {
	Loss float64 // probability a frame is dropped, 0..1
	Rssi int16
	Snr  float32
}

// Channel is a shared simulated medium.
type Channel struct {
	mu    sync.Mutex
	rng   *rand.Rand
	nodes map[state.NodeId]*Radio
	links map[[2]state.NodeId]Link
}

func NewChannel(seed int64) *Channel {
	return &Channel{
		rng:   rand.New(rand.NewSource(seed)),
		nodes: make(map[state.NodeId]*Radio),
		links: make(map[[2]state.NodeId]Link),
	}
}

// AddNode attaches a new radio to the channel.
func (c *Channel) AddNode(id state.NodeId) *Radio {
	c.mu.Lock()
	defer c.mu.Unlock()
	r := &Radio{
		id:     id,
		ch:     c,
		frames: make(chan delivery, 256),
		done:   make(chan struct{}),
	}
	c.nodes[id] = r
	return r
}

// SetLink configures bidirectional visibility between a and b.
func (c *Channel) SetLink(a, b state.NodeId, link Link) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.links[[2]state.NodeId{a, b}] = link
	c.links[[2]state.NodeId{b, a}] = link
}

// CutLink removes visibility in both directions.
func (c *Channel) CutLink(a, b state.NodeId) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.links, [2]state.NodeId{a, b})
	delete(c.links, [2]state.NodeId{b, a})
}

// Silence makes a node stop transmitting without tearing down its links,
// simulating a crashed or powered-down node.
func (c *Channel) Silence(id state.NodeId) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if r, ok := c.nodes[id]; ok {
		r.silenced = true
	}
}

type delivery struct {
	frame   []byte
	quality state.SignalQuality
}

// Radio is one node's attachment to the channel.
type Radio struct {
	id       state.NodeId
	ch       *Channel
	frames   chan delivery
	done     chan struct{}
	silenced bool

	lastMu sync.Mutex
	last   state.SignalQuality
}

var _ radio.Driver = (*Radio)(nil)

func (r *Radio) SendFrame(frame []byte) error {
	c := r.ch
	c.mu.Lock()
	defer c.mu.Unlock()
	if r.silenced {
		return nil // frame vanishes into the ether
	}
	for id, peer := range c.nodes {
		if id == r.id {
			continue
		}
		link, visible := c.links[[2]state.NodeId{r.id, id}]
		if !visible {
			continue
		}
		if c.rng.Float64() < link.Loss {
			continue
		}
		buf := make([]byte, len(frame))
		copy(buf, frame)
		select {
		case peer.frames <- delivery{frame: buf, quality: state.SignalQuality{Rssi: link.Rssi, Snr: link.Snr}}:
		default:
			// receiver buffer overrun, frame lost
		}
	}
	return nil
}

func (r *Radio) ReceiveFrame(ctx context.Context) ([]byte, error) {
	select {
	case d := <-r.frames:
		r.lastMu.Lock()
		r.last = d.quality
		r.lastMu.Unlock()
		return d.frame, nil
	case <-r.done:
		return nil, radio.ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (r *Radio) LastSignalQuality() state.SignalQuality {
	r.lastMu.Lock()
	defer r.lastMu.Unlock()
	return r.last
}

func (r *Radio) MaxFrameSize() int { return 255 }

func (r *Radio) Close() error {
	select {
	case <-r.done:
	default:
		close(r.done)
	}
	return nil
}
