package core

import (
	"context"
	"errors"
	"net"

	"github.com/brambleworks/bramble/protocol"
	"github.com/brambleworks/bramble/radio"
	"github.com/brambleworks/bramble/state"
)

// Bramble owns the radio driver: it pumps received frames onto the control
// loop and is the single path by which other modules reach the air. The
// radio is half-duplex, and because every send and every receive dispatch
// runs on the one control loop, access is already serialized.
type Bramble struct {
	*state.State
	Driver radio.Driver
	ctl    net.Listener
}

func (b *Bramble) Init(s *state.State) error {
	b.State = s
	go b.readLoop(s)
	if s.CtlSocket != "" {
		if err := b.startCtl(s); err != nil {
			return err
		}
	}
	return nil
}

func (b *Bramble) Cleanup(s *state.State) error {
	b.stopCtl()
	return b.Driver.Close()
}

// SendFrame hands one frame to the radio. Send failures are transient by
// definition here; reliability is the transport scheduler's job.
func (b *Bramble) SendFrame(frame []byte) {
	if err := b.Driver.SendFrame(frame); err != nil {
		b.Env.Log.Debug("radio send failed", "bytes", len(frame), "error", err)
	}
}

func (b *Bramble) LastSignalQuality() state.SignalQuality {
	return b.Driver.LastSignalQuality()
}

func (b *Bramble) readLoop(s *state.State) {
	for {
		frame, err := b.Driver.ReceiveFrame(s.Context)
		if err != nil {
			if errors.Is(err, radio.ErrClosed) || errors.Is(err, context.Canceled) || s.Context.Err() != nil {
				return
			}
			s.Log.Debug("radio receive failed", "error", err)
			continue
		}
		quality := b.Driver.LastSignalQuality()
		s.Dispatch(func(s *state.State) error {
			b.handleFrame(s, frame, quality)
			return nil
		})
	}
}

func (b *Bramble) handleFrame(s *state.State, frame []byte, q state.SignalQuality) {
	h, err := protocol.ParseHeader(frame)
	if err != nil {
		s.Log.Debug("dropping malformed frame", "bytes", len(frame), "error", err)
		return
	}
	if h.Src == s.Id {
		return // our own transmission echoed back
	}

	// every reception is signal, even frames addressed elsewhere
	Get[*LinkTracker](s).ReportReception(s, h.Src, q)

	if h.Dst != s.Id && h.Dst != state.Broadcast {
		return // overheard traffic for another node
	}

	body := protocol.Body(frame)
	switch h.Type {
	case protocol.TypeHello:
		hello, err := protocol.UnmarshalHello(body)
		if err == nil {
			Get[*Mesh](s).HandleHello(s, h.Src, hello)
		}
	case protocol.TypeRouteRequest:
		req, err := protocol.UnmarshalRouteRequest(body)
		if err == nil {
			Get[*Router](s).HandleRouteRequest(s, h, req)
		}
	case protocol.TypeRouteReply:
		rep, err := protocol.UnmarshalRouteReply(body)
		if err == nil {
			Get[*Router](s).HandleRouteReply(s, h, rep)
		}
	case protocol.TypeData:
		d, err := protocol.UnmarshalData(body)
		if err == nil {
			Get[*Transport](s).HandleData(s, h, d, q)
		}
	case protocol.TypeAck:
		ack, err := protocol.UnmarshalAck(body)
		if err == nil {
			Get[*Transport](s).HandleAck(s, h, ack)
		}
	}
}
