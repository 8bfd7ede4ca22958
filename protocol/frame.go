// Package protocol implements the compact binary wire format used on the
// radio channel. Frames must fit within a single radio transmission, which
// is typically under 256 bytes, so every field is hand-packed big-endian
// rather than run through a generic serializer.
package protocol

import (
	"encoding/binary"
	"fmt"

	"github.com/brambleworks/bramble/state"
)

const (
	Version = 1

	// HeaderSize is Ver|Type(1) + Src(2) + Dst(2) + Hops(1) + Flags(1)
	HeaderSize   = 7
	MaxFrameSize = 255
)

type FrameType uint8

const (
	TypeHello FrameType = iota + 1
	TypeRouteRequest
	TypeRouteReply
	TypeData
	TypeAck
)

func (t FrameType) String() string {
	switch t {
	case TypeHello:
		return "HELLO"
	case TypeRouteRequest:
		return "RREQ"
	case TypeRouteReply:
		return "RREP"
	case TypeData:
		return "DATA"
	case TypeAck:
		return "ACK"
	}
	return "UNKNOWN"
}

// Header prefixes every frame. Src is the transmitting node and Dst the
// immediate addressee (possibly Broadcast); end-to-end addressing lives in
// the individual bodies.
type Header struct {
	Type  FrameType
	Src   state.NodeId
	Dst   state.NodeId
	Hops  uint8
	Flags uint8
}

func (h *Header) marshal(buf []byte) {
	buf[0] = Version<<4 | uint8(h.Type)
	binary.BigEndian.PutUint16(buf[1:3], uint16(h.Src))
	binary.BigEndian.PutUint16(buf[3:5], uint16(h.Dst))
	buf[5] = h.Hops
	buf[6] = h.Flags
}

// ParseHeader decodes and validates the fixed frame prefix.
func ParseHeader(frame []byte) (Header, error) {
	if len(frame) < HeaderSize {
		return Header{}, fmt.Errorf("frame too short: %d bytes", len(frame))
	}
	if v := frame[0] >> 4; v != Version {
		return Header{}, fmt.Errorf("unsupported protocol version %d", v)
	}
	h := Header{
		Type:  FrameType(frame[0] & 0x0f),
		Src:   state.NodeId(binary.BigEndian.Uint16(frame[1:3])),
		Dst:   state.NodeId(binary.BigEndian.Uint16(frame[3:5])),
		Hops:  frame[5],
		Flags: frame[6],
	}
	if h.Type < TypeHello || h.Type > TypeAck {
		return Header{}, fmt.Errorf("unknown frame type %d", frame[0]&0x0f)
	}
	return h, nil
}

// Hello is the periodic neighbor advertisement and heartbeat. Coordinator
// is only meaningful when HasCoordinator is set.
type Hello struct {
	Role           state.Role
	Coordinator    state.NodeId
	HasCoordinator bool
	Neighbors      uint8
}

const helloSize = 4

func (m *Hello) Marshal(src state.NodeId) []byte {
	buf := make([]byte, HeaderSize+helloSize)
	h := Header{Type: TypeHello, Src: src, Dst: state.Broadcast}
	h.marshal(buf)
	buf[HeaderSize] = uint8(m.Role)
	if m.HasCoordinator {
		buf[HeaderSize] |= 0x80
	}
	binary.BigEndian.PutUint16(buf[HeaderSize+1:], uint16(m.Coordinator))
	buf[HeaderSize+3] = m.Neighbors
	return buf
}

func UnmarshalHello(body []byte) (*Hello, error) {
	if len(body) < helloSize {
		return nil, fmt.Errorf("truncated hello: %d bytes", len(body))
	}
	return &Hello{
		Role:           state.Role(body[0] & 0x7f),
		HasCoordinator: body[0]&0x80 != 0,
		Coordinator:    state.NodeId(binary.BigEndian.Uint16(body[1:3])),
		Neighbors:      body[3],
	}, nil
}

// RouteRequest floods outward during discovery. MinReliability carries the
// weakest link reliability seen along the path so far, quantized to a byte.
type RouteRequest struct {
	Origin         state.NodeId
	Target         state.NodeId
	Seqno          uint16
	HopCount       uint8
	MinReliability uint8
}

const rreqSize = 8

func (m *RouteRequest) Marshal(src state.NodeId) []byte {
	buf := make([]byte, HeaderSize+rreqSize)
	h := Header{Type: TypeRouteRequest, Src: src, Dst: state.Broadcast}
	h.marshal(buf)
	b := buf[HeaderSize:]
	binary.BigEndian.PutUint16(b[0:2], uint16(m.Origin))
	binary.BigEndian.PutUint16(b[2:4], uint16(m.Target))
	binary.BigEndian.PutUint16(b[4:6], m.Seqno)
	b[6] = m.HopCount
	b[7] = m.MinReliability
	return buf
}

func UnmarshalRouteRequest(body []byte) (*RouteRequest, error) {
	if len(body) < rreqSize {
		return nil, fmt.Errorf("truncated route request: %d bytes", len(body))
	}
	return &RouteRequest{
		Origin:         state.NodeId(binary.BigEndian.Uint16(body[0:2])),
		Target:         state.NodeId(binary.BigEndian.Uint16(body[2:4])),
		Seqno:          binary.BigEndian.Uint16(body[4:6]),
		HopCount:       body[6],
		MinReliability: body[7],
	}, nil
}

// RouteReply travels back along the reverse path cached by relaying nodes.
type RouteReply struct {
	Origin         state.NodeId // the node that requested the route
	Target         state.NodeId // the destination the route leads to
	Seqno          uint16
	HopCount       uint8
	MinReliability uint8
}

const rrepSize = 8

func (m *RouteReply) Marshal(src, dst state.NodeId) []byte {
	buf := make([]byte, HeaderSize+rrepSize)
	h := Header{Type: TypeRouteReply, Src: src, Dst: dst}
	h.marshal(buf)
	b := buf[HeaderSize:]
	binary.BigEndian.PutUint16(b[0:2], uint16(m.Origin))
	binary.BigEndian.PutUint16(b[2:4], uint16(m.Target))
	binary.BigEndian.PutUint16(b[4:6], m.Seqno)
	b[6] = m.HopCount
	b[7] = m.MinReliability
	return buf
}

func UnmarshalRouteReply(body []byte) (*RouteReply, error) {
	if len(body) < rrepSize {
		return nil, fmt.Errorf("truncated route reply: %d bytes", len(body))
	}
	return &RouteReply{
		Origin:         state.NodeId(binary.BigEndian.Uint16(body[0:2])),
		Target:         state.NodeId(binary.BigEndian.Uint16(body[2:4])),
		Seqno:          binary.BigEndian.Uint16(body[4:6]),
		HopCount:       body[6],
		MinReliability: body[7],
	}, nil
}

const dataFlagRequiresAck = 0x01

// Data carries one fragment of a logical transmission, checksummed
// individually so a corrupted fragment can be dropped without losing the
// whole transmission.
type Data struct {
	Origin      state.NodeId
	Dest        state.NodeId
	TxId        state.TransmissionId
	Seq         uint16
	Total       uint16
	PacketType  state.PacketType
	Priority    state.Priority
	RequiresAck bool
	Checksum    uint32
	Payload     []byte
}

const dataFixedSize = 19

// MaxDataPayload is the largest fragment payload a single frame can carry.
const MaxDataPayload = MaxFrameSize - HeaderSize - dataFixedSize

func (m *Data) Marshal(src, dst state.NodeId) ([]byte, error) {
	if len(m.Payload) > MaxDataPayload {
		return nil, fmt.Errorf("fragment payload %d exceeds frame capacity %d", len(m.Payload), MaxDataPayload)
	}
	buf := make([]byte, HeaderSize+dataFixedSize+len(m.Payload))
	h := Header{Type: TypeData, Src: src, Dst: dst}
	h.marshal(buf)
	b := buf[HeaderSize:]
	binary.BigEndian.PutUint16(b[0:2], uint16(m.Origin))
	binary.BigEndian.PutUint16(b[2:4], uint16(m.Dest))
	binary.BigEndian.PutUint32(b[4:8], uint32(m.TxId))
	binary.BigEndian.PutUint16(b[8:10], m.Seq)
	binary.BigEndian.PutUint16(b[10:12], m.Total)
	b[12] = uint8(m.PacketType)
	b[13] = uint8(m.Priority)
	if m.RequiresAck {
		b[14] = dataFlagRequiresAck
	}
	binary.BigEndian.PutUint32(b[15:19], m.Checksum)
	copy(b[dataFixedSize:], m.Payload)
	return buf, nil
}

func UnmarshalData(body []byte) (*Data, error) {
	if len(body) < dataFixedSize {
		return nil, fmt.Errorf("truncated data fragment: %d bytes", len(body))
	}
	return &Data{
		Origin:      state.NodeId(binary.BigEndian.Uint16(body[0:2])),
		Dest:        state.NodeId(binary.BigEndian.Uint16(body[2:4])),
		TxId:        state.TransmissionId(binary.BigEndian.Uint32(body[4:8])),
		Seq:         binary.BigEndian.Uint16(body[8:10]),
		Total:       binary.BigEndian.Uint16(body[10:12]),
		PacketType:  state.PacketType(body[12]),
		Priority:    state.Priority(body[13]),
		RequiresAck: body[14]&dataFlagRequiresAck != 0,
		Checksum:    binary.BigEndian.Uint32(body[15:19]),
		Payload:     body[dataFixedSize:],
	}, nil
}

// Ack confirms one fragment end-to-end. Receiver is the node that accepted
// the fragment, Origin the node the acknowledgment travels back to.
type Ack struct {
	Origin   state.NodeId
	Receiver state.NodeId
	TxId     state.TransmissionId
	Seq      uint16
	Rssi     int16
}

const ackSize = 12

func (m *Ack) Marshal(src, dst state.NodeId) []byte {
	buf := make([]byte, HeaderSize+ackSize)
	h := Header{Type: TypeAck, Src: src, Dst: dst}
	h.marshal(buf)
	b := buf[HeaderSize:]
	binary.BigEndian.PutUint16(b[0:2], uint16(m.Origin))
	binary.BigEndian.PutUint16(b[2:4], uint16(m.Receiver))
	binary.BigEndian.PutUint32(b[4:8], uint32(m.TxId))
	binary.BigEndian.PutUint16(b[8:10], m.Seq)
	binary.BigEndian.PutUint16(b[10:12], uint16(m.Rssi))
	return buf
}

func UnmarshalAck(body []byte) (*Ack, error) {
	if len(body) < ackSize {
		return nil, fmt.Errorf("truncated ack: %d bytes", len(body))
	}
	return &Ack{
		Origin:   state.NodeId(binary.BigEndian.Uint16(body[0:2])),
		Receiver: state.NodeId(binary.BigEndian.Uint16(body[2:4])),
		TxId:     state.TransmissionId(binary.BigEndian.Uint32(body[4:8])),
		Seq:      binary.BigEndian.Uint16(body[8:10]),
		Rssi:     int16(binary.BigEndian.Uint16(body[10:12])),
	}, nil
}

// Body returns the frame bytes after the header.
func Body(frame []byte) []byte {
	return frame[HeaderSize:]
}

// SetHops stamps the header hop counter on a marshalled frame. Relays use
// it to bound how far a frame can wander.
func SetHops(frame []byte, hops uint8) {
	frame[5] = hops
}
