package protocol

import (
	"testing"

	"github.com/brambleworks/bramble/state"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHeaderRoundTrip(t *testing.T) {
	m := &Hello{Role: state.RoleMember, Coordinator: 7, HasCoordinator: true, Neighbors: 3}
	frame := m.Marshal(42)

	h, err := ParseHeader(frame)
	require.NoError(t, err)
	assert.Equal(t, TypeHello, h.Type)
	assert.Equal(t, state.NodeId(42), h.Src)
	assert.Equal(t, state.Broadcast, h.Dst)
	assert.Equal(t, uint8(0), h.Hops)
}

func TestParseHeaderRejectsGarbage(t *testing.T) {
	_, err := ParseHeader([]byte{1, 2, 3})
	assert.Error(t, err, "short frame")

	frame := (&Hello{}).Marshal(1)
	frame[0] = 2<<4 | uint8(TypeHello)
	_, err = ParseHeader(frame)
	assert.Error(t, err, "wrong version")

	frame[0] = Version<<4 | 0x0e
	_, err = ParseHeader(frame)
	assert.Error(t, err, "unknown type")
}

func TestHelloRoundTrip(t *testing.T) {
	m := &Hello{Role: state.RoleCoordinator, Coordinator: 12, HasCoordinator: true, Neighbors: 9}
	got, err := UnmarshalHello(Body(m.Marshal(12)))
	require.NoError(t, err)
	assert.Equal(t, m, got)

	// no coordinator elected yet
	m = &Hello{Role: state.RoleDiscovering}
	got, err = UnmarshalHello(Body(m.Marshal(3)))
	require.NoError(t, err)
	assert.False(t, got.HasCoordinator)
	assert.Equal(t, state.RoleDiscovering, got.Role)
}

func TestRouteRequestRoundTrip(t *testing.T) {
	m := &RouteRequest{Origin: 1, Target: 9, Seqno: 512, HopCount: 4, MinReliability: 191}
	frame := m.Marshal(5)

	h, err := ParseHeader(frame)
	require.NoError(t, err)
	assert.Equal(t, TypeRouteRequest, h.Type)
	assert.Equal(t, state.Broadcast, h.Dst)

	got, err := UnmarshalRouteRequest(Body(frame))
	require.NoError(t, err)
	assert.Equal(t, m, got)
}

func TestRouteReplyRoundTrip(t *testing.T) {
	m := &RouteReply{Origin: 1, Target: 9, Seqno: 70, HopCount: 2, MinReliability: 255}
	frame := m.Marshal(9, 4)

	h, err := ParseHeader(frame)
	require.NoError(t, err)
	assert.Equal(t, TypeRouteReply, h.Type)
	assert.Equal(t, state.NodeId(9), h.Src)
	assert.Equal(t, state.NodeId(4), h.Dst)

	got, err := UnmarshalRouteReply(Body(frame))
	require.NoError(t, err)
	assert.Equal(t, m, got)
}

func TestDataRoundTrip(t *testing.T) {
	m := &Data{
		Origin:      3,
		Dest:        11,
		TxId:        0xdeadbeef,
		Seq:         17,
		Total:       64,
		PacketType:  state.PacketImage,
		Priority:    state.PriorityHigh,
		RequiresAck: true,
		Checksum:    0xcafef00d,
		Payload:     []byte("a chunk of jpeg"),
	}
	frame, err := m.Marshal(3, 5)
	require.NoError(t, err)
	require.LessOrEqual(t, len(frame), MaxFrameSize)

	got, err := UnmarshalData(Body(frame))
	require.NoError(t, err)
	assert.Equal(t, m, got)
}

func TestDataMarshalRejectsOversizedPayload(t *testing.T) {
	m := &Data{Payload: make([]byte, MaxDataPayload+1)}
	_, err := m.Marshal(1, 2)
	assert.Error(t, err)

	m.Payload = make([]byte, MaxDataPayload)
	frame, err := m.Marshal(1, 2)
	require.NoError(t, err)
	assert.Equal(t, MaxFrameSize, len(frame))
}

func TestAckRoundTrip(t *testing.T) {
	m := &Ack{Origin: 2, Receiver: 6, TxId: 99, Seq: 3, Rssi: -107}
	got, err := UnmarshalAck(Body(m.Marshal(6, 2)))
	require.NoError(t, err)
	assert.Equal(t, m, got)
}

func TestUnmarshalTruncatedBodies(t *testing.T) {
	_, err := UnmarshalHello(nil)
	assert.Error(t, err)
	_, err = UnmarshalRouteRequest([]byte{1, 2, 3})
	assert.Error(t, err)
	_, err = UnmarshalRouteReply([]byte{1})
	assert.Error(t, err)
	_, err = UnmarshalData(make([]byte, dataFixedSize-1))
	assert.Error(t, err)
	_, err = UnmarshalAck(make([]byte, ackSize-1))
	assert.Error(t, err)
}
