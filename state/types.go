package state

import (
	"fmt"
	"time"
)

// NodeId is the mesh-wide identity of a device, assigned at provisioning
// time and immutable for the device's lifetime.
type NodeId uint16

// Broadcast addresses every node in radio range.
const Broadcast NodeId = 0xFFFF

func (n NodeId) String() string {
	if n == Broadcast {
		return "*"
	}
	return fmt.Sprintf("n%d", uint16(n))
}

// Priority orders competing transmissions. Higher values are drained first.
type Priority uint8

const (
	PriorityBackground Priority = iota
	PriorityLow
	PriorityNormal
	PriorityHigh
	PriorityCritical
)

func (p Priority) String() string {
	switch p {
	case PriorityBackground:
		return "background"
	case PriorityLow:
		return "low"
	case PriorityNormal:
		return "normal"
	case PriorityHigh:
		return "high"
	case PriorityCritical:
		return "critical"
	}
	return "unknown"
}

// PacketType tags a transmission for application-level dispatch. The
// transport itself never interprets payload contents.
type PacketType uint8

const (
	PacketTelemetry PacketType = iota
	PacketImage
	PacketWildlifeAlert
	PacketControl
)

func (t PacketType) String() string {
	switch t {
	case PacketTelemetry:
		return "telemetry"
	case PacketImage:
		return "image"
	case PacketWildlifeAlert:
		return "wildlife-alert"
	case PacketControl:
		return "control"
	}
	return "unknown"
}

// Role is the node's position in the mesh state machine.
type Role uint8

const (
	RoleDiscovering Role = iota
	RoleMember
	RoleCoordinator
)

func (r Role) String() string {
	switch r {
	case RoleDiscovering:
		return "discovering"
	case RoleMember:
		return "member"
	case RoleCoordinator:
		return "coordinator"
	}
	return "unknown"
}

// SignalQuality is a per-reception radio measurement reported by the driver.
type SignalQuality struct {
	Rssi int16
	Snr  float32
}

// Neighbor is a node we have heard directly. Owned exclusively by the link
// quality tracker; other components read but never mutate these.
type Neighbor struct {
	Id          NodeId
	LastSeen    time.Time
	Rssi        int16
	Snr         float32
	Reliability float64
	HopCount    uint8
}

// Route is the selected path to a destination. Owned exclusively by the
// route table; the transport scheduler reads routes but never writes them.
type Route struct {
	Dest            NodeId
	NextHop         NodeId
	HopCount        uint8
	PathReliability float64 // weakest link reliability observed along the path
	Cost            float64
	LastValidated   time.Time
	LastUsed        time.Time
}

func (r Route) String() string {
	return fmt.Sprintf("%s via %s (hops: %d, cost: %.2f)", r.Dest, r.NextHop, r.HopCount, r.Cost)
}

// TransmissionId names one logical transmission (an image, a telemetry
// record) across all of its fragments.
type TransmissionId uint32

// NetworkStatus is a read-only snapshot computed on demand; it is never
// persisted independently of the state it summarizes.
type NetworkStatus struct {
	Id              NodeId
	Role            Role
	Coordinator     NodeId
	HasCoordinator  bool
	Neighbors       int
	Routes          int
	PacketsSent     uint64
	PacketsReceived uint64
	PacketsLost     uint64
	QueueDepth      int
	ThroughputBps   float64
	AvgLatency      time.Duration
	LastSignal      SignalQuality
}
