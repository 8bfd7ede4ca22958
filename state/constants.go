package state

import "time"

var (
	// link quality tracker
	ReliabilityAlpha   = 0.2
	MissedCadenceScore = 0.3
	InitialReliability = 0.5
	MaxNeighbors       = 32
	NeighborStaleTime  = time.Second * 90

	// routing / discovery
	MaxRoutes              = 64
	RouteHopWeight         = 1.0
	RouteReliabilityWeight = 4.0
	RouteSwitchHysteresis  = 0.75 // a new route must beat the old cost by this factor
	RouteStaleTime         = time.Minute * 5
	DiscoveryTimeout       = time.Second * 8
	DiscoveryMaxHops       = uint8(8)
	RreqDedupTTL           = time.Second * 30
	OptimizeDelay          = time.Second * 45

	// mesh controller
	DiscoveryStartupDelay    = time.Second
	HeartbeatDelay           = time.Second * 15
	DiscoveryIntervalMin     = time.Second * 30
	DiscoveryIntervalMax     = time.Minute * 5
	DiscoveryCyclesToPromote = 4
	CoordinatorSilenceTime   = time.Second * 60
	PruneDelay               = time.Second * 10

	// reliable transport
	TickDelay         = time.Millisecond * 100
	NoRouteRetryDelay = time.Second
	CompletedTxTTL    = time.Minute * 2
	ReassemblyExpiry  = time.Minute * 5

	// statistics window
	StatsWindow = time.Second * 30
)
