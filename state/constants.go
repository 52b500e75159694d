package state

import "time"

var (
	// DefaultHopLimit is used for locally originated datagrams that do not request one.
	DefaultHopLimit = 64
	DefaultMTU      = 1500
	// GenericHeaderLen is the header size charged to families without a real header layout.
	GenericHeaderLen = 20

	// ReferenceBandwidth divided by an interface data rate gives its cost.
	ReferenceBandwidth   = uint64(100_000_000)
	DefaultInterfaceCost = 10

	NeighbourCacheTTL = time.Second * 120
	// LinkDelay is the propagation delay of simulated links unless configured.
	LinkDelay = time.Millisecond

	// DispatchWarnThreshold is the event duration after which the simulation loop warns.
	DispatchWarnThreshold = time.Millisecond * 4

	// DBG_debug serves expvar and the metric dashboard on DebugBind
	DBG_debug = false
	DebugBind = "127.0.0.1:6060"
)
