package core

import (
	"fmt"
	"log/slog"

	"github.com/encodeous/netsim/perf"
	"github.com/encodeous/netsim/state"
)

// Delivery is a payload handed to an upper layer of a node.
type Delivery struct {
	Payload []byte
	Info    state.ControlInfo
}

// Node is a simulated host or router: its interfaces, routing table, forwarding engine and
// neighbour cache. A Node must only be used from the goroutine driving its simulation.
type Node struct {
	Id         state.NodeId
	Interfaces *state.Interfaces
	Table      *RoutingTable
	Engine     *ForwardingEngine
	Neighbours *NeighbourCache
	Log        *slog.Logger

	// Inbox collects deliveries to the protocols registered with Listen.
	Inbox []Delivery

	observer Observer
}

// NodeDeps are the collaborators a node is built with. Observer and Discover may be nil.
type NodeDeps struct {
	Link     LinkSender
	Discover DiscoverFunc
	Observer Observer
	Log      *slog.Logger
}

// NewNode builds a node from its configuration, adding connected routes for every interface
// prefix and the configured static routes.
func NewNode(cfg state.NodeCfg, deps NodeDeps) (*Node, error) {
	if deps.Log == nil {
		deps.Log = slog.Default()
	}
	log := deps.Log.With("node", cfg.Id)
	observer := Observers{LogObserver{Log: log}, routeChangeCounter{}}
	if deps.Observer != nil {
		observer = append(observer, deps.Observer)
	}

	tb, err := ParseTieBreak(cfg.TieBreak)
	if err != nil {
		return nil, err
	}

	n := &Node{
		Id:         cfg.Id,
		Interfaces: &state.Interfaces{},
		Neighbours: NewNeighbourCache(state.NeighbourCacheTTL, deps.Discover),
		Log:        log,
		observer:   observer,
	}
	n.Table = NewRoutingTable(n.Interfaces,
		WithObserver(observer),
		WithTableLogger(log),
		WithTieBreak(tb),
		WithForwarding(cfg.Forwarding),
		WithMulticastForwarding(cfg.MulticastForwarding),
		WithRouterId(cfg.RouterId),
	)
	n.Engine = NewForwardingEngine(EngineCfg{
		DefaultHopLimit:               cfg.DefaultHopLimit,
		LinkLocalMulticastHopLimitOne: cfg.LinkLocalMulticastHopLimitOne,
	}, n.Table, EngineDeps{
		Interfaces: n.Interfaces,
		Link:       deps.Link,
		Resolver:   n.Neighbours,
		Observer:   observer,
		Log:        log,
	})

	n.Interfaces.OnChange = n.interfaceChanged
	for _, icfg := range cfg.Interfaces {
		itf, err := icfg.Build()
		if err != nil {
			return nil, err
		}
		if err := n.AddInterface(itf); err != nil {
			return nil, err
		}
	}

	for _, rcfg := range cfg.Routes {
		itf := n.Interfaces.InterfaceByName(rcfg.Interface)
		if itf == nil {
			return nil, fmt.Errorf("node %s: route %s: unknown interface %s", cfg.Id, rcfg.Destination, rcfg.Interface)
		}
		masked, err := rcfg.Destination.Masked()
		if err != nil {
			return nil, fmt.Errorf("node %s: route %s: %w", cfg.Id, rcfg.Destination, err)
		}
		r, err := NewRoute(RouteSpec{
			Destination:   masked.Addr,
			PrefixLength:  masked.Len,
			NextHop:       rcfg.NextHop,
			Interface:     itf,
			Metric:        rcfg.Metric,
			Source:        SourceManual,
			AdminDistance: rcfg.AdminDistance,
		})
		if err != nil {
			return nil, fmt.Errorf("node %s: %w", cfg.Id, err)
		}
		if err := n.Table.AddRoute(r); err != nil {
			return nil, err
		}
	}

	for i, mcfg := range cfg.MulticastRoutes {
		if err := n.addMulticastRoute(mcfg); err != nil {
			return nil, fmt.Errorf("node %s: multicast route %d: %w", cfg.Id, i, err)
		}
	}

	for _, g := range cfg.Groups {
		if err := n.Engine.JoinGroup(g); err != nil {
			return nil, err
		}
	}
	for _, nb := range cfg.Neighbours {
		itf := n.Interfaces.InterfaceByName(nb.Interface)
		if itf == nil {
			return nil, fmt.Errorf("node %s: neighbour %s: unknown interface %s", cfg.Id, nb.Address, nb.Interface)
		}
		n.Neighbours.AddStatic(itf.Id, nb.Address, nb.Link)
	}
	return n, nil
}

func (n *Node) addMulticastRoute(cfg state.MulticastRouteCfg) error {
	spec := MulticastRouteSpec{Group: cfg.Group, Metric: cfg.Metric}
	if !cfg.Origin.Addr.IsNone() {
		masked, err := cfg.Origin.Masked()
		if err != nil {
			return err
		}
		spec.Origin = masked
	}
	if cfg.Inbound != "" {
		if spec.Inbound = n.Interfaces.InterfaceByName(cfg.Inbound); spec.Inbound == nil {
			return fmt.Errorf("unknown interface %s", cfg.Inbound)
		}
	}
	for _, name := range cfg.Outbound {
		itf := n.Interfaces.InterfaceByName(name)
		if itf == nil {
			return fmt.Errorf("unknown interface %s", name)
		}
		spec.Outbound = append(spec.Outbound, itf)
	}
	r, err := NewMulticastRoute(spec)
	if err != nil {
		return err
	}
	return n.Table.AddMulticastRoute(r)
}

// AddInterface attaches itf to the node together with the connected routes of its prefixes.
func (n *Node) AddInterface(itf *state.Interface) error {
	if err := n.Interfaces.Add(itf); err != nil {
		return fmt.Errorf("node %s: %w", n.Id, err)
	}
	return n.addConnectedRoutes(itf)
}

func (n *Node) addConnectedRoutes(itf *state.Interface) error {
	for _, p := range itf.Prefixes() {
		masked, err := p.Masked()
		if err != nil {
			return fmt.Errorf("node %s: interface %s: %w", n.Id, itf, err)
		}
		r, err := NewRoute(RouteSpec{
			Destination:  masked.Addr,
			PrefixLength: masked.Len,
			Interface:    itf,
			Metric:       itf.Cost(),
			Source:       SourceInterface,
		})
		if err != nil {
			return fmt.Errorf("node %s: interface %s: %w", n.Id, itf, err)
		}
		if err := n.Table.AddRoute(r); err != nil {
			return err
		}
	}
	return nil
}

// RemoveInterface detaches an interface, removing every route through it first so that no
// route is left pointing at it.
func (n *Node) RemoveInterface(id state.InterfaceId) error {
	itf := n.Interfaces.InterfaceById(id)
	if itf == nil {
		return fmt.Errorf("node %s: interface %d not found", n.Id, id)
	}
	removed := n.Table.RemoveRoutesVia(itf)
	n.Log.Debug("removed routes via interface", "itf", itf, "count", removed)
	_, err := n.Interfaces.Remove(id)
	return err
}

// ConfigureInterface edits an interface and rebuilds its connected routes.
func (n *Node) ConfigureInterface(id state.InterfaceId, fn func(itf *state.Interface)) error {
	itf := n.Interfaces.InterfaceById(id)
	if itf == nil {
		return fmt.Errorf("node %s: interface %d not found", n.Id, id)
	}
	for _, r := range n.Table.Routes() {
		if r.Interface() == itf && r.Source() == SourceInterface {
			if _, err := n.Table.RemoveRoute(r); err != nil {
				return err
			}
			if err := r.Destroy(); err != nil {
				n.Log.Warn("failed to destroy route", "route", r, "error", err)
			}
		}
	}
	if err := n.Interfaces.Configure(id, fn); err != nil {
		return err
	}
	return n.addConnectedRoutes(itf)
}

func (n *Node) interfaceChanged(itf *state.Interface) {
	n.observer.InterfaceConfigChanged(itf)
	n.Table.SelectRouterId()
}

// Listen records deliveries of proto in the node's Inbox.
func (n *Node) Listen(proto state.ProtocolId) {
	n.Engine.RegisterProtocol(proto, UpperLayerFunc(func(payload []byte, ci *state.ControlInfo) {
		n.Inbox = append(n.Inbox, Delivery{Payload: payload, Info: *ci})
	}))
}

// Send originates a datagram from the upper layer of the node.
func (n *Node) Send(payload []byte, ci *state.ControlInfo) (*state.Datagram, error) {
	return n.Engine.HandleFromUpperLayer(payload, ci)
}

// Teardown removes and destroys every route of the node.
func (n *Node) Teardown() {
	n.Table.Purge()
}

func (n *Node) String() string {
	return string(n.Id)
}

type routeChangeCounter struct {
	NopObserver
}

func (routeChangeCounter) RouteAdded(*Route)               { perf.RouteChangesPerSecond.Add(1) }
func (routeChangeCounter) RouteRemoved(*Route)             { perf.RouteChangesPerSecond.Add(1) }
func (routeChangeCounter) RouteChanged(*Route, RouteField) { perf.RouteChangesPerSecond.Add(1) }
func (routeChangeCounter) MulticastRouteAdded(*MulticastRoute) {
	perf.RouteChangesPerSecond.Add(1)
}
func (routeChangeCounter) MulticastRouteRemoved(*MulticastRoute) {
	perf.RouteChangesPerSecond.Add(1)
}
func (routeChangeCounter) MulticastRouteChanged(*MulticastRoute) {
	perf.RouteChangesPerSecond.Add(1)
}
