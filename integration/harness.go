//go:build integration

package integration

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"github.com/encodeous/netsim/core"
	"github.com/encodeous/netsim/state"
)

type Signal chan bool

func NewSignal() Signal {
	return make(chan bool)
}
func (s Signal) Trigger() {
	select {
	case <-s:
	default:
		close(s)
	}
}
func (s Signal) Triggered() bool {
	select {
	case <-s:
		return true
	default:
		return false
	}
}
func (s Signal) Wait() {
	<-s
}

// DropRecorder collects every drop reported by the nodes of a harness.
type DropRecorder struct {
	core.NopObserver
	sync.Mutex
	Drops []state.Pair[state.DatagramId, core.DropReason]
}

func (d *DropRecorder) DatagramDropped(dg *state.Datagram, reason core.DropReason) {
	d.Lock()
	defer d.Unlock()
	d.Drops = append(d.Drops, state.Pair[state.DatagramId, core.DropReason]{V1: dg.Id, V2: reason})
}

func (d *DropRecorder) Reasons() []core.DropReason {
	d.Lock()
	defer d.Unlock()
	out := make([]core.DropReason, 0, len(d.Drops))
	for _, p := range d.Drops {
		out = append(out, p.V2)
	}
	return out
}

// VirtualHarness builds a topology node by node and serves its simulation on a goroutine.
type VirtualHarness struct {
	Topology state.TopologyCfg
	Context  context.Context
	Cancel   context.CancelCauseFunc
	Sim      *core.Simulation
	Drops    DropRecorder
	stopped  Signal
}

func (v *VirtualHarness) node(id state.NodeId) *state.NodeCfg {
	n := v.Topology.GetNode(id)
	if n == nil {
		panic(fmt.Sprintf("node %s not defined", id))
	}
	return n
}

// NewNode adds a node with a loopback interface. Routers forward, hosts do not.
func (v *VirtualHarness) NewNode(id state.NodeId, router bool) {
	v.Topology.Nodes = append(v.Topology.Nodes, state.NodeCfg{
		Id:         id,
		Forwarding: router,
		Interfaces: []state.InterfaceCfg{{
			Name:      "lo",
			Flags:     []string{"loopback"},
			Addresses: []state.AddressPrefix{prefix("127.0.0.1/8")},
		}},
	})
}

// AddInterface gives node a broadcast interface with a link address and the given prefixes.
func (v *VirtualHarness) AddInterface(id state.NodeId, name, link string, prefixes ...string) {
	n := v.node(id)
	itf := state.InterfaceCfg{
		Name:  name,
		Flags: []string{"broadcast", "multicast"},
		Link:  state.MustParseAddress(link),
	}
	for _, p := range prefixes {
		itf.Addresses = append(itf.Addresses, prefix(p))
	}
	n.Interfaces = append(n.Interfaces, itf)
}

// AddRoute adds a static route to node.
func (v *VirtualHarness) AddRoute(id state.NodeId, dst, nextHop, itf string, metric int) {
	n := v.node(id)
	n.Routes = append(n.Routes, state.RouteCfg{
		Destination: prefix(dst),
		NextHop:     state.MustParseAddress(nextHop),
		Interface:   itf,
		Metric:      metric,
	})
}

// AddLink connects node/interface endpoints.
func (v *VirtualHarness) AddLink(name string, endpoints ...string) *state.LinkCfg {
	v.Topology.Links = append(v.Topology.Links, state.LinkCfg{Name: name, Endpoints: endpoints})
	return &v.Topology.Links[len(v.Topology.Links)-1]
}

// Start validates and builds the topology, then serves it. Errors of the serve loop are
// reported on the returned channel.
func (v *VirtualHarness) Start() chan error {
	errs := make(chan error, 1)
	if err := state.TopologyConfigValidator(&v.Topology); err != nil {
		errs <- err
		return errs
	}
	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	sim, err := core.NewSimulationFromTopology(&v.Topology, log, &v.Drops)
	if err != nil {
		errs <- err
		return errs
	}
	for _, n := range sim.Nodes() {
		n.Listen(state.ProtoUDP)
	}
	v.Sim = sim
	v.Context, v.Cancel = context.WithCancelCause(context.Background())
	v.stopped = NewSignal()
	go func() {
		defer v.stopped.Trigger()
		if err := sim.Serve(v.Context); err != nil {
			errs <- err
		}
	}()
	return errs
}

// Send schedules a UDP datagram from node at the current simulation time.
func (v *VirtualHarness) Send(from state.NodeId, dst string, payload string) error {
	return v.Sim.Dispatch(v.Context, func(s *core.Simulation) error {
		return s.Inject(state.DatagramCfg{
			At:       s.Now(),
			From:     from,
			Dst:      state.MustParseAddress(dst),
			Protocol: state.ProtoUDP,
			Payload:  payload,
		})
	})
}

// Do runs fn on the serve loop. Everything scheduled before it has finished running.
func (v *VirtualHarness) Do(fn func(s *core.Simulation) error) error {
	_, err := v.Sim.DispatchWait(v.Context, func(s *core.Simulation) (any, error) {
		return nil, fn(s)
	})
	return err
}

// Inbox copies the deliveries of a node.
func (v *VirtualHarness) Inbox(id state.NodeId) ([]core.Delivery, error) {
	res, err := v.Sim.DispatchWait(v.Context, func(s *core.Simulation) (any, error) {
		n := s.Node(id)
		if n == nil {
			return nil, fmt.Errorf("node %s not found", id)
		}
		return append([]core.Delivery(nil), n.Inbox...), nil
	})
	if err != nil {
		return nil, err
	}
	return res.([]core.Delivery), nil
}

// Counters reads the forwarding counters of a node.
func (v *VirtualHarness) Counters(id state.NodeId) (core.Counters, error) {
	res, err := v.Sim.DispatchWait(v.Context, func(s *core.Simulation) (any, error) {
		n := s.Node(id)
		if n == nil {
			return nil, fmt.Errorf("node %s not found", id)
		}
		return n.Engine.Counters(), nil
	})
	if err != nil {
		return core.Counters{}, err
	}
	return res.(core.Counters), nil
}

func (v *VirtualHarness) Stop() {
	if v.Cancel == nil {
		return
	}
	v.Cancel(errors.New("harness stopped"))
	v.stopped.Wait()
	v.Sim.Teardown()
}

func prefix(s string) state.AddressPrefix {
	p, err := state.ParseAddressPrefix(s)
	if err != nil {
		panic(err)
	}
	return p
}

func addr(s string) state.Address {
	return state.MustParseAddress(s)
}
