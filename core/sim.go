package core

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"time"

	"github.com/encodeous/netsim/perf"
	"github.com/encodeous/netsim/state"
)

var (
	ErrLinkDown    = errors.New("link is down")
	ErrNotAttached = errors.New("interface is not attached to a link")
	ErrEventLimit  = errors.New("simulation exceeded its event limit")
)

type event struct {
	at  time.Duration
	seq uint64
	fn  func(s *Simulation) error
}

type eventQueue []*event

func (q eventQueue) Len() int { return len(q) }
func (q eventQueue) Less(i, j int) bool {
	if q[i].at != q[j].at {
		return q[i].at < q[j].at
	}
	return q[i].seq < q[j].seq
}
func (q eventQueue) Swap(i, j int) { q[i], q[j] = q[j], q[i] }
func (q *eventQueue) Push(x any)   { *q = append(*q, x.(*event)) }
func (q *eventQueue) Pop() any {
	old := *q
	e := old[len(old)-1]
	old[len(old)-1] = nil
	*q = old[:len(old)-1]
	return e
}

type endpoint struct {
	node *Node
	itf  *state.Interface
}

type segment struct {
	name  string
	delay time.Duration
	up    bool
	ends  []endpoint
}

type attachment = state.Pair[state.NodeId, state.InterfaceId]

// Simulation runs nodes connected by links in virtual time. Events at the same time run in the
// order they were scheduled. All state is owned by the goroutine calling Step, RunUntilIdle or
// Serve; other goroutines go through Dispatch.
type Simulation struct {
	Log *slog.Logger
	// MaxEvents bounds RunUntilIdle, 0 means unbounded.
	MaxEvents int

	nodes    map[state.NodeId]*Node
	segments map[string]*segment
	attached map[attachment]*segment
	events   eventQueue
	now      time.Duration
	seq      uint64
	dispatch chan func(s *Simulation) error
}

func NewSimulation(log *slog.Logger) *Simulation {
	if log == nil {
		log = slog.Default()
	}
	return &Simulation{
		Log:       log,
		MaxEvents: 1 << 20,
		nodes:     make(map[state.NodeId]*Node),
		segments:  make(map[string]*segment),
		attached:  make(map[attachment]*segment),
		dispatch:  make(chan func(s *Simulation) error, 128),
	}
}

// NewSimulationFromTopology builds every node and link of cfg and schedules its datagrams.
// Every node listens to the protocols the datagrams use.
func NewSimulationFromTopology(cfg *state.TopologyCfg, log *slog.Logger, observer Observer) (*Simulation, error) {
	s := NewSimulation(log)
	for _, ncfg := range cfg.Nodes {
		if _, err := s.AddNode(ncfg, observer); err != nil {
			return nil, err
		}
	}
	for _, lcfg := range cfg.Links {
		if err := s.Connect(lcfg); err != nil {
			return nil, err
		}
	}
	protos := make(map[state.ProtocolId]bool)
	for _, d := range cfg.Datagrams {
		protos[d.Protocol] = true
		if err := s.Inject(d); err != nil {
			return nil, err
		}
	}
	for _, n := range s.nodes {
		for p := range protos {
			n.Listen(p)
		}
	}
	return s, nil
}

func (s *Simulation) Now() time.Duration {
	return s.now
}

// AddNode builds a node attached to this simulation's links.
func (s *Simulation) AddNode(cfg state.NodeCfg, observer Observer) (*Node, error) {
	if _, ok := s.nodes[cfg.Id]; ok {
		return nil, fmt.Errorf("node %s already exists", cfg.Id)
	}
	n, err := NewNode(cfg, NodeDeps{
		Link:     simLink{s: s, node: cfg.Id},
		Discover: s.discoverer(cfg.Id),
		Observer: observer,
		Log:      s.Log,
	})
	if err != nil {
		return nil, err
	}
	s.nodes[cfg.Id] = n
	return n, nil
}

func (s *Simulation) Node(id state.NodeId) *Node {
	return s.nodes[id]
}

// Nodes returns every node ordered by id.
func (s *Simulation) Nodes() []*Node {
	out := make([]*Node, 0, len(s.nodes))
	for _, id := range slices.Sorted(maps.Keys(s.nodes)) {
		out = append(out, s.nodes[id])
	}
	return out
}

// Connect attaches the interfaces named by cfg to a new link.
func (s *Simulation) Connect(cfg state.LinkCfg) error {
	if _, ok := s.segments[cfg.Name]; ok {
		return fmt.Errorf("link %s already exists", cfg.Name)
	}
	seg := &segment{name: cfg.Name, delay: cfg.Delay, up: !cfg.Down}
	if seg.delay == 0 {
		seg.delay = state.LinkDelay
	}
	for _, ep := range cfg.Endpoints {
		end, err := state.ParseEndpoint(ep)
		if err != nil {
			return err
		}
		n := s.nodes[end.V1]
		if n == nil {
			return fmt.Errorf("link %s: node %s not found", cfg.Name, end.V1)
		}
		itf := n.Interfaces.InterfaceByName(end.V2)
		if itf == nil {
			return fmt.Errorf("link %s: node %s has no interface %s", cfg.Name, end.V1, end.V2)
		}
		key := attachment{V1: n.Id, V2: itf.Id}
		if other, ok := s.attached[key]; ok {
			return fmt.Errorf("link %s: %s already attached to link %s", cfg.Name, ep, other.name)
		}
		s.attached[key] = seg
		seg.ends = append(seg.ends, endpoint{node: n, itf: itf})
	}
	s.segments[cfg.Name] = seg
	return nil
}

// SetLinkUp brings a link up or down. Datagrams already in flight are still delivered.
func (s *Simulation) SetLinkUp(name string, up bool) error {
	seg, ok := s.segments[name]
	if !ok {
		return fmt.Errorf("link %s not found", name)
	}
	seg.up = up
	return nil
}

// Links lists the node/interface endpoints of a link in sorted order.
func (s *Simulation) Links(name string) []state.Pair[state.NodeId, string] {
	seg, ok := s.segments[name]
	if !ok {
		return nil
	}
	out := make([]state.Pair[state.NodeId, string], 0, len(seg.ends))
	for _, e := range seg.ends {
		out = append(out, state.Pair[state.NodeId, string]{V1: e.node.Id, V2: e.itf.Name})
	}
	state.SortPairs(out)
	return out
}

// Schedule runs fn after delay of virtual time.
func (s *Simulation) Schedule(delay time.Duration, fn func(s *Simulation) error) {
	s.seq++
	heap.Push(&s.events, &event{at: s.now + max(delay, 0), seq: s.seq, fn: fn})
}

// Pending is the number of scheduled events.
func (s *Simulation) Pending() int {
	return s.events.Len()
}

// Step runs the next event. It reports false when no event was left.
func (s *Simulation) Step() (bool, error) {
	if s.events.Len() == 0 {
		return false, nil
	}
	ev := heap.Pop(&s.events).(*event)
	s.now = ev.at
	start := time.Now()
	err := ev.fn(s)
	perf.DispatchLatency.Add(float64(time.Since(start).Microseconds()))
	return true, err
}

// RunUntilIdle runs events until none are left, stopping at the first error.
func (s *Simulation) RunUntilIdle() error {
	return s.RunUntil(-1)
}

// RunUntil runs every event scheduled up to limit; a negative limit runs until idle.
func (s *Simulation) RunUntil(limit time.Duration) error {
	for n := 0; s.events.Len() > 0; n++ {
		if limit >= 0 && s.events[0].at > limit {
			s.now = limit
			return nil
		}
		if s.MaxEvents > 0 && n >= s.MaxEvents {
			return fmt.Errorf("%d events at %s: %w", n, s.now, ErrEventLimit)
		}
		if _, err := s.Step(); err != nil {
			return err
		}
	}
	return nil
}

// Inject schedules a datagram from the upper layer of a node.
func (s *Simulation) Inject(d state.DatagramCfg) error {
	n := s.nodes[d.From]
	if n == nil {
		return fmt.Errorf("node %s not found", d.From)
	}
	ci := &state.ControlInfo{
		Family:   d.Dst.Family(),
		Protocol: d.Protocol,
		Src:      d.Src,
		Dst:      d.Dst,
		HopLimit: d.HopLimit,
	}
	if d.Interface != "" {
		itf := n.Interfaces.InterfaceByName(d.Interface)
		if itf == nil {
			return fmt.Errorf("node %s has no interface %s", d.From, d.Interface)
		}
		ci.Interface = itf.Id
	}
	payload := []byte(d.Payload)
	s.Schedule(d.At-s.now, func(s *Simulation) error {
		dgram, err := n.Send(payload, ci)
		if err != nil {
			return fmt.Errorf("node %s: %w", n.Id, err)
		}
		s.Log.Debug("injected datagram", "node", n.Id, "dgram", dgram, "at", s.now)
		return nil
	})
	return nil
}

func (s *Simulation) discoverer(node state.NodeId) DiscoverFunc {
	return func(nextHop state.Address, itf *state.Interface) (state.Address, bool) {
		seg := s.attached[attachment{V1: node, V2: itf.Id}]
		if seg == nil {
			return state.Address{}, false
		}
		for _, e := range seg.ends {
			if e.node.Id == node || e.itf.Addrs.Link.IsNone() {
				continue
			}
			if e.itf.HasAddress(nextHop) {
				return e.itf.Addrs.Link, true
			}
		}
		return state.Address{}, false
	}
}

// simLink delivers datagrams sent by a node to the other ends of the link after its delay.
type simLink struct {
	s    *Simulation
	node state.NodeId
}

func (l simLink) Transmit(d *state.Datagram, itf *state.Interface, linkAddr state.Address) error {
	seg := l.s.attached[attachment{V1: l.node, V2: itf.Id}]
	if seg == nil {
		return fmt.Errorf("%s/%s: %w", l.node, itf.Name, ErrNotAttached)
	}
	if !seg.up {
		return fmt.Errorf("%s: %w", seg.name, ErrLinkDown)
	}
	group, _ := linkAddr.IsMulticast()
	for _, e := range seg.ends {
		if e.node.Id == l.node {
			continue
		}
		if !linkAddr.IsNone() && !group && linkAddr != state.LinkBroadcast && e.itf.Addrs.Link != linkAddr {
			continue
		}
		c := cloneDatagram(d)
		l.s.Schedule(seg.delay, func(*Simulation) error {
			e.node.Engine.HandleFromNetwork(c, e.itf)
			return nil
		})
	}
	return nil
}

// Dispatch hands fn to the goroutine running Serve without waiting for it.
func (s *Simulation) Dispatch(ctx context.Context, fn func(s *Simulation) error) error {
	select {
	case s.dispatch <- fn:
		return nil
	case <-ctx.Done():
		return context.Cause(ctx)
	}
}

// DispatchWait runs fn on the goroutine running Serve and waits for its result.
func (s *Simulation) DispatchWait(ctx context.Context, fn func(s *Simulation) (any, error)) (any, error) {
	ret := make(chan state.Pair[any, error], 1)
	err := s.Dispatch(ctx, func(s *Simulation) error {
		res, err := fn(s)
		ret <- state.Pair[any, error]{V1: res, V2: err}
		return err
	})
	if err != nil {
		return nil, err
	}
	select {
	case res := <-ret:
		return res.V1, res.V2
	case <-ctx.Done():
		return nil, context.Cause(ctx)
	}
}

// Serve runs dispatched functions, each followed by every event it scheduled, until ctx is done.
// A failing function stops the loop with its error.
func (s *Simulation) Serve(ctx context.Context) error {
	s.Log.Debug("started simulation loop")
	for {
		select {
		case fun := <-s.dispatch:
			start := time.Now()
			err := fun(s)
			if err == nil {
				err = s.RunUntilIdle()
			}
			if elapsed := time.Since(start); elapsed > state.DispatchWarnThreshold {
				s.Log.Warn("dispatch took a long time!", "elapsed", elapsed, "len", len(s.dispatch))
			}
			if err != nil {
				s.Log.Error("error occurred during dispatch", "error", err)
				return err
			}
		case <-ctx.Done():
			s.Log.Debug("stopped simulation loop", "reason", context.Cause(ctx))
			return nil
		}
	}
}

// Teardown purges the routing tables of every node.
func (s *Simulation) Teardown() {
	for _, n := range s.Nodes() {
		n.Teardown()
	}
}
