package core

import (
	"fmt"
	"log/slog"
	"slices"

	"github.com/encodeous/netsim/perf"
	"github.com/encodeous/netsim/state"
)

// EngineCfg tunes the forwarding engine.
type EngineCfg struct {
	// DefaultHopLimit for locally originated datagrams whose control info leaves it unset.
	DefaultHopLimit int
	// LinkLocalMulticastHopLimitOne sends locally originated datagrams to link-local multicast
	// groups with a hop limit of 1 unless the control info says otherwise.
	LinkLocalMulticastHopLimitOne bool
}

// EngineDeps are the collaborators of the forwarding engine. Resolver, Observer and Log may be nil.
type EngineDeps struct {
	Interfaces state.InterfaceTable
	Link       LinkSender
	Resolver   Resolver
	Upper      ProtocolDispatch
	Observer   Observer
	Log        *slog.Logger
}

// ForwardingEngine moves datagrams between the network, the upper layers and the routing table.
// Each call runs a datagram to completion, or until a hook queues it, on the caller's goroutine.
type ForwardingEngine struct {
	cfg      EngineCfg
	table    *RoutingTable
	deps     EngineDeps
	hooks    *HookPipeline
	counters Counters
	groups   map[state.Address]struct{}
	nextId   state.DatagramId
}

func NewForwardingEngine(cfg EngineCfg, table *RoutingTable, deps EngineDeps) *ForwardingEngine {
	if cfg.DefaultHopLimit <= 0 {
		cfg.DefaultHopLimit = state.DefaultHopLimit
	}
	if deps.Observer == nil {
		deps.Observer = NopObserver{}
	}
	if deps.Log == nil {
		deps.Log = slog.Default()
	}
	if deps.Upper == nil {
		deps.Upper = make(ProtocolDispatch)
	}
	return &ForwardingEngine{
		cfg:    cfg,
		table:  table,
		deps:   deps,
		hooks:  NewHookPipeline(),
		groups: make(map[state.Address]struct{}),
	}
}

func (e *ForwardingEngine) Hooks() *HookPipeline { return e.hooks }
func (e *ForwardingEngine) Table() *RoutingTable { return e.table }
func (e *ForwardingEngine) Counters() Counters   { return e.counters }

func (e *ForwardingEngine) RegisterHook(h Hook, priority int) HookHandle {
	return e.hooks.RegisterHook(h, priority)
}

func (e *ForwardingEngine) RegisterProtocol(proto state.ProtocolId, ul UpperLayer) {
	e.deps.Upper.Register(proto, ul)
}

// JoinGroup makes the node a member of a multicast group, so datagrams to it are delivered locally.
func (e *ForwardingEngine) JoinGroup(group state.Address) error {
	if mc, err := group.IsMulticast(); err != nil || !mc {
		return fmt.Errorf("join %s: not a multicast group: %w", group, state.ErrInvalidOperation)
	}
	e.groups[group] = struct{}{}
	return nil
}

func (e *ForwardingEngine) LeaveGroup(group state.Address) {
	delete(e.groups, group)
}

func (e *ForwardingEngine) IsGroupMember(group state.Address) bool {
	_, ok := e.groups[group]
	return ok
}

// NewDatagram allocates a datagram with a fresh id.
func (e *ForwardingEngine) NewDatagram() *state.Datagram {
	e.nextId++
	return &state.Datagram{Id: e.nextId}
}

func (e *ForwardingEngine) drop(d *state.Datagram, reason DropReason, args ...any) {
	d.Stage = state.StageDropped
	e.counters.countDrop(reason)
	e.deps.Log.Debug("dropped datagram", append([]any{"dgram", d, "reason", reason}, args...)...)
	e.deps.Observer.DatagramDropped(d, reason)
}

// hook runs the hooks of a stage and reports whether processing should go on.
func (e *ForwardingEngine) hook(k *continuation, stage state.DatagramStage) bool {
	k.stage = stage
	k.dgram.Stage = stage
	v, token := e.hooks.run(k)
	switch v {
	case Accept:
		return true
	case Drop:
		e.drop(k.dgram, DropHook, "stage", stage)
	case Stolen:
		k.dgram.Stage = state.StageStolen
		e.counters.Stolen++
	case Queue:
		e.hooks.suspend(token, k)
		e.counters.Queued++
		perf.QueuedPerSecond.Add(1)
		e.deps.Log.Debug("queued datagram", "dgram", k.dgram, "stage", stage, "token", token)
	}
	return false
}

// HandleFromNetwork processes a datagram received on inbound.
func (e *ForwardingEngine) HandleFromNetwork(d *state.Datagram, inbound *state.Interface) {
	d.Stage = state.StageReceived
	e.counters.Received++
	d.HopLimit--
	if d.HopLimit < 0 {
		e.drop(d, DropHopLimit)
		return
	}
	k := &continuation{dgram: d, inbound: inbound}
	if e.hook(k, state.StagePreRouting) {
		e.afterPreRouting(k)
	}
}

func (e *ForwardingEngine) afterPreRouting(k *continuation) {
	if isGroup(k.dgram.Dst) {
		e.RouteMulticast(k.dgram, k.inbound)
		return
	}
	e.route(k)
}

// HandleFromUpperLayer encapsulates payload into a datagram described by ci and sends it.
// Datagrams that cannot be delivered are dropped and counted, not reported as errors.
func (e *ForwardingEngine) HandleFromUpperLayer(payload []byte, ci *state.ControlInfo) (*state.Datagram, error) {
	if ci == nil || ci.Dst.IsNone() {
		return nil, ErrNoDestination
	}
	d := e.NewDatagram()
	d.Src = ci.Src
	d.Dst = ci.Dst
	d.Protocol = ci.Protocol
	d.Payload = payload
	d.HopLimit = ci.HopLimit
	if d.HopLimit <= 0 {
		d.HopLimit = e.defaultHopLimit(ci.Dst)
	}
	k := &continuation{dgram: d, fromUpper: true, nextHop: ci.NextHop}
	if ci.Interface != state.NoInterface && e.deps.Interfaces != nil {
		k.outbound = e.deps.Interfaces.InterfaceById(ci.Interface)
		if k.outbound == nil {
			e.drop(d, DropNoInterface, "itf", ci.Interface)
			return d, nil
		}
	}
	if e.hook(k, state.StageLocalOut) {
		e.afterLocalOut(k)
	}
	return d, nil
}

func (e *ForwardingEngine) defaultHopLimit(dst state.Address) int {
	if e.cfg.LinkLocalMulticastHopLimitOne && isLinkLocalMulticast(dst) {
		return 1
	}
	return e.cfg.DefaultHopLimit
}

func (e *ForwardingEngine) afterLocalOut(k *continuation) {
	if isGroup(k.dgram.Dst) {
		e.sendMulticast(k)
		return
	}
	e.route(k)
}

// RouteDatagram makes the routing decision for d. If egress is set it is used with nextHop
// (or d.Dst when nextHop is unspecified) instead of consulting the routing table.
func (e *ForwardingEngine) RouteDatagram(d *state.Datagram, egress *state.Interface, nextHop state.Address, fromUpperLayer bool) {
	e.route(&continuation{dgram: d, outbound: egress, nextHop: nextHop, fromUpper: fromUpperLayer})
}

func (e *ForwardingEngine) route(k *continuation) {
	d := k.dgram
	if e.table.IsLocalAddress(d.Dst) || (!k.fromUpper && e.table.IsLocalBroadcastAddress(d.Dst)) {
		if e.hook(k, state.StageLocalIn) {
			e.deliver(k)
		}
		return
	}
	if !k.fromUpper {
		if !e.table.Forwarding() {
			e.drop(d, DropForwardingDisabled)
			return
		}
		if d.HopLimit <= 0 {
			e.drop(d, DropHopLimit)
			return
		}
	}
	if k.outbound == nil {
		r := e.table.FindBestMatch(d.Dst)
		if r == nil {
			e.drop(d, DropUnroutable)
			return
		}
		k.outbound = r.Interface()
		k.nextHop = r.NextHop()
	}
	if k.nextHop.IsUnspecified() {
		k.nextHop = d.Dst
	}
	if d.Src.IsUnspecified() && k.outbound != nil {
		if src, ok := k.outbound.Address(d.Family()); ok {
			d.Src = src
		}
	}
	if k.fromUpper || e.hook(k, state.StageForward) {
		e.postRouting(k)
	}
}

func (e *ForwardingEngine) postRouting(k *continuation) {
	if e.hook(k, state.StagePostRouting) {
		e.transmit(k)
	}
}

func (e *ForwardingEngine) transmit(k *continuation) {
	if err := e.SendToEgress(k.dgram, k.outbound, k.nextHop); err != nil {
		return
	}
	if !k.fromUpper {
		e.counters.Forwarded++
		perf.ForwardedPerSecond.Add(1)
	}
}

func (e *ForwardingEngine) deliver(k *continuation) {
	d := k.dgram
	ul, ok := e.deps.Upper[d.Protocol]
	if !ok {
		e.drop(d, DropUnknownProtocol, "proto", d.Protocol)
		return
	}
	ci := &state.ControlInfo{}
	if pol, err := state.PolicyOf(d.Dst); err == nil {
		ci = pol.NewControlInfo()
	}
	ci.Protocol = d.Protocol
	ci.Src = d.Src
	ci.Dst = d.Dst
	ci.HopLimit = d.HopLimit
	if k.inbound != nil {
		ci.Interface = k.inbound.Id
	}
	d.Stage = state.StageLocalDelivery
	e.counters.Delivered++
	perf.DeliveredPerSecond.Add(1)
	ul.DeliverLocally(d.Payload, ci)
}

// RouteMulticast handles a group addressed datagram from the network: members deliver it
// locally, and with multicast forwarding enabled it is forwarded along the best matching
// multicast route, or flooded out of every other interface when no route matches.
func (e *ForwardingEngine) RouteMulticast(d *state.Datagram, inbound *state.Interface) {
	bcast, _ := d.Dst.IsBroadcast()
	member := bcast || e.IsGroupMember(d.Dst)
	var targets []*state.Interface
	reason := DropUnroutable
	if !bcast && e.table.MulticastForwarding() && d.HopLimit > 0 && !isLinkLocalMulticast(d.Dst) {
		targets, reason = e.multicastTargets(d, inbound)
	}
	if !member && len(targets) == 0 {
		e.drop(d, reason, "inbound", inbound)
		return
	}
	for _, itf := range targets {
		k := &continuation{dgram: cloneDatagram(d), inbound: inbound, outbound: itf, nextHop: d.Dst}
		if e.hook(k, state.StageForward) {
			e.postRouting(k)
		}
	}
	if member {
		k := &continuation{dgram: d, inbound: inbound}
		if e.hook(k, state.StageLocalIn) {
			e.deliver(k)
		}
	}
}

// multicastTargets picks the interfaces a group datagram is forwarded on. A matching route that
// expects another inbound interface forwards nothing.
func (e *ForwardingEngine) multicastTargets(d *state.Datagram, inbound *state.Interface) ([]*state.Interface, DropReason) {
	var out []*state.Interface
	if r := e.table.FindBestMatchingMulticastRoute(d.Src, d.Dst); r != nil {
		if r.Inbound() != nil && r.Inbound() != inbound {
			e.deps.Log.Debug("multicast datagram on wrong inbound interface", "dgram", d, "route", r, "inbound", inbound)
			return nil, DropWrongInbound
		}
		for _, itf := range r.spec.Outbound {
			if itf != inbound && !itf.IsLoopback() {
				out = append(out, itf)
			}
		}
		return out, DropUnroutable
	}
	if e.deps.Interfaces != nil {
		for i := range e.deps.Interfaces.NumInterfaces() {
			itf := e.deps.Interfaces.InterfaceAt(i)
			if itf != inbound && !itf.IsLoopback() && itf.IsMulticast() {
				out = append(out, itf)
			}
		}
	}
	return out, DropUnroutable
}

// sendMulticast sends a locally originated group datagram through the requested interface, or
// a copy through every non-loopback interface.
func (e *ForwardingEngine) sendMulticast(k *continuation) {
	if k.outbound != nil {
		k.nextHop = k.dgram.Dst
		e.fillSource(k.dgram, k.outbound)
		e.postRouting(k)
		return
	}
	var targets []*state.Interface
	if e.deps.Interfaces != nil {
		for i := range e.deps.Interfaces.NumInterfaces() {
			if itf := e.deps.Interfaces.InterfaceAt(i); !itf.IsLoopback() {
				targets = append(targets, itf)
			}
		}
	}
	if len(targets) == 0 {
		e.drop(k.dgram, DropNoInterface)
		return
	}
	explicit := !k.dgram.Src.IsUnspecified()
	for i, itf := range targets {
		d := k.dgram
		if i > 0 {
			d = cloneDatagram(k.dgram)
		}
		if !explicit {
			d.Src = state.Address{}
			e.fillSource(d, itf)
		}
		e.postRouting(&continuation{dgram: d, outbound: itf, nextHop: d.Dst, fromUpper: true})
	}
}

func (e *ForwardingEngine) fillSource(d *state.Datagram, itf *state.Interface) {
	if !d.Src.IsUnspecified() {
		return
	}
	if src, ok := itf.Address(d.Family()); ok {
		d.Src = src
	}
}

// Reinject resumes a queued datagram at the stage after the one that queued it.
func (e *ForwardingEngine) Reinject(token QueueToken) error {
	k, err := e.hooks.take(token)
	if err != nil {
		return err
	}
	e.deps.Log.Debug("reinjecting datagram", "dgram", k.dgram, "stage", k.stage, "token", token)
	k.dgram.Stage = k.stage
	switch k.stage {
	case state.StagePreRouting:
		e.afterPreRouting(k)
	case state.StageLocalIn:
		e.deliver(k)
	case state.StageLocalOut:
		e.afterLocalOut(k)
	case state.StageForward:
		e.postRouting(k)
	case state.StagePostRouting:
		e.transmit(k)
	default:
		return fmt.Errorf("cannot resume datagram at %s", k.stage)
	}
	return nil
}

// DropQueued discards a queued datagram. Dropping a token twice, or after reinjecting it, fails.
func (e *ForwardingEngine) DropQueued(token QueueToken) error {
	k, err := e.hooks.take(token)
	if err != nil {
		return err
	}
	e.drop(k.dgram, DropHook, "token", token)
	return nil
}

func isGroup(a state.Address) bool {
	mc, _ := a.IsMulticast()
	bc, _ := a.IsBroadcast()
	return mc || bc
}

// isLinkLocalMulticast covers 224.0.0.0/24 and ff02::/16.
func isLinkLocalMulticast(a state.Address) bool {
	switch a.Family() {
	case state.FamilyV4:
		ip := a.IP().As4()
		return ip[0] == 224 && ip[1] == 0 && ip[2] == 0
	case state.FamilyV6:
		ip := a.IP().As16()
		return ip[0] == 0xff && ip[1]&0x0f == 0x02
	default:
		return false
	}
}

func cloneDatagram(d *state.Datagram) *state.Datagram {
	c := *d
	c.Payload = slices.Clone(d.Payload)
	return &c
}
