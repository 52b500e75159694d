package core

import (
	"fmt"

	"github.com/encodeous/netsim/perf"
	"github.com/encodeous/netsim/state"
)

// LinkSender hands a datagram to the link layer of an interface. linkAddr is the resolved
// link-layer destination, or the None address on interfaces that do not resolve.
type LinkSender interface {
	Transmit(d *state.Datagram, itf *state.Interface, linkAddr state.Address) error
}

type LinkSenderFunc func(d *state.Datagram, itf *state.Interface, linkAddr state.Address) error

func (f LinkSenderFunc) Transmit(d *state.Datagram, itf *state.Interface, linkAddr state.Address) error {
	return f(d, itf, linkAddr)
}

// SendToEgress transmits d on itf towards nextHop. The datagram is dropped and counted on every
// error; there is no fragmentation.
func (e *ForwardingEngine) SendToEgress(d *state.Datagram, itf *state.Interface, nextHop state.Address) error {
	if itf == nil {
		e.drop(d, DropNoInterface)
		return ErrNoInterface
	}
	if d.Len() > itf.MTU {
		e.drop(d, DropOversize, "itf", itf, "mtu", itf.MTU)
		return fmt.Errorf("%d bytes on %s (mtu %d): %w", d.Len(), itf, itf.MTU, ErrOversize)
	}
	if d.HopLimit <= 0 {
		e.drop(d, DropHopLimit, "itf", itf)
		return ErrHopLimitExceeded
	}
	if nextHop.IsNone() || nextHop.IsUnspecified() {
		nextHop = d.Dst
	}
	var link state.Address
	if itf.IsBroadcast() && !itf.IsLoopback() {
		var err error
		link, err = e.resolve(nextHop, itf)
		if err != nil {
			e.deps.Log.Warn("failed to resolve next hop", "dgram", d, "nh", nextHop, "itf", itf, "error", err)
			e.drop(d, DropResolve, "nh", nextHop)
			return err
		}
	}
	if e.deps.Link == nil {
		e.drop(d, DropLinkDown, "itf", itf)
		return fmt.Errorf("no link layer for %s: %w", itf, ErrNoInterface)
	}
	d.Stage = state.StageSent
	if err := e.deps.Link.Transmit(d, itf, link); err != nil {
		e.drop(d, DropLinkDown, "itf", itf, "error", err)
		return err
	}
	e.counters.Sent++
	perf.SentPerSecond.Add(1)
	return nil
}

// resolve maps group addresses to their link-layer group and asks the resolver for the rest.
func (e *ForwardingEngine) resolve(nextHop state.Address, itf *state.Interface) (state.Address, error) {
	if bc, _ := nextHop.IsBroadcast(); bc {
		return state.LinkBroadcast, nil
	}
	if bc, ok := itf.Addrs.V4.Broadcast(); ok && bc == nextHop {
		return state.LinkBroadcast, nil
	}
	if mc, _ := nextHop.IsMulticast(); mc {
		if link, ok := multicastLink(nextHop); ok {
			return link, nil
		}
	}
	if e.deps.Resolver == nil {
		return state.Address{}, fmt.Errorf("%s on %s: no resolver: %w", nextHop, itf, ErrResolve)
	}
	return e.deps.Resolver.Resolve(nextHop, itf)
}

// multicastLink maps a v4 group to 01:00:5e plus its low 23 bits and a v6 group to 33:33 plus
// its low 32 bits.
func multicastLink(group state.Address) (state.Address, bool) {
	switch group.Family() {
	case state.FamilyV4:
		ip := group.IP().As4()
		return state.LinkFrom([6]byte{0x01, 0x00, 0x5e, ip[1] & 0x7f, ip[2], ip[3]}), true
	case state.FamilyV6:
		ip := group.IP().As16()
		return state.LinkFrom([6]byte{0x33, 0x33, ip[12], ip[13], ip[14], ip[15]}), true
	case state.FamilyLink:
		return group, true
	default:
		return state.Address{}, false
	}
}
