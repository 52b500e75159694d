package core

import (
	"fmt"
	"slices"
	"strings"
	"testing"

	"github.com/encodeous/netsim/state"
	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
)

type HarnessEvent struct {
	Message string
	Args    []any
}

func MakeEvent(msg string, args ...any) HarnessEvent {
	return HarnessEvent{
		Message: msg,
		Args:    args,
	}
}

// ObserverHarness records every notification as an event.
type ObserverHarness struct {
	actions []HarnessEvent
}

func (h *ObserverHarness) RouteAdded(r *Route) {
	h.actions = append(h.actions, MakeEvent("ROUTE_ADDED", r.String()))
}

func (h *ObserverHarness) RouteRemoved(r *Route) {
	h.actions = append(h.actions, MakeEvent("ROUTE_REMOVED", r.String()))
}

func (h *ObserverHarness) RouteChanged(r *Route, fields RouteField) {
	h.actions = append(h.actions, MakeEvent("ROUTE_CHANGED", r.String(), fields))
}

func (h *ObserverHarness) MulticastRouteAdded(r *MulticastRoute) {
	h.actions = append(h.actions, MakeEvent("MROUTE_ADDED", r.String()))
}

func (h *ObserverHarness) MulticastRouteRemoved(r *MulticastRoute) {
	h.actions = append(h.actions, MakeEvent("MROUTE_REMOVED", r.String()))
}

func (h *ObserverHarness) MulticastRouteChanged(r *MulticastRoute) {
	h.actions = append(h.actions, MakeEvent("MROUTE_CHANGED", r.String()))
}

func (h *ObserverHarness) InterfaceConfigChanged(itf *state.Interface) {
	h.actions = append(h.actions, MakeEvent("INTERFACE_CHANGED", itf.Name))
}

func (h *ObserverHarness) DatagramDropped(d *state.Datagram, reason DropReason) {
	h.actions = append(h.actions, MakeEvent("DROPPED", d.Dst, reason))
}

type HarnessEvents []HarnessEvent

func (h HarnessEvents) String() string {
	out := make([]string, 0)
	for _, action := range h {
		cur := action.Message
		for _, arg := range action.Args {
			cur += " " + fmt.Sprint(arg)
		}
		out = append(out, cur)
	}
	slices.Sort(out)
	return strings.Join(out, "\n")
}

func (h *ObserverHarness) GetActions() HarnessEvents {
	x := h.actions
	h.actions = make([]HarnessEvent, 0)
	return x
}

func (e HarnessEvents) contains(msg string, args ...any) bool {
	for _, event := range e {
		if event.Message != msg || len(event.Args) < len(args) {
			continue
		}
		match := true
		for i, arg := range args {
			if !cmp.Equal(event.Args[i], arg, cmpopts.EquateComparable(state.Address{})) {
				match = false
				break
			}
		}
		if match {
			return true
		}
	}
	return false
}

func (e HarnessEvents) AssertContains(t *testing.T, msg string, args ...any) {
	t.Helper()
	if e.contains(msg, args...) {
		return
	}
	t.Fatal("Expected event not found: ", msg, " with args: ", args, " in ", e)
}

func (e HarnessEvents) AssertNotContains(t *testing.T, msg string, args ...any) {
	t.Helper()
	if e.contains(msg, args...) {
		t.Fatal("Unexpected event found: ", msg, " with args: ", args, " in ", e)
	}
}

func addr(s string) state.Address {
	return state.MustParseAddress(s)
}

func prefix(s string) state.AddressPrefix {
	p, err := state.ParseAddressPrefix(s)
	if err != nil {
		panic(err)
	}
	return p
}

// MakeInterfaces builds an interface table with one broadcast interface per address prefix,
// named eth0, eth1, ... with link addresses 02:00:00:00:00:01, 02:00:00:00:00:02, ...
func MakeInterfaces(prefixes ...string) *state.Interfaces {
	ifaces := &state.Interfaces{}
	for i, p := range prefixes {
		itf := &state.Interface{
			Name:  fmt.Sprintf("eth%d", i),
			Flags: state.FlagBroadcast | state.FlagMulticast,
		}
		itf.Addrs.Link = state.LinkFrom([6]byte{0x02, 0, 0, 0, 0, byte(i + 1)})
		pfx := prefix(p)
		if pfx.Addr.Family() == state.FamilyV6 {
			itf.Addrs.V6 = append(itf.Addrs.V6, pfx)
		} else {
			itf.Addrs.V4 = pfx
		}
		if err := ifaces.Add(itf); err != nil {
			panic(err)
		}
	}
	return ifaces
}

func MakeRoute(dst string, plen int, nh string, itf *state.Interface, metric int) *Route {
	spec := RouteSpec{
		Destination:  addr(dst),
		PrefixLength: plen,
		Interface:    itf,
		Metric:       metric,
	}
	if nh != "" {
		spec.NextHop = addr(nh)
	}
	return MustNewRoute(spec)
}

// RouteStrings renders a table for comparisons with cmp.Diff.
func RouteStrings(t *RoutingTable) []string {
	out := make([]string, 0, t.Len())
	for _, r := range t.Routes() {
		out = append(out, r.String())
	}
	return out
}

// AssertSorted fails if any neighbouring routes violate the table order.
func AssertSorted(t *testing.T, tb *RoutingTable) {
	t.Helper()
	routes := tb.Routes()
	for i := 1; i < len(routes); i++ {
		a, b := routes[i-1], routes[i]
		if a.PrefixLength() < b.PrefixLength() {
			t.Fatalf("prefix order violated at %d: %s before %s", i, a, b)
		}
		if a.PrefixLength() == b.PrefixLength() {
			c := a.Destination().Compare(b.Destination())
			if c > 0 || (c == 0 && a.Metric() > b.Metric()) {
				t.Fatalf("order violated at %d: %s before %s", i, a, b)
			}
		}
	}
}

// recordingLink captures every transmitted datagram.
type recordingLink struct {
	sent []transmission
	err  error
}

type transmission struct {
	Dgram *state.Datagram
	Itf   string
	Link  state.Address
}

func (l *recordingLink) Transmit(d *state.Datagram, itf *state.Interface, linkAddr state.Address) error {
	if l.err != nil {
		return l.err
	}
	l.sent = append(l.sent, transmission{d, itf.Name, linkAddr})
	return nil
}

// recordingUpper captures every local delivery.
type recordingUpper struct {
	got []Delivery
}

func (u *recordingUpper) DeliverLocally(payload []byte, ci *state.ControlInfo) {
	u.got = append(u.got, Delivery{Payload: payload, Info: *ci})
}
