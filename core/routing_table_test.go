package core

import (
	"errors"
	"math/rand/v2"
	"net/netip"
	"testing"

	"github.com/encodeous/netsim/state"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFindBestMatch_LongerPrefixWins(t *testing.T) {
	ifaces := MakeInterfaces("192.168.0.1/24", "192.168.1.1/24")
	tb := NewRoutingTable(ifaces)
	eth0, eth1 := ifaces.InterfaceAt(0), ifaces.InterfaceAt(1)

	wide := MakeRoute("10.0.0.0", 8, "192.168.0.254", eth0, 5)
	narrow := MakeRoute("10.0.1.0", 24, "192.168.1.254", eth1, 1)
	require.NoError(t, tb.AddRoute(wide))
	require.NoError(t, tb.AddRoute(narrow))

	assert.Same(t, narrow, tb.FindBestMatch(addr("10.0.1.5")))
	assert.Same(t, wide, tb.FindBestMatch(addr("10.0.2.5")))
	assert.Nil(t, tb.FindBestMatch(addr("11.0.0.1")))
}

func TestFindBestMatch_LowerMetricWins(t *testing.T) {
	ifaces := MakeInterfaces("192.168.0.1/24")
	tb := NewRoutingTable(ifaces)
	eth0 := ifaces.InterfaceAt(0)

	slow := MakeRoute("192.0.2.0", 24, "192.168.0.10", eth0, 10)
	fast := MakeRoute("192.0.2.0", 24, "192.168.0.5", eth0, 5)
	require.NoError(t, tb.AddRoute(slow))
	require.NoError(t, tb.AddRoute(fast))

	assert.Same(t, fast, tb.FindBestMatch(addr("192.0.2.7")))

	removed, err := tb.RemoveRoute(fast)
	require.NoError(t, err)
	assert.Same(t, fast, removed)
	assert.Nil(t, removed.Table())
	assert.Same(t, slow, tb.FindBestMatch(addr("192.0.2.7")))
}

func TestAddRoute_Ownership(t *testing.T) {
	ifaces := MakeInterfaces("192.168.0.1/24")
	a := NewRoutingTable(ifaces)
	b := NewRoutingTable(ifaces)
	r := MakeRoute("10.0.0.0", 8, "", ifaces.InterfaceAt(0), 1)

	require.NoError(t, a.AddRoute(r))
	assert.Same(t, a, r.Table())
	assert.ErrorIs(t, a.AddRoute(r), ErrDuplicateOwnership)
	assert.ErrorIs(t, b.AddRoute(r), ErrDuplicateOwnership)
	assert.ErrorIs(t, r.Destroy(), ErrDuplicateOwnership)

	_, err := b.RemoveRoute(r)
	assert.ErrorIs(t, err, ErrRouteNotFound)

	_, err = a.RemoveRoute(r)
	require.NoError(t, err)
	_, err = a.RemoveRoute(r)
	assert.ErrorIs(t, err, ErrRouteNotFound)

	require.NoError(t, b.AddRoute(r))
	assert.Same(t, b, r.Table())
	assert.Same(t, r, b.FindBestMatch(addr("10.1.2.3")))
}

func TestAddRoute_RejectsInvalid(t *testing.T) {
	tb := NewRoutingTable(nil)
	_, err := NewRoute(RouteSpec{Destination: addr("10.0.0.0"), PrefixLength: 33})
	assert.ErrorIs(t, err, ErrInvalidRoute)
	_, err = NewRoute(RouteSpec{PrefixLength: 0})
	assert.ErrorIs(t, err, ErrInvalidRoute)
	_, err = NewRoute(RouteSpec{Destination: addr("10.0.0.0"), PrefixLength: 8, NextHop: addr("fe80::1")})
	assert.ErrorIs(t, err, ErrInvalidRoute)
	assert.Equal(t, 0, tb.Len())
}

func TestRoutingTable_Order(t *testing.T) {
	ifaces := MakeInterfaces("192.168.0.1/24")
	eth0 := ifaces.InterfaceAt(0)
	tb := NewRoutingTable(ifaces)

	for _, r := range []*Route{
		MakeRoute("0.0.0.0", 0, "192.168.0.254", eth0, 1),
		MakeRoute("10.0.0.0", 8, "192.168.0.2", eth0, 3),
		MakeRoute("10.0.0.0", 8, "192.168.0.3", eth0, 1),
		MakeRoute("10.0.1.0", 24, "192.168.0.4", eth0, 7),
		MakeRoute("9.0.0.0", 8, "192.168.0.5", eth0, 9),
		MakeRoute("10.0.1.7", 32, "", eth0, 0),
	} {
		require.NoError(t, tb.AddRoute(r))
	}

	want := []string{
		"10.0.1.7/32 dev eth0 metric 0 manual",
		"10.0.1.0/24 via 192.168.0.4 dev eth0 metric 7 manual",
		"9.0.0.0/8 via 192.168.0.5 dev eth0 metric 9 manual",
		"10.0.0.0/8 via 192.168.0.3 dev eth0 metric 1 manual",
		"10.0.0.0/8 via 192.168.0.2 dev eth0 metric 3 manual",
		"0.0.0.0/0 via 192.168.0.254 dev eth0 metric 1 manual",
	}
	if diff := cmp.Diff(want, RouteStrings(tb)); diff != "" {
		t.Errorf("table order mismatch (-want +got):\n%s", diff)
	}
	assert.Equal(t, "0.0.0.0/0 via 192.168.0.254 dev eth0 metric 1 manual", tb.DefaultRoute().String())
}

func TestUpdateRoute_Resorts(t *testing.T) {
	ifaces := MakeInterfaces("192.168.0.1/24")
	eth0 := ifaces.InterfaceAt(0)
	h := &ObserverHarness{}
	tb := NewRoutingTable(ifaces, WithObserver(h))

	a := MakeRoute("192.0.2.0", 24, "192.168.0.2", eth0, 1)
	b := MakeRoute("192.0.2.0", 24, "192.168.0.3", eth0, 2)
	require.NoError(t, tb.AddRoute(a))
	require.NoError(t, tb.AddRoute(b))
	h.GetActions()

	require.NoError(t, tb.SetMetric(a, 10))
	AssertSorted(t, tb)
	assert.Same(t, b, tb.FindBestMatch(addr("192.0.2.1")))
	ev := h.GetActions()
	ev.AssertContains(t, "ROUTE_CHANGED", a.String(), FieldMetric)

	// next hop does not affect the order
	require.NoError(t, tb.SetNextHop(b, addr("192.168.0.9")))
	assert.Equal(t, addr("192.168.0.9"), tb.FindBestMatch(addr("192.0.2.1")).NextHop())
	h.GetActions().AssertContains(t, "ROUTE_CHANGED", b.String(), FieldNextHop)

	// moving a route to a longer prefix makes it win again
	require.NoError(t, tb.UpdateRoute(a, func(spec *RouteSpec) {
		spec.Destination = addr("192.0.2.128")
		spec.PrefixLength = 25
	}))
	AssertSorted(t, tb)
	assert.Same(t, a, tb.FindBestMatch(addr("192.0.2.200")))
	assert.Same(t, b, tb.FindBestMatch(addr("192.0.2.1")))
	h.GetActions().AssertContains(t, "ROUTE_CHANGED", a.String(), FieldDestination|FieldPrefixLength)

	// no-op edits are silent
	require.NoError(t, tb.SetMetric(a, 10))
	assert.Empty(t, h.GetActions())

	// invalid edits leave the route untouched
	assert.ErrorIs(t, tb.UpdateRoute(a, func(spec *RouteSpec) { spec.PrefixLength = 99 }), ErrInvalidRoute)
	assert.Equal(t, 25, a.PrefixLength())

	_, err := tb.RemoveRoute(b)
	require.NoError(t, err)
	h.GetActions()
	require.NoError(t, tb.SetMetric(b, 1))
	assert.Equal(t, 1, b.Metric())
	assert.Empty(t, h.GetActions())
}

func TestUpdateRoute_UnownedRoute(t *testing.T) {
	ifaces := MakeInterfaces("192.168.0.1/24")
	eth0 := ifaces.InterfaceAt(0)
	h := &ObserverHarness{}
	tb := NewRoutingTable(ifaces, WithObserver(h))
	other := NewRoutingTable(ifaces)

	r := MakeRoute("192.0.2.0", 24, "192.168.0.2", eth0, 1)
	require.NoError(t, tb.SetMetric(r, 7))
	require.NoError(t, tb.UpdateRoute(r, func(spec *RouteSpec) {
		spec.Destination = addr("198.51.100.0")
	}))
	assert.Equal(t, 7, r.Metric())
	assert.Equal(t, addr("198.51.100.0"), r.Destination())
	assert.Nil(t, r.Table())
	assert.Empty(t, h.GetActions())

	assert.ErrorIs(t, tb.UpdateRoute(r, func(spec *RouteSpec) { spec.PrefixLength = 40 }), ErrInvalidRoute)
	assert.Equal(t, 24, r.PrefixLength())

	// the edited route is inserted at its new position
	require.NoError(t, tb.AddRoute(r))
	assert.Same(t, r, tb.FindBestMatch(addr("198.51.100.9")))

	// a route owned by another table stays out of reach
	owned := MakeRoute("172.16.0.0", 12, "", eth0, 1)
	require.NoError(t, other.AddRoute(owned))
	assert.ErrorIs(t, tb.SetMetric(owned, 3), ErrRouteNotFound)
	assert.Equal(t, 1, owned.Metric())
}

func TestRoutingTable_Notifications(t *testing.T) {
	ifaces := MakeInterfaces("192.168.0.1/24")
	h := &ObserverHarness{}
	tb := NewRoutingTable(ifaces, WithObserver(h))
	r := MakeRoute("10.0.0.0", 8, "", ifaces.InterfaceAt(0), 1)

	require.NoError(t, tb.AddRoute(r))
	h.GetActions().AssertContains(t, "ROUTE_ADDED", "10.0.0.0/8 dev eth0 metric 1 manual")

	_, err := tb.RemoveRoute(r)
	require.NoError(t, err)
	ev := h.GetActions()
	ev.AssertContains(t, "ROUTE_REMOVED", "10.0.0.0/8 dev eth0 metric 1 manual")
	ev.AssertNotContains(t, "ROUTE_ADDED")
}

func TestRoutingTable_RandomOperationsKeepOrder(t *testing.T) {
	ifaces := MakeInterfaces("192.168.0.1/24", "2001:db8::1/64")
	eth0 := ifaces.InterfaceAt(0)
	tb := NewRoutingTable(ifaces)
	rng := rand.New(rand.NewPCG(1, 2))

	var owned []*Route
	for i := 0; i < 2000; i++ {
		switch op := rng.IntN(4); {
		case op < 2 || len(owned) == 0:
			plen := rng.IntN(33)
			dst := state.V4FromUint32(rng.Uint32() & 0x0a0fffff)
			r := MustNewRoute(RouteSpec{Destination: dst, PrefixLength: plen, Interface: eth0, Metric: rng.IntN(4)})
			require.NoError(t, tb.AddRoute(r))
			owned = append(owned, r)
		case op == 2:
			idx := rng.IntN(len(owned))
			_, err := tb.RemoveRoute(owned[idx])
			require.NoError(t, err)
			owned = append(owned[:idx], owned[idx+1:]...)
		default:
			r := owned[rng.IntN(len(owned))]
			require.NoError(t, tb.UpdateRoute(r, func(spec *RouteSpec) {
				spec.Metric = rng.IntN(4)
				spec.PrefixLength = rng.IntN(33)
			}))
		}
		if i%100 == 0 {
			AssertSorted(t, tb)
		}
	}
	AssertSorted(t, tb)
	assert.Equal(t, len(owned), tb.Len())

	for i := 0; i < 2000; i++ {
		dst := state.V4FromUint32(rng.Uint32() & 0x0a0fffff)
		assert.Same(t, tb.scan(dst), tb.FindBestMatch(dst), "lookup of %s", dst)
	}
}

func TestFindBestMatch_IndexAgreesWithScan(t *testing.T) {
	ifaces := MakeInterfaces("2001:db8::1/64")
	eth0 := ifaces.InterfaceAt(0)
	tb := NewRoutingTable(ifaces)
	for _, r := range []*Route{
		MakeRoute("::", 0, "fe80::1", eth0, 5),
		MakeRoute("2001:db8::", 32, "fe80::2", eth0, 1),
		MakeRoute("2001:db8:1::", 48, "fe80::3", eth0, 1),
		// host bits set, the route still covers 2001:db8:1::/48
		MakeRoute("2001:db8:1::99", 48, "fe80::4", eth0, 1),
		MakeRoute("::ffff:10.0.0.0", 104, "fe80::5", eth0, 1),
		MakeRoute("10.0.0.0", 8, "", eth0, 1),
	} {
		require.NoError(t, tb.AddRoute(r))
	}
	for _, q := range []string{"2001:db8:1::1", "2001:db8:2::1", "2002::1", "::ffff:10.1.1.1", "10.1.1.1", "11.1.1.1"} {
		a := addr(q)
		assert.Same(t, tb.scan(a), tb.FindBestMatch(a), "lookup of %s", q)
	}
	assert.Equal(t, addr("fe80::3"), tb.FindBestMatch(addr("2001:db8:1::1")).NextHop())
	assert.Equal(t, addr("fe80::5"), tb.FindBestMatch(addr("::ffff:10.1.1.1")).NextHop())
	assert.Nil(t, tb.FindBestMatch(addr("11.1.1.1")))
}

func TestFindBestMatch_ExactMatchFamilies(t *testing.T) {
	tb := NewRoutingTable(nil)
	toFive := MustNewRoute(RouteSpec{Destination: state.ModuleIdFrom(5), PrefixLength: 64, Metric: 1})
	anyModule := MustNewRoute(RouteSpec{Destination: state.ModuleIdFrom(0), PrefixLength: 0, Metric: 1})
	path := MustNewRoute(RouteSpec{Destination: addr("mp:1.2.3"), PrefixLength: 64})
	require.NoError(t, tb.AddRoute(anyModule))
	require.NoError(t, tb.AddRoute(toFive))
	require.NoError(t, tb.AddRoute(path))

	assert.Same(t, toFive, tb.FindBestMatch(state.ModuleIdFrom(5)))
	assert.Same(t, anyModule, tb.FindBestMatch(state.ModuleIdFrom(6)))
	assert.Same(t, path, tb.FindBestMatch(addr("mp:1.2.3")))
	assert.Nil(t, tb.FindBestMatch(addr("mp:1.2.4")))
	assert.Nil(t, tb.FindBestMatch(addr("10.0.0.1")))
}

func TestDefaultRouteFor(t *testing.T) {
	ifaces := MakeInterfaces("192.168.0.1/24", "2001:db8::1/64")
	tb := NewRoutingTable(ifaces)
	assert.Nil(t, tb.DefaultRoute())

	v4 := MakeRoute("0.0.0.0", 0, "192.168.0.254", ifaces.InterfaceAt(0), 1)
	v6 := MakeRoute("::", 0, "2001:db8::fe", ifaces.InterfaceAt(1), 1)
	require.NoError(t, tb.AddRoute(v4))
	require.NoError(t, tb.AddRoute(v6))
	require.NoError(t, tb.AddRoute(MakeRoute("10.0.0.0", 8, "", ifaces.InterfaceAt(0), 1)))

	assert.Same(t, v6, tb.DefaultRoute())
	assert.Same(t, v4, tb.DefaultRouteFor(state.FamilyV4))
	assert.Same(t, v6, tb.DefaultRouteFor(state.FamilyV6))
	assert.Nil(t, tb.DefaultRouteFor(state.FamilyLink))
}

func TestTieBreak_AdminDistance(t *testing.T) {
	ifaces := MakeInterfaces("192.168.0.1/24")
	eth0 := ifaces.InterfaceAt(0)

	mk := func(src RouteSource, admin int) *Route {
		return MustNewRoute(RouteSpec{
			Destination: addr("10.0.0.0"), PrefixLength: 8, Interface: eth0,
			Metric: 1, Source: src, AdminDistance: admin,
		})
	}

	insertion := NewRoutingTable(ifaces)
	protocol, manual := mk(SourceProtocol, 0), mk(SourceManual, 0)
	require.NoError(t, insertion.AddRoute(protocol))
	require.NoError(t, insertion.AddRoute(manual))
	assert.Same(t, protocol, insertion.FindBestMatch(addr("10.0.0.1")))

	admin := NewRoutingTable(ifaces, WithTieBreak(TieBreakAdminDistance))
	protocol, manual, connected := mk(SourceProtocol, 0), mk(SourceManual, 0), mk(SourceInterface, 0)
	require.NoError(t, admin.AddRoute(protocol))
	require.NoError(t, admin.AddRoute(manual))
	assert.Same(t, manual, admin.FindBestMatch(addr("10.0.0.1")))
	require.NoError(t, admin.AddRoute(connected))
	assert.Same(t, connected, admin.FindBestMatch(addr("10.0.0.1")))

	// a lower admin distance beats provenance
	require.NoError(t, admin.UpdateRoute(protocol, func(spec *RouteSpec) { spec.AdminDistance = -1 }))
	assert.Same(t, protocol, admin.FindBestMatch(addr("10.0.0.1")))

	tb, err := ParseTieBreak("admin_distance")
	require.NoError(t, err)
	assert.Equal(t, TieBreakAdminDistance, tb)
	_, err = ParseTieBreak("random")
	assert.Error(t, err)
}

func TestIsLocalAddress(t *testing.T) {
	ifaces := MakeInterfaces("192.168.0.1/24", "2001:db8::1/64")
	tb := NewRoutingTable(ifaces)
	assert.True(t, tb.IsLocalAddress(addr("192.168.0.1")))
	assert.True(t, tb.IsLocalAddress(addr("2001:db8::1")))
	assert.True(t, tb.IsLocalAddress(addr("02:00:00:00:00:01")))
	assert.False(t, tb.IsLocalAddress(addr("192.168.0.2")))
	assert.False(t, tb.IsLocalAddress(state.Address{}))
}

func TestIsLocalBroadcastAddress(t *testing.T) {
	ifaces := MakeInterfaces("192.168.0.1/24", "10.0.0.1/31")
	p2p := &state.Interface{Name: "ppp0", Flags: state.FlagPointToPoint}
	p2p.Addrs.V4 = prefix("172.16.0.1/16")
	require.NoError(t, ifaces.Add(p2p))
	tb := NewRoutingTable(ifaces)

	assert.True(t, tb.IsLocalBroadcastAddress(addr("192.168.0.255")))
	assert.Same(t, ifaces.InterfaceAt(0), tb.InterfaceByLocalBroadcast(addr("192.168.0.255")))
	assert.False(t, tb.IsLocalBroadcastAddress(addr("192.168.0.254")))
	assert.False(t, tb.IsLocalBroadcastAddress(addr("255.255.255.255")))
	assert.False(t, tb.IsLocalBroadcastAddress(addr("10.0.0.1")))
	assert.False(t, tb.IsLocalBroadcastAddress(addr("172.16.255.255")))
	assert.False(t, tb.IsLocalBroadcastAddress(addr("ff02::1")))
	assert.Nil(t, NewRoutingTable(nil).InterfaceByLocalBroadcast(addr("192.168.0.255")))
}

func TestRouterId_Selection(t *testing.T) {
	ifaces := MakeInterfaces("192.168.0.1/24", "10.9.0.1/24")
	lo := &state.Interface{Name: "lo", Flags: state.FlagLoopback}
	lo.Addrs.V4 = prefix("250.0.0.1/8")
	require.NoError(t, ifaces.Add(lo))

	tb := NewRoutingTable(ifaces)
	assert.Equal(t, addr("192.168.0.1"), tb.SelectRouterId())

	tb.SetRouterId(addr("1.1.1.1"))
	assert.Equal(t, addr("1.1.1.1"), tb.SelectRouterId())

	tb.SetRouterId(state.Address{})
	assert.Equal(t, addr("192.168.0.1"), tb.RouterId())

	manual := NewRoutingTable(ifaces, WithRouterId(addr("5.5.5.5")))
	assert.Equal(t, addr("5.5.5.5"), manual.SelectRouterId())
}

type closeRecorder struct{ closed *int }

func (c closeRecorder) Close() error {
	*c.closed++
	return nil
}

func TestPurge_DestroysRoutes(t *testing.T) {
	ifaces := MakeInterfaces("192.168.0.1/24", "10.9.0.1/24")
	h := &ObserverHarness{}
	tb := NewRoutingTable(ifaces, WithObserver(h))
	closed := 0
	for i, dst := range []string{"10.0.0.0", "172.16.0.0", "0.0.0.0"} {
		r := MustNewRoute(RouteSpec{
			Destination: addr(dst), PrefixLength: 8 * (2 - i), Interface: ifaces.InterfaceAt(i % 2),
			SideData: closeRecorder{&closed},
		})
		require.NoError(t, tb.AddRoute(r))
	}

	assert.Equal(t, 2, tb.RemoveRoutesVia(ifaces.InterfaceAt(0)))
	assert.Equal(t, 2, closed)
	assert.Equal(t, 1, tb.Len())

	tb.Purge()
	assert.Equal(t, 3, closed)
	assert.Equal(t, 0, tb.Len())
	assert.Nil(t, tb.FindBestMatch(addr("172.16.0.1")))
	assert.Len(t, h.GetActions(), 6)
}

func TestCoverage(t *testing.T) {
	ifaces := MakeInterfaces("192.168.0.1/24")
	eth0 := ifaces.InterfaceAt(0)
	tb := NewRoutingTable(ifaces)
	for _, r := range []*Route{
		MakeRoute("10.0.0.0", 9, "", eth0, 1),
		MakeRoute("10.128.0.0", 9, "", eth0, 1),
		MakeRoute("10.1.0.0", 16, "", eth0, 1),
		MakeRoute("2001:db8::", 32, "", eth0, 1),
	} {
		require.NoError(t, tb.AddRoute(r))
	}
	require.NoError(t, tb.AddRoute(MustNewRoute(RouteSpec{Destination: state.ModuleIdFrom(3), PrefixLength: 64})))

	assert.Equal(t, []netip.Prefix{
		netip.MustParsePrefix("10.0.0.0/8"),
		netip.MustParsePrefix("2001:db8::/32"),
	}, tb.Coverage())

	assert.Equal(t, []netip.Prefix{
		netip.MustParsePrefix("11.0.0.0/8"),
	}, tb.Uncovered([]netip.Prefix{netip.MustParsePrefix("10.0.0.0/7")}))
}

func TestRemoveRoute_ErrorsAreDistinct(t *testing.T) {
	tb := NewRoutingTable(nil)
	r := MustNewRoute(RouteSpec{Destination: addr("10.0.0.0"), PrefixLength: 8})
	_, err := tb.RemoveRoute(r)
	assert.True(t, errors.Is(err, ErrRouteNotFound))
	assert.False(t, errors.Is(err, ErrDuplicateOwnership))
}
