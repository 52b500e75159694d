package core

import (
	"net/netip"

	"github.com/encodeous/netsim/state"
)

func (t *RoutingTable) ipPrefixes() []netip.Prefix {
	out := make([]netip.Prefix, 0, len(t.routes))
	for _, r := range t.routes {
		pfx, ok := r.spec.Destination.NetipPrefix(r.spec.PrefixLength)
		// 4in6 prefixes would be unmapped into v4 space
		if !ok || pfx.Addr().Is4In6() {
			continue
		}
		out = append(out, pfx)
	}
	return out
}

// Coverage returns the smallest set of v4 and v6 prefixes covering every destination the table
// can route. Routes of other families are ignored.
func (t *RoutingTable) Coverage() []netip.Prefix {
	return state.CoalescePrefix(t.ipPrefixes())
}

// Uncovered returns the parts of within that no route of the table reaches.
func (t *RoutingTable) Uncovered(within []netip.Prefix) []netip.Prefix {
	return state.SubtractPrefix(within, t.ipPrefixes())
}
