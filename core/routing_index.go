package core

import (
	"net/netip"
	"slices"

	"github.com/encodeous/netsim/state"
	"github.com/gaissmai/bart"
)

// routeIndex accelerates longest prefix matching for v4 and v6 routes. Every canonical prefix
// maps to the bucket of routes sharing it, kept in table order, so the head of the bucket found
// by a longest prefix lookup is the route a linear scan of the table would find first.
type routeIndex struct {
	trie bart.Table[*routeBucket]
}

type routeBucket struct {
	routes []*Route
}

// indexKey is false for routes the trie cannot hold. IPv4-mapped v6 prefixes are left out since
// only IPv4-mapped destinations can match them, and those always take the linear path.
func indexKey(dst state.Address, prefixLen int) (netip.Prefix, bool) {
	pfx, ok := dst.NetipPrefix(prefixLen)
	if !ok || pfx.Addr().Is4In6() {
		return netip.Prefix{}, false
	}
	return pfx, true
}

func (x *routeIndex) insert(r *Route, compare func(a, b *Route) int) {
	key, ok := indexKey(r.spec.Destination, r.spec.PrefixLength)
	if !ok {
		return
	}
	b, ok := x.trie.Get(key)
	if !ok {
		b = &routeBucket{}
		x.trie.Insert(key, b)
	}
	pos, _ := slices.BinarySearchFunc(b.routes, r, compare)
	b.routes = slices.Insert(b.routes, pos, r)
}

func (x *routeIndex) remove(r *Route) {
	key, ok := indexKey(r.spec.Destination, r.spec.PrefixLength)
	if !ok {
		return
	}
	b, ok := x.trie.Get(key)
	if !ok {
		return
	}
	b.routes = slices.DeleteFunc(b.routes, func(o *Route) bool {
		return o == r
	})
	if len(b.routes) == 0 {
		x.trie.Delete(key)
	}
}

// lookup returns the best route for dst. handled is false when dst has to be resolved by a
// linear scan instead.
func (x *routeIndex) lookup(dst state.Address) (r *Route, handled bool) {
	if !dst.Family().Maskable() {
		return nil, false
	}
	ip := dst.IP()
	if ip.Is4In6() {
		return nil, false
	}
	b, ok := x.trie.Lookup(ip)
	if !ok || len(b.routes) == 0 {
		return nil, true
	}
	return b.routes[0], true
}

func (x *routeIndex) reset() {
	x.trie = bart.Table[*routeBucket]{}
}
