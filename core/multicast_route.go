package core

import (
	"cmp"
	"fmt"
	"slices"
	"strings"

	"github.com/encodeous/netsim/state"
)

// MulticastRouteSpec holds the attributes of a multicast route. An origin or group left as the
// None prefix matches every source or every group. A nil Inbound accepts datagrams from any
// interface.
type MulticastRouteSpec struct {
	Origin   state.AddressPrefix
	Group    state.AddressPrefix
	Inbound  *state.Interface
	Outbound []*state.Interface
	// Metric, lower is better.
	Metric int
}

func (s *MulticastRouteSpec) validate() error {
	if !s.Origin.Addr.IsNone() {
		if err := s.Origin.Validate(); err != nil {
			return fmt.Errorf("origin %s: %v: %w", s.Origin, err, ErrInvalidRoute)
		}
		if masked, err := s.Origin.Masked(); err != nil || masked.Addr != s.Origin.Addr {
			return fmt.Errorf("origin %s has bits set outside its prefix: %w", s.Origin, ErrInvalidRoute)
		}
	}
	if !s.Group.Addr.IsNone() {
		if err := s.Group.Validate(); err != nil {
			return fmt.Errorf("group %s: %v: %w", s.Group, err, ErrInvalidRoute)
		}
		if mc, _ := s.Group.Addr.IsMulticast(); !mc {
			return fmt.Errorf("group %s is not a multicast address: %w", s.Group, ErrInvalidRoute)
		}
	}
	if !s.Origin.Addr.IsNone() && !s.Group.Addr.IsNone() && s.Origin.Addr.Family() != s.Group.Addr.Family() {
		return fmt.Errorf("origin %s and group %s are of different families: %w", s.Origin, s.Group, ErrInvalidRoute)
	}
	if s.Inbound != nil && !s.Inbound.IsMulticast() {
		return fmt.Errorf("inbound interface %s is not multicast capable: %w", s.Inbound, ErrInvalidRoute)
	}
	for _, itf := range s.Outbound {
		switch {
		case itf == nil:
			return fmt.Errorf("nil outbound interface: %w", ErrInvalidRoute)
		case !itf.IsMulticast():
			return fmt.Errorf("outbound interface %s is not multicast capable: %w", itf, ErrInvalidRoute)
		case itf == s.Inbound:
			return fmt.Errorf("outbound interface %s is the inbound interface: %w", itf, ErrInvalidRoute)
		}
	}
	return nil
}

// MulticastRoute forwards group traffic from an origin network out of a set of interfaces.
// Like Route, it is owned by at most one RoutingTable and edited through it.
type MulticastRoute struct {
	spec  MulticastRouteSpec
	table *RoutingTable
	seq   uint64
}

func NewMulticastRoute(spec MulticastRouteSpec) (*MulticastRoute, error) {
	spec.Outbound = slices.Clone(spec.Outbound)
	if err := spec.validate(); err != nil {
		return nil, err
	}
	return &MulticastRoute{spec: spec}, nil
}

func (r *MulticastRoute) Origin() state.AddressPrefix { return r.spec.Origin }
func (r *MulticastRoute) Group() state.AddressPrefix  { return r.spec.Group }
func (r *MulticastRoute) Inbound() *state.Interface   { return r.spec.Inbound }
func (r *MulticastRoute) Metric() int                 { return r.spec.Metric }
func (r *MulticastRoute) Table() *RoutingTable        { return r.table }

// Outbound returns a copy of the outbound interfaces.
func (r *MulticastRoute) Outbound() []*state.Interface {
	return slices.Clone(r.spec.Outbound)
}

// Matches reports whether a datagram from origin to group is covered by the route.
func (r *MulticastRoute) Matches(origin, group state.Address) bool {
	return prefixCovers(r.spec.Origin, origin) && prefixCovers(r.spec.Group, group)
}

func prefixCovers(p state.AddressPrefix, a state.Address) bool {
	return p.Addr.IsNone() || p.Contains(a)
}

func (r *MulticastRoute) String() string {
	var sb strings.Builder
	sb.WriteString(wildcard(r.spec.Origin))
	sb.WriteString(" -> ")
	sb.WriteString(wildcard(r.spec.Group))
	if r.spec.Inbound != nil {
		fmt.Fprintf(&sb, " iif %s", r.spec.Inbound.Name)
	}
	sb.WriteString(" oif")
	if len(r.spec.Outbound) == 0 {
		sb.WriteString(" none")
	}
	for _, itf := range r.spec.Outbound {
		sb.WriteString(" " + itf.Name)
	}
	fmt.Fprintf(&sb, " metric %d", r.spec.Metric)
	return sb.String()
}

func wildcard(p state.AddressPrefix) string {
	if p.Addr.IsNone() {
		return "*"
	}
	return p.String()
}

// compareMulticast orders longer origin prefixes first, then lower origins, then longer group
// prefixes (so a wildcard group comes after specific ones), then lower groups, then lower metrics,
// then insertion order.
func compareMulticast(a, b *MulticastRoute) int {
	if c := cmp.Compare(b.spec.Origin.Len, a.spec.Origin.Len); c != 0 {
		return c
	}
	if c := a.spec.Origin.Addr.Compare(b.spec.Origin.Addr); c != 0 {
		return c
	}
	if c := cmp.Compare(b.spec.Group.Len, a.spec.Group.Len); c != 0 {
		return c
	}
	if c := a.spec.Group.Addr.Compare(b.spec.Group.Addr); c != 0 {
		return c
	}
	if c := cmp.Compare(a.spec.Metric, b.spec.Metric); c != 0 {
		return c
	}
	return cmp.Compare(a.seq, b.seq)
}

func (t *RoutingTable) insertMulticast(r *MulticastRoute) {
	t.seq++
	r.seq = t.seq
	pos, _ := slices.BinarySearchFunc(t.mroutes, r, compareMulticast)
	t.mroutes = slices.Insert(t.mroutes, pos, r)
}

func (t *RoutingTable) extractMulticast(r *MulticastRoute) bool {
	idx := slices.Index(t.mroutes, r)
	if idx == -1 {
		return false
	}
	t.mroutes = slices.Delete(t.mroutes, idx, idx+1)
	return true
}

// AddMulticastRoute inserts r and takes ownership of it.
func (t *RoutingTable) AddMulticastRoute(r *MulticastRoute) error {
	if r.table != nil {
		return fmt.Errorf("add %s: %w", r, ErrDuplicateOwnership)
	}
	if err := r.spec.validate(); err != nil {
		return fmt.Errorf("add %s: %w", r, err)
	}
	t.insertMulticast(r)
	r.table = t
	t.observer.MulticastRouteAdded(r)
	return nil
}

// RemoveMulticastRoute takes r out of the table and hands ownership back to the caller.
func (t *RoutingTable) RemoveMulticastRoute(r *MulticastRoute) (*MulticastRoute, error) {
	if r.table != t || !t.extractMulticast(r) {
		return nil, fmt.Errorf("remove %s: %w", r, ErrRouteNotFound)
	}
	r.table = nil
	t.observer.MulticastRouteRemoved(r)
	return r, nil
}

// UpdateMulticastRoute edits r and moves it to its new position. A route that no table owns is
// edited in place without notifications.
func (t *RoutingTable) UpdateMulticastRoute(r *MulticastRoute, edit func(spec *MulticastRouteSpec)) error {
	if r.table != nil && r.table != t {
		return fmt.Errorf("update %s: %w", r, ErrRouteNotFound)
	}
	next := r.spec
	next.Outbound = slices.Clone(r.spec.Outbound)
	edit(&next)
	if err := next.validate(); err != nil {
		return fmt.Errorf("update %s: %w", r, err)
	}
	if r.table == nil {
		r.spec = next
		return nil
	}
	if !t.extractMulticast(r) {
		return fmt.Errorf("update %s: %w", r, ErrRouteNotFound)
	}
	r.spec = next
	t.insertMulticast(r)
	t.observer.MulticastRouteChanged(r)
	return nil
}

// FindBestMatchingMulticastRoute returns the first multicast route in table order covering a
// datagram from origin to group, or nil.
func (t *RoutingTable) FindBestMatchingMulticastRoute(origin, group state.Address) *MulticastRoute {
	for _, r := range t.mroutes {
		if r.Matches(origin, group) {
			return r
		}
	}
	return nil
}

// MulticastRoutes returns a snapshot of the multicast routes in order.
func (t *RoutingTable) MulticastRoutes() []*MulticastRoute {
	return slices.Clone(t.mroutes)
}

// detachMulticast removes the multicast routes arriving on itf and prunes itf from the outbound
// set of the others. It returns how many routes were removed.
func (t *RoutingTable) detachMulticast(itf *state.Interface) int {
	n := 0
	for _, r := range t.MulticastRoutes() {
		if r.spec.Inbound == itf {
			if _, err := t.RemoveMulticastRoute(r); err != nil {
				t.log.Error("failed to remove multicast route", "route", r, "error", err)
				continue
			}
			n++
			continue
		}
		if !slices.Contains(r.spec.Outbound, itf) {
			continue
		}
		err := t.UpdateMulticastRoute(r, func(spec *MulticastRouteSpec) {
			spec.Outbound = slices.DeleteFunc(spec.Outbound, func(o *state.Interface) bool { return o == itf })
		})
		if err != nil {
			t.log.Error("failed to prune multicast route", "route", r, "error", err)
		}
	}
	return n
}
