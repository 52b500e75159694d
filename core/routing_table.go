package core

import (
	"cmp"
	"fmt"
	"log/slog"
	"slices"

	"github.com/encodeous/netsim/state"
)

// TieBreak decides the order of routes with equal prefix length, destination and metric.
type TieBreak uint8

const (
	// TieBreakInsertion keeps such routes in the order they were (re)inserted.
	TieBreakInsertion TieBreak = iota
	// TieBreakAdminDistance prefers the lower admin distance, then interface derived over manual
	// over protocol learned routes, then insertion order.
	TieBreakAdminDistance
)

func ParseTieBreak(s string) (TieBreak, error) {
	switch s {
	case "", "insertion":
		return TieBreakInsertion, nil
	case "admin", "admin_distance":
		return TieBreakAdminDistance, nil
	default:
		return 0, fmt.Errorf("unknown tie break policy %q", s)
	}
}

// RoutingTable is an ordered set of routes. The order is always: longer prefix first, then
// lower destination, then lower metric, then the TieBreak policy. FindBestMatch relies on it.
//
// A RoutingTable must only be used from a single goroutine.
type RoutingTable struct {
	routes   []*Route
	mroutes  []*MulticastRoute
	index    routeIndex
	ifaces   state.InterfaceTable
	observer Observer
	log      *slog.Logger
	tieBreak TieBreak
	seq      uint64

	routerId       state.Address
	routerIdManual bool
	routerIdFamily state.Family

	forwarding          bool
	multicastForwarding bool
}

type TableOption func(t *RoutingTable)

func WithObserver(o Observer) TableOption {
	return func(t *RoutingTable) { t.observer = o }
}

func WithTableLogger(log *slog.Logger) TableOption {
	return func(t *RoutingTable) { t.log = log }
}

func WithTieBreak(tb TieBreak) TableOption {
	return func(t *RoutingTable) { t.tieBreak = tb }
}

func WithForwarding(enabled bool) TableOption {
	return func(t *RoutingTable) { t.forwarding = enabled }
}

func WithMulticastForwarding(enabled bool) TableOption {
	return func(t *RoutingTable) { t.multicastForwarding = enabled }
}

// WithRouterId configures the router id manually, disabling automatic selection.
func WithRouterId(id state.Address) TableOption {
	return func(t *RoutingTable) {
		t.routerId = id
		t.routerIdManual = !id.IsNone()
	}
}

func NewRoutingTable(ifaces state.InterfaceTable, opts ...TableOption) *RoutingTable {
	t := &RoutingTable{
		ifaces:         ifaces,
		observer:       NopObserver{},
		log:            slog.Default(),
		routerIdFamily: state.FamilyV4,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

func (t *RoutingTable) compare(a, b *Route) int {
	if c := cmp.Compare(b.spec.PrefixLength, a.spec.PrefixLength); c != 0 {
		return c
	}
	if c := a.spec.Destination.Compare(b.spec.Destination); c != 0 {
		return c
	}
	if c := cmp.Compare(a.spec.Metric, b.spec.Metric); c != 0 {
		return c
	}
	if t.tieBreak == TieBreakAdminDistance {
		if c := cmp.Compare(a.spec.AdminDistance, b.spec.AdminDistance); c != 0 {
			return c
		}
		if c := cmp.Compare(a.spec.Source.precedence(), b.spec.Source.precedence()); c != 0 {
			return c
		}
	}
	return cmp.Compare(a.seq, b.seq)
}

func (t *RoutingTable) insert(r *Route) {
	t.seq++
	r.seq = t.seq
	pos, _ := slices.BinarySearchFunc(t.routes, r, t.compare)
	t.routes = slices.Insert(t.routes, pos, r)
	t.index.insert(r, t.compare)
}

func (t *RoutingTable) extract(r *Route) bool {
	idx := t.indexOf(r)
	if idx == -1 {
		return false
	}
	t.routes = slices.Delete(t.routes, idx, idx+1)
	t.index.remove(r)
	return true
}

func (t *RoutingTable) indexOf(r *Route) int {
	idx, found := slices.BinarySearchFunc(t.routes, r, t.compare)
	if found && t.routes[idx] == r {
		return idx
	}
	// the order is strict, so a miss means the table is inconsistent
	return slices.Index(t.routes, r)
}

// AddRoute inserts r and takes ownership of it.
func (t *RoutingTable) AddRoute(r *Route) error {
	if r.table != nil {
		return fmt.Errorf("add %s: %w", r, ErrDuplicateOwnership)
	}
	if err := r.spec.validate(); err != nil {
		return fmt.Errorf("add %s: %w", r, err)
	}
	t.insert(r)
	r.table = t
	t.observer.RouteAdded(r)
	return nil
}

// RemoveRoute takes r out of the table and hands ownership back to the caller.
func (t *RoutingTable) RemoveRoute(r *Route) (*Route, error) {
	if r.table != t || !t.extract(r) {
		return nil, fmt.Errorf("remove %s: %w", r, ErrRouteNotFound)
	}
	r.table = nil
	t.observer.RouteRemoved(r)
	return r, nil
}

// UpdateRoute edits an owned route. Changes to attributes that affect ordering take the route
// out of the table and reinsert it, so the order holds again before UpdateRoute returns.
// A route that no table owns is edited in place without notifications.
func (t *RoutingTable) UpdateRoute(r *Route, edit func(spec *RouteSpec)) error {
	if r.table != nil && r.table != t {
		return fmt.Errorf("update %s: %w", r, ErrRouteNotFound)
	}
	next := r.spec
	edit(&next)
	if err := next.validate(); err != nil {
		return fmt.Errorf("update %s: %w", r, err)
	}
	if r.table == nil {
		r.spec = next
		return nil
	}
	changed := r.spec.diff(&next)
	if changed == 0 {
		return nil
	}
	if changed&sortFields != 0 {
		if !t.extract(r) {
			return fmt.Errorf("update %s: %w", r, ErrRouteNotFound)
		}
		r.spec = next
		t.insert(r)
	} else {
		r.spec = next
	}
	t.observer.RouteChanged(r, changed)
	return nil
}

func (t *RoutingTable) SetMetric(r *Route, metric int) error {
	return t.UpdateRoute(r, func(spec *RouteSpec) { spec.Metric = metric })
}

func (t *RoutingTable) SetNextHop(r *Route, nh state.Address) error {
	return t.UpdateRoute(r, func(spec *RouteSpec) { spec.NextHop = nh })
}

func (t *RoutingTable) SetInterface(r *Route, itf *state.Interface) error {
	return t.UpdateRoute(r, func(spec *RouteSpec) { spec.Interface = itf })
}

// FindBestMatch returns the longest prefix, lowest metric route for dst, or nil if dst is
// unroutable.
func (t *RoutingTable) FindBestMatch(dst state.Address) *Route {
	if r, handled := t.index.lookup(dst); handled {
		return r
	}
	return t.scan(dst)
}

// scan is the reference lookup: the first matching route in table order.
func (t *RoutingTable) scan(dst state.Address) *Route {
	for _, r := range t.routes {
		if r.Matches(dst) {
			return r
		}
	}
	return nil
}

// DefaultRoute returns the last route of the table if it has a zero length prefix.
func (t *RoutingTable) DefaultRoute() *Route {
	if len(t.routes) == 0 {
		return nil
	}
	last := t.routes[len(t.routes)-1]
	if last.spec.PrefixLength != 0 {
		return nil
	}
	return last
}

// DefaultRouteFor returns the zero length prefix route of family f that a lookup would pick.
func (t *RoutingTable) DefaultRouteFor(f state.Family) *Route {
	start, _ := slices.BinarySearchFunc(t.routes, 0, func(r *Route, plen int) int {
		return cmp.Compare(plen, r.spec.PrefixLength)
	})
	for _, r := range t.routes[start:] {
		if r.spec.Destination.Family() == f {
			return r
		}
	}
	return nil
}

// IsLocalAddress reports whether addr is configured on any interface of the node.
func (t *RoutingTable) IsLocalAddress(addr state.Address) bool {
	if t.ifaces == nil || addr.IsNone() {
		return false
	}
	return t.ifaces.InterfaceByAddress(addr) != nil
}

// InterfaceByLocalBroadcast returns the broadcast capable interface whose v4 subnet has addr as
// its directed broadcast address.
func (t *RoutingTable) InterfaceByLocalBroadcast(addr state.Address) *state.Interface {
	if t.ifaces == nil || addr.Family() != state.FamilyV4 {
		return nil
	}
	for i := range t.ifaces.NumInterfaces() {
		itf := t.ifaces.InterfaceAt(i)
		if !itf.IsBroadcast() {
			continue
		}
		if bc, ok := itf.Addrs.V4.Broadcast(); ok && bc == addr {
			return itf
		}
	}
	return nil
}

// IsLocalBroadcastAddress reports whether addr is the directed broadcast address of a subnet the
// node is attached to.
func (t *RoutingTable) IsLocalBroadcastAddress(addr state.Address) bool {
	return t.InterfaceByLocalBroadcast(addr) != nil
}

// Routes returns a snapshot of the table in order.
func (t *RoutingTable) Routes() []*Route {
	return slices.Clone(t.routes)
}

func (t *RoutingTable) Len() int {
	return len(t.routes)
}

// RemoveRoutesVia removes and destroys every route through itf, returning how many were removed.
// Multicast routes arriving on itf are removed too; the others stop forwarding out of it.
func (t *RoutingTable) RemoveRoutesVia(itf *state.Interface) int {
	n := t.detachMulticast(itf)
	for _, r := range t.Routes() {
		if r.spec.Interface != itf {
			continue
		}
		if _, err := t.RemoveRoute(r); err != nil {
			t.log.Error("failed to remove route", "route", r, "error", err)
			continue
		}
		if err := r.Destroy(); err != nil {
			t.log.Warn("failed to destroy route", "route", r, "error", err)
		}
		n++
	}
	return n
}

// Purge removes and destroys every route. It is called when the node is torn down.
func (t *RoutingTable) Purge() {
	for _, r := range slices.Backward(t.MulticastRoutes()) {
		t.mroutes = t.mroutes[:len(t.mroutes)-1]
		r.table = nil
		t.observer.MulticastRouteRemoved(r)
	}
	for _, r := range slices.Backward(t.Routes()) {
		t.routes = t.routes[:len(t.routes)-1]
		r.table = nil
		t.observer.RouteRemoved(r)
		if err := r.Destroy(); err != nil {
			t.log.Warn("failed to destroy route", "route", r, "error", err)
		}
	}
	t.index.reset()
}

func (t *RoutingTable) Forwarding() bool                    { return t.forwarding }
func (t *RoutingTable) SetForwarding(enabled bool)          { t.forwarding = enabled }
func (t *RoutingTable) MulticastForwarding() bool           { return t.multicastForwarding }
func (t *RoutingTable) SetMulticastForwarding(enabled bool) { t.multicastForwarding = enabled }

func (t *RoutingTable) RouterId() state.Address {
	return t.routerId
}

// SetRouterId configures the router id manually. Setting the None address re-enables
// automatic selection.
func (t *RoutingTable) SetRouterId(id state.Address) {
	t.routerId = id
	t.routerIdManual = !id.IsNone()
	if !t.routerIdManual {
		t.SelectRouterId()
	}
}

// SelectRouterId picks the highest non-loopback interface address as router id, unless the
// router id was configured manually.
func (t *RoutingTable) SelectRouterId() state.Address {
	if t.routerIdManual || t.ifaces == nil {
		return t.routerId
	}
	var best state.Address
	for i := range t.ifaces.NumInterfaces() {
		itf := t.ifaces.InterfaceAt(i)
		if itf.IsLoopback() {
			continue
		}
		a, ok := itf.Address(t.routerIdFamily)
		if !ok || a.IsUnspecified() {
			continue
		}
		if best.IsNone() || best.Less(a) {
			best = a
		}
	}
	if best != t.routerId {
		t.log.Debug("selected router id", "id", best)
		t.routerId = best
	}
	return best
}

func (t *RoutingTable) String() string {
	var out []byte
	for _, r := range t.routes {
		out = fmt.Appendf(out, "%s\n", r)
	}
	return string(out)
}
