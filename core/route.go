package core

import (
	"fmt"
	"io"
	"reflect"
	"strings"

	"github.com/encodeous/netsim/state"
)

// RouteSource records where a route came from.
type RouteSource uint8

const (
	SourceManual RouteSource = iota
	SourceProtocol
	SourceInterface
)

func (s RouteSource) String() string {
	switch s {
	case SourceManual:
		return "manual"
	case SourceProtocol:
		return "protocol"
	case SourceInterface:
		return "interface"
	default:
		return fmt.Sprintf("source(%d)", uint8(s))
	}
}

// precedence used by TieBreakAdminDistance, lower wins
func (s RouteSource) precedence() int {
	switch s {
	case SourceInterface:
		return 0
	case SourceManual:
		return 1
	default:
		return 2
	}
}

// RouteField is a bit set naming the attributes of a route touched by an update.
type RouteField uint16

const (
	FieldDestination RouteField = 1 << iota
	FieldPrefixLength
	FieldMetric
	FieldNextHop
	FieldInterface
	FieldSource
	FieldAdminDistance
	FieldSideData
)

// sortFields change the position of a route in its table.
const sortFields = FieldDestination | FieldPrefixLength | FieldMetric | FieldSource | FieldAdminDistance

func (f RouteField) String() string {
	names := []string{"destination", "prefix", "metric", "nexthop", "interface", "source", "admin", "sidedata"}
	out := make([]string, 0, len(names))
	for i, n := range names {
		if f&(1<<i) != 0 {
			out = append(out, n)
		}
	}
	return strings.Join(out, "|")
}

// RouteSpec holds the attributes of a route. It is used to create routes and to edit them
// through RoutingTable.UpdateRoute.
type RouteSpec struct {
	Destination  state.Address
	PrefixLength int
	// NextHop is unspecified for directly attached networks.
	NextHop   state.Address
	Interface *state.Interface
	// Metric, lower is better.
	Metric        int
	Source        RouteSource
	AdminDistance int
	// SideData is owned by the route. If it implements io.Closer it is closed when the route is destroyed.
	SideData any
}

func (s *RouteSpec) validate() error {
	pol, err := state.PolicyOf(s.Destination)
	if err != nil {
		return fmt.Errorf("destination: %w", ErrInvalidRoute)
	}
	if s.PrefixLength < 0 || s.PrefixLength > pol.MaxPrefixLength() {
		return fmt.Errorf("prefix length %d out of range for %s: %w", s.PrefixLength, s.Destination.Family(), ErrInvalidRoute)
	}
	if !s.NextHop.IsNone() && s.NextHop.Family() != s.Destination.Family() {
		return fmt.Errorf("next hop %s is not a %s address: %w", s.NextHop, s.Destination.Family(), ErrInvalidRoute)
	}
	return nil
}

func (s *RouteSpec) diff(o *RouteSpec) RouteField {
	var f RouteField
	if s.Destination != o.Destination {
		f |= FieldDestination
	}
	if s.PrefixLength != o.PrefixLength {
		f |= FieldPrefixLength
	}
	if s.Metric != o.Metric {
		f |= FieldMetric
	}
	if s.NextHop != o.NextHop {
		f |= FieldNextHop
	}
	if s.Interface != o.Interface {
		f |= FieldInterface
	}
	if s.Source != o.Source {
		f |= FieldSource
	}
	if s.AdminDistance != o.AdminDistance {
		f |= FieldAdminDistance
	}
	if !sameSideData(s.SideData, o.SideData) {
		f |= FieldSideData
	}
	return f
}

func sameSideData(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	ta := reflect.TypeOf(a)
	if ta != reflect.TypeOf(b) || !ta.Comparable() {
		return false
	}
	return a == b
}

// Route is an entry of a RoutingTable. Once added, the table owns the route and its attributes
// may only change through RoutingTable.UpdateRoute.
type Route struct {
	spec  RouteSpec
	table *RoutingTable
	seq   uint64 // insertion order, the final tie breaker
}

func NewRoute(spec RouteSpec) (*Route, error) {
	if err := spec.validate(); err != nil {
		return nil, err
	}
	return &Route{spec: spec}, nil
}

// MustNewRoute is NewRoute for specs known to be valid.
func MustNewRoute(spec RouteSpec) *Route {
	r, err := NewRoute(spec)
	if err != nil {
		panic(err)
	}
	return r
}

func (r *Route) Destination() state.Address  { return r.spec.Destination }
func (r *Route) PrefixLength() int           { return r.spec.PrefixLength }
func (r *Route) NextHop() state.Address      { return r.spec.NextHop }
func (r *Route) Interface() *state.Interface { return r.spec.Interface }
func (r *Route) Metric() int                 { return r.spec.Metric }
func (r *Route) Source() RouteSource         { return r.spec.Source }
func (r *Route) AdminDistance() int          { return r.spec.AdminDistance }
func (r *Route) SideData() any               { return r.spec.SideData }
func (r *Route) Spec() RouteSpec             { return r.spec }

// Table is the owning routing table, nil if the route is not in a table.
func (r *Route) Table() *RoutingTable { return r.table }

// IsDirect reports whether the route points at a directly attached network.
func (r *Route) IsDirect() bool {
	return r.spec.NextHop.IsUnspecified()
}

// Matches reports whether dst falls within the destination prefix of the route.
func (r *Route) Matches(dst state.Address) bool {
	return r.spec.Destination.Matches(dst, r.spec.PrefixLength)
}

// Destroy releases the side data of a route that is not owned by a table.
func (r *Route) Destroy() error {
	if r.table != nil {
		return fmt.Errorf("destroy %s: %w", r, ErrDuplicateOwnership)
	}
	c, ok := r.spec.SideData.(io.Closer)
	r.spec.SideData = nil
	if ok {
		return c.Close()
	}
	return nil
}

func (r *Route) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%s/%d", r.spec.Destination, r.spec.PrefixLength)
	if !r.IsDirect() {
		fmt.Fprintf(&sb, " via %s", r.spec.NextHop)
	}
	if r.spec.Interface != nil {
		fmt.Fprintf(&sb, " dev %s", r.spec.Interface.Name)
	}
	fmt.Fprintf(&sb, " metric %d %s", r.spec.Metric, r.spec.Source)
	return sb.String()
}
