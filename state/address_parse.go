package state

import (
	"fmt"
	"net/netip"
	"strconv"
	"strings"
)

const (
	modulePathPrefix  = "mp:"
	modulePathRawMark = "#"

	// MaxModulePathDepth is the number of components a module path can hold.
	MaxModulePathDepth  = 4
	modulePathCompBits  = 15
	modulePathCompLimit = 1 << modulePathCompBits
	modulePathDepthBit  = MaxModulePathDepth * modulePathCompBits
)

// ModulePath is the packed form of a dotted module path such as 3.1.4: up to four 15-bit
// component indices with the depth stored above them.
type ModulePath int64

// NewModulePath packs components into a ModulePath.
func NewModulePath(components ...int) (ModulePath, error) {
	if len(components) == 0 || len(components) > MaxModulePathDepth {
		return 0, fmt.Errorf("module path must have 1..%d components, got %d", MaxModulePathDepth, len(components))
	}
	var raw int64
	for i, c := range components {
		if c < 0 || c >= modulePathCompLimit {
			return 0, fmt.Errorf("module path component %d out of range", c)
		}
		raw |= int64(c) << (i * modulePathCompBits)
	}
	raw |= int64(len(components)) << modulePathDepthBit
	return ModulePath(raw), nil
}

// Depth is the number of components, or 0 for a raw value that is not a packed path.
func (p ModulePath) Depth() int {
	if !p.Valid() {
		return 0
	}
	return int(p >> modulePathDepthBit)
}

// Valid reports whether p is exactly what NewModulePath produces for some components.
func (p ModulePath) Valid() bool {
	d := int64(p) >> modulePathDepthBit
	if d < 1 || d > MaxModulePathDepth {
		return false
	}
	used := int64(1)<<(d*modulePathCompBits) - 1
	return int64(p)&^(d<<modulePathDepthBit) == int64(p)&used
}

func (p ModulePath) Components() []int {
	out := make([]int, p.Depth())
	for i := range out {
		out[i] = int(p>>(i*modulePathCompBits)) & (modulePathCompLimit - 1)
	}
	return out
}

// String prints the dotted components. Raw values that are not packed paths print as #<raw>,
// the zero value as the empty string.
func (p ModulePath) String() string {
	if p == 0 {
		return ""
	}
	if !p.Valid() {
		return modulePathRawMark + strconv.FormatInt(int64(p), 10)
	}
	parts := make([]string, 0, MaxModulePathDepth)
	for _, c := range p.Components() {
		parts = append(parts, strconv.Itoa(c))
	}
	return strings.Join(parts, ".")
}

func (p ModulePath) Address() Address {
	return ModulePathFrom(int64(p))
}

type grammar func(s string) (Address, bool)

// grammars are tried in priority order, the first one to accept a literal wins.
var grammars = []grammar{
	parseV4,
	parseV6,
	parseLink,
	parseModuleId,
	parseModulePath,
}

// ParseAddress parses the textual form of any address family. The empty string is the None
// address.
func ParseAddress(s string) (Address, error) {
	if s == "" {
		return Address{}, nil
	}
	for _, g := range grammars {
		if a, ok := g(s); ok {
			return a, nil
		}
	}
	return Address{}, &ParseError{Literal: s}
}

// MustParseAddress is ParseAddress for literals known to be valid; it panics otherwise.
func MustParseAddress(s string) Address {
	a, err := ParseAddress(s)
	if err != nil {
		panic(err)
	}
	return a
}

func parseV4(s string) (Address, bool) {
	if strings.Count(s, ".") != 3 {
		return Address{}, false
	}
	ip, err := netip.ParseAddr(s)
	if err != nil || !ip.Is4() {
		return Address{}, false
	}
	return V4From(ip), true
}

func parseV6(s string) (Address, bool) {
	if !strings.Contains(s, ":") || strings.HasPrefix(s, modulePathPrefix) {
		return Address{}, false
	}
	ip, err := netip.ParseAddr(s)
	if err != nil || !ip.Is6() || ip.Zone() != "" {
		return Address{}, false
	}
	return V6From(ip), true
}

func parseLink(s string) (Address, bool) {
	if len(s) != 17 {
		return Address{}, false
	}
	sep := s[2]
	if sep != ':' && sep != '-' {
		return Address{}, false
	}
	var mac [6]byte
	for i := range mac {
		if i > 0 && s[i*3-1] != sep {
			return Address{}, false
		}
		v, err := strconv.ParseUint(s[i*3:i*3+2], 16, 8)
		if err != nil {
			return Address{}, false
		}
		mac[i] = byte(v)
	}
	return LinkFrom(mac), true
}

func parseModuleId(s string) (Address, bool) {
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return Address{}, false
	}
	return ModuleIdFrom(v), true
}

func parseModulePath(s string) (Address, bool) {
	tagged := strings.HasPrefix(s, modulePathPrefix)
	s = strings.TrimPrefix(s, modulePathPrefix)
	if tagged && s == "" {
		return ModulePathFrom(0), true
	}
	if tagged && strings.HasPrefix(s, modulePathRawMark) {
		raw, err := strconv.ParseInt(strings.TrimPrefix(s, modulePathRawMark), 10, 64)
		if err != nil {
			return Address{}, false
		}
		return ModulePathFrom(raw), true
	}
	parts := strings.Split(s, ".")
	if !tagged && (len(parts) < 2 || len(parts) > 3) {
		return Address{}, false
	}
	comps := make([]int, 0, len(parts))
	for _, p := range parts {
		if p == "" || p[0] == '+' || p[0] == '-' {
			return Address{}, false
		}
		c, err := strconv.Atoi(p)
		if err != nil {
			return Address{}, false
		}
		comps = append(comps, c)
	}
	mp, err := NewModulePath(comps...)
	if err != nil {
		return Address{}, false
	}
	return mp.Address(), true
}
