package state

import (
	"cmp"
	"encoding/binary"
	"fmt"
	"net/netip"
)

// Family identifies the addressing scheme of an Address. The declaration order is the
// primary ordering key between addresses of different families.
type Family uint8

const (
	FamilyNone Family = iota
	FamilyV4
	FamilyV6
	FamilyLink
	FamilyModuleId
	FamilyModulePath

	NumFamilies
)

var familyStrings = [NumFamilies]string{
	FamilyNone:       "none",
	FamilyV4:         "v4",
	FamilyV6:         "v6",
	FamilyLink:       "link",
	FamilyModuleId:   "moduleid",
	FamilyModulePath: "modulepath",
}

func (f Family) String() string {
	if f < NumFamilies {
		return familyStrings[f]
	}
	return fmt.Sprintf("family(%d)", uint8(f))
}

// BitLen is the payload width of the family in bits.
func (f Family) BitLen() int {
	switch f {
	case FamilyV4:
		return 32
	case FamilyV6:
		return 128
	case FamilyLink:
		return 48
	case FamilyModuleId, FamilyModulePath:
		return 64
	default:
		return 0
	}
}

// Maskable reports whether prefixes of arbitrary length are meaningful for the family.
func (f Family) Maskable() bool {
	return f == FamilyV4 || f == FamilyV6
}

// Address is an immutable network address of any supported family. The zero value is the
// None address. Addresses are comparable with == and ordered by Compare.
type Address struct {
	family Family
	hi, lo uint64 // payload, right aligned to the family's bit width
}

var (
	V4Unspecified = Address{family: FamilyV4}
	V4Broadcast   = Address{family: FamilyV4, lo: 0xffffffff}
	V6Unspecified = Address{family: FamilyV6}
	LinkBroadcast = Address{family: FamilyLink, lo: 0xffffffffffff}
)

// AddrFrom wraps a netip address as either a v4 or a v6 Address. Invalid addresses map to None.
func AddrFrom(ip netip.Addr) Address {
	switch {
	case ip.Is4():
		return V4From(ip)
	case ip.Is6():
		return V6From(ip)
	default:
		return Address{}
	}
}

func V4From(ip netip.Addr) Address {
	b := ip.As4()
	return Address{family: FamilyV4, lo: uint64(binary.BigEndian.Uint32(b[:]))}
}

func V6From(ip netip.Addr) Address {
	b := ip.As16()
	return Address{
		family: FamilyV6,
		hi:     binary.BigEndian.Uint64(b[:8]),
		lo:     binary.BigEndian.Uint64(b[8:]),
	}
}

func V4FromUint32(v uint32) Address {
	return Address{family: FamilyV4, lo: uint64(v)}
}

func LinkFrom(mac [6]byte) Address {
	var b [8]byte
	copy(b[2:], mac[:])
	return Address{family: FamilyLink, lo: binary.BigEndian.Uint64(b[:])}
}

func ModuleIdFrom(id int64) Address {
	return Address{family: FamilyModuleId, lo: uint64(id)}
}

// ModulePathFrom builds a module path address from its raw encoded form, see ModulePath. Any
// raw value is accepted; values NewModulePath cannot produce keep their text form mp:#<raw>.
func ModulePathFrom(raw int64) Address {
	return Address{family: FamilyModulePath, lo: uint64(raw)}
}

func (a Address) Family() Family {
	return a.family
}

func (a Address) IsNone() bool {
	return a.family == FamilyNone
}

// IP returns the netip form of a v4 or v6 address, or the zero netip.Addr for other families.
func (a Address) IP() netip.Addr {
	switch a.family {
	case FamilyV4:
		var b [4]byte
		binary.BigEndian.PutUint32(b[:], uint32(a.lo))
		return netip.AddrFrom4(b)
	case FamilyV6:
		var b [16]byte
		binary.BigEndian.PutUint64(b[:8], a.hi)
		binary.BigEndian.PutUint64(b[8:], a.lo)
		return netip.AddrFrom16(b)
	default:
		return netip.Addr{}
	}
}

func (a Address) Link() [6]byte {
	var b [8]byte
	var mac [6]byte
	if a.family == FamilyLink {
		binary.BigEndian.PutUint64(b[:], a.lo)
		copy(mac[:], b[2:])
	}
	return mac
}

// Int returns the signed payload of a module id or module path address.
func (a Address) Int() int64 {
	return int64(a.lo)
}

// IsUnspecified is true for the None address and for the all-zero value of every family.
func (a Address) IsUnspecified() bool {
	return a.hi == 0 && a.lo == 0
}

func (a Address) IsMulticast() (bool, error) {
	switch a.family {
	case FamilyV4:
		return a.lo>>28 == 0xe, nil
	case FamilyV6:
		return a.hi>>56 == 0xff, nil
	case FamilyLink:
		return a.lo&(1<<40) != 0, nil // group bit of the first octet
	case FamilyModuleId, FamilyModulePath:
		return false, nil
	default:
		return false, invalidOp("IsMulticast", a.family)
	}
}

func (a Address) IsBroadcast() (bool, error) {
	switch a.family {
	case FamilyV4:
		return a == V4Broadcast, nil
	case FamilyLink:
		return a == LinkBroadcast, nil
	case FamilyV6, FamilyModuleId, FamilyModulePath:
		return false, nil
	default:
		return false, invalidOp("IsBroadcast", a.family)
	}
}

func (a Address) IsUnicast() (bool, error) {
	mc, err := a.IsMulticast()
	if err != nil {
		return false, invalidOp("IsUnicast", a.family)
	}
	bc, _ := a.IsBroadcast()
	return !mc && !bc && !a.IsUnspecified(), nil
}

func (a Address) IsLinkLocal() (bool, error) {
	switch a.family {
	case FamilyV4:
		return a.lo>>16 == 0xa9fe, nil // 169.254.0.0/16
	case FamilyV6:
		return a.hi>>54 == 0xfe80>>6, nil // fe80::/10
	case FamilyLink, FamilyModuleId, FamilyModulePath:
		return false, nil
	default:
		return false, invalidOp("IsLinkLocal", a.family)
	}
}

// IsLoopback is a convenience for the v4 and v6 loopback ranges; other families are never loopback.
func (a Address) IsLoopback() bool {
	if a.family.Maskable() {
		return a.IP().IsLoopback()
	}
	return false
}

// Compare orders addresses by family first, then by payload.
func (a Address) Compare(b Address) int {
	if c := cmp.Compare(a.family, b.family); c != 0 {
		return c
	}
	switch a.family {
	case FamilyModuleId, FamilyModulePath:
		return cmp.Compare(int64(a.lo), int64(b.lo))
	default:
		if c := cmp.Compare(a.hi, b.hi); c != 0 {
			return c
		}
		return cmp.Compare(a.lo, b.lo)
	}
}

func (a Address) Less(b Address) bool {
	return a.Compare(b) < 0
}

// Matches reports whether the top prefixLen bits of a and other are equal. Addresses of
// different families never match. Families without prefix semantics (link, module id, module
// path) match everything at prefix length 0 and otherwise require equality.
func (a Address) Matches(other Address, prefixLen int) bool {
	if a.family != other.family {
		return false
	}
	if prefixLen < 0 || prefixLen > a.family.BitLen() {
		return false
	}
	switch a.family {
	case FamilyNone:
		return true
	case FamilyV4, FamilyV6:
		return maskPayload(a, prefixLen) == maskPayload(other, prefixLen)
	default:
		return prefixLen == 0 || a == other
	}
}

// Prefix returns a with every bit past prefixLen cleared. Link-layer addresses only accept
// their full width; module addresses and None are returned unchanged.
func (a Address) Prefix(prefixLen int) (Address, error) {
	switch a.family {
	case FamilyNone:
		return a, nil
	case FamilyV4, FamilyV6:
		if prefixLen < 0 || prefixLen > a.family.BitLen() {
			return Address{}, fmt.Errorf("prefix length %d out of range for %s: %w", prefixLen, a.family, ErrInvalidOperation)
		}
		return maskPayload(a, prefixLen), nil
	case FamilyLink:
		if prefixLen != a.family.BitLen() {
			return Address{}, fmt.Errorf("link-layer addresses cannot be masked to /%d: %w", prefixLen, ErrInvalidOperation)
		}
		return a, nil
	default:
		return a, nil
	}
}

// NetipPrefix converts a v4 or v6 address and prefix length into a canonical netip.Prefix.
func (a Address) NetipPrefix(prefixLen int) (netip.Prefix, bool) {
	if !a.family.Maskable() {
		return netip.Prefix{}, false
	}
	p, err := a.IP().Prefix(prefixLen)
	if err != nil {
		return netip.Prefix{}, false
	}
	return p, true
}

func maskPayload(a Address, prefixLen int) Address {
	width := a.family.BitLen()
	host := width - prefixLen
	switch {
	case host <= 0:
		return a
	case host >= 128:
		return Address{family: a.family}
	case host >= 64:
		a.lo = 0
		a.hi &^= (uint64(1) << (host - 64)) - 1
	default:
		a.lo &^= (uint64(1) << host) - 1
	}
	return a
}

func (a Address) String() string {
	switch a.family {
	case FamilyV4, FamilyV6:
		return a.IP().String()
	case FamilyLink:
		m := a.Link()
		return fmt.Sprintf("%02x:%02x:%02x:%02x:%02x:%02x", m[0], m[1], m[2], m[3], m[4], m[5])
	case FamilyModuleId:
		return fmt.Sprintf("%d", int64(a.lo))
	case FamilyModulePath:
		return modulePathPrefix + ModulePath(int64(a.lo)).String()
	default:
		return ""
	}
}

func (a Address) MarshalText() ([]byte, error) {
	return []byte(a.String()), nil
}

func (a *Address) UnmarshalText(text []byte) error {
	parsed, err := ParseAddress(string(text))
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}
