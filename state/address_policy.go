package state

import "net/netip"

// AddressPolicy supplies the constants and factories that depend on an address family.
type AddressPolicy interface {
	Family() Family
	MaxPrefixLength() int
	LinkLocalManetMulticast() Address
	LinkLocalRipMulticast() Address
	NewControlInfo() *ControlInfo
	// LinkLocalAddress derives the link-local address of itf, or the unspecified address if the
	// family has no such concept.
	LinkLocalAddress(itf *Interface) Address
}

type v4Policy struct{}
type v6Policy struct{}
type linkPolicy struct{}
type modulePolicy struct{ family Family }

var policies = [NumFamilies]AddressPolicy{
	FamilyV4:         v4Policy{},
	FamilyV6:         v6Policy{},
	FamilyLink:       linkPolicy{},
	FamilyModuleId:   modulePolicy{FamilyModuleId},
	FamilyModulePath: modulePolicy{FamilyModulePath},
}

// ResolvePolicy returns the policy of family f. The None family has no policy.
func ResolvePolicy(f Family) (AddressPolicy, error) {
	if f >= NumFamilies || policies[f] == nil {
		return nil, invalidOp("ResolvePolicy", f)
	}
	return policies[f], nil
}

// PolicyOf is ResolvePolicy(a.Family()).
func PolicyOf(a Address) (AddressPolicy, error) {
	return ResolvePolicy(a.Family())
}

var (
	v4ManetGroup = V4From(netip.MustParseAddr("224.0.0.109"))
	v4RipGroup   = V4From(netip.MustParseAddr("224.0.0.9"))
	v6ManetGroup = V6From(netip.MustParseAddr("ff02::6d"))
	v6RipGroup   = V6From(netip.MustParseAddr("ff02::9"))
)

func (v4Policy) Family() Family                   { return FamilyV4 }
func (v4Policy) MaxPrefixLength() int             { return 32 }
func (v4Policy) LinkLocalManetMulticast() Address { return v4ManetGroup }
func (v4Policy) LinkLocalRipMulticast() Address   { return v4RipGroup }
func (v4Policy) NewControlInfo() *ControlInfo     { return &ControlInfo{Family: FamilyV4} }
func (v4Policy) LinkLocalAddress(*Interface) Address {
	return V4Unspecified
}

func (v6Policy) Family() Family                   { return FamilyV6 }
func (v6Policy) MaxPrefixLength() int             { return 128 }
func (v6Policy) LinkLocalManetMulticast() Address { return v6ManetGroup }
func (v6Policy) LinkLocalRipMulticast() Address   { return v6RipGroup }
func (v6Policy) NewControlInfo() *ControlInfo     { return &ControlInfo{Family: FamilyV6} }

// LinkLocalAddress returns a configured fe80::/10 address, or derives one from the link-layer
// address with the modified EUI-64 scheme.
func (v6Policy) LinkLocalAddress(itf *Interface) Address {
	for _, p := range itf.Addrs.V6 {
		if ll, _ := p.Addr.IsLinkLocal(); ll {
			return p.Addr
		}
	}
	if itf.Addrs.Link.IsNone() || itf.Addrs.Link.IsUnspecified() {
		return V6Unspecified
	}
	mac := itf.Addrs.Link.Link()
	b := [16]byte{0: 0xfe, 1: 0x80}
	b[8] = mac[0] ^ 0x02
	b[9], b[10] = mac[1], mac[2]
	b[11], b[12] = 0xff, 0xfe
	b[13], b[14], b[15] = mac[3], mac[4], mac[5]
	return V6From(netip.AddrFrom16(b))
}

func (linkPolicy) Family() Family                   { return FamilyLink }
func (linkPolicy) MaxPrefixLength() int             { return 48 }
func (linkPolicy) LinkLocalManetMulticast() Address { return Address{family: FamilyLink} }
func (linkPolicy) LinkLocalRipMulticast() Address   { return Address{family: FamilyLink} }
func (linkPolicy) NewControlInfo() *ControlInfo     { return &ControlInfo{Family: FamilyLink} }
func (linkPolicy) LinkLocalAddress(itf *Interface) Address {
	if itf.Addrs.Link.IsNone() {
		return Address{family: FamilyLink}
	}
	return itf.Addrs.Link
}

func (p modulePolicy) Family() Family                   { return p.family }
func (p modulePolicy) MaxPrefixLength() int             { return 64 }
func (p modulePolicy) LinkLocalManetMulticast() Address { return Address{family: p.family} }
func (p modulePolicy) LinkLocalRipMulticast() Address   { return Address{family: p.family} }
func (p modulePolicy) NewControlInfo() *ControlInfo     { return &ControlInfo{Family: p.family} }
func (p modulePolicy) LinkLocalAddress(itf *Interface) Address {
	if itf.Addrs.Module.Family() == p.family {
		return itf.Addrs.Module
	}
	return Address{family: p.family}
}
