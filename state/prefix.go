package state

import (
	"fmt"
	"strconv"
	"strings"
)

// AddressPrefix is an address together with a prefix length, written as addr/len. The length
// defaults to the full width of the family when omitted.
type AddressPrefix struct {
	Addr Address
	Len  int
}

func ParseAddressPrefix(s string) (AddressPrefix, error) {
	lit, plen, hasLen := strings.Cut(s, "/")
	addr, err := ParseAddress(lit)
	if err != nil {
		return AddressPrefix{}, err
	}
	p := AddressPrefix{Addr: addr, Len: addr.Family().BitLen()}
	if hasLen {
		p.Len, err = strconv.Atoi(plen)
		if err != nil {
			return AddressPrefix{}, fmt.Errorf("bad prefix length in %q: %w", s, err)
		}
	}
	if err := p.Validate(); err != nil {
		return AddressPrefix{}, err
	}
	return p, nil
}

// Validate checks the prefix length against the family policy.
func (p AddressPrefix) Validate() error {
	pol, err := PolicyOf(p.Addr)
	if err != nil {
		return err
	}
	if p.Len < 0 || p.Len > pol.MaxPrefixLength() {
		return fmt.Errorf("prefix length %d out of range [0, %d] for %s", p.Len, pol.MaxPrefixLength(), p.Addr.Family())
	}
	return nil
}

// Contains reports whether a falls within the prefix.
func (p AddressPrefix) Contains(a Address) bool {
	return p.Addr.Matches(a, p.Len)
}

// Masked returns the prefix with host bits cleared.
func (p AddressPrefix) Masked() (AddressPrefix, error) {
	addr, err := p.Addr.Prefix(p.Len)
	if err != nil {
		return AddressPrefix{}, err
	}
	return AddressPrefix{Addr: addr, Len: p.Len}, nil
}

// Broadcast returns the directed broadcast address of a v4 prefix. Prefixes of length 31 and
// 32 have none.
func (p AddressPrefix) Broadcast() (Address, bool) {
	if p.Addr.Family() != FamilyV4 || p.Len < 0 || p.Len >= 31 {
		return Address{}, false
	}
	host := uint32(1)<<(32-p.Len) - 1
	return V4FromUint32(uint32(p.Addr.lo) | host), true
}

func (p AddressPrefix) String() string {
	return fmt.Sprintf("%s/%d", p.Addr, p.Len)
}

func (p AddressPrefix) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

func (p *AddressPrefix) UnmarshalText(text []byte) error {
	parsed, err := ParseAddressPrefix(string(text))
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}
