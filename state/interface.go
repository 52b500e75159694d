package state

import (
	"fmt"
	"slices"
	"strings"
)

type InterfaceId int

// NoInterface is the id of no interface, interface ids start at 1.
const NoInterface InterfaceId = 0

type InterfaceFlags uint8

const (
	FlagBroadcast InterfaceFlags = 1 << iota
	FlagMulticast
	FlagLoopback
	FlagPointToPoint
)

func (f InterfaceFlags) String() string {
	names := make([]string, 0, 4)
	for _, n := range []struct {
		flag InterfaceFlags
		name string
	}{
		{FlagBroadcast, "broadcast"},
		{FlagMulticast, "multicast"},
		{FlagLoopback, "loopback"},
		{FlagPointToPoint, "p2p"},
	} {
		if f&n.flag != 0 {
			names = append(names, n.name)
		}
	}
	return strings.Join(names, ",")
}

// InterfaceAddrs holds the per-family configuration of an interface inline. Families that are
// not configured are left as the None address.
type InterfaceAddrs struct {
	V4     AddressPrefix
	V6     []AddressPrefix
	Link   Address
	Module Address
}

// Interface is a network interface of a simulated node. It is owned by an Interfaces table;
// routes and the forwarding engine only borrow it.
type Interface struct {
	Id       InterfaceId
	Name     string
	MTU      int
	Flags    InterfaceFlags
	DataRate uint64 // bits per second, 0 if unknown
	Addrs    InterfaceAddrs
}

func (i *Interface) IsLoopback() bool     { return i.Flags&FlagLoopback != 0 }
func (i *Interface) IsBroadcast() bool    { return i.Flags&FlagBroadcast != 0 }
func (i *Interface) IsMulticast() bool    { return i.Flags&FlagMulticast != 0 }
func (i *Interface) IsPointToPoint() bool { return i.Flags&FlagPointToPoint != 0 }

// Address returns the configured address of the interface for family f.
func (i *Interface) Address(f Family) (Address, bool) {
	var a Address
	switch f {
	case FamilyV4:
		a = i.Addrs.V4.Addr
	case FamilyV6:
		for _, v6 := range i.Addrs.V6 {
			if ll, _ := v6.Addr.IsLinkLocal(); !ll {
				return v6.Addr, true
			}
		}
		if len(i.Addrs.V6) > 0 {
			a = i.Addrs.V6[0].Addr
		}
	case FamilyLink:
		a = i.Addrs.Link
	case FamilyModuleId, FamilyModulePath:
		if i.Addrs.Module.Family() == f {
			a = i.Addrs.Module
		}
	}
	return a, !a.IsNone()
}

// HasAddress reports whether a is one of the addresses configured on the interface.
func (i *Interface) HasAddress(a Address) bool {
	if a.IsNone() {
		return false
	}
	switch a.Family() {
	case FamilyV4:
		return i.Addrs.V4.Addr == a
	case FamilyV6:
		return slices.ContainsFunc(i.Addrs.V6, func(p AddressPrefix) bool {
			return p.Addr == a
		})
	case FamilyLink:
		return i.Addrs.Link == a
	default:
		return i.Addrs.Module == a
	}
}

// Prefixes lists the network prefixes configured on the interface, for connected routes.
func (i *Interface) Prefixes() []AddressPrefix {
	out := make([]AddressPrefix, 0, 1+len(i.Addrs.V6))
	if !i.Addrs.V4.Addr.IsNone() {
		out = append(out, i.Addrs.V4)
	}
	return append(out, i.Addrs.V6...)
}

// Addresses lists every configured address of the interface.
func (i *Interface) Addresses() []Address {
	out := make([]Address, 0, 3+len(i.Addrs.V6))
	for _, a := range []Address{i.Addrs.V4.Addr, i.Addrs.Link, i.Addrs.Module} {
		if !a.IsNone() {
			out = append(out, a)
		}
	}
	for _, p := range i.Addrs.V6 {
		out = append(out, p.Addr)
	}
	return out
}

// Cost derives a routing metric from the data rate of the interface.
func (i *Interface) Cost() int {
	if i.DataRate == 0 {
		return DefaultInterfaceCost
	}
	return max(1, int(ReferenceBandwidth/i.DataRate))
}

func (i *Interface) String() string {
	return fmt.Sprintf("%s(%d)", i.Name, i.Id)
}

// InterfaceTable is the interface collection of a node as seen by routing and forwarding.
type InterfaceTable interface {
	NumInterfaces() int
	InterfaceAt(i int) *Interface
	InterfaceById(id InterfaceId) *Interface
	InterfaceByAddress(a Address) *Interface
}

// Interfaces is a slice backed InterfaceTable. OnChange, if set, is called whenever an
// interface is added, reconfigured or removed.
type Interfaces struct {
	list     []*Interface
	nextId   InterfaceId
	OnChange func(itf *Interface)
}

func (t *Interfaces) NumInterfaces() int {
	return len(t.list)
}

func (t *Interfaces) InterfaceAt(i int) *Interface {
	return t.list[i]
}

func (t *Interfaces) InterfaceById(id InterfaceId) *Interface {
	idx := slices.IndexFunc(t.list, func(itf *Interface) bool {
		return itf.Id == id
	})
	if idx == -1 {
		return nil
	}
	return t.list[idx]
}

func (t *Interfaces) InterfaceByAddress(a Address) *Interface {
	idx := slices.IndexFunc(t.list, func(itf *Interface) bool {
		return itf.HasAddress(a)
	})
	if idx == -1 {
		return nil
	}
	return t.list[idx]
}

func (t *Interfaces) InterfaceByName(name string) *Interface {
	idx := slices.IndexFunc(t.list, func(itf *Interface) bool {
		return itf.Name == name
	})
	if idx == -1 {
		return nil
	}
	return t.list[idx]
}

// Add takes ownership of itf, assigning it an id if it has none.
func (t *Interfaces) Add(itf *Interface) error {
	if itf.Id == NoInterface {
		t.nextId = max(t.nextId, t.maxId()) + 1
		itf.Id = t.nextId
	} else if t.InterfaceById(itf.Id) != nil {
		return fmt.Errorf("interface id %d already in use", itf.Id)
	}
	if itf.MTU <= 0 {
		itf.MTU = DefaultMTU
	}
	t.list = append(t.list, itf)
	t.changed(itf)
	return nil
}

// Configure applies fn to the interface and reports the change.
func (t *Interfaces) Configure(id InterfaceId, fn func(itf *Interface)) error {
	itf := t.InterfaceById(id)
	if itf == nil {
		return fmt.Errorf("interface %d not found", id)
	}
	fn(itf)
	t.changed(itf)
	return nil
}

// Remove drops the interface from the table. Routes referencing it must be removed by the caller.
func (t *Interfaces) Remove(id InterfaceId) (*Interface, error) {
	idx := slices.IndexFunc(t.list, func(itf *Interface) bool {
		return itf.Id == id
	})
	if idx == -1 {
		return nil, fmt.Errorf("interface %d not found", id)
	}
	itf := t.list[idx]
	t.list = slices.Delete(t.list, idx, idx+1)
	t.changed(itf)
	return itf, nil
}

func (t *Interfaces) maxId() InterfaceId {
	var m InterfaceId
	for _, itf := range t.list {
		m = max(m, itf.Id)
	}
	return m
}

func (t *Interfaces) changed(itf *Interface) {
	if t.OnChange != nil {
		t.OnChange(itf)
	}
}
