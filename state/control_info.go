package state

import "fmt"

// ProtocolId identifies the upper layer protocol carried by a datagram.
type ProtocolId uint8

const (
	ProtoICMP ProtocolId = 1
	ProtoTCP  ProtocolId = 6
	ProtoUDP  ProtocolId = 17
	ProtoSCTP ProtocolId = 132
)

// ControlInfo is exchanged with upper layers alongside a payload. Zero fields mean "unset":
// the forwarding engine fills them from defaults or from the routing decision.
type ControlInfo struct {
	Family    Family
	Protocol  ProtocolId
	Src       Address
	Dst       Address
	Interface InterfaceId
	NextHop   Address
	HopLimit  int
}

func (c *ControlInfo) String() string {
	return fmt.Sprintf("proto=%d %s -> %s itf=%d hl=%d", c.Protocol, c.Src, c.Dst, c.Interface, c.HopLimit)
}
