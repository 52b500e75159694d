package state

import (
	"fmt"

	"golang.org/x/net/ipv4"
	"golang.org/x/net/ipv6"
)

type DatagramId uint64

// DatagramStage is the position of a datagram in the forwarding state machine.
type DatagramStage uint8

const (
	StageReceived DatagramStage = iota
	StagePreRouting
	StageLocalIn
	StageForward
	StageLocalOut
	StagePostRouting
	StageLocalDelivery
	StageSent
	StageDropped
	StageQueued
	StageStolen
)

var stageStrings = []string{
	StageReceived:      "received",
	StagePreRouting:    "pre-routing",
	StageLocalIn:       "local-in",
	StageForward:       "forward",
	StageLocalOut:      "local-out",
	StagePostRouting:   "post-routing",
	StageLocalDelivery: "local-delivery",
	StageSent:          "sent",
	StageDropped:       "dropped",
	StageQueued:        "queued",
	StageStolen:        "stolen",
}

func (s DatagramStage) String() string {
	if int(s) < len(stageStrings) {
		return stageStrings[s]
	}
	return fmt.Sprintf("stage(%d)", uint8(s))
}

// Datagram is a network layer packet. It has no byte layout; Len accounts for a header of the
// family's size so that MTU checks behave like the real protocols.
type Datagram struct {
	Id       DatagramId
	Src      Address
	Dst      Address
	HopLimit int
	Protocol ProtocolId
	Payload  []byte
	Stage    DatagramStage
}

func (d *Datagram) Family() Family {
	return d.Dst.Family()
}

func HeaderLen(f Family) int {
	switch f {
	case FamilyV4:
		return ipv4.HeaderLen
	case FamilyV6:
		return ipv6.HeaderLen
	default:
		return GenericHeaderLen
	}
}

// Len is the on-link size of the datagram.
func (d *Datagram) Len() int {
	return HeaderLen(d.Family()) + len(d.Payload)
}

func (d *Datagram) String() string {
	return fmt.Sprintf("#%d %s -> %s proto=%d hl=%d len=%d", d.Id, d.Src, d.Dst, d.Protocol, d.HopLimit, d.Len())
}
