package core

import (
	"fmt"

	"github.com/encodeous/netsim/perf"
)

// DropReason says why the forwarding engine discarded a datagram.
type DropReason uint8

const (
	DropHopLimit DropReason = iota
	DropForwardingDisabled
	DropUnroutable
	DropOversize
	DropResolve
	DropHook
	DropUnknownProtocol
	DropNoInterface
	DropLinkDown
	DropInvalid
	DropWrongInbound
)

var dropReasonStrings = []string{
	DropHopLimit:           "hop-limit-exceeded",
	DropForwardingDisabled: "forwarding-disabled",
	DropUnroutable:         "unroutable",
	DropOversize:           "oversize",
	DropResolve:            "resolve-failed",
	DropHook:               "hook",
	DropUnknownProtocol:    "unknown-protocol",
	DropNoInterface:        "no-interface",
	DropLinkDown:           "link-down",
	DropInvalid:            "invalid",
	DropWrongInbound:       "wrong-inbound",
}

func (r DropReason) String() string {
	if int(r) < len(dropReasonStrings) {
		return dropReasonStrings[r]
	}
	return fmt.Sprintf("drop(%d)", uint8(r))
}

// Counters of a forwarding engine. Dropped counts every drop; the per reason counters below it
// break the total down.
type Counters struct {
	Received  uint64 // from the network
	Delivered uint64 // to an upper layer
	Forwarded uint64 // network datagrams sent on towards their destination
	Sent      uint64 // every datagram handed to a link
	Queued    uint64
	Stolen    uint64

	Dropped            uint64
	HopLimitExceeded   uint64
	ForwardingDisabled uint64
	Unroutable         uint64
	Oversize           uint64
	ResolveFailed      uint64
	HookDropped        uint64
	UnknownProtocol    uint64
	OtherDropped       uint64
}

func (c *Counters) countDrop(reason DropReason) {
	c.Dropped++
	perf.DroppedPerSecond.Add(1)
	switch reason {
	case DropHopLimit:
		c.HopLimitExceeded++
	case DropForwardingDisabled:
		c.ForwardingDisabled++
	case DropUnroutable:
		c.Unroutable++
	case DropOversize:
		c.Oversize++
	case DropResolve:
		c.ResolveFailed++
	case DropHook:
		c.HookDropped++
	case DropUnknownProtocol:
		c.UnknownProtocol++
	default:
		c.OtherDropped++
	}
}

func (c *Counters) String() string {
	return fmt.Sprintf("rx=%d delivered=%d forwarded=%d sent=%d queued=%d stolen=%d dropped=%d (hoplimit=%d fwdoff=%d unroutable=%d oversize=%d resolve=%d hook=%d proto=%d other=%d)",
		c.Received, c.Delivered, c.Forwarded, c.Sent, c.Queued, c.Stolen, c.Dropped,
		c.HopLimitExceeded, c.ForwardingDisabled, c.Unroutable, c.Oversize, c.ResolveFailed,
		c.HookDropped, c.UnknownProtocol, c.OtherDropped)
}
