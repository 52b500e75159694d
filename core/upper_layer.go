package core

import "github.com/encodeous/netsim/state"

// UpperLayer consumes datagrams delivered to the node.
type UpperLayer interface {
	DeliverLocally(payload []byte, ci *state.ControlInfo)
}

type UpperLayerFunc func(payload []byte, ci *state.ControlInfo)

func (f UpperLayerFunc) DeliverLocally(payload []byte, ci *state.ControlInfo) {
	f(payload, ci)
}

// ProtocolDispatch picks the upper layer for a datagram by its protocol id.
type ProtocolDispatch map[state.ProtocolId]UpperLayer

func (p ProtocolDispatch) Register(proto state.ProtocolId, ul UpperLayer) {
	p[proto] = ul
}
