package core

import (
	"fmt"
	"maps"
	"slices"

	"github.com/encodeous/netsim/state"
)

// QueueToken identifies a datagram suspended by a Queue verdict. Tokens are never reused.
type QueueToken uint64

// continuation captures everything needed to resume a datagram after the stage it is at.
type continuation struct {
	dgram     *state.Datagram
	stage     state.DatagramStage
	inbound   *state.Interface
	outbound  *state.Interface
	nextHop   state.Address
	fromUpper bool
}

func (p *HookPipeline) newToken() QueueToken {
	p.nextToken++
	return p.nextToken
}

func (p *HookPipeline) suspend(token QueueToken, k *continuation) {
	k.dgram.Stage = state.StageQueued
	p.pending[token] = k
}

// take removes and returns the continuation of token.
func (p *HookPipeline) take(token QueueToken) (*continuation, error) {
	k, ok := p.pending[token]
	if !ok {
		return nil, fmt.Errorf("token %d: %w", token, ErrUnknownToken)
	}
	delete(p.pending, token)
	return k, nil
}

// Pending lists the tokens of all suspended datagrams in the order they were queued.
func (p *HookPipeline) Pending() []QueueToken {
	return slices.Sorted(maps.Keys(p.pending))
}

// QueuedDatagram returns the suspended datagram of token, or nil.
func (p *HookPipeline) QueuedDatagram(token QueueToken) *state.Datagram {
	if k, ok := p.pending[token]; ok {
		return k.dgram
	}
	return nil
}
