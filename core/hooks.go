package core

import (
	"cmp"
	"fmt"
	"slices"

	"github.com/encodeous/netsim/state"
)

// Verdict is the decision of a hook on a datagram.
type Verdict uint8

const (
	// Accept passes the datagram on to the next hook, or to normal processing after the last one.
	Accept Verdict = iota
	// Drop discards the datagram.
	Drop
	// Queue suspends the datagram until it is reinjected or dropped through its QueueToken.
	Queue
	// Stolen stops processing, the hook now owns the datagram.
	Stolen
)

func (v Verdict) String() string {
	switch v {
	case Accept:
		return "ACCEPT"
	case Drop:
		return "DROP"
	case Queue:
		return "QUEUE"
	case Stolen:
		return "STOLEN"
	default:
		return fmt.Sprintf("verdict(%d)", uint8(v))
	}
}

// HookContext describes a datagram at an interposition point. Hooks may rewrite the datagram,
// and on the forward, local-out and post-routing points also Outbound and NextHop.
type HookContext struct {
	Datagram *state.Datagram
	Stage    state.DatagramStage
	Inbound  *state.Interface
	Outbound *state.Interface
	NextHop  state.Address

	pipeline *HookPipeline
	token    QueueToken
}

// Token returns the queue token the datagram will be suspended under if the hook answers Queue.
func (c *HookContext) Token() QueueToken {
	if c.token == 0 {
		c.token = c.pipeline.newToken()
	}
	return c.token
}

// Hook intercepts datagrams at the five interposition points of the forwarding engine.
type Hook interface {
	PreRouting(c *HookContext) Verdict
	LocalIn(c *HookContext) Verdict
	Forward(c *HookContext) Verdict
	LocalOut(c *HookContext) Verdict
	PostRouting(c *HookContext) Verdict
}

// HookFunc handles a single interposition point.
type HookFunc func(c *HookContext) Verdict

// HookFuncs adapts functions to a Hook; nil functions accept.
type HookFuncs struct {
	PreRoutingFn  HookFunc
	LocalInFn     HookFunc
	ForwardFn     HookFunc
	LocalOutFn    HookFunc
	PostRoutingFn HookFunc
}

func call(fn HookFunc, c *HookContext) Verdict {
	if fn == nil {
		return Accept
	}
	return fn(c)
}

func (h HookFuncs) PreRouting(c *HookContext) Verdict  { return call(h.PreRoutingFn, c) }
func (h HookFuncs) LocalIn(c *HookContext) Verdict     { return call(h.LocalInFn, c) }
func (h HookFuncs) Forward(c *HookContext) Verdict     { return call(h.ForwardFn, c) }
func (h HookFuncs) LocalOut(c *HookContext) Verdict    { return call(h.LocalOutFn, c) }
func (h HookFuncs) PostRouting(c *HookContext) Verdict { return call(h.PostRoutingFn, c) }

// OnStage returns a hook running fn at one interposition point only.
func OnStage(stage state.DatagramStage, fn HookFunc) Hook {
	var h HookFuncs
	switch stage {
	case state.StagePreRouting:
		h.PreRoutingFn = fn
	case state.StageLocalIn:
		h.LocalInFn = fn
	case state.StageForward:
		h.ForwardFn = fn
	case state.StageLocalOut:
		h.LocalOutFn = fn
	case state.StagePostRouting:
		h.PostRoutingFn = fn
	default:
		panic(fmt.Sprintf("%s is not an interposition point", stage))
	}
	return h
}

type HookHandle uint64

type hookEntry struct {
	handle   HookHandle
	priority int
	hook     Hook
}

// HookPipeline holds the registered hooks and the datagrams they queued.
type HookPipeline struct {
	entries    []hookEntry
	nextHandle HookHandle
	nextToken  QueueToken
	pending    map[QueueToken]*continuation
}

func NewHookPipeline() *HookPipeline {
	return &HookPipeline{
		pending: make(map[QueueToken]*continuation),
	}
}

// RegisterHook adds h. Hooks run in ascending priority, hooks of equal priority in registration order.
func (p *HookPipeline) RegisterHook(h Hook, priority int) HookHandle {
	p.nextHandle++
	e := hookEntry{handle: p.nextHandle, priority: priority, hook: h}
	pos, _ := slices.BinarySearchFunc(p.entries, e, func(a, b hookEntry) int {
		if c := cmp.Compare(a.priority, b.priority); c != 0 {
			return c
		}
		return cmp.Compare(a.handle, b.handle)
	})
	p.entries = slices.Insert(p.entries, pos, e)
	return e.handle
}

func (p *HookPipeline) UnregisterHook(handle HookHandle) bool {
	n := len(p.entries)
	p.entries = slices.DeleteFunc(p.entries, func(e hookEntry) bool {
		return e.handle == handle
	})
	return len(p.entries) != n
}

func (p *HookPipeline) Len() int {
	return len(p.entries)
}

func dispatchHook(h Hook, c *HookContext) Verdict {
	switch c.Stage {
	case state.StagePreRouting:
		return h.PreRouting(c)
	case state.StageLocalIn:
		return h.LocalIn(c)
	case state.StageForward:
		return h.Forward(c)
	case state.StageLocalOut:
		return h.LocalOut(c)
	case state.StagePostRouting:
		return h.PostRouting(c)
	default:
		panic(fmt.Sprintf("%s is not an interposition point", c.Stage))
	}
}

// run invokes the hooks for the stage of k until one of them does not accept. Outbound and
// NextHop rewrites are copied back into k whatever the verdict, so a queued datagram resumes
// with the decision the hooks before the queuing one made.
func (p *HookPipeline) run(k *continuation) (Verdict, QueueToken) {
	if len(p.entries) == 0 {
		return Accept, 0
	}
	c := &HookContext{
		Datagram: k.dgram,
		Stage:    k.stage,
		Inbound:  k.inbound,
		Outbound: k.outbound,
		NextHop:  k.nextHop,
		pipeline: p,
	}
	// a hook may unregister itself while running
	for _, e := range slices.Clone(p.entries) {
		v := dispatchHook(e.hook, c)
		if v == Accept {
			continue
		}
		k.outbound = c.Outbound
		k.nextHop = c.NextHop
		if v == Queue {
			return v, c.Token()
		}
		return v, 0
	}
	k.outbound = c.Outbound
	k.nextHop = c.NextHop
	return Accept, 0
}
