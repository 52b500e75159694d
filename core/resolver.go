package core

import (
	"fmt"
	"time"

	"github.com/encodeous/netsim/state"
	"github.com/jellydator/ttlcache/v3"
)

// Resolver maps a next hop to the link-layer address to send to on an interface.
type Resolver interface {
	Resolve(nextHop state.Address, itf *state.Interface) (state.Address, error)
}

// DiscoverFunc looks up a neighbour that is not in the cache, e.g. by asking the link.
type DiscoverFunc func(nextHop state.Address, itf *state.Interface) (state.Address, bool)

type neighKey struct {
	itf  state.InterfaceId
	addr state.Address
}

// NeighbourCache is a Resolver keeping static entries and learned entries that expire.
type NeighbourCache struct {
	static   map[neighKey]state.Address
	learned  *ttlcache.Cache[neighKey, state.Address]
	discover DiscoverFunc
}

func NewNeighbourCache(ttl time.Duration, discover DiscoverFunc) *NeighbourCache {
	return &NeighbourCache{
		static: make(map[neighKey]state.Address),
		learned: ttlcache.New[neighKey, state.Address](
			ttlcache.WithTTL[neighKey, state.Address](ttl),
			ttlcache.WithDisableTouchOnHit[neighKey, state.Address](),
		),
		discover: discover,
	}
}

func (n *NeighbourCache) AddStatic(itf state.InterfaceId, addr, link state.Address) {
	n.static[neighKey{itf, addr}] = link
}

func (n *NeighbourCache) Learn(itf state.InterfaceId, addr, link state.Address) {
	n.learned.Set(neighKey{itf, addr}, link, ttlcache.DefaultTTL)
}

func (n *NeighbourCache) Forget(itf state.InterfaceId, addr state.Address) {
	n.learned.Delete(neighKey{itf, addr})
}

func (n *NeighbourCache) Len() int {
	return len(n.static) + n.learned.Len()
}

func (n *NeighbourCache) Resolve(nextHop state.Address, itf *state.Interface) (state.Address, error) {
	if nextHop.Family() == state.FamilyLink {
		return nextHop, nil
	}
	key := neighKey{itf.Id, nextHop}
	if link, ok := n.static[key]; ok {
		return link, nil
	}
	if item := n.learned.Get(key); item != nil {
		return item.Value(), nil
	}
	if n.discover != nil {
		if link, ok := n.discover(nextHop, itf); ok {
			n.Learn(itf.Id, nextHop, link)
			return link, nil
		}
	}
	return state.Address{}, fmt.Errorf("%s on %s: %w", nextHop, itf, ErrResolve)
}
