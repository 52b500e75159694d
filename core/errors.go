package core

import "errors"

var (
	// ErrDuplicateOwnership is returned when a route that already belongs to a table is added again.
	ErrDuplicateOwnership = errors.New("route already belongs to a routing table")
	ErrRouteNotFound      = errors.New("route not found in routing table")
	ErrInvalidRoute       = errors.New("invalid route")

	// ErrUnknownToken is returned for queue tokens that were never issued or were already consumed.
	ErrUnknownToken = errors.New("unknown or consumed queue token")

	ErrOversize         = errors.New("datagram exceeds interface mtu")
	ErrResolve          = errors.New("link-layer address resolution failed")
	ErrHopLimitExceeded = errors.New("hop limit exceeded")
	ErrNoInterface      = errors.New("no egress interface")
	ErrNoDestination    = errors.New("control info has no destination")
)
