package core

import (
	"log/slog"

	"github.com/encodeous/netsim/state"
)

// Observer receives routing and forwarding notifications. Calls are made synchronously from
// the goroutine that mutates the table or processes the datagram.
type Observer interface {
	RouteAdded(r *Route)
	RouteRemoved(r *Route)
	RouteChanged(r *Route, fields RouteField)
	MulticastRouteAdded(r *MulticastRoute)
	MulticastRouteRemoved(r *MulticastRoute)
	MulticastRouteChanged(r *MulticastRoute)
	InterfaceConfigChanged(itf *state.Interface)
	DatagramDropped(d *state.Datagram, reason DropReason)
}

// NopObserver ignores every notification, embed it to implement only some of them.
type NopObserver struct{}

func (NopObserver) RouteAdded(*Route)                           {}
func (NopObserver) RouteRemoved(*Route)                         {}
func (NopObserver) RouteChanged(*Route, RouteField)             {}
func (NopObserver) MulticastRouteAdded(*MulticastRoute)         {}
func (NopObserver) MulticastRouteRemoved(*MulticastRoute)       {}
func (NopObserver) MulticastRouteChanged(*MulticastRoute)       {}
func (NopObserver) InterfaceConfigChanged(*state.Interface)     {}
func (NopObserver) DatagramDropped(*state.Datagram, DropReason) {}

// Observers fans a notification out to every member.
type Observers []Observer

func (o Observers) RouteAdded(r *Route) {
	for _, x := range o {
		x.RouteAdded(r)
	}
}

func (o Observers) RouteRemoved(r *Route) {
	for _, x := range o {
		x.RouteRemoved(r)
	}
}

func (o Observers) RouteChanged(r *Route, fields RouteField) {
	for _, x := range o {
		x.RouteChanged(r, fields)
	}
}

func (o Observers) MulticastRouteAdded(r *MulticastRoute) {
	for _, x := range o {
		x.MulticastRouteAdded(r)
	}
}

func (o Observers) MulticastRouteRemoved(r *MulticastRoute) {
	for _, x := range o {
		x.MulticastRouteRemoved(r)
	}
}

func (o Observers) MulticastRouteChanged(r *MulticastRoute) {
	for _, x := range o {
		x.MulticastRouteChanged(r)
	}
}

func (o Observers) InterfaceConfigChanged(itf *state.Interface) {
	for _, x := range o {
		x.InterfaceConfigChanged(itf)
	}
}

func (o Observers) DatagramDropped(d *state.Datagram, reason DropReason) {
	for _, x := range o {
		x.DatagramDropped(d, reason)
	}
}

// LogObserver writes notifications to a logger at debug level.
type LogObserver struct {
	Log *slog.Logger
}

func (l LogObserver) RouteAdded(r *Route) {
	l.Log.Debug("route added", "route", r)
}

func (l LogObserver) RouteRemoved(r *Route) {
	l.Log.Debug("route removed", "route", r)
}

func (l LogObserver) RouteChanged(r *Route, fields RouteField) {
	l.Log.Debug("route changed", "route", r, "fields", fields)
}

func (l LogObserver) MulticastRouteAdded(r *MulticastRoute) {
	l.Log.Debug("multicast route added", "route", r)
}

func (l LogObserver) MulticastRouteRemoved(r *MulticastRoute) {
	l.Log.Debug("multicast route removed", "route", r)
}

func (l LogObserver) MulticastRouteChanged(r *MulticastRoute) {
	l.Log.Debug("multicast route changed", "route", r)
}

func (l LogObserver) InterfaceConfigChanged(itf *state.Interface) {
	l.Log.Debug("interface changed", "itf", itf, "addrs", itf.Addresses())
}

func (l LogObserver) DatagramDropped(d *state.Datagram, reason DropReason) {
	l.Log.Debug("datagram dropped", "dgram", d, "reason", reason)
}
