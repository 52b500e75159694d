package perf

import (
	"expvar"
	"net/http"

	"github.com/encodeous/metric"
)

var (
	DispatchLatency       = metric.NewHistogram("1m1s")
	ForwardedPerSecond    = metric.NewCounter("10s1s")
	DeliveredPerSecond    = metric.NewCounter("10s1s")
	SentPerSecond         = metric.NewCounter("10s1s")
	DroppedPerSecond      = metric.NewCounter("10s1s")
	QueuedPerSecond       = metric.NewCounter("10s1s")
	RouteChangesPerSecond = metric.NewCounter("10s1s")
)

func init() {
	http.Handle("/debug/metrics", metric.Handler(metric.Exposed))
	expvar.Publish("netsim:Forwarded/s", ForwardedPerSecond)
	expvar.Publish("netsim:Delivered/s", DeliveredPerSecond)
	expvar.Publish("netsim:Sent/s", SentPerSecond)
	expvar.Publish("netsim:Dropped/s", DroppedPerSecond)
	expvar.Publish("netsim:Queued/s", QueuedPerSecond)
	expvar.Publish("netsim:RouteChanges/s", RouteChangesPerSecond)
	expvar.Publish("netsim:DispatchLatency (µs)", DispatchLatency)
}
