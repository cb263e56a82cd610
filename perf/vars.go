package perf

import (
	"expvar"
	"net/http"

	"github.com/encodeous/metric"
)

var (
	DispatchLatency = metric.NewHistogram("1m1s")

	SentPacketPerSecond = metric.NewCounter("10s1s")
	RecvPacketPerSecond = metric.NewCounter("10s1s")
	SentBytesPerSecond  = metric.NewCounter("10s1s")
	RecvBytesPerSecond  = metric.NewCounter("10s1s")

	SendErrors    = metric.NewCounter("1m1s")
	DispatchDrops = metric.NewCounter("1m1s")
	RecvDrops     = metric.NewCounter("1m1s")
)

func init() {
	http.Handle("/debug/metrics", metric.Handler(metric.Exposed))
	expvar.Publish("multivpn:SentPacket/s", SentPacketPerSecond)
	expvar.Publish("multivpn:RecvPacket/s", RecvPacketPerSecond)
	expvar.Publish("multivpn:SentBytes/s", SentBytesPerSecond)
	expvar.Publish("multivpn:RecvBytes/s", RecvBytesPerSecond)
	expvar.Publish("multivpn:SendErrors", SendErrors)
	expvar.Publish("multivpn:DispatchDrops", DispatchDrops)
	expvar.Publish("multivpn:RecvDrops", RecvDrops)
	expvar.Publish("multivpn:DispatchLatency (µs)", DispatchLatency)
}
