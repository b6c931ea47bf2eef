package metrics

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/cherrygifts/cherrychat/internal/bus"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"google.golang.org/grpc"
	grpcstatus "google.golang.org/grpc/status"
)

var (
	// Client metrics
	BusEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cherrychat_bus_events_total",
			Help: "Events published on the client bus",
		},
		[]string{"kind"},
	)

	QueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "cherrychat_offline_queue_depth",
			Help: "Messages waiting in the offline queue",
		},
	)

	CacheLookups = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cherrychat_cache_lookups_total",
			Help: "Cache lookups by result",
		},
		[]string{"result"}, // "memory", "durable" or "miss"
	)

	Online = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "cherrychat_online",
			Help: "1 while the backend is reachable",
		},
	)

	// Backend metrics
	RPCRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cherrychat_rpc_requests_total",
			Help: "Data service RPCs handled",
		},
		[]string{"method", "code"},
	)

	RPCDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "cherrychat_rpc_duration_seconds",
			Help:    "Data service RPC latency",
			Buckets: []float64{.0005, .001, .005, .01, .025, .05, .1, .25},
		},
		[]string{"method"},
	)

	OpenStreams = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "cherrychat_subscribe_streams",
			Help: "Open realtime subscribe streams",
		},
	)
)

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

// CacheObserver feeds cache lookups into CacheLookups.
type CacheObserver struct{}

func (CacheObserver) CacheHit(tier string) { CacheLookups.WithLabelValues(tier).Inc() }
func (CacheObserver) CacheMiss()           { CacheLookups.WithLabelValues("miss").Inc() }

// QueueLen is satisfied by outbox.Queue.
type QueueLen interface {
	Len() int
}

// Watch counts bus events until ctx is done. Queue and network events also
// refresh QueueDepth and Online.
func Watch(ctx context.Context, b *bus.Bus, q QueueLen) {
	ch, unsub := b.Subscribe("", 256)
	defer unsub()
	for {
		select {
		case evt := <-ch:
			BusEvents.WithLabelValues(evt.Kind).Inc()
			switch {
			case evt.Kind == bus.NetOnline:
				Online.Set(1)
			case evt.Kind == bus.NetOffline:
				Online.Set(0)
			case strings.HasPrefix(evt.Kind, "queue.") && q != nil:
				QueueDepth.Set(float64(q.Len()))
			}
		case <-ctx.Done():
			return
		}
	}
}

// UnaryInterceptor records RPCRequests and RPCDuration.
func UnaryInterceptor(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
	start := time.Now()
	resp, err := handler(ctx, req)
	method := info.FullMethod[strings.LastIndex(info.FullMethod, "/")+1:]
	RPCDuration.WithLabelValues(method).Observe(time.Since(start).Seconds())
	RPCRequests.WithLabelValues(method, grpcstatus.Code(err).String()).Inc()
	return resp, err
}

// StreamInterceptor tracks OpenStreams.
func StreamInterceptor(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
	OpenStreams.Inc()
	defer OpenStreams.Dec()
	err := handler(srv, ss)
	method := info.FullMethod[strings.LastIndex(info.FullMethod, "/")+1:]
	RPCRequests.WithLabelValues(method, grpcstatus.Code(err).String()).Inc()
	return err
}
