package metrics

import (
	"context"
	"errors"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/cherrygifts/cherrychat/internal/bus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	grpcstatus "google.golang.org/grpc/status"
)

type fixedLen int

func (f fixedLen) Len() int { return int(f) }

func eventually(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met")
}

func TestWatchCountsEvents(t *testing.T) {
	b := bus.New()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	before := testutil.ToFloat64(BusEvents.WithLabelValues(bus.QueueEnqueued))
	go Watch(ctx, b, fixedLen(4))
	eventually(t, func() bool { return b.Len() == 1 })

	b.Emit(bus.QueueEnqueued, nil)
	b.Emit(bus.NetOnline, nil)

	eventually(t, func() bool { return testutil.ToFloat64(BusEvents.WithLabelValues(bus.QueueEnqueued)) == before+1 })
	eventually(t, func() bool { return testutil.ToFloat64(QueueDepth) == 4 })
	eventually(t, func() bool { return testutil.ToFloat64(Online) == 1 })
}

func TestCacheObserver(t *testing.T) {
	var o CacheObserver
	hits := testutil.ToFloat64(CacheLookups.WithLabelValues("memory"))
	misses := testutil.ToFloat64(CacheLookups.WithLabelValues("miss"))

	o.CacheHit("memory")
	o.CacheMiss()

	if got := testutil.ToFloat64(CacheLookups.WithLabelValues("memory")); got != hits+1 {
		t.Errorf("memory hits = %v, want %v", got, hits+1)
	}
	if got := testutil.ToFloat64(CacheLookups.WithLabelValues("miss")); got != misses+1 {
		t.Errorf("misses = %v, want %v", got, misses+1)
	}
}

func TestUnaryInterceptor(t *testing.T) {
	info := &grpc.UnaryServerInfo{FullMethod: "/cherrychat.v1.DataService/Query"}
	before := testutil.ToFloat64(RPCRequests.WithLabelValues("Query", codes.Unavailable.String()))

	_, err := UnaryInterceptor(context.Background(), nil, info, func(context.Context, any) (any, error) {
		return nil, grpcstatus.Error(codes.Unavailable, "down")
	})
	if err == nil {
		t.Fatal("interceptor swallowed the error")
	}
	if got := testutil.ToFloat64(RPCRequests.WithLabelValues("Query", codes.Unavailable.String())); got != before+1 {
		t.Errorf("requests = %v, want %v", got, before+1)
	}
}

func TestStreamInterceptorTracksOpenStreams(t *testing.T) {
	info := &grpc.StreamServerInfo{FullMethod: "/cherrychat.v1.DataService/Subscribe", IsServerStream: true}
	_ = StreamInterceptor(nil, nil, info, func(any, grpc.ServerStream) error {
		if got := testutil.ToFloat64(OpenStreams); got < 1 {
			t.Errorf("OpenStreams during handler = %v, want >= 1", got)
		}
		return errors.New("boom")
	})
	if got := testutil.ToFloat64(OpenStreams); got != 0 {
		t.Errorf("OpenStreams after handler = %v, want 0", got)
	}
}

func TestHandlerServesRegistry(t *testing.T) {
	CacheObserver{}.CacheMiss()
	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	if !strings.Contains(rec.Body.String(), "cherrychat_cache_lookups_total") {
		t.Error("metrics output missing cherrychat_cache_lookups_total")
	}
}
