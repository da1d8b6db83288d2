package otelhooks

import (
	"context"
	"errors"
	"testing"

	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/unkn0wn-root/mutacache"
)

func collect(t *testing.T, reader *sdkmetric.ManualReader) metricdata.ResourceMetrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("collect: %v", err)
	}
	return rm
}

func find(rm metricdata.ResourceMetrics, name string) *metricdata.Metrics {
	for _, sm := range rm.ScopeMetrics {
		for i := range sm.Metrics {
			if sm.Metrics[i].Name == name {
				return &sm.Metrics[i]
			}
		}
	}
	return nil
}

func sumOf(t *testing.T, rm metricdata.ResourceMetrics, name string) metricdata.Sum[int64] {
	t.Helper()
	m := find(rm, name)
	if m == nil {
		t.Fatalf("%s not found", name)
	}
	sum, ok := m.Data.(metricdata.Sum[int64])
	if !ok {
		t.Fatalf("%s: expected Sum[int64], got %T", name, m.Data)
	}
	return sum
}

func newHooks(t *testing.T) (*Hooks, *sdkmetric.ManualReader) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	h, err := New(mp.Meter("test"))
	if err != nil {
		t.Fatal(err)
	}
	return h, reader
}

func TestMutationCounters(t *testing.T) {
	h, reader := newHooks(t)
	h.MutationCommitted("cart", "add_item", 1)
	h.MutationCommitted("cart", "add_item", 2)
	h.MutationRolledBack("orders", "reschedule", mutacache.CategoryBusiness, false)

	rm := collect(t, reader)
	committed := sumOf(t, rm, MetricCommitted)
	if len(committed.DataPoints) != 1 || committed.DataPoints[0].Value != 2 {
		t.Fatalf("committed=%+v", committed.DataPoints)
	}
	if v, _ := committed.DataPoints[0].Attributes.Value(attribute.Key("entity")); v.AsString() != "cart" {
		t.Fatalf("entity=%v", v)
	}

	rb := sumOf(t, rm, MetricRolledBack)
	if len(rb.DataPoints) != 1 {
		t.Fatalf("rolled back=%+v", rb.DataPoints)
	}
	if v, _ := rb.DataPoints[0].Attributes.Value(attribute.Key("category")); v.AsString() != "business_rejection" {
		t.Fatalf("category=%v", v)
	}

	m := find(rm, MetricAttempts)
	if m == nil {
		t.Fatal("attempts histogram not found")
	}
	hist, ok := m.Data.(metricdata.Histogram[int64])
	if !ok || len(hist.DataPoints) != 1 || hist.DataPoints[0].Count != 2 || hist.DataPoints[0].Sum != 3 {
		t.Fatalf("attempts=%+v", m.Data)
	}
}

func TestStoreAndRelayCounters(t *testing.T) {
	h, reader := newHooks(t)
	h.EntryEvicted("k1", "gc")
	h.EntryEvicted("k2", "gc")
	h.EntryEvicted("k3", "corrupt")
	h.StaleReadDiscarded("k1")
	h.ProviderError("get", "k1", errors.New("down"))
	h.BroadcastFailed("cart-u1", errors.New("down"))
	h.BroadcastRejected("cart-u1", "scope_mismatch")

	rm := collect(t, reader)
	evicted := sumOf(t, rm, MetricEvicted)
	byReason := map[string]int64{}
	for _, dp := range evicted.DataPoints {
		v, _ := dp.Attributes.Value(attribute.Key("reason"))
		byReason[v.AsString()] = dp.Value
	}
	if byReason["gc"] != 2 || byReason["corrupt"] != 1 {
		t.Fatalf("evicted=%v", byReason)
	}
	for _, name := range []string{MetricStaleReads, MetricProviderErrors, MetricBroadcastFailed, MetricBroadcastRejected} {
		if s := sumOf(t, rm, name); len(s.DataPoints) != 1 || s.DataPoints[0].Value != 1 {
			t.Fatalf("%s=%+v", name, s.DataPoints)
		}
	}
}

func TestWiredIntoStore(t *testing.T) {
	h, reader := newHooks(t)
	ctx := context.Background()
	s := mutacache.NewStore(mutacache.Options{Hooks: h, DisableGC: true})
	defer s.Close(ctx)
	e := mutacache.Entity{Name: "cart", Isolation: mutacache.UserSpecific}
	m := mutacache.Mutation[int, int]{
		Entity:    e,
		Operation: "noop",
		Call: func(context.Context, int) (mutacache.Result[int], error) {
			return mutacache.OK(1), nil
		},
	}
	if _, err := m.Execute(ctx, mutacache.NewEngine(s, mutacache.EngineOptions{}), "u1", 0); err != nil {
		t.Fatal(err)
	}
	if s := sumOf(t, collect(t, reader), MetricCommitted); s.DataPoints[0].Value != 1 {
		t.Fatalf("committed=%+v", s.DataPoints)
	}
}
