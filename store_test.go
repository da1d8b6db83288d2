package mutacache

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	c "github.com/unkn0wn-root/mutacache/codec"
	"github.com/unkn0wn-root/mutacache/provider/memory"
)

// recHooks records hook calls for assertions.
type recHooks struct {
	NopHooks
	mu         sync.Mutex
	evicted    map[string]int
	discarded  int
	providerOp []string
	committed  int
	rolledBack []Category
	rejected   []string
	failed     int
}

func newRecHooks() *recHooks { return &recHooks{evicted: map[string]int{}} }

func (h *recHooks) EntryEvicted(_, reason string) {
	h.mu.Lock()
	h.evicted[reason]++
	h.mu.Unlock()
}
func (h *recHooks) StaleReadDiscarded(string) {
	h.mu.Lock()
	h.discarded++
	h.mu.Unlock()
}
func (h *recHooks) ProviderError(op, _ string, _ error) {
	h.mu.Lock()
	h.providerOp = append(h.providerOp, op)
	h.mu.Unlock()
}
func (h *recHooks) MutationCommitted(string, string, int) {
	h.mu.Lock()
	h.committed++
	h.mu.Unlock()
}
func (h *recHooks) MutationRolledBack(_, _ string, cat Category, _ bool) {
	h.mu.Lock()
	h.rolledBack = append(h.rolledBack, cat)
	h.mu.Unlock()
}
func (h *recHooks) BroadcastRejected(_, reason string) {
	h.mu.Lock()
	h.rejected = append(h.rejected, reason)
	h.mu.Unlock()
}
func (h *recHooks) BroadcastFailed(string, error) {
	h.mu.Lock()
	h.failed++
	h.mu.Unlock()
}

func (h *recHooks) snapshot() recHooks {
	h.mu.Lock()
	defer h.mu.Unlock()
	ev := make(map[string]int, len(h.evicted))
	for k, v := range h.evicted {
		ev[k] = v
	}
	return recHooks{
		evicted:    ev,
		discarded:  h.discarded,
		providerOp: append([]string(nil), h.providerOp...),
		committed:  h.committed,
		rolledBack: append([]Category(nil), h.rolledBack...),
		rejected:   append([]string(nil), h.rejected...),
		failed:     h.failed,
	}
}

// flakyProvider wraps the memory provider with switchable failures.
type flakyProvider struct {
	*memory.Provider
	mu      sync.Mutex
	failGet bool
	failSet bool
}

func (p *flakyProvider) Get(ctx context.Context, key string) ([]byte, bool, error) {
	p.mu.Lock()
	fail := p.failGet
	p.mu.Unlock()
	if fail {
		return nil, false, errors.New("boom")
	}
	return p.Provider.Get(ctx, key)
}

func (p *flakyProvider) Set(ctx context.Context, key string, v []byte, cost int64, ttl time.Duration) (bool, error) {
	p.mu.Lock()
	fail := p.failSet
	p.mu.Unlock()
	if fail {
		return false, errors.New("boom")
	}
	return p.Provider.Set(ctx, key, v, cost, ttl)
}

func newTestStore(t *testing.T, opts Options) *Store {
	t.Helper()
	s := NewStore(opts)
	t.Cleanup(func() { _ = s.Close(context.Background()) })
	return s
}

func TestStoreSetGetMarksFresh(t *testing.T) {
	ctx := context.Background()
	now := time.Unix(1000, 0)
	s := newTestStore(t, Options{Now: func() time.Time { return now }})
	k := K("cart", "u1", "detail", "p1")

	if _, ok := s.Get(ctx, k); ok {
		t.Fatal("unexpected hit on empty store")
	}
	if !s.Set(ctx, k, []byte("v1")) {
		t.Fatal("Set refused")
	}
	got, ok := s.Get(ctx, k)
	if !ok || string(got) != "v1" {
		t.Fatalf("Get=%q,%v want v1,true", got, ok)
	}
	info, _ := s.Info(k)
	if info.Stale || !info.LastFetchedAt.Equal(now) || !info.Present {
		t.Fatalf("info=%+v", info)
	}
}

func TestStoreMarkStaleKeepsValuesAndNotifies(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, Options{})
	s.Set(ctx, K("cart", "u1", "list"), []byte("a"))
	s.Set(ctx, K("cart", "u1", "detail", "p1"), []byte("b"))
	s.Set(ctx, K("cart", "u2", "list"), []byte("c"))

	var events []Event
	stop := s.Watch(K("cart"), func(e Event) { events = append(events, e) })
	defer stop()

	if n := s.MarkStale(K("cart", "u1")); n != 2 {
		t.Fatalf("MarkStale=%d want 2", n)
	}
	for _, k := range []Key{K("cart", "u1", "list"), K("cart", "u1", "detail", "p1")} {
		info, _ := s.Info(k)
		if !info.Stale {
			t.Fatalf("%v not stale", k)
		}
		if _, ok := s.Get(ctx, k); !ok {
			t.Fatalf("%v lost its value", k)
		}
	}
	if info, _ := s.Info(K("cart", "u2", "list")); info.Stale {
		t.Fatal("other user's entry marked stale")
	}
	if len(events) != 2 {
		t.Fatalf("events=%d want 2", len(events))
	}
	for _, e := range events {
		if e.Kind != EventInvalidated {
			t.Fatalf("event kind=%s", e.Kind)
		}
	}
}

func TestStoreSnapshotRestoreIsVerbatim(t *testing.T) {
	ctx := context.Background()
	clock := time.Unix(1000, 0)
	s := newTestStore(t, Options{Now: func() time.Time { return clock }})
	k := K("cart", "u1", "list")
	s.Set(ctx, k, []byte("before"))
	s.MarkStale(k)

	var snap Snapshot
	s.Batch(ctx, func(b *Batch) {
		snap = b.Snapshot(k)
		clock = clock.Add(time.Minute)
		b.Set(k, []byte("optimistic"))
	})
	if got, _ := s.Get(ctx, k); string(got) != "optimistic" {
		t.Fatalf("got %q", got)
	}

	s.Batch(ctx, func(b *Batch) { b.Restore(snap) })
	got, _ := s.Get(ctx, k)
	info, _ := s.Info(k)
	if string(got) != "before" || !info.Stale || !info.LastFetchedAt.Equal(time.Unix(1000, 0)) {
		t.Fatalf("restored %q stale=%v at=%v", got, info.Stale, info.LastFetchedAt)
	}
}

func TestStoreRestoreAbsentClearsValue(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, Options{})
	k := K("orders", "u1", "detail", "o1")

	var snap Snapshot
	s.Batch(ctx, func(b *Batch) {
		snap = b.Snapshot(k)
		b.Set(k, []byte("optimistic"))
	})
	if snap.Present {
		t.Fatal("snapshot of empty entry is present")
	}
	s.Batch(ctx, func(b *Batch) { b.Restore(snap) })
	if _, ok := s.Get(ctx, k); ok {
		t.Fatal("restore of absent snapshot kept value")
	}
}

func TestStoreSetIfGenDropsCancelledReads(t *testing.T) {
	ctx := context.Background()
	h := newRecHooks()
	s := newTestStore(t, Options{Hooks: h})
	k := K("cart", "u1", "list")

	var g uint64
	s.Batch(ctx, func(b *Batch) { g, _ = b.Gen(k) })
	if n := s.CancelInFlight(ctx, K("cart", "u1")); n != 1 {
		t.Fatalf("CancelInFlight=%d want 1", n)
	}
	var ok bool
	s.Batch(ctx, func(b *Batch) { ok = b.SetIfGen(k, []byte("late"), g) })
	if ok {
		t.Fatal("cancelled read committed")
	}
	if _, hit := s.Get(ctx, k); hit {
		t.Fatal("cancelled read is visible")
	}
	if h.snapshot().discarded != 1 {
		t.Fatal("StaleReadDiscarded not reported")
	}

	s.Batch(ctx, func(b *Batch) { g, _ = b.Gen(k) })
	s.Batch(ctx, func(b *Batch) { ok = b.SetIfGen(k, []byte("fresh"), g) })
	if !ok {
		t.Fatal("uncancelled read dropped")
	}
}

func TestStoreRemoveEvictsSubtreeAndCancelsReads(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, Options{})
	s.Set(ctx, K("cart", "u1", "list"), []byte("a"))
	s.Set(ctx, K("cart", "u2", "list"), []byte("b"))

	var g uint64
	s.Batch(ctx, func(b *Batch) { g, _ = b.Gen(K("cart", "u1", "list")) })
	if n := s.Remove(ctx, K("cart", "u1")); n != 1 {
		t.Fatalf("Remove=%d want 1", n)
	}
	if _, ok := s.Get(ctx, K("cart", "u1", "list")); ok {
		t.Fatal("removed entry still readable")
	}
	if _, ok := s.Get(ctx, K("cart", "u2", "list")); !ok {
		t.Fatal("sibling removed")
	}
	var ok bool
	s.Batch(ctx, func(b *Batch) { ok = b.SetIfGen(K("cart", "u1", "list"), []byte("late"), g) })
	if ok {
		t.Fatal("read that started before Remove resurrected the entry")
	}
}

func TestStoreProviderErrorsReadAsMiss(t *testing.T) {
	ctx := context.Background()
	h := newRecHooks()
	p := &flakyProvider{Provider: memory.New()}
	s := newTestStore(t, Options{Provider: p, Hooks: h})
	k := K("inventory", "list")

	s.Set(ctx, k, []byte("x"))
	p.mu.Lock()
	p.failGet, p.failSet = true, true
	p.mu.Unlock()

	if _, ok := s.Get(ctx, k); ok {
		t.Fatal("failed Get reported a hit")
	}
	if s.Set(ctx, k, []byte("y")) {
		t.Fatal("failed Set reported success")
	}

	p.mu.Lock()
	p.failGet, p.failSet = false, false
	p.mu.Unlock()
	if got, ok := s.Get(ctx, k); !ok || string(got) != "x" {
		t.Fatalf("value after failed Set=%q,%v want x,true", got, ok)
	}
	ops := h.snapshot().providerOp
	if len(ops) != 2 || ops[0] != "get" || ops[1] != "set" {
		t.Fatalf("provider ops=%v", ops)
	}
}

func TestStoreSelfHealsCorruptFrame(t *testing.T) {
	ctx := context.Background()
	h := newRecHooks()
	p := memory.New()
	s := newTestStore(t, Options{Provider: p, Hooks: h})
	k := K("inventory", "detail", "sku1")

	s.Set(ctx, k, []byte("x"))
	_, _ = p.Set(ctx, k.String(), []byte("garbage"), 0, 0)

	if _, ok := s.Get(ctx, k); ok {
		t.Fatal("corrupt frame reported as hit")
	}
	if p.Len() != 0 {
		t.Fatal("corrupt frame not deleted")
	}
	if h.snapshot().evicted["corrupt"] != 1 {
		t.Fatal("corrupt eviction not reported")
	}
}

func TestStoreGCRespectsObservers(t *testing.T) {
	ctx := context.Background()
	h := newRecHooks()
	cart := Entity{Name: "cart", Isolation: UserSpecific, Policy: Policy{GCTime: 20 * time.Millisecond}}
	s := newTestStore(t, Options{Entities: []Entity{cart}, Hooks: h})
	k := K("cart", "u1", "list")

	release := s.Retain(k)
	s.Set(ctx, k, []byte("a"))
	time.Sleep(60 * time.Millisecond)
	if _, ok := s.Get(ctx, k); !ok {
		t.Fatal("observed entry collected")
	}

	release()
	release()
	time.Sleep(100 * time.Millisecond)
	if _, ok := s.Info(k); ok {
		t.Fatal("unobserved entry not collected")
	}
	if h.snapshot().evicted["gc"] != 1 {
		t.Fatalf("gc evictions=%d want 1", h.snapshot().evicted["gc"])
	}
}

func TestStoreDisableGC(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, Options{GCTime: 10 * time.Millisecond, DisableGC: true})
	s.Set(ctx, K("inventory", "list"), []byte("a"))
	time.Sleep(40 * time.Millisecond)
	if s.Len() != 1 {
		t.Fatal("entry collected with GC disabled")
	}
}

func TestViewDropsUndecodableValue(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, Options{})
	k := K("inventory", "detail", "sku1")
	s.Set(ctx, k, []byte("not json"))

	v := NewView[map[string]int](s, c.JSON[map[string]int]{})
	if _, ok := v.Get(ctx, k); ok {
		t.Fatal("undecodable value returned")
	}
	if _, ok := s.Get(ctx, k); ok {
		t.Fatal("undecodable value kept")
	}

	if err := v.Set(ctx, k, map[string]int{"qty": 3}); err != nil {
		t.Fatal(err)
	}
	got, ok := v.Get(ctx, k)
	if !ok || got["qty"] != 3 {
		t.Fatalf("View.Get=%v,%v", got, ok)
	}
}

func TestWatchStopIsIdempotent(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, Options{})
	n := 0
	stop := s.Watch(K("cart"), func(Event) { n++ })
	s.Set(ctx, K("cart", "u1", "list"), []byte("a"))
	stop()
	stop()
	s.Set(ctx, K("cart", "u1", "list"), []byte("b"))
	if n != 1 {
		t.Fatalf("events=%d want 1", n)
	}
}
