package inventory

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/unkn0wn-root/mutacache"
	tmem "github.com/unkn0wn-root/mutacache/transport/memory"
)

type fakeService struct {
	mu       sync.Mutex
	products map[string]Product
	restocks int
}

func newFakeService(ps ...Product) *fakeService {
	f := &fakeService{products: map[string]Product{}}
	for _, p := range ps {
		f.products[p.ID] = p
	}
	return f
}

func (f *fakeService) Products(context.Context) ([]Product, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Product, 0, len(f.products))
	for _, id := range []string{"p1", "p2", "p3"} {
		if p, ok := f.products[id]; ok {
			out = append(out, p)
		}
	}
	return out, nil
}

func (f *fakeService) LowStock(ctx context.Context) ([]Product, error) {
	all, _ := f.Products(ctx)
	var out []Product
	for _, p := range all {
		if p.Low() {
			out = append(out, p)
		}
	}
	return out, nil
}

func (f *fakeService) Product(_ context.Context, id string) (Product, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.products[id]
	if !ok {
		return Product{}, mutacache.NewError(mutacache.CategoryBusiness, CodeUnknownProduct, id)
	}
	return p, nil
}

func (f *fakeService) Restock(_ context.Context, in RestockInput) (mutacache.Result[Product], error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.restocks++
	p, ok := f.products[in.ProductID]
	if !ok {
		return mutacache.Fail[Product](mutacache.NewError(mutacache.CategoryBusiness, CodeUnknownProduct, in.ProductID)), nil
	}
	p.Stock += in.Quantity
	f.products[p.ID] = p
	return mutacache.OK(p), nil
}

type node struct {
	store  *mutacache.Store
	runner *mutacache.Runner
	relay  *mutacache.Relay
	eng    *mutacache.Engine
}

func newNode(t *testing.T, bus *tmem.Bus) node {
	t.Helper()
	s := mutacache.NewStore(mutacache.Options{DisableGC: true})
	t.Cleanup(func() { _ = s.Close(context.Background()) })
	client := bus.Client()
	t.Cleanup(func() { _ = client.Close() })
	router := mutacache.NewRouter(s)
	relay := mutacache.NewRelay(client, router, mutacache.RelayOptions{})
	return node{
		store:  s,
		runner: mutacache.NewRunner(s),
		relay:  relay,
		eng:    mutacache.NewEngine(s, mutacache.EngineOptions{Router: router, Relay: relay}),
	}
}

var admin = mutacache.As(mutacache.Principal{UserID: "a1", Admin: true})

func TestRestockCommitsServerProduct(t *testing.T) {
	ctx := context.Background()
	n := newNode(t, tmem.NewBus())
	svc := newFakeService(Product{ID: "p1", Name: "Oat milk", Stock: 2, Threshold: 5})
	if _, err := ProductsQuery(svc).Run(ctx, n.runner); err != nil {
		t.Fatal(err)
	}
	if _, err := LowStockQuery(svc).Run(ctx, n.runner); err != nil {
		t.Fatal(err)
	}

	h := New(n.eng, n.runner, admin, svc)
	got, err := h.Restock(ctx, RestockInput{ProductID: "p1", Quantity: 10})
	if err != nil {
		t.Fatal(err)
	}
	if got.Stock != 12 {
		t.Fatalf("stock=%d want 12", got.Stock)
	}
	all, _ := mutacache.NewView(n.store, listCodec).Get(ctx, AllKey())
	if len(all) != 1 || all[0].Stock != 12 {
		t.Fatalf("catalog=%+v", all)
	}
	if info, _ := n.store.Info(LowStockKey()); !info.Stale {
		t.Fatal("low-stock list not invalidated")
	}
}

func TestRestockRequiresAdmin(t *testing.T) {
	ctx := context.Background()
	n := newNode(t, tmem.NewBus())
	svc := newFakeService(Product{ID: "p1", Stock: 1})
	h := New(n.eng, n.runner, mutacache.As(mutacache.Principal{UserID: "u1"}), svc)

	_, err := h.Restock(ctx, RestockInput{ProductID: "p1", Quantity: 1})
	if !errors.Is(err, mutacache.ErrForbidden) {
		t.Fatalf("err=%v want ErrForbidden", err)
	}
	if svc.restocks != 0 {
		t.Fatal("service called without permission")
	}
	if h.RestockErr() == nil || h.IsRestocking() {
		t.Fatalf("err=%v pending=%v", h.RestockErr(), h.IsRestocking())
	}
}

func TestRestockValidation(t *testing.T) {
	ctx := context.Background()
	n := newNode(t, tmem.NewBus())
	svc := newFakeService(Product{ID: "p1", Stock: 1})
	h := New(n.eng, n.runner, admin, svc)
	for _, in := range []RestockInput{{Quantity: 1}, {ProductID: "p1"}, {ProductID: "p1", Quantity: -3}} {
		_, err := h.Restock(ctx, in)
		cerr := mutacache.Classify(err)
		if cerr == nil || cerr.Category != mutacache.CategoryValidation || cerr.UserMessage == "" {
			t.Fatalf("%+v: err=%v", in, err)
		}
	}
	if svc.restocks != 0 {
		t.Fatal("invalid input reached the service")
	}
}

func TestRestockUnknownProductRollsBack(t *testing.T) {
	ctx := context.Background()
	n := newNode(t, tmem.NewBus())
	svc := newFakeService(Product{ID: "p1", Stock: 1})
	_, _ = ProductsQuery(svc).Run(ctx, n.runner)
	before, _ := n.store.Get(ctx, AllKey())

	h := New(n.eng, n.runner, admin, svc)
	_, err := h.Restock(ctx, RestockInput{ProductID: "p9", Quantity: 1})
	if cerr := mutacache.Classify(err); cerr == nil || cerr.Code != CodeUnknownProduct {
		t.Fatalf("err=%v", err)
	}
	after, _ := n.store.Get(ctx, AllKey())
	if string(after) != string(before) {
		t.Fatal("catalog changed after a rejected restock")
	}
}

func TestSyncInvalidatesOtherNode(t *testing.T) {
	ctx := context.Background()
	bus := tmem.NewBus()
	a, b := newNode(t, bus), newNode(t, bus)
	svc := newFakeService(Product{ID: "p1", Stock: 1, Threshold: 3})
	_, _ = ProductQuery(svc, "p1").Run(ctx, b.runner)

	hb := New(b.eng, b.runner, nil, svc)
	stop, err := hb.Sync(b.relay)
	if err != nil {
		t.Fatal(err)
	}
	defer stop()

	if _, err := New(a.eng, a.runner, admin, svc).Restock(ctx, RestockInput{ProductID: "p1", Quantity: 5}); err != nil {
		t.Fatal(err)
	}
	if info, _ := b.store.Info(ProductKey("p1")); !info.Stale {
		t.Fatal("restock on another node did not invalidate the product")
	}
	p, err := ProductQuery(svc, "p1").Run(ctx, b.runner)
	if err != nil || p.Stock != 6 {
		t.Fatalf("refetched=%+v err=%v", p, err)
	}
}
