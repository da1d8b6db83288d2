package orders

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/unkn0wn-root/mutacache"
	"github.com/unkn0wn-root/mutacache/commerce/inventory"
	tmem "github.com/unkn0wn-root/mutacache/transport/memory"
)

type fakeService struct {
	mu     sync.Mutex
	orders map[string]Order
	ids    []string
	calls  map[string]int
	next   int

	// rescheduleDelay and rescheduleErr script Reschedule.
	rescheduleDelay time.Duration
	rescheduleErr   *mutacache.ClassifiedError
	// placeGate, when set, holds Place until it is closed.
	placeGate chan struct{}
}

func newFakeService(os ...Order) *fakeService {
	f := &fakeService{orders: map[string]Order{}, calls: map[string]int{}}
	for _, o := range os {
		f.orders[o.ID] = o
		f.ids = append(f.ids, o.ID)
	}
	return f
}

func (f *fakeService) count(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[op]
}

func (f *fakeService) list(user string) []Order {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []Order
	for _, id := range f.ids {
		if o := f.orders[id]; user == "" || o.UserID == user {
			out = append(out, o)
		}
	}
	return out
}

func (f *fakeService) Orders(context.Context) ([]Order, error)    { return f.list("alice"), nil }
func (f *fakeService) AllOrders(context.Context) ([]Order, error) { return f.list(""), nil }

func (f *fakeService) Order(_ context.Context, id string) (Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	o, ok := f.orders[id]
	if !ok {
		return Order{}, mutacache.NewError(mutacache.CategoryBusiness, CodeOrderNotFound, id)
	}
	return o, nil
}

func (f *fakeService) Place(_ context.Context, in PlaceInput) (mutacache.Result[Order], error) {
	f.mu.Lock()
	f.calls["place"]++
	gate := f.placeGate
	f.mu.Unlock()
	if gate != nil {
		<-gate
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.next++
	o := Order{
		ID:         fmt.Sprintf("o%d", 100+f.next),
		UserID:     "alice",
		Status:     StatusPending,
		PickupDate: in.PickupDate,
		Lines:      in.Lines,
		ClientRef:  in.ClientRef,
	}
	f.orders[o.ID] = o
	f.ids = append(f.ids, o.ID)
	return mutacache.OK(o), nil
}

func (f *fakeService) edit(op, id string, fn func(*Order) *mutacache.ClassifiedError) (mutacache.Result[Order], error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[op]++
	o, ok := f.orders[id]
	if !ok {
		return mutacache.Fail[Order](mutacache.NewError(mutacache.CategoryBusiness, CodeOrderNotFound, id)), nil
	}
	if err := fn(&o); err != nil {
		return mutacache.Fail[Order](err), nil
	}
	f.orders[id] = o
	return mutacache.OK(o), nil
}

func (f *fakeService) Reschedule(ctx context.Context, in RescheduleInput) (mutacache.Result[Order], error) {
	f.mu.Lock()
	delay, rerr := f.rescheduleDelay, f.rescheduleErr
	f.mu.Unlock()
	select {
	case <-time.After(delay):
	case <-ctx.Done():
		return mutacache.Result[Order]{}, ctx.Err()
	}
	return f.edit("reschedule", in.OrderID, func(o *Order) *mutacache.ClassifiedError {
		if rerr != nil {
			return rerr
		}
		o.PickupDate = in.PickupDate
		return nil
	})
}

func (f *fakeService) Cancel(_ context.Context, in CancelInput) (mutacache.Result[Order], error) {
	return f.edit("cancel", in.OrderID, func(o *Order) *mutacache.ClassifiedError {
		if !o.Cancellable() {
			return mutacache.NewError(mutacache.CategoryBusiness, CodeNotCancellable, o.ID).
				WithUserMessage("This order is already being prepared.")
		}
		o.Status = StatusCancelled
		return nil
	})
}

func (f *fakeService) SetStatus(_ context.Context, in StatusInput) (mutacache.Result[Order], error) {
	return f.edit("set_status", in.OrderID, func(o *Order) *mutacache.ClassifiedError {
		o.Status = in.Status
		return nil
	})
}

type spyHooks struct {
	mutacache.NopHooks
	mu         sync.Mutex
	rolledBack []bool
}

func (h *spyHooks) MutationRolledBack(_, _ string, _ mutacache.Category, retrying bool) {
	h.mu.Lock()
	h.rolledBack = append(h.rolledBack, retrying)
	h.mu.Unlock()
}

type device struct {
	store  *mutacache.Store
	runner *mutacache.Runner
	relay  *mutacache.Relay
	eng    *mutacache.Engine
	hooks  *spyHooks
}

func newDevice(t *testing.T, bus *tmem.Bus) device {
	t.Helper()
	h := &spyHooks{}
	s := mutacache.NewStore(mutacache.Options{Hooks: h, DisableGC: true})
	t.Cleanup(func() { _ = s.Close(context.Background()) })
	client := bus.Client()
	t.Cleanup(func() { _ = client.Close() })
	router := mutacache.NewRouter(s)
	Register(router)
	relay := mutacache.NewRelay(client, router, mutacache.RelayOptions{})
	return device{
		store:  s,
		runner: mutacache.NewRunner(s),
		relay:  relay,
		eng:    mutacache.NewEngine(s, mutacache.EngineOptions{Router: router, Relay: relay}),
		hooks:  h,
	}
}

var (
	alice = mutacache.As(mutacache.Principal{UserID: "alice"})
	staff = mutacache.As(mutacache.Principal{UserID: "staff1", Admin: true})
)

func day(n int) time.Time {
	return time.Now().Add(time.Duration(n) * 24 * time.Hour).UTC().Truncate(time.Second)
}

func readList(t *testing.T, s *mutacache.Store, key mutacache.Key) []Order {
	t.Helper()
	os, ok := mutacache.NewView(s, listCodec).Get(context.Background(), key)
	if !ok {
		t.Fatalf("%s not cached", key)
	}
	return os
}

func eventually(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met in time")
		}
		time.Sleep(time.Millisecond)
	}
}

func TestRescheduleRejectedAfterDelayRestoresPickup(t *testing.T) {
	ctx := context.Background()
	bus := tmem.NewBus()
	d, watcher := newDevice(t, bus), newDevice(t, bus)
	d1, d2 := day(2), day(5)
	svc := newFakeService(Order{ID: "o1", UserID: "alice", Status: StatusConfirmed, PickupDate: d1})
	svc.rescheduleDelay = 30 * time.Millisecond
	svc.rescheduleErr = mutacache.NewError(mutacache.CategoryBusiness, CodeInvalidPickup, "slot full")

	if _, err := OrdersQuery(svc, "alice").Run(ctx, d.runner); err != nil {
		t.Fatal(err)
	}
	_, _ = OrdersQuery(svc, "alice").Run(ctx, watcher.runner)
	stop, _ := New(watcher.eng, watcher.runner, alice, svc).Sync(ctx, watcher.relay)
	defer stop()

	h := New(d.eng, d.runner, alice, svc)
	var (
		seen          []time.Time
		pendingDuring bool
	)
	view := mutacache.NewView(d.store, listCodec)
	unwatch := d.store.Watch(ListKey("alice"), func(ev mutacache.Event) {
		if ev.Kind != mutacache.EventUpdated {
			return
		}
		if os, ok := view.Get(ctx, ev.Key); ok && len(os) == 1 {
			seen = append(seen, os[0].PickupDate)
		}
		pendingDuring = pendingDuring || h.IsRescheduling()
	})
	defer unwatch()

	_, err := h.Reschedule(ctx, RescheduleInput{OrderID: "o1", PickupDate: d2})
	if len(seen) != 2 || !seen[0].Equal(d2) || !seen[1].Equal(d1) {
		t.Fatalf("pickup dates seen=%v want [%s %s]", seen, d2, d1)
	}
	if !pendingDuring {
		t.Fatal("not pending while the call was in flight")
	}
	os := readList(t, d.store, ListKey("alice"))
	if len(os) != 1 || !os[0].PickupDate.Equal(d1) {
		t.Fatalf("orders=%+v want pickup %s", os, d1)
	}
	if mutacache.UserMessage(err) == "" {
		t.Fatal("no user message")
	}
	if cerr := mutacache.Classify(err); cerr.Category != mutacache.CategoryBusiness || cerr.Code != CodeInvalidPickup {
		t.Fatalf("err=%v", err)
	}
	if n := svc.count("reschedule"); n != 1 {
		t.Fatalf("service calls=%d want 1", n)
	}
	d.hooks.mu.Lock()
	rb := append([]bool(nil), d.hooks.rolledBack...)
	d.hooks.mu.Unlock()
	if len(rb) != 1 || rb[0] {
		t.Fatalf("rollbacks=%v want one without retry", rb)
	}
	if info, _ := d.store.Info(ListKey("alice")); info.Stale {
		t.Fatal("failed reschedule invalidated the list")
	}
	if info, _ := watcher.store.Info(ListKey("alice")); info.Stale {
		t.Fatal("failed reschedule was broadcast")
	}
	if h.RescheduleErr() == nil || h.RescheduleErr().UserMessage == "" {
		t.Fatalf("hook err=%v", h.RescheduleErr())
	}
}

func TestRescheduleCommitsAndReachesAdmin(t *testing.T) {
	ctx := context.Background()
	bus := tmem.NewBus()
	customer, admin := newDevice(t, bus), newDevice(t, bus)
	svc := newFakeService(Order{ID: "o1", UserID: "alice", Status: StatusConfirmed, PickupDate: day(1)})
	moved := day(3)

	_, _ = OrdersQuery(svc, "alice").Run(ctx, customer.runner)
	ha := New(admin.eng, admin.runner, staff, svc)
	if _, err := AllOrdersQuery(svc).Run(ctx, admin.runner); err != nil {
		t.Fatal(err)
	}
	stop, err := ha.Sync(ctx, admin.relay)
	if err != nil {
		t.Fatal(err)
	}
	defer stop()

	got, err := New(customer.eng, customer.runner, alice, svc).Reschedule(ctx, RescheduleInput{OrderID: "o1", PickupDate: moved})
	if err != nil {
		t.Fatal(err)
	}
	if !got.PickupDate.Equal(moved) {
		t.Fatalf("order=%+v", got)
	}
	if os := readList(t, customer.store, ListKey("alice")); !os[0].PickupDate.Equal(moved) {
		t.Fatalf("customer list=%+v", os)
	}
	if info, _ := admin.store.Info(AdminListKey()); !info.Stale {
		t.Fatal("admin list not invalidated")
	}
	all, err := AllOrdersQuery(svc).Run(ctx, admin.runner)
	if err != nil || !all[0].PickupDate.Equal(moved) {
		t.Fatalf("admin list=%+v err=%v", all, err)
	}
}

func TestPlaceReplacesPlaceholder(t *testing.T) {
	ctx := context.Background()
	d := newDevice(t, tmem.NewBus())
	svc := newFakeService()
	svc.placeGate = make(chan struct{})
	_, _ = OrdersQuery(svc, "alice").Run(ctx, d.runner)
	d.store.Set(ctx, inventory.LowStockKey(), []byte("cached"))

	h := New(d.eng, d.runner, alice, svc)
	done := make(chan Order, 1)
	go func() {
		o, err := h.Place(ctx, PlaceInput{Lines: []Line{{ProductID: "p1", Quantity: 2}}, PickupDate: day(1)})
		if err != nil {
			t.Error(err)
		}
		done <- o
	}()
	eventually(t, func() bool { return svc.count("place") == 1 })
	os := readList(t, d.store, ListKey("alice"))
	if len(os) != 1 || os[0].Status != StatusPending || os[0].ClientRef == "" || os[0].ID != "pending-"+os[0].ClientRef {
		t.Fatalf("placeholder=%+v", os)
	}
	if !h.IsPlacing() {
		t.Fatal("not placing")
	}

	close(svc.placeGate)
	placed := <-done
	os = readList(t, d.store, ListKey("alice"))
	if len(os) != 1 || os[0].ID != placed.ID || placed.ID == "" {
		t.Fatalf("orders=%+v placed=%+v", os, placed)
	}
	if info, _ := d.store.Info(inventory.LowStockKey()); !info.Stale {
		t.Fatal("low-stock list not invalidated by a placed order")
	}
	if info, _ := d.store.Info(inventory.AllKey()); info.Present {
		t.Fatal("unrelated inventory entry appeared")
	}
}

// Only stock-moving changes reach the inventory low-stock list, locally and
// on the user's other devices.
func TestLowStockFollowsOnlyStockChanges(t *testing.T) {
	ctx := context.Background()
	bus := tmem.NewBus()
	phone, tablet := newDevice(t, bus), newDevice(t, bus)
	svc := newFakeService(Order{ID: "o1", UserID: "alice", Status: StatusConfirmed, PickupDate: day(1)})

	stop, err := New(tablet.eng, tablet.runner, alice, svc).Sync(ctx, tablet.relay)
	if err != nil {
		t.Fatal(err)
	}
	defer stop()
	seed := func() {
		for _, d := range []device{phone, tablet} {
			d.store.Set(ctx, inventory.LowStockKey(), []byte("cached"))
		}
	}
	lowStockStale := func(d device) bool {
		info, _ := d.store.Info(inventory.LowStockKey())
		return info.Stale
	}

	h := New(phone.eng, phone.runner, alice, svc)
	seed()
	if _, err := h.Reschedule(ctx, RescheduleInput{OrderID: "o1", PickupDate: day(3)}); err != nil {
		t.Fatal(err)
	}
	if _, err := New(phone.eng, phone.runner, staff, svc).SetStatus(ctx, StatusInput{OrderID: "o1", UserID: "alice", Status: StatusConfirmed}); err != nil {
		t.Fatal(err)
	}
	if lowStockStale(phone) || lowStockStale(tablet) {
		t.Fatal("reschedule or status change invalidated the low-stock list")
	}

	seed()
	if _, err := h.Cancel(ctx, CancelInput{OrderID: "o1"}); err != nil {
		t.Fatal(err)
	}
	if !lowStockStale(phone) {
		t.Fatal("cancel did not invalidate the local low-stock list")
	}
	if !lowStockStale(tablet) {
		t.Fatal("cancel did not invalidate the low-stock list on the other device")
	}
}

func TestPlaceValidation(t *testing.T) {
	ctx := context.Background()
	d := newDevice(t, tmem.NewBus())
	svc := newFakeService()
	h := New(d.eng, d.runner, alice, svc)
	for _, in := range []PlaceInput{
		{PickupDate: day(1)},
		{Lines: []Line{{ProductID: "p1"}}, PickupDate: day(1)},
		{Lines: []Line{{ProductID: "p1", Quantity: 1}}},
		{Lines: []Line{{ProductID: "p1", Quantity: 1}}, PickupDate: day(-1)},
	} {
		_, err := h.Place(ctx, in)
		if cerr := mutacache.Classify(err); cerr == nil || cerr.Category != mutacache.CategoryValidation || cerr.UserMessage == "" {
			t.Fatalf("%+v: err=%v", in, err)
		}
	}
	if svc.count("place") != 0 {
		t.Fatal("invalid order reached the service")
	}
}

func TestCancelRefusedKeepsStatus(t *testing.T) {
	ctx := context.Background()
	d := newDevice(t, tmem.NewBus())
	svc := newFakeService(Order{ID: "o1", UserID: "alice", Status: StatusReady, PickupDate: day(1)})
	_, _ = OrdersQuery(svc, "alice").Run(ctx, d.runner)
	_, _ = OrderQuery(svc, "alice", "o1").Run(ctx, d.runner)

	h := New(d.eng, d.runner, alice, svc)
	_, err := h.Cancel(ctx, CancelInput{OrderID: "o1"})
	if mutacache.UserMessage(err) != "This order is already being prepared." {
		t.Fatalf("err=%v", err)
	}
	if os := readList(t, d.store, ListKey("alice")); os[0].Status != StatusReady {
		t.Fatalf("list=%+v", os)
	}
	if o, _ := mutacache.NewView(d.store, orderCodec).Get(ctx, OrderKey("alice", "o1")); o.Status != StatusReady {
		t.Fatalf("detail=%+v", o)
	}
	if h.Err() == nil || h.Err().Code != CodeNotCancellable {
		t.Fatalf("hook err=%v", h.Err())
	}
}

func TestAllOrdersForbiddenForCustomers(t *testing.T) {
	ctx := context.Background()
	d := newDevice(t, tmem.NewBus())
	o := New(d.eng, d.runner, alice, newFakeService()).AllOrders(ctx)
	defer o.Close()
	st := o.State()
	if !st.Unauthenticated || !errors.Is(st.Err, mutacache.ErrForbidden) {
		t.Fatalf("state=%+v", st)
	}
}

func TestSetStatusReachesCustomer(t *testing.T) {
	ctx := context.Background()
	bus := tmem.NewBus()
	customer, admin := newDevice(t, bus), newDevice(t, bus)
	svc := newFakeService(Order{ID: "o1", UserID: "alice", Status: StatusConfirmed, PickupDate: day(1)})
	_, _ = OrdersQuery(svc, "alice").Run(ctx, customer.runner)
	stop, _ := New(customer.eng, customer.runner, alice, svc).Sync(ctx, customer.relay)
	defer stop()

	if _, err := New(customer.eng, customer.runner, alice, svc).SetStatus(ctx, StatusInput{OrderID: "o1", UserID: "alice", Status: StatusReady}); !errors.Is(err, mutacache.ErrForbidden) {
		t.Fatalf("customer err=%v", err)
	}
	o, err := New(admin.eng, admin.runner, staff, svc).SetStatus(ctx, StatusInput{OrderID: "o1", UserID: "alice", Status: StatusReady})
	if err != nil || o.Status != StatusReady {
		t.Fatalf("order=%+v err=%v", o, err)
	}
	if info, _ := customer.store.Info(ListKey("alice")); !info.Stale {
		t.Fatal("customer's list not invalidated")
	}
	os, _ := OrdersQuery(svc, "alice").Run(ctx, customer.runner)
	if os[0].Status != StatusReady {
		t.Fatalf("refetched=%+v", os)
	}
}
