package cart

import (
	"context"

	"github.com/unkn0wn-root/mutacache"
)

// Hooks is the UI surface of the cart for whoever the guard signs in.
type Hooks struct {
	runner *mutacache.Runner
	guard  mutacache.Guard
	svc    Service
	view   mutacache.View[Cart]

	add    *mutacache.Handle[AddItemInput, Item]
	update *mutacache.Handle[UpdateQuantityInput, Item]
	remove *mutacache.Handle[RemoveItemInput, Cart]
	clear  *mutacache.Handle[ClearInput, Cart]
}

func New(eng *mutacache.Engine, runner *mutacache.Runner, guard mutacache.Guard, svc Service) *Hooks {
	if guard == nil {
		guard = mutacache.Anonymous
	}
	return &Hooks{
		runner: runner,
		guard:  guard,
		svc:    svc,
		view:   mutacache.NewView(eng.Store(), cartCodec),
		add:    AddItem(svc).Bind(eng, guard),
		update: UpdateQuantity(svc).Bind(eng, guard),
		remove: RemoveItem(svc).Bind(eng, guard),
		clear:  Clear(svc).Bind(eng, guard),
	}
}

// Cart mounts the signed-in user's cart.
func (h *Hooks) Cart(ctx context.Context) *mutacache.Observer[Cart] {
	p, g, _ := mutacache.Resolve(ctx, h.guard)
	return CartQuery(h.svc, p.Scope()).Observe(ctx, h.runner, g)
}

// Item mounts one line of the signed-in user's cart.
func (h *Hooks) Item(ctx context.Context, productID string) *mutacache.Observer[Item] {
	p, g, _ := mutacache.Resolve(ctx, h.guard)
	return ItemQuery(h.svc, p.Scope(), productID).Observe(ctx, h.runner, g)
}

func (h *Hooks) AddItem(ctx context.Context, in AddItemInput) (Item, error) {
	return h.add.MutateAsync(ctx, in)
}

func (h *Hooks) UpdateQuantity(ctx context.Context, in UpdateQuantityInput) (Item, error) {
	return h.update.MutateAsync(ctx, in)
}

func (h *Hooks) RemoveItem(ctx context.Context, in RemoveItemInput) (Cart, error) {
	return h.remove.MutateAsync(ctx, in)
}

// Clear empties the cart, invalidating every line currently cached in it.
func (h *Hooks) Clear(ctx context.Context) (Cart, error) {
	var in ClearInput
	if p, err := h.guard.Check(ctx); err == nil {
		if ct, ok := h.view.Get(ctx, CartKey(p.Scope())); ok {
			for _, it := range ct.Items {
				in.ProductIDs = append(in.ProductIDs, it.ProductID)
			}
		}
	}
	return h.clear.MutateAsync(ctx, in)
}

func (h *Hooks) IsAddingItem() bool       { return h.add.IsPending() }
func (h *Hooks) IsUpdatingQuantity() bool { return h.update.IsPending() }
func (h *Hooks) IsRemovingItem() bool     { return h.remove.IsPending() }
func (h *Hooks) IsClearing() bool         { return h.clear.IsPending() }

// IsMutating reports whether any cart write has not settled.
func (h *Hooks) IsMutating() bool {
	return h.IsAddingItem() || h.IsUpdatingQuantity() || h.IsRemovingItem() || h.IsClearing()
}

// Err is the first error left by the last add, update, remove or clear.
func (h *Hooks) Err() *mutacache.ClassifiedError {
	for _, err := range []*mutacache.ClassifiedError{h.add.Err(), h.update.Err(), h.remove.Err(), h.clear.Err()} {
		if err != nil {
			return err
		}
	}
	return nil
}

// Wait blocks until every write started through h has settled.
func (h *Hooks) Wait() {
	h.add.Wait()
	h.update.Wait()
	h.remove.Wait()
	h.clear.Wait()
}

// Sync follows cart changes the same user makes on other devices.
func (h *Hooks) Sync(ctx context.Context, relay *mutacache.Relay) (stop func() error, err error) {
	p, err := h.guard.Check(ctx)
	if err != nil {
		return nil, err
	}
	return relay.Listen(Entity, mutacache.Subscriber{Scope: p.Scope()})
}
