package orders

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"github.com/unkn0wn-root/mutacache"
)

// Hooks is the UI surface of orders.
type Hooks struct {
	eng    *mutacache.Engine
	runner *mutacache.Runner
	guard  mutacache.Guard
	svc    Service

	place      *mutacache.Handle[PlaceInput, Order]
	reschedule *mutacache.Handle[RescheduleInput, Order]
	cancel     *mutacache.Handle[CancelInput, Order]
}

func New(eng *mutacache.Engine, runner *mutacache.Runner, guard mutacache.Guard, svc Service) *Hooks {
	if guard == nil {
		guard = mutacache.Anonymous
	}
	return &Hooks{
		eng:        eng,
		runner:     runner,
		guard:      guard,
		svc:        svc,
		place:      Place(svc).Bind(eng, guard),
		reschedule: Reschedule(svc).Bind(eng, guard),
		cancel:     Cancel(svc).Bind(eng, guard),
	}
}

// Orders mounts the signed-in user's order list.
func (h *Hooks) Orders(ctx context.Context) *mutacache.Observer[[]Order] {
	p, g, _ := mutacache.Resolve(ctx, h.guard)
	return OrdersQuery(h.svc, p.Scope()).Observe(ctx, h.runner, g)
}

func (h *Hooks) Order(ctx context.Context, id string) *mutacache.Observer[Order] {
	p, g, _ := mutacache.Resolve(ctx, h.guard)
	return OrderQuery(h.svc, p.Scope(), id).Observe(ctx, h.runner, g)
}

// AllOrders mounts the admin list. Non-admins get an Unauthenticated state
// carrying ErrForbidden.
func (h *Hooks) AllOrders(ctx context.Context) *mutacache.Observer[[]Order] {
	return AllOrdersQuery(h.svc).Observe(ctx, h.runner, mutacache.RequireAdmin(h.guard))
}

// Place submits a new order. An empty ClientRef gets a fresh one.
func (h *Hooks) Place(ctx context.Context, in PlaceInput) (Order, error) {
	if in.ClientRef == "" {
		in.ClientRef = uuid.NewString()
	}
	return h.place.MutateAsync(ctx, in)
}

func (h *Hooks) Reschedule(ctx context.Context, in RescheduleInput) (Order, error) {
	return h.reschedule.MutateAsync(ctx, in)
}

func (h *Hooks) Cancel(ctx context.Context, in CancelInput) (Order, error) {
	return h.cancel.MutateAsync(ctx, in)
}

// SetStatus changes a customer's order on behalf of staff.
func (h *Hooks) SetStatus(ctx context.Context, in StatusInput) (Order, error) {
	if _, err := mutacache.RequireAdmin(h.guard).Check(ctx); err != nil {
		return Order{}, mutacache.Classify(err)
	}
	return SetStatus(h.svc).Execute(ctx, h.eng, in.UserID, in)
}

func (h *Hooks) IsPlacing() bool      { return h.place.IsPending() }
func (h *Hooks) IsRescheduling() bool { return h.reschedule.IsPending() }
func (h *Hooks) IsCancelling() bool   { return h.cancel.IsPending() }

func (h *Hooks) RescheduleErr() *mutacache.ClassifiedError { return h.reschedule.Err() }

// Err is the first error left by the last place, reschedule or cancel.
func (h *Hooks) Err() *mutacache.ClassifiedError {
	for _, err := range []*mutacache.ClassifiedError{h.place.Err(), h.reschedule.Err(), h.cancel.Err()} {
		if err != nil {
			return err
		}
	}
	return nil
}

// Sync follows the user's orders on other devices and, for admins, every
// user's changes through the admin channel.
func (h *Hooks) Sync(ctx context.Context, relay *mutacache.Relay) (stop func() error, err error) {
	p, err := h.guard.Check(ctx)
	if err != nil {
		return nil, err
	}
	own, err := relay.Listen(Entity, mutacache.Subscriber{Scope: p.Scope()})
	if err != nil {
		return nil, err
	}
	if !p.Admin {
		return own, nil
	}
	all, err := relay.Listen(Entity, mutacache.Subscriber{Scope: p.Scope(), Admin: true})
	if err != nil {
		_ = own()
		return nil, err
	}
	return func() error { return errors.Join(own(), all()) }, nil
}
