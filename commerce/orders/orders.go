// Package orders covers placing, rescheduling and cancelling pickup orders.
// Orders are cached per user; staff with the admin role also see an admin
// list of every user's orders, kept current through the admin channel.
package orders

import (
	"context"
	"fmt"
	"time"

	"github.com/unkn0wn-root/mutacache"
	c "github.com/unkn0wn-root/mutacache/codec"
	"github.com/unkn0wn-root/mutacache/commerce/inventory"
)

var Entity = mutacache.Entity{
	Name:      "orders",
	Isolation: mutacache.UserSpecific,
	AdminView: true,
	Policy:    mutacache.Policy{StaleTime: 10 * time.Second},
}

const (
	CodeInvalidPickup  = "invalid_pickup"
	CodeEmptyOrder     = "empty_order"
	CodeNotCancellable = "not_cancellable"
	CodeOrderNotFound  = "order_not_found"
)

const (
	EventPlaced        = "placed"
	EventRescheduled   = "rescheduled"
	EventCancelled     = "cancelled"
	EventStatusChanged = "status_changed"
)

type Status string

const (
	StatusPending   Status = "pending"
	StatusConfirmed Status = "confirmed"
	StatusReady     Status = "ready"
	StatusPickedUp  Status = "picked_up"
	StatusCancelled Status = "cancelled"
)

type Line struct {
	ProductID string `json:"product_id"`
	Quantity  int    `json:"quantity"`
}

type Order struct {
	ID         string    `json:"id"`
	UserID     string    `json:"user_id,omitempty"`
	Status     Status    `json:"status"`
	PickupDate time.Time `json:"pickup_date"`
	Lines      []Line    `json:"lines"`
	// ClientRef ties an optimistic placeholder to the order the server creates.
	ClientRef string `json:"client_ref,omitempty"`
}

// Cancellable reports whether the customer may still cancel o.
func (o Order) Cancellable() bool {
	return o.Status == StatusPending || o.Status == StatusConfirmed
}

type PlaceInput struct {
	ClientRef  string
	Lines      []Line
	PickupDate time.Time
}

type RescheduleInput struct {
	OrderID    string
	PickupDate time.Time
}

type CancelInput struct {
	OrderID string
	Reason  string
}

// StatusInput is a staff status change on a customer's order.
type StatusInput struct {
	OrderID string
	UserID  string
	Status  Status
}

// Service is the backend surface of orders. AllOrders and SetStatus are
// staff-only on the server as well.
type Service interface {
	Orders(ctx context.Context) ([]Order, error)
	Order(ctx context.Context, id string) (Order, error)
	AllOrders(ctx context.Context) ([]Order, error)
	Place(ctx context.Context, in PlaceInput) (mutacache.Result[Order], error)
	Reschedule(ctx context.Context, in RescheduleInput) (mutacache.Result[Order], error)
	Cancel(ctx context.Context, in CancelInput) (mutacache.Result[Order], error)
	SetStatus(ctx context.Context, in StatusInput) (mutacache.Result[Order], error)
}

var (
	keys       = mutacache.KeysFor(Entity)
	orderCodec = c.JSON[Order]{}
	listCodec  = c.JSON[[]Order]{}
)

func ListKey(scope string) mutacache.Key                      { return keys.List(scope) }
func OrderKey(scope, id string) mutacache.Key                 { return keys.Detail(scope, id) }
func AdminListKey() mutacache.Key                             { return keys.Admin().Append("list") }
func listKeyFor[Vars any](scope string, _ Vars) mutacache.Key { return ListKey(scope) }
func adminKeyFor[Vars any](string, Vars) mutacache.Key        { return AdminListKey() }

// Register declares what order changes make stale elsewhere: placing or
// cancelling moves stock, so the inventory low-stock list follows.
func Register(r *mutacache.Router) {
	r.Declare(Entity, mutacache.CrossRef{
		Entity:  inventory.Entity,
		Filters: inventory.LowStock,
		Events:  []string{EventPlaced, EventCancelled},
	})
}

func OrdersQuery(svc Service, scope string) mutacache.Query[[]Order] {
	return mutacache.Query[[]Order]{Entity: Entity, Key: ListKey(scope), Codec: listCodec, Fetch: svc.Orders}
}

func OrderQuery(svc Service, scope, id string) mutacache.Query[Order] {
	return mutacache.Query[Order]{
		Entity: Entity,
		Key:    OrderKey(scope, id),
		Codec:  orderCodec,
		Fetch:  func(ctx context.Context) (Order, error) { return svc.Order(ctx, id) },
	}
}

func AllOrdersQuery(svc Service) mutacache.Query[[]Order] {
	return mutacache.Query[[]Order]{Entity: Entity, Key: AdminListKey(), Codec: listCodec, Fetch: svc.AllOrders}
}

func validationError(code, msg, userMsg string) error {
	return mutacache.NewError(mutacache.CategoryValidation, code, msg).WithUserMessage(userMsg)
}

func validatePickup(d time.Time) error {
	if d.IsZero() {
		return validationError(CodeInvalidPickup, "missing pickup date", "Choose a pickup date.")
	}
	if !d.After(time.Now()) {
		return validationError(CodeInvalidPickup, fmt.Sprintf("pickup %s is in the past", d.Format(time.RFC3339)),
			"Pickup date must be in the future.")
	}
	return nil
}

func missingOrder() error {
	return validationError(mutacache.CodeInvalidInput, "empty order id", "Pick an order first.")
}

// Place adds a pending placeholder to the user's list; the server's order
// replaces it on success.
func Place(svc Service) mutacache.Mutation[PlaceInput, Order] {
	return mutacache.Mutation[PlaceInput, Order]{
		Entity:    Entity,
		Operation: "place",
		Call:      svc.Place,
		Validate: func(in PlaceInput) error {
			if len(in.Lines) == 0 {
				return validationError(CodeEmptyOrder, "no lines", "Your order is empty.")
			}
			for _, l := range in.Lines {
				if l.ProductID == "" || l.Quantity <= 0 {
					return validationError(mutacache.CodeInvalidInput, fmt.Sprintf("bad line %+v", l), "Please check the items in your order.")
				}
			}
			return validatePickup(in.PickupDate)
		},
		Optimistic: []mutacache.Patch[PlaceInput]{
			mutacache.Project(listKeyFor[PlaceInput], listCodec, func(os []Order, in PlaceInput) []Order {
				return append(append([]Order(nil), os...), Order{
					ID:         "pending-" + in.ClientRef,
					Status:     StatusPending,
					PickupDate: in.PickupDate,
					Lines:      in.Lines,
					ClientRef:  in.ClientRef,
				})
			}),
		},
		Commit: []mutacache.Write[PlaceInput, Order]{
			mutacache.SetResult(func(scope string, _ PlaceInput, o Order) mutacache.Key { return OrderKey(scope, o.ID) },
				orderCodec, func(_ PlaceInput, o Order) Order { return o }),
			mutacache.MergeInto(func(scope string, _ PlaceInput, _ Order) mutacache.Key { return ListKey(scope) },
				listCodec, func(os []Order, in PlaceInput, o Order) []Order {
					out := make([]Order, 0, len(os)+1)
					for _, cur := range os {
						if (cur.ClientRef != "" && cur.ClientRef == in.ClientRef) || cur.ID == o.ID {
							continue
						}
						out = append(out, cur)
					}
					return append(out, o)
				}),
		},
		Touch: func(_ PlaceInput, o Order) mutacache.Touch { return mutacache.Touch{IDs: []string{o.ID}} },
		Event: EventPlaced,
	}
}

// edit builds a mutation that changes one order in the user's list, its
// detail and the admin list.
func edit[Vars any](call func(context.Context, Vars) (mutacache.Result[Order], error), op, event string, id func(Vars) string, validate func(Vars) error, fn func(Order, Vars) Order) mutacache.Mutation[Vars, Order] {
	apply := func(o Order, in Vars) Order {
		if o.ID != id(in) {
			return o
		}
		return fn(o, in)
	}
	applyAll := func(os []Order, in Vars) []Order {
		out := append([]Order(nil), os...)
		for i := range out {
			out[i] = apply(out[i], in)
		}
		return out
	}
	merge := func(os []Order, _ Vars, o Order) []Order { return replaceOrder(os, o) }
	return mutacache.Mutation[Vars, Order]{
		Entity:    Entity,
		Operation: op,
		Call:      call,
		Validate:  validate,
		Optimistic: []mutacache.Patch[Vars]{
			mutacache.Project(listKeyFor[Vars], listCodec, applyAll),
			mutacache.Project(func(scope string, in Vars) mutacache.Key { return OrderKey(scope, id(in)) }, orderCodec, apply),
			mutacache.Project(adminKeyFor[Vars], listCodec, applyAll),
		},
		Commit: []mutacache.Write[Vars, Order]{
			mutacache.MergeInto(func(scope string, _ Vars, _ Order) mutacache.Key { return ListKey(scope) }, listCodec, merge),
			mutacache.SetResult(func(scope string, _ Vars, o Order) mutacache.Key { return OrderKey(scope, o.ID) },
				orderCodec, func(_ Vars, o Order) Order { return o }),
			mutacache.MergeInto(func(string, Vars, Order) mutacache.Key { return AdminListKey() }, listCodec, merge),
		},
		Touch: func(in Vars, _ Order) mutacache.Touch { return mutacache.Touch{IDs: []string{id(in)}} },
		Event: event,
	}
}

func replaceOrder(os []Order, o Order) []Order {
	out := append([]Order(nil), os...)
	for i := range out {
		if out[i].ID == o.ID {
			out[i] = o
		}
	}
	return out
}

// Reschedule moves an order's pickup date.
func Reschedule(svc Service) mutacache.Mutation[RescheduleInput, Order] {
	return edit(svc.Reschedule, "reschedule", EventRescheduled,
		func(in RescheduleInput) string { return in.OrderID },
		func(in RescheduleInput) error {
			if in.OrderID == "" {
				return missingOrder()
			}
			return validatePickup(in.PickupDate)
		},
		func(o Order, in RescheduleInput) Order {
			o.PickupDate = in.PickupDate
			return o
		})
}

// Cancel cancels an order. The server refuses orders that are already
// being prepared.
func Cancel(svc Service) mutacache.Mutation[CancelInput, Order] {
	return edit(svc.Cancel, "cancel", EventCancelled,
		func(in CancelInput) string { return in.OrderID },
		func(in CancelInput) error {
			if in.OrderID == "" {
				return missingOrder()
			}
			return nil
		},
		func(o Order, _ CancelInput) Order {
			o.Status = StatusCancelled
			return o
		})
}

// SetStatus is the staff-side status change. Run it with the customer's id
// as scope so the customer's devices are the ones notified.
func SetStatus(svc Service) mutacache.Mutation[StatusInput, Order] {
	return edit(svc.SetStatus, "set_status", EventStatusChanged,
		func(in StatusInput) string { return in.OrderID },
		func(in StatusInput) error {
			if in.OrderID == "" || in.UserID == "" {
				return missingOrder()
			}
			switch in.Status {
			case StatusPending, StatusConfirmed, StatusReady, StatusPickedUp, StatusCancelled:
				return nil
			}
			return validationError(mutacache.CodeInvalidInput, fmt.Sprintf("status %q", in.Status), "Unknown order status.")
		},
		func(o Order, in StatusInput) Order {
			o.Status = in.Status
			return o
		})
}
