// Package inventory is the shared product catalog: one global key space,
// readable by everyone, restocked by admins.
package inventory

import (
	"context"
	"fmt"
	"time"

	"github.com/unkn0wn-root/mutacache"
	c "github.com/unkn0wn-root/mutacache/codec"
)

var Entity = mutacache.Entity{
	Name:      "inventory",
	Isolation: mutacache.Global,
	Policy:    mutacache.Policy{StaleTime: 30 * time.Second},
}

const (
	CodeUnknownProduct  = "unknown_product"
	CodeInvalidQuantity = "invalid_quantity"
)

const EventRestocked = "restocked"

// LowStock is the list filter for products at or below their threshold.
// Other entities reference it when their changes move stock.
var LowStock = []string{"low_stock"}

type Product struct {
	ID        string `msgpack:"id"`
	Name      string `msgpack:"name"`
	Stock     int    `msgpack:"stock"`
	Threshold int    `msgpack:"threshold"`
}

// Low reports whether p belongs on the low-stock list.
func (p Product) Low() bool { return p.Stock <= p.Threshold }

type RestockInput struct {
	ProductID string
	Quantity  int
}

// Service is the backend surface of the catalog.
type Service interface {
	Products(ctx context.Context) ([]Product, error)
	LowStock(ctx context.Context) ([]Product, error)
	Product(ctx context.Context, id string) (Product, error)
	Restock(ctx context.Context, in RestockInput) (mutacache.Result[Product], error)
}

var (
	keys         = mutacache.KeysFor(Entity)
	productCodec = c.Msgpack[Product]{}
	listCodec    = c.Msgpack[[]Product]{}
)

func AllKey() mutacache.Key              { return keys.List("", "all") }
func LowStockKey() mutacache.Key         { return keys.List("", LowStock...) }
func ProductKey(id string) mutacache.Key { return keys.Detail("", id) }

func ProductsQuery(svc Service) mutacache.Query[[]Product] {
	return mutacache.Query[[]Product]{Entity: Entity, Key: AllKey(), Codec: listCodec, Fetch: svc.Products}
}

func LowStockQuery(svc Service) mutacache.Query[[]Product] {
	return mutacache.Query[[]Product]{Entity: Entity, Key: LowStockKey(), Codec: listCodec, Fetch: svc.LowStock}
}

func ProductQuery(svc Service, id string) mutacache.Query[Product] {
	return mutacache.Query[Product]{
		Entity: Entity,
		Key:    ProductKey(id),
		Codec:  productCodec,
		Fetch:  func(ctx context.Context) (Product, error) { return svc.Product(ctx, id) },
	}
}

func validateRestock(in RestockInput) error {
	if in.ProductID == "" {
		return mutacache.NewError(mutacache.CategoryValidation, CodeUnknownProduct, "empty product id").
			WithUserMessage("Pick a product to restock.")
	}
	if in.Quantity <= 0 {
		return mutacache.NewError(mutacache.CategoryValidation, CodeInvalidQuantity, fmt.Sprintf("quantity %d", in.Quantity)).
			WithUserMessage("Quantity must be at least 1.")
	}
	return nil
}

// Restock adds stock optimistically to the product and the catalog list and
// stores the server's product on success.
func Restock(svc Service) mutacache.Mutation[RestockInput, Product] {
	detail := func(_ string, in RestockInput) mutacache.Key { return ProductKey(in.ProductID) }
	all := func(string, RestockInput) mutacache.Key { return AllKey() }
	return mutacache.Mutation[RestockInput, Product]{
		Entity:    Entity,
		Operation: "restock",
		Call:      svc.Restock,
		Validate:  validateRestock,
		Optimistic: []mutacache.Patch[RestockInput]{
			mutacache.Project(detail, productCodec, func(p Product, in RestockInput) Product {
				p.Stock += in.Quantity
				return p
			}),
			mutacache.Project(all, listCodec, func(ps []Product, in RestockInput) []Product {
				out := append([]Product(nil), ps...)
				for i := range out {
					if out[i].ID == in.ProductID {
						out[i].Stock += in.Quantity
					}
				}
				return out
			}),
		},
		Commit: []mutacache.Write[RestockInput, Product]{
			mutacache.SetResult(func(_ string, in RestockInput, _ Product) mutacache.Key { return ProductKey(in.ProductID) },
				productCodec, func(_ RestockInput, p Product) Product { return p }),
			mutacache.MergeInto(func(string, RestockInput, Product) mutacache.Key { return AllKey() },
				listCodec, func(ps []Product, _ RestockInput, p Product) []Product { return replace(ps, p) }),
		},
		Touch: func(in RestockInput, _ Product) mutacache.Touch {
			return mutacache.Touch{IDs: []string{in.ProductID}}
		},
		Event: EventRestocked,
	}
}

func replace(ps []Product, p Product) []Product {
	out := append([]Product(nil), ps...)
	for i := range out {
		if out[i].ID == p.ID {
			out[i] = p
		}
	}
	return out
}

// Hooks is the UI surface of the catalog.
type Hooks struct {
	runner  *mutacache.Runner
	svc     Service
	restock *mutacache.Handle[RestockInput, Product]
}

// New binds the catalog to eng. Restocking requires an admin principal.
func New(eng *mutacache.Engine, runner *mutacache.Runner, guard mutacache.Guard, svc Service) *Hooks {
	return &Hooks{
		runner:  runner,
		svc:     svc,
		restock: Restock(svc).Bind(eng, mutacache.RequireAdmin(guard)),
	}
}

func (h *Hooks) Products(ctx context.Context) *mutacache.Observer[[]Product] {
	return ProductsQuery(h.svc).Observe(ctx, h.runner, nil)
}

func (h *Hooks) LowStock(ctx context.Context) *mutacache.Observer[[]Product] {
	return LowStockQuery(h.svc).Observe(ctx, h.runner, nil)
}

func (h *Hooks) Product(ctx context.Context, id string) *mutacache.Observer[Product] {
	return ProductQuery(h.svc, id).Observe(ctx, h.runner, nil)
}

func (h *Hooks) Restock(ctx context.Context, in RestockInput) (Product, error) {
	return h.restock.MutateAsync(ctx, in)
}

func (h *Hooks) IsRestocking() bool                     { return h.restock.IsPending() }
func (h *Hooks) RestockErr() *mutacache.ClassifiedError { return h.restock.Err() }

// Sync follows restocks committed elsewhere.
func (h *Hooks) Sync(relay *mutacache.Relay) (stop func() error, err error) {
	return relay.Listen(Entity, mutacache.Subscriber{}, EventRestocked)
}
