// Package cart is the signed-in user's shopping cart. The cart list and each
// line item are cached per user; adds and quantity changes show up
// immediately and are reconciled with the server's totals when it answers.
package cart

import (
	"context"
	"fmt"

	"github.com/unkn0wn-root/mutacache"
	c "github.com/unkn0wn-root/mutacache/codec"
)

var Entity = mutacache.Entity{Name: "cart", Isolation: mutacache.UserSpecific}

const (
	CodeInsufficientStock = "insufficient_stock"
	CodeInvalidQuantity   = "invalid_quantity"
	CodeItemNotFound      = "item_not_found"
)

const (
	EventItemAdded       = "item_added"
	EventQuantityChanged = "quantity_changed"
	EventItemRemoved     = "item_removed"
	EventCleared         = "cleared"
)

type Item struct {
	ProductID string `json:"product_id"`
	Name      string `json:"name,omitempty"`
	Quantity  int    `json:"quantity"`
	// UnitPrice is in minor units.
	UnitPrice int64 `json:"unit_price"`
}

type Cart struct {
	Items []Item `json:"items"`
}

// Count is the number of units in the cart.
func (ct Cart) Count() int {
	n := 0
	for _, it := range ct.Items {
		n += it.Quantity
	}
	return n
}

// Total is the cart value in minor units.
func (ct Cart) Total() int64 {
	var t int64
	for _, it := range ct.Items {
		t += int64(it.Quantity) * it.UnitPrice
	}
	return t
}

func (ct Cart) withItem(it Item) Cart {
	out := Cart{Items: make([]Item, 0, len(ct.Items)+1)}
	found := false
	for _, cur := range ct.Items {
		if cur.ProductID == it.ProductID {
			found = true
			if it.Quantity <= 0 {
				continue
			}
			cur = it
		}
		out.Items = append(out.Items, cur)
	}
	if !found && it.Quantity > 0 {
		out.Items = append(out.Items, it)
	}
	return out
}

func (ct Cart) item(productID string) (Item, bool) {
	for _, it := range ct.Items {
		if it.ProductID == productID {
			return it, true
		}
	}
	return Item{}, false
}

type AddItemInput struct {
	ProductID string
	Name      string
	Quantity  int
	UnitPrice int64
}

type UpdateQuantityInput struct {
	ProductID string
	// Quantity is the new absolute quantity; 0 removes the line.
	Quantity int
}

type RemoveItemInput struct {
	ProductID string
}

type ClearInput struct {
	ProductIDs []string
}

// Service is the backend surface of the cart. The backend identifies the
// user from its own session, so no call takes a user id. Item-returning
// calls answer with the line's authoritative cumulative quantity.
type Service interface {
	Cart(ctx context.Context) (Cart, error)
	AddItem(ctx context.Context, in AddItemInput) (mutacache.Result[Item], error)
	UpdateQuantity(ctx context.Context, in UpdateQuantityInput) (mutacache.Result[Item], error)
	RemoveItem(ctx context.Context, in RemoveItemInput) (mutacache.Result[Cart], error)
	Clear(ctx context.Context) (mutacache.Result[Cart], error)
}

var (
	keys      = mutacache.KeysFor(Entity)
	cartCodec = c.JSON[Cart]{}
	itemCodec = c.JSON[Item]{}
)

func CartKey(scope string) mutacache.Key            { return keys.List(scope) }
func ItemKey(scope, productID string) mutacache.Key { return keys.Detail(scope, productID) }

func CartQuery(svc Service, scope string) mutacache.Query[Cart] {
	return mutacache.Query[Cart]{Entity: Entity, Key: CartKey(scope), Codec: cartCodec, Fetch: svc.Cart}
}

// ItemQuery reads one line from the cart. A product not in the cart reads
// as a zero-quantity item.
func ItemQuery(svc Service, scope, productID string) mutacache.Query[Item] {
	return mutacache.Query[Item]{
		Entity: Entity,
		Key:    ItemKey(scope, productID),
		Codec:  itemCodec,
		Fetch: func(ctx context.Context) (Item, error) {
			ct, err := svc.Cart(ctx)
			if err != nil {
				return Item{}, err
			}
			if it, ok := ct.item(productID); ok {
				return it, nil
			}
			return Item{ProductID: productID}, nil
		},
	}
}

func invalidQuantity(q int) error {
	return mutacache.NewError(mutacache.CategoryValidation, CodeInvalidQuantity, fmt.Sprintf("quantity %d", q)).
		WithUserMessage("Please choose a valid quantity.")
}

func missingProduct() error {
	return mutacache.NewError(mutacache.CategoryValidation, mutacache.CodeInvalidInput, "empty product id")
}

func cartKeyFor[Vars any](scope string, _ Vars) mutacache.Key { return CartKey(scope) }

// AddItem adds Quantity units of a product. The item and the cart list
// grow optimistically; the server's cumulative line replaces both on
// success.
func AddItem(svc Service) mutacache.Mutation[AddItemInput, Item] {
	line := func(scope string, in AddItemInput) mutacache.Key { return ItemKey(scope, in.ProductID) }
	return mutacache.Mutation[AddItemInput, Item]{
		Entity:    Entity,
		Operation: "add_item",
		Call:      svc.AddItem,
		Validate: func(in AddItemInput) error {
			if in.ProductID == "" {
				return missingProduct()
			}
			if in.Quantity <= 0 {
				return invalidQuantity(in.Quantity)
			}
			return nil
		},
		Optimistic: []mutacache.Patch[AddItemInput]{
			mutacache.Replace(line, itemCodec, func(cur Item, present bool, in AddItemInput) Item {
				if !present {
					cur = Item{ProductID: in.ProductID, Name: in.Name, UnitPrice: in.UnitPrice}
				}
				cur.Quantity += in.Quantity
				return cur
			}),
			mutacache.Project(cartKeyFor[AddItemInput], cartCodec, func(ct Cart, in AddItemInput) Cart {
				it, ok := ct.item(in.ProductID)
				if !ok {
					it = Item{ProductID: in.ProductID, Name: in.Name, UnitPrice: in.UnitPrice}
				}
				it.Quantity += in.Quantity
				return ct.withItem(it)
			}),
		},
		Commit: commitItem[AddItemInput](),
		Touch:  func(in AddItemInput, _ Item) mutacache.Touch { return mutacache.Touch{IDs: []string{in.ProductID}} },
		Event:  EventItemAdded,
	}
}

// UpdateQuantity sets a line's quantity. Zero removes the line.
func UpdateQuantity(svc Service) mutacache.Mutation[UpdateQuantityInput, Item] {
	line := func(scope string, in UpdateQuantityInput) mutacache.Key { return ItemKey(scope, in.ProductID) }
	return mutacache.Mutation[UpdateQuantityInput, Item]{
		Entity:    Entity,
		Operation: "update_quantity",
		Call:      svc.UpdateQuantity,
		Validate: func(in UpdateQuantityInput) error {
			if in.ProductID == "" {
				return missingProduct()
			}
			if in.Quantity < 0 {
				return invalidQuantity(in.Quantity)
			}
			return nil
		},
		Optimistic: []mutacache.Patch[UpdateQuantityInput]{
			mutacache.Project(line, itemCodec, func(it Item, in UpdateQuantityInput) Item {
				it.Quantity = in.Quantity
				return it
			}),
			mutacache.Project(cartKeyFor[UpdateQuantityInput], cartCodec, func(ct Cart, in UpdateQuantityInput) Cart {
				it, ok := ct.item(in.ProductID)
				if !ok {
					return ct
				}
				it.Quantity = in.Quantity
				return ct.withItem(it)
			}),
		},
		Commit: commitItem[UpdateQuantityInput](),
		Touch: func(in UpdateQuantityInput, _ Item) mutacache.Touch {
			return mutacache.Touch{IDs: []string{in.ProductID}}
		},
		Event: EventQuantityChanged,
	}
}

// RemoveItem drops a line; the server answers with the remaining cart.
func RemoveItem(svc Service) mutacache.Mutation[RemoveItemInput, Cart] {
	return mutacache.Mutation[RemoveItemInput, Cart]{
		Entity:    Entity,
		Operation: "remove_item",
		Call:      svc.RemoveItem,
		Validate: func(in RemoveItemInput) error {
			if in.ProductID == "" {
				return missingProduct()
			}
			return nil
		},
		Optimistic: []mutacache.Patch[RemoveItemInput]{
			mutacache.Project(func(scope string, in RemoveItemInput) mutacache.Key { return ItemKey(scope, in.ProductID) },
				itemCodec, func(it Item, _ RemoveItemInput) Item {
					it.Quantity = 0
					return it
				}),
			mutacache.Project(cartKeyFor[RemoveItemInput], cartCodec, func(ct Cart, in RemoveItemInput) Cart {
				return ct.withItem(Item{ProductID: in.ProductID})
			}),
		},
		Commit: []mutacache.Write[RemoveItemInput, Cart]{
			mutacache.SetResult(func(scope string, _ RemoveItemInput, _ Cart) mutacache.Key { return CartKey(scope) },
				cartCodec, func(_ RemoveItemInput, ct Cart) Cart { return ct }),
		},
		Touch: func(in RemoveItemInput, _ Cart) mutacache.Touch { return mutacache.Touch{IDs: []string{in.ProductID}} },
		Event: EventItemRemoved,
	}
}

// Clear empties the cart. ProductIDs are the lines the caller knows
// about; their item entries are invalidated once the server confirms.
func Clear(svc Service) mutacache.Mutation[ClearInput, Cart] {
	return mutacache.Mutation[ClearInput, Cart]{
		Entity:    Entity,
		Operation: "clear",
		Call: func(ctx context.Context, _ ClearInput) (mutacache.Result[Cart], error) {
			return svc.Clear(ctx)
		},
		Optimistic: []mutacache.Patch[ClearInput]{
			mutacache.Replace(cartKeyFor[ClearInput], cartCodec, func(Cart, bool, ClearInput) Cart { return Cart{} }),
		},
		Cancel: func(scope string, _ ClearInput) []mutacache.Key { return []mutacache.Key{keys.Details(scope)} },
		Commit: []mutacache.Write[ClearInput, Cart]{
			mutacache.SetResult(func(scope string, _ ClearInput, _ Cart) mutacache.Key { return CartKey(scope) },
				cartCodec, func(_ ClearInput, ct Cart) Cart { return ct }),
		},
		Touch: func(in ClearInput, _ Cart) mutacache.Touch { return mutacache.Touch{IDs: in.ProductIDs} },
		Event: EventCleared,
	}
}

// commitItem stores the server's line on the item key and folds it into
// the cached cart.
func commitItem[Vars any]() []mutacache.Write[Vars, Item] {
	return []mutacache.Write[Vars, Item]{
		mutacache.SetResult(func(scope string, _ Vars, it Item) mutacache.Key { return ItemKey(scope, it.ProductID) },
			itemCodec, func(_ Vars, it Item) Item { return it }),
		mutacache.MergeInto(func(scope string, _ Vars, _ Item) mutacache.Key { return CartKey(scope) },
			cartCodec, func(ct Cart, _ Vars, it Item) Cart { return ct.withItem(it) }),
	}
}
