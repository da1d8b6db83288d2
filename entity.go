package mutacache

import "strings"

// Isolation decides whether an entity's key space is partitioned per user.
type Isolation int

const (
	// Global entities share one key space (catalog, inventory).
	Global Isolation = iota
	// UserSpecific entities embed the acting user's scope as the second key
	// segment (cart, orders, notifications).
	UserSpecific
)

func (i Isolation) String() string {
	switch i {
	case Global:
		return "global"
	case UserSpecific:
		return "user-specific"
	default:
		return "unknown"
	}
}

// Reserved scope segments. Real scopes starting with '@' are escaped by
// doubling the '@', so no user can ever map onto these.
const (
	AnonymousScope = "@anonymous"
	adminScope     = "@admin"
)

const (
	segList   = "list"
	segDetail = "detail"
)

// Entity describes one cached resource type. Entities are static
// configuration, created at startup and never mutated.
type Entity struct {
	Name      string
	Isolation Isolation
	// AdminView entities keep an extra admin key space ([name, @admin, ...])
	// and an admin broadcast channel that sees every user's changes.
	AdminView bool
	Policy    Policy
}

// WithPolicy returns a copy of e using p.
func (e Entity) WithPolicy(p Policy) Entity {
	e.Policy = p
	return e
}

// Keys is the key factory for one entity. It is a pure value; calls never
// fail and equal inputs always produce equal keys.
type Keys struct {
	e Entity
}

func KeysFor(e Entity) Keys { return Keys{e: e} }

// All is the root of everything cached for scope:
// [name] for global entities, [name, scope] for user-specific ones.
func (k Keys) All(scope string) Key {
	if k.e.Isolation == Global {
		return Key{k.e.Name}
	}
	return Key{k.e.Name, scopeSegment(scope)}
}

func (k Keys) Lists(scope string) Key { return k.All(scope).Append(segList) }

// List is one filtered list, e.g. List(scope, "status", "pending").
func (k Keys) List(scope string, filters ...string) Key {
	return k.Lists(scope).Append(filters...)
}

func (k Keys) Details(scope string) Key { return k.All(scope).Append(segDetail) }

func (k Keys) Detail(scope, id string) Key { return k.Details(scope).Append(id) }

// Sub addresses a subresource of one detail, e.g. an order's items.
func (k Keys) Sub(scope, id, sub string) Key { return k.Detail(scope, id).Append(sub) }

// Admin is the root of the admin view. It is only meaningful for entities
// with AdminView; for global entities it equals All.
func (k Keys) Admin() Key {
	if k.e.Isolation == Global {
		return Key{k.e.Name}
	}
	return Key{k.e.Name, adminScope}
}

func scopeSegment(scope string) string {
	if scope == "" {
		return AnonymousScope
	}
	if strings.HasPrefix(scope, "@") {
		return "@" + scope
	}
	return scope
}
