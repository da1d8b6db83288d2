package mutacache

import (
	"context"
	"slices"
	"sync"
)

// Touch says what a committed mutation changed, beyond the entity's lists.
type Touch struct {
	IDs []string
	// Subresources narrows each id to Sub(scope, id, sub) instead of the
	// whole detail.
	Subresources []string
	// Event names the change; it selects which CrossRefs apply.
	Event string
}

// CrossRef declares that changes to one entity make lists of another stale,
// e.g. placing an order affects the inventory low-stock list.
type CrossRef struct {
	Entity Entity
	// Filters select one list of Entity. Empty means all of its lists.
	Filters []string
	// Events limits the reference to changes with one of these events.
	// Empty means every change of the source entity.
	Events []string
}

func (c CrossRef) applies(event string) bool {
	return len(c.Events) == 0 || slices.Contains(c.Events, event)
}

// Router computes which cache prefixes a committed mutation makes stale.
type Router struct {
	store *Store
	log   Logger

	mu   sync.RWMutex
	refs map[string][]CrossRef
}

func NewRouter(s *Store) *Router {
	return &Router{
		store: s,
		log:   s.log.With(Fields{"component": "router"}),
		refs:  make(map[string][]CrossRef),
	}
}

// Declare registers cross-entity references of source. Call at startup.
func (r *Router) Declare(source Entity, refs ...CrossRef) {
	r.mu.Lock()
	r.refs[source.Name] = append(r.refs[source.Name], refs...)
	r.mu.Unlock()
}

// Prefixes returns the minimal prefix set for a change to e in scope:
// the entity's lists, the touched details (or subresources), the admin view
// and the declared cross-entity lists whose events match t.Event. Prefixes covered by a shorter returned
// prefix are dropped. Prefixes never include the whole store.
func (r *Router) Prefixes(e Entity, scope string, t Touch) []Key {
	ks := KeysFor(e)
	cands := []Key{ks.Lists(scope)}
	for _, id := range t.IDs {
		if len(t.Subresources) == 0 {
			cands = append(cands, ks.Detail(scope, id))
			continue
		}
		for _, sub := range t.Subresources {
			cands = append(cands, ks.Sub(scope, id, sub))
		}
	}
	if e.AdminView && e.Isolation == UserSpecific {
		cands = append(cands, ks.Admin())
	}

	r.mu.RLock()
	refs := r.refs[e.Name]
	r.mu.RUnlock()
	for _, ref := range refs {
		if !ref.applies(t.Event) {
			continue
		}
		rk := KeysFor(ref.Entity)
		if len(ref.Filters) == 0 {
			cands = append(cands, rk.Lists(scope))
		} else {
			cands = append(cands, rk.List(scope, ref.Filters...))
		}
	}
	return minimalPrefixes(cands)
}

// Invalidate marks every prefix from Prefixes stale and returns them.
func (r *Router) Invalidate(e Entity, scope string, t Touch) []Key {
	prefixes := r.Prefixes(e, scope, t)
	n := 0
	r.store.Batch(context.Background(), func(b *Batch) {
		for _, p := range prefixes {
			n += b.MarkStale(p)
		}
	})
	r.log.Debug("invalidated", Fields{"entity": e.Name, "prefixes": len(prefixes), "entries": n})
	return prefixes
}

// InvalidateAdmin marks e's admin view stale.
func (r *Router) InvalidateAdmin(e Entity) Key {
	k := KeysFor(e).Admin()
	n := r.store.MarkStale(k)
	r.log.Debug("invalidated admin view", Fields{"entity": e.Name, "entries": n})
	return k
}

func minimalPrefixes(cands []Key) []Key {
	out := make([]Key, 0, len(cands))
	for i, k := range cands {
		if len(k) == 0 {
			continue
		}
		covered := false
		for j, o := range cands {
			if i == j || len(o) == 0 || !k.HasPrefix(o) {
				continue
			}
			if len(o) < len(k) || j < i {
				covered = true
				break
			}
		}
		if !covered {
			out = append(out, k)
		}
	}
	return out
}
