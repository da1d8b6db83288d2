// Package mutacache keeps a client-side cache of server entities consistent
// with optimistic writes. Mutations patch cached values before the server
// answers, roll back on failure and, on success, invalidate exactly the
// entries the change affects, locally and on the user's other devices.
//
// Components:
//   - Store: keyed entries with staleness, fetch timestamps and observers.
//     Value bytes live in a provider.Provider (memory, Ristretto, BigCache,
//     Redis); read generations live in a genstore.GenStore.
//   - Keys: hierarchical keys built per entity by KeysFor, so a prefix
//     addresses every list, detail or scope of an entity at once.
//   - Query[V]: read-through fetch with freshness, retries and cancellation.
//   - Mutation[Vars, R]: validate, cancel, snapshot, patch, call, then commit
//     or roll back.
//   - Router: turns (entity, scope, Touch) into the minimal prefix set to mark
//     stale, including declared cross-entity references.
//   - Relay: publishes change envelopes on per-scope channels of a Transport
//     and applies incoming ones through the Router.
//
// Keys:
//
//	[entity, scope, list, filters...]  - user-specific lists
//	[entity, scope, detail, id, sub]   - records and their subresources
//	[entity, list, ...]                - global entities drop the scope
//	[entity, @admin, ...]              - admin views
//
// Mutation lifecycle:
//
//	h := cart.AddItem(svc).Bind(eng, guard)
//	h.Mutate(in, onSettled) // patched before return
//	// success: commit -> invalidate -> broadcast
//	// failure: restore snapshots newest-first; retry transient errors
package mutacache
