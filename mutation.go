package mutacache

import (
	"context"
	"errors"
	"sync"
	"time"

	c "github.com/unkn0wn-root/mutacache/codec"
)

// MutationState is where one invocation is in its lifecycle.
type MutationState int

const (
	StateIdle MutationState = iota
	StateOptimisticApplied
	StateCommitted
	StateRolledBack
)

func (s MutationState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateOptimisticApplied:
		return "optimistic-applied"
	case StateCommitted:
		return "committed"
	case StateRolledBack:
		return "rolled-back"
	default:
		return "unknown"
	}
}

// MutationContext is the per-attempt record of what was changed
// optimistically. It is created before the optimistic apply and discarded
// once the attempt settles.
type MutationContext struct {
	Entity    string
	Operation string
	Scope     string
	Attempt   int
	State     MutationState
	// Snapshots are the pre-mutation entries, in patch order.
	Snapshots []Snapshot
	Metadata  map[string]any
}

// Patch is one optimistic edit. Build patches with Project and Replace.
type Patch[Vars any] struct {
	Key   func(scope string, vars Vars) Key
	apply func(raw []byte, present bool, vars Vars) ([]byte, bool, error)
}

// Project edits an existing cached value. Absent keys are left alone.
func Project[V, Vars any](key func(scope string, vars Vars) Key, codec c.Codec[V], fn func(cur V, vars Vars) V) Patch[Vars] {
	return Patch[Vars]{
		Key: key,
		apply: func(raw []byte, present bool, vars Vars) ([]byte, bool, error) {
			if !present {
				return nil, false, nil
			}
			cur, err := codec.Decode(raw)
			if err != nil {
				return nil, false, err
			}
			out, err := codec.Encode(fn(cur, vars))
			return out, err == nil, err
		},
	}
}

// Replace writes a full value whether or not the key is cached. cur is the
// zero V when present is false.
func Replace[V, Vars any](key func(scope string, vars Vars) Key, codec c.Codec[V], fn func(cur V, present bool, vars Vars) V) Patch[Vars] {
	return Patch[Vars]{
		Key: key,
		apply: func(raw []byte, present bool, vars Vars) ([]byte, bool, error) {
			var cur V
			if present {
				v, err := codec.Decode(raw)
				if err != nil {
					return nil, false, err
				}
				cur = v
			}
			out, err := codec.Encode(fn(cur, present, vars))
			return out, err == nil, err
		},
	}
}

// Write stores authoritative data after a successful call. Build writes
// with SetResult and MergeInto.
type Write[Vars, R any] struct {
	Key   func(scope string, vars Vars, data R) Key
	apply func(raw []byte, present bool, vars Vars, data R) ([]byte, bool, error)
}

// SetResult replaces the cached value with one derived from the server's data.
func SetResult[V, Vars, R any](key func(scope string, vars Vars, data R) Key, codec c.Codec[V], fn func(vars Vars, data R) V) Write[Vars, R] {
	return Write[Vars, R]{
		Key: key,
		apply: func(_ []byte, _ bool, vars Vars, data R) ([]byte, bool, error) {
			out, err := codec.Encode(fn(vars, data))
			return out, err == nil, err
		},
	}
}

// MergeInto folds the server's data into an existing cached value, e.g. one
// row of a list. Absent keys are left alone.
func MergeInto[V, Vars, R any](key func(scope string, vars Vars, data R) Key, codec c.Codec[V], fn func(cur V, vars Vars, data R) V) Write[Vars, R] {
	return Write[Vars, R]{
		Key: key,
		apply: func(raw []byte, present bool, vars Vars, data R) ([]byte, bool, error) {
			if !present {
				return nil, false, nil
			}
			cur, err := codec.Decode(raw)
			if err != nil {
				return nil, false, err
			}
			out, err := codec.Encode(fn(cur, vars, data))
			return out, err == nil, err
		},
	}
}

// Mutation describes one write operation of an entity.
type Mutation[Vars, R any] struct {
	Entity    Entity
	Operation string
	Call      Boundary[Vars, R]

	// Validate rejects malformed input before anything is applied.
	Validate func(vars Vars) error
	// Optimistic edits applied before Call.
	Optimistic []Patch[Vars]
	// Cancel lists extra prefixes whose in-flight reads must be dropped
	// (the patch keys are always cancelled).
	Cancel func(scope string, vars Vars) []Key
	// Commit stores the server's data on success.
	Commit []Write[Vars, R]
	// Touch tells the router what changed; nil means lists only. An empty
	// Touch.Event is filled from Event.
	Touch func(vars Vars, data R) Touch
	// Retry decides whether to try again after the attempt-th failure.
	// nil retries transient errors up to Policy.MutationRetries times.
	Retry func(attempt int, err *ClassifiedError) bool
	// Event is the broadcast event name; empty disables broadcasting.
	Event string
}

type EngineOptions struct {
	Router *Router // nil => NewRouter(store)
	Relay  *Relay  // nil => no broadcasts
	Logger Logger
	Hooks  Hooks
	// OnSessionExpired runs after a rollback caused by ErrSessionExpired,
	// typically auth.Guard.Expire.
	OnSessionExpired func(ctx context.Context, scope string)
}

// Engine runs mutations against one store.
type Engine struct {
	store            *Store
	router           *Router
	relay            *Relay
	log              Logger
	hooks            Hooks
	onSessionExpired func(ctx context.Context, scope string)
}

func NewEngine(s *Store, opts EngineOptions) *Engine {
	e := &Engine{
		store:            s,
		router:           opts.Router,
		relay:            opts.Relay,
		hooks:            coalesce[Hooks](opts.Hooks, s.hooks),
		onSessionExpired: opts.OnSessionExpired,
	}
	if e.router == nil {
		e.router = NewRouter(s)
	}
	e.log = coalesce[Logger](opts.Logger, s.log).With(Fields{"component": "mutation"})
	return e
}

func (e *Engine) Store() *Store   { return e.store }
func (e *Engine) Router() *Router { return e.router }

type outcome[R any] struct {
	data R
	err  error
}

// Execute runs one invocation for scope:
//
//  1. in-flight reads of every patched key and Cancel prefix are cancelled,
//  2. the patched entries are snapshotted,
//  3. the patches are applied,
//  4. Call runs with a context that ignores ctx's cancellation,
//  5. on success Commit stores the server's data, the router marks related
//     prefixes stale and the relay broadcasts Event,
//  6. on failure every snapshot is restored verbatim; nothing is
//     invalidated or broadcast.
//
// Steps 1-3 run atomically in the calling goroutine, so concurrent
// invocations are applied in call order. Their outcomes are not ordered:
// when two invocations touch the same key, the last response to arrive wins.
//
// If ctx ends before the call settles Execute returns ctx.Err(); the
// invocation still commits or rolls back in the background.
func (m Mutation[Vars, R]) Execute(ctx context.Context, e *Engine, scope string, vars Vars) (R, error) {
	var zero R
	done, err := m.start(ctx, e, scope, vars)
	if err != nil {
		return zero, err
	}
	select {
	case <-ctx.Done():
		e.log.Debug("caller left; settling in background", Fields{"entity": m.Entity.Name, "op": m.Operation})
		return zero, ctx.Err()
	case out := <-done:
		return out.data, out.err
	}
}

func (m Mutation[Vars, R]) start(ctx context.Context, e *Engine, scope string, vars Vars) (<-chan outcome[R], error) {
	if m.Validate != nil {
		if err := m.Validate(vars); err != nil {
			cerr := Classify(err)
			if cerr.Category == CategoryUnknown {
				cerr = NewError(CategoryValidation, CodeInvalidInput, err.Error()).Wrap(err)
			}
			e.log.Debug("invalid input", Fields{"entity": m.Entity.Name, "op": m.Operation, "err": cerr})
			return nil, cerr
		}
	}
	mc := m.apply(ctx, e, scope, vars, 1)
	done := make(chan outcome[R], 1)
	go func() {
		data, err := m.settle(context.WithoutCancel(ctx), e, scope, vars, mc)
		done <- outcome[R]{data: data, err: err}
	}()
	return done, nil
}

// apply is steps 1-3.
func (m Mutation[Vars, R]) apply(ctx context.Context, e *Engine, scope string, vars Vars, attempt int) *MutationContext {
	mc := &MutationContext{
		Entity:    m.Entity.Name,
		Operation: m.Operation,
		Scope:     scope,
		Attempt:   attempt,
		Snapshots: make([]Snapshot, 0, len(m.Optimistic)),
		Metadata:  map[string]any{},
	}
	keys := make([]Key, len(m.Optimistic))
	for i, p := range m.Optimistic {
		keys[i] = p.Key(scope, vars)
	}
	var cancel []Key
	if m.Cancel != nil {
		cancel = m.Cancel(scope, vars)
	}

	e.store.Batch(ctx, func(b *Batch) {
		for _, k := range cancel {
			b.CancelInFlight(k)
		}
		for _, k := range keys {
			b.CancelInFlight(k)
		}
		for i, p := range m.Optimistic {
			snap := b.Snapshot(keys[i])
			mc.Snapshots = append(mc.Snapshots, snap)
			cur, present := b.Get(keys[i])
			out, ok, err := p.apply(cur, present, vars)
			if err != nil {
				e.log.Warn("optimistic patch skipped", Fields{"key": keys[i].String(), "err": err})
				continue
			}
			if ok {
				b.Set(keys[i], out)
			}
		}
	})
	mc.State = StateOptimisticApplied
	return mc
}

func (m Mutation[Vars, R]) settle(ctx context.Context, e *Engine, scope string, vars Vars, mc *MutationContext) (R, error) {
	var zero R
	pol := m.Entity.Policy.withDefaults()
	retry := m.Retry
	if retry == nil {
		retry = func(attempt int, err *ClassifiedError) bool {
			return err.Retryable() && attempt <= pol.MutationRetries
		}
	}
	bo := pol.backOff()
	log := e.log.With(Fields{"entity": m.Entity.Name, "op": m.Operation})

	for {
		data, cerr := invoke(ctx, m.Call, vars)
		if cerr == nil {
			m.commit(ctx, e, scope, vars, data, mc)
			e.hooks.MutationCommitted(m.Entity.Name, m.Operation, mc.Attempt)
			log.Debug("committed", Fields{"attempt": mc.Attempt})
			return data, nil
		}

		retrying := retry(mc.Attempt, cerr)
		m.rollback(ctx, e, mc)
		e.hooks.MutationRolledBack(m.Entity.Name, m.Operation, cerr.Category, retrying)
		if !retrying {
			log.Info("rolled back", Fields{"attempt": mc.Attempt, "category": cerr.Category.String(), "code": cerr.Code, "err": cerr})
			if errors.Is(cerr, ErrSessionExpired) && e.onSessionExpired != nil {
				e.onSessionExpired(ctx, scope)
			}
			return zero, cerr
		}

		delay := bo.NextBackOff()
		log.Debug("rolled back; retrying", Fields{"attempt": mc.Attempt, "delay": delay, "err": cerr})
		time.Sleep(delay)
		mc = m.apply(ctx, e, scope, vars, mc.Attempt+1)
	}
}

func (m Mutation[Vars, R]) commit(ctx context.Context, e *Engine, scope string, vars Vars, data R, mc *MutationContext) {
	e.store.Batch(ctx, func(b *Batch) {
		for _, w := range m.Commit {
			k := w.Key(scope, vars, data)
			cur, present := b.Get(k)
			out, ok, err := w.apply(cur, present, vars, data)
			if err != nil {
				e.log.Warn("commit write skipped", Fields{"key": k.String(), "err": err})
				continue
			}
			if ok {
				b.Set(k, out)
			}
		}
	})
	mc.State = StateCommitted

	var t Touch
	if m.Touch != nil {
		t = m.Touch(vars, data)
	}
	if t.Event == "" {
		t.Event = m.Event
	}
	e.router.Invalidate(m.Entity, scope, t)
	if e.relay != nil && m.Event != "" {
		e.relay.Send(ctx, m.Entity, scope, m.Event, t)
	}
}

// rollback restores snapshots newest first.
func (m Mutation[Vars, R]) rollback(ctx context.Context, e *Engine, mc *MutationContext) {
	e.store.Batch(ctx, func(b *Batch) {
		for i := len(mc.Snapshots) - 1; i >= 0; i-- {
			b.Restore(mc.Snapshots[i])
		}
	})
	mc.State = StateRolledBack
}

// Handle is the hook surface of one mutation: fire-and-forget or awaited
// calls plus pending/error state for rendering.
type Handle[Vars, R any] struct {
	m     Mutation[Vars, R]
	e     *Engine
	guard Guard

	mu      sync.Mutex
	pending int
	err     *ClassifiedError
	wg      sync.WaitGroup
}

// Bind ties m to an engine and the guard that supplies the acting scope.
// nil guard means Anonymous.
func (m Mutation[Vars, R]) Bind(e *Engine, guard Guard) *Handle[Vars, R] {
	if guard == nil {
		guard = Anonymous
	}
	return &Handle[Vars, R]{m: m, e: e, guard: guard}
}

// MutateAsync runs the mutation and waits for it (or for ctx).
func (h *Handle[Vars, R]) MutateAsync(ctx context.Context, vars Vars) (R, error) {
	var zero R
	res, err := h.run(ctx, vars)
	if err != nil {
		return zero, err
	}
	select {
	case <-ctx.Done():
		return zero, ctx.Err()
	case out := <-res:
		return out.data, out.err
	}
}

// Mutate fires the mutation and calls onSettled (if not nil) when it settles.
// The optimistic patches are applied before Mutate returns.
func (h *Handle[Vars, R]) Mutate(vars Vars, onSettled func(R, error)) {
	res, err := h.run(context.Background(), vars)
	if err != nil {
		if onSettled != nil {
			var zero R
			onSettled(zero, err)
		}
		return
	}
	go func() {
		out := <-res
		if onSettled != nil {
			onSettled(out.data, out.err)
		}
	}()
}

func (h *Handle[Vars, R]) run(ctx context.Context, vars Vars) (<-chan outcome[R], error) {
	p, err := h.guard.Check(ctx)
	if err != nil {
		cerr := Classify(err)
		h.setErr(cerr)
		return nil, cerr
	}
	h.mu.Lock()
	h.pending++
	h.mu.Unlock()
	h.wg.Add(1)

	done, err := h.m.start(ctx, h.e, p.Scope(), vars)
	if err != nil {
		h.finish(Classify(err))
		return nil, err
	}
	res := make(chan outcome[R], 1)
	go func() {
		out := <-done
		h.finish(Classify(out.err))
		res <- out
	}()
	return res, nil
}

// IsPending reports whether any invocation has not settled yet.
func (h *Handle[Vars, R]) IsPending() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.pending > 0
}

// Err is the error of the last settled invocation, nil after a success.
func (h *Handle[Vars, R]) Err() *ClassifiedError {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.err
}

// Reset clears Err.
func (h *Handle[Vars, R]) Reset() { h.setErr(nil) }

// Wait blocks until every started invocation has settled.
func (h *Handle[Vars, R]) Wait() { h.wg.Wait() }

func (h *Handle[Vars, R]) setErr(err *ClassifiedError) {
	h.mu.Lock()
	h.err = err
	h.mu.Unlock()
}

func (h *Handle[Vars, R]) finish(err *ClassifiedError) {
	h.mu.Lock()
	h.pending--
	h.err = err
	h.mu.Unlock()
	h.wg.Done()
}
