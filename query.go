package mutacache

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"golang.org/x/sync/singleflight"

	c "github.com/unkn0wn-root/mutacache/codec"
)

// Runner executes reads through a Store. Concurrent runs of one key share a
// single fetch.
type Runner struct {
	store *Store
	sf    singleflight.Group
	log   Logger
}

func NewRunner(s *Store) *Runner {
	return &Runner{
		store: s,
		log:   s.log.With(Fields{"component": "query"}),
	}
}

func (r *Runner) Store() *Store { return r.store }

// QueryPolicy holds per-query switches on top of the entity Policy.
type QueryPolicy struct {
	// Disabled queries never fetch; Run returns ErrQueryDisabled.
	Disabled bool
	// Retry decides whether to try again after the attempt-th failure
	// (1-based). nil retries transient errors up to Policy.QueryRetries times.
	Retry func(attempt int, err *ClassifiedError) bool
}

// Query is one cached read.
type Query[V any] struct {
	Entity Entity
	Key    Key
	Codec  c.Codec[V]
	Fetch  func(ctx context.Context) (V, error)
	Policy QueryPolicy
}

// Run returns the cached value when it is fresh, otherwise fetches (with
// retry) and caches the result.
//
// A mutation that writes optimistically to Key while the fetch is in flight
// cancels it: the fetched value is dropped and Run returns whatever is cached
// at commit time. A failed fetch leaves the cache untouched.
func (q Query[V]) Run(ctx context.Context, r *Runner) (V, error) {
	return q.run(ctx, r, false)
}

func (q Query[V]) run(ctx context.Context, r *Runner, force bool) (V, error) {
	var zero V
	if q.Policy.Disabled {
		return zero, ErrQueryDisabled
	}
	view := NewView(r.store, q.Codec)
	if !force {
		if v, ok := q.fresh(ctx, r, view); ok {
			return v, nil
		}
	}

	ch := r.sf.DoChan(q.Key.String(), func() (any, error) {
		return q.fetch(context.WithoutCancel(ctx), r)
	})
	select {
	case <-ctx.Done():
		return zero, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return zero, res.Err
		}
		v, err := q.Codec.Decode(res.Val.([]byte))
		if err != nil {
			return zero, Classify(err)
		}
		return v, nil
	}
}

func (q Query[V]) fresh(ctx context.Context, r *Runner, view View[V]) (V, bool) {
	var zero V
	stale := q.Entity.Policy.StaleTime
	if stale <= 0 {
		return zero, false
	}
	info, ok := r.store.Info(q.Key)
	if !ok || !info.Present || info.Stale || r.store.now().Sub(info.LastFetchedAt) >= stale {
		return zero, false
	}
	return view.Get(ctx, q.Key)
}

// fetch returns the encoded value to hand to every waiting caller.
func (q Query[V]) fetch(ctx context.Context, r *Runner) ([]byte, error) {
	var (
		gen    uint64
		genErr error
	)
	r.store.Batch(ctx, func(b *Batch) { gen, genErr = b.Gen(q.Key) })

	pol := q.Entity.Policy.withDefaults()
	retry := q.Policy.Retry
	if retry == nil {
		retry = func(attempt int, err *ClassifiedError) bool {
			return err.Retryable() && attempt <= pol.QueryRetries
		}
	}
	log := r.log.With(Fields{"key": q.Key.String()})

	attempt := 0
	v, err := backoff.Retry(ctx, func() (V, error) {
		attempt++
		v, err := q.Fetch(ctx)
		if err == nil {
			return v, nil
		}
		cerr := Classify(err)
		if !retry(attempt, cerr) {
			return v, backoff.Permanent(cerr)
		}
		return v, cerr
	},
		backoff.WithBackOff(pol.backOff()),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(func(err error, next time.Duration) {
			log.Debug("fetch failed; retrying", Fields{"attempt": attempt, "next": next, "err": err})
		}),
	)
	if err != nil {
		log.Warn("fetch failed", Fields{"attempts": attempt, "err": err})
		return nil, Classify(err)
	}

	raw, err := q.Codec.Encode(v)
	if err != nil {
		return nil, Classify(err)
	}
	if genErr != nil {
		// Without a generation the write cannot be guarded; serve uncached.
		return raw, nil
	}

	out := raw
	r.store.Batch(ctx, func(b *Batch) {
		if b.SetIfGen(q.Key, raw, gen) {
			return
		}
		if cur, ok := b.Get(q.Key); ok {
			out = append([]byte(nil), cur...)
		}
	})
	return out, nil
}

// QueryState is what an observer renders.
type QueryState[V any] struct {
	Data    V
	HasData bool
	// IsLoading: a fetch is running and there is nothing to show yet.
	IsLoading bool
	// IsFetching: a fetch is running, with or without data.
	IsFetching bool
	IsStale    bool
	Err        *ClassifiedError
	// Disabled queries show a non-loading empty state.
	Disabled bool
	// Unauthenticated: the guard rejected the session; nothing was fetched.
	Unauthenticated bool
}

// Observer keeps one query mounted: it retains the entry, follows store
// events and refetches in the background when the entry is invalidated.
type Observer[V any] struct {
	q     Query[V]
	r     *Runner
	view  View[V]
	ctx   context.Context
	stop  context.CancelFunc
	wg    sync.WaitGroup
	watch func()

	mu       sync.Mutex
	state    QueryState[V]
	subs     map[int]func(QueryState[V])
	nextSub  int
	release  func()
	fetching bool
	closed   bool
}

// Observe mounts q. The guard is evaluated once: user-specific queries whose
// guard fails stay in the Unauthenticated state and never fetch. nil guard
// means Anonymous.
func (q Query[V]) Observe(ctx context.Context, r *Runner, guard Guard) *Observer[V] {
	bg, cancel := context.WithCancel(context.WithoutCancel(ctx))
	o := &Observer[V]{
		q:    q,
		r:    r,
		view: NewView(r.store, q.Codec),
		ctx:  bg,
		stop: cancel,
		subs: make(map[int]func(QueryState[V])),
	}
	if guard == nil {
		guard = Anonymous
	}
	if q.Entity.Isolation == UserSpecific {
		if _, err := guard.Check(ctx); err != nil {
			o.state.Unauthenticated = true
			o.state.Err = Classify(err)
			o.closed = true
			cancel()
			return o
		}
	}

	o.release = r.store.Retain(q.Key)
	o.watch = r.store.Watch(q.Key, o.onEvent)
	o.reload(ctx)

	o.mu.Lock()
	o.state.Disabled = q.Policy.Disabled
	o.mu.Unlock()
	if q.Policy.Disabled {
		return o
	}
	if _, fresh := q.fresh(ctx, r, o.view); !fresh {
		o.background()
	}
	return o
}

// State returns the current state.
func (o *Observer[V]) State() QueryState[V] {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// OnChange registers fn for every state change until the returned func is called.
func (o *Observer[V]) OnChange(fn func(QueryState[V])) (cancel func()) {
	o.mu.Lock()
	id := o.nextSub
	o.nextSub++
	o.subs[id] = fn
	o.mu.Unlock()
	return func() {
		o.mu.Lock()
		delete(o.subs, id)
		o.mu.Unlock()
	}
}

// Refetch fetches regardless of freshness and waits for the result.
func (o *Observer[V]) Refetch(ctx context.Context) (V, error) {
	var zero V
	o.mu.Lock()
	if o.state.Unauthenticated {
		err := o.state.Err
		o.mu.Unlock()
		return zero, err
	}
	o.mu.Unlock()
	return o.fetch(ctx, false)
}

// Close unmounts the observer and waits for its background fetch.
func (o *Observer[V]) Close() {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return
	}
	o.closed = true
	o.mu.Unlock()

	o.stop()
	o.watch()
	o.wg.Wait()
	o.mu.Lock()
	release := o.release
	o.mu.Unlock()
	release()
}

func (o *Observer[V]) fetch(ctx context.Context, background bool) (V, error) {
	o.update(func(s *QueryState[V]) {
		s.IsFetching = true
		s.IsLoading = !s.HasData
	})
	v, err := o.q.run(ctx, o.r, true)
	o.update(func(s *QueryState[V]) {
		if background {
			o.fetching = false
		}
		s.IsFetching = false
		s.IsLoading = false
		if err != nil {
			if errors.Is(err, ErrQueryDisabled) {
				s.Disabled = true
				return
			}
			s.Err = Classify(err)
			return
		}
		s.Err = nil
		s.Data, s.HasData, s.IsStale = v, true, false
	})
	return v, err
}

func (o *Observer[V]) background() {
	o.mu.Lock()
	if o.closed || o.fetching {
		o.mu.Unlock()
		return
	}
	o.fetching = true
	o.wg.Add(1)
	o.mu.Unlock()

	go func() {
		defer o.wg.Done()
		_, _ = o.fetch(o.ctx, true)
	}()
}

func (o *Observer[V]) onEvent(ev Event) {
	if !ev.Key.Equal(o.q.Key) {
		return
	}
	switch ev.Kind {
	case EventUpdated:
		o.reload(o.ctx)
	case EventInvalidated:
		o.update(func(s *QueryState[V]) { s.IsStale = true })
		if !o.q.Policy.Disabled {
			o.background()
		}
	case EventRemoved:
		o.update(func(s *QueryState[V]) {
			var zero V
			s.Data, s.HasData = zero, false
		})
		o.mu.Lock()
		if o.closed {
			o.mu.Unlock()
			return
		}
		old := o.release
		o.release = o.r.store.Retain(o.q.Key)
		o.mu.Unlock()
		old()
	}
}

func (o *Observer[V]) reload(ctx context.Context) {
	v, ok := o.view.Get(ctx, o.q.Key)
	info, _ := o.r.store.Info(o.q.Key)
	o.update(func(s *QueryState[V]) {
		if ok {
			s.Data, s.HasData = v, true
		} else {
			var zero V
			s.Data, s.HasData = zero, false
		}
		s.IsStale = info.Stale
	})
}

func (o *Observer[V]) update(fn func(*QueryState[V])) {
	o.mu.Lock()
	fn(&o.state)
	st := o.state
	subs := make([]func(QueryState[V]), 0, len(o.subs))
	for _, s := range o.subs {
		subs = append(subs, s)
	}
	o.mu.Unlock()
	for _, s := range subs {
		s(st)
	}
}
