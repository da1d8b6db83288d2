// Package asynchook moves hook calls off the store and engine hot paths.
// Events are queued to a fixed worker pool and dropped when the queue is full.
//
// usage:
//
//	raw := sloghooks.New(slog.Default(), sloghooks.Options{
//	    EvictEvery:    10, // sample logs: ~every 10th eviction
//	    RejectedEvery: 1,  // log every rejected broadcast
//	})
//
//	hooks := asynchook.New(raw, 1, 1000) // 1 worker; queue 1000 events
//	defer hooks.Close()
//
//	store := mutacache.NewStore(mutacache.Options{
//	    Provider: provider,
//	    Hooks:    hooks, // or `raw` if you don't want async
//	})
package asynchook

import (
	"sync"
	"sync/atomic"

	"github.com/unkn0wn-root/mutacache"
)

type Hooks struct {
	inner mutacache.Hooks
	q     chan func()
	wg    sync.WaitGroup

	mu      sync.RWMutex
	closed  bool
	dropped atomic.Uint64
}

var _ mutacache.Hooks = (*Hooks)(nil)

func New(inner mutacache.Hooks, workers, qlen int) *Hooks {
	if workers <= 0 {
		workers = 1
	}
	if qlen <= 0 {
		qlen = 1024
	}

	h := &Hooks{inner: inner, q: make(chan func(), qlen)}
	h.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer h.wg.Done()
			for f := range h.q {
				f()
			}
		}()
	}
	return h
}

// Close drains the queue and stops the workers. Events after Close are dropped.
func (h *Hooks) Close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	close(h.q)
	h.mu.Unlock()
	h.wg.Wait()
}

// Dropped is the number of events lost to a full queue or a closed h.
func (h *Hooks) Dropped() uint64 { return h.dropped.Load() }

func (h *Hooks) try(f func()) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.closed {
		h.dropped.Add(1)
		return
	}
	select {
	case h.q <- f:
	default: // drop
		h.dropped.Add(1)
	}
}

func (h *Hooks) MutationCommitted(e, op string, n int) {
	h.try(func() { h.inner.MutationCommitted(e, op, n) })
}
func (h *Hooks) MutationRolledBack(e, op string, c mutacache.Category, r bool) {
	h.try(func() { h.inner.MutationRolledBack(e, op, c, r) })
}
func (h *Hooks) StaleReadDiscarded(k string) { h.try(func() { h.inner.StaleReadDiscarded(k) }) }
func (h *Hooks) EntryEvicted(k, r string)    { h.try(func() { h.inner.EntryEvicted(k, r) }) }
func (h *Hooks) BroadcastFailed(ch string, err error) {
	h.try(func() { h.inner.BroadcastFailed(ch, err) })
}
func (h *Hooks) BroadcastRejected(ch, r string) { h.try(func() { h.inner.BroadcastRejected(ch, r) }) }
func (h *Hooks) ProviderError(op, k string, err error) {
	h.try(func() { h.inner.ProviderError(op, k, err) })
}
