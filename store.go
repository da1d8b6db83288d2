package mutacache

import (
	"context"
	"sync"
	"time"

	gen "github.com/unkn0wn-root/mutacache/genstore"
	"github.com/unkn0wn-root/mutacache/internal/wire"
	pr "github.com/unkn0wn-root/mutacache/provider"
	"github.com/unkn0wn-root/mutacache/provider/memory"
)

const (
	defaultGenSweep     = time.Hour
	defaultGenRetention = 24 * time.Hour
)

// Options configure a Store. Everything is optional.
type Options struct {
	Provider pr.Provider  // nil => provider/memory
	GenStore gen.GenStore // nil => LocalGenStore (in-process)
	Logger   Logger       // nil => NopLogger
	Hooks    Hooks        // nil => NopHooks

	// Entities supply per-entity GC times. Keys of unlisted entities use GCTime.
	Entities []Entity
	GCTime   time.Duration // 0 => 5m
	// DisableGC keeps unobserved entries until Remove or Close.
	DisableGC bool

	// Now is the clock used for lastFetchedAt and freshness; nil => time.Now.
	Now func() time.Time
}

// EventKind tells observers what happened to an entry.
type EventKind int

const (
	// EventUpdated: the value was written, restored or cleared.
	EventUpdated EventKind = iota
	// EventInvalidated: the entry was marked stale; its value is unchanged.
	EventInvalidated
	// EventRemoved: the entry was evicted.
	EventRemoved
)

func (k EventKind) String() string {
	switch k {
	case EventUpdated:
		return "updated"
	case EventInvalidated:
		return "invalidated"
	case EventRemoved:
		return "removed"
	default:
		return "unknown"
	}
}

type Event struct {
	Kind EventKind
	Key  Key
}

// EntryInfo is a read-only view of an entry's bookkeeping.
type EntryInfo struct {
	Key           Key
	Present       bool
	Stale         bool
	LastFetchedAt time.Time
	Observers     int
}

// Snapshot is the pre-mutation state of one entry, captured by value.
type Snapshot struct {
	Key       Key
	Present   bool
	Payload   []byte
	Stale     bool
	FetchedAt time.Time
}

type entry struct {
	key       Key
	id        string
	present   bool
	stale     bool
	fetchedAt time.Time
	rev       uint64
	observers int
	gcTimer   *time.Timer
}

type watcher struct {
	prefix Key
	fn     func(Event)
}

// Store is the shared cache. It never returns errors: provider failures are
// logged, reported through Hooks and read as misses.
//
// Every operation runs under one mutex; Batch groups several operations into
// one critical section. Watchers are called synchronously after the mutex is
// released and before the operation returns.
type Store struct {
	mu       sync.Mutex
	entries  map[string]*entry
	provider pr.Provider
	gens     gen.GenStore
	log      Logger
	hooks    Hooks
	gcTimes  map[string]time.Duration
	gcTime   time.Duration
	gcOff    bool
	now      func() time.Time

	watchers map[uint64]watcher
	nextW    uint64
	pending  []Event
	closed   bool
}

func NewStore(opts Options) *Store {
	s := &Store{
		entries:  make(map[string]*entry),
		provider: opts.Provider,
		gens:     opts.GenStore,
		gcTimes:  make(map[string]time.Duration, len(opts.Entities)),
		gcTime:   coalesce(opts.GCTime, defaultGCTime),
		gcOff:    opts.DisableGC,
		now:      opts.Now,
		watchers: make(map[uint64]watcher),
	}
	if s.provider == nil {
		s.provider = memory.New()
	}
	if s.gens == nil {
		s.gens = gen.NewLocalGenStore(defaultGenSweep, defaultGenRetention)
	}
	if s.now == nil {
		s.now = time.Now
	}
	s.log = coalesce[Logger](opts.Logger, NopLogger{}).With(Fields{"component": "store"})
	s.hooks = coalesce[Hooks](opts.Hooks, NopHooks{})
	for _, e := range opts.Entities {
		s.gcTimes[e.Name] = e.Policy.withDefaults().GCTime
	}
	return s
}

func (s *Store) lock() { s.mu.Lock() }

// unlock releases the mutex and delivers the events queued meanwhile.
func (s *Store) unlock() {
	events := s.pending
	s.pending = nil
	var targets [][]func(Event)
	if len(events) > 0 {
		targets = make([][]func(Event), len(events))
		for i, ev := range events {
			for _, w := range s.watchers {
				if ev.Key.HasPrefix(w.prefix) {
					targets[i] = append(targets[i], w.fn)
				}
			}
		}
	}
	s.mu.Unlock()
	for i, ev := range events {
		for _, fn := range targets[i] {
			fn(ev)
		}
	}
}

func (s *Store) emit(kind EventKind, k Key) {
	s.pending = append(s.pending, Event{Kind: kind, Key: k})
}

// Get returns the payload cached under key.
func (s *Store) Get(ctx context.Context, key Key) ([]byte, bool) {
	s.lock()
	defer s.unlock()
	return s.getLocked(ctx, key)
}

// Set replaces the value, clears staleness and stamps lastFetchedAt.
// It reports false only when the provider refused or failed the write.
func (s *Store) Set(ctx context.Context, key Key, payload []byte) bool {
	s.lock()
	defer s.unlock()
	return s.setLocked(ctx, key, payload)
}

// MarkStale flags every entry under prefix as stale and keeps the values.
func (s *Store) MarkStale(prefix Key) int {
	s.lock()
	defer s.unlock()
	return s.markStaleLocked(prefix)
}

// CancelInFlight makes reads of entries under prefix that are currently in
// flight drop their results. Reads are not aborted.
func (s *Store) CancelInFlight(ctx context.Context, prefix Key) int {
	s.lock()
	defer s.unlock()
	return s.cancelLocked(ctx, prefix)
}

// Remove evicts every entry under prefix. In-flight reads of those entries
// are cancelled so they cannot bring the values back.
func (s *Store) Remove(ctx context.Context, prefix Key) int {
	s.lock()
	defer s.unlock()
	return s.removeLocked(ctx, prefix)
}

func (s *Store) Info(key Key) (EntryInfo, bool) {
	s.lock()
	defer s.unlock()
	return s.infoLocked(key)
}

// Len is the number of entries, with or without a value.
func (s *Store) Len() int {
	s.lock()
	defer s.unlock()
	return len(s.entries)
}

// Batch runs fn with the store locked. fn must not block on I/O other than
// provider calls and must not call Store methods (use b).
func (s *Store) Batch(ctx context.Context, fn func(b *Batch)) {
	s.lock()
	defer s.unlock()
	fn(&Batch{s: s, ctx: ctx})
}

// Watch calls fn for every event on a key under prefix until stop is called.
func (s *Store) Watch(prefix Key, fn func(Event)) (stop func()) {
	s.lock()
	id := s.nextW
	s.nextW++
	s.watchers[id] = watcher{prefix: prefix.Append(), fn: fn}
	s.unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.lock()
			delete(s.watchers, id)
			s.unlock()
		})
	}
}

// Retain registers an observer of key. While retained the entry is never
// garbage collected; release starts the GC countdown once the last observer
// is gone.
func (s *Store) Retain(key Key) (release func()) {
	s.lock()
	e := s.ensure(key)
	e.observers++
	if e.gcTimer != nil {
		e.gcTimer.Stop()
		e.gcTimer = nil
	}
	s.unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.lock()
			defer s.unlock()
			if s.entries[e.id] != e {
				return
			}
			e.observers--
			s.scheduleGC(e)
		})
	}
}

// Close stops GC timers and closes the generation store and provider.
func (s *Store) Close(ctx context.Context) error {
	s.lock()
	if s.closed {
		s.unlock()
		return nil
	}
	s.closed = true
	for _, e := range s.entries {
		if e.gcTimer != nil {
			e.gcTimer.Stop()
		}
	}
	s.unlock()

	_ = s.gens.Close(ctx)
	return s.provider.Close(ctx)
}

// ---- locked internals ----

func (s *Store) ensure(key Key) *entry {
	id := key.String()
	if e, ok := s.entries[id]; ok {
		return e
	}
	e := &entry{key: key.Append(), id: id}
	s.entries[id] = e
	s.scheduleGC(e)
	return e
}

func (s *Store) gcTimeFor(k Key) time.Duration {
	if d, ok := s.gcTimes[k.Entity()]; ok {
		return d
	}
	return s.gcTime
}

func (s *Store) scheduleGC(e *entry) {
	if s.gcOff || s.closed || e.observers > 0 {
		return
	}
	if e.gcTimer != nil {
		e.gcTimer.Stop()
	}
	e.gcTimer = time.AfterFunc(s.gcTimeFor(e.key), func() { s.collect(e) })
}

func (s *Store) collect(e *entry) {
	s.lock()
	defer s.unlock()
	if s.closed || s.entries[e.id] != e || e.observers > 0 {
		return
	}
	if e.present {
		if err := s.provider.Del(context.Background(), e.id); err != nil {
			s.providerErr("del", e.id, err)
		}
	}
	delete(s.entries, e.id)
	s.hooks.EntryEvicted(e.id, "gc")
	s.emit(EventRemoved, e.key)
}

func (s *Store) providerErr(op, id string, err error) {
	s.hooks.ProviderError(op, id, err)
	s.log.Warn("provider error", Fields{"op": op, "key": id, "err": err})
}

func (s *Store) dropValue(e *entry, reason string) {
	e.present = false
	s.hooks.EntryEvicted(e.id, reason)
	s.log.Debug("value dropped", Fields{"key": e.id, "reason": reason})
}

func (s *Store) getLocked(ctx context.Context, key Key) ([]byte, bool) {
	e, ok := s.entries[key.String()]
	if !ok || !e.present {
		return nil, false
	}
	raw, ok, err := s.provider.Get(ctx, e.id)
	if err != nil {
		s.providerErr("get", e.id, err)
		return nil, false
	}
	if !ok {
		s.dropValue(e, "provider_miss")
		return nil, false
	}
	rev, payload, err := wire.DecodeValue(raw)
	if err != nil || rev != e.rev {
		_ = s.provider.Del(ctx, e.id)
		s.dropValue(e, "corrupt")
		return nil, false
	}
	return payload, true
}

func (s *Store) setLocked(ctx context.Context, key Key, payload []byte) bool {
	e := s.ensure(key)
	rev := e.rev + 1
	frame := wire.EncodeValue(rev, payload)
	ok, err := s.provider.Set(ctx, e.id, frame, int64(len(frame)), 0)
	if err != nil {
		s.providerErr("set", e.id, err)
		return false
	}
	if !ok {
		s.hooks.EntryEvicted(e.id, "provider_reject")
		return false
	}
	e.rev = rev
	e.present = true
	e.stale = false
	e.fetchedAt = s.now()
	s.emit(EventUpdated, e.key)
	return true
}

func (s *Store) match(prefix Key) []*entry {
	var out []*entry
	for _, e := range s.entries {
		if e.key.HasPrefix(prefix) {
			out = append(out, e)
		}
	}
	return out
}

func (s *Store) markStaleLocked(prefix Key) int {
	n := 0
	for _, e := range s.match(prefix) {
		e.stale = true
		if e.present {
			n++
			s.emit(EventInvalidated, e.key)
		}
	}
	return n
}

func (s *Store) cancelLocked(ctx context.Context, prefix Key) int {
	matched := s.match(prefix)
	if len(matched) == 0 {
		return 0
	}
	ids := make([]string, len(matched))
	for i, e := range matched {
		ids[i] = e.id
	}
	if err := s.gens.BumpMany(ctx, ids); err != nil {
		s.providerErr("gen", prefix.String(), err)
	}
	return len(ids)
}

func (s *Store) removeLocked(ctx context.Context, prefix Key) int {
	matched := s.match(prefix)
	if len(matched) == 0 {
		return 0
	}
	s.cancelLocked(ctx, prefix)
	for _, e := range matched {
		if e.present {
			if err := s.provider.Del(ctx, e.id); err != nil {
				s.providerErr("del", e.id, err)
			}
		}
		if e.gcTimer != nil {
			e.gcTimer.Stop()
		}
		delete(s.entries, e.id)
		s.emit(EventRemoved, e.key)
	}
	return len(matched)
}

func (s *Store) infoLocked(key Key) (EntryInfo, bool) {
	e, ok := s.entries[key.String()]
	if !ok {
		return EntryInfo{}, false
	}
	return EntryInfo{
		Key:           e.key.Append(),
		Present:       e.present,
		Stale:         e.stale,
		LastFetchedAt: e.fetchedAt,
		Observers:     e.observers,
	}, true
}

func (s *Store) snapshotLocked(ctx context.Context, key Key) Snapshot {
	snap := Snapshot{Key: key.Append()}
	payload, ok := s.getLocked(ctx, key)
	if e, exists := s.entries[key.String()]; exists {
		snap.Stale = e.stale
		snap.FetchedAt = e.fetchedAt
	}
	if ok {
		snap.Present = true
		snap.Payload = append([]byte(nil), payload...)
	}
	return snap
}

func (s *Store) restoreLocked(ctx context.Context, snap Snapshot) {
	if snap.Present {
		if !s.setLocked(ctx, snap.Key, snap.Payload) {
			return
		}
		e := s.entries[snap.Key.String()]
		e.stale = snap.Stale
		e.fetchedAt = snap.FetchedAt
		return
	}
	e, ok := s.entries[snap.Key.String()]
	if !ok {
		return
	}
	if e.present {
		if err := s.provider.Del(ctx, e.id); err != nil {
			s.providerErr("del", e.id, err)
		}
		e.present = false
		s.emit(EventUpdated, e.key)
	}
	e.stale = snap.Stale
	e.fetchedAt = snap.FetchedAt
}

func (s *Store) clearLocked(ctx context.Context, key Key) {
	e, ok := s.entries[key.String()]
	if !ok || !e.present {
		return
	}
	if err := s.provider.Del(ctx, e.id); err != nil {
		s.providerErr("del", e.id, err)
	}
	s.dropValue(e, "corrupt")
	s.emit(EventUpdated, e.key)
}

func (s *Store) genLocked(ctx context.Context, key Key) (uint64, error) {
	e := s.ensure(key)
	g, err := s.gens.Snapshot(ctx, e.id)
	if err != nil {
		s.providerErr("gen", e.id, err)
	}
	return g, err
}

func (s *Store) setIfGenLocked(ctx context.Context, key Key, payload []byte, observed uint64) bool {
	e := s.ensure(key)
	cur, err := s.gens.Snapshot(ctx, e.id)
	if err != nil {
		s.providerErr("gen", e.id, err)
		return false
	}
	if cur != observed {
		s.hooks.StaleReadDiscarded(e.id)
		s.log.Debug("read discarded (cancelled)", Fields{"key": e.id, "observed": observed, "current": cur})
		return false
	}
	return s.setLocked(ctx, key, payload)
}

// Batch exposes store operations inside one critical section.
type Batch struct {
	s   *Store
	ctx context.Context
}

func (b *Batch) Get(key Key) ([]byte, bool)       { return b.s.getLocked(b.ctx, key) }
func (b *Batch) Set(key Key, payload []byte) bool { return b.s.setLocked(b.ctx, key, payload) }
func (b *Batch) MarkStale(prefix Key) int         { return b.s.markStaleLocked(prefix) }
func (b *Batch) CancelInFlight(prefix Key) int    { return b.s.cancelLocked(b.ctx, prefix) }
func (b *Batch) Remove(prefix Key) int            { return b.s.removeLocked(b.ctx, prefix) }

// Clear drops the value of key only; entries below it are untouched.
func (b *Batch) Clear(key Key)                  { b.s.clearLocked(b.ctx, key) }
func (b *Batch) Info(key Key) (EntryInfo, bool) { return b.s.infoLocked(key) }
func (b *Batch) Snapshot(key Key) Snapshot      { return b.s.snapshotLocked(b.ctx, key) }

// Restore puts snap back verbatim: value, staleness and lastFetchedAt.
// An absent snapshot clears the value.
func (b *Batch) Restore(snap Snapshot) { b.s.restoreLocked(b.ctx, snap) }

// Gen returns key's read generation, creating the entry if needed.
func (b *Batch) Gen(key Key) (uint64, error) { return b.s.genLocked(b.ctx, key) }

// SetIfGen writes only if key's generation still equals observed.
func (b *Batch) SetIfGen(key Key, payload []byte, observed uint64) bool {
	return b.s.setIfGenLocked(b.ctx, key, payload, observed)
}
