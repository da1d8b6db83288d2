package mutacache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	c "github.com/unkn0wn-root/mutacache/codec"
)

// AnyEvent subscribes to every event of a channel.
const AnyEvent = "*"

// ErrNoAdminView is returned by Listen for admin subscriptions to entities
// without an admin view.
var ErrNoAdminView = errors.New("mutacache: entity has no admin view")

// Transport is the realtime pub/sub channel. Implementations live under
// transport/. Handlers may be called from any goroutine.
type Transport interface {
	// Subscribe delivers payloads published to (channel, event). event may be
	// AnyEvent.
	Subscribe(channel, event string, handler func(payload []byte)) error
	// Unsubscribe drops every subscription on channel.
	Unsubscribe(channel string) error
	Publish(ctx context.Context, channel, event string, payload []byte) error
}

// Envelope is what goes over the wire for one committed mutation.
type Envelope struct {
	Entity       string    `msgpack:"entity" json:"entity"`
	Scope        string    `msgpack:"scope" json:"scope"`
	Event        string    `msgpack:"event" json:"event"`
	Origin       string    `msgpack:"origin" json:"origin"`
	IDs          []string  `msgpack:"ids,omitempty" json:"ids,omitempty"`
	Subresources []string  `msgpack:"subs,omitempty" json:"subs,omitempty"`
	SentAt       time.Time `msgpack:"sent_at" json:"sent_at"`
}

// Subscriber is the local identity receiving broadcasts.
type Subscriber struct {
	Scope string
	// Admin subscribes to the entity's admin channel instead of the scope's.
	Admin bool
}

// Channel is the broadcast channel of e for scope: "<entity>-<scope>" for
// user-specific entities and "<entity>-global" otherwise.
func Channel(e Entity, scope string) string {
	if e.Isolation == Global {
		return e.Name + "-global"
	}
	return e.Name + "-" + scopeSegment(scope)
}

// AdminChannel carries every user's changes to an admin-view entity.
func AdminChannel(e Entity) string { return e.Name + "-admin" }

type RelayOptions struct {
	Codec  c.Codec[Envelope] // nil => codec.Msgpack
	Logger Logger
	Hooks  Hooks
	Now    func() time.Time
}

// Relay publishes committed mutations and turns received ones into
// invalidations. Send never fails; transport errors are logged and dropped.
type Relay struct {
	t      Transport
	router *Router
	codec  c.Codec[Envelope]
	log    Logger
	hooks  Hooks
	now    func() time.Time
	id     string

	mu        sync.Mutex
	listeners map[string]int // per channel
}

func NewRelay(t Transport, router *Router, opts RelayOptions) *Relay {
	r := &Relay{
		t:      t,
		router: router,
		codec:  opts.Codec,
		hooks:  coalesce[Hooks](opts.Hooks, NopHooks{}),
		now:    opts.Now,
		id:     uuid.NewString(),

		listeners: make(map[string]int),
	}
	if r.codec == nil {
		r.codec = c.Msgpack[Envelope]{}
	}
	if r.now == nil {
		r.now = time.Now
	}
	r.log = coalesce[Logger](opts.Logger, NopLogger{}).With(Fields{"component": "relay", "origin": r.id})
	return r
}

// ID identifies this relay in envelopes it sends.
func (r *Relay) ID() string { return r.id }

// Send publishes event for a change to e in scope. Admin-view entities are
// also published on the admin channel.
func (r *Relay) Send(ctx context.Context, e Entity, scope, event string, t Touch) {
	env := Envelope{
		Entity:       e.Name,
		Scope:        scope,
		Event:        event,
		Origin:       r.id,
		IDs:          t.IDs,
		Subresources: t.Subresources,
		SentAt:       r.now().UTC(),
	}
	channels := []string{Channel(e, scope)}
	if e.AdminView && e.Isolation == UserSpecific {
		channels = append(channels, AdminChannel(e))
	}
	payload, err := r.codec.Encode(env)
	if err != nil {
		for _, ch := range channels {
			r.failed(ch, fmt.Errorf("encode envelope: %w", err))
		}
		return
	}
	for _, ch := range channels {
		if err := r.t.Publish(ctx, ch, event, payload); err != nil {
			r.failed(ch, err)
		}
	}
}

func (r *Relay) failed(channel string, err error) {
	r.hooks.BroadcastFailed(channel, err)
	r.log.Warn("broadcast failed", Fields{"channel": channel, "err": err})
}

// Listen subscribes sub to broadcasts about e. Envelopes this relay sent,
// envelopes for another entity and envelopes for another scope are ignored;
// the rest invalidate through the router exactly like a local commit.
// No events means AnyEvent. Several listeners may share a channel; the
// transport subscription is dropped when the last of them stops.
func (r *Relay) Listen(e Entity, sub Subscriber, events ...string) (stop func() error, err error) {
	channel := Channel(e, sub.Scope)
	if sub.Admin {
		if !e.AdminView {
			return nil, ErrNoAdminView
		}
		channel = AdminChannel(e)
	}
	if len(events) == 0 {
		events = []string{AnyEvent}
	}
	var active atomic.Bool
	active.Store(true)
	handler := func(payload []byte) {
		if active.Load() {
			r.receive(e, sub, channel, payload)
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.listeners[channel]++
	for _, ev := range events {
		if err := r.t.Subscribe(channel, ev, handler); err != nil {
			active.Store(false)
			_ = r.releaseLocked(channel)
			return nil, fmt.Errorf("mutacache: subscribe %s/%s: %w", channel, ev, err)
		}
	}
	r.log.Debug("listening", Fields{"channel": channel, "events": events})

	var once sync.Once
	return func() error {
		var err error
		once.Do(func() {
			active.Store(false)
			r.mu.Lock()
			err = r.releaseLocked(channel)
			r.mu.Unlock()
		})
		return err
	}, nil
}

// releaseLocked drops one listener of channel. The transport subscription
// goes away with the last one; earlier listeners are only deactivated.
func (r *Relay) releaseLocked(channel string) error {
	r.listeners[channel]--
	if r.listeners[channel] > 0 {
		return nil
	}
	delete(r.listeners, channel)
	return r.t.Unsubscribe(channel)
}

func (r *Relay) receive(e Entity, sub Subscriber, channel string, payload []byte) {
	env, err := r.codec.Decode(payload)
	if err != nil {
		r.reject(channel, "decode", err)
		return
	}
	if env.Origin == r.id {
		return
	}
	if env.Entity != e.Name {
		r.reject(channel, "entity_mismatch", nil)
		return
	}
	if sub.Admin {
		r.router.InvalidateAdmin(e)
		return
	}
	if e.Isolation == UserSpecific && scopeSegment(env.Scope) != scopeSegment(sub.Scope) {
		r.reject(channel, "scope_mismatch", nil)
		return
	}
	r.router.Invalidate(e, sub.Scope, Touch{IDs: env.IDs, Subresources: env.Subresources, Event: env.Event})
}

func (r *Relay) reject(channel, reason string, err error) {
	r.hooks.BroadcastRejected(channel, reason)
	f := Fields{"channel": channel, "reason": reason}
	if err != nil {
		f["err"] = err
	}
	r.log.Warn("broadcast ignored", f)
}
