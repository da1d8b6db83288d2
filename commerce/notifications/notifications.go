// Package notifications is the signed-in user's inbox.
package notifications

import (
	"context"
	"slices"
	"time"

	"github.com/unkn0wn-root/mutacache"
	c "github.com/unkn0wn-root/mutacache/codec"
)

var Entity = mutacache.Entity{Name: "notifications", Isolation: mutacache.UserSpecific}

const (
	EventCreated = "created"
	EventRead    = "read"
	EventReadAll = "read_all"
)

type Notification struct {
	ID        string    `cbor:"id"`
	Title     string    `cbor:"title"`
	Body      string    `cbor:"body,omitempty"`
	Read      bool      `cbor:"read"`
	CreatedAt time.Time `cbor:"created_at"`
}

// Unread counts the unread notifications in ns.
func Unread(ns []Notification) int {
	n := 0
	for _, x := range ns {
		if !x.Read {
			n++
		}
	}
	return n
}

type MarkReadInput struct {
	IDs []string
}

// Service is the backend surface of the inbox. MarkRead answers with the
// updated notifications, MarkAllRead with how many changed.
type Service interface {
	Notifications(ctx context.Context) ([]Notification, error)
	MarkRead(ctx context.Context, in MarkReadInput) (mutacache.Result[[]Notification], error)
	MarkAllRead(ctx context.Context) (mutacache.Result[int], error)
}

var (
	keys      = mutacache.KeysFor(Entity)
	listCodec = c.MustCBOR[[]Notification](false)
)

func InboxKey(scope string) mutacache.Key { return keys.List(scope) }

func inboxKeyFor[Vars any](scope string, _ Vars) mutacache.Key { return InboxKey(scope) }

func InboxQuery(svc Service, scope string) mutacache.Query[[]Notification] {
	return mutacache.Query[[]Notification]{Entity: Entity, Key: InboxKey(scope), Codec: listCodec, Fetch: svc.Notifications}
}

func MarkRead(svc Service) mutacache.Mutation[MarkReadInput, []Notification] {
	return mutacache.Mutation[MarkReadInput, []Notification]{
		Entity:    Entity,
		Operation: "mark_read",
		Call:      svc.MarkRead,
		Validate: func(in MarkReadInput) error {
			if len(in.IDs) == 0 {
				return mutacache.NewError(mutacache.CategoryValidation, mutacache.CodeInvalidInput, "no ids")
			}
			return nil
		},
		Optimistic: []mutacache.Patch[MarkReadInput]{
			mutacache.Project(inboxKeyFor[MarkReadInput], listCodec, func(ns []Notification, in MarkReadInput) []Notification {
				out := append([]Notification(nil), ns...)
				for i := range out {
					if slices.Contains(in.IDs, out[i].ID) {
						out[i].Read = true
					}
				}
				return out
			}),
		},
		Commit: []mutacache.Write[MarkReadInput, []Notification]{
			mutacache.MergeInto(func(scope string, _ MarkReadInput, _ []Notification) mutacache.Key { return InboxKey(scope) },
				listCodec, func(ns []Notification, _ MarkReadInput, updated []Notification) []Notification {
					out := append([]Notification(nil), ns...)
					for _, u := range updated {
						for i := range out {
							if out[i].ID == u.ID {
								out[i] = u
							}
						}
					}
					return out
				}),
		},
		Touch: func(in MarkReadInput, _ []Notification) mutacache.Touch { return mutacache.Touch{IDs: in.IDs} },
		Event: EventRead,
	}
}

// MarkAllRead has no authoritative list to store; the inbox is refetched
// through invalidation.
func MarkAllRead(svc Service) mutacache.Mutation[struct{}, int] {
	return mutacache.Mutation[struct{}, int]{
		Entity:    Entity,
		Operation: "mark_all_read",
		Call: func(ctx context.Context, _ struct{}) (mutacache.Result[int], error) {
			return svc.MarkAllRead(ctx)
		},
		Optimistic: []mutacache.Patch[struct{}]{
			mutacache.Project(inboxKeyFor[struct{}], listCodec, func(ns []Notification, _ struct{}) []Notification {
				out := append([]Notification(nil), ns...)
				for i := range out {
					out[i].Read = true
				}
				return out
			}),
		},
		Event: EventReadAll,
	}
}

// Hooks is the UI surface of the inbox.
type Hooks struct {
	runner  *mutacache.Runner
	guard   mutacache.Guard
	svc     Service
	read    *mutacache.Handle[MarkReadInput, []Notification]
	readAll *mutacache.Handle[struct{}, int]
}

func New(eng *mutacache.Engine, runner *mutacache.Runner, guard mutacache.Guard, svc Service) *Hooks {
	if guard == nil {
		guard = mutacache.Anonymous
	}
	return &Hooks{
		runner:  runner,
		guard:   guard,
		svc:     svc,
		read:    MarkRead(svc).Bind(eng, guard),
		readAll: MarkAllRead(svc).Bind(eng, guard),
	}
}

func (h *Hooks) Inbox(ctx context.Context) *mutacache.Observer[[]Notification] {
	p, g, _ := mutacache.Resolve(ctx, h.guard)
	return InboxQuery(h.svc, p.Scope()).Observe(ctx, h.runner, g)
}

// MarkRead is fire-and-forget: the inbox updates at once and onSettled, if
// set, runs when the server answers.
func (h *Hooks) MarkRead(ids []string, onSettled func(error)) {
	h.read.Mutate(MarkReadInput{IDs: ids}, func(_ []Notification, err error) {
		if onSettled != nil {
			onSettled(err)
		}
	})
}

func (h *Hooks) MarkAllRead(ctx context.Context) (int, error) {
	return h.readAll.MutateAsync(ctx, struct{}{})
}

func (h *Hooks) IsMarking() bool { return h.read.IsPending() || h.readAll.IsPending() }

func (h *Hooks) Err() *mutacache.ClassifiedError {
	if err := h.read.Err(); err != nil {
		return err
	}
	return h.readAll.Err()
}

// Wait blocks until every MarkRead and MarkAllRead has settled.
func (h *Hooks) Wait() {
	h.read.Wait()
	h.readAll.Wait()
}

// Sync follows new notifications pushed by the server and reads made on
// other devices.
func (h *Hooks) Sync(ctx context.Context, relay *mutacache.Relay) (stop func() error, err error) {
	p, err := h.guard.Check(ctx)
	if err != nil {
		return nil, err
	}
	return relay.Listen(Entity, mutacache.Subscriber{Scope: p.Scope()}, EventCreated, EventRead, EventReadAll)
}
