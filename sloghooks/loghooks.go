// Package sloghooks reports mutacache hook events through log/slog.
package sloghooks

import (
	"context"
	"log/slog"
	"strconv"
	"sync/atomic"

	"github.com/cespare/xxhash/v2"

	"github.com/unkn0wn-root/mutacache"
)

type Options struct {
	// Sampling to avoid floods; 0/1 = log all.
	DiscardEvery  uint64
	EvictEvery    uint64
	RejectedEvery uint64
	// Optional key redactor. Defaults to an xxhash of the key.
	Redact func(string) string
}

type Hooks struct {
	l    *slog.Logger
	opts Options

	discardCtr  atomic.Uint64
	evictCtr    atomic.Uint64
	rejectedCtr atomic.Uint64
}

var _ mutacache.Hooks = (*Hooks)(nil)

func New(l *slog.Logger, opts Options) *Hooks {
	return &Hooks{l: l, opts: opts}
}

func (h *Hooks) redact(k string) string {
	if h.opts.Redact != nil {
		return h.opts.Redact(k)
	}
	return strconv.FormatUint(xxhash.Sum64String(k), 16)
}

func sample(n uint64, ctr *atomic.Uint64) bool {
	if n == 0 || n == 1 {
		return true
	}
	return ctr.Add(1)%n == 0
}

func (h *Hooks) MutationCommitted(entity, operation string, attempts int) {
	if h.l == nil {
		return
	}
	h.l.Debug("mutacache.mutation_committed",
		"entity", entity,
		"op", operation,
		"attempts", attempts)
}

func (h *Hooks) MutationRolledBack(entity, operation string, category mutacache.Category, retrying bool) {
	if h.l == nil {
		return
	}
	h.l.Info("mutacache.mutation_rolled_back",
		"entity", entity,
		"op", operation,
		"category", category.String(),
		"retrying", retrying)
}

func (h *Hooks) StaleReadDiscarded(storageKey string) {
	if h.l == nil || !sample(h.opts.DiscardEvery, &h.discardCtr) {
		return
	}
	h.l.Debug("mutacache.stale_read_discarded",
		"key", h.redact(storageKey))
}

func (h *Hooks) EntryEvicted(storageKey, reason string) {
	if h.l == nil || !sample(h.opts.EvictEvery, &h.evictCtr) {
		return
	}
	lvl := slog.LevelDebug
	if reason == "corrupt" || reason == "provider_reject" {
		lvl = slog.LevelWarn
	}
	h.l.Log(context.Background(), lvl, "mutacache.entry_evicted",
		"key", h.redact(storageKey),
		"reason", reason)
}

func (h *Hooks) ProviderError(op, storageKey string, err error) {
	if h.l == nil {
		return
	}
	h.l.Warn("mutacache.provider_error",
		"op", op,
		"key", h.redact(storageKey),
		"err", err)
}

func (h *Hooks) BroadcastFailed(channel string, err error) {
	if h.l == nil {
		return
	}
	h.l.Warn("mutacache.broadcast_failed",
		"channel", channel,
		"err", err)
}

func (h *Hooks) BroadcastRejected(channel, reason string) {
	if h.l == nil || !sample(h.opts.RejectedEvery, &h.rejectedCtr) {
		return
	}
	h.l.Warn("mutacache.broadcast_rejected",
		"channel", channel,
		"reason", reason)
}
