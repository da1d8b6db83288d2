// Package otelhooks counts mutacache hook events with OpenTelemetry metrics.
//
// Channel names and storage keys carry user ids, so they are never used as
// attributes; only entity, operation, category and reason are.
package otelhooks

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/unkn0wn-root/mutacache"
)

const (
	MetricCommitted         = "mutacache.mutation.committed"
	MetricAttempts          = "mutacache.mutation.attempts"
	MetricRolledBack        = "mutacache.mutation.rolled_back"
	MetricStaleReads        = "mutacache.read.discarded"
	MetricEvicted           = "mutacache.entry.evicted"
	MetricProviderErrors    = "mutacache.provider.errors"
	MetricBroadcastFailed   = "mutacache.broadcast.failed"
	MetricBroadcastRejected = "mutacache.broadcast.rejected"
)

type Hooks struct {
	committed  metric.Int64Counter
	attempts   metric.Int64Histogram
	rolledBack metric.Int64Counter
	discarded  metric.Int64Counter
	evicted    metric.Int64Counter
	provider   metric.Int64Counter
	failed     metric.Int64Counter
	rejected   metric.Int64Counter
}

var _ mutacache.Hooks = (*Hooks)(nil)

// New registers the instruments on meter.
func New(meter metric.Meter) (*Hooks, error) {
	h := &Hooks{}
	counters := []struct {
		dst        *metric.Int64Counter
		name, desc string
		unit       string
	}{
		{&h.committed, MetricCommitted, "Mutations that committed authoritative data", "{mutation}"},
		{&h.rolledBack, MetricRolledBack, "Mutation attempts rolled back", "{attempt}"},
		{&h.discarded, MetricStaleReads, "Reads dropped because their entry was cancelled", "{read}"},
		{&h.evicted, MetricEvicted, "Entries dropped by the store", "{entry}"},
		{&h.provider, MetricProviderErrors, "Failed value provider calls", "{error}"},
		{&h.failed, MetricBroadcastFailed, "Broadcasts that could not be published", "{broadcast}"},
		{&h.rejected, MetricBroadcastRejected, "Incoming broadcasts ignored", "{broadcast}"},
	}
	for _, c := range counters {
		ctr, err := meter.Int64Counter(c.name, metric.WithDescription(c.desc), metric.WithUnit(c.unit))
		if err != nil {
			return nil, err
		}
		*c.dst = ctr
	}
	hist, err := meter.Int64Histogram(MetricAttempts,
		metric.WithDescription("Attempts a committed mutation needed"),
		metric.WithUnit("{attempt}"),
	)
	if err != nil {
		return nil, err
	}
	h.attempts = hist
	return h, nil
}

func (h *Hooks) MutationCommitted(entity, operation string, attempts int) {
	opt := metric.WithAttributes(
		attribute.String("entity", entity),
		attribute.String("operation", operation),
	)
	h.committed.Add(context.Background(), 1, opt)
	h.attempts.Record(context.Background(), int64(attempts), opt)
}

func (h *Hooks) MutationRolledBack(entity, operation string, category mutacache.Category, retrying bool) {
	h.rolledBack.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("entity", entity),
		attribute.String("operation", operation),
		attribute.String("category", category.String()),
		attribute.Bool("retrying", retrying),
	))
}

func (h *Hooks) StaleReadDiscarded(string) {
	h.discarded.Add(context.Background(), 1)
}

func (h *Hooks) EntryEvicted(_, reason string) {
	h.evicted.Add(context.Background(), 1, metric.WithAttributes(attribute.String("reason", reason)))
}

func (h *Hooks) ProviderError(op, _ string, _ error) {
	h.provider.Add(context.Background(), 1, metric.WithAttributes(attribute.String("op", op)))
}

func (h *Hooks) BroadcastFailed(string, error) {
	h.failed.Add(context.Background(), 1)
}

func (h *Hooks) BroadcastRejected(_, reason string) {
	h.rejected.Add(context.Background(), 1, metric.WithAttributes(attribute.String("reason", reason)))
}
