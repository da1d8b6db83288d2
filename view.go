package mutacache

import (
	"context"

	c "github.com/unkn0wn-root/mutacache/codec"
)

// View is a typed window onto the store for one codec. Views are cheap
// values; make as many as needed.
type View[V any] struct {
	s     *Store
	codec c.Codec[V]
}

func NewView[V any](s *Store, codec c.Codec[V]) View[V] {
	return View[V]{s: s, codec: codec}
}

// Get decodes the cached value. A value that does not decode is dropped and
// reported as a miss.
func (v View[V]) Get(ctx context.Context, key Key) (V, bool) {
	var (
		out V
		ok  bool
	)
	v.s.Batch(ctx, func(b *Batch) { out, ok = v.get(b, key) })
	return out, ok
}

// Set encodes and stores val.
func (v View[V]) Set(ctx context.Context, key Key, val V) error {
	raw, err := v.codec.Encode(val)
	if err != nil {
		return err
	}
	v.s.Set(ctx, key, raw)
	return nil
}

func (v View[V]) get(b *Batch, key Key) (V, bool) {
	var zero V
	raw, ok := b.Get(key)
	if !ok {
		return zero, false
	}
	val, err := v.codec.Decode(raw)
	if err != nil {
		b.s.log.Warn("cached value does not decode; dropping", Fields{"key": key.String(), "err": err})
		b.Clear(key)
		return zero, false
	}
	return val, true
}
