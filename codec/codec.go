// Package codec converts cached values and relay envelopes to and from bytes.
//
// The store keeps every value as bytes, so a snapshot taken before an
// optimistic write is an independent copy: decoding it later always yields
// the pre-mutation value no matter what callers did with values they read.
package codec

// Codec encodes/decodes values V to []byte.
type Codec[V any] interface {
	Encode(V) ([]byte, error)
	Decode([]byte) (V, error)
}
