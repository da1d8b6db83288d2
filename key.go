package mutacache

import (
	"fmt"
	"strconv"

	"github.com/unkn0wn-root/mutacache/internal/util"
)

// Key is a hierarchical cache key such as [cart, u1, detail, p9].
// Keys are compared by value; use Equal, never ==.
type Key []string

// K builds a key from strings and integers. Other types are formatted with %v.
func K(segs ...any) Key {
	k := make(Key, len(segs))
	for i, s := range segs {
		switch v := s.(type) {
		case string:
			k[i] = v
		case int:
			k[i] = strconv.Itoa(v)
		case int64:
			k[i] = strconv.FormatInt(v, 10)
		case uint64:
			k[i] = strconv.FormatUint(v, 10)
		default:
			k[i] = fmt.Sprint(v)
		}
	}
	return k
}

// Append returns a new key; k is never modified.
func (k Key) Append(segs ...string) Key {
	out := make(Key, 0, len(k)+len(segs))
	out = append(out, k...)
	return append(out, segs...)
}

// HasPrefix reports whether p is an initial subsequence of k.
// Every key has the empty prefix.
func (k Key) HasPrefix(p Key) bool {
	if len(p) > len(k) {
		return false
	}
	for i := range p {
		if k[i] != p[i] {
			return false
		}
	}
	return true
}

func (k Key) Equal(o Key) bool {
	return len(k) == len(o) && k.HasPrefix(o)
}

// Entity returns the first segment.
func (k Key) Entity() string {
	if len(k) == 0 {
		return ""
	}
	return k[0]
}

// String is the provider key for k. Very long keys are shortened with a hash.
func (k Key) String() string { return util.Shorten(util.EncodeKey("q", k)) }
