package util

import (
	"strconv"
	"strings"

	"github.com/cespare/xxhash/v2"
)

// EncodeKey joins key segments into one provider key of the form
// prefix/seg1/seg2. '/' and '\' inside a segment are escaped with '\' so that
// two different segment lists never encode to the same string.
func EncodeKey(prefix string, segs []string) string {
	var b strings.Builder
	n := len(prefix)
	for _, s := range segs {
		n += len(s) + 1
	}
	b.Grow(n)
	b.WriteString(prefix)
	for _, s := range segs {
		b.WriteByte('/')
		for i := 0; i < len(s); i++ {
			c := s[i]
			if c == '/' || c == '\\' {
				b.WriteByte('\\')
			}
			b.WriteByte(c)
		}
	}
	return b.String()
}

// MaxKeyLen bounds provider keys. Redis and memcached-style stores degrade or
// refuse on very long keys.
const MaxKeyLen = 200

const shortHead = MaxKeyLen - 18

// Shorten returns s unchanged when it fits MaxKeyLen. Longer keys become
// "#<xxhash of s>/<head of s>". Encoded keys never start with '#', so a
// shortened key cannot equal an unshortened one.
func Shorten(s string) string {
	if len(s) <= MaxKeyLen {
		return s
	}
	var b strings.Builder
	b.Grow(MaxKeyLen)
	b.WriteByte('#')
	h := strconv.FormatUint(xxhash.Sum64String(s), 16)
	b.WriteString(strings.Repeat("0", 16-len(h)))
	b.WriteString(h)
	b.WriteByte('/')
	b.WriteString(s[:shortHead])
	return b.String()
}
