package wire

import (
	"bytes"
	"encoding/binary"
	"errors"
)

const (
	version   byte = 1
	kindValue byte = 1
	hdrLen         = 4 + 1 + 1 + 8 + 4
)

var (
	ErrCorrupt = errors.New("mutacache: corrupt entry")
	magic4     = [...]byte{'M', 'U', 'T', 'C'}
)

func hasMagic(b []byte) bool {
	return len(b) >= 4 && bytes.Equal(b[:4], magic4[:])
}

// Value frame: magic(4) | ver(1) | kind(1) | rev(u64 be) | vlen(u32 be) | payload(vlen)
//
// rev is the store's per-entry revision at write time. A frame whose rev does
// not match the index was written by someone else (or is left over from an
// evicted entry) and must not be served.
func EncodeValue(rev uint64, payload []byte) []byte {
	var buf bytes.Buffer
	buf.Grow(hdrLen + len(payload))

	buf.Write(magic4[:])
	buf.WriteByte(version)
	buf.WriteByte(kindValue)

	var u8 [8]byte
	var u4 [4]byte

	binary.BigEndian.PutUint64(u8[:], rev)
	buf.Write(u8[:])

	binary.BigEndian.PutUint32(u4[:], uint32(len(payload)))
	buf.Write(u4[:])

	buf.Write(payload)
	return buf.Bytes()
}

func DecodeValue(b []byte) (rev uint64, payload []byte, err error) {
	if len(b) < hdrLen || !hasMagic(b) || b[4] != version || b[5] != kindValue {
		return 0, nil, ErrCorrupt
	}
	off := 6

	rev = binary.BigEndian.Uint64(b[off : off+8])
	off += 8

	vlen := int(binary.BigEndian.Uint32(b[off : off+4]))
	off += 4
	if vlen < 0 || vlen != len(b)-off {
		return 0, nil, ErrCorrupt
	}
	return rev, b[off : off+vlen], nil
}
