// Package wire frames cached values for byte providers.
//
// A frame carries the absolute expiry of the value next to its encoded
// payload, so a store can report the remaining TTL of a hit no matter whether
// the provider underneath exposes per-key TTLs (bigcache does not).
package wire

import (
	"bytes"
	"encoding/binary"
	"errors"
	"time"
)

const (
	version    byte = 1
	kindSingle byte = 1

	headerLen = 4 + 1 + 1 + 8 + 4
)

var (
	ErrCorrupt = errors.New("memocache: corrupt entry")
	magic4     = [...]byte{'M', 'E', 'M', 'O'}
)

func hasMagic(b []byte) bool {
	return len(b) >= 4 && bytes.Equal(b[:4], magic4[:])
}

// Encode frames payload with its absolute expiry.
//
//	magic(4) | ver(1) | kind(1=single) | expiresAt(i64 be, unix ms) | vlen(u32 be) | payload(vlen)
func Encode(expiresAt time.Time, payload []byte) []byte {
	var buf bytes.Buffer
	buf.Grow(headerLen + len(payload))

	buf.Write(magic4[:])
	buf.WriteByte(version)
	buf.WriteByte(kindSingle)

	var u8 [8]byte
	var u4 [4]byte

	binary.BigEndian.PutUint64(u8[:], uint64(expiresAt.UnixMilli()))
	buf.Write(u8[:])

	binary.BigEndian.PutUint32(u4[:], uint32(len(payload)))
	buf.Write(u4[:])

	buf.Write(payload)
	return buf.Bytes()
}

// Decode parses a frame. The returned payload aliases b.
func Decode(b []byte) (expiresAt time.Time, payload []byte, err error) {
	if len(b) < headerLen || !hasMagic(b) || b[4] != version || b[5] != kindSingle {
		return time.Time{}, nil, ErrCorrupt
	}

	off := 6
	ms := int64(binary.BigEndian.Uint64(b[off : off+8]))
	off += 8

	vlen := int(binary.BigEndian.Uint32(b[off : off+4]))
	off += 4
	if vlen != len(b)-off { // trailing bytes are corruption too
		return time.Time{}, nil, ErrCorrupt
	}

	return time.UnixMilli(ms), b[off : off+vlen], nil
}

// Remaining returns the TTL left at now, truncated to zero.
func Remaining(expiresAt, now time.Time) time.Duration {
	if d := expiresAt.Sub(now); d > 0 {
		return d
	}
	return 0
}
