package codec

import "fmt"

// Limit wraps another codec and rejects payloads larger than MaxDecode at
// Decode time, before Inner sees them. MaxDecode <= 0 disables the check.
// Useful when the distributed tier is shared with untrusted writers.
type Limit[V any] struct {
	Inner     Codec[V]
	MaxDecode int
}

func (c Limit[V]) Encode(v V) ([]byte, error) { return c.Inner.Encode(v) }

func (c Limit[V]) Decode(b []byte) (V, error) {
	if c.MaxDecode > 0 && len(b) > c.MaxDecode {
		var zero V
		return zero, fmt.Errorf("%w: %w: %d > %d", ErrDecode, ErrPayloadTooLarge, len(b), c.MaxDecode)
	}
	return c.Inner.Decode(b)
}
