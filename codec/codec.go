// Package codec converts cached values to and from bytes for remote stores.
package codec

import (
	"errors"
	"fmt"
)

// Codec encodes/decodes values V to []byte for storage.
type Codec[V any] interface {
	Encode(V) ([]byte, error)
	Decode([]byte) (V, error)
}

var (
	// ErrDecode wraps every decoding failure so stores can tell corrupt
	// payloads apart from transport errors.
	ErrDecode = errors.New("codec: decode failed")

	ErrPayloadTooLarge = errors.New("codec: payload too large")
)

func decodeErr(format string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %s: %w", ErrDecode, format, err)
}
