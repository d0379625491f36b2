package util

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/cespare/xxhash/v2"
)

// MaxKeyLen is the longest storage key emitted verbatim by StorageKey.
const MaxKeyLen = 200

// KeyString renders a key for storage. Strings and integers are formatted
// without reflection; anything else goes through fmt.
func KeyString(k any) string {
	switch v := k.(type) {
	case string:
		return v
	case int:
		return strconv.Itoa(v)
	case int64:
		return strconv.FormatInt(v, 10)
	case int32:
		return strconv.FormatInt(int64(v), 10)
	case uint64:
		return strconv.FormatUint(v, 10)
	case uint32:
		return strconv.FormatUint(uint64(v), 10)
	case fmt.Stringer:
		return v.String()
	default:
		return fmt.Sprintf("%v", v)
	}
}

// StorageKey returns "<namespace>:<key>". Keys longer than MaxKeyLen are
// replaced by a prefix plus their xxhash so provider key limits are never hit.
func StorageKey(namespace, key string) string {
	if len(key) > MaxKeyLen {
		key = key[:MaxKeyLen/2] + "#" + HashKey(key)
	}
	return namespace + ":" + key
}

// HashKey returns the 16 hex digit xxhash of s.
func HashKey(s string) string {
	return fmt.Sprintf("%016x", xxhash.Sum64String(s))
}

// JoinKey joins composite key parts with '|', escaping separators inside parts.
func JoinKey(parts ...string) string {
	var b strings.Builder
	for i, p := range parts {
		if i > 0 {
			b.WriteByte('|')
		}
		for j := 0; j < len(p); j++ {
			if c := p[j]; c == '|' || c == '\\' {
				b.WriteByte('\\')
			}
			b.WriteByte(p[j])
		}
	}
	return b.String()
}
