package kv

import (
	"encoding/binary"
	"time"
)

// Bucket names for bbolt storage.
var (
	bucketValues   = []byte("kv")           // key -> [8-byte expiry][value]
	bucketByExpiry = []byte("kv_by_expiry") // [8-byte expiry][key] -> key
)

// noExpiry marks a value stored without a TTL.
const noExpiry = 0

// encodeTimestamp converts a time.Time to a fixed-width big-endian byte slice.
// Keys built from it sort in time order. Pre-1970 times are not needed here,
// so the zero value is reserved for noExpiry.
func encodeTimestamp(t time.Time) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, uint64(t.UnixNano())) //nolint:gosec // post-1970 only
	return buf
}

func decodeTimestamp(b []byte) (time.Time, bool) {
	if len(b) < 8 {
		return time.Time{}, false
	}
	u := binary.BigEndian.Uint64(b[:8])
	if u == noExpiry {
		return time.Time{}, false
	}
	return time.Unix(0, int64(u)).UTC(), true //nolint:gosec // round trip of encodeTimestamp
}

// encodeValue prefixes the value with its expiry.
func encodeValue(expiresAt time.Time, hasExpiry bool, value string) []byte {
	buf := make([]byte, 8+len(value))
	if hasExpiry {
		copy(buf[:8], encodeTimestamp(expiresAt))
	}
	copy(buf[8:], value)
	return buf
}

func makeExpiryKey(expiresAt time.Time, key string) []byte {
	result := make([]byte, 8+len(key))
	copy(result[:8], encodeTimestamp(expiresAt))
	copy(result[8:], key)
	return result
}
