// Package util contains internal helpers (hashing, sharding, padding).
//revive:disable:var-naming  // allow 'util' as an internal helpers package name
package util

import (
	"fmt"
	"hash/maphash"

	"github.com/spaolacci/murmur3"
)

// Hasher64 is implemented by key types that supply their own stable hash.
// Equal keys must return equal hashes.
type Hasher64 interface {
	Hash64() uint64
}

// HashFunc returns the default hash function for K.
//
// Resolution order per key: Hasher64, then FNV-1a for strings, byte arrays
// and integers, then maphash.Comparable seeded once for the returned
// function. fmt.Stringer is not consulted: String() of a pointer key can
// change while == keeps comparing identity. The maphash fallback is only
// stable for the lifetime of the returned function, which is all sharding
// needs.
func HashFunc[K comparable]() func(K) uint64 {
	seed := maphash.MakeSeed()
	return func(k K) uint64 {
		if h, ok := fnv64aKnown(k); ok {
			return h
		}
		return maphash.Comparable(seed, k)
	}
}

// Fnv64a hashes common key types using 64-bit FNV-1a.
// Supported: Hasher64, string, []byte, [16|32|64]byte, all int/uint widths,
// uintptr, fmt.Stringer. Panics on other types; use HashFunc for those.
func Fnv64a[K comparable](k K) uint64 {
	if h, ok := fnv64aKnown(k); ok {
		return h
	}
	if v, ok := any(k).(fmt.Stringer); ok {
		return fnv64aFromString(v.String())
	}
	panic(fmt.Sprintf("util.Fnv64a: unsupported key type %T; use HashFunc or provide a custom hasher", k))
}

// Murmur3 hashes string-like keys with 64-bit murmur3. Keys that are not
// strings, byte slices or byte arrays fall back to Fnv64a.
func Murmur3[K comparable](k K) uint64 {
	switch v := any(k).(type) {
	case string:
		return murmur3.Sum64([]byte(v))
	case []byte:
		return murmur3.Sum64(v)
	case [16]byte:
		return murmur3.Sum64(v[:])
	case [32]byte:
		return murmur3.Sum64(v[:])
	case [64]byte:
		return murmur3.Sum64(v[:])
	}
	return Fnv64a(k)
}

func fnv64aKnown(k any) (uint64, bool) {
	switch v := k.(type) {
	case Hasher64:
		return v.Hash64(), true
	case string:
		return fnv64aFromString(v), true
	case []byte:
		return fnv64aFromBytes(v), true
	case [16]byte:
		return fnv64aFromBytes(v[:]), true
	case [32]byte:
		return fnv64aFromBytes(v[:]), true
	case [64]byte:
		return fnv64aFromBytes(v[:]), true

	// Integer-like keys: hash little-endian bytes of the value.
	case uint8:
		return fnv64aFromUint64(uint64(v)), true
	case uint16:
		return fnv64aFromUint64(uint64(v)), true
	case uint32:
		return fnv64aFromUint64(uint64(v)), true
	case uint64:
		return fnv64aFromUint64(v), true
	case uint:
		return fnv64aFromUint64(uint64(v)), true
	case uintptr:
		return fnv64aFromUint64(uint64(v)), true
	case int8:
		return fnv64aFromUint64(uint64(uint8(v))), true
	case int16:
		return fnv64aFromUint64(uint64(uint16(v))), true
	case int32:
		return fnv64aFromUint64(uint64(uint32(v))), true
	case int64:
		return fnv64aFromUint64(uint64(v)), true
	case int:
		return fnv64aFromUint64(uint64(v)), true
	}
	return 0, false
}

const (
	fnvOffset64 = 1469598103934665603
	fnvPrime64  = 1099511628211
)

func fnv64aFromBytes(b []byte) uint64 {
	h := uint64(fnvOffset64)
	for _, c := range b {
		h ^= uint64(c)
		h *= fnvPrime64
	}
	return h
}

// fnv64aFromString avoids the []byte conversion for string keys.
func fnv64aFromString(s string) uint64 {
	h := uint64(fnvOffset64)
	for i := 0; i < len(s); i++ {
		h ^= uint64(s[i])
		h *= fnvPrime64
	}
	return h
}

func fnv64aFromUint64(u uint64) uint64 {
	h := uint64(fnvOffset64)
	for i := 0; i < 8; i++ {
		h ^= uint64(byte(u))
		h *= fnvPrime64
		u >>= 8
	}
	return h
}
