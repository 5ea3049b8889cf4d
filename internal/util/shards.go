package util

import "runtime"

// maxShards bounds automatic and explicit shard counts.
const maxShards = 1 << 16

// ReasonableShardCount picks a default shard count based on CPU
// parallelism: nextPow2(2*GOMAXPROCS), clamped to [1..256].
func ReasonableShardCount() int {
	p := runtime.GOMAXPROCS(0)
	if p < 1 {
		p = 1
	}
	n := int(NextPow2(uint64(p * 2)))
	if n > 256 {
		n = 256
	}
	return n
}

// ShardCount normalizes a requested shard count: non-positive values pick
// ReasonableShardCount, others are rounded up to a power of two and
// clamped to maxShards.
func ShardCount(requested int) int {
	if requested <= 0 {
		return ReasonableShardCount()
	}
	if requested > maxShards {
		return maxShards
	}
	return int(NextPow2(uint64(requested)))
}

// ShardIndex maps a 64-bit hash to a shard index.
// Uses a mask for power-of-two counts and modulo otherwise.
func ShardIndex(hash uint64, shards int) int {
	if shards <= 1 {
		return 0
	}
	if IsPowerOfTwo(uint64(shards)) {
		return int(hash & uint64(shards-1))
	}
	return int(hash % uint64(shards))
}

// IsPowerOfTwo reports whether x is a power of two (> 0).
func IsPowerOfTwo(x uint64) bool {
	return x != 0 && (x&(x-1)) == 0
}

// NextPow2 returns the smallest power of two >= x.
// x == 0 yields 1; results that would overflow clamp to 1<<63.
func NextPow2(x uint64) uint64 {
	if x <= 1 {
		return 1
	}
	x--
	x |= x >> 1
	x |= x >> 2
	x |= x >> 4
	x |= x >> 8
	x |= x >> 16
	x |= x >> 32
	x++
	if x == 0 {
		return 1 << 63
	}
	return x
}
