package hashdir

import (
	"encoding/binary"

	"github.com/cespare/xxhash"
	"github.com/spaolacci/murmur3"
)

// Int64Hasher hashes an int64 key with xxHash, mirroring the teacher's
// XxHasher but over the generic directory instead of a page-backed one.
func Int64Hasher() Hasher[int64] {
	return func(key int64) uint64 {
		var buf [8]byte
		binary.LittleEndian.PutUint64(buf[:], uint64(key))
		return xxhash.Sum64(buf[:])
	}
}

// BytesHasher hashes a []byte key with MurmurHash3.
func BytesHasher() Hasher[[]byte] {
	return func(key []byte) uint64 {
		return murmur3.Sum64(key)
	}
}

// Int32Hasher hashes an int32 key with xxHash; used for page-id keyed
// directories such as the buffer pool's page table.
func Int32Hasher() Hasher[int32] {
	return func(key int32) uint64 {
		var buf [4]byte
		binary.LittleEndian.PutUint32(buf[:], uint32(key))
		return xxhash.Sum64(buf[:])
	}
}
