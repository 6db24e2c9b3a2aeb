package sharder

import (
	"hash/fnv"

	"github.com/squareup/blockmgr/common"
	"github.com/squareup/blockmgr/conf"
	"github.com/squareup/blockmgr/errors"
	"github.com/twmb/murmur3"
)

// Sharder maps keys to partitions. The mapping depends only on the key, the hash function and the partition count,
// so it is the same on every member.
type Sharder struct {
	partitionCount int
	hash           func(key []byte) uint32
}

func NewSharder(hashFunction string, partitionCount int) (*Sharder, error) {
	if partitionCount < 1 {
		return nil, errors.NewInvalidConfigurationError("PartitionCount must be >= 1")
	}
	var hash func([]byte) uint32
	switch hashFunction {
	case conf.HashFunctionFNV:
		hash = fnvHash
	case conf.HashFunctionMurmur3:
		hash = murmur3.Sum32
	default:
		return nil, errors.NewInvalidConfigurationError("unknown hash function " + hashFunction)
	}
	return &Sharder{partitionCount: partitionCount, hash: hash}, nil
}

func (s *Sharder) PartitionCount() int {
	return s.partitionCount
}

func (s *Sharder) PartitionForKey(key []byte) int {
	return int(s.hash(key) % uint32(s.partitionCount))
}

func fnvHash(key []byte) uint32 {
	h1 := fnv.New64a()
	h1.Write(key) //nolint:errcheck
	b := common.AppendUint64ToBufferLE(nil, h1.Sum64())
	// hash it again, a single fnv gives poorly distributed values for incrementing keys
	h2 := fnv.New32()
	h2.Write(b) //nolint:errcheck
	return h2.Sum32()
}
