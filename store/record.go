package store

import (
	"bytes"
	"fmt"
	"math"

	"github.com/google/btree"
	"github.com/squareup/blockmgr/cluster"
)

// UnsetValueHash marks a record whose value hash has not been computed, or has been invalidated.
const UnsetValueHash = math.MinInt32

type Record struct {
	MapName     string
	Key         []byte
	Value       []byte
	PartitionID int
	Active      bool
	// Owned is true on the partition owner and false for backup copies.
	Owned      bool
	ValueHash  int32
	Indexes    []int64
	IndexTypes []byte
	// LockAddress is the member holding a lock on the record, if any.
	LockAddress cluster.Address
}

func (r *Record) copy() Record {
	c := *r
	c.Key = append([]byte(nil), r.Key...)
	c.Value = append([]byte(nil), r.Value...)
	if r.Indexes != nil {
		c.Indexes = append([]int64(nil), r.Indexes...)
	}
	if r.IndexTypes != nil {
		c.IndexTypes = append([]byte(nil), r.IndexTypes...)
	}
	return c
}

func (r *Record) String() string {
	return fmt.Sprintf("record %s/%x partition %d owned %t", r.MapName, r.Key, r.PartitionID, r.Owned)
}

// recordItem orders records by partition then key, so a partition is a contiguous range of the tree.
type recordItem struct {
	rec *Record
}

func (r *recordItem) Less(than btree.Item) bool {
	other := than.(*recordItem).rec
	if r.rec.PartitionID != other.PartitionID {
		return r.rec.PartitionID < other.PartitionID
	}
	return bytes.Compare(r.rec.Key, other.Key) < 0
}

func partitionStart(partitionID int) btree.Item {
	return &recordItem{rec: &Record{PartitionID: partitionID}}
}
