package partition

import (
	"fmt"
	"hash/fnv"

	"github.com/squareup/blockmgr/cluster"
	"github.com/squareup/blockmgr/common"
	"github.com/squareup/blockmgr/errors"
)

// Partition describes the ownership of one partition of the keyspace.
type Partition struct {
	ID    int
	Owner cluster.Address
	// MigrationTarget is the member ownership is being transferred to, empty if the partition is not migrating.
	MigrationTarget cluster.Address
	// MigrationStarted is local to the owner. It is set once the owner has begun draining the partition and is never
	// sent over the wire.
	MigrationStarted bool
}

func (p *Partition) Migrating() bool {
	return p.MigrationTarget != ""
}

// SameAs reports whether two copies of a partition agree on ownership and migration.
func (p *Partition) SameAs(other *Partition) bool {
	return p.Owner == other.Owner && p.MigrationTarget == other.MigrationTarget
}

// EffectiveOwner is the member the partition will belong to once any migration completes.
func (p *Partition) EffectiveOwner() cluster.Address {
	if p.Migrating() {
		return p.MigrationTarget
	}
	return p.Owner
}

func (p *Partition) String() string {
	if p.Migrating() {
		return fmt.Sprintf("partition %d owner %s migrating to %s", p.ID, p.Owner, p.MigrationTarget)
	}
	return fmt.Sprintf("partition %d owner %s", p.ID, p.Owner)
}

// Table is the fixed set of partitions. It is not safe for concurrent use; all access happens on the single writer.
type Table struct {
	partitions []*Partition
}

func NewTable(partitionCount int) *Table {
	return &Table{partitions: make([]*Partition, partitionCount)}
}

func (t *Table) PartitionCount() int {
	return len(t.partitions)
}

func (t *Table) checkRange(id int) error {
	if id < 0 || id >= len(t.partitions) {
		return errors.NewPartitionOutOfRangeError(id, len(t.partitions))
	}
	return nil
}

// Get returns the partition, creating an unowned entry on first access.
func (t *Table) Get(id int) (*Partition, error) {
	if err := t.checkRange(id); err != nil {
		return nil, err
	}
	p := t.partitions[id]
	if p == nil {
		p = &Partition{ID: id}
		t.partitions[id] = p
	}
	return p, nil
}

// Lookup returns the partition without materializing it. The second return is false if it has never been accessed.
func (t *Table) Lookup(id int) (*Partition, bool) {
	if id < 0 || id >= len(t.partitions) {
		return nil, false
	}
	p := t.partitions[id]
	return p, p != nil
}

func (t *Table) MaterializeAll() {
	for id, p := range t.partitions {
		if p == nil {
			t.partitions[id] = &Partition{ID: id}
		}
	}
}

func (t *Table) SetOwner(id int, owner cluster.Address) error {
	p, err := t.Get(id)
	if err != nil {
		return err
	}
	p.Owner = owner
	return nil
}

// SetMigrationTarget sets or, with an empty target, clears the migration of the partition.
func (t *Table) SetMigrationTarget(id int, target cluster.Address) error {
	p, err := t.Get(id)
	if err != nil {
		return err
	}
	if target != "" && target == p.Owner {
		return errors.NewMigrationPreconditionError(fmt.Sprintf("partition %d can't migrate to its owner %s", id, target))
	}
	p.MigrationTarget = target
	return nil
}

func (t *Table) SetMigrationStarted(id int, started bool) error {
	p, err := t.Get(id)
	if err != nil {
		return err
	}
	p.MigrationStarted = started
	return nil
}

func (t *Table) IsAnyMigrating() bool {
	for _, p := range t.partitions {
		if p != nil && p.Migrating() {
			return true
		}
	}
	return false
}

// HasUnowned is true if any partition is unowned or not yet materialized.
func (t *Table) HasUnowned() bool {
	for _, p := range t.partitions {
		if p == nil || p.Owner == "" {
			return true
		}
	}
	return false
}

// OwnedBy returns the ids of the partitions owned by the member, in id order.
func (t *Table) OwnedBy(address cluster.Address) []int {
	var ids []int
	for _, p := range t.partitions {
		if p != nil && p.Owner == address {
			ids = append(ids, p.ID)
		}
	}
	return ids
}

// AggregateHash summarises the owner and migration target of every partition. Two tables with the same hash almost
// certainly agree. Partitions that were never materialized hash as unowned.
func (t *Table) AggregateHash() uint64 {
	h := fnv.New64a()
	var buff []byte
	for id, p := range t.partitions {
		buff = common.AppendUint32ToBufferLE(buff[:0], uint32(id))
		if p != nil {
			buff = common.AppendStringToBufferLE(buff, p.Owner)
			buff = common.AppendStringToBufferLE(buff, p.MigrationTarget)
		} else {
			buff = common.AppendStringToBufferLE(buff, "")
			buff = common.AppendStringToBufferLE(buff, "")
		}
		h.Write(buff) //nolint:errcheck
	}
	return h.Sum64()
}

// Snapshot returns a copy of every partition, in id order, materializing any missing entries.
func (t *Table) Snapshot() []Partition {
	t.MaterializeAll()
	snapshot := make([]Partition, len(t.partitions))
	for id, p := range t.partitions {
		snapshot[id] = *p
	}
	return snapshot
}

// CheckInvariants returns an error describing the first partition which is migrating without a valid target.
func (t *Table) CheckInvariants() error {
	for _, p := range t.partitions {
		if p == nil || !p.Migrating() {
			continue
		}
		if p.MigrationTarget == p.Owner {
			return errors.NewInconsistentOwnershipError(fmt.Sprintf("%s migrates to its own owner", p))
		}
	}
	return nil
}
