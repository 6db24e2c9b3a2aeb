package rearrange

import (
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/squareup/blockmgr/cluster"
	"github.com/squareup/blockmgr/errors"
	"github.com/squareup/blockmgr/partition"
)

// Move transfers ownership of one partition.
type Move struct {
	PartitionID int
	From        cluster.Address
	To          cluster.Address
}

func (m Move) String() string {
	return fmt.Sprintf("partition %d %s -> %s", m.PartitionID, m.From, m.To)
}

type Planner struct {
	randLock sync.Mutex
	rnd      *rand.Rand
}

func NewPlanner() *Planner {
	return NewPlannerWithRand(rand.New(rand.NewSource(time.Now().UnixNano()))) //nolint:gosec
}

// NewPlannerWithRand lets tests fix the order moves are returned in.
func NewPlannerWithRand(rnd *rand.Rand) *Planner {
	return &Planner{rnd: rnd}
}

func storageMembers(members []cluster.Member) []cluster.Address {
	var addresses []cluster.Address
	for _, member := range members {
		if member.Storage {
			addresses = append(addresses, member.Address)
		}
	}
	return addresses
}

// FullRearrangement computes the moves which bring every live storage member up to the floor of its fair share.
// Partitions above their owner's share, or owned by a member which is not a live storage member, are eligible to
// move. The table must be quiesced: every partition owned and none migrating.
func (p *Planner) FullRearrangement(table *partition.Table, members []cluster.Member) ([]Move, error) {
	storage := storageMembers(members)
	if len(storage) == 0 {
		return nil, errors.NewRearrangementPreconditionError("no storage members")
	}
	target := table.PartitionCount() / len(storage)
	counts := make(map[cluster.Address]int, len(storage))
	for _, address := range storage {
		counts[address] = 0
	}
	var eligible []*partition.Partition
	for id := 0; id < table.PartitionCount(); id++ {
		part, ok := table.Lookup(id)
		if !ok || part.Owner == "" {
			return nil, errors.NewRearrangementPreconditionError(fmt.Sprintf("partition %d has no owner", id))
		}
		if part.Migrating() {
			return nil, errors.NewRearrangementPreconditionError(fmt.Sprintf("partition %d is migrating", id))
		}
		count, live := counts[part.Owner]
		if !live || count >= target {
			eligible = append(eligible, part)
			continue
		}
		counts[part.Owner] = count + 1
	}
	var moves []Move
	for _, address := range storage {
		for counts[address] < target && len(eligible) > 0 {
			part := eligible[0]
			eligible = eligible[1:]
			if part.Owner != address {
				moves = append(moves, Move{PartitionID: part.ID, From: part.Owner, To: address})
			}
			counts[address]++
		}
	}
	// the remainder stays with its owner unless the owner has gone
	for _, part := range eligible {
		if _, live := counts[part.Owner]; live {
			continue
		}
		to := leastLoaded(storage, counts)
		moves = append(moves, Move{PartitionID: part.ID, From: part.Owner, To: to})
		counts[to]++
	}
	p.shuffle(moves)
	return moves, nil
}

// QuickRearrangement hands partitions owned by self to members below their share, without any data transfer. Only
// partitions which isEmpty reports hold no records are given away.
func (p *Planner) QuickRearrangement(table *partition.Table, members []cluster.Member, self cluster.Address,
	isEmpty func(partitionID int) bool) ([]Move, error) {
	storage := storageMembers(members)
	if len(storage) == 0 {
		return nil, errors.NewRearrangementPreconditionError("no storage members")
	}
	target := table.PartitionCount() / len(storage)
	counts := make(map[cluster.Address]int, len(storage))
	var candidates []int
	for id := 0; id < table.PartitionCount(); id++ {
		part, ok := table.Lookup(id)
		if !ok || part.Owner == "" {
			continue
		}
		if part.Owner == self && counts[self] >= target && !part.Migrating() && isEmpty(id) {
			candidates = append(candidates, id)
			continue
		}
		counts[part.Owner]++
	}
	var moves []Move
	for _, address := range storage {
		if address == self {
			continue
		}
		for counts[address] < target && len(candidates) > 0 {
			moves = append(moves, Move{PartitionID: candidates[0], From: self, To: address})
			candidates = candidates[1:]
			counts[address]++
		}
	}
	return moves, nil
}

func leastLoaded(storage []cluster.Address, counts map[cluster.Address]int) cluster.Address {
	least := storage[0]
	for _, address := range storage[1:] {
		if counts[address] < counts[least] {
			least = address
		}
	}
	return least
}

func (p *Planner) shuffle(moves []Move) {
	p.randLock.Lock()
	defer p.randLock.Unlock()
	p.rnd.Shuffle(len(moves), func(i, j int) {
		moves[i], moves[j] = moves[j], moves[i]
	})
}
