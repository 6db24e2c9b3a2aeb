package migration

import (
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/squareup/blockmgr/cluster"
	"github.com/squareup/blockmgr/common"
	"github.com/squareup/blockmgr/partition"
	"github.com/squareup/blockmgr/rearrange"
	"github.com/squareup/blockmgr/remoting"
)

func (m *Manager) tickLoop(stop chan struct{}, done chan struct{}) {
	defer common.PanicHandler()
	defer close(done)
	ticker := time.NewTicker(m.cnf.TickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			// a slow writer must not accumulate ticks
			if m.writer.QueueLength() == 0 {
				m.writer.ScheduleActionFireAndForget(m.tick)
			}
		}
	}
}

func (m *Manager) tick() error {
	m.removeUnknownRecords()
	m.metrics.ownedPartitions.Set(float64(len(m.table.OwnedBy(m.self))))
	if time.Now().Before(m.nextMigration) {
		return nil
	}
	m.resetTick()
	if !m.initiateMigration() && m.membership.IsMaster() {
		// tables are also published periodically so that a member which missed an update catches up
		m.broadcastTable()
	}
	return nil
}

func (m *Manager) resetTick() {
	m.nextMigration = time.Now().Add(m.cnf.MigrationInterval)
}

// initiateMigration dispatches at most one migration. Nothing is dispatched while any partition is migrating.
func (m *Manager) initiateMigration() bool {
	if !m.membership.IsMaster() {
		return false
	}
	m.table.MaterializeAll()
	m.claimUnowned()
	members := m.membership.Members()
	if len(members) < 2 || m.table.IsAnyMigrating() {
		return false
	}
	if len(m.pendingMoves) == 0 {
		moves, err := m.planner.FullRearrangement(m.table, members)
		if err != nil {
			log.Warnf("failed to plan partition rearrangement %v", err)
			return false
		}
		if len(moves) == 0 {
			return false
		}
		log.Debugf("planned %d partition moves", len(moves))
		m.pendingMoves = moves
	}
	move := m.pendingMoves[0]
	m.pendingMoves = m.pendingMoves[1:]
	if !m.moveStillValid(move) {
		log.Debugf("discarding partition move %s", move)
		return false
	}
	m.dispatch(move)
	return true
}

func (m *Manager) moveStillValid(move rearrange.Move) bool {
	p, ok := m.table.Lookup(move.PartitionID)
	if !ok || p.Owner != move.From || p.Migrating() {
		return false
	}
	member, ok := m.membership.Member(move.To)
	return ok && member.Storage
}

// dispatch sends a table with move applied to every member. The local copy is reconciled first so the local node
// sees the migration begin before anyone else.
func (m *Manager) dispatch(move rearrange.Move) {
	snapshot := m.table.Snapshot()
	snapshot[move.PartitionID].MigrationTarget = move.To
	snapshot[move.PartitionID].MigrationStarted = false
	log.Debugf("dispatching migration %s", move)
	m.metrics.migrationsDispatched.Inc()
	msg := m.tableUpdate(snapshot)
	m.reconcile(msg.Partitions)
	m.transport.SendOneWay(msg, m.otherMembers()...)
}

// broadcastTable sends the local table to every other member and applies it locally, which starts any migration
// of a partition this node owns that was assigned to it but never started.
func (m *Manager) broadcastTable() {
	msg := m.tableUpdate(m.table.Snapshot())
	m.reconcile(msg.Partitions)
	if others := m.otherMembers(); len(others) > 0 {
		m.transport.SendOneWay(msg, others...)
	}
}

func (m *Manager) tableUpdate(partitions []partition.Partition) *remoting.TableUpdate {
	infos := make([]remoting.PartitionInfo, len(partitions))
	for i := range partitions {
		infos[i] = toPartitionInfo(&partitions[i])
	}
	return &remoting.TableUpdate{Sender: m.self, Partitions: infos}
}

// claimUnowned gives every unowned partition to this node, or to the first storage member if this node is a lite
// member.
func (m *Manager) claimUnowned() {
	if !m.table.HasUnowned() {
		return
	}
	owner := m.self
	if !m.membership.IsStorage(m.self) {
		owner = ""
		for _, member := range m.membership.Members() {
			if member.Storage {
				owner = member.Address
				break
			}
		}
		if owner == "" {
			log.Warn("no storage member is available to own partitions")
			return
		}
	}
	claimed := 0
	for id := 0; id < m.table.PartitionCount(); id++ {
		p, err := m.table.Get(id)
		if err != nil {
			m.consistencyFault(err)
			return
		}
		if p.Owner == "" {
			p.Owner = owner
			claimed++
		}
	}
	log.Infof("assigned %d unowned partitions to %s", claimed, owner)
}

// removeUnknownRecords removes the backups this node holds for partitions it neither owns nor backs up. Partitions
// owned by this node are not touched. Owned records are kept too: a transferred record can arrive before the table
// update naming this node as the migration target.
func (m *Manager) removeUnknownRecords() {
	removed := 0
	for _, rec := range m.store.ActiveRecords() {
		if rec.Owned {
			continue
		}
		p, ok := m.table.Lookup(rec.PartitionID)
		if !ok || p.Owner == "" || p.Owner == m.self {
			continue
		}
		owner := p.EffectiveOwner()
		if owner == m.self {
			continue
		}
		distance := m.membership.Distance(owner, m.self)
		if distance == -1 {
			// not known yet whether this node is a backup
			continue
		}
		if distance > m.store.BackupCount(rec.MapName) {
			if m.store.MarkRemoved(rec.MapName, rec.Key) {
				removed++
			}
		}
	}
	if removed > 0 {
		log.Debugf("removed %d records this node no longer owns or backs up", removed)
	}
}

func toPartitionInfo(p *partition.Partition) remoting.PartitionInfo {
	return remoting.PartitionInfo{
		PartitionID:     int32(p.ID),
		Owner:           p.Owner,
		Migrating:       p.Migrating(),
		MigrationTarget: p.MigrationTarget,
	}
}

func fromPartitionInfo(info *remoting.PartitionInfo) partition.Partition {
	p := partition.Partition{ID: int(info.PartitionID), Owner: info.Owner}
	if info.Migrating {
		p.MigrationTarget = info.MigrationTarget
	}
	return p
}

var _ cluster.MembershipListener = &Manager{}
