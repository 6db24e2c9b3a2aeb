package migration

import (
	log "github.com/sirupsen/logrus"

	"github.com/squareup/blockmgr/cluster"
	"github.com/squareup/blockmgr/failinject"
	"github.com/squareup/blockmgr/remoting"
	"github.com/squareup/blockmgr/store"
)

func (m *Manager) MemberJoined(member cluster.Member) {
	m.writer.ScheduleActionFireAndForget(func() error {
		m.onMemberJoined(member)
		return nil
	})
}

func (m *Manager) MemberDied(member cluster.Member) {
	m.writer.ScheduleActionFireAndForget(func() error {
		m.onMemberDied(member)
		return nil
	})
}

func (m *Manager) onMemberJoined(member cluster.Member) {
	log.Infof("member %s joined %s", member.Address, m.self)
	isMaster := m.membership.IsMaster()
	if m.wasMaster && !isMaster {
		// This node formed a cluster on its own before it could see the rest. The real master's table wins.
		log.Warnf("%s is no longer master, discarding local partition table", m.self)
		m.resetTable()
	}
	if isMaster {
		m.table.MaterializeAll()
		m.claimUnowned()
		moves, err := m.planner.QuickRearrangement(m.table, m.membership.Members(), m.self, func(id int) bool {
			return !m.store.HasOwnedRecordsInPartition(id)
		})
		if err != nil {
			log.Warnf("failed to rearrange partitions for %s %v", member.Address, err)
		}
		for _, move := range moves {
			if err := m.table.SetOwner(move.PartitionID, move.To); err != nil {
				m.consistencyFault(err)
				return
			}
		}
		if len(moves) > 0 {
			log.Infof("assigned %d empty partitions to %s", len(moves), member.Address)
		}
	}
	m.sendInitialState(member.Address)
	m.onMembershipChanged()
}

func (m *Manager) resetTable() {
	for id := 0; id < m.table.PartitionCount(); id++ {
		p, err := m.table.Get(id)
		if err != nil {
			m.consistencyFault(err)
			return
		}
		p.Owner = ""
		p.MigrationTarget = ""
		p.MigrationStarted = false
	}
}

func (m *Manager) sendInitialState(address cluster.Address) {
	configs := m.store.MapConfigs()
	if len(configs) == 0 {
		return
	}
	msg := &remoting.InitialState{Sender: m.self}
	for _, cfg := range configs {
		msg.Maps = append(msg.Maps, remoting.MapState{Name: cfg.Name, BackupCount: int32(cfg.BackupCount)})
	}
	m.transport.SendOneWay(msg, address)
}

func (m *Manager) onMemberDied(member cluster.Member) {
	dead := member.Address
	if dead == m.self {
		return
	}
	log.Infof("member %s died, seen by %s", dead, m.self)
	m.table.MaterializeAll()
	replacement := m.replacementFor(dead)
	var promote []int
	for id := 0; id < m.table.PartitionCount(); id++ {
		p, err := m.table.Get(id)
		if err != nil {
			m.consistencyFault(err)
			return
		}
		if p.Owner == dead {
			p.Owner = replacement
			p.MigrationStarted = false
			if replacement == m.self {
				promote = append(promote, id)
			}
		}
		if p.MigrationTarget == dead {
			p.MigrationTarget = replacement
		}
		if p.Migrating() && p.MigrationTarget == p.Owner {
			p.MigrationTarget = ""
			p.MigrationStarted = false
		}
	}
	for _, id := range promote {
		m.promoteRecords(id)
	}
	m.store.OnDisconnect(dead)
	if len(promote) > 0 {
		log.Infof("%s took ownership of %d partitions of %s", m.self, len(promote), dead)
	}
	m.wasMaster = m.membership.IsMaster()
	m.onMembershipChanged()
}

// replacementFor is the member which takes over the partitions of a dead member: the next storage member on the
// ring, or this node if there is none and it can hold records.
func (m *Manager) replacementFor(dead cluster.Address) cluster.Address {
	if next, ok := m.membership.NextStorageMember(dead); ok {
		return next
	}
	if m.membership.IsStorage(m.self) {
		return m.self
	}
	return ""
}

// promoteRecords turns the backups this node holds for a partition into owned records. The index state of each
// record is captured before the promotion resets it, then reapplied, so the index sees every promoted record as new.
func (m *Manager) promoteRecords(partitionID int) {
	promoted := 0
	for _, rec := range m.store.RecordsInPartition(partitionID) {
		if rec.Owned || !rec.Active {
			continue
		}
		previous, err := m.store.PromoteToOwned(rec.MapName, rec.Key)
		if err != nil {
			m.consistencyFault(err)
			continue
		}
		if err := m.index.UpdateIndex(previous.MapName, previous.Indexes, previous.IndexTypes, previous.Key,
			previous.ValueHash); err != nil {
			m.consistencyFault(err)
			continue
		}
		promoted++
	}
	if promoted > 0 {
		log.Debugf("promoted %d backups of partition %d", promoted, partitionID)
	}
}

// onMembershipChanged runs after every join and death, once the table has been updated.
func (m *Manager) onMembershipChanged() {
	m.pendingMoves = nil
	m.wasMaster = m.membership.IsMaster()
	neighbours := m.ringNeighbours()
	if !addressesEqual(neighbours, m.neighbours) {
		m.neighbours = neighbours
		m.backupOwnedRecords()
	}
	m.removeUnknownRecords()
	if m.wasMaster {
		m.broadcastTable()
	}
	m.resetTick()
}

// ringNeighbours returns the storage members either side of this node on the ring, nearest successor first.
func (m *Manager) ringNeighbours() []cluster.Address {
	successors := m.membership.Successors(m.self, len(m.membership.Members()))
	if len(successors) <= 1 {
		return successors
	}
	return []cluster.Address{successors[0], successors[len(successors)-1]}
}

// backupOwnedRecords sends every owned record to its backups. Partitions being migrated away are skipped, their
// records are already on their way to the new owner.
func (m *Manager) backupOwnedRecords() {
	if !m.membership.IsStorage(m.self) {
		return
	}
	fp := m.failinject.GetFailpoint(failinject.BackupRecordFailpoint)
	sent := 0
	for _, rec := range m.store.OwnedRecords() {
		p, ok := m.table.Lookup(rec.PartitionID)
		if !ok || p.Owner != m.self || p.Migrating() {
			continue
		}
		if m.sendBackup(fp, &rec) {
			sent++
		}
	}
	if sent > 0 {
		log.Debugf("%s re-sent %d backups", m.self, sent)
	}
}

// backupPartition sends the owned records of a partition this node has just taken over to its backups.
func (m *Manager) backupPartition(partitionID int) {
	if !m.membership.IsStorage(m.self) {
		return
	}
	fp := m.failinject.GetFailpoint(failinject.BackupRecordFailpoint)
	for _, rec := range m.store.RecordsInPartition(partitionID) {
		if rec.Owned {
			m.sendBackup(fp, &rec)
		}
	}
}

func (m *Manager) sendBackup(fp failinject.Failpoint, rec *store.Record) bool {
	backups := m.membership.Successors(m.self, m.store.BackupCount(rec.MapName))
	if len(backups) == 0 {
		return false
	}
	if err := fp.CheckFail(); err != nil {
		log.Warnf("failed to back up record %s %v", rec, err)
		return false
	}
	m.transport.SendOneWay(&remoting.RecordBackup{Sender: m.self, Record: toRecordData(rec)}, backups...)
	return true
}

func addressesEqual(a []cluster.Address, b []cluster.Address) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
