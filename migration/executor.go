package migration

import (
	"fmt"
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/squareup/blockmgr/cluster"
	"github.com/squareup/blockmgr/common"
	"github.com/squareup/blockmgr/errors"
	"github.com/squareup/blockmgr/failinject"
	"github.com/squareup/blockmgr/partition"
	"github.com/squareup/blockmgr/remoting"
	"github.com/squareup/blockmgr/store"
)

// startMigration begins migrating a partition owned by this node. The owned records of the partition are drained
// from the store and sent to the target on the worker pool; once every transfer has finished, or the drain timeout
// has passed, the partition is finalized on the writer.
func (m *Manager) startMigration(partitionID int, target cluster.Address) error {
	p, err := m.table.Get(partitionID)
	if err != nil {
		return err
	}
	if p.Owner != m.self {
		return errors.NewMigrationPreconditionError(fmt.Sprintf("%s is not owned by %s", p, m.self))
	}
	if target == "" || target == m.self {
		return errors.NewMigrationPreconditionError(fmt.Sprintf("invalid target %q for %s", target, p))
	}
	if p.MigrationStarted && p.MigrationTarget == target {
		return nil
	}
	if p.MigrationStarted {
		return errors.NewConflictingMigrationError(fmt.Sprintf("%s asked to migrate to %s", p, target))
	}
	if !m.started.Get() {
		// picked up again by the next table update once the node is running
		return nil
	}
	wasMigrating := p.Migrating()
	p.MigrationTarget = target
	p.MigrationStarted = true
	if !wasMigrating {
		m.fireStarted(p.ID, p.Owner, target)
	}
	m.metrics.migrationsStarted.Inc()
	var records []store.Record
	if m.membership.IsStorage(m.self) {
		records = m.store.DrainOwnedRecordsInPartition(partitionID)
	}
	log.Debugf("migrating %s with %d records", p, len(records))
	m.transferRecords(partitionID, target, records)
	return nil
}

func (m *Manager) transferRecords(partitionID int, target cluster.Address, records []store.Record) {
	if len(records) == 0 {
		m.writer.ScheduleActionFireAndForget(func() error {
			return m.finalizeMigration(partitionID, target, nil)
		})
		return
	}
	fp := m.failinject.GetFailpoint(failinject.TransferRecordFailpoint)
	latch := newCountdownLatch(len(records))
	var failedLock sync.Mutex
	var failed []store.Record
	fail := func(rec store.Record) {
		failedLock.Lock()
		defer failedLock.Unlock()
		failed = append(failed, rec)
	}
	go func() {
		defer common.PanicHandler()
		for _, rec := range records {
			rec := rec
			submitted := m.pool.submit(func() {
				defer latch.countDown()
				if err := m.transferRecord(fp, target, &rec); err != nil {
					log.Warnf("failed to transfer record of partition %d to %s %v", partitionID, target, err)
					m.metrics.transferErrors.Inc()
					fail(rec)
					return
				}
				m.metrics.recordsTransferred.Inc()
			})
			if !submitted {
				fail(rec)
				latch.countDown()
			}
		}
		if !latch.await(m.cnf.DrainTimeout) {
			log.Warnf("timed out after %s draining partition %d to %s", m.cnf.DrainTimeout, partitionID, target)
			m.metrics.drainTimeouts.Inc()
		}
		failedLock.Lock()
		failedCopy := append([]store.Record(nil), failed...)
		failedLock.Unlock()
		m.writer.ScheduleActionFireAndForget(func() error {
			return m.finalizeMigration(partitionID, target, failedCopy)
		})
	}()
}

func (m *Manager) transferRecord(fp failinject.Failpoint, target cluster.Address, rec *store.Record) error {
	if err := fp.CheckFail(); err != nil {
		return err
	}
	_, err := m.transport.SendRPC(&remoting.RecordTransfer{Sender: m.self, Record: toRecordData(rec)}, target)
	return err
}

// finalizeMigration hands the partition to the target and announces the completion. Records that failed to
// transfer are lost unless the migration was superseded while draining, in which case they are restored and the
// partition is drained again to its new target.
func (m *Manager) finalizeMigration(partitionID int, target cluster.Address, failed []store.Record) error {
	p, err := m.table.Get(partitionID)
	if err != nil {
		return err
	}
	if p.Owner != m.self || p.MigrationTarget != target || !p.MigrationStarted {
		log.Infof("migration of partition %d to %s was superseded, now %s", partitionID, target, p)
		m.restoreRecords(failed, p.Owner == m.self)
		if p.Owner == m.self && p.Migrating() {
			p.MigrationStarted = false
			return m.startMigration(partitionID, p.MigrationTarget)
		}
		return nil
	}
	if len(failed) > 0 {
		log.Errorf("%d records of partition %d could not be transferred to %s and are lost", len(failed),
			partitionID, target)
	}
	p.Owner = target
	p.MigrationTarget = ""
	p.MigrationStarted = false
	m.metrics.migrationsCompleted.Inc()
	m.fireCompleted(partitionID, m.self, target)
	m.announceCompletion(p)
	return nil
}

func (m *Manager) restoreRecords(records []store.Record, owned bool) {
	for _, rec := range records {
		rec.Owned = owned
		m.store.Put(rec)
	}
}

func (m *Manager) announceCompletion(p *partition.Partition) {
	others := m.otherMembers()
	if len(others) == 0 {
		return
	}
	m.transport.SendOneWay(&remoting.PartitionCompletion{Sender: m.self, Partition: toPartitionInfo(p)}, others...)
}

func toRecordData(rec *store.Record) remoting.RecordData {
	return remoting.RecordData{
		MapName:    rec.MapName,
		Key:        rec.Key,
		Value:      rec.Value,
		Indexes:    rec.Indexes,
		IndexTypes: rec.IndexTypes,
	}
}

func fromRecordData(data *remoting.RecordData, owned bool) store.Record {
	return store.Record{
		MapName:    data.MapName,
		Key:        data.Key,
		Value:      data.Value,
		Indexes:    data.Indexes,
		IndexTypes: data.IndexTypes,
		Owned:      owned,
	}
}
