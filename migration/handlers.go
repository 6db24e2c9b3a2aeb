package migration

import (
	log "github.com/sirupsen/logrus"

	"github.com/squareup/blockmgr/errors"
	"github.com/squareup/blockmgr/failinject"
	"github.com/squareup/blockmgr/remoting"
	"github.com/squareup/blockmgr/store"
)

type handlerFunc func(msg remoting.ClusterMessage) (remoting.ClusterMessage, error)

func (f handlerFunc) HandleMessage(msg remoting.ClusterMessage) (remoting.ClusterMessage, error) {
	return f(msg)
}

// RegisterHandlers registers the handlers for the messages exchanged between partition managers.
func (m *Manager) RegisterHandlers(server remoting.Server) {
	server.RegisterMessageHandler(remoting.ClusterMessageTableUpdate, handlerFunc(m.handleTableUpdate))
	server.RegisterMessageHandler(remoting.ClusterMessagePartitionCompletion, handlerFunc(m.handlePartitionCompletion))
	server.RegisterMessageHandler(remoting.ClusterMessageRecordTransfer, handlerFunc(m.handleRecordTransfer))
	server.RegisterMessageHandler(remoting.ClusterMessageRecordBackup, handlerFunc(m.handleRecordBackup))
	server.RegisterMessageHandler(remoting.ClusterMessageInitialState, handlerFunc(m.handleInitialState))
}

func (m *Manager) handleTableUpdate(msg remoting.ClusterMessage) (remoting.ClusterMessage, error) {
	update := msg.(*remoting.TableUpdate) //nolint:forcetypeassert
	m.writer.ScheduleActionFireAndForget(func() error {
		if master, ok := m.membership.Master(); !ok || master != update.Sender {
			log.Warnf("%s ignoring partition table from %s which is not the master", m.self, update.Sender)
			return nil
		}
		m.reconcile(update.Partitions)
		return nil
	})
	return nil, nil
}

func (m *Manager) handlePartitionCompletion(msg remoting.ClusterMessage) (remoting.ClusterMessage, error) {
	completion := msg.(*remoting.PartitionCompletion) //nolint:forcetypeassert
	m.writer.ScheduleActionFireAndForget(func() error {
		m.handleCompletion(&completion.Partition)
		return nil
	})
	return nil, nil
}

// handleRecordTransfer stores a record sent by the previous owner of a migrating partition. The record is stored
// as owned straight away, before the table says this node owns the partition.
func (m *Manager) handleRecordTransfer(msg remoting.ClusterMessage) (remoting.ClusterMessage, error) {
	transfer := msg.(*remoting.RecordTransfer) //nolint:forcetypeassert
	m.store.Put(fromRecordData(&transfer.Record, true))
	return nil, nil
}

func (m *Manager) handleRecordBackup(msg remoting.ClusterMessage) (remoting.ClusterMessage, error) {
	backup := msg.(*remoting.RecordBackup) //nolint:forcetypeassert
	rec := fromRecordData(&backup.Record, false)
	m.writer.ScheduleActionFireAndForget(func() error {
		id := m.partitioner.PartitionForKey(rec.Key)
		if p, ok := m.table.Lookup(id); ok && p.EffectiveOwner() == m.self {
			log.Debugf("%s ignoring backup from %s for partition %d which it owns", m.self, backup.Sender, id)
			return nil
		}
		m.store.Put(rec)
		return nil
	})
	return nil, nil
}

func (m *Manager) handleInitialState(msg remoting.ClusterMessage) (remoting.ClusterMessage, error) {
	state := msg.(*remoting.InitialState) //nolint:forcetypeassert
	for _, mapState := range state.Maps {
		if m.store.CreateMap(mapState.Name, int(mapState.BackupCount)) {
			log.Debugf("%s created map %s from initial state of %s", m.self, mapState.Name, state.Sender)
		}
	}
	return nil, nil
}

// PutRecord stores a record in a partition owned by this node and sends it to the backups of the partition.
func (m *Manager) PutRecord(mapName string, key []byte, value []byte, indexes []int64, indexTypes []byte) error {
	id := m.partitioner.PartitionForKey(key)
	return <-m.writer.ScheduleAction(func() error {
		p, err := m.table.Get(id)
		if err != nil {
			return err
		}
		if p.Owner != m.self {
			return errors.NewPartitionNotOwnedError(id, p.Owner)
		}
		if p.Migrating() {
			return errors.NewPartitionMigratingError(id)
		}
		rec := store.Record{
			MapName:    mapName,
			Key:        key,
			Value:      value,
			Indexes:    indexes,
			IndexTypes: indexTypes,
			Owned:      true,
		}
		m.store.Put(rec)
		m.sendBackup(m.failinject.GetFailpoint(failinject.BackupRecordFailpoint), &rec)
		return nil
	})
}
