package migration

import (
	"github.com/squareup/blockmgr/cluster"
)

// MigrationEvent describes a partition moving from Owner to Target. Target is the new owner in both the started
// and the completed event.
type MigrationEvent struct {
	PartitionID int
	Owner       *cluster.Member
	Target      *cluster.Member
}

// MigrationListener is notified as partitions migrate. Listeners are called one at a time on a goroutine of their
// own, never on the goroutine which changes the partition table, so they may call back into the Manager.
type MigrationListener interface {
	MigrationStarted(event MigrationEvent)
	MigrationCompleted(event MigrationEvent)
}

func (m *Manager) AddMigrationListener(listener MigrationListener) error {
	return <-m.writer.ScheduleAction(func() error {
		m.listeners = append(m.listeners, listener)
		return nil
	})
}

func (m *Manager) RemoveMigrationListener(listener MigrationListener) error {
	return <-m.writer.ScheduleAction(func() error {
		for i, l := range m.listeners {
			if l == listener {
				// copy so a snapshot held by an in-flight event is not modified
				listeners := make([]MigrationListener, 0, len(m.listeners)-1)
				listeners = append(listeners, m.listeners[:i]...)
				m.listeners = append(listeners, m.listeners[i+1:]...)
				return nil
			}
		}
		return nil
	})
}

func (m *Manager) fireStarted(partitionID int, owner cluster.Address, target cluster.Address) {
	m.fire(partitionID, owner, target, MigrationListener.MigrationStarted)
}

func (m *Manager) fireCompleted(partitionID int, owner cluster.Address, target cluster.Address) {
	m.fire(partitionID, owner, target, MigrationListener.MigrationCompleted)
}

func (m *Manager) fire(partitionID int, owner cluster.Address, target cluster.Address,
	notify func(MigrationListener, MigrationEvent)) {
	if len(m.listeners) == 0 {
		return
	}
	event := MigrationEvent{PartitionID: partitionID, Owner: m.resolve(owner), Target: m.resolve(target)}
	listeners := m.listeners
	m.events.ScheduleActionFireAndForget(func() error {
		for _, listener := range listeners {
			notify(listener, event)
		}
		return nil
	})
}
