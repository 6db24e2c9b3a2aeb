package migration

import (
	"fmt"

	log "github.com/sirupsen/logrus"

	"github.com/squareup/blockmgr/cluster"
	"github.com/squareup/blockmgr/errors"
	"github.com/squareup/blockmgr/partition"
	"github.com/squareup/blockmgr/remoting"
)

// reconcileAction is what a node does with one partition of a table it has been sent.
type reconcileAction int

const (
	actionNone reconcileAction = iota
	// the local copy has no owner, take the advertised one
	actionBootstrap
	// this node owns the partition and has been told to migrate it
	actionStartMigration
	// neither copy is owned by this node, take the advertised ownership
	actionAdopt
	// the sender has not yet seen the completion of a migration away from this node
	actionReannounce
	// this node has already seen the completion the advertised copy is missing
	actionKeepLocal
	faultForeignOwner
	faultLocalOwnerOverridden
	faultConflictingTargets
)

var reconcileActionNames = map[reconcileAction]string{
	actionNone:                "none",
	actionBootstrap:           "bootstrap",
	actionStartMigration:      "start-migration",
	actionAdopt:               "adopt",
	actionReannounce:          "reannounce",
	actionKeepLocal:           "keep-local",
	faultForeignOwner:         "foreign-owner",
	faultLocalOwnerOverridden: "local-owner-overridden",
	faultConflictingTargets:   "conflicting-targets",
}

func (a reconcileAction) String() string {
	return reconcileActionNames[a]
}

func (a reconcileAction) isFault() bool {
	return a >= faultForeignOwner
}

// classify decides how the local copy of a partition is reconciled with the copy advertised by the master.
func classify(local *partition.Partition, adv *partition.Partition, self cluster.Address) reconcileAction {
	if adv.Owner == "" {
		// an unowned advertisement carries no information
		return actionNone
	}
	if local.SameAs(adv) {
		if local.Owner == self && local.Migrating() && !local.MigrationStarted {
			return actionStartMigration
		}
		return actionNone
	}
	if local.Owner == "" {
		return actionBootstrap
	}
	localSelf := local.Owner == self
	advSelf := adv.Owner == self
	switch {
	case advSelf && localSelf:
		if !adv.Migrating() {
			// the master has not seen this migration start yet
			return actionKeepLocal
		}
		if !local.Migrating() {
			return actionStartMigration
		}
		return faultConflictingTargets
	case advSelf:
		if !local.Migrating() && adv.MigrationTarget == local.Owner {
			return actionReannounce
		}
		return faultForeignOwner
	case localSelf:
		return faultLocalOwnerOverridden
	default:
		return actionAdopt
	}
}

// reconcile applies a table advertised by the master, partition by partition.
func (m *Manager) reconcile(advertised []remoting.PartitionInfo) {
	if len(advertised) != m.table.PartitionCount() {
		m.consistencyFault(errors.NewInconsistentOwnershipError(fmt.Sprintf(
			"advertised table has %d partitions, local table has %d", len(advertised), m.table.PartitionCount())))
		return
	}
	for i := range advertised {
		adv := fromPartitionInfo(&advertised[i])
		if adv.ID != i {
			m.consistencyFault(errors.NewInconsistentOwnershipError(
				fmt.Sprintf("advertised partition %d at position %d", adv.ID, i)))
			return
		}
		m.reconcilePartition(&adv)
	}
}

func (m *Manager) reconcilePartition(adv *partition.Partition) {
	local, err := m.table.Get(adv.ID)
	if err != nil {
		m.consistencyFault(err)
		return
	}
	action := classify(local, adv, m.self)
	if action == actionBootstrap {
		local.Owner = adv.Owner
		action = classify(local, adv, m.self)
	}
	switch action {
	case actionNone:
	case actionStartMigration:
		if err := m.startMigration(local.ID, adv.MigrationTarget); err != nil {
			m.consistencyFault(err)
		}
	case actionAdopt:
		m.adopt(local, adv)
	case actionReannounce:
		log.Debugf("re-announcing completion of %s", local)
		m.announceCompletion(local)
	case actionKeepLocal:
		log.Debugf("keeping %s, advertised %s", local, adv)
	default:
		m.consistencyFault(errors.NewInconsistentOwnershipError(fmt.Sprintf("%s: local %s advertised %s",
			action, local, adv)))
	}
}

// adopt takes the advertised ownership of a partition this node does not own, firing an event if the partition
// starts or stops migrating.
func (m *Manager) adopt(local *partition.Partition, adv *partition.Partition) {
	wasMigrating := local.Migrating()
	previous := *local
	local.Owner = adv.Owner
	local.MigrationTarget = adv.MigrationTarget
	local.MigrationStarted = false
	switch {
	case !wasMigrating && local.Migrating():
		m.fireStarted(local.ID, local.Owner, local.MigrationTarget)
	case wasMigrating && !local.Migrating():
		m.fireCompleted(local.ID, previous.Owner, previous.MigrationTarget)
	}
}

// handleCompletion applies the completion of a migration announced by the previous owner.
func (m *Manager) handleCompletion(info *remoting.PartitionInfo) {
	local, err := m.table.Get(int(info.PartitionID))
	if err != nil {
		m.consistencyFault(err)
		return
	}
	if !local.Migrating() {
		if local.Owner != info.Owner {
			log.Debugf("ignoring completion of partition %d, local copy is %s", info.PartitionID, local)
		}
		return
	}
	if local.MigrationTarget != info.Owner {
		m.consistencyFault(errors.NewInconsistentOwnershipError(fmt.Sprintf(
			"%s completed to %s", local, info.Owner)))
		return
	}
	previousOwner := local.Owner
	local.Owner = info.Owner
	local.MigrationTarget = ""
	local.MigrationStarted = false
	m.fireCompleted(local.ID, previousOwner, info.Owner)
	if local.Owner == m.self {
		m.backupPartition(local.ID)
	}
}
