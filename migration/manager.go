// Package migration keeps the partition table of a node consistent with the rest of the cluster. The master plans
// and dispatches migrations, every node reconciles the tables it is sent and the owner of a migrating partition
// moves its records to the new owner.
//
// All partition table state is owned by a single writer goroutine. Message handlers, membership events, the
// coordinator tick and the end of a record transfer all submit actions to the writer rather than touching the
// table themselves.
package migration

import (
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"go.uber.org/zap"

	"github.com/squareup/blockmgr/cluster"
	"github.com/squareup/blockmgr/common"
	"github.com/squareup/blockmgr/conf"
	"github.com/squareup/blockmgr/errors"
	"github.com/squareup/blockmgr/failinject"
	"github.com/squareup/blockmgr/metrics"
	"github.com/squareup/blockmgr/partition"
	"github.com/squareup/blockmgr/rearrange"
	"github.com/squareup/blockmgr/remoting"
	"github.com/squareup/blockmgr/sched"
	"github.com/squareup/blockmgr/store"
)

// RecordStore is the record storage of the local node.
type RecordStore interface {
	Put(rec store.Record)
	HasOwnedRecordsInPartition(partitionID int) bool
	DrainOwnedRecordsInPartition(partitionID int) []store.Record
	MarkRemoved(mapName string, key []byte) bool
	PromoteToOwned(mapName string, key []byte) (store.Record, error)
	RecordsInPartition(partitionID int) []store.Record
	ActiveRecords() []store.Record
	OwnedRecords() []store.Record
	CreateMap(name string, backupCount int) bool
	MapConfigs() []store.MapConfig
	BackupCount(mapName string) int
	OnDisconnect(address cluster.Address) int
}

// IndexService maintains the secondary indexes of owned records.
type IndexService interface {
	UpdateIndex(mapName string, indexes []int64, indexTypes []byte, key []byte, valueHash int32) error
}

type Partitioner interface {
	PartitionCount() int
	PartitionForKey(key []byte) int
}

// Manager is the partition manager of a single node.
type Manager struct {
	cnf         conf.Config
	self        cluster.Address
	membership  cluster.Membership
	store       RecordStore
	index       IndexService
	partitioner Partitioner
	transport   remoting.ClusterTransport
	planner     *rearrange.Planner
	failinject  failinject.Injector
	metrics     *managerMetrics
	writer      *sched.Scheduler
	events      *sched.Scheduler
	pool        *workerPool
	started     common.AtomicBool
	startStop   sync.Mutex
	tickerStop  chan struct{}
	tickerDone  chan struct{}

	// The following are only accessed on the writer
	table         *partition.Table
	pendingMoves  []rearrange.Move
	nextMigration time.Time
	listeners     []MigrationListener
	wasMaster     bool
	neighbours    []cluster.Address
}

func NewManager(cnf conf.Config, membership cluster.Membership, recordStore RecordStore, index IndexService,
	partitioner Partitioner, transport remoting.ClusterTransport, metricsFactory metrics.Factory,
	injector failinject.Injector, logger *zap.Logger) (*Manager, error) {
	if partitioner.PartitionCount() != cnf.PartitionCount {
		return nil, errors.NewInvalidConfigurationError("partitioner does not match PartitionCount")
	}
	mm, err := newManagerMetrics(metricsFactory)
	if err != nil {
		return nil, err
	}
	return &Manager{
		cnf:         cnf,
		self:        membership.LocalAddress(),
		membership:  membership,
		store:       recordStore,
		index:       index,
		partitioner: partitioner,
		transport:   transport,
		planner:     rearrange.NewPlanner(),
		failinject:  injector,
		metrics:     mm,
		writer:      sched.NewScheduler("partition-writer", logger),
		events:      sched.NewScheduler("migration-events", logger),
		pool:        newWorkerPool(cnf.MigrationWorkers),
		table:       partition.NewTable(cnf.PartitionCount),
	}, nil
}

func (m *Manager) Start() error {
	m.startStop.Lock()
	defer m.startStop.Unlock()
	if m.started.Get() {
		return nil
	}
	m.writer.Start()
	m.events.Start()
	m.pool.start()
	m.started.Set(true)
	if err := <-m.writer.ScheduleAction(m.initialise); err != nil {
		m.started.Set(false)
		return err
	}
	m.membership.AddMembershipListener(m)
	m.tickerStop = make(chan struct{})
	m.tickerDone = make(chan struct{})
	go m.tickLoop(m.tickerStop, m.tickerDone)
	log.Infof("partition manager started on %s with %d partitions", m.self, m.cnf.PartitionCount)
	return nil
}

func (m *Manager) Stop() error {
	m.startStop.Lock()
	defer m.startStop.Unlock()
	if !m.started.Get() {
		return nil
	}
	m.started.Set(false)
	close(m.tickerStop)
	<-m.tickerDone
	m.writer.Stop()
	m.pool.stop()
	m.events.Stop()
	return nil
}

func (m *Manager) initialise() error {
	m.table.MaterializeAll()
	m.wasMaster = m.membership.IsMaster()
	if m.wasMaster {
		m.claimUnowned()
	}
	m.neighbours = m.ringNeighbours()
	m.resetTick()
	return nil
}

// PartitionOwnership is a partition with its members resolved. Owner is nil while the partition is unowned and
// MigrationTarget is nil unless the partition is migrating.
type PartitionOwnership struct {
	PartitionID     int
	Owner           *cluster.Member
	MigrationTarget *cluster.Member
}

// Partitions returns every partition of the table with its owner.
func (m *Manager) Partitions() ([]PartitionOwnership, error) {
	var res []PartitionOwnership
	err := <-m.writer.ScheduleAction(func() error {
		for _, p := range m.table.Snapshot() {
			res = append(res, m.ownership(&p))
		}
		return nil
	})
	return res, err
}

// PartitionForKey returns the partition of key with its owner.
func (m *Manager) PartitionForKey(key []byte) (PartitionOwnership, error) {
	id := m.partitioner.PartitionForKey(key)
	var res PartitionOwnership
	err := <-m.writer.ScheduleAction(func() error {
		p, err := m.table.Get(id)
		if err != nil {
			return err
		}
		res = m.ownership(p)
		return nil
	})
	return res, err
}

// IsMigratingKey reports whether the partition of key is migrating.
func (m *Manager) IsMigratingKey(key []byte) (bool, error) {
	id := m.partitioner.PartitionForKey(key)
	var migrating bool
	err := <-m.writer.ScheduleAction(func() error {
		p, err := m.table.Get(id)
		if err != nil {
			return err
		}
		migrating = p.Migrating()
		return nil
	})
	return migrating, err
}

// TableHash returns a digest of the partition table. Two nodes with the same hash agree on every owner and
// migration target.
func (m *Manager) TableHash() (uint64, error) {
	var hash uint64
	err := <-m.writer.ScheduleAction(func() error {
		hash = m.table.AggregateHash()
		return nil
	})
	return hash, err
}

// IsStale reports whether a table digest held by a client no longer matches the table of this node.
func (m *Manager) IsStale(hash uint64) (bool, error) {
	current, err := m.TableHash()
	if err != nil {
		return false, err
	}
	return current != hash, nil
}

func (m *Manager) ownership(p *partition.Partition) PartitionOwnership {
	return PartitionOwnership{
		PartitionID:     p.ID,
		Owner:           m.resolve(p.Owner),
		MigrationTarget: m.resolve(p.MigrationTarget),
	}
}

// resolve returns nil for the empty address. Members that have died are returned as storage members since nothing
// else is known about them.
func (m *Manager) resolve(address cluster.Address) *cluster.Member {
	if address == "" {
		return nil
	}
	member, ok := m.membership.Member(address)
	if !ok {
		member = cluster.Member{Address: address, Storage: true}
	}
	return &member
}

// otherMembers returns the addresses of the live members other than this node.
func (m *Manager) otherMembers() []cluster.Address {
	var addresses []cluster.Address
	for _, member := range m.membership.Members() {
		if member.Address != m.self {
			addresses = append(addresses, member.Address)
		}
	}
	return addresses
}

// consistencyFault logs a fault in the replicated table. The table is left as it is and is corrected by the next
// broadcast from the master.
func (m *Manager) consistencyFault(err error) {
	m.metrics.consistencyFaults.Inc()
	common.LogInternalError(err)
}
