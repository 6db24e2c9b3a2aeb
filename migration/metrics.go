package migration

import (
	"github.com/squareup/blockmgr/metrics"
)

type managerMetrics struct {
	migrationsDispatched metrics.Counter
	migrationsStarted    metrics.Counter
	migrationsCompleted  metrics.Counter
	recordsTransferred   metrics.Counter
	transferErrors       metrics.Counter
	drainTimeouts        metrics.Counter
	consistencyFaults    metrics.Counter
	ownedPartitions      metrics.Gauge
}

const (
	MetricMigrationsDispatched = "blockmgr_migrations_dispatched"
	MetricMigrationsStarted    = "blockmgr_migrations_started"
	MetricMigrationsCompleted  = "blockmgr_migrations_completed"
	MetricRecordsTransferred   = "blockmgr_records_transferred"
	MetricTransferErrors       = "blockmgr_record_transfer_errors"
	MetricDrainTimeouts        = "blockmgr_drain_timeouts"
	MetricConsistencyFaults    = "blockmgr_consistency_faults"
	MetricOwnedPartitions      = "blockmgr_owned_partitions"
)

func newManagerMetrics(factory metrics.Factory) (*managerMetrics, error) {
	mm := &managerMetrics{}
	counters := []struct {
		counter     *metrics.Counter
		name        string
		description string
	}{
		{&mm.migrationsDispatched, MetricMigrationsDispatched, "number of migrations dispatched by the master"},
		{&mm.migrationsStarted, MetricMigrationsStarted, "number of partitions this node has started migrating away"},
		{&mm.migrationsCompleted, MetricMigrationsCompleted, "number of partitions this node has migrated away"},
		{&mm.recordsTransferred, MetricRecordsTransferred, "number of records sent to the new owner of a partition"},
		{&mm.transferErrors, MetricTransferErrors, "number of records which could not be sent to the new owner"},
		{&mm.drainTimeouts, MetricDrainTimeouts, "number of migrations finalized before every transfer finished"},
		{&mm.consistencyFaults, MetricConsistencyFaults, "number of inconsistencies found in advertised partition tables"},
	}
	for _, c := range counters {
		counter, err := factory.CreateCounter(c.name, c.description)
		if err != nil {
			return nil, err
		}
		*c.counter = counter
	}
	gauge, err := factory.CreateGauge(MetricOwnedPartitions, "number of partitions owned by this node")
	if err != nil {
		return nil, err
	}
	mm.ownedPartitions = gauge
	return mm, nil
}
