package conf

import (
	"fmt"
	"time"

	"github.com/squareup/blockmgr/errors"
)

const (
	DefaultPartitionCount     = 271
	DefaultHashFunction       = HashFunctionFNV
	DefaultMigrationInterval  = 10 * time.Second
	DefaultDrainTimeout       = 10 * time.Second
	DefaultTickInterval       = 1 * time.Second
	DefaultMigrationWorkers   = 8
	DefaultHeartbeatInterval  = 2 * time.Second
	DefaultHeartbeatTimeout   = 1 * time.Second
	DefaultBackupCount        = 1
	DefaultStartupEndpoint    = "/started"
	DefaultReadyEndpoint      = "/ready"
	DefaultLiveEndpoint       = "/live"
	DefaultMetricsListenAddr  = "localhost:2112"
	DefaultAPIListenAddress   = ""
	DefaultLifecycleListenAdr = "localhost:8913"

	HashFunctionFNV     = "fnv"
	HashFunctionMurmur3 = "murmur3"

	MaxBackupCount = 6
)

// Config is the configuration of a single node. Every node in a cluster must be given the same MemberAddresses,
// LiteMemberAddresses, PartitionCount and HashFunction, otherwise nodes will disagree about which partition a key
// lives in.
type Config struct {
	NodeID                   int           `help:"Index of this node in member-addresses" default:"0"`
	MemberAddresses          []string      `help:"Cluster address of every member. The first live member is the master"`
	LiteMemberAddresses      []string      `help:"Members which hold no records and never own partitions"`
	PartitionCount           int           `help:"Number of partitions in the keyspace, fixed for the life of the cluster" default:"271"`
	HashFunction             string        `help:"Hash used to map a key to a partition" enum:"fnv,murmur3" default:"fnv"`
	MigrationInterval        time.Duration `help:"Interval between migration cycles on the master" default:"10s"`
	DrainTimeout             time.Duration `help:"Maximum time to wait for the records of a migrating partition to transfer" default:"10s"`
	TickInterval             time.Duration `help:"Interval at which the migration cycle is checked" default:"1s"`
	MigrationWorkers         int           `help:"Number of goroutines transferring records" default:"8"`
	HeartbeatInterval        time.Duration `help:"Interval between member heartbeats" default:"2s"`
	HeartbeatTimeout         time.Duration `help:"Time after which an unanswered heartbeat marks a member dead" default:"1s"`
	DefaultBackupCount       int           `help:"Number of backups of each record held on the following members" default:"1"`
	MapNames                 []string      `help:"Maps created when the node starts"`
	TestServer               bool          `help:"Run with an in-process transport, for testing"`
	LifecycleEndpointEnabled bool          `help:"Serve lifecycle endpoints over HTTP"`
	LifecycleListenAddress   string        `help:"Address for the lifecycle endpoints" default:"localhost:8913"`
	StartupEndpointPath      string        `help:"Path of the startup endpoint" default:"/started"`
	ReadyEndpointPath        string        `help:"Path of the readiness endpoint" default:"/ready"`
	LiveEndpointPath         string        `help:"Path of the liveness endpoint" default:"/live"`
	APIListenAddress         string        `help:"Address of the HTTP partition API. Disabled if empty"`
	MetricsEnabled           bool          `help:"Export metrics to prometheus"`
	MetricsListenAddress     string        `help:"Address prometheus metrics are served on" default:"localhost:2112"`
}

func (c *Config) Validate() error { //nolint:gocyclo
	if len(c.MemberAddresses) == 0 {
		return errors.NewInvalidConfigurationError("MemberAddresses must be specified")
	}
	if c.NodeID < 0 || c.NodeID >= len(c.MemberAddresses) {
		return errors.NewInvalidConfigurationError("NodeID must be in the range 0 (inclusive) to len(MemberAddresses) (exclusive)")
	}
	seen := make(map[string]struct{}, len(c.MemberAddresses))
	for _, address := range c.MemberAddresses {
		if address == "" {
			return errors.NewInvalidConfigurationError("MemberAddresses must not contain an empty address")
		}
		if _, ok := seen[address]; ok {
			return errors.NewInvalidConfigurationError(fmt.Sprintf("MemberAddresses contains %s more than once", address))
		}
		seen[address] = struct{}{}
	}
	for _, address := range c.LiteMemberAddresses {
		if _, ok := seen[address]; !ok {
			return errors.NewInvalidConfigurationError(fmt.Sprintf("LiteMemberAddresses contains %s which is not in MemberAddresses", address))
		}
	}
	if len(c.LiteMemberAddresses) >= len(c.MemberAddresses) {
		return errors.NewInvalidConfigurationError("at least one member must not be a lite member")
	}
	if c.PartitionCount < 1 {
		return errors.NewInvalidConfigurationError("PartitionCount must be >= 1")
	}
	if c.HashFunction != HashFunctionFNV && c.HashFunction != HashFunctionMurmur3 {
		return errors.NewInvalidConfigurationError(fmt.Sprintf("HashFunction must be %s or %s", HashFunctionFNV, HashFunctionMurmur3))
	}
	if c.MigrationInterval < 10*time.Millisecond {
		return errors.NewInvalidConfigurationError(fmt.Sprintf("MigrationInterval must be >= %d", 10*time.Millisecond))
	}
	if c.DrainTimeout < 10*time.Millisecond {
		return errors.NewInvalidConfigurationError(fmt.Sprintf("DrainTimeout must be >= %d", 10*time.Millisecond))
	}
	if c.TickInterval < time.Millisecond || c.TickInterval > c.MigrationInterval {
		return errors.NewInvalidConfigurationError("TickInterval must be >= 1ms and <= MigrationInterval")
	}
	if c.MigrationWorkers < 1 {
		return errors.NewInvalidConfigurationError("MigrationWorkers must be >= 1")
	}
	if c.DefaultBackupCount < 0 || c.DefaultBackupCount > MaxBackupCount {
		return errors.NewInvalidConfigurationError(fmt.Sprintf("DefaultBackupCount must be in the range 0 to %d", MaxBackupCount))
	}
	if !c.TestServer {
		if c.HeartbeatInterval < 10*time.Millisecond {
			return errors.NewInvalidConfigurationError(fmt.Sprintf("HeartbeatInterval must be >= %d", 10*time.Millisecond))
		}
		if c.HeartbeatTimeout < time.Millisecond || c.HeartbeatTimeout > c.HeartbeatInterval {
			return errors.NewInvalidConfigurationError("HeartbeatTimeout must be >= 1ms and <= HeartbeatInterval")
		}
	}
	if c.LifecycleEndpointEnabled {
		if c.LifecycleListenAddress == "" {
			return errors.NewInvalidConfigurationError("LifecycleListenAddress must be specified")
		}
		if c.StartupEndpointPath == "" || c.ReadyEndpointPath == "" || c.LiveEndpointPath == "" {
			return errors.NewInvalidConfigurationError("StartupEndpointPath, ReadyEndpointPath and LiveEndpointPath must be specified")
		}
	}
	if c.MetricsEnabled && c.MetricsListenAddress == "" {
		return errors.NewInvalidConfigurationError("MetricsListenAddress must be specified")
	}
	return nil
}

// LocalAddress is the cluster address of this node.
func (c *Config) LocalAddress() string {
	return c.MemberAddresses[c.NodeID]
}

func NewDefaultConfig() *Config {
	return &Config{
		PartitionCount:         DefaultPartitionCount,
		HashFunction:           DefaultHashFunction,
		MigrationInterval:      DefaultMigrationInterval,
		DrainTimeout:           DefaultDrainTimeout,
		TickInterval:           DefaultTickInterval,
		MigrationWorkers:       DefaultMigrationWorkers,
		HeartbeatInterval:      DefaultHeartbeatInterval,
		HeartbeatTimeout:       DefaultHeartbeatTimeout,
		DefaultBackupCount:     DefaultBackupCount,
		LifecycleListenAddress: DefaultLifecycleListenAdr,
		StartupEndpointPath:    DefaultStartupEndpoint,
		ReadyEndpointPath:      DefaultReadyEndpoint,
		LiveEndpointPath:       DefaultLiveEndpoint,
		MetricsListenAddress:   DefaultMetricsListenAddr,
	}
}

// NewTestConfig returns a config for node nodeID of an in-process cluster with the given member addresses. Intervals
// are short so tests don't have to wait for migration cycles.
func NewTestConfig(nodeID int, memberAddresses ...string) *Config {
	cnf := NewDefaultConfig()
	cnf.NodeID = nodeID
	cnf.MemberAddresses = memberAddresses
	cnf.PartitionCount = 16
	cnf.MigrationInterval = 50 * time.Millisecond
	cnf.DrainTimeout = 2 * time.Second
	cnf.TickInterval = 10 * time.Millisecond
	cnf.MigrationWorkers = 4
	cnf.TestServer = true
	return cnf
}
