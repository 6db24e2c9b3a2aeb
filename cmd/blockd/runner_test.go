package main

import (
	"io/fs"
	"io/ioutil"
	"log"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/squareup/blockmgr/conf"
	"github.com/squareup/blockmgr/errors"
	"github.com/stretchr/testify/require"
)

const configFile = `
node-id = 1
member-addresses = ["addr1", "addr2", "addr3"]
lite-member-addresses = ["addr3"]
partition-count = 101
hash-function = "murmur3"
migration-interval = "5s"
drain-timeout = "7s"
tick-interval = "500ms"
migration-workers = 3
heartbeat-interval = "3s"
heartbeat-timeout = "2s"
default-backup-count = 2
map-names = ["users", "sessions"]
test-server = true
lifecycle-endpoint-enabled = true
lifecycle-listen-address = "localhost:8914"
startup-endpoint-path = "/up"
ready-endpoint-path = "/ok"
live-endpoint-path = "/alive"
api-listen-address = "localhost:6700"
metrics-enabled = true
metrics-listen-address = "localhost:9102"
`

func TestRunnerConfigFile(t *testing.T) {
	dataDir, err := ioutil.TempDir("", "runner-test")
	require.NoError(t, err)
	defer removeDataDir(dataDir)

	fName := filepath.Join(dataDir, "blockd.hcl")
	err = ioutil.WriteFile(fName, []byte(configFile), fs.ModePerm)
	require.NoError(t, err)

	r := &runner{}
	require.NoError(t, r.run([]string{"--config", fName}, false))

	expected := conf.Config{
		NodeID:                   1,
		MemberAddresses:          []string{"addr1", "addr2", "addr3"},
		LiteMemberAddresses:      []string{"addr3"},
		PartitionCount:           101,
		HashFunction:             conf.HashFunctionMurmur3,
		MigrationInterval:        5 * time.Second,
		DrainTimeout:             7 * time.Second,
		TickInterval:             500 * time.Millisecond,
		MigrationWorkers:         3,
		HeartbeatInterval:        3 * time.Second,
		HeartbeatTimeout:         2 * time.Second,
		DefaultBackupCount:       2,
		MapNames:                 []string{"users", "sessions"},
		TestServer:               true,
		LifecycleEndpointEnabled: true,
		LifecycleListenAddress:   "localhost:8914",
		StartupEndpointPath:      "/up",
		ReadyEndpointPath:        "/ok",
		LiveEndpointPath:         "/alive",
		APIListenAddress:         "localhost:6700",
		MetricsEnabled:           true,
		MetricsListenAddress:     "localhost:9102",
	}
	require.Equal(t, expected, r.getServer().GetConfig())
}

func TestRunnerFlagsAndDefaults(t *testing.T) {
	r := &runner{}
	args := []string{"--member-addresses", "addr1,addr2", "--node-id", "1", "--test-server", "--map-names", "m1"}
	require.NoError(t, r.run(args, false))

	expected := conf.NewDefaultConfig()
	expected.NodeID = 1
	expected.MemberAddresses = []string{"addr1", "addr2"}
	expected.MapNames = []string{"m1"}
	expected.TestServer = true

	actual := r.getServer().GetConfig()
	require.Equal(t, expected.MemberAddresses, actual.MemberAddresses)
	require.Equal(t, expected.NodeID, actual.NodeID)
	require.Equal(t, expected.PartitionCount, actual.PartitionCount)
	require.Equal(t, expected.HashFunction, actual.HashFunction)
	require.Equal(t, expected.MigrationInterval, actual.MigrationInterval)
	require.Equal(t, expected.DrainTimeout, actual.DrainTimeout)
	require.Equal(t, expected.TickInterval, actual.TickInterval)
	require.Equal(t, expected.MigrationWorkers, actual.MigrationWorkers)
	require.Equal(t, expected.DefaultBackupCount, actual.DefaultBackupCount)
	require.Equal(t, expected.MapNames, actual.MapNames)
	require.Equal(t, expected.ReadyEndpointPath, actual.ReadyEndpointPath)
	require.True(t, actual.TestServer)
	require.Empty(t, actual.LiteMemberAddresses)
}

func TestRunnerInvalidConfig(t *testing.T) {
	r := &runner{}
	err := r.run([]string{"--member-addresses", "addr1", "--node-id", "3", "--test-server"}, false)
	require.Error(t, err)
	require.True(t, errors.HasCode(err, errors.InvalidConfiguration))
}

func removeDataDir(dataDir string) {
	if err := os.RemoveAll(dataDir); err != nil {
		log.Printf("failed to remove datadir %v", err)
	}
}
