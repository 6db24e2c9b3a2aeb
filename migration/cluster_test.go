package migration

import (
	"fmt"
	"testing"

	"github.com/squareup/blockmgr/cluster"
	"github.com/squareup/blockmgr/common/commontest"
	"github.com/squareup/blockmgr/conf"
	"github.com/squareup/blockmgr/failinject"
	"github.com/squareup/blockmgr/metrics"
	"github.com/squareup/blockmgr/remoting"
	"github.com/squareup/blockmgr/sharder"
	"github.com/squareup/blockmgr/store"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeNode struct {
	address    string
	membership *cluster.StaticMembership
	store      *store.Store
	server     *remoting.FakeServer
	manager    *Manager
	stopped    bool
}

func startFakeNode(t *testing.T, network *remoting.FakeNetwork, nodeID int, addresses []string) *fakeNode {
	t.Helper()
	return startFakeNodeWithConfig(t, network, conf.NewTestConfig(nodeID, addresses...))
}

func (n *fakeNode) stop() {
	if n.stopped {
		return
	}
	n.stopped = true
	if err := n.manager.Stop(); err != nil {
		panic(err)
	}
	if err := n.server.Stop(); err != nil {
		panic(err)
	}
}

func connect(nodes ...*fakeNode) {
	for _, n := range nodes {
		for _, other := range nodes {
			if other != n {
				n.membership.MarkAlive(other.address)
			}
		}
	}
}

func nodeByAddress(nodes []*fakeNode, address string) *fakeNode {
	for _, n := range nodes {
		if n.address == address {
			return n
		}
	}
	return nil
}

// waitForBalance waits until every node has the same table, nothing is migrating and every node owns at least
// minOwned partitions.
func waitForBalance(t *testing.T, nodes []*fakeNode, minOwned int) {
	t.Helper()
	commontest.WaitUntil(t, func() (bool, error) {
		var hash uint64
		for i, n := range nodes {
			h, err := n.manager.TableHash()
			if err != nil {
				return false, err
			}
			if i > 0 && h != hash {
				return false, nil
			}
			hash = h
		}
		partitions, err := nodes[0].manager.Partitions()
		if err != nil {
			return false, err
		}
		owned := map[string]int{}
		for _, po := range partitions {
			if po.Owner == nil || po.MigrationTarget != nil {
				return false, nil
			}
			owned[po.Owner.Address]++
		}
		for _, n := range nodes {
			if owned[n.address] < minOwned {
				return false, nil
			}
		}
		return true, nil
	})
}

// waitForRecords waits until every key is owned by the owner of its partition and, if backups is set, held as a
// backup by the next member.
func waitForRecords(t *testing.T, nodes []*fakeNode, keys []string, backups bool) {
	t.Helper()
	commontest.WaitUntil(t, func() (bool, error) {
		for _, key := range keys {
			po, err := nodes[0].manager.PartitionForKey([]byte(key))
			if err != nil {
				return false, err
			}
			owner := nodeByAddress(nodes, po.Owner.Address)
			rec, ok := owner.store.Get("m1", []byte(key))
			if !ok || !rec.Owned || string(rec.Value) != "value-"+key {
				return false, nil
			}
			for _, n := range nodes {
				if n != owner {
					if rec, ok := n.store.Get("m1", []byte(key)); ok && rec.Owned {
						return false, nil
					}
				}
			}
			if !backups {
				continue
			}
			successors := owner.membership.Successors(owner.address, 1)
			if len(successors) == 0 {
				continue
			}
			if _, ok := nodeByAddress(nodes, successors[0]).store.Get("m1", []byte(key)); !ok {
				return false, nil
			}
		}
		return true, nil
	})
}

func TestClusterBalancesAndSurvivesDeath(t *testing.T) {
	network := remoting.NewFakeNetwork()
	addresses := []string{"node-a", "node-b", "node-c"}
	a := startFakeNode(t, network, 0, addresses)

	var keys []string
	for i := 0; i < 100; i++ {
		key := fmt.Sprintf("key-%d", i)
		keys = append(keys, key)
		require.NoError(t, a.manager.PutRecord("m1", []byte(key), []byte("value-"+key), []int64{int64(i % 7)}, []byte{1}))
	}
	require.Equal(t, 100, len(a.store.OwnedRecords()))

	b := startFakeNode(t, network, 1, addresses)
	c := startFakeNode(t, network, 2, addresses)
	nodes := []*fakeNode{a, b, c}
	connect(nodes...)

	waitForBalance(t, nodes, 5)
	waitForRecords(t, nodes, keys, true)
	// map configuration reached the new members
	require.Equal(t, []store.MapConfig{{Name: "m1", BackupCount: 1}}, b.store.MapConfigs())

	// c dies, its partitions go to a which holds their backups
	c.stop()
	a.membership.MarkDead(c.address)
	b.membership.MarkDead(c.address)
	survivors := []*fakeNode{a, b}
	waitForBalance(t, survivors, 8)
	waitForRecords(t, survivors, keys, false)

	owned := 0
	for _, n := range survivors {
		owned += len(n.store.OwnedRecords())
	}
	require.Equal(t, 100, owned)
	// promoted and transferred records are indexed on their new owners
	indexed := 0
	for _, n := range survivors {
		for v := int64(0); v < 7; v++ {
			indexed += len(n.store.IndexLookup("m1", 0, v))
		}
	}
	require.Equal(t, 100, indexed)
}

func TestClusterLiteMemberOwnsNothing(t *testing.T) {
	network := remoting.NewFakeNetwork()
	addresses := []string{"node-a", "node-b", "node-l"}
	nodes := make([]*fakeNode, 3)
	for i := range addresses {
		cnf := conf.NewTestConfig(i, addresses...)
		cnf.LiteMemberAddresses = []string{"node-l"}
		nodes[i] = startFakeNodeWithConfig(t, network, cnf)
	}
	connect(nodes...)
	waitForBalance(t, nodes[:2], 8)
	commontest.WaitUntil(t, func() (bool, error) {
		expected, err := nodes[0].manager.TableHash()
		if err != nil {
			return false, err
		}
		actual, err := nodes[2].manager.TableHash()
		return expected == actual, err
	})
	partitions, err := nodes[2].manager.Partitions()
	require.NoError(t, err)
	for _, po := range partitions {
		require.NotNil(t, po.Owner)
		require.NotEqual(t, "node-l", po.Owner.Address)
	}
}

func startFakeNodeWithConfig(t *testing.T, network *remoting.FakeNetwork, cnf *conf.Config) *fakeNode {
	t.Helper()
	shard, err := sharder.NewSharder(cnf.HashFunction, cnf.PartitionCount)
	require.NoError(t, err)
	address := cnf.LocalAddress()
	membership := cluster.NewStaticMembership(address, cnf.MemberAddresses, cnf.LiteMemberAddresses)
	st := store.NewStore(shard, cnf.DefaultBackupCount)
	mgr, err := NewManager(*cnf, membership, st, st, shard, network.Transport(), metrics.NewFakeFactory(),
		failinject.NewDummyInjector(), zap.NewNop())
	require.NoError(t, err)
	server := network.NewServer(address)
	mgr.RegisterHandlers(server)
	require.NoError(t, server.Start())
	require.NoError(t, mgr.Start())
	node := &fakeNode{address: address, membership: membership, store: st, server: server, manager: mgr}
	t.Cleanup(node.stop)
	return node
}
