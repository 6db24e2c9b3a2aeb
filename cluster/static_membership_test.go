package cluster

import (
	"testing"

	"github.com/stretchr/testify/require"
)

type recordingListener struct {
	joined []Address
	died   []Address
}

func (r *recordingListener) MemberJoined(member Member) {
	r.joined = append(r.joined, member.Address)
}

func (r *recordingListener) MemberDied(member Member) {
	r.died = append(r.died, member.Address)
}

func newMembership(local Address) *StaticMembership {
	return NewStaticMembership(local, []string{"a", "b", "c", "d"}, []string{"c"})
}

func TestOnlyLocalAliveAtStart(t *testing.T) {
	m := newMembership("b")
	require.Equal(t, []Member{{Address: "b", Storage: true}}, m.Members())
	require.True(t, m.IsMaster())
}

func TestMasterIsFirstLiveMember(t *testing.T) {
	m := newMembership("b")
	require.True(t, m.MarkAlive("a"))
	require.False(t, m.IsMaster())
	master, ok := m.Master()
	require.True(t, ok)
	require.Equal(t, "a", master)
	require.True(t, m.MarkDead("a"))
	require.True(t, m.IsMaster())
}

func TestMembersInJoinOrder(t *testing.T) {
	m := newMembership("a")
	m.MarkAlive("d")
	m.MarkAlive("c")
	var addresses []Address
	for _, member := range m.Members() {
		addresses = append(addresses, member.Address)
	}
	require.Equal(t, []Address{"a", "c", "d"}, addresses)
}

func TestLiteMemberIsNotStorage(t *testing.T) {
	m := newMembership("a")
	m.MarkAlive("c")
	require.False(t, m.IsStorage("c"))
	require.True(t, m.IsStorage("a"))
	require.False(t, m.IsStorage("b"))
}

func TestSuccessorsSkipDeadAndLite(t *testing.T) {
	m := newMembership("a")
	m.MarkAlive("b")
	m.MarkAlive("c")
	m.MarkAlive("d")
	require.Equal(t, []Address{"b", "d"}, m.Successors("a", 3))
	require.Equal(t, []Address{"d", "a"}, m.Successors("b", 2))
	m.MarkDead("b")
	next, ok := m.NextStorageMember("a")
	require.True(t, ok)
	require.Equal(t, "d", next)
	// a dead member keeps its position on the ring
	next, ok = m.NextStorageMember("b")
	require.True(t, ok)
	require.Equal(t, "d", next)
}

func TestNoNextStorageMemberWhenAlone(t *testing.T) {
	m := newMembership("a")
	_, ok := m.NextStorageMember("a")
	require.False(t, ok)
}

func TestDistance(t *testing.T) {
	m := newMembership("a")
	m.MarkAlive("b")
	m.MarkAlive("c")
	m.MarkAlive("d")
	require.Equal(t, 0, m.Distance("a", "a"))
	require.Equal(t, 1, m.Distance("a", "b"))
	require.Equal(t, 2, m.Distance("a", "d"))
	require.Equal(t, 1, m.Distance("d", "a"))
	require.Equal(t, -1, m.Distance("a", "c"))
}

func TestListenersCalledOncePerChange(t *testing.T) {
	m := newMembership("a")
	l := &recordingListener{}
	m.AddMembershipListener(l)
	require.True(t, m.MarkAlive("b"))
	require.False(t, m.MarkAlive("b"))
	m.AvailabilityChanged("b", false)
	m.AvailabilityChanged("b", false)
	require.False(t, m.MarkDead("a"))
	require.False(t, m.MarkAlive("unknown"))
	require.Equal(t, []Address{"b"}, l.joined)
	require.Equal(t, []Address{"b"}, l.died)
}
