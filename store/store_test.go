package store

import (
	"testing"

	"github.com/stretchr/testify/require"
)

// keys are routed to the partition given by their first byte
type firstBytePartitioner struct{}

func (firstBytePartitioner) PartitionForKey(key []byte) int {
	return int(key[0])
}

func newStore() *Store {
	s := NewStore(firstBytePartitioner{}, 1)
	s.CreateMap("orders", 2)
	return s
}

func owned(mapName string, key string, value string, indexes ...int64) Record {
	return Record{MapName: mapName, Key: []byte(key), Value: []byte(value), Owned: true, Indexes: indexes}
}

func TestCreateMap(t *testing.T) {
	s := newStore()
	require.False(t, s.CreateMap("orders", 3))
	require.True(t, s.CreateMap("customers", 0))
	require.Equal(t, []MapConfig{{"orders", 2}, {"customers", 0}}, s.MapConfigs())
	require.Equal(t, 2, s.BackupCount("orders"))
	require.Equal(t, 1, s.BackupCount("unknown"))
}

func TestPutAndGet(t *testing.T) {
	s := newStore()
	s.Put(owned("orders", "\x01a", "v1"))
	rec, ok := s.Get("orders", []byte("\x01a"))
	require.True(t, ok)
	require.Equal(t, 1, rec.PartitionID)
	require.True(t, rec.Active)
	require.Equal(t, ValueHash([]byte("v1")), rec.ValueHash)
	_, ok = s.Get("orders", []byte("\x01b"))
	require.False(t, ok)
	_, ok = s.Get("nomap", []byte("\x01a"))
	require.False(t, ok)

	// put into a map that does not exist creates it with the default backup count
	s.Put(owned("customers", "\x02c", "v"))
	require.Equal(t, 1, s.BackupCount("customers"))
}

func TestGetReturnsCopy(t *testing.T) {
	s := newStore()
	s.Put(owned("orders", "\x01a", "v1"))
	rec, _ := s.Get("orders", []byte("\x01a"))
	rec.Value[0] = 'x'
	rec2, _ := s.Get("orders", []byte("\x01a"))
	require.Equal(t, "v1", string(rec2.Value))
}

func TestHasOwnedRecordsInPartition(t *testing.T) {
	s := newStore()
	backup := owned("orders", "\x03a", "v")
	backup.Owned = false
	s.Put(backup)
	require.False(t, s.HasOwnedRecordsInPartition(3))
	s.Put(owned("customers", "\x03b", "v"))
	require.True(t, s.HasOwnedRecordsInPartition(3))
	require.False(t, s.HasOwnedRecordsInPartition(2))
	require.False(t, s.HasOwnedRecordsInPartition(4))
}

func TestDrainOwnedRecordsInPartition(t *testing.T) {
	s := newStore()
	s.Put(owned("orders", "\x01a", "v", 10))
	s.Put(owned("orders", "\x02a", "v"))
	s.Put(owned("orders", "\x02b", "v", 10))
	s.Put(owned("customers", "\x02c", "v"))
	backup := owned("orders", "\x02d", "v")
	backup.Owned = false
	s.Put(backup)

	drained := s.DrainOwnedRecordsInPartition(2)
	var keys []string
	for _, rec := range drained {
		require.False(t, rec.Active)
		keys = append(keys, string(rec.Key))
	}
	require.Equal(t, []string{"\x02a", "\x02b", "\x02c"}, keys)
	require.False(t, s.HasOwnedRecordsInPartition(2))
	_, ok := s.Get("orders", []byte("\x02b"))
	require.False(t, ok)
	// backups and other partitions are left alone
	_, ok = s.Get("orders", []byte("\x02d"))
	require.True(t, ok)
	require.True(t, s.HasOwnedRecordsInPartition(1))
	require.Equal(t, [][]byte{[]byte("\x01a")}, s.IndexLookup("orders", 0, 10))
	require.Empty(t, s.DrainOwnedRecordsInPartition(2))
}

func TestMarkRemoved(t *testing.T) {
	s := newStore()
	s.Put(owned("orders", "\x01a", "v", 5))
	require.True(t, s.MarkRemoved("orders", []byte("\x01a")))
	require.False(t, s.MarkRemoved("orders", []byte("\x01a")))
	require.Empty(t, s.ActiveRecords())
	require.Empty(t, s.IndexLookup("orders", 0, 5))
}

func TestBackupRecordsAreNotIndexed(t *testing.T) {
	s := newStore()
	backup := owned("orders", "\x01a", "v", 7)
	backup.Owned = false
	s.Put(backup)
	require.Empty(t, s.IndexLookup("orders", 0, 7))
	require.Empty(t, s.OwnedRecords())
	require.Len(t, s.ActiveRecords(), 1)
}

func TestPromoteResetsThenReindexes(t *testing.T) {
	s := newStore()
	backup := owned("orders", "\x01a", "v", 7, 8)
	backup.Owned = false
	backup.IndexTypes = []byte{1, 2}
	s.Put(backup)

	prev, err := s.PromoteToOwned("orders", []byte("\x01a"))
	require.NoError(t, err)
	require.Equal(t, []int64{7, 8}, prev.Indexes)
	require.Equal(t, ValueHash([]byte("v")), prev.ValueHash)

	rec, _ := s.Get("orders", []byte("\x01a"))
	require.True(t, rec.Owned)
	require.Equal(t, int32(UnsetValueHash), rec.ValueHash)
	require.Nil(t, rec.Indexes)

	require.NoError(t, s.UpdateIndex("orders", prev.Indexes, prev.IndexTypes, prev.Key, prev.ValueHash))
	rec, _ = s.Get("orders", []byte("\x01a"))
	require.Equal(t, prev.ValueHash, rec.ValueHash)
	require.Equal(t, []int64{7, 8}, rec.Indexes)
	require.Equal(t, []byte{1, 2}, rec.IndexTypes)
	require.Equal(t, [][]byte{[]byte("\x01a")}, s.IndexLookup("orders", 0, 7))
	require.Equal(t, [][]byte{[]byte("\x01a")}, s.IndexLookup("orders", 1, 8))
}

func TestUpdateIndexWithoutResetIsNoop(t *testing.T) {
	s := newStore()
	backup := owned("orders", "\x01a", "v", 7)
	backup.Owned = false
	s.Put(backup)
	// an update carrying the hash and indexes the record already has changes nothing
	rec, _ := s.Get("orders", []byte("\x01a"))
	s.Put(Record{MapName: "orders", Key: rec.Key, Value: rec.Value, Owned: true})
	require.NoError(t, s.UpdateIndex("orders", nil, nil, rec.Key, rec.ValueHash))
	require.Empty(t, s.IndexLookup("orders", 0, 7))
}

func TestUpdateIndexErrors(t *testing.T) {
	s := newStore()
	require.Error(t, s.UpdateIndex("orders", nil, nil, []byte("\x01a"), 0))
	backup := owned("orders", "\x01a", "v")
	backup.Owned = false
	s.Put(backup)
	require.Error(t, s.UpdateIndex("orders", []int64{1}, []byte{1}, []byte("\x01a"), 0))
	_, err := s.PromoteToOwned("orders", []byte("\x01b"))
	require.Error(t, err)
}

func TestReplaceUpdatesIndex(t *testing.T) {
	s := newStore()
	s.Put(owned("orders", "\x01a", "v", 1))
	s.Put(owned("orders", "\x01a", "v2", 2))
	require.Empty(t, s.IndexLookup("orders", 0, 1))
	require.Equal(t, [][]byte{[]byte("\x01a")}, s.IndexLookup("orders", 0, 2))
}

func TestRecordsInPartition(t *testing.T) {
	s := newStore()
	s.Put(owned("orders", "\x01a", "v"))
	backup := owned("orders", "\x01b", "v")
	backup.Owned = false
	s.Put(backup)
	s.Put(owned("orders", "\x02a", "v"))
	require.Len(t, s.RecordsInPartition(1), 2)
	require.Len(t, s.RecordsInPartition(2), 1)
	require.Empty(t, s.RecordsInPartition(3))
}

func TestLocksReleasedOnDisconnect(t *testing.T) {
	s := newStore()
	s.Put(owned("orders", "\x01a", "v"))
	s.Put(owned("orders", "\x01b", "v"))
	require.True(t, s.Lock("orders", []byte("\x01a"), "m1"))
	require.True(t, s.Lock("orders", []byte("\x01a"), "m1"))
	require.False(t, s.Lock("orders", []byte("\x01a"), "m2"))
	require.True(t, s.Lock("orders", []byte("\x01b"), "m2"))
	require.False(t, s.Lock("orders", []byte("\x01z"), "m2"))

	require.Equal(t, 1, s.OnDisconnect("m1"))
	rec, _ := s.Get("orders", []byte("\x01a"))
	require.Equal(t, "", rec.LockAddress)
	rec, _ = s.Get("orders", []byte("\x01b"))
	require.Equal(t, "m2", rec.LockAddress)
	require.Equal(t, 0, s.OnDisconnect("m1"))
}
