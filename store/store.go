package store

import (
	"sort"
	"sync"

	"github.com/google/btree"
	log "github.com/sirupsen/logrus"
	"github.com/squareup/blockmgr/cluster"
	"github.com/squareup/blockmgr/errors"
	"github.com/twmb/murmur3"
)

type Partitioner interface {
	PartitionForKey(key []byte) int
}

type MapConfig struct {
	Name        string
	BackupCount int
}

// Store holds the records of every map on this node, both the ones this node owns and backup copies of records owned
// by other members. It also maintains the numeric indexes of owned records.
type Store struct {
	lock               sync.RWMutex
	partitioner        Partitioner
	defaultBackupCount int
	maps               map[string]*recordMap
	mapNames           []string
}

type recordMap struct {
	config  MapConfig
	records *btree.BTree
	index   map[indexKey]map[string]struct{}
}

type indexKey struct {
	position int
	value    int64
}

func NewStore(partitioner Partitioner, defaultBackupCount int) *Store {
	return &Store{
		partitioner:        partitioner,
		defaultBackupCount: defaultBackupCount,
		maps:               make(map[string]*recordMap),
	}
}

// CreateMap creates the map if it does not exist. It returns false if it already existed.
func (s *Store) CreateMap(name string, backupCount int) bool {
	s.lock.Lock()
	defer s.lock.Unlock()
	if _, ok := s.maps[name]; ok {
		return false
	}
	s.createMap(name, backupCount)
	return true
}

func (s *Store) createMap(name string, backupCount int) *recordMap {
	rm := &recordMap{
		config:  MapConfig{Name: name, BackupCount: backupCount},
		records: btree.New(3),
		index:   make(map[indexKey]map[string]struct{}),
	}
	s.maps[name] = rm
	s.mapNames = append(s.mapNames, name)
	return rm
}

func (s *Store) getOrCreateMap(name string) *recordMap {
	rm, ok := s.maps[name]
	if !ok {
		rm = s.createMap(name, s.defaultBackupCount)
	}
	return rm
}

// MapConfigs returns the configuration of every map in creation order.
func (s *Store) MapConfigs() []MapConfig {
	s.lock.RLock()
	defer s.lock.RUnlock()
	configs := make([]MapConfig, 0, len(s.mapNames))
	for _, name := range s.mapNames {
		configs = append(configs, s.maps[name].config)
	}
	return configs
}

func (s *Store) BackupCount(mapName string) int {
	s.lock.RLock()
	defer s.lock.RUnlock()
	if rm, ok := s.maps[mapName]; ok {
		return rm.config.BackupCount
	}
	return s.defaultBackupCount
}

func (s *Store) PartitionForKey(key []byte) int {
	return s.partitioner.PartitionForKey(key)
}

// Put stores an active record, replacing any record with the same key. The partition id and the value hash are
// derived from the record. Owned records are indexed.
func (s *Store) Put(rec Record) {
	rec.PartitionID = s.partitioner.PartitionForKey(rec.Key)
	rec.Active = true
	rec.ValueHash = ValueHash(rec.Value)
	c := rec.copy()
	s.lock.Lock()
	defer s.lock.Unlock()
	rm := s.getOrCreateMap(rec.MapName)
	if prev := rm.records.ReplaceOrInsert(&recordItem{rec: &c}); prev != nil {
		rm.unindex(prev.(*recordItem).rec)
	}
	if c.Owned {
		rm.addToIndex(&c)
	}
}

func (s *Store) Get(mapName string, key []byte) (Record, bool) {
	s.lock.RLock()
	defer s.lock.RUnlock()
	rec := s.find(mapName, key)
	if rec == nil {
		return Record{}, false
	}
	return rec.copy(), true
}

func (s *Store) find(mapName string, key []byte) *Record {
	rm, ok := s.maps[mapName]
	if !ok {
		return nil
	}
	item := rm.records.Get(&recordItem{rec: &Record{PartitionID: s.partitioner.PartitionForKey(key), Key: key}})
	if item == nil {
		return nil
	}
	return item.(*recordItem).rec
}

func (s *Store) HasOwnedRecordsInPartition(partitionID int) bool {
	s.lock.RLock()
	defer s.lock.RUnlock()
	found := false
	for _, name := range s.mapNames {
		s.maps[name].records.AscendRange(partitionStart(partitionID), partitionStart(partitionID+1), func(i btree.Item) bool {
			rec := i.(*recordItem).rec
			found = rec.Active && rec.Owned
			return !found
		})
		if found {
			return true
		}
	}
	return false
}

// DrainOwnedRecordsInPartition removes every active owned record of the partition, in every map, and returns them.
func (s *Store) DrainOwnedRecordsInPartition(partitionID int) []Record {
	s.lock.Lock()
	defer s.lock.Unlock()
	var drained []Record
	for _, name := range s.mapNames {
		rm := s.maps[name]
		var items []btree.Item
		rm.records.AscendRange(partitionStart(partitionID), partitionStart(partitionID+1), func(i btree.Item) bool {
			rec := i.(*recordItem).rec
			if rec.Active && rec.Owned {
				items = append(items, i)
			}
			return true
		})
		for _, item := range items {
			rec := item.(*recordItem).rec
			rm.records.Delete(item)
			rm.unindex(rec)
			rec.Active = false
			drained = append(drained, rec.copy())
		}
	}
	return drained
}

// MarkRemoved deactivates the record and drops it from the store.
func (s *Store) MarkRemoved(mapName string, key []byte) bool {
	s.lock.Lock()
	defer s.lock.Unlock()
	rec := s.find(mapName, key)
	if rec == nil {
		return false
	}
	rm := s.maps[mapName]
	rm.records.Delete(&recordItem{rec: rec})
	rm.unindex(rec)
	rec.Active = false
	return true
}

// PromoteToOwned turns a backup copy into the owned record. The value hash and index metadata of the record are
// reset and their previous values are returned, they must be handed to UpdateIndex to re-register the record.
func (s *Store) PromoteToOwned(mapName string, key []byte) (Record, error) {
	s.lock.Lock()
	defer s.lock.Unlock()
	rec := s.find(mapName, key)
	if rec == nil {
		return Record{}, errors.Errorf("no record %x in map %s", key, mapName)
	}
	prev := rec.copy()
	s.maps[mapName].unindex(rec)
	rec.Owned = true
	rec.ValueHash = UnsetValueHash
	rec.Indexes = nil
	rec.IndexTypes = nil
	return prev, nil
}

// UpdateIndex sets the index metadata of an owned record and registers it with the map's index. It does nothing if
// the record already carries the same value hash and indexes.
func (s *Store) UpdateIndex(mapName string, indexes []int64, indexTypes []byte, key []byte, valueHash int32) error {
	s.lock.Lock()
	defer s.lock.Unlock()
	rec := s.find(mapName, key)
	if rec == nil {
		return errors.Errorf("no record %x in map %s", key, mapName)
	}
	if !rec.Owned {
		return errors.Errorf("can't index backup record %x in map %s", key, mapName)
	}
	if rec.ValueHash == valueHash && int64sEqual(rec.Indexes, indexes) {
		return nil
	}
	rm := s.maps[mapName]
	rm.unindex(rec)
	rec.Indexes = append([]int64(nil), indexes...)
	rec.IndexTypes = append([]byte(nil), indexTypes...)
	rec.ValueHash = valueHash
	rm.addToIndex(rec)
	return nil
}

// IndexLookup returns the keys of the owned records whose index at position has the value, in key order.
func (s *Store) IndexLookup(mapName string, position int, value int64) [][]byte {
	s.lock.RLock()
	defer s.lock.RUnlock()
	rm, ok := s.maps[mapName]
	if !ok {
		return nil
	}
	keys := rm.index[indexKey{position: position, value: value}]
	res := make([][]byte, 0, len(keys))
	for key := range keys {
		res = append(res, []byte(key))
	}
	sort.Slice(res, func(i, j int) bool {
		return string(res[i]) < string(res[j])
	})
	return res
}

// ActiveRecords returns a copy of every active record, owned or backup.
func (s *Store) ActiveRecords() []Record {
	return s.records(func(rec *Record) bool { return rec.Active })
}

func (s *Store) OwnedRecords() []Record {
	return s.records(func(rec *Record) bool { return rec.Active && rec.Owned })
}

// RecordsInPartition returns a copy of every active record of the partition, owned or backup.
func (s *Store) RecordsInPartition(partitionID int) []Record {
	s.lock.RLock()
	defer s.lock.RUnlock()
	var res []Record
	for _, name := range s.mapNames {
		s.maps[name].records.AscendRange(partitionStart(partitionID), partitionStart(partitionID+1), func(i btree.Item) bool {
			rec := i.(*recordItem).rec
			if rec.Active {
				res = append(res, rec.copy())
			}
			return true
		})
	}
	return res
}

func (s *Store) records(filter func(rec *Record) bool) []Record {
	s.lock.RLock()
	defer s.lock.RUnlock()
	var res []Record
	for _, name := range s.mapNames {
		s.maps[name].records.Ascend(func(i btree.Item) bool {
			rec := i.(*recordItem).rec
			if filter(rec) {
				res = append(res, rec.copy())
			}
			return true
		})
	}
	return res
}

// Lock marks the record as locked by the member. It returns false if the record does not exist or is locked by
// another member.
func (s *Store) Lock(mapName string, key []byte, address cluster.Address) bool {
	s.lock.Lock()
	defer s.lock.Unlock()
	rec := s.find(mapName, key)
	if rec == nil || (rec.LockAddress != "" && rec.LockAddress != address) {
		return false
	}
	rec.LockAddress = address
	return true
}

// OnDisconnect releases every lock held by the member and returns how many were released.
func (s *Store) OnDisconnect(address cluster.Address) int {
	s.lock.Lock()
	defer s.lock.Unlock()
	released := 0
	for _, name := range s.mapNames {
		s.maps[name].records.Ascend(func(i btree.Item) bool {
			rec := i.(*recordItem).rec
			if rec.LockAddress == address {
				rec.LockAddress = ""
				released++
			}
			return true
		})
	}
	if released > 0 {
		log.Debugf("released %d locks held by %s", released, address)
	}
	return released
}

func (rm *recordMap) addToIndex(rec *Record) {
	for position, value := range rec.Indexes {
		k := indexKey{position: position, value: value}
		keys, ok := rm.index[k]
		if !ok {
			keys = make(map[string]struct{})
			rm.index[k] = keys
		}
		keys[string(rec.Key)] = struct{}{}
	}
}

func (rm *recordMap) unindex(rec *Record) {
	for position, value := range rec.Indexes {
		k := indexKey{position: position, value: value}
		if keys, ok := rm.index[k]; ok {
			delete(keys, string(rec.Key))
			if len(keys) == 0 {
				delete(rm.index, k)
			}
		}
	}
}

func ValueHash(value []byte) int32 {
	h := int32(murmur3.Sum32(value))
	if h == UnsetValueHash {
		h++
	}
	return h
}

func int64sEqual(a []int64, b []int64) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
