package mvcc

import (
	"bytes"
	"sync"

	"github.com/google/btree"

	"github.com/leftmike/walkv/wal"
)

type memItem struct {
	key  []byte
	vers []VersionedValue
}

func (mi *memItem) Less(item btree.Item) bool {
	return bytes.Compare(mi.key, item.(*memItem).key) < 0
}

// MemStore keeps the versions of every key in memory, ordered by key.
type MemStore struct {
	mutex sync.RWMutex
	tree  *btree.BTree
}

func NewMemStore() *MemStore {
	return &MemStore{
		tree: btree.New(16),
	}
}

func (ms *MemStore) lookup(key []byte) *memItem {
	item := ms.tree.Get(&memItem{key: key})
	if item == nil {
		return nil
	}
	return item.(*memItem)
}

func (ms *MemStore) Get(key []byte, snapshot wal.TxID, committed TxSet) ([]byte, bool, error) {
	ms.mutex.RLock()
	defer ms.mutex.RUnlock()

	mi := ms.lookup(key)
	if mi == nil {
		return nil, false, nil
	}
	val, ok := visibleValue(mi.vers, snapshot, committed)
	if !ok {
		return nil, false, nil
	}
	return append(make([]byte, 0, len(val)), val...), true, nil
}

func (ms *MemStore) Put(key, val []byte, tx wal.TxID) (bool, error) {
	ms.mutex.Lock()
	defer ms.mutex.Unlock()

	mi := ms.lookup(key)
	if mi == nil {
		mi = &memItem{
			key: append(make([]byte, 0, len(key)), key...),
		}
		ms.tree.ReplaceOrInsert(mi)
	}

	var expired bool
	mi.vers, expired = putVersion(mi.vers, val, tx)
	return expired, nil
}

func (ms *MemStore) Delete(key []byte, tx wal.TxID) (bool, error) {
	ms.mutex.Lock()
	defer ms.mutex.Unlock()

	mi := ms.lookup(key)
	if mi == nil {
		return false, nil
	}
	return expireNewest(mi.vers, tx), nil
}

func (ms *MemStore) UndoPut(key []byte, tx wal.TxID, expired bool) error {
	ms.mutex.Lock()
	defer ms.mutex.Unlock()

	mi := ms.lookup(key)
	if mi == nil {
		return nil
	}
	mi.vers = undoPut(mi.vers, tx, expired)
	if len(mi.vers) == 0 {
		ms.tree.Delete(mi)
	}
	return nil
}

func (ms *MemStore) UndoDelete(key []byte, tx wal.TxID) error {
	ms.mutex.Lock()
	defer ms.mutex.Unlock()

	mi := ms.lookup(key)
	if mi != nil {
		unexpireNewest(mi.vers, tx)
	}
	return nil
}

func (ms *MemStore) Scan(committed TxSet) ([]KeyValue, error) {
	ms.mutex.RLock()
	defer ms.mutex.RUnlock()

	var kvs []KeyValue
	ms.tree.Ascend(
		func(item btree.Item) bool {
			mi := item.(*memItem)
			val, ok := visibleValue(mi.vers, 0, committed)
			if ok {
				kvs = append(kvs, KeyValue{Key: mi.key, Value: val})
			}
			return true
		})
	return kvs, nil
}

func (ms *MemStore) GC(lwm wal.TxID, committed TxSet) (int, error) {
	ms.mutex.Lock()
	defer ms.mutex.Unlock()

	var cnt int
	var empty []*memItem
	ms.tree.Ascend(
		func(item btree.Item) bool {
			mi := item.(*memItem)
			var n int
			mi.vers, n = gcVersions(mi.vers, lwm, committed)
			cnt += n
			if len(mi.vers) == 0 {
				empty = append(empty, mi)
			}
			return true
		})

	for _, mi := range empty {
		ms.tree.Delete(mi)
	}
	return cnt, nil
}

func (ms *MemStore) Versions(key []byte) ([]VersionedValue, error) {
	ms.mutex.RLock()
	defer ms.mutex.RUnlock()

	mi := ms.lookup(key)
	if mi == nil {
		return nil, nil
	}
	return append([]VersionedValue(nil), mi.vers...), nil
}

func (ms *MemStore) Load(key, val []byte) error {
	_, err := ms.Put(key, val, 0)
	return err
}

func (ms *MemStore) Reset() error {
	ms.mutex.Lock()
	defer ms.mutex.Unlock()

	ms.tree = btree.New(16)
	return nil
}

func (ms *MemStore) Close() error {
	return nil
}
