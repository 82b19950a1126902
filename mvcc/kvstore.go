package mvcc

import (
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/leftmike/walkv/encode"
	"github.com/leftmike/walkv/storage/kv"
	"github.com/leftmike/walkv/wal"
)

var (
	errCorruptVersions = errors.New("mvcc: corrupt versions")
)

// KVStore keeps the versions of each key encoded as a single value in a kv.KV.
type KVStore struct {
	mutex sync.Mutex
	kv    kv.KV
	sync  bool
}

func NewKVStore(st kv.KV, sync bool) *KVStore {
	return &KVStore{
		kv:   st,
		sync: sync,
	}
}

func encodeVersions(vers []VersionedValue) []byte {
	buf := encode.EncodeVarint(nil, uint64(len(vers)))
	for _, vv := range vers {
		buf = encode.EncodeBytes(buf, vv.Value)
		buf = encode.EncodeVarint(buf, uint64(vv.CreatedTx))
		buf = encode.EncodeOptional(buf, uint64(vv.ExpiredTx), vv.Expired)
	}
	return buf
}

func decodeVersions(buf []byte) ([]VersionedValue, error) {
	buf, n, ok := encode.DecodeVarint(buf)
	if !ok {
		return nil, errCorruptVersions
	}

	vers := make([]VersionedValue, 0, n)
	for ; n > 0; n -= 1 {
		var vv VersionedValue
		var tx uint64
		buf, vv.Value, ok = encode.DecodeBytes(buf)
		if !ok {
			return nil, errCorruptVersions
		}
		buf, tx, ok = encode.DecodeVarint(buf)
		if !ok {
			return nil, errCorruptVersions
		}
		vv.CreatedTx = wal.TxID(tx)
		var present bool
		buf, tx, present, ok = encode.DecodeOptional(buf)
		if !ok {
			return nil, errCorruptVersions
		}
		vv.ExpiredTx = wal.TxID(tx)
		vv.Expired = present
		vers = append(vers, vv)
	}
	if len(buf) != 0 {
		return nil, errCorruptVersions
	}
	return vers, nil
}

type getter func(key []byte, fn func(val []byte) error) error

func getVersions(get getter, key []byte) ([]VersionedValue, error) {
	var vers []VersionedValue
	err := get(key,
		func(val []byte) error {
			var err error
			vers, err = decodeVersions(val)
			return err
		})
	if err == io.EOF {
		return nil, nil
	} else if err != nil {
		return nil, fmt.Errorf("mvcc: key %q: %w", key, err)
	}
	return vers, nil
}

// update applies fn to the versions of key in a single kv update; fn returns the new
// versions.
func (kvs *KVStore) update(key []byte,
	fn func(vers []VersionedValue) []VersionedValue) error {

	kvs.mutex.Lock()
	defer kvs.mutex.Unlock()

	upd, err := kvs.kv.Update()
	if err != nil {
		return err
	}
	vers, err := getVersions(upd.Get, key)
	if err != nil {
		upd.Rollback()
		return err
	}

	vers = fn(vers)
	if len(vers) == 0 {
		err = upd.Delete(key)
	} else {
		err = upd.Set(key, encodeVersions(vers))
	}
	if err != nil {
		upd.Rollback()
		return err
	}
	return upd.Commit(kvs.sync)
}

func (kvs *KVStore) Get(key []byte, snapshot wal.TxID, committed TxSet) ([]byte, bool,
	error) {

	vers, err := getVersions(kvs.kv.Get, key)
	if err != nil {
		return nil, false, err
	}
	val, ok := visibleValue(vers, snapshot, committed)
	return val, ok, nil
}

func (kvs *KVStore) Put(key, val []byte, tx wal.TxID) (bool, error) {
	var expired bool
	err := kvs.update(key,
		func(vers []VersionedValue) []VersionedValue {
			vers, expired = putVersion(vers, val, tx)
			return vers
		})
	return expired, err
}

func (kvs *KVStore) Delete(key []byte, tx wal.TxID) (bool, error) {
	var deleted bool
	err := kvs.update(key,
		func(vers []VersionedValue) []VersionedValue {
			deleted = expireNewest(vers, tx)
			return vers
		})
	return deleted, err
}

func (kvs *KVStore) UndoPut(key []byte, tx wal.TxID, expired bool) error {
	return kvs.update(key,
		func(vers []VersionedValue) []VersionedValue {
			return undoPut(vers, tx, expired)
		})
}

func (kvs *KVStore) UndoDelete(key []byte, tx wal.TxID) error {
	return kvs.update(key,
		func(vers []VersionedValue) []VersionedValue {
			unexpireNewest(vers, tx)
			return vers
		})
}

func (kvs *KVStore) iterate(fn func(key []byte, vers []VersionedValue) error) error {
	it, err := kvs.kv.Iterate(nil)
	if err != nil {
		return err
	}
	defer it.Close()

	for {
		err = it.Item(
			func(key, val []byte) error {
				vers, err := decodeVersions(val)
				if err != nil {
					return fmt.Errorf("mvcc: key %q: %w", key, err)
				}
				return fn(append(make([]byte, 0, len(key)), key...), vers)
			})
		if err == io.EOF {
			return nil
		} else if err != nil {
			return err
		}
	}
}

func (kvs *KVStore) Scan(committed TxSet) ([]KeyValue, error) {
	var kvl []KeyValue
	err := kvs.iterate(
		func(key []byte, vers []VersionedValue) error {
			val, ok := visibleValue(vers, 0, committed)
			if ok {
				kvl = append(kvl, KeyValue{Key: key, Value: val})
			}
			return nil
		})
	if err != nil {
		return nil, err
	}
	return kvl, nil
}

func (kvs *KVStore) GC(lwm wal.TxID, committed TxSet) (int, error) {
	kvs.mutex.Lock()
	defer kvs.mutex.Unlock()

	type change struct {
		key  []byte
		vers []VersionedValue
	}
	var changes []change
	var cnt int
	err := kvs.iterate(
		func(key []byte, vers []VersionedValue) error {
			keep, n := gcVersions(vers, lwm, committed)
			if n > 0 {
				cnt += n
				changes = append(changes, change{key, keep})
			}
			return nil
		})
	if err != nil || len(changes) == 0 {
		return 0, err
	}

	upd, err := kvs.kv.Update()
	if err != nil {
		return 0, err
	}
	for _, c := range changes {
		if len(c.vers) == 0 {
			err = upd.Delete(c.key)
		} else {
			err = upd.Set(c.key, encodeVersions(c.vers))
		}
		if err != nil {
			upd.Rollback()
			return 0, err
		}
	}
	err = upd.Commit(kvs.sync)
	if err != nil {
		return 0, err
	}
	return cnt, nil
}

func (kvs *KVStore) Versions(key []byte) ([]VersionedValue, error) {
	return getVersions(kvs.kv.Get, key)
}

func (kvs *KVStore) Load(key, val []byte) error {
	_, err := kvs.Put(key, val, 0)
	return err
}

func (kvs *KVStore) Reset() error {
	kvs.mutex.Lock()
	defer kvs.mutex.Unlock()

	var keys [][]byte
	err := kvs.iterate(
		func(key []byte, vers []VersionedValue) error {
			keys = append(keys, key)
			return nil
		})
	if err != nil || len(keys) == 0 {
		return err
	}

	upd, err := kvs.kv.Update()
	if err != nil {
		return err
	}
	for _, key := range keys {
		err = upd.Delete(key)
		if err != nil {
			upd.Rollback()
			return err
		}
	}
	return upd.Commit(kvs.sync)
}

func (kvs *KVStore) Close() error {
	return kvs.kv.Close()
}
