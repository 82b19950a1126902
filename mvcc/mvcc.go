// Package mvcc keeps multiple versions of each value so that a transaction sees committed
// data plus its own writes. Versions of a key are kept in creation order.
package mvcc

import (
	"fmt"

	"github.com/leftmike/walkv/wal"
)

// VersionedValue is one version of the value of a key. Once Expired is set, the version is
// immutable.
type VersionedValue struct {
	Value     []byte
	CreatedTx wal.TxID
	ExpiredTx wal.TxID
	Expired   bool
}

func (vv VersionedValue) String() string {
	if vv.Expired {
		return fmt.Sprintf("%q@%d-%d", vv.Value, vv.CreatedTx, vv.ExpiredTx)
	}
	return fmt.Sprintf("%q@%d", vv.Value, vv.CreatedTx)
}

// TxSet is a set of committed transaction ids.
type TxSet map[wal.TxID]struct{}

func NewTxSet(txs ...wal.TxID) TxSet {
	ts := TxSet{}
	for _, tx := range txs {
		ts[tx] = struct{}{}
	}
	return ts
}

func (ts TxSet) Contains(tx wal.TxID) bool {
	_, ok := ts[tx]
	return ok
}

type KeyValue struct {
	Key   []byte
	Value []byte
}

// Store is implemented by MemStore and KVStore.
type Store interface {
	// Get returns the value of key visible to snapshot: versions created by the snapshot
	// itself, by transaction 0, or by a committed transaction, unless a transaction in that
	// same set expired them. The last such version in creation order wins.
	Get(key []byte, snapshot wal.TxID, committed TxSet) ([]byte, bool, error)

	// Put expires the newest unexpired version of key, if any, and appends a new version
	// created by tx. It returns whether a version was expired.
	Put(key, val []byte, tx wal.TxID) (bool, error)

	// Delete expires the newest unexpired version of key, returning whether there was one.
	Delete(key []byte, tx wal.TxID) (bool, error)

	// UndoPut reverses the most recent Put of key by tx; expired must be the result that
	// Put returned.
	UndoPut(key []byte, tx wal.TxID, expired bool) error

	// UndoDelete reverses the most recent Delete of key by tx.
	UndoDelete(key []byte, tx wal.TxID) error

	// Scan returns every key with its latest committed, unexpired value, in key order.
	Scan(committed TxSet) ([]KeyValue, error)

	// GC removes versions which no transaction can see any more and returns how many were
	// removed. Versions created by transactions at or above lwm are never removed.
	GC(lwm wal.TxID, committed TxSet) (int, error)

	// Versions returns every version of key in creation order.
	Versions(key []byte) ([]VersionedValue, error)

	// Load adds val as base data (created by transaction 0) for key.
	Load(key, val []byte) error

	// Reset removes every key.
	Reset() error
	Close() error
}

func isCommitted(tx wal.TxID, committed TxSet) bool {
	return tx == 0 || committed.Contains(tx)
}

func visibleValue(vers []VersionedValue, snapshot wal.TxID, committed TxSet) ([]byte, bool) {
	for idx := len(vers) - 1; idx >= 0; idx -= 1 {
		vv := vers[idx]
		if vv.CreatedTx != snapshot && !isCommitted(vv.CreatedTx, committed) {
			continue
		}
		if vv.Expired && (vv.ExpiredTx == snapshot || isCommitted(vv.ExpiredTx, committed)) {
			continue
		}
		return vv.Value, true
	}
	return nil, false
}

func expireNewest(vers []VersionedValue, tx wal.TxID) bool {
	for idx := len(vers) - 1; idx >= 0; idx -= 1 {
		if !vers[idx].Expired {
			vers[idx].Expired = true
			vers[idx].ExpiredTx = tx
			return true
		}
	}
	return false
}

func putVersion(vers []VersionedValue, val []byte, tx wal.TxID) ([]VersionedValue, bool) {
	expired := expireNewest(vers, tx)
	return append(vers, VersionedValue{
		Value:     append(make([]byte, 0, len(val)), val...),
		CreatedTx: tx,
	}), expired
}

func unexpireNewest(vers []VersionedValue, tx wal.TxID) {
	for idx := len(vers) - 1; idx >= 0; idx -= 1 {
		if vers[idx].Expired && vers[idx].ExpiredTx == tx {
			vers[idx].Expired = false
			vers[idx].ExpiredTx = 0
			return
		}
	}
}

func undoPut(vers []VersionedValue, tx wal.TxID, expired bool) []VersionedValue {
	for idx := len(vers) - 1; idx >= 0; idx -= 1 {
		if vers[idx].CreatedTx == tx && !vers[idx].Expired {
			vers = append(vers[:idx], vers[idx+1:]...)
			break
		}
	}
	if expired {
		unexpireNewest(vers, tx)
	}
	return vers
}

func gcVersions(vers []VersionedValue, lwm wal.TxID, committed TxSet) ([]VersionedValue, int) {
	var keep []VersionedValue
	for _, vv := range vers {
		if vv.CreatedTx < lwm {
			if !isCommitted(vv.CreatedTx, committed) {
				continue
			}
			if vv.Expired && vv.ExpiredTx < lwm && isCommitted(vv.ExpiredTx, committed) {
				continue
			}
		}
		keep = append(keep, vv)
	}
	return keep, len(vers) - len(keep)
}
