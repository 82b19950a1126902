// Package lock is a per key lock table with Shared and Exclusive modes. Locks never wait:
// a request which conflicts with another transaction fails immediately.
package lock

import (
	"fmt"
	"sort"
	"sync"

	"github.com/leftmike/walkv/wal"
)

type Mode int

const (
	Shared Mode = iota
	Exclusive
)

func (m Mode) String() string {
	if m == Exclusive {
		return "exclusive"
	}
	return "shared"
}

// ConflictError is returned when a lock is held by another transaction in a conflicting
// mode.
type ConflictError struct {
	Key        []byte
	CurrentTx  wal.TxID
	LockedByTx wal.TxID
}

func (ce *ConflictError) Error() string {
	return fmt.Sprintf("lock: key %q: transaction %d conflicts with transaction %d", ce.Key,
		ce.CurrentTx, ce.LockedByTx)
}

type lock struct {
	mode    Mode
	holders map[wal.TxID]struct{}
}

type Locks struct {
	mutex sync.Mutex
	locks map[string]*lock

	// Keys locked by each transaction.
	held map[wal.TxID][]string
}

func (lk *lock) otherHolder(tx wal.TxID) wal.TxID {
	var others []wal.TxID
	for htx := range lk.holders {
		if htx != tx {
			others = append(others, htx)
		}
	}
	sort.Slice(others, func(i, j int) bool { return others[i] < others[j] })
	return others[0]
}

// Lock acquires key in mode for tx. A transaction holding the only Shared lock on a key may
// convert it into an Exclusive lock.
func (lks *Locks) Lock(tx wal.TxID, key []byte, mode Mode) error {
	lks.mutex.Lock()
	defer lks.mutex.Unlock()

	if lks.locks == nil {
		lks.locks = map[string]*lock{}
		lks.held = map[wal.TxID][]string{}
	}

	skey := string(key)
	lk, ok := lks.locks[skey]
	if !ok {
		lks.locks[skey] = &lock{
			mode:    mode,
			holders: map[wal.TxID]struct{}{tx: {}},
		}
		lks.held[tx] = append(lks.held[tx], skey)
		return nil
	}

	_, holding := lk.holders[tx]
	if holding {
		if mode == Shared || lk.mode == Exclusive {
			// Already locked by tx at a sufficient level.
			return nil
		}
		if len(lk.holders) == 1 {
			lk.mode = Exclusive
			return nil
		}
	} else if mode == Shared && lk.mode == Shared {
		lk.holders[tx] = struct{}{}
		lks.held[tx] = append(lks.held[tx], skey)
		return nil
	}

	return &ConflictError{
		Key:        append([]byte(nil), key...),
		CurrentTx:  tx,
		LockedByTx: lk.otherHolder(tx),
	}
}

// Unlock releases every lock held by tx.
func (lks *Locks) Unlock(tx wal.TxID) {
	lks.mutex.Lock()
	defer lks.mutex.Unlock()

	for _, skey := range lks.held[tx] {
		lk := lks.locks[skey]
		delete(lk.holders, tx)
		if len(lk.holders) == 0 {
			delete(lks.locks, skey)
		}
	}
	delete(lks.held, tx)
}

// Held returns the number of keys locked by tx.
func (lks *Locks) Held(tx wal.TxID) int {
	lks.mutex.Lock()
	defer lks.mutex.Unlock()

	return len(lks.held[tx])
}
