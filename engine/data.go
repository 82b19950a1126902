package engine

import (
	"bytes"
	"fmt"

	"github.com/leftmike/walkv/lock"
	"github.com/leftmike/walkv/recovery"
	"github.com/leftmike/walkv/storage/page"
	"github.com/leftmike/walkv/wal"
)

const (
	DefaultValueIndex = "default_value_index"

	slotSize = 4

	// The largest cell which fits in an empty page.
	maxCellSize = page.PageSize - 16 - slotSize
)

// apply logs rec for tx and then makes the change to the page image.
func (e *Engine) apply(tx *Transaction, rec wal.PageRecord) error {
	pg, err := e.cache.Page(rec.Page())
	if err != nil {
		return err
	}
	lsn := e.logRecord(tx, rec)
	err = recovery.Apply(pg, rec)
	if err != nil {
		return fmt.Errorf("engine: %s: %w", wal.Format(rec), err)
	}
	e.cache.MarkDirty(pg, uint64(lsn))
	return nil
}

// place stores cell in a free slot, allocating a new page if the current page is full.
func (e *Engine) place(tx *Transaction, key []byte, cell []byte) error {
	var pg *page.Page
	var sid page.SlotID
	if e.hasPage {
		var err error
		pg, err = e.cache.Page(e.curPage)
		if err != nil {
			return err
		}
		sid = e.freeSlot(pg)
		if !pg.FitsWith(sid, cell, e.reservedBytes(pg.ID(), tx.id)) {
			pg = nil
		}
	}

	if pg == nil {
		var err error
		pg, err = e.cache.Allocate()
		if err != nil {
			return err
		}
		err = e.apply(tx, &wal.NewPage{PageID: pg.ID(), PageType: page.TablePage})
		if err != nil {
			return err
		}
		e.curPage = pg.ID()
		e.hasPage = true
		sid = 0
	}

	err := e.apply(tx, &wal.InsertRecord{PageID: pg.ID(), SlotID: sid, Data: cell})
	if err != nil {
		return err
	}
	e.keys[string(key)] = location{pid: pg.ID(), sid: sid}
	return nil
}

func parseCell(cell []byte) ([]byte, []byte) {
	key, val, err := page.ParseCell(cell)
	if err != nil {
		panic(fmt.Sprintf("engine: %s", err))
	}
	return key, val
}

func (e *Engine) put(tx *Transaction, key, val []byte) error {
	cell := page.MakeCell(key, val)
	if len(cell) > maxCellSize {
		return ErrValueTooLarge
	}

	err := e.locks.Lock(tx.id, key, lock.Exclusive)
	if err != nil {
		return err
	}

	loc, ok := e.keys[string(key)]
	if !ok {
		err = e.place(tx, key, cell)
	} else {
		var pg *page.Page
		pg, err = e.cache.Page(loc.pid)
		if err != nil {
			return err
		}
		old := append([]byte(nil), pg.Cell(loc.sid)...)
		_, oldVal := parseCell(old)
		if pg.FitsWith(loc.sid, cell, e.reservedBytes(loc.pid, tx.id)) {
			err = e.apply(tx, &wal.UpdateRecord{PageID: loc.pid, SlotID: loc.sid, OldData: old,
				NewData: cell})
			if err == nil && len(cell) < len(old) {
				e.reserve(tx.id, loc, false, len(old)-len(cell))
			}
		} else {
			err = e.apply(tx, &wal.DeleteRecord{PageID: loc.pid, SlotID: loc.sid, OldData: old})
			if err == nil {
				e.reserve(tx.id, loc, true, len(old)+slotSize)
				delete(e.keys, string(key))
				err = e.place(tx, key, cell)
			}
		}
		if err == nil {
			e.index.remove(oldVal, key)
		}
	}
	if err != nil {
		return err
	}

	_, err = e.store.Put(key, val, tx.id)
	if err != nil {
		return err
	}
	e.index.add(val, key)
	return nil
}

// get reads key as of tx; reads outside of an explicit transaction take no lock.
func (e *Engine) get(tx wal.TxID, key []byte) ([]byte, bool, error) {
	if tx != 0 {
		err := e.locks.Lock(tx, key, lock.Shared)
		if err != nil {
			return nil, false, err
		}
	}
	return e.store.Get(key, tx, e.committed)
}

func (e *Engine) delete(tx *Transaction, key []byte) (bool, error) {
	err := e.locks.Lock(tx.id, key, lock.Exclusive)
	if err != nil {
		return false, err
	}

	loc, ok := e.keys[string(key)]
	if !ok {
		return false, nil
	}
	pg, err := e.cache.Page(loc.pid)
	if err != nil {
		return false, err
	}
	old := append([]byte(nil), pg.Cell(loc.sid)...)
	err = e.apply(tx, &wal.DeleteRecord{PageID: loc.pid, SlotID: loc.sid, OldData: old})
	if err != nil {
		return false, err
	}
	e.reserve(tx.id, loc, true, len(old)+slotSize)
	delete(e.keys, string(key))
	_, oldVal := parseCell(old)
	e.index.remove(oldVal, key)

	return e.store.Delete(key, tx.id)
}

func (e *Engine) findByIndex(tx wal.TxID, name string, val []byte) ([][]byte, error) {
	if name != DefaultValueIndex {
		return nil, fmt.Errorf("%w: %s", ErrUnknownIndex, name)
	}

	var vals [][]byte
	for _, key := range e.index.find(val) {
		v, ok, err := e.get(tx, key)
		if err != nil {
			return nil, err
		}
		if ok && bytes.Equal(v, val) {
			vals = append(vals, v)
		}
	}
	return vals, nil
}

// undone reverses the effect of rec on the store, the key directory, and the index after the
// page change has been undone.
func (e *Engine) undone(tx *Transaction, rec wal.PageRecord) error {
	switch rec := rec.(type) {
	case *wal.InsertRecord:
		key, val := parseCell(rec.Data)
		if loc, ok := e.keys[string(key)]; ok && loc.pid == rec.PageID && loc.sid == rec.SlotID {
			delete(e.keys, string(key))
		}
		e.index.remove(val, key)
		return e.store.UndoPut(key, tx.id, false)
	case *wal.UpdateRecord:
		key, oldVal := parseCell(rec.OldData)
		_, newVal := parseCell(rec.NewData)
		e.index.remove(newVal, key)
		e.index.add(oldVal, key)
		return e.store.UndoPut(key, tx.id, true)
	case *wal.DeleteRecord:
		key, oldVal := parseCell(rec.OldData)
		e.keys[string(key)] = location{pid: rec.PageID, sid: rec.SlotID}
		e.index.add(oldVal, key)
		return e.store.UndoDelete(key, tx.id)
	}
	return nil
}

// Insert sets key to val in tx; a nil tx runs in an implicit transaction.
func (e *Engine) Insert(tx *Transaction, key, val []byte) error {
	if tx == nil {
		return e.implicit(func(tx *Transaction) error {
			return e.Insert(tx, key, val)
		})
	}

	e.mutex.Lock()
	defer e.mutex.Unlock()

	if tx.state != recovery.Active {
		return ErrTransactionNotActive
	}
	err := e.usable()
	if err != nil {
		return err
	}
	return e.operation(tx, e.put(tx, key, val))
}

// reading runs fn with the engine read locked. A nil tx reads the committed values; an
// implicit transaction is not started because nothing is logged.
func (e *Engine) reading(tx *Transaction, fn func(id wal.TxID) error) error {
	if tx == nil {
		e.implicitMutex.Lock()
		defer e.implicitMutex.Unlock()
	}

	e.mutex.RLock()
	defer e.mutex.RUnlock()

	err := e.usable()
	if err != nil {
		return err
	}
	if tx == nil {
		return fn(0)
	}
	if tx.state != recovery.Active {
		return ErrTransactionNotActive
	}
	return fn(tx.id)
}

// Get returns the value of key visible to tx; a nil tx reads committed values.
func (e *Engine) Get(tx *Transaction, key []byte) ([]byte, bool, error) {
	var val []byte
	var ok bool
	err := e.reading(tx, func(id wal.TxID) error {
		var err error
		val, ok, err = e.get(id, key)
		return err
	})
	return val, ok, err
}

// Delete removes key in tx, returning whether there was a value to delete.
func (e *Engine) Delete(tx *Transaction, key []byte) (bool, error) {
	if tx == nil {
		var ok bool
		err := e.implicit(func(tx *Transaction) error {
			var err error
			ok, err = e.Delete(tx, key)
			return err
		})
		return ok, err
	}

	e.mutex.Lock()
	defer e.mutex.Unlock()

	if tx.state != recovery.Active {
		return false, ErrTransactionNotActive
	}
	err := e.usable()
	if err != nil {
		return false, err
	}
	ok, err := e.delete(tx, key)
	return ok, e.operation(tx, err)
}

// FindByIndex returns the values equal to val, one per key, visible to tx.
func (e *Engine) FindByIndex(tx *Transaction, name string, val []byte) ([][]byte, error) {
	var vals [][]byte
	err := e.reading(tx, func(id wal.TxID) error {
		var err error
		vals, err = e.findByIndex(id, name, val)
		return err
	})
	return vals, err
}
