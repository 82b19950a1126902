package engine

import (
	"errors"
	"fmt"

	log "github.com/sirupsen/logrus"

	"github.com/leftmike/walkv/recovery"
	"github.com/leftmike/walkv/wal"
)

// Transaction is Active until it is committed or rolled back; both are final.
type Transaction struct {
	id      wal.TxID
	state   recovery.TxState
	lastLSN wal.LSN
	records map[wal.LSN]wal.LogRecord
}

func (tx *Transaction) ID() wal.TxID {
	return tx.id
}

func (tx *Transaction) State() recovery.TxState {
	return tx.state
}

// logRecord assigns rec to tx, chains it to the previous record of tx, and appends it to the
// log. The caller must hold the engine mutex.
func (e *Engine) logRecord(tx *Transaction, rec wal.LogRecord) wal.LSN {
	switch rec.(type) {
	case *wal.CheckpointBegin, *wal.CheckpointEnd, *wal.Compensation:
		panic(fmt.Sprintf("engine: unexpected record: %s", wal.Format(rec)))
	}

	wal.Chain(rec, tx.id, tx.lastLSN)
	lsn := e.wal.Append(rec)
	tx.lastLSN = lsn
	tx.records[lsn] = rec
	return lsn
}

func (e *Engine) begin(id wal.TxID) (*Transaction, error) {
	err := e.usable()
	if err != nil {
		return nil, err
	}

	tx := &Transaction{
		id:      id,
		state:   recovery.Active,
		records: map[wal.LSN]wal.LogRecord{},
	}
	e.logRecord(tx, &wal.BeginTransaction{})
	e.txs[id] = tx

	e.logger.WithField("tx", id).Debug("engine: begin")
	return tx, nil
}

// Begin starts an explicit transaction.
func (e *Engine) Begin() (*Transaction, error) {
	e.mutex.Lock()
	defer e.mutex.Unlock()

	id := e.nextTxID
	e.nextTxID += 1
	return e.begin(id)
}

// usable returns an error once the engine is closed or has failed. The caller must hold the
// engine mutex.
func (e *Engine) usable() error {
	if e.closed {
		return errClosed
	}
	if e.failed != nil {
		return fmt.Errorf("engine: failed: %w", e.failed)
	}
	return nil
}

// flush makes the log durable and only then writes the dirty pages. If either fails, the
// engine fails: the pages on disk and the durable log are left for recovery to repair when
// the engine is opened again.
func (e *Engine) flush() error {
	err := e.wal.Flush()
	if err == nil {
		_, err = e.cache.Flush()
	}
	if err != nil && e.failed == nil {
		e.failed = err
		e.logger.WithError(err).Error("engine: failed")
	}
	return err
}

func (e *Engine) finish(tx *Transaction, state recovery.TxState) {
	tx.state = state
	tx.records = nil
	delete(e.txs, tx.id)
	e.release(tx.id)
	e.locks.Unlock(tx.id)
}

// Commit writes a CommitTransaction record, makes it durable, and releases the locks of tx.
func (e *Engine) Commit(tx *Transaction) error {
	e.mutex.Lock()
	defer e.mutex.Unlock()

	if tx.state != recovery.Active {
		return ErrTransactionNotActive
	}

	err := e.usable()
	if err != nil {
		e.finish(tx, recovery.Aborted)
		return err
	}

	lsn := e.logRecord(tx, &wal.CommitTransaction{})
	err = e.flush()
	if e.wal.FlushedLSN() < lsn {
		e.finish(tx, recovery.Aborted)
		return fmt.Errorf("engine: commit of transaction %d: %w", tx.id, err)
	}
	if tx.id != 0 {
		e.committed[tx.id] = struct{}{}
	}
	e.finish(tx, recovery.Committed)
	if err != nil {
		return err
	}

	e.logger.WithFields(log.Fields{
		"tx":  tx.id,
		"lsn": tx.lastLSN,
	}).Debug("engine: commit")
	return e.autoCheckpoint()
}

// Rollback undoes every change made by tx, newest first, writing compensation records,
// then writes an AbortTransaction record and releases the locks of tx.
func (e *Engine) Rollback(tx *Transaction) error {
	e.mutex.Lock()
	defer e.mutex.Unlock()

	if tx.state != recovery.Active {
		return ErrTransactionNotActive
	}
	return e.rollback(tx)
}

func (e *Engine) rollback(tx *Transaction) error {
	if e.failed != nil {
		// Nothing more reaches the log; recovery undoes tx when the engine is opened again.
		e.finish(tx, recovery.Aborted)
		e.logger.WithField("tx", tx.id).Warn("engine: rollback deferred to recovery")
		return nil
	}

	u := recovery.Undoer{
		Log:   e.wal,
		Cache: e.cache,
		Lookup: func(lsn wal.LSN) (wal.LogRecord, bool) {
			rec, ok := tx.records[lsn]
			return rec, ok
		},
		Undone: func(rec wal.PageRecord) error {
			return e.undone(tx, rec)
		},
	}
	lastLSN, clrs, err := u.Undo(tx.id, tx.lastLSN)
	if err != nil {
		return fmt.Errorf("engine: rollback of transaction %d: %w", tx.id, err)
	}
	tx.lastLSN = lastLSN

	e.logRecord(tx, &wal.AbortTransaction{})
	err = e.flush()
	e.finish(tx, recovery.Aborted)
	if err != nil {
		return fmt.Errorf("engine: rollback of transaction %d: %w", tx.id, err)
	}

	e.logger.WithFields(log.Fields{
		"tx":   tx.id,
		"clrs": clrs,
	}).Debug("engine: rollback")
	return e.autoCheckpoint()
}

// implicit runs fn in transaction 0, committing if fn succeeds and rolling back otherwise.
// Only one implicit transaction exists at a time.
func (e *Engine) implicit(fn func(tx *Transaction) error) error {
	e.implicitMutex.Lock()
	defer e.implicitMutex.Unlock()

	e.mutex.Lock()
	tx, err := e.begin(0)
	e.mutex.Unlock()
	if err != nil {
		return err
	}

	err = fn(tx)
	if err != nil {
		if tx.state == recovery.Active {
			rerr := e.Rollback(tx)
			if rerr != nil {
				return rerr
			}
		}
		return err
	}
	return e.Commit(tx)
}

// operation returns err after rolling back tx if err is not one which leaves the transaction
// usable. The caller must hold the engine mutex.
func (e *Engine) operation(tx *Transaction, err error) error {
	if err == nil {
		return nil
	}
	var lce *LockConflictError
	if errors.As(err, &lce) || errors.Is(err, ErrValueTooLarge) ||
		errors.Is(err, ErrUnknownIndex) || tx.id == 0 {

		return err
	}

	e.logger.WithFields(log.Fields{
		"tx":    tx.id,
		"error": err,
	}).Warn("engine: rolling back transaction")
	rerr := e.rollback(tx)
	if rerr != nil {
		return rerr
	}
	return fmt.Errorf("engine: transaction %d rolled back: %w", tx.id, err)
}
