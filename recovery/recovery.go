// Package recovery implements ARIES style crash recovery: Analysis rebuilds the transaction
// and dirty page tables from the last checkpoint and the log after it, Redo repeats history
// on the pages, and Undo rolls back the transactions which were active at the crash.
package recovery

import (
	"fmt"

	log "github.com/sirupsen/logrus"

	"github.com/leftmike/walkv/storage/disk"
	"github.com/leftmike/walkv/wal"
)

// Log is the part of *wal.Writer used by recovery.
type Log interface {
	Appender
	Flush() error
}

type Stats struct {
	Records            int
	RecordsRedone      int
	RecordsSkipped     int
	CLRsWritten        int
	TransactionsUndone int
}

type Manager struct {
	logger *log.Logger
	rdr    *wal.Reader
	cache  *disk.Cache

	records    []wal.LogRecord
	byLSN      map[wal.LSN]wal.LogRecord
	checkpoint *wal.Checkpoint
	txTable    *TransactionTable
	dpt        *DirtyPageTable
	maxTxID    wal.TxID
	analyzed   bool
	stats      Stats
}

func NewManager(walPath string, cache *disk.Cache, logger *log.Logger) *Manager {
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &Manager{
		logger:  logger,
		rdr:     wal.NewReader(walPath),
		cache:   cache,
		txTable: NewTransactionTable(),
		dpt:     NewDirtyPageTable(),
	}
}

// Analyze reads the log and rebuilds the transaction table and the dirty page table.
func (mgr *Manager) Analyze() error {
	recs, _, err := mgr.rdr.ReadAll()
	if err != nil {
		return &Error{Kind: WALError, Err: err}
	}
	ckpt, err := mgr.rdr.FindLastCheckpoint()
	if err != nil {
		return &Error{Kind: WALError, Err: err}
	}

	mgr.records = recs
	mgr.checkpoint = ckpt
	mgr.byLSN = make(map[wal.LSN]wal.LogRecord, len(recs))
	mgr.stats.Records = len(recs)

	var startLSN wal.LSN
	if ckpt != nil {
		startLSN = ckpt.BeginLSN
		for _, at := range ckpt.End.ActiveTransactions {
			mgr.txTable.Begin(at.TxID, at.LastLSN)
		}
		for _, dp := range ckpt.End.DirtyPages {
			mgr.dpt.Touch(dp.PageID, dp.RecoveryLSN)
		}
	}

	for _, rec := range recs {
		h := rec.Head()
		mgr.byLSN[h.LSN] = rec
		if h.TxID > mgr.maxTxID {
			mgr.maxTxID = h.TxID
		}
		if h.LSN < startLSN {
			continue
		}

		switch rec := rec.(type) {
		case *wal.BeginTransaction:
			mgr.txTable.Begin(h.TxID, h.LSN)
		case *wal.CommitTransaction:
			mgr.txTable.Finish(h.TxID, h.LSN, Committed)
		case *wal.AbortTransaction:
			mgr.txTable.Finish(h.TxID, h.LSN, Aborted)
		case wal.PageRecord:
			mgr.txTable.Update(h.TxID, h.LSN)
			mgr.dpt.Touch(rec.Page(), h.LSN)
		}
	}
	for _, at := range mgr.txTable.Active() {
		if at.TxID > mgr.maxTxID {
			mgr.maxTxID = at.TxID
		}
	}

	mgr.analyzed = true
	redoLSN, _ := mgr.dpt.RedoLSN()
	mgr.logger.WithFields(log.Fields{
		"phase":    "analysis",
		"records":  len(recs),
		"active":   mgr.ActiveTransactionCount(),
		"dirty":    mgr.dpt.Len(),
		"redo-lsn": redoLSN,
	}).Info("recovery: analysis done")
	return nil
}

// Redo repeats history: every page record at or after the redo LSN is applied to its page
// if the page is dirty and the page LSN is less than the record LSN.
func (mgr *Manager) Redo() error {
	if !mgr.analyzed {
		panic("recovery: redo before analysis")
	}

	redoLSN, ok := mgr.dpt.RedoLSN()
	if !ok {
		mgr.logger.WithField("phase", "redo").Info("recovery: nothing to redo")
		return nil
	}

	for _, rec := range mgr.records {
		lsn := rec.Head().LSN
		if lsn < redoLSN {
			continue
		}
		prec, ok := rec.(wal.PageRecord)
		if !ok {
			continue
		}
		recLSN, ok := mgr.dpt.RecoveryLSN(prec.Page())
		if !ok || lsn < recLSN {
			mgr.stats.RecordsSkipped += 1
			continue
		}

		pg, err := mgr.cache.Page(prec.Page())
		if err != nil {
			return &Error{Kind: RedoError, Err: err}
		}
		if pg.LSN() >= uint64(lsn) {
			mgr.stats.RecordsSkipped += 1
			continue
		}
		err = Apply(pg, prec)
		if err != nil {
			return &Error{Kind: RedoError, Err: fmt.Errorf("%s: %w", wal.Format(prec), err)}
		}
		mgr.cache.MarkDirty(pg, uint64(lsn))
		mgr.stats.RecordsRedone += 1

		mgr.logger.WithFields(log.Fields{
			"phase": "redo",
			"lsn":   lsn,
			"page":  prec.Page(),
		}).Debug("recovery: redone")
	}

	mgr.logger.WithFields(log.Fields{
		"phase":    "redo",
		"redo-lsn": redoLSN,
		"redone":   mgr.stats.RecordsRedone,
		"skipped":  mgr.stats.RecordsSkipped,
	}).Info("recovery: redo done")
	return nil
}

func (mgr *Manager) lookup(lsn wal.LSN) (wal.LogRecord, bool) {
	rec, ok := mgr.byLSN[lsn]
	return rec, ok
}

// Undo rolls back every transaction still active after analysis, writing compensation
// records and a final AbortTransaction record for each to w.
func (mgr *Manager) Undo(w Appender) error {
	if !mgr.analyzed {
		panic("recovery: undo before analysis")
	}

	u := Undoer{
		Log:    w,
		Cache:  mgr.cache,
		Lookup: mgr.lookup,
	}
	for _, at := range mgr.txTable.Active() {
		lastLSN, clrs, err := u.Undo(at.TxID, at.LastLSN)
		mgr.stats.CLRsWritten += clrs
		if err != nil {
			return &Error{Kind: UndoError, Err: err}
		}

		lsn := w.Append(&wal.AbortTransaction{
			Header: wal.Header{
				TxID:    at.TxID,
				PrevLSN: lastLSN,
			},
		})
		mgr.txTable.Finish(at.TxID, lsn, Aborted)
		mgr.stats.TransactionsUndone += 1

		mgr.logger.WithFields(log.Fields{
			"phase": "undo",
			"tx":    at.TxID,
			"clrs":  clrs,
		}).Info("recovery: transaction rolled back")
	}
	return nil
}

// Recover runs analysis, redo, and undo, then makes the log and the pages durable.
func (mgr *Manager) Recover(w Log) error {
	err := mgr.Analyze()
	if err != nil {
		return err
	}
	err = mgr.Redo()
	if err != nil {
		return err
	}
	err = mgr.Undo(w)
	if err != nil {
		return err
	}

	err = w.Flush()
	if err != nil {
		return &Error{Kind: UndoError, Err: err}
	}
	_, err = mgr.cache.Flush()
	if err != nil {
		return &Error{Kind: RedoError, Err: err}
	}
	return nil
}

// ActiveTransactionCount returns the number of transactions which are active: after
// analysis these are the transactions that undo will roll back.
func (mgr *Manager) ActiveTransactionCount() int {
	return len(mgr.txTable.Active())
}

func (mgr *Manager) DirtyPageCount() int {
	return mgr.dpt.Len()
}

// RedoLSN returns where redo starts; it is false if there is nothing to redo.
func (mgr *Manager) RedoLSN() (wal.LSN, bool) {
	return mgr.dpt.RedoLSN()
}

func (mgr *Manager) TransactionTable() *TransactionTable {
	return mgr.txTable
}

func (mgr *Manager) DirtyPageTable() *DirtyPageTable {
	return mgr.dpt
}

// Checkpoint returns the checkpoint analysis started from, or nil.
func (mgr *Manager) Checkpoint() *wal.Checkpoint {
	return mgr.checkpoint
}

// MaxTxID returns the largest transaction id in the log.
func (mgr *Manager) MaxTxID() wal.TxID {
	return mgr.maxTxID
}

func (mgr *Manager) Stats() Stats {
	return mgr.stats
}
