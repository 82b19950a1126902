package recovery

import (
	"sort"

	"github.com/leftmike/walkv/storage/page"
	"github.com/leftmike/walkv/wal"
)

type TxState int

const (
	Active TxState = iota
	Committed
	Aborted
)

func (ts TxState) String() string {
	switch ts {
	case Active:
		return "active"
	case Committed:
		return "committed"
	case Aborted:
		return "aborted"
	}
	return "unknown"
}

type TransactionInfo struct {
	TxID    wal.TxID
	State   TxState
	LastLSN wal.LSN
}

type TransactionTable struct {
	txs map[wal.TxID]*TransactionInfo
}

func NewTransactionTable() *TransactionTable {
	return &TransactionTable{
		txs: map[wal.TxID]*TransactionInfo{},
	}
}

// Begin registers tx as active; a previous entry for the same id is replaced.
func (tt *TransactionTable) Begin(tx wal.TxID, lsn wal.LSN) {
	tt.txs[tx] = &TransactionInfo{
		TxID:    tx,
		State:   Active,
		LastLSN: lsn,
	}
}

// Update records lsn as the last record written by tx, adding tx if it is not known.
func (tt *TransactionTable) Update(tx wal.TxID, lsn wal.LSN) {
	ti, ok := tt.txs[tx]
	if !ok {
		tt.Begin(tx, lsn)
	} else if lsn > ti.LastLSN {
		ti.LastLSN = lsn
	}
}

// Finish moves tx to a terminal state.
func (tt *TransactionTable) Finish(tx wal.TxID, lsn wal.LSN, state TxState) {
	tt.Update(tx, lsn)
	tt.txs[tx].State = state
}

func (tt *TransactionTable) Remove(tx wal.TxID) {
	delete(tt.txs, tx)
}

func (tt *TransactionTable) Get(tx wal.TxID) (TransactionInfo, bool) {
	ti, ok := tt.txs[tx]
	if !ok {
		return TransactionInfo{}, false
	}
	return *ti, true
}

// Active returns the active transactions ordered by id.
func (tt *TransactionTable) Active() []TransactionInfo {
	var tis []TransactionInfo
	for _, ti := range tt.txs {
		if ti.State == Active {
			tis = append(tis, *ti)
		}
	}
	sort.Slice(tis, func(i, j int) bool { return tis[i].TxID < tis[j].TxID })
	return tis
}

// DirtyPageTable maps a page to the LSN of the first record that may not be reflected in
// the page file.
type DirtyPageTable struct {
	pages map[page.PageID]wal.LSN
}

func NewDirtyPageTable() *DirtyPageTable {
	return &DirtyPageTable{
		pages: map[page.PageID]wal.LSN{},
	}
}

// Touch adds pid with lsn unless it is already present.
func (dpt *DirtyPageTable) Touch(pid page.PageID, lsn wal.LSN) {
	if _, ok := dpt.pages[pid]; !ok {
		dpt.pages[pid] = lsn
	}
}

func (dpt *DirtyPageTable) RecoveryLSN(pid page.PageID) (wal.LSN, bool) {
	lsn, ok := dpt.pages[pid]
	return lsn, ok
}

func (dpt *DirtyPageTable) Len() int {
	return len(dpt.pages)
}

// RedoLSN returns the minimum recovery LSN; it is false if the table is empty.
func (dpt *DirtyPageTable) RedoLSN() (wal.LSN, bool) {
	var min wal.LSN
	for _, lsn := range dpt.pages {
		if min == 0 || lsn < min {
			min = lsn
		}
	}
	return min, min != 0
}
