// Package wal implements the write ahead log: an append only file of length prefixed
// LogRecords. There is no file header; each frame is a 4 byte big endian payload length
// followed by the encoded record.
package wal

import (
	"fmt"

	"github.com/leftmike/walkv/storage/page"
)

// LSN is a log sequence number; LSNs start at 1 and strictly increase in write order. The
// zero LSN means no record.
type LSN uint64

// TxID identifies a transaction; 0 is the implicit transaction used by single commands.
type TxID uint64

type RecordType byte

const (
	BeginTransactionType RecordType = iota + 1
	CommitTransactionType
	AbortTransactionType
	InsertRecordType
	DeleteRecordType
	UpdateRecordType
	NewPageType
	CompensationType
	CheckpointBeginType
	CheckpointEndType
)

func (rt RecordType) String() string {
	switch rt {
	case BeginTransactionType:
		return "begin"
	case CommitTransactionType:
		return "commit"
	case AbortTransactionType:
		return "abort"
	case InsertRecordType:
		return "insert"
	case DeleteRecordType:
		return "delete"
	case UpdateRecordType:
		return "update"
	case NewPageType:
		return "new-page"
	case CompensationType:
		return "clr"
	case CheckpointBeginType:
		return "checkpoint-begin"
	case CheckpointEndType:
		return "checkpoint-end"
	}
	return fmt.Sprintf("record-type-%d", byte(rt))
}

// Header holds the fields common to every record. PrevLSN chains the records of a
// transaction backward; it is zero for the first record of a transaction and for checkpoint
// records.
type Header struct {
	LSN     LSN
	TxID    TxID
	PrevLSN LSN
}

func (h Header) Head() Header {
	return h
}

func (h *Header) setLSN(lsn LSN) {
	h.LSN = lsn
}

func (h *Header) header() *Header {
	return h
}

// Chain sets the transaction of rec and links it to prevLSN, the previous record of the same
// transaction.
func Chain(rec LogRecord, tx TxID, prevLSN LSN) {
	h := rec.header()
	h.TxID = tx
	h.PrevLSN = prevLSN
}

// LogRecord is one of *BeginTransaction, *CommitTransaction, *AbortTransaction,
// *InsertRecord, *DeleteRecord, *UpdateRecord, *NewPage, *Compensation, *CheckpointBegin,
// or *CheckpointEnd.
type LogRecord interface {
	Head() Header
	Type() RecordType
	setLSN(lsn LSN)
	header() *Header
}

// PageRecord is implemented by the records which change a page.
type PageRecord interface {
	LogRecord
	Page() page.PageID
}

type BeginTransaction struct {
	Header
}

type CommitTransaction struct {
	Header
}

type AbortTransaction struct {
	Header
}

// InsertRecord stores Data (a cell) in an empty slot.
type InsertRecord struct {
	Header
	PageID page.PageID
	SlotID page.SlotID
	Data   []byte
}

// DeleteRecord empties a slot; OldData is the before image.
type DeleteRecord struct {
	Header
	PageID  page.PageID
	SlotID  page.SlotID
	OldData []byte
}

type UpdateRecord struct {
	Header
	PageID  page.PageID
	SlotID  page.SlotID
	OldData []byte
	NewData []byte
}

type NewPage struct {
	Header
	PageID   page.PageID
	PageType page.PageType
}

// Compensation records the undo of UndoneLSN; it is redone but never undone. RedoData is
// the image stored in the slot by the undo; it is empty when the undo emptied the slot.
// NextUndoLSN is where undo of the transaction continues; zero means there is nothing
// left to undo.
type Compensation struct {
	Header
	PageID      page.PageID
	SlotID      page.SlotID
	HasSlot     bool
	UndoneLSN   LSN
	RedoData    []byte
	NextUndoLSN LSN
}

type CheckpointBegin struct {
	Header
}

type ActiveTransaction struct {
	TxID    TxID
	LastLSN LSN
}

type DirtyPage struct {
	PageID      page.PageID
	RecoveryLSN LSN
}

// CheckpointEnd snapshots the transaction table and the dirty page table.
type CheckpointEnd struct {
	Header
	ActiveTransactions []ActiveTransaction
	DirtyPages         []DirtyPage
}

func (_ *BeginTransaction) Type() RecordType  { return BeginTransactionType }
func (_ *CommitTransaction) Type() RecordType { return CommitTransactionType }
func (_ *AbortTransaction) Type() RecordType  { return AbortTransactionType }
func (_ *InsertRecord) Type() RecordType      { return InsertRecordType }
func (_ *DeleteRecord) Type() RecordType      { return DeleteRecordType }
func (_ *UpdateRecord) Type() RecordType      { return UpdateRecordType }
func (_ *NewPage) Type() RecordType           { return NewPageType }
func (_ *Compensation) Type() RecordType      { return CompensationType }
func (_ *CheckpointBegin) Type() RecordType   { return CheckpointBeginType }
func (_ *CheckpointEnd) Type() RecordType     { return CheckpointEndType }

func (ir *InsertRecord) Page() page.PageID  { return ir.PageID }
func (dr *DeleteRecord) Page() page.PageID  { return dr.PageID }
func (ur *UpdateRecord) Page() page.PageID  { return ur.PageID }
func (np *NewPage) Page() page.PageID       { return np.PageID }
func (clr *Compensation) Page() page.PageID { return clr.PageID }

// Format returns a one line description of rec.
func Format(rec LogRecord) string {
	h := rec.Head()
	s := fmt.Sprintf("%d %s tx=%d prev=%d", h.LSN, rec.Type(), h.TxID, h.PrevLSN)
	if d := Details(rec); d != "" {
		s += " " + d
	}
	return s
}

// Details describes the fields of rec other than those in its header.
func Details(rec LogRecord) string {
	switch rec := rec.(type) {
	case *InsertRecord:
		return fmt.Sprintf("page=%d slot=%d len=%d", rec.PageID, rec.SlotID, len(rec.Data))
	case *DeleteRecord:
		return fmt.Sprintf("page=%d slot=%d old=%d", rec.PageID, rec.SlotID, len(rec.OldData))
	case *UpdateRecord:
		return fmt.Sprintf("page=%d slot=%d old=%d new=%d", rec.PageID, rec.SlotID,
			len(rec.OldData), len(rec.NewData))
	case *NewPage:
		return fmt.Sprintf("page=%d type=%s", rec.PageID, rec.PageType)
	case *Compensation:
		if !rec.HasSlot {
			return fmt.Sprintf("page=%d undone=%d next=%d", rec.PageID, rec.UndoneLSN,
				rec.NextUndoLSN)
		}
		return fmt.Sprintf("page=%d slot=%d undone=%d next=%d", rec.PageID, rec.SlotID,
			rec.UndoneLSN, rec.NextUndoLSN)
	case *CheckpointEnd:
		return fmt.Sprintf("active=%d dirty=%d", len(rec.ActiveTransactions),
			len(rec.DirtyPages))
	}
	return ""
}
