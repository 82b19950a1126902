package recovery

import (
	"fmt"

	"github.com/leftmike/walkv/storage/disk"
	"github.com/leftmike/walkv/storage/page"
	"github.com/leftmike/walkv/wal"
)

// Apply makes the change described by rec to pg; it does not stamp the page LSN.
func Apply(pg *page.Page, rec wal.PageRecord) error {
	switch rec := rec.(type) {
	case *wal.InsertRecord:
		return pg.PutCell(rec.SlotID, rec.Data)
	case *wal.DeleteRecord:
		return pg.ClearCell(rec.SlotID)
	case *wal.UpdateRecord:
		return pg.PutCell(rec.SlotID, rec.NewData)
	case *wal.NewPage:
		pg.Format(rec.PageType)
		return nil
	case *wal.Compensation:
		if !rec.HasSlot {
			return nil
		}
		return pg.PutCell(rec.SlotID, rec.RedoData)
	}
	return fmt.Errorf("recovery: unexpected record: %s", wal.Format(rec))
}

// Appender assigns LSNs to records; *wal.Writer is an Appender.
type Appender interface {
	Append(rec wal.LogRecord) wal.LSN
}

// Undoer rolls back a single transaction by walking its records backward from its last
// LSN, writing a compensation record for every change undone.
type Undoer struct {
	Log    Appender
	Cache  *disk.Cache
	Lookup func(lsn wal.LSN) (wal.LogRecord, bool)

	// Undone, if not nil, is called after each record has been undone on its page.
	Undone func(rec wal.PageRecord) error
}

func compensate(rec wal.PageRecord, prevLSN wal.LSN) (*wal.Compensation, error) {
	h := rec.Head()
	clr := &wal.Compensation{
		Header: wal.Header{
			TxID:    h.TxID,
			PrevLSN: prevLSN,
		},
		PageID:      rec.Page(),
		UndoneLSN:   h.LSN,
		NextUndoLSN: h.PrevLSN,
	}

	switch rec := rec.(type) {
	case *wal.InsertRecord:
		clr.SlotID = rec.SlotID
		clr.HasSlot = true
	case *wal.DeleteRecord:
		clr.SlotID = rec.SlotID
		clr.HasSlot = true
		clr.RedoData = rec.OldData
	case *wal.UpdateRecord:
		clr.SlotID = rec.SlotID
		clr.HasSlot = true
		clr.RedoData = rec.OldData
	case *wal.NewPage:
		// The page stays allocated and formatted.
	default:
		return nil, fmt.Errorf("recovery: can't undo %s", wal.Format(rec))
	}
	return clr, nil
}

// Undo rolls back tx whose last record is lastLSN. It returns the LSN of the last record
// written for tx, to be used as the PrevLSN of its AbortTransaction record, and the number
// of compensation records written.
func (u Undoer) Undo(tx wal.TxID, lastLSN wal.LSN) (wal.LSN, int, error) {
	var clrs int
	prevLSN := lastLSN
	lsn := lastLSN
	for lsn != 0 {
		rec, ok := u.Lookup(lsn)
		if !ok {
			return prevLSN, clrs, fmt.Errorf("transaction %d: missing record %d", tx, lsn)
		}
		if rec.Head().TxID != tx {
			return prevLSN, clrs, fmt.Errorf("transaction %d: record %d belongs to %d", tx,
				lsn, rec.Head().TxID)
		}

		switch rec := rec.(type) {
		case *wal.BeginTransaction:
			return prevLSN, clrs, nil
		case *wal.Compensation:
			lsn = rec.NextUndoLSN
			continue
		case *wal.CommitTransaction, *wal.AbortTransaction:
			return prevLSN, clrs, fmt.Errorf("transaction %d: undo past %s", tx, wal.Format(rec))
		}

		prec, ok := rec.(wal.PageRecord)
		if !ok {
			return prevLSN, clrs, fmt.Errorf("transaction %d: can't undo %s", tx,
				wal.Format(rec))
		}
		clr, err := compensate(prec, prevLSN)
		if err != nil {
			return prevLSN, clrs, err
		}
		pg, err := u.Cache.Page(clr.PageID)
		if err != nil {
			return prevLSN, clrs, err
		}
		err = Apply(pg, clr)
		if err != nil {
			return prevLSN, clrs, fmt.Errorf("transaction %d: undo %d: %w", tx, lsn, err)
		}
		prevLSN = u.Log.Append(clr)
		u.Cache.MarkDirty(pg, uint64(prevLSN))
		clrs += 1

		if u.Undone != nil {
			err = u.Undone(prec)
			if err != nil {
				return prevLSN, clrs, err
			}
		}
		lsn = prec.Head().PrevLSN
	}
	return prevLSN, clrs, nil
}
