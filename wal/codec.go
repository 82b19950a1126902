package wal

import (
	"errors"
	"fmt"

	"github.com/leftmike/walkv/encode"
	"github.com/leftmike/walkv/storage/page"
)

var (
	ErrCorruptRecord = errors.New("wal: corrupt record")
)

func encodeHeader(buf []byte, rt RecordType, h Header) []byte {
	buf = append(buf, byte(rt))
	buf = encode.EncodeVarint(buf, uint64(h.LSN))
	buf = encode.EncodeVarint(buf, uint64(h.TxID))
	return encode.EncodeOptional(buf, uint64(h.PrevLSN), h.PrevLSN != 0)
}

func encodeLocation(buf []byte, pid page.PageID, sid page.SlotID) []byte {
	buf = encode.EncodeVarint(buf, uint64(pid))
	return encode.EncodeVarint(buf, uint64(sid))
}

// Encode returns the serialized form of rec, without the length prefix.
func Encode(rec LogRecord) []byte {
	buf := encodeHeader(make([]byte, 0, 64), rec.Type(), rec.Head())

	switch rec := rec.(type) {
	case *BeginTransaction, *CommitTransaction, *AbortTransaction, *CheckpointBegin:
	case *InsertRecord:
		buf = encodeLocation(buf, rec.PageID, rec.SlotID)
		buf = encode.EncodeBytes(buf, rec.Data)
	case *DeleteRecord:
		buf = encodeLocation(buf, rec.PageID, rec.SlotID)
		buf = encode.EncodeBytes(buf, rec.OldData)
	case *UpdateRecord:
		buf = encodeLocation(buf, rec.PageID, rec.SlotID)
		buf = encode.EncodeBytes(buf, rec.OldData)
		buf = encode.EncodeBytes(buf, rec.NewData)
	case *NewPage:
		buf = encode.EncodeVarint(buf, uint64(rec.PageID))
		buf = append(buf, byte(rec.PageType))
	case *Compensation:
		buf = encode.EncodeVarint(buf, uint64(rec.PageID))
		buf = encode.EncodeOptional(buf, uint64(rec.SlotID), rec.HasSlot)
		buf = encode.EncodeVarint(buf, uint64(rec.UndoneLSN))
		buf = encode.EncodeBytes(buf, rec.RedoData)
		buf = encode.EncodeOptional(buf, uint64(rec.NextUndoLSN), rec.NextUndoLSN != 0)
	case *CheckpointEnd:
		buf = encode.EncodeVarint(buf, uint64(len(rec.ActiveTransactions)))
		for _, at := range rec.ActiveTransactions {
			buf = encode.EncodeVarint(buf, uint64(at.TxID))
			buf = encode.EncodeVarint(buf, uint64(at.LastLSN))
		}
		buf = encode.EncodeVarint(buf, uint64(len(rec.DirtyPages)))
		for _, dp := range rec.DirtyPages {
			buf = encode.EncodeVarint(buf, uint64(dp.PageID))
			buf = encode.EncodeVarint(buf, uint64(dp.RecoveryLSN))
		}
	default:
		panic(fmt.Sprintf("wal: unexpected log record: %T", rec))
	}

	return buf
}

type decoder struct {
	buf []byte
	err error
}

func (dec *decoder) fail(field string) {
	if dec.err == nil {
		dec.err = fmt.Errorf("%w: bad %s field", ErrCorruptRecord, field)
	}
}

func (dec *decoder) varint(field string) uint64 {
	if dec.err != nil {
		return 0
	}
	buf, n, ok := encode.DecodeVarint(dec.buf)
	if !ok {
		dec.fail(field)
		return 0
	}
	dec.buf = buf
	return n
}

func (dec *decoder) optional(field string) (uint64, bool) {
	if dec.err != nil {
		return 0, false
	}
	buf, n, present, ok := encode.DecodeOptional(dec.buf)
	if !ok {
		dec.fail(field)
		return 0, false
	}
	dec.buf = buf
	return n, present
}

func (dec *decoder) bytes(field string) []byte {
	if dec.err != nil {
		return nil
	}
	buf, b, ok := encode.DecodeBytes(dec.buf)
	if !ok {
		dec.fail(field)
		return nil
	}
	dec.buf = buf
	return b
}

func (dec *decoder) oneByte(field string) byte {
	if dec.err != nil {
		return 0
	}
	if len(dec.buf) == 0 {
		dec.fail(field)
		return 0
	}
	b := dec.buf[0]
	dec.buf = dec.buf[1:]
	return b
}

func (dec *decoder) pageID() page.PageID {
	return page.PageID(dec.varint("page id"))
}

func (dec *decoder) slotID() page.SlotID {
	sid := dec.varint("slot id")
	if sid > 0xFFFF {
		dec.fail("slot id")
	}
	return page.SlotID(sid)
}

// Decode deserializes a record encoded by Encode.
func Decode(buf []byte) (LogRecord, error) {
	dec := decoder{buf: buf}

	rt := RecordType(dec.oneByte("type"))
	var h Header
	h.LSN = LSN(dec.varint("lsn"))
	h.TxID = TxID(dec.varint("tx id"))
	prev, _ := dec.optional("prev lsn")
	h.PrevLSN = LSN(prev)

	var rec LogRecord
	switch rt {
	case BeginTransactionType:
		rec = &BeginTransaction{Header: h}
	case CommitTransactionType:
		rec = &CommitTransaction{Header: h}
	case AbortTransactionType:
		rec = &AbortTransaction{Header: h}
	case CheckpointBeginType:
		rec = &CheckpointBegin{Header: h}
	case InsertRecordType:
		rec = &InsertRecord{
			Header: h,
			PageID: dec.pageID(),
			SlotID: dec.slotID(),
			Data:   dec.bytes("data"),
		}
	case DeleteRecordType:
		rec = &DeleteRecord{
			Header:  h,
			PageID:  dec.pageID(),
			SlotID:  dec.slotID(),
			OldData: dec.bytes("old data"),
		}
	case UpdateRecordType:
		rec = &UpdateRecord{
			Header:  h,
			PageID:  dec.pageID(),
			SlotID:  dec.slotID(),
			OldData: dec.bytes("old data"),
			NewData: dec.bytes("new data"),
		}
	case NewPageType:
		rec = &NewPage{
			Header:   h,
			PageID:   dec.pageID(),
			PageType: page.PageType(dec.oneByte("page type")),
		}
	case CompensationType:
		clr := &Compensation{
			Header: h,
			PageID: dec.pageID(),
		}
		sid, present := dec.optional("slot id")
		clr.SlotID = page.SlotID(sid)
		clr.HasSlot = present
		clr.UndoneLSN = LSN(dec.varint("undone lsn"))
		clr.RedoData = dec.bytes("redo data")
		next, _ := dec.optional("next undo lsn")
		clr.NextUndoLSN = LSN(next)
		rec = clr
	case CheckpointEndType:
		ce := &CheckpointEnd{Header: h}
		cnt := dec.varint("active transactions")
		for i := uint64(0); i < cnt && dec.err == nil; i++ {
			ce.ActiveTransactions = append(ce.ActiveTransactions,
				ActiveTransaction{
					TxID:    TxID(dec.varint("tx id")),
					LastLSN: LSN(dec.varint("last lsn")),
				})
		}
		cnt = dec.varint("dirty pages")
		for i := uint64(0); i < cnt && dec.err == nil; i++ {
			ce.DirtyPages = append(ce.DirtyPages,
				DirtyPage{
					PageID:      dec.pageID(),
					RecoveryLSN: LSN(dec.varint("recovery lsn")),
				})
		}
		rec = ce
	default:
		if dec.err == nil {
			return nil, fmt.Errorf("%w: unknown record type %d", ErrCorruptRecord, rt)
		}
	}

	if dec.err != nil {
		return nil, dec.err
	}
	if len(dec.buf) != 0 {
		return nil, fmt.Errorf("%w: %d extra bytes", ErrCorruptRecord, len(dec.buf))
	}
	return rec, nil
}
