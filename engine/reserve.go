package engine

import (
	"github.com/leftmike/walkv/storage/page"
	"github.com/leftmike/walkv/wal"
)

// A reservation keeps space on a page which an active transaction freed and would need again
// to roll back. slot is set when the slot itself must stay empty.
type reservation struct {
	loc  location
	slot bool
	size int
}

func (e *Engine) reserve(tx wal.TxID, loc location, slot bool, size int) {
	e.reserved[tx] = append(e.reserved[tx], reservation{loc: loc, slot: slot, size: size})
}

func (e *Engine) release(tx wal.TxID) {
	delete(e.reserved, tx)
}

func (e *Engine) slotReserved(loc location) bool {
	for _, rs := range e.reserved {
		for _, r := range rs {
			if r.slot && r.loc == loc {
				return true
			}
		}
	}
	return false
}

// reservedBytes returns the bytes of pid reserved by transactions other than tx.
func (e *Engine) reservedBytes(pid page.PageID, tx wal.TxID) int {
	var n int
	for id, rs := range e.reserved {
		if id == tx {
			continue
		}
		for _, r := range rs {
			if r.loc.pid == pid {
				n += r.size
			}
		}
	}
	return n
}

// freeSlot returns the first empty slot of pg which is not reserved.
func (e *Engine) freeSlot(pg *page.Page) page.SlotID {
	sid := pg.FreeSlot()
	for {
		loc := location{pid: pg.ID(), sid: sid}
		if pg.Cell(sid) == nil && !e.slotReserved(loc) {
			return sid
		}
		sid += 1
	}
}
