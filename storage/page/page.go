// Package page defines the layout of a fixed size page: a header stamped with the LSN of the
// last change applied to the page, followed by a slot directory that grows toward the end of
// the page and cells that are packed from the end of the page toward the directory.
//
//	+--------+--------+------------------------+-----------------+
//	| header | slots  |       free space       |      cells      |
//	+--------+--------+------------------------+-----------------+
//
// Header: LSN (8 bytes), page type (1 byte), unused (1 byte), slot count (2 bytes), unused
// (4 bytes). Slot: cell offset (2 bytes), cell length (2 bytes); a zero length slot is empty.
package page

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/leftmike/walkv/encode"
)

const (
	PageSize = 4096

	headerSize = 16
	slotSize   = 4

	lsnOffset       = 0
	typeOffset      = 8
	slotCountOffset = 10
)

type PageID uint64

type SlotID uint16

type PageType byte

const (
	Unformatted PageType = iota
	TablePage
	BTreeInternal
	BTreeLeaf
)

var (
	ErrPageFull = errors.New("page: not enough free space")
	errBadSlot  = errors.New("page: slot out of range")
)

func (pt PageType) String() string {
	switch pt {
	case Unformatted:
		return "unformatted"
	case TablePage:
		return "table"
	case BTreeInternal:
		return "btree-internal"
	case BTreeLeaf:
		return "btree-leaf"
	}
	return fmt.Sprintf("page-type-%d", byte(pt))
}

type Page struct {
	id   PageID
	data []byte
}

// New returns a zero filled page; its type is Unformatted and its LSN is 0.
func New(id PageID) *Page {
	return &Page{
		id:   id,
		data: make([]byte, PageSize),
	}
}

func (pg *Page) ID() PageID {
	return pg.id
}

// Data returns the raw bytes of the page; changes to the slice change the page.
func (pg *Page) Data() []byte {
	return pg.data
}

func (pg *Page) LSN() uint64 {
	return binary.BigEndian.Uint64(pg.data[lsnOffset:])
}

func (pg *Page) SetLSN(lsn uint64) {
	binary.BigEndian.PutUint64(pg.data[lsnOffset:], lsn)
}

func (pg *Page) Type() PageType {
	return PageType(pg.data[typeOffset])
}

// Format clears the page and sets its type; the LSN is preserved.
func (pg *Page) Format(pt PageType) {
	lsn := pg.LSN()
	for idx := range pg.data {
		pg.data[idx] = 0
	}
	pg.SetLSN(lsn)
	pg.data[typeOffset] = byte(pt)
}

func (pg *Page) SlotCount() int {
	return int(binary.BigEndian.Uint16(pg.data[slotCountOffset:]))
}

func (pg *Page) slot(sid SlotID) (int, int) {
	off := headerSize + int(sid)*slotSize
	return int(binary.BigEndian.Uint16(pg.data[off:])),
		int(binary.BigEndian.Uint16(pg.data[off+2:]))
}

// Cell returns the contents of slot sid or nil if the slot is empty or does not exist.
func (pg *Page) Cell(sid SlotID) []byte {
	if int(sid) >= pg.SlotCount() {
		return nil
	}
	off, length := pg.slot(sid)
	if length == 0 {
		return nil
	}
	return pg.data[off : off+length]
}

// Cells returns all of the cells of the page indexed by slot.
func (pg *Page) Cells() [][]byte {
	cells := make([][]byte, pg.SlotCount())
	for sid := range cells {
		if c := pg.Cell(SlotID(sid)); c != nil {
			cells[sid] = append([]byte(nil), c...)
		}
	}
	return cells
}

func (pg *Page) used(cells [][]byte) int {
	n := headerSize + len(cells)*slotSize
	for _, c := range cells {
		n += len(c)
	}
	return n
}

// FreeSpace returns the number of bytes available for a cell in a new slot.
func (pg *Page) FreeSpace() int {
	free := PageSize - pg.used(pg.Cells()) - slotSize
	if free < 0 {
		return 0
	}
	return free
}

// Fits returns whether cell can be stored in slot sid.
func (pg *Page) Fits(sid SlotID, cell []byte) bool {
	return pg.FitsWith(sid, cell, 0)
}

// FitsWith returns whether cell can be stored in slot sid and still leave reserved bytes
// free.
func (pg *Page) FitsWith(sid SlotID, cell []byte, reserved int) bool {
	cells := pg.Cells()
	if int(sid) < len(cells) {
		cells[sid] = cell
	} else {
		cells = append(cells, make([][]byte, int(sid)-len(cells)+1)...)
		cells[sid] = cell
	}
	return pg.used(cells)+reserved <= PageSize
}

// FreeSlot returns the first empty slot of the page.
func (pg *Page) FreeSlot() SlotID {
	cnt := pg.SlotCount()
	for sid := 0; sid < cnt; sid++ {
		if _, length := pg.slot(SlotID(sid)); length == 0 {
			return SlotID(sid)
		}
	}
	return SlotID(cnt)
}

// PutCell stores cell in slot sid, growing the slot directory as needed.
func (pg *Page) PutCell(sid SlotID, cell []byte) error {
	if len(cell) == 0 {
		return pg.ClearCell(sid)
	}
	if int(sid) >= (PageSize-headerSize)/slotSize {
		return errBadSlot
	}

	cells := pg.Cells()
	if int(sid) >= len(cells) {
		cells = append(cells, make([][]byte, int(sid)-len(cells)+1)...)
	}
	cells[sid] = append([]byte(nil), cell...)
	if pg.used(cells) > PageSize {
		return ErrPageFull
	}
	pg.write(cells)
	return nil
}

// ClearCell empties slot sid; trailing empty slots are dropped from the directory.
func (pg *Page) ClearCell(sid SlotID) error {
	cells := pg.Cells()
	if int(sid) >= len(cells) {
		return nil
	}
	cells[sid] = nil
	for len(cells) > 0 && cells[len(cells)-1] == nil {
		cells = cells[:len(cells)-1]
	}
	pg.write(cells)
	return nil
}

func (pg *Page) write(cells [][]byte) {
	lsn := pg.LSN()
	pt := pg.Type()
	pg.Format(pt)
	pg.SetLSN(lsn)

	binary.BigEndian.PutUint16(pg.data[slotCountOffset:], uint16(len(cells)))
	end := PageSize
	for sid, c := range cells {
		off := headerSize + sid*slotSize
		if len(c) == 0 {
			continue
		}
		end -= len(c)
		copy(pg.data[end:], c)
		binary.BigEndian.PutUint16(pg.data[off:], uint16(end))
		binary.BigEndian.PutUint16(pg.data[off+2:], uint16(len(c)))
	}
}

// MakeCell encodes a key and value as a cell.
func MakeCell(key, val []byte) []byte {
	buf := encode.EncodeBytes(make([]byte, 0, len(key)+len(val)+4), key)
	return append(buf, val...)
}

// ParseCell decodes a cell made by MakeCell.
func ParseCell(cell []byte) ([]byte, []byte, error) {
	val, key, ok := encode.DecodeBytes(cell)
	if !ok {
		return nil, nil, fmt.Errorf("page: bad cell: %v", cell)
	}
	return key, append([]byte(nil), val...), nil
}
