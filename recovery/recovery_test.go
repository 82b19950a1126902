package recovery_test

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/leftmike/walkv/recovery"
	"github.com/leftmike/walkv/storage/disk"
	"github.com/leftmike/walkv/storage/page"
	"github.com/leftmike/walkv/testutil"
	"github.com/leftmike/walkv/wal"
)

type testLog struct {
	t    *testing.T
	dir  string
	w    *wal.Writer
	last map[wal.TxID]wal.LSN
}

func newTestLog(t *testing.T, name string) *testLog {
	t.Helper()

	dir, err := testutil.TestDir(name)
	if err != nil {
		t.Fatal(err)
	}
	w, err := wal.NewWriter(filepath.Join(dir, "test.wal"),
		testutil.SetupLogger(filepath.Join("testdata", "recovery.log")))
	if err != nil {
		t.Fatal(err)
	}
	return &testLog{
		t:    t,
		dir:  dir,
		w:    w,
		last: map[wal.TxID]wal.LSN{},
	}
}

func (tl *testLog) walPath() string {
	return filepath.Join(tl.dir, "test.wal")
}

func (tl *testLog) pagePath() string {
	return filepath.Join(tl.dir, "test.pages")
}

func (tl *testLog) header(tx wal.TxID) wal.Header {
	return wal.Header{TxID: tx, PrevLSN: tl.last[tx]}
}

func (tl *testLog) append(tx wal.TxID, rec wal.LogRecord) wal.LSN {
	lsn := tl.w.Append(rec)
	tl.last[tx] = lsn
	return lsn
}

func (tl *testLog) begin(tx wal.TxID) wal.LSN {
	return tl.append(tx, &wal.BeginTransaction{Header: tl.header(tx)})
}

func (tl *testLog) commit(tx wal.TxID) wal.LSN {
	return tl.append(tx, &wal.CommitTransaction{Header: tl.header(tx)})
}

func (tl *testLog) newPage(tx wal.TxID, pid page.PageID) wal.LSN {
	return tl.append(tx, &wal.NewPage{Header: tl.header(tx), PageID: pid,
		PageType: page.TablePage})
}

func (tl *testLog) insert(tx wal.TxID, pid page.PageID, sid page.SlotID, key,
	val string) wal.LSN {

	return tl.append(tx, &wal.InsertRecord{Header: tl.header(tx), PageID: pid, SlotID: sid,
		Data: page.MakeCell([]byte(key), []byte(val))})
}

func (tl *testLog) update(tx wal.TxID, pid page.PageID, sid page.SlotID, key, oldVal,
	newVal string) wal.LSN {

	return tl.append(tx, &wal.UpdateRecord{Header: tl.header(tx), PageID: pid, SlotID: sid,
		OldData: page.MakeCell([]byte(key), []byte(oldVal)),
		NewData: page.MakeCell([]byte(key), []byte(newVal))})
}

func (tl *testLog) delete(tx wal.TxID, pid page.PageID, sid page.SlotID, key,
	val string) wal.LSN {

	return tl.append(tx, &wal.DeleteRecord{Header: tl.header(tx), PageID: pid, SlotID: sid,
		OldData: page.MakeCell([]byte(key), []byte(val))})
}

func (tl *testLog) flush() {
	err := tl.w.Flush()
	if err != nil {
		tl.t.Fatalf("Flush() failed with %s", err)
	}
}

// crash flushes and closes the log; the pages were never written.
func (tl *testLog) crash() {
	tl.flush()
	tl.w.Close()
}

// reopen opens the log and the pages as after a restart.
func (tl *testLog) reopen() (*wal.Writer, *disk.Cache) {
	tl.t.Helper()

	w, err := wal.NewWriter(tl.walPath(),
		testutil.SetupLogger(filepath.Join("testdata", "recovery.log")))
	if err != nil {
		tl.t.Fatal(err)
	}
	dm, err := disk.Open(tl.pagePath())
	if err != nil {
		tl.t.Fatal(err)
	}
	return w, disk.NewCache(dm)
}

func (tl *testLog) manager(c *disk.Cache) *recovery.Manager {
	return recovery.NewManager(tl.walPath(), c,
		testutil.SetupLogger(filepath.Join("testdata", "recovery.log")))
}

func cellValue(t *testing.T, c *disk.Cache, pid page.PageID, sid page.SlotID) (string, bool) {
	t.Helper()

	pg, err := c.Page(pid)
	if err != nil {
		t.Fatalf("Page(%d) failed with %s", pid, err)
	}
	cell := pg.Cell(sid)
	if cell == nil {
		return "", false
	}
	_, val, err := page.ParseCell(cell)
	if err != nil {
		t.Fatalf("ParseCell() failed with %s", err)
	}
	return string(val), true
}

func TestAnalysis(t *testing.T) {
	tl := newTestLog(t, "analysis")
	tl.begin(1)
	insertLSN := tl.insert(1, 0, 0, "key", "value")
	tl.crash()

	_, c := tl.reopen()
	mgr := tl.manager(c)
	err := mgr.Analyze()
	if err != nil {
		t.Fatalf("Analyze() failed with %s", err)
	}
	if mgr.ActiveTransactionCount() != 1 {
		t.Errorf("ActiveTransactionCount() got %d want 1", mgr.ActiveTransactionCount())
	}
	if mgr.DirtyPageCount() != 1 {
		t.Errorf("DirtyPageCount() got %d want 1", mgr.DirtyPageCount())
	}
	redoLSN, ok := mgr.RedoLSN()
	if !ok || redoLSN != insertLSN {
		t.Errorf("RedoLSN() got %d, %v want %d, true", redoLSN, ok, insertLSN)
	}
	if mgr.MaxTxID() != 1 {
		t.Errorf("MaxTxID() got %d want 1", mgr.MaxTxID())
	}
}

func TestAnalysisEmpty(t *testing.T) {
	tl := newTestLog(t, "empty")
	tl.crash()

	_, c := tl.reopen()
	mgr := tl.manager(c)
	err := mgr.Analyze()
	if err != nil {
		t.Fatalf("Analyze() failed with %s", err)
	}
	if mgr.ActiveTransactionCount() != 0 || mgr.DirtyPageCount() != 0 {
		t.Errorf("Analyze() got %d active, %d dirty want 0, 0", mgr.ActiveTransactionCount(),
			mgr.DirtyPageCount())
	}
	if _, ok := mgr.RedoLSN(); ok {
		t.Error("RedoLSN() got true want false")
	}
}

func TestUndoCompleteness(t *testing.T) {
	tl := newTestLog(t, "undo")
	tl.begin(1)
	tl.newPage(1, 0)
	tl.insert(1, 0, 0, "J", "j-before")
	tl.commit(1)

	tl.begin(2)
	insertK := tl.insert(2, 0, 1, "K", "k-value")
	updateJ := tl.update(2, 0, 0, "J", "j-before", "j-after")
	tl.crash()

	w, c := tl.reopen()
	mgr := tl.manager(c)
	err := mgr.Recover(w)
	if err != nil {
		t.Fatalf("Recover() failed with %s", err)
	}
	if val, ok := cellValue(t, c, 0, 0); !ok || val != "j-before" {
		t.Errorf("J got %s, %v want j-before, true", val, ok)
	}
	if val, ok := cellValue(t, c, 0, 1); ok {
		t.Errorf("K got %s want missing", val)
	}
	stats := mgr.Stats()
	if stats.CLRsWritten != 2 || stats.TransactionsUndone != 1 {
		t.Errorf("Stats() got %+v want 2 CLRs and 1 transaction undone", stats)
	}
	w.Close()

	recs, _, err := wal.NewReader(tl.walPath()).ReadAll()
	if err != nil {
		t.Fatalf("ReadAll() failed with %s", err)
	}
	n := len(recs)
	abort, ok := recs[n-1].(*wal.AbortTransaction)
	if !ok || abort.TxID != 2 {
		t.Fatalf("last record got %s want abort of transaction 2", wal.Format(recs[n-1]))
	}
	clr2, ok := recs[n-2].(*wal.Compensation)
	if !ok || clr2.UndoneLSN != insertK || abort.PrevLSN != clr2.LSN {
		t.Errorf("record %d got %s", n-2, wal.Format(recs[n-2]))
	}
	clr1, ok := recs[n-3].(*wal.Compensation)
	if !ok || clr1.UndoneLSN != updateJ || clr1.NextUndoLSN != insertK ||
		clr2.PrevLSN != clr1.LSN {

		t.Errorf("record %d got %s", n-3, wal.Format(recs[n-3]))
	}

	// Recovering again has nothing left to undo and redo changes nothing.
	pg, _ := c.Page(0)
	lsn := pg.LSN()
	c.Manager().Close()

	w, c = tl.reopen()
	mgr = tl.manager(c)
	err = mgr.Recover(w)
	if err != nil {
		t.Fatalf("Recover() failed with %s", err)
	}
	if mgr.Stats().RecordsRedone != 0 || mgr.Stats().CLRsWritten != 0 {
		t.Errorf("Recover() again got %+v", mgr.Stats())
	}
	pg, _ = c.Page(0)
	if pg.LSN() != lsn {
		t.Errorf("page LSN got %d want %d", pg.LSN(), lsn)
	}
	w.Close()
	c.Manager().Close()
}

func TestRedoIdempotence(t *testing.T) {
	tl := newTestLog(t, "redo")
	tl.begin(1)
	tl.newPage(1, 0)
	tl.newPage(1, 1)
	tl.insert(1, 0, 0, "a", "a1")
	tl.insert(1, 1, 0, "b", "b1")
	tl.update(1, 0, 0, "a", "a1", "a2")
	tl.commit(1)
	tl.begin(2)
	tl.delete(2, 1, 0, "b", "b1")
	tl.insert(2, 0, 1, "c", "c2")
	last := tl.commit(2)
	tl.crash()

	_, c := tl.reopen()
	mgr := tl.manager(c)
	err := mgr.Analyze()
	if err != nil {
		t.Fatalf("Analyze() failed with %s", err)
	}
	err = mgr.Redo()
	if err != nil {
		t.Fatalf("Redo() failed with %s", err)
	}

	snapshot := func() [][]byte {
		var data [][]byte
		for _, pid := range []page.PageID{0, 1} {
			pg, err := c.Page(pid)
			if err != nil {
				t.Fatal(err)
			}
			data = append(data, append([]byte(nil), pg.Data()...))
		}
		return data
	}
	once := snapshot()
	redone := mgr.Stats().RecordsRedone

	err = mgr.Redo()
	if err != nil {
		t.Fatalf("Redo() failed with %s", err)
	}
	if !testutil.DeepEqual(snapshot(), once) {
		t.Error("Redo() twice changed the pages")
	}
	if mgr.Stats().RecordsRedone != redone {
		t.Errorf("Redo() twice redid %d records", mgr.Stats().RecordsRedone-redone)
	}

	if val, ok := cellValue(t, c, 0, 0); !ok || val != "a2" {
		t.Errorf("a got %s, %v want a2, true", val, ok)
	}
	if val, ok := cellValue(t, c, 0, 1); !ok || val != "c2" {
		t.Errorf("c got %s, %v want c2, true", val, ok)
	}
	if _, ok := cellValue(t, c, 1, 0); ok {
		t.Error("b got a value want missing")
	}
	pg, _ := c.Page(0)
	if pg.LSN() != uint64(last-1) {
		t.Errorf("page 0 LSN got %d want %d", pg.LSN(), last-1)
	}
}

func TestUndoResumesAfterCLR(t *testing.T) {
	tl := newTestLog(t, "resume")
	begin := tl.begin(1)
	tl.newPage(1, 0)
	insertA := tl.insert(1, 0, 0, "A", "a")
	insertB := tl.insert(1, 0, 1, "B", "b")
	insertC := tl.insert(1, 0, 2, "C", "c")

	// The crash happened after C was undone.
	tl.append(1, &wal.Compensation{Header: tl.header(1), PageID: 0, SlotID: 2, HasSlot: true,
		UndoneLSN: insertC, NextUndoLSN: insertB})
	tl.crash()

	w, c := tl.reopen()
	mgr := tl.manager(c)
	err := mgr.Recover(w)
	if err != nil {
		t.Fatalf("Recover() failed with %s", err)
	}
	w.Close()

	recs, _, err := wal.NewReader(tl.walPath()).ReadAll()
	if err != nil {
		t.Fatal(err)
	}
	var undone []wal.LSN
	var nextUndo []wal.LSN
	for _, rec := range recs {
		if clr, ok := rec.(*wal.Compensation); ok {
			undone = append(undone, clr.UndoneLSN)
			nextUndo = append(nextUndo, clr.NextUndoLSN)
		}
	}
	// The NewPage record is compensated without changing the page.
	want := []wal.LSN{insertC, insertB, insertA, insertA - 1}
	if !testutil.DeepEqual(undone, want) {
		t.Errorf("undone got %v want %v", undone, want)
	}
	if nextUndo[len(nextUndo)-1] != begin {
		t.Errorf("last next undo LSN got %d want %d", nextUndo[len(nextUndo)-1], begin)
	}
	for sid := page.SlotID(0); sid < 3; sid += 1 {
		if val, ok := cellValue(t, c, 0, sid); ok {
			t.Errorf("slot %d got %s want missing", sid, val)
		}
	}
	pg, _ := c.Page(0)
	if pg.Type() != page.TablePage {
		t.Errorf("page 0 type got %s want %s", pg.Type(), page.TablePage)
	}
}

func TestCheckpoint(t *testing.T) {
	tl := newTestLog(t, "checkpoint")
	tl.begin(1)
	tl.newPage(1, 0)
	tl.insert(1, 0, 0, "x", "x1")
	tl.commit(1)
	tl.begin(2)
	insertY := tl.insert(2, 0, 1, "y", "y2")

	tl.w.Append(&wal.CheckpointBegin{})
	tl.w.Append(&wal.CheckpointEnd{
		ActiveTransactions: []wal.ActiveTransaction{{TxID: 2, LastLSN: insertY}},
		DirtyPages:         []wal.DirtyPage{{PageID: 0, RecoveryLSN: 2}},
	})
	tl.begin(3)
	tl.insert(3, 0, 2, "z", "z3")
	tl.commit(3)
	tl.update(2, 0, 0, "x", "x1", "x2")
	tl.crash()

	w, c := tl.reopen()
	mgr := tl.manager(c)
	err := mgr.Analyze()
	if err != nil {
		t.Fatalf("Analyze() failed with %s", err)
	}
	if mgr.Checkpoint() == nil {
		t.Fatal("Checkpoint() got nil")
	}
	if mgr.ActiveTransactionCount() != 1 {
		t.Errorf("ActiveTransactionCount() got %d want 1", mgr.ActiveTransactionCount())
	}
	if lsn, ok := mgr.RedoLSN(); !ok || lsn != 2 {
		t.Errorf("RedoLSN() got %d, %v want 2, true", lsn, ok)
	}
	if ti, ok := mgr.TransactionTable().Get(3); !ok || ti.State != recovery.Committed {
		t.Errorf("transaction 3 got %+v, %v want committed", ti, ok)
	}
	if mgr.MaxTxID() != 3 {
		t.Errorf("MaxTxID() got %d want 3", mgr.MaxTxID())
	}

	err = mgr.Redo()
	if err == nil {
		err = mgr.Undo(w)
	}
	if err != nil {
		t.Fatalf("Redo() or Undo() failed with %s", err)
	}
	if val, ok := cellValue(t, c, 0, 0); !ok || val != "x1" {
		t.Errorf("x got %s, %v want x1, true", val, ok)
	}
	if val, ok := cellValue(t, c, 0, 1); ok {
		t.Errorf("y got %s want missing", val)
	}
	if val, ok := cellValue(t, c, 0, 2); !ok || val != "z3" {
		t.Errorf("z got %s, %v want z3, true", val, ok)
	}
	if mgr.ActiveTransactionCount() != 0 {
		t.Errorf("ActiveTransactionCount() after undo got %d", mgr.ActiveTransactionCount())
	}
	w.Close()
}

func TestCorruptLog(t *testing.T) {
	tl := newTestLog(t, "corrupt")
	tl.begin(1)
	tl.crash()

	f, err := os.OpenFile(tl.walPath(), os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		t.Fatal(err)
	}
	f.Write([]byte{0, 0, 0, 2, 0xEE, 0xEE})
	f.Close()

	dm, err := disk.Open(tl.pagePath())
	if err != nil {
		t.Fatal(err)
	}
	mgr := tl.manager(disk.NewCache(dm))
	err = mgr.Analyze()
	if !errors.Is(err, &recovery.Error{Kind: recovery.WALError}) {
		t.Errorf("Analyze() got %v want wal error", err)
	}
	if !wal.IsCorrupt(err) {
		t.Errorf("Analyze() got %v want %s", err, wal.ErrCorruptRecord)
	}
	var re *recovery.Error
	if !errors.As(err, &re) || re.Kind != recovery.WALError {
		t.Errorf("Analyze() got %v want *recovery.Error", err)
	}
	if errors.Is(err, &recovery.Error{Kind: recovery.RedoError}) {
		t.Errorf("Analyze() got %v is a redo error", err)
	}
}
