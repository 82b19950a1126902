package engine_test

import (
	"bytes"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"testing"

	"github.com/leftmike/walkv/engine"
	"github.com/leftmike/walkv/mvcc"
	"github.com/leftmike/walkv/recovery"
	"github.com/leftmike/walkv/storage/kv"
	"github.com/leftmike/walkv/storage/page"
	"github.com/leftmike/walkv/testutil"
	"github.com/leftmike/walkv/wal"
)

func openEngine(t *testing.T, dir string, st mvcc.Store) *engine.Engine {
	t.Helper()

	e, err := engine.Open(engine.Options{
		Dir:    dir,
		Store:  st,
		Logger: testutil.SetupLogger(filepath.Join("testdata", "engine.log")),
	})
	if err != nil {
		t.Fatalf("Open(%s) failed with %s", dir, err)
	}
	return e
}

func testEngine(t *testing.T, name string) *engine.Engine {
	t.Helper()

	dir, err := testutil.TestDir(name)
	if err != nil {
		t.Fatal(err)
	}
	return openEngine(t, dir, nil)
}

func readWAL(t *testing.T, e *engine.Engine) []wal.LogRecord {
	t.Helper()

	recs, _, err := wal.NewReader(e.WALPath()).ReadAll()
	if err != nil {
		t.Fatalf("ReadAll(%s) failed with %s", e.WALPath(), err)
	}
	return recs
}

func mustInsert(t *testing.T, e *engine.Engine, tx *engine.Transaction, key, val string) {
	t.Helper()

	err := e.Insert(tx, []byte(key), []byte(val))
	if err != nil {
		t.Fatalf("Insert(%s, %s) failed with %s", key, val, err)
	}
}

func checkGet(t *testing.T, e *engine.Engine, tx *engine.Transaction, key string, want string,
	wantOk bool) {

	t.Helper()

	val, ok, err := e.Get(tx, []byte(key))
	if err != nil {
		t.Errorf("Get(%s) failed with %s", key, err)
	} else if ok != wantOk {
		t.Errorf("Get(%s) got ok %v want %v", key, ok, wantOk)
	} else if ok && string(val) != want {
		t.Errorf("Get(%s) got %q want %q", key, val, want)
	}
}

func TestImplicitOverwrite(t *testing.T) {
	e := testEngine(t, "implicit_overwrite")
	defer e.Close()

	mustInsert(t, e, nil, "K", "v1")
	mustInsert(t, e, nil, "K", "v2")
	checkGet(t, e, nil, "K", "v2", true)

	vers, err := e.Store().Versions([]byte("K"))
	if err != nil {
		t.Fatalf("Versions(K) failed with %s", err)
	}
	var unexpired int
	for _, vv := range vers {
		if !vv.Expired {
			unexpired += 1
		}
	}
	if unexpired != 1 {
		t.Errorf("Versions(K) got %v want one unexpired version", vers)
	}
	if e.ActiveTransactions() != 0 {
		t.Errorf("ActiveTransactions() got %d want 0", e.ActiveTransactions())
	}
}

func TestCommitLogged(t *testing.T) {
	e := testEngine(t, "commit_logged")
	defer e.Close()

	tx, err := e.Begin()
	if err != nil {
		t.Fatalf("Begin() failed with %s", err)
	}
	mustInsert(t, e, tx, "K", "tx_value")
	err = e.Commit(tx)
	if err != nil {
		t.Fatalf("Commit() failed with %s", err)
	}
	if tx.State() != recovery.Committed {
		t.Errorf("State() got %s want %s", tx.State(), recovery.Committed)
	}

	var got []string
	for _, rec := range readWAL(t, e) {
		if rec.Head().TxID != tx.ID() {
			continue
		}
		switch rec := rec.(type) {
		case *wal.InsertRecord:
			key, val, err := page.ParseCell(rec.Data)
			if err != nil {
				t.Fatalf("ParseCell() failed with %s", err)
			}
			got = append(got, fmt.Sprintf("insert %s=%s", key, val))
		case *wal.CommitTransaction:
			got = append(got, "commit")
		}
	}
	want := []string{"insert K=tx_value", "commit"}
	if !testutil.DeepEqual(got, want) {
		t.Errorf("WAL got %v want %v", got, want)
	}

	err = e.Commit(tx)
	if err != engine.ErrTransactionNotActive {
		t.Errorf("Commit() got %v want %s", err, engine.ErrTransactionNotActive)
	}
	err = e.Rollback(tx)
	if err != engine.ErrTransactionNotActive {
		t.Errorf("Rollback() got %v want %s", err, engine.ErrTransactionNotActive)
	}
	err = e.Insert(tx, []byte("K"), []byte("v"))
	if err != engine.ErrTransactionNotActive {
		t.Errorf("Insert() got %v want %s", err, engine.ErrTransactionNotActive)
	}
}

func TestRollback(t *testing.T) {
	e := testEngine(t, "rollback")
	defer e.Close()

	mustInsert(t, e, nil, "A", "committed")

	tx, err := e.Begin()
	if err != nil {
		t.Fatalf("Begin() failed with %s", err)
	}
	mustInsert(t, e, tx, "K", "tx_value")
	mustInsert(t, e, tx, "A", "changed")
	_, err = e.Delete(tx, []byte("A"))
	if err != nil {
		t.Fatalf("Delete(A) failed with %s", err)
	}
	checkGet(t, e, tx, "K", "tx_value", true)
	checkGet(t, e, tx, "A", "", false)

	err = e.Rollback(tx)
	if err != nil {
		t.Fatalf("Rollback() failed with %s", err)
	}
	if tx.State() != recovery.Aborted {
		t.Errorf("State() got %s want %s", tx.State(), recovery.Aborted)
	}
	checkGet(t, e, nil, "K", "", false)
	checkGet(t, e, nil, "A", "committed", true)

	recs := readWAL(t, e)
	last := recs[len(recs)-1]
	if _, ok := last.(*wal.AbortTransaction); !ok || last.Head().TxID != tx.ID() {
		t.Errorf("last record got %s want abort of transaction %d", wal.Format(last), tx.ID())
	}
	var clrs int
	for _, rec := range recs {
		if _, ok := rec.(*wal.Compensation); ok {
			clrs += 1
		}
	}
	// insert K, update A, and delete A
	if clrs != 3 {
		t.Errorf("compensation records got %d want 3", clrs)
	}

	// The key directory must agree with the pages after the rollback.
	mustInsert(t, e, nil, "A", "again")
	checkGet(t, e, nil, "A", "again", true)
}

func TestLockConflict(t *testing.T) {
	e := testEngine(t, "lock_conflict")
	defer e.Close()

	txA, err := e.Begin()
	if err != nil {
		t.Fatalf("Begin() failed with %s", err)
	}
	txB, err := e.Begin()
	if err != nil {
		t.Fatalf("Begin() failed with %s", err)
	}

	mustInsert(t, e, txA, "K", "a")

	checkConflict := func(what string, err error) {
		t.Helper()

		var lce *engine.LockConflictError
		if !errors.As(err, &lce) {
			t.Errorf("%s got %v want lock conflict", what, err)
			return
		}
		if string(lce.Key) != "K" || lce.CurrentTx != txB.ID() || lce.LockedByTx != txA.ID() {
			t.Errorf("%s got %s want K, %d, %d", what, lce, txB.ID(), txA.ID())
		}
	}

	_, _, err = e.Get(txB, []byte("K"))
	checkConflict("Get(K)", err)
	err = e.Insert(txB, []byte("K"), []byte("b"))
	checkConflict("Insert(K)", err)
	_, err = e.Delete(txB, []byte("K"))
	checkConflict("Delete(K)", err)

	if txB.State() != recovery.Active {
		t.Errorf("State() got %s want %s", txB.State(), recovery.Active)
	}
	mustInsert(t, e, txB, "L", "b")

	// Outside of a transaction reads take no lock and see only committed values.
	checkGet(t, e, nil, "K", "", false)

	err = e.Commit(txA)
	if err != nil {
		t.Fatalf("Commit() failed with %s", err)
	}
	checkGet(t, e, txB, "K", "a", true)
	err = e.Commit(txB)
	if err != nil {
		t.Fatalf("Commit() failed with %s", err)
	}
	checkGet(t, e, nil, "L", "b", true)
}

func TestValueTooLarge(t *testing.T) {
	e := testEngine(t, "too_large")
	defer e.Close()

	tx, err := e.Begin()
	if err != nil {
		t.Fatalf("Begin() failed with %s", err)
	}
	err = e.Insert(tx, []byte("K"), bytes.Repeat([]byte{'x'}, page.PageSize))
	if err != engine.ErrValueTooLarge {
		t.Errorf("Insert() got %v want %s", err, engine.ErrValueTooLarge)
	}
	mustInsert(t, e, tx, "K", "small")
	err = e.Commit(tx)
	if err != nil {
		t.Fatalf("Commit() failed with %s", err)
	}
	checkGet(t, e, nil, "K", "small", true)
}

func TestRelocate(t *testing.T) {
	e := testEngine(t, "relocate")

	// Nearly fill the first page.
	filler := strings.Repeat("f", 1000)
	for i := 0; i < 3; i++ {
		mustInsert(t, e, nil, fmt.Sprintf("fill%d", i), filler)
	}
	mustInsert(t, e, nil, "K", "small")

	big := strings.Repeat("b", 2000)
	tx, err := e.Begin()
	if err != nil {
		t.Fatalf("Begin() failed with %s", err)
	}
	mustInsert(t, e, tx, "K", big)
	checkGet(t, e, tx, "K", big, true)
	err = e.Rollback(tx)
	if err != nil {
		t.Fatalf("Rollback() failed with %s", err)
	}
	checkGet(t, e, nil, "K", "small", true)

	mustInsert(t, e, nil, "K", big)
	checkGet(t, e, nil, "K", big, true)
	vals, err := e.FindByIndex(nil, engine.DefaultValueIndex, []byte("small"))
	if err != nil {
		t.Fatalf("FindByIndex() failed with %s", err)
	} else if len(vals) != 0 {
		t.Errorf("FindByIndex(small) got %q want none", vals)
	}

	err = e.Close()
	if err != nil {
		t.Fatalf("Close() failed with %s", err)
	}

	e = openEngine(t, filepath.Join("testdata", "relocate"), nil)
	defer e.Close()

	checkGet(t, e, nil, "K", big, true)
	for i := 0; i < 3; i++ {
		checkGet(t, e, nil, fmt.Sprintf("fill%d", i), filler, true)
	}
}

func TestReservedSlot(t *testing.T) {
	e := testEngine(t, "reserved_slot")
	defer e.Close()

	mustInsert(t, e, nil, "A", "a")
	mustInsert(t, e, nil, "B", "b")

	txA, err := e.Begin()
	if err != nil {
		t.Fatalf("Begin() failed with %s", err)
	}
	_, err = e.Delete(txA, []byte("B"))
	if err != nil {
		t.Fatalf("Delete(B) failed with %s", err)
	}

	// The slot freed by the delete must not be reused until txA finishes.
	mustInsert(t, e, nil, "C", "c")
	err = e.Rollback(txA)
	if err != nil {
		t.Fatalf("Rollback() failed with %s", err)
	}

	checkGet(t, e, nil, "A", "a", true)
	checkGet(t, e, nil, "B", "b", true)
	checkGet(t, e, nil, "C", "c", true)
}

func TestFindByIndex(t *testing.T) {
	e := testEngine(t, "find_by_index")
	defer e.Close()

	mustInsert(t, e, nil, "a", "x")
	mustInsert(t, e, nil, "b", "x")
	mustInsert(t, e, nil, "c", "y")

	find := func(tx *engine.Transaction, val string, want []string) {
		t.Helper()

		vals, err := e.FindByIndex(tx, engine.DefaultValueIndex, []byte(val))
		if err != nil {
			t.Errorf("FindByIndex(%s) failed with %s", val, err)
			return
		}
		var got []string
		for _, v := range vals {
			got = append(got, string(v))
		}
		if !testutil.DeepEqual(got, want) {
			t.Errorf("FindByIndex(%s) got %v want %v", val, got, want)
		}
	}

	find(nil, "x", []string{"x", "x"})
	find(nil, "y", []string{"y"})
	find(nil, "z", nil)

	tx, err := e.Begin()
	if err != nil {
		t.Fatalf("Begin() failed with %s", err)
	}
	mustInsert(t, e, tx, "c", "x")
	find(tx, "x", []string{"x", "x", "x"})
	find(tx, "y", nil)
	err = e.Rollback(tx)
	if err != nil {
		t.Fatalf("Rollback() failed with %s", err)
	}
	find(nil, "x", []string{"x", "x"})
	find(nil, "y", []string{"y"})

	_, err = e.FindByIndex(nil, "no_such_index", []byte("x"))
	if !errors.Is(err, engine.ErrUnknownIndex) {
		t.Errorf("FindByIndex(no_such_index) got %v want %s", err, engine.ErrUnknownIndex)
	}
}

func TestVacuum(t *testing.T) {
	e := testEngine(t, "vacuum")
	defer e.Close()

	mustInsert(t, e, nil, "K", "v1")
	mustInsert(t, e, nil, "K", "v2")
	mustInsert(t, e, nil, "K", "v3")

	tx, err := e.Begin()
	if err != nil {
		t.Fatalf("Begin() failed with %s", err)
	}
	mustInsert(t, e, tx, "L", "l")

	n, err := e.Vacuum()
	if err != nil {
		t.Fatalf("Vacuum() failed with %s", err)
	} else if n != 2 {
		t.Errorf("Vacuum() got %d want 2", n)
	}
	checkGet(t, e, nil, "K", "v3", true)
	checkGet(t, e, tx, "L", "l", true)

	err = e.Commit(tx)
	if err != nil {
		t.Fatalf("Commit() failed with %s", err)
	}
	n, err = e.Vacuum()
	if err != nil {
		t.Fatalf("Vacuum() failed with %s", err)
	} else if n != 0 {
		t.Errorf("Vacuum() got %d want 0", n)
	}
	checkGet(t, e, nil, "L", "l", true)
}

func TestCheckpoint(t *testing.T) {
	e := testEngine(t, "checkpoint")
	defer e.Close()

	mustInsert(t, e, nil, "A", "a")
	tx, err := e.Begin()
	if err != nil {
		t.Fatalf("Begin() failed with %s", err)
	}
	mustInsert(t, e, tx, "B", "b")

	err = e.Checkpoint()
	if err != nil {
		t.Fatalf("Checkpoint() failed with %s", err)
	}

	ckpt, err := wal.NewReader(e.WALPath()).FindLastCheckpoint()
	if err != nil {
		t.Fatalf("FindLastCheckpoint() failed with %s", err)
	} else if ckpt == nil {
		t.Fatal("FindLastCheckpoint() got nil")
	}
	if len(ckpt.End.ActiveTransactions) != 1 ||
		ckpt.End.ActiveTransactions[0].TxID != tx.ID() {

		t.Errorf("ActiveTransactions got %v want transaction %d",
			ckpt.End.ActiveTransactions, tx.ID())
	}
	err = e.Rollback(tx)
	if err != nil {
		t.Fatalf("Rollback() failed with %s", err)
	}
}

func TestAutoCheckpoint(t *testing.T) {
	dir, err := testutil.TestDir("auto_checkpoint")
	if err != nil {
		t.Fatal(err)
	}
	e, err := engine.Open(engine.Options{
		Dir:                dir,
		CheckpointInterval: 10,
		Logger:             testutil.SetupLogger(filepath.Join("testdata", "engine.log")),
	})
	if err != nil {
		t.Fatalf("Open(%s) failed with %s", dir, err)
	}
	defer e.Close()

	for i := 0; i < 20; i++ {
		mustInsert(t, e, nil, fmt.Sprintf("k%d", i), "v")
	}

	var ckpts int
	for _, rec := range readWAL(t, e) {
		if _, ok := rec.(*wal.CheckpointEnd); ok {
			ckpts += 1
		}
	}
	if ckpts == 0 {
		t.Error("got no automatic checkpoints")
	}
}

func TestCrashRecovery(t *testing.T) {
	dir, err := testutil.TestDir("crash")
	if err != nil {
		t.Fatal(err)
	}
	e := openEngine(t, dir, nil)

	mustInsert(t, e, nil, "A", "a1")
	mustInsert(t, e, nil, "B", "b1")

	winner, err := e.Begin()
	if err != nil {
		t.Fatalf("Begin() failed with %s", err)
	}
	loser, err := e.Begin()
	if err != nil {
		t.Fatalf("Begin() failed with %s", err)
	}
	mustInsert(t, e, loser, "A", "a2")
	_, err = e.Delete(loser, []byte("B"))
	if err != nil {
		t.Fatalf("Delete(B) failed with %s", err)
	}
	mustInsert(t, e, loser, "C", "c2")
	mustInsert(t, e, winner, "D", "d1")

	// Force the uncommitted changes to the page file, then commit the winner and crash
	// without closing.
	err = e.Checkpoint()
	if err != nil {
		t.Fatalf("Checkpoint() failed with %s", err)
	}
	err = e.Commit(winner)
	if err != nil {
		t.Fatalf("Commit() failed with %s", err)
	}

	e = openEngine(t, dir, nil)

	rmgr := e.Recovery()
	if rmgr.Stats().TransactionsUndone != 1 {
		t.Errorf("TransactionsUndone got %d want 1", rmgr.Stats().TransactionsUndone)
	}
	checkGet(t, e, nil, "A", "a1", true)
	checkGet(t, e, nil, "B", "b1", true)
	checkGet(t, e, nil, "C", "", false)
	checkGet(t, e, nil, "D", "d1", true)

	tx, err := e.Begin()
	if err != nil {
		t.Fatalf("Begin() failed with %s", err)
	}
	if tx.ID() <= loser.ID() {
		t.Errorf("Begin() got transaction %d want > %d", tx.ID(), loser.ID())
	}
	mustInsert(t, e, tx, "C", "c3")
	err = e.Commit(tx)
	if err != nil {
		t.Fatalf("Commit() failed with %s", err)
	}

	err = e.Close()
	if err != nil {
		t.Fatalf("Close() failed with %s", err)
	}

	e = openEngine(t, dir, nil)
	defer e.Close()

	if e.Recovery().Stats().TransactionsUndone != 0 {
		t.Errorf("TransactionsUndone got %d want 0", e.Recovery().Stats().TransactionsUndone)
	}
	checkGet(t, e, nil, "A", "a1", true)
	checkGet(t, e, nil, "C", "c3", true)
}

func TestStores(t *testing.T) {
	stores := []struct {
		name string
		st   func(dir string) mvcc.Store
	}{
		{"memory", func(dir string) mvcc.Store { return mvcc.NewMemStore() }},
		{"btree", func(dir string) mvcc.Store { return mvcc.NewKVStore(kv.MakeBTreeKV(), false) }},
		{"bbolt", func(dir string) mvcc.Store {
			st, err := kv.MakeBBoltKV(dir)
			if err != nil {
				t.Fatal(err)
			}
			return mvcc.NewKVStore(st, false)
		}},
	}

	for _, s := range stores {
		dir, err := testutil.TestDir(filepath.Join("stores", s.name))
		if err != nil {
			t.Fatal(err)
		}

		e := openEngine(t, dir, s.st(dir))
		mustInsert(t, e, nil, "A", "a")
		mustInsert(t, e, nil, "B", "b")
		_, err = e.Delete(nil, []byte("A"))
		if err != nil {
			t.Fatalf("%s: Delete(A) failed with %s", s.name, err)
		}
		err = e.Close()
		if err != nil {
			t.Fatalf("%s: Close() failed with %s", s.name, err)
		}

		e = openEngine(t, dir, s.st(dir))
		checkGet(t, e, nil, "A", "", false)
		checkGet(t, e, nil, "B", "b", true)
		err = e.Close()
		if err != nil {
			t.Fatalf("%s: Close() failed with %s", s.name, err)
		}
	}
}

func TestBackup(t *testing.T) {
	e := testEngine(t, "backup_source")
	defer e.Close()

	mustInsert(t, e, nil, "A", "a")
	mustInsert(t, e, nil, "B", "b")
	mustInsert(t, e, nil, "C", "c")
	_, err := e.Delete(nil, []byte("B"))
	if err != nil {
		t.Fatalf("Delete(B) failed with %s", err)
	}
	tx, err := e.Begin()
	if err != nil {
		t.Fatalf("Begin() failed with %s", err)
	}
	mustInsert(t, e, tx, "D", "uncommitted")

	var buf bytes.Buffer
	n, err := e.Backup(&buf)
	if err != nil {
		t.Fatalf("Backup() failed with %s", err)
	} else if n != 2 {
		t.Errorf("Backup() got %d want 2", n)
	}
	err = e.Rollback(tx)
	if err != nil {
		t.Fatalf("Rollback() failed with %s", err)
	}

	restored := testEngine(t, "backup_restored")
	defer restored.Close()

	n, err = restored.LoadBackup(&buf)
	if err != nil {
		t.Fatalf("LoadBackup() failed with %s", err)
	} else if n != 2 {
		t.Errorf("LoadBackup() got %d want 2", n)
	}
	checkGet(t, restored, nil, "A", "a", true)
	checkGet(t, restored, nil, "B", "", false)
	checkGet(t, restored, nil, "C", "c", true)
	checkGet(t, restored, nil, "D", "", false)

	_, err = restored.LoadBackup(strings.NewReader("not a backup"))
	if err == nil {
		t.Error("LoadBackup() did not fail")
	}
}
