package kv

import (
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/cockroachdb/pebble"
	log "github.com/sirupsen/logrus"
)

// pebbleKV serializes updaters with updating; readers use snapshots and never wait.
type pebbleKV struct {
	updating sync.Mutex
	dir      string
	logger   *log.Logger
	db       *pebble.DB
}

type pebbleCursor struct {
	snap *pebble.Snapshot
	iter *pebble.Iterator
}

type pebbleBatch struct {
	pkv   *pebbleKV
	batch *pebble.Batch
	done  bool
}

// pebbleGetter is satisfied by both the database and an indexed batch.
type pebbleGetter interface {
	Get(key []byte) ([]byte, io.Closer, error)
}

func MakePebbleKV(dir string, logger *log.Logger) (KV, error) {
	if logger == nil {
		logger = log.StandardLogger()
	}
	err := os.MkdirAll(dir, 0755)
	if err != nil {
		return nil, fmt.Errorf("kv: pebble: %w", err)
	}

	db, err := pebble.Open(dir, &pebble.Options{Logger: logger})
	if err != nil {
		return nil, fmt.Errorf("kv: pebble: open %s: %w", dir, err)
	}
	logger.WithField("dir", dir).Debug("kv: pebble opened")
	return &pebbleKV{
		dir:    dir,
		logger: logger,
		db:     db,
	}, nil
}

func pebbleLookup(pg pebbleGetter, key []byte, fn func(val []byte) error) error {
	val, closer, err := pg.Get(key)
	if err == pebble.ErrNotFound {
		return io.EOF
	} else if err != nil {
		return err
	}

	err = fn(val)
	closer.Close()
	return err
}

// Iterate reads from a snapshot bounded below by key, so concurrent updates are not seen.
func (pkv *pebbleKV) Iterate(key []byte) (Iterator, error) {
	snap := pkv.db.NewSnapshot()
	iter := snap.NewIter(&pebble.IterOptions{LowerBound: key})
	iter.First()
	return &pebbleCursor{snap: snap, iter: iter}, nil
}

func (pkv *pebbleKV) Get(key []byte, fn func(val []byte) error) error {
	return pebbleLookup(pkv.db, key, fn)
}

func (pkv *pebbleKV) Update() (Updater, error) {
	pkv.updating.Lock()
	return &pebbleBatch{pkv: pkv, batch: pkv.db.NewIndexedBatch()}, nil
}

func (pkv *pebbleKV) Close() error {
	err := pkv.db.Close()
	if err != nil {
		return fmt.Errorf("kv: pebble: close %s: %w", pkv.dir, err)
	}
	return nil
}

func (pc *pebbleCursor) Item(fn func(key, val []byte) error) error {
	if !pc.iter.Valid() {
		return io.EOF
	}
	err := fn(pc.iter.Key(), pc.iter.Value())
	pc.iter.Next()
	return err
}

func (pc *pebbleCursor) Close() {
	pc.iter.Close()
	pc.snap.Close()
}

func (pb *pebbleBatch) Get(key []byte, fn func(val []byte) error) error {
	return pebbleLookup(pb.batch, key, fn)
}

func (pb *pebbleBatch) Set(key, val []byte) error {
	return pb.batch.Set(key, val, nil)
}

func (pb *pebbleBatch) Delete(key []byte) error {
	return pb.batch.Delete(key, nil)
}

// finish releases the store for the next updater; it is safe to call more than once.
func (pb *pebbleBatch) finish() bool {
	if pb.done {
		return false
	}
	pb.done = true
	pb.pkv.updating.Unlock()
	return true
}

func (pb *pebbleBatch) Commit(sync bool) error {
	if pb.done {
		return fmt.Errorf("kv: pebble: batch already finished")
	}
	wo := pebble.NoSync
	if sync {
		wo = pebble.Sync
	}
	err := pb.batch.Commit(wo)
	pb.batch.Close()
	pb.finish()
	if err != nil {
		pb.pkv.logger.WithError(err).Error("kv: pebble commit failed")
	}
	return err
}

func (pb *pebbleBatch) Rollback() {
	if pb.finish() {
		pb.batch.Close()
	}
}
