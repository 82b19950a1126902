// Package engine is the transaction manager: it logs every change to the write ahead log,
// applies it to the pages and to the multi-version store under per key locks, and runs
// recovery when opened.
package engine

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/leftmike/walkv/lock"
	"github.com/leftmike/walkv/mvcc"
	"github.com/leftmike/walkv/recovery"
	"github.com/leftmike/walkv/storage/disk"
	"github.com/leftmike/walkv/storage/page"
	"github.com/leftmike/walkv/wal"
)

const (
	DefaultPageFile = "walkv.pages"
	DefaultWALFile  = "walkv.wal"
)

var (
	ErrNoActiveTransaction  = errors.New("engine: no active transaction")
	ErrTransactionNotActive = errors.New("engine: transaction not active")
	ErrTransactionActive    = errors.New("engine: transaction already active")
	ErrValueTooLarge        = errors.New("engine: key and value too large for a page")
	ErrUnknownIndex         = errors.New("engine: unknown index")
	errClosed               = errors.New("engine: closed")
)

// LockConflictError is returned when a key is locked by another transaction.
type LockConflictError = lock.ConflictError

type Options struct {
	Dir      string
	PageFile string
	WALFile  string

	// Store defaults to an in-memory store.
	Store mvcc.Store

	// NoSync disables fsync of the log; a crash may lose committed transactions.
	NoSync bool

	// CheckpointInterval is the number of log records between automatic checkpoints; zero
	// disables automatic checkpoints.
	CheckpointInterval int

	Logger *log.Logger
}

type location struct {
	pid page.PageID
	sid page.SlotID
}

type Engine struct {
	mutex         sync.RWMutex
	implicitMutex sync.Mutex
	logger        *log.Logger

	dm    *disk.Manager
	cache *disk.Cache
	wal   *wal.Writer
	store mvcc.Store
	locks lock.Locks
	rmgr  *recovery.Manager

	txs       map[wal.TxID]*Transaction
	committed mvcc.TxSet
	nextTxID  wal.TxID

	keys     map[string]location
	index    *valueIndex
	reserved map[wal.TxID][]reservation
	curPage  page.PageID
	hasPage  bool

	checkpointInterval int
	checkpointLSN      wal.LSN
	closed             bool
	failed             error
}

func (opts Options) path(name, def string) string {
	if name == "" {
		name = def
	}
	if filepath.IsAbs(name) {
		return name
	}
	return filepath.Join(opts.Dir, name)
}

// Open opens the page file and the log, recovers from a crash if necessary, and loads the
// pages into the store.
func Open(opts Options) (*Engine, error) {
	logger := opts.Logger
	if logger == nil {
		logger = log.StandardLogger()
	}
	st := opts.Store
	if st == nil {
		st = mvcc.NewMemStore()
	}

	if opts.Dir != "" {
		err := os.MkdirAll(opts.Dir, 0755)
		if err != nil {
			return nil, fmt.Errorf("engine: %w", err)
		}
	}

	dm, err := disk.Open(opts.path(opts.PageFile, DefaultPageFile))
	if err != nil {
		return nil, err
	}
	w, err := wal.NewWriter(opts.path(opts.WALFile, DefaultWALFile), logger)
	if err != nil {
		dm.Close()
		return nil, err
	}
	w.SetSync(!opts.NoSync)

	e := &Engine{
		logger:             logger,
		dm:                 dm,
		cache:              disk.NewCache(dm),
		wal:                w,
		store:              st,
		txs:                map[wal.TxID]*Transaction{},
		committed:          mvcc.NewTxSet(),
		keys:               map[string]location{},
		index:              newValueIndex(),
		reserved:           map[wal.TxID][]reservation{},
		checkpointInterval: opts.CheckpointInterval,
	}

	e.rmgr = recovery.NewManager(w.Path(), e.cache, logger)
	err = e.rmgr.Recover(w)
	if err != nil {
		w.Close()
		dm.Close()
		return nil, err
	}
	e.nextTxID = e.rmgr.MaxTxID() + 1
	e.checkpointLSN = w.LastLSN()

	err = e.load()
	if err != nil {
		w.Close()
		dm.Close()
		return nil, err
	}

	stats := e.rmgr.Stats()
	logger.WithFields(log.Fields{
		"pages":   dm.NumPages(),
		"keys":    len(e.keys),
		"next-tx": e.nextTxID,
		"redone":  stats.RecordsRedone,
		"undone":  stats.TransactionsUndone,
	}).Info("engine: opened")
	return e, nil
}

// load rebuilds the store, the key directory, and the value index from the pages.
func (e *Engine) load() error {
	err := e.store.Reset()
	if err != nil {
		return err
	}

	for _, pid := range e.cache.PageIDs() {
		pg, err := e.cache.Page(pid)
		if err != nil {
			return err
		}
		if pg.Type() != page.TablePage {
			continue
		}
		for sid, cell := range pg.Cells() {
			if cell == nil {
				continue
			}
			key, val, err := page.ParseCell(cell)
			if err != nil {
				return fmt.Errorf("engine: page %d slot %d: %w", pid, sid, err)
			}
			err = e.store.Load(key, val)
			if err != nil {
				return err
			}
			e.keys[string(key)] = location{pid: pid, sid: page.SlotID(sid)}
			e.index.add(val, key)
		}
		e.curPage = pid
		e.hasPage = true
	}
	return nil
}

// Close rolls back any active transactions, checkpoints, and closes the files.
func (e *Engine) Close() error {
	e.mutex.Lock()
	if e.closed {
		e.mutex.Unlock()
		return nil
	}
	var txs []*Transaction
	for _, tx := range e.txs {
		txs = append(txs, tx)
	}
	e.mutex.Unlock()

	var err error
	for _, tx := range txs {
		rerr := e.Rollback(tx)
		if rerr != nil && rerr != ErrTransactionNotActive && err == nil {
			err = rerr
		}
	}

	if cerr := e.Checkpoint(); err == nil {
		err = cerr
	}

	e.mutex.Lock()
	defer e.mutex.Unlock()

	e.closed = true
	if cerr := e.wal.Close(); err == nil {
		err = cerr
	}
	if cerr := e.store.Close(); err == nil {
		err = cerr
	}
	if cerr := e.dm.Close(); err == nil {
		err = cerr
	}
	e.logger.Info("engine: closed")
	return err
}

// Recovery returns the recovery manager which ran when the engine was opened.
func (e *Engine) Recovery() *recovery.Manager {
	return e.rmgr
}

func (e *Engine) WALPath() string {
	return e.wal.Path()
}

// Store returns the multi-version store; it is shared with the engine.
func (e *Engine) Store() mvcc.Store {
	return e.store
}

// ActiveTransactions returns the number of active explicit and implicit transactions.
func (e *Engine) ActiveTransactions() int {
	e.mutex.RLock()
	defer e.mutex.RUnlock()

	return len(e.txs)
}
