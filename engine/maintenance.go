package engine

import (
	"bufio"
	"fmt"
	"io"

	"github.com/klauspost/compress/zstd"
	log "github.com/sirupsen/logrus"

	"github.com/leftmike/walkv/encode"
	"github.com/leftmike/walkv/mvcc"
	"github.com/leftmike/walkv/recovery"
	"github.com/leftmike/walkv/wal"
)

// Checkpoint logs the active transactions and the dirty pages, then makes the log durable
// and writes the dirty pages.
func (e *Engine) Checkpoint() error {
	e.mutex.Lock()
	defer e.mutex.Unlock()

	err := e.usable()
	if err != nil {
		return err
	}
	return e.checkpoint()
}

func (e *Engine) checkpoint() error {
	beginLSN := e.wal.Append(&wal.CheckpointBegin{})

	end := &wal.CheckpointEnd{}
	for _, tx := range e.txs {
		end.ActiveTransactions = append(end.ActiveTransactions,
			wal.ActiveTransaction{TxID: tx.id, LastLSN: tx.lastLSN})
	}
	for _, dp := range e.cache.Dirty() {
		end.DirtyPages = append(end.DirtyPages,
			wal.DirtyPage{PageID: dp.PageID, RecoveryLSN: wal.LSN(dp.RecoveryLSN)})
	}
	endLSN := e.wal.Append(end)

	err := e.flush()
	if err != nil {
		return err
	}
	e.checkpointLSN = endLSN

	e.logger.WithFields(log.Fields{
		"begin":  beginLSN,
		"end":    endLSN,
		"active": len(end.ActiveTransactions),
		"dirty":  len(end.DirtyPages),
	}).Info("engine: checkpoint")
	return nil
}

// autoCheckpoint checkpoints once enough records have been logged since the last checkpoint.
// The caller must hold the engine mutex.
func (e *Engine) autoCheckpoint() error {
	if e.checkpointInterval <= 0 ||
		e.wal.LastLSN()-e.checkpointLSN < wal.LSN(e.checkpointInterval) {

		return nil
	}
	return e.checkpoint()
}

// Vacuum removes the versions which no transaction can see any longer; the low water mark is
// the oldest active transaction or the next transaction id if none are active.
func (e *Engine) Vacuum() (int, error) {
	e.implicitMutex.Lock()
	defer e.implicitMutex.Unlock()

	e.mutex.Lock()
	defer e.mutex.Unlock()

	err := e.usable()
	if err != nil {
		return 0, err
	}

	lwm := e.nextTxID
	for id := range e.txs {
		if id < lwm {
			lwm = id
		}
	}

	n, err := e.store.GC(lwm, e.committed)
	if err != nil {
		return 0, err
	}
	e.logger.WithFields(log.Fields{
		"lwm":     lwm,
		"removed": n,
	}).Info("engine: vacuum")
	return n, nil
}

// Backup writes the committed key value pairs to w compressed with zstd. Each pair is a
// length prefixed key followed by a length prefixed value. The implicit transaction is
// excluded while scanning, since its versions count as committed before it commits.
func (e *Engine) Backup(w io.Writer) (int, error) {
	kvs, err := e.scanCommitted()
	if err != nil {
		return 0, err
	}

	enc, err := zstd.NewWriter(w, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return 0, fmt.Errorf("engine: backup: %w", err)
	}
	bw := bufio.NewWriter(enc)
	for _, kv := range kvs {
		buf := encode.EncodeBytes(nil, kv.Key)
		buf = encode.EncodeBytes(buf, kv.Value)
		_, err = bw.Write(buf)
		if err != nil {
			enc.Close()
			return 0, fmt.Errorf("engine: backup: %w", err)
		}
	}
	err = bw.Flush()
	if err == nil {
		err = enc.Close()
	}
	if err != nil {
		return 0, fmt.Errorf("engine: backup: %w", err)
	}
	return len(kvs), nil
}

func (e *Engine) scanCommitted() ([]mvcc.KeyValue, error) {
	e.implicitMutex.Lock()
	defer e.implicitMutex.Unlock()

	e.mutex.RLock()
	defer e.mutex.RUnlock()

	err := e.usable()
	if err != nil {
		return nil, err
	}
	return e.store.Scan(e.committed)
}

// LoadBackup inserts every key value pair from a backup made by Backup in one transaction.
func (e *Engine) LoadBackup(r io.Reader) (int, error) {
	dec, err := zstd.NewReader(r)
	if err != nil {
		return 0, fmt.Errorf("engine: load backup: %w", err)
	}
	defer dec.Close()

	buf, err := io.ReadAll(dec)
	if err != nil {
		return 0, fmt.Errorf("engine: load backup: %w", err)
	}

	tx, err := e.Begin()
	if err != nil {
		return 0, err
	}
	var cnt int
	for len(buf) > 0 {
		var key, val []byte
		var ok bool
		buf, key, ok = encode.DecodeBytes(buf)
		if ok {
			buf, val, ok = encode.DecodeBytes(buf)
		}
		if !ok {
			e.Rollback(tx)
			return 0, fmt.Errorf("engine: load backup: corrupt pair %d", cnt)
		}
		err = e.Insert(tx, key, val)
		if err != nil {
			if tx.State() == recovery.Active {
				e.Rollback(tx)
			}
			return 0, err
		}
		cnt += 1
	}
	err = e.Commit(tx)
	if err != nil {
		return 0, err
	}
	return cnt, nil
}
