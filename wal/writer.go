package wal

import (
	"fmt"
	"io"
	"os"
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/leftmike/walkv/encode"
)

type logFile interface {
	io.Writer
	Sync() error
	Truncate(size int64) error
	Close() error
}

// Writer appends records to the log. Records are assigned LSNs and buffered by Append;
// Flush writes the buffered records and syncs the file, so a successful Flush is durable.
// After a failed write or sync the log is cut back to its last durable size and every later
// Flush returns the same error.
type Writer struct {
	mutex      sync.Mutex
	path       string
	f          logFile
	size       int64
	err        error
	logger     *log.Logger
	records    []LogRecord
	nextLSN    LSN
	flushedLSN LSN
	sync       bool
}

// NewWriter opens the log at path for appending, creating it if necessary. LSNs continue
// after the last record in the log. A torn or undecodable tail is cut off: everything
// before it is kept.
func NewWriter(path string, logger *log.Logger) (*Writer, error) {
	if logger == nil {
		logger = log.StandardLogger()
	}

	recs, off, err := NewReader(path).ReadAll()
	if err != nil {
		if !IsCorrupt(err) {
			return nil, err
		}
		logger.WithFields(log.Fields{
			"path":   path,
			"offset": off,
		}).WithError(err).Warn("wal: discarding log after bad record")
	}

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("wal: open %s: %w", path, err)
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("wal: stat %s: %w", path, err)
	}
	size := fi.Size()
	if size > off {
		logger.WithFields(log.Fields{
			"path":   path,
			"size":   fi.Size(),
			"offset": off,
		}).Info("wal: truncating torn tail")
		err = f.Truncate(off)
		if err != nil {
			f.Close()
			return nil, fmt.Errorf("wal: truncate %s: %w", path, err)
		}
		size = off
	}

	var lastLSN LSN
	if len(recs) > 0 {
		lastLSN = recs[len(recs)-1].Head().LSN
	}
	return &Writer{
		path:       path,
		f:          f,
		size:       size,
		logger:     logger,
		nextLSN:    lastLSN + 1,
		flushedLSN: lastLSN,
		sync:       true,
	}, nil
}

func (w *Writer) Path() string {
	return w.path
}

// SetSync controls whether Flush syncs the file; it defaults to true.
func (w *Writer) SetSync(sync bool) {
	w.mutex.Lock()
	defer w.mutex.Unlock()

	w.sync = sync
}

// Append assigns the next LSN to rec and buffers it until the next Flush.
func (w *Writer) Append(rec LogRecord) LSN {
	w.mutex.Lock()
	defer w.mutex.Unlock()

	lsn := w.nextLSN
	w.nextLSN += 1
	rec.setLSN(lsn)
	w.records = append(w.records, rec)
	return lsn
}

// Flush writes every buffered record as a length prefixed frame and then syncs the file.
func (w *Writer) Flush() error {
	w.mutex.Lock()
	defer w.mutex.Unlock()

	if w.err != nil {
		return w.err
	}
	if len(w.records) == 0 {
		return nil
	}
	if w.f == nil {
		return fmt.Errorf("wal: %s is closed", w.path)
	}

	var buf []byte
	for _, rec := range w.records {
		payload := Encode(rec)
		buf = encode.EncodeUint32(buf, uint32(len(payload)))
		buf = append(buf, payload...)
	}

	_, err := w.f.Write(buf)
	if err != nil {
		return w.fail(fmt.Errorf("wal: write %s: %w", w.path, err))
	}
	if w.sync {
		err = w.f.Sync()
		if err != nil {
			return w.fail(fmt.Errorf("wal: sync %s: %w", w.path, err))
		}
	}
	w.size += int64(len(buf))

	w.logger.WithFields(log.Fields{
		"records": len(w.records),
		"lsn":     w.nextLSN - 1,
	}).Debug("wal: flushed")

	w.flushedLSN = w.nextLSN - 1
	w.records = nil
	return nil
}

// fail cuts the log back to the end of the last successful Flush so that no part of the
// failed frames can be read back, and keeps err for every later Flush. The caller must hold
// the mutex.
func (w *Writer) fail(err error) error {
	terr := w.f.Truncate(w.size)
	if terr != nil {
		w.logger.WithFields(log.Fields{
			"path": w.path,
			"size": w.size,
		}).WithError(terr).Error("wal: truncate after failed flush")
	}
	w.logger.WithFields(log.Fields{
		"path":    w.path,
		"records": len(w.records),
	}).WithError(err).Error("wal: flush failed")

	w.err = err
	return err
}

// Err returns the error which failed the log, if any.
func (w *Writer) Err() error {
	w.mutex.Lock()
	defer w.mutex.Unlock()

	return w.err
}

// LastLSN returns the LSN of the last record appended.
func (w *Writer) LastLSN() LSN {
	w.mutex.Lock()
	defer w.mutex.Unlock()

	return w.nextLSN - 1
}

// FlushedLSN returns the LSN of the last durable record.
func (w *Writer) FlushedLSN() LSN {
	w.mutex.Lock()
	defer w.mutex.Unlock()

	return w.flushedLSN
}

// Buffered returns the number of records waiting for Flush.
func (w *Writer) Buffered() int {
	w.mutex.Lock()
	defer w.mutex.Unlock()

	return len(w.records)
}

// Close flushes any buffered records and closes the log.
func (w *Writer) Close() error {
	err := w.Flush()

	w.mutex.Lock()
	defer w.mutex.Unlock()

	if w.f != nil {
		cerr := w.f.Close()
		if err == nil {
			err = cerr
		}
		w.f = nil
	}
	return err
}
