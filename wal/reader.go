package wal

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
)

const (
	frameHeaderSize = 4
	maxRecordSize   = 64 * 1024 * 1024
)

type Reader struct {
	path string
}

// Iterator is a single pass, forward iterator over the records of a log.
type Iterator struct {
	f         *os.File
	r         *bufio.Reader
	offset    int64
	truncated bool
}

// Checkpoint is the last complete checkpoint in a log.
type Checkpoint struct {
	BeginLSN LSN
	End      *CheckpointEnd
}

func NewReader(path string) *Reader {
	return &Reader{
		path: path,
	}
}

// Iterate returns an iterator over the records of the log. A missing log has no records.
func (rdr *Reader) Iterate() (*Iterator, error) {
	f, err := os.Open(rdr.path)
	if os.IsNotExist(err) {
		return &Iterator{}, nil
	} else if err != nil {
		return nil, fmt.Errorf("wal: open %s: %w", rdr.path, err)
	}

	return &Iterator{
		f: f,
		r: bufio.NewReader(f),
	}, nil
}

// Next returns the next record. At the end of the log, it returns io.EOF; a frame cut short
// by a crash is also the end of the log, and Truncated will return true. A complete frame
// which can not be decoded returns an error wrapping ErrCorruptRecord.
func (it *Iterator) Next() (LogRecord, error) {
	if it.r == nil {
		return nil, io.EOF
	}

	var hdr [frameHeaderSize]byte
	n, err := io.ReadFull(it.r, hdr[:])
	if err == io.EOF {
		return nil, io.EOF
	} else if err == io.ErrUnexpectedEOF {
		it.truncated = n > 0
		return nil, io.EOF
	} else if err != nil {
		return nil, fmt.Errorf("wal: read: %w", err)
	}

	length := binary.BigEndian.Uint32(hdr[:])
	if length > maxRecordSize {
		return nil, fmt.Errorf("%w: frame length %d at offset %d", ErrCorruptRecord, length,
			it.offset)
	}

	buf := make([]byte, length)
	_, err = io.ReadFull(it.r, buf)
	if err == io.EOF || err == io.ErrUnexpectedEOF {
		it.truncated = true
		return nil, io.EOF
	} else if err != nil {
		return nil, fmt.Errorf("wal: read: %w", err)
	}

	rec, err := Decode(buf)
	if err != nil {
		return nil, fmt.Errorf("offset %d: %w", it.offset, err)
	}
	it.offset += frameHeaderSize + int64(length)
	return rec, nil
}

// Offset returns the offset just past the last record returned by Next.
func (it *Iterator) Offset() int64 {
	return it.offset
}

// Truncated returns true if the log ended in the middle of a frame.
func (it *Iterator) Truncated() bool {
	return it.truncated
}

func (it *Iterator) Close() error {
	if it.f == nil {
		return nil
	}
	err := it.f.Close()
	it.f = nil
	it.r = nil
	return err
}

// ReadAll returns every complete record of the log and the offset just past the last one.
func (rdr *Reader) ReadAll() ([]LogRecord, int64, error) {
	it, err := rdr.Iterate()
	if err != nil {
		return nil, 0, err
	}
	defer it.Close()

	var recs []LogRecord
	for {
		rec, err := it.Next()
		if err == io.EOF {
			break
		} else if err != nil {
			return recs, it.Offset(), err
		}
		recs = append(recs, rec)
	}
	return recs, it.Offset(), nil
}

// FindLastCheckpoint returns the last checkpoint for which both the begin and the end record
// are in the log, or nil if there is no such checkpoint.
func (rdr *Reader) FindLastCheckpoint() (*Checkpoint, error) {
	it, err := rdr.Iterate()
	if err != nil {
		return nil, err
	}
	defer it.Close()

	var ckpt *Checkpoint
	var beginLSN LSN
	for {
		rec, err := it.Next()
		if err == io.EOF {
			break
		} else if err != nil {
			return nil, err
		}

		switch rec := rec.(type) {
		case *CheckpointBegin:
			beginLSN = rec.LSN
		case *CheckpointEnd:
			if beginLSN != 0 {
				ckpt = &Checkpoint{
					BeginLSN: beginLSN,
					End:      rec,
				}
				beginLSN = 0
			}
		}
	}
	return ckpt, nil
}

// IsCorrupt returns true if err is due to a record which could not be decoded.
func IsCorrupt(err error) bool {
	return errors.Is(err, ErrCorruptRecord)
}
