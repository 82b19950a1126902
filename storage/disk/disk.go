// Package disk reads and writes fixed size pages in a single file. Page i lives at byte
// offset i * page.PageSize; there is no header and no caching.
package disk

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/leftmike/walkv/storage/page"
)

var (
	ErrInvalidPageSize = errors.New("disk: buffer length must equal the page size")
	ErrPageNotFound    = errors.New("disk: page not found")
	errClosed          = errors.New("disk: manager is closed")
)

type Manager struct {
	mutex      sync.Mutex
	f          *os.File
	path       string
	nextPageID page.PageID
}

// Open opens the page file at path, creating it if necessary. The number of allocated pages
// is inferred from the length of an existing file.
func Open(path string) (*Manager, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, fmt.Errorf("disk: open %s: %w", path, err)
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("disk: stat %s: %w", path, err)
	}

	return &Manager{
		f:          f,
		path:       path,
		nextPageID: page.PageID(fi.Size() / page.PageSize),
	}, nil
}

func (dm *Manager) Path() string {
	return dm.path
}

// NumPages returns the number of allocated pages; it is also the next page id.
func (dm *Manager) NumPages() page.PageID {
	dm.mutex.Lock()
	defer dm.mutex.Unlock()

	return dm.nextPageID
}

// AllocatePage extends the file by one zero filled page and returns its id.
func (dm *Manager) AllocatePage() (page.PageID, error) {
	dm.mutex.Lock()
	defer dm.mutex.Unlock()

	if dm.f == nil {
		return 0, errClosed
	}

	pid := dm.nextPageID
	var zero [page.PageSize]byte
	_, err := dm.f.WriteAt(zero[:], int64(pid)*page.PageSize)
	if err != nil {
		return 0, fmt.Errorf("disk: allocate page %d: %w", pid, err)
	}
	dm.nextPageID += 1
	return pid, nil
}

func (dm *Manager) WritePage(pid page.PageID, data []byte) error {
	if len(data) != page.PageSize {
		return ErrInvalidPageSize
	}

	dm.mutex.Lock()
	defer dm.mutex.Unlock()

	if dm.f == nil {
		return errClosed
	}
	_, err := dm.f.WriteAt(data, int64(pid)*page.PageSize)
	if err != nil {
		return fmt.Errorf("disk: write page %d: %w", pid, err)
	}
	if pid >= dm.nextPageID {
		dm.nextPageID = pid + 1
	}
	return nil
}

func (dm *Manager) ReadPage(pid page.PageID, buf []byte) error {
	if len(buf) != page.PageSize {
		return ErrInvalidPageSize
	}

	dm.mutex.Lock()
	defer dm.mutex.Unlock()

	if dm.f == nil {
		return errClosed
	}
	if pid >= dm.nextPageID {
		return fmt.Errorf("%w: %d", ErrPageNotFound, pid)
	}

	n, err := dm.f.ReadAt(buf, int64(pid)*page.PageSize)
	if err == io.EOF && n < page.PageSize {
		return fmt.Errorf("disk: read page %d: %w", pid, io.ErrUnexpectedEOF)
	} else if err != nil && err != io.EOF {
		return fmt.Errorf("disk: read page %d: %w", pid, err)
	}
	return nil
}

// Page reads page pid into a new page.Page.
func (dm *Manager) Page(pid page.PageID) (*page.Page, error) {
	pg := page.New(pid)
	err := dm.ReadPage(pid, pg.Data())
	if err != nil {
		return nil, err
	}
	return pg, nil
}

// Sync flushes written pages to stable storage.
func (dm *Manager) Sync() error {
	dm.mutex.Lock()
	defer dm.mutex.Unlock()

	if dm.f == nil {
		return errClosed
	}
	return dm.f.Sync()
}

func (dm *Manager) Close() error {
	dm.mutex.Lock()
	defer dm.mutex.Unlock()

	if dm.f == nil {
		return nil
	}
	err := dm.f.Close()
	dm.f = nil
	return err
}
