package disk

import (
	"sort"
	"sync"

	"github.com/leftmike/walkv/storage/page"
)

// DirtyPage is a page whose image in the cache may be newer than the page file.
// RecoveryLSN is the LSN of the first record which dirtied the page since it was last
// written.
type DirtyPage struct {
	PageID      page.PageID
	RecoveryLSN uint64
}

// Cache holds the images of pages which have been read or changed. Dirty pages are only
// written to the page file by Flush; the caller must make the log durable first.
type Cache struct {
	mutex sync.Mutex
	dm    *Manager
	pages map[page.PageID]*page.Page
	dirty map[page.PageID]uint64
}

func NewCache(dm *Manager) *Cache {
	return &Cache{
		dm:    dm,
		pages: map[page.PageID]*page.Page{},
		dirty: map[page.PageID]uint64{},
	}
}

func (c *Cache) Manager() *Manager {
	return c.dm
}

// Page returns the image of page pid. If the page file is too short, pages are allocated
// until pid exists.
func (c *Cache) Page(pid page.PageID) (*page.Page, error) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	if pg, ok := c.pages[pid]; ok {
		return pg, nil
	}

	for c.dm.NumPages() <= pid {
		_, err := c.dm.AllocatePage()
		if err != nil {
			return nil, err
		}
	}
	pg, err := c.dm.Page(pid)
	if err != nil {
		return nil, err
	}
	c.pages[pid] = pg
	return pg, nil
}

// Allocate allocates a new page in the page file and returns its image.
func (c *Cache) Allocate() (*page.Page, error) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	pid, err := c.dm.AllocatePage()
	if err != nil {
		return nil, err
	}
	pg := page.New(pid)
	c.pages[pid] = pg
	return pg, nil
}

// MarkDirty stamps pg with lsn and records it as dirty; the recovery LSN of a page which is
// already dirty is not changed.
func (c *Cache) MarkDirty(pg *page.Page, lsn uint64) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	pg.SetLSN(lsn)
	if _, ok := c.dirty[pg.ID()]; !ok {
		c.dirty[pg.ID()] = lsn
	}
}

// Dirty returns the dirty pages ordered by page id.
func (c *Cache) Dirty() []DirtyPage {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	dps := make([]DirtyPage, 0, len(c.dirty))
	for pid, lsn := range c.dirty {
		dps = append(dps, DirtyPage{PageID: pid, RecoveryLSN: lsn})
	}
	sort.Slice(dps, func(i, j int) bool { return dps[i].PageID < dps[j].PageID })
	return dps
}

// PageIDs returns the ids of every page in the page file.
func (c *Cache) PageIDs() []page.PageID {
	n := c.dm.NumPages()
	pids := make([]page.PageID, 0, n)
	for pid := page.PageID(0); pid < n; pid += 1 {
		pids = append(pids, pid)
	}
	return pids
}

// Flush writes every dirty page to the page file and syncs it.
func (c *Cache) Flush() (int, error) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	if len(c.dirty) == 0 {
		return 0, nil
	}

	var cnt int
	for pid := range c.dirty {
		err := c.dm.WritePage(pid, c.pages[pid].Data())
		if err != nil {
			return cnt, err
		}
		delete(c.dirty, pid)
		cnt += 1
	}
	return cnt, c.dm.Sync()
}
