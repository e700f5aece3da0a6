package buffer

import (
	"fmt"
	"sync"
	"sync/atomic"

	"stratadb/disk"
	"stratadb/hashtable"
	"stratadb/util"
)

// ErrBufferPoolExhausted is returned when every frame is pinned and no
// victim can be evicted (§4.3, §7.2).
var ErrBufferPoolExhausted = &util.StorageError{Message: "buffer pool exhausted: no frame available"}

// BufferPoolManager holds pool_size frames, a page table mapping page-id
// to frame-id (backed by an extendible hash table, §4.1), an LRU-K
// replacer (§4.2), a free-list of frame-ids, and a monotonically
// increasing next-page-id. A single mutex serializes all operations.
type BufferPoolManager struct {
	mu sync.Mutex

	frames        []*Frame
	pageTable     *hashtable.ExtendibleHashTable[int64, int]
	nextPageID    atomic.Int64
	diskScheduler *disk.DiskScheduler
	diskManager   *disk.DiskManager
	replacer      *LRUKReplacer
	freeFrames    []int
}

// NewBufferPoolManager creates a pool of poolSize frames over
// diskManager/diskScheduler, with an LRU-K replacer windowed at k.
func NewBufferPoolManager(poolSize, k int, diskManager *disk.DiskManager, diskScheduler *disk.DiskScheduler) *BufferPoolManager {
	frames := make([]*Frame, poolSize)
	freeFrames := make([]int, poolSize)

	for i := 0; i < poolSize; i++ {
		frames[i] = newFrame(i)
		freeFrames[i] = i
	}

	bucketSize := poolSize / 2
	if bucketSize < 2 {
		bucketSize = 2
	}

	return &BufferPoolManager{
		frames:        frames,
		pageTable:     hashtable.NewWithHash[int64, int](bucketSize, func(id int64) uint64 { return uint64(id) }),
		replacer:      NewLRUKReplacer(poolSize, k),
		diskScheduler: diskScheduler,
		diskManager:   diskManager,
		freeFrames:    freeFrames,
	}
}

// NewPage allocates a fresh page-id, pins it in a frame, and returns
// both. The frame's contents are zeroed; the caller is responsible for
// formatting them.
func (b *BufferPoolManager) NewPage() (int64, *Frame, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	frame, err := b.acquireFrame()
	if err != nil {
		return disk.InvalidPageID, nil, err
	}

	pageID := b.nextPageID.Add(1)
	frame.reset()
	frame.PageID = pageID
	frame.pin()

	b.pageTable.Insert(pageID, frame.ID)
	b.replacer.RecordAccess(frame.ID)
	b.replacer.SetEvictable(frame.ID, false)

	return pageID, frame, nil
}

// FetchPage pins pageID's frame, reading it from disk if not already
// resident.
func (b *BufferPoolManager) FetchPage(pageID int64) (*Frame, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if frameID, ok := b.pageTable.Find(pageID); ok {
		frame := b.frames[frameID]
		frame.pin()
		b.replacer.RecordAccess(frame.ID)
		b.replacer.SetEvictable(frame.ID, false)
		return frame, nil
	}

	frame, err := b.acquireFrame()
	if err != nil {
		return nil, err
	}

	data, err := b.readFromDisk(pageID)
	if err != nil {
		return nil, err
	}

	frame.reset()
	copy(frame.Data, data)
	frame.PageID = pageID
	frame.pin()

	b.pageTable.Insert(pageID, frame.ID)
	b.replacer.RecordAccess(frame.ID)
	b.replacer.SetEvictable(frame.ID, false)

	return frame, nil
}

// UnpinPage decrements pageID's pin count, marking is_dirty sticky, and
// returns whether the page was resident with a positive pin count.
func (b *BufferPoolManager) UnpinPage(pageID int64, isDirty bool) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	frameID, ok := b.pageTable.Find(pageID)
	if !ok {
		return false
	}

	frame := b.frames[frameID]
	if frame.Pins.Load() <= 0 {
		return false
	}

	if isDirty {
		frame.Dirty = true
	}
	if frame.unpin() == 0 {
		b.replacer.SetEvictable(frame.ID, true)
	}

	return true
}

// FlushPage writes pageID to disk unconditionally and clears its dirty
// flag. Only a resident page-id succeeds.
func (b *BufferPoolManager) FlushPage(pageID int64) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	frameID, ok := b.pageTable.Find(pageID)
	if !ok {
		return false
	}

	frame := b.frames[frameID]
	if err := b.writeToDisk(frame.PageID, frame.Data); err != nil {
		return false
	}
	frame.Dirty = false
	return true
}

// FlushAllPages flushes every resident page, dirty or not.
func (b *BufferPoolManager) FlushAllPages() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, frame := range b.frames {
		if frame.PageID == disk.InvalidPageID {
			continue
		}
		if err := b.writeToDisk(frame.PageID, frame.Data); err != nil {
			fmt.Printf("buffer pool: flush of page %d failed: %v\n", frame.PageID, err)
			continue
		}
		frame.Dirty = false
	}
}

// DeletePage removes pageID from the pool. Returns true if the page was
// not resident (nothing to do) or was resident with pin==0 and was
// removed; returns false if the page is still pinned.
func (b *BufferPoolManager) DeletePage(pageID int64) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	frameID, ok := b.pageTable.Find(pageID)
	if !ok {
		return true
	}

	frame := b.frames[frameID]
	if frame.Pins.Load() > 0 {
		return false
	}

	_ = b.replacer.Remove(frame.ID)
	b.pageTable.Remove(pageID)
	frame.reset()
	b.freeFrames = append(b.freeFrames, frame.ID)
	b.diskManager.DeletePage(pageID)

	return true
}

// ReadPage fetches pageID and returns a guard holding its read latch,
// for latch-crabbing callers (§4.5.1).
func (b *BufferPoolManager) ReadPage(pageID int64) (*ReadPageGuard, error) {
	frame, err := b.FetchPage(pageID)
	if err != nil {
		return nil, err
	}

	frame.Mu.RLock()
	return newReadPageGuard(frame, b), nil
}

// WritePage fetches pageID and returns a guard holding its write latch.
func (b *BufferPoolManager) WritePage(pageID int64) (*WritePageGuard, error) {
	frame, err := b.FetchPage(pageID)
	if err != nil {
		return nil, err
	}

	frame.Mu.Lock()
	return newWritePageGuard(frame, b), nil
}

// NewPageGuarded allocates a new page and returns it already holding its
// write latch, for callers (e.g. the B+Tree) that format it in place.
func (b *BufferPoolManager) NewPageGuarded() (int64, *WritePageGuard, error) {
	pageID, frame, err := b.NewPage()
	if err != nil {
		return disk.InvalidPageID, nil, err
	}

	frame.Mu.Lock()
	return pageID, newWritePageGuard(frame, b), nil
}

// acquireFrame returns a frame ready for reuse: from the free-list, or
// evicted (flushing first if dirty) via the replacer. Caller must hold
// b.mu.
func (b *BufferPoolManager) acquireFrame() (*Frame, error) {
	if len(b.freeFrames) > 0 {
		id := b.freeFrames[0]
		b.freeFrames = b.freeFrames[1:]
		return b.frames[id], nil
	}

	frameID, ok := b.replacer.Evict()
	if !ok {
		fmt.Println("buffer pool: exhausted, every frame is pinned")
		return nil, ErrBufferPoolExhausted
	}

	victim := b.frames[frameID]
	if victim.Dirty {
		if err := b.writeToDisk(victim.PageID, victim.Data); err != nil {
			return nil, err
		}
		fmt.Printf("buffer pool: flushed dirty page %d before eviction\n", victim.PageID)
	}

	b.pageTable.Remove(victim.PageID)
	return victim, nil
}

func (b *BufferPoolManager) readFromDisk(pageID int64) ([]byte, error) {
	req := disk.NewRequest(pageID, nil, false)
	resp := <-b.diskScheduler.Schedule(req)
	if !resp.Success {
		return nil, resp.Err
	}
	return resp.Data, nil
}

func (b *BufferPoolManager) writeToDisk(pageID int64, data []byte) error {
	req := disk.NewRequest(pageID, data, true)
	resp := <-b.diskScheduler.Schedule(req)
	if !resp.Success {
		return resp.Err
	}
	return nil
}
