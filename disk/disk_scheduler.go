package disk

import "sync"

// DiskScheduler fans page read/write requests out to one worker goroutine
// per page, keeping requests for the same page in order while letting
// requests for different pages run concurrently. Scheduling is
// non-blocking; the caller waits on the returned channel only if/when it
// needs the result, which keeps the disk manager "synchronous but fast"
// from the buffer pool's point of view (§5 Concurrency & Resource Model).
type DiskScheduler struct {
	reqCh       chan DiskReq
	diskManager *DiskManager

	pageQueue   map[int64]chan DiskReq
	pageQueueMu sync.Mutex
}

// DiskReq is a single scheduled read or write.
type DiskReq struct {
	PageID int64
	Data   []byte
	Write  bool
	RespCh chan DiskResp
}

// DiskResp carries the outcome of a DiskReq back to its caller.
type DiskResp struct {
	Success bool
	Data    []byte
	Err     error
}

// NewScheduler creates a scheduler over diskManager and starts its
// dispatch loop.
func NewScheduler(diskManager *DiskManager) *DiskScheduler {
	ds := &DiskScheduler{
		reqCh:       make(chan DiskReq, 100),
		pageQueue:   make(map[int64]chan DiskReq),
		diskManager: diskManager,
	}

	go ds.handleDiskReq()
	return ds
}

// NewRequest builds a DiskReq with a fresh response channel.
func NewRequest(pageID int64, data []byte, write bool) DiskReq {
	return DiskReq{
		PageID: pageID,
		Data:   data,
		Write:  write,
		RespCh: make(chan DiskResp),
	}
}

// Schedule enqueues req and returns immediately; the result arrives on
// req.RespCh.
func (ds *DiskScheduler) Schedule(req DiskReq) <-chan DiskResp {
	ds.reqCh <- req
	return req.RespCh
}

func (ds *DiskScheduler) handleDiskReq() {
	for req := range ds.reqCh {
		ds.pageQueueMu.Lock()
		queue, ok := ds.pageQueue[req.PageID]
		if !ok {
			queue = make(chan DiskReq, 16)
			ds.pageQueue[req.PageID] = queue
		}
		ds.pageQueueMu.Unlock()

		queue <- req

		// !ok means we just created this page's queue, so nothing is
		// draining it yet — start a worker for it.
		if !ok {
			go ds.pageWorker(req.PageID, queue)
		}
	}
}

func (ds *DiskScheduler) pageWorker(pageID int64, queue chan DiskReq) {
	for {
		select {
		case req := <-queue:
			if req.Write {
				err := ds.diskManager.WritePage(req.PageID, req.Data)
				req.RespCh <- DiskResp{Success: err == nil, Err: err}
			} else {
				data, err := ds.diskManager.ReadPage(req.PageID)
				req.RespCh <- DiskResp{Success: err == nil, Data: data, Err: err}
			}
		default:
			// Queue momentarily drained; drop it so a future request for
			// this page spins up a fresh worker rather than leaking one
			// per page forever.
			ds.pageQueueMu.Lock()
			delete(ds.pageQueue, pageID)
			ds.pageQueueMu.Unlock()
			return
		}
	}
}
