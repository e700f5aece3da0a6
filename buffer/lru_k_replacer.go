package buffer

import (
	"fmt"
	"sync"
)

// NewLRUKReplacer creates a replacer over capacity frames using history
// window K (§4.2).
func NewLRUKReplacer(capacity, k int) *LRUKReplacer {
	historyHead, historyTail := sentinelPair()
	cacheHead, cacheTail := sentinelPair()

	return &LRUKReplacer{
		k:            k,
		replacerSize: capacity,
		nodeStore:    make(map[int]*lrukNode),
		historyHead:  historyHead,
		historyTail:  historyTail,
		cacheHead:    cacheHead,
		cacheTail:    cacheTail,
	}
}

func sentinelPair() (*lrukNode, *lrukNode) {
	head := &lrukNode{frameID: InvalidFrameID}
	tail := &lrukNode{frameID: InvalidFrameID}
	head.next = tail
	tail.prev = head
	return head, tail
}

// LRUKReplacer implements the LRU-K eviction policy: a history list for
// frames with fewer than K accesses (FIFO), and a cache list for frames
// with K or more accesses (true LRU). Eviction prefers the history list,
// since a frame with fewer than K accesses has no reliable backward-K
// distance and is a safer default victim.
type LRUKReplacer struct {
	mu sync.Mutex

	nodeStore    map[int]*lrukNode
	k            int
	replacerSize int
	curSize      int // count of currently evictable frames

	historyHead, historyTail *lrukNode
	cacheHead, cacheTail     *lrukNode
}

// RecordAccess registers an access to frameID, moving it between the
// history and cache lists as its access count crosses K.
func (lru *LRUKReplacer) RecordAccess(frameID int) {
	if frameID < 0 {
		panic(fmt.Sprintf("lru-k replacer: negative frame id %d", frameID))
	}

	lru.mu.Lock()
	defer lru.mu.Unlock()

	node, ok := lru.nodeStore[frameID]
	if !ok {
		node = &lrukNode{frameID: frameID}
		lru.nodeStore[frameID] = node
	}
	node.accessCount++

	switch {
	case node.accessCount < lru.k:
		if node.accessCount == 1 {
			pushFront(lru.historyHead, node)
		}
		// Still below K: history order is frozen at arrival, no reorder.
	case node.accessCount == lru.k:
		// May already be in the history list (k>1), or brand new (k==1).
		if node.prev != nil {
			removeNode(node)
		}
		pushFront(lru.cacheHead, node)
	default:
		removeNode(node)
		pushFront(lru.cacheHead, node)
	}
}

// SetEvictable marks frameID evictable or pinned. Idempotent.
func (lru *LRUKReplacer) SetEvictable(frameID int, evictable bool) {
	if frameID < 0 {
		panic(fmt.Sprintf("lru-k replacer: negative frame id %d", frameID))
	}

	lru.mu.Lock()
	defer lru.mu.Unlock()

	node, ok := lru.nodeStore[frameID]
	if !ok || node.isEvictable == evictable {
		return
	}

	node.isEvictable = evictable
	if evictable {
		lru.curSize++
	} else {
		lru.curSize--
	}
}

// Evict selects a victim frame: the oldest evictable entry in the
// history list, or failing that the least-recently-used evictable entry
// in the cache list.
func (lru *LRUKReplacer) Evict() (int, bool) {
	lru.mu.Lock()
	defer lru.mu.Unlock()

	if frameID, ok := lru.evictFrom(lru.historyHead, lru.historyTail); ok {
		return frameID, true
	}
	return lru.evictFrom(lru.cacheHead, lru.cacheTail)
}

// evictFrom scans list from its oldest entry (nearest tail) toward the
// newest (nearest head) and evicts the first evictable node found.
func (lru *LRUKReplacer) evictFrom(head, tail *lrukNode) (int, bool) {
	for node := tail.prev; node != head; node = node.prev {
		if !node.isEvictable {
			continue
		}

		removeNode(node)
		delete(lru.nodeStore, node.frameID)
		lru.curSize--
		return node.frameID, true
	}
	return InvalidFrameID, false
}

// Remove unconditionally evicts frameID, regardless of list position.
// It fails loudly if the frame is currently non-evictable.
func (lru *LRUKReplacer) Remove(frameID int) error {
	lru.mu.Lock()
	defer lru.mu.Unlock()

	node, ok := lru.nodeStore[frameID]
	if !ok {
		return nil
	}

	if !node.isEvictable {
		return fmt.Errorf("lru-k replacer: cannot remove non-evictable frame %d", frameID)
	}

	removeNode(node)
	delete(lru.nodeStore, frameID)
	lru.curSize--
	return nil
}

// Size returns the number of currently evictable frames.
func (lru *LRUKReplacer) Size() int {
	lru.mu.Lock()
	defer lru.mu.Unlock()

	return lru.curSize
}

func pushFront(head, node *lrukNode) {
	next := head.next
	head.next = node
	node.prev = head
	node.next = next
	next.prev = node
}

func removeNode(node *lrukNode) {
	node.prev.next = node.next
	node.next.prev = node.prev
	node.prev = nil
	node.next = nil
}
