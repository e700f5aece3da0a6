package bplus

import (
	"cmp"
	"errors"
	"fmt"
	"sync"

	"stratadb/buffer"
	"stratadb/disk"
	"stratadb/util"
)

// InvalidPageID mirrors disk.InvalidPageID for this package's callers.
const InvalidPageID = disk.InvalidPageID

// ErrOutOfMemory is the sole recoverable failure a caller should expect
// from GetValue, Insert and Remove: every frame was pinned when the tree
// needed a frame, whether for a fresh page (a split or a new root) or to
// bring in an existing one such as the header page. Callers may retry
// after releasing pins (§4.5.6).
var ErrOutOfMemory = errors.New("bplus: buffer pool exhausted, cannot allocate a page for split")

// Operation selects the latch discipline and safe-node rule FindLeaf
// applies while descending (§4.5.1).
type Operation int

const (
	OpSearch Operation = iota
	OpInsert
	OpDelete
)

func isSafeLeaf(op Operation, size, maxSize int) bool {
	switch op {
	case OpInsert:
		return size < maxSize-1
	case OpDelete:
		return size > (maxSize+1)/2
	default:
		return true
	}
}

func isSafeInternal(op Operation, size, maxSize int) bool {
	switch op {
	case OpInsert:
		return size < maxSize
	case OpDelete:
		return size > (maxSize+2)/2
	default:
		return true
	}
}

// BPlusTree is generic over (Key, Value); ordering uses K's natural
// cmp.Ordered comparison as the injected comparator (§4.5).
type BPlusTree[K cmp.Ordered, V any] struct {
	name string
	bpm  *buffer.BufferPoolManager

	headerLatch sync.RWMutex
	rootPageID  int64

	leafMaxSize     int
	internalMaxSize int
}

// headerRecord is page 0's (index_name -> root_page_id) table (§6).
type headerRecord struct {
	Roots map[string]int64
}

// NewBPlusTree opens (or creates) the named index over bpm, loading its
// root-page-id from the shared header page if a prior record exists.
func NewBPlusTree[K cmp.Ordered, V any](name string, bpm *buffer.BufferPoolManager, leafMaxSize, internalMaxSize int) (*BPlusTree[K, V], error) {
	t := &BPlusTree[K, V]{
		name:            name,
		bpm:             bpm,
		rootPageID:      InvalidPageID,
		leafMaxSize:     leafMaxSize,
		internalMaxSize: internalMaxSize,
	}

	root, err := t.loadRootRecord()
	if err != nil {
		return nil, err
	}
	t.rootPageID = root
	return t, nil
}

func (t *BPlusTree[K, V]) loadRootRecord() (int64, error) {
	guard, err := t.bpm.ReadPage(disk.HeaderPageID)
	if err != nil {
		return InvalidPageID, fmt.Errorf("bplus: reading header page: %w", err)
	}
	defer guard.Drop()

	hdr, err := util.ToStruct[headerRecord](guard.GetData())
	if err != nil || hdr.Roots == nil {
		return InvalidPageID, nil
	}
	if id, ok := hdr.Roots[t.name]; ok {
		return id, nil
	}
	return InvalidPageID, nil
}

// UpdateRootPageId inserts or updates this index's (name -> root)
// record on the shared header page (§6). insertRecord is ignored: the
// write is identical whether or not the record already exists.
func (t *BPlusTree[K, V]) UpdateRootPageId(insertRecord bool) error {
	return t.updateRootRecord()
}

func (t *BPlusTree[K, V]) updateRootRecord() error {
	guard, err := t.bpm.WritePage(disk.HeaderPageID)
	if err != nil {
		return fmt.Errorf("bplus: writing header page: %w", err)
	}
	defer guard.Drop()

	hdr, err := util.ToStruct[headerRecord](guard.GetData())
	if err != nil || hdr.Roots == nil {
		hdr = headerRecord{Roots: make(map[string]int64)}
	}
	hdr.Roots[t.name] = t.rootPageID

	data, err := util.ToByteSlice(hdr)
	if err != nil {
		return fmt.Errorf("bplus: encoding header page: %w", err)
	}
	copy(*guard.GetDataMut(), data)
	return nil
}

// GetRootPageId returns the tree's current root page-id under the
// header latch.
func (t *BPlusTree[K, V]) GetRootPageId() int64 {
	t.headerLatch.RLock()
	defer t.headerLatch.RUnlock()
	return t.rootPageID
}

func (t *BPlusTree[K, V]) wrapOOM(err error) error {
	if errors.Is(err, buffer.ErrBufferPoolExhausted) {
		return ErrOutOfMemory
	}
	return err
}

func (t *BPlusTree[K, V]) pageType(data []byte) (PageType, error) {
	h, err := util.ToStruct[pageHeader](data)
	if err != nil {
		return InvalidPageType, err
	}
	return h.PageType, nil
}

func (t *BPlusTree[K, V]) writeLeaf(guard *buffer.WritePageGuard, page *LeafPage[K, V]) error {
	data, err := util.ToByteSlice(*page)
	if err != nil {
		return err
	}
	copy(*guard.GetDataMut(), data)
	return nil
}

func (t *BPlusTree[K, V]) writeInternal(guard *buffer.WritePageGuard, page *InternalPage[K]) error {
	data, err := util.ToByteSlice(*page)
	if err != nil {
		return err
	}
	copy(*guard.GetDataMut(), data)
	return nil
}

// reparentPage updates childPageID's stored parent-page-id, whichever
// page type it turns out to be.
func (t *BPlusTree[K, V]) reparentPage(childPageID, newParent int64) error {
	guard, err := t.bpm.WritePage(childPageID)
	if err != nil {
		return err
	}
	defer guard.Drop()

	pt, err := t.pageType(guard.GetData())
	if err != nil {
		return err
	}

	if pt == LeafPageType {
		leaf, err := util.ToStruct[LeafPage[K, V]](guard.GetData())
		if err != nil {
			return err
		}
		leaf.ParentPageID = newParent
		return t.writeLeaf(guard, &leaf)
	}

	internal, err := util.ToStruct[InternalPage[K]](guard.GetData())
	if err != nil {
		return err
	}
	internal.ParentPageID = newParent
	return t.writeInternal(guard, &internal)
}

func onceRelease(f func()) func() {
	var done bool
	return func() {
		if !done {
			f()
			done = true
		}
	}
}

func zeroOf[K any]() K {
	var z K
	return z
}

// ancestorFrame is one write-latched page held on the way down during
// latch crabbing (§4.5.1). The header latch is represented by a
// sentinel frame with pageID InvalidPageID and a nil page.
type ancestorFrame[K cmp.Ordered] struct {
	pageID  int64
	guard   *buffer.WritePageGuard
	page    *InternalPage[K]
	release func()
}

func dropAncestors[K cmp.Ordered](ancestors []*ancestorFrame[K]) {
	for _, a := range ancestors {
		a.release()
	}
}

// popAncestor returns the top of the ancestor stack if it is pageID's
// already-held frame, so callers reuse the held latch instead of
// re-acquiring it (which would deadlock against itself).
func popAncestor[K cmp.Ordered](ancestors []*ancestorFrame[K], pageID int64) (*ancestorFrame[K], []*ancestorFrame[K], bool) {
	if len(ancestors) == 0 {
		return nil, ancestors, false
	}
	top := ancestors[len(ancestors)-1]
	if top.pageID != pageID {
		return nil, ancestors, false
	}
	return top, ancestors[:len(ancestors)-1], true
}

// findLeafRead descends with read latches only, always releasing the
// parent right after the child is acquired (SEARCH's rule, §4.5.1).
// releaseHeader is invoked once the root page is latched.
func (t *BPlusTree[K, V]) findLeafRead(key K, releaseHeader func(), leftmost, rightmost bool) (*buffer.ReadPageGuard, *LeafPage[K, V], error) {
	currID := t.rootPageID
	var prevGuard *buffer.ReadPageGuard
	first := true

	for {
		guard, err := t.bpm.ReadPage(currID)
		if err != nil {
			if prevGuard != nil {
				prevGuard.Drop()
			}
			releaseHeader()
			return nil, nil, err
		}
		if first {
			releaseHeader()
			first = false
		}
		if prevGuard != nil {
			prevGuard.Drop()
		}

		pt, err := t.pageType(guard.GetData())
		if err != nil {
			guard.Drop()
			return nil, nil, err
		}

		if pt == LeafPageType {
			leaf, err := util.ToStruct[LeafPage[K, V]](guard.GetData())
			if err != nil {
				guard.Drop()
				return nil, nil, err
			}
			return guard, &leaf, nil
		}

		internal, err := util.ToStruct[InternalPage[K]](guard.GetData())
		if err != nil {
			guard.Drop()
			return nil, nil, err
		}

		var childID int64
		switch {
		case leftmost:
			childID = internal.ValueAt(0)
		case rightmost:
			childID = internal.ValueAt(internal.GetSize() - 1)
		default:
			childID = internal.Lookup(key)
		}

		prevGuard = guard
		currID = childID
	}
}

// findLeafWrite descends with write latches, releasing every
// accumulated ancestor (including the header sentinel) as soon as a
// safe node is reached (§4.5.1). Ancestors still held on return belong
// to the caller, to be consumed by InsertIntoParent/CoalesceOrRedistribute
// or released via dropAncestors.
func (t *BPlusTree[K, V]) findLeafWrite(key K, op Operation, releaseHeader func(), leftmost, rightmost bool) (*buffer.WritePageGuard, *LeafPage[K, V], []*ancestorFrame[K], error) {
	ancestors := []*ancestorFrame[K]{{pageID: InvalidPageID, release: releaseHeader}}
	currID := t.rootPageID

	for {
		guard, err := t.bpm.WritePage(currID)
		if err != nil {
			dropAncestors(ancestors)
			return nil, nil, nil, err
		}

		pt, err := t.pageType(guard.GetData())
		if err != nil {
			guard.Drop()
			dropAncestors(ancestors)
			return nil, nil, nil, err
		}

		if pt == LeafPageType {
			leaf, err := util.ToStruct[LeafPage[K, V]](guard.GetData())
			if err != nil {
				guard.Drop()
				dropAncestors(ancestors)
				return nil, nil, nil, err
			}
			if isSafeLeaf(op, leaf.GetSize(), leaf.GetMaxSize()) {
				dropAncestors(ancestors)
				ancestors = nil
			}
			return guard, &leaf, ancestors, nil
		}

		internal, err := util.ToStruct[InternalPage[K]](guard.GetData())
		if err != nil {
			guard.Drop()
			dropAncestors(ancestors)
			return nil, nil, nil, err
		}

		if isSafeInternal(op, internal.GetSize(), internal.GetMaxSize()) {
			dropAncestors(ancestors)
			ancestors = ancestors[:0]
		}

		var childID int64
		switch {
		case leftmost:
			childID = internal.ValueAt(0)
		case rightmost:
			childID = internal.ValueAt(internal.GetSize() - 1)
		default:
			childID = internal.Lookup(key)
		}

		frameGuard := guard
		frameInternal := internal
		ancestors = append(ancestors, &ancestorFrame[K]{
			pageID:  currID,
			guard:   frameGuard,
			page:    &frameInternal,
			release: func() { frameGuard.Drop() },
		})
		currID = childID
	}
}

// GetValue acquires a read-lock on the header, descends with SEARCH,
// and looks the key up in the resolved leaf (§4.5.2).
func (t *BPlusTree[K, V]) GetValue(key K) (_ []V, err error) {
	defer func() { err = t.wrapOOM(err) }()

	t.headerLatch.RLock()
	if t.rootPageID == InvalidPageID {
		t.headerLatch.RUnlock()
		return nil, fmt.Errorf("bplus: tree is empty")
	}
	releaseHeader := onceRelease(func() { t.headerLatch.RUnlock() })

	guard, leaf, err := t.findLeafRead(key, releaseHeader, false, false)
	releaseHeader()
	if err != nil {
		return nil, err
	}
	defer guard.Drop()

	val, ok := leaf.Lookup(key)
	if !ok {
		return nil, fmt.Errorf("bplus: key %v not found", key)
	}
	return []V{val}, nil
}

// Insert acquires a write-lock on the header, descends in INSERT mode,
// and splits the target leaf (and cascades into its ancestors) if it
// overflows (§4.5.3).
func (t *BPlusTree[K, V]) Insert(key K, value V) (_ bool, err error) {
	defer func() { err = t.wrapOOM(err) }()

	t.headerLatch.Lock()
	releaseHeader := onceRelease(func() { t.headerLatch.Unlock() })
	defer releaseHeader()

	if t.rootPageID == InvalidPageID {
		pageID, guard, err := t.bpm.NewPageGuarded()
		if err != nil {
			return false, t.wrapOOM(err)
		}
		defer guard.Drop()

		leaf := newLeafPage[K, V](pageID, InvalidPageID, t.leafMaxSize)
		leaf.Insert(key, value)
		if err := t.writeLeaf(guard, leaf); err != nil {
			return false, err
		}

		t.rootPageID = pageID
		return true, t.updateRootRecord()
	}

	leafGuard, leaf, ancestors, err := t.findLeafWrite(key, OpInsert, releaseHeader, false, false)
	if err != nil {
		return false, err
	}
	defer leafGuard.Drop()

	if !leaf.Insert(key, value) {
		dropAncestors(ancestors)
		return false, nil
	}

	if leaf.GetSize() < t.leafMaxSize {
		if err := t.writeLeaf(leafGuard, leaf); err != nil {
			return false, err
		}
		dropAncestors(ancestors)
		return true, nil
	}

	siblingID, siblingGuard, err := t.bpm.NewPageGuarded()
	if err != nil {
		dropAncestors(ancestors)
		return false, t.wrapOOM(err)
	}
	defer siblingGuard.Drop()

	sibling := newLeafPage[K, V](siblingID, leaf.ParentPageID, t.leafMaxSize)
	leaf.MoveHalfTo(sibling)
	sibling.NextPageID = leaf.NextPageID
	leaf.NextPageID = siblingID

	if err := t.writeLeaf(leafGuard, leaf); err != nil {
		return false, err
	}
	if err := t.writeLeaf(siblingGuard, sibling); err != nil {
		return false, err
	}

	promoted := sibling.KeyAt(0)
	if err := t.insertIntoParent(leaf.PageID, leaf.ParentPageID, promoted, siblingID, ancestors); err != nil {
		return false, err
	}
	return true, nil
}

// insertIntoParent implements §4.5.3's InsertIntoParent, consuming
// (and eventually releasing) ancestors via popAncestor rather than
// re-acquiring latches the caller already holds.
func (t *BPlusTree[K, V]) insertIntoParent(nodePageID, nodeParentID int64, key K, newPageID int64, ancestors []*ancestorFrame[K]) error {
	if nodePageID == t.rootPageID {
		dropAncestors(ancestors)

		newRootID, rootGuard, err := t.bpm.NewPageGuarded()
		if err != nil {
			return t.wrapOOM(err)
		}
		defer rootGuard.Drop()

		root := newInternalPage[K](newRootID, InvalidPageID, t.internalMaxSize)
		root.PopulateNewRoot(nodePageID, key, newPageID)
		if err := t.writeInternal(rootGuard, root); err != nil {
			return err
		}

		if err := t.reparentPage(nodePageID, newRootID); err != nil {
			return err
		}
		if err := t.reparentPage(newPageID, newRootID); err != nil {
			return err
		}

		t.rootPageID = newRootID
		return t.updateRootRecord()
	}

	parentGuard, parent, rest, err := t.resolveParent(nodeParentID, ancestors)
	if err != nil {
		return err
	}
	defer parentGuard.Drop()

	if parent.GetSize() < t.internalMaxSize {
		parent.InsertNodeAfter(nodePageID, key, newPageID)
		if err := t.writeInternal(parentGuard, parent); err != nil {
			return err
		}
		dropAncestors(rest)
		return nil
	}

	scratch := &InternalPage[K]{
		pageHeader: parent.pageHeader,
		Keys:       append([]K{}, parent.Keys...),
		Values:     append([]int64{}, parent.Values...),
	}
	scratch.InsertNodeAfter(nodePageID, key, newPageID)

	siblingID, siblingGuard, err := t.bpm.NewPageGuarded()
	if err != nil {
		dropAncestors(rest)
		return t.wrapOOM(err)
	}
	defer siblingGuard.Drop()

	sibling := newInternalPage[K](siblingID, parent.ParentPageID, t.internalMaxSize)
	promoted, err := scratch.MoveHalfTo(sibling, t.reparentPage)
	if err != nil {
		return err
	}

	parent.Keys = scratch.Keys
	parent.Values = scratch.Values
	parent.Size = scratch.Size

	if err := t.writeInternal(parentGuard, parent); err != nil {
		return err
	}
	if err := t.writeInternal(siblingGuard, sibling); err != nil {
		return err
	}

	return t.insertIntoParent(parent.PageID, parent.ParentPageID, promoted, siblingID, rest)
}

// resolveParent returns parentID's page, preferring an already-held
// ancestor latch over fetching a fresh one.
func (t *BPlusTree[K, V]) resolveParent(parentID int64, ancestors []*ancestorFrame[K]) (*buffer.WritePageGuard, *InternalPage[K], []*ancestorFrame[K], error) {
	if frame, rest, ok := popAncestor(ancestors, parentID); ok {
		return frame.guard, frame.page, rest, nil
	}

	guard, err := t.bpm.WritePage(parentID)
	if err != nil {
		dropAncestors(ancestors)
		return nil, nil, nil, err
	}
	page, err := util.ToStruct[InternalPage[K]](guard.GetData())
	if err != nil {
		guard.Drop()
		dropAncestors(ancestors)
		return nil, nil, nil, err
	}
	return guard, &page, ancestors, nil
}

// Remove acquires a write-lock on the header, descends in DELETE mode,
// and coalesces or redistributes the target leaf (and cascades into its
// ancestors) if it underflows (§4.5.4).
func (t *BPlusTree[K, V]) Remove(key K) (err error) {
	defer func() { err = t.wrapOOM(err) }()

	t.headerLatch.Lock()
	releaseHeader := onceRelease(func() { t.headerLatch.Unlock() })
	defer releaseHeader()

	if t.rootPageID == InvalidPageID {
		return fmt.Errorf("bplus: tree is empty")
	}

	leafGuard, leaf, ancestors, err := t.findLeafWrite(key, OpDelete, releaseHeader, false, false)
	if err != nil {
		return err
	}

	before := leaf.GetSize()
	after := leaf.RemoveAndDeleteRecord(key)
	if after == before {
		leafGuard.Drop()
		dropAncestors(ancestors)
		return nil
	}

	if err := t.writeLeaf(leafGuard, leaf); err != nil {
		leafGuard.Drop()
		return err
	}

	deleted := make(map[int64]bool)
	if _, err := t.coalesceOrRedistributeLeaf(leafGuard, leaf, ancestors, deleted); err != nil {
		leafGuard.Drop()
		return err
	}
	leafGuard.Drop()

	for pageID := range deleted {
		t.bpm.DeletePage(pageID)
	}
	return nil
}

func (t *BPlusTree[K, V]) coalesceOrRedistributeLeaf(leafGuard *buffer.WritePageGuard, leaf *LeafPage[K, V], ancestors []*ancestorFrame[K], deleted map[int64]bool) (bool, error) {
	minSize := leaf.minSize()
	if leaf.GetSize() >= minSize {
		dropAncestors(ancestors)
		return false, nil
	}

	if leaf.PageID == t.rootPageID {
		dropAncestors(ancestors)
		if leaf.GetSize() == 0 {
			deleted[leaf.PageID] = true
			t.rootPageID = InvalidPageID
			return true, t.updateRootRecord()
		}
		return false, nil
	}

	parentGuard, parent, rest, err := t.resolveParent(leaf.ParentPageID, ancestors)
	if err != nil {
		return false, err
	}
	defer parentGuard.Drop()

	idx := parent.ValueIndex(leaf.PageID)

	if idx > 0 {
		leftID := parent.ValueAt(idx - 1)
		leftGuard, err := t.bpm.WritePage(leftID)
		if err != nil {
			dropAncestors(rest)
			return false, err
		}
		defer leftGuard.Drop()
		leftLeaf, err := util.ToStruct[LeafPage[K, V]](leftGuard.GetData())
		if err != nil {
			dropAncestors(rest)
			return false, err
		}

		if leftLeaf.GetSize() > minSize {
			leftLeaf.MoveLastToFrontOf(leaf)
			parent.SetKeyAt(idx-1, leaf.KeyAt(0))
			if err := t.writeLeaf(leftGuard, &leftLeaf); err != nil {
				return false, err
			}
			if err := t.writeLeaf(leafGuard, leaf); err != nil {
				return false, err
			}
			if err := t.writeInternal(parentGuard, parent); err != nil {
				return false, err
			}
			dropAncestors(rest)
			return false, nil
		}

		leaf.MoveAllTo(&leftLeaf)
		if err := t.writeLeaf(leftGuard, &leftLeaf); err != nil {
			return false, err
		}
		parent.Remove(idx)
		deleted[leaf.PageID] = true

		return t.coalesceOrRedistributeInternal(parentGuard, parent, rest, deleted)
	}

	rightID := parent.ValueAt(idx + 1)
	rightGuard, err := t.bpm.WritePage(rightID)
	if err != nil {
		dropAncestors(rest)
		return false, err
	}
	defer rightGuard.Drop()
	rightLeaf, err := util.ToStruct[LeafPage[K, V]](rightGuard.GetData())
	if err != nil {
		dropAncestors(rest)
		return false, err
	}

	if rightLeaf.GetSize() > minSize {
		rightLeaf.MoveFirstToEndOf(leaf)
		parent.SetKeyAt(idx, rightLeaf.KeyAt(0))
		if err := t.writeLeaf(rightGuard, &rightLeaf); err != nil {
			return false, err
		}
		if err := t.writeLeaf(leafGuard, leaf); err != nil {
			return false, err
		}
		if err := t.writeInternal(parentGuard, parent); err != nil {
			return false, err
		}
		dropAncestors(rest)
		return false, nil
	}

	rightLeaf.MoveAllTo(leaf)
	if err := t.writeLeaf(leafGuard, leaf); err != nil {
		return false, err
	}
	parent.Remove(idx + 1)
	deleted[rightLeaf.PageID] = true

	return t.coalesceOrRedistributeInternal(parentGuard, parent, rest, deleted)
}

func (t *BPlusTree[K, V]) coalesceOrRedistributeInternal(nodeGuard *buffer.WritePageGuard, node *InternalPage[K], ancestors []*ancestorFrame[K], deleted map[int64]bool) (bool, error) {
	minSize := node.minSize()
	if node.GetSize() >= minSize {
		dropAncestors(ancestors)
		return false, nil
	}

	if node.PageID == t.rootPageID {
		dropAncestors(ancestors)
		if node.GetSize() == 1 {
			newRoot := node.ValueAt(0)
			if err := t.reparentPage(newRoot, InvalidPageID); err != nil {
				return false, err
			}
			t.rootPageID = newRoot
			deleted[node.PageID] = true
			return true, t.updateRootRecord()
		}
		return false, nil
	}

	parentGuard, parent, rest, err := t.resolveParent(node.ParentPageID, ancestors)
	if err != nil {
		return false, err
	}
	defer parentGuard.Drop()

	idx := parent.ValueIndex(node.PageID)

	if idx > 0 {
		leftID := parent.ValueAt(idx - 1)
		leftGuard, err := t.bpm.WritePage(leftID)
		if err != nil {
			dropAncestors(rest)
			return false, err
		}
		defer leftGuard.Drop()
		left, err := util.ToStruct[InternalPage[K]](leftGuard.GetData())
		if err != nil {
			dropAncestors(rest)
			return false, err
		}

		if left.GetSize() > minSize {
			middleKey := parent.KeyAt(idx - 1)
			detached, err := left.MoveLastToFrontOf(node, middleKey, t.reparentPage)
			if err != nil {
				return false, err
			}
			parent.SetKeyAt(idx-1, detached)
			if err := t.writeInternal(leftGuard, &left); err != nil {
				return false, err
			}
			if err := t.writeInternal(nodeGuard, node); err != nil {
				return false, err
			}
			if err := t.writeInternal(parentGuard, parent); err != nil {
				return false, err
			}
			dropAncestors(rest)
			return false, nil
		}

		middleKey := parent.KeyAt(idx - 1)
		if err := node.MoveAllTo(&left, middleKey, t.reparentPage); err != nil {
			return false, err
		}
		if err := t.writeInternal(leftGuard, &left); err != nil {
			return false, err
		}
		parent.Remove(idx)
		deleted[node.PageID] = true

		return t.coalesceOrRedistributeInternal(parentGuard, parent, rest, deleted)
	}

	rightID := parent.ValueAt(idx + 1)
	rightGuard, err := t.bpm.WritePage(rightID)
	if err != nil {
		dropAncestors(rest)
		return false, err
	}
	defer rightGuard.Drop()
	right, err := util.ToStruct[InternalPage[K]](rightGuard.GetData())
	if err != nil {
		dropAncestors(rest)
		return false, err
	}

	if right.GetSize() > minSize {
		middleKey := parent.KeyAt(idx)
		detached, err := right.MoveFirstToEndOf(node, middleKey, t.reparentPage)
		if err != nil {
			return false, err
		}
		parent.SetKeyAt(idx, detached)
		if err := t.writeInternal(rightGuard, &right); err != nil {
			return false, err
		}
		if err := t.writeInternal(nodeGuard, node); err != nil {
			return false, err
		}
		if err := t.writeInternal(parentGuard, parent); err != nil {
			return false, err
		}
		dropAncestors(rest)
		return false, nil
	}

	middleKey := parent.KeyAt(idx)
	if err := right.MoveAllTo(node, middleKey, t.reparentPage); err != nil {
		return false, err
	}
	if err := t.writeInternal(nodeGuard, node); err != nil {
		return false, err
	}
	parent.Remove(idx + 1)
	deleted[right.PageID] = true

	return t.coalesceOrRedistributeInternal(parentGuard, parent, rest, deleted)
}
