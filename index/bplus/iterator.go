package bplus

import (
	"cmp"

	"stratadb/buffer"
	"stratadb/util"
)

// Iterator walks a leaf's sibling chain in key order (§4.5.5). A zero
// Iterator (no leaf latched) compares equal to any other iterator,
// including another zero one — a deliberate quirk preserved from the
// reference behavior rather than treated as a bug.
type Iterator[K cmp.Ordered, V any] struct {
	bpm   *buffer.BufferPoolManager
	guard *buffer.ReadPageGuard
	leaf  *LeafPage[K, V]
	index int
}

// Begin returns an iterator positioned at the tree's first entry.
func (t *BPlusTree[K, V]) Begin() (*Iterator[K, V], error) {
	return t.beginDescent(zeroOf[K](), true, false)
}

// BeginAt descends to the leaf key routes to and positions the iterator
// at that leaf's first entry whose key is >= key. If every key in that
// leaf is smaller than key, the iterator reports IsEnd even when a later
// leaf holds larger keys.
func (t *BPlusTree[K, V]) BeginAt(key K) (*Iterator[K, V], error) {
	return t.beginDescent(key, false, false)
}

// End returns an iterator positioned one past the tree's last entry,
// suitable only for equality comparison against an advancing iterator.
// Its latch is released before returning: the rightmost leaf was
// already decoded into the iterator's own copy, and End()'s result is
// never read through, only compared via Equal, so there is nothing
// left to guard.
func (t *BPlusTree[K, V]) End() (*Iterator[K, V], error) {
	it, err := t.beginDescent(zeroOf[K](), false, true)
	if err != nil {
		return nil, err
	}
	it.index = it.leaf.GetSize()
	it.guard.Drop()
	it.guard = nil
	return it, nil
}

func (t *BPlusTree[K, V]) beginDescent(key K, leftmost, rightmost bool) (*Iterator[K, V], error) {
	t.headerLatch.RLock()
	if t.rootPageID == InvalidPageID {
		t.headerLatch.RUnlock()
		return &Iterator[K, V]{}, nil
	}
	releaseHeader := onceRelease(func() { t.headerLatch.RUnlock() })

	guard, leaf, err := t.findLeafRead(key, releaseHeader, leftmost, rightmost)
	releaseHeader()
	if err != nil {
		return nil, err
	}

	index := 0
	if !leftmost && !rightmost {
		index = leaf.KeyIndex(key)
	}

	return &Iterator[K, V]{bpm: t.bpm, guard: guard, leaf: leaf, index: index}, nil
}

// IsEnd reports whether the iterator has been exhausted: no current
// entry remains to read.
func (it *Iterator[K, V]) IsEnd() bool {
	return it.leaf == nil || it.index >= it.leaf.GetSize()
}

// Key returns the current entry's key. Only valid when !IsEnd().
func (it *Iterator[K, V]) Key() K {
	return it.leaf.KeyAt(it.index)
}

// Value returns the current entry's value. Only valid when !IsEnd().
func (it *Iterator[K, V]) Value() V {
	return it.leaf.ValueAt(it.index)
}

// Next advances the iterator, crossing into the next leaf (under its
// own read latch) when the current leaf is exhausted.
func (it *Iterator[K, V]) Next() error {
	if it.leaf == nil {
		return nil
	}

	it.index++
	if it.index < it.leaf.GetSize() {
		return nil
	}

	nextID := it.leaf.NextPageID
	it.guard.Drop()
	it.guard = nil
	it.leaf = nil

	if nextID == InvalidPageID {
		return nil
	}

	guard, err := it.bpm.ReadPage(nextID)
	if err != nil {
		return err
	}
	leaf, err := util.ToStruct[LeafPage[K, V]](guard.GetData())
	if err != nil {
		guard.Drop()
		return err
	}

	it.guard = guard
	it.leaf = &leaf
	it.index = 0
	return nil
}

// Equal compares iterator position by (page-id, index). A null
// iterator (no leaf held) equals any other iterator, including another
// null one (§4.5.5).
func (it *Iterator[K, V]) Equal(other *Iterator[K, V]) bool {
	if it.leaf == nil || other.leaf == nil {
		return true
	}
	return it.leaf.PageID == other.leaf.PageID && it.index == other.index
}

// Close releases the iterator's held latch, if any. Safe to call more
// than once.
func (it *Iterator[K, V]) Close() {
	if it.guard != nil {
		it.guard.Drop()
		it.guard = nil
	}
	it.leaf = nil
}
