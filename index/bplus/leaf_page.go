package bplus

import "cmp"

// LeafPage stores the tree's actual (key, value) pairs and links into
// the sibling chain for range iteration (§3, §4.4).
type LeafPage[K cmp.Ordered, V any] struct {
	pageHeader
	NextPageID int64
	Keys       []K
	Values     []V
}

func newLeafPage[K cmp.Ordered, V any](pageID, parentPageID int64, maxSize int) *LeafPage[K, V] {
	return &LeafPage[K, V]{
		pageHeader: pageHeader{PageType: LeafPageType, PageID: pageID, ParentPageID: parentPageID, MaxSize: int32(maxSize)},
		NextPageID: InvalidPageID,
		Keys:       make([]K, 0, maxSize+1),
		Values:     make([]V, 0, maxSize+1),
	}
}

func (p *LeafPage[K, V]) KeyAt(i int) K   { return p.Keys[i] }
func (p *LeafPage[K, V]) ValueAt(i int) V { return p.Values[i] }

// KeyIndex is the lower-bound position of key: the first index whose
// key is >= key (§4.4).
func (p *LeafPage[K, V]) KeyIndex(key K) int {
	lo, hi := 0, p.GetSize()
	for lo < hi {
		mid := lo + (hi-lo)/2
		if p.Keys[mid] < key {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	return lo
}

// Lookup returns the value stored at key, if present.
func (p *LeafPage[K, V]) Lookup(key K) (V, bool) {
	idx := p.KeyIndex(key)
	if idx < p.GetSize() && p.Keys[idx] == key {
		return p.Values[idx], true
	}
	var zero V
	return zero, false
}

// Insert is idempotent on an existing key: a duplicate is rejected and
// the size is left unchanged (§4.4).
func (p *LeafPage[K, V]) Insert(key K, value V) bool {
	idx := p.KeyIndex(key)
	if idx < p.GetSize() && p.Keys[idx] == key {
		return false
	}
	p.Keys = insertAt(p.Keys, idx, key)
	p.Values = insertAt(p.Values, idx, value)
	p.Size++
	return true
}

// RemoveAndDeleteRecord removes key if present, returning the resulting
// size (unchanged if key was absent).
func (p *LeafPage[K, V]) RemoveAndDeleteRecord(key K) int {
	idx := p.KeyIndex(key)
	if idx >= p.GetSize() || p.Keys[idx] != key {
		return p.GetSize()
	}
	p.Keys = removeAt(p.Keys, idx)
	p.Values = removeAt(p.Values, idx)
	p.Size--
	return p.GetSize()
}

// MoveHalfTo splits the upper half of p's entries into dst.
func (p *LeafPage[K, V]) MoveHalfTo(dst *LeafPage[K, V]) {
	mid := (p.GetSize() + 1) / 2
	dst.Keys = append(dst.Keys[:0:0], p.Keys[mid:p.GetSize()]...)
	dst.Values = append(dst.Values[:0:0], p.Values[mid:p.GetSize()]...)
	dst.Size = int32(len(dst.Values))

	p.Keys = p.Keys[:mid]
	p.Values = p.Values[:mid]
	p.Size = int32(mid)
}

// MoveAllTo appends p's entries onto dst and inherits p's next-page-id
// (a leaf Coalesce, §4.4).
func (p *LeafPage[K, V]) MoveAllTo(dst *LeafPage[K, V]) {
	dst.Keys = append(dst.Keys, p.Keys[:p.GetSize()]...)
	dst.Values = append(dst.Values, p.Values[:p.GetSize()]...)
	dst.Size += p.Size
	dst.NextPageID = p.NextPageID
	p.Size = 0
}

func (p *LeafPage[K, V]) MoveFirstToEndOf(dst *LeafPage[K, V]) {
	k, v := p.Keys[0], p.Values[0]
	p.Keys = removeAt(p.Keys, 0)
	p.Values = removeAt(p.Values, 0)
	p.Size--

	dst.Keys = append(dst.Keys, k)
	dst.Values = append(dst.Values, v)
	dst.Size++
}

func (p *LeafPage[K, V]) MoveLastToFrontOf(dst *LeafPage[K, V]) {
	lastIdx := p.GetSize() - 1
	k, v := p.Keys[lastIdx], p.Values[lastIdx]
	p.Keys = p.Keys[:lastIdx]
	p.Values = p.Values[:lastIdx]
	p.Size--

	dst.Keys = insertAt(dst.Keys, 0, k)
	dst.Values = insertAt(dst.Values, 0, v)
	dst.Size++
}
