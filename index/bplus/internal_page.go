package bplus

import "cmp"

// InternalPage routes descent: Size children separated by Size-1
// separator keys. Keys[i] separates Values[i] from Values[i+1] (§3,
// §4.4).
type InternalPage[K cmp.Ordered] struct {
	pageHeader
	Keys   []K
	Values []int64
}

func newInternalPage[K cmp.Ordered](pageID, parentPageID int64, maxSize int) *InternalPage[K] {
	return &InternalPage[K]{
		pageHeader: pageHeader{PageType: InternalPageType, PageID: pageID, ParentPageID: parentPageID, MaxSize: int32(maxSize)},
		Keys:       make([]K, 0, maxSize),
		Values:     make([]int64, 0, maxSize+1),
	}
}

func (p *InternalPage[K]) KeyAt(i int) K       { return p.Keys[i] }
func (p *InternalPage[K]) SetKeyAt(i int, k K) { p.Keys[i] = k }
func (p *InternalPage[K]) ValueAt(i int) int64 { return p.Values[i] }

// ValueIndex returns the index of v among this page's children, or -1.
func (p *InternalPage[K]) ValueIndex(v int64) int {
	for i, val := range p.Values {
		if val == v {
			return i
		}
	}
	return -1
}

// Lookup finds the child to descend into for key: the last child whose
// preceding separator is <= key.
func (p *InternalPage[K]) Lookup(key K) int64 {
	lo, hi := 0, len(p.Keys)
	for lo < hi {
		mid := lo + (hi-lo)/2
		if p.Keys[mid] <= key {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	return p.Values[lo]
}

// PopulateNewRoot makes this page a fresh two-child root (§4.5.3).
func (p *InternalPage[K]) PopulateNewRoot(leftV int64, key K, rightV int64) {
	p.Keys = []K{key}
	p.Values = []int64{leftV, rightV}
	p.Size = 2
}

// InsertNodeAfter shifts in a new (key, child) pair immediately after
// oldV (§4.5.3).
func (p *InternalPage[K]) InsertNodeAfter(oldV int64, key K, newV int64) {
	idx := p.ValueIndex(oldV)
	p.Values = insertAt(p.Values, idx+1, newV)
	p.Keys = insertAt(p.Keys, idx, key)
	p.Size++
}

// Remove deletes the child at valueIdx along with its adjoining
// separator (§4.5.4's parent.Remove(index)).
func (p *InternalPage[K]) Remove(valueIdx int) {
	keyIdx := valueIdx - 1
	if keyIdx < 0 {
		keyIdx = 0
	}
	p.Values = removeAt(p.Values, valueIdx)
	if len(p.Keys) > 0 {
		p.Keys = removeAt(p.Keys, keyIdx)
	}
	p.Size--
}

// MoveHalfTo splits the upper half of p's children into dst, returning
// the separator that belongs at the parent (it is dropped from both
// halves here since it owns neither). Moved children are reparented to
// dst's page-id (§4.4, §4.5.3).
func (p *InternalPage[K]) MoveHalfTo(dst *InternalPage[K], reparent func(childPageID, newParent int64) error) (K, error) {
	size := p.GetSize()
	mid := (size + 1) / 2
	promoted := p.Keys[mid-1]

	dst.Values = append(dst.Values[:0:0], p.Values[mid:size]...)
	dst.Keys = append(dst.Keys[:0:0], p.Keys[mid:]...)
	dst.Size = int32(len(dst.Values))

	for _, childID := range dst.Values {
		if err := reparent(childID, dst.PageID); err != nil {
			var zero K
			return zero, err
		}
	}

	p.Values = p.Values[:mid]
	p.Keys = p.Keys[:mid-1]
	p.Size = int32(mid)
	return promoted, nil
}

// MoveAllTo appends p's entries onto dst under middleKey (the parent
// separator between them) and empties p — an internal Coalesce.
func (p *InternalPage[K]) MoveAllTo(dst *InternalPage[K], middleKey K, reparent func(childPageID, newParent int64) error) error {
	dst.Keys = append(dst.Keys, middleKey)
	dst.Keys = append(dst.Keys, p.Keys...)
	dst.Values = append(dst.Values, p.Values...)
	dst.Size += p.Size

	for _, childID := range p.Values {
		if err := reparent(childID, dst.PageID); err != nil {
			return err
		}
	}

	p.Size = 0
	p.Keys = nil
	p.Values = nil
	return nil
}

// MoveFirstToEndOf moves src's first child onto the end of dst, under
// key (the old parent separator between dst and src). Returns the
// separator src drops from its own front — dst and src's new boundary
// in the parent — so the caller can install it there; src's own
// post-move first key is a different value and must not be used for
// that purpose.
func (src *InternalPage[K]) MoveFirstToEndOf(dst *InternalPage[K], key K, reparent func(childPageID, newParent int64) error) (K, error) {
	v := src.Values[0]
	var detached K
	if len(src.Keys) > 0 {
		detached = src.Keys[0]
		src.Keys = removeAt(src.Keys, 0)
	}
	src.Values = removeAt(src.Values, 0)
	src.Size--

	dst.Keys = append(dst.Keys, key)
	dst.Values = append(dst.Values, v)
	dst.Size++

	return detached, reparent(v, dst.PageID)
}

// MoveLastToFrontOf moves src's last child onto the front of dst, under
// key (the old parent separator between src and dst). Returns the
// separator src drops from its own end — src and dst's new boundary in
// the parent — so the caller can install it there.
func (src *InternalPage[K]) MoveLastToFrontOf(dst *InternalPage[K], key K, reparent func(childPageID, newParent int64) error) (K, error) {
	lastIdx := len(src.Values) - 1
	v := src.Values[lastIdx]
	var detached K
	if len(src.Keys) > 0 {
		detached = src.Keys[len(src.Keys)-1]
		src.Keys = src.Keys[:len(src.Keys)-1]
	}
	src.Values = src.Values[:lastIdx]
	src.Size--

	dst.Values = insertAt(dst.Values, 0, v)
	dst.Keys = insertAt(dst.Keys, 0, key)
	dst.Size++

	return detached, reparent(v, dst.PageID)
}
