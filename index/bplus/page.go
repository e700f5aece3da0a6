// Package bplus implements the B+Tree page family (C4) and the
// latch-crabbing B+Tree built on top of it (C5): ordered indexed access
// with concurrent search, insert, delete, and range iteration.
package bplus

// PageType discriminates an internal page from a leaf page via the
// page's header (§4.4).
type PageType int32

const (
	InvalidPageType PageType = iota
	InternalPageType
	LeafPageType
)

// pageHeader is the common prefix every B+Tree page carries.
type pageHeader struct {
	PageType     PageType
	Size         int32
	MaxSize      int32
	PageID       int64
	ParentPageID int64
}

func (h *pageHeader) IsLeafPage() bool       { return h.PageType == LeafPageType }
func (h *pageHeader) GetSize() int           { return int(h.Size) }
func (h *pageHeader) GetMaxSize() int        { return int(h.MaxSize) }

// minSize is ceil(max/2) for leaves, ceil((max+1)/2) for internal pages
// (§3 Data Model).
func (h *pageHeader) minSize() int {
	if h.PageType == LeafPageType {
		return (int(h.MaxSize) + 1) / 2
	}
	return (int(h.MaxSize) + 2) / 2
}

func insertAt[T any](s []T, idx int, v T) []T {
	var zero T
	s = append(s, zero)
	copy(s[idx+1:], s[idx:])
	s[idx] = v
	return s
}

func removeAt[T any](s []T, idx int) []T {
	return append(s[:idx], s[idx+1:]...)
}
