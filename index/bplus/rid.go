package bplus

// RID names a tuple by (page-id, slot-num) — the typical value type
// stored in a leaf when the tree indexes rows rather than arbitrary
// values (§12).
type RID struct {
	PageID  int64
	SlotNum uint32
}
