package txn

// ItemSlot pairs a pending item with the pending item it superseded, if any.
// A slot whose Item is nil was invalidated by ResetItem.
type ItemSlot struct {
	Item *Item
	Old  *Item
}

// ItemList is the ordered, index-addressable collection of pending write
// items belonging to one transaction. It is owned exclusively by its
// transaction and guarded by the transaction's lock, so none of its methods
// lock on their own.
type ItemList struct {
	slots []ItemSlot
}

func NewItemList() *ItemList {
	return &ItemList{}
}

// add appends a slot and returns its index. Indices are dense and start at 0.
func (l *ItemList) add(item, old *Item) uint64 {
	l.slots = append(l.slots, ItemSlot{Item: item, Old: old})
	return uint64(len(l.slots) - 1)
}

// clear tombstones a single slot without shifting the indices other items
// have recorded.
func (l *ItemList) clear(idx uint64) {
	if idx < uint64(len(l.slots)) {
		l.slots[idx] = ItemSlot{}
	}
}

// Count is the raw slot count, tombstoned slots included.
func (l *ItemList) Count() int {
	return len(l.slots)
}

// Slots exposes the backing slots for the WAL to drain at commit. The caller
// must not retain the slice past the transaction's lifetime.
func (l *ItemList) Slots() []ItemSlot {
	return l.slots
}
