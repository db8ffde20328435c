// Package txn holds the transaction data model: the Transaction itself, its
// pending write-item list, and the wrapper record the WAL uses to find the
// owning transaction.
package txn

import (
	"sync"
	"sync/atomic"
)

// IsolationLevel controls visibility of uncommitted writes to other readers.
// It is recorded and forwarded to the collaborators that consume it; the
// lifecycle code never interprets it.
type IsolationLevel uint8

const (
	IsolationReadCommitted IsolationLevel = iota + 1
	IsolationReadUncommitted
)

// Action is the kind of mutation a pending item carries.
type Action uint8

const (
	ActionSet Action = iota + 1
	ActionDelete
)

// SeqNum is the commit sequence number assigned to an item when its
// transaction's entries are moved into the committed index.
type SeqNum uint64

// InvalidSlot marks an item that is not (or no longer) parked in a
// transaction's item list.
const InvalidSlot = ^uint64(0)

// Item is a single pending write. Items are created by the WAL when a write
// lands and parked in the owning transaction's item list until commit or
// abort.
type Item struct {
	Key    []byte
	Value  []byte
	Action Action
	Seq    SeqNum

	// slot is the item's index in the owning transaction's item list,
	// InvalidSlot when the item has been superseded.
	slot uint64
}

// NewItem constructs a pending item. The item is not parked in any item list
// yet, so its slot starts out invalid; AddItem assigns the real index.
func NewItem(key, value []byte, action Action) *Item {
	return &Item{Key: key, Value: value, Action: action, slot: InvalidSlot}
}

// Slot returns the item's recorded index in its transaction's item list.
func (it *Item) Slot() uint64 { return it.slot }

// Session is the narrow view of the owning handle that a transaction keeps.
// The concrete handle type lives with the session layer.
type Session interface {
	SessionID() string
}

// Wrapper is the back-reference record through which the WAL finds the
// owning transaction. The WAL owns Wrapper instances; the transaction only
// points back at its own. For the lifetime of a transaction T:
// wrapper.Txn == T exactly when T.Wrapper() == wrapper.
type Wrapper struct {
	Txn *Transaction
}

// nextTxnID is the process-wide transaction id source. Ids are unique and
// strictly increasing for the lifetime of the process.
var nextTxnID atomic.Uint64

// Transaction is one atomic unit of writes bound to a single session handle.
type Transaction struct {
	isolation IsolationLevel
	session   Session
	id        uint64

	// Header position and revision at transaction start, the rollback and
	// visibility anchor. prevHdrBID may be the file manager's block
	// not-found sentinel when the transaction starts mid-compaction.
	prevHdrBID uint64
	prevRevnum uint64

	wrapper *Wrapper

	mu    sync.Mutex // guards items only
	items *ItemList
}

// New constructs a transaction and installs the back-pointer into the
// supplied WAL wrapper. Callers must only invoke this after the owning file's
// status has stabilized.
func New(isolation IsolationLevel, session Session, prevHdrBID, prevRevnum uint64, wrapper *Wrapper) *Transaction {
	t := &Transaction{
		isolation:  isolation,
		session:    session,
		id:         nextTxnID.Add(1),
		prevHdrBID: prevHdrBID,
		prevRevnum: prevRevnum,
		wrapper:    wrapper,
	}
	wrapper.Txn = t
	return t
}

func (t *Transaction) ID() uint64                { return t.id }
func (t *Transaction) Isolation() IsolationLevel { return t.isolation }
func (t *Transaction) Session() Session          { return t.session }
func (t *Transaction) PrevHdrBID() uint64        { return t.prevHdrBID }
func (t *Transaction) PrevRevnum() uint64        { return t.prevRevnum }
func (t *Transaction) Wrapper() *Wrapper         { return t.wrapper }

// AddItem appends a pending item (and the pending item it supersedes, if
// any) to the transaction's item list, creating the list on first insertion.
// It records the assigned slot index on the item and returns it.
func (t *Transaction) AddItem(item, old *Item) uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.items == nil {
		t.items = NewItemList()
	}
	idx := t.items.add(item, old)
	item.slot = idx
	return idx
}

// ResetItem clears the slot the item recorded for itself and invalidates the
// item's index. Used when an item is superseded without discarding the whole
// transaction. Other slots keep their indices.
func (t *Transaction) ResetItem(item *Item) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.items != nil && item.slot != InvalidSlot {
		t.items.clear(item.slot)
	}
	item.slot = InvalidSlot
}

// ResetItems discards the entire item list. Called before the transaction is
// retired on abort, and after a successful commit has drained the list.
func (t *Transaction) ResetItems() {
	t.mu.Lock()
	t.items = nil
	t.mu.Unlock()
}

// ItemCount reports the raw slot count of the item list, including slots
// cleared by ResetItem; the WAL skips cleared slots itself when it drains
// the list. Zero if no item was ever added.
func (t *Transaction) ItemCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.items == nil {
		return 0
	}
	return t.items.Count()
}

// Items returns the transaction's item list, nil if no item was ever added.
func (t *Transaction) Items() *ItemList {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.items
}

// Detach breaks the wrapper back-reference when the transaction is retired.
// The lifecycle operation that deregisters the transaction from the WAL is
// responsible for calling this exactly once.
func (t *Transaction) Detach() {
	if t.wrapper != nil {
		t.wrapper.Txn = nil
		t.wrapper = nil
	}
}
