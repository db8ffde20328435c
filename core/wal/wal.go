// Package wal implements the write-ahead-log index of a database file: the
// structure that parks pending mutations before they are merged into the
// primary index. It groups pending entries per transaction and supports
// registering, discarding, and committing a transaction's entries as a unit.
//
// Durable log persistence and replay live elsewhere; this package is the
// in-memory grouping and visibility layer the transaction lifecycle drives.
package wal

import (
	"bytes"
	"errors"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/grovekv/grovekv/core/txn"
)

var (
	// ErrTxnNotRegistered is returned when a write arrives under a
	// transaction the WAL has never been told about.
	ErrTxnNotRegistered = errors.New("transaction not registered with wal")
)

// Wal is the per-file write-ahead-log index.
type Wal struct {
	log *zap.Logger

	mu sync.Mutex
	// Registered transactions, keyed by transaction id. The Wal owns the
	// wrapper records; transactions hold only a back-pointer.
	txns map[uint64]*txn.Wrapper
	// Pending (uncommitted) entries per transaction: txn id -> key -> item.
	pending map[uint64]map[string]*txn.Item
	// Committed index: latest committed item per key, tombstones included.
	committed map[string]*txn.Item

	seq atomic.Uint64 // commit sequence numbers
}

func New(log *zap.Logger) *Wal {
	return &Wal{
		log:       log,
		txns:      make(map[uint64]*txn.Wrapper),
		pending:   make(map[uint64]map[string]*txn.Item),
		committed: make(map[string]*txn.Item),
	}
}

// AddTransaction registers a transaction's wrapper. The caller guarantees a
// transaction is registered at most once.
func (w *Wal) AddTransaction(t *txn.Transaction) {
	w.mu.Lock()
	w.txns[t.ID()] = t.Wrapper()
	w.mu.Unlock()
	w.log.Debug("wal: transaction registered", zap.Uint64("txn_id", t.ID()))
}

// RemoveTransaction releases the transaction's wrapper record. Called by the
// lifecycle operation that retires the transaction, on both the commit and
// the discard path.
func (w *Wal) RemoveTransaction(t *txn.Transaction) {
	w.mu.Lock()
	delete(w.txns, t.ID())
	w.mu.Unlock()
	w.log.Debug("wal: transaction deregistered", zap.Uint64("txn_id", t.ID()))
}

// TxnCount reports how many transactions are currently registered.
func (w *Wal) TxnCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.txns)
}

// Insert records a pending set for the transaction, or an immediately
// committed entry when t is nil (auto-commit write). A pending write that
// supersedes an earlier pending write for the same key invalidates the
// superseded item's slot in the transaction's item list.
func (w *Wal) Insert(t *txn.Transaction, key, value []byte) error {
	return w.append(t, txn.NewItem(key, value, txn.ActionSet))
}

// Remove records a pending delete marker for the key, or an immediately
// committed tombstone when t is nil.
func (w *Wal) Remove(t *txn.Transaction, key []byte) error {
	return w.append(t, txn.NewItem(key, nil, txn.ActionDelete))
}

func (w *Wal) append(t *txn.Transaction, item *txn.Item) error {
	if t == nil {
		item.Seq = txn.SeqNum(w.seq.Add(1))
		w.mu.Lock()
		w.committed[string(item.Key)] = item
		w.mu.Unlock()
		return nil
	}

	w.mu.Lock()
	if _, ok := w.txns[t.ID()]; !ok {
		w.mu.Unlock()
		return ErrTxnNotRegistered
	}
	entries := w.pending[t.ID()]
	if entries == nil {
		entries = make(map[string]*txn.Item)
		w.pending[t.ID()] = entries
	}
	old := entries[string(item.Key)]
	entries[string(item.Key)] = item
	w.mu.Unlock()

	t.AddItem(item, old)
	if old != nil {
		t.ResetItem(old)
	}
	return nil
}

// Find resolves a key. A transaction sees its own pending writes first and
// falls through to the committed index; a nil transaction sees only the
// committed index. The second return is false when the key is absent or
// tombstoned. The returned value is the caller's to keep; it never aliases
// the stored item.
func (w *Wal) Find(t *txn.Transaction, key []byte) ([]byte, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if t != nil {
		if item, ok := w.pending[t.ID()][string(key)]; ok {
			if item.Action == txn.ActionDelete {
				return nil, false
			}
			return bytes.Clone(item.Value), true
		}
	}
	item, ok := w.committed[string(key)]
	if !ok || item.Action == txn.ActionDelete {
		return nil, false
	}
	return bytes.Clone(item.Value), true
}

// DiscardTxnEntries drops every pending entry belonging to the transaction
// so no trace of its writes remains. The abort path calls this before
// deregistering the transaction.
func (w *Wal) DiscardTxnEntries(t *txn.Transaction) {
	w.mu.Lock()
	n := len(w.pending[t.ID()])
	delete(w.pending, t.ID())
	w.mu.Unlock()
	w.log.Debug("wal: discarded transaction entries",
		zap.Uint64("txn_id", t.ID()), zap.Int("entries", n))
}

// CommitTxnEntries drains the transaction's item list into the committed
// index in insertion order, assigning commit sequence numbers. Slots cleared
// by superseded writes are skipped. The commit delegate calls this with the
// file-wide mutex held.
func (w *Wal) CommitTxnEntries(t *txn.Transaction) {
	items := t.Items()
	if items == nil {
		return
	}

	w.mu.Lock()
	n := 0
	for _, slot := range items.Slots() {
		if slot.Item == nil {
			continue
		}
		slot.Item.Seq = txn.SeqNum(w.seq.Add(1))
		w.committed[string(slot.Item.Key)] = slot.Item
		n++
	}
	delete(w.pending, t.ID())
	w.mu.Unlock()
	w.log.Debug("wal: committed transaction entries",
		zap.Uint64("txn_id", t.ID()), zap.Int("entries", n))
}
