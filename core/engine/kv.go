package engine

import (
	"context"

	"github.com/grovekv/grovekv/core/handle"
	"github.com/grovekv/grovekv/core/txn"
	"github.com/grovekv/grovekv/core/wal"
)

// Set writes key=value through the handle. Under an active transaction on
// the handle's root the write stays pending until EndTransaction; otherwise
// it is auto-committed.
func (e *Engine) Set(h *handle.KvsHandle, key, value []byte) error {
	if h == nil || h.FileHandle() == nil {
		return ErrInvalidHandle
	}
	if len(key) == 0 {
		return ErrInvalidArgs
	}
	if !h.BeginBusy() {
		return ErrHandleBusy
	}
	defer h.EndBusy()

	t, w := routeWal(h)
	if err := w.Insert(t, encodeKey(h, key), value); err != nil {
		return err
	}
	e.metrics.walWrites.Add(context.Background(), 1)
	return nil
}

// Get resolves key through the handle. A handle whose root holds a
// transaction sees that transaction's pending writes.
func (e *Engine) Get(h *handle.KvsHandle, key []byte) ([]byte, error) {
	if h == nil || h.FileHandle() == nil {
		return nil, ErrInvalidHandle
	}
	if len(key) == 0 {
		return nil, ErrInvalidArgs
	}
	if !h.BeginBusy() {
		return nil, ErrHandleBusy
	}
	defer h.EndBusy()

	t, w := routeWal(h)
	value, ok := w.Find(t, encodeKey(h, key))
	if !ok {
		return nil, ErrKeyNotFound
	}
	return value, nil
}

// Del removes key through the handle, transactionally when the root holds a
// transaction.
func (e *Engine) Del(h *handle.KvsHandle, key []byte) error {
	if h == nil || h.FileHandle() == nil {
		return ErrInvalidHandle
	}
	if len(key) == 0 {
		return ErrInvalidArgs
	}
	if !h.BeginBusy() {
		return ErrHandleBusy
	}
	defer h.EndBusy()

	t, w := routeWal(h)
	if err := w.Remove(t, encodeKey(h, key)); err != nil {
		return err
	}
	e.metrics.walWrites.Add(context.Background(), 1)
	return nil
}

// routeWal picks the transaction and WAL a data-plane operation targets.
// Under an active transaction on the handle's root, operations go to the
// WAL the transaction registered with, even if a redirect has since swapped
// the handle's file; otherwise they go to the handle's current file.
func routeWal(h *handle.KvsHandle) (*txn.Transaction, *wal.Wal) {
	root := h.FileHandle().RootHandle()
	t := root.Txn()
	if t != nil {
		if tf := root.TxnFile(); tf != nil {
			return t, tf.Wal()
		}
	}
	return t, h.File().Wal()
}

// encodeKey namespaces sub-keyspace keys under their keyspace name; root
// keys pass through unchanged. Keyspace names must not contain NUL.
func encodeKey(h *handle.KvsHandle, key []byte) []byte {
	if h.Type() != handle.KvsSub {
		return key
	}
	p := make([]byte, 0, len(h.Name())+1+len(key))
	p = append(p, h.Name()...)
	p = append(p, 0x00)
	return append(p, key...)
}
