package engine

import (
	"context"
	"runtime"

	"go.uber.org/zap"

	"github.com/grovekv/grovekv/core/filemgr"
	"github.com/grovekv/grovekv/core/handle"
	"github.com/grovekv/grovekv/core/txn"
)

// CommitOpt is the caller directive on EndTransaction controlling how the
// commit is forced. It is passed through to the commit pipeline unchanged.
type CommitOpt uint8

const (
	CommitNormal CommitOpt = iota
	CommitFlushWal
)

// BeginTransaction, EndTransaction, and AbortTransaction are the package
// entry points; they route through the engine singleton and fail with
// ErrEngineNotInstantiated when there is none.

func BeginTransaction(h *handle.KvsHandle, isolation txn.IsolationLevel) error {
	if e := Instance(); e != nil {
		return e.BeginTransaction(h, isolation)
	}
	return ErrEngineNotInstantiated
}

func EndTransaction(h *handle.KvsHandle, opt CommitOpt) error {
	if e := Instance(); e != nil {
		return e.EndTransaction(h, opt)
	}
	return ErrEngineNotInstantiated
}

func AbortTransaction(h *handle.KvsHandle) error {
	if e := Instance(); e != nil {
		return e.AbortTransaction(h)
	}
	return ErrEngineNotInstantiated
}

// rootForLifecycle validates the handle chain and returns the root handle
// that owns the file's transaction slot.
func rootForLifecycle(h *handle.KvsHandle) (*handle.KvsHandle, error) {
	if h == nil || h.FileHandle() == nil || h.FileHandle().RootHandle() == nil {
		return nil, ErrInvalidHandle
	}
	return h.FileHandle().RootHandle(), nil
}

// stabilizeFile runs the reopen/lock/sync-header loop until the file status
// is no longer removal-pending. On success the stabilized file manager is
// returned with its file-wide mutex held; the caller must unlock it. Callers
// must hold the root handle's busy guard.
func (e *Engine) stabilizeFile(root *handle.KvsHandle) (*filemgr.FileMgr, error) {
	for {
		if err := root.CheckFileReopen(); err != nil {
			return nil, err
		}
		file := root.File()
		file.Lock()
		root.SyncHeader()
		if file.Status() != filemgr.StatusRemovedPending {
			return file, nil
		}
		// Another thread is mid-removal; back off and start over.
		file.Unlock()
		runtime.Gosched()
	}
}

// BeginTransaction starts a transaction on the handle's root with the given
// isolation level. A handle holds at most one transaction at a time, and
// only root handles of a multi-keyspace file may hold one.
func (e *Engine) BeginTransaction(h *handle.KvsHandle, isolation txn.IsolationLevel) error {
	root, err := rootForLifecycle(h)
	if err != nil {
		return err
	}
	if root.Txn() != nil {
		// transaction already exists
		return ErrTransactionFail
	}
	if h.Type() == handle.KvsSub {
		// deny transaction on sub handle
		return ErrInvalidHandle
	}
	if !root.BeginBusy() {
		return ErrHandleBusy
	}
	// Re-check under the guard: a concurrent begin may have won between the
	// precondition check and claiming the guard.
	if root.Txn() != nil {
		root.EndBusy()
		return ErrTransactionFail
	}

	file, err := e.stabilizeFile(root)
	if err != nil {
		root.EndBusy()
		return err
	}
	if file.IsRollbackInProgress() {
		// deny beginning transaction during rollback
		file.Unlock()
		root.EndBusy()
		return ErrFailByRollback
	}

	hdrBID := root.LastHdrBID()
	if file.Status() == filemgr.StatusCompactOld {
		// The transaction will work on the new file; there is no previous
		// header until the compaction is done.
		hdrBID = filemgr.BlockNotFound
	}
	t := txn.New(isolation, root, hdrBID, root.CurHeaderRevnum(), &txn.Wrapper{})
	root.SetTxnFile(file)
	root.SetTxn(t)
	file.Wal().AddTransaction(t)

	file.Unlock()
	root.EndBusy()

	e.metrics.txnBegun.Add(context.Background(), 1)
	e.log.Debug("transaction begun",
		zap.Uint64("txn_id", t.ID()),
		zap.String("session", root.SessionID()),
		zap.Uint64("prev_hdr_bid", t.PrevHdrBID()),
		zap.Uint64("prev_revnum", t.PrevRevnum()))
	return nil
}

// AbortTransaction discards the handle's active transaction: every entry it
// placed in the WAL is dropped so no trace of its writes remains. Unlike
// begin, abort stays possible while a rollback is in progress, since
// rollback relies on it to unwind state.
func (e *Engine) AbortTransaction(h *handle.KvsHandle) error {
	root, err := rootForLifecycle(h)
	if err != nil {
		return err
	}
	if root.Txn() == nil {
		// there is no transaction started
		return ErrTransactionFail
	}
	if h.Type() == handle.KvsSub {
		return ErrInvalidHandle
	}
	if !root.BeginBusy() {
		return ErrHandleBusy
	}
	t := root.Txn()
	if t == nil {
		// lost a race against a concurrent end/abort
		root.EndBusy()
		return ErrTransactionFail
	}

	file, err := e.stabilizeFile(root)
	if err != nil {
		root.EndBusy()
		return err
	}

	// Discard against the WAL the transaction registered with: a redirect
	// may have swapped root's file since begin.
	txnWal := root.TxnFile().Wal()
	txnWal.DiscardTxnEntries(t)
	txnWal.RemoveTransaction(t)
	t.ResetItems()
	t.Detach()
	root.SetTxn(nil)
	root.SetTxnFile(nil)

	file.Unlock()
	root.EndBusy()

	e.metrics.txnAborted.Add(context.Background(), 1)
	e.log.Debug("transaction aborted",
		zap.Uint64("txn_id", t.ID()), zap.String("session", root.SessionID()))
	return nil
}

// EndTransaction commits the handle's active transaction and retires it. If
// the commit fails the transaction stays active and intact; the caller may
// retry or abort. Observing a nil transaction slot afterwards implies every
// write was applied (and flushed, under synchronous durability) before the
// transaction was deregistered.
func (e *Engine) EndTransaction(h *handle.KvsHandle, opt CommitOpt) error {
	root, err := rootForLifecycle(h)
	if err != nil {
		return err
	}
	if root.Txn() == nil {
		return ErrTransactionFail
	}
	if h.Type() == handle.KvsSub {
		return ErrInvalidHandle
	}
	if !root.BeginBusy() {
		return ErrHandleBusy
	}
	t := root.Txn()
	if t == nil {
		// lost a race against a concurrent end/abort
		root.EndBusy()
		return ErrTransactionFail
	}

	if t.ItemCount() > 0 {
		sync := root.Config().Durability != handle.DurabilityAsync
		if err := e.commitWithHandle(root, opt, sync); err != nil {
			root.EndBusy()
			return err
		}
	}

	file, err := e.stabilizeFile(root)
	if err != nil {
		root.EndBusy()
		return err
	}

	root.TxnFile().Wal().RemoveTransaction(t)
	t.Detach()
	root.SetTxn(nil)
	root.SetTxnFile(nil)

	file.Unlock()
	root.EndBusy()

	e.metrics.txnCommitted.Add(context.Background(), 1)
	e.log.Debug("transaction ended",
		zap.Uint64("txn_id", t.ID()), zap.String("session", root.SessionID()))
	return nil
}

// commitWithHandle is the commit delegate: it moves the transaction's
// pending items into the committed index of the file the transaction
// registered with and advances that file's header. The file-wide mutex is
// taken only here, never held by the lifecycle caller across the commit.
func (e *Engine) commitWithHandle(root *handle.KvsHandle, opt CommitOpt, sync bool) error {
	file := root.TxnFile()
	if file.IsClosed() {
		return filemgr.ErrFileClosed
	}
	t := root.Txn()

	file.Lock()
	file.Wal().CommitTxnEntries(t)
	bid, revnum := file.CommitHeader()
	file.Unlock()

	t.ResetItems()

	e.log.Debug("commit applied",
		zap.Uint64("txn_id", t.ID()),
		zap.Uint64("header_bid", bid),
		zap.Uint64("revnum", revnum),
		zap.Uint8("commit_opt", uint8(opt)),
		zap.Bool("sync", sync))
	return nil
}
