package engine

import (
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/grovekv/grovekv/core/filemgr"
	"github.com/grovekv/grovekv/core/handle"
	"github.com/grovekv/grovekv/core/txn"
	"github.com/grovekv/grovekv/pkg/logger"
)

func testEngine(t *testing.T) *Engine {
	t.Helper()
	e, err := Init(Config{Logger: logger.Config{Level: "error", Format: "console"}})
	require.NoError(t, err)
	return e
}

func openTestFile(t *testing.T, e *Engine, cfg handle.Config) *handle.FileHandle {
	t.Helper()
	fh, err := e.Open(filepath.Join(t.TempDir(), "grove.db"), cfg)
	require.NoError(t, err)
	return fh
}

func TestLifecycleWithoutEngine(t *testing.T) {
	Shutdown()
	require.ErrorIs(t, BeginTransaction(nil, txn.IsolationReadCommitted), ErrEngineNotInstantiated)
	require.ErrorIs(t, EndTransaction(nil, CommitNormal), ErrEngineNotInstantiated)
	require.ErrorIs(t, AbortTransaction(nil), ErrEngineNotInstantiated)
}

func TestSecondBeginFails(t *testing.T) {
	e := testEngine(t)
	root := openTestFile(t, e, handle.Config{}).RootHandle()

	require.NoError(t, e.BeginTransaction(root, txn.IsolationReadCommitted))
	first := root.Txn()
	require.NotNil(t, first)

	require.ErrorIs(t, e.BeginTransaction(root, txn.IsolationReadCommitted), ErrTransactionFail)
	require.Same(t, first, root.Txn(), "failed begin must not disturb the active transaction")

	require.NoError(t, e.AbortTransaction(root))
}

func TestLifecycleDeniedOnSubHandle(t *testing.T) {
	e := testEngine(t)
	fh := openTestFile(t, e, handle.Config{})
	sub := fh.OpenKvs("users")

	require.ErrorIs(t, e.BeginTransaction(sub, txn.IsolationReadCommitted), ErrInvalidHandle)
	require.ErrorIs(t, e.AbortTransaction(sub), ErrTransactionFail, "no active transaction is checked first")

	// With a transaction active on the root, sub-handle lifecycle calls are
	// still denied, and the transaction is untouched.
	root := fh.RootHandle()
	require.NoError(t, e.BeginTransaction(root, txn.IsolationReadCommitted))
	require.ErrorIs(t, e.BeginTransaction(sub, txn.IsolationReadCommitted), ErrTransactionFail)
	require.ErrorIs(t, e.EndTransaction(sub, CommitNormal), ErrInvalidHandle)
	require.ErrorIs(t, e.AbortTransaction(sub), ErrInvalidHandle)
	require.NotNil(t, root.Txn())

	require.NoError(t, e.AbortTransaction(root))
}

func TestEndAbortWithoutTransaction(t *testing.T) {
	e := testEngine(t)
	root := openTestFile(t, e, handle.Config{}).RootHandle()

	require.ErrorIs(t, e.EndTransaction(root, CommitNormal), ErrTransactionFail)
	require.ErrorIs(t, e.AbortTransaction(root), ErrTransactionFail)
}

func TestNilHandle(t *testing.T) {
	e := testEngine(t)
	require.ErrorIs(t, e.BeginTransaction(nil, txn.IsolationReadCommitted), ErrInvalidHandle)
	require.ErrorIs(t, e.EndTransaction(nil, CommitNormal), ErrInvalidHandle)
	require.ErrorIs(t, e.AbortTransaction(nil), ErrInvalidHandle)
}

func TestTransactionIDsIncreaseAcrossHandles(t *testing.T) {
	e := testEngine(t)
	rootA := openTestFile(t, e, handle.Config{}).RootHandle()
	rootB := openTestFile(t, e, handle.Config{}).RootHandle()

	var prev uint64
	for i := 0; i < 10; i++ {
		root := rootA
		if i%2 == 1 {
			root = rootB
		}
		require.NoError(t, e.BeginTransaction(root, txn.IsolationReadCommitted))
		id := root.Txn().ID()
		require.Greater(t, id, prev)
		prev = id
		require.NoError(t, e.AbortTransaction(root))
	}
}

// Writes under a transaction either vanish entirely on abort or become
// durable and visible on end.
func TestTransactionScenario(t *testing.T) {
	e := testEngine(t)
	root := openTestFile(t, e, handle.Config{}).RootHandle()

	// Path A: abort.
	require.NoError(t, e.BeginTransaction(root, txn.IsolationReadCommitted))
	require.NoError(t, e.Set(root, []byte("a"), []byte("1")))
	require.Equal(t, 1, root.Txn().ItemCount())

	got, err := e.Get(root, []byte("a"))
	require.NoError(t, err)
	require.Equal(t, []byte("1"), got, "a transaction sees its own pending writes")

	require.NoError(t, e.AbortTransaction(root))
	require.Nil(t, root.Txn())
	_, err = e.Get(root, []byte("a"))
	require.ErrorIs(t, err, ErrKeyNotFound, "aborted write must leave no trace")

	// Path B: end.
	require.NoError(t, e.BeginTransaction(root, txn.IsolationReadCommitted))
	require.NoError(t, e.Set(root, []byte("a"), []byte("1")))
	require.NoError(t, e.EndTransaction(root, CommitNormal))
	require.Nil(t, root.Txn())

	got, err = e.Get(root, []byte("a"))
	require.NoError(t, err)
	require.Equal(t, []byte("1"), got)

	// Double begin without an intervening end/abort.
	require.NoError(t, e.BeginTransaction(root, txn.IsolationReadCommitted))
	require.ErrorIs(t, e.BeginTransaction(root, txn.IsolationReadCommitted), ErrTransactionFail)
	require.NoError(t, e.AbortTransaction(root))
}

func TestEndWithZeroItemsSkipsCommit(t *testing.T) {
	e := testEngine(t)
	root := openTestFile(t, e, handle.Config{}).RootHandle()
	file := root.File()

	file.Lock()
	revBefore := file.HeaderRevnum()
	file.Unlock()

	require.NoError(t, e.BeginTransaction(root, txn.IsolationReadCommitted))
	require.NoError(t, e.EndTransaction(root, CommitNormal))
	require.Nil(t, root.Txn())

	file.Lock()
	defer file.Unlock()
	require.Equal(t, revBefore, file.HeaderRevnum(), "empty transaction must not advance the header")
}

func TestBeginDeniedDuringRollback(t *testing.T) {
	e := testEngine(t)
	root := openTestFile(t, e, handle.Config{}).RootHandle()
	file := root.File()

	file.SetRollback(true)
	require.ErrorIs(t, e.BeginTransaction(root, txn.IsolationReadCommitted), ErrFailByRollback)
	require.Nil(t, root.Txn())

	file.SetRollback(false)
	require.NoError(t, e.BeginTransaction(root, txn.IsolationReadCommitted))
	require.NoError(t, e.AbortTransaction(root))
}

func TestAbortAllowedDuringRollback(t *testing.T) {
	e := testEngine(t)
	root := openTestFile(t, e, handle.Config{}).RootHandle()

	require.NoError(t, e.BeginTransaction(root, txn.IsolationReadCommitted))
	require.NoError(t, e.Set(root, []byte("a"), []byte("1")))

	root.File().SetRollback(true)
	defer root.File().SetRollback(false)

	require.NoError(t, e.AbortTransaction(root), "abort must stay possible during rollback")
	require.Nil(t, root.Txn())
}

func TestBeginRetriesWhileRemovalPending(t *testing.T) {
	e := testEngine(t)
	root := openTestFile(t, e, handle.Config{}).RootHandle()
	file := root.File()

	file.SetStatus(filemgr.StatusRemovedPending)
	go func() {
		time.Sleep(50 * time.Millisecond)
		file.SetStatus(filemgr.StatusNormal)
	}()

	require.NoError(t, e.BeginTransaction(root, txn.IsolationReadCommitted))
	require.NotNil(t, root.Txn())
	require.NoError(t, e.AbortTransaction(root))
}

func TestBeginDuringCompactionAnchorsOnSentinel(t *testing.T) {
	e := testEngine(t)
	root := openTestFile(t, e, handle.Config{}).RootHandle()

	root.File().SetStatus(filemgr.StatusCompactOld)
	require.NoError(t, e.BeginTransaction(root, txn.IsolationReadCommitted))
	require.Equal(t, uint64(filemgr.BlockNotFound), root.Txn().PrevHdrBID(),
		"mid-compaction there is no contiguous prior header")
	require.NoError(t, e.AbortTransaction(root))
}

// A file replacement landing mid-transaction must not strand the
// registration: abort discards and deregisters against the file the
// transaction registered with, not the replacement.
func TestAbortAfterRedirectCleansRegisteredWal(t *testing.T) {
	e := testEngine(t)
	fh := openTestFile(t, e, handle.Config{})
	root := fh.RootHandle()
	orig := root.File()

	require.NoError(t, e.BeginTransaction(root, txn.IsolationReadCommitted))
	require.NoError(t, e.Set(root, []byte("a"), []byte("1")))

	repl := openTestFile(t, e, handle.Config{}).RootHandle().File()
	fh.Redirect(repl)

	require.NoError(t, e.AbortTransaction(root))
	require.Same(t, repl, root.File(), "abort resolves the redirect")
	require.Zero(t, orig.Wal().TxnCount(), "registration must be released on the registering wal")
	_, ok := orig.Wal().Find(nil, []byte("a"))
	require.False(t, ok, "no trace of the aborted write may remain")
}

// The commit counterpart: a transaction's writes land in the committed
// index of the file it registered with, even after a redirect.
func TestEndAfterRedirectCommitsToRegisteredWal(t *testing.T) {
	e := testEngine(t)
	fh := openTestFile(t, e, handle.Config{})
	root := fh.RootHandle()
	orig := root.File()

	require.NoError(t, e.BeginTransaction(root, txn.IsolationReadCommitted))
	require.NoError(t, e.Set(root, []byte("a"), []byte("1")))

	repl := openTestFile(t, e, handle.Config{}).RootHandle().File()
	fh.Redirect(repl)

	require.NoError(t, e.EndTransaction(root, CommitNormal))
	require.Same(t, repl, root.File())
	require.Zero(t, orig.Wal().TxnCount())
	got, ok := orig.Wal().Find(nil, []byte("a"))
	require.True(t, ok, "the commit must land in the registering wal")
	require.Equal(t, []byte("1"), got)
	require.Nil(t, root.TxnFile())
}

func TestCommitFailureLeavesTransactionActive(t *testing.T) {
	e := testEngine(t)
	root := openTestFile(t, e, handle.Config{}).RootHandle()

	require.NoError(t, e.BeginTransaction(root, txn.IsolationReadCommitted))
	require.NoError(t, e.Set(root, []byte("a"), []byte("1")))

	root.File().Close()
	err := e.EndTransaction(root, CommitNormal)
	require.ErrorIs(t, err, filemgr.ErrFileClosed)
	require.NotNil(t, root.Txn(), "failed commit must leave the transaction active")
	require.Equal(t, 1, root.Txn().ItemCount(), "failed commit must leave the item list intact")

	// The caller's way out is an explicit abort.
	require.NoError(t, e.AbortTransaction(root))
	require.Nil(t, root.Txn())
}

func TestLifecycleDeniedWhileHandleBusy(t *testing.T) {
	e := testEngine(t)
	root := openTestFile(t, e, handle.Config{}).RootHandle()

	require.True(t, root.BeginBusy())
	require.ErrorIs(t, e.BeginTransaction(root, txn.IsolationReadCommitted), ErrHandleBusy)
	root.EndBusy()

	require.NoError(t, e.BeginTransaction(root, txn.IsolationReadCommitted))
	require.True(t, root.BeginBusy())
	require.ErrorIs(t, e.EndTransaction(root, CommitNormal), ErrHandleBusy)
	require.ErrorIs(t, e.AbortTransaction(root), ErrHandleBusy)
	root.EndBusy()
	require.NoError(t, e.AbortTransaction(root))
}

func TestConcurrentBeginsSingleWinner(t *testing.T) {
	e := testEngine(t)
	root := openTestFile(t, e, handle.Config{}).RootHandle()

	const callers = 8
	var wg sync.WaitGroup
	errs := make([]error, callers)
	wg.Add(callers)
	for i := 0; i < callers; i++ {
		go func(i int) {
			defer wg.Done()
			errs[i] = e.BeginTransaction(root, txn.IsolationReadCommitted)
		}(i)
	}
	wg.Wait()

	wins := 0
	for _, err := range errs {
		if err == nil {
			wins++
			continue
		}
		require.True(t, err == ErrHandleBusy || err == ErrTransactionFail,
			"unexpected error: %v", err)
	}
	require.Equal(t, 1, wins, "exactly one concurrent begin may win")
	require.NotNil(t, root.Txn())
	require.NoError(t, e.AbortTransaction(root))
}

func TestSubKeyspaceDataIsNamespaced(t *testing.T) {
	e := testEngine(t)
	fh := openTestFile(t, e, handle.Config{})
	root := fh.RootHandle()
	users := fh.OpenKvs("users")

	require.NoError(t, e.Set(root, []byte("k"), []byte("root")))
	require.NoError(t, e.Set(users, []byte("k"), []byte("sub")))

	got, err := e.Get(root, []byte("k"))
	require.NoError(t, err)
	require.Equal(t, []byte("root"), got)

	got, err = e.Get(users, []byte("k"))
	require.NoError(t, err)
	require.Equal(t, []byte("sub"), got)
}

func TestTransactionalWritesOnSubHandle(t *testing.T) {
	e := testEngine(t)
	fh := openTestFile(t, e, handle.Config{})
	root := fh.RootHandle()
	users := fh.OpenKvs("users")

	require.NoError(t, e.BeginTransaction(root, txn.IsolationReadCommitted))
	require.NoError(t, e.Set(users, []byte("k"), []byte("v")))
	require.Equal(t, 1, root.Txn().ItemCount(), "sub-handle writes land in the root's transaction")

	require.NoError(t, e.AbortTransaction(root))
	_, err := e.Get(users, []byte("k"))
	require.ErrorIs(t, err, ErrKeyNotFound)
}

func TestAsyncDurabilityCommit(t *testing.T) {
	e := testEngine(t)
	root := openTestFile(t, e, handle.Config{Durability: handle.DurabilityAsync}).RootHandle()

	require.NoError(t, e.BeginTransaction(root, txn.IsolationReadCommitted))
	require.NoError(t, e.Set(root, []byte("a"), []byte("1")))
	require.NoError(t, e.EndTransaction(root, CommitFlushWal))

	got, err := e.Get(root, []byte("a"))
	require.NoError(t, err)
	require.Equal(t, []byte("1"), got)
}

func TestCloseDeniedWithActiveTransaction(t *testing.T) {
	e := testEngine(t)
	fh := openTestFile(t, e, handle.Config{})
	root := fh.RootHandle()

	require.NoError(t, e.BeginTransaction(root, txn.IsolationReadCommitted))
	require.ErrorIs(t, e.Close(fh), ErrTransactionFail)

	require.NoError(t, e.AbortTransaction(root))
	require.NoError(t, e.Close(fh))
}

func TestHandlesOnSamePathShareFile(t *testing.T) {
	e := testEngine(t)
	path := filepath.Join(t.TempDir(), "shared.db")

	fh1, err := e.Open(path, handle.Config{})
	require.NoError(t, err)
	fh2, err := e.Open(path, handle.Config{})
	require.NoError(t, err)
	require.Same(t, fh1.RootHandle().File(), fh2.RootHandle().File())

	// Committed writes through one handle are visible through the other.
	require.NoError(t, e.Set(fh1.RootHandle(), []byte("a"), []byte("1")))
	got, err := e.Get(fh2.RootHandle(), []byte("a"))
	require.NoError(t, err)
	require.Equal(t, []byte("1"), got)

	require.NoError(t, e.Close(fh1))
	require.NoError(t, e.Close(fh2))
}
