// Package handle implements session handles: the per-caller objects bound to
// a database file, optionally scoped to one named keyspace inside it. The
// root handle of a file coordinates the shared per-file resources, including
// the file's single transaction slot.
package handle

import (
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/grovekv/grovekv/core/filemgr"
	"github.com/grovekv/grovekv/core/txn"
)

// KvsType distinguishes the root handle from named sub-keyspace handles.
type KvsType uint8

const (
	// KvsRoot coordinates shared per-file resources; only root handles may
	// hold transactions.
	KvsRoot KvsType = iota
	// KvsSub addresses a single named keyspace and cannot hold transactions.
	KvsSub
)

// Durability selects whether commits request a synchronous flush.
type Durability uint8

const (
	DurabilitySync Durability = iota
	DurabilityAsync
)

// Config is the per-handle session configuration.
type Config struct {
	Durability Durability `yaml:"durability"`
}

// FileHandle is the top-level session container for one opened file: the
// root handle plus any named sub-keyspace handles opened through it.
type FileHandle struct {
	root *KvsHandle

	mu   sync.Mutex
	subs map[string]*KvsHandle

	// redirect is installed by the actor that replaces the underlying file
	// (removal resolution, compaction completion); CheckFileReopen swaps
	// handles over to it.
	redirect atomic.Pointer[filemgr.FileMgr]

	// reopenErr, when set, is surfaced by CheckFileReopen; the file is gone
	// and cannot be reopened.
	reopenErr atomic.Pointer[error]
}

// NewFileHandle binds a session container to a file manager.
func NewFileHandle(file *filemgr.FileMgr, cfg Config) *FileHandle {
	fh := &FileHandle{subs: make(map[string]*KvsHandle)}
	fh.root = &KvsHandle{
		id:      uuid.NewString(),
		kvsType: KvsRoot,
		fh:      fh,
		file:    file,
		config:  cfg,
	}
	return fh
}

// RootHandle returns the root session handle.
func (fh *FileHandle) RootHandle() *KvsHandle { return fh.root }

// OpenKvs returns the session handle for the named keyspace, creating it on
// first use. Sub handles share the root's file and configuration.
func (fh *FileHandle) OpenKvs(name string) *KvsHandle {
	fh.mu.Lock()
	defer fh.mu.Unlock()
	if h, ok := fh.subs[name]; ok {
		return h
	}
	h := &KvsHandle{
		id:      uuid.NewString(),
		kvsType: KvsSub,
		name:    name,
		fh:      fh,
		file:    fh.root.file,
		config:  fh.root.config,
	}
	fh.subs[name] = h
	return h
}

// Redirect points future reopens at a replacement file manager.
func (fh *FileHandle) Redirect(file *filemgr.FileMgr) {
	fh.redirect.Store(file)
}

// FailReopen makes subsequent CheckFileReopen calls surface err.
func (fh *FileHandle) FailReopen(err error) {
	fh.reopenErr.Store(&err)
}

// KvsHandle is one session on a file. At most one mutating operation runs on
// a handle at a time, enforced by the busy guard.
type KvsHandle struct {
	id      string
	kvsType KvsType
	name    string // keyspace name, empty for root
	fh      *FileHandle
	config  Config

	busy atomic.Bool

	// file is the handle's current view of the underlying file; replaced by
	// CheckFileReopen when the file was swapped out underneath us. Only
	// mutated while the busy guard is held.
	file *filemgr.FileMgr

	// txn is the handle's active transaction, nil when there is none. Root
	// handles only. Mutated only by the lifecycle operations under the busy
	// guard, but read by precondition checks before the guard is taken.
	txn atomic.Pointer[txn.Transaction]

	// txnFile is the file manager the active transaction registered with at
	// begin. A redirect may swap the handle's file mid-transaction; WAL
	// operations for the transaction must keep targeting this instance.
	// Set before txn at begin, cleared after txn at retire.
	txnFile atomic.Pointer[filemgr.FileMgr]

	// In-memory snapshot of the file's header state, refreshed by
	// SyncHeader under the file-wide mutex.
	lastHdrBID   uint64
	curHdrRevnum uint64
}

// SessionID returns the handle's unique session id. This is the identity a
// transaction retains for its owning handle.
func (h *KvsHandle) SessionID() string { return h.id }

func (h *KvsHandle) Type() KvsType             { return h.kvsType }
func (h *KvsHandle) Name() string              { return h.name }
func (h *KvsHandle) FileHandle() *FileHandle   { return h.fh }
func (h *KvsHandle) File() *filemgr.FileMgr    { return h.file }
func (h *KvsHandle) Config() Config            { return h.config }
func (h *KvsHandle) LastHdrBID() uint64        { return h.lastHdrBID }
func (h *KvsHandle) CurHeaderRevnum() uint64   { return h.curHdrRevnum }
func (h *KvsHandle) Txn() *txn.Transaction     { return h.txn.Load() }
func (h *KvsHandle) SetTxn(t *txn.Transaction) { h.txn.Store(t) }

// TxnFile returns the file manager the active transaction registered with,
// nil when no transaction is active.
func (h *KvsHandle) TxnFile() *filemgr.FileMgr { return h.txnFile.Load() }

func (h *KvsHandle) SetTxnFile(f *filemgr.FileMgr) { h.txnFile.Store(f) }

// BeginBusy claims the handle's busy guard. It returns false when another
// mutating operation is already running on the handle.
func (h *KvsHandle) BeginBusy() bool {
	return h.busy.CompareAndSwap(false, true)
}

// EndBusy releases the busy guard. Every BeginBusy must be matched on all
// exit paths.
func (h *KvsHandle) EndBusy() {
	h.busy.Store(false)
}

// SyncHeader refreshes the handle's in-memory header snapshot from the
// shared file state. Callers must hold the file-wide mutex.
func (h *KvsHandle) SyncHeader() {
	h.lastHdrBID = h.file.HeaderBID()
	h.curHdrRevnum = h.file.HeaderRevnum()
}

// CheckFileReopen resolves a pending file replacement: when another actor
// swapped the underlying file (removal resolution, compaction completion),
// the handle is moved over to the new file manager. Callers must hold the
// busy guard but not the file-wide mutex.
func (h *KvsHandle) CheckFileReopen() error {
	if perr := h.fh.reopenErr.Load(); perr != nil {
		return *perr
	}
	if nf := h.fh.redirect.Load(); nf != nil && nf != h.file {
		h.file = nf
	}
	return nil
}
