// Package engine is the GroveKV facade: it owns the process-wide engine
// singleton, the open-file table, the key/value data plane, and the
// transaction lifecycle (begin/end/abort).
package engine

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/grovekv/grovekv/core/filemgr"
	"github.com/grovekv/grovekv/core/handle"
	"github.com/grovekv/grovekv/pkg/logger"
	"github.com/grovekv/grovekv/pkg/telemetry"
)

// Config is the engine-wide configuration.
type Config struct {
	Logger    logger.Config    `yaml:"logger"`
	Telemetry telemetry.Config `yaml:"telemetry"`
}

// Engine is the process singleton coordinating all opened files.
type Engine struct {
	log         *zap.Logger
	metrics     *engineMetrics
	telShutdown telemetry.ShutdownFunc

	mu    sync.Mutex
	files map[string]*fileRef
}

// fileRef reference-counts one FileMgr across every FileHandle opened on the
// same path.
type fileRef struct {
	fm   *filemgr.FileMgr
	refs int
}

var (
	instanceMu sync.Mutex
	instance   *Engine
)

// Init creates the engine singleton, or returns the existing one. It must be
// called before any other entry point.
func Init(cfg Config) (*Engine, error) {
	instanceMu.Lock()
	defer instanceMu.Unlock()
	if instance != nil {
		return instance, nil
	}

	log, err := logger.New(cfg.Logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	tel, telShutdown, err := telemetry.New(cfg.Telemetry)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	metrics, err := newEngineMetrics(tel.Meter)
	if err != nil {
		return nil, fmt.Errorf("failed to register metrics: %w", err)
	}

	instance = &Engine{
		log:         log,
		metrics:     metrics,
		telShutdown: telShutdown,
		files:       make(map[string]*fileRef),
	}
	log.Info("engine initialized")
	return instance, nil
}

// Instance returns the engine singleton, nil if Init has not been called.
func Instance() *Engine {
	instanceMu.Lock()
	defer instanceMu.Unlock()
	return instance
}

// Shutdown tears the singleton down, closing every still-open file.
func Shutdown() {
	instanceMu.Lock()
	e := instance
	instance = nil
	instanceMu.Unlock()
	if e == nil {
		return
	}

	e.mu.Lock()
	for _, ref := range e.files {
		ref.fm.Close()
	}
	e.files = make(map[string]*fileRef)
	e.mu.Unlock()

	if err := e.telShutdown(context.Background()); err != nil {
		e.log.Warn("telemetry shutdown failed", zap.Error(err))
	}
	e.log.Info("engine shut down")
	_ = e.log.Sync()
}

// Open opens (creating if necessary) the database file at path and returns a
// fresh session container for it. Handles opened on the same path share one
// file manager, and with it the file's status, header, and WAL.
func (e *Engine) Open(path string, cfg handle.Config) (*handle.FileHandle, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	ref := e.files[path]
	if ref == nil {
		fm, err := filemgr.New(path, e.log.Named("filemgr"))
		if err != nil {
			return nil, err
		}
		ref = &fileRef{fm: fm}
		e.files[path] = ref
	}
	ref.refs++
	return handle.NewFileHandle(ref.fm, cfg), nil
}

// Close releases a session container. A handle with an active transaction
// cannot be closed; end or abort it first. The underlying file manager is
// closed when its last handle goes away.
func (e *Engine) Close(fh *handle.FileHandle) error {
	if fh == nil || fh.RootHandle() == nil {
		return ErrInvalidHandle
	}
	if fh.RootHandle().Txn() != nil {
		return ErrTransactionFail
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	path := fh.RootHandle().File().Path()
	ref := e.files[path]
	if ref == nil {
		return ErrInvalidHandle
	}
	ref.refs--
	if ref.refs <= 0 {
		ref.fm.Close()
		delete(e.files, path)
	}
	return nil
}
