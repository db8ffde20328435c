package engine

import "errors"

// Status surface of the engine. Operations return nil on success and one of
// these sentinels (or a wrapped collaborator error) on failure; nothing
// panics across the package boundary.
var (
	ErrInvalidHandle         = errors.New("invalid handle")
	ErrHandleBusy            = errors.New("handle busy: another operation is running on this handle")
	ErrTransactionFail       = errors.New("transaction fail: no active transaction, or one already exists")
	ErrFailByRollback        = errors.New("denied: rollback in progress on this file")
	ErrEngineNotInstantiated = errors.New("engine not instantiated")
	ErrKeyNotFound           = errors.New("key not found")
	ErrInvalidArgs           = errors.New("invalid arguments")
)
