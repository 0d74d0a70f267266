package fluxcore

import (
	"errors"
)

// Store errors
var (
	// ErrReentrantRun is logged at Debug level when a run() call finds the run
	// lock already held. It is never returned to callers of Dispatch
	// (reentrancy is silently absorbed, per spec).
	ErrReentrantRun = errors.New("fluxcore: run already in progress")

	// ErrReducerFailure wraps any error returned by a caller's Reducer.
	ErrReducerFailure = errors.New("fluxcore: reducer failed")

	// ErrStoreFinished is returned by Dispatch once the store has fully
	// drained a FinishEvent and cleared its registries.
	ErrStoreFinished = errors.New("fluxcore: store has finished and accepts no further dispatch")

	// ErrNilReducer is returned by NewStore when reducer is nil.
	ErrNilReducer = errors.New("fluxcore: reducer must not be nil")

	// ErrNilCallable names a nil callable passed at registration. No function
	// in this package returns it: Store.Subscribe, SubscribeEvent and
	// SubscribeEventZeroArg ignore a nil callable and return a no-op
	// unsubscribe thunk, and Autorun construction and Autorun.Subscribe do
	// not check for nil.
	ErrNilCallable = errors.New("fluxcore: callable must not be nil")
)

// Autorun errors
var (
	// ErrSelectorShapeMismatch marks a selector panic recovered during
	// re-evaluation (e.g. a type assertion on a field the current state
	// doesn't yet have). The autorun silently skips the tick; this error is
	// only ever passed to a Logger, never returned to a caller.
	ErrSelectorShapeMismatch = errors.New("fluxcore: selector does not match current state shape")

	// ErrAutorunFuncGone marks an autorun whose boxed function has been
	// garbage collected; the autorun becomes permanently inert.
	ErrAutorunFuncGone = errors.New("fluxcore: autorun function reference is gone")
)

// Worker/handler errors
var (
	// ErrHandlerFailure wraps a panic or error recovered from a single event
	// handler invocation. It never propagates past the worker (or, for
	// immediate-mode handlers, past the run loop); it is only ever logged.
	ErrHandlerFailure = errors.New("fluxcore: event handler failed")

	// ErrListenerFailure wraps a panic or error recovered from a single state
	// listener invocation.
	ErrListenerFailure = errors.New("fluxcore: state listener failed")
)
