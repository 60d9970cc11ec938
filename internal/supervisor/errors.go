package supervisor

import "errors"

var (
	// ErrStartupTimeout is returned by Start when no readiness line was seen
	// within the startup timeout. It is not counted as a crash.
	ErrStartupTimeout = errors.New("worker startup timed out")
	// ErrFailedPermanently means the restart budget is exhausted. Only an
	// explicit Start leaves this state.
	ErrFailedPermanently = errors.New("worker failed permanently")
	// ErrStopped is returned to waiters when the worker is stopped under them.
	ErrStopped = errors.New("worker stopped")
	// ErrClosed is returned by every call after Close.
	ErrClosed = errors.New("supervisor closed")
)
