package reprl

import (
	"errors"
	"fmt"
)

var (
	// ErrAlreadyInitialized means Initialize was called twice on the same
	// context.
	ErrAlreadyInitialized = errors.New("reprl: context is already initialized")

	// ErrNotInitialized means Execute was called before Initialize.
	ErrNotInitialized = errors.New("reprl: context is not initialized")

	// ErrDataChannel means a data channel failed to allocate.
	ErrDataChannel = errors.New("reprl: failed to create data channel")

	// ErrScriptTooLarge means the caller supplied more than
	// datachannel.MaxSize bytes of script.
	ErrScriptTooLarge = errors.New("reprl: script exceeds maximum data size")

	// ErrControlChannel means a read or write on a control pipe failed for
	// a reason other than the child having died.
	ErrControlChannel = errors.New("reprl: control channel read/write failed")

	// ErrWeirdChildState means the short-status-read recovery path's
	// bounded waitpid retry loop also failed to reap the child.
	ErrWeirdChildState = errors.New("reprl: child left in an unrecoverable state after execution")

	// ErrUnexpectedChildExit wraps a status observed when the child died
	// between executions rather than during the requested one.
	ErrUnexpectedChildExit = errors.New("reprl: child unexpectedly exited between executions")
)

// unexpectedExitError carries the synthesized status alongside the
// sentinel so callers that care can still extract it.
type unexpectedExitError struct {
	status Status
}

func (e *unexpectedExitError) Error() string {
	if e.status.IsSignaled() {
		return fmt.Sprintf("reprl: child unexpectedly terminated with signal %d between executions", e.status.TermSig())
	}
	return fmt.Sprintf("reprl: child unexpectedly exited with status %d between executions", e.status.ExitStatus())
}

func (e *unexpectedExitError) Unwrap() error {
	return ErrUnexpectedChildExit
}

// StatusFromError returns the synthesized exit status carried by an
// ErrUnexpectedChildExit error, if err wraps one.
func StatusFromError(err error) (Status, bool) {
	var ue *unexpectedExitError
	if errors.As(err, &ue) {
		return ue.status, true
	}
	return 0, false
}
