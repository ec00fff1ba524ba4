package errors

import (
	"errors"
	"fmt"
)

// Transfer errors.
var (
	// ErrMirrorUnavailable marks a single mirror attempt that failed.
	// Never fatal on its own; the caller moves to the next mirror.
	ErrMirrorUnavailable = errors.New("mirror unavailable")

	// ErrAllMirrorsExhausted is returned when every mirror for one blob
	// failed. Fatal to that file only.
	ErrAllMirrorsExhausted = errors.New("all mirrors exhausted")
)

// Key retrieval errors.
var (
	ErrNoAccess        = errors.New("no access to decryption key")
	ErrRetrievalFailed = errors.New("key retrieval failed")
)

// Session errors.
var (
	ErrLedgerTx      = errors.New("ledger transaction failed")
	ErrLocalIO       = errors.New("local storage failure")
	ErrVaultNotFound = errors.New("vault not found")
	ErrSessionActive = errors.New("another sync session is running")
)

// MirrorError describes one failed mirror attempt. It matches
// ErrMirrorUnavailable under errors.Is.
type MirrorError struct {
	Endpoint string
	Status   int
	Err      error
}

func (e *MirrorError) Error() string {
	switch {
	case e.Err != nil && e.Status != 0:
		return fmt.Sprintf("mirror %s (%d): %v", e.Endpoint, e.Status, e.Err)
	case e.Err != nil:
		return fmt.Sprintf("mirror %s: %v", e.Endpoint, e.Err)
	default:
		return fmt.Sprintf("mirror %s returned status %d", e.Endpoint, e.Status)
	}
}

func (e *MirrorError) Unwrap() error { return e.Err }

func (e *MirrorError) Is(target error) bool {
	return target == ErrMirrorUnavailable
}

// IsPerFile reports whether err should be contained at the file
// boundary instead of aborting the whole session.
func IsPerFile(err error) bool {
	return errors.Is(err, ErrAllMirrorsExhausted) ||
		errors.Is(err, ErrNoAccess) ||
		errors.Is(err, ErrRetrievalFailed)
}
