package protocol

import (
	"fmt"

	"github.com/pkg/errors"
)

// ErrNotCompleted is the cause of a TransportError raised when the device
// went idle without resetting the mailbox.
var ErrNotCompleted = errors.New("device idle with a request pending")

// ErrStopped is the cause of a TransportError raised after Break.
var ErrStopped = errors.New("device stopped")

// A TransportError is a request that did not reach the device or whose
// answer did not come back.
type TransportError struct {
	Op  Opcode
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport %s: %v", e.Op, e.Err)
}

// Unwrap returns the cause.
func (e *TransportError) Unwrap() error {
	return e.Err
}
