package driver

import (
	"fmt"

	"github.com/pkg/errors"
	"gitlab.com/akita/offload/protocol"
)

// A StatusError is a request the device answered with a failure status.
type StatusError struct {
	Op     protocol.Opcode
	Status protocol.Status
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s: %s", e.Op, e.Status)
}

// StatusOf maps an error of the driver to a status code. Errors that did not
// come from the device are transport errors.
func StatusOf(err error) protocol.Status {
	if err == nil {
		return protocol.StatusOK
	}

	var serr *StatusError
	if errors.As(err, &serr) {
		return serr.Status
	}

	return protocol.StatusTransport
}

// failure tells whether a Run reply is a status of the device rather than
// that of the kernel.
func failure(s protocol.Status) bool {
	switch s {
	case protocol.StatusBadHandle,
		protocol.StatusSymbolNotFound,
		protocol.StatusSchemaMismatch,
		protocol.StatusNoMemory,
		protocol.StatusFault:
		return true
	}
	return false
}
