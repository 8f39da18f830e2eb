package protocol

import "fmt"

// Status is the return code of a request. Negative values are failures of
// the transport, the loader or the device runtime. Run returns the status
// of the kernel, which may be any value.
type Status int32

// Status codes.
const (
	StatusOK             Status = 0
	StatusLoadFailed     Status = -1
	StatusSymbolNotFound Status = -2
	StatusTransport      Status = -3
	StatusSchemaMismatch Status = -4
	StatusNoMemory       Status = -5
	StatusBadHandle      Status = -6
	StatusPower          Status = -7
	StatusFault          Status = -8
)

var statusNames = map[Status]string{
	StatusOK:             "ok",
	StatusLoadFailed:     "load failed",
	StatusSymbolNotFound: "symbol not found",
	StatusTransport:      "transport error",
	StatusSchemaMismatch: "schema mismatch",
	StatusNoMemory:       "no memory",
	StatusBadHandle:      "bad handle",
	StatusPower:          "power request failed",
	StatusFault:          "device fault",
}

func (s Status) String() string {
	if name, ok := statusNames[s]; ok {
		return name
	}
	return fmt.Sprintf("status %d", int32(s))
}

// Word returns the status as it is stored in the return slot.
func (s Status) Word() uint32 {
	return uint32(int32(s))
}

// StatusOfWord reads a return slot as a status.
func StatusOfWord(w uint32) Status {
	return Status(int32(w))
}
