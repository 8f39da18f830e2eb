package loader

import (
	"fmt"

	"github.com/pkg/errors"
)

// Causes of a LoadError.
var (
	ErrMalformed             = errors.New("malformed image")
	ErrUnresolvedSymbol      = errors.New("unresolved external symbol")
	ErrUnsupportedRelocation = errors.New("unsupported relocation kind")
	ErrOutOfBounds           = errors.New("address out of bounds")
	ErrFieldNotZero          = errors.New("relocated field is not zero")
	ErrRelocationOverflow    = errors.New("relocation value overflows field")
	ErrGOTFull               = errors.New("global offset table is full")
	ErrNoMemory              = errors.New("not enough device memory")
)

// Errors of module table lookups.
var (
	ErrBadHandle      = errors.New("unknown module handle")
	ErrSymbolNotFound = errors.New("symbol not found")
)

// A LoadError is the failure of one load. Other loaded modules are not
// affected by it.
type LoadError struct {
	Image  string
	Err    error
	Detail string
}

func (e *LoadError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("load %s: %v", e.Image, e.Err)
	}
	return fmt.Sprintf("load %s: %v: %s", e.Image, e.Err, e.Detail)
}

// Unwrap returns the cause, so that errors.Is works on the sentinels.
func (e *LoadError) Unwrap() error {
	return e.Err
}

func loadErrorf(image string, cause error, format string, args ...interface{}) error {
	return &LoadError{
		Image:  image,
		Err:    cause,
		Detail: fmt.Sprintf(format, args...),
	}
}
