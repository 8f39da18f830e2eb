// Package protocol defines the messages exchanged between the host and the
// coprocessor. Both transports carry the same versioned 8-slot schema.
package protocol

import (
	"fmt"
)

// Version of the message schema.
const Version uint32 = 1

// Slots is the number of argument slots of a message.
const Slots = 8

// Opcode selects the operation of a message.
type Opcode uint32

// Opcodes. None marks an idle mailbox.
const (
	OpNone Opcode = iota
	OpAlloc
	OpFree
	OpLoadLibrary
	OpGetSymbol
	OpRun
	OpReleaseLibrary
	OpBreak
	OpSetPerformanceMode
)

var opNames = map[Opcode]string{
	OpNone:               "None",
	OpAlloc:              "Alloc",
	OpFree:               "Free",
	OpLoadLibrary:        "LoadLibrary",
	OpGetSymbol:          "GetSymbol",
	OpRun:                "Run",
	OpReleaseLibrary:     "ReleaseLibrary",
	OpBreak:              "Break",
	OpSetPerformanceMode: "SetPerformanceMode",
}

func (o Opcode) String() string {
	if name, ok := opNames[o]; ok {
		return name
	}
	return fmt.Sprintf("Opcode(%d)", uint32(o))
}

// ArgKind is the meaning of one argument slot.
type ArgKind int

// Argument kinds. Every kind is 32 bits wide on the wire.
const (
	ArgHandle ArgKind = iota
	ArgDevicePtr
	ArgSize
	ArgCount
	ArgInt
	ArgTier
)

func (k ArgKind) String() string {
	switch k {
	case ArgHandle:
		return "handle"
	case ArgDevicePtr:
		return "ptr"
	case ArgSize:
		return "size"
	case ArgCount:
		return "count"
	case ArgInt:
		return "int"
	case ArgTier:
		return "tier"
	}
	return "unknown"
}

// A Signature lists the argument kinds of an opcode. Slots after the last
// argument must be zero.
type Signature struct {
	Op   Opcode
	Args []ArgKind
}

var signatures = map[Opcode]Signature{
	OpAlloc: {OpAlloc, []ArgKind{ArgSize}},
	OpFree:  {OpFree, []ArgKind{ArgDevicePtr}},
	OpLoadLibrary: {OpLoadLibrary, []ArgKind{
		ArgDevicePtr, ArgSize, ArgDevicePtr, ArgSize, ArgDevicePtr,
	}},
	OpGetSymbol: {OpGetSymbol, []ArgKind{
		ArgHandle, ArgDevicePtr, ArgSize, ArgDevicePtr,
	}},
	OpRun: {OpRun, []ArgKind{
		ArgHandle, ArgDevicePtr,
		ArgDevicePtr, ArgCount,
		ArgDevicePtr, ArgCount,
		ArgDevicePtr, ArgCount,
	}},
	OpReleaseLibrary:     {OpReleaseLibrary, []ArgKind{ArgHandle}},
	OpBreak:              {OpBreak, nil},
	OpSetPerformanceMode: {OpSetPerformanceMode, []ArgKind{ArgTier}},
}

// SignatureOf returns the signature of an opcode.
func SignatureOf(op Opcode) (Signature, bool) {
	s, ok := signatures[op]
	return s, ok
}

// A Message is one request. Args are interpreted positionally per opcode.
type Message struct {
	Op      Opcode
	Version uint32
	Args    [Slots]uint32
}

// NewMessage builds a message of the current version. It panics if args do
// not fit the signature of op, since that is a bug of the caller.
func NewMessage(op Opcode, args ...uint32) Message {
	sig, ok := signatures[op]
	if !ok {
		panic(fmt.Sprintf("no signature for opcode %s", op))
	}
	if len(args) != len(sig.Args) {
		panic(fmt.Sprintf("%s takes %d arguments, got %d",
			op, len(sig.Args), len(args)))
	}

	msg := Message{Op: op, Version: Version}
	copy(msg.Args[:], args)
	return msg
}

// Used returns the number of argument slots up to the last non-zero one.
func (m Message) Used() int {
	n := 0
	for i, a := range m.Args {
		if a != 0 {
			n = i + 1
		}
	}
	return n
}

// Validate checks the message against its signature. Arguments may be zero,
// but no slot after the signature may be set.
func (m Message) Validate() error {
	if m.Version != Version {
		return &SchemaError{Op: m.Op, Reason: fmt.Sprintf(
			"version %d, want %d", m.Version, Version)}
	}

	sig, ok := signatures[m.Op]
	if !ok {
		return &SchemaError{Op: m.Op, Reason: "unknown opcode"}
	}

	if m.Used() > len(sig.Args) {
		return &SchemaError{Op: m.Op, Reason: fmt.Sprintf(
			"%d slots used, signature has %d", m.Used(), len(sig.Args))}
	}
	return nil
}

func (m Message) String() string {
	sig := signatures[m.Op]
	s := m.Op.String() + "("
	for i, k := range sig.Args {
		if i > 0 {
			s += ", "
		}
		s += fmt.Sprintf("%s=%#x", k, m.Args[i])
	}
	return s + ")"
}

// A SchemaError is a message that does not match its signature.
type SchemaError struct {
	Op     Opcode
	Reason string
}

func (e *SchemaError) Error() string {
	return fmt.Sprintf("schema mismatch for %s: %s", e.Op, e.Reason)
}
